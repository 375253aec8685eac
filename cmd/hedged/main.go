package main

import (
	"fmt"

	"github.com/hashhedge/hedge/hedged"
)

func main() {
	err := hedged.Start()
	if err != nil {
		fmt.Println(err)
	}
}
