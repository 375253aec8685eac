package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/hashhedge/hedge"
	"github.com/hashhedge/hedge/hedged"
	"github.com/urfave/cli"
)

func printJSON(resp interface{}) {
	out, err := json.MarshalIndent(resp, "", "    ")
	if err != nil {
		fmt.Println("unable to encode response: ", err)
		return
	}

	fmt.Println(string(out))
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "[hedge] %v\n", err)
	os.Exit(1)
}

func main() {
	app := cli.NewApp()

	app.Version = hedge.Version()
	app.Name = "hedge"
	app.Usage = "difficulty hedge contracts from the command line"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "network",
			Value: "signet",
			Usage: "the network to run on (signet, testnet, " +
				"regtest)",
		},
		cli.StringFlag{
			Name:  "server",
			Usage: "hedge server REST API base url",
		},
		cli.StringFlag{
			Name:  "explorer",
			Usage: "block explorer API base url",
		},
		cli.StringFlag{
			Name:  "keyfile",
			Usage: "path to the hex encoded signing key",
		},
	}
	app.Commands = []cli.Command{
		statsCommand, createCommand, contractsCommand, settleCommand,
		settleAllCommand, signCommand, claimAllCommand, refundCommand,
		cancelCommand, blockTimeCommand,
	}

	err := app.Run(os.Args)
	if err != nil {
		fatal(err)
	}
}

// getClient assembles a contract client from the global flags.
func getClient(ctx *cli.Context) (*hedge.Client, func(), error) {
	cfg := hedged.DefaultConfig()

	if network := ctx.GlobalString("network"); network != "" {
		cfg.Network = network
	}
	if server := ctx.GlobalString("server"); server != "" {
		cfg.Server.URL = server
	}
	if explorer := ctx.GlobalString("explorer"); explorer != "" {
		cfg.ExplorerURL = explorer
	}
	if keyFile := ctx.GlobalString("keyfile"); keyFile != "" {
		cfg.KeyFile = keyFile
	}

	if err := hedged.Validate(&cfg); err != nil {
		return nil, nil, err
	}

	daemon, err := hedged.New(&cfg)
	if err != nil {
		return nil, nil, err
	}

	cleanup := func() {
		if err := daemon.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "close: %v\n", err)
		}
	}

	return daemon.Client(), cleanup, nil
}

// commandContext returns the context commands run under.
func commandContext() context.Context {
	return context.Background()
}
