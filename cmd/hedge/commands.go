package main

import (
	"fmt"
	"strconv"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/hashhedge/hedge"
	"github.com/hashhedge/hedge/hedgedb"
	"github.com/urfave/cli"
)

var statsCommand = cli.Command{
	Name:   "stats",
	Usage:  "show the server's market snapshot",
	Action: stats,
}

func stats(ctx *cli.Context) error {
	client, cleanup, err := getClient(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	resp, err := client.Stats(commandContext())
	if err != nil {
		return err
	}

	printJSON(resp)

	return nil
}

var createCommand = cli.Command{
	Name:      "create",
	Usage:     "open a new contract and fund its deposit",
	ArgsUsage: "amt",
	Description: `
	Open a difficulty hedge contract over the given amount of satoshis,
	send the deposit from the local wallet and wait for the house to
	match it 1:1.`,
	Flags: []cli.Flag{
		cli.Uint64Flag{
			Name:  "amt",
			Usage: "the principal in satoshis",
		},
		cli.StringFlag{
			Name:  "direction",
			Value: string(hedgedb.DirectionLong),
			Usage: "LONG wins above the strike, SHORT at or " +
				"below it",
		},
		cli.Float64Flag{
			Name:  "feerate",
			Usage: "fee rate of the deposit in sat/vbyte",
		},
	},
	Action: create,
}

func create(ctx *cli.Context) error {
	args := ctx.Args()

	var amtStr string
	switch {
	case ctx.IsSet("amt"):
		amtStr = strconv.FormatUint(ctx.Uint64("amt"), 10)

	case ctx.NArg() > 0:
		amtStr = args[0]

	default:
		return cli.ShowCommandHelp(ctx, "create")
	}

	amt, err := strconv.ParseInt(amtStr, 10, 64)
	if err != nil {
		return fmt.Errorf("unable to decode amt: %v", err)
	}

	client, cleanup, err := getClient(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	resp, err := client.CreateAndDeposit(
		commandContext(), &hedge.CreateRequest{
			Amount:    btcutil.Amount(amt),
			Direction: hedgedb.Direction(ctx.String("direction")),
			FeeRate:   ctx.Float64("feerate"),
		},
	)
	if err != nil {
		return err
	}

	printJSON(resp)

	return nil
}

var contractsCommand = cli.Command{
	Name:  "contracts",
	Usage: "list contracts, most recent first",
	Flags: []cli.Flag{
		cli.BoolFlag{
			Name:  "sync",
			Usage: "refresh the local cache from the server first",
		},
	},
	Action: contracts,
}

func contracts(ctx *cli.Context) error {
	client, cleanup, err := getClient(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	if ctx.Bool("sync") {
		if err := client.SyncContracts(commandContext()); err != nil {
			return err
		}
	}

	resp, err := client.Contracts()
	if err != nil {
		return err
	}

	printJSON(resp)

	return nil
}

var settleCommand = cli.Command{
	Name:      "settle",
	Usage:     "ask the oracle to settle a contract",
	ArgsUsage: "id",
	Flags: []cli.Flag{
		cli.Float64Flag{
			Name:  "difficulty",
			Usage: "the difficulty reading to settle against",
		},
	},
	Action: settle,
}

func settle(ctx *cli.Context) error {
	id, err := contractIDArg(ctx, "settle")
	if err != nil {
		return err
	}

	client, cleanup, err := getClient(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	resp, err := client.Settle(
		commandContext(), id, ctx.Float64("difficulty"),
	)
	if err != nil {
		return err
	}

	printJSON(resp)

	return nil
}

var settleAllCommand = cli.Command{
	Name:  "settleall",
	Usage: "ask the oracle to settle every pending contract",
	Flags: []cli.Flag{
		cli.Float64Flag{
			Name:  "difficulty",
			Usage: "the difficulty reading to settle against",
		},
	},
	Action: settleAll,
}

func settleAll(ctx *cli.Context) error {
	client, cleanup, err := getClient(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	resp, err := client.SettleAll(
		commandContext(), ctx.Float64("difficulty"),
	)
	if err != nil {
		return err
	}

	printJSON(resp)

	return nil
}

var blockTimeCommand = cli.Command{
	Name:   "blocktime",
	Usage:  "show the age of the chain tip the server watches",
	Action: blockTime,
}

func blockTime(ctx *cli.Context) error {
	client, cleanup, err := getClient(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	resp, err := client.LastBlockTime(commandContext())
	if err != nil {
		return err
	}

	printJSON(resp)

	return nil
}

var signCommand = cli.Command{
	Name:      "sign",
	Usage:     "co-sign and broadcast a pending win or refund transaction",
	ArgsUsage: "id",
	Action:    sign,
}

func sign(ctx *cli.Context) error {
	id, err := contractIDArg(ctx, "sign")
	if err != nil {
		return err
	}

	client, cleanup, err := getClient(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	resp, err := client.SignAndBroadcast(commandContext(), id)
	if err != nil {
		return err
	}

	printJSON(resp)

	return nil
}

var claimAllCommand = cli.Command{
	Name:   "claimall",
	Usage:  "sweep all won contracts in one transaction",
	Action: claimAll,
}

func claimAll(ctx *cli.Context) error {
	client, cleanup, err := getClient(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	resp, err := client.ClaimAll(commandContext())
	if err != nil {
		return err
	}

	printJSON(resp)

	return nil
}

var refundCommand = cli.Command{
	Name:      "refund",
	Usage:     "request a cooperative refund of a pending contract",
	ArgsUsage: "id",
	Flags: []cli.Flag{
		cli.BoolFlag{
			Name: "sign",
			Usage: "immediately co-sign and broadcast the " +
				"refund",
		},
	},
	Action: refund,
}

func refund(ctx *cli.Context) error {
	id, err := contractIDArg(ctx, "refund")
	if err != nil {
		return err
	}

	client, cleanup, err := getClient(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	resp, err := client.RequestRefund(commandContext(), id)
	if err != nil {
		return err
	}
	printJSON(resp)

	if !ctx.Bool("sign") {
		return nil
	}

	signResp, err := client.SignAndBroadcast(commandContext(), id)
	if err != nil {
		return err
	}
	printJSON(signResp)

	return nil
}

var cancelCommand = cli.Command{
	Name:      "cancel",
	Usage:     "abandon an unfunded contract",
	ArgsUsage: "id",
	Action:    cancel,
}

func cancel(ctx *cli.Context) error {
	id, err := contractIDArg(ctx, "cancel")
	if err != nil {
		return err
	}

	client, cleanup, err := getClient(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := client.Cancel(commandContext(), id); err != nil {
		return err
	}

	fmt.Printf("contract %d cancelled\n", id)

	return nil
}

// contractIDArg parses the positional contract id argument.
func contractIDArg(ctx *cli.Context, command string) (int64, error) {
	if ctx.NArg() != 1 {
		_ = cli.ShowCommandHelp(ctx, command)
		return 0, fmt.Errorf("contract id argument required")
	}

	id, err := strconv.ParseInt(ctx.Args()[0], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unable to decode contract id: %v", err)
	}

	return id, nil
}
