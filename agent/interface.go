package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
)

var (
	// ErrUnknownNetwork is returned when a network name has no chain
	// parameters.
	ErrUnknownNetwork = errors.New("unknown network")

	// ErrRefused is returned when the agent declines an operation.
	ErrRefused = errors.New("signing agent refused")
)

// Agent is the capability surface of a connected signing agent. The agent
// holds the user's key; the client never sees it. Implementations are
// selected once at session connect time.
type Agent interface {
	// RequestAccounts connects the agent and returns its receive
	// addresses.
	RequestAccounts(ctx context.Context) ([]string, error)

	// GetPublicKey returns the agent's public key.
	GetPublicKey(ctx context.Context) (*btcec.PublicKey, error)

	// GetNetwork returns the network the agent currently operates on.
	GetNetwork(ctx context.Context) (string, error)

	// SwitchNetwork moves the agent to the named network.
	SwitchNetwork(ctx context.Context, name string) error

	// SendBitcoin pays the given amount to an address and returns the
	// broadcast txid.
	SendBitcoin(ctx context.Context, addr string, amount btcutil.Amount,
		feeRate float64) (string, error)

	// SignPsbt signs every input of the psbt the agent's key can sign
	// and returns the signed psbt, hex encoded.
	SignPsbt(ctx context.Context, psbtHex string) (string, error)

	// PushTx broadcasts a raw transaction and returns its txid.
	PushTx(ctx context.Context, txHex string) (string, error)
}

// NetworkParams maps an agent network name to chain parameters.
func NetworkParams(name string) (*chaincfg.Params, error) {
	switch name {
	case "mainnet", "livenet":
		return &chaincfg.MainNetParams, nil

	case "testnet", "testnet3":
		return &chaincfg.TestNet3Params, nil

	case "signet":
		return &chaincfg.SigNetParams, nil

	case "regtest":
		return &chaincfg.RegressionNetParams, nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownNetwork, name)
	}
}
