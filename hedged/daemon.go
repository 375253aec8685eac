package hedged

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/hashhedge/hedge"
	"github.com/hashhedge/hedge/agent"
	"github.com/hashhedge/hedge/hedgedb"
	"github.com/hashhedge/hedge/notifications"
	"golang.org/x/sync/errgroup"
)

// Daemon runs the client side of the hedge contract flow unattended: it
// keeps the local contract cache in sync with the server's push events and,
// when enabled, signs and broadcasts as soon as the server asks for a
// signature.
type Daemon struct {
	cfg *Config

	client      *hedge.Client
	store       *hedgedb.Store
	ntfnManager *notifications.Manager
}

// New assembles a daemon from the given validated config.
func New(cfg *Config) (*Daemon, error) {
	chainParams, err := agent.NetworkParams(cfg.Network)
	if err != nil {
		return nil, err
	}

	privKey, err := readSigningKey(cfg.KeyFile)
	if err != nil {
		return nil, err
	}

	explorer := agent.NewExplorerClient(cfg.ExplorerURL)
	keystore, err := agent.NewKeystore(privKey, chainParams, explorer)
	if err != nil {
		return nil, err
	}

	store, err := hedgedb.Open(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	clientCfg := &hedge.ClientConfig{
		ServerURL:     cfg.Server.URL,
		Agent:         keystore,
		Store:         store,
		UTXOSource:    explorer,
		ChainParams:   chainParams,
		MatchDelay:    cfg.MatchDelay,
		MatchInterval: cfg.MatchInterval,
		MatchAttempts: cfg.MatchAttempts,
	}

	clientCfg.HouseKey, clientCfg.OracleKey, err = parsePartyKeys(
		cfg.Server.HouseKey, cfg.Server.OracleKey,
	)
	if err != nil {
		store.Close()
		return nil, err
	}

	client, err := hedge.NewClient(clientCfg)
	if err != nil {
		store.Close()
		return nil, err
	}

	return &Daemon{
		cfg:    cfg,
		client: client,
		store:  store,
		ntfnManager: notifications.NewManager(&notifications.Config{
			WSURL: cfg.Server.WSURL,
		}),
	}, nil
}

// Client returns the daemon's contract client.
func (d *Daemon) Client() *hedge.Client {
	return d.client
}

// Close releases the daemon's resources without running it. Run closes them
// itself on return.
func (d *Daemon) Close() error {
	return d.store.Close()
}

// Run blocks until the context is canceled or a subsystem fails.
func (d *Daemon) Run(ctx context.Context) error {
	defer d.store.Close()

	if err := d.client.SyncContracts(ctx); err != nil {
		// The cache catches up through push events, a failed initial
		// sync is not fatal.
		log.Warnf("Initial contract sync failed: %v", err)
	}

	events := d.ntfnManager.SubscribeEvents(ctx)

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return d.ntfnManager.Run(groupCtx)
	})

	group.Go(func() error {
		return d.eventLoop(groupCtx, events)
	})

	log.Infof("Daemon running on %v, server %v", d.cfg.Network,
		d.cfg.Server.URL)

	return group.Wait()
}

// eventLoop consumes server push events, updating contract state and
// optionally completing requested signatures.
func (d *Daemon) eventLoop(ctx context.Context,
	events <-chan *notifications.Event) error {

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-events:
			if !ok {
				return fmt.Errorf("event stream closed")
			}

			d.client.ProcessEvent(ctx, event)

			if d.cfg.AutoSign && signRequested(event) {
				d.autoSign(ctx, event.ContractID)
			}
		}
	}
}

// autoSign completes a requested signature without user interaction.
func (d *Daemon) autoSign(ctx context.Context, contractID int64) {
	result, err := d.client.SignAndBroadcast(ctx, contractID)
	if err != nil {
		log.Errorf("Auto-sign of contract %d failed: %v", contractID,
			err)
		return
	}

	log.Infof("Auto-signed contract %d, broadcast %v", contractID,
		result.TxID)
}

// signRequested reports whether the event announces a transaction waiting
// for the user's signature.
func signRequested(event *notifications.Event) bool {
	switch event.Type {
	case notifications.EventActionRequired:
		return true

	case notifications.EventSettled:
		return event.Result !=
			string(hedgedb.StatusSettledLoss)

	default:
		return false
	}
}

// readSigningKey loads the agent's private key from a hex encoded file.
func readSigningKey(keyFile string) (*btcec.PrivateKey, error) {
	raw, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	keyBytes, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("decode key file: %w", err)
	}
	if len(keyBytes) != btcec.PrivKeyBytesLen {
		return nil, fmt.Errorf("key file holds %d bytes, want %d",
			len(keyBytes), btcec.PrivKeyBytesLen)
	}

	privKey, _ := btcec.PrivKeyFromBytes(keyBytes)

	return privKey, nil
}

// parsePartyKeys decodes the optional house and oracle keys.
func parsePartyKeys(houseHex, oracleHex string) (*btcec.PublicKey,
	*btcec.PublicKey, error) {

	if houseHex == "" && oracleHex == "" {
		return nil, nil, nil
	}

	houseKey, err := parsePubKey(houseHex)
	if err != nil {
		return nil, nil, fmt.Errorf("house key: %w", err)
	}

	oracleKey, err := parsePubKey(oracleHex)
	if err != nil {
		return nil, nil, fmt.Errorf("oracle key: %w", err)
	}

	return houseKey, oracleKey, nil
}

func parsePubKey(keyHex string) (*btcec.PublicKey, error) {
	raw, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, err
	}

	return btcec.ParsePubKey(raw)
}
