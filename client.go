package hedge

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/hashhedge/hedge/agent"
	"github.com/hashhedge/hedge/hedgedb"
	"github.com/hashhedge/hedge/notifications"
	"github.com/hashhedge/hedge/script"
	"github.com/hashhedge/hedge/session"
	"github.com/hashhedge/hedge/spend"
)

var (
	// ErrInvalidRequest is returned when a contract request fails local
	// validation before anything is sent to the server.
	ErrInvalidRequest = errors.New("invalid contract request")

	// ErrAddressMismatch is returned when the server's deposit address
	// does not match the locally reconstructed contract script.
	ErrAddressMismatch = errors.New("deposit address mismatch")

	// ErrNoPendingAction is returned when a sign request targets a
	// contract that has nothing to sign.
	ErrNoPendingAction = errors.New("contract has no pending action")
)

const (
	// DefaultMatchDelay is how long the client waits after the deposit
	// broadcast before asking the house to match, giving the explorer
	// time to index the deposit.
	DefaultMatchDelay = 10 * time.Second

	// DefaultMatchInterval is the poll interval while waiting for the
	// user deposit to become visible to the server.
	DefaultMatchInterval = 5 * time.Second

	// DefaultMatchAttempts bounds the match polling loop.
	DefaultMatchAttempts = 12
)

// UTXOSource looks up the unspent outputs of an address. The explorer
// client is the production implementation.
type UTXOSource interface {
	// UTXOs returns the address's unspent outputs.
	UTXOs(ctx context.Context, addr string) ([]agent.UTXO, error)
}

// ClientConfig contains the dependencies and settings of the contract
// client.
type ClientConfig struct {
	// ServerURL is the base url of the hedge server's REST API, for
	// example https://hedge.example.com/api.
	ServerURL string

	// Agent signs and broadcasts on behalf of the user.
	Agent agent.Agent

	// Store persists the client-side contract cache.
	Store *hedgedb.Store

	// UTXOSource resolves contract output values for signing.
	UTXOSource UTXOSource

	// ChainParams identifies the active network.
	ChainParams *chaincfg.Params

	// HouseKey is the house public key, optional. When set together
	// with OracleKey, deposit addresses returned by the server are
	// verified against the locally rebuilt contract script.
	HouseKey *btcec.PublicKey

	// OracleKey is the oracle public key, optional.
	OracleKey *btcec.PublicKey

	// MatchDelay overrides DefaultMatchDelay when positive.
	MatchDelay time.Duration

	// MatchInterval overrides DefaultMatchInterval when positive.
	MatchInterval time.Duration

	// MatchAttempts overrides DefaultMatchAttempts when positive.
	MatchAttempts int
}

// Client coordinates hedge contracts between the server, the signing agent
// and the local contract cache.
type Client struct {
	cfg *ClientConfig

	server hedgeServerClient

	sessions    map[int64]*session.Session
	sessionsMtx sync.Mutex

	now func() time.Time
}

// NewClient creates a contract client talking to the configured server.
func NewClient(cfg *ClientConfig) (*Client, error) {
	if cfg.Agent == nil || cfg.Store == nil || cfg.ChainParams == nil {
		return nil, errors.New("agent, store and chain params " +
			"are required")
	}

	return &Client{
		cfg:      cfg,
		server:   newRestServerClient(cfg.ServerURL),
		sessions: make(map[int64]*session.Session),
		now:      time.Now,
	}, nil
}

// Stats returns the server's market snapshot.
func (c *Client) Stats(ctx context.Context) (*Stats, error) {
	return c.server.GetStats(ctx)
}

// Contracts returns the cached contracts, most recent first.
func (c *Client) Contracts() ([]*hedgedb.Contract, error) {
	return c.cfg.Store.FetchContracts()
}

// FetchContract returns one cached contract.
func (c *Client) FetchContract(id int64) (*hedgedb.Contract, error) {
	return c.cfg.Store.FetchContract(id)
}

// SyncContracts refreshes the local cache from the server's view of all
// contracts belonging to the agent's key.
func (c *Client) SyncContracts(ctx context.Context) error {
	userPubKey, err := c.userPubKeyHex(ctx)
	if err != nil {
		return err
	}

	infos, err := c.server.UserContracts(ctx, userPubKey)
	if err != nil {
		return fmt.Errorf("fetch user contracts: %w", err)
	}

	for _, info := range infos {
		contract := info.contract(c.now())

		// Keep the local event log when we already track the
		// contract.
		if cached, err := c.cfg.Store.FetchContract(
			contract.ID,
		); err == nil {
			contract.EventLog = cached.EventLog
			contract.CreatedAt = cached.CreatedAt
		}

		if err := c.cfg.Store.PutContract(contract); err != nil {
			return err
		}
	}

	log.Infof("Synced %d contracts from server", len(infos))

	return nil
}

// CreateAndDeposit opens a new contract on the server, verifies and funds
// its deposit address through the signing agent, then polls the server
// until the house matches the deposit. If the deposit fails, the contract
// is cancelled on the server and removed locally.
func (c *Client) CreateAndDeposit(ctx context.Context,
	request *CreateRequest) (*CreateResult, error) {

	if request.Amount <= 0 {
		return nil, fmt.Errorf("%w: non-positive amount",
			ErrInvalidRequest)
	}
	switch request.Direction {
	case hedgedb.DirectionLong, hedgedb.DirectionShort:

	default:
		return nil, fmt.Errorf("%w: unknown direction %q",
			ErrInvalidRequest, request.Direction)
	}

	userKey, err := c.cfg.Agent.GetPublicKey(ctx)
	if err != nil {
		return nil, fmt.Errorf("agent public key: %w", err)
	}
	userPubKey := hex.EncodeToString(userKey.SerializeCompressed())

	resp, err := c.server.NewContract(
		ctx, userPubKey, request.Amount, request.Direction,
	)
	if err != nil {
		return nil, fmt.Errorf("create contract: %w", err)
	}

	logger := &ContractLog{Logger: log, ContractID: resp.ContractID}
	logger.Infof("created, deposit address %v", resp.DepositAddress)

	err = c.verifyDepositAddress(
		ctx, userKey, resp.ContractID, resp.DepositAddress,
	)
	if err != nil {
		c.cancelRemote(ctx, resp.ContractID)
		return nil, err
	}

	contract := &hedgedb.Contract{
		ID:             resp.ContractID,
		UserPubKey:     userPubKey,
		DepositAddress: resp.DepositAddress,
		Direction:      request.Direction,
		AmountSat:      request.Amount,
		Status:         hedgedb.StatusCreated,
		CreatedAt:      c.now(),
	}
	if err := c.cfg.Store.PutContract(contract); err != nil {
		c.cancelRemote(ctx, resp.ContractID)
		return nil, err
	}
	sess := c.trackSession(contract)

	depositTxID, err := c.cfg.Agent.SendBitcoin(
		ctx, resp.DepositAddress, request.Amount, request.FeeRate,
	)
	if err != nil {
		// The contract has no funds, undo it on both sides so a
		// retry starts clean.
		logger.Warnf("deposit failed, cancelling: %v", err)
		c.cancelRemote(ctx, resp.ContractID)
		c.abandonSession(resp.ContractID, sess)

		return nil, fmt.Errorf("deposit failed: %w", err)
	}

	c.applyEvent(sess, session.OnDepositBroadcast, "",
		fmt.Sprintf("deposit %v broadcast", depositTxID))

	result := &CreateResult{
		ContractID:     resp.ContractID,
		DepositAddress: resp.DepositAddress,
		DepositTxID:    depositTxID,
	}

	matchTxID, err := c.waitForMatch(ctx, resp.ContractID, sess)
	if err != nil {
		// The deposit is out, matching can complete later via a push
		// event or another poll.
		logger.Warnf("match not confirmed yet: %v", err)
		return result, nil
	}
	result.MatchTxID = matchTxID

	return result, nil
}

// verifyDepositAddress rebuilds the contract script locally and compares
// addresses, when the house and oracle keys are configured. The address is
// always checked to decode on the active network.
func (c *Client) verifyDepositAddress(ctx context.Context,
	userKey *btcec.PublicKey, contractID int64, depositAddr string) error {

	if _, err := spend.ValidateAddress(
		depositAddr, c.cfg.ChainParams,
	); err != nil {
		return err
	}

	if c.cfg.HouseKey == nil || c.cfg.OracleKey == nil {
		return nil
	}

	// The nonce only travels in the contract record, not the create
	// response.
	info, err := c.server.FetchContract(ctx, contractID)
	if err != nil {
		return fmt.Errorf("fetch contract for verification: %w", err)
	}
	nonce, err := hex.DecodeString(info.Nonce)
	if err != nil {
		return fmt.Errorf("decode contract nonce: %w", err)
	}

	contract, err := script.NewContract(
		userKey, c.cfg.HouseKey, c.cfg.OracleKey, nonce,
	)
	if err != nil {
		return fmt.Errorf("rebuild contract script: %w", err)
	}

	localAddr, err := contract.Address(c.cfg.ChainParams)
	if err != nil {
		return err
	}
	if localAddr.EncodeAddress() != depositAddr {
		return fmt.Errorf("%w: server %v, local %v",
			ErrAddressMismatch, depositAddr,
			localAddr.EncodeAddress())
	}

	return nil
}

// waitForMatch polls the server until the house matched the deposit, then
// applies the matched transition exactly once.
func (c *Client) waitForMatch(ctx context.Context, contractID int64,
	sess *session.Session) (string, error) {

	matchDelay := c.cfg.MatchDelay
	if matchDelay <= 0 {
		matchDelay = DefaultMatchDelay
	}
	matchInterval := c.cfg.MatchInterval
	if matchInterval <= 0 {
		matchInterval = DefaultMatchInterval
	}
	matchAttempts := c.cfg.MatchAttempts
	if matchAttempts <= 0 {
		matchAttempts = DefaultMatchAttempts
	}

	select {
	case <-time.After(matchDelay):
	case <-ctx.Done():
		return "", ctx.Err()
	}

	for attempt := 0; attempt < matchAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(matchInterval):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		resp, err := c.server.MatchContract(ctx, contractID)
		if err != nil {
			return "", err
		}

		switch resp.Status {
		case "matched", "already_matched":
			c.applyEvent(
				sess, session.OnMatched, "", resp.Message,
			)

			return resp.TxID, nil

		case "waiting_for_user":
			// Deposit not visible to the server yet, keep
			// polling.

		default:
			return "", fmt.Errorf("%w: match status %v",
				ErrServerRejected, resp.Status)
		}
	}

	return "", fmt.Errorf("deposit not matched after %d attempts",
		matchAttempts)
}

// Settle asks the oracle to settle the contract at the given difficulty
// reading and applies the outcome locally.
func (c *Client) Settle(ctx context.Context, contractID int64,
	difficulty float64) (*hedgedb.Contract, error) {

	sess, err := c.getSession(ctx, contractID)
	if err != nil {
		return nil, err
	}

	resp, err := c.server.SettleContract(ctx, contractID, difficulty)
	if err != nil {
		return nil, err
	}

	switch hedgedb.Status(resp.Result) {
	case hedgedb.StatusWaitingUserSig:
		c.applyEvent(
			sess, session.OnActionRequired, resp.TxHex,
			resp.Message,
		)

	case hedgedb.StatusSettledLoss:
		c.applyEvent(
			sess, session.OnSettledLoss, "", resp.Message,
		)

	default:
		log.Infof("Contract %d settle result %v: %v", contractID,
			resp.Result, resp.Message)
	}

	contract := sess.Contract()

	return &contract, nil
}

// SettleAll asks the oracle to settle every pending contract at the given
// difficulty reading, applying the outcomes to the contracts this client
// tracks. Results for other users' contracts are returned untouched.
func (c *Client) SettleAll(ctx context.Context, difficulty float64) (
	[]SettleOutcome, error) {

	resp, err := c.server.SettleAll(ctx, difficulty)
	if err != nil {
		return nil, err
	}

	outcomes := make([]SettleOutcome, 0, len(resp.Summary))
	for _, entry := range resp.Summary {
		outcomes = append(outcomes, SettleOutcome{
			ContractID: entry.ID,
			Result:     entry.Result,
		})

		sess, err := c.getSession(ctx, entry.ID)
		if err != nil {
			continue
		}

		switch hedgedb.Status(entry.Result) {
		case hedgedb.StatusWaitingUserSig:
			// The pending transaction is fetched on demand at
			// signing time.
			c.applyEvent(
				sess, session.OnActionRequired, "",
				"settled, signature required",
			)

		case hedgedb.StatusSettledLoss:
			c.applyEvent(
				sess, session.OnSettledLoss, "",
				"settled for the house",
			)
		}
	}

	log.Infof("Settle-all touched %d contracts", resp.Count)

	return outcomes, nil
}

// LastBlockTime reports the age of the chain tip the server watches.
func (c *Client) LastBlockTime(ctx context.Context) (*BlockTime, error) {
	return c.server.LastBlockTime(ctx)
}

// RequestRefund asks the server for a house-signed refund of a pending
// contract. The returned transaction still needs the user's signature, so
// a successful request is completed with SignAndBroadcast.
func (c *Client) RequestRefund(ctx context.Context, contractID int64) (
	*RefundResult, error) {

	sess, err := c.getSession(ctx, contractID)
	if err != nil {
		return nil, err
	}

	resp, err := c.server.RefundContract(ctx, contractID)
	if err != nil {
		return nil, err
	}

	if resp.Result == "ALREADY_SETTLED" {
		return &RefundResult{
			ContractID: contractID,
			Message:    resp.Message,
		}, nil
	}

	c.applyEvent(
		sess, session.OnRefundRequired, resp.TxHex, resp.Message,
	)

	return &RefundResult{
		ContractID: contractID,
		Message:    resp.Message,
	}, nil
}

// Cancel abandons an unfunded contract on the server and locally.
func (c *Client) Cancel(ctx context.Context, contractID int64) error {
	sess, err := c.getSession(ctx, contractID)
	if err != nil {
		return err
	}

	if err := c.server.CancelContract(ctx, contractID); err != nil {
		return err
	}

	c.abandonSession(contractID, sess)

	return nil
}

// Run consumes push events from the given subscription, routing each event
// to its contract session, until the context is canceled.
func (c *Client) Run(ctx context.Context,
	events <-chan *notifications.Event) error {

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-events:
			if !ok {
				return errors.New("event stream closed")
			}

			c.ProcessEvent(ctx, event)
		}
	}
}

// ProcessEvent applies one push event to the contract it belongs to.
// Events for contracts this client does not track are ignored.
func (c *Client) ProcessEvent(ctx context.Context,
	event *notifications.Event) {

	sess, err := c.getSession(ctx, event.ContractID)
	if err != nil {
		log.Debugf("Ignoring %v event for unknown contract %d: %v",
			event.Type, event.ContractID, err)
		return
	}

	sess.ProcessEvent(event)
	c.persistSession(sess)
}

// trackSession creates and registers a session for the contract.
func (c *Client) trackSession(contract *hedgedb.Contract) *session.Session {
	c.sessionsMtx.Lock()
	defer c.sessionsMtx.Unlock()

	if sess, ok := c.sessions[contract.ID]; ok {
		return sess
	}

	sess := session.NewSession(contract)
	c.sessions[contract.ID] = sess

	return sess
}

// getSession returns the session tracking the contract, loading the
// contract from the local cache if needed.
func (c *Client) getSession(ctx context.Context, contractID int64) (
	*session.Session, error) {

	c.sessionsMtx.Lock()
	if sess, ok := c.sessions[contractID]; ok {
		c.sessionsMtx.Unlock()
		return sess, nil
	}
	c.sessionsMtx.Unlock()

	contract, err := c.cfg.Store.FetchContract(contractID)
	if err != nil {
		return nil, err
	}

	return c.trackSession(contract), nil
}

// applyEvent applies a transition and persists the updated contract.
func (c *Client) applyEvent(sess *session.Session, event session.EventType,
	txHex, note string) {

	if err := sess.SendEvent(event, txHex, note); err != nil {
		contract := sess.Contract()
		log.Warnf("Contract %d: %v in state %v: %v", contract.ID,
			event, contract.Status, err)
		return
	}

	c.persistSession(sess)
}

// persistSession writes the session's contract snapshot to the cache.
func (c *Client) persistSession(sess *session.Session) {
	contract := sess.Contract()
	if err := c.cfg.Store.PutContract(&contract); err != nil {
		log.Errorf("Persist contract %d: %v", contract.ID, err)
	}
}

// abandonSession clears all local state of a cancelled contract.
func (c *Client) abandonSession(contractID int64, sess *session.Session) {
	if err := sess.SendEvent(
		session.OnCancelled, "", "contract abandoned",
	); err != nil {
		log.Debugf("Contract %d: cancel transition: %v", contractID,
			err)
	}

	c.sessionsMtx.Lock()
	delete(c.sessions, contractID)
	c.sessionsMtx.Unlock()

	if err := c.cfg.Store.DeleteContract(contractID); err != nil &&
		!errors.Is(err, hedgedb.ErrContractNotFound) {

		log.Errorf("Delete contract %d: %v", contractID, err)
	}
}

// cancelRemote deletes a contract on the server, logging failures.
func (c *Client) cancelRemote(ctx context.Context, contractID int64) {
	if err := c.server.CancelContract(ctx, contractID); err != nil {
		log.Errorf("Cancel contract %d on server: %v", contractID,
			err)
	}
}

// userPubKeyHex returns the agent key in the server's wire encoding.
func (c *Client) userPubKeyHex(ctx context.Context) (string, error) {
	userKey, err := c.cfg.Agent.GetPublicKey(ctx)
	if err != nil {
		return "", fmt.Errorf("agent public key: %w", err)
	}

	return hex.EncodeToString(userKey.SerializeCompressed()), nil
}
