package hedgedb

import (
	"time"

	"github.com/btcsuite/btcd/btcutil"
)

// Direction is the side of the difficulty hedge a contract takes.
type Direction string

const (
	// DirectionLong wins when difficulty settles above the strike.
	DirectionLong Direction = "LONG"

	// DirectionShort wins when difficulty settles at or below the
	// strike.
	DirectionShort Direction = "SHORT"
)

// Status is the lifecycle state of a contract as the client sees it. The
// server remains the source of truth, the client view is a cache refreshed
// by polling and push events.
type Status string

const (
	// StatusCreated is the initial state: the contract exists on the
	// server but the deposit has not been broadcast yet.
	StatusCreated Status = "CREATED"

	// StatusPendingMatch means the user deposit is broadcast and the
	// contract waits for the house to match it.
	StatusPendingMatch Status = "PENDING"

	// StatusMatched means the house collateral arrived and the contract
	// is live.
	StatusMatched Status = "MATCHED"

	// StatusWaitingUserSig means the oracle decided the user won and a
	// partially signed claim transaction awaits the user's signature.
	StatusWaitingUserSig Status = "WAITING_USER_SIG"

	// StatusWaitingUserSigRefund means a house-signed refund transaction
	// awaits the user's signature.
	StatusWaitingUserSigRefund Status = "WAITING_USER_SIG_REFUND"

	// StatusSettledWin is terminal: the user's claim was broadcast.
	StatusSettledWin Status = "SETTLED_WIN"

	// StatusSettledLoss is terminal: the contract settled for the house.
	StatusSettledLoss Status = "SETTLED_LOSS"

	// StatusCancelled is terminal: the contract was abandoned before the
	// deposit completed.
	StatusCancelled Status = "CANCELLED"
)

// ActionRequired reports whether the contract needs a user signature to
// proceed.
func (s Status) ActionRequired() bool {
	return s == StatusWaitingUserSig || s == StatusWaitingUserSigRefund
}

// Terminal reports whether no further transitions can happen.
func (s Status) Terminal() bool {
	switch s {
	case StatusSettledWin, StatusSettledLoss, StatusCancelled:
		return true

	default:
		return false
	}
}

// LogEntry is one timestamped line of a contract's client-side event log.
type LogEntry struct {
	// Time is the client wall clock time the entry was recorded.
	Time time.Time `json:"time"`

	// Text is the human readable entry.
	Text string `json:"text"`
}

// Contract is the client-side view of a single hedge contract.
type Contract struct {
	// ID is the server-assigned contract identifier.
	ID int64 `json:"id"`

	// UserPubKey is the user's compressed public key in hex.
	UserPubKey string `json:"user_pubkey"`

	// DepositAddress is the contract's taproot deposit address.
	DepositAddress string `json:"deposit_address"`

	// Direction is the hedge side.
	Direction Direction `json:"direction"`

	// AmountSat is the user's principal in satoshis. The live contract
	// output holds twice this amount, the house matches 1:1.
	AmountSat btcutil.Amount `json:"amount_sat"`

	// Status is the last known lifecycle state.
	Status Status `json:"status"`

	// PendingTxHex is the raw transaction of the currently required
	// action, empty when no action is pending.
	PendingTxHex string `json:"pending_tx_hex,omitempty"`

	// Nonce is the per-contract script nonce in hex.
	Nonce string `json:"nonce,omitempty"`

	// CreatedAt is the creation time as observed by the client.
	CreatedAt time.Time `json:"created_at"`

	// EventLog holds timestamped entries, most recent first.
	EventLog []LogEntry `json:"event_log,omitempty"`
}

// LogEvent prepends an entry to the contract's event log.
func (c *Contract) LogEvent(now time.Time, text string) {
	c.EventLog = append(
		[]LogEntry{{Time: now, Text: text}}, c.EventLog...,
	)
}
