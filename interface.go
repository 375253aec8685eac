package hedge

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/hashhedge/hedge/hedgedb"
)

// CreateRequest contains the parameters the client needs to open a new hedge
// contract and fund its deposit output.
type CreateRequest struct {
	// Amount is the user principal in satoshis. The house matches it 1:1
	// once the deposit confirms.
	Amount btcutil.Amount

	// Direction is the side of the difficulty hedge to take.
	Direction hedgedb.Direction

	// FeeRate is the fee rate in sat/vbyte for the deposit transaction.
	// Zero means the agent's default.
	FeeRate float64
}

// CreateResult reports the outcome of opening and funding a contract.
type CreateResult struct {
	// ContractID is the server-assigned contract identifier.
	ContractID int64

	// DepositAddress is the taproot address the principal was sent to.
	DepositAddress string

	// DepositTxID is the transaction id of the user deposit.
	DepositTxID string

	// MatchTxID is the transaction id of the house collateral, empty if
	// the house had not matched by the time the call returned.
	MatchTxID string
}

// Stats is the server's market snapshot.
type Stats struct {
	// Difficulty is the current normalized difficulty reading the oracle
	// settles against.
	Difficulty float64

	// HashpriceSats is the quoted hashprice in satoshis.
	HashpriceSats float64

	// HouseAddress is the house wallet address, useful on test networks
	// to fund the counterparty.
	HouseAddress string
}

// BlockTime reports how long ago the chain tip was mined, useful to judge
// whether a settlement reading is fresh.
type BlockTime struct {
	// Network is the chain the server watches.
	Network string

	// BlockHeight is the tip height.
	BlockHeight int64

	// SecondsSinceMined is the tip's age in seconds.
	SecondsSinceMined int64
}

// SettleOutcome is one contract's result within a settle-all sweep.
type SettleOutcome struct {
	// ContractID is the settled contract.
	ContractID int64

	// Result is the server's settlement result for the contract.
	Result string
}

// SignResult reports a pending transaction that was signed and broadcast.
type SignResult struct {
	// ContractID is the settled contract.
	ContractID int64

	// TxID is the broadcast transaction id.
	TxID string
}

// ClaimAllResult reports a batch claim that was signed and broadcast.
type ClaimAllResult struct {
	// TxID is the broadcast batch transaction id.
	TxID string

	// NumInputs is the number of contract outputs the batch swept.
	NumInputs int
}

// RefundResult reports a cooperative refund request.
type RefundResult struct {
	// ContractID is the refunded contract.
	ContractID int64

	// TxID is the broadcast refund transaction id, empty when still
	// waiting for a signature.
	TxID string

	// Message is the server's human readable summary.
	Message string
}
