package hedge

import (
	"bytes"
	"context"
	"encoding/hex"
	"strings"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/hashhedge/hedge/agent"
	"github.com/hashhedge/hedge/hedgedb"
	"github.com/hashhedge/hedge/notifications"
	"github.com/hashhedge/hedge/script"
	"github.com/hashhedge/hedge/session"
	"github.com/hashhedge/hedge/spend"
	"github.com/hashhedge/hedge/witness"
	"github.com/stretchr/testify/require"
)

var (
	testTxID = strings.Repeat("ab", 32)

	dummyUserSig = bytes.Repeat([]byte{0xdd}, 64)
)

// serverMock implements hedgeServerClient against canned responses.
type serverMock struct {
	contractID     int64
	depositAddress string
	nonce          string

	// matchStatuses is consumed one element per MatchContract call, the
	// last element repeats.
	matchStatuses []string
	matchCalls    int

	cancelled []int64

	claimTxHex string
}

var _ hedgeServerClient = (*serverMock)(nil)

func (s *serverMock) GetStats(_ context.Context) (*Stats, error) {
	return &Stats{Difficulty: 0.047, HashpriceSats: 220_000}, nil
}

func (s *serverMock) NewContract(_ context.Context, _ string,
	amount btcutil.Amount, _ hedgedb.Direction) (*newContractResponse,
	error) {

	return &newContractResponse{
		Status:         "success",
		ContractID:     s.contractID,
		DepositAddress: s.depositAddress,
		Amount:         int64(amount),
	}, nil
}

func (s *serverMock) MatchContract(_ context.Context, _ int64) (
	*matchContractResponse, error) {

	status := "matched"
	if len(s.matchStatuses) > 0 {
		idx := s.matchCalls
		if idx >= len(s.matchStatuses) {
			idx = len(s.matchStatuses) - 1
		}
		status = s.matchStatuses[idx]
	}
	s.matchCalls++

	resp := &matchContractResponse{Status: status}
	if status == "matched" || status == "already_matched" {
		resp.TxID = testTxID
	}

	return resp, nil
}

func (s *serverMock) SettleContract(_ context.Context, _ int64,
	_ float64) (*settleContractResponse, error) {

	return &settleContractResponse{Result: "SKIPPED"}, nil
}

func (s *serverMock) SettleAll(_ context.Context, _ float64) (
	*settleAllResponse, error) {

	return &settleAllResponse{}, nil
}

func (s *serverMock) LastBlockTime(_ context.Context) (*BlockTime, error) {
	return &BlockTime{Network: "Bitcoin Signet", BlockHeight: 1}, nil
}

func (s *serverMock) RefundContract(_ context.Context, _ int64) (
	*refundContractResponse, error) {

	return &refundContractResponse{Status: "waiting_user_sig"}, nil
}

func (s *serverMock) CancelContract(_ context.Context, id int64) error {
	s.cancelled = append(s.cancelled, id)
	return nil
}

func (s *serverMock) ClaimAll(_ context.Context, _ string) (
	*claimAllResponse, error) {

	return &claimAllResponse{
		Status: "ready_to_sign",
		TxHex:  s.claimTxHex,
	}, nil
}

func (s *serverMock) FetchContract(_ context.Context, id int64) (
	*contractInfo, error) {

	return &contractInfo{
		ID:             id,
		DepositAddress: s.depositAddress,
		Nonce:          s.nonce,
	}, nil
}

func (s *serverMock) UserContracts(_ context.Context, _ string) (
	[]*contractInfo, error) {

	return nil, nil
}

// agentMock implements agent.Agent. It signs psbts with a fixed dummy
// signature for its own key and records everything it sends or broadcasts.
type agentMock struct {
	privKey *btcec.PrivateKey

	sendErr   error
	sentTo    []string
	signCalls int
	pushedTxs []string
}

var _ agent.Agent = (*agentMock)(nil)

func (a *agentMock) RequestAccounts(_ context.Context) ([]string, error) {
	return []string{"tb1qagent"}, nil
}

func (a *agentMock) GetPublicKey(_ context.Context) (*btcec.PublicKey,
	error) {

	return a.privKey.PubKey(), nil
}

func (a *agentMock) GetNetwork(_ context.Context) (string, error) {
	return "signet", nil
}

func (a *agentMock) SwitchNetwork(_ context.Context, _ string) error {
	return nil
}

func (a *agentMock) SendBitcoin(_ context.Context, addr string,
	_ btcutil.Amount, _ float64) (string, error) {

	if a.sendErr != nil {
		return "", a.sendErr
	}
	a.sentTo = append(a.sentTo, addr)

	return testTxID, nil
}

func (a *agentMock) SignPsbt(_ context.Context, psbtHex string) (string,
	error) {

	a.signCalls++

	raw, err := hex.DecodeString(psbtHex)
	if err != nil {
		return "", err
	}
	packet, err := psbt.NewFromRawBytes(bytes.NewReader(raw), false)
	if err != nil {
		return "", err
	}

	xOnlyKey := schnorr.SerializePubKey(a.privKey.PubKey())
	for i := range packet.Inputs {
		pIn := &packet.Inputs[i]
		if len(pIn.TaprootLeafScript) == 0 {
			continue
		}

		pIn.TaprootScriptSpendSig = append(
			pIn.TaprootScriptSpendSig,
			&psbt.TaprootScriptSpendSig{
				XOnlyPubKey: xOnlyKey,
				LeafHash: spend.LeafHash(
					pIn.TaprootLeafScript[0].Script,
				),
				Signature: dummyUserSig,
				SigHash:   txscript.SigHashDefault,
			},
		)
	}

	var buf bytes.Buffer
	if err := packet.Serialize(&buf); err != nil {
		return "", err
	}

	return hex.EncodeToString(buf.Bytes()), nil
}

func (a *agentMock) PushTx(_ context.Context, txHex string) (string,
	error) {

	a.pushedTxs = append(a.pushedTxs, txHex)

	return testTxID, nil
}

// utxoMock implements UTXOSource with a fixed answer per address.
type utxoMock struct {
	utxos map[string][]agent.UTXO
}

func (u *utxoMock) UTXOs(_ context.Context, addr string) ([]agent.UTXO,
	error) {

	return u.utxos[addr], nil
}

// testContext bundles a client over all mocks plus the contract script
// material backing the server's deposit address.
type testContext struct {
	t *testing.T

	client   *Client
	server   *serverMock
	agentMck *agentMock
	utxos    *utxoMock
	store    *hedgedb.Store

	contract *script.Contract
	address  string
}

func newTestContext(t *testing.T) *testContext {
	t.Helper()

	userPriv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	housePriv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	oraclePriv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	contract, err := script.NewContract(
		userPriv.PubKey(), housePriv.PubKey(), oraclePriv.PubKey(),
		[]byte{0x0a, 0x0b, 0x0c, 0x0d},
	)
	require.NoError(t, err)

	addr, err := contract.Address(&chaincfg.SigNetParams)
	require.NoError(t, err)

	store, err := hedgedb.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	server := &serverMock{
		contractID:     42,
		depositAddress: addr.EncodeAddress(),
		nonce:          "0a0b0c0d",
	}
	agentMck := &agentMock{privKey: userPriv}
	utxos := &utxoMock{utxos: make(map[string][]agent.UTXO)}

	client := &Client{
		cfg: &ClientConfig{
			Agent:         agentMck,
			Store:         store,
			UTXOSource:    utxos,
			ChainParams:   &chaincfg.SigNetParams,
			MatchDelay:    time.Millisecond,
			MatchInterval: time.Millisecond,
			MatchAttempts: 5,
		},
		server:   server,
		sessions: make(map[int64]*session.Session),
		now:      time.Now,
	}

	return &testContext{
		t:        t,
		client:   client,
		server:   server,
		agentMck: agentMck,
		utxos:    utxos,
		store:    store,
		contract: contract,
		address:  addr.EncodeAddress(),
	}
}

// witnessSlots returns the stack slots of the win leaf's two signers as
// (oracle, user).
func (ctx *testContext) witnessSlots() (int, int) {
	keys, err := script.ParseLeafKeys(ctx.contract.WinScript)
	require.NoError(ctx.t, err)

	ordered := script.WitnessKeyOrder(keys...)
	userKey := schnorr.SerializePubKey(ctx.agentMck.privKey.PubKey())

	if bytes.Equal(ordered[0], userKey) {
		return 1, 0
	}

	return 0, 1
}

// partialWinTx builds the server's oracle-signed win spend over the given
// outpoint, with the user slot left as a placeholder.
func (ctx *testContext) partialWinTx(prevOut wire.OutPoint,
	oracleSig []byte) string {

	controlBlock, err := ctx.contract.ControlBlock(script.LeafWin)
	require.NoError(ctx.t, err)

	oracleSlot, userSlot := ctx.witnessSlots()

	stack := make(wire.TxWitness, 4)
	stack[oracleSlot] = oracleSig
	stack[userSlot] = nil
	stack[2] = ctx.contract.WinScript
	stack[3] = controlBlock

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: prevOut,
		Witness:          stack,
	})
	tx.AddTxOut(&wire.TxOut{
		Value: 95_000,
		PkScript: append(
			[]byte{0x00, 0x14}, bytes.Repeat([]byte{7}, 20)...,
		),
	})

	txHex, err := witness.EncodeTx(tx)
	require.NoError(ctx.t, err)

	return txHex
}

// putWaitingContract caches a contract waiting for the user's claim
// signature.
func (ctx *testContext) putWaitingContract(id int64, txHex string) {
	err := ctx.store.PutContract(&hedgedb.Contract{
		ID:             id,
		DepositAddress: ctx.address,
		Direction:      hedgedb.DirectionLong,
		AmountSat:      btcutil.Amount(50_000),
		Status:         hedgedb.StatusWaitingUserSig,
		PendingTxHex:   txHex,
		CreatedAt:      time.Now(),
	})
	require.NoError(ctx.t, err)
}

// TestCreateAndDeposit covers the full open flow: create, fund the deposit
// address, then poll until the house matches, applying the matched
// transition exactly once.
func TestCreateAndDeposit(t *testing.T) {
	ctx := newTestContext(t)
	ctx.server.matchStatuses = []string{
		"waiting_for_user", "waiting_for_user", "matched",
	}

	result, err := ctx.client.CreateAndDeposit(
		context.Background(), &CreateRequest{
			Amount:    btcutil.Amount(50_000),
			Direction: hedgedb.DirectionLong,
		},
	)
	require.NoError(t, err)

	require.Equal(t, int64(42), result.ContractID)
	require.Equal(t, ctx.address, result.DepositAddress)
	require.Equal(t, testTxID, result.DepositTxID)
	require.Equal(t, testTxID, result.MatchTxID)

	// The deposit went to the verified address and matching polled until
	// the deposit became visible.
	require.Equal(t, []string{ctx.address}, ctx.agentMck.sentTo)
	require.Equal(t, 3, ctx.server.matchCalls)

	// The cached contract went CREATED -> PENDING -> MATCHED, with the
	// matched transition recorded exactly once.
	cached, err := ctx.store.FetchContract(42)
	require.NoError(t, err)
	require.Equal(t, hedgedb.StatusMatched, cached.Status)

	matchedEntries := 0
	for _, entry := range cached.EventLog {
		if strings.Contains(entry.Text, "-> MATCHED") {
			matchedEntries++
		}
	}
	require.Equal(t, 1, matchedEntries)
}

// TestCreateDepositFailure asserts a failed deposit rolls the contract
// back on the server and locally, leaving nothing half-open.
func TestCreateDepositFailure(t *testing.T) {
	ctx := newTestContext(t)
	ctx.agentMck.sendErr = context.DeadlineExceeded

	_, err := ctx.client.CreateAndDeposit(
		context.Background(), &CreateRequest{
			Amount:    btcutil.Amount(50_000),
			Direction: hedgedb.DirectionShort,
		},
	)
	require.Error(t, err)

	require.Equal(t, []int64{42}, ctx.server.cancelled)
	require.Zero(t, ctx.server.matchCalls)

	_, err = ctx.store.FetchContract(42)
	require.ErrorIs(t, err, hedgedb.ErrContractNotFound)
}

// TestValidateRequest asserts malformed requests fail before any network
// traffic.
func TestValidateRequest(t *testing.T) {
	ctx := newTestContext(t)

	_, err := ctx.client.CreateAndDeposit(
		context.Background(), &CreateRequest{
			Amount:    0,
			Direction: hedgedb.DirectionLong,
		},
	)
	require.ErrorIs(t, err, ErrInvalidRequest)

	_, err = ctx.client.CreateAndDeposit(
		context.Background(), &CreateRequest{
			Amount:    btcutil.Amount(1000),
			Direction: hedgedb.Direction("SIDEWAYS"),
		},
	)
	require.ErrorIs(t, err, ErrInvalidRequest)

	require.Empty(t, ctx.agentMck.sentTo)
}

// TestVerifyDepositAddress asserts local script reconstruction catches the
// server handing out a foreign deposit address.
func TestVerifyDepositAddress(t *testing.T) {
	ctx := newTestContext(t)

	// Configure party keys that differ from the ones behind the server's
	// address, so the locally derived address diverges.
	housePriv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	oraclePriv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	ctx.client.cfg.HouseKey = housePriv.PubKey()
	ctx.client.cfg.OracleKey = oraclePriv.PubKey()

	_, err = ctx.client.CreateAndDeposit(
		context.Background(), &CreateRequest{
			Amount:    btcutil.Amount(50_000),
			Direction: hedgedb.DirectionLong,
		},
	)
	require.ErrorIs(t, err, ErrAddressMismatch)

	// The doomed contract was rolled back server-side and nothing was
	// sent.
	require.Equal(t, []int64{42}, ctx.server.cancelled)
	require.Empty(t, ctx.agentMck.sentTo)
}

// TestSignAndBroadcast asserts the user signature lands in the placeholder
// slot while every other witness element stays bit identical to the
// server's transaction.
func TestSignAndBroadcast(t *testing.T) {
	ctx := newTestContext(t)

	prevOut := wire.OutPoint{Hash: chainhash.Hash{0x11}, Index: 0}
	oracleSig := bytes.Repeat([]byte{0xee}, 64)
	txHex := ctx.partialWinTx(prevOut, oracleSig)
	ctx.putWaitingContract(7, txHex)

	ctx.utxos.utxos[ctx.address] = []agent.UTXO{{
		TxID:  prevOut.Hash.String(),
		Vout:  prevOut.Index,
		Value: 100_000,
	}}

	result, err := ctx.client.SignAndBroadcast(context.Background(), 7)
	require.NoError(t, err)
	require.Equal(t, testTxID, result.TxID)
	require.Equal(t, 1, ctx.agentMck.signCalls)
	require.Len(t, ctx.agentMck.pushedTxs, 1)

	original, err := witness.DecodeTx(txHex)
	require.NoError(t, err)
	final, err := witness.DecodeTx(ctx.agentMck.pushedTxs[0])
	require.NoError(t, err)

	oracleSlot, userSlot := ctx.witnessSlots()
	originalStack := original.TxIn[0].Witness
	finalStack := final.TxIn[0].Witness
	require.Len(t, finalStack, len(originalStack))

	// Exactly one element changed: the user's placeholder.
	require.Equal(t, dummyUserSig, []byte(finalStack[userSlot]))
	require.Equal(t, []byte(originalStack[oracleSlot]),
		[]byte(finalStack[oracleSlot]))
	require.Equal(t, []byte(originalStack[2]), []byte(finalStack[2]))
	require.Equal(t, []byte(originalStack[3]), []byte(finalStack[3]))

	// Everything outside the witness is the server's own transaction.
	require.Equal(t, original.TxHash(), final.TxHash())

	cached, err := ctx.store.FetchContract(7)
	require.NoError(t, err)
	require.Equal(t, hedgedb.StatusSettledWin, cached.Status)
	require.Empty(t, cached.PendingTxHex)
}

// TestSignAndBroadcastNoAction asserts contracts without a pending action
// are refused before the agent gets involved.
func TestSignAndBroadcastNoAction(t *testing.T) {
	ctx := newTestContext(t)

	err := ctx.store.PutContract(&hedgedb.Contract{
		ID:             7,
		DepositAddress: ctx.address,
		Status:         hedgedb.StatusMatched,
	})
	require.NoError(t, err)

	_, err = ctx.client.SignAndBroadcast(context.Background(), 7)
	require.ErrorIs(t, err, ErrNoPendingAction)
	require.Zero(t, ctx.agentMck.signCalls)
	require.Empty(t, ctx.agentMck.pushedTxs)
}

// TestClaimAll asserts the batch claim finalizes every input and settles
// all swept contracts.
func TestClaimAll(t *testing.T) {
	ctx := newTestContext(t)

	prevOut := wire.OutPoint{Hash: chainhash.Hash{0x22}, Index: 1}
	oracleSig := bytes.Repeat([]byte{0xee}, 64)
	txHex := ctx.partialWinTx(prevOut, oracleSig)
	ctx.putWaitingContract(7, txHex)

	ctx.utxos.utxos[ctx.address] = []agent.UTXO{{
		TxID:  prevOut.Hash.String(),
		Vout:  prevOut.Index,
		Value: 100_000,
	}}
	ctx.server.claimTxHex = txHex

	result, err := ctx.client.ClaimAll(context.Background())
	require.NoError(t, err)
	require.Equal(t, testTxID, result.TxID)
	require.Equal(t, 1, result.NumInputs)
	require.Len(t, ctx.agentMck.pushedTxs, 1)

	// The broadcast transaction carries a fully populated witness with
	// both signatures in committed key order.
	final, err := witness.DecodeTx(ctx.agentMck.pushedTxs[0])
	require.NoError(t, err)
	finalStack := final.TxIn[0].Witness
	require.Len(t, finalStack, 4)

	oracleSlot, userSlot := ctx.witnessSlots()
	require.Equal(t, dummyUserSig, []byte(finalStack[userSlot]))
	require.Equal(t, oracleSig, []byte(finalStack[oracleSlot]))

	cached, err := ctx.store.FetchContract(7)
	require.NoError(t, err)
	require.Equal(t, hedgedb.StatusSettledWin, cached.Status)
}

// TestClaimAllMissingLeafMetadata asserts a batch input without the leaf
// and control trailer fails the whole claim before anything is signed or
// broadcast.
func TestClaimAllMissingLeafMetadata(t *testing.T) {
	ctx := newTestContext(t)

	prevOut := wire.OutPoint{Hash: chainhash.Hash{0x33}, Index: 0}
	txHex := ctx.partialWinTx(prevOut, bytes.Repeat([]byte{0xee}, 64))
	ctx.putWaitingContract(7, txHex)

	// The server hands out a batch whose input lacks the leaf metadata
	// trailer.
	broken := wire.NewMsgTx(2)
	broken.AddTxIn(&wire.TxIn{
		PreviousOutPoint: prevOut,
		Witness:          wire.TxWitness{nil, ctx.contract.WinScript},
	})
	broken.AddTxOut(&wire.TxOut{
		Value: 95_000,
		PkScript: append(
			[]byte{0x00, 0x14}, bytes.Repeat([]byte{7}, 20)...,
		),
	})
	brokenHex, err := witness.EncodeTx(broken)
	require.NoError(t, err)
	ctx.server.claimTxHex = brokenHex

	ctx.utxos.utxos[ctx.address] = []agent.UTXO{{
		TxID:  prevOut.Hash.String(),
		Vout:  prevOut.Index,
		Value: 100_000,
	}}

	_, err = ctx.client.ClaimAll(context.Background())
	require.ErrorIs(t, err, witness.ErrWitnessTooShort)
	require.Zero(t, ctx.agentMck.signCalls)
	require.Empty(t, ctx.agentMck.pushedTxs)

	// The contract still waits for its signature.
	cached, err := ctx.store.FetchContract(7)
	require.NoError(t, err)
	require.Equal(t, hedgedb.StatusWaitingUserSig, cached.Status)
}

// TestProcessEvent asserts push events route to their contract session and
// that events for unknown contracts are dropped.
func TestProcessEvent(t *testing.T) {
	ctx := newTestContext(t)

	err := ctx.store.PutContract(&hedgedb.Contract{
		ID:             7,
		DepositAddress: ctx.address,
		Status:         hedgedb.StatusPendingMatch,
	})
	require.NoError(t, err)

	ctx.client.ProcessEvent(context.Background(), &notifications.Event{
		Type:       notifications.EventMatched,
		ContractID: 7,
	})

	cached, err := ctx.store.FetchContract(7)
	require.NoError(t, err)
	require.Equal(t, hedgedb.StatusMatched, cached.Status)

	// Unknown contract, nothing to route to.
	require.NotPanics(t, func() {
		ctx.client.ProcessEvent(
			context.Background(), &notifications.Event{
				Type:       notifications.EventMatched,
				ContractID: 99,
			},
		)
	})
}
