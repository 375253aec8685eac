package hedge

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/hashhedge/hedge/agent"
	"github.com/hashhedge/hedge/hedgedb"
	"github.com/hashhedge/hedge/script"
	"github.com/hashhedge/hedge/session"
	"github.com/hashhedge/hedge/spend"
	"github.com/hashhedge/hedge/witness"
)

// SignAndBroadcast completes a partially signed win or refund transaction:
// the agent adds the user's script path signature, the signature is slotted
// into the transaction's witness placeholder and the completed transaction
// is broadcast. Nothing is broadcast when any step fails.
func (c *Client) SignAndBroadcast(ctx context.Context, contractID int64) (
	*SignResult, error) {

	sess, err := c.getSession(ctx, contractID)
	if err != nil {
		return nil, err
	}

	txHex, reason, ok := sess.RequiredAction()
	if !ok {
		return nil, fmt.Errorf("%w: contract %d is %v",
			ErrNoPendingAction, contractID, sess.Current())
	}

	// The server may have produced the transaction without us seeing the
	// push event, fetch it on demand.
	if txHex == "" {
		info, err := c.server.FetchContract(ctx, contractID)
		if err != nil {
			return nil, err
		}
		if info.TxHex == "" {
			return nil, fmt.Errorf("%w: server has no pending "+
				"transaction for contract %d",
				ErrNoPendingAction, contractID)
		}
		txHex = info.TxHex
	}

	logger := &ContractLog{Logger: log, ContractID: contractID}
	logger.Infof("signing pending transaction: %v", reason)

	tx, err := witness.DecodeTx(txHex)
	if err != nil {
		return nil, err
	}

	// The agent signs through a psbt, but the completed transaction is
	// the server's own bytes with just the placeholder slots filled, so
	// the counterparty signatures stay untouched.
	contract := sess.Contract()
	packet, err := c.buildSigningPacket(ctx, tx, []*hedgedb.Contract{
		&contract,
	}, false)
	if err != nil {
		return nil, err
	}

	signedPacket, err := c.agentSign(ctx, packet)
	if err != nil {
		return nil, err
	}

	userKey, err := c.cfg.Agent.GetPublicKey(ctx)
	if err != nil {
		return nil, err
	}
	userXOnly := schnorr.SerializePubKey(userKey)

	for i := range tx.TxIn {
		sig, err := spend.ExtractUserSig(signedPacket, i, userXOnly)
		if err != nil {
			return nil, err
		}

		slot, err := witness.FindPlaceholderSlot(tx.TxIn[i].Witness)
		if err != nil {
			return nil, fmt.Errorf("input %d: %w", i, err)
		}

		newStack, err := witness.InsertSignature(
			tx.TxIn[i].Witness, slot, sig,
		)
		if err != nil {
			return nil, fmt.Errorf("input %d: %w", i, err)
		}
		tx.TxIn[i].Witness = newStack
	}

	finalHex, err := witness.EncodeTx(tx)
	if err != nil {
		return nil, err
	}

	txid, err := c.cfg.Agent.PushTx(ctx, finalHex)
	if err != nil {
		return nil, fmt.Errorf("broadcast: %w", err)
	}

	c.applyEvent(
		sess, session.OnClaimBroadcast, "",
		fmt.Sprintf("broadcast %v", txid),
	)

	return &SignResult{
		ContractID: contractID,
		TxID:       txid,
	}, nil
}

// ClaimAll sweeps all of the user's won contracts in one transaction. The
// server supplies an oracle-signed batch spend, the agent co-signs every
// input and finalization is all or nothing before broadcast.
func (c *Client) ClaimAll(ctx context.Context) (*ClaimAllResult, error) {
	userPubKey, err := c.userPubKeyHex(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := c.server.ClaimAll(ctx, userPubKey)
	if err != nil {
		return nil, err
	}

	tx, err := witness.DecodeTx(resp.TxHex)
	if err != nil {
		return nil, err
	}

	// The batch spends outputs of every contract waiting for the user's
	// claim signature.
	contracts, err := c.waitingContracts()
	if err != nil {
		return nil, err
	}

	// The batch is finalized through the psbt itself: the oracle's
	// signatures ride along as script spend sigs and every input must
	// end up fully signed before anything is broadcast.
	packet, err := c.buildSigningPacket(ctx, tx, contracts, true)
	if err != nil {
		return nil, err
	}

	signedPacket, err := c.agentSign(ctx, packet)
	if err != nil {
		return nil, err
	}

	if err := spend.Finalize(signedPacket); err != nil {
		return nil, err
	}

	finalTx, err := spend.Extract(signedPacket)
	if err != nil {
		return nil, err
	}

	finalHex, err := witness.EncodeTx(finalTx)
	if err != nil {
		return nil, err
	}

	txid, err := c.cfg.Agent.PushTx(ctx, finalHex)
	if err != nil {
		return nil, fmt.Errorf("broadcast: %w", err)
	}

	log.Infof("Batch claim %v swept %d inputs for %d contracts", txid,
		len(finalTx.TxIn), len(contracts))

	for _, contract := range contracts {
		sess, err := c.getSession(ctx, contract.ID)
		if err != nil {
			continue
		}

		c.applyEvent(
			sess, session.OnClaimBroadcast, "",
			fmt.Sprintf("batch claim %v", txid),
		)
	}

	return &ClaimAllResult{
		TxID:      txid,
		NumInputs: len(finalTx.TxIn),
	}, nil
}

// buildSigningPacket rebuilds the unsigned transaction of a server-built
// partial spend and attaches the per-input leaf metadata needed to sign it.
// With includeCounterparty set, the signature already present on each
// input's witness stack is carried into the packet so the input becomes
// finalizable.
func (c *Client) buildSigningPacket(ctx context.Context, tx *wire.MsgTx,
	contracts []*hedgedb.Contract, includeCounterparty bool) (
	*psbt.Packet, error) {

	prevOuts, err := c.resolvePrevOuts(ctx, tx, contracts)
	if err != nil {
		return nil, err
	}

	perInputMetadata := make([]spend.InputMetadata, len(tx.TxIn))
	for i := range tx.TxIn {
		leafScript, controlBlock, err := witness.ExtractLeafAndControl(
			tx, i,
		)
		if err != nil {
			return nil, err
		}

		prevOut, ok := prevOuts[tx.TxIn[i].PreviousOutPoint]
		if !ok {
			return nil, fmt.Errorf("input %d spends unknown "+
				"outpoint %v", i,
				tx.TxIn[i].PreviousOutPoint)
		}

		meta := spend.InputMetadata{
			Index:        i,
			PkScript:     prevOut.PkScript,
			Value:        prevOut.Value,
			LeafScript:   leafScript,
			ControlBlock: controlBlock,
		}

		if includeCounterparty {
			key, sig, err := counterpartySig(
				tx.TxIn[i].Witness, leafScript,
			)
			if err != nil {
				return nil, fmt.Errorf("input %d: %w", i, err)
			}
			meta.OracleKey = key
			meta.OracleSig = sig
			meta.OracleLeafHash = spend.LeafHash(leafScript)
		}

		perInputMetadata[i] = meta
	}

	return spend.NewBatchPacket(stripWitness(tx), perInputMetadata)
}

// agentSign round-trips a packet through the signing agent.
func (c *Client) agentSign(ctx context.Context, packet *psbt.Packet) (
	*psbt.Packet, error) {

	packetBytes, err := spend.SerializePacket(packet)
	if err != nil {
		return nil, err
	}

	signedHex, err := c.cfg.Agent.SignPsbt(
		ctx, hex.EncodeToString(packetBytes),
	)
	if err != nil {
		return nil, fmt.Errorf("agent signing: %w", err)
	}

	signedBytes, err := hex.DecodeString(signedHex)
	if err != nil {
		return nil, fmt.Errorf("decode signed psbt: %w", err)
	}

	return spend.ParsePacket(signedBytes)
}

// resolvePrevOuts maps every outpoint the transaction spends to its output,
// by listing the unspent outputs of the involved contract addresses.
func (c *Client) resolvePrevOuts(ctx context.Context, tx *wire.MsgTx,
	contracts []*hedgedb.Contract) (map[wire.OutPoint]*wire.TxOut,
	error) {

	prevOuts := make(map[wire.OutPoint]*wire.TxOut, len(tx.TxIn))

	for _, contract := range contracts {
		addr, err := spend.ValidateAddress(
			contract.DepositAddress, c.cfg.ChainParams,
		)
		if err != nil {
			return nil, err
		}

		utxos, err := c.cfg.UTXOSource.UTXOs(
			ctx, addr.EncodeAddress(),
		)
		if err != nil {
			return nil, fmt.Errorf("lookup utxos of contract "+
				"%d: %w", contract.ID, err)
		}

		pkScript, err := txscript.PayToAddrScript(addr)
		if err != nil {
			return nil, err
		}

		for _, utxo := range utxos {
			outpoint, err := utxoOutPoint(utxo)
			if err != nil {
				return nil, err
			}

			prevOuts[*outpoint] = &wire.TxOut{
				Value:    utxo.Value,
				PkScript: pkScript,
			}
		}
	}

	return prevOuts, nil
}

// waitingContracts returns all cached contracts waiting for the user's
// claim signature.
func (c *Client) waitingContracts() ([]*hedgedb.Contract, error) {
	all, err := c.cfg.Store.FetchContracts()
	if err != nil {
		return nil, err
	}

	var waiting []*hedgedb.Contract
	for _, contract := range all {
		if contract.Status == hedgedb.StatusWaitingUserSig {
			waiting = append(waiting, contract)
		}
	}

	if len(waiting) == 0 {
		return nil, fmt.Errorf("%w: no contracts waiting for a "+
			"claim signature", ErrNoPendingAction)
	}

	return waiting, nil
}

// counterpartySig finds the one filled signature slot of a partial witness
// stack and returns it with the x-only key it belongs to. Slot i of the
// stack holds the signature for the i-th key in witness order.
func counterpartySig(stack wire.TxWitness, leafScript []byte) ([]byte,
	[]byte, error) {

	keys, err := script.ParseLeafKeys(leafScript)
	if err != nil {
		return nil, nil, err
	}
	witnessOrder := script.WitnessKeyOrder(keys...)

	if len(stack) < witness.MinStackElements {
		return nil, nil, witness.ErrWitnessTooShort
	}

	slots := stack[:len(stack)-2]
	if len(slots) != len(witnessOrder) {
		return nil, nil, fmt.Errorf("witness has %d signature "+
			"slots, leaf commits to %d keys", len(slots),
			len(witnessOrder))
	}

	for i, slot := range slots {
		if len(slot) != 0 {
			return witnessOrder[i], slot, nil
		}
	}

	return nil, nil, fmt.Errorf("no counterparty signature present")
}

// stripWitness returns a shallow transaction copy without witness data,
// suitable as a psbt's unsigned transaction.
func stripWitness(tx *wire.MsgTx) *wire.MsgTx {
	unsignedTx := tx.Copy()
	for _, txIn := range unsignedTx.TxIn {
		txIn.Witness = nil
		txIn.SignatureScript = nil
	}

	return unsignedTx
}

// utxoOutPoint converts an explorer utxo reference to a wire outpoint.
func utxoOutPoint(utxo agent.UTXO) (*wire.OutPoint, error) {
	hash, err := chainhash.NewHashFromStr(utxo.TxID)
	if err != nil {
		return nil, fmt.Errorf("bad utxo txid %v: %w", utxo.TxID, err)
	}

	return &wire.OutPoint{Hash: *hash, Index: utxo.Vout}, nil
}
