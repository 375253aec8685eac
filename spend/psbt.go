package spend

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

var (
	// ErrInputIndexMismatch is returned when the server's per-input
	// metadata does not line up index-for-index with the unsigned
	// transaction's inputs.
	ErrInputIndexMismatch = errors.New("psbt input index mismatch")

	// ErrMissingLeafMetadata is returned when an input is missing its
	// leaf script or control block.
	ErrMissingLeafMetadata = errors.New("missing tap leaf metadata")

	// ErrInvalidAddress is returned when an address cannot be decoded
	// under the active network.
	ErrInvalidAddress = errors.New("invalid address")

	// ErrWrongNetwork is returned when an address decodes under the main
	// network while the client runs on a test network. Paying a mainnet
	// address from a test flow is an operator hazard, never coerced.
	ErrWrongNetwork = errors.New("address is for the wrong network")
)

// InputMetadata mirrors one entry of the server's psbt_inputs array in a
// claim-all response: everything needed to make the corresponding input of
// the shared unsigned transaction signable and finalizable.
type InputMetadata struct {
	// Index is the input's position in the unsigned transaction.
	Index int

	// PkScript is the contract output's locking script.
	PkScript []byte

	// Value is the contract output's value in satoshis.
	Value int64

	// LeafScript is the win leaf being spent.
	LeafScript []byte

	// ControlBlock proves inclusion of the leaf in the output's taproot
	// commitment.
	ControlBlock []byte

	// OracleKey is the oracle's x-only public key.
	OracleKey []byte

	// OracleSig is the oracle's pre-supplied script path signature.
	OracleSig []byte

	// OracleLeafHash is the tap leaf hash the oracle signed.
	OracleLeafHash []byte
}

// NewSinglePacket builds a one-input psbt spending the given contract
// output through a script path. The outputs are appended unmodified.
func NewSinglePacket(prevOut wire.OutPoint, pkScript []byte,
	value btcutil.Amount, leafScript, controlBlock []byte,
	outputs []*wire.TxOut) (*psbt.Packet, error) {

	if len(leafScript) == 0 || len(controlBlock) == 0 {
		return nil, ErrMissingLeafMetadata
	}

	unsignedTx := wire.NewMsgTx(2)
	unsignedTx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: prevOut,
	})
	for _, txOut := range outputs {
		unsignedTx.AddTxOut(txOut)
	}

	packet, err := psbt.NewFromUnsignedTx(unsignedTx)
	if err != nil {
		return nil, fmt.Errorf("new psbt: %w", err)
	}

	packet.Inputs[0].WitnessUtxo = &wire.TxOut{
		Value:    int64(value),
		PkScript: pkScript,
	}
	packet.Inputs[0].SighashType = txscript.SigHashDefault
	packet.Inputs[0].TaprootLeafScript = []*psbt.TaprootTapLeafScript{
		{
			ControlBlock: controlBlock,
			Script:       leafScript,
			LeafVersion:  txscript.BaseLeafVersion,
		},
	}

	return packet, nil
}

// NewBatchPacket builds the psbt for a claim-all transaction. Every input of
// the unsigned transaction gets its utxo and leaf metadata attached, plus
// the oracle's already produced script path signature, so that each input is
// finalizable as soon as the user's signature is added.
func NewBatchPacket(unsignedTx *wire.MsgTx,
	perInputMetadata []InputMetadata) (*psbt.Packet, error) {

	if len(unsignedTx.TxIn) != len(perInputMetadata) {
		return nil, fmt.Errorf("%w: tx has %d inputs, server sent "+
			"%d metadata records", ErrInputIndexMismatch,
			len(unsignedTx.TxIn), len(perInputMetadata))
	}

	packet, err := psbt.NewFromUnsignedTx(unsignedTx)
	if err != nil {
		return nil, fmt.Errorf("new psbt: %w", err)
	}

	for i, meta := range perInputMetadata {
		if meta.Index != i {
			return nil, fmt.Errorf("%w: metadata at position %d "+
				"declares index %d", ErrInputIndexMismatch, i,
				meta.Index)
		}

		if len(meta.LeafScript) == 0 || len(meta.ControlBlock) == 0 {
			return nil, fmt.Errorf("%w: input %d",
				ErrMissingLeafMetadata, i)
		}

		pIn := &packet.Inputs[i]
		pIn.WitnessUtxo = &wire.TxOut{
			Value:    meta.Value,
			PkScript: meta.PkScript,
		}
		pIn.SighashType = txscript.SigHashDefault
		pIn.TaprootLeafScript = []*psbt.TaprootTapLeafScript{
			{
				ControlBlock: meta.ControlBlock,
				Script:       meta.LeafScript,
				LeafVersion:  txscript.BaseLeafVersion,
			},
		}

		// The oracle signature is optional: a packet without it can
		// still be signed, just not finalized.
		if len(meta.OracleSig) == 0 {
			continue
		}

		leafHash := meta.OracleLeafHash
		if len(leafHash) == 0 {
			hash := txscript.NewBaseTapLeaf(
				meta.LeafScript,
			).TapHash()
			leafHash = hash[:]
		}

		pIn.TaprootScriptSpendSig = []*psbt.TaprootScriptSpendSig{
			{
				XOnlyPubKey: meta.OracleKey,
				LeafHash:    leafHash,
				Signature:   meta.OracleSig,
				SigHash:     txscript.SigHashDefault,
			},
		}
	}

	return packet, nil
}

// OutputScript recovers the taproot locking script of the output a leaf
// spend consumes, from the revealed leaf script and its control block.
func OutputScript(leafScript, controlBlock []byte) ([]byte, error) {
	parsed, err := txscript.ParseControlBlock(controlBlock)
	if err != nil {
		return nil, fmt.Errorf("parse control block: %w", err)
	}

	rootHash := parsed.RootHash(leafScript)
	taprootKey := txscript.ComputeTaprootOutputKey(
		parsed.InternalKey, rootHash,
	)

	return txscript.PayToTaprootScript(taprootKey)
}

// ValidateAddress decodes an address under the active network. A mainnet
// address is reported as ErrWrongNetwork, any other decode failure as
// ErrInvalidAddress.
func ValidateAddress(addr string, chainParams *chaincfg.Params) (
	btcutil.Address, error) {

	if chainParams.Net != chaincfg.MainNetParams.Net {
		mainnetAddr, err := btcutil.DecodeAddress(
			addr, &chaincfg.MainNetParams,
		)
		if err == nil &&
			mainnetAddr.IsForNet(&chaincfg.MainNetParams) {

			return nil, fmt.Errorf("%w: %s decodes on mainnet",
				ErrWrongNetwork, addr)
		}
	}

	decoded, err := btcutil.DecodeAddress(addr, chainParams)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidAddress, addr,
			err)
	}

	if !decoded.IsForNet(chainParams) {
		return nil, fmt.Errorf("%w: %s is not a %s address",
			ErrInvalidAddress, addr, chainParams.Name)
	}

	return decoded, nil
}
