package spend

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/hashhedge/hedge/script"
	"github.com/stretchr/testify/require"
)

// testContract builds a live contract script set with fresh keys.
func testContract(t *testing.T) (*script.Contract, *btcec.PrivateKey,
	*btcec.PrivateKey) {

	t.Helper()

	userPriv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	housePriv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	oraclePriv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	contract, err := script.NewContract(
		userPriv.PubKey(), housePriv.PubKey(), oraclePriv.PubKey(),
		[]byte{0x01, 0x02, 0x03, 0x04},
	)
	require.NoError(t, err)

	return contract, userPriv, oraclePriv
}

func testOutputs() []*wire.TxOut {
	return []*wire.TxOut{{
		Value:    195_000,
		PkScript: append([]byte{0x00, 0x14}, bytes.Repeat([]byte{7}, 20)...),
	}}
}

// TestNewSinglePacket asserts the packet carries the utxo and the leaf
// metadata of its one input.
func TestNewSinglePacket(t *testing.T) {
	contract, _, _ := testContract(t)

	pkScript, err := contract.PkScript()
	require.NoError(t, err)
	controlBlock, err := contract.ControlBlock(script.LeafWin)
	require.NoError(t, err)

	prevOut := wire.OutPoint{Hash: chainhash.Hash{9}, Index: 1}
	packet, err := NewSinglePacket(
		prevOut, pkScript, btcutil.Amount(200_000),
		contract.WinScript, controlBlock, testOutputs(),
	)
	require.NoError(t, err)

	require.Len(t, packet.Inputs, 1)
	pIn := packet.Inputs[0]
	require.Equal(t, int64(200_000), pIn.WitnessUtxo.Value)
	require.Equal(t, pkScript, pIn.WitnessUtxo.PkScript)
	require.Len(t, pIn.TaprootLeafScript, 1)
	require.Equal(t, contract.WinScript, pIn.TaprootLeafScript[0].Script)
	require.Equal(t, controlBlock, pIn.TaprootLeafScript[0].ControlBlock)
	require.Equal(t, prevOut,
		packet.UnsignedTx.TxIn[0].PreviousOutPoint)

	// No leaf metadata, no packet.
	_, err = NewSinglePacket(
		prevOut, pkScript, btcutil.Amount(200_000), nil, controlBlock,
		testOutputs(),
	)
	require.ErrorIs(t, err, ErrMissingLeafMetadata)
}

// TestNewBatchPacket asserts the strict index-for-index pairing of inputs
// and metadata.
func TestNewBatchPacket(t *testing.T) {
	contract, _, oraclePriv := testContract(t)

	pkScript, err := contract.PkScript()
	require.NoError(t, err)
	controlBlock, err := contract.ControlBlock(script.LeafWin)
	require.NoError(t, err)

	unsignedTx := wire.NewMsgTx(2)
	unsignedTx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Hash: chainhash.Hash{1}},
	})
	unsignedTx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Hash: chainhash.Hash{2}},
	})
	unsignedTx.AddTxOut(testOutputs()[0])

	meta := func(index int) InputMetadata {
		return InputMetadata{
			Index:        index,
			PkScript:     pkScript,
			Value:        200_000,
			LeafScript:   contract.WinScript,
			ControlBlock: controlBlock,
			OracleKey: schnorr.SerializePubKey(
				oraclePriv.PubKey(),
			),
			OracleSig: bytes.Repeat([]byte{0xee}, 64),
		}
	}

	// Metadata count must match the input count.
	_, err = NewBatchPacket(unsignedTx, []InputMetadata{meta(0)})
	require.ErrorIs(t, err, ErrInputIndexMismatch)

	// Indices must line up.
	_, err = NewBatchPacket(unsignedTx, []InputMetadata{meta(0), meta(0)})
	require.ErrorIs(t, err, ErrInputIndexMismatch)

	// Missing leaf metadata on any input fails the whole batch.
	broken := meta(1)
	broken.LeafScript = nil
	_, err = NewBatchPacket(unsignedTx, []InputMetadata{meta(0), broken})
	require.ErrorIs(t, err, ErrMissingLeafMetadata)

	packet, err := NewBatchPacket(
		unsignedTx, []InputMetadata{meta(0), meta(1)},
	)
	require.NoError(t, err)
	require.Len(t, packet.Inputs, 2)

	for _, pIn := range packet.Inputs {
		require.Len(t, pIn.TaprootLeafScript, 1)
		require.Len(t, pIn.TaprootScriptSpendSig, 1)
		require.Equal(t, int64(200_000), pIn.WitnessUtxo.Value)
	}
}

// TestOutputScript asserts the locking script recovered from leaf and
// control block equals the contract's own.
func TestOutputScript(t *testing.T) {
	contract, _, _ := testContract(t)

	pkScript, err := contract.PkScript()
	require.NoError(t, err)

	for _, leaf := range []int{
		script.LeafWin, script.LeafLoss, script.LeafRefund,
	} {
		leafScript, err := contract.LeafScript(leaf)
		require.NoError(t, err)
		controlBlock, err := contract.ControlBlock(leaf)
		require.NoError(t, err)

		recovered, err := OutputScript(leafScript, controlBlock)
		require.NoError(t, err)
		require.Equal(t, pkScript, recovered)
	}
}

// TestValidateAddress asserts network hazards are caught before decode
// errors are reported.
func TestValidateAddress(t *testing.T) {
	contract, _, _ := testContract(t)

	signetAddr, err := contract.Address(&chaincfg.SigNetParams)
	require.NoError(t, err)

	decoded, err := ValidateAddress(
		signetAddr.EncodeAddress(), &chaincfg.SigNetParams,
	)
	require.NoError(t, err)
	require.Equal(t, signetAddr.EncodeAddress(), decoded.EncodeAddress())

	// A mainnet address on a signet client is a distinct hazard.
	mainnetAddr, err := contract.Address(&chaincfg.MainNetParams)
	require.NoError(t, err)

	_, err = ValidateAddress(
		mainnetAddr.EncodeAddress(), &chaincfg.SigNetParams,
	)
	require.ErrorIs(t, err, ErrWrongNetwork)

	// Garbage is simply invalid.
	_, err = ValidateAddress("clearly-not-an-address",
		&chaincfg.SigNetParams)
	require.ErrorIs(t, err, ErrInvalidAddress)
}
