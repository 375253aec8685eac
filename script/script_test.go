package script

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/stretchr/testify/require"
)

func testKeys(t *testing.T) (user, house, oracle *btcec.PublicKey) {
	t.Helper()

	keys := make([]*btcec.PublicKey, 3)
	for i := range keys {
		privKey, err := btcec.NewPrivateKey()
		require.NoError(t, err)
		keys[i] = privKey.PubKey()
	}

	return keys[0], keys[1], keys[2]
}

// TestNUMSKey asserts the shared internal key parses and has no known
// discrete log trapdoor marker bits flipped on re-serialization.
func TestNUMSKey(t *testing.T) {
	key, err := NUMSKey()
	require.NoError(t, err)

	require.Equal(t, NUMSKeyHex,
		hex.EncodeToString(schnorr.SerializePubKey(key)))
}

// TestGenLeafScript asserts the leaf commits to the nonce and both keys in
// sorted order.
func TestGenLeafScript(t *testing.T) {
	user, house, _ := testKeys(t)
	nonce := []byte{0xde, 0xad, 0xbe, 0xef}

	leaf, err := GenLeafScript(nonce, user, house)
	require.NoError(t, err)

	// Key order on the wire never depends on argument order.
	leafSwapped, err := GenLeafScript(nonce, house, user)
	require.NoError(t, err)
	require.Equal(t, leaf, leafSwapped)

	keys, err := ParseLeafKeys(leaf)
	require.NoError(t, err)
	require.Len(t, keys, 2)

	sorted := SortKeys(
		schnorr.SerializePubKey(user), schnorr.SerializePubKey(house),
	)
	require.Equal(t, sorted, keys)

	// The nonce is the leading push.
	require.True(t, bytes.Contains(leaf, nonce))
}

// TestKeyOrdering asserts witness order is the exact reverse of script
// order.
func TestKeyOrdering(t *testing.T) {
	a := bytes.Repeat([]byte{0x01}, 32)
	b := bytes.Repeat([]byte{0x02}, 32)
	c := bytes.Repeat([]byte{0x03}, 32)

	require.Equal(t, [][]byte{a, b, c}, SortKeys(c, a, b))
	require.Equal(t, [][]byte{c, b, a}, WitnessKeyOrder(c, a, b))
}

// TestContractCommitment asserts that every leaf's control block proves
// inclusion in the taproot key the contract address commits to.
func TestContractCommitment(t *testing.T) {
	user, house, oracle := testKeys(t)
	nonce := []byte{0x01, 0x02, 0x03, 0x04}

	contract, err := NewContract(user, house, oracle, nonce)
	require.NoError(t, err)

	for leaf := LeafWin; leaf <= LeafRefund; leaf++ {
		leafScript, err := contract.LeafScript(leaf)
		require.NoError(t, err)

		controlBlock, err := contract.ControlBlock(leaf)
		require.NoError(t, err)

		parsed, err := txscript.ParseControlBlock(controlBlock)
		require.NoError(t, err)

		rootHash := parsed.RootHash(leafScript)
		require.Equal(t, contract.RootHash[:], rootHash)

		outputKey := txscript.ComputeTaprootOutputKey(
			parsed.InternalKey, rootHash,
		)
		require.Equal(t,
			schnorr.SerializePubKey(contract.TaprootKey),
			schnorr.SerializePubKey(outputKey))
	}

	_, err = contract.ControlBlock(3)
	require.ErrorIs(t, err, ErrLeafOutOfRange)
}

// TestContractAddress asserts the address and pkScript encode the same
// tweaked key.
func TestContractAddress(t *testing.T) {
	user, house, oracle := testKeys(t)

	contract, err := NewContract(
		user, house, oracle, []byte{0xaa, 0xbb, 0xcc, 0xdd},
	)
	require.NoError(t, err)

	addr, err := contract.Address(&chaincfg.SigNetParams)
	require.NoError(t, err)

	pkScript, err := contract.PkScript()
	require.NoError(t, err)

	fromAddr, err := txscript.PayToAddrScript(addr)
	require.NoError(t, err)
	require.Equal(t, fromAddr, pkScript)

	// Determinism: rebuilding with the same inputs yields the same
	// address.
	rebuilt, err := NewContract(
		user, house, oracle, []byte{0xaa, 0xbb, 0xcc, 0xdd},
	)
	require.NoError(t, err)

	rebuiltAddr, err := rebuilt.Address(&chaincfg.SigNetParams)
	require.NoError(t, err)
	require.Equal(t, addr.EncodeAddress(), rebuiltAddr.EncodeAddress())
}
