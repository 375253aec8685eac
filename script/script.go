package script

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	secp "github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// NUMSKeyHex is the BIP341 nothing-up-my-sleeve point used as the internal
// key of every contract output, so that only the script paths can spend.
const NUMSKeyHex = "50929b74c1a04954b78b4b6035e97a5e078a5a0f28ec96d547bfee9ace803ac0"

// Leaf indices of the contract script tree. The tree shape is
// [[win, loss], refund].
const (
	// LeafWin pays the user, co-signed by the oracle.
	LeafWin = 0

	// LeafLoss pays the house, co-signed by the oracle.
	LeafLoss = 1

	// LeafRefund returns the collateral, co-signed by user and house.
	LeafRefund = 2

	numLeaves = 3
)

// ErrLeafOutOfRange is returned for an unknown leaf index.
var ErrLeafOutOfRange = errors.New("leaf index out of range")

// Contract encapsulates the reconstructed taproot script tree of a single
// hedge contract. It lets the client independently verify the deposit
// address the server hands out before any funds move.
type Contract struct {
	// WinScript is the user+oracle 2-of-2 leaf.
	WinScript []byte

	// LossScript is the house+oracle 2-of-2 leaf.
	LossScript []byte

	// RefundScript is the user+house 2-of-2 leaf.
	RefundScript []byte

	// ScriptTree is the assembled script tree of the three leaves.
	ScriptTree *txscript.IndexedTapScriptTree

	// InternalPubKey is the NUMS internal key.
	InternalPubKey *btcec.PublicKey

	// TaprootKey is the tweaked output key.
	TaprootKey *btcec.PublicKey

	// RootHash is the root hash of the taptree.
	RootHash chainhash.Hash
}

// NUMSKey parses the shared internal key.
func NUMSKey() (*btcec.PublicKey, error) {
	raw, err := hex.DecodeString(NUMSKeyHex)
	if err != nil {
		return nil, err
	}

	return schnorr.ParsePubKey(raw)
}

// NewContract reconstructs the contract script tree for the given party keys
// and the per-contract nonce the server generated at creation time.
func NewContract(userKey, houseKey, oracleKey *btcec.PublicKey,
	nonce []byte) (*Contract, error) {

	winScript, err := GenLeafScript(nonce, userKey, oracleKey)
	if err != nil {
		return nil, err
	}

	lossScript, err := GenLeafScript(nonce, houseKey, oracleKey)
	if err != nil {
		return nil, err
	}

	refundScript, err := GenLeafScript(nonce, userKey, houseKey)
	if err != nil {
		return nil, err
	}

	// Assemble the [[win, loss], refund] tree. Pairing adjacent leaves
	// left to right reproduces the server's merkle root.
	tree := txscript.AssembleTaprootScriptTree(
		txscript.NewBaseTapLeaf(winScript),
		txscript.NewBaseTapLeaf(lossScript),
		txscript.NewBaseTapLeaf(refundScript),
	)

	rootHash := tree.RootNode.TapHash()

	internalKey, err := NUMSKey()
	if err != nil {
		return nil, err
	}

	taprootKey := txscript.ComputeTaprootOutputKey(
		internalKey, rootHash[:],
	)

	return &Contract{
		WinScript:      winScript,
		LossScript:     lossScript,
		RefundScript:   refundScript,
		ScriptTree:     tree,
		InternalPubKey: internalKey,
		TaprootKey:     taprootKey,
		RootHash:       rootHash,
	}, nil
}

// GenLeafScript constructs a 2-of-2 contract leaf.
//
//	<nonce> OP_DROP <keyA> OP_CHECKSIG <keyB> OP_CHECKSIGADD OP_2 OP_NUMEQUAL
//
// Keys are sorted lexicographically by their x-only serialization, matching
// the order the server commits to.
func GenLeafScript(nonce []byte, key1, key2 *btcec.PublicKey) ([]byte, error) {
	keys := SortKeys(
		schnorr.SerializePubKey(key1), schnorr.SerializePubKey(key2),
	)

	builder := txscript.NewScriptBuilder()

	builder.AddData(nonce)
	builder.AddOp(txscript.OP_DROP)
	builder.AddData(keys[0])
	builder.AddOp(txscript.OP_CHECKSIG)
	builder.AddData(keys[1])
	builder.AddOp(txscript.OP_CHECKSIGADD)
	builder.AddOp(txscript.OP_2)
	builder.AddOp(txscript.OP_NUMEQUAL)

	return builder.Script()
}

// ParseLeafKeys extracts the x-only public keys committed to by a contract
// leaf script, in script order.
func ParseLeafKeys(leafScript []byte) ([][]byte, error) {
	var keys [][]byte

	tokenizer := txscript.MakeScriptTokenizer(0, leafScript)
	for tokenizer.Next() {
		data := tokenizer.Data()
		if len(data) == schnorr.PubKeyBytesLen {
			keys = append(keys, data)
		}
	}
	if err := tokenizer.Err(); err != nil {
		return nil, fmt.Errorf("parse leaf script: %w", err)
	}

	if len(keys) < 2 {
		return nil, fmt.Errorf("leaf script commits to %d keys, "+
			"want at least 2", len(keys))
	}

	return keys, nil
}

// SortKeys returns the x-only keys in the lexicographic order they appear in
// a contract leaf.
func SortKeys(keys ...[]byte) [][]byte {
	sorted := make([][]byte, len(keys))
	copy(sorted, keys)

	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && bytes.Compare(sorted[j], sorted[j-1]) < 0; j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}

	return sorted
}

// WitnessKeyOrder returns the x-only keys in the order their signatures
// appear on the witness stack: the reverse of the script's key order.
func WitnessKeyOrder(keys ...[]byte) [][]byte {
	sorted := SortKeys(keys...)
	for i, j := 0, len(sorted)-1; i < j; i, j = i+1, j-1 {
		sorted[i], sorted[j] = sorted[j], sorted[i]
	}

	return sorted
}

// LeafScript returns the leaf script at the given tree index.
func (c *Contract) LeafScript(leaf int) ([]byte, error) {
	switch leaf {
	case LeafWin:
		return c.WinScript, nil

	case LeafLoss:
		return c.LossScript, nil

	case LeafRefund:
		return c.RefundScript, nil

	default:
		return nil, fmt.Errorf("%w: %d", ErrLeafOutOfRange, leaf)
	}
}

// ControlBlock constructs the serialized control block proving inclusion of
// the given leaf in the contract's taproot commitment.
func (c *Contract) ControlBlock(leaf int) ([]byte, error) {
	if leaf < 0 || leaf >= numLeaves {
		return nil, fmt.Errorf("%w: %d", ErrLeafOutOfRange, leaf)
	}

	var outputKeyYIsOdd bool
	if c.TaprootKey.SerializeCompressed()[0] ==
		secp.PubKeyFormatCompressedOdd {

		outputKeyYIsOdd = true
	}

	proof := c.ScriptTree.LeafMerkleProofs[leaf]

	controlBlock := txscript.ControlBlock{
		InternalKey:     c.InternalPubKey,
		OutputKeyYIsOdd: outputKeyYIsOdd,
		LeafVersion:     txscript.BaseLeafVersion,
		InclusionProof:  proof.InclusionProof,
	}

	return controlBlock.ToBytes()
}

// Address returns the contract's deposit address for the given network.
func (c *Contract) Address(chainParams *chaincfg.Params) (btcutil.Address,
	error) {

	return btcutil.NewAddressTaproot(
		schnorr.SerializePubKey(c.TaprootKey), chainParams,
	)
}

// PkScript returns the contract output's locking script.
func (c *Contract) PkScript() ([]byte, error) {
	builder := txscript.NewScriptBuilder()

	builder.AddOp(txscript.OP_1)
	builder.AddData(schnorr.SerializePubKey(c.TaprootKey))

	return builder.Script()
}
