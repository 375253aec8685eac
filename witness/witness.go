package witness

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/wire"
)

var (
	// ErrWitnessTooShort is returned when an input's witness stack does
	// not have enough elements to be a contract leaf spend.
	ErrWitnessTooShort = errors.New("witness stack too short")

	// ErrNoPlaceholder is returned when no empty signature slot is left
	// in the witness stack, meaning the transaction is not waiting for a
	// signature from this client.
	ErrNoPlaceholder = errors.New("no signature placeholder available")

	// ErrSlotOccupied is returned when a signature is inserted into a
	// slot that already holds one.
	ErrSlotOccupied = errors.New("witness slot already occupied")
)

// MinStackElements is the minimum number of witness elements of a contract
// leaf spend: two signature slots, the leaf script and the control block.
//
// NOTE: "the last two elements are the leaf script and the control block" is
// a convention of the contract's 2-of-2 leaf shape, not a general taproot
// rule. Callers must only use this package on transactions produced by the
// hedge server for that script structure.
const MinStackElements = 4

// DecodeTx parses a hex encoded raw transaction.
func DecodeTx(rawHex string) (*wire.MsgTx, error) {
	raw, err := hex.DecodeString(rawHex)
	if err != nil {
		return nil, fmt.Errorf("decode tx hex: %w", err)
	}

	tx := &wire.MsgTx{}
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("deserialize tx: %w", err)
	}

	return tx, nil
}

// EncodeTx serializes a transaction to its hex representation.
func EncodeTx(tx *wire.MsgTx) (string, error) {
	buf := bytes.NewBuffer(make([]byte, 0, tx.SerializeSize()))
	if err := tx.Serialize(buf); err != nil {
		return "", fmt.Errorf("serialize tx: %w", err)
	}

	return hex.EncodeToString(buf.Bytes()), nil
}

// ExtractLeafAndControl returns the leaf script and control block of the
// given input's witness stack. By the contract convention the control block
// is the last element and the leaf script the second to last.
func ExtractLeafAndControl(tx *wire.MsgTx, inputIndex int) ([]byte, []byte,
	error) {

	if inputIndex < 0 || inputIndex >= len(tx.TxIn) {
		return nil, nil, fmt.Errorf("input index %d out of range, tx "+
			"has %d inputs", inputIndex, len(tx.TxIn))
	}

	stack := tx.TxIn[inputIndex].Witness
	if len(stack) < MinStackElements {
		return nil, nil, fmt.Errorf("%w: input %d has %d elements, "+
			"need at least %d", ErrWitnessTooShort, inputIndex,
			len(stack), MinStackElements)
	}

	leafScript := stack[len(stack)-2]
	controlBlock := stack[len(stack)-1]

	return leafScript, controlBlock, nil
}

// FindPlaceholderSlot scans all witness elements except the trailing leaf
// script and control block and returns the index of the first zero-length
// element, the slot reserved for the signature this client must supply.
func FindPlaceholderSlot(stack wire.TxWitness) (int, error) {
	if len(stack) < MinStackElements {
		return 0, fmt.Errorf("%w: %d elements, need at least %d",
			ErrWitnessTooShort, len(stack), MinStackElements)
	}

	for i, element := range stack[:len(stack)-2] {
		if len(element) == 0 {
			return i, nil
		}
	}

	return 0, ErrNoPlaceholder
}

// InsertSignature returns a copy of the stack with the signature placed in
// the given slot. The leaf script and control block are never touched.
func InsertSignature(stack wire.TxWitness, index int,
	sig []byte) (wire.TxWitness, error) {

	if len(stack) < MinStackElements {
		return nil, fmt.Errorf("%w: %d elements, need at least %d",
			ErrWitnessTooShort, len(stack), MinStackElements)
	}

	if index < 0 || index >= len(stack)-2 {
		return nil, fmt.Errorf("slot %d is not a signature slot, "+
			"stack has %d signature slots", index, len(stack)-2)
	}

	if len(stack[index]) != 0 {
		return nil, fmt.Errorf("%w: slot %d", ErrSlotOccupied, index)
	}

	newStack := make(wire.TxWitness, len(stack))
	for i, element := range stack {
		newStack[i] = bytes.Clone(element)
	}
	newStack[index] = bytes.Clone(sig)

	return newStack, nil
}

// Serialize encodes a witness stack in the wire format used for a psbt
// input's final witness: a varint element count followed by var-length
// elements.
func Serialize(stack wire.TxWitness) ([]byte, error) {
	var buf bytes.Buffer
	if err := wire.WriteVarInt(&buf, 0, uint64(len(stack))); err != nil {
		return nil, err
	}

	for _, element := range stack {
		if err := wire.WriteVarBytes(&buf, 0, element); err != nil {
			return nil, err
		}
	}

	return buf.Bytes(), nil
}
