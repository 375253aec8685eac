package spend

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/hashhedge/hedge/script"
	"github.com/hashhedge/hedge/witness"
)

var (
	// ErrNoSignatureReturned is returned when a signed psbt that came
	// back from the signing agent does not carry a script path signature
	// for the user's key.
	ErrNoSignatureReturned = errors.New("agent returned no signature")

	// ErrUnfinalizableInput is returned when an input lacks one of the
	// two signatures required by its 2-of-2 leaf.
	ErrUnfinalizableInput = errors.New("input cannot be finalized")
)

// ExtractUserSig pulls the script path signature for the given x-only user
// key out of a signed packet's input.
func ExtractUserSig(packet *psbt.Packet, inputIndex int,
	userKey []byte) ([]byte, error) {

	if inputIndex < 0 || inputIndex >= len(packet.Inputs) {
		return nil, fmt.Errorf("input index %d out of range",
			inputIndex)
	}

	for _, sig := range packet.Inputs[inputIndex].TaprootScriptSpendSig {
		if bytes.Equal(sig.XOnlyPubKey, userKey) {
			return sig.Signature, nil
		}
	}

	return nil, fmt.Errorf("%w: input %d has no signature for user key",
		ErrNoSignatureReturned, inputIndex)
}

// Finalize assembles the final script path witness for every input of a
// batch packet. Each input needs both the oracle's and the user's signature;
// finalization is all or nothing, failing on the first input that is not
// fully signed. Signatures are placed on the stack in the reverse of the
// leaf's key order, then the leaf script and the control block follow.
func Finalize(packet *psbt.Packet) error {
	for i := range packet.Inputs {
		pIn := &packet.Inputs[i]

		if len(pIn.TaprootLeafScript) == 0 {
			return fmt.Errorf("%w: input %d: %v",
				ErrUnfinalizableInput, i,
				ErrMissingLeafMetadata)
		}
		leaf := pIn.TaprootLeafScript[0]

		sigsByKey := make(map[string][]byte, 2)
		keys := make([][]byte, 0, 2)
		for _, sig := range pIn.TaprootScriptSpendSig {
			keyID := string(sig.XOnlyPubKey)
			if _, ok := sigsByKey[keyID]; ok {
				continue
			}

			sigsByKey[keyID] = sig.Signature
			keys = append(keys, sig.XOnlyPubKey)
		}

		if len(keys) < 2 {
			return fmt.Errorf("%w: input %d has %d of 2 "+
				"required signatures", ErrUnfinalizableInput,
				i, len(keys))
		}

		stack := make(wire.TxWitness, 0, len(keys)+2)
		for _, key := range script.WitnessKeyOrder(keys...) {
			stack = append(stack, sigsByKey[string(key)])
		}
		stack = append(stack, leaf.Script, leaf.ControlBlock)

		finalWitness, err := witness.Serialize(stack)
		if err != nil {
			return fmt.Errorf("serialize witness of input %d: %w",
				i, err)
		}

		pIn.FinalScriptWitness = finalWitness
		pIn.TaprootScriptSpendSig = nil
		pIn.TaprootLeafScript = nil
	}

	return nil
}

// Extract returns the fully signed transaction of a finalized packet.
func Extract(packet *psbt.Packet) (*wire.MsgTx, error) {
	finalTx, err := psbt.Extract(packet)
	if err != nil {
		return nil, fmt.Errorf("extract signed tx: %w", err)
	}

	return finalTx, nil
}

// LeafHash computes the tap leaf hash of a contract leaf script.
func LeafHash(leafScript []byte) []byte {
	hash := txscript.NewBaseTapLeaf(leafScript).TapHash()
	return hash[:]
}

// SerializePacket encodes a packet to its binary psbt representation.
func SerializePacket(packet *psbt.Packet) ([]byte, error) {
	var buf bytes.Buffer
	if err := packet.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("serialize psbt: %w", err)
	}

	return buf.Bytes(), nil
}

// ParsePacket decodes a binary psbt.
func ParsePacket(raw []byte) (*psbt.Packet, error) {
	packet, err := psbt.NewFromRawBytes(bytes.NewReader(raw), false)
	if err != nil {
		return nil, fmt.Errorf("parse psbt: %w", err)
	}

	return packet, nil
}
