package agent

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

const (
	// defaultFeeRate is used when the caller passes no fee rate.
	defaultFeeRate = 2.0

	// dustLimit is the smallest change output we create.
	dustLimit = 546
)

// ErrMainnetRefused is returned when the keystore agent is asked to operate
// on mainnet. The agent only exists for the test networks the hedge runs on.
var ErrMainnetRefused = errors.New("keystore agent refuses mainnet")

// Keystore is an in-process signing agent holding a single private key. It
// signs taproot script path psbt inputs directly and uses a block explorer
// for utxo lookup and broadcasting.
type Keystore struct {
	privKey     *btcec.PrivateKey
	pubKey      *btcec.PublicKey
	chainParams *chaincfg.Params
	explorer    *ExplorerClient
}

// A compile-time check that Keystore satisfies the Agent interface.
var _ Agent = (*Keystore)(nil)

// NewKeystore creates a keystore agent for the given key and test network.
func NewKeystore(privKey *btcec.PrivateKey, chainParams *chaincfg.Params,
	explorer *ExplorerClient) (*Keystore, error) {

	if chainParams.Net == chaincfg.MainNetParams.Net {
		return nil, ErrMainnetRefused
	}

	return &Keystore{
		privKey:     privKey,
		pubKey:      privKey.PubKey(),
		chainParams: chainParams,
		explorer:    explorer,
	}, nil
}

// Address returns the agent's p2wpkh receive address.
func (k *Keystore) Address() (btcutil.Address, error) {
	return btcutil.NewAddressWitnessPubKeyHash(
		btcutil.Hash160(k.pubKey.SerializeCompressed()),
		k.chainParams,
	)
}

// RequestAccounts connects the agent and returns its receive addresses.
func (k *Keystore) RequestAccounts(_ context.Context) ([]string, error) {
	addr, err := k.Address()
	if err != nil {
		return nil, err
	}

	return []string{addr.EncodeAddress()}, nil
}

// GetPublicKey returns the agent's public key.
func (k *Keystore) GetPublicKey(_ context.Context) (*btcec.PublicKey,
	error) {

	return k.pubKey, nil
}

// GetNetwork returns the network the agent currently operates on.
func (k *Keystore) GetNetwork(_ context.Context) (string, error) {
	switch k.chainParams.Net {
	case chaincfg.TestNet3Params.Net:
		return "testnet", nil

	case chaincfg.SigNetParams.Net:
		return "signet", nil

	case chaincfg.RegressionNetParams.Net:
		return "regtest", nil

	default:
		return k.chainParams.Name, nil
	}
}

// SwitchNetwork moves the agent to the named test network.
func (k *Keystore) SwitchNetwork(_ context.Context, name string) error {
	chainParams, err := NetworkParams(name)
	if err != nil {
		return err
	}

	if chainParams.Net == chaincfg.MainNetParams.Net {
		return ErrMainnetRefused
	}

	k.chainParams = chainParams

	return nil
}

// SignPsbt signs every taproot script path input whose leaf script commits
// to the agent's key, attaching the produced signatures to the psbt.
func (k *Keystore) SignPsbt(ctx context.Context, psbtHex string) (string,
	error) {

	raw, err := hex.DecodeString(psbtHex)
	if err != nil {
		return "", fmt.Errorf("decode psbt hex: %w", err)
	}

	packet, err := psbt.NewFromRawBytes(bytes.NewReader(raw), false)
	if err != nil {
		return "", fmt.Errorf("parse psbt: %w", err)
	}

	// Taproot sighashes commit to every spent output, so collect all
	// prevouts first.
	prevOuts := make(map[wire.OutPoint]*wire.TxOut, len(packet.Inputs))
	for i, pIn := range packet.Inputs {
		if pIn.WitnessUtxo == nil {
			return "", fmt.Errorf("input %d misses witness utxo",
				i)
		}

		outpoint := packet.UnsignedTx.TxIn[i].PreviousOutPoint
		prevOuts[outpoint] = pIn.WitnessUtxo
	}

	prevOutFetcher := txscript.NewMultiPrevOutFetcher(prevOuts)
	sigHashes := txscript.NewTxSigHashes(
		packet.UnsignedTx, prevOutFetcher,
	)

	xOnlyKey := schnorr.SerializePubKey(k.pubKey)

	signed := 0
	for i := range packet.Inputs {
		pIn := &packet.Inputs[i]
		if len(pIn.TaprootLeafScript) == 0 {
			continue
		}
		leaf := pIn.TaprootLeafScript[0]

		// Only sign leaves that commit to our key.
		if !bytes.Contains(leaf.Script, xOnlyKey) {
			continue
		}

		sig, err := txscript.RawTxInTapscriptSignature(
			packet.UnsignedTx, sigHashes, i,
			pIn.WitnessUtxo.Value, pIn.WitnessUtxo.PkScript,
			txscript.NewBaseTapLeaf(leaf.Script),
			txscript.SigHashDefault, k.privKey,
		)
		if err != nil {
			return "", fmt.Errorf("sign input %d: %w", i, err)
		}

		leafHash := txscript.NewBaseTapLeaf(leaf.Script).TapHash()
		pIn.TaprootScriptSpendSig = append(
			pIn.TaprootScriptSpendSig,
			&psbt.TaprootScriptSpendSig{
				XOnlyPubKey: xOnlyKey,
				LeafHash:    leafHash[:],
				Signature:   sig,
				SigHash:     txscript.SigHashDefault,
			},
		)
		signed++
	}

	if signed == 0 {
		return "", fmt.Errorf("%w: no signable input", ErrRefused)
	}

	var buf bytes.Buffer
	if err := packet.Serialize(&buf); err != nil {
		return "", fmt.Errorf("serialize psbt: %w", err)
	}

	return hex.EncodeToString(buf.Bytes()), nil
}

// SendBitcoin builds, signs and broadcasts a p2wpkh spend of the agent's
// own utxos paying the given amount to addr, with change back to the agent.
func (k *Keystore) SendBitcoin(ctx context.Context, addr string,
	amount btcutil.Amount, feeRate float64) (string, error) {

	if feeRate <= 0 {
		feeRate = defaultFeeRate
	}

	destAddr, err := btcutil.DecodeAddress(addr, k.chainParams)
	if err != nil {
		return "", fmt.Errorf("decode destination: %w", err)
	}
	destScript, err := txscript.PayToAddrScript(destAddr)
	if err != nil {
		return "", err
	}

	ownAddr, err := k.Address()
	if err != nil {
		return "", err
	}
	ownScript, err := txscript.PayToAddrScript(ownAddr)
	if err != nil {
		return "", err
	}

	utxos, err := k.explorer.UTXOs(ctx, ownAddr.EncodeAddress())
	if err != nil {
		return "", err
	}
	if len(utxos) == 0 {
		return "", errors.New("agent wallet has no funds")
	}

	tx := wire.NewMsgTx(2)
	var totalIn btcutil.Amount
	prevOuts := make(map[wire.OutPoint]*wire.TxOut, len(utxos))
	for _, utxo := range utxos {
		txid, err := chainhash.NewHashFromStr(utxo.TxID)
		if err != nil {
			return "", fmt.Errorf("bad utxo txid: %w", err)
		}

		outpoint := wire.OutPoint{Hash: *txid, Index: utxo.Vout}
		tx.AddTxIn(wire.NewTxIn(&outpoint, nil, nil))

		prevOuts[outpoint] = &wire.TxOut{
			Value:    utxo.Value,
			PkScript: ownScript,
		}
		totalIn += btcutil.Amount(utxo.Value)
	}

	// p2wpkh input ~68 vbytes, destination output ~43, change ~31,
	// overhead ~11.
	estVBytes := len(tx.TxIn)*68 + 43 + 31 + 11
	fee := btcutil.Amount(float64(estVBytes) * feeRate)

	change := totalIn - amount - fee
	if change < 0 {
		return "", fmt.Errorf("insufficient funds: have %v, need %v",
			totalIn, amount+fee)
	}

	tx.AddTxOut(&wire.TxOut{
		Value:    int64(amount),
		PkScript: destScript,
	})
	if change > dustLimit {
		tx.AddTxOut(&wire.TxOut{
			Value:    int64(change),
			PkScript: ownScript,
		})
	}

	prevOutFetcher := txscript.NewMultiPrevOutFetcher(prevOuts)
	sigHashes := txscript.NewTxSigHashes(tx, prevOutFetcher)

	for i, txIn := range tx.TxIn {
		prevOut := prevOuts[txIn.PreviousOutPoint]

		witness, err := txscript.WitnessSignature(
			tx, sigHashes, i, prevOut.Value, prevOut.PkScript,
			txscript.SigHashAll, k.privKey, true,
		)
		if err != nil {
			return "", fmt.Errorf("sign input %d: %w", i, err)
		}

		txIn.Witness = witness
	}

	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return "", err
	}

	return k.explorer.BroadcastTx(ctx, hex.EncodeToString(buf.Bytes()))
}

// PushTx broadcasts a raw transaction through the explorer.
func (k *Keystore) PushTx(ctx context.Context, txHex string) (string,
	error) {

	return k.explorer.BroadcastTx(ctx, txHex)
}
