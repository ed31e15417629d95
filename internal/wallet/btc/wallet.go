package btc

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/go-resty/resty/v2"
)

var ErrInsufficientFunds = errors.New("not enough unspent outputs to cover payouts and fee")

// Fee-rate and absolute-fee clamps. Keeps the builder from underpaying on a
// quiet mempool and from chasing fee spikes.
const (
	minFeeRate = 1
	maxFeeRate = 2
	minFeeSats = 300
	maxFeeSats = 800
)

// Virtual-size estimate per p2wpkh input / output plus tx overhead.
const (
	vbytesPerInput  = 59
	vbytesPerOutput = 31
	vbytesOverhead  = 10
)

// Payout is one queued deposit to pay on chain: the user's main amount plus an
// optional referral amount to a second address. Amounts in BTC.
type Payout struct {
	Address    string
	Amount     float64
	RefAddress string
	RefAmount  float64
}

// Wallet pays out deposits from a single operator address through a
// mempool-API compatible explorer.
type Wallet struct {
	http     *resty.Client
	net      *chaincfg.Params
	key      *btcec.PrivateKey
	address  btcutil.Address
	addrStr  string
	pkScript []byte
	log      *slog.Logger

	mu         sync.Mutex
	lastHeight int64
}

func NewWallet(apiBase, operatorWIF, network string, log *slog.Logger) (*Wallet, error) {
	params, err := NetworkParams(network)
	if err != nil {
		return nil, err
	}

	wif, err := btcutil.DecodeWIF(operatorWIF)
	if err != nil {
		return nil, fmt.Errorf("decode operator wif: %w", err)
	}

	pubHash := btcutil.Hash160(wif.PrivKey.PubKey().SerializeCompressed())
	addr, err := btcutil.NewAddressWitnessPubKeyHash(pubHash, params)
	if err != nil {
		return nil, err
	}
	pkScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, err
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(apiBase, "/")).
		SetTimeout(15 * time.Second)

	return &Wallet{
		http:     client,
		net:      params,
		key:      wif.PrivKey,
		address:  addr,
		addrStr:  addr.EncodeAddress(),
		pkScript: pkScript,
		log:      log,
	}, nil
}

func NetworkParams(network string) (*chaincfg.Params, error) {
	switch network {
	case "", "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet", "testnet3":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	default:
		return nil, fmt.Errorf("unknown btc network %q", network)
	}
}

func (w *Wallet) OperatorAddress() string {
	return w.addrStr
}

// SendBulk assembles, signs and broadcasts one transaction paying every
// payout (main + referral outputs) plus change. It returns an empty hash
// without building anything when no new block has appeared since the last
// successful broadcast, throttling to roughly one transaction per block.
// The last-seen height only advances on broadcast success, so a failed
// attempt retries with a fresh UTXO and fee snapshot next tick.
func (w *Wallet) SendBulk(ctx context.Context, payouts []Payout) (string, error) {
	if len(payouts) == 0 {
		return "", nil
	}

	tip, err := w.ChainTip(ctx)
	if err != nil {
		return "", err
	}
	w.mu.Lock()
	hasNew := tip > w.lastHeight
	w.mu.Unlock()
	if !hasNew {
		return "", nil
	}

	feeRate, err := w.feeRate(ctx)
	if err != nil {
		return "", err
	}

	utxos, err := w.unspentOutputs(ctx)
	if err != nil {
		return "", err
	}
	if len(utxos) == 0 {
		return "", ErrInsufficientFunds
	}

	totalSend := int64(0)
	outputCount := 0
	for _, p := range payouts {
		totalSend += toSats(p.Amount)
		outputCount++
		if p.RefAddress != "" && p.RefAmount > 0 {
			totalSend += toSats(p.RefAmount)
			outputCount++
		}
	}

	var selected []utxo
	inputSum := int64(0)
	fee := int64(0)
	for _, u := range utxos {
		selected = append(selected, u)
		inputSum += u.Value

		// change output included in the estimate
		vbytes := len(selected)*vbytesPerInput + (outputCount+1)*vbytesPerOutput + vbytesOverhead
		fee = clamp(int64(math.Ceil(float64(vbytes)*float64(feeRate))), minFeeSats, maxFeeSats)

		if inputSum >= totalSend+fee {
			break
		}
	}
	if inputSum < totalSend+fee {
		return "", fmt.Errorf("%w: have %d sats, need %d", ErrInsufficientFunds, inputSum, totalSend+fee)
	}
	change := inputSum - totalSend - fee

	msg := wire.NewMsgTx(wire.TxVersion)
	prevOuts := make(map[wire.OutPoint]*wire.TxOut, len(selected))
	for _, u := range selected {
		hash, err := chainhash.NewHashFromStr(u.TxID)
		if err != nil {
			return "", err
		}
		op := wire.NewOutPoint(hash, u.Vout)
		msg.AddTxIn(wire.NewTxIn(op, nil, nil))
		prevOuts[*op] = wire.NewTxOut(u.Value, w.pkScript)
	}

	for _, p := range payouts {
		script, err := w.outputScript(p.Address)
		if err != nil {
			return "", err
		}
		msg.AddTxOut(wire.NewTxOut(toSats(p.Amount), script))

		if p.RefAddress != "" && p.RefAmount > 0 {
			refScript, err := w.outputScript(p.RefAddress)
			if err != nil {
				return "", err
			}
			msg.AddTxOut(wire.NewTxOut(toSats(p.RefAmount), refScript))
		}
	}
	if change > 0 {
		msg.AddTxOut(wire.NewTxOut(change, w.pkScript))
	}

	fetcher := txscript.NewMultiPrevOutFetcher(prevOuts)
	sigHashes := txscript.NewTxSigHashes(msg, fetcher)
	for i, in := range msg.TxIn {
		prev := prevOuts[in.PreviousOutPoint]
		witness, err := txscript.WitnessSignature(msg, sigHashes, i, prev.Value, w.pkScript, txscript.SigHashAll, w.key, true)
		if err != nil {
			return "", fmt.Errorf("sign input %d: %w", i, err)
		}
		msg.TxIn[i].Witness = witness
	}

	var buf bytes.Buffer
	if err := msg.Serialize(&buf); err != nil {
		return "", err
	}

	txid, err := w.Broadcast(ctx, hex.EncodeToString(buf.Bytes()))
	if err != nil {
		return "", err
	}

	w.mu.Lock()
	w.lastHeight = tip
	w.mu.Unlock()

	w.log.Info("btc bulk payout broadcast",
		"txid", txid, "payouts", len(payouts), "outputs", outputCount, "fee_sats", fee, "tip", tip)
	return txid, nil
}

func (w *Wallet) outputScript(address string) ([]byte, error) {
	addr, err := btcutil.DecodeAddress(address, w.net)
	if err != nil {
		return nil, fmt.Errorf("decode payout address %s: %w", address, err)
	}
	return txscript.PayToAddrScript(addr)
}

func toSats(btc float64) int64 {
	return int64(math.Floor(btc * 1e8))
}

func clamp(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
