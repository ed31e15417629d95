package btc

import (
	"context"
	"fmt"
	"strings"
	"time"

	"bitvault/internal/reconcile"
)

// Explorer response shapes, mempool.space REST API.

type block struct {
	ID     string `json:"id"`
	Height int64  `json:"height"`
}

type recommendedFees struct {
	FastestFee int64 `json:"fastestFee"`
	HourFee    int64 `json:"hourFee"`
	EconomyFee int64 `json:"economyFee"`
	MinimumFee int64 `json:"minimumFee"`
}

type utxo struct {
	TxID  string `json:"txid"`
	Vout  uint32 `json:"vout"`
	Value int64  `json:"value"`
}

type addressTx struct {
	TxID   string `json:"txid"`
	Vin    []vin  `json:"vin"`
	Vout   []vout `json:"vout"`
	Status struct {
		Confirmed bool  `json:"confirmed"`
		BlockTime int64 `json:"block_time"`
	} `json:"status"`
}

type vin struct {
	Prevout *vout `json:"prevout"`
}

type vout struct {
	ScriptPubKeyAddress string `json:"scriptpubkey_address"`
	Value               int64  `json:"value"`
}

type txStatus struct {
	Confirmed bool `json:"confirmed"`
}

func (w *Wallet) ChainTip(ctx context.Context) (int64, error) {
	var blocks []block
	if err := w.getJSON(ctx, "/blocks", &blocks); err != nil {
		return 0, err
	}
	if len(blocks) == 0 {
		return 0, fmt.Errorf("explorer returned no blocks")
	}
	return blocks[0].Height, nil
}

// feeRate returns the clamped economy fee rate in sat/vB.
func (w *Wallet) feeRate(ctx context.Context) (int64, error) {
	var fees recommendedFees
	if err := w.getJSON(ctx, "/v1/fees/recommended", &fees); err != nil {
		return 0, err
	}
	rate := fees.EconomyFee
	if rate <= 0 {
		rate = 1
	}
	return clamp(rate, minFeeRate, maxFeeRate), nil
}

func (w *Wallet) unspentOutputs(ctx context.Context) ([]utxo, error) {
	var utxos []utxo
	err := w.getJSON(ctx, "/address/"+w.addrStr+"/utxo", &utxos)
	return utxos, err
}

func (w *Wallet) IsConfirmed(ctx context.Context, txid string) (bool, error) {
	var status txStatus
	if err := w.getJSON(ctx, "/tx/"+txid+"/status", &status); err != nil {
		return false, err
	}
	return status.Confirmed, nil
}

// IncomingTransfers lists recent transfers into the operator address, one
// entry per transaction crediting it. Sender is taken from the first input's
// previous output.
func (w *Wallet) IncomingTransfers(ctx context.Context) ([]reconcile.Transfer, error) {
	var txs []addressTx
	if err := w.getJSON(ctx, "/address/"+w.addrStr+"/txs", &txs); err != nil {
		return nil, err
	}

	var out []reconcile.Transfer
	for _, tx := range txs {
		var credit *vout
		for i := range tx.Vout {
			if tx.Vout[i].ScriptPubKeyAddress == w.addrStr {
				credit = &tx.Vout[i]
				break
			}
		}
		if credit == nil {
			continue
		}

		from := "unknown"
		if len(tx.Vin) > 0 && tx.Vin[0].Prevout != nil && tx.Vin[0].Prevout.ScriptPubKeyAddress != "" {
			from = tx.Vin[0].Prevout.ScriptPubKeyAddress
		}

		ts := time.Now().UTC()
		if tx.Status.BlockTime > 0 {
			ts = time.Unix(tx.Status.BlockTime, 0).UTC()
		}

		out = append(out, reconcile.Transfer{
			Hash:      tx.TxID,
			From:      from,
			To:        w.addrStr,
			Amount:    float64(credit.Value) / 1e8,
			Timestamp: ts,
		})
	}
	return out, nil
}

func (w *Wallet) Broadcast(ctx context.Context, rawHex string) (string, error) {
	resp, err := w.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "text/plain").
		SetBody(rawHex).
		Post("/tx")
	if err != nil {
		return "", err
	}
	if resp.IsError() {
		return "", fmt.Errorf("broadcast failed: http %d: %s", resp.StatusCode(), strings.TrimSpace(resp.String()))
	}
	return strings.TrimSpace(resp.String()), nil
}

func (w *Wallet) getJSON(ctx context.Context, path string, out any) error {
	resp, err := w.http.R().SetContext(ctx).SetResult(out).Get(path)
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("explorer http %d: %s", resp.StatusCode(), strings.TrimSpace(resp.String()))
	}
	return nil
}
