package hedera

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"bitvault/internal/reconcile"

	"github.com/go-resty/resty/v2"
	hiero "github.com/hashgraph/hedera-sdk-go/v2"
)

// Payout is one aggregated credit to a Hedera account, in HBAR.
type Payout struct {
	AccountID string
	Amount    float64
}

// Wallet moves HBAR from the operator account and reads transfer history from
// a mirror node.
type Wallet struct {
	mirror      *resty.Client
	client      *hiero.Client
	operatorID  hiero.AccountID
	operatorKey hiero.PrivateKey
	operatorStr string
	log         *slog.Logger

	mu            sync.Mutex
	lastConsensus string
}

func NewWallet(mirrorBase, network, operatorID, operatorKey string, log *slog.Logger) (*Wallet, error) {
	id, err := hiero.AccountIDFromString(operatorID)
	if err != nil {
		return nil, fmt.Errorf("parse operator id: %w", err)
	}
	key, err := hiero.PrivateKeyFromString(operatorKey)
	if err != nil {
		return nil, fmt.Errorf("parse operator key: %w", err)
	}

	var client *hiero.Client
	switch network {
	case "", "mainnet":
		client = hiero.ClientForMainnet()
	case "testnet":
		client = hiero.ClientForTestnet()
	case "previewnet":
		client = hiero.ClientForPreviewnet()
	default:
		return nil, fmt.Errorf("unknown hedera network %q", network)
	}
	client.SetOperator(id, key)

	mirror := resty.New().
		SetBaseURL(strings.TrimRight(mirrorBase, "/")).
		SetTimeout(15 * time.Second)

	return &Wallet{
		mirror:      mirror,
		client:      client,
		operatorID:  id,
		operatorKey: key,
		operatorStr: id.String(),
		log:         log,
	}, nil
}

func (w *Wallet) OperatorAddress() string {
	return w.operatorStr
}

// SendBulk executes one TransferTransaction debiting the operator and
// crediting every payout. Returns an empty id without transferring when the
// mirror node shows no consensus progress since the last successful send.
func (w *Wallet) SendBulk(ctx context.Context, payouts []Payout) (string, error) {
	if len(payouts) == 0 {
		return "", nil
	}

	hasNew, consensus, err := w.newConsensus(ctx)
	if err != nil {
		return "", err
	}
	if !hasNew {
		return "", nil
	}

	total := 0.0
	tx := hiero.NewTransferTransaction()
	for _, p := range payouts {
		id, err := accountIDFromString(p.AccountID)
		if err != nil {
			return "", fmt.Errorf("parse payout account %s: %w", p.AccountID, err)
		}
		tinybars := int64(math.Round(p.Amount * 1e8))
		tx.AddHbarTransfer(id, hiero.HbarFromTinybar(tinybars))
		total += p.Amount
	}
	tx.AddHbarTransfer(w.operatorID, hiero.NewHbar(-total))

	frozen, err := tx.FreezeWith(w.client)
	if err != nil {
		return "", err
	}
	frozen = frozen.Sign(w.operatorKey)

	resp, err := frozen.Execute(w.client)
	if err != nil {
		return "", err
	}
	txID := resp.TransactionID.String()

	w.mu.Lock()
	w.lastConsensus = consensus
	w.mu.Unlock()

	w.log.Info("hbar bulk transfer executed", "txid", txID, "payouts", len(payouts), "total_hbar", total)
	return txID, nil
}

// newConsensus reports whether the mirror node has seen consensus activity
// beyond the last successful send.
func (w *Wallet) newConsensus(ctx context.Context) (bool, string, error) {
	var body transactionsResponse
	if err := w.getJSON(ctx, "/transactions?order=desc&limit=1", &body); err != nil {
		return false, "", err
	}
	if len(body.Transactions) == 0 {
		w.mu.Lock()
		defer w.mu.Unlock()
		return false, w.lastConsensus, nil
	}

	consensus := body.Transactions[0].ConsensusTimestamp
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.lastConsensus == "" || consensus > w.lastConsensus {
		return true, consensus, nil
	}
	return false, w.lastConsensus, nil
}

func (w *Wallet) IsConfirmed(ctx context.Context, txID string) (bool, error) {
	var body transactionsResponse
	if err := w.getJSON(ctx, "/transactions/"+toMirrorID(txID), &body); err != nil {
		return false, err
	}
	for _, tx := range body.Transactions {
		if tx.Result == "SUCCESS" {
			return true, nil
		}
	}
	return false, nil
}

// IncomingTransfers lists recent credits to the operator account. The sender
// is the transfer entry debiting the same amount in the same transaction.
func (w *Wallet) IncomingTransfers(ctx context.Context) ([]reconcile.Transfer, error) {
	var body transactionsResponse
	path := "/transactions?account.id=" + w.operatorStr + "&limit=50"
	if err := w.getJSON(ctx, path, &body); err != nil {
		return nil, err
	}

	var out []reconcile.Transfer
	for _, tx := range body.Transactions {
		ts := consensusToTime(tx.ConsensusTimestamp)

		for _, credit := range tx.Transfers {
			if credit.Account != w.operatorStr || credit.Amount <= 0 {
				continue
			}

			from := "unknown"
			for _, t := range tx.Transfers {
				if t.Account != w.operatorStr && t.Amount == -credit.Amount {
					from = t.Account
					break
				}
			}

			out = append(out, reconcile.Transfer{
				Hash:      tx.TransactionID,
				From:      from,
				To:        w.operatorStr,
				Amount:    float64(credit.Amount) / 1e8,
				Timestamp: ts,
			})
		}
	}
	return out, nil
}

func (w *Wallet) getJSON(ctx context.Context, path string, out any) error {
	resp, err := w.mirror.R().SetContext(ctx).SetResult(out).Get(path)
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("mirror http %d: %s", resp.StatusCode(), strings.TrimSpace(resp.String()))
	}
	return nil
}

type transactionsResponse struct {
	Transactions []mirrorTransaction `json:"transactions"`
}

type mirrorTransaction struct {
	TransactionID      string           `json:"transaction_id"`
	ConsensusTimestamp string           `json:"consensus_timestamp"`
	Result             string           `json:"result"`
	Transfers          []mirrorTransfer `json:"transfers"`
}

type mirrorTransfer struct {
	Account string `json:"account"`
	Amount  int64  `json:"amount"`
}

func accountIDFromString(s string) (hiero.AccountID, error) {
	if strings.HasPrefix(s, "0x") {
		return hiero.AccountIDFromEvmAddress(0, 0, strings.TrimPrefix(s, "0x"))
	}
	return hiero.AccountIDFromString(s)
}

// toMirrorID converts an SDK transaction id (0.0.x@sec.nanos) to the mirror
// node path form (0.0.x-sec-nanos).
func toMirrorID(txID string) string {
	parts := strings.SplitN(txID, "@", 2)
	if len(parts) != 2 {
		return txID
	}
	return parts[0] + "-" + strings.ReplaceAll(parts[1], ".", "-")
}

func consensusToTime(consensus string) time.Time {
	if consensus == "" {
		return time.Now().UTC()
	}
	secs := strings.SplitN(consensus, ".", 2)[0]
	var sec int64
	if _, err := fmt.Sscanf(secs, "%d", &sec); err != nil {
		return time.Now().UTC()
	}
	return time.Unix(sec, 0).UTC()
}
