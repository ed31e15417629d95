package reconcile

import (
	"context"
	"math"
	"time"

	"bitvault/internal/models"
)

// Transfer is one observed incoming on-chain transfer.
type Transfer struct {
	Hash      string
	From      string
	To        string
	Amount    float64
	Timestamp time.Time
}

// Epsilon is the amount tolerance when matching a transfer to a withdrawal,
// in token units.
const Epsilon = 1e-8

// BoundChecker reports whether a chain hash is already bound to any
// transaction in the store. The store-level check is what makes hash
// uniqueness hold across ticks and chain reorganizations; the in-pass used set
// alone is not sufficient.
type BoundChecker func(ctx context.Context, hash string) (bool, error)

// Params scope one matching pass to a chain.
type Params struct {
	// OperatorAddress must be the transfer's destination when non-empty
	// (account-based chains report unrelated transfers in the same window).
	OperatorAddress string
	// MaxAge is the maximum accepted transfer age.
	MaxAge time.Duration
}

// Match finds at most one observed transfer that proves the withdrawal was
// funded: sent from the transaction's wallet, amount within Epsilon, recent
// enough, not consumed in this pass, and not bound to any stored transaction.
// The caller binds the hash and must add it to used.
func Match(ctx context.Context, tx *models.Transaction, transfers []Transfer, used map[string]bool, bound BoundChecker, p Params, now time.Time) (*Transfer, error) {
	want := 0.0
	if tx.TokenAmount != nil {
		want = *tx.TokenAmount
	}

	for i := range transfers {
		t := &transfers[i]
		if used[t.Hash] {
			continue
		}
		if t.From != tx.WalletAddress {
			continue
		}
		if p.OperatorAddress != "" && t.To != p.OperatorAddress {
			continue
		}
		if math.Abs(t.Amount-want) >= Epsilon {
			continue
		}
		if now.Sub(t.Timestamp) > p.MaxAge {
			continue
		}

		taken, err := bound(ctx, t.Hash)
		if err != nil {
			return nil, err
		}
		if taken {
			continue
		}
		return t, nil
	}
	return nil, nil
}

// StillObserved reports whether a previously bound hash is still present in
// the observed window. When it is not (reorg or window slide), the
// transaction is eligible to re-match a different transfer.
func StillObserved(transfers []Transfer, hash string) bool {
	for i := range transfers {
		if transfers[i].Hash == hash {
			return true
		}
	}
	return false
}
