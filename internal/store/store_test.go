package store

import (
	"testing"

	"bitvault/internal/models"

	"github.com/stretchr/testify/assert"
)

func TestFilterWhere_Empty(t *testing.T) {
	where, args := Filter{}.where()
	assert.Empty(t, where)
	assert.Empty(t, args)
}

func TestFilterWhere_SingleStatus(t *testing.T) {
	f := Filter{
		Type:     models.TxDeposit,
		Statuses: []models.TxStatus{models.StatusWaiting},
	}
	where, args := f.where()
	assert.Equal(t, " WHERE type=$1 AND status=$2", where)
	assert.Equal(t, []any{"DEPOSIT", "WAITING"}, args)
}

func TestFilterWhere_StatusList(t *testing.T) {
	f := Filter{
		TokenType: models.TokenBTC,
		Statuses:  []models.TxStatus{models.StatusPaid, models.StatusPending},
	}
	where, args := f.where()
	assert.Equal(t, " WHERE token_type=$1 AND status IN ($2,$3)", where)
	assert.Equal(t, []any{"BTC", "PAID", "PENDING"}, args)
}

func TestFilterWhere_NullableColumns(t *testing.T) {
	yes, no := true, false

	where, args := Filter{HasXenditID: &yes, HasTxHash: &no}.where()
	assert.Equal(t, " WHERE xendit_tx_id IS NOT NULL AND tx_hash IS NULL", where)
	assert.Empty(t, args)
}

func TestFilterWhere_WalletAndExclude(t *testing.T) {
	f := Filter{WalletAddress: "addr-1", ExcludeID: "id-1", TxHash: "hash-1"}
	where, args := f.where()
	assert.Equal(t, " WHERE wallet_address=$1 AND tx_hash=$2 AND id<>$3", where)
	assert.Equal(t, []any{"addr-1", "hash-1", "id-1"}, args)
}

func TestFilterTail(t *testing.T) {
	assert.Equal(t, " ORDER BY created_at DESC", Filter{}.tail())
	assert.Equal(t, " ORDER BY created_at ASC LIMIT 5", Filter{OrderByCreatedAsc: true, Limit: 5}.tail())
}
