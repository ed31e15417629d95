package btc

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"bitvault/internal/logging"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Well-known example key, mainnet.
const testWIF = "KwdMAjGmerYanjeui5SHS7JkmpZvVipYvB2LJGU1ZxJwYvP98617"

const (
	payoutAddr1 = "bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4"
	payoutAddr2 = "bc1qar0srrr7xfkvy5l643lydnw9re59gtzzwf5mdq"
	refAddr     = "bc1qrp33g0q5c5txsp9arysrx4k6zdkfs4nce4xj0gdcccefvpysxf3qccfmv3"
)

type explorerFixture struct {
	mu        sync.Mutex
	tip       int64
	utxoSats  int64
	broadcast []string
}

func (f *explorerFixture) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		switch {
		case r.URL.Path == "/blocks":
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode([]map[string]any{{"id": "blk", "height": f.tip}})
		case r.URL.Path == "/v1/fees/recommended":
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]int64{"economyFee": 1})
		case strings.HasSuffix(r.URL.Path, "/utxo"):
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode([]map[string]any{{
				"txid":  strings.Repeat("a", 64),
				"vout":  0,
				"value": f.utxoSats,
			}})
		case r.URL.Path == "/tx" && r.Method == http.MethodPost:
			body, _ := io.ReadAll(r.Body)
			f.broadcast = append(f.broadcast, string(body))
			fmt.Fprint(w, strings.Repeat("b", 64))
		default:
			http.NotFound(w, r)
		}
	})
}

func newTestWallet(t *testing.T, fixture *explorerFixture) *Wallet {
	t.Helper()
	srv := httptest.NewServer(fixture.handler())
	t.Cleanup(srv.Close)

	w, err := NewWallet(srv.URL, testWIF, "mainnet", logging.New("error", "test"))
	require.NoError(t, err)
	return w
}

func TestSendBulk_BuildsMainReferralAndChangeOutputs(t *testing.T) {
	fixture := &explorerFixture{tip: 100, utxoSats: 1_000_000}
	w := newTestWallet(t, fixture)

	hash, err := w.SendBulk(context.Background(), []Payout{
		{Address: payoutAddr1, Amount: 0.001, RefAddress: refAddr, RefAmount: 0.0001},
		{Address: payoutAddr2, Amount: 0.002},
	})
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("b", 64), hash)
	require.Len(t, fixture.broadcast, 1)

	raw, err := hex.DecodeString(fixture.broadcast[0])
	require.NoError(t, err)
	var msg wire.MsgTx
	require.NoError(t, msg.Deserialize(bytes.NewReader(raw)))

	// 2 main + 1 referral + 1 change.
	require.Len(t, msg.TxOut, 4)
	require.Len(t, msg.TxIn, 1)
	assert.NotEmpty(t, msg.TxIn[0].Witness)

	values := make([]int64, 0, 4)
	for _, out := range msg.TxOut {
		values = append(values, out.Value)
	}
	assert.Contains(t, values, int64(100_000))
	assert.Contains(t, values, int64(10_000))
	assert.Contains(t, values, int64(200_000))
	// 1 sat/vB estimate clamps up to the 300 sat floor.
	assert.Contains(t, values, int64(1_000_000-310_000-300))
}

func TestSendBulk_ThrottlesUntilNewBlock(t *testing.T) {
	fixture := &explorerFixture{tip: 100, utxoSats: 1_000_000}
	w := newTestWallet(t, fixture)

	payouts := []Payout{{Address: payoutAddr1, Amount: 0.001}}

	hash, err := w.SendBulk(context.Background(), payouts)
	require.NoError(t, err)
	require.NotEmpty(t, hash)

	// Same tip: nothing is built or broadcast.
	hash, err = w.SendBulk(context.Background(), payouts)
	require.NoError(t, err)
	assert.Empty(t, hash)
	assert.Len(t, fixture.broadcast, 1)

	fixture.mu.Lock()
	fixture.tip = 101
	fixture.mu.Unlock()

	hash, err = w.SendBulk(context.Background(), payouts)
	require.NoError(t, err)
	assert.NotEmpty(t, hash)
	assert.Len(t, fixture.broadcast, 2)
}

func TestSendBulk_InsufficientFunds(t *testing.T) {
	fixture := &explorerFixture{tip: 100, utxoSats: 1_000}
	w := newTestWallet(t, fixture)

	_, err := w.SendBulk(context.Background(), []Payout{{Address: payoutAddr1, Amount: 0.001}})
	assert.ErrorIs(t, err, ErrInsufficientFunds)
	assert.Empty(t, fixture.broadcast)
}

func TestSendBulk_NoPayouts(t *testing.T) {
	fixture := &explorerFixture{tip: 100, utxoSats: 1_000_000}
	w := newTestWallet(t, fixture)

	hash, err := w.SendBulk(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, hash)
}

func TestValidAddress(t *testing.T) {
	params := &chaincfg.MainNetParams

	assert.True(t, ValidAddress(payoutAddr1, params))
	assert.True(t, ValidAddress(refAddr, params))
	// Legacy base58 is rejected.
	assert.False(t, ValidAddress("1BvBMSEYstWetqTFn5Au4m4GFg7xJaNVN2", params))
	assert.False(t, ValidAddress("not-an-address", params))
}
