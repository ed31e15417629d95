package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	indodaxPublicBase = "https://indodax.com/api"
	indodaxPrivateURL = "https://indodax.com/tapi/"
)

// Indodax covers the public ticker (USDT/IDR pricing leg) and the signed
// private API (rebalancing trades and withdrawals).
type Indodax struct {
	http       *resty.Client
	privateURL string
	key        string
	secret     string
	log        *slog.Logger
}

func NewIndodax(key, secret string, log *slog.Logger) *Indodax {
	return &Indodax{
		http:       resty.New().SetBaseURL(indodaxPublicBase).SetTimeout(15 * time.Second),
		privateURL: indodaxPrivateURL,
		key:        key,
		secret:     secret,
		log:        log,
	}
}

type Ticker struct {
	Buy  float64
	Sell float64
}

func (i *Indodax) FetchTicker(ctx context.Context, symbol string) (*Ticker, error) {
	var out struct {
		Ticker map[string]any `json:"ticker"`
	}
	resp, err := i.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/ticker/" + url.PathEscape(symbol))
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, fmt.Errorf("indodax ticker %s: http %d", symbol, resp.StatusCode())
	}
	if out.Ticker == nil {
		return nil, fmt.Errorf("invalid ticker data for %s", symbol)
	}

	buy, err := tickerField(out.Ticker, "buy")
	if err != nil {
		return nil, err
	}
	sell, err := tickerField(out.Ticker, "sell")
	if err != nil {
		return nil, err
	}
	return &Ticker{Buy: buy, Sell: sell}, nil
}

func tickerField(ticker map[string]any, field string) (float64, error) {
	switch v := ticker[field].(type) {
	case string:
		return strconv.ParseFloat(v, 64)
	case float64:
		return v, nil
	default:
		return 0, fmt.Errorf("ticker field %s missing", field)
	}
}

// PrivateResponse is the envelope of every signed Indodax call.
type PrivateResponse struct {
	Success int            `json:"success"`
	Return  map[string]any `json:"return"`
	Error   string         `json:"error"`
}

// PrivateCall signs a form-encoded request with HMAC-SHA512 over the sorted
// payload, per the Indodax trade API contract.
func (i *Indodax) PrivateCall(ctx context.Context, method string, params map[string]string) (*PrivateResponse, error) {
	values := url.Values{}
	for k, v := range params {
		values.Set(k, v)
	}
	values.Set("method", method)
	values.Set("nonce", strconv.FormatInt(time.Now().UnixMilli(), 10))

	// url.Values.Encode sorts keys, which is what the signature requires.
	payload := values.Encode()

	mac := hmac.New(sha512.New, []byte(i.secret))
	mac.Write([]byte(payload))
	sign := hex.EncodeToString(mac.Sum(nil))

	var out PrivateResponse
	resp, err := i.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/x-www-form-urlencoded").
		SetHeader("Key", i.key).
		SetHeader("Sign", sign).
		SetBody(payload).
		SetResult(&out).
		Post(i.privateURL)
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, fmt.Errorf("indodax %s: http %d: %s", method, resp.StatusCode(), strings.TrimSpace(resp.String()))
	}
	if out.Success != 1 {
		return nil, fmt.Errorf("indodax %s: %s", method, out.Error)
	}
	return &out, nil
}
