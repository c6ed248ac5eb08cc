package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/adshao/go-binance/v2/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/spotguard/internal/domain"
)

func newTestClient(t *testing.T, h http.HandlerFunc, key, secret string) *Client {
	t.Helper()
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)
	return NewClient(Config{BaseURL: ts.URL, APIKey: key, Secret: secret, ATRPeriod: 5},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func sign(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func TestSymbol(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]string{
		"btc-usdt":  "BTCUSDT",
		"ETH/USDT":  "ETHUSDT",
		" SOLUSDT ": "SOLUSDT",
	} {
		assert.Equal(t, want, Symbol(in), in)
	}
}

func TestLatestPrice(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/ticker/price", r.URL.Path)
		switch r.URL.Query().Get("symbol") {
		case "BTCUSDT":
			fmt.Fprint(w, `{"symbol":"BTCUSDT","price":"64250.12000000"}`)
		default:
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"code":-1121,"msg":"Invalid symbol."}`)
		}
	}, "", "")

	tick, err := c.LatestPrice(context.Background(), "BTC-USDT")
	require.NoError(t, err)
	assert.InDelta(t, 64250.12, tick.Price, 1e-9)
	assert.Equal(t, "BTC-USDT", tick.Instrument)

	_, err = c.LatestPrice(context.Background(), "NOPE")
	assert.ErrorIs(t, err, domain.ErrPriceUnavailable)
	assert.Contains(t, err.Error(), "Invalid symbol.")
}

func TestGetPricesSingleRequest(t *testing.T) {
	t.Parallel()
	var requests atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		assert.Equal(t, "/api/v3/ticker/price", r.URL.Path)
		assert.Empty(t, r.URL.Query().Get("symbol"))
		fmt.Fprint(w, `[{"symbol":"BTCUSDT","price":"64000.5"},{"symbol":"ETHUSDT","price":"3100"},{"symbol":"XRPUSDT","price":"0.5"}]`)
	}, "", "")

	prices, err := c.GetPrices(context.Background(), []string{"btc-usdt", "ETHUSDT", "NOPEUSDT"})
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"btc-usdt": 64000.5, "ETHUSDT": 3100}, prices)
	assert.Equal(t, int32(1), requests.Load())
}

func TestVolatilityFromKlines(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/klines", r.URL.Path)
		assert.Equal(t, "1h", r.URL.Query().Get("interval"))
		assert.Equal(t, "15", r.URL.Query().Get("limit"))
		rows := make([]string, 15)
		for i := range rows {
			rows[i] = fmt.Sprintf(`[%d,"100.0","101.0","99.0","100.0","12.5",%d,"0",0,"0","0","0"]`, i*3600000, i*3600000+3599999)
		}
		fmt.Fprint(w, "["+strings.Join(rows, ",")+"]")
	}, "", "")

	candles, err := c.Klines(context.Background(), "BTCUSDT", "1h", 15)
	require.NoError(t, err)
	require.Len(t, candles, 15)
	assert.InDelta(t, 101, candles[0].High, 1e-9)

	atr, err := c.Volatility(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.InDelta(t, 2, atr, 1e-9)
}

func TestBalanceIsSigned(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/account", r.URL.Path)
		assert.Equal(t, "key", r.Header.Get("X-MBX-APIKEY"))
		assert.Equal(t, "5000", r.URL.Query().Get("recvWindow"))

		raw := r.URL.RawQuery
		i := strings.Index(raw, "&signature=")
		if !assert.Positive(t, i) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if sign("secret", raw[:i]) != raw[i+len("&signature="):] {
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"code":-1022,"msg":"Signature for this request is not valid."}`)
			return
		}
		fmt.Fprint(w, `{"balances":[{"asset":"BTC","free":"0.5","locked":"0"},{"asset":"USDT","free":"1234.56","locked":"10"}]}`)
	}, "key", "secret")

	bal, err := c.Balance(context.Background(), "usdt")
	require.NoError(t, err)
	assert.InDelta(t, 1234.56, bal, 1e-9)

	bal, err = c.Balance(context.Background(), "ETH")
	require.NoError(t, err)
	assert.Zero(t, bal)
}

func TestBalanceRejectedKeyIsUnauthorized(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"code":-2015,"msg":"Invalid API-key, IP, or permissions for action."}`)
	}, "key", "secret")

	_, err := c.Balance(context.Background(), "USDT")
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestBalanceRequiresCredentials(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		t.Error("no request expected")
	}, "", "")
	_, err := c.Balance(context.Background(), "USDT")
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestAPIErrorDecoded(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"code":-1003,"msg":"Too many requests."}`)
	}, "", "")
	_, err := c.Klines(context.Background(), "BTCUSDT", "1h", 10)
	var apiErr *common.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, int64(-1003), apiErr.Code)
	assert.NotErrorIs(t, err, domain.ErrUnauthorized)
}

func TestPing(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/ping", r.URL.Path)
		fmt.Fprint(w, `{}`)
	}, "", "")
	assert.NoError(t, c.Ping(context.Background()))
}
