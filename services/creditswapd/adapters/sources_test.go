package adapters

import (
	"context"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStaticSource(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	reg := &Registry{Now: func() time.Time { return now }}
	src, err := reg.Build(Spec{Type: "static", Rates: map[string]string{"weth/usdc": "2500.5"}})
	require.NoError(t, err)
	require.Equal(t, "static", src.Name())

	q, err := src.Fetch(context.Background(), "WETH", " usdc ")
	require.NoError(t, err)
	require.Zero(t, q.Rate.Cmp(big.NewRat(5001, 2)))
	require.True(t, q.Timestamp.Equal(now))

	_, err = src.Fetch(context.Background(), "USDC", "WETH")
	require.Error(t, err)
}

func TestStaticSourceRejectsBadRates(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Build(Spec{Type: "static", Rates: map[string]string{"WETH": "1"}})
	require.Error(t, err)
	_, err = reg.Build(Spec{Type: "static", Rates: map[string]string{"WETH/USDC": "-1"}})
	require.Error(t, err)
	_, err = reg.Build(Spec{Type: "chainlink"})
	require.Error(t, err)
}

func TestCoinGeckoCrossRate(t *testing.T) {
	var gotQuery, gotKey string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("ids")
		gotKey = r.Header.Get("x-cg-pro-api-key")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ethereum":{"usd":2500,"last_updated_at":1700000000},"usd-coin":{"usd":"0.5","last_updated_at":1699999990}}`))
	}))
	defer server.Close()

	reg := &Registry{HTTPClient: server.Client()}
	src, err := reg.Build(Spec{
		Name:     "cg",
		Type:     "coingecko",
		Endpoint: server.URL,
		APIKey:   "key",
		Assets:   map[string]string{"weth": "ethereum", "USDC": "usd-coin"},
	})
	require.NoError(t, err)

	q, err := src.Fetch(context.Background(), "WETH", "USDC")
	require.NoError(t, err)
	require.Equal(t, "ethereum,usd-coin", gotQuery)
	require.Equal(t, "key", gotKey)
	require.Zero(t, q.Rate.Cmp(big.NewRat(5000, 1)))
	require.Equal(t, int64(1699999990), q.Timestamp.Unix())
	require.Equal(t, "cg", q.Source)
}

func TestCoinGeckoErrors(t *testing.T) {
	status := http.StatusTooManyRequests
	body := `rate limited`
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	defer server.Close()

	src, err := (&Registry{HTTPClient: server.Client()}).Build(Spec{Type: "coingecko", Endpoint: server.URL})
	require.NoError(t, err)
	_, err = src.Fetch(context.Background(), "weth", "usdc")
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "429"))

	status = http.StatusOK
	body = `{"weth":{"usd":1}}`
	_, err = src.Fetch(context.Background(), "weth", "usdc")
	require.ErrorContains(t, err, "quote missing for usdc")
}
