package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"creditswap/services/creditswapd/oracle"
)

const (
	defaultCoinGeckoEndpoint = "https://api.coingecko.com/api/v3/simple/price"
	coinGeckoVsCurrency      = "usd"
)

// coinGeckoClient prices a pair by fetching both legs against USD from the
// simple price API and dividing them.
type coinGeckoClient struct {
	client   HTTPDoer
	endpoint string
	apiKey   string
	idMap    map[string]string
	now      func() time.Time
}

func newCoinGeckoClient(client HTTPDoer, endpoint, apiKey string, idMap map[string]string, now func() time.Time) *coinGeckoClient {
	ep := strings.TrimSpace(endpoint)
	if ep == "" {
		ep = defaultCoinGeckoEndpoint
	}
	if client == nil {
		client = http.DefaultClient
	}
	mapped := make(map[string]string, len(idMap))
	for k, v := range idMap {
		mapped[normaliseSymbol(k)] = strings.TrimSpace(v)
	}
	return &coinGeckoClient{client: client, endpoint: ep, apiKey: strings.TrimSpace(apiKey), idMap: mapped, now: now}
}

func (c *coinGeckoClient) assetID(symbol string) string {
	if id, ok := c.idMap[normaliseSymbol(symbol)]; ok && id != "" {
		return id
	}
	return strings.ToLower(strings.TrimSpace(symbol))
}

func (c *coinGeckoClient) rate(ctx context.Context, base, quote string) (oracle.Quote, error) {
	baseID := c.assetID(base)
	quoteID := c.assetID(quote)
	if baseID == "" || quoteID == "" {
		return oracle.Quote{}, fmt.Errorf("coingecko: unmapped pair %s", pairLabel(base, quote))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		return oracle.Quote{}, err
	}
	values := url.Values{}
	values.Set("ids", baseID+","+quoteID)
	values.Set("vs_currencies", coinGeckoVsCurrency)
	values.Set("include_last_updated_at", "true")
	req.URL.RawQuery = values.Encode()
	if c.apiKey != "" {
		req.Header.Set("x-cg-pro-api-key", c.apiKey)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return oracle.Quote{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return oracle.Quote{}, fmt.Errorf("coingecko: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	decoder := json.NewDecoder(resp.Body)
	decoder.UseNumber()
	var payload map[string]map[string]any
	if err := decoder.Decode(&payload); err != nil {
		return oracle.Quote{}, fmt.Errorf("coingecko: decode: %w", err)
	}
	basePrice, baseTs, err := entryPrice(payload, baseID)
	if err != nil {
		return oracle.Quote{}, err
	}
	quotePrice, quoteTs, err := entryPrice(payload, quoteID)
	if err != nil {
		return oracle.Quote{}, err
	}
	ts := baseTs
	if quoteTs.Before(ts) {
		ts = quoteTs
	}
	if ts.IsZero() {
		ts = c.now()
	}
	return oracle.Quote{Rate: new(big.Rat).Quo(basePrice, quotePrice), Timestamp: ts}, nil
}

func entryPrice(payload map[string]map[string]any, id string) (*big.Rat, time.Time, error) {
	entry, ok := payload[id]
	if !ok {
		return nil, time.Time{}, fmt.Errorf("coingecko: quote missing for %s", id)
	}
	priceStr := strings.TrimSpace(numberString(entry[coinGeckoVsCurrency]))
	if priceStr == "" {
		return nil, time.Time{}, fmt.Errorf("coingecko: empty price for %s", id)
	}
	rate, ok := new(big.Rat).SetString(priceStr)
	if !ok || rate.Sign() <= 0 {
		return nil, time.Time{}, fmt.Errorf("coingecko: invalid rate %q for %s", priceStr, id)
	}
	var ts time.Time
	if raw := numberString(entry["last_updated_at"]); raw != "" {
		if parsed, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64); err == nil && parsed > 0 {
			ts = time.Unix(parsed, 0)
		}
	}
	return rate, ts, nil
}

func numberString(raw any) string {
	switch v := raw.(type) {
	case nil:
		return ""
	case json.Number:
		return v.String()
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", v)
	}
}
