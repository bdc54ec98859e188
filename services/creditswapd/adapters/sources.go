package adapters

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"creditswap/services/creditswapd/oracle"
)

// Registry constructs oracle sources based on configuration.
type Registry struct {
	HTTPClient HTTPDoer
	Now        func() time.Time
}

// HTTPDoer abstracts http.Client for ease of testing.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// NewRegistry builds a registry with sane defaults.
func NewRegistry() *Registry {
	return &Registry{HTTPClient: &http.Client{Timeout: 10 * time.Second}, Now: time.Now}
}

// Spec is the source configuration understood by Build.
type Spec struct {
	Name     string
	Type     string
	Endpoint string
	APIKey   string
	// Assets maps symbols to provider identifiers.
	Assets map[string]string
	// Rates holds fixed "BASE/QUOTE" rates for the static source.
	Rates map[string]string
}

// Build creates a source from the supplied configuration.
func (r *Registry) Build(spec Spec) (oracle.Source, error) {
	switch strings.ToLower(strings.TrimSpace(spec.Type)) {
	case "static":
		return newStaticSource(label(spec.Name, "static"), spec.Rates, r.now())
	case "coingecko":
		return newCoinGeckoSource(r.client(), label(spec.Name, "coingecko"), spec.Endpoint, spec.APIKey, spec.Assets, r.now()), nil
	default:
		return nil, fmt.Errorf("unknown oracle type %q", spec.Type)
	}
}

func (r *Registry) client() HTTPDoer {
	if r.HTTPClient != nil {
		return r.HTTPClient
	}
	return &http.Client{Timeout: 10 * time.Second}
}

func (r *Registry) now() func() time.Time {
	if r.Now != nil {
		return r.Now
	}
	return time.Now
}

type sourceAdapter struct {
	name  string
	fetch func(ctx context.Context, base, quote string) (oracle.Quote, error)
}

func (s *sourceAdapter) Name() string { return s.name }

func (s *sourceAdapter) Fetch(ctx context.Context, base, quote string) (oracle.Quote, error) {
	return s.fetch(ctx, base, quote)
}

// newStaticSource serves operator-configured rates stamped with the current
// time. It backs test networks and pegged pairs.
func newStaticSource(name string, rates map[string]string, now func() time.Time) (oracle.Source, error) {
	parsed := make(map[string]*big.Rat, len(rates))
	for pair, raw := range rates {
		base, quote, ok := strings.Cut(pair, "/")
		if !ok {
			return nil, fmt.Errorf("static source %s: pair %q must be BASE/QUOTE", name, pair)
		}
		rate, ok := new(big.Rat).SetString(strings.TrimSpace(raw))
		if !ok || rate.Sign() <= 0 {
			return nil, fmt.Errorf("static source %s: invalid rate %q for %s", name, raw, pair)
		}
		parsed[pairLabel(base, quote)] = rate
	}
	return &sourceAdapter{name: name, fetch: func(_ context.Context, base, quote string) (oracle.Quote, error) {
		rate, ok := parsed[pairLabel(base, quote)]
		if !ok {
			return oracle.Quote{}, fmt.Errorf("static source %s: no rate for %s", name, pairLabel(base, quote))
		}
		return oracle.Quote{Rate: new(big.Rat).Set(rate), Timestamp: now(), Source: name}, nil
	}}, nil
}

func newCoinGeckoSource(client HTTPDoer, name, endpoint, apiKey string, assets map[string]string, now func() time.Time) oracle.Source {
	cg := newCoinGeckoClient(client, endpoint, apiKey, assets, now)
	return &sourceAdapter{name: name, fetch: func(ctx context.Context, base, quote string) (oracle.Quote, error) {
		q, err := cg.rate(ctx, base, quote)
		if err != nil {
			return oracle.Quote{}, err
		}
		q.Source = name
		return q, nil
	}}
}

func pairLabel(base, quote string) string {
	return normaliseSymbol(base) + "/" + normaliseSymbol(quote)
}

func normaliseSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

func label(name, fallback string) string {
	trimmed := strings.TrimSpace(name)
	if trimmed != "" {
		return trimmed
	}
	return fallback
}
