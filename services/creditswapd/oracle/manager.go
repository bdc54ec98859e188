package oracle

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"creditswap/native/creditswap"
	"creditswap/observability"
	"creditswap/services/creditswapd/storage"
)

var (
	// ErrNoPrice is returned when no aggregate exists for a token pair.
	ErrNoPrice = errors.New("oracle: no price for pair")
	// ErrStalePrice is returned when the latest aggregate is older than the
	// configured maximum age.
	ErrStalePrice = errors.New("oracle: price is stale")
)

// Quote is a single upstream observation: one unit of base costs Rate quote.
type Quote struct {
	Rate      *big.Rat
	Timestamp time.Time
	Source    string
}

// Clone returns a deep copy of the quote.
func (q Quote) Clone() Quote {
	out := q
	if q.Rate != nil {
		out.Rate = new(big.Rat).Set(q.Rate)
	}
	return out
}

// Source resolves a price quote for a currency pair.
type Source interface {
	Name() string
	Fetch(ctx context.Context, base, quote string) (Quote, error)
}

// Publisher receives every committed aggregate.
type Publisher interface {
	PublishOracleUpdate(ctx context.Context, update Update) error
}

// Update models an aggregated median.
type Update struct {
	Base    string
	Quote   string
	Median  string
	Feeders []string
	ProofID string
	Time    time.Time
}

// Pair identifies a base/quote pair and the engine tokens it prices.
type Pair struct {
	Base       string
	Quote      string
	BaseToken  common.Address
	QuoteToken common.Address
}

type aggregate struct {
	median *big.Rat
	at     time.Time
}

// Manager orchestrates periodic aggregation across configured sources and
// serves the latest medians to the swap engine.
type Manager struct {
	logger    *slog.Logger
	storage   *storage.Storage
	sources   []Source
	pairs     []Pair
	minFeeds  int
	maxAge    time.Duration
	interval  time.Duration
	publisher Publisher
	clock     func() time.Time
	once      sync.Once

	mu     sync.RWMutex
	latest map[string]aggregate
}

var _ creditswap.PriceOracle = (*Manager)(nil)

// Option configures a Manager.
type Option func(*Manager)

// WithLogger installs a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithPublisher overrides the default publisher.
func WithPublisher(p Publisher) Option {
	return func(m *Manager) {
		m.publisher = p
	}
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) {
		m.clock = clock
	}
}

// New constructs a manager instance.
func New(store *storage.Storage, sources []Source, pairs []Pair, interval, maxAge time.Duration, minFeeds int, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("storage required")
	}
	if len(sources) == 0 {
		return nil, fmt.Errorf("at least one source required")
	}
	if len(pairs) == 0 {
		return nil, fmt.Errorf("at least one pair required")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("interval must be positive")
	}
	if maxAge <= 0 {
		maxAge = time.Minute
	}
	if minFeeds <= 0 {
		minFeeds = 1
	}
	mgr := &Manager{
		logger:   slog.Default(),
		storage:  store,
		sources:  append([]Source{}, sources...),
		pairs:    append([]Pair{}, pairs...),
		interval: interval,
		maxAge:   maxAge,
		minFeeds: minFeeds,
		clock:    time.Now,
		latest:   make(map[string]aggregate),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(mgr)
		}
	}
	if mgr.publisher == nil {
		mgr.publisher = PublisherFunc(func(context.Context, Update) error { return nil })
	}
	if mgr.logger == nil {
		mgr.logger = slog.Default()
	}
	return mgr, nil
}

// Hydrate loads the last persisted aggregate of every pair so prices are
// available before the first tick.
func (m *Manager) Hydrate(ctx context.Context) error {
	for _, pair := range m.pairs {
		snap, err := m.storage.LatestSnapshot(ctx, pair.Base, pair.Quote)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("hydrate %s/%s: %w", pair.Base, pair.Quote, err)
		}
		median, ok := new(big.Rat).SetString(snap.MedianRate)
		if !ok {
			return fmt.Errorf("hydrate %s/%s: invalid median %q", pair.Base, pair.Quote, snap.MedianRate)
		}
		m.store(pair.Base, pair.Quote, median, time.Unix(snap.ObservedAtUnix, 0))
	}
	return nil
}

// Run blocks, periodically polling upstream feeds until the context is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	if m == nil {
		return fmt.Errorf("manager not configured")
	}
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	m.once.Do(func() {
		m.logger.Info("creditswapd oracle manager started", "sources", len(m.sources), "pairs", len(m.pairs))
	})
	for {
		if err := m.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.logger.Warn("creditswapd oracle tick failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick performs a single aggregation cycle across all configured pairs. A
// failing pair does not stop the others; their errors are joined.
func (m *Manager) Tick(ctx context.Context) error {
	if m == nil {
		return fmt.Errorf("manager not configured")
	}
	var errs []error
	for _, pair := range m.pairs {
		if err := m.processPair(ctx, pair); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) processPair(ctx context.Context, pair Pair) error {
	base := strings.TrimSpace(pair.Base)
	quote := strings.TrimSpace(pair.Quote)
	if base == "" || quote == "" {
		return fmt.Errorf("invalid pair configuration")
	}
	now := m.clock()
	quotes := make([]Quote, 0, len(m.sources))
	feeders := make([]string, 0, len(m.sources))
	for _, src := range m.sources {
		if src == nil {
			continue
		}
		observed, err := src.Fetch(ctx, base, quote)
		if err != nil {
			observability.Oracle().RecordFailure(src.Name())
			m.logger.Warn("creditswapd oracle source failed", "source", src.Name(), "pair", storage.PairKey(base, quote), "error", err)
			continue
		}
		if observed.Rate == nil || observed.Rate.Sign() <= 0 {
			observability.Oracle().RecordFailure(src.Name())
			m.logger.Warn("creditswapd oracle source returned invalid rate", "source", src.Name())
			continue
		}
		if observed.Timestamp.After(now.Add(5 * time.Second)) {
			observability.Oracle().RecordFailure(src.Name())
			m.logger.Warn("creditswapd oracle source produced future timestamp", "source", src.Name())
			continue
		}
		if observed.Timestamp.Before(now.Add(-m.maxAge)) {
			observability.Oracle().RecordFailure(src.Name())
			m.logger.Warn("creditswapd oracle source quote expired", "source", src.Name())
			continue
		}
		observability.Oracle().RecordSample(src.Name())
		feeders = append(feeders, src.Name())
		quotes = append(quotes, observed.Clone())
		if err := m.storage.RecordSample(ctx, base, quote, src.Name(), observed.Rate, observed.Timestamp, now); err != nil {
			m.logger.Warn("creditswapd oracle record sample failed", "error", err)
		}
	}
	if len(quotes) < m.minFeeds {
		return fmt.Errorf("insufficient oracle feeds for %s/%s: %d < %d", base, quote, len(quotes), m.minFeeds)
	}
	median := computeMedian(quotes)
	if median == nil || median.Sign() <= 0 {
		return fmt.Errorf("median computation failed for %s/%s", base, quote)
	}
	proof := proofID(base, quote, feeders, now)
	medianStr := median.FloatString(18)
	if err := m.storage.RecordSnapshot(ctx, base, quote, medianStr, feeders, proof, now); err != nil {
		return fmt.Errorf("record snapshot: %w", err)
	}
	m.store(base, quote, median, now)
	update := Update{Base: base, Quote: quote, Median: medianStr, Feeders: feeders, ProofID: proof, Time: now}
	if err := m.publisher.PublishOracleUpdate(ctx, update); err != nil {
		return fmt.Errorf("publish update: %w", err)
	}
	return nil
}

func (m *Manager) store(base, quote string, median *big.Rat, at time.Time) {
	m.mu.Lock()
	m.latest[storage.PairKey(base, quote)] = aggregate{median: new(big.Rat).Set(median), at: at}
	m.mu.Unlock()
}

// Median returns the latest aggregate of the symbol pair and its timestamp.
func (m *Manager) Median(base, quote string) (*big.Rat, time.Time, bool) {
	m.mu.RLock()
	agg, ok := m.latest[storage.PairKey(base, quote)]
	m.mu.RUnlock()
	if !ok {
		return nil, time.Time{}, false
	}
	return new(big.Rat).Set(agg.median), agg.at, true
}

// Price returns the price of tokenIn denominated in tokenOut scaled by
// creditswap.PriceScale. Pairs configured in the opposite direction are
// inverted.
func (m *Manager) Price(_ context.Context, tokenIn, tokenOut common.Address) (*big.Int, error) {
	for _, pair := range m.pairs {
		var inverse bool
		switch {
		case pair.BaseToken == tokenIn && pair.QuoteToken == tokenOut:
		case pair.BaseToken == tokenOut && pair.QuoteToken == tokenIn:
			inverse = true
		default:
			continue
		}
		median, at, ok := m.Median(pair.Base, pair.Quote)
		if !ok {
			return nil, fmt.Errorf("%w: %s/%s", ErrNoPrice, pair.Base, pair.Quote)
		}
		age := m.clock().Sub(at)
		observability.Oracle().RecordFreshness(storage.PairKey(pair.Base, pair.Quote), age)
		if age > m.maxAge {
			return nil, fmt.Errorf("%w: %s/%s aged %s", ErrStalePrice, pair.Base, pair.Quote, age.Round(time.Second))
		}
		if inverse {
			median.Inv(median)
		}
		return scalePrice(median), nil
	}
	return nil, fmt.Errorf("%w: %s/%s", ErrNoPrice, tokenIn.Hex(), tokenOut.Hex())
}

func scalePrice(rate *big.Rat) *big.Int {
	scaled := new(big.Int).Mul(rate.Num(), creditswap.PriceScale)
	return scaled.Quo(scaled, rate.Denom())
}

func computeMedian(quotes []Quote) *big.Rat {
	if len(quotes) == 0 {
		return nil
	}
	sorted := make([]*big.Rat, 0, len(quotes))
	for _, q := range quotes {
		if q.Rate == nil {
			continue
		}
		sorted = append(sorted, new(big.Rat).Set(q.Rate))
	}
	if len(sorted) == 0 {
		return nil
	}
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Cmp(sorted[j]) < 0
	})
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return new(big.Rat).Set(sorted[mid])
	}
	sum := new(big.Rat).Add(sorted[mid-1], sorted[mid])
	return sum.Quo(sum, big.NewRat(2, 1))
}

func proofID(base, quote string, feeders []string, ts time.Time) string {
	digest := sha256.New()
	digest.Write([]byte(storage.PairKey(base, quote)))
	digest.Write([]byte(ts.UTC().Format(time.RFC3339Nano)))
	sorted := append([]string{}, feeders...)
	sort.Strings(sorted)
	for _, f := range sorted {
		digest.Write([]byte(strings.ToLower(strings.TrimSpace(f))))
	}
	return hex.EncodeToString(digest.Sum(nil))
}

// PublisherFunc adapts ordinary functions to Publisher.
type PublisherFunc func(ctx context.Context, update Update) error

// PublishOracleUpdate implements Publisher.
func (f PublisherFunc) PublishOracleUpdate(ctx context.Context, update Update) error {
	if f == nil {
		return nil
	}
	return f(ctx, update)
}
