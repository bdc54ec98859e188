package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	_ "github.com/glebarez/sqlite"

	"creditswap/native/creditswap"
)

// Storage wraps the creditswapd persistence layer.
type Storage struct {
	db *sql.DB
}

var (
	// ErrPathRequired is returned when the backing store path is missing.
	ErrPathRequired = errors.New("creditswapd storage path must be configured")
	// ErrNotFound is returned when a lookup has no matching row.
	ErrNotFound = errors.New("creditswapd storage: not found")
)

const schema = `
CREATE TABLE IF NOT EXISTS oracle_samples (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    pair TEXT NOT NULL,
    source TEXT NOT NULL,
    rate TEXT NOT NULL,
    observed_at INTEGER NOT NULL,
    recorded_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_oracle_samples_pair ON oracle_samples(pair, observed_at);
CREATE TABLE IF NOT EXISTS oracle_snapshots (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    pair TEXT NOT NULL,
    median_rate TEXT NOT NULL,
    feeders TEXT NOT NULL,
    proof_id TEXT NOT NULL,
    observed_at INTEGER NOT NULL,
    recorded_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_oracle_snapshots_pair ON oracle_snapshots(pair, id);
CREATE TABLE IF NOT EXISTS swap_events (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL UNIQUE,
    kind TEXT NOT NULL,
    caller TEXT NOT NULL,
    pair TEXT NOT NULL,
    token_in TEXT NOT NULL,
    token_out TEXT NOT NULL,
    reverse INTEGER NOT NULL,
    amount_in TEXT NOT NULL,
    amount_out TEXT NOT NULL,
    fee TEXT NOT NULL,
    fee_bps INTEGER NOT NULL,
    shares TEXT NOT NULL,
    occurred_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_swap_events_kind ON swap_events(kind, occurred_at);
`

// Open initialises the backing store using a sqlite-compatible DSN.
func Open(dsn string) (*Storage, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, ErrPathRequired
	}
	db, err := sql.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Storage{db: db}, nil
}

// Close releases database resources.
func (s *Storage) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// RecordSample persists a raw oracle quote.
func (s *Storage) RecordSample(ctx context.Context, base, quote, source string, rate *big.Rat, observed, recorded time.Time) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	if rate == nil {
		return fmt.Errorf("quote missing rate")
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO oracle_samples(pair, source, rate, observed_at, recorded_at)
        VALUES(?, ?, ?, ?, ?)
    `, PairKey(base, quote), strings.ToLower(source), rate.FloatString(18), observed.UTC().Unix(), recorded.UTC())
	if err != nil {
		return fmt.Errorf("insert sample: %w", err)
	}
	return nil
}

// RecordSnapshot stores the aggregated median snapshot.
func (s *Storage) RecordSnapshot(ctx context.Context, base, quote, median string, feeders []string, proofID string, ts time.Time) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO oracle_snapshots(pair, median_rate, feeders, proof_id, observed_at, recorded_at)
        VALUES(?, ?, ?, ?, ?, ?)
    `, PairKey(base, quote), strings.TrimSpace(median), strings.Join(feeders, ","), proofID, ts.UTC().Unix(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

// LatestSnapshot returns the most recent aggregated median for the pair.
func (s *Storage) LatestSnapshot(ctx context.Context, base, quote string) (Snapshot, error) {
	result := Snapshot{}
	if s == nil {
		return result, fmt.Errorf("storage not configured")
	}
	row := s.db.QueryRowContext(ctx, `
        SELECT median_rate, feeders, proof_id, observed_at, recorded_at
        FROM oracle_snapshots
        WHERE pair = ?
        ORDER BY id DESC
        LIMIT 1
    `, PairKey(base, quote))
	var feeders string
	if err := row.Scan(&result.MedianRate, &feeders, &result.ProofID, &result.ObservedAtUnix, &result.RecordedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return result, ErrNotFound
		}
		return result, fmt.Errorf("query snapshot: %w", err)
	}
	if feeders != "" {
		result.Feeders = strings.Split(feeders, ",")
	}
	return result, nil
}

// Snapshot captures the latest oracle aggregate.
type Snapshot struct {
	MedianRate     string
	Feeders        []string
	ProofID        string
	ObservedAtUnix int64
	RecordedAt     time.Time
}

// Emit journals a committed engine event. It satisfies creditswap.EventSink.
func (s *Storage) Emit(ctx context.Context, ev creditswap.Event) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	if strings.TrimSpace(ev.ID) == "" {
		return fmt.Errorf("event id required")
	}
	reverse := 0
	if ev.Reverse {
		reverse = 1
	}
	pair := ""
	if ev.PairID != (creditswap.PairID{}) {
		pair = ev.PairID.Hex()
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO swap_events(id, kind, caller, pair, token_in, token_out, reverse, amount_in, amount_out, fee, fee_bps, shares, occurred_at)
        VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    `, ev.ID, ev.Kind, ev.Caller.Hex(), pair, addressText(ev.TokenIn), addressText(ev.TokenOut), reverse,
		amountText(ev.AmountIn), amountText(ev.AmountOut), amountText(ev.Fee), int64(ev.FeeBps), amountText(ev.Shares),
		ev.Timestamp.UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// EventFilter narrows ListEvents. Zero values match everything.
type EventFilter struct {
	Kind  string
	Since time.Time
	Until time.Time
	Limit int
}

// ListEvents returns journaled events in commit order.
func (s *Storage) ListEvents(ctx context.Context, filter EventFilter) ([]creditswap.Event, error) {
	if s == nil {
		return nil, fmt.Errorf("storage not configured")
	}
	query := `
        SELECT id, kind, caller, pair, token_in, token_out, reverse, amount_in, amount_out, fee, fee_bps, shares, occurred_at
        FROM swap_events
        WHERE 1 = 1`
	args := make([]any, 0, 4)
	if kind := strings.TrimSpace(filter.Kind); kind != "" {
		query += " AND kind = ?"
		args = append(args, kind)
	}
	if !filter.Since.IsZero() {
		query += " AND occurred_at >= ?"
		args = append(args, filter.Since.UTC().UnixNano())
	}
	if !filter.Until.IsZero() {
		query += " AND occurred_at < ?"
		args = append(args, filter.Until.UTC().UnixNano())
	}
	query += " ORDER BY seq ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []creditswap.Event
	for rows.Next() {
		var ev creditswap.Event
		var caller, pair, tokenIn, tokenOut string
		var amountIn, amountOut, fee, shares string
		var reverse int
		var feeBps, occurred int64
		if err := rows.Scan(&ev.ID, &ev.Kind, &caller, &pair, &tokenIn, &tokenOut, &reverse, &amountIn, &amountOut, &fee, &feeBps, &shares, &occurred); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Caller = common.HexToAddress(caller)
		if pair != "" {
			ev.PairID = common.HexToHash(pair)
		}
		if tokenIn != "" {
			ev.TokenIn = common.HexToAddress(tokenIn)
		}
		if tokenOut != "" {
			ev.TokenOut = common.HexToAddress(tokenOut)
		}
		ev.Reverse = reverse == 1
		ev.FeeBps = uint64(feeBps)
		ev.Timestamp = time.Unix(0, occurred).UTC()
		for _, field := range []struct {
			raw string
			dst **big.Int
		}{
			{amountIn, &ev.AmountIn},
			{amountOut, &ev.AmountOut},
			{fee, &ev.Fee},
			{shares, &ev.Shares},
		} {
			value, err := parseAmount(field.raw)
			if err != nil {
				return nil, fmt.Errorf("event %s: %w", ev.ID, err)
			}
			*field.dst = value
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// PairKey canonicalises an oracle pair label.
func PairKey(base, quote string) string {
	b := strings.ToUpper(strings.TrimSpace(base))
	q := strings.ToUpper(strings.TrimSpace(quote))
	if b == "" && q == "" {
		return ""
	}
	return b + "/" + q
}

func addressText(addr common.Address) string {
	if addr == (common.Address{}) {
		return ""
	}
	return addr.Hex()
}

func amountText(v *big.Int) string {
	if v == nil {
		return ""
	}
	return v.String()
}

func parseAmount(raw string) (*big.Int, error) {
	if raw == "" {
		return nil, nil
	}
	value, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	return value, nil
}
