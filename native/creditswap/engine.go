package creditswap

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"creditswap/observability"
	nativecommon "creditswap/native/common"
	"creditswap/storage"
)

const moduleName = "creditswap"

// Engine is the credit-based instant swap engine. State-mutating operations
// are serialised and atomic: on failure neither the engine state nor any
// Reverter collaborator retains partial effects.
type Engine struct {
	mu sync.Mutex
	// owner is the goroutine holding mu, zero when idle.
	owner    atomic.Uint64
	cfgMu    sync.RWMutex
	cfg      Config
	address  common.Address
	state    State
	facility LendingFacility
	bank     Bank
	pauses   nativecommon.PauseView
	sink     EventSink
	clock    func() time.Time
	logger   *slog.Logger
	metrics  *observability.CreditSwapMetrics
	tracer   trace.Tracer

	persisters []Persister
}

// Unit is the handle an extension receives while it runs inside an engine
// operation.
type Unit interface {
	// OnRollback registers undo to run if the operation fails.
	OnRollback(undo func())
}

// Persister is a collaborator whose records are written in the same batch as
// the engine state. ChangesFlushed follows every successful commit.
type Persister interface {
	StageChanges(w storage.Writer) error
	ChangesFlushed()
}

// Option customises an Engine.
type Option func(*Engine)

// WithClock overrides the engine clock for deterministic tests.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithPauses wires an external module pause view.
func WithPauses(p nativecommon.PauseView) Option {
	return func(e *Engine) { e.pauses = p }
}

// WithEventSink installs a sink receiving committed operation events.
func WithEventSink(sink EventSink) Option {
	return func(e *Engine) { e.sink = sink }
}

// WithLogger installs a structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithPersisters commits the records of p together with the engine state.
func WithPersisters(p ...Persister) Option {
	return func(e *Engine) {
		for _, persister := range p {
			if persister != nil {
				e.persisters = append(e.persisters, persister)
			}
		}
	}
}

// NewEngine constructs an engine operating from the module account address.
func NewEngine(address common.Address, cfg Config, state State, facility LendingFacility, bank Bank, opts ...Option) (*Engine, error) {
	if address == (common.Address{}) {
		return nil, ErrZeroAddress
	}
	if state == nil {
		return nil, ErrNilState
	}
	if facility == nil || bank == nil {
		return nil, fmt.Errorf("creditswap: lending facility and bank required")
	}
	if cfg.Pairs == nil {
		cfg.Pairs = make(map[PairID]PairConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:      cfg.clone(),
		address:  address,
		state:    state,
		facility: facility,
		bank:     bank,
		clock:    time.Now,
		logger:   slog.Default().With("module", moduleName),
		metrics:  observability.CreditSwap(),
		tracer:   otel.Tracer("creditswap"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e, nil
}

// Address returns the engine's module account.
func (e *Engine) Address() common.Address { return e.address }

// Config returns a copy of the current configuration.
func (e *Engine) Config() Config {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return e.cfg.clone()
}

type operationKey struct{}

func inOperation(ctx context.Context, e *Engine) bool {
	owner, ok := ctx.Value(operationKey{}).(*Engine)
	return ok && owner == e
}

// goroutineID parses the running goroutine's id from its stack header.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	fields := bytes.Fields(buf[:n])
	if len(fields) < 2 {
		return 0
	}
	id, _ := strconv.ParseUint(string(fields[1]), 10, 64)
	return id
}

// execute runs fn as one atomic unit of work. A call made from inside a
// running operation is rejected with ErrReentrancy, whether it carries the
// operation context or not.
func (e *Engine) execute(ctx context.Context, op string, fn func(ctx context.Context, tx *txState) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	gid := goroutineID()
	if inOperation(ctx, e) || (gid != 0 && e.owner.Load() == gid) {
		return ErrReentrancy
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.owner.Store(gid)
	defer e.owner.Store(0)

	start := e.clock()
	ctx, span := e.tracer.Start(context.WithValue(ctx, operationKey{}, e), "creditswap."+op)
	defer span.End()

	snapshots := e.snapshotCollaborators()
	tx := newTxState(e.state)
	err := fn(ctx, tx)
	if err == nil {
		err = e.verify(tx)
	}
	if err == nil {
		err = e.commit(tx)
	}
	if err != nil {
		e.revertCollaborators(snapshots)
		tx.rollback()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String("error.class", Classify(err).String()))
		e.metrics.Observe(op, e.clock().Sub(start), err)
		if Classify(err) == ClassIntegrity {
			e.logger.Warn("creditswap operation rejected", "operation", op, "error", err)
		}
		return err
	}
	e.releaseCollaborators(snapshots)
	span.SetStatus(codes.Ok, op+" committed")
	e.metrics.Observe(op, e.clock().Sub(start), nil)
	for _, pair := range tx.dirtyPairs() {
		e.metrics.RecordPair(pair.TokenIn.Hex()+"/"+pair.TokenOut.Hex(), pair.OutstandingDebt, pair.Imbalance)
	}
	e.emit(ctx, tx.events)
	return nil
}

// Atomic runs fn as an engine unit of work: its bank and lending effects are
// serialised with every other operation and roll back together with the
// engine state when fn fails.
func (e *Engine) Atomic(ctx context.Context, op string, fn func(ctx context.Context, u Unit) error) error {
	if fn == nil {
		return nil
	}
	return e.execute(ctx, op, func(ctx context.Context, tx *txState) error {
		return fn(ctx, tx)
	})
}

// commit writes the operation's records and the persisters' pending changes
// in one state commit.
func (e *Engine) commit(tx *txState) error {
	set := tx.changes()
	for _, p := range e.persisters {
		set.Stage = append(set.Stage, p.StageChanges)
	}
	if err := e.state.Commit(set); err != nil {
		return fmt.Errorf("creditswap: commit: %w", err)
	}
	for _, p := range e.persisters {
		p.ChangesFlushed()
	}
	return nil
}

type collaboratorSnapshot struct {
	target Reverter
	id     int
}

// snapshotReleaser is implemented by collaborators that keep an undo journal
// until the outermost snapshot is released.
type snapshotReleaser interface {
	ReleaseSnapshot(id int)
}

func (e *Engine) snapshotCollaborators() []collaboratorSnapshot {
	var out []collaboratorSnapshot
	seen := make(map[Reverter]bool, 2)
	for _, c := range []any{e.bank, e.facility} {
		r, ok := c.(Reverter)
		if !ok || seen[r] {
			continue
		}
		seen[r] = true
		out = append(out, collaboratorSnapshot{target: r, id: r.Snapshot()})
	}
	return out
}

func (e *Engine) revertCollaborators(snapshots []collaboratorSnapshot) {
	for i := len(snapshots) - 1; i >= 0; i-- {
		snapshots[i].target.RevertToSnapshot(snapshots[i].id)
	}
}

func (e *Engine) releaseCollaborators(snapshots []collaboratorSnapshot) {
	for i := len(snapshots) - 1; i >= 0; i-- {
		if r, ok := snapshots[i].target.(snapshotReleaser); ok {
			r.ReleaseSnapshot(snapshots[i].id)
		}
	}
}

// verify enforces non-negativity of every touched record and balance
// conservation for every touched asset against the bank.
func (e *Engine) verify(tx *txState) error {
	for _, pair := range tx.dirtyPairs() {
		if pair.HeldBalance.Sign() < 0 || pair.OutstandingDebt.Sign() < 0 {
			return fmt.Errorf("%w: pair %s", ErrNegativeBalance, pair.ID.Hex())
		}
	}
	for _, token := range tx.dirtyTokens() {
		if err := checkToken(token); err != nil {
			return err
		}
		balance := e.bank.BalanceOf(token.Asset, e.address)
		if balance == nil || balance.Cmp(token.accountedBalance()) != 0 {
			return fmt.Errorf("%w: asset %s holds %s, accounted %s", ErrInvariantBreach, token.Asset.Hex(), balance, token.accountedBalance())
		}
	}
	return nil
}

func checkToken(token *TokenState) error {
	fields := map[string]*big.Int{
		"localLiquidity":       token.LocalLiquidity,
		"totalHeldBalance":     token.TotalHeldBalance,
		"lpFeeReserve":         token.LPFeeReserve,
		"interestReserve":      token.InterestReserve,
		"protocolFees":         token.ProtocolFees,
		"totalShares":          token.TotalShares,
		"externalSupplyShares": token.ExternalSupplyShares,
	}
	for name, value := range fields {
		if value.Sign() < 0 {
			return fmt.Errorf("%w: %s of %s", ErrNegativeBalance, name, token.Asset.Hex())
		}
	}
	for id, shares := range token.BorrowShares {
		if shares.Sign() < 0 {
			return fmt.Errorf("%w: borrow shares of %s in %s", ErrNegativeBalance, token.Asset.Hex(), id.Hex())
		}
	}
	return nil
}

func (e *Engine) guard() error {
	e.cfgMu.RLock()
	paused := e.cfg.Paused
	e.cfgMu.RUnlock()
	if paused {
		return ErrPaused
	}
	return nativecommon.Guard(e.pauses, moduleName)
}

func (e *Engine) now() int64 { return e.clock().Unix() }
