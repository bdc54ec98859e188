package redemption

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"creditswap/native/creditswap"
	"creditswap/observability"
)

const bpsScale = 10_000

var (
	ErrInvalidSchedule   = errors.New("redemption: invalid surcharge schedule")
	ErrInvalidRequest    = errors.New("redemption: invalid request")
	ErrAmountTooSmall    = errors.New("redemption: amount does not cover surcharge")
	ErrUnknownSettlement = errors.New("redemption: unknown settlement")
	ErrNotPending        = errors.New("redemption: settlement is not pending")
)

// Engine runs the desk's bank movements inside engine units of work, so a
// surcharge commits or rolls back together with the swap it belongs to and
// never interleaves with other engine operations.
type Engine interface {
	SwapWith(ctx context.Context, req creditswap.SwapRequest, hooks creditswap.SwapHooks) (*creditswap.SwapResult, error)
	Atomic(ctx context.Context, op string, fn func(ctx context.Context, u creditswap.Unit) error) error
}

// Bank moves surcharges.
type Bank interface {
	Transfer(ctx context.Context, token, from, to common.Address, amount *big.Int) error
}

// Config configures a Desk. Address holds surcharges of pending redemptions;
// Treasury receives them on settlement.
type Config struct {
	Address  common.Address
	Treasury common.Address
	Tiers    []Tier
}

// Request asks the desk to redeem AmountIn of TokenIn into TokenOut.
type Request struct {
	Caller       common.Address
	TokenIn      common.Address
	TokenOut     common.Address
	AmountIn     *big.Int
	MinAmountOut *big.Int
	Reference    string
}

// Desk charges a tiered surcharge on top of the engine's swap fee and tracks
// each redemption until it is settled or aborted. The swap itself is final
// once Redeem returns.
type Desk struct {
	address  common.Address
	treasury common.Address
	engine   Engine
	bank     Bank
	schedule *Schedule
	ledger   *ledger
	clock    func() time.Time
	logger   *slog.Logger
	metrics  *observability.RedemptionMetrics
	tracer   trace.Tracer
}

// NewDesk constructs a desk. Empty cfg.Tiers selects DefaultTiers.
func NewDesk(cfg Config, engine Engine, bank Bank, store Storage) (*Desk, error) {
	if cfg.Address == (common.Address{}) || cfg.Treasury == (common.Address{}) {
		return nil, fmt.Errorf("%w: desk and treasury addresses required", ErrInvalidRequest)
	}
	if engine == nil || bank == nil || store == nil {
		return nil, fmt.Errorf("redemption: engine, bank and storage required")
	}
	tiers := cfg.Tiers
	if len(tiers) == 0 {
		tiers = DefaultTiers()
	}
	schedule, err := NewSchedule(tiers)
	if err != nil {
		return nil, err
	}
	return &Desk{
		address:  cfg.Address,
		treasury: cfg.Treasury,
		engine:   engine,
		bank:     bank,
		schedule: schedule,
		ledger:   &ledger{store: store},
		clock:    time.Now,
		logger:   slog.Default().With("module", "redemption"),
		metrics:  observability.Redemption(),
		tracer:   otel.Tracer("redemption"),
	}, nil
}

// SetClock overrides the wall-clock used for timestamping settlements.
func (d *Desk) SetClock(clock func() time.Time) {
	if d == nil || clock == nil {
		return
	}
	d.clock = clock
}

// SetLogger installs a structured logger.
func (d *Desk) SetLogger(logger *slog.Logger) {
	if d == nil || logger == nil {
		return
	}
	d.logger = logger
}

// Schedule returns the active surcharge schedule.
func (d *Desk) Schedule() *Schedule { return d.schedule }

// Redeem collects the surcharge, swaps the remainder and records a pending
// settlement, all in one engine unit of work. A failed swap returns the
// surcharge and leaves no record.
func (d *Desk) Redeem(ctx context.Context, req Request) (*Settlement, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	bps, surcharge := d.schedule.Surcharge(req.AmountIn)
	swapAmount := new(big.Int).Sub(req.AmountIn, surcharge)
	if swapAmount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: surcharge %s on %s", ErrAmountTooSmall, surcharge, req.AmountIn)
	}

	ctx, span := d.tracer.Start(ctx, "redemption.redeem", trace.WithAttributes(
		attribute.String("token_in", req.TokenIn.Hex()),
		attribute.String("token_out", req.TokenOut.Hex()),
		attribute.Int64("surcharge_bps", int64(bps)),
	))
	defer span.End()

	var settlement *Settlement
	_, err := d.engine.SwapWith(ctx, creditswap.SwapRequest{
		Caller:       req.Caller,
		TokenIn:      req.TokenIn,
		TokenOut:     req.TokenOut,
		AmountIn:     swapAmount,
		MinAmountOut: req.MinAmountOut,
	}, creditswap.SwapHooks{
		Before: func(ctx context.Context, _ creditswap.Unit) error {
			if surcharge.Sign() == 0 {
				return nil
			}
			if err := d.bank.Transfer(ctx, req.TokenIn, req.Caller, d.address, surcharge); err != nil {
				return fmt.Errorf("collect surcharge: %w", err)
			}
			return nil
		},
		After: func(_ context.Context, u creditswap.Unit, result *creditswap.SwapResult) error {
			settlement = &Settlement{
				ID:           uuid.NewString(),
				Caller:       req.Caller,
				TokenIn:      req.TokenIn,
				TokenOut:     req.TokenOut,
				AmountIn:     new(big.Int).Set(req.AmountIn),
				SurchargeBps: bps,
				Surcharge:    surcharge,
				SwapAmount:   swapAmount,
				AmountOut:    new(big.Int).Set(result.AmountOut),
				SwapFee:      new(big.Int).Set(result.Fee),
				Reference:    strings.TrimSpace(req.Reference),
				Status:       StatusPending,
				CreatedAt:    d.clock().UTC().Unix(),
			}
			if err := d.ledger.create(settlement); err != nil {
				return fmt.Errorf("record settlement %s: %w", settlement.ID, err)
			}
			id := settlement.ID
			u.OnRollback(func() {
				if err := d.ledger.remove(id); err != nil {
					d.logger.Error("redemption settlement not withdrawn after rollback", "id", id, "error", err)
				}
			})
			return nil
		},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("redemption: redeem: %w", err)
	}
	d.metrics.RecordSettlement(StatusPending)
	d.metrics.RecordSurcharge(req.TokenIn.Hex(), surcharge)
	span.SetAttributes(attribute.String("settlement_id", settlement.ID))
	return settlement.Copy(), nil
}

// Settle closes a pending redemption and forwards its surcharge to the
// treasury.
func (d *Desk) Settle(ctx context.Context, id string) (*Settlement, error) {
	return d.close(ctx, id, StatusSettled, "", func(*Settlement) common.Address {
		return d.treasury
	})
}

// Abort closes a pending redemption and refunds its surcharge to the caller.
// The executed swap is not unwound.
func (d *Desk) Abort(ctx context.Context, id, reason string) (*Settlement, error) {
	return d.close(ctx, id, StatusAborted, strings.TrimSpace(reason), func(s *Settlement) common.Address {
		return s.Caller
	})
}

// close runs inside an engine unit of work, which also serialises concurrent
// closes of the same settlement.
func (d *Desk) close(ctx context.Context, id, status, reason string, recipient func(*Settlement) common.Address) (*Settlement, error) {
	var closed *Settlement
	err := d.engine.Atomic(ctx, "redemption_"+status, func(ctx context.Context, u creditswap.Unit) error {
		settlement, ok, err := d.ledger.get(id)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownSettlement, id)
		}
		if settlement.Status != StatusPending {
			return fmt.Errorf("%w: %s is %s", ErrNotPending, id, settlement.Status)
		}
		prior := settlement.Copy()
		if settlement.Surcharge.Sign() > 0 {
			if err := d.bank.Transfer(ctx, settlement.TokenIn, d.address, recipient(settlement), settlement.Surcharge); err != nil {
				return fmt.Errorf("redemption: move surcharge: %w", err)
			}
		}
		settlement.Status = status
		settlement.Reason = reason
		settlement.ClosedAt = d.clock().UTC().Unix()
		if err := d.ledger.update(settlement); err != nil {
			return err
		}
		u.OnRollback(func() {
			if err := d.ledger.update(prior); err != nil {
				d.logger.Error("redemption settlement not restored after rollback", "id", id, "error", err)
			}
		})
		closed = settlement
		return nil
	})
	if err != nil {
		return nil, err
	}
	d.metrics.RecordSettlement(status)
	d.logger.Info("redemption closed", "id", id, "status", status)
	return closed.Copy(), nil
}

// Get returns the settlement with id.
func (d *Desk) Get(id string) (*Settlement, error) {
	settlement, ok, err := d.ledger.get(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSettlement, id)
	}
	return settlement, nil
}

// Pending lists redemptions awaiting settlement, oldest first.
func (d *Desk) Pending() ([]*Settlement, error) {
	return d.ledger.list(StatusPending)
}

// List returns every recorded settlement, oldest first.
func (d *Desk) List() ([]*Settlement, error) {
	return d.ledger.list("")
}

func validateRequest(req Request) error {
	if req.Caller == (common.Address{}) || req.TokenIn == (common.Address{}) || req.TokenOut == (common.Address{}) {
		return fmt.Errorf("%w: addresses required", ErrInvalidRequest)
	}
	if req.AmountIn == nil || req.AmountIn.Sign() <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}
	return nil
}
