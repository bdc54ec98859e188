package creditswap

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"creditswap/observability"
)

// Event kinds emitted after an operation commits.
const (
	EventSwap          = "swap"
	EventLPDeposit     = "lp_deposit"
	EventLPWithdraw    = "lp_withdraw"
	EventFeesWithdrawn = "fees_withdrawn"
)

// Event describes a committed engine operation. Amount fields that do not
// apply to the kind are nil.
type Event struct {
	ID        string
	Kind      string
	Timestamp time.Time
	Caller    common.Address
	PairID    PairID
	TokenIn   common.Address
	TokenOut  common.Address
	Reverse   bool
	AmountIn  *big.Int
	AmountOut *big.Int
	Fee       *big.Int
	FeeBps    uint64
	Shares    *big.Int
}

// Attributes renders the event as flat string attributes for journals and
// exports.
func (ev Event) Attributes() map[string]string {
	attrs := map[string]string{
		"id":     ev.ID,
		"kind":   ev.Kind,
		"caller": ev.Caller.Hex(),
	}
	if ev.Kind == EventSwap {
		attrs["pair"] = ev.PairID.Hex()
		attrs["reverse"] = boolString(ev.Reverse)
		attrs["feeBps"] = new(big.Int).SetUint64(ev.FeeBps).String()
	}
	if ev.TokenIn != (common.Address{}) {
		attrs["tokenIn"] = ev.TokenIn.Hex()
	}
	if ev.TokenOut != (common.Address{}) {
		attrs["tokenOut"] = ev.TokenOut.Hex()
	}
	for key, value := range map[string]*big.Int{
		"amountIn":  ev.AmountIn,
		"amountOut": ev.AmountOut,
		"fee":       ev.Fee,
		"shares":    ev.Shares,
	} {
		if value != nil {
			attrs[key] = value.String()
		}
	}
	return attrs
}

func boolString(v bool) string {
	if v {
		return "true"
	}
	return "false"
}

// EventSink receives events of committed operations. Sink failures are
// logged and never roll back the operation.
type EventSink interface {
	Emit(ctx context.Context, event Event) error
}

// Sinks fans an event out to every sink and joins their failures.
type Sinks []EventSink

// Emit implements EventSink.
func (s Sinks) Emit(ctx context.Context, event Event) error {
	var errs []error
	for _, sink := range s {
		if sink == nil {
			continue
		}
		if err := sink.Emit(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) newEvent(kind string, caller common.Address) Event {
	return Event{
		ID:        uuid.NewString(),
		Kind:      kind,
		Timestamp: e.clock().UTC(),
		Caller:    caller,
	}
}

func (e *Engine) emit(ctx context.Context, events []Event) {
	for _, ev := range events {
		observability.Events().RecordEvent(ev.Kind)
		if e.sink == nil {
			continue
		}
		if err := e.sink.Emit(ctx, ev); err != nil {
			observability.Events().RecordDropped(ev.Kind)
			e.logger.Warn("creditswap event sink failed", "kind", ev.Kind, "id", ev.ID, "error", err)
		}
	}
}
