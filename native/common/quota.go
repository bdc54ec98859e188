package common

import (
	"errors"
	"math"
	"math/big"
	"sync"
	"time"
)

var (
	ErrQuotaRequestsExceeded = errors.New("quota requests exceeded")
	ErrQuotaVolumeExceeded   = errors.New("quota volume cap exceeded")
	ErrQuotaCounterOverflow  = errors.New("quota counter overflow")
)

// QuotaNow captures the current quota usage counters for a caller.
type QuotaNow struct {
	ReqCount uint32
	Volume   *big.Int
	EpochID  uint64
}

// Quota defines the limits enforced per caller and epoch. Zero limits are
// unlimited.
type Quota struct {
	MaxRequestsPerEpoch uint32
	MaxVolumePerEpoch   *big.Int
	EpochSeconds        uint32
}

// Epoch returns the epoch index containing now.
func (q Quota) Epoch(now time.Time) uint64 {
	seconds := int64(q.EpochSeconds)
	if seconds <= 0 {
		seconds = 60
	}
	unix := now.Unix()
	if unix < 0 {
		return 0
	}
	return uint64(unix / seconds)
}

// CheckQuota verifies whether the additional request and volume fit within
// the configured quota. The returned QuotaNow reflects the updated counters
// when the quota is not exceeded; on denial prev is returned unchanged.
func CheckQuota(q Quota, nowEpoch uint64, prev QuotaNow, addReq uint32, addVolume *big.Int) (QuotaNow, error) {
	next := QuotaNow{ReqCount: prev.ReqCount, Volume: copyVolume(prev.Volume), EpochID: prev.EpochID}
	if prev.EpochID != nowEpoch {
		next = QuotaNow{Volume: new(big.Int), EpochID: nowEpoch}
	}

	if addReq > 0 {
		if next.ReqCount > math.MaxUint32-addReq {
			return prev, ErrQuotaCounterOverflow
		}
		next.ReqCount += addReq
	}
	if q.MaxRequestsPerEpoch > 0 && next.ReqCount > q.MaxRequestsPerEpoch {
		return prev, ErrQuotaRequestsExceeded
	}

	if addVolume != nil && addVolume.Sign() > 0 {
		next.Volume.Add(next.Volume, addVolume)
	}
	if q.MaxVolumePerEpoch != nil && q.MaxVolumePerEpoch.Sign() > 0 && next.Volume.Cmp(q.MaxVolumePerEpoch) > 0 {
		return prev, ErrQuotaVolumeExceeded
	}

	return next, nil
}

func copyVolume(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

// QuotaTracker applies a Quota to many callers.
type QuotaTracker struct {
	quota Quota
	clock func() time.Time

	mu    sync.Mutex
	usage map[string]QuotaNow
}

// NewQuotaTracker builds a tracker. A nil clock defaults to time.Now.
func NewQuotaTracker(q Quota, clock func() time.Time) *QuotaTracker {
	if clock == nil {
		clock = time.Now
	}
	return &QuotaTracker{quota: q, clock: clock, usage: make(map[string]QuotaNow)}
}

// Consume charges one request and volume to caller, failing without side
// effects when the quota would be exceeded.
func (t *QuotaTracker) Consume(caller string, volume *big.Int) error {
	if t == nil {
		return nil
	}
	epoch := t.quota.Epoch(t.clock())
	t.mu.Lock()
	defer t.mu.Unlock()
	next, err := CheckQuota(t.quota, epoch, t.usage[caller], 1, volume)
	if err != nil {
		return err
	}
	t.usage[caller] = next
	for key, usage := range t.usage {
		if usage.EpochID != epoch {
			delete(t.usage, key)
		}
	}
	return nil
}
