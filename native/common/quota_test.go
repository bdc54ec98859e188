package common

import (
	"errors"
	"math/big"
	"testing"
	"time"
)

func TestCheckQuotaRequestLimit(t *testing.T) {
	q := Quota{MaxRequestsPerEpoch: 10}
	prev := QuotaNow{EpochID: 1}

	next, err := CheckQuota(q, 1, prev, 10, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next.ReqCount != 10 {
		t.Fatalf("unexpected request count: %d", next.ReqCount)
	}

	denied, err := CheckQuota(q, 1, next, 1, nil)
	if !errors.Is(err, ErrQuotaRequestsExceeded) {
		t.Fatalf("expected ErrQuotaRequestsExceeded, got %v", err)
	}
	if denied.ReqCount != next.ReqCount || denied.EpochID != next.EpochID {
		t.Fatalf("expected counters to remain unchanged on denial")
	}

	rollover, err := CheckQuota(q, 2, next, 1, nil)
	if err != nil {
		t.Fatalf("unexpected error after epoch rollover: %v", err)
	}
	if rollover.EpochID != 2 || rollover.ReqCount != 1 {
		t.Fatalf("unexpected state after rollover: %+v", rollover)
	}
}

func TestCheckQuotaVolume(t *testing.T) {
	q := Quota{MaxVolumePerEpoch: big.NewInt(1_000)}
	prev := QuotaNow{EpochID: 5}

	next, err := CheckQuota(q, 5, prev, 0, big.NewInt(1_000))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next.Volume.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("unexpected volume: %s", next.Volume)
	}

	denied, err := CheckQuota(q, 5, next, 0, big.NewInt(1))
	if !errors.Is(err, ErrQuotaVolumeExceeded) {
		t.Fatalf("expected ErrQuotaVolumeExceeded, got %v", err)
	}
	if denied.Volume.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("expected volume to remain unchanged on denial, got %s", denied.Volume)
	}

	rollover, err := CheckQuota(q, 6, next, 0, big.NewInt(500))
	if err != nil {
		t.Fatalf("unexpected error after epoch rollover: %v", err)
	}
	if rollover.Volume.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("unexpected volume after rollover: %s", rollover.Volume)
	}
}

func TestQuotaTrackerPerCaller(t *testing.T) {
	now := time.Unix(3_600, 0)
	tracker := NewQuotaTracker(Quota{MaxRequestsPerEpoch: 1, EpochSeconds: 60}, func() time.Time { return now })
	if err := tracker.Consume("alice", big.NewInt(10)); err != nil {
		t.Fatalf("first request: %v", err)
	}
	if err := tracker.Consume("alice", big.NewInt(10)); !errors.Is(err, ErrQuotaRequestsExceeded) {
		t.Fatalf("expected request quota, got %v", err)
	}
	if err := tracker.Consume("bob", big.NewInt(10)); err != nil {
		t.Fatalf("callers must be tracked separately: %v", err)
	}
	now = now.Add(time.Minute)
	if err := tracker.Consume("alice", big.NewInt(10)); err != nil {
		t.Fatalf("expected quota reset in new epoch: %v", err)
	}
}
