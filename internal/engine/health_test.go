package engine

import (
	"context"
	"testing"
	"time"

	"slotwatch/internal/storage"
)

func TestTargetDeactivatesAtThreshold(t *testing.T) {
	t.Parallel()
	e, st, _, _ := newTestEngine(t, Config{FailureThreshold: 5})
	fixTime(e, time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))

	tgt := putTarget(t, st, storage.DeliveryTarget{UserID: 1, Endpoint: "https://push/1", Active: true})

	for i := 1; i <= 5; i++ {
		e.incrementTargetFailures(context.Background(), tgt.ID, 500, "status 500")
		got, _, _ := st.GetTarget(context.Background(), tgt.ID)
		if got.ConsecutiveFailures != i {
			t.Fatalf("after %d failures: counter = %d", i, got.ConsecutiveFailures)
		}
		wantActive := i < 5
		if got.Active != wantActive {
			t.Fatalf("after %d failures: active = %v, want %v", i, got.Active, wantActive)
		}
	}
}

func TestTargetCounterResetsOnSuccess(t *testing.T) {
	t.Parallel()
	e, st, _, _ := newTestEngine(t, Config{FailureThreshold: 5})
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	fixTime(e, now)

	tgt := putTarget(t, st, storage.DeliveryTarget{UserID: 1, Endpoint: "https://push/1", Active: true})

	for i := 0; i < 4; i++ {
		e.incrementTargetFailures(context.Background(), tgt.ID, 500, "status 500")
	}
	cur, _, _ := st.GetTarget(context.Background(), tgt.ID)
	if cur.ConsecutiveFailures != 4 || !cur.Active {
		t.Fatalf("setup: %+v", cur)
	}

	// One success wipes the streak; the next failure starts from 1.
	e.resetTargetFailures(context.Background(), cur, 200)
	got, _, _ := st.GetTarget(context.Background(), tgt.ID)
	if got.ConsecutiveFailures != 0 || got.LastFailureReason != "" {
		t.Fatalf("after success: %+v", got)
	}
	if !got.LastUsedAt.Equal(now) {
		t.Fatalf("LastUsedAt = %v, want %v", got.LastUsedAt, now)
	}

	e.incrementTargetFailures(context.Background(), tgt.ID, 500, "status 500")
	got, _, _ = st.GetTarget(context.Background(), tgt.ID)
	if got.ConsecutiveFailures != 1 || !got.Active {
		t.Fatalf("after post-success failure: %+v", got)
	}
}

func TestDeactivateTargetImmediate(t *testing.T) {
	t.Parallel()
	e, st, _, _ := newTestEngine(t, Config{FailureThreshold: 5})
	fixTime(e, time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))

	tgt := putTarget(t, st, storage.DeliveryTarget{UserID: 1, Endpoint: "https://push/1", Active: true})
	e.deactivateTarget(context.Background(), tgt, 410, "status 410")

	got, _, _ := st.GetTarget(context.Background(), tgt.ID)
	if got.Active {
		t.Fatal("target must be inactive regardless of the counter")
	}
	if got.LastDeliveryStatus != 410 || got.LastFailureReason != "status 410" {
		t.Fatalf("health fields: %+v", got)
	}
}
