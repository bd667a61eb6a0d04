package engine

import (
	"context"
	"testing"
	"time"

	"slotwatch/internal/storage"
)

func TestRunMaintenanceExpiresSubscriptions(t *testing.T) {
	t.Parallel()
	e, st, _, _ := newTestEngine(t, Config{})
	now := time.Date(2026, 3, 10, 3, 0, 0, 0, time.UTC)
	fixTime(e, now)

	past := putSub(t, st, storage.Subscription{
		UserID: 1, ChatID: 1, Method: storage.MethodPrimary,
		DateFrom: "2026-03-01", DateTo: "2026-03-09", Active: true,
	})
	today := putSub(t, st, storage.Subscription{
		UserID: 1, ChatID: 1, Method: storage.MethodPrimary,
		DateFrom: "2026-03-10", DateTo: "2026-03-10", Active: true,
	})
	future := putSub(t, st, storage.Subscription{
		UserID: 1, ChatID: 1, Method: storage.MethodPrimary,
		DateFrom: "2026-03-10", DateTo: "2026-04-01", Active: true,
	})

	res, err := e.RunMaintenance(context.Background())
	if err != nil {
		t.Fatalf("RunMaintenance: %v", err)
	}
	if res.ExpiredSubscriptions != 1 {
		t.Fatalf("expired = %d, want 1", res.ExpiredSubscriptions)
	}

	got, _, _ := st.GetSubscription(context.Background(), past.ID)
	if got.Active || !got.CompletedAt.Equal(now) {
		t.Fatalf("past subscription: %+v", got)
	}
	// A subscription ending today is still live.
	if got, _, _ := st.GetSubscription(context.Background(), today.ID); !got.Active {
		t.Fatal("subscription ending today must stay active")
	}
	if got, _, _ := st.GetSubscription(context.Background(), future.ID); !got.Active {
		t.Fatal("future subscription must stay active")
	}
}

func TestRunMaintenanceResetsRecentFailed(t *testing.T) {
	t.Parallel()
	e, st, _, _ := newTestEngine(t, Config{})
	now := time.Date(2026, 3, 10, 3, 0, 0, 0, time.UTC)
	fixTime(e, now)

	sub := putSub(t, st, storage.Subscription{
		UserID: 1, ChatID: 1, Method: storage.MethodPrimary,
		DateFrom: "2026-03-10", Active: true,
	})

	recent := putQueue(t, st, storage.QueueEntry{
		SubscriptionID: sub.ID, UserID: 1, Date: "2026-03-10",
		Times: []string{"10:00"}, Status: storage.QueueFailed,
		LastError: "direct: send failed", CreatedAt: now.Add(-2 * time.Hour),
	})
	old := putQueue(t, st, storage.QueueEntry{
		SubscriptionID: sub.ID, UserID: 1, Date: "2026-03-01",
		Times: []string{"10:00"}, Status: storage.QueueFailed,
		CreatedAt: now.Add(-48 * time.Hour),
	})
	// This failed entry already spawned a push retry: the retry queue
	// owns it, the coarse reset must leave it alone.
	withRetry := putQueue(t, st, storage.QueueEntry{
		SubscriptionID: sub.ID, UserID: 1, Date: "2026-03-10",
		Times: []string{"11:00"}, Status: storage.QueueFailed,
		CreatedAt: now.Add(-time.Hour),
	})
	tgt := putTarget(t, st, storage.DeliveryTarget{UserID: 1, Endpoint: "https://push/1", Active: true})
	if err := st.PutRetry(context.Background(), &storage.RetryEntry{
		TargetID: tgt.ID, UserID: 1, OriginalQueueID: withRetry.ID,
		Payload: `{}`, MaxRetries: 3, NextRetryAt: now.Add(time.Minute),
		Status: storage.RetryPending,
	}); err != nil {
		t.Fatalf("PutRetry: %v", err)
	}

	res, err := e.RunMaintenance(context.Background())
	if err != nil {
		t.Fatalf("RunMaintenance: %v", err)
	}
	if res.ResetFailedEntries != 1 {
		t.Fatalf("reset = %d, want 1", res.ResetFailedEntries)
	}

	if got, _, _ := st.GetQueueEntry(context.Background(), recent.ID); got.Status != storage.QueuePending || got.LastError != "" {
		t.Fatalf("recent entry: %+v", got)
	}
	if got, _, _ := st.GetQueueEntry(context.Background(), old.ID); got.Status != storage.QueueFailed {
		t.Fatalf("old entry must not be reset: %+v", got)
	}
	if got, _, _ := st.GetQueueEntry(context.Background(), withRetry.ID); got.Status != storage.QueueFailed {
		t.Fatalf("entry with a linked retry must not be reset: %+v", got)
	}
}

func TestRunMaintenancePurges(t *testing.T) {
	t.Parallel()
	e, st, _, _ := newTestEngine(t, Config{})
	now := time.Date(2026, 3, 10, 3, 0, 0, 0, time.UTC)
	fixTime(e, now)

	sub := putSub(t, st, storage.Subscription{
		UserID: 1, ChatID: 1, Method: storage.MethodPrimary,
		DateFrom: "2026-03-10", Active: true,
	})

	ancient := putQueue(t, st, storage.QueueEntry{
		SubscriptionID: sub.ID, UserID: 1, Date: "2026-02-20",
		Times: []string{"10:00"}, Status: storage.QueueSent,
		CreatedAt: now.Add(-10 * 24 * time.Hour),
	})
	// Pending entries are never purged regardless of age.
	stuck := putQueue(t, st, storage.QueueEntry{
		SubscriptionID: sub.ID, UserID: 1, Date: "2026-02-20",
		Times: []string{"10:00"}, Status: storage.QueuePending,
		CreatedAt: now.Add(-10 * 24 * time.Hour),
	})

	tgt := putTarget(t, st, storage.DeliveryTarget{UserID: 1, Endpoint: "https://push/1", Active: true})
	oldRetry := storage.RetryEntry{
		TargetID: tgt.ID, UserID: 1, Payload: `{}`, MaxRetries: 3,
		NextRetryAt: now.Add(-9 * 24 * time.Hour), Status: storage.RetryFailed,
		CreatedAt: now.Add(-10 * 24 * time.Hour),
	}
	if err := st.PutRetry(context.Background(), &oldRetry); err != nil {
		t.Fatalf("PutRetry: %v", err)
	}

	res, err := e.RunMaintenance(context.Background())
	if err != nil {
		t.Fatalf("RunMaintenance: %v", err)
	}
	if res.PurgedQueueEntries != 1 {
		t.Fatalf("purged queue = %d, want 1", res.PurgedQueueEntries)
	}
	if res.PurgedRetries != 1 {
		t.Fatalf("purged retries = %d, want 1", res.PurgedRetries)
	}

	if _, ok, _ := st.GetQueueEntry(context.Background(), ancient.ID); ok {
		t.Fatal("ancient sent entry must be gone")
	}
	if _, ok, _ := st.GetQueueEntry(context.Background(), stuck.ID); !ok {
		t.Fatal("pending entry must survive the purge")
	}
	if _, ok, _ := st.GetRetry(context.Background(), oldRetry.ID); ok {
		t.Fatal("ancient terminal retry must be gone")
	}
}
