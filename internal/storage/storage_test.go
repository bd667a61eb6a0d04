package storage

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	logx "slotwatch/pkg/logx"
)

// testStores returns one store per driver so the contract tests run the
// real SQL (claims, joins, reset guard) as well as the memory mirror.
func testStores(t *testing.T) []struct {
	name string
	st   Store
} {
	t.Helper()
	sq, err := Open(Config{
		Driver:      "sqlite",
		Path:        filepath.Join(t.TempDir(), "slotwatch.db"),
		BusyTimeout: 5 * time.Second,
	}, logx.Nop())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = sq.Close() })
	return []struct {
		name string
		st   Store
	}{
		{"memory", NewMemory()},
		{"sqlite", sq},
	}
}

func TestTimesKey(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		times []string
		want  string
	}{
		{"empty", nil, ""},
		{"single", []string{"10:00"}, "10:00"},
		{"sorted", []string{"10:00", "11:00"}, "10:00,11:00"},
		{"unsorted", []string{"11:00", "10:00"}, "10:00,11:00"},
		{"whitespace", []string{" 10:00 ", "", "09:30"}, "09:30,10:00"},
	}
	for _, tt := range tests {
		if got := TimesKey(tt.times); got != tt.want {
			t.Fatalf("%s: TimesKey(%v) = %q, want %q", tt.name, tt.times, got, tt.want)
		}
	}

	// Order-insensitive equality is what the dedupe key is for.
	if TimesKey([]string{"10:00", "11:00"}) != TimesKey([]string{"11:00", "10:00"}) {
		t.Fatal("identical sets must produce identical keys")
	}
}

func TestOpenDrivers(t *testing.T) {
	t.Parallel()
	st, err := Open(Config{Driver: "memory"}, logx.Nop())
	if err != nil {
		t.Fatalf("Open(memory): %v", err)
	}
	defer st.Close()

	if _, err := Open(Config{Driver: "bolt"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
	if _, err := Open(Config{Driver: "sqlite"}, logx.Nop()); err == nil {
		t.Fatal("expected error for sqlite without a path")
	}
}

func TestClaimQueueEntryIsExclusive(t *testing.T) {
	t.Parallel()
	for _, dc := range testStores(t) {
		st := dc.st
		t.Run(dc.name, func(t *testing.T) {
			ctx := context.Background()

			e := QueueEntry{SubscriptionID: 1, UserID: 1, Date: "2026-03-10", Times: []string{"10:00"}}
			if err := st.PutQueueEntry(ctx, &e); err != nil {
				t.Fatalf("PutQueueEntry: %v", err)
			}

			const workers = 8
			var wg sync.WaitGroup
			wins := make(chan bool, workers)
			for i := 0; i < workers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					ok, err := st.ClaimQueueEntry(ctx, e.ID)
					if err != nil {
						t.Errorf("ClaimQueueEntry: %v", err)
						return
					}
					wins <- ok
				}()
			}
			wg.Wait()
			close(wins)

			var won int
			for ok := range wins {
				if ok {
					won++
				}
			}
			if won != 1 {
				t.Fatalf("claims won = %d, want exactly 1", won)
			}

			got, _, _ := st.GetQueueEntry(ctx, e.ID)
			if got.Status != QueueProcessing {
				t.Fatalf("status = %s, want processing", got.Status)
			}
		})
	}
}

func TestClaimRetryOnlyPending(t *testing.T) {
	t.Parallel()
	for _, dc := range testStores(t) {
		st := dc.st
		t.Run(dc.name, func(t *testing.T) {
			ctx := context.Background()

			r := RetryEntry{TargetID: 1, UserID: 1, Payload: `{}`, MaxRetries: 3,
				NextRetryAt: time.Now(), Status: RetrySuccess}
			if err := st.PutRetry(ctx, &r); err != nil {
				t.Fatalf("PutRetry: %v", err)
			}
			if ok, _ := st.ClaimRetry(ctx, r.ID); ok {
				t.Fatal("terminal retry must not be claimable")
			}
		})
	}
}

func TestPendingQueueEntriesOrderAndLimit(t *testing.T) {
	t.Parallel()
	for _, dc := range testStores(t) {
		st := dc.st
		t.Run(dc.name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

			var ids []int64
			for i := 0; i < 3; i++ {
				e := QueueEntry{
					SubscriptionID: 1, UserID: 1, Date: "2026-03-10",
					Times: []string{"10:00"}, CreatedAt: base.Add(time.Duration(-i) * time.Minute),
				}
				if err := st.PutQueueEntry(ctx, &e); err != nil {
					t.Fatalf("PutQueueEntry: %v", err)
				}
				ids = append(ids, e.ID)
			}

			got, err := st.PendingQueueEntries(ctx, 2)
			if err != nil {
				t.Fatalf("PendingQueueEntries: %v", err)
			}
			if len(got) != 2 {
				t.Fatalf("len = %d, want 2", len(got))
			}
			// Oldest first: insertion order was newest to oldest.
			if got[0].ID != ids[2] || got[1].ID != ids[1] {
				t.Fatalf("order: got %d,%d want %d,%d", got[0].ID, got[1].ID, ids[2], ids[1])
			}
		})
	}
}

func TestWasNotifiedWindow(t *testing.T) {
	t.Parallel()
	for _, dc := range testStores(t) {
		st := dc.st
		t.Run(dc.name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

			if err := st.AddNotified(ctx, NotifiedRecord{
				SubscriptionID: 1, Date: "2026-03-10", TimesKey: "10:00,11:00",
				SentAt: now.Add(-23 * time.Hour),
			}); err != nil {
				t.Fatalf("AddNotified: %v", err)
			}

			// Inside the 24h window.
			if ok, _ := st.WasNotified(ctx, 1, "2026-03-10", "10:00,11:00", now.Add(-24*time.Hour)); !ok {
				t.Fatal("record inside the window must match")
			}
			// Window shorter than the record's age.
			if ok, _ := st.WasNotified(ctx, 1, "2026-03-10", "10:00,11:00", now.Add(-time.Hour)); ok {
				t.Fatal("record outside the window must not match")
			}
			// Different key dimensions never match.
			if ok, _ := st.WasNotified(ctx, 2, "2026-03-10", "10:00,11:00", now.Add(-24*time.Hour)); ok {
				t.Fatal("different subscription must not match")
			}
			if ok, _ := st.WasNotified(ctx, 1, "2026-03-11", "10:00,11:00", now.Add(-24*time.Hour)); ok {
				t.Fatal("different date must not match")
			}
			if ok, _ := st.WasNotified(ctx, 1, "2026-03-10", "10:00", now.Add(-24*time.Hour)); ok {
				t.Fatal("different time-set must not match")
			}
		})
	}
}

func TestDueRetriesSkipsInactiveTargets(t *testing.T) {
	t.Parallel()
	for _, dc := range testStores(t) {
		st := dc.st
		t.Run(dc.name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

			active := DeliveryTarget{UserID: 1, Endpoint: "https://push/1", Active: true}
			dead := DeliveryTarget{UserID: 1, Endpoint: "https://push/2", Active: false}
			for _, tg := range []*DeliveryTarget{&active, &dead} {
				if err := st.PutTarget(ctx, tg); err != nil {
					t.Fatalf("PutTarget: %v", err)
				}
			}

			for _, targetID := range []int64{active.ID, dead.ID} {
				r := RetryEntry{TargetID: targetID, UserID: 1, Payload: `{}`, MaxRetries: 3,
					NextRetryAt: now.Add(-time.Minute), Status: RetryPending}
				if err := st.PutRetry(ctx, &r); err != nil {
					t.Fatalf("PutRetry: %v", err)
				}
			}

			due, err := st.DueRetries(ctx, 10, now)
			if err != nil {
				t.Fatalf("DueRetries: %v", err)
			}
			if len(due) != 1 {
				t.Fatalf("due = %d, want 1", len(due))
			}
			if due[0].Target.ID != active.ID {
				t.Fatalf("due retry joined to target %d, want %d", due[0].Target.ID, active.ID)
			}
		})
	}
}

func TestResetFailedQueueEntriesSkipsLinkedRetry(t *testing.T) {
	t.Parallel()
	for _, dc := range testStores(t) {
		st := dc.st
		t.Run(dc.name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now()

			plain := QueueEntry{SubscriptionID: 1, UserID: 1, Date: "2026-03-10",
				Times: []string{"10:00"}, Status: QueueFailed, LastError: "direct: boom"}
			linked := QueueEntry{SubscriptionID: 1, UserID: 1, Date: "2026-03-10",
				Times: []string{"11:00"}, Status: QueueFailed, LastError: "push target 1: status 500"}
			for _, e := range []*QueueEntry{&plain, &linked} {
				if err := st.PutQueueEntry(ctx, e); err != nil {
					t.Fatalf("PutQueueEntry: %v", err)
				}
			}

			// The linked entry is owned by the retry queue from here on.
			r := RetryEntry{TargetID: 1, UserID: 1, OriginalQueueID: linked.ID,
				Payload: `{}`, MaxRetries: 3, NextRetryAt: now, Status: RetryPending}
			if err := st.PutRetry(ctx, &r); err != nil {
				t.Fatalf("PutRetry: %v", err)
			}

			n, err := st.ResetFailedQueueEntries(ctx, now.Add(-time.Hour))
			if err != nil {
				t.Fatalf("ResetFailedQueueEntries: %v", err)
			}
			if n != 1 {
				t.Fatalf("reset = %d, want 1", n)
			}

			got, _, _ := st.GetQueueEntry(ctx, plain.ID)
			if got.Status != QueuePending || got.LastError != "" {
				t.Fatalf("plain entry: status=%s lastError=%q, want pending with no error", got.Status, got.LastError)
			}
			got, _, _ = st.GetQueueEntry(ctx, linked.ID)
			if got.Status != QueueFailed {
				t.Fatalf("linked entry: status=%s, want failed", got.Status)
			}
		})
	}
}

func TestDeactivateSubscriptionsBefore(t *testing.T) {
	t.Parallel()
	for _, dc := range testStores(t) {
		st := dc.st
		t.Run(dc.name, func(t *testing.T) {
			ctx := context.Background()
			done := time.Date(2026, 3, 10, 3, 0, 0, 0, time.UTC)

			past := Subscription{UserID: 1, ChatID: 1, Method: MethodPrimary,
				DateFrom: "2026-03-01", DateTo: "2026-03-09", Active: true}
			edge := Subscription{UserID: 1, ChatID: 1, Method: MethodPrimary,
				DateFrom: "2026-03-10", DateTo: "2026-03-10", Active: true}
			for _, s := range []*Subscription{&past, &edge} {
				if err := st.PutSubscription(ctx, s); err != nil {
					t.Fatalf("PutSubscription: %v", err)
				}
			}

			n, err := st.DeactivateSubscriptionsBefore(ctx, "2026-03-10", done)
			if err != nil {
				t.Fatalf("DeactivateSubscriptionsBefore: %v", err)
			}
			if n != 1 {
				t.Fatalf("deactivated = %d, want 1", n)
			}
			if got, _, _ := st.GetSubscription(ctx, past.ID); got.Active {
				t.Fatal("past subscription must be inactive")
			}
			if got, _, _ := st.GetSubscription(ctx, edge.ID); !got.Active {
				t.Fatal("subscription ending today must stay active")
			}
		})
	}
}
