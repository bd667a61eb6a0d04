package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "slotwatch/pkg/logx"
)

// Store is the persistence API used by the engine.
//
// All claim methods are compare-and-swap updates on the status column and
// report whether this caller won the claim.
type Store interface {
	// Preferences
	GetPreferences(ctx context.Context, userID int64) (Preferences, bool, error)
	PutPreferences(ctx context.Context, p Preferences) error
	TouchLastNotified(ctx context.Context, userID int64, at time.Time) error

	// Subscriptions
	GetSubscription(ctx context.Context, id int64) (Subscription, bool, error)
	PutSubscription(ctx context.Context, s *Subscription) error
	// DeactivateSubscriptionsBefore deactivates active subscriptions whose
	// end date is strictly before the given date, stamping completedAt.
	DeactivateSubscriptionsBefore(ctx context.Context, date string, completedAt time.Time) (int64, error)

	// Primary queue
	PutQueueEntry(ctx context.Context, e *QueueEntry) error
	GetQueueEntry(ctx context.Context, id int64) (QueueEntry, bool, error)
	// PendingQueueEntries returns up to limit pending entries, oldest first.
	PendingQueueEntries(ctx context.Context, limit int) ([]QueueEntry, error)
	// ClaimQueueEntry attempts pending -> processing.
	ClaimQueueEntry(ctx context.Context, id int64) (bool, error)
	SetQueueStatus(ctx context.Context, id int64, st QueueStatus, lastError string) error
	// ResetFailedQueueEntries flips failed entries created at or after
	// since back to pending, skipping entries that already spawned a push
	// retry (those are owned by the retry queue).
	ResetFailedQueueEntries(ctx context.Context, since time.Time) (int64, error)
	// PurgeQueueEntries deletes terminal entries created before cutoff.
	PurgeQueueEntries(ctx context.Context, cutoff time.Time) (int64, error)

	// Notified records (dedupe)
	WasNotified(ctx context.Context, subscriptionID int64, date, timesKey string, since time.Time) (bool, error)
	AddNotified(ctx context.Context, r NotifiedRecord) error

	// Push retry queue
	PutRetry(ctx context.Context, e *RetryEntry) error
	GetRetry(ctx context.Context, id int64) (RetryEntry, bool, error)
	// DueRetries returns pending retries with next_retry_at <= now, joined
	// to their targets and filtered to targets still active. Oldest due first.
	DueRetries(ctx context.Context, limit int, now time.Time) ([]RetryWithTarget, error)
	// ClaimRetry attempts pending -> processing.
	ClaimRetry(ctx context.Context, id int64) (bool, error)
	UpdateRetry(ctx context.Context, e RetryEntry) error
	CancelPendingRetries(ctx context.Context, targetID int64) (int64, error)
	// PurgeRetries deletes terminal retries created before cutoff.
	PurgeRetries(ctx context.Context, cutoff time.Time) (int64, error)

	// Delivery targets
	GetTarget(ctx context.Context, id int64) (DeliveryTarget, bool, error)
	ActiveTargets(ctx context.Context, userID int64) ([]DeliveryTarget, error)
	PutTarget(ctx context.Context, t *DeliveryTarget) error
	UpdateTargetHealth(ctx context.Context, id int64, h TargetHealth) error

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
