package storage

import (
	"errors"
	"sort"
	"strings"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("not found")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file
//   - "memory": in-process store (tests, ephemeral runs)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// DateLayout is the canonical date-only encoding used across the store.
const DateLayout = "2006-01-02"

// NotificationType tags a category of proactive message. Each type has its
// own toggle in Preferences.
type NotificationType string

const (
	TypeSlotAlert       NotificationType = "slot_alert"
	TypeWeeklyDigest    NotificationType = "weekly_digest"
	TypeExpiryReminder  NotificationType = "expiry_reminder"
	TypeInactivityNudge NotificationType = "inactivity_nudge"
)

// Method selects the delivery channel(s) of a subscription.
type Method string

const (
	MethodPrimary Method = "primary" // direct message
	MethodPush    Method = "push"
	MethodBoth    Method = "both"
)

// QueueStatus is the lifecycle of a primary queue entry.
// Terminal states: sent, skipped, failed (maintenance may reset failed
// back to pending once, within 24h).
type QueueStatus string

const (
	QueuePending    QueueStatus = "pending"
	QueueProcessing QueueStatus = "processing"
	QueueSent       QueueStatus = "sent"
	QueueSkipped    QueueStatus = "skipped"
	QueueFailed     QueueStatus = "failed"
)

// RetryStatus is the lifecycle of a push retry entry.
// Transitions are one-directional except pending<->processing (claim/release).
type RetryStatus string

const (
	RetryPending    RetryStatus = "pending"
	RetryProcessing RetryStatus = "processing"
	RetrySuccess    RetryStatus = "success"
	RetryFailed     RetryStatus = "failed"
	RetryCancelled  RetryStatus = "cancelled"
)

// Preferences is one row per user.
//
// QuietStart/QuietEnd are minutes since midnight in the engine's reference
// timezone; nil means no quiet window. LastNotifiedAt is stamped by the
// processor after every successful proactive send and drives the cooldown.
type Preferences struct {
	UserID          int64
	SlotAlert       bool
	WeeklyDigest    bool
	ExpiryReminder  bool
	InactivityNudge bool
	QuietStart      *int
	QuietEnd        *int
	Cooldown        time.Duration
	LastNotifiedAt  time.Time // zero = never notified
}

// Enabled reports the per-type toggle. Unknown types are disabled.
func (p Preferences) Enabled(t NotificationType) bool {
	switch t {
	case TypeSlotAlert:
		return p.SlotAlert
	case TypeWeeklyDigest:
		return p.WeeklyDigest
	case TypeExpiryReminder:
		return p.ExpiryReminder
	case TypeInactivityNudge:
		return p.InactivityNudge
	default:
		return false
	}
}

// Subscription is a user's standing interest in slots on a date or range.
// DateTo equals DateFrom for a single-date subscription.
type Subscription struct {
	ID          int64
	UserID      int64
	ChatID      int64 // direct-message destination
	Method      Method
	DateFrom    string // DateLayout
	DateTo      string // DateLayout
	Active      bool
	CreatedAt   time.Time
	CompletedAt time.Time // zero until deactivated
}

// QueueEntry is one candidate notification produced by the event source.
type QueueEntry struct {
	ID             int64
	SubscriptionID int64
	UserID         int64
	Date           string   // DateLayout
	Times          []string // "HH:MM", order preserved as received
	Status         QueueStatus
	LastError      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// RetryEntry wraps one failed push delivery awaiting replay.
type RetryEntry struct {
	ID              int64
	TargetID        int64
	UserID          int64
	OriginalQueueID int64  // 0 = none
	Payload         string // JSON snapshot of the push notification
	RetryCount      int
	MaxRetries      int
	NextRetryAt     time.Time
	LastError       string
	Status          RetryStatus
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// DeliveryTarget is one push-capable endpoint registered for a user.
type DeliveryTarget struct {
	ID                  int64
	UserID              int64
	Endpoint            string
	Active              bool
	ConsecutiveFailures int
	LastDeliveryStatus  int
	LastFailureReason   string
	LastUsedAt          time.Time
	CreatedAt           time.Time
}

// TargetHealth is the mutable health slice of a DeliveryTarget, written
// by the health tracker as one update.
type TargetHealth struct {
	Active              bool
	ConsecutiveFailures int
	LastDeliveryStatus  int
	LastFailureReason   string
	LastUsedAt          time.Time
}

// NotifiedRecord proves a subscription+date+exact time-set was delivered.
// It backs the 24h dedupe window.
type NotifiedRecord struct {
	ID             int64
	SubscriptionID int64
	Date           string // DateLayout
	TimesKey       string
	SentAt         time.Time
}

// RetryWithTarget joins a due retry to its (still active) target.
type RetryWithTarget struct {
	Retry  RetryEntry
	Target DeliveryTarget
}

// TimesKey canonicalizes a time-set for dedupe: sorted, comma-joined.
// Identical sets compare equal regardless of input order.
func TimesKey(times []string) string {
	if len(times) == 0 {
		return ""
	}
	cp := make([]string, 0, len(times))
	for _, t := range times {
		t = strings.TrimSpace(t)
		if t != "" {
			cp = append(cp, t)
		}
	}
	sort.Strings(cp)
	return strings.Join(cp, ",")
}
