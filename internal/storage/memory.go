package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// memStore is a map-backed Store with the same claim semantics as the
// sqlite driver. It is safe for concurrent use.
type memStore struct {
	mu sync.Mutex

	prefs   map[int64]Preferences
	subs    map[int64]Subscription
	queue   map[int64]QueueEntry
	retries map[int64]RetryEntry
	targets map[int64]DeliveryTarget
	records []NotifiedRecord

	nextID int64
}

// NewMemory returns an empty in-process store.
func NewMemory() Store {
	return &memStore{
		prefs:   map[int64]Preferences{},
		subs:    map[int64]Subscription{},
		queue:   map[int64]QueueEntry{},
		retries: map[int64]RetryEntry{},
		targets: map[int64]DeliveryTarget{},
	}
}

func (m *memStore) Close() error { return nil }

func (m *memStore) id() int64 {
	m.nextID++
	return m.nextID
}

// ---- Preferences ----

func (m *memStore) GetPreferences(_ context.Context, userID int64) (Preferences, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.prefs[userID]
	return p, ok, nil
}

func (m *memStore) PutPreferences(_ context.Context, p Preferences) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prefs[p.UserID] = p
	return nil
}

func (m *memStore) TouchLastNotified(_ context.Context, userID int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.prefs[userID]; ok {
		p.LastNotifiedAt = at
		m.prefs[userID] = p
	}
	return nil
}

// ---- Subscriptions ----

func (m *memStore) GetSubscription(_ context.Context, id int64) (Subscription, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[id]
	return s, ok, nil
}

func (m *memStore) PutSubscription(_ context.Context, s *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	if s.DateTo == "" {
		s.DateTo = s.DateFrom
	}
	if s.ID == 0 {
		s.ID = m.id()
	}
	m.subs[s.ID] = *s
	return nil
}

func (m *memStore) DeactivateSubscriptionsBefore(_ context.Context, date string, completedAt time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, s := range m.subs {
		if s.Active && s.DateTo < date {
			s.Active = false
			s.CompletedAt = completedAt
			m.subs[id] = s
			n++
		}
	}
	return n, nil
}

// ---- Primary queue ----

func (m *memStore) PutQueueEntry(_ context.Context, e *QueueEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	if e.Status == "" {
		e.Status = QueuePending
	}
	if e.ID == 0 {
		e.ID = m.id()
	}
	m.queue[e.ID] = *e
	return nil
}

func (m *memStore) GetQueueEntry(_ context.Context, id int64) (QueueEntry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.queue[id]
	return e, ok, nil
}

func (m *memStore) PendingQueueEntries(_ context.Context, limit int) ([]QueueEntry, error) {
	if limit <= 0 {
		limit = 10
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []QueueEntry
	for _, e := range m.queue {
		if e.Status == QueuePending {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) ClaimQueueEntry(_ context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.queue[id]
	if !ok || e.Status != QueuePending {
		return false, nil
	}
	e.Status = QueueProcessing
	e.UpdatedAt = time.Now()
	m.queue[id] = e
	return true, nil
}

func (m *memStore) SetQueueStatus(_ context.Context, id int64, st QueueStatus, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.queue[id]
	if !ok {
		return ErrNotFound
	}
	e.Status = st
	e.LastError = lastError
	e.UpdatedAt = time.Now()
	m.queue[id] = e
	return nil
}

func (m *memStore) ResetFailedQueueEntries(_ context.Context, since time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	linked := map[int64]bool{}
	for _, r := range m.retries {
		if r.OriginalQueueID != 0 {
			linked[r.OriginalQueueID] = true
		}
	}

	var n int64
	for id, e := range m.queue {
		if e.Status == QueueFailed && !e.CreatedAt.Before(since) && !linked[id] {
			e.Status = QueuePending
			e.LastError = ""
			e.UpdatedAt = time.Now()
			m.queue[id] = e
			n++
		}
	}
	return n, nil
}

func (m *memStore) PurgeQueueEntries(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, e := range m.queue {
		switch e.Status {
		case QueueSent, QueueSkipped, QueueFailed:
			if e.CreatedAt.Before(cutoff) {
				delete(m.queue, id)
				n++
			}
		}
	}
	return n, nil
}

// ---- Notified records ----

func (m *memStore) WasNotified(_ context.Context, subscriptionID int64, date, timesKey string, since time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.SubscriptionID == subscriptionID && r.Date == date && r.TimesKey == timesKey && !r.SentAt.Before(since) {
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) AddNotified(_ context.Context, r NotifiedRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.SentAt.IsZero() {
		r.SentAt = time.Now()
	}
	r.ID = m.id()
	m.records = append(m.records, r)
	return nil
}

// ---- Push retry queue ----

func (m *memStore) PutRetry(_ context.Context, e *RetryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	if e.Status == "" {
		e.Status = RetryPending
	}
	if e.ID == 0 {
		e.ID = m.id()
	}
	m.retries[e.ID] = *e
	return nil
}

func (m *memStore) GetRetry(_ context.Context, id int64) (RetryEntry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.retries[id]
	return e, ok, nil
}

func (m *memStore) DueRetries(_ context.Context, limit int, now time.Time) ([]RetryWithTarget, error) {
	if limit <= 0 {
		limit = 20
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []RetryWithTarget
	for _, r := range m.retries {
		if r.Status != RetryPending || r.NextRetryAt.After(now) {
			continue
		}
		t, ok := m.targets[r.TargetID]
		if !ok || !t.Active {
			continue
		}
		out = append(out, RetryWithTarget{Retry: r, Target: t})
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Retry, out[j].Retry
		if a.NextRetryAt.Equal(b.NextRetryAt) {
			return a.ID < b.ID
		}
		return a.NextRetryAt.Before(b.NextRetryAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) ClaimRetry(_ context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.retries[id]
	if !ok || e.Status != RetryPending {
		return false, nil
	}
	e.Status = RetryProcessing
	e.UpdatedAt = time.Now()
	m.retries[id] = e
	return true, nil
}

func (m *memStore) UpdateRetry(_ context.Context, e RetryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.retries[e.ID]
	if !ok {
		return ErrNotFound
	}
	cur.RetryCount = e.RetryCount
	cur.NextRetryAt = e.NextRetryAt
	cur.LastError = e.LastError
	cur.Status = e.Status
	cur.UpdatedAt = time.Now()
	m.retries[e.ID] = cur
	return nil
}

func (m *memStore) CancelPendingRetries(_ context.Context, targetID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, e := range m.retries {
		if e.TargetID == targetID && e.Status == RetryPending {
			e.Status = RetryCancelled
			e.UpdatedAt = time.Now()
			m.retries[id] = e
			n++
		}
	}
	return n, nil
}

func (m *memStore) PurgeRetries(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, e := range m.retries {
		switch e.Status {
		case RetrySuccess, RetryFailed, RetryCancelled:
			if e.CreatedAt.Before(cutoff) {
				delete(m.retries, id)
				n++
			}
		}
	}
	return n, nil
}

// ---- Delivery targets ----

func (m *memStore) GetTarget(_ context.Context, id int64) (DeliveryTarget, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.targets[id]
	return t, ok, nil
}

func (m *memStore) ActiveTargets(_ context.Context, userID int64) ([]DeliveryTarget, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []DeliveryTarget
	for _, t := range m.targets {
		if t.UserID == userID && t.Active {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) PutTarget(_ context.Context, t *DeliveryTarget) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	if t.ID == 0 {
		t.ID = m.id()
	}
	m.targets[t.ID] = *t
	return nil
}

func (m *memStore) UpdateTargetHealth(_ context.Context, id int64, h TargetHealth) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.targets[id]
	if !ok {
		return ErrNotFound
	}
	t.Active = h.Active
	t.ConsecutiveFailures = h.ConsecutiveFailures
	t.LastDeliveryStatus = h.LastDeliveryStatus
	t.LastFailureReason = h.LastFailureReason
	t.LastUsedAt = h.LastUsedAt
	m.targets[id] = t
	return nil
}
