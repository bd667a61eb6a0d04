package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"slotwatch/internal/channel"
	"slotwatch/internal/storage"
	logx "slotwatch/pkg/logx"
)

type directCall struct {
	ChatID int64
	Text   string
}

type stubDirect struct {
	mu    sync.Mutex
	calls []directCall
	err   error
}

func (s *stubDirect) SendDirect(_ context.Context, chatID int64, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, directCall{ChatID: chatID, Text: text})
	return s.err
}

func (s *stubDirect) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type stubPush struct {
	mu    sync.Mutex
	calls []string
	res   channel.PushResult
	fn    func(endpoint string) channel.PushResult
}

func (s *stubPush) SendPush(_ context.Context, endpoint string, _ channel.PushNotification) channel.PushResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, endpoint)
	if s.fn != nil {
		return s.fn(endpoint)
	}
	return s.res
}

func (s *stubPush) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func newTestEngine(t *testing.T, cfg Config) (*Engine, storage.Store, *stubDirect, *stubPush) {
	t.Helper()
	st := storage.NewMemory()
	d := &stubDirect{}
	p := &stubPush{res: channel.PushResult{Delivered: true, StatusCode: 200}}
	e := New(cfg, st, d, p, logx.Nop(), nil)
	return e, st, d, p
}

// fixTime pins the engine clock.
func fixTime(e *Engine, at time.Time) {
	e.now = func() time.Time { return at }
}

func intPtr(v int) *int { return &v }

func putPrefs(t *testing.T, st storage.Store, p storage.Preferences) {
	t.Helper()
	if err := st.PutPreferences(context.Background(), p); err != nil {
		t.Fatalf("PutPreferences: %v", err)
	}
}

func putSub(t *testing.T, st storage.Store, s storage.Subscription) storage.Subscription {
	t.Helper()
	if err := st.PutSubscription(context.Background(), &s); err != nil {
		t.Fatalf("PutSubscription: %v", err)
	}
	return s
}

func putQueue(t *testing.T, st storage.Store, e storage.QueueEntry) storage.QueueEntry {
	t.Helper()
	if err := st.PutQueueEntry(context.Background(), &e); err != nil {
		t.Fatalf("PutQueueEntry: %v", err)
	}
	return e
}

func putTarget(t *testing.T, st storage.Store, tg storage.DeliveryTarget) storage.DeliveryTarget {
	t.Helper()
	if err := st.PutTarget(context.Background(), &tg); err != nil {
		t.Fatalf("PutTarget: %v", err)
	}
	return tg
}

// failingStore wraps a Store and fails GetPreferences.
type failingStore struct {
	storage.Store
}

func (f failingStore) GetPreferences(context.Context, int64) (storage.Preferences, bool, error) {
	return storage.Preferences{}, false, errors.New("store down")
}
