package runner

import (
	"context"
	"testing"
	"time"

	"slotwatch/internal/channel"
	"slotwatch/internal/engine"
	"slotwatch/internal/storage"
	logx "slotwatch/pkg/logx"
)

type nopDirect struct{}

func (nopDirect) SendDirect(ctx context.Context, chatID int64, text string) error { return nil }

type nopPush struct{}

func (nopPush) SendPush(ctx context.Context, endpoint string, n channel.PushNotification) channel.PushResult {
	return channel.PushResult{Delivered: true, StatusCode: 200}
}

func testEngine() *engine.Engine {
	return engine.New(engine.Config{}, storage.NewMemory(), nopDirect{}, nopPush{}, logx.Nop(), nil)
}

func TestConfigDefaults(t *testing.T) {
	t.Parallel()
	cfg := Config{}.withDefaults()
	if cfg.ProcessBatchSpec != "* * * * *" || cfg.SweepRetriesSpec != "* * * * *" {
		t.Fatalf("specs: %+v", cfg)
	}
	if cfg.MaintenanceSpec != "0 3 * * *" {
		t.Fatalf("maintenance spec: %q", cfg.MaintenanceSpec)
	}
	if cfg.SweepLimit != 20 || cfg.JobTimeout != 2*time.Minute || cfg.Timezone != "UTC" {
		t.Fatalf("defaults: %+v", cfg)
	}
}

func TestStartStop(t *testing.T) {
	t.Parallel()
	s := New(Config{}, testEngine(), logx.Nop())

	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// Idempotent.
	if err := s.Start(ctx); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	s.Stop(ctx)
	s.Stop(ctx)
}

func TestStartRejectsBadSpec(t *testing.T) {
	t.Parallel()
	s := New(Config{MaintenanceSpec: "whenever"}, testEngine(), logx.Nop())
	if err := s.Start(context.Background()); err == nil {
		t.Fatal("expected error for invalid cron spec")
	}
}

func TestStartAcceptsSecondsSpec(t *testing.T) {
	t.Parallel()
	s := New(Config{ProcessBatchSpec: "*/30 * * * * *"}, testEngine(), logx.Nop())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("6-field spec rejected: %v", err)
	}
	s.Stop(context.Background())
}
