// Package runner wires the engine's entry points to cron schedules.
//
// Three jobs are registered: queue batch processing, retry sweeping and
// daily maintenance. Jobs never overlap with themselves; a tick that
// fires while the previous run is still going is skipped.
package runner

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"slotwatch/internal/engine"
	logx "slotwatch/pkg/logx"
)

type Config struct {
	ProcessBatchSpec string // default "* * * * *"
	SweepRetriesSpec string // default "* * * * *"
	MaintenanceSpec  string // default "0 3 * * *"

	BatchLimit int           // default: engine batch size
	SweepLimit int           // default 20
	JobTimeout time.Duration // default 2m

	Timezone string // default UTC
}

func (c Config) withDefaults() Config {
	if c.ProcessBatchSpec == "" {
		c.ProcessBatchSpec = "* * * * *"
	}
	if c.SweepRetriesSpec == "" {
		c.SweepRetriesSpec = "* * * * *"
	}
	if c.MaintenanceSpec == "" {
		c.MaintenanceSpec = "0 3 * * *"
	}
	if c.SweepLimit <= 0 {
		c.SweepLimit = 20
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 2 * time.Minute
	}
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
	return c
}

type Service struct {
	mu  sync.Mutex
	cfg Config
	c   *cron.Cron

	eng *engine.Engine
	log logx.Logger

	// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
	parser cron.Parser
}

func New(cfg Config, eng *engine.Engine, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg.withDefaults(),
		eng:    eng,
		log:    log,
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Start registers the jobs and starts cron triggering. It is a no-op if
// already started.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}

	loc, err := time.LoadLocation(s.cfg.Timezone)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to UTC",
			logx.String("tz", s.cfg.Timezone), logx.Err(err))
		loc = time.UTC
	}

	c := cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))

	jobs := []struct {
		name string
		spec string
		run  func(ctx context.Context)
	}{
		{"process_batch", s.cfg.ProcessBatchSpec, s.runProcessBatch},
		{"sweep_retries", s.cfg.SweepRetriesSpec, s.runSweepRetries},
		{"maintenance", s.cfg.MaintenanceSpec, s.runMaintenance},
	}
	for _, j := range jobs {
		j := j
		var running atomic.Bool
		_, err := c.AddFunc(j.spec, func() {
			if !running.CompareAndSwap(false, true) {
				s.log.Debug("previous run still in progress; skipping tick",
					logx.String("job", j.name))
				return
			}
			defer running.Store(false)
			s.runJob(ctx, j.name, j.run)
		})
		if err != nil {
			return err
		}
	}

	c.Start()
	s.c = c
	s.log.Info("runner started",
		logx.String("tz", loc.String()),
		logx.String("process_batch", s.cfg.ProcessBatchSpec),
		logx.String("sweep_retries", s.cfg.SweepRetriesSpec),
		logx.String("maintenance", s.cfg.MaintenanceSpec))
	return nil
}

// Stop stops cron triggering and waits for in-flight jobs, bounded by ctx.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}

	start := time.Now()
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		// best-effort
	}
	s.log.Info("runner stopped", logx.Duration("took", time.Since(start)))
}

func (s *Service) runJob(parent context.Context, name string, run func(ctx context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("job panicked", logx.String("job", name), logx.Any("panic", r))
		}
	}()

	ctx, cancel := context.WithTimeout(parent, s.cfg.JobTimeout)
	defer cancel()

	start := time.Now()
	run(ctx)
	s.log.Debug("job finished", logx.String("job", name), logx.Duration("took", time.Since(start)))
}

func (s *Service) runProcessBatch(ctx context.Context) {
	res, err := s.eng.ProcessQueueBatch(ctx, s.cfg.BatchLimit)
	if err != nil {
		s.log.Warn("queue batch failed", logx.Err(err))
		return
	}
	if res.Processed > 0 || res.Skipped > 0 || res.Failed > 0 {
		s.log.Info("queue batch processed",
			logx.Int("processed", res.Processed),
			logx.Int("skipped", res.Skipped),
			logx.Int("failed", res.Failed))
	}
	for _, ie := range res.Errors {
		s.log.Warn("queue entry failed",
			logx.Int64("entry_id", ie.EntryID), logx.String("reason", ie.Reason))
	}
}

func (s *Service) runSweepRetries(ctx context.Context) {
	res, err := s.eng.SweepRetries(ctx, s.cfg.SweepLimit)
	if err != nil {
		s.log.Warn("retry sweep failed", logx.Err(err))
		return
	}
	if res.Attempted > 0 {
		s.log.Info("retry sweep finished",
			logx.Int("attempted", res.Attempted),
			logx.Int("succeeded", res.Succeeded),
			logx.Int("rescheduled", res.Rescheduled),
			logx.Int("terminal", res.TerminallyFailed))
	}
}

func (s *Service) runMaintenance(ctx context.Context) {
	res, err := s.eng.RunMaintenance(ctx)
	if err != nil {
		s.log.Warn("maintenance failed", logx.Err(err))
		return
	}
	s.log.Info("maintenance finished",
		logx.Int64("subscriptions_expired", res.ExpiredSubscriptions),
		logx.Int64("queue_entries_reset", res.ResetFailedEntries),
		logx.Int64("queue_entries_purged", res.PurgedQueueEntries),
		logx.Int64("retries_purged", res.PurgedRetries))
	for _, msg := range res.Errors {
		s.log.Warn("maintenance step failed", logx.String("error", msg))
	}
}
