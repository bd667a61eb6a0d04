// Package engine decides whether a notification may fire, drains the
// primary queue, replays failed push deliveries with backoff, and tracks
// delivery-target health.
//
// The engine owns no goroutines. It is invoked by an external trigger
// (internal/runner) and is safe to run from multiple concurrent workers:
// all cross-worker coordination happens through compare-and-swap claims
// on status columns in the store.
package engine

import (
	"sync"
	"time"

	"slotwatch/internal/channel"
	"slotwatch/internal/eventbus"
	"slotwatch/internal/storage"
	logx "slotwatch/pkg/logx"
)

// Config tunes the engine. Zero values fall back to defaults.
//
// Timezone is the single reference timezone for quiet hours and for
// "today" in maintenance. Time-of-day never compares as strings anywhere;
// quiet hours are minutes since midnight in this zone.
type Config struct {
	Timezone string

	BatchSize   int           // queue entries per processing pass
	SendTimeout time.Duration // per-item channel send bound

	DedupeWindow time.Duration // lookback for identical time-set suppression

	MaxRetries       int             // total push delivery attempts per notification
	Backoff          []time.Duration // retry delay table; last entry repeats
	FailureThreshold int             // consecutive failures before target deactivation

	RetentionAge      time.Duration // terminal rows older than this get purged
	FailedResetWindow time.Duration // failed primary entries younger than this get one coarse reset
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	if c.DedupeWindow <= 0 {
		c.DedupeWindow = 24 * time.Hour
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if len(c.Backoff) == 0 {
		c.Backoff = []time.Duration{time.Minute, 5 * time.Minute, 15 * time.Minute}
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.RetentionAge <= 0 {
		c.RetentionAge = 7 * 24 * time.Hour
	}
	if c.FailedResetWindow <= 0 {
		c.FailedResetWindow = 24 * time.Hour
	}
	return c
}

// Engine wires the store and the two channel senders together.
type Engine struct {
	mu  sync.Mutex
	cfg Config
	loc *time.Location

	store  storage.Store
	direct channel.DirectSender
	push   channel.PushSender
	log    logx.Logger
	bus    eventbus.Bus

	// now is swappable in tests.
	now func() time.Time
}

func New(cfg Config, st storage.Store, direct channel.DirectSender, push channel.PushSender, log logx.Logger, bus eventbus.Bus) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	e := &Engine{
		store:  st,
		direct: direct,
		push:   push,
		log:    log,
		bus:    bus,
		now:    time.Now,
	}
	e.applyLocked(cfg)
	return e
}

// Apply swaps the engine config at runtime (config hot reload).
func (e *Engine) Apply(cfg Config) {
	e.mu.Lock()
	e.applyLocked(cfg)
	e.mu.Unlock()
}

func (e *Engine) applyLocked(cfg Config) {
	cfg = cfg.withDefaults()
	loc := time.UTC
	if cfg.Timezone != "" {
		if l, err := time.LoadLocation(cfg.Timezone); err == nil {
			loc = l
		} else {
			e.log.Warn("invalid engine timezone, falling back to UTC", logx.String("tz", cfg.Timezone), logx.Err(err))
		}
	}
	e.cfg = cfg
	e.loc = loc
}

// config returns a consistent snapshot for one pass.
func (e *Engine) config() (Config, *time.Location) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg, e.loc
}

func (e *Engine) publish(typ string, data any) {
	if e.bus != nil {
		e.bus.Publish(eventbus.Event{Type: typ, Time: e.now(), Data: data})
	}
}
