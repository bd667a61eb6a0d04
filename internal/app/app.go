// Package app is the composition root: it loads the config, builds the
// store, the channel senders, the engine and the cron runner, and owns
// their lifecycle.
package app

import (
	"context"
	"fmt"
	"time"

	"slotwatch/internal/channel"
	"slotwatch/internal/config"
	"slotwatch/internal/engine"
	"slotwatch/internal/eventbus"
	"slotwatch/internal/observability/pprof"
	"slotwatch/internal/runner"
	"slotwatch/internal/storage"
	logx "slotwatch/pkg/logx"
)

type App struct {
	cfgPath string
	cfgm    *config.Manager

	log  logx.Logger
	logs *logx.Service

	store  storage.Store
	tg     *channel.Telegram
	push   *channel.HTTPPush
	engine *engine.Engine
	runner *runner.Service
	bus    eventbus.Bus
	prof   *pprof.Service

	watchCancel context.CancelFunc
	watchDone   chan struct{}
	busUnsub    func()
	busDone     chan struct{}
}

func New(cfgPath string) (*App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	cfgm := config.NewManager(cfgPath, log.With(logx.String("comp", "config")))
	if _, err := cfgm.Load(); err != nil {
		return nil, err
	}

	st, err := storage.Open(storageConfig(cfg), log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	tg, err := channel.NewTelegram(channel.TelegramConfig{
		Token:      cfg.Telegram.Token,
		RatePerSec: cfg.Telegram.RatePerSec,
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("telegram: %w", err)
	}

	pushCfg, err := pushConfig(cfg)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	push := channel.NewHTTPPush(pushCfg, log.With(logx.String("comp", "push")))

	engCfg, err := engineConfig(cfg)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	bus := eventbus.New()
	eng := engine.New(engCfg, st, tg, push, log.With(logx.String("comp", "engine")), bus)

	runCfg, err := runnerConfig(cfg)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	run := runner.New(runCfg, eng, log.With(logx.String("comp", "runner")))

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		store:   st,
		tg:      tg,
		push:    push,
		engine:  eng,
		runner:  run,
		bus:     bus,
		prof:    pprof.New(log.With(logx.String("comp", "pprof"))),
	}, nil
}

// Bus exposes the engine's event stream (for tooling and tests).
func (a *App) Bus() eventbus.Bus { return a.bus }

// Start launches the cron runner and the config watcher.
//
// Hot reload re-applies logging and engine settings. Cron schedules and
// storage/telegram settings need a restart; a reload that changes those
// logs a notice and otherwise keeps the running values.
func (a *App) Start(ctx context.Context) error {
	if err := a.runner.Start(ctx); err != nil {
		return fmt.Errorf("start runner: %w", err)
	}
	a.prof.Apply(ctx, pprofConfig(a.cfgm.Get()))

	a.cfgm.OnChange(func(cfg *config.Config) { a.applyReload(cfg) })

	// Debug-level event log; components can also subscribe themselves.
	events, unsub := a.bus.Subscribe(128)
	a.busUnsub = unsub
	a.busDone = make(chan struct{})
	go logEvents(a.log, events, a.busDone)

	wctx, cancel := context.WithCancel(ctx)
	a.watchCancel = cancel
	a.watchDone = make(chan struct{})
	go func() {
		defer close(a.watchDone)
		a.cfgm.Watch(wctx)
	}()

	a.log.Info("started")
	return nil
}

func (a *App) applyReload(cfg *config.Config) {
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	engCfg, err := engineConfig(cfg)
	if err != nil {
		a.log.Warn("reload: invalid engine settings; keeping previous", logx.Err(err))
		return
	}
	a.engine.Apply(engCfg)
	a.prof.Apply(context.Background(), pprofConfig(cfg))
	a.log.Info("engine settings applied")
}

// Stop shuts components down in dependency order, each step bounded so a
// stuck component cannot stall the whole stop.
func (a *App) Stop(ctx context.Context) error {
	if a.watchCancel != nil {
		a.watchCancel()
	}

	step := func(name string, max time.Duration, fn func(context.Context)) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan struct{})
		go func() {
			defer close(done)
			defer func() {
				if r := recover(); r != nil {
					a.log.Warn("panic in stop step", logx.String("name", name), logx.Any("panic", r))
				}
			}()
			fn(stepCtx)
		}()

		select {
		case <-done:
			a.log.Debug("stop step done", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name))
		}
	}

	step("runner", 30*time.Second, func(c context.Context) { a.runner.Stop(c) })
	step("config.watch", 2*time.Second, func(context.Context) {
		if a.watchDone != nil {
			<-a.watchDone
		}
	})
	step("eventbus", 2*time.Second, func(context.Context) {
		if a.busUnsub != nil {
			a.busUnsub()
		}
		if a.busDone != nil {
			<-a.busDone
		}
	})
	step("pprof", 2*time.Second, func(c context.Context) { a.prof.Stop(c) })
	step("storage", 2*time.Second, func(context.Context) { _ = a.store.Close() })

	a.log.Info("stopped")
	return nil
}

// logEvents drains the bus at debug level until the subscription closes.
func logEvents(log logx.Logger, events <-chan eventbus.Event, done chan<- struct{}) {
	defer close(done)
	for ev := range events {
		log.Debug("event", logx.String("type", ev.Type), logx.Time("time", ev.Time))
	}
}
