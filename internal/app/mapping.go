package app

import (
	"time"

	"slotwatch/internal/channel"
	"slotwatch/internal/config"
	"slotwatch/internal/engine"
	"slotwatch/internal/observability/pprof"
	"slotwatch/internal/runner"
	"slotwatch/internal/storage"
)

// The config file carries durations as strings; these helpers map each
// file section onto the typed config its component takes.

func storageConfig(cfg *config.Config) storage.Config {
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		busy = 0
	}
	return storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}
}

func pushConfig(cfg *config.Config) (channel.PushConfig, error) {
	timeout, err := config.ParseDurationField("push.timeout", cfg.Push.Timeout)
	if err != nil {
		return channel.PushConfig{}, err
	}
	return channel.PushConfig{
		Timeout:   timeout,
		AuthToken: cfg.Push.AuthToken,
	}, nil
}

func engineConfig(cfg *config.Config) (engine.Config, error) {
	e := cfg.Engine

	sendTimeout, err := config.ParseDurationField("engine.send_timeout", e.SendTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	dedupe, err := config.ParseDurationField("engine.dedupe_window", e.DedupeWindow)
	if err != nil {
		return engine.Config{}, err
	}
	retention, err := config.ParseDurationField("engine.retention_age", e.RetentionAge)
	if err != nil {
		return engine.Config{}, err
	}
	resetWindow, err := config.ParseDurationField("engine.failed_reset_window", e.FailedResetWindow)
	if err != nil {
		return engine.Config{}, err
	}
	backoff, err := config.ParseBackoffTable("engine.backoff", e.Backoff)
	if err != nil {
		return engine.Config{}, err
	}

	return engine.Config{
		Timezone:          e.Timezone,
		BatchSize:         e.BatchSize,
		SendTimeout:       sendTimeout,
		DedupeWindow:      dedupe,
		MaxRetries:        e.MaxRetries,
		Backoff:           backoff,
		FailureThreshold:  e.FailureThreshold,
		RetentionAge:      retention,
		FailedResetWindow: resetWindow,
	}, nil
}

func pprofConfig(cfg *config.Config) pprof.Config {
	return pprof.Config{
		Enabled:              cfg.Pprof.Enabled,
		Address:              cfg.Pprof.Address,
		BlockProfileRate:     cfg.Pprof.BlockProfileRate,
		MutexProfileFraction: cfg.Pprof.MutexProfileFraction,
	}
}

func runnerConfig(cfg *config.Config) (runner.Config, error) {
	jobTimeout, err := config.ParseDurationOrDefault("jobs.job_timeout", cfg.Jobs.JobTimeout, 2*time.Minute)
	if err != nil {
		return runner.Config{}, err
	}
	return runner.Config{
		ProcessBatchSpec: cfg.Jobs.ProcessBatch,
		SweepRetriesSpec: cfg.Jobs.SweepRetries,
		MaintenanceSpec:  cfg.Jobs.Maintenance,
		BatchLimit:       cfg.Jobs.BatchLimit,
		SweepLimit:       cfg.Jobs.SweepLimit,
		JobTimeout:       jobTimeout,
		Timezone:         cfg.Engine.Timezone,
	}, nil
}
