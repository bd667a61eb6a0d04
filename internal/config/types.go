package config

// Config is the full slotwatch configuration file.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// JSON and YAML are both accepted; YAML is coerced through the same
// strict JSON decoder (DisallowUnknownFields).
type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Telegram TelegramConfig `json:"telegram"`
	Push     PushConfig     `json:"push,omitempty"`
	Storage  StorageConfig  `json:"storage"`
	Engine   EngineConfig   `json:"engine,omitempty"`
	Jobs     JobsConfig     `json:"jobs,omitempty"`
	Pprof    PprofConfig    `json:"pprof,omitempty"`
}

// PprofConfig controls the optional debug HTTP listener.
type PprofConfig struct {
	Enabled              bool   `json:"enabled"`
	Address              string `json:"address,omitempty"` // default 127.0.0.1:6060
	BlockProfileRate     int    `json:"block_profile_rate,omitempty"`
	MutexProfileFraction int    `json:"mutex_profile_fraction,omitempty"`
}

type LoggingConfig struct {
	Level   string         `json:"level,omitempty"` // trace|debug|info|warn|error
	Console bool           `json:"console"`
	File    FileLogSection `json:"file,omitempty"`
}

type FileLogSection struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

type TelegramConfig struct {
	Token      string `json:"token"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// PushConfig controls the HTTP push gateway adapter.
type PushConfig struct {
	Timeout   string `json:"timeout,omitempty"`
	AuthToken string `json:"auth_token,omitempty"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./slotwatch.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// EngineConfig tunes the delivery engine.
//
// Defaults (when fields are omitted/zero):
//   - timezone: "UTC"
//   - batch_size: 10
//   - send_timeout: "10s"
//   - dedupe_window: "24h"
//   - max_retries: 3
//   - backoff: ["1m", "5m", "15m"]
//   - failure_threshold: 5
//   - retention_age: "168h"
//   - failed_reset_window: "24h"
type EngineConfig struct {
	Timezone          string   `json:"timezone,omitempty"`
	BatchSize         int      `json:"batch_size,omitempty"`
	SendTimeout       string   `json:"send_timeout,omitempty"`
	DedupeWindow      string   `json:"dedupe_window,omitempty"`
	MaxRetries        int      `json:"max_retries,omitempty"`
	Backoff           []string `json:"backoff,omitempty"`
	FailureThreshold  int      `json:"failure_threshold,omitempty"`
	RetentionAge      string   `json:"retention_age,omitempty"`
	FailedResetWindow string   `json:"failed_reset_window,omitempty"`
}

// JobsConfig wires the three engine entry points to cron schedules.
// Specs accept both 5-field and 6-field (seconds) cron expressions.
type JobsConfig struct {
	ProcessBatch string `json:"process_batch,omitempty"` // default "* * * * *"
	SweepRetries string `json:"sweep_retries,omitempty"` // default "* * * * *"
	Maintenance  string `json:"maintenance,omitempty"`   // default "0 3 * * *"

	BatchLimit int    `json:"batch_limit,omitempty"` // default engine batch_size
	SweepLimit int    `json:"sweep_limit,omitempty"` // default 20
	JobTimeout string `json:"job_timeout,omitempty"` // default "2m"
}
