package config

// Config is the on-disk configuration schema.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m") and are
// validated/parsed by the app bootstrap via ParseDurationOrDefault.
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	Provider ProviderConfig `json:"provider"`
	Schedule ScheduleConfig `json:"schedule"`
	Dispatch DispatchConfig `json:"dispatch"`
	HTTP     HTTPConfig     `json:"http"`
	Cron     CronConfig     `json:"cron"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// SendTimeout bounds one gateway send. Default "10s".
	SendTimeout string `json:"send_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LogFileConfig `json:"file,omitempty"`
}

type LogFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// StorageConfig selects the notification store backend.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "postgres": PostgreSQL via DSN (the original deployment shape)
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`         // sqlite
	DSN         string `json:"dsn,omitempty"`          // postgres
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite; Go duration string
}

// ProviderConfig points at the prayer-time source (AlAdhan-compatible API).
type ProviderConfig struct {
	BaseURL string `json:"base_url,omitempty"` // default: https://api.aladhan.com
	// Method is the calculation method id passed to the provider. Default 3
	// (Muslim World League).
	Method  int    `json:"method,omitempty"`
	Timeout string `json:"timeout,omitempty"` // default "15s"
}

// ScheduleConfig controls how subscriber preferences expand into events.
type ScheduleConfig struct {
	// RegionOffsetMinutes fixes the calendar-day boundary for "today".
	// This is deliberately a single regional value, not per-subscriber local
	// time; subscribers far outside the region get their day boundary from
	// here. Default 300 (UTC+05:00).
	RegionOffsetMinutes *int `json:"region_offset_minutes,omitempty"`
	// MorningLeadMinutes is subtracted from the earliest prayer time for the
	// morning summary. Default 30.
	MorningLeadMinutes int `json:"morning_lead_minutes,omitempty"`
	// EveningTime is the fixed local clock time of the evening summary.
	// Default "21:00".
	EveningTime string `json:"evening_time,omitempty"`
	// FastingMonth is the lunar month number that enables fasting-boundary
	// events. Default 9.
	FastingMonth int `json:"fasting_month,omitempty"`
}

// DispatchConfig controls one dispatcher poll cycle.
type DispatchConfig struct {
	LateTolerance  string `json:"late_tolerance,omitempty"`  // default "10m"
	EarlyTolerance string `json:"early_tolerance,omitempty"` // default "15s"
	BatchSize      int    `json:"batch_size,omitempty"`      // default 200
	// RatePerSec paces gateway sends inside a cycle. Default 15.
	RatePerSec int `json:"rate_per_sec,omitempty"`
	// ClaimStaleAfter requeues in-flight rows whose claimer died. Default "2m".
	ClaimStaleAfter string `json:"claim_stale_after,omitempty"`
}

// HTTPConfig controls the external trigger surface.
type HTTPConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default "127.0.0.1:8090"
	// Secret protects /cron/rebuild and /cron/tick (query ?key= or X-Cron-Key).
	Secret string `json:"secret"`
}

// CronConfig controls the optional built-in triggers for deployments without
// an external cron.
type CronConfig struct {
	Enabled bool `json:"enabled"`
	// TickSpec triggers a dispatcher cycle. Default "* * * * *".
	TickSpec string `json:"tick_spec,omitempty"`
	// RebuildSpec triggers the full-population rebuild. Default "5 0 * * *".
	RebuildSpec string `json:"rebuild_spec,omitempty"`
	// Timezone for the cron specs. Default "Asia/Tashkent".
	Timezone string `json:"timezone,omitempty"`
}
