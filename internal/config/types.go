package config

// Config is the root of the on-disk configuration. JSON and YAML are both
// accepted; YAML is coerced to JSON so one strict decoder covers both.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Telegram     TelegramConfig     `json:"telegram"`
	Logging      LoggingConfig      `json:"logging"`
	Storage      StorageConfig      `json:"storage"`
	Dispatch     DispatchConfig     `json:"dispatch,omitempty"`
	Pacing       PacingConfig       `json:"pacing,omitempty"`
	Orchestrator OrchestratorConfig `json:"orchestrator,omitempty"`
	QuietHours   *QuietHoursConfig  `json:"quiet_hours,omitempty"`
	Debug        DebugConfig        `json:"debug,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// RequestTimeout bounds one API call.
	RequestTimeout string `json:"request_timeout,omitempty"`
	// StatusMaxAge is how long a connectivity probe result is trusted.
	StatusMaxAge string `json:"status_max_age,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// DispatchConfig tunes the delivery engine. Omitted fields keep built-in
// defaults.
type DispatchConfig struct {
	MaxRetries       int    `json:"max_retries,omitempty"`
	MaxPendingAge    string `json:"max_pending_age,omitempty"`
	BatchGrace       string `json:"batch_grace,omitempty"`
	OverdueGrace     string `json:"overdue_grace,omitempty"`
	MissingLookback  string `json:"missing_lookback,omitempty"`
	CorrectionWindow string `json:"correction_window,omitempty"`
	EditWindow       string `json:"edit_window,omitempty"`
	ConfirmTimeout   string `json:"confirm_timeout,omitempty"`
	LockTTL          string `json:"lock_ttl,omitempty"`
}

type PacingConfig struct {
	GlobalInterval    string `json:"global_interval,omitempty"`
	RecipientInterval string `json:"recipient_interval,omitempty"`
	SwitchInterval    string `json:"switch_interval,omitempty"`
}

type OrchestratorConfig struct {
	SweepInterval  string `json:"sweep_interval,omitempty"`
	StuckAfter     string `json:"stuck_after,omitempty"`
	PruneAfter     string `json:"prune_after,omitempty"`
	RetryFloor     string `json:"retry_floor,omitempty"`
	DefaultRefresh string `json:"default_refresh,omitempty"`
}

// QuietHoursConfig suppresses sends between From and Until each day. Both
// are local "HH:MM" times in Timezone. Suppressed work stays queued and is
// delivered on the next trigger after the quiet period ends.
type QuietHoursConfig struct {
	From     string `json:"from"`
	Until    string `json:"until"`
	Timezone string `json:"timezone,omitempty"`
}

// DebugConfig controls the operations HTTP server (metrics, pprof).
//
// Prefer binding to localhost. A non-loopback bind requires a token or an
// explicit allow_insecure.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default "127.0.0.1:6060"
	Token         string `json:"token,omitempty"` // bearer token, do not log
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}
