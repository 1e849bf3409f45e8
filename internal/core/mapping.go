package core

import (
	"time"

	"feedcast/internal/calendar"
	"feedcast/internal/config"
	"feedcast/internal/observability/debugsrv"
	"feedcast/internal/services/dispatch"
	"feedcast/internal/services/lock"
	"feedcast/internal/services/orchestrator"
	"feedcast/internal/services/pacing"
	"feedcast/internal/storage"
	telegram "feedcast/internal/transport/telegram"
	logx "feedcast/pkg/logx"
)

// Mapping helpers translate the string-heavy config schema into the typed
// configs each component takes. Validate() has already checked the raw
// strings, but every mapper re-parses defensively so it is safe to call on
// unvalidated input (hot reload uses them as the validator).

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Path: cfg.Storage.Path, BusyTimeout: busy}, nil
}

func mapTelegramConfig(cfg *config.Config) (telegram.Config, error) {
	reqTimeout, err := config.ParseDurationField("telegram.request_timeout", cfg.Telegram.RequestTimeout)
	if err != nil {
		return telegram.Config{}, err
	}
	maxAge, err := config.ParseDurationField("telegram.status_max_age", cfg.Telegram.StatusMaxAge)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		Token:          cfg.Telegram.Token,
		RequestTimeout: reqTimeout,
		StatusMaxAge:   maxAge,
	}, nil
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	var (
		dc  dispatch.Config
		err error
	)
	dc.MaxRetries = cfg.Dispatch.MaxRetries
	fields := []struct {
		path string
		raw  string
		dst  *time.Duration
	}{
		{"dispatch.max_pending_age", cfg.Dispatch.MaxPendingAge, &dc.MaxPendingAge},
		{"dispatch.batch_grace", cfg.Dispatch.BatchGrace, &dc.BatchGrace},
		{"dispatch.overdue_grace", cfg.Dispatch.OverdueGrace, &dc.OverdueGrace},
		{"dispatch.missing_lookback", cfg.Dispatch.MissingLookback, &dc.MissingLookback},
		{"dispatch.correction_window", cfg.Dispatch.CorrectionWindow, &dc.CorrectionWindow},
		{"dispatch.edit_window", cfg.Dispatch.EditWindow, &dc.EditWindow},
		{"dispatch.confirm_timeout", cfg.Dispatch.ConfirmTimeout, &dc.ConfirmTimeout},
	}
	for _, f := range fields {
		if *f.dst, err = config.ParseDurationField(f.path, f.raw); err != nil {
			return dispatch.Config{}, err
		}
	}
	return dc, nil
}

func mapLockTTL(cfg *config.Config) (time.Duration, error) {
	ttl, err := config.ParseDurationField("dispatch.lock_ttl", cfg.Dispatch.LockTTL)
	if err != nil {
		return 0, err
	}
	if ttl <= 0 {
		ttl = lock.DefaultTTL
	}
	return ttl, nil
}

func mapPacingConfig(cfg *config.Config) (pacing.Config, error) {
	global, err := config.ParseDurationField("pacing.global_interval", cfg.Pacing.GlobalInterval)
	if err != nil {
		return pacing.Config{}, err
	}
	recipient, err := config.ParseDurationField("pacing.recipient_interval", cfg.Pacing.RecipientInterval)
	if err != nil {
		return pacing.Config{}, err
	}
	sw, err := config.ParseDurationField("pacing.switch_interval", cfg.Pacing.SwitchInterval)
	if err != nil {
		return pacing.Config{}, err
	}
	return pacing.Config{
		GlobalInterval:    global,
		RecipientInterval: recipient,
		SwitchInterval:    sw,
	}, nil
}

func mapOrchestratorConfig(cfg *config.Config) (orchestrator.Config, error) {
	var (
		oc  orchestrator.Config
		err error
	)
	fields := []struct {
		path string
		raw  string
		dst  *time.Duration
	}{
		{"orchestrator.sweep_interval", cfg.Orchestrator.SweepInterval, &oc.SweepInterval},
		{"orchestrator.stuck_after", cfg.Orchestrator.StuckAfter, &oc.StuckAfter},
		{"orchestrator.prune_after", cfg.Orchestrator.PruneAfter, &oc.PruneAfter},
		{"orchestrator.retry_floor", cfg.Orchestrator.RetryFloor, &oc.RetryFloor},
		{"orchestrator.default_refresh", cfg.Orchestrator.DefaultRefresh, &oc.DefaultRefresh},
	}
	for _, f := range fields {
		if *f.dst, err = config.ParseDurationField(f.path, f.raw); err != nil {
			return orchestrator.Config{}, err
		}
	}
	return oc, nil
}

func mapDebugConfig(cfg *config.Config) (debugsrv.Config, error) {
	readT, err := config.ParseDurationField("debug.read_timeout", cfg.Debug.ReadTimeout)
	if err != nil {
		return debugsrv.Config{}, err
	}
	writeT, err := config.ParseDurationField("debug.write_timeout", cfg.Debug.WriteTimeout)
	if err != nil {
		return debugsrv.Config{}, err
	}
	idleT, err := config.ParseDurationField("debug.idle_timeout", cfg.Debug.IdleTimeout)
	if err != nil {
		return debugsrv.Config{}, err
	}
	return debugsrv.Config{
		Enabled:       cfg.Debug.Enabled,
		Addr:          cfg.Debug.Addr,
		Token:         cfg.Debug.Token,
		AllowInsecure: cfg.Debug.AllowInsecure,
		ReadTimeout:   readT,
		WriteTimeout:  writeT,
		IdleTimeout:   idleT,
	}, nil
}

// mapBlackout turns the quiet-hours section into a delivery calendar. Quiet
// hours name the suppressed period, so the allowed window is its complement:
// quiet 22:00 until 07:00 means delivery runs 07:00 until 22:00.
func mapBlackout(cfg *config.Config) (calendar.Blackout, error) {
	q := cfg.QuietHours
	if q == nil {
		return calendar.None{}, nil
	}
	from, err := config.ParseHHMM("quiet_hours.from", q.From)
	if err != nil {
		return nil, err
	}
	until, err := config.ParseHHMM("quiet_hours.until", q.Until)
	if err != nil {
		return nil, err
	}
	loc := time.Local
	if q.Timezone != "" {
		if loc, err = time.LoadLocation(q.Timezone); err != nil {
			return nil, err
		}
	}
	return calendar.DailyWindow{From: until, Until: from, Location: loc}, nil
}
