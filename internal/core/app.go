// Package core wires configuration, storage, transport, and the delivery
// services into one process. NewApp builds everything from a config file;
// Start/Stop bracket the run.
package core

import (
	"context"
	"fmt"
	"time"

	"feedcast/internal/config"
	"feedcast/internal/observability/debugsrv"
	rtsup "feedcast/internal/runtime/supervisor"
	"feedcast/internal/services/dispatch"
	"feedcast/internal/services/lock"
	"feedcast/internal/services/orchestrator"
	"feedcast/internal/services/pacing"
	"feedcast/internal/services/queue"
	"feedcast/internal/storage"
	telegram "feedcast/internal/transport/telegram"
	logx "feedcast/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	store *storage.Store

	adapter *telegram.Adapter

	pacer  *pacing.Controller
	locks  *lock.Service
	queue  *queue.Service
	engine *dispatch.Engine
	orch   *orchestrator.Orchestrator
	debug  *debugsrv.Service
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	tc, err := mapTelegramConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	adapter, err := telegram.New(tc, log.With(logx.String("comp", "telegram")))
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	pc, err := mapPacingConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	pacer := pacing.New(pc, log)

	lockTTL, err := mapLockTTL(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	locks := lock.New(store, lockTTL, log.With(logx.String("comp", "lock")))

	qs := queue.New(store, log)

	dc, err := mapDispatchConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	blackout, err := mapBlackout(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	// Source refresh plugs in behind content.Refresher; the stock binary
	// drives schedules off stored items and manually queued rows.
	engine := dispatch.New(dc, store, qs, locks, pacer, adapter, nil, blackout, log)

	oc, err := mapOrchestratorConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	orch := orchestrator.New(oc, store, engine, log)

	dbc, err := mapDebugConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	debug := debugsrv.New(dbc, log)

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		store:   store,
		adapter: adapter,
		pacer:   pacer,
		locks:   locks,
		queue:   qs,
		engine:  engine,
		orch:    orch,
		debug:   debug,
	}, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or
// Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// Transactional config reload: reject a new file before it is committed
	// and published. The mappers re-parse every duration field.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapTelegramConfig(cfg); err != nil {
			return err
		}
		if _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		if _, err := mapDispatchConfig(cfg); err != nil {
			return err
		}
		if _, err := mapLockTTL(cfg); err != nil {
			return err
		}
		if _, err := mapPacingConfig(cfg); err != nil {
			return err
		}
		if _, err := mapOrchestratorConfig(cfg); err != nil {
			return err
		}
		if _, err := mapDebugConfig(cfg); err != nil {
			return err
		}
		if _, err := mapBlackout(cfg); err != nil {
			return err
		}
		return nil
	})

	if err := a.adapter.Start(a.sup.Context()); err != nil {
		return err
	}
	a.debug.Start(a.sup.Context())
	if err := a.orch.Start(a.sup.Context()); err != nil {
		return err
	}

	// Hot reload fan-out. Logging and the debug server apply live; the rest
	// of the tree is constructor-bound and needs a restart.
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the newest config.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyReload(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

func (a *App) applyReload(ctx context.Context, prev, next *config.Config) {
	if prev == nil || next == nil {
		return
	}

	a.logs.Apply(mapLoggingConfig(next))

	if dbc, err := mapDebugConfig(next); err != nil {
		a.log.Warn("invalid debug config; keeping previous", logx.Err(err))
	} else {
		a.debug.Reconfigure(ctx, dbc)
	}

	// Constructor-bound sections: flag the change so the operator knows a
	// restart is needed for it to take effect.
	restartBound := []struct {
		name    string
		changed bool
	}{
		{"storage", prev.Storage != next.Storage},
		{"telegram", prev.Telegram != next.Telegram},
		{"dispatch", prev.Dispatch != next.Dispatch},
		{"pacing", prev.Pacing != next.Pacing},
		{"orchestrator", prev.Orchestrator != next.Orchestrator},
		{"quiet_hours", !quietHoursEqual(prev.QuietHours, next.QuietHours)},
	}
	for _, s := range restartBound {
		if s.changed {
			a.log.Warn("config section changed; restart required to apply",
				logx.String("section", s.name))
		}
	}

	a.log.Info("config reloaded")
}

func quietHoursEqual(a, b *config.QuietHoursConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// Reload re-registers orchestrator entries after sources or schedules
// changed in storage. Exposed for operational tooling.
func (a *App) Reload(ctx context.Context) error {
	return a.orch.Reload(ctx)
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")

	// Cancel the run context first so background loops unwind immediately.
	a.sup.Cancel()

	// Run one shutdown step with an upper bound so a single component
	// cannot stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// Respect the caller's deadline; never extend it.
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			} else {
				a.log.Debug("stop step done", logx.String("name", name),
					logx.Duration("took", time.Since(start)))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)))
		}
	}

	// Stop triggers before transport so nothing new is claimed mid-stop.
	step("orchestrator", 3*time.Second, func(c context.Context) error { return a.orch.Stop(c) })
	step("debugsrv", 1*time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("storage", 1*time.Second, func(context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
