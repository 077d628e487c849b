// Package core wires the engine together: config, logging, store, provider,
// gateway, builder, dispatcher, the HTTP trigger surface and the optional
// built-in cron. The app itself stays idle between triggers; all work happens
// inside an externally or internally triggered rebuild or tick.
package core

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/robfig/cron/v3"

	"namozbot/internal/config"
	"namozbot/internal/dispatch"
	"namozbot/internal/gateway/telegram"
	"namozbot/internal/httpapi"
	"namozbot/internal/prayer"
	"namozbot/internal/schedule"
	"namozbot/internal/store"
	"namozbot/internal/times"
	logx "namozbot/pkg/logx"
)

type App struct {
	cfgPath string
	cfg     config.Config

	logSvc *logx.Service
	log    logx.Logger

	st      store.Store
	gw      *telegram.Adapter
	builder *schedule.Builder
	disp    *dispatch.Dispatcher
	http    *httpapi.Server
	cron    *cron.Cron

	watchCancel  context.CancelFunc
	watchdogStop chan struct{}
}

func NewApp(cfgPath string) (*App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
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

	sendTimeout, err := config.ParseDurationOrDefault("telegram.send_timeout", cfg.Telegram.SendTimeout, 10*time.Second)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	gw, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		SendTimeout: sendTimeout,
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("telegram adapter: %w", err)
	}

	return &App{
		cfgPath: cfgPath,
		cfg:     cfg,
		logSvc:  logSvc,
		log:     log,
		gw:      gw,
	}, nil
}

// Start opens the store and brings up the trigger surfaces. The passed
// context bounds startup work (migrations) and the config watcher's lifetime.
func (a *App) Start(ctx context.Context) error {
	st, err := store.Open(ctx, storeConfig(a.cfg.Storage), a.log.With(logx.String("comp", "store")))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	a.st = st

	providerTimeout, err := config.ParseDurationOrDefault("provider.timeout", a.cfg.Provider.Timeout, 15*time.Second)
	if err != nil {
		return err
	}
	prov := prayer.NewClient(prayer.Config{
		BaseURL: a.cfg.Provider.BaseURL,
		Method:  a.cfg.Provider.Method,
		Timeout: providerTimeout,
	})

	cache := times.NewCache(st, prov, a.log.With(logx.String("comp", "times")))
	a.builder = schedule.NewBuilder(scheduleConfig(a.cfg.Schedule), st, cache, a.log.With(logx.String("comp", "schedule")))

	dispCfg, err := dispatchConfig(a.cfg.Dispatch)
	if err != nil {
		return err
	}
	a.disp = dispatch.New(dispCfg, st, a.gw, a.log.With(logx.String("comp", "dispatch")))

	if a.cfg.HTTP.Enabled {
		a.http = httpapi.New(httpapi.Config{
			Addr:   a.cfg.HTTP.Addr,
			Secret: a.cfg.HTTP.Secret,
		}, a.builder, a.disp, a.log)
		a.http.Start()
	}

	if a.cfg.Cron.Enabled {
		if err := a.startCron(); err != nil {
			return err
		}
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	a.watchCancel = cancel
	go config.Watch(watchCtx, a.cfgPath, a.log.With(logx.String("comp", "config")), a.applyConfig)

	a.notifySystemd()
	a.log.Info("started",
		logx.Bool("http", a.cfg.HTTP.Enabled),
		logx.Bool("cron", a.cfg.Cron.Enabled),
		logx.String("driver", a.cfg.Storage.Driver))
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	if a.watchCancel != nil {
		a.watchCancel()
	}
	if a.watchdogStop != nil {
		close(a.watchdogStop)
	}
	if a.cron != nil {
		<-a.cron.Stop().Done()
	}
	if a.http != nil {
		a.http.Stop(ctx)
	}
	if a.st != nil {
		if err := a.st.Close(); err != nil {
			a.log.Warn("store close", logx.Err(err))
		}
	}
	a.log.Info("stopped")
	return a.logSvc.Close()
}

// startCron registers the built-in triggers for deployments that have no
// external scheduler calling the HTTP surface.
func (a *App) startCron() error {
	tz := a.cfg.Cron.Timezone
	if tz == "" {
		tz = "Asia/Tashkent"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return fmt.Errorf("cron.timezone %q: %w", tz, err)
	}

	tickSpec := a.cfg.Cron.TickSpec
	if tickSpec == "" {
		tickSpec = "* * * * *"
	}
	rebuildSpec := a.cfg.Cron.RebuildSpec
	if rebuildSpec == "" {
		rebuildSpec = "5 0 * * *"
	}

	c := cron.New(cron.WithLocation(loc))
	if _, err := c.AddFunc(tickSpec, a.cronTick); err != nil {
		return fmt.Errorf("cron.tick_spec %q: %w", tickSpec, err)
	}
	if _, err := c.AddFunc(rebuildSpec, a.cronRebuild); err != nil {
		return fmt.Errorf("cron.rebuild_spec %q: %w", rebuildSpec, err)
	}
	c.Start()
	a.cron = c
	a.log.Info("built-in cron enabled",
		logx.String("tz", tz),
		logx.String("tick", tickSpec),
		logx.String("rebuild", rebuildSpec))
	return nil
}

func (a *App) cronTick() {
	ctx, cancel := context.WithTimeout(context.Background(), 55*time.Second)
	defer cancel()
	if _, err := a.disp.RunCycle(ctx); err != nil {
		a.log.Error("cron tick failed", logx.Err(err))
	}
}

func (a *App) cronRebuild() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	sum, err := a.builder.RebuildAll(ctx)
	if err != nil {
		a.log.Error("cron rebuild failed", logx.Err(err))
		return
	}
	a.log.Info("cron rebuild done",
		logx.Int("subscribers", sum.Subscribers),
		logx.Int("built", sum.Built),
		logx.Int("failed", sum.Failed))
}

// applyConfig handles a hot reload. Only the knobs that are safe to swap at
// runtime are applied: logging sinks/level and dispatcher pacing/windows.
// Storage, telegram and listener changes need a restart.
func (a *App) applyConfig(cfg config.Config) {
	a.logSvc.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	dispCfg, err := dispatchConfig(cfg.Dispatch)
	if err != nil {
		a.log.Warn("reload: bad dispatch config, keeping current", logx.Err(err))
	} else if a.disp != nil {
		a.disp.Apply(dispCfg)
	}

	a.cfg.Logging = cfg.Logging
	a.cfg.Dispatch = cfg.Dispatch
	a.log.Info("runtime config applied")
}

// notifySystemd signals readiness and, when the unit configures WatchdogSec,
// keeps the watchdog fed. Outside systemd both calls are no-ops.
func (a *App) notifySystemd() {
	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify failed", logx.Err(err))
	} else if sent {
		a.log.Debug("sd_notify ready sent")
	}

	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	a.watchdogStop = make(chan struct{})
	go func(stop chan struct{}) {
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			case <-stop:
				return
			}
		}
	}(a.watchdogStop)
}
