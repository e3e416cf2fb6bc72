// Package app wires configuration, storage, the campaign engine and its
// control surfaces (Telegram bot, HTTP API, cron schedules) into one process.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"tgcast/internal/broadcast"
	"tgcast/internal/config"
	"tgcast/internal/control"
	"tgcast/internal/eventbus"
	"tgcast/internal/httpapi"
	"tgcast/internal/messenger/botapi"
	"tgcast/internal/runtime/supervisor"
	"tgcast/internal/schedule"
	"tgcast/internal/storage"
	kit "tgcast/internal/transport"
	telegram "tgcast/internal/transport/telegram/adapter"
	"tgcast/internal/transport/telegram/router"
	logx "tgcast/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	campaigns *broadcast.Service
	sched     *schedule.Scheduler
	http      *httpapi.Server

	// nil when control.enabled is false
	adapter  *telegram.Adapter
	router   *router.Router
	notifier *control.Notifier

	updates chan kit.Update
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	// Telegram mirroring needs the control adapter, which is built below;
	// start without it and Apply the full config once the sender is set.
	logCfg := mapLogConfig(cfg)
	bootCfg := logCfg
	bootCfg.Telegram.Enabled = false
	logSvc, log := logx.New(bootCfg, nil)

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log)
	if err != nil {
		return nil, err
	}
	log.Info("storage ready", logx.String("driver", sc.Driver))

	dcfg, err := mapDialerConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	bcfg, err := mapBroadcastConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	bus := eventbus.New()
	campaigns := broadcast.New(store, botapi.NewDialer(dcfg, log.With(logx.String("comp", "botapi"))), bcfg, log,
		broadcast.WithBus(bus),
		broadcast.WithCampaignLogs(logSvc),
	)

	a := &App{
		cfgm:      cfgm,
		log:       log.With(logx.String("comp", "app")),
		logs:      logSvc,
		bus:       bus,
		store:     store,
		campaigns: campaigns,
		sched:     schedule.New(campaigns, log),
		http:      httpapi.NewServer(campaigns, log),
		updates:   make(chan kit.Update, 256),
	}
	if err := a.sched.Apply(mapSchedules(cfg)); err != nil {
		_ = store.Close()
		return nil, err
	}

	if cfg.Control.Enabled {
		poll, err := config.ParseDurationOrDefault("control.poll_timeout", cfg.Control.PollTimeout, 10*time.Second)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		ad, err := telegram.New(telegram.Config{
			Token:       cfg.Control.Token,
			PollTimeout: poll,
		}, log.With(logx.String("comp", "telegram")))
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("control bot: %w", err)
		}
		a.adapter = ad
		logSvc.SetSender(ad)

		ctrl := control.New(campaigns, store, logSvc.CampaignLogPath, log)
		a.router = router.New(log, ad, cfg.Control.OwnerUserIDs)
		a.router.Register(ctrl.Commands(), ctrl.Callbacks())
		if cfg.Control.Notify {
			a.notifier = control.NewNotifier(ad, cfg.Control.OwnerUserIDs, log)
		}
	}
	logSvc.Apply(logCfg)

	return a, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validate(cfg)
	})

	// Runs left "running" by a crash have no workers anymore.
	if n, err := a.campaigns.Reconcile(ctx); err != nil {
		a.log.Warn("reconcile failed", logx.Err(err))
	} else if n > 0 {
		a.log.Info("stale runs marked stopped", logx.Int("count", n))
	}

	cfg := a.cfgm.Get()
	if err := a.http.Apply(a.sup.Context(), mapHTTPConfig(cfg)); err != nil {
		return fmt.Errorf("http api: %w", err)
	}
	a.sched.Start(a.sup.Context())

	if a.adapter != nil {
		if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
			return err
		}
		a.sup.Go("control.dispatch", func(c context.Context) error {
			return a.router.DispatchLoop(c, a.updates)
		})
		a.sup.Go0("control.menu", func(c context.Context) {
			if err := a.router.PublishMenu(c); err != nil {
				a.log.Warn("publish command menu failed", logx.Err(err))
			}
		})
	}
	if a.notifier != nil {
		a.sup.Go0("control.notify", func(c context.Context) {
			_ = a.notifier.Run(c, a.bus)
		})
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.String("campaign", e.CampaignID), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						break drain
					}
				}
				a.reload(c, last, next)
				last = next
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started",
		logx.Bool("control", a.adapter != nil),
		logx.Bool("http", cfg.HTTP.Enabled),
		logx.Int("schedules", len(cfg.Schedules)),
	)
	return nil
}

// reload applies what can change at runtime. Sections that need a restart are
// only reported.
func (a *App) reload(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	if r := config.RequiresRestart(sections); len(r) > 0 {
		a.log.Warn("restart required for changes to take effect", logx.String("sections", strings.Join(r, ",")))
	}

	a.logs.Apply(mapLogConfig(next))

	if bcfg, err := mapBroadcastConfig(next); err != nil {
		a.log.Warn("invalid sender config; keeping previous", logx.Err(err))
	} else {
		a.campaigns.SetConfig(bcfg)
	}

	if err := a.sched.Apply(mapSchedules(next)); err != nil {
		a.log.Warn("invalid schedules; keeping previous", logx.Err(err))
	}

	if err := a.http.Apply(ctx, mapHTTPConfig(next)); err != nil {
		a.log.Warn("http api reconfigure failed", logx.Err(err))
	}

	if a.router != nil {
		a.router.SetOwners(next.Control.OwnerUserIDs)
	}
	if a.notifier != nil {
		a.notifier.SetTargets(next.Control.OwnerUserIDs)
	}

	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Campaigns drain first: their final merge writes to the store and
	// publishes events the notifier may still deliver.
	drain := shutdownTimeout(a.cfgm.Get())
	a.step(ctx, "campaigns", drain, func(c context.Context) error { return a.campaigns.Shutdown(c) })

	a.sup.Cancel()

	a.step(ctx, "schedule", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "http", 2*time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	if a.adapter != nil {
		a.step(ctx, "adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	}
	a.step(ctx, "storage", time.Second, func(c context.Context) error { return a.store.Close() })

	// Finally, wait for supervised goroutines (config watch/reload, command dispatcher, etc.)
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs one shutdown step with an upper bound so one component can't
// stall the whole stop. It never extends the caller's deadline.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	stepCtx := ctx
	if max > 0 {
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max > 0 {
			var cancel context.CancelFunc
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
		}
		if took := time.Since(start); took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			if err := <-done; err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
			}
		}()
	}
}
