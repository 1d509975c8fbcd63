// Package app wires the gas poller, the threshold notifier, the Telegram
// transport and the housekeeping services together and owns their
// start/stop ordering.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"ethgasmeter/internal/commands"
	"ethgasmeter/internal/config"
	"ethgasmeter/internal/eventbus"
	"ethgasmeter/internal/gas"
	"ethgasmeter/internal/metrics"
	"ethgasmeter/internal/notifier"
	"ethgasmeter/internal/observability/ops"
	"ethgasmeter/internal/poller"
	"ethgasmeter/internal/runtime/supervisor"
	"ethgasmeter/internal/storage"
	"ethgasmeter/internal/subscription"
	"ethgasmeter/internal/task/scheduler"
	"ethgasmeter/internal/threshold"
	kit "ethgasmeter/internal/transport"
	telegram "ethgasmeter/internal/transport/telegram/adapter"
	"ethgasmeter/internal/transport/telegram/router"
	logx "ethgasmeter/pkg/logx"
)

// Deps overrides the external edges. Zero fields are built from config.
type Deps struct {
	Adapter kit.Adapter
	Fetcher gas.Fetcher
	Repo    storage.UserRepository
}

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log     logx.Logger
	logs    *logx.Service
	bus     eventbus.Bus
	metrics *metrics.Metrics
	repo    storage.UserRepository

	adapter   kit.Adapter
	registry  *subscription.Registry
	poller    *poller.Poller
	threshold *threshold.Notifier
	notif     *notifier.Service
	handlers  *commands.Handlers
	router    *router.Router
	sched     *scheduler.Service
	ops       *ops.Service

	pollTask *poller.Task
	updates  chan kit.Update
}

// NewApp loads the config file (optional, may be "") plus the environment
// and builds the production wiring.
func NewApp(cfgPath string) (*App, error) {
	return New(config.NewConfigManager(cfgPath), Deps{})
}

// New builds the app from cfgm. It loads cfgm when nothing is committed yet.
func New(cfgm *config.ConfigManager, deps Deps) (*App, error) {
	cfg := cfgm.Get()
	if cfg == nil {
		var err error
		if cfg, err = cfgm.Load(); err != nil {
			return nil, err
		}
	}

	logSvc, log := logx.New(mapLogConfig(cfg), nil)
	appLog := log.With(logx.String("comp", "app"))

	ad := deps.Adapter
	if ad == nil {
		pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
		if err != nil {
			return nil, err
		}
		tg, err := telegram.New(telegram.Config{
			Token:       cfg.Telegram.Token,
			PollTimeout: pollTimeout,
			APIURL:      cfg.Telegram.APIURL,
		}, log)
		if err != nil {
			return nil, err
		}
		ad = tg
	}
	// Telegram log sink needs the adapter, which itself logs while starting.
	logSvc.SetSender(ad)

	repo := deps.Repo
	if repo == nil {
		sc, err := mapStorageConfig(cfg)
		if err != nil {
			return nil, err
		}
		if repo, err = storage.Open(sc, log); err != nil {
			return nil, fmt.Errorf("storage: %w", err)
		}
		appLog.Info("storage opened", logx.String("driver", sc.Driver), logx.String("path", sc.Path))
	}

	fetcher := deps.Fetcher
	if fetcher == nil {
		timeout, err := config.ParseDurationOrDefault("etherscan.timeout", cfg.Etherscan.Timeout, 10*time.Second)
		if err != nil {
			return nil, err
		}
		fetcher = gas.NewClient(cfg.Etherscan.BaseURL, cfg.Etherscan.APIKey,
			gas.WithTimeout(timeout),
			gas.WithLogger(log),
		)
	}

	bus := eventbus.New()
	m := metrics.New()
	registry := subscription.New(log)

	pcfg, err := mapPollerConfig(cfg)
	if err != nil {
		return nil, err
	}
	p, err := poller.New(pcfg, fetcher, registry,
		poller.WithBus(bus),
		poller.WithMetrics(m),
		poller.WithLogger(log),
	)
	if err != nil {
		return nil, &config.Error{Field: "poller.interval", Err: err}
	}

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	notif := notifier.New(ncfg, ad, log, bus, m)

	tn := threshold.New(repo, notif,
		threshold.WithLogger(log),
		threshold.WithMetrics(m),
		threshold.WithBus(bus),
		threshold.WithMaxParallel(maxParallel(cfg)),
	)

	handlers := commands.New(repo, p, commands.WithLogger(log))

	ocfg, err := mapOpsConfig(cfg)
	if err != nil {
		return nil, err
	}

	return &App{
		cfgm:      cfgm,
		log:       appLog,
		logs:      logSvc,
		bus:       bus,
		metrics:   m,
		repo:      repo,
		adapter:   ad,
		registry:  registry,
		poller:    p,
		threshold: tn,
		notif:     notif,
		handlers:  handlers,
		sched:     scheduler.New(mapSchedulerConfig(cfg), log, bus),
		ops:       ops.New(ocfg, p, m, log),
		updates:   make(chan kit.Update, 256),
	}, nil
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

// Latest exposes the poller's cached snapshot.
func (a *App) Latest() (gas.Info, bool) { return a.poller.Latest() }

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	// The adapter and the notifier outlive the app context so Stop can
	// drain queued notifications before the transport goes away.
	runCtx := context.WithoutCancel(ctx)

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(a.validateSchedules)

	if err := a.adapter.Start(runCtx, a.updates); err != nil {
		return err
	}
	a.notif.Start(runCtx)

	a.registry.Add(threshold.SubscriberName, a.threshold.Handle)

	a.router = router.New(a.log, a.adapter,
		router.WithMetrics(a.metrics),
		router.WithSupervisor(a.sup),
	)
	a.router.SetCommands(a.handlers.Commands())
	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.router.DispatchLoop(c, a.updates)
	})

	a.pollTask = a.poller.Start(a.sup.Context())

	a.registerJobs(a.cfgm.Get())
	a.sched.Start(a.sup.Context())
	a.ops.Start(a.sup.Context())

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
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started",
		logx.Duration("interval", a.poller.Interval()),
		logx.String("subscribers", strings.Join(a.registry.Names(), ",")),
	)
	return nil
}

func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(ctx, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, restart, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(restart) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.String("sections", strings.Join(restart, ",")))
	}
	if len(sections) == 0 {
		a.log.Info("config reloaded (no live changes)")
		return
	}

	a.logs.Apply(mapLogConfig(newCfg))

	if pcfg, err := mapPollerConfig(newCfg); err != nil {
		a.log.Warn("invalid poller config; keeping previous", logx.Err(err))
	} else if err := a.poller.SetInterval(pcfg.Interval); err != nil {
		a.log.Warn("poll interval rejected", logx.Err(err))
	}

	if ncfg, err := mapNotifierConfig(newCfg); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		wasEnabled := a.notif.Enabled()
		a.notif.Apply(ncfg)
		switch {
		case wasEnabled && !ncfg.Enabled:
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
			a.log.Info("notifier disabled via config")
		case !wasEnabled && ncfg.Enabled:
			a.notif.Start(context.WithoutCancel(ctx))
			a.log.Info("notifier enabled via config")
		}
	}

	a.registerJobs(newCfg)
	a.sched.Apply(ctx, mapSchedulerConfig(newCfg))

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config applied", fields...)
}

// Stop shuts components down in dependency order. Every step is bounded;
// a step that overruns is logged and skipped.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	if reason == "" {
		reason = StopUnknown
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

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
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
			go func() {
				if err := <-done; err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
				}
			}()
		}
	}

	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("poller", 3*time.Second, func(c context.Context) error {
		if a.pollTask == nil {
			return nil
		}
		return a.pollTask.Stop(c)
	})
	step("subscriptions", time.Second, func(context.Context) error {
		a.registry.Remove(threshold.SubscriberName)
		return nil
	})
	// The dispatcher exits with the app context; waiting on the supervisor
	// also covers the config watcher and the event logger.
	step("supervisor", 4*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("notifier", 3*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("adapter", 3*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("ops", 2*time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	step("storage", 2*time.Second, func(context.Context) error { return a.repo.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
