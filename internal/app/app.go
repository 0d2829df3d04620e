// Package app assembles the notification pipeline: config, logging, the
// durable event log, the event bus, the subscription registry, rendering,
// and the webhook dispatcher.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"tayang/internal/config"
	"tayang/internal/dispatch"
	"tayang/internal/event"
	"tayang/internal/eventbus"
	"tayang/internal/eventlog"
	"tayang/internal/i18n"
	"tayang/internal/render"
	"tayang/internal/runtime/supervisor"
	"tayang/internal/subscription"
	logx "tayang/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service

	store    *eventlog.Store
	bus      *eventbus.Bus
	registry *subscription.Registry
	renderer *render.Renderer
	disp     *dispatch.Dispatcher

	webhooksOn bool
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
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
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	storeCfg, err := mapStoreConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := eventlog.Open(storeCfg, log.With(logx.String("comp", "eventlog")))
	if err != nil {
		return nil, err
	}

	busCfg, err := mapBusConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	bus := eventbus.New(store, busCfg, log.With(logx.String("comp", "eventbus")))

	registry := subscription.NewRegistry(store, log.With(logx.String("comp", "subscriptions")))

	catalog := i18n.New(log.With(logx.String("comp", "i18n")))
	renderer := render.New(catalog, log.With(logx.String("comp", "render")))

	dispCfg, err := mapDispatchConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	transport := dispatch.NewHTTPTransport(&http.Client{}, dispatch.WebhookConfig{
		Username:  cfg.Webhooks.Username,
		AvatarURL: cfg.Webhooks.AvatarURL,
	})
	disp := dispatch.New(registry, renderer, store, transport, dispCfg, log.With(logx.String("comp", "dispatch")))
	bus.Subscribe("dispatch", disp)

	return &App{
		cfgPath:    cfgPath,
		cfgm:       cfgm,
		log:        log,
		logs:       logSvc,
		store:      store,
		bus:        bus,
		registry:   registry,
		renderer:   renderer,
		disp:       disp,
		webhooksOn: cfg.Webhooks.Enabled,
	}, nil
}

// Bus exposes the recording entry point.
func (a *App) Bus() *eventbus.Bus { return a.bus }

// Subscriptions exposes the registry for operator tooling.
func (a *App) Subscriptions() *subscription.Registry { return a.registry }

// Events exposes the durable log for history queries.
func (a *App) Events() *eventlog.Store { return a.store }

// Record builds, validates, and records one lifecycle event.
func (a *App) Record(ctx context.Context, projectID uuid.UUID, p event.Payload) (event.Event, error) {
	e, err := event.New(projectID, p)
	if err != nil {
		return event.Event{}, err
	}
	return a.bus.Record(ctx, e)
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	a.store.Start(a.sup.Context())

	if err := a.registry.Load(ctx); err != nil {
		return err
	}

	// Resume per-project numbering after what the log already holds.
	seqs, err := a.store.LastSequences(ctx)
	if err != nil {
		return fmt.Errorf("restore sequences: %w", err)
	}
	for proj, last := range seqs {
		a.bus.SeedSequence(proj, last)
	}

	if a.webhooksOn {
		a.disp.Start(a.sup.Context())
	} else {
		a.log.Info("webhook delivery disabled")
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return nil
			case cfg, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts; only the newest snapshot matters.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							cfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyConfig(c, cfg)
			}
		}
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("started")
	return nil
}

func (a *App) applyConfig(ctx context.Context, cfg *config.Config) {
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	dispCfg, err := mapDispatchConfig(cfg)
	if err != nil {
		// Validate() already vetted the durations; reaching this means a gap
		// in validation, not a user error.
		a.log.Warn("config apply skipped for webhooks", logx.Err(err))
		return
	}
	a.disp.Apply(dispCfg)

	if a.webhooksOn && !cfg.Webhooks.Enabled {
		a.log.Info("webhook delivery disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.disp.Stop(stopCtx)
		cancel()
		a.webhooksOn = false
	} else if !a.webhooksOn && cfg.Webhooks.Enabled {
		a.log.Info("webhook delivery enabled via config")
		a.disp.Start(a.sup.Context())
		a.webhooksOn = true
	}

	a.log.Info("config applied")
}

// Stop shuts the pipeline down in dependency order: dispatcher first so no
// new deliveries start, then the log writer drains, then the database closes.
func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context)) {
		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, max)
		}
		start := time.Now()
		fn(stepCtx)
		if cancel != nil {
			cancel()
		}
		a.log.Debug("stop step done", logx.String("name", name), logx.Duration("took", time.Since(start)))
	}

	step("dispatch", 4*time.Second, func(c context.Context) { a.disp.Stop(c) })
	step("eventlog", 3*time.Second, func(c context.Context) { a.store.Stop(c) })
	step("supervisor", 2*time.Second, func(c context.Context) { _ = a.sup.Wait(c) })

	if err := a.store.Close(); err != nil {
		a.log.Warn("closing event log", logx.Err(err))
	}
	_ = a.logs.Close()
	a.log.Info("stopped")
	return nil
}
