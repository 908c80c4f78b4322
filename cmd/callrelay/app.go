package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"

	"github.com/securecall/callrelay/config"
	"github.com/securecall/callrelay/pkg/alert"
	"github.com/securecall/callrelay/pkg/api"
	"github.com/securecall/callrelay/pkg/api/handlers"
	"github.com/securecall/callrelay/pkg/consumer"
	"github.com/securecall/callrelay/pkg/keepalive"
	"github.com/securecall/callrelay/pkg/lifecycle"
	"github.com/securecall/callrelay/pkg/logger"
	"github.com/securecall/callrelay/pkg/metrics"
	"github.com/securecall/callrelay/pkg/pending"
	"github.com/securecall/callrelay/pkg/reconciler"
	"github.com/securecall/callrelay/pkg/storage"
	"github.com/securecall/callrelay/pkg/storage/badger"
	"github.com/securecall/callrelay/pkg/storage/memory"
	"github.com/securecall/callrelay/pkg/version"
)

// App is the assembled relay: storage, consumer bus, alert presenter,
// reconciler, keep-alive session and the HTTP surface in front of them.
type App struct {
	cfg    *config.Config
	logger logger.Logger

	metrics    *metrics.Manager
	store      storage.Store
	redis      *redis.Client
	bus        consumer.Bus
	presenter  *alert.Presenter
	reconciler *reconciler.Reconciler
	session    *keepalive.Session
	lifecycle  *lifecycle.Handler
	server     *api.HTTPServer
}

// NewApp builds every component from cfg. Components created before a failure
// are closed again.
func NewApp(cfg *config.Config, log logger.Logger) (app *App, err error) {
	log = logger.OrGlobal(log)
	a := &App{cfg: cfg, logger: log}
	defer func() {
		if err != nil {
			a.closeBackends()
		}
	}()

	a.metrics = metrics.NewManager(metrics.Config{
		Enabled:             cfg.Metrics.Enabled,
		Port:                cfg.Metrics.Port,
		Path:                cfg.Metrics.Path,
		HTTPDurationBuckets: metrics.DefaultConfig().HTTPDurationBuckets,
	})
	if a.metrics.Enabled() {
		pending.SetMetricsRecorder(a.metrics)
		consumer.SetMetricsRecorder(a.metrics)
		alert.SetMetricsRecorder(a.metrics)
		reconciler.SetMetricsRecorder(a.metrics)
		keepalive.SetMetricsRecorder(a.metrics)
	}

	if a.store, err = newStore(cfg.Storage, log); err != nil {
		return nil, err
	}

	if cfg.Consumer.Bus == "redis" || cfg.KeepAlive.Presence {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	switch cfg.Consumer.Bus {
	case "redis":
		a.bus = consumer.NewRedisBus(a.redis, cfg.Consumer.ChannelPrefix, cfg.Consumer.BufferSize)
	default:
		a.bus = consumer.NewLocalBus(cfg.Consumer.BufferSize)
	}

	renderer, err := newRenderer(cfg.Alert, log)
	if err != nil {
		return nil, err
	}
	a.presenter, err = alert.NewPresenter(alert.Options{
		Renderer:    renderer,
		DedupWindow: cfg.Delivery.DedupWindow,
		Capacity:    cfg.Alert.Capacity,
		Logger:      log.Component("alert"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create alert presenter: %w", err)
	}

	resources := []keepalive.Resource{
		keepalive.NewHeartbeat(a.probeBus, cfg.KeepAlive.HeartbeatInterval, nil, log.Component("keepalive")),
	}
	if cfg.KeepAlive.Presence {
		hostname, _ := os.Hostname()
		resources = append(resources, keepalive.NewRedisPresence(a.redis, cfg.KeepAlive.PresenceKey, hostname))
	}
	a.session, err = keepalive.NewSession(keepalive.Options{
		Authenticator: storage.NewAuthenticator(a.store),
		Resources:     resources,
		Ceiling:       cfg.KeepAlive.Ceiling,
		Logger:        log.Component("keepalive"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create keep-alive session: %w", err)
	}

	opts := reconciler.Options{
		Readiness: a.bus,
		Emitter:   a.bus,
		Presenter: a.presenter,
		Policy: pending.RetryPolicy{
			MaxAttempts:  cfg.Delivery.RetryMaxAttempts,
			InitialDelay: cfg.Delivery.RetryInitialDelay,
			Multiplier:   cfg.Delivery.RetryMultiplier,
			MaxDelay:     cfg.Delivery.RetryMaxDelay,
		},
		DedupWindow:    cfg.Delivery.DedupWindow,
		RecentCapacity: cfg.Delivery.RecentCapacity,
		Logger:         log.Component("reconciler"),
	}
	if cfg.Delivery.RequireKeepAlive {
		opts.Gate = a.session
	}
	if a.reconciler, err = reconciler.New(opts); err != nil {
		return nil, fmt.Errorf("failed to create reconciler: %w", err)
	}
	a.bus.OnAttach(func() {
		a.reconciler.ConsumerReady(context.Background())
	})
	a.bus.OnUndelivered(func(evs []*consumer.Event) {
		a.reconciler.Requeue(context.Background(), evs)
	})

	a.lifecycle, err = lifecycle.NewHandler(lifecycle.Options{
		KeepAlive:   a.session,
		Flusher:     a.reconciler,
		ResumeDelay: cfg.Delivery.ResumeDelay,
		Logger:      log.Component("lifecycle"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create lifecycle handler: %w", err)
	}

	a.server = api.NewHTTPServer(cfg, log, a.handlers())
	return a, nil
}

func newStore(cfg config.StorageConfig, log logger.Logger) (storage.Store, error) {
	switch cfg.Type {
	case "badger":
		store, err := badger.NewBadgerStorage(&badger.Config{
			Path:              cfg.Badger.Path,
			SyncWrites:        cfg.Badger.SyncWrites,
			ValueLogFileSize:  cfg.Badger.ValueLogFileSize,
			NumVersionsToKeep: cfg.Badger.NumVersionsToKeep,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open badger storage: %w", err)
		}
		log.Info("initialized badger storage", "path", cfg.Badger.Path)
		return store, nil
	default:
		log.Info("initialized memory storage")
		return memory.NewMemoryStorage(), nil
	}
}

func newRenderer(cfg config.AlertConfig, log logger.Logger) (alert.Renderer, error) {
	if cfg.Renderer != "webhook" {
		return alert.NewLogRenderer(log.Component("renderer")), nil
	}
	r, err := alert.NewWebhookRenderer(alert.WebhookConfig{
		BaseURL:    cfg.Webhook.URL,
		Token:      cfg.Webhook.Token,
		Timeout:    cfg.Webhook.Timeout,
		RetryCount: cfg.Webhook.RetryCount,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create webhook renderer: %w", err)
	}
	return r, nil
}

func (a *App) probeBus(context.Context) error {
	if !a.bus.Healthy() {
		return errors.New("consumer bus unhealthy")
	}
	return nil
}

func (a *App) checkStorage(ctx context.Context) error {
	if _, err := a.store.Credentials(ctx); err != nil && !storage.IsNotFound(err) {
		return err
	}
	return nil
}

func (a *App) status(context.Context) any {
	return map[string]any{
		"version":       version.String(),
		"keepAlive":     a.session.State(),
		"pending":       a.reconciler.PendingCount(),
		"consumerReady": a.bus.Ready(),
		"activeAlerts":  a.presenter.Len(),
	}
}

func (a *App) handlers() *api.Handlers {
	log := a.logger.Component("api")
	h := &api.Handlers{
		Signals:   handlers.NewSignalHandler(a.reconciler, log, a.cfg.Server.HTTP.MaxBodyBytes),
		KeepAlive: handlers.NewKeepAliveHandler(a.session, log),
		Session: handlers.NewSessionHandler(handlers.SessionOptions{
			Store:        a.store,
			Dispatcher:   a.lifecycle,
			Logger:       log,
			MaxBodyBytes: a.cfg.Server.HTTP.MaxBodyBytes,
		}),
		Lifecycle: handlers.NewLifecycleHandler(a.lifecycle, log),
		Alerts:    handlers.NewAlertHandler(a.presenter, log),
		Consumer: handlers.NewConsumerSocketHandler(a.bus, log, handlers.ConsumerSocketConfig{
			PingInterval: a.cfg.Consumer.PingInterval,
			WriteTimeout: a.cfg.Consumer.WriteTimeout,
		}),
		Health: handlers.NewHealthHandler(map[string]handlers.Check{
			"consumer_bus": a.probeBus,
			"storage":      a.checkStorage,
		}, a.status),
	}
	if a.metrics.Enabled() {
		h.Metrics = a.metrics
	}
	return h
}

// Run dispatches the boot event, serves HTTP and blocks until ctx is
// cancelled or the server fails.
func (a *App) Run(ctx context.Context) error {
	if a.metrics.Enabled() {
		go func() {
			a.logger.Info("starting metrics server", "port", a.cfg.Metrics.Port, "path", a.cfg.Metrics.Path)
			if err := a.metrics.StartServer(ctx, a.cfg.Metrics.Port, a.cfg.Metrics.Path); err != nil {
				a.logger.Error("metrics server error", "error", err)
			}
		}()
	}

	if out, err := a.lifecycle.Handle(ctx, lifecycle.EventBoot); err != nil {
		a.logger.Warn("boot keep-alive failed", "error", err)
	} else {
		a.logger.Info("boot handled", "action", out.Action)
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- a.server.Start()
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-serverErr:
		return err
	}
}

// Shutdown stops the HTTP surface first, then releases the keep-alive session
// and closes the backends.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	if err := a.server.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if _, err := a.lifecycle.Handle(ctx, lifecycle.EventShutdown); err != nil {
		errs = append(errs, fmt.Errorf("keep-alive stop: %w", err))
	}
	if dropped := a.reconciler.Close(); dropped > 0 {
		a.logger.Warn("pending signals discarded", "count", dropped)
	}
	errs = append(errs, a.closeBackends())
	return errors.Join(errs...)
}

func (a *App) closeBackends() error {
	var errs []error
	if a.bus != nil {
		if err := a.bus.Close(); err != nil {
			errs = append(errs, fmt.Errorf("consumer bus: %w", err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("storage: %w", err))
		}
	}
	return errors.Join(errs...)
}
