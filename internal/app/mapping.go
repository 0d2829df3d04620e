package app

import (
	"time"

	"tayang/internal/config"
	"tayang/internal/dispatch"
	"tayang/internal/event"
	"tayang/internal/eventbus"
	"tayang/internal/eventlog"
)

// Config mapping between the file surface (string durations) and the typed
// component configs.

func mapStoreConfig(cfg *config.Config) (eventlog.Config, error) {
	flush, err := config.ParseDurationOrDefault("store.flush_interval", cfg.Store.FlushInterval, 500*time.Millisecond)
	if err != nil {
		return eventlog.Config{}, err
	}
	busy, err := config.ParseDurationOrDefault("store.busy_timeout", cfg.Store.BusyTimeout, 5*time.Second)
	if err != nil {
		return eventlog.Config{}, err
	}
	return eventlog.Config{
		Path:          cfg.Store.Path,
		BatchSize:     cfg.Store.BatchSize,
		FlushInterval: flush,
		BusyTimeout:   busy,
		QueueSize:     cfg.Store.QueueSize,
	}, nil
}

func mapBusConfig(cfg *config.Config) (eventbus.Config, error) {
	lt, err := config.ParseDurationOrDefault("bus.listener_timeout", cfg.Bus.ListenerTimeout, 2*time.Second)
	if err != nil {
		return eventbus.Config{}, err
	}
	return eventbus.Config{ListenerTimeout: lt}, nil
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	retryBase, err := config.ParseDurationOrDefault("webhooks.retry_base", cfg.Webhooks.RetryBase, 500*time.Millisecond)
	if err != nil {
		return dispatch.Config{}, err
	}
	retryMaxDelay, err := config.ParseDurationOrDefault("webhooks.retry_max_delay", cfg.Webhooks.RetryMaxDelay, 30*time.Second)
	if err != nil {
		return dispatch.Config{}, err
	}
	reqTimeout, err := config.ParseDurationOrDefault("webhooks.request_timeout", cfg.Webhooks.RequestTimeout, 10*time.Second)
	if err != nil {
		return dispatch.Config{}, err
	}
	kinds := make([]event.Kind, 0, len(cfg.Webhooks.EnabledKinds))
	for _, raw := range cfg.Webhooks.EnabledKinds {
		k, err := event.ParseKind(raw)
		if err != nil {
			return dispatch.Config{}, err
		}
		kinds = append(kinds, k)
	}
	return dispatch.Config{
		Workers:           cfg.Webhooks.Workers,
		QueueSize:         cfg.Webhooks.QueueSize,
		PerTargetInflight: cfg.Webhooks.PerTargetInflight,
		RatePerSec:        cfg.Webhooks.RatePerSec,
		RetryMax:          cfg.Webhooks.RetryMax,
		RetryBase:         retryBase,
		RetryMaxDelay:     retryMaxDelay,
		RetryJitter:       cfg.Webhooks.RetryJitter,
		RequestTimeout:    reqTimeout,
		EnabledKinds:      kinds,
	}, nil
}
