package config

import (
	"fmt"
	"strings"

	"tayang/internal/event"
)

// Config is the full daemon configuration.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Unknown keys are rejected at decode time so typos surface on reload
// instead of silently using defaults.
type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Store    StoreConfig    `json:"store"`
	Bus      BusConfig      `json:"bus,omitempty"`
	Webhooks WebhooksConfig `json:"webhooks"`
	Locales  LocalesConfig  `json:"locales,omitempty"`
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

// StoreConfig controls the sqlite event log.
type StoreConfig struct {
	Path          string `json:"path"`
	BatchSize     int    `json:"batch_size,omitempty"`
	FlushInterval string `json:"flush_interval,omitempty"`
	BusyTimeout   string `json:"busy_timeout,omitempty"`
	QueueSize     int    `json:"queue_size,omitempty"`
}

type BusConfig struct {
	// ListenerTimeout bounds each listener notification. Default "2s".
	ListenerTimeout string `json:"listener_timeout,omitempty"`
}

// WebhooksConfig controls the delivery dispatcher.
type WebhooksConfig struct {
	Enabled   bool `json:"enabled"`
	Workers   int  `json:"workers,omitempty"`
	QueueSize int  `json:"queue_size,omitempty"`

	PerTargetInflight int     `json:"per_target_inflight,omitempty"`
	RatePerSec        float64 `json:"rate_per_sec,omitempty"`

	RetryMax       int     `json:"retry_max,omitempty"`
	RetryBase      string  `json:"retry_base,omitempty"`
	RetryMaxDelay  string  `json:"retry_max_delay,omitempty"`
	RetryJitter    float64 `json:"retry_jitter,omitempty"`
	RequestTimeout string  `json:"request_timeout,omitempty"`

	// EnabledKinds filters which event kinds are delivered at all.
	// Empty means all kinds.
	EnabledKinds []string `json:"enabled_kinds,omitempty"`

	// Sender identity on the outgoing Discord-compatible payload.
	Username  string `json:"username,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

type LocalesConfig struct {
	Supported []string `json:"supported,omitempty"`
	Default   string   `json:"default,omitempty"`
}

// Validate checks cross-field constraints that the strict decoder cannot.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Store.Path) == "" {
		return fmt.Errorf("store.path must not be empty")
	}
	for _, field := range []struct {
		path string
		raw  string
	}{
		{"store.flush_interval", c.Store.FlushInterval},
		{"store.busy_timeout", c.Store.BusyTimeout},
		{"bus.listener_timeout", c.Bus.ListenerTimeout},
		{"webhooks.retry_base", c.Webhooks.RetryBase},
		{"webhooks.retry_max_delay", c.Webhooks.RetryMaxDelay},
		{"webhooks.request_timeout", c.Webhooks.RequestTimeout},
	} {
		if _, err := ParseDurationField(field.path, field.raw); err != nil {
			return err
		}
	}
	if c.Webhooks.RetryJitter < 0 || c.Webhooks.RetryJitter > 1 {
		return fmt.Errorf("webhooks.retry_jitter must be within [0, 1]")
	}
	if c.Webhooks.RatePerSec < 0 {
		return fmt.Errorf("webhooks.rate_per_sec must be >= 0")
	}
	for _, raw := range c.Webhooks.EnabledKinds {
		if _, err := event.ParseKind(raw); err != nil {
			return fmt.Errorf("webhooks.enabled_kinds: %w", err)
		}
	}
	if d := strings.TrimSpace(c.Locales.Default); d != "" && len(c.Locales.Supported) > 0 {
		found := false
		for _, l := range c.Locales.Supported {
			if strings.EqualFold(strings.TrimSpace(l), d) {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("locales.default %q is not in locales.supported", d)
		}
	}
	return nil
}
