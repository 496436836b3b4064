package config

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	ProviderBackend = "backend"
	ProviderGemini  = "gemini"

	SinkTelegram = "telegram"
	SinkBackend  = "backend"

	ModeCombined  = "combined"
	ModePerSignal = "per_signal"

	DefaultGeminiModel = "gemini-2.0-flash"
	DefaultPacing      = time.Second
	DefaultOpsAddr     = "127.0.0.1:9464"
)

// ApplyDefaults fills zero values. It is idempotent.
func (c *Config) ApplyDefaults() {
	if c.Generation.Provider == "" {
		c.Generation.Provider = ProviderBackend
	}
	if c.Generation.Provider == ProviderGemini && c.Generation.Model == "" {
		c.Generation.Model = DefaultGeminiModel
	}
	if c.Delivery.Sink == "" {
		c.Delivery.Sink = SinkTelegram
	}
	if c.Delivery.RatePerSec <= 0 {
		c.Delivery.RatePerSec = 1
	}
	if c.Pipeline.Mode == "" {
		c.Pipeline.Mode = ModeCombined
	}
	if c.Telegram.Workers <= 0 {
		c.Telegram.Workers = 1
	}
	if c.Ops.Addr == "" {
		c.Ops.Addr = DefaultOpsAddr
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate reports every problem it finds, joined.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if strings.TrimSpace(c.Telegram.Token) == "" {
		add("telegram.token is required")
	}
	if len(c.Telegram.OwnerUserIDs) == 0 {
		add("telegram.owner_user_ids must list at least one user")
	}
	if g := strings.TrimSpace(c.Telegram.GroupLog); g != "" {
		if _, err := strconv.ParseInt(g, 10, 64); err != nil {
			add("telegram.group_log must be a numeric chat id")
		}
	}

	needsBackend := c.Generation.Provider == ProviderBackend || c.Delivery.Sink == SinkBackend
	if err := validateBaseURL(c.Backend.BaseURL, needsBackend); err != nil {
		add("backend.base_url: %v", err)
	}

	switch c.Generation.Provider {
	case ProviderBackend, ProviderGemini:
	default:
		add("generation.provider: unknown provider %q", c.Generation.Provider)
	}
	switch c.Delivery.Sink {
	case SinkTelegram, SinkBackend:
	default:
		add("delivery.sink: unknown sink %q", c.Delivery.Sink)
	}
	switch c.Pipeline.Mode {
	case ModeCombined, ModePerSignal:
	default:
		add("pipeline.mode: unknown mode %q", c.Pipeline.Mode)
	}

	for _, d := range c.durationFields() {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			errs = append(errs, err)
		}
	}

	if tz := strings.TrimSpace(c.Schedule.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add("schedule.timezone: %v", err)
		}
	}
	if c.Schedule.Autopost.Enabled && strings.TrimSpace(c.Schedule.Autopost.Spec) == "" {
		add("schedule.autopost.spec is required when autopost is enabled")
	}

	if s := c.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none":
		case "file", "sqlite":
			if strings.TrimSpace(s.Path) == "" {
				add("storage.path is required for driver %q", s.Driver)
			}
		default:
			add("storage.driver: unknown driver %q", s.Driver)
		}
	}

	return errors.Join(errs...)
}

func validateBaseURL(raw string, required bool) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		if required {
			return errors.New("required by the configured provider or sink")
		}
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("host is empty")
	}
	return nil
}
