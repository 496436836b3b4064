package app

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"sigcast/internal/config"
	"sigcast/internal/delivery"
	"sigcast/internal/eventbus"
	"sigcast/internal/fetch"
	"sigcast/internal/generate"
	"sigcast/internal/observability"
	"sigcast/internal/pipeline"
	"sigcast/internal/schedule"
	"sigcast/internal/signals"
	"sigcast/internal/storage"
	logx "sigcast/pkg/logx"
)

// Deps are the shared collaborators of a controller. All fields are optional.
type Deps struct {
	Bus      eventbus.Bus
	Metrics  *observability.Metrics
	Recorder pipeline.RunRecorder
	Log      logx.Logger
}

// NewController builds the pipeline controller described by cfg. The
// initial selection is not applied; callers do that once they are ready to
// receive fetch events.
func NewController(ctx context.Context, cfg *config.Config, d Deps) (*pipeline.Controller, error) {
	timeout, err := config.ParseDurationField("backend.timeout", cfg.Backend.Timeout)
	if err != nil {
		return nil, err
	}
	pacing, err := config.ParseDurationOrDefault("delivery.pacing", cfg.Delivery.Pacing, delivery.DefaultPacing)
	if err != nil {
		return nil, err
	}

	catalog := signals.New(cfg.Signals.Catalog)
	source := fetch.NewHTTPSource(cfg.Backend.BaseURL, timeout, nil)
	fetcher := fetch.NewCoordinator(catalog, source, fetch.NewStore())

	gen, val, err := newGenerator(cfg, timeout)
	if err != nil {
		return nil, err
	}
	sink, err := newSink(cfg, timeout)
	if err != nil {
		return nil, err
	}

	var sessions pipeline.SessionIntegrator
	if strings.TrimSpace(cfg.Backend.BaseURL) != "" {
		sessions = delivery.NewSessionClient(cfg.Backend.BaseURL, timeout, nil)
	}

	return pipeline.New(ctx, pipeline.Options{
		Catalog:   catalog,
		Fetcher:   fetcher,
		Generator: gen,
		Validator: val,
		Deliverer: delivery.New(sink, nil, pacing),
		Sessions:  sessions,
		Mode:      pipeline.Mode(cfg.Pipeline.Mode),
		Template:  cfg.Signals.Template,
		GenKey:    cfg.Credentials.GenerationKey,
		Channel:   channelCredentials(cfg.Credentials),
		Bus:       d.Bus,
		Metrics:   d.Metrics,
		Recorder:  d.Recorder,
		Log:       d.Log,
	}), nil
}

func newGenerator(cfg *config.Config, timeout time.Duration) (generate.Generator, generate.Validator, error) {
	switch cfg.Generation.Provider {
	case config.ProviderGemini:
		g := generate.NewGemini(cfg.Generation.Model, "")
		return generate.NewInvoker(config.ProviderGemini, g), g, nil
	case config.ProviderBackend, "":
		b := generate.NewBackend(cfg.Backend.BaseURL, timeout, nil)
		return generate.NewInvoker(config.ProviderBackend, b), b, nil
	default:
		return nil, nil, fmt.Errorf("generation.provider: unknown provider %q", cfg.Generation.Provider)
	}
}

func newSink(cfg *config.Config, timeout time.Duration) (delivery.Sink, error) {
	switch cfg.Delivery.Sink {
	case config.SinkBackend:
		return delivery.NewBackendSink(cfg.Backend.BaseURL, timeout, nil), nil
	case config.SinkTelegram, "":
		return delivery.NewTelegramSink(cfg.Delivery.RatePerSec, ""), nil
	default:
		return nil, fmt.Errorf("delivery.sink: unknown sink %q", cfg.Delivery.Sink)
	}
}

func channelCredentials(c config.CredentialsConfig) delivery.Credentials {
	return delivery.Credentials{
		BotToken:  strings.TrimSpace(c.BotToken),
		ChannelID: strings.TrimSpace(c.ChannelID),
	}
}

// SignalIDs converts configured ids, rejecting any the catalog lacks.
func SignalIDs(catalog *signals.Catalog, raw []string) ([]signals.ID, error) {
	out := make([]signals.ID, 0, len(raw))
	for _, s := range raw {
		id := signals.ID(strings.TrimSpace(s))
		if id == "" {
			continue
		}
		if !catalog.Contains(id) {
			return nil, fmt.Errorf("%w: %s", pipeline.ErrUnknownSignal, id)
		}
		out = append(out, id)
	}
	return out, nil
}

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

// groupLogTarget returns the alert chat, or 0 when unset or malformed.
func groupLogTarget(cfg *config.Config) int64 {
	g := strings.TrimSpace(cfg.Telegram.GroupLog)
	if g == "" {
		return 0
	}
	id, err := strconv.ParseInt(g, 10, 64)
	if err != nil {
		return 0
	}
	return id
}

func mapScheduleConfig(cfg *config.Config) (schedule.Config, error) {
	timeout, err := config.ParseDurationField("schedule.autopost.timeout", cfg.Schedule.Autopost.Timeout)
	if err != nil {
		return schedule.Config{}, err
	}
	return schedule.Config{
		Enabled:  cfg.Schedule.Autopost.Enabled,
		Spec:     cfg.Schedule.Autopost.Spec,
		Timeout:  timeout,
		Timezone: cfg.Schedule.Timezone,
	}, nil
}

// mapStorageConfig reports enabled=false for a missing section or driver
// "none".
func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, false, err
	}
	return storage.Config{
		Driver:      driver,
		Path:        strings.TrimSpace(cfg.Storage.Path),
		BusyTimeout: busy,
	}, true, nil
}

func mapOpsConfig(cfg *config.Config) (observability.ServerConfig, error) {
	var out observability.ServerConfig
	var err error
	o := cfg.Ops
	if out.ReadTimeout, err = config.ParseDurationField("ops.read_timeout", o.ReadTimeout); err != nil {
		return out, err
	}
	if out.WriteTimeout, err = config.ParseDurationField("ops.write_timeout", o.WriteTimeout); err != nil {
		return out, err
	}
	if out.IdleTimeout, err = config.ParseDurationField("ops.idle_timeout", o.IdleTimeout); err != nil {
		return out, err
	}
	out.Enabled = o.Enabled
	out.Addr = o.Addr
	if out.Addr == "" {
		out.Addr = observability.DefaultAddr
	}
	out.Token = o.Token
	out.AllowInsecure = o.AllowInsecure
	out.Pprof = o.Pprof
	return out, nil
}

// runRecorder persists finished runs. Storage errors are logged and
// dropped; history is best effort.
type runRecorder struct {
	store storage.Store
	log   logx.Logger
}

func (r runRecorder) RecordRun(s pipeline.RunSummary) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.store.AppendRun(ctx, toRunRecord(s)); err != nil {
		r.log.Warn("record run failed", logx.String("run", s.RunID), logx.Err(err))
	}
}

func toRunRecord(s pipeline.RunSummary) storage.RunRecord {
	rec := storage.RunRecord{
		RunID:     s.RunID,
		At:        s.StartedAt.UTC(),
		Trigger:   s.Trigger,
		Mode:      string(s.Mode),
		Signals:   signals.Strings(s.Signals),
		Items:     make([]storage.ItemRecord, 0, len(s.Records)),
		Succeeded: s.Succeeded,
		Total:     s.Total,
		TookMS:    s.Duration.Milliseconds(),
	}
	for _, r := range s.Records {
		rec.Items = append(rec.Items, storage.ItemRecord{
			Label:  r.Label,
			Status: string(r.Status),
			Error:  r.Err,
		})
	}
	if s.Err != nil {
		rec.Error = s.Err.Error()
	}
	return rec
}
