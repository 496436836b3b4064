// Package app wires configuration, transport, pipeline, scheduling and the
// operator bot into one process and owns their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"sigcast/internal/bot"
	"sigcast/internal/config"
	"sigcast/internal/eventbus"
	"sigcast/internal/observability"
	"sigcast/internal/pipeline"
	"sigcast/internal/runtime/supervisor"
	"sigcast/internal/schedule"
	"sigcast/internal/signals"
	"sigcast/internal/storage"
	kit "sigcast/internal/transport"
	"sigcast/internal/transport/telegram"
	logx "sigcast/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log     logx.Logger
	logs    *logx.Service
	bus     eventbus.Bus
	store   storage.Store
	metrics *observability.Metrics

	adapter *telegram.Adapter
	ctl     *pipeline.Controller
	sched   *schedule.Service
	bot     *bot.Bot
	ops     *observability.Server

	updates chan kit.Update
}

// New loads cfgPath and builds every component. Nothing runs until Start.
func New(cfgPath, version string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, logx.NewConsole("info").With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	// Bootstrap with the alert sink off so Apply does not warn about a
	// missing target, then set the target and apply the real config.
	logCfg := mapLogConfig(cfg)
	bootCfg := logCfg
	bootCfg.Telegram.Enabled = false
	logSvc, log := logx.New(bootCfg, ad)
	logSvc.SetTelegramTarget(groupLogTarget(cfg), cfg.Logging.Telegram.ThreadID)
	logSvc.Apply(logCfg)

	a := &App{
		cfgm:    cfgm,
		log:     log.With(logx.String("comp", "app")),
		logs:    logSvc,
		bus:     eventbus.New(),
		metrics: observability.NewMetrics(version),
		adapter: ad,
		updates: make(chan kit.Update, 256),
	}

	var recorder pipeline.RunRecorder
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		a.store = st
		recorder = runRecorder{store: st, log: log.With(logx.String("comp", "storage"))}
		a.log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	a.ctl, err = NewController(context.Background(), cfg, Deps{
		Bus:      a.bus,
		Metrics:  a.metrics,
		Recorder: recorder,
		Log:      log.With(logx.String("comp", "pipeline")),
	})
	if err != nil {
		a.closeStore()
		return nil, err
	}

	sc, err := mapScheduleConfig(cfg)
	if err != nil {
		a.closeStore()
		return nil, err
	}
	a.sched = schedule.New(sc, schedule.Autopost(a.ctl), log.With(logx.String("comp", "schedule")))

	a.bot = bot.New(bot.Options{
		Controller:   a.ctl,
		Store:        a.store,
		Adapter:      ad,
		Owners:       cfg.Telegram.OwnerUserIDs,
		Workers:      cfg.Telegram.Workers,
		NextAutopost: a.sched.Next,
		Log:          log.With(logx.String("comp", "bot")),
	})

	oc, err := mapOpsConfig(cfg)
	if err != nil {
		a.closeStore()
		return nil, err
	}
	a.ops = observability.NewServer(oc, a.metrics, log.With(logx.String("comp", "ops")))
	return a, nil
}

func (a *App) closeStore() {
	if a.store != nil {
		_ = a.store.Close()
	}
}

// Done is closed when the app context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error seen by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log.With(logx.String("comp", "app.sup"))),
		supervisor.WithCancelOnError(true),
	)
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateReload(cfg)
	})

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}

	a.sup.Go("bot.dispatch", func(c context.Context) error {
		return a.bot.Run(c, a.updates)
	})
	a.sup.Go("bot.events", a.bot.WatchEvents)
	a.sup.Go0("bot.menu", func(c context.Context) {
		if err := a.bot.Router().PublishMenu(c); err != nil {
			a.log.Warn("publish command menu failed", logx.Err(err))
		}
	})

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
				a.log.Debug("event", logx.String("type", e.Type))
			}
		}
	})

	cfg := a.cfgm.Get()
	if ids, err := SignalIDs(a.ctl.Catalog(), cfg.Signals.Selected); err != nil {
		a.log.Warn("initial selection ignored", logx.Err(err))
	} else if len(ids) > 0 {
		_ = a.ctl.SetSelection(ids)
		a.log.Info("initial selection", logx.Strs("signals", signals.Strings(ids)))
	}

	if err := a.sched.Start(a.sup.Context()); err != nil {
		a.log.Warn("autopost not started", logx.Err(err))
	}

	a.ops.SetHealth(a.health)
	a.ops.Start(a.sup.Context())

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				newCfg = drainNewest(sub, newCfg)
				a.applyConfig(c, last, newCfg)
				last = newCfg
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.startSystemd()
	a.log.Info("app started",
		logx.String("mode", string(a.ctl.Mode())),
		logx.Int("signals", a.ctl.Catalog().Len()),
		logx.Bool("autopost", a.sched.Enabled()),
	)
	return nil
}

// drainNewest coalesces a burst of reloads into the last one.
func drainNewest(sub chan *config.Config, cur *config.Config) *config.Config {
	for {
		select {
		case newer := <-sub:
			if newer != nil {
				cur = newer
			}
		default:
			return cur
		}
	}
}

func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	if restart := config.RestartRequired(prev, next); len(restart) > 0 {
		a.log.Warn("config changes need a restart", logx.Strs("sections", restart))
	}

	a.logs.SetTelegramTarget(groupLogTarget(next), next.Logging.Telegram.ThreadID)
	a.logs.Apply(mapLogConfig(next))

	a.bot.SetOwners(next.Telegram.OwnerUserIDs)

	// Session credentials follow the file only when the file changed them;
	// values set from chat survive unrelated reloads.
	if prev.Credentials.GenerationKey != next.Credentials.GenerationKey {
		a.ctl.SetGenerationKey(next.Credentials.GenerationKey)
	}
	if prev.Credentials.BotToken != next.Credentials.BotToken || prev.Credentials.ChannelID != next.Credentials.ChannelID {
		a.ctl.SetChannel(channelCredentials(next.Credentials))
	}
	if prev.Signals.Template != next.Signals.Template {
		a.ctl.SetTemplate(next.Signals.Template)
	}
	if !slices.Equal(prev.Signals.Selected, next.Signals.Selected) {
		if ids, err := SignalIDs(a.ctl.Catalog(), next.Signals.Selected); err != nil {
			a.log.Warn("selection not applied", logx.Err(err))
		} else {
			_ = a.ctl.SetSelection(ids)
		}
	}

	if sc, err := mapScheduleConfig(next); err != nil {
		a.log.Warn("invalid schedule config; keeping previous", logx.Err(err))
	} else if err := a.sched.Apply(sc); err != nil {
		a.log.Warn("schedule not applied; keeping previous", logx.Err(err))
	}

	if oc, err := mapOpsConfig(next); err != nil {
		a.log.Warn("invalid ops config; keeping previous", logx.Err(err))
	} else {
		a.ops.Reconfigure(ctx, oc)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// validateReload rejects configs the running components could not apply.
func validateReload(cfg *config.Config) error {
	var errs []error
	if sc, err := mapScheduleConfig(cfg); err != nil {
		errs = append(errs, err)
	} else if err := schedule.Check(sc); err != nil {
		errs = append(errs, fmt.Errorf("schedule.autopost: %w", err))
	}
	if _, err := mapOpsConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := SignalIDs(signals.New(cfg.Signals.Catalog), cfg.Signals.Selected); err != nil {
		errs = append(errs, fmt.Errorf("signals.selected: %w", err))
	}
	return errors.Join(errs...)
}

func (a *App) health() error {
	if a.sup == nil {
		return errors.New("not started")
	}
	if err := a.sup.Err(); err != nil {
		return err
	}
	select {
	case <-a.sup.Context().Done():
		return errors.New("stopping")
	default:
		return nil
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	notifySystemd(a.log, sdStopping)

	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		runStep(ctx, a.log, name, max, fn)
	}

	step("schedule", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("pipeline", 3*time.Second, a.ctl.Close)
	step("ops", 1*time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	step("adapter", 2*time.Second, a.adapter.Stop)
	step("storage", 1*time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// runStep bounds one shutdown step so a stuck component cannot stall the
// rest. It never extends the caller's deadline.
func runStep(ctx context.Context, log logx.Logger, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		log.Warn("stop step skipped, deadline reached", logx.String("name", name))
		return
	}
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
			log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		go func() {
			err := <-done
			log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", time.Since(start)), logx.Err(err))
		}()
	}
}
