package schedule

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"sigcast/internal/pipeline"
	logx "sigcast/pkg/logx"
)

// Job is one scheduled run. ctx carries the per-run timeout.
type Job func(ctx context.Context) error

type Config struct {
	Enabled  bool
	Spec     string
	Timeout  time.Duration
	Timezone string
}

type Service struct {
	log    logx.Logger
	job    Job
	parser cron.Parser

	mu    sync.Mutex
	cfg   Config
	ctx   context.Context
	c     *cron.Cron
	entry cron.EntryID

	running atomic.Bool
	runs    atomic.Uint64
	skipped atomic.Uint64
}

func New(cfg Config, job Job, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log: log,
		job: job,
		cfg: cfg,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Check reports whether cfg would be accepted by Apply.
func Check(cfg Config) error {
	if !cfg.Enabled {
		return nil
	}
	s := New(cfg, nil, logx.Nop())
	_, err := s.buildSchedule(cfg.Spec)
	if err != nil {
		return err
	}
	_, err = loadLocation(cfg.Timezone)
	return err
}

// Start begins triggering. ctx is the parent of every run; callers still
// call Stop on shutdown.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx != nil {
		return nil
	}
	s.ctx = ctx
	return s.rebuildLocked()
}

// Apply swaps the config. When started, the cron is rebuilt. On error the
// previous schedule keeps running.
func (s *Service) Apply(cfg Config) error {
	if err := Check(cfg); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg == cfg {
		return nil
	}
	s.cfg = cfg
	if s.ctx == nil {
		return nil
	}
	return s.rebuildLocked()
}

func (s *Service) rebuildLocked() error {
	if s.c != nil {
		s.c.Stop()
		s.c = nil
		s.entry = 0
	}
	cfg := s.cfg
	if !cfg.Enabled {
		s.log.Info("autopost disabled")
		return nil
	}
	sched, err := s.buildSchedule(cfg.Spec)
	if err != nil {
		return err
	}
	loc, err := loadLocation(cfg.Timezone)
	if err != nil {
		return err
	}
	cl := cronLogger{log: s.log}
	s.c = cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl)),
	)
	s.entry = s.c.Schedule(sched, cron.FuncJob(s.tick))
	s.c.Start()
	s.log.Info("autopost scheduled",
		logx.String("spec", cfg.Spec),
		logx.String("tz", loc.String()),
		logx.Any("next", s.c.Entry(s.entry).Next),
	)
	return nil
}

func (s *Service) buildSchedule(raw string) (cron.Schedule, error) {
	ps, err := ParseSchedule(raw)
	if err != nil {
		return nil, err
	}
	if ps.Kind == SpecInterval {
		return cron.Every(ps.Every), nil
	}
	sched, err := s.parser.Parse(ps.Cron)
	if err != nil {
		return nil, fmt.Errorf("invalid cron %q: %w", ps.Cron, err)
	}
	return sched, nil
}

func loadLocation(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local, nil
	}
	return time.LoadLocation(tz)
}

// Stop halts triggering and waits for a running job (bounded by ctx).
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.entry = 0
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.c != nil
}

// Next returns the next trigger time, or zero when not scheduled.
func (s *Service) Next() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return time.Time{}
	}
	return s.c.Entry(s.entry).Next
}

// Stats returns completed and skipped tick counts.
func (s *Service) Stats() (runs, skipped uint64) {
	return s.runs.Load(), s.skipped.Load()
}

func (s *Service) tick() { s.RunNow() }

// RunNow runs the job synchronously unless a run is already active, in
// which case it returns false.
func (s *Service) RunNow() bool {
	if !s.running.CompareAndSwap(false, true) {
		s.skipped.Add(1)
		s.log.Info("autopost skipped, previous run still active")
		return false
	}
	defer s.running.Store(false)

	s.mu.Lock()
	base, timeout := s.ctx, s.cfg.Timeout
	s.mu.Unlock()
	if base == nil {
		base = context.Background()
	}
	ctx := base
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(base, timeout)
		defer cancel()
	}

	start := time.Now()
	err := s.job(ctx)
	s.runs.Add(1)
	switch {
	case err == nil:
		s.log.Info("autopost finished", logx.Duration("took", time.Since(start)))
	case errors.Is(err, pipeline.ErrNotReady), errors.Is(err, pipeline.ErrBusy):
		s.log.Info("autopost skipped", logx.Err(err))
	default:
		s.log.Warn("autopost failed", logx.Err(err), logx.Duration("took", time.Since(start)))
	}
	return true
}
