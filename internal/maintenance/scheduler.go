// Package maintenance runs the periodic housekeeping tasks on cron
// schedules: cache expiry, LRU eviction and stats snapshots.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/kalambet/genreview/internal/stats"
)

// Task names.
const (
	TaskExpire   = "cache-expire"
	TaskEvict    = "cache-evict"
	TaskSnapshot = "stats-snapshot"
)

const defaultTaskTimeout = 2 * time.Minute

type Cache interface {
	Expire(ctx context.Context) (int, error)
	EvictLRU(ctx context.Context, maxEntries int) (int, error)
}

type Snapshotter interface {
	Snapshot(ctx context.Context) (stats.Dashboard, error)
}

// Config holds standard 5-field cron expressions. An empty schedule
// disables its task.
type Config struct {
	ExpireSchedule   string
	EvictSchedule    string
	SnapshotSchedule string
	MaxEntries       int
	TaskTimeout      time.Duration
}

type Scheduler struct {
	cfg    Config
	cache  Cache
	snap   Snapshotter
	logger *slog.Logger
	cron   *cron.Cron
	tasks  map[string]func(context.Context) error
	// scheduled holds the names registered with cron, sorted.
	scheduled []string

	ctx    context.Context
	cancel context.CancelFunc
}

// New validates every schedule and registers the enabled tasks. snap may be
// nil when no metrics store is configured.
func New(cfg Config, c Cache, snap Snapshotter, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = defaultTaskTimeout
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	cl := cronLogger{logger}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cfg:    cfg,
		cache:  c,
		snap:   snap,
		logger: logger,
		cron: cron.New(cron.WithParser(parser), cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		tasks:  map[string]func(context.Context) error{},
		ctx:    ctx,
		cancel: cancel,
	}

	s.tasks[TaskExpire] = s.expire
	s.tasks[TaskEvict] = s.evict
	if snap != nil {
		s.tasks[TaskSnapshot] = s.snapshot
	}

	schedules := map[string]string{
		TaskExpire:   cfg.ExpireSchedule,
		TaskEvict:    cfg.EvictSchedule,
		TaskSnapshot: cfg.SnapshotSchedule,
	}
	for name, spec := range schedules {
		if spec == "" {
			continue
		}
		if _, ok := s.tasks[name]; !ok {
			logger.Warn("maintenance task has a schedule but is not available", "task", name)
			continue
		}
		if _, err := s.cron.AddFunc(spec, s.runner(name)); err != nil {
			cancel()
			return nil, fmt.Errorf("invalid schedule %q for %s: %w", spec, name, err)
		}
		s.scheduled = append(s.scheduled, name)
	}
	sort.Strings(s.scheduled)
	return s, nil
}

func (s *Scheduler) runner(name string) func() {
	return func() {
		if err := s.Run(s.ctx, name); err != nil {
			s.logger.Error("maintenance task failed", "task", name, "error", err)
		}
	}
}

// Run executes one task immediately.
func (s *Scheduler) Run(ctx context.Context, name string) error {
	fn, ok := s.tasks[name]
	if !ok {
		return fmt.Errorf("unknown maintenance task %q", name)
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.TaskTimeout)
	defer cancel()
	return fn(ctx)
}

// Tasks lists the scheduled task names.
func (s *Scheduler) Tasks() []string {
	return s.scheduled
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("maintenance scheduler started", "tasks", s.Tasks())
}

// Stop halts scheduling and waits for running tasks.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
}

func (s *Scheduler) expire(ctx context.Context) error {
	n, err := s.cache.Expire(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		s.logger.Info("expired cache entries", "removed", n)
	}
	return nil
}

func (s *Scheduler) evict(ctx context.Context) error {
	if s.cfg.MaxEntries <= 0 {
		return nil
	}
	n, err := s.cache.EvictLRU(ctx, s.cfg.MaxEntries)
	if err != nil {
		return err
	}
	if n > 0 {
		s.logger.Info("evicted cache entries", "removed", n, "max_entries", s.cfg.MaxEntries)
	}
	return nil
}

func (s *Scheduler) snapshot(ctx context.Context) error {
	_, err := s.snap.Snapshot(ctx)
	return err
}

// cronLogger routes cron's own logging to slog.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
