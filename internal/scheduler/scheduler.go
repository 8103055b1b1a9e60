// Package scheduler implements the Scheduler of spec.md §4.8: an
// hourly main cycle anchored to a cron expression, plus one independent
// time.Ticker per registered task. The Scheduler itself never takes the
// global lock of the Execution-Lock Registry: the main-cycle function
// try-acquires it on its own, and ticker tasks run without it.
package scheduler

import (
	"context"
	"sync"
	"time"

	"fundingkeeper/internal/core"

	"github.com/robfig/cron/v3"
)

// MainCycleFunc runs the hourly scan-and-open pass.
type MainCycleFunc func(ctx context.Context, symbols []string) error

// Task is one independent supervisory cadence: a name (for logging) and the
// function to invoke each tick.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Config holds the main cycle's cron expression and the symbols it scans;
// each Task carries its own interval.
type Config struct {
	MainCycleCron string
	Symbols       []string
}

// Scheduler owns the cron-driven main cycle and an arbitrary set of
// ticker-driven supervisory tasks.
type Scheduler struct {
	cfg    Config
	logger core.ILogger
	locks  core.LockRegistry
	mainFn MainCycleFunc

	cron   *cron.Cron
	tasks  []Task
	stop   chan struct{}
	wg     sync.WaitGroup
}

// New builds a Scheduler. Call AddTask for each supervisory cadence before
// Start.
func New(cfg Config, locks core.LockRegistry, mainFn MainCycleFunc, logger core.ILogger) *Scheduler {
	return &Scheduler{
		cfg:    cfg,
		logger: logger.WithField("component", "scheduler"),
		locks:  locks,
		mainFn: mainFn,
		cron:   cron.New(),
		stop:   make(chan struct{}),
	}
}

// AddTask registers a ticker-driven supervisory cadence to run alongside the
// main cycle.
func (s *Scheduler) AddTask(t Task) {
	s.tasks = append(s.tasks, t)
}

// Start schedules the cron-driven main cycle and launches one goroutine per
// registered ticker task. It returns once scheduling is set up; the cron
// runtime and ticker loops run in the background until Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.cfg.MainCycleCron, func() {
		s.runMainCycle(ctx)
	}); err != nil {
		return err
	}
	s.cron.Start()

	for _, t := range s.tasks {
		s.wg.Add(1)
		go s.runTask(ctx, t)
	}
	return nil
}

// Stop halts the cron scheduler and every ticker loop, waiting for
// in-flight task runs to return.
func (s *Scheduler) Stop() {
	cronCtx := s.cron.Stop()
	<-cronCtx.Done()
	close(s.stop)
	s.wg.Wait()
}

// runMainCycle invokes mainFn directly; mainFn (orchestrator.RunMainCycle in
// cmd/keeper) owns the global-lock try/acquire/release itself, since it's
// also called directly in tests without going through the scheduler.
func (s *Scheduler) runMainCycle(ctx context.Context) {
	if err := s.mainFn(ctx, s.cfg.Symbols); err != nil {
		s.logger.Error("main cycle run failed", "error", err)
	}
}

func (s *Scheduler) runTask(ctx context.Context, t Task) {
	defer s.wg.Done()
	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := t.Run(ctx); err != nil {
				s.logger.Error("scheduled task failed", "task", t.Name, "error", err)
			}
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}
