package zeta

import (
	"context"
	"fmt"
	"github.com/robfig/cron/v3"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// Scheduler runs periodic jobs on a cron, and one-shot jobs at a given
// time. One-shot jobs are keyed, and a key can only be pending once.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	jobs    map[string]*oneShotJob
	stopped bool
	wg      sync.WaitGroup
}

type oneShotJob struct {
	timer     *time.Timer
	when      time.Time
	cancel    context.CancelFunc
	stopAfter func() bool
}

func NewScheduler(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(loggerNameKey, "scheduler")
	cl := cronLogger{logger: logger}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		jobs:   map[string]*oneShotJob{},
	}
}

func (s *Scheduler) runContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

// Every runs fn every interval, once the scheduler is started. Runs that
// would overlap a still-running previous run are skipped.
func (s *Scheduler) Every(
	name string,
	interval time.Duration,
	fn func(ctx context.Context),
) (cron.EntryID, error) {
	if interval <= 0 {
		return 0, fmt.Errorf("invalid interval for job %s: %s", name, interval)
	}
	id, err := s.cron.AddFunc(
		"@every "+interval.String(),
		func() {
			start := time.Now()
			fn(WithLogger(s.runContext(), s.logger.With("job", name)))
			s.logger.Debug("job finished", "job", name, "elapsed", time.Since(start))
		},
	)
	if err != nil {
		return 0, fmt.Errorf("error scheduling job %s: %w", name, err)
	}
	s.logger.Info("scheduled job", "job", name, "interval", interval)
	return id, nil
}

// Start starts the cron. Jobs receive a context derived from ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.cancel()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()
	s.cron.Start()
}

// At runs fn at when (immediately, if when has passed). It returns false
// without scheduling anything if a job with the same key is already
// pending, or the scheduler was stopped. The job is cancelled if ctx is
// done before it runs.
func (s *Scheduler) At(
	ctx context.Context,
	key string,
	when time.Time,
	fn func(ctx context.Context),
) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return false
	}
	if _, pending := s.jobs[key]; pending {
		return false
	}

	jobCtx, cancel := context.WithCancel(s.ctx)
	job := &oneShotJob{when: when, cancel: cancel}
	s.wg.Add(1)
	job.timer = time.AfterFunc(
		time.Until(when), func() {
			s.mu.Lock()
			if s.jobs[key] == job {
				delete(s.jobs, key)
			}
			stopAfter := job.stopAfter
			s.mu.Unlock()

			defer s.wg.Done()
			defer cancel()
			defer stopAfter()

			defer func() {
				if rc := recover(); rc != nil {
					s.logger.Error(
						"recovered from panic",
						"job", key,
						"panic", rc,
						"stack_trace", string(debug.Stack()),
					)
				}
			}()
			fn(WithLogger(jobCtx, s.logger.With("job", key)))
		},
	)
	job.stopAfter = context.AfterFunc(
		ctx, func() {
			s.Cancel(key)
		},
	)
	s.jobs[key] = job
	s.logger.Debug("scheduled one-shot job", "job", key, "when", when)
	return true
}

// Cancel cancels the pending job with the given key. It returns false if
// there was no such job.
func (s *Scheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelLocked(key)
}

func (s *Scheduler) cancelLocked(key string) bool {
	job, ok := s.jobs[key]
	if !ok {
		return false
	}
	delete(s.jobs, key)
	if job.timer.Stop() {
		job.cancel()
		job.stopAfter()
		s.wg.Done()
	}
	return true
}

// Pending reports whether a job with the given key is waiting to run
func (s *Scheduler) Pending(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[key]
	return ok
}

// Len returns the number of pending one-shot jobs
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// Stop stops the cron, cancels pending one-shot jobs, and waits for
// running jobs to return, or for ctx to be done.
func (s *Scheduler) Stop(ctx context.Context) error {
	cronCtx := s.cron.Stop()

	s.mu.Lock()
	s.stopped = true
	for key := range s.jobs {
		s.cancelLocked(key)
	}
	s.cancel()
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		<-cronCtx.Done()
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timed out waiting for scheduled jobs: %w", ctx.Err())
	}
}
