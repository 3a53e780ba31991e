// Package scheduler is the polling orchestrator: it merges code-registered
// static jobs with stored job definitions and dispatches ready work to the
// executor without ever blocking the poll loop on completions.
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/sangamhq/jobengine/errors"
	"github.com/sangamhq/jobengine/executor"
	"github.com/sangamhq/jobengine/store"
)

const (
	DefaultPollInterval  = 30 * time.Second
	DefaultBatchLimit    = 50
	DefaultMaxConcurrent = 8

	// stopTimeout bounds how long Stop waits for in-flight executions.
	stopTimeout = 30 * time.Second
)

// Options tunes the scheduler. Zero values fall back to defaults.
type Options struct {
	// PollInterval is the period of the unified tick.
	PollInterval time.Duration
	// BatchLimit caps how many ready jobs one poll picks up.
	BatchLimit int
	// MaxConcurrent caps executions in flight at once.
	MaxConcurrent int64
	// DispatchPerSecond smooths dispatch bursts after downtime. Zero
	// disables rate limiting.
	DispatchPerSecond float64
}

type staticJob struct {
	name     string
	interval time.Duration
	run      func(ctx context.Context) error
	nextRun  time.Time
}

// Scheduler drives the poll loop.
type Scheduler struct {
	store    *store.Store
	executor *executor.Executor
	logger   *zap.SugaredLogger

	pollInterval time.Duration
	batchLimit   int
	sem          *semaphore.Weighted
	limiter      *rate.Limiter

	mu      sync.Mutex
	static  []*staticJob
	started bool
	cancel  context.CancelFunc

	wg sync.WaitGroup

	now func() time.Time
}

// New builds a Scheduler with the given store and executor.
func New(st *store.Store, exec *executor.Executor, logger *zap.SugaredLogger, opts Options) *Scheduler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.BatchLimit <= 0 {
		opts.BatchLimit = DefaultBatchLimit
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}

	var limiter *rate.Limiter
	if opts.DispatchPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.DispatchPerSecond), 1)
	}

	return &Scheduler{
		store:        st,
		executor:     exec,
		logger:       logger,
		pollInterval: opts.PollInterval,
		batchLimit:   opts.BatchLimit,
		sem:          semaphore.NewWeighted(opts.MaxConcurrent),
		limiter:      limiter,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// AddStaticJob registers a code-defined periodic job. Static jobs live
// outside the store: no definition row, no execution history, just a
// function on an interval. Must be called before Start.
func (s *Scheduler) AddStaticJob(name string, interval time.Duration, run func(ctx context.Context) error) error {
	if interval <= 0 {
		return errors.Newf("static job %q: interval must be positive", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.Newf("static job %q: scheduler already started", name)
	}
	for _, job := range s.static {
		if job.name == name {
			return errors.Newf("static job %q already registered", name)
		}
	}
	s.static = append(s.static, &staticJob{name: name, interval: interval, run: run})
	return nil
}

// Start launches the poll loop. It returns immediately; the loop runs
// until ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("scheduler already started")
	}
	s.started = true

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go s.loop(loopCtx)

	s.logger.Infow("Scheduler started",
		"poll_interval", s.pollInterval,
		"batch_limit", s.batchLimit,
		"static_jobs", len(s.static),
	)
	return nil
}

// Stop cancels the loop and waits, bounded, for in-flight executions.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Infow("Scheduler stopped")
	case <-time.After(stopTimeout):
		s.logger.Warnw("Scheduler stop timed out with executions still in flight",
			"timeout", stopTimeout)
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	// First tick immediately so ready work does not wait a full interval.
	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs one unified cycle: static jobs first, then the dynamic scan.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()
	s.tickStatic(ctx, now)
	s.tickDynamic(ctx, now)
}

func (s *Scheduler) tickStatic(ctx context.Context, now time.Time) {
	s.mu.Lock()
	var due []*staticJob
	for _, job := range s.static {
		if !job.nextRun.After(now) {
			job.nextRun = now.Add(job.interval)
			due = append(due, job)
		}
	}
	s.mu.Unlock()

	for _, job := range due {
		job := job
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					s.logger.Errorw("Static job panicked", "job", job.name, "panic", r)
				}
			}()
			if err := job.run(ctx); err != nil {
				s.logger.Errorw("Static job failed", "job", job.name, "error", err)
				return
			}
			s.logger.Debugw("Static job completed", "job", job.name)
		}()
	}
}

func (s *Scheduler) tickDynamic(ctx context.Context, now time.Time) {
	defs, err := s.store.FindReady(ctx, now, s.batchLimit)
	if err != nil {
		// Infrastructure hiccup: skip the cycle, the next tick retries.
		s.logger.Errorw("Ready scan failed, skipping cycle", "error", err)
		return
	}

	for _, def := range defs {
		if ctx.Err() != nil {
			return
		}
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return
			}
		}
		if !s.sem.TryAcquire(1) {
			// At capacity. The jobs stay ready and the next poll retries.
			s.logger.Warnw("Dispatch capacity reached, deferring remaining ready jobs",
				"deferred", len(defs))
			return
		}
		if !s.dispatch(ctx, def, "scheduler") {
			s.sem.Release(1)
		}
	}
}

// dispatch starts and runs one execution asynchronously. It reports
// whether ownership of the semaphore slot was handed to the goroutine.
func (s *Scheduler) dispatch(ctx context.Context, def *store.JobDefinition, triggeredBy string) bool {
	exec, err := s.store.StartExecution(ctx, def, triggeredBy)
	if err != nil {
		if errors.Is(err, store.ErrBusy) {
			s.logger.Debugw("Job still running, skipped", "job_id", def.ID, "job_name", def.Name)
		} else {
			s.logger.Errorw("Could not start execution", "job_id", def.ID, "error", err)
		}
		return false
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.sem.Release(1)
		if err := s.executor.Execute(ctx, def, exec); err != nil {
			s.logger.Errorw("Execution finalize failed",
				"execution_id", exec.ID, "job_id", def.ID, "error", err)
		}
	}()
	return true
}

// RunNow manually triggers a job, honoring the busy-gate and the same
// concurrency limits as scheduled dispatch. It returns the started
// execution; store.ErrBusy when the job is already running.
func (s *Scheduler) RunNow(ctx context.Context, jobID, triggeredBy string) (*store.JobExecution, error) {
	def, err := s.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}

	if !s.sem.TryAcquire(1) {
		return nil, errors.Wrapf(store.ErrBusy, "engine at execution capacity")
	}

	exec, err := s.store.StartExecution(ctx, def, triggeredBy)
	if err != nil {
		s.sem.Release(1)
		return nil, err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.sem.Release(1)
		// Detached from the request context so the run survives the
		// HTTP response.
		if err := s.executor.Execute(context.Background(), def, exec); err != nil {
			s.logger.Errorw("Execution finalize failed",
				"execution_id", exec.ID, "job_id", def.ID, "error", err)
		}
	}()

	s.logger.Infow("Manual run triggered",
		"job_id", def.ID, "job_name", def.Name, "triggered_by", triggeredBy)
	return exec, nil
}
