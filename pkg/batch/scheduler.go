package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lissto-dev/imagewatch/pkg/logging"
	"github.com/lissto-dev/imagewatch/pkg/metrics"
)

const (
	// DefaultStaleLockThreshold is the age after which a running row blocking
	// a new acquisition is considered abandoned
	DefaultStaleLockThreshold = 5 * time.Minute
	// DefaultStartupSweepThreshold is the age after which the startup sweep fails running rows
	DefaultStartupSweepThreshold = time.Hour
	// DefaultJobTimeout bounds a single run. A run cut off by it is failed
	// with TimeoutMessage; it stays within DefaultStaleLockThreshold.
	DefaultJobTimeout = 5 * time.Minute

	finishTimeout = 30 * time.Second
)

// Config tunes the scheduler
type Config struct {
	StaleLockThreshold    time.Duration
	StartupSweepThreshold time.Duration
	JobTimeout            time.Duration
}

// DefaultConfig returns the default thresholds
func DefaultConfig() Config {
	return Config{
		StaleLockThreshold:    DefaultStaleLockThreshold,
		StartupSweepThreshold: DefaultStartupSweepThreshold,
		JobTimeout:            DefaultJobTimeout,
	}
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithClock overrides the time source
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) {
		s.clock = c
	}
}

// WithOwner sets the token identifying this process as the owner of its runs
func WithOwner(owner string) Option {
	return func(s *Scheduler) {
		s.owner = owner
	}
}

// WithCompletionHook registers a hook called after every terminal transition
func WithCompletionHook(h CompletionHook) Option {
	return func(s *Scheduler) {
		s.hooks = append(s.hooks, h)
	}
}

// Scheduler starts jobs under a per-type lock held in the Store and records
// their lifecycle
type Scheduler struct {
	store Store
	cfg   Config
	clock clock.Clock
	owner string
	hooks []CompletionHook

	mu   sync.RWMutex
	jobs map[JobType]JobFunc

	wg sync.WaitGroup
}

// NewScheduler creates a scheduler. Zero config values take defaults.
func NewScheduler(store Store, cfg Config, opts ...Option) *Scheduler {
	def := DefaultConfig()
	if cfg.StaleLockThreshold <= 0 {
		cfg.StaleLockThreshold = def.StaleLockThreshold
	}
	if cfg.StartupSweepThreshold <= 0 {
		cfg.StartupSweepThreshold = def.StartupSweepThreshold
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = def.JobTimeout
	}

	s := &Scheduler{
		store: store,
		cfg:   cfg,
		clock: clock.New(),
		owner: uuid.New().String(),
		jobs:  make(map[JobType]JobFunc),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Owner returns the token this scheduler writes on its runs
func (s *Scheduler) Owner() string {
	return s.owner
}

// Register binds fn to jobType, replacing any previous registration
func (s *Scheduler) Register(jobType JobType, fn JobFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[jobType] = fn
}

// JobTypes returns the registered job types
func (s *Scheduler) JobTypes() []JobType {
	s.mu.RLock()
	defer s.mu.RUnlock()
	types := make([]JobType, 0, len(s.jobs))
	for t := range s.jobs {
		types = append(types, t)
	}
	return types
}

func (s *Scheduler) job(jobType JobType) (JobFunc, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn, ok := s.jobs[jobType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJobType, jobType)
	}
	return fn, nil
}

// acquire takes the lock for jobType and inserts the running row
func (s *Scheduler) acquire(ctx context.Context, jobType JobType, isManual bool) (AcquireResult, error) {
	now := s.clock.Now()
	res, err := s.store.AcquireRun(ctx, AcquireRequest{
		JobType:     jobType,
		IsManual:    isManual,
		Owner:       s.owner,
		StartedAt:   now,
		StaleBefore: now.Add(-s.cfg.StaleLockThreshold),
	})
	if err != nil {
		return AcquireResult{}, fmt.Errorf("failed to acquire %s lock: %w", jobType, err)
	}

	if res.ReapedRunID != 0 {
		logging.Logger.Warn("Failed stale run before starting a new one",
			zap.String("job_type", string(jobType)),
			zap.Int64("stale_run_id", res.ReapedRunID))
	}
	if !res.Acquired {
		logging.Logger.Info("Job already running",
			zap.String("job_type", string(jobType)),
			zap.Int64("run_id", res.ExistingRunID))
	}
	return res, nil
}

// StartJob starts jobType in the background. If a fresh run of the same type
// is in progress, it reports AlreadyRunning with that run's id instead.
// The job does not inherit ctx cancellation.
func (s *Scheduler) StartJob(ctx context.Context, jobType JobType, isManual bool) (StartResult, error) {
	fn, err := s.job(jobType)
	if err != nil {
		return StartResult{}, err
	}

	res, err := s.acquire(ctx, jobType, isManual)
	if err != nil {
		return StartResult{}, err
	}
	if !res.Acquired {
		return StartResult{AlreadyRunning: true, ExistingRunID: res.ExistingRunID}, nil
	}

	run := *res.Run
	logging.Logger.Info("Started job",
		zap.String("job_type", string(jobType)),
		zap.Int64("run_id", run.ID),
		zap.Bool("manual", isManual))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.execute(context.WithoutCancel(ctx), fn, run)
	}()

	return StartResult{RunID: run.ID}, nil
}

// RunJob runs jobType synchronously and returns the terminal run. When the
// job is already running the returned run is nil.
func (s *Scheduler) RunJob(ctx context.Context, jobType JobType, isManual bool) (StartResult, *Run, error) {
	fn, err := s.job(jobType)
	if err != nil {
		return StartResult{}, nil, err
	}

	res, err := s.acquire(ctx, jobType, isManual)
	if err != nil {
		return StartResult{}, nil, err
	}
	if !res.Acquired {
		return StartResult{AlreadyRunning: true, ExistingRunID: res.ExistingRunID}, nil, nil
	}

	final := s.execute(context.WithoutCancel(ctx), fn, *res.Run)
	return StartResult{RunID: res.Run.ID}, &final, nil
}

// execute runs fn and performs the terminal transition. A panicking or
// silently exiting job is recorded as failed.
func (s *Scheduler) execute(ctx context.Context, fn JobFunc, run Run) Run {
	log := NewLogBuffer(s.clock)
	log.Addf("Starting %s run %d", run.JobType, run.ID)

	outcome := Outcome{Status: StatusFailed, ErrorMessage: "job exited without reporting a result"}

	func() {
		jobCtx, cancel := context.WithTimeout(ctx, s.cfg.JobTimeout)
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				outcome.Status = StatusFailed
				outcome.ErrorMessage = fmt.Sprintf("job panicked: %v", r)
				log.Add(outcome.ErrorMessage)
				logging.Logger.Error("Job panicked",
					zap.String("job_type", string(run.JobType)),
					zap.Int64("run_id", run.ID),
					zap.Any("panic", r))
			}
		}()

		result, err := fn(jobCtx, run, log)
		outcome.CheckedCount = result.Checked
		outcome.UpdatedCount = result.Updated
		if errors.Is(jobCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			outcome.Status = StatusFailed
			outcome.ErrorMessage = fmt.Sprintf("%s of %s", TimeoutMessage, s.cfg.JobTimeout)
			if err != nil {
				log.Addf("Failed: %v", err)
			}
			log.Add(outcome.ErrorMessage)
			return
		}
		if err != nil {
			outcome.Status = StatusFailed
			outcome.ErrorMessage = err.Error()
			log.Addf("Failed: %v", err)
			return
		}
		outcome.Status = StatusCompleted
		outcome.ErrorMessage = result.Error
		log.Addf("Completed: checked %d, updates %d", result.Checked, result.Updated)
	}()

	outcome.CompletedAt = s.clock.Now()
	outcome.LogText = log.String()

	finishCtx, cancel := context.WithTimeout(ctx, finishTimeout)
	defer cancel()
	if err := s.store.FinishRun(finishCtx, run.ID, s.owner, outcome); err != nil {
		if errors.Is(err, ErrRunNotActive) {
			logging.Logger.Warn("Run was failed by stale-lock recovery before it finished",
				zap.String("job_type", string(run.JobType)),
				zap.Int64("run_id", run.ID))
		} else {
			logging.Logger.Error("Failed to record run result",
				zap.String("job_type", string(run.JobType)),
				zap.Int64("run_id", run.ID),
				zap.Error(err))
		}
	}

	duration := outcome.CompletedAt.Sub(run.StartedAt)
	durationMs := duration.Milliseconds()
	completedAt := outcome.CompletedAt
	run.Status = outcome.Status
	run.CompletedAt = &completedAt
	run.DurationMs = &durationMs
	run.CheckedCount = outcome.CheckedCount
	run.UpdatedCount = outcome.UpdatedCount
	run.ErrorMessage = outcome.ErrorMessage
	run.LogText = outcome.LogText

	metrics.JobRun(string(run.JobType), string(run.Status), duration)
	logging.Logger.Info("Job finished",
		zap.String("job_type", string(run.JobType)),
		zap.Int64("run_id", run.ID),
		zap.String("status", string(run.Status)),
		zap.Int("checked", run.CheckedCount),
		zap.Int("updated", run.UpdatedCount),
		zap.Duration("duration", duration))

	for _, hook := range s.hooks {
		hook(ctx, run)
	}
	return run
}

// CleanupStaleJobsOnStartup fails every running row older than the startup
// sweep threshold and returns their ids
func (s *Scheduler) CleanupStaleJobsOnStartup(ctx context.Context) ([]int64, error) {
	now := s.clock.Now()
	ids, err := s.store.FailStaleRuns(ctx, now.Add(-s.cfg.StartupSweepThreshold), StaleRunMessage, now)
	if err != nil {
		return nil, fmt.Errorf("failed to clean up stale runs: %w", err)
	}
	if len(ids) > 0 {
		logging.Logger.Warn("Failed stale runs left by a previous process",
			zap.Int64s("run_ids", ids))
	}
	return ids, nil
}

// LatestRun returns the latest run of jobType, or of any type when jobType is empty
func (s *Scheduler) LatestRun(ctx context.Context, jobType JobType) (*Run, error) {
	return s.store.LatestRun(ctx, jobType)
}

// LatestRunsByJobType returns the latest run of each job type
func (s *Scheduler) LatestRunsByJobType(ctx context.Context) (map[JobType]Run, error) {
	return s.store.LatestRunsByJobType(ctx)
}

// RecentRuns returns up to limit runs, newest first
func (s *Scheduler) RecentRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.store.RecentRuns(ctx, limit)
}

// Every starts jobType on each tick of interval until ctx is done
func (s *Scheduler) Every(ctx context.Context, jobType JobType, interval time.Duration) {
	ticker := s.clock.Ticker(interval)
	defer ticker.Stop()

	logging.Logger.Info("Scheduled job",
		zap.String("job_type", string(jobType)),
		zap.Duration("interval", interval))

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.StartJob(ctx, jobType, false); err != nil {
				logging.Logger.Error("Scheduled job failed to start",
					zap.String("job_type", string(jobType)),
					zap.Error(err))
			}
		}
	}
}

// Wait blocks until every background run has finished
func (s *Scheduler) Wait() {
	s.wg.Wait()
}
