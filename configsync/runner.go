package configsync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/alexjbarnes/confsync/internal/errors"
	"github.com/alexjbarnes/confsync/internal/state"
)

// JobExecutor runs one sync job for an owner.
type JobExecutor interface {
	RunSync(ctx context.Context, owner PubKey) (JobOutcome, error)
	HasPendingChanges(owner PubKey) bool
}

// JobStore persists job records across restarts.
type JobStore interface {
	SaveJob(rec state.JobRecord) error
	DeleteJob(identity string) error
	AllJobs() ([]state.JobRecord, error)
}

// RunnerConfig holds the scheduling policy.
type RunnerConfig struct {
	// SettleDelay batches rapid local mutations into one job.
	SettleDelay time.Duration
	// MinSpacing is the minimum time between two runs for one owner.
	MinSpacing time.Duration
	// RetryDelay is the fixed backoff after a retryable failure.
	RetryDelay  time.Duration
	MaxAttempts int
	JobTimeout  time.Duration
	// Linking, when it returns true, suppresses the account's job.
	Linking func() bool
	// OnFailure is told about jobs that ended without success.
	OnFailure func(owner PubKey, err error)
}

type jobEntry struct {
	rec     state.JobRecord
	timer   *time.Timer
	seq     uint64
	runAt   time.Time
	running bool
	rerun   bool
	idle    chan struct{}
}

// Runner schedules sync jobs with at most one queued or running job
// per owner. Jobs for different owners run concurrently.
type Runner struct {
	exec    JobExecutor
	jobs    JobStore
	cfg     RunnerConfig
	account PubKey
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	ctx     context.Context
	entries map[PubKey]*jobEntry
	lastRun map[PubKey]time.Time
	stopped bool
	wg      sync.WaitGroup
}

// NewRunner creates a runner. Call Start before queueing.
func NewRunner(exec JobExecutor, jobs JobStore, account PubKey, cfg RunnerConfig, logger *slog.Logger) *Runner {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}

	return &Runner{
		exec:    exec,
		jobs:    jobs,
		cfg:     cfg,
		account: account,
		logger:  logger.With(slog.String("component", "runner")),
		now:     time.Now,
		ctx:     context.Background(),
		entries: make(map[PubKey]*jobEntry),
		lastRun: make(map[PubKey]time.Time),
	}
}

// Start sets the base context for jobs and reschedules persisted jobs,
// keeping their attempt counts.
func (r *Runner) Start(ctx context.Context) error {
	recs, err := r.jobs.AllJobs()
	if err != nil {
		return fmt.Errorf("loading jobs: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.ctx = ctx
	now := r.now()

	for _, rec := range recs {
		owner := PubKey(rec.Identity)
		if _, ok := r.entries[owner]; ok {
			continue
		}

		at := time.UnixMilli(rec.NextRunAt)
		if floor := now.Add(r.cfg.SettleDelay); at.Before(floor) {
			at = floor
		}

		rec.MaxAttempts = r.cfg.MaxAttempts
		e := &jobEntry{rec: rec, idle: make(chan struct{})}
		r.entries[owner] = e
		r.scheduleLocked(owner, e, at, now)

		r.logger.Info("resumed job",
			slog.String("owner", owner.Short()),
			slog.Int("attempt", rec.Attempt),
			slog.Time("at", at),
		)
	}

	return nil
}

// QueueNewJobIfNeeded schedules a job for owner unless one is already
// queued no later than it would be. A job that has not run within
// MinSpacing starts after SettleDelay; otherwise it waits out the
// spacing.
func (r *Runner) QueueNewJobIfNeeded(owner PubKey) {
	if owner == r.account && r.cfg.Linking != nil && r.cfg.Linking() {
		r.logger.Debug("linking in progress, user sync suppressed")
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.queueLocked(owner)
}

func (r *Runner) queueLocked(owner PubKey) {
	if r.stopped {
		return
	}

	now := r.now()
	at := r.nextRunLocked(owner, now)

	if e, ok := r.entries[owner]; ok {
		if e.running {
			e.rerun = true
			return
		}

		if !at.Before(e.runAt) {
			return
		}

		r.scheduleLocked(owner, e, at, now)

		return
	}

	e := &jobEntry{
		rec: state.JobRecord{
			ID:          uuid.NewString(),
			Identity:    string(owner),
			MaxAttempts: r.cfg.MaxAttempts,
		},
		idle: make(chan struct{}),
	}
	r.entries[owner] = e
	r.scheduleLocked(owner, e, at, now)
}

func (r *Runner) nextRunLocked(owner PubKey, now time.Time) time.Time {
	last, ok := r.lastRun[owner]
	if !ok || now.Sub(last) >= r.cfg.MinSpacing {
		return now.Add(r.cfg.SettleDelay)
	}

	return now.Add(max(r.cfg.MinSpacing-now.Sub(last), r.cfg.SettleDelay))
}

// scheduleLocked (re)arms e's timer for at and persists the record.
func (r *Runner) scheduleLocked(owner PubKey, e *jobEntry, at, now time.Time) {
	if e.timer != nil {
		e.timer.Stop()
	}

	e.seq++
	seq := e.seq
	e.runAt = at
	e.rec.NextRunAt = at.UnixMilli()
	e.timer = time.AfterFunc(at.Sub(now), func() { r.fire(owner, seq) })

	if err := r.jobs.SaveJob(e.rec); err != nil {
		r.logger.Warn("persisting job failed", slog.String("owner", owner.Short()), slog.String("error", err.Error()))
	}
}

func (r *Runner) fire(owner PubKey, seq uint64) {
	r.mu.Lock()

	e, ok := r.entries[owner]
	if r.stopped || !ok || e.seq != seq || e.running {
		r.mu.Unlock()
		return
	}

	e.running = true
	e.rerun = false
	e.rec.Attempt++
	attempt := e.rec.Attempt
	base := r.ctx
	r.wg.Add(1)
	r.mu.Unlock()

	defer r.wg.Done()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(base), r.cfg.JobTimeout)
	outcome, err := r.exec.RunSync(ctx, owner)
	cancel()

	logger := r.logger.With(
		slog.String("owner", owner.Short()),
		slog.String("job", e.rec.ID),
		slog.Int("attempt", attempt),
		slog.String("outcome", outcome.String()),
	)

	if err != nil {
		logger.Warn("sync job finished with error", slog.String("error", err.Error()))
	} else {
		logger.Debug("sync job finished")
	}

	failure := r.complete(owner, e, outcome, attempt, err)
	if failure != nil && r.cfg.OnFailure != nil {
		r.cfg.OnFailure(owner, failure)
	}
}

// complete moves e to its next state and returns a terminal failure to
// report, if any.
func (r *Runner) complete(owner PubKey, e *jobEntry, outcome JobOutcome, attempt int, err error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.lastRun[owner] = now
	e.running = false

	if r.stopped {
		if outcome == JobRetry && attempt < r.cfg.MaxAttempts {
			e.rec.NextRunAt = now.Add(r.cfg.RetryDelay).UnixMilli()
			_ = r.jobs.SaveJob(e.rec)
			r.releaseLocked(owner, e, false)
		} else {
			r.releaseLocked(owner, e, true)
		}

		return nil
	}

	switch outcome {
	case JobSuccess:
		r.releaseLocked(owner, e, true)

		if e.rerun || r.exec.HasPendingChanges(owner) {
			r.queueLocked(owner)
		}

		return nil
	case JobRetry:
		if attempt >= r.cfg.MaxAttempts {
			r.releaseLocked(owner, e, true)
			return fmt.Errorf("%w after %d attempts: %w", apperrors.ErrRetriesExhausted, attempt, err)
		}

		r.scheduleLocked(owner, e, now.Add(r.cfg.RetryDelay), now)

		return nil
	case JobPermanentFailure:
		r.releaseLocked(owner, e, true)

		if e.rerun {
			r.queueLocked(owner)
		}

		return err
	default:
		panic(fmt.Sprintf("configsync: unknown job outcome %d", int(outcome)))
	}
}

// releaseLocked removes e and wakes waiters. The persisted record is
// dropped when forget is set.
func (r *Runner) releaseLocked(owner PubKey, e *jobEntry, forget bool) {
	if forget {
		if err := r.jobs.DeleteJob(string(owner)); err != nil {
			r.logger.Warn("deleting job failed", slog.String("owner", owner.Short()), slog.String("error", err.Error()))
		}
	}

	if r.entries[owner] == e {
		delete(r.entries, owner)
	}

	close(e.idle)
}

// Forget drops owner's queued job and its persisted record. A running
// job finishes but is not rerun.
func (r *Runner) Forget(owner PubKey) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.lastRun, owner)

	e, ok := r.entries[owner]
	if !ok {
		return
	}

	if e.running {
		e.rerun = false
		return
	}

	if e.timer != nil {
		e.timer.Stop()
	}

	r.releaseLocked(owner, e, true)
}

// Pending reports whether owner has a queued or running job.
func (r *Runner) Pending(owner PubKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.entries[owner]

	return ok
}

// Wait blocks until owner has no queued or running job.
func (r *Runner) Wait(ctx context.Context, owner PubKey) error {
	r.mu.Lock()
	e, ok := r.entries[owner]
	r.mu.Unlock()

	if !ok {
		return nil
	}

	select {
	case <-e.idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop cancels queued timers and waits for running jobs to reach a
// terminal state. Queued jobs stay persisted for the next Start.
func (r *Runner) Stop() {
	r.mu.Lock()
	r.stopped = true

	for owner, e := range r.entries {
		if e.running {
			continue
		}

		if e.timer != nil {
			e.timer.Stop()
		}

		delete(r.entries, owner)
		close(e.idle)
	}
	r.mu.Unlock()

	r.wg.Wait()
}
