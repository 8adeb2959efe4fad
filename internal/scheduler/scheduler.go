// Package scheduler runs one pipeline stage over a list of items in
// sequential batches with bounded concurrency, per-attempt timeouts,
// idempotence checks and retries.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/snapshot-harvester/internal/clock/system"
	"github.com/JakeFAU/snapshot-harvester/internal/harvest"
	"github.com/JakeFAU/snapshot-harvester/internal/progress"
	"github.com/JakeFAU/snapshot-harvester/internal/retry"
)

// Config controls batching, pacing and retries for one stage.
type Config struct {
	BatchSize       int
	Concurrency     int
	InterBatchDelay time.Duration
	InterItemDelay  time.Duration
	MaxAttempts     int
	Timeout         time.Duration
	BackoffBase     time.Duration
}

// Validate enforces positive sizes and non-negative delays.
func (c Config) Validate() error {
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be > 0")
	}
	if c.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be > 0")
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("max attempts must be > 0")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be > 0")
	}
	if c.InterBatchDelay < 0 || c.InterItemDelay < 0 || c.BackoffBase < 0 {
		return fmt.Errorf("delays must be >= 0")
	}
	return nil
}

// Task is the per-item work of a stage.
type Task struct {
	// Done reports whether the item's output already exists. When it returns
	// true the item succeeds with zero attempts and Work is not called.
	Done func(ctx context.Context, id harvest.ItemID) (bool, error)
	// Work performs one attempt. It must honor ctx cancellation.
	Work func(ctx context.Context, id harvest.ItemID) error
}

// Report is the outcome of RunStage. Results has one entry per input item in
// input order.
type Report struct {
	Stage    harvest.Stage
	Results  []harvest.StageResult
	Aborted  bool
	Canceled bool
	Elapsed  time.Duration
}

// Scheduler executes stages. It shares a breaker with every stage of a run.
type Scheduler struct {
	cfg     Config
	policy  retry.Policy
	breaker *retry.Breaker
	emitter progress.Emitter
	clock   harvest.Clock
	logger  *zap.Logger
	runID   string
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithEmitter routes attempt and item events to e.
func WithEmitter(e progress.Emitter) Option {
	return func(s *Scheduler) {
		if e != nil {
			s.emitter = e
		}
	}
}

// WithClock overrides the time source.
func WithClock(c harvest.Clock) Option {
	return func(s *Scheduler) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithRunID stamps emitted events with the run identifier.
func WithRunID(id string) Option {
	return func(s *Scheduler) { s.runID = id }
}

// New builds a Scheduler. A nil breaker gets a private one with the default threshold.
func New(cfg Config, breaker *retry.Breaker, opts ...Option) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scheduler config: %w", err)
	}
	if breaker == nil {
		breaker = retry.NewBreaker(retry.DefaultMaxConsecutiveTimeouts)
	}
	s := &Scheduler{
		cfg:     cfg,
		policy:  retry.NewLinearPolicy(cfg.BackoffBase),
		breaker: breaker,
		emitter: progress.Discard,
		clock:   system.New(),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// RunStage processes items in batches and returns one result per item.
// Items left undispatched after an abort or cancellation are reported as
// not attempted.
func (s *Scheduler) RunStage(ctx context.Context, stage harvest.Stage, items []harvest.ItemID, task Task) Report {
	start := s.clock.Now()
	results := make([]harvest.StageResult, len(items))
	for i, id := range items {
		results[i] = harvest.StageResult{ItemID: id, Error: harvest.KindNotAttempted}
	}
	s.emit(progress.Event{Kind: progress.KindStageStart, Stage: stage, Items: len(items)})
	logger := s.logger.With(zap.String("stage", string(stage)))
	logger.Info("stage scheduled",
		zap.Int("items", len(items)),
		zap.Int("batch_size", s.cfg.BatchSize),
		zap.Int("concurrency", s.cfg.Concurrency),
	)

	for lo := 0; lo < len(items); lo += s.cfg.BatchSize {
		if s.halted(ctx) {
			break
		}
		if lo > 0 && s.cfg.InterBatchDelay > 0 {
			if err := sleep(ctx, s.cfg.InterBatchDelay); err != nil {
				break
			}
		}
		hi := min(lo+s.cfg.BatchSize, len(items))
		logger.Debug("batch started", zap.Int("from", lo), zap.Int("to", hi))
		s.runBatch(ctx, stage, items[lo:hi], results[lo:hi], task)
	}

	report := Report{
		Stage:    stage,
		Results:  results,
		Aborted:  s.breaker.ShouldAbortRun(),
		Canceled: ctx.Err() != nil,
		Elapsed:  s.clock.Now().Sub(start),
	}
	if report.Aborted {
		logger.Warn("stage aborted by circuit breaker", zap.Int("consecutive_timeouts", s.breaker.Consecutive()))
	}
	s.emit(progress.Event{Kind: progress.KindStageDone, Stage: stage, Items: len(items), Dur: report.Elapsed})
	return report
}

func (s *Scheduler) halted(ctx context.Context) bool {
	return ctx.Err() != nil || s.breaker.ShouldAbortRun()
}

func (s *Scheduler) runBatch(ctx context.Context, stage harvest.Stage, batch []harvest.ItemID, slots []harvest.StageResult, task Task) {
	limit := rate.Inf
	if s.cfg.InterItemDelay > 0 {
		limit = rate.Every(s.cfg.InterItemDelay)
	}
	limiter := rate.NewLimiter(limit, 1)
	p := pool.New().WithMaxGoroutines(s.cfg.Concurrency)

	for i := range batch {
		if s.halted(ctx) {
			break
		}
		if err := limiter.Wait(ctx); err != nil {
			break
		}
		p.Go(func() {
			// Go blocks while the pool is full, so the breaker may have tripped
			// between dispatch and start.
			if s.halted(ctx) {
				return
			}
			slots[i] = s.runUnit(ctx, stage, batch[i], task)
		})
	}
	p.Wait()
}

func (s *Scheduler) runUnit(ctx context.Context, stage harvest.Stage, id harvest.ItemID, task Task) harvest.StageResult {
	start := s.clock.Now()
	res := harvest.StageResult{ItemID: id}

	if task.Done != nil {
		done, err := task.Done(ctx, id)
		switch {
		case err != nil:
			s.logger.Warn("idempotence check failed, running work",
				zap.String("stage", string(stage)), zap.String("item_id", id.String()), zap.Error(err))
		case done:
			res.Success = true
			res.Skipped = true
			res.Duration = s.clock.Now().Sub(start)
			s.emitItem(stage, res)
			return res
		}
	}

	for attempt := 1; ; attempt++ {
		// Checked again after every backoff: another worker may have
		// tripped the breaker while this unit slept.
		if !s.breaker.Acquire(ctx) {
			if attempt == 1 {
				return harvest.StageResult{ItemID: id, Error: harvest.KindNotAttempted}
			}
			break
		}
		if attempt > 1 {
			s.breaker.RecordRetry()
		}
		attemptStart := s.clock.Now()
		res.Attempts = attempt
		kind, err := s.attempt(ctx, id, task.Work)
		s.emit(progress.Event{
			Kind:    progress.KindAttempt,
			Stage:   stage,
			ItemID:  id,
			Attempt: attempt,
			Outcome: kind,
			Success: err == nil,
			Dur:     s.clock.Now().Sub(attemptStart),
		})
		if err == nil {
			s.breaker.RecordSuccess()
			s.breaker.Release()
			res.Success = true
			res.Error = harvest.KindNone
			res.Message = ""
			break
		}
		s.breaker.RecordOutcome(kind)
		s.breaker.Release()
		res.Error = kind
		res.Message = err.Error()
		if !s.policy.ShouldRetry(attempt, s.cfg.MaxAttempts, kind) || s.breaker.ShouldAbortRun() {
			break
		}
		if err := sleep(ctx, s.policy.BackoffDelay(attempt)); err != nil {
			res.Error = harvest.KindCanceled
			break
		}
	}
	res.Duration = s.clock.Now().Sub(start)
	s.emitItem(stage, res)
	return res
}

type outcome struct {
	err error
}

// attempt runs work under the per-attempt timeout. A work func that ignores
// its context is abandoned when the deadline passes.
func (s *Scheduler) attempt(ctx context.Context, id harvest.ItemID, work func(context.Context, harvest.ItemID) error) (harvest.ErrorKind, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: harvest.Errorf(harvest.KindInvalidInput, "run unit", "panic: %v", r)}
			}
		}()
		done <- outcome{err: work(attemptCtx, id)}
	}()

	var err error
	select {
	case out := <-done:
		err = out.err
	case <-attemptCtx.Done():
		err = attemptCtx.Err()
	}
	switch {
	case err == nil:
		return harvest.KindNone, nil
	case ctx.Err() != nil:
		return harvest.KindCanceled, fmt.Errorf("attempt canceled: %w", ctx.Err())
	case errors.Is(attemptCtx.Err(), context.DeadlineExceeded):
		return harvest.KindTimeout, fmt.Errorf("attempt timed out after %s: %w", s.cfg.Timeout, err)
	default:
		return harvest.KindOf(err), err
	}
}

func (s *Scheduler) emitItem(stage harvest.Stage, res harvest.StageResult) {
	s.emit(progress.Event{
		Kind:    progress.KindItemDone,
		Stage:   stage,
		ItemID:  res.ItemID,
		Attempt: res.Attempts,
		Success: res.Success,
		Skipped: res.Skipped,
		Outcome: res.Error,
		Dur:     res.Duration,
		Note:    res.Message,
	})
}

func (s *Scheduler) emit(evt progress.Event) {
	evt.RunID = s.runID
	evt.TS = s.clock.Now()
	s.emitter.Emit(evt)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
