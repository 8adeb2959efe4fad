// Package pipeline drives a harvest run through its stages: discovery,
// capture, store and index. Each stage re-derives its input from what the
// previous stage persisted, so any stage can be skipped or re-run alone.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/snapshot-harvester/internal/discovery"
	"github.com/JakeFAU/snapshot-harvester/internal/clock/system"
	"github.com/JakeFAU/snapshot-harvester/internal/harvest"
	"github.com/JakeFAU/snapshot-harvester/internal/progress"
	"github.com/JakeFAU/snapshot-harvester/internal/retry"
	"github.com/JakeFAU/snapshot-harvester/internal/scheduler"
	"github.com/JakeFAU/snapshot-harvester/internal/storage"
	"github.com/JakeFAU/snapshot-harvester/internal/telemetry"
)

// RunConfig selects the stages of one run and how they are scheduled.
type RunConfig struct {
	Discovery bool
	Capture   bool
	Store     bool
	Index     bool
	// DryRun only evaluates idempotence checks after discovery.
	DryRun bool
	// StartIndex and MaxItems window the item list; zero means unbounded.
	StartIndex int
	MaxItems   int

	CaptureStage scheduler.Config
	StoreStage   scheduler.Config
	IndexStage   scheduler.Config

	MaxConsecutiveTimeouts int
	MinArtifactBytes       int
}

// Sessions owns the run's authenticated session.
type Sessions interface {
	Start(ctx context.Context) (*harvest.Session, error)
	EnsureValid(ctx context.Context, sess *harvest.Session) (*harvest.Session, error)
}

// ListingOpener opens the remote listing with sess. The returned func
// releases it.
type ListingOpener func(ctx context.Context, sess *harvest.Session) (discovery.Listing, func(), error)

// Scanner enumerates a listing.
type Scanner interface {
	Scan(ctx context.Context, listing discovery.Listing) (discovery.Result, error)
}

// ItemStore persists the discovered item list.
type ItemStore interface {
	Path() string
	Exists() bool
	Load() ([]harvest.ItemID, error)
	Save(ids []harvest.ItemID) error
}

// Deps are the collaborators of an Orchestrator. Adapters for disabled
// stages may be nil.
type Deps struct {
	Sessions Sessions
	Listings ListingOpener
	Scanner  Scanner
	Items    ItemStore
	Capturer harvest.Capturer
	// Spool holds captured artifacts until they are stored remotely.
	Spool   harvest.ObjectStore
	Remote  harvest.ObjectStore
	Indexer harvest.Indexer
	Ledger  harvest.Ledger
	// Recorder, when set, receives every finished summary.
	Recorder harvest.SummaryRecorder
	Emitter  progress.Emitter
	IDs      harvest.IDGenerator
	Hasher   harvest.Hasher
	Clock    harvest.Clock
	Tracer   trace.Tracer
	Logger   *zap.Logger

	// Prefix is the remote key prefix; spool keys carry none.
	Prefix      string
	ContentType string
	// SourceURL rebuilds an item's page address for the index request.
	SourceURL func(harvest.ItemID) string
}

// Orchestrator runs the pipeline state machine.
type Orchestrator struct {
	deps   Deps
	spool  *storage.ArtifactWriter
	remote *storage.ArtifactWriter
	logger *zap.Logger

	mu    sync.RWMutex
	state harvest.RunState
}

// New validates deps and applies defaults.
func New(deps Deps) (*Orchestrator, error) {
	if deps.IDs == nil {
		return nil, fmt.Errorf("id generator is required")
	}
	if deps.Items == nil {
		return nil, fmt.Errorf("item store is required")
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if deps.Emitter == nil {
		deps.Emitter = progress.Discard
	}
	if deps.Tracer == nil {
		deps.Tracer = telemetry.Tracer()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	o := &Orchestrator{deps: deps, logger: deps.Logger.Named("pipeline"), state: harvest.StateIdle}
	if deps.Spool != nil {
		w, err := storage.NewArtifactWriter(deps.Spool, "", deps.ContentType)
		if err != nil {
			return nil, err
		}
		o.spool = w
	}
	if deps.Remote != nil {
		w, err := storage.NewArtifactWriter(deps.Remote, deps.Prefix, deps.ContentType)
		if err != nil {
			return nil, err
		}
		o.remote = w
	}
	return o, nil
}

// State returns the current state.
func (o *Orchestrator) State() harvest.RunState {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

func (o *Orchestrator) setState(s harvest.RunState) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

// Validate reports configuration that would make the run impossible before
// anything remote is touched.
func (o *Orchestrator) Validate(cfg RunConfig) error {
	var errs []error
	if cfg.StartIndex < 0 || cfg.MaxItems < 0 {
		errs = append(errs, errors.New("start index and max items must be >= 0"))
	}
	if cfg.Discovery && (o.deps.Listings == nil || o.deps.Scanner == nil) {
		errs = append(errs, errors.New("discovery needs a listing and a scanner"))
	}
	if (cfg.Discovery || (cfg.Capture && !cfg.DryRun)) && o.deps.Sessions == nil {
		errs = append(errs, errors.New("session-bound stages need a session manager"))
	}
	if cfg.Capture && (o.deps.Capturer == nil || o.spool == nil) {
		errs = append(errs, errors.New("capture needs a capturer and a spool"))
	}
	if cfg.Store && (o.spool == nil || o.remote == nil) {
		errs = append(errs, errors.New("store needs a spool and a remote store"))
	}
	if cfg.Index && (o.remote == nil || o.deps.Indexer == nil || o.deps.Ledger == nil) {
		errs = append(errs, errors.New("index needs a remote store, an indexer and a ledger"))
	}
	for _, st := range []struct {
		on  bool
		cfg scheduler.Config
		n   harvest.Stage
	}{
		{cfg.Capture, cfg.CaptureStage, harvest.StageCapture},
		{cfg.Store, cfg.StoreStage, harvest.StageStore},
		{cfg.Index, cfg.IndexStage, harvest.StageIndex},
	} {
		if !st.on {
			continue
		}
		if err := st.cfg.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("%s stage: %w", st.n, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return harvest.Wrap(harvest.KindInvalidInput, "validate run", err)
	}
	return nil
}

// run carries the mutable state of one Run call.
type run struct {
	id      string
	cfg     RunConfig
	breaker *retry.Breaker
	summary harvest.RunSummary
	sess    *harvest.Session
	// sessFresh is set while the session was probed or created during the
	// current transition and needs no re-check.
	sessFresh bool
}

// Run executes every enabled stage and always returns a summary. The error
// is non-nil exactly when the run ends aborted.
func (o *Orchestrator) Run(ctx context.Context, cfg RunConfig) (summary harvest.RunSummary, err error) {
	r := &run{
		cfg:     cfg,
		breaker: retry.NewBreaker(cfg.MaxConsecutiveTimeouts),
		summary: harvest.RunSummary{DryRun: cfg.DryRun, StartedAt: o.deps.Clock.Now()},
	}
	runID, idErr := o.deps.IDs.NewID()
	if idErr == nil {
		r.id = runID
		r.summary.RunID = runID
	}
	logger := o.logger.With(zap.String("run_id", r.id))
	ctx, span := o.deps.Tracer.Start(ctx, "harvest.run", trace.WithAttributes(
		attribute.String("run.id", r.id),
		attribute.Bool("run.dry_run", cfg.DryRun),
	))
	defer span.End()

	defer func() {
		if rec := recover(); rec != nil {
			err = harvest.Errorf(harvest.KindInvalidInput, "run", "panic: %v", rec)
			logger.Error("run panicked", zap.Any("panic", rec), zap.Stack("stack"))
		}
		summary = o.finish(ctx, r, err, logger)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, string(summary.FatalKind))
		}
	}()

	if idErr != nil {
		return r.summary, harvest.Wrap(harvest.KindInvalidInput, "generate run id", idErr)
	}
	o.emit(progress.Event{RunID: r.id, Kind: progress.KindRunStart})
	logger.Info("run started",
		zap.Bool("discovery", cfg.Discovery), zap.Bool("capture", cfg.Capture),
		zap.Bool("store", cfg.Store), zap.Bool("index", cfg.Index), zap.Bool("dry_run", cfg.DryRun))

	if err := o.Validate(cfg); err != nil {
		return r.summary, err
	}
	items, err := o.items(ctx, r, logger)
	if err != nil {
		return r.summary, err
	}
	items = Window(items, cfg.StartIndex, cfg.MaxItems)
	r.summary.Items = len(items)
	logger.Info("item list ready", zap.Int("items", len(items)), zap.Int("start_index", cfg.StartIndex), zap.Int("max_items", cfg.MaxItems))

	for _, st := range o.plan(r) {
		if err := o.runStage(ctx, r, st, items, logger); err != nil {
			return r.summary, err
		}
	}
	return r.summary, nil
}

// items discovers or loads the item list.
func (o *Orchestrator) items(ctx context.Context, r *run, logger *zap.Logger) ([]harvest.ItemID, error) {
	if !r.cfg.Discovery {
		ids, err := o.deps.Items.Load()
		if err != nil {
			return nil, err
		}
		r.summary.Discovered = len(ids)
		logger.Info("discovery skipped, loaded item list", zap.String("path", o.deps.Items.Path()), zap.Int("items", len(ids)))
		return ids, nil
	}

	o.setState(harvest.StateDiscovery)
	ctx, span := o.deps.Tracer.Start(ctx, "harvest.discovery")
	defer span.End()
	if err := o.ensureSession(ctx, r); err != nil {
		return nil, err
	}
	listing, closeListing, err := o.deps.Listings(ctx, r.sess)
	if err != nil {
		return nil, fmt.Errorf("open listing: %w", err)
	}
	defer closeListing()

	res, err := o.deps.Scanner.Scan(ctx, listing)
	if err != nil {
		return nil, fmt.Errorf("discovery: %w", err)
	}
	r.summary.Discovered = len(res.IDs)
	r.summary.DiscoveryPartial = res.Partial
	r.sessFresh = false
	span.SetAttributes(attribute.Int("discovery.items", len(res.IDs)), attribute.Bool("discovery.partial", res.Partial))
	if err := o.deps.Items.Save(res.IDs); err != nil {
		return nil, fmt.Errorf("save item list: %w", err)
	}
	return res.IDs, nil
}

// ensureSession starts the session on first use and re-validates it on
// later stage transitions.
func (o *Orchestrator) ensureSession(ctx context.Context, r *run) error {
	var (
		sess *harvest.Session
		err  error
	)
	switch {
	case r.sess == nil:
		sess, err = o.deps.Sessions.Start(ctx)
	case r.sessFresh:
		return nil
	default:
		sess, err = o.deps.Sessions.EnsureValid(ctx, r.sess)
	}
	if err != nil {
		if harvest.KindOf(err) == harvest.KindCanceled {
			return err
		}
		return harvest.Wrap(harvest.KindAuth, "session", err)
	}
	r.sess = sess
	r.sessFresh = true
	return nil
}

type stagePlan struct {
	stage        harvest.Stage
	state        harvest.RunState
	cfg          scheduler.Config
	task         scheduler.Task
	sessionBound bool
}

func (o *Orchestrator) plan(r *run) []stagePlan {
	var plans []stagePlan
	if r.cfg.Capture {
		plans = append(plans, stagePlan{
			stage: harvest.StageCapture, state: harvest.StateCapture, cfg: r.cfg.CaptureStage,
			task: o.captureTask(r), sessionBound: true,
		})
	}
	if r.cfg.Store {
		plans = append(plans, stagePlan{
			stage: harvest.StageStore, state: harvest.StateStore, cfg: r.cfg.StoreStage, task: o.storeTask(),
		})
	}
	if r.cfg.Index {
		plans = append(plans, stagePlan{
			stage: harvest.StageIndex, state: harvest.StateIndex, cfg: r.cfg.IndexStage, task: o.indexTask(),
		})
	}
	return plans
}

func (o *Orchestrator) runStage(ctx context.Context, r *run, st stagePlan, items []harvest.ItemID, logger *zap.Logger) error {
	if err := ctx.Err(); err != nil {
		return harvest.Wrap(harvest.KindCanceled, "run", err)
	}
	o.setState(st.state)
	ctx, span := o.deps.Tracer.Start(ctx, "harvest.stage."+string(st.stage), trace.WithAttributes(
		attribute.String("stage", string(st.stage)),
		attribute.Int("stage.items", len(items)),
	))
	defer span.End()

	if r.cfg.DryRun {
		r.summary.Stages = append(r.summary.Stages, o.planOnly(ctx, st, items))
		return nil
	}
	if st.sessionBound {
		if err := o.ensureSession(ctx, r); err != nil {
			return err
		}
	}

	// Timeouts are counted per stage; the trip itself ends the run.
	r.breaker.BeginStage()
	sched, err := scheduler.New(st.cfg, r.breaker,
		scheduler.WithEmitter(o.deps.Emitter),
		scheduler.WithClock(o.deps.Clock),
		scheduler.WithLogger(o.logger),
		scheduler.WithRunID(r.id),
	)
	if err != nil {
		return harvest.Wrap(harvest.KindInvalidInput, string(st.stage), err)
	}
	report := sched.RunStage(ctx, st.stage, items, st.task)
	summary := harvest.Summarize(st.stage, report.Results, report.Elapsed)
	r.summary.Stages = append(r.summary.Stages, summary)
	r.sessFresh = false
	span.SetAttributes(
		attribute.Int("stage.succeeded", summary.Succeeded),
		attribute.Int("stage.failed", summary.Failed),
		attribute.Int("stage.skipped", summary.Skipped),
	)
	logger.Info("stage finished",
		zap.String("stage", string(st.stage)),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
		zap.Int("skipped", summary.Skipped),
		zap.Int("not_attempted", summary.NotAttempted),
		zap.Int("retries", summary.Retries),
		zap.Duration("duration", summary.Duration),
	)

	switch {
	case report.Aborted:
		snap := r.breaker.Snapshot()
		return fmt.Errorf("%s stage: %w (%d timeouts, %d retries)",
			st.stage, harvest.ErrCircuitBreakerTripped, snap.Timeouts, snap.Retries)
	case report.Canceled:
		return harvest.Wrap(harvest.KindCanceled, string(st.stage), ctx.Err())
	}
	return nil
}

// planOnly evaluates the idempotence check of every item without running
// any work.
func (o *Orchestrator) planOnly(ctx context.Context, st stagePlan, items []harvest.ItemID) harvest.StageSummary {
	start := o.deps.Clock.Now()
	s := harvest.StageSummary{Stage: st.stage, DryRun: true, Items: len(items)}
	for _, id := range items {
		if ctx.Err() != nil {
			break
		}
		done, err := st.task.Done(ctx, id)
		if err == nil && done {
			s.Skipped++
			continue
		}
		s.Pending++
	}
	s.Duration = o.deps.Clock.Now().Sub(start)
	o.logger.Info("dry run stage planned", zap.String("stage", string(st.stage)),
		zap.Int("pending", s.Pending), zap.Int("done", s.Skipped))
	return s
}

func (o *Orchestrator) finish(ctx context.Context, r *run, err error, logger *zap.Logger) harvest.RunSummary {
	s := r.summary
	s.FinishedAt = o.deps.Clock.Now()
	s.Duration = s.FinishedAt.Sub(s.StartedAt)
	if err != nil {
		s.State = harvest.StateAborted
		s.FatalKind = harvest.KindOf(err)
		s.FatalError = err.Error()
		logger.Error("run aborted", zap.String("kind", string(s.FatalKind)), zap.Error(err))
	} else {
		s.State = harvest.StateDone
		logger.Info("run finished",
			zap.Int("items", s.Items),
			zap.Int("failed_items", s.FailedItems()),
			zap.Duration("duration", s.Duration))
	}
	o.setState(s.State)
	o.emit(progress.Event{RunID: r.id, Kind: progress.KindRunDone, Note: string(s.State), Dur: s.Duration})

	if o.deps.Recorder != nil {
		// The run context may already be canceled; the summary is still worth keeping.
		recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if rerr := o.deps.Recorder.RecordRun(recordCtx, s); rerr != nil {
			logger.Warn("failed to record run summary", zap.Error(rerr))
		}
	}
	return s
}

func (o *Orchestrator) emit(evt progress.Event) {
	evt.TS = o.deps.Clock.Now()
	o.deps.Emitter.Emit(evt)
}

// Window returns the slice of ids starting at start holding at most max
// items. Zero max means no limit; a start beyond the end yields nothing.
func Window(ids []harvest.ItemID, start, max int) []harvest.ItemID {
	if start < 0 {
		start = 0
	}
	if start >= len(ids) {
		return nil
	}
	ids = ids[start:]
	if max > 0 && max < len(ids) {
		ids = ids[:max]
	}
	return ids
}
