// Package extract implements the regeneration loop: look up a cached snippet,
// otherwise generate one, then validate, execute, conform and optionally judge
// it, feeding each failure back into the next generation attempt.
//
// The loop:
// CacheLookup → TryCached → TryFresh → Judging → Done | Failed
package extract

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"hikugen/internal/cache"
	"hikugen/internal/failure"
	"hikugen/internal/logging"
	"hikugen/internal/observability"
	"hikugen/internal/schema"
)

// ErrInvalidConfig marks caller misuse: a negative budget, a missing schema
// or collaborator, or an empty key with caching on. It is never a
// *failure.Failure.
var ErrInvalidConfig = errors.New("extract: invalid configuration")

// =============================================================================
// LOOP STAGES
// =============================================================================

// Stage identifies where in the loop a run is.
type Stage int

const (
	StageCacheLookup Stage = iota
	StageTryCached
	StageTryFresh
	StageJudging
	StageDone
	StageFailed
)

func (s Stage) String() string {
	switch s {
	case StageCacheLookup:
		return "cache_lookup"
	case StageTryCached:
		return "try_cached"
	case StageTryFresh:
		return "try_fresh"
	case StageJudging:
		return "judging"
	case StageDone:
		return "done"
	case StageFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// StageRecord is one intermediate step kept for diagnostics.
type StageRecord struct {
	Stage    Stage
	Attempt  int // fresh attempt number; 0 for cache stages
	Failure  *failure.Failure
	Duration time.Duration
}

func (r StageRecord) String() string {
	status := "ok"
	if r.Failure != nil {
		status = r.Failure.Error()
	}
	if r.Attempt > 0 {
		return fmt.Sprintf("%s#%d (%v): %s", r.Stage, r.Attempt, r.Duration.Round(time.Millisecond), status)
	}
	return fmt.Sprintf("%s (%v): %s", r.Stage, r.Duration.Round(time.Millisecond), status)
}

// =============================================================================
// ORCHESTRATOR
// =============================================================================

// Config bounds the loop.
type Config struct {
	MaxAttempts   int           // regeneration budget N: at most N+1 generate calls
	Deadline      time.Duration // per snippet execution
	HTMLSampleLen int           // bytes of HTML shown to generator and judge; 0 = all
}

// DefaultConfig returns the defaults used by the CLI.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:   3,
		Deadline:      30 * time.Second,
		HTMLSampleLen: 20000,
	}
}

// Deps are the orchestrator's collaborators. Store and Judge are optional;
// Tracer defaults to the global OpenTelemetry provider.
type Deps struct {
	Generator Generator
	Judge     Judge
	Validator Validator
	Executor  Executor
	Store     cache.Store
	Tracer    observability.Tracer
}

// Stats tracks loop activity across runs.
type Stats struct {
	Runs              int
	CacheHits         int
	CachedFallthrough int // cache hits whose snippet no longer worked
	FreshAttempts     int
	JudgeRejections   int
	JudgeUnavailable  int
	Successes         int
	Failures          int
	LastRun           time.Time
}

// Orchestrator runs extractions. It is safe for concurrent use; runs share
// only the cache store.
type Orchestrator struct {
	mu sync.Mutex

	deps   Deps
	config Config
	stats  Stats
}

// New validates the configuration and returns an orchestrator.
func New(deps Deps, cfg Config) (*Orchestrator, error) {
	if cfg.MaxAttempts < 0 {
		return nil, fmt.Errorf("%w: max attempts must be >= 0, got %d", ErrInvalidConfig, cfg.MaxAttempts)
	}
	if cfg.Deadline <= 0 {
		return nil, fmt.Errorf("%w: execution deadline must be positive, got %v", ErrInvalidConfig, cfg.Deadline)
	}
	if cfg.HTMLSampleLen < 0 {
		return nil, fmt.Errorf("%w: html sample length must be >= 0", ErrInvalidConfig)
	}
	if deps.Generator == nil || deps.Validator == nil || deps.Executor == nil {
		return nil, fmt.Errorf("%w: generator, validator and executor are required", ErrInvalidConfig)
	}
	if deps.Tracer == nil {
		deps.Tracer = observability.NewTracer(nil)
	}
	return &Orchestrator{deps: deps, config: cfg}, nil
}

// Request is one extraction call.
type Request struct {
	Key      string // logical cache key, e.g. a URL or document ID
	Schema   *schema.Schema
	HTML     string
	UseCache bool // consult and populate the store, if one is configured
	Judge    bool // judge fresh instances, if a judge is configured
}

// Result is the outcome of a run.
type Result struct {
	Instance  schema.Instance
	Snippet   string
	FromCache bool
	Attempts  int // fresh generate calls made
	Trace     []StageRecord
	RunID     string
}

// run carries per-call state through the stages.
type run struct {
	req         Request
	fingerprint string
	description string
	sample      string
	useCache    bool
	judge       bool

	result *Result
	log    *logging.RequestLogger
	audit  *logging.AuditLogger
}

// Extract runs the loop for req.
//
// On success it returns the conforming instance. On a terminal failure the
// error is a *failure.Failure of kind RegenerationExhausted (Cause holds the
// last attempt's failure) or GenerationTransportError, with Attempts set; the
// Result is still returned so callers can inspect Trace. Misuse errors wrap
// ErrInvalidConfig and come with a nil Result.
func (o *Orchestrator) Extract(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()

	r, err := o.prepare(req)
	if err != nil {
		return nil, err
	}
	o.bump(func(s *Stats) { s.Runs++; s.LastRun = start })

	r.log.Info("extraction started: key=%q schema=%s fingerprint=%.12s cache=%v judge=%v",
		req.Key, req.Schema.Name, r.fingerprint, r.useCache, r.judge)
	r.audit.Event(logging.AuditRunStart, "schema %s", req.Schema.Name)

	if inst, snippet, ok := o.tryCache(ctx, r); ok {
		r.result.Instance = inst
		r.result.Snippet = snippet
		r.result.FromCache = true
		o.finish(r, start, nil)
		return r.result, nil
	}

	inst, snippet, ferr := o.tryFresh(ctx, r)
	if ferr != nil {
		o.finish(r, start, ferr)
		return r.result, ferr
	}

	r.result.Instance = inst
	r.result.Snippet = snippet
	o.store(ctx, r, snippet)
	o.finish(r, start, nil)
	return r.result, nil
}

func (o *Orchestrator) prepare(req Request) (*run, error) {
	if req.Schema == nil {
		return nil, fmt.Errorf("%w: schema is required", ErrInvalidConfig)
	}
	if err := req.Schema.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	fp, err := schema.Fingerprint(req.Schema)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	useCache := req.UseCache && o.deps.Store != nil
	if useCache && req.Key == "" {
		return nil, fmt.Errorf("%w: a key is required when caching is enabled", ErrInvalidConfig)
	}

	runID := uuid.NewString()
	return &run{
		req:         req,
		fingerprint: fp,
		description: schema.Describe(req.Schema),
		sample:      truncateUTF8(req.HTML, o.config.HTMLSampleLen),
		useCache:    useCache,
		judge:       req.Judge && o.deps.Judge != nil,
		result:      &Result{RunID: runID},
		log:         logging.WithRequestID(logging.CategoryExtract, runID).WithField("key", req.Key),
		audit:       logging.AuditRun(runID, req.Key),
	}, nil
}

// =============================================================================
// CACHE LOOKUP AND TRY CACHED
// =============================================================================

// tryCache returns ok when a cached snippet still produces a conforming
// instance. Its failures never touch the regeneration budget, are never
// judged, and never delete the entry.
func (o *Orchestrator) tryCache(ctx context.Context, r *run) (schema.Instance, string, bool) {
	if !r.useCache {
		return nil, "", false
	}

	stageStart := time.Now()
	spanCtx, span := o.deps.Tracer.StartSpan(ctx, o.meta(r, StageCacheLookup, 0))
	entry, err := o.deps.Store.Get(spanCtx, r.req.Key, r.fingerprint)
	switch {
	case errors.Is(err, cache.ErrNotFound):
		o.deps.Tracer.EndSpan(span, nil)
		r.log.Debug("cache miss")
		r.audit.Event(logging.AuditCacheMiss, "no entry")
		return nil, "", false
	case err != nil:
		// The cache only accelerates; an unreachable store is a miss.
		o.deps.Tracer.EndSpan(span, err)
		r.log.Warn("cache lookup failed, generating fresh: %v", err)
		r.audit.Event(logging.AuditCacheMiss, "lookup error: %v", err)
		return nil, "", false
	}
	o.deps.Tracer.EndSpan(span, nil)
	r.trace(StageRecord{Stage: StageCacheLookup, Duration: time.Since(stageStart)})
	r.audit.Event(logging.AuditCacheHit, "entry from %s", entry.CreatedAt.Format(time.RFC3339))

	stageStart = time.Now()
	spanCtx, span = o.deps.Tracer.StartSpan(ctx, o.meta(r, StageTryCached, 0))
	inst, f := o.attempt(spanCtx, entry.Snippet, r.req)
	o.deps.Tracer.EndSpan(span, failureErr(f))
	r.trace(StageRecord{Stage: StageTryCached, Failure: f, Duration: time.Since(stageStart)})
	observability.AttemptsTotal.WithLabelValues(StageTryCached.String(), attemptLabel(f)).Inc()

	if f != nil {
		o.bump(func(s *Stats) { s.CachedFallthrough++ })
		r.log.Warn("cached snippet rejected (%s), generating fresh", f.Kind)
		r.audit.Log(logging.AuditEvent{EventType: logging.AuditCachedRejected, Kind: f.Kind.String(), Message: f.Message})
		return nil, "", false
	}

	o.bump(func(s *Stats) { s.CacheHits++ })
	if err := o.deps.Store.Touch(ctx, r.req.Key, r.fingerprint, time.Now()); err != nil {
		r.log.Warn("failed to record successful run: %v", err)
	}
	r.log.Info("cached snippet accepted")
	return inst, entry.Snippet, true
}

// =============================================================================
// TRY FRESH AND JUDGING
// =============================================================================

func (o *Orchestrator) tryFresh(ctx context.Context, r *run) (schema.Instance, string, *failure.Failure) {
	var last *failure.Failure
	limit := o.config.MaxAttempts + 1

	for attempt := 1; attempt <= limit; attempt++ {
		r.result.Attempts = attempt
		o.bump(func(s *Stats) { s.FreshAttempts++ })

		stageStart := time.Now()
		spanCtx, span := o.deps.Tracer.StartSpan(ctx, o.meta(r, StageTryFresh, attempt))

		snippet, err := o.deps.Generator.Generate(spanCtx, GenerateRequest{
			Schema:      r.req.Schema,
			Description: r.description,
			HTMLSample:  r.sample,
			Prior:       last,
			Attempt:     attempt,
		})
		if err != nil {
			f := failure.Wrap(failure.GenerationTransportError, err, "generation failed: %v", err)
			f.Attempts = attempt
			o.deps.Tracer.EndSpan(span, f)
			r.trace(StageRecord{Stage: StageTryFresh, Attempt: attempt, Failure: f, Duration: time.Since(stageStart)})
			r.log.Error("generator unavailable on attempt %d: %v", attempt, err)
			return nil, "", f
		}
		r.audit.Log(logging.AuditEvent{EventType: logging.AuditSnippetGenerated, Attempt: attempt,
			Message: fmt.Sprintf("%d bytes", len(snippet))})

		inst, f := o.attempt(spanCtx, snippet, r.req)
		o.deps.Tracer.EndSpan(span, failureErr(f))
		r.trace(StageRecord{Stage: StageTryFresh, Attempt: attempt, Failure: f, Duration: time.Since(stageStart)})
		observability.AttemptsTotal.WithLabelValues(StageTryFresh.String(), attemptLabel(f)).Inc()

		if f == nil && r.judge {
			f = o.judging(ctx, r, inst, attempt)
		}
		if f == nil {
			r.log.Info("fresh snippet accepted on attempt %d/%d", attempt, limit)
			return inst, snippet, nil
		}

		last = f
		r.log.Warn("attempt %d/%d failed: %s", attempt, limit, f)
		r.audit.AttemptFailed(attempt, f.Kind.String(), f.Message)
	}

	exhausted := failure.Wrap(failure.RegenerationExhausted, last,
		"no conforming snippet after %d attempt(s); last failure: %s", limit, last.Kind)
	exhausted.Attempts = limit
	return nil, "", exhausted
}

// judging returns a JudgmentFailed record for a negative verdict. A judge
// transport error is an implicit pass.
func (o *Orchestrator) judging(ctx context.Context, r *run, inst schema.Instance, attempt int) *failure.Failure {
	stageStart := time.Now()
	spanCtx, span := o.deps.Tracer.StartSpan(ctx, o.meta(r, StageJudging, attempt))

	verdict, err := o.deps.Judge.Judge(spanCtx, JudgeRequest{
		Instance:    inst,
		Schema:      r.req.Schema,
		Description: r.description,
		HTMLSample:  r.sample,
	})
	if err != nil {
		o.deps.Tracer.EndSpan(span, nil)
		o.bump(func(s *Stats) { s.JudgeUnavailable++ })
		observability.JudgeVerdictsTotal.WithLabelValues("unavailable").Inc()
		r.log.Warn("judge unavailable, accepting instance: %v", err)
		r.audit.Event(logging.AuditJudgeUnavailable, "%v", err)
		r.trace(StageRecord{Stage: StageJudging, Attempt: attempt, Duration: time.Since(stageStart)})
		return nil
	}
	if verdict.Pass {
		o.deps.Tracer.EndSpan(span, nil)
		observability.JudgeVerdictsTotal.WithLabelValues("pass").Inc()
		r.trace(StageRecord{Stage: StageJudging, Attempt: attempt, Duration: time.Since(stageStart)})
		return nil
	}

	f := failure.New(failure.JudgmentFailed, "judge rejected the extracted instance")
	for _, reason := range verdict.Reasons {
		f.Details = append(f.Details, failure.Detail{Problem: reason})
	}
	o.deps.Tracer.EndSpan(span, f)
	o.bump(func(s *Stats) { s.JudgeRejections++ })
	observability.JudgeVerdictsTotal.WithLabelValues("reject").Inc()
	r.audit.Log(logging.AuditEvent{EventType: logging.AuditJudgeRejected, Attempt: attempt, Message: f.Error()})
	r.trace(StageRecord{Stage: StageJudging, Attempt: attempt, Failure: f, Duration: time.Since(stageStart)})
	return f
}

// attempt is validate → execute → conform for one snippet.
func (o *Orchestrator) attempt(ctx context.Context, snippet string, req Request) (schema.Instance, *failure.Failure) {
	if err := o.deps.Validator.Validate(snippet); err != nil {
		return nil, asFailure(err, failure.SyntaxInvalid)
	}
	raw, err := o.deps.Executor.Execute(ctx, snippet, req.HTML, o.config.Deadline)
	if err != nil {
		return nil, asFailure(err, failure.ExecutionRaised)
	}
	inst, err := schema.Check(raw, req.Schema)
	if err != nil {
		return nil, asFailure(err, failure.NonConformant)
	}
	return inst, nil
}

// =============================================================================
// DONE / FAILED
// =============================================================================

// store writes a fresh snippet. A write error is logged, never fatal.
func (o *Orchestrator) store(ctx context.Context, r *run, snippet string) {
	if !r.useCache {
		return
	}
	if err := o.deps.Store.Put(ctx, r.req.Key, r.fingerprint, snippet); err != nil {
		r.log.Error("failed to cache snippet: %v", err)
		return
	}
	r.audit.Event(logging.AuditCacheWrite, "fingerprint %.12s", r.fingerprint)
}

func (o *Orchestrator) finish(r *run, start time.Time, f *failure.Failure) {
	elapsed := time.Since(start)
	source := "fresh"
	if r.result.FromCache {
		source = "cache"
	}

	if f != nil {
		r.trace(StageRecord{Stage: StageFailed, Attempt: r.result.Attempts, Failure: f, Duration: elapsed})
		o.bump(func(s *Stats) { s.Failures++ })
		observability.ExtractionsTotal.WithLabelValues(source, f.Kind.String()).Inc()
		r.audit.RunFinished(false, r.result.Attempts, f.Kind.String(), elapsed)
		r.log.Error("extraction failed after %d attempt(s) in %v: %s", r.result.Attempts, elapsed, f)
	} else {
		r.trace(StageRecord{Stage: StageDone, Attempt: r.result.Attempts, Duration: elapsed})
		o.bump(func(s *Stats) { s.Successes++ })
		observability.ExtractionsTotal.WithLabelValues(source, "ok").Inc()
		r.audit.RunFinished(true, r.result.Attempts, "", elapsed)
		r.log.Info("extraction done from %s in %v", source, elapsed)
	}
	observability.ExtractionDuration.WithLabelValues(source).Observe(elapsed.Seconds())
}

// Stats returns a snapshot of loop statistics.
func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stats
}

func (o *Orchestrator) bump(update func(*Stats)) {
	o.mu.Lock()
	update(&o.stats)
	o.mu.Unlock()
}

func (o *Orchestrator) meta(r *run, stage Stage, attempt int) observability.StageMeta {
	return observability.StageMeta{
		Stage:   stage.String(),
		Key:     r.req.Key,
		RunID:   r.result.RunID,
		Attempt: attempt,
	}
}

func (r *run) trace(rec StageRecord) {
	r.result.Trace = append(r.result.Trace, rec)
}

// asFailure keeps structured failures and wraps anything else as fallback.
func asFailure(err error, fallback failure.Kind) *failure.Failure {
	if f, ok := failure.As(err); ok {
		return f
	}
	return failure.Wrap(fallback, err, "%v", err)
}

// failureErr avoids the typed-nil interface trap.
func failureErr(f *failure.Failure) error {
	if f == nil {
		return nil
	}
	return f
}

func attemptLabel(f *failure.Failure) string {
	if f == nil {
		return "ok"
	}
	return f.Kind.String()
}

func truncateUTF8(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
