package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"hikugen/internal/cache"
	"hikugen/internal/cache/postgres"
	"hikugen/internal/cache/redis"
	"hikugen/internal/config"
	"hikugen/internal/extract"
	"hikugen/internal/llm"
	"hikugen/internal/logging"
	"hikugen/internal/observability"
	"hikugen/internal/sandbox"
)

// newCollaborators builds the generator and judge. Tests replace it to run
// the CLI without a provider.
var newCollaborators = func(cfg *config.Config, policy sandbox.Policy) (extract.Generator, extract.Judge, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	genClient, err := llm.NewClient(cfg.LLM)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create generator client: %w", err)
	}
	judgeClient := genClient
	if cfg.LLM.JudgeModel != "" && cfg.LLM.JudgeModel != cfg.LLM.Model {
		if judgeClient, err = llm.NewClient(cfg.LLM.ForJudge()); err != nil {
			return nil, nil, fmt.Errorf("failed to create judge client: %w", err)
		}
	}
	return llm.NewCodeGenerator(genClient, policy.Allowed()), llm.NewQualityJudge(judgeClient), nil
}

// signalContext returns a context cancelled by SIGINT/SIGTERM or the global
// timeout.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	return ctx, func() {
		stop()
		cancel()
	}
}

// openStore opens the configured cache backend wrapped with metrics.
func openStore(ctx context.Context, cfg *config.Config) (cache.Store, error) {
	c := cfg.Cache
	var (
		store cache.Store
		err   error
	)
	switch c.Backend {
	case "memory":
		store = cache.NewMemory()
	case "sqlite", "":
		store, err = cache.OpenSQLite(c.DatabasePath)
	case "redis":
		var opts []redis.Option
		if c.RedisPrefix != "" {
			opts = append(opts, redis.WithPrefix(c.RedisPrefix))
		}
		store, err = redis.Dial(ctx, c.RedisAddr, c.RedisPassword, c.RedisDB, opts...)
	case "postgres":
		store, err = postgres.New(ctx, postgres.Config{
			DSN:            c.PostgresDSN,
			Concurrency:    concurrency,
			MigrateOnStart: true,
		})
	default:
		return nil, fmt.Errorf("unknown cache backend: %s", c.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s cache: %w", c.Backend, err)
	}
	logging.Get(logging.CategoryCLI).Debug("cache backend %s ready", c.Backend)
	return cache.Instrument(store, c.Backend), nil
}

// policyFor builds the sandbox policy from the sandbox config section.
func policyFor(cfg *config.Config) (sandbox.Policy, error) {
	return sandbox.NewPolicy(cfg.Sandbox.AllowedImports, cfg.Sandbox.MaxSnippetBytes)
}

// engine is everything an extraction command needs.
type engine struct {
	orch  *extract.Orchestrator
	exec  *sandbox.Executor
	store cache.Store // nil when caching is disabled
}

// report prints loop and sandbox counters for --verbose.
func (e *engine) report(w io.Writer) {
	if !verbose || e.orch == nil {
		return
	}
	o, x := e.orch.Stats(), e.exec.Stats()
	fmt.Fprintf(w, "stats: runs=%d cache_hits=%d cached_fallthrough=%d fresh_attempts=%d judge_rejections=%d judge_unavailable=%d successes=%d failures=%d\n",
		o.Runs, o.CacheHits, o.CachedFallthrough, o.FreshAttempts, o.JudgeRejections, o.JudgeUnavailable, o.Successes, o.Failures)
	fmt.Fprintf(w, "sandbox: completed=%d timeouts=%d running=%d abandoned=%d\n",
		x.Completed, x.Timeouts, x.Running, x.Abandoned)
}

func (e *engine) Close() {
	if e.store != nil {
		if err := e.store.Close(); err != nil {
			logging.Get(logging.CategoryCLI).Warn("closing cache: %v", err)
		}
	}
}

func newEngine(ctx context.Context, cfg *config.Config, useCache bool, maxAttempts int) (*engine, error) {
	if err := cfg.ValidateLocal(); err != nil {
		return nil, err
	}
	policy, err := policyFor(cfg)
	if err != nil {
		return nil, err
	}
	gen, judge, err := newCollaborators(cfg, policy)
	if err != nil {
		return nil, err
	}

	exec := sandbox.NewExecutor(policy, cfg.Sandbox.MaxWorkers)
	deps := extract.Deps{
		Generator: gen,
		Judge:     judge,
		Validator: sandbox.NewValidator(policy),
		Executor:  exec,
		Tracer:    observability.NewTracer(nil),
	}
	e := &engine{exec: exec}
	if useCache && cfg.Cache.Enabled {
		store, err := openStore(ctx, cfg)
		if err != nil {
			return nil, err
		}
		e.store = store
		deps.Store = store
	}

	ocfg := extract.Config{
		MaxAttempts:   cfg.Regeneration.MaxAttempts,
		Deadline:      cfg.GetSandboxTimeout(),
		HTMLSampleLen: cfg.Regeneration.HTMLSampleLen,
	}
	if maxAttempts >= 0 {
		ocfg.MaxAttempts = maxAttempts
	}
	orch, err := extract.New(deps, ocfg)
	if err != nil {
		e.Close()
		return nil, err
	}
	e.orch = orch
	return e, nil
}
