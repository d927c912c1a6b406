package cache

import (
	"context"
	"errors"
	"time"

	"hikugen/internal/observability"
)

// Instrumented records hikugen_cache_ops_total for every call on the
// wrapped store.
type Instrumented struct {
	Store
	backend string
}

// Instrument wraps s; backend labels the metrics ("sqlite", "redis", ...).
func Instrument(s Store, backend string) *Instrumented {
	return &Instrumented{Store: s, backend: backend}
}

func (i *Instrumented) record(op string, err error) {
	result := observability.ResultLabel(err)
	if errors.Is(err, ErrNotFound) {
		result = "miss"
	} else if err == nil && op == "get" {
		result = "hit"
	}
	observability.CacheOpsTotal.WithLabelValues(i.backend, op, result).Inc()
}

func (i *Instrumented) Get(ctx context.Context, key, fingerprint string) (*Entry, error) {
	e, err := i.Store.Get(ctx, key, fingerprint)
	i.record("get", err)
	return e, err
}

func (i *Instrumented) Put(ctx context.Context, key, fingerprint, snippet string) error {
	err := i.Store.Put(ctx, key, fingerprint, snippet)
	i.record("put", err)
	return err
}

func (i *Instrumented) Touch(ctx context.Context, key, fingerprint string, at time.Time) error {
	err := i.Store.Touch(ctx, key, fingerprint, at)
	i.record("touch", err)
	return err
}

func (i *Instrumented) DeleteByKey(ctx context.Context, key string) (int, error) {
	n, err := i.Store.DeleteByKey(ctx, key)
	i.record("delete_by_key", err)
	return n, err
}

func (i *Instrumented) DeleteAll(ctx context.Context) (int, error) {
	n, err := i.Store.DeleteAll(ctx)
	i.record("delete_all", err)
	return n, err
}
