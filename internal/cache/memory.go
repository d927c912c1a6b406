package cache

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Store (backend "memory"); contents die with the process.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]map[string]Entry // key -> fingerprint -> entry
	now     func() time.Time
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]map[string]Entry),
		now:     time.Now,
	}
}

func (m *Memory) Get(ctx context.Context, key, fingerprint string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[key][fingerprint]
	if !ok {
		return nil, ErrNotFound
	}
	return copyEntry(e), nil
}

func (m *Memory) Put(ctx context.Context, key, fingerprint, snippet string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	byFP, ok := m.entries[key]
	if !ok {
		byFP = make(map[string]Entry)
		m.entries[key] = byFP
	}
	byFP[fingerprint] = Entry{
		Key:         key,
		Fingerprint: fingerprint,
		Snippet:     snippet,
		CreatedAt:   m.now().UTC(),
	}
	return nil
}

func (m *Memory) Touch(ctx context.Context, key, fingerprint string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key][fingerprint]
	if !ok {
		return ErrNotFound
	}
	at = at.UTC()
	e.LastSuccessfulRun = &at
	m.entries[key][fingerprint] = e
	return nil
}

func (m *Memory) DeleteByKey(ctx context.Context, key string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.entries[key])
	delete(m.entries, key)
	return n, nil
}

func (m *Memory) DeleteAll(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, byFP := range m.entries {
		n += len(byFP)
	}
	m.entries = make(map[string]map[string]Entry)
	return n, nil
}

func (m *Memory) List(ctx context.Context) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Entry
	for _, byFP := range m.entries {
		for _, e := range byFP {
			out = append(out, *copyEntry(e))
		}
	}
	SortEntries(out)
	return out, nil
}

func (m *Memory) Close() error { return nil }

func copyEntry(e Entry) *Entry {
	c := e
	if e.LastSuccessfulRun != nil {
		t := *e.LastSuccessfulRun
		c.LastSuccessfulRun = &t
	}
	return &c
}

// SortEntries orders entries by key, then fingerprint.
func SortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Key != entries[j].Key {
			return entries[i].Key < entries[j].Key
		}
		return entries[i].Fingerprint < entries[j].Fingerprint
	})
}
