package ratelimit

import (
	"context"
	"sync"
	"time"
)

const sweepEvery = 1024

// MemoryStore keeps a timestamp log per key. One mutex guards every key, so
// prune-count-append is atomic. Suitable for a single instance.
type MemoryStore struct {
	mu    sync.Mutex
	logs  map[string]*window
	calls int
}

type window struct {
	hits   []time.Time
	length time.Duration
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{logs: make(map[string]*window)}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Allow(_ context.Context, key string, rule Rule, now time.Time) (Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls++
	if m.calls%sweepEvery == 0 {
		m.sweep(now)
	}

	w, ok := m.logs[key]
	if !ok {
		w = &window{}
		m.logs[key] = w
	}
	w.length = rule.Window
	w.prune(now)

	d := Decision{}
	if len(w.hits) < rule.Limit {
		w.hits = append(w.hits, now)
		d.Allowed = true
	}
	d.Remaining = max(rule.Limit-len(w.hits), 0)
	d.ResetAt = now.Add(rule.Window)
	if len(w.hits) > 0 {
		d.ResetAt = w.hits[0].Add(rule.Window)
	}
	return d, nil
}

func (w *window) prune(now time.Time) {
	cutoff := now.Add(-w.length)
	i := 0
	for i < len(w.hits) && !w.hits[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.hits = append(w.hits[:0], w.hits[i:]...)
	}
}

// sweep drops keys whose whole log has aged out.
func (m *MemoryStore) sweep(now time.Time) {
	for k, w := range m.logs {
		w.prune(now)
		if len(w.hits) == 0 {
			delete(m.logs, k)
		}
	}
}

// Len reports how many keys are tracked.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.logs)
}
