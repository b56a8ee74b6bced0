// Package guard prevents duplicate concurrent mutations on the same entity.
//
// Every mutating operation on a per-entity key calls TryBegin before issuing
// the change and End afterward, on all exit paths. A failed TryBegin means
// another mutation on the same key is still in flight; the caller must
// reject the attempt as busy rather than queue or drop it.
//
// One Guard instance covers one logical resource family (threads, unmatched
// emails) with an independent keyspace.
package guard

import (
	"fmt"
	"sync"

	"github.com/coursedesk/triage/pkg/metrics"
)

type Guard struct {
	family   string
	mu       sync.Mutex
	inflight map[string]struct{}
}

// New creates a guard for one resource family.
func New(family string) *Guard {
	return &Guard{
		family:   family,
		inflight: make(map[string]struct{}),
	}
}

// TryBegin marks the key as having a mutation in flight. Returns false if a
// mutation on the same key has already begun and not yet ended.
func (g *Guard) TryBegin(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, busy := g.inflight[key]; busy {
		metrics.GuardRejections.WithLabelValues(g.family).Inc()
		return false
	}
	g.inflight[key] = struct{}{}
	metrics.GuardInflight.WithLabelValues(g.family).Inc()
	return true
}

// End releases the key. Safe to call from a deferred statement; ending a key
// that was never begun is a no-op.
func (g *Guard) End(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, held := g.inflight[key]; held {
		delete(g.inflight, key)
		metrics.GuardInflight.WithLabelValues(g.family).Dec()
	}
}

// IDKey formats a numeric entity id as a guard key.
func IDKey(id int64) string {
	return fmt.Sprintf("%d", id)
}
