package observability

import (
	"sort"
	"sync"
	"time"
)

// QueryStats aggregates statement timings by fingerprint for performance
// monitoring. Entries older than the window are pruned on read.
type QueryStats struct {
	mu         sync.RWMutex
	statements map[uint64]*StatementStats
	window     time.Duration
}

// StatementStats holds the aggregated timings of one statement shape.
type StatementStats struct {
	Fingerprint uint64
	Count       int64
	Total       time.Duration
	Max         time.Duration
	Entities    int64
	LastSeen    time.Time
}

// Mean returns the average elapsed time per execution.
func (s *StatementStats) Mean() time.Duration {
	if s.Count == 0 {
		return 0
	}
	return s.Total / time.Duration(s.Count)
}

// NewQueryStats creates a statement timing tracker.
// window: how long an idle statement's stats are kept (e.g., 1 hour)
func NewQueryStats(window time.Duration) *QueryStats {
	return &QueryStats{
		statements: make(map[uint64]*StatementStats),
		window:     window,
	}
}

// RecordQuery records one statement execution. This method is O(1) and
// thread-safe; a nil receiver ignores the call so callers never have to
// branch on whether timing collection is enabled.
func (q *QueryStats) RecordQuery(fingerprint uint64, elapsed time.Duration, entityCount int) {
	if q == nil {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	stats, exists := q.statements[fingerprint]
	if !exists {
		stats = &StatementStats{Fingerprint: fingerprint}
		q.statements[fingerprint] = stats
	}
	stats.Count++
	stats.Total += elapsed
	if elapsed > stats.Max {
		stats.Max = elapsed
	}
	stats.Entities += int64(entityCount)
	stats.LastSeen = time.Now()
}

// TopByTotal returns the n statements with the largest cumulative elapsed
// time, pruning entries idle for longer than the window first.
func (q *QueryStats) TopByTotal(n int) []StatementStats {
	if q == nil || n <= 0 {
		return nil
	}
	q.mu.Lock()
	cutoff := time.Now().Add(-q.window)
	for fp, s := range q.statements {
		if s.LastSeen.Before(cutoff) {
			delete(q.statements, fp)
		}
	}
	stats := make([]StatementStats, 0, len(q.statements))
	for _, s := range q.statements {
		stats = append(stats, *s)
	}
	q.mu.Unlock()

	sort.Slice(stats, func(i, j int) bool {
		return stats[i].Total > stats[j].Total
	})
	if n > len(stats) {
		n = len(stats)
	}
	return stats[:n]
}

// Len reports how many distinct statement shapes are tracked.
func (q *QueryStats) Len() int {
	if q == nil {
		return 0
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.statements)
}
