// Package observability provides statement timing for the storage core.
// Sections are aggregated per name, and SQL statements are fingerprinted so
// repeated executions of the same statement share one timing key. All of it
// is side-effect only; the core never reads the numbers back.
package observability

import (
	"sync"
	"time"

	"github.com/spaolacci/murmur3"
)

// Stopwatch aggregates wall-clock time spent in named sections of a write
// or read operation. A nil *Stopwatch is valid and records nothing.
type Stopwatch struct {
	mu       sync.Mutex
	sections map[string]*SectionStats
}

// SectionStats holds the aggregate for one section name.
type SectionStats struct {
	Count   int64
	Elapsed time.Duration
}

// NewStopwatch creates an empty stopwatch.
func NewStopwatch() *Stopwatch {
	return &Stopwatch{sections: make(map[string]*SectionStats)}
}

// Section is one running measurement; End stops it.
type Section struct {
	sw    *Stopwatch
	name  string
	start time.Time
	done  bool
}

// Start begins timing a named section.
func (s *Stopwatch) Start(name string) *Section {
	if s == nil {
		return nil
	}
	return &Section{sw: s, name: name, start: time.Now()}
}

// End stops the section and folds its duration into the aggregate. Calling
// End more than once, or on a nil section, is a no-op.
func (sec *Section) End() {
	if sec == nil || sec.done {
		return
	}
	sec.done = true
	sec.sw.record(sec.name, time.Since(sec.start))
}

func (s *Stopwatch) record(name string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats, ok := s.sections[name]
	if !ok {
		stats = &SectionStats{}
		s.sections[name] = stats
	}
	stats.Count++
	stats.Elapsed += d
}

// Sections returns a snapshot of all aggregates.
func (s *Stopwatch) Sections() map[string]SectionStats {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]SectionStats, len(s.sections))
	for name, stats := range s.sections {
		out[name] = *stats
	}
	return out
}

// Fingerprint hashes a SQL statement to a stable 64-bit key so timings for
// the same statement aggregate regardless of bind values.
func Fingerprint(sql string) uint64 {
	return murmur3.Sum64([]byte(sql))
}
