// Package state holds the crawl-wide bookkeeping shared by every pipeline:
// the known identifier set, persisted count, the furthest point reached in
// sort order and rolling latency statistics.
package state

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const defaultReportInterval = 1000

// Options configures a CrawlState.
type Options struct {
	// Descending is the sort direction of the query; it decides which way
	// the last reached values may advance.
	Descending bool
	// ReportInterval resets the rolling averages every N persisted items.
	ReportInterval int
	// MaxItems is the persist budget; zero means unlimited.
	MaxItems int
}

// CrawlState is safe for concurrent use. Reserve is the only
// read-modify-write that must be atomic; statistics are monitoring only.
type CrawlState struct {
	opts   Options
	logger *zap.Logger

	mu    sync.Mutex
	known map[string]struct{}

	persisted atomic.Int64

	reachMu   sync.Mutex
	lastID    int64
	lastIDRaw string
	hasID     bool
	lastScore int
	hasScore  bool

	statsMu  sync.Mutex
	page     rolling
	download rolling
}

type rolling struct {
	mean  time.Duration
	count int
}

func (r *rolling) add(d time.Duration) {
	total := r.mean*time.Duration(r.count) + d
	r.count++
	r.mean = total / time.Duration(r.count)
}

// Latency is one rolling (mean, samples) pair.
type Latency struct {
	Mean    time.Duration `json:"mean"`
	Samples int           `json:"samples"`
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Known            int     `json:"known"`
	Persisted        int64   `json:"persisted"`
	LastReachedID    string  `json:"last_reached_id,omitempty"`
	LastReachedScore *int    `json:"last_reached_score,omitempty"`
	PageLatency      Latency `json:"page_latency"`
	DownloadLatency  Latency `json:"download_latency"`
}

// New seeds the known set with identifiers already on disk.
func New(existing map[string]struct{}, opts Options, logger *zap.Logger) *CrawlState {
	if opts.ReportInterval <= 0 {
		opts.ReportInterval = defaultReportInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	known := make(map[string]struct{}, len(existing))
	for id := range existing {
		known[id] = struct{}{}
	}
	return &CrawlState{opts: opts, logger: logger.Named("state"), known: known}
}

// Known reports whether id is persisted or reserved.
func (s *CrawlState) Known(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.known[id]
	return ok
}

// Reserve adds id to the known set. It returns false when another caller
// already holds it.
func (s *CrawlState) Reserve(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.known[id]; ok {
		return false
	}
	s.known[id] = struct{}{}
	return true
}

// Release drops a reservation that did not end in a persisted pair.
func (s *CrawlState) Release(id string) {
	s.mu.Lock()
	delete(s.known, id)
	s.mu.Unlock()
}

// KnownIDs returns a copy of the known set.
func (s *CrawlState) KnownIDs() map[string]struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]struct{}, len(s.known))
	for id := range s.known {
		out[id] = struct{}{}
	}
	return out
}

// Persisted returns the number of pairs written during this run.
func (s *CrawlState) Persisted() int64 { return s.persisted.Load() }

// BudgetExhausted reports whether the max item budget has been reached.
// Concurrent pipelines check before they finish, so the final count may
// overshoot slightly.
func (s *CrawlState) BudgetExhausted() bool {
	return s.opts.MaxItems > 0 && s.persisted.Load() >= int64(s.opts.MaxItems)
}

// MarkPersisted counts a written pair and folds its latencies into the
// rolling averages. pageLatency is the detail page fetch time, zero when the
// search payload was enough.
func (s *CrawlState) MarkPersisted(pageLatency, downloadLatency time.Duration) int64 {
	n := s.persisted.Add(1)

	s.statsMu.Lock()
	if pageLatency > 0 {
		s.page.add(pageLatency)
	}
	s.download.add(downloadLatency)
	report := n%int64(s.opts.ReportInterval) == 0
	var page, download rolling
	if report {
		page, download = s.page, s.download
		s.page, s.download = rolling{}, rolling{}
	}
	s.statsMu.Unlock()

	if report {
		fields := []zap.Field{
			zap.Int64("persisted", n),
			zap.Int("interval", s.opts.ReportInterval),
			zap.Duration("avg_download", download.mean),
		}
		if page.count > 0 {
			fields = append(fields, zap.Duration("avg_query", page.mean))
		}
		if s.opts.MaxItems > 0 {
			fields = append(fields, zap.Int("max_items", s.opts.MaxItems))
		}
		s.logger.Info("progress", fields...)
	}
	return n
}

// NoteReached records that the crawl got to id (and score, when known).
// Values only move forward in sort order so out-of-order completions never
// pull the derived bound backwards.
func (s *CrawlState) NoteReached(id string, score *int) {
	s.reachMu.Lock()
	defer s.reachMu.Unlock()
	if id != "" {
		n, err := strconv.ParseInt(id, 10, 64)
		switch {
		case err != nil:
			// Non numeric identifiers cannot be ordered: the latest one wins.
			// The numeric high-water mark is kept, so a later numeric id is
			// still compared against it.
			s.lastIDRaw, s.hasID = id, true
		case !s.hasID || s.ahead(n, s.lastID):
			s.lastID, s.lastIDRaw, s.hasID = n, id, true
		}
	}
	if score != nil && (!s.hasScore || s.ahead(int64(*score), int64(s.lastScore))) {
		s.lastScore, s.hasScore = *score, true
	}
}

func (s *CrawlState) ahead(candidate, current int64) bool {
	if s.opts.Descending {
		return candidate < current
	}
	return candidate > current
}

// LastReachedID implements query.BoundSource.
func (s *CrawlState) LastReachedID() (string, bool) {
	s.reachMu.Lock()
	defer s.reachMu.Unlock()
	return s.lastIDRaw, s.hasID
}

// LastReachedScore implements query.BoundSource.
func (s *CrawlState) LastReachedScore() (int, bool) {
	s.reachMu.Lock()
	defer s.reachMu.Unlock()
	return s.lastScore, s.hasScore
}

// Snapshot copies the current counters.
func (s *CrawlState) Snapshot() Snapshot {
	snap := Snapshot{Persisted: s.persisted.Load()}
	s.mu.Lock()
	snap.Known = len(s.known)
	s.mu.Unlock()

	s.reachMu.Lock()
	if s.hasID {
		snap.LastReachedID = s.lastIDRaw
	}
	if s.hasScore {
		score := s.lastScore
		snap.LastReachedScore = &score
	}
	s.reachMu.Unlock()

	s.statsMu.Lock()
	snap.PageLatency = Latency{Mean: s.page.mean, Samples: s.page.count}
	snap.DownloadLatency = Latency{Mean: s.download.mean, Samples: s.download.count}
	s.statsMu.Unlock()
	return snap
}
