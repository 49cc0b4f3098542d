// Package telemetry records query patterns of memory retrieval.
// All telemetry data is stored locally - no external reporting.
package telemetry

import (
	"sort"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/zhisenyang/EverMemOS-sub003/internal/memory"
	"github.com/zhisenyang/EverMemOS-sub003/internal/store"
)

// Bounds of the in-memory aggregates.
const (
	DefaultMaxTerms      = 1000
	MaxZeroResultQueries = 100
	DefaultTopTerms      = 10
	minTermLength        = 3
	hanTermRunes         = 2
)

// LatencyBucket is a latency histogram bucket. The bounds are wide since an
// agentic query includes LLM round trips.
type LatencyBucket string

const (
	BucketLt100ms LatencyBucket = "lt_100ms"
	BucketLt500ms LatencyBucket = "lt_500ms"
	BucketLt2s    LatencyBucket = "lt_2s"
	BucketLt10s   LatencyBucket = "lt_10s"
	BucketGe10s   LatencyBucket = "ge_10s"
)

// LatencyBuckets lists the buckets in ascending order.
func LatencyBuckets() []LatencyBucket {
	return []LatencyBucket{BucketLt100ms, BucketLt500ms, BucketLt2s, BucketLt10s, BucketGe10s}
}

// LatencyToBucket converts a duration to its histogram bucket.
func LatencyToBucket(d time.Duration) LatencyBucket {
	switch {
	case d < 100*time.Millisecond:
		return BucketLt100ms
	case d < 500*time.Millisecond:
		return BucketLt500ms
	case d < 2*time.Second:
		return BucketLt2s
	case d < 10*time.Second:
		return BucketLt10s
	default:
		return BucketGe10s
	}
}

// Event is one answered query.
type Event struct {
	Query       string
	Mode        string // retrieval mode, e.g. rrf
	Source      string // memcell or event_log
	Rounds      int    // 0 when round 1 never finished
	ResultCount int
	// Insufficient is set when the judge asked for a second round.
	Insufficient bool
	// Degraded is set when an error was recorded in the metadata.
	Degraded bool
	Latency  time.Duration
}

// NewEvent reads an event out of a search result. Metadata that went
// through JSON carries numbers as float64, so both forms are accepted.
func NewEvent(res memory.SearchResult) Event {
	meta := res.Metadata
	e := Event{
		Query:       res.Query,
		Mode:        metaString(meta, memory.MetaRetrievalMode),
		Source:      metaString(meta, memory.MetaDataSource),
		Rounds:      int(metaInt(meta, memory.MetaRoundsUsed)),
		ResultCount: len(res.Results),
		Latency:     time.Duration(metaInt(meta, memory.MetaTotalLatencyMs)) * time.Millisecond,
	}
	if ok, found := meta[memory.MetaIsSufficient].(bool); found && !ok {
		e.Insufficient = true
	}
	for _, key := range []string{memory.MetaError, memory.MetaJudgeError, memory.MetaRound2Errors} {
		if _, found := meta[key]; found {
			e.Degraded = true
			break
		}
	}
	return e
}

// IsZeroResult returns true if this query returned no results.
func (e Event) IsZeroResult() bool {
	return e.ResultCount == 0
}

// modeKey groups counts by mode and source, e.g. "rrf/memcell".
func (e Event) modeKey() string {
	mode, source := e.Mode, e.Source
	if mode == "" {
		mode = "unknown"
	}
	if source == "" {
		source = "unknown"
	}
	return mode + "/" + source
}

func metaString(meta map[string]any, key string) string {
	s, _ := meta[key].(string)
	return s
}

func metaInt(meta map[string]any, key string) int64 {
	switch v := meta[key].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(v)
	default:
		return 0
	}
}

// ExtractTerms returns the terms of query worth counting: lexical terms of
// at least three characters and Han bigrams, without stop words. Single Han
// characters are too common to say anything about a query.
func ExtractTerms(query string) []string {
	tokens := store.FilterTokens(store.Tokenize(query), stopWords, minTermLength)
	seen := make(map[string]struct{}, len(tokens))
	var terms []string
	for _, t := range tokens {
		if r, _ := utf8.DecodeRuneInString(t); unicode.Is(unicode.Han, r) && utf8.RuneCountInString(t) != hanTermRunes {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		terms = append(terms, t)
	}
	return terms
}

var stopWords = store.BuildStopWordMap(store.DefaultStopWords)

// TermCount represents a term and its frequency count.
type TermCount struct {
	Term  string `json:"term"`
	Count int64  `json:"count"`
}

// Snapshot is an immutable view of query metrics.
type Snapshot struct {
	TotalQueries        int64                   `json:"total_queries"`
	ZeroResultCount     int64                   `json:"zero_result_count"`
	DegradedCount       int64                   `json:"degraded_count"`
	InsufficientCount   int64                   `json:"insufficient_count"`
	ModeCounts          map[string]int64        `json:"mode_counts"`
	RoundCounts         map[int]int64           `json:"round_counts"`
	LatencyDistribution map[LatencyBucket]int64 `json:"latency_distribution"`
	TopTerms            []TermCount             `json:"top_terms"`
	ZeroResultQueries   []string                `json:"zero_result_queries"`
	Since               time.Time               `json:"since"`
}

func newSnapshot() Snapshot {
	return Snapshot{
		ModeCounts:          map[string]int64{},
		RoundCounts:         map[int]int64{},
		LatencyDistribution: map[LatencyBucket]int64{},
		TopTerms:            []TermCount{},
		ZeroResultQueries:   []string{},
	}
}

// ZeroResultPercentage returns the percentage of zero-result queries.
func (s Snapshot) ZeroResultPercentage() float64 {
	return percent(s.ZeroResultCount, s.TotalQueries)
}

// SecondRoundPercentage returns the percentage of queries that needed a
// second retrieval round.
func (s Snapshot) SecondRoundPercentage() float64 {
	return percent(s.RoundCounts[2], s.TotalQueries)
}

func percent(n, total int64) float64 {
	if total == 0 {
		return 0
	}
	return float64(n) / float64(total) * 100
}

// QueryMetrics aggregates events in memory until they are flushed.
// It is safe for concurrent use.
type QueryMetrics struct {
	mu sync.Mutex

	total, zero, degraded, insufficient int64

	modes   map[string]int64
	rounds  map[int]int64
	latency map[LatencyBucket]int64
	terms   *lru.Cache[string, int64]
	zeroQ   *ring[string]
	since   time.Time
}

// NewQueryMetrics creates an empty aggregate. Term counts are kept for at
// most maxTerms recently seen terms; maxTerms <= 0 uses DefaultMaxTerms.
func NewQueryMetrics(maxTerms int) *QueryMetrics {
	if maxTerms <= 0 {
		maxTerms = DefaultMaxTerms
	}
	terms, _ := lru.New[string, int64](maxTerms) // only fails for size <= 0
	m := &QueryMetrics{terms: terms, zeroQ: newRing[string](MaxZeroResultQueries)}
	m.reset()
	return m
}

// Record adds one event.
func (m *QueryMetrics) Record(e Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.total++
	m.modes[e.modeKey()]++
	m.rounds[e.Rounds]++
	m.latency[LatencyToBucket(e.Latency)]++
	if e.IsZeroResult() {
		m.zero++
		m.zeroQ.add(e.Query)
	}
	if e.Degraded {
		m.degraded++
	}
	if e.Insufficient {
		m.insufficient++
	}
	for _, term := range ExtractTerms(e.Query) {
		n, _ := m.terms.Peek(term)
		m.terms.Add(term, n+1)
	}
}

// Snapshot returns the current aggregate with up to topN terms, all terms
// when topN <= 0.
func (m *QueryMetrics) Snapshot(topN int) Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot(topN)
}

func (m *QueryMetrics) snapshot(topN int) Snapshot {
	s := newSnapshot()
	s.TotalQueries = m.total
	s.ZeroResultCount = m.zero
	s.DegradedCount = m.degraded
	s.InsufficientCount = m.insufficient
	s.Since = m.since
	for k, v := range m.modes {
		s.ModeCounts[k] = v
	}
	for k, v := range m.rounds {
		s.RoundCounts[k] = v
	}
	for k, v := range m.latency {
		s.LatencyDistribution[k] = v
	}
	for _, term := range m.terms.Keys() {
		n, _ := m.terms.Peek(term)
		s.TopTerms = append(s.TopTerms, TermCount{Term: term, Count: n})
	}
	s.TopTerms = topTerms(s.TopTerms, topN)
	s.ZeroResultQueries = m.zeroQ.items()
	return s
}

// Reset clears the aggregate.
func (m *QueryMetrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reset()
}

func (m *QueryMetrics) reset() {
	m.total, m.zero, m.degraded, m.insufficient = 0, 0, 0, 0
	m.modes = map[string]int64{}
	m.rounds = map[int]int64{}
	m.latency = map[LatencyBucket]int64{}
	m.terms.Purge()
	m.zeroQ.clear()
	m.since = time.Now()
}

// topTerms sorts by count, then term, and keeps the first n.
func topTerms(terms []TermCount, n int) []TermCount {
	sort.Slice(terms, func(i, j int) bool {
		if terms[i].Count != terms[j].Count {
			return terms[i].Count > terms[j].Count
		}
		return terms[i].Term < terms[j].Term
	})
	if n > 0 && len(terms) > n {
		terms = terms[:n]
	}
	return terms
}

// ring is a fixed-capacity FIFO that evicts its oldest item when full.
// Callers synchronize.
type ring[T any] struct {
	buf  []T
	head int
	size int
}

func newRing[T any](capacity int) *ring[T] {
	return &ring[T]{buf: make([]T, capacity)}
}

func (r *ring[T]) add(v T) {
	r.buf[r.head] = v
	r.head = (r.head + 1) % len(r.buf)
	if r.size < len(r.buf) {
		r.size++
	}
}

// items returns the contents oldest first, never nil.
func (r *ring[T]) items() []T {
	out := make([]T, 0, r.size)
	start := (r.head - r.size + len(r.buf)) % len(r.buf)
	for i := 0; i < r.size; i++ {
		out = append(out, r.buf[(start+i)%len(r.buf)])
	}
	return out
}

func (r *ring[T]) clear() {
	r.head, r.size = 0, 0
}
