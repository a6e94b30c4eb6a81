// Package telemetry keeps in-process query statistics for the retrieval
// service. Nothing is persisted or reported externally.
package telemetry

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// SearchMode is how a query was scored.
type SearchMode string

const (
	ModeVector SearchMode = "vector"
	ModeHybrid SearchMode = "hybrid"
)

// LatencyBucket represents a latency histogram bucket.
type LatencyBucket string

const (
	BucketP10   LatencyBucket = "p10"   // <10ms
	BucketP50   LatencyBucket = "p50"   // 10-50ms
	BucketP100  LatencyBucket = "p100"  // 50-100ms
	BucketP500  LatencyBucket = "p500"  // 100-500ms
	BucketP1000 LatencyBucket = "p1000" // >=500ms, remote embedding round trips land here
)

// LatencyToBucket converts a duration to its histogram bucket.
func LatencyToBucket(d time.Duration) LatencyBucket {
	ms := d.Milliseconds()
	switch {
	case ms < 10:
		return BucketP10
	case ms < 50:
		return BucketP50
	case ms < 100:
		return BucketP100
	case ms < 500:
		return BucketP500
	default:
		return BucketP1000
	}
}

// QueryEvent is one search for recording.
type QueryEvent struct {
	Query       string
	Mode        SearchMode
	ResultCount int
	Latency     time.Duration
	Failed      bool
}

// CircularBuffer is a fixed-capacity FIFO buffer.
type CircularBuffer[T any] struct {
	items    []T
	head     int // next write position
	size     int
	capacity int
	mu       sync.RWMutex
}

// NewCircularBuffer creates a buffer; capacity <= 0 means 100.
func NewCircularBuffer[T any](capacity int) *CircularBuffer[T] {
	if capacity <= 0 {
		capacity = 100
	}
	return &CircularBuffer[T]{items: make([]T, capacity), capacity: capacity}
}

// Add appends item, evicting the oldest when full.
func (b *CircularBuffer[T]) Add(item T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.items[b.head] = item
	b.head = (b.head + 1) % b.capacity
	if b.size < b.capacity {
		b.size++
	}
}

// Items returns the items oldest first.
func (b *CircularBuffer[T]) Items() []T {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := make([]T, b.size)
	if b.size < b.capacity {
		copy(result, b.items[:b.size])
	} else {
		copy(result, b.items[b.head:])
		copy(result[b.capacity-b.head:], b.items[:b.head])
	}
	return result
}

// Size returns the current number of items.
func (b *CircularBuffer[T]) Size() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

// ExtractTerms lowercases query and keeps words of three or more bytes.
func ExtractTerms(query string) []string {
	var terms []string
	for _, w := range strings.Fields(strings.ToLower(query)) {
		if len(w) >= 3 {
			terms = append(terms, w)
		}
	}
	return terms
}

// TermCount represents a term and its frequency count.
type TermCount struct {
	Term  string `json:"term"`
	Count int64  `json:"count"`
}

// Snapshot is an immutable copy of the collected metrics.
type Snapshot struct {
	ModeCounts          map[SearchMode]int64    `json:"mode_counts"`
	TopTerms            []TermCount             `json:"top_terms"`
	ZeroResultQueries   []string                `json:"zero_result_queries"`
	LatencyDistribution map[LatencyBucket]int64 `json:"latency_distribution"`
	TotalQueries        int64                   `json:"total_queries"`
	FailedQueries       int64                   `json:"failed_queries"`
	ZeroResultCount     int64                   `json:"zero_result_count"`
	ExactRepeatCount    int64                   `json:"exact_repeat_count"`
	Since               time.Time               `json:"since"`
}

// ZeroResultPercentage returns the share of zero-result queries in percent.
func (s *Snapshot) ZeroResultPercentage() float64 {
	if s.TotalQueries == 0 {
		return 0
	}
	return float64(s.ZeroResultCount) / float64(s.TotalQueries) * 100
}

// Config sizes the collector.
type Config struct {
	TopTermsCapacity      int // default 100
	ZeroResultsCapacity   int // default 50
	RecentQueriesCapacity int // default 500
}

// DefaultConfig returns the default capacities.
func DefaultConfig() Config {
	return Config{TopTermsCapacity: 100, ZeroResultsCapacity: 50, RecentQueriesCapacity: 500}
}

// QueryMetrics collects query statistics. Safe for concurrent use.
type QueryMetrics struct {
	mu sync.Mutex

	modes           map[SearchMode]int64
	topTerms        *lru.Cache[string, int64]
	zeroResults     *CircularBuffer[string]
	latencies       map[LatencyBucket]int64
	recentQueries   *lru.Cache[string, struct{}]
	totalQueries    int64
	failedQueries   int64
	zeroResultCount int64
	exactRepeats    int64
	startTime       time.Time
}

// NewQueryMetrics creates a collector; zero capacities take defaults.
func NewQueryMetrics(cfg Config) *QueryMetrics {
	defaults := DefaultConfig()
	if cfg.TopTermsCapacity <= 0 {
		cfg.TopTermsCapacity = defaults.TopTermsCapacity
	}
	if cfg.ZeroResultsCapacity <= 0 {
		cfg.ZeroResultsCapacity = defaults.ZeroResultsCapacity
	}
	if cfg.RecentQueriesCapacity <= 0 {
		cfg.RecentQueriesCapacity = defaults.RecentQueriesCapacity
	}

	// lru.New only fails on non-positive sizes
	topTerms, _ := lru.New[string, int64](cfg.TopTermsCapacity)
	recent, _ := lru.New[string, struct{}](cfg.RecentQueriesCapacity)

	return &QueryMetrics{
		modes:         make(map[SearchMode]int64),
		topTerms:      topTerms,
		zeroResults:   NewCircularBuffer[string](cfg.ZeroResultsCapacity),
		latencies:     make(map[LatencyBucket]int64),
		recentQueries: recent,
		startTime:     time.Now(),
	}
}

// Record captures one query. A nil collector records nothing.
func (m *QueryMetrics) Record(event QueryEvent) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.totalQueries++
	m.latencies[LatencyToBucket(event.Latency)]++
	if event.Failed {
		m.failedQueries++
		return
	}
	m.modes[event.Mode]++

	for _, term := range ExtractTerms(event.Query) {
		count, _ := m.topTerms.Get(term)
		m.topTerms.Add(term, count+1)
	}

	if event.ResultCount == 0 {
		m.zeroResults.Add(event.Query)
		m.zeroResultCount++
	}

	key := hashQuery(event.Query)
	if _, seen := m.recentQueries.Get(key); seen {
		m.exactRepeats++
	}
	m.recentQueries.Add(key, struct{}{})
}

func hashQuery(query string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(query))))
	return hex.EncodeToString(sum[:16])
}

// Snapshot returns a copy of the current metrics.
func (m *QueryMetrics) Snapshot() *Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	modes := make(map[SearchMode]int64, len(m.modes))
	for k, v := range m.modes {
		modes[k] = v
	}
	latencies := make(map[LatencyBucket]int64, len(m.latencies))
	for k, v := range m.latencies {
		latencies[k] = v
	}

	terms := make([]TermCount, 0, m.topTerms.Len())
	for _, key := range m.topTerms.Keys() {
		if count, ok := m.topTerms.Peek(key); ok {
			terms = append(terms, TermCount{Term: key, Count: count})
		}
	}
	sort.SliceStable(terms, func(i, j int) bool {
		if terms[i].Count != terms[j].Count {
			return terms[i].Count > terms[j].Count
		}
		return terms[i].Term < terms[j].Term
	})

	return &Snapshot{
		ModeCounts:          modes,
		TopTerms:            terms,
		ZeroResultQueries:   m.zeroResults.Items(),
		LatencyDistribution: latencies,
		TotalQueries:        m.totalQueries,
		FailedQueries:       m.failedQueries,
		ZeroResultCount:     m.zeroResultCount,
		ExactRepeatCount:    m.exactRepeats,
		Since:               m.startTime,
	}
}
