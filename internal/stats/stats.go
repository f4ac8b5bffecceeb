// Package stats maintains per-key running statistics shared across the
// partition workers. Mean and variance use a Welford accumulator; a bounded
// ring of recent samples supports percentile and IQR estimation. Access is
// sharded by key hash so contention tracks key cardinality rather than a
// global lock.
package stats

import (
	"hash/fnv"
	"math"
	"sync"
	"time"

	"github.com/warehouse-ops/conveyor/internal/domain"
)

// Key builds the store key for a (dimension, metric) pair.
func Key(dimension, metric string) string {
	return dimension + "\x00" + metric
}

type sample struct {
	value float64
	at    time.Time
}

type entry struct {
	count int64
	mean  float64
	m2    float64
	min   float64
	max   float64

	ring    []sample
	ringPos int
	ringLen int
}

func (e *entry) observe(v float64, at time.Time) {
	if e.count == 0 || v < e.min {
		e.min = v
	}
	if e.count == 0 || v > e.max {
		e.max = v
	}
	e.count++
	delta := v - e.mean
	e.mean += delta / float64(e.count)
	e.m2 += delta * (v - e.mean)

	e.ring[e.ringPos] = sample{value: v, at: at}
	e.ringPos = (e.ringPos + 1) % len(e.ring)
	if e.ringLen < len(e.ring) {
		e.ringLen++
	}
}

// Snapshot is an immutable view of one key's statistics.
type Snapshot struct {
	Count  int64
	Mean   float64
	StdDev float64
	Min    float64
	Max    float64

	recent []float64
}

// Recent returns the buffered recent values, oldest first not guaranteed.
func (s Snapshot) Recent() []float64 { return s.recent }

// Quartiles estimates the 25th and 75th percentiles from the recent ring.
func (s Snapshot) Quartiles() (q1, q3 float64) {
	return domain.Percentile(s.recent, 25), domain.Percentile(s.recent, 75)
}

// IQROutlier reports whether v falls outside the interquartile fences
// widened by mult.
func (s Snapshot) IQROutlier(v, mult float64) bool {
	if len(s.recent) < 4 {
		return false
	}
	q1, q3 := s.Quartiles()
	iqr := q3 - q1
	return v < q1-mult*iqr || v > q3+mult*iqr
}

// ZScore returns the number of standard deviations v lies from the mean.
// Returns 0 when the deviation is degenerate.
func (s Snapshot) ZScore(v float64) float64 {
	if s.StdDev == 0 {
		return 0
	}
	z := (v - s.Mean) / s.StdDev
	if z < 0 {
		return -z
	}
	return z
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// Store is the process-wide rolling statistics store. Counts never decrease;
// state lives for the life of the process (cold start after restart is
// accepted).
type Store struct {
	shards   []*shard
	ringSize int
}

// New creates a store with the given shard count and per-key ring size.
func New(shards, ringSize int) *Store {
	if shards <= 0 {
		shards = 32
	}
	if ringSize <= 0 {
		ringSize = 100
	}
	s := &Store{
		shards:   make([]*shard, shards),
		ringSize: ringSize,
	}
	for i := range s.shards {
		s.shards[i] = &shard{entries: make(map[string]*entry)}
	}
	return s
}

func (s *Store) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return s.shards[h.Sum32()%uint32(len(s.shards))]
}

// Observe folds value into the key's statistics and returns the post-update
// snapshot. The detector always scores against post-update statistics, so a
// single call covers both halves.
func (s *Store) Observe(dimension, metric string, value float64, at time.Time) Snapshot {
	key := Key(dimension, metric)
	sh := s.shardFor(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.entries[key]
	if !ok {
		e = &entry{ring: make([]sample, s.ringSize)}
		sh.entries[key] = e
	}
	e.observe(value, at)
	return snapshotLocked(e)
}

// Get returns the current snapshot for a key without updating it.
func (s *Store) Get(dimension, metric string) (Snapshot, bool) {
	key := Key(dimension, metric)
	sh := s.shardFor(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.entries[key]
	if !ok {
		return Snapshot{}, false
	}
	return snapshotLocked(e), true
}

// RecentCount counts buffered samples for the key newer than now-window.
// Used as the velocity signal for the enricher's risk factors.
func (s *Store) RecentCount(dimension, metric string, now time.Time, window time.Duration) int64 {
	key := Key(dimension, metric)
	sh := s.shardFor(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.entries[key]
	if !ok {
		return 0
	}
	cutoff := now.Add(-window)
	var n int64
	for i := 0; i < e.ringLen; i++ {
		if e.ring[i].at.After(cutoff) {
			n++
		}
	}
	return n
}

// Keys returns the number of tracked keys, for the stats endpoint.
func (s *Store) Keys() int {
	var n int
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.entries)
		sh.mu.Unlock()
	}
	return n
}

func snapshotLocked(e *entry) Snapshot {
	snap := Snapshot{
		Count: e.count,
		Mean:  e.mean,
		Min:   e.min,
		Max:   e.max,
	}
	if e.count > 1 {
		snap.StdDev = math.Sqrt(e.m2 / float64(e.count-1))
	}
	snap.recent = make([]float64, e.ringLen)
	for i := 0; i < e.ringLen; i++ {
		snap.recent[i] = e.ring[i].value
	}
	return snap
}
