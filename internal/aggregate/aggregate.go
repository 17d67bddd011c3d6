// Package aggregate turns raw per-query measurements into rank-stratified
// statistics.
//
// Aggregation runs in two passes. The accumulation pass only adds into sums
// and counters, the finalization pass divides every sum exactly once. Running
// averages are never kept, so buckets that fill at different rates are not
// biased.
package aggregate

import (
	"errors"
	"fmt"

	"github.com/signalnine/routebench/internal/result"
)

var ErrFinalized = errors.New("aggregator already finalized")

type sums struct {
	count     int
	timeouts  int
	execTime  float64
	bytes     float64
	requests  float64
	cacheHits float64
	pathCost  float64
}

func (s *sums) add(m result.Measurement) {
	if m.TimedOut {
		s.timeouts++
		return
	}
	s.count++
	s.execTime += m.ExecutionTimeMs
	s.bytes += m.ByteCount
	s.requests += m.RequestCount
	s.cacheHits += m.CacheHits
	s.pathCost += m.PathCost
}

// Aggregator accumulates the measurements of one trial. It is not safe for
// concurrent use and is owned by a single trial worker.
type Aggregator struct {
	buckets   map[int]*sums
	global    sums
	finalized bool
}

func New() *Aggregator {
	return &Aggregator{buckets: make(map[int]*sums)}
}

// Add accumulates one measurement into its rank bucket and the global sums.
func (a *Aggregator) Add(m result.Measurement) error {
	if a.finalized {
		return ErrFinalized
	}
	b, ok := a.buckets[m.Rank]
	if !ok {
		b = &sums{}
		a.buckets[m.Rank] = b
	}
	b.add(m)
	a.global.add(m)
	return nil
}

func (a *Aggregator) AddAll(ms []result.Measurement) error {
	for _, m := range ms {
		if err := a.Add(m); err != nil {
			return err
		}
	}
	return nil
}

// Finalize computes averages from the accumulated sums. passes is the number
// of corpus passes the measurements cover and normalizes the timeout total.
// A second call returns ErrFinalized.
func (a *Aggregator) Finalize(passes int) (result.Globals, error) {
	if a.finalized {
		return result.Globals{}, ErrFinalized
	}
	if passes < 1 {
		return result.Globals{}, fmt.Errorf("finalizing over %d passes: passes must be at least 1", passes)
	}
	a.finalized = true

	g := result.Globals{
		TotalTimeouts: float64(a.global.timeouts) / float64(passes),
		Ranks:         make(map[int]*result.Bucket, len(a.buckets)),
	}
	for rank, s := range a.buckets {
		b := &result.Bucket{Count: s.count, Timeouts: s.timeouts}
		if s.count > 0 {
			n := float64(s.count)
			b.AvgResTime = avg(s.execTime, n)
			b.AvgByteCount = avg(s.bytes, n)
			b.AvgRequestCount = avg(s.requests, n)
			b.AvgCacheHits = avg(s.cacheHits, n)
			b.AvgPathCost = avg(s.pathCost, n)
		}
		g.Ranks[rank] = b
	}
	if a.global.count > 0 {
		n := float64(a.global.count)
		g.AvgExecutionTimeMs = avg(a.global.execTime, n)
		g.AvgByteCount = avg(a.global.bytes, n)
	}
	return g, nil
}

func avg(sum, n float64) *float64 {
	v := sum / n
	return &v
}

// Summarize runs both passes over ms.
func Summarize(ms []result.Measurement, passes int) (result.Globals, error) {
	a := New()
	if err := a.AddAll(ms); err != nil {
		return result.Globals{}, err
	}
	return a.Finalize(passes)
}
