package result

import (
	"slices"
	"time"
)

// CachePolicy controls what client-side planner state is discarded after
// every query.
type CachePolicy string

const (
	CacheKeep       CachePolicy = "none"
	CacheResetGraph CachePolicy = "reset-graph"
	CacheResetAll   CachePolicy = "reset-all"
)

var CachePolicies = []CachePolicy{CacheKeep, CacheResetGraph, CacheResetAll}

func (p CachePolicy) Valid() bool {
	return slices.Contains(CachePolicies, p)
}

// TrialConfig is created by the sweep for one concurrency level and read
// only by the trial worker.
type TrialConfig struct {
	Concurrency       int         `json:"concurrency"`
	CachePolicy       CachePolicy `json:"cache_policy"`
	BypassServerCache bool        `json:"bypass_server_cache"`
	TimeoutMs         int         `json:"timeout_ms"`
	Passes            int         `json:"passes"`
}

func (c TrialConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// Measurement is the raw record of one query in one pass. A timed out
// measurement carries only its rank.
type Measurement struct {
	Rank            int
	TimedOut        bool
	ExecutionTimeMs float64
	ByteCount       float64
	RequestCount    float64
	CacheHits       float64
	PathCost        float64
}

func TimeoutMeasurement(rank int) Measurement {
	return Measurement{Rank: rank, TimedOut: true}
}

// Bucket holds the finalized statistics of one Dijkstra rank. Averages are
// nil when every measurement of the rank timed out.
type Bucket struct {
	Count           int      `json:"count"`
	Timeouts        int      `json:"timeouts"`
	AvgResTime      *float64 `json:"avg_res_time,omitempty"`
	AvgByteCount    *float64 `json:"avg_byte_count,omitempty"`
	AvgRequestCount *float64 `json:"avg_request_count,omitempty"`
	AvgCacheHits    *float64 `json:"avg_cache_hits,omitempty"`
	AvgPathCost     *float64 `json:"avg_path_cost,omitempty"`
}

type Globals struct {
	TotalTimeouts      float64         `json:"total_timeouts"`
	AvgExecutionTimeMs *float64        `json:"avg_execution_time_ms,omitempty"`
	AvgByteCount       *float64        `json:"avg_byte_count,omitempty"`
	Ranks              map[int]*Bucket `json:"dijkstra_ranks"`
}

// Summary is the single output of a trial worker.
type Summary struct {
	RunID     string      `json:"run_id,omitempty"`
	Label     string      `json:"label,omitempty"`
	Trial     TrialConfig `json:"trial"`
	Queries   int         `json:"queries"`
	Skipped   int         `json:"skipped"`
	StartedAt time.Time   `json:"started_at"`
	EndedAt   time.Time   `json:"ended_at"`
	Globals   Globals     `json:"globals"`
}

// SortedRanks returns the ranks present in the summary in ascending order.
func (s *Summary) SortedRanks() []int {
	ranks := make([]int, 0, len(s.Globals.Ranks))
	for r := range s.Globals.Ranks {
		ranks = append(ranks, r)
	}
	slices.Sort(ranks)
	return ranks
}
