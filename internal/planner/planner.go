// Package planner defines the path planner handle driven by the trial
// worker, together with the planners the harness can benchmark.
//
// Cancellation is cooperative: FindPath polls its context at internal
// checkpoints and returns once it notices cancellation. Nothing preempts a
// running search, so a cancelled call may keep using CPU and network until
// its next checkpoint.
package planner

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/signalnine/routebench/internal/corpus"
)

const (
	KindTiles = "tiles"
	KindOSRM  = "osrm"
)

// ErrNoPath is returned when the planner completes without finding a route.
var ErrNoPath = errors.New("no path found")

// Result reports one successful path search.
type Result struct {
	Path          []string
	Cost          float64
	ExecutionTime time.Duration
	ByteCount     int64
	RequestCount  int
	CacheHits     int
}

// Planner is a stateful path planner owned by a single client lane.
type Planner interface {
	FindPath(ctx context.Context, from, to corpus.Location) (*Result, error)
	// ResetGraph discards the in-memory network graph.
	ResetGraph()
	// ResetTileCache discards fetched tiles kept for reuse.
	ResetTileCache()
}

// Options configure a planner. They are serializable so isolated trial
// workers can rebuild the same planner.
type Options struct {
	Kind              string `json:"kind"`
	BaseURL           string `json:"base_url"`
	Zoom              int    `json:"zoom"`
	BypassServerCache bool   `json:"bypass_server_cache"`
	TileCacheSize     int    `json:"tile_cache_size,omitempty"`
}

// Factory builds a fresh planner, one per client lane.
type Factory func(Options) (Planner, error)

// New is the default Factory.
func New(opts Options) (Planner, error) {
	switch opts.Kind {
	case KindTiles:
		return NewTilePlanner(opts, nil)
	case KindOSRM:
		return NewOSRMPlanner(opts, nil)
	default:
		return nil, fmt.Errorf("unknown planner kind %q", opts.Kind)
	}
}

func newRequest(ctx context.Context, url string, bypassCache bool) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if bypassCache {
		req.Header.Set("Cache-Control", "no-cache")
	}
	return req, nil
}
