package runner_test

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/signalnine/routebench/internal/corpus"
	"github.com/signalnine/routebench/internal/planner"
)

// behaviour of the fake planner for a destination id.
type behaviour struct {
	ms      float64
	timeout bool
	fail    bool
	noPath  bool
}

// fakePlanner simulates a client with a graph and a tile cache. A query on a
// cold graph either hits the tile cache or issues one request.
type fakePlanner struct {
	mu          sync.Mutex
	opts        planner.Options
	script      map[string]behaviour
	graphLoaded bool
	tileCached  bool
	calls       []string
	hits        []int
	graphResets int
	tileResets  int
}

func newFake(opts planner.Options, script map[string]behaviour) *fakePlanner {
	return &fakePlanner{opts: opts, script: script}
}

func (f *fakePlanner) FindPath(ctx context.Context, from, to corpus.Location) (*planner.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, to.ID)

	b := f.script[to.ID]
	switch {
	case b.timeout:
		<-ctx.Done()
		return nil, ctx.Err()
	case b.fail:
		return nil, errors.New("connection reset by peer")
	case b.noPath:
		return nil, planner.ErrNoPath
	}

	res := &planner.Result{
		Path:          []string{from.ID, to.ID},
		Cost:          b.ms * 3,
		ExecutionTime: time.Duration(b.ms * float64(time.Millisecond)),
		ByteCount:     100,
	}
	if !f.graphLoaded {
		if f.tileCached {
			res.CacheHits = 1
		} else {
			res.RequestCount = 1
		}
		f.graphLoaded = true
		f.tileCached = true
	}
	f.hits = append(f.hits, res.CacheHits)
	return res, nil
}

func (f *fakePlanner) ResetGraph() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.graphResets++
	f.graphLoaded = false
}

func (f *fakePlanner) ResetTileCache() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tileResets++
	f.tileCached = false
}

// factory hands out fakes and remembers them.
type factory struct {
	mu       sync.Mutex
	script   map[string]behaviour
	planners []*fakePlanner
	err      error
}

func (f *factory) New(opts planner.Options) (planner.Planner, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	p := newFake(opts, f.script)
	f.planners = append(f.planners, p)
	return p, nil
}

func query(id string, rank int) corpus.Query {
	return corpus.Query{
		From: corpus.Location{ID: "origin-" + id},
		To:   corpus.Location{ID: id},
		Rank: rank,
	}
}
