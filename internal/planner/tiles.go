package planner

import (
	"container/heap"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/signalnine/routebench/internal/corpus"
)

const DefaultTileCacheSize = 4096

// Tile is the network fragment served by a tiles interface at
// {base}/{zoom}/{x}/{y}.
type Tile struct {
	Nodes []TileNode `json:"nodes"`
}

type TileNode struct {
	ID          string     `json:"id"`
	Coordinates [2]float64 `json:"coordinates"`
	Edges       []TileEdge `json:"edges"`
}

// TileEdge carries the target coordinates so the planner knows which tile
// to fetch before the target node is loaded.
type TileEdge struct {
	To          string     `json:"to"`
	Coordinates [2]float64 `json:"coordinates"`
	Cost        float64    `json:"cost"`
}

type node struct {
	id       string
	lon, lat float64
	edges    []TileEdge
}

type queryStats struct {
	bytes     int64
	requests  int
	cacheHits int
}

// TilePlanner runs A* over a network graph assembled from tiles fetched on
// demand. Fetched tiles are kept in an LRU cache; the assembled graph
// persists across queries until ResetGraph.
//
// mu is held for the whole of FindPath, so a reset issued after a timed out
// query waits until that query reaches its next cancellation checkpoint.
type TilePlanner struct {
	opts   Options
	client *http.Client

	mu     sync.Mutex
	graph  map[string]*node
	loaded map[tileID]bool
	cache  *lru.Cache
}

func NewTilePlanner(opts Options, client *http.Client) (*TilePlanner, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("tile planner: base URL is required")
	}
	size := opts.TileCacheSize
	if size <= 0 {
		size = DefaultTileCacheSize
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("creating tile cache: %w", err)
	}
	if client == nil {
		client = &http.Client{}
	}
	return &TilePlanner{
		opts:   opts,
		client: client,
		graph:  make(map[string]*node),
		loaded: make(map[tileID]bool),
		cache:  cache,
	}, nil
}

func (p *TilePlanner) ResetGraph() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.graph = make(map[string]*node)
	p.loaded = make(map[tileID]bool)
}

func (p *TilePlanner) ResetTileCache() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cache.Purge()
}

func (p *TilePlanner) FindPath(ctx context.Context, from, to corpus.Location) (*Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	start := time.Now()
	var st queryStats

	for _, loc := range []corpus.Location{from, to} {
		if err := p.ensureTile(ctx, tileFor(loc.Lon(), loc.Lat(), p.opts.Zoom), &st); err != nil {
			return nil, err
		}
	}
	if _, ok := p.graph[from.ID]; !ok {
		return nil, fmt.Errorf("%w: origin %s not in network", ErrNoPath, from.ID)
	}

	dest := to.ID
	gScore := map[string]float64{from.ID: 0}
	prev := map[string]string{}
	closed := map[string]bool{}
	open := &frontier{}
	heap.Push(open, &item{id: from.ID, f: haversine(from.Lon(), from.Lat(), to.Lon(), to.Lat())})

	for open.Len() > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cur := heap.Pop(open).(*item)
		if closed[cur.id] {
			continue
		}
		if cur.id == dest {
			return &Result{
				Path:          buildPath(prev, from.ID, dest),
				Cost:          gScore[dest],
				ExecutionTime: time.Since(start),
				ByteCount:     st.bytes,
				RequestCount:  st.requests,
				CacheHits:     st.cacheHits,
			}, nil
		}
		closed[cur.id] = true

		n := p.graph[cur.id]
		if n == nil {
			continue
		}
		for _, e := range n.edges {
			if closed[e.To] {
				continue
			}
			if _, ok := p.graph[e.To]; !ok {
				if err := p.ensureTile(ctx, tileFor(e.Coordinates[0], e.Coordinates[1], p.opts.Zoom), &st); err != nil {
					return nil, err
				}
			}
			g := gScore[cur.id] + e.Cost
			if old, seen := gScore[e.To]; seen && g >= old {
				continue
			}
			gScore[e.To] = g
			prev[e.To] = cur.id
			heap.Push(open, &item{id: e.To, f: g + haversine(e.Coordinates[0], e.Coordinates[1], to.Lon(), to.Lat())})
		}
	}
	return nil, ErrNoPath
}

// ensureTile merges tile t into the graph, from the cache when possible.
func (p *TilePlanner) ensureTile(ctx context.Context, t tileID, st *queryStats) error {
	if p.loaded[t] {
		return nil
	}
	var tile *Tile
	if v, ok := p.cache.Get(t); ok {
		tile = v.(*Tile)
		st.cacheHits++
	} else {
		fetched, n, err := p.fetchTile(ctx, t)
		st.requests++
		st.bytes += n
		if err != nil {
			return err
		}
		tile = fetched
		p.cache.Add(t, tile)
	}
	for _, tn := range tile.Nodes {
		n, ok := p.graph[tn.ID]
		if !ok {
			n = &node{id: tn.ID, lon: tn.Coordinates[0], lat: tn.Coordinates[1]}
			p.graph[tn.ID] = n
		}
		n.edges = append(n.edges, tn.Edges...)
	}
	p.loaded[t] = true
	return nil
}

func (p *TilePlanner) fetchTile(ctx context.Context, t tileID) (*Tile, int64, error) {
	url := fmt.Sprintf("%s/%d/%d/%d", p.opts.BaseURL, t.Z, t.X, t.Y)
	req, err := newRequest(ctx, url, p.opts.BypassServerCache)
	if err != nil {
		return nil, 0, fmt.Errorf("building tile request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("fetching tile %s: %w", url, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	n := int64(len(body))
	if err != nil {
		return nil, n, fmt.Errorf("reading tile %s: %w", url, err)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		// Tiles outside the network are empty.
		return &Tile{}, n, nil
	case resp.StatusCode != http.StatusOK:
		return nil, n, fmt.Errorf("fetching tile %s: status %d", url, resp.StatusCode)
	}
	var tile Tile
	if err := json.Unmarshal(body, &tile); err != nil {
		return nil, n, fmt.Errorf("parsing tile %s: %w", url, err)
	}
	return &tile, n, nil
}

func buildPath(prev map[string]string, from, to string) []string {
	path := []string{to}
	for cur := to; cur != from; {
		cur = prev[cur]
		path = append(path, cur)
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}

type item struct {
	id string
	f  float64
}

type frontier []*item

func (f frontier) Len() int           { return len(f) }
func (f frontier) Less(i, j int) bool { return f[i].f < f[j].f }
func (f frontier) Swap(i, j int)      { f[i], f[j] = f[j], f[i] }
func (f *frontier) Push(x any)        { *f = append(*f, x.(*item)) }
func (f *frontier) Pop() any {
	old := *f
	it := old[len(old)-1]
	*f = old[:len(old)-1]
	return it
}
