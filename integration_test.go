//go:build integration

package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"

	"github.com/signalnine/routebench/internal/planner"
	"github.com/signalnine/routebench/internal/result"
)

const integrationCorpus = `{"from":{"id":"a","coordinates":[4.30,50.85]},"to":{"id":"c","coordinates":[4.70,50.85]},"metadata":{"dijkstraRank":8}}
{"from":{"id":"b","coordinates":[4.50,50.85]},"to":{"id":"c","coordinates":[4.70,50.85]},"metadata":{"dijkstraRank":4}}
`

// tileServer answers every tile request with the whole three-node network.
func tileServer(t *testing.T) *httptest.Server {
	t.Helper()
	tile := planner.Tile{Nodes: []planner.TileNode{
		{ID: "a", Coordinates: [2]float64{4.30, 50.85}, Edges: []planner.TileEdge{
			{To: "b", Coordinates: [2]float64{4.50, 50.85}, Cost: 20000},
			{To: "c", Coordinates: [2]float64{4.70, 50.85}, Cost: 100000},
		}},
		{ID: "b", Coordinates: [2]float64{4.50, 50.85}, Edges: []planner.TileEdge{
			{To: "c", Coordinates: [2]float64{4.70, 50.85}, Cost: 20000},
		}},
		{ID: "c", Coordinates: [2]float64{4.70, 50.85}},
	}}
	body, err := json.Marshal(tile)
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/sparql/virtuoso/") {
			http.NotFound(w, r)
			return
		}
		w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func buildBinary(t *testing.T) string {
	t.Helper()
	bin := filepath.Join(t.TempDir(), "routebench")
	out, err := exec.Command("go", "build", "-o", bin, ".").CombinedOutput()
	if err != nil {
		t.Fatalf("go build: %v: %s", err, out)
	}
	return bin
}

func writeCorpus(t *testing.T) string {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	zw.Write([]byte(integrationCorpus))
	zw.Close()
	path := filepath.Join(t.TempDir(), "queries.json.gz")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestSubprocessSweepIntegration(t *testing.T) {
	bin := buildBinary(t)
	tiles := tileServer(t)
	host, port, _ := strings.Cut(strings.TrimPrefix(tiles.URL, "http://"), ":")
	resultsDir := t.TempDir()
	cfgPath := filepath.Join(t.TempDir(), "routebench.yaml")
	if err := os.WriteFile(cfgPath, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	cmd := exec.Command(bin, "run",
		"--config", cfgPath,
		"--experiment", "scalability",
		"--gs-type", "virtuoso",
		"--gs-address", "unused.invalid",
		"--ti-type", "sparql",
		"--ti-address", host,
		"--ti-port", port,
		"--zoom", "10",
		"--corpus", writeCorpus(t),
		"--cache-policy", "reset-graph",
		"--ladder", "1,2",
		"--isolation", "subprocess",
		"--results-dir", resultsDir,
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("run: %v\n%s", err, out)
	}

	for _, clients := range []string{"1", "2"} {
		path := filepath.Join(resultsDir, "timeout-60000ms", "tiles_virtuoso_zoom-10_no-client-graph_server-cache_clients-"+clients+".json")
		s, err := result.ReadSummary(path)
		if err != nil {
			t.Fatalf("clients %s: %v", clients, err)
		}
		r8 := s.Globals.Ranks[8]
		if r8 == nil || r8.AvgPathCost == nil || *r8.AvgPathCost != 40000 {
			t.Errorf("clients %s: rank 8 bucket %+v, want path cost 40000", clients, r8)
		}
		if r4 := s.Globals.Ranks[4]; r4 == nil || r4.AvgCacheHits == nil || *r4.AvgCacheHits == 0 {
			t.Errorf("clients %s: second query should reuse cached tiles, got %+v", clients, r4)
		}
	}
}
