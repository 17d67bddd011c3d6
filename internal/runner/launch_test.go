package runner_test

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/signalnine/routebench/internal/planner"
	"github.com/signalnine/routebench/internal/result"
	"github.com/signalnine/routebench/internal/runner"
)

const corpusLines = `{"from":{"id":"a","coordinates":[4.3,50.8]},"to":{"id":"q1","coordinates":[4.4,50.9]},"metadata":{"dijkstraRank":4}}
{"from":{"id":"b","coordinates":[4.3,50.8]},"to":{"id":"q2","coordinates":[4.4,50.9]},"metadata":{"dijkstraRank":4}}
{"from":{"id":"c","coordinates":[4.3,50.8]},"to":{"id":"q3","coordinates":[4.4,50.9]},"metadata":{"dijkstraRank":16}}
`

var workerScript = map[string]behaviour{"q1": {ms: 10}, "q2": {ms: 20}, "q3": {ms: 30}}

func writeCorpus(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "queries.json")
	require.NoError(t, os.WriteFile(path, []byte(corpusLines), 0o644))
	return path
}

func testSpec(corpusPath string) *runner.TrialSpec {
	return &runner.TrialSpec{
		RunID:      "run-1",
		Label:      "clients-1",
		Trial:      trialConfig(result.CacheKeep),
		Planner:    planner.Options{Kind: planner.KindTiles, BaseURL: "http://tiles.invalid"},
		CorpusPath: corpusPath,
	}
}

func TestInProcessLauncher(t *testing.T) {
	f := &factory{script: workerScript}
	l := &runner.InProcessLauncher{Queries: scenarioCorpus(), NewPlanner: f.New, Logger: zap.NewNop()}

	s, err := l.Launch(context.Background(), testSpec(""))
	require.NoError(t, err)
	assert.Equal(t, "run-1", s.RunID)
	assert.Equal(t, 20.0, *s.Globals.AvgExecutionTimeMs)
}

func TestInProcessLauncherRecoversCrash(t *testing.T) {
	l := &runner.InProcessLauncher{
		Queries: scenarioCorpus(),
		NewPlanner: func(planner.Options) (planner.Planner, error) {
			panic("planner exploded")
		},
	}
	_, err := l.Launch(context.Background(), testSpec(""))
	assert.ErrorIs(t, err, runner.ErrTrialCrashed)
}

func TestServeWorker(t *testing.T) {
	spec := testSpec(writeCorpus(t))
	spec.CorpusLimit = 2
	payload, err := json.Marshal(spec)
	require.NoError(t, err)

	f := &factory{script: workerScript}
	var out bytes.Buffer
	require.NoError(t, runner.ServeWorker(context.Background(), bytes.NewReader(payload), &out, f.New, zap.NewNop(), nil))

	var s result.Summary
	require.NoError(t, json.Unmarshal(out.Bytes(), &s))
	assert.Equal(t, 2, s.Queries)
	assert.Equal(t, 15.0, *s.Globals.AvgExecutionTimeMs)
	assert.Equal(t, []int{4}, s.SortedRanks())
	assert.Equal(t, spec.Planner, f.planners[0].opts)
}

func TestServeWorkerBadSpec(t *testing.T) {
	err := runner.ServeWorker(context.Background(), bytes.NewReader([]byte("{")), &bytes.Buffer{}, nil, nil, nil)
	assert.ErrorContains(t, err, "decoding trial spec")
}

// TestHelperWorker is not a real test. It is the child process of the
// subprocess launcher tests.
func TestHelperWorker(t *testing.T) {
	switch os.Getenv("ROUTEBENCH_HELPER_WORKER") {
	case "":
		t.Skip("helper process")
	case "crash":
		os.Exit(3)
	}
	f := &factory{script: workerScript}
	if err := runner.ServeWorker(context.Background(), os.Stdin, os.Stdout, f.New, zap.NewNop(), nil); err != nil {
		os.Exit(2)
	}
	os.Exit(0)
}

func helperLauncher(t *testing.T, mode string) *runner.SubprocessLauncher {
	t.Setenv("ROUTEBENCH_HELPER_WORKER", mode)
	return &runner.SubprocessLauncher{
		Binary: os.Args[0],
		Args:   []string{"-test.run=^TestHelperWorker$"},
		Stderr: &bytes.Buffer{},
	}
}

func TestSubprocessLauncher(t *testing.T) {
	l := helperLauncher(t, "serve")
	s, err := l.Launch(context.Background(), testSpec(writeCorpus(t)))
	require.NoError(t, err)
	assert.Equal(t, 3, s.Queries)
	assert.Equal(t, 20.0, *s.Globals.AvgExecutionTimeMs)
	assert.Equal(t, "clients-1", s.Label)
}

func TestSubprocessLauncherCrash(t *testing.T) {
	l := helperLauncher(t, "crash")
	_, err := l.Launch(context.Background(), testSpec(writeCorpus(t)))
	assert.ErrorIs(t, err, runner.ErrTrialCrashed)
	assert.ErrorContains(t, err, "code 3")
}
