package report_test

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalnine/routebench/internal/aggregate"
	"github.com/signalnine/routebench/internal/report"
	"github.com/signalnine/routebench/internal/result"
)

func writeResults(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	key := result.Key{Backend: "virtuoso", Interface: "sparql", Zoom: 12, CachePolicy: result.CacheKeep, TimeoutMs: 1000}

	for _, clients := range []int{2, 1} {
		globals, err := aggregate.Summarize([]result.Measurement{
			{Rank: 4, ExecutionTimeMs: 10, ByteCount: 2048, RequestCount: 2, CacheHits: 1},
			{Rank: 4, ExecutionTimeMs: 20, ByteCount: 4096, RequestCount: 4},
			result.TimeoutMeasurement(16),
		}, 1)
		require.NoError(t, err)
		k := key
		k.Concurrency = clients
		s := &result.Summary{
			Label:   "clients",
			Trial:   result.TrialConfig{Concurrency: clients, CachePolicy: result.CacheKeep, TimeoutMs: 1000, Passes: 1},
			Queries: 3,
			Globals: globals,
		}
		require.NoError(t, result.WriteSummary(result.Path(dir, k, clients == 2), s))
	}
	// Unrelated JSON is ignored.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.json"), []byte("not json"), 0o644))
	return dir
}

func TestGenerateTable(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, report.Generate(writeResults(t), "table", &buf))
	out := buf.String()

	first := strings.Index(out, "clients-1.json")
	second := strings.Index(out, "clients-2.json.gz")
	require.NotEqual(t, -1, first)
	require.NotEqual(t, -1, second)
	assert.Less(t, first, second, "trials are ordered by concurrency")
	assert.Contains(t, out, "15.0ms")
	assert.Contains(t, out, "3.1 kB")
	assert.Regexp(t, `16\s+0\s+1\s+-\s+-`, out)
}

func TestGenerateMarkdown(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, report.Generate(writeResults(t), "markdown", &buf))
	assert.Contains(t, buf.String(), "| 4 | 2 | 0 | 15.0ms | 3.1 kB | 3.00 | 0.50 |")
	assert.Contains(t, buf.String(), "| 16 | 0 | 1 | - | - | - | - |")
}

func TestGenerateJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, report.Generate(writeResults(t), "json", &buf))
	var reports []report.TrialReport
	require.NoError(t, json.Unmarshal(buf.Bytes(), &reports))
	require.Len(t, reports, 2)
	assert.Equal(t, 1, reports[0].Clients)
	assert.Equal(t, 1.0, reports[0].TotalTimeouts)
	require.Len(t, reports[0].Ranks, 2)
	assert.Nil(t, reports[0].Ranks[1].AvgResTime)
}

func TestGenerateEmptyDir(t *testing.T) {
	err := report.Generate(t.TempDir(), "table", &bytes.Buffer{})
	assert.ErrorContains(t, err, "no summaries found")
}
