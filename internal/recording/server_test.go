package recording_test

import (
	"context"
	"encoding/csv"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/signalnine/routebench/internal/recording"
)

type countingSampler struct {
	n atomic.Int64
}

func (c *countingSampler) Sample(ctx context.Context) (recording.Sample, error) {
	n := c.n.Add(1)
	return recording.Sample{
		Time:       time.Unix(1700000000+n, 0),
		CPUPercent: 12.5,
		MemUsed:    uint64(n) * 1024,
		MemPercent: 40,
		NetSent:    uint64(n),
		NetRecv:    uint64(2 * n),
	}, nil
}

func newTestServer(t *testing.T) (*recording.Server, *countingSampler) {
	t.Helper()
	s := recording.NewServer(t.TempDir(), 5*time.Millisecond, zaptest.NewLogger(t))
	sampler := &countingSampler{}
	s.Sampler = sampler
	t.Cleanup(s.Stop)
	return s, sampler
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}

func TestServerRecords(t *testing.T) {
	s, sampler := newTestServer(t)
	require.NoError(t, s.Start("tiles", 16))
	want := filepath.Join(s.Dir, "tiles", "16.csv")
	assert.Equal(t, want, s.Recording())

	require.Eventually(t, func() bool { return sampler.n.Load() >= 3 }, time.Second, time.Millisecond)
	s.Stop()
	assert.Empty(t, s.Recording())

	rows := readCSV(t, want)
	require.GreaterOrEqual(t, len(rows), 4)
	assert.Equal(t, []string{"timestamp", "cpu_percent", "mem_used", "mem_percent", "net_bytes_sent", "net_bytes_recv"}, rows[0])
	assert.Equal(t, "12.50", rows[1][1])
	assert.Equal(t, "1024", rows[1][2])
}

func TestServerRestartOnSecondStart(t *testing.T) {
	s, _ := newTestServer(t)
	require.NoError(t, s.Start("gdb", 1))
	require.NoError(t, s.Start("gdb", 2))
	assert.Equal(t, filepath.Join(s.Dir, "gdb", "2.csv"), s.Recording())
	s.Stop()

	assert.FileExists(t, filepath.Join(s.Dir, "gdb", "1.csv"))
	assert.FileExists(t, filepath.Join(s.Dir, "gdb", "2.csv"))
}

func TestServerStopWithoutRecording(t *testing.T) {
	s, _ := newTestServer(t)
	s.Stop()
	s.Stop()
	assert.Empty(t, s.Recording())
}

func TestServerRejectsBadModule(t *testing.T) {
	s, _ := newTestServer(t)
	for _, m := range []string{"", "..", "a/b", `a\b`} {
		assert.ErrorIs(t, s.Start(m, 1), recording.ErrBadRequest, m)
	}
	assert.ErrorIs(t, s.Start("tiles", 0), recording.ErrBadRequest)
}

func TestServerHTTP(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s)
	defer srv.Close()

	get := func(query string) int {
		resp, err := http.Get(srv.URL + "/?" + query)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusOK, get("command=stop"))
	assert.Equal(t, http.StatusOK, get("command=start&module=tiles&clients=4"))
	assert.Equal(t, http.StatusOK, get("command=start&module=tiles&clients=4"))
	assert.Equal(t, filepath.Join(s.Dir, "tiles", "4.csv"), s.Recording())
	assert.Equal(t, http.StatusOK, get("command=stop"))
	assert.Empty(t, s.Recording())

	assert.Equal(t, http.StatusBadRequest, get("command=start&module=tiles&clients=many"))
	assert.Equal(t, http.StatusBadRequest, get("command=pause"))
}

func TestServerTalksToClient(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s)
	defer srv.Close()

	c := &recording.Client{Attempts: 1}
	host := srv.Listener.Addr().String()
	require.NoError(t, c.Start(context.Background(), host, "gdb", 32))
	assert.Equal(t, filepath.Join(s.Dir, "gdb", "32.csv"), s.Recording())
	require.NoError(t, c.Stop(context.Background(), host))
	assert.Empty(t, s.Recording())
}
