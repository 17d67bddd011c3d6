package planner

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func osrmServer(t *testing.T, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/route/v1/driving/") {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOSRMPlanner(t *testing.T) {
	srv := osrmServer(t, `{"code":"Ok","routes":[{"distance":1234.5,"duration":99}]}`)
	p, err := NewOSRMPlanner(Options{Kind: KindOSRM, BaseURL: srv.URL + "/"}, srv.Client())
	require.NoError(t, err)

	res, err := p.FindPath(context.Background(), locA, locC)
	require.NoError(t, err)
	assert.Equal(t, 1234.5, res.Cost)
	assert.Equal(t, 1, res.RequestCount)
	assert.Positive(t, res.ByteCount)
	assert.Zero(t, res.CacheHits)
}

func TestOSRMPlannerNoRoute(t *testing.T) {
	srv := osrmServer(t, `{"code":"NoRoute","message":"Impossible route"}`)
	p, err := NewOSRMPlanner(Options{BaseURL: srv.URL}, srv.Client())
	require.NoError(t, err)

	_, err = p.FindPath(context.Background(), locA, locC)
	assert.ErrorIs(t, err, ErrNoPath)
}

func TestOSRMPlannerError(t *testing.T) {
	srv := osrmServer(t, `{"code":"InvalidQuery","message":"bad coordinates"}`)
	p, err := NewOSRMPlanner(Options{BaseURL: srv.URL}, srv.Client())
	require.NoError(t, err)

	_, err = p.FindPath(context.Background(), locA, locC)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoPath)
	assert.Contains(t, err.Error(), "bad coordinates")
}
