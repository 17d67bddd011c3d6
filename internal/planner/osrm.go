package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/signalnine/routebench/internal/corpus"
)

// OSRMPlanner asks an OSRM routing server for every query. It keeps no
// client-side state, so both resets are no-ops.
type OSRMPlanner struct {
	opts   Options
	client *http.Client
}

type osrmResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Routes  []struct {
		Distance float64 `json:"distance"`
		Duration float64 `json:"duration"`
	} `json:"routes"`
}

func NewOSRMPlanner(opts Options, client *http.Client) (*OSRMPlanner, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("osrm planner: base URL is required")
	}
	if client == nil {
		client = &http.Client{}
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	return &OSRMPlanner{opts: opts, client: client}, nil
}

func (p *OSRMPlanner) ResetGraph()     {}
func (p *OSRMPlanner) ResetTileCache() {}

func (p *OSRMPlanner) FindPath(ctx context.Context, from, to corpus.Location) (*Result, error) {
	start := time.Now()
	url := fmt.Sprintf("%s/route/v1/driving/%f,%f;%f,%f?overview=false",
		p.opts.BaseURL, from.Lon(), from.Lat(), to.Lon(), to.Lat())
	req, err := newRequest(ctx, url, p.opts.BypassServerCache)
	if err != nil {
		return nil, fmt.Errorf("building route request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting route: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading route: %w", err)
	}

	var out osrmResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("parsing route (status %d): %w", resp.StatusCode, err)
	}
	switch {
	case out.Code == "NoRoute" || (out.Code == "Ok" && len(out.Routes) == 0):
		return nil, ErrNoPath
	case out.Code != "Ok":
		return nil, fmt.Errorf("osrm %s: %s", out.Code, out.Message)
	}
	return &Result{
		Path:          []string{from.ID, to.ID},
		Cost:          out.Routes[0].Distance,
		ExecutionTime: time.Since(start),
		ByteCount:     int64(len(body)),
		RequestCount:  1,
	}, nil
}
