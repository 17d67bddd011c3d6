// Package recording controls out-of-band host statistics sampling on the
// servers under test. Client and Toggles drive the control protocol; Server
// implements it.
package recording

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	CommandStart = "start"
	CommandStop  = "stop"

	DefaultPort = 3001

	// Module labels used by the sweep for the two sides of the system.
	ModuleTiles   = "tiles"
	ModuleStorage = "gdb"
)

// Client sends control commands to recorders listening on Port. A server
// given as host:port overrides Port.
type Client struct {
	HTTP     *http.Client
	Port     int
	Attempts uint
	Delay    time.Duration
	Logger   *zap.Logger
}

func (c *Client) Start(ctx context.Context, server, module string, clients int) error {
	q := url.Values{}
	q.Set("command", CommandStart)
	q.Set("module", module)
	q.Set("clients", strconv.Itoa(clients))
	return c.send(ctx, server, q)
}

func (c *Client) Stop(ctx context.Context, server string) error {
	q := url.Values{}
	q.Set("command", CommandStop)
	return c.send(ctx, server, q)
}

func (c *Client) endpoint(server string) string {
	host := server
	if _, _, err := net.SplitHostPort(server); err != nil {
		port := c.Port
		if port == 0 {
			port = DefaultPort
		}
		host = net.JoinHostPort(server, strconv.Itoa(port))
	}
	return "http://" + host + "/"
}

func (c *Client) send(ctx context.Context, server string, q url.Values) error {
	hc := c.HTTP
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	attempts := c.Attempts
	if attempts == 0 {
		attempts = 3
	}
	delay := c.Delay
	if delay == 0 {
		delay = 200 * time.Millisecond
	}
	logger := c.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	target := c.endpoint(server) + "?" + q.Encode()

	return retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			resp, err := hc.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			io.Copy(io.Discard, resp.Body)
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("recorder %s: status %d", server, resp.StatusCode)
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(delay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			logger.Debug("retrying recording toggle", zap.String("server", server), zap.Uint("attempt", n+1), zap.Error(err))
		}),
	)
}

// Target is one server whose recorder samples the named module.
type Target struct {
	Server string
	Module string
}

// Toggles brackets trials with recording commands on every target. Toggle
// failures are logged and counted, never returned: losing a recording must
// not stop the experiment.
type Toggles struct {
	Client  *Client
	Targets []Target
	Logger  *zap.Logger
}

// Start asks every target to begin sampling for the given concurrency level
// and returns the number of targets that failed.
func (t *Toggles) Start(ctx context.Context, clients int) int {
	return t.each(ctx, CommandStart, func(ctx context.Context, tg Target) error {
		return t.Client.Start(ctx, tg.Server, tg.Module, clients)
	}, zap.Int("clients", clients))
}

// Stop asks every target to stop sampling and returns the number of targets
// that failed.
func (t *Toggles) Stop(ctx context.Context) int {
	return t.each(ctx, CommandStop, func(ctx context.Context, tg Target) error {
		return t.Client.Stop(ctx, tg.Server)
	})
}

func (t *Toggles) each(ctx context.Context, command string, fn func(context.Context, Target) error, fields ...zap.Field) int {
	logger := t.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	var failed atomic.Int32
	var g errgroup.Group
	for _, tg := range t.Targets {
		tg := tg
		g.Go(func() error {
			if err := fn(ctx, tg); err != nil {
				failed.Add(1)
				logger.Warn("remote recording toggle failed", append([]zap.Field{
					zap.String("command", command),
					zap.String("server", tg.Server),
					zap.String("module", tg.Module),
					zap.Error(err),
				}, fields...)...)
			}
			return nil
		})
	}
	g.Wait()
	return int(failed.Load())
}
