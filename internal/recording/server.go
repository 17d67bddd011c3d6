package recording

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

var ErrBadRequest = errors.New("bad recording request")

// Sample is one row of a recording.
type Sample struct {
	Time       time.Time
	CPUPercent float64
	MemUsed    uint64
	MemPercent float64
	NetSent    uint64
	NetRecv    uint64
}

var csvHeader = []string{"timestamp", "cpu_percent", "mem_used", "mem_percent", "net_bytes_sent", "net_bytes_recv"}

func (s Sample) record() []string {
	return []string{
		s.Time.UTC().Format(time.RFC3339Nano),
		strconv.FormatFloat(s.CPUPercent, 'f', 2, 64),
		strconv.FormatUint(s.MemUsed, 10),
		strconv.FormatFloat(s.MemPercent, 'f', 2, 64),
		strconv.FormatUint(s.NetSent, 10),
		strconv.FormatUint(s.NetRecv, 10),
	}
}

type Sampler interface {
	Sample(ctx context.Context) (Sample, error)
}

// Server is the recorder side-process. Each start writes samples to
// {Dir}/{module}/{clients}.csv until the next start or stop.
type Server struct {
	Dir      string
	Interval time.Duration
	Sampler  Sampler
	Logger   *zap.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	current string
}

func NewServer(dir string, interval time.Duration, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{Dir: dir, Interval: interval, Sampler: HostSampler{}, Logger: logger}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	var err error
	switch q.Get("command") {
	case CommandStart:
		var clients int
		clients, err = strconv.Atoi(q.Get("clients"))
		if err != nil {
			err = fmt.Errorf("%w: clients %q", ErrBadRequest, q.Get("clients"))
			break
		}
		err = s.Start(q.Get("module"), clients)
	case CommandStop:
		s.Stop()
	default:
		err = fmt.Errorf("%w: unknown command %q", ErrBadRequest, q.Get("command"))
	}
	switch {
	case errors.Is(err, ErrBadRequest):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case err != nil:
		s.Logger.Error("recording command failed", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	default:
		w.WriteHeader(http.StatusOK)
	}
}

// Start begins a new recording, stopping the active one first.
func (s *Server) Start(module string, clients int) error {
	if module == "" || module == "." || module == ".." || strings.ContainsAny(module, `/\`) {
		return fmt.Errorf("%w: module %q", ErrBadRequest, module)
	}
	if clients < 1 {
		return fmt.Errorf("%w: clients must be positive", ErrBadRequest)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()

	dir := filepath.Join(s.Dir, module)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating recording dir: %w", err)
	}
	path := filepath.Join(dir, strconv.Itoa(clients)+".csv")
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating recording: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.current = path
	go s.record(ctx, f, s.done)
	s.Logger.Info("recording started", zap.String("module", module), zap.Int("clients", clients), zap.String("path", path))
	return nil
}

// Stop ends the active recording. Without one it does nothing.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

// Recording returns the path being written, empty when idle.
func (s *Server) Recording() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *Server) stopLocked() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.Logger.Info("recording stopped", zap.String("path", s.current))
	s.cancel = nil
	s.done = nil
	s.current = ""
}

func (s *Server) record(ctx context.Context, f *os.File, done chan struct{}) {
	defer close(done)
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()
	w.Write(csvHeader)

	interval := s.Interval
	if interval <= 0 {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		sample, err := s.Sampler.Sample(ctx)
		if err == nil {
			w.Write(sample.record())
			w.Flush()
		} else if ctx.Err() == nil {
			s.Logger.Warn("sampling host stats failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}
