package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/signalnine/routebench/internal/result"
)

const (
	ExperimentPerformance = "performance"
	ExperimentScalability = "scalability"

	IsolationInProcess  = "inprocess"
	IsolationSubprocess = "subprocess"
	IsolationContainer  = "container"

	DefaultInterfacePort = 8080
	DefaultRecordingPort = 3001
)

// Supported graph storage backends and tiles interfaces.
var (
	Backends   = []string{"virtuoso", "graphdb", "osrm"}
	Interfaces = []string{"sparql", "cypher"}

	DefaultLadder = []int{1, 2, 4, 8, 16, 32, 64, 128}
)

var (
	ErrUnsupportedBackend    = errors.New("unsupported graph storage")
	ErrUnsupportedInterface  = errors.New("unsupported tiles interface")
	ErrMissingAddress        = errors.New("missing address")
	ErrUnsupportedExperiment = errors.New("unsupported experiment")
	ErrInvalidValue          = errors.New("invalid value")
)

// Error is a configuration problem detected before any trial runs.
type Error struct {
	Field string
	Err   error
	Msg   string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v: %s", e.Field, e.Err, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

type Config struct {
	Experiment string    `yaml:"experiment"`
	Backend    Backend   `yaml:"backend"`
	Interface  Interface `yaml:"interface"`
	Corpus     Corpus    `yaml:"corpus"`
	Trial      Trial     `yaml:"trial"`
	Sweep      Sweep     `yaml:"sweep"`
	Recording  Recording `yaml:"recording"`
	Isolation  Isolation `yaml:"isolation"`
	Results    Results   `yaml:"results"`
	Metrics    Metrics   `yaml:"metrics"`
}

type Backend struct {
	Type    string `yaml:"type"`
	Address string `yaml:"address"`
}

type Interface struct {
	Type    string `yaml:"type"`
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
	Zoom    int    `yaml:"zoom"`
}

type Corpus struct {
	Path      string `yaml:"path"`
	Limit     int    `yaml:"limit"`
	Partition string `yaml:"partition"`
}

type Trial struct {
	Iterations        int                `yaml:"iterations"`
	TimeoutMs         int                `yaml:"timeout_ms"`
	CachePolicy       result.CachePolicy `yaml:"cache_policy"`
	BypassServerCache bool               `yaml:"bypass_server_cache"`
}

type Sweep struct {
	Ladder      []int         `yaml:"ladder"`
	SettleDelay time.Duration `yaml:"settle_delay"`
}

type Recording struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

type Isolation struct {
	Mode   string `yaml:"mode"`
	Image  string `yaml:"image"`
	Binary string `yaml:"binary"`
}

type Results struct {
	Dir      string `yaml:"dir"`
	Compress bool   `yaml:"compress"`
}

type Metrics struct {
	Addr string `yaml:"addr"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Interface: Interface{Port: DefaultInterfacePort, Zoom: 12},
		Corpus:    Corpus{Path: "random-queries_5-17.json.gz"},
		Trial: Trial{
			Iterations:  1,
			TimeoutMs:   60000,
			CachePolicy: result.CacheKeep,
		},
		Sweep: Sweep{
			Ladder:      append([]int(nil), DefaultLadder...),
			SettleDelay: 5 * time.Second,
		},
		Recording: Recording{Port: DefaultRecordingPort},
		Isolation: Isolation{Mode: IsolationInProcess},
		Results:   Results{Dir: "results"},
	}
}

// Load reads path over the defaults. A missing file is tolerated when
// optional is set.
func Load(path string, optional bool) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if optional && errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration and fills derived defaults. It must
// run before any trial starts.
func Validate(cfg *Config) error {
	switch cfg.Experiment {
	case ExperimentPerformance, ExperimentScalability:
	default:
		return &Error{Field: "experiment", Err: ErrUnsupportedExperiment,
			Msg: fmt.Sprintf("%q, supported: %s, %s", cfg.Experiment, ExperimentPerformance, ExperimentScalability)}
	}
	if !slices.Contains(Backends, cfg.Backend.Type) {
		return &Error{Field: "backend.type", Err: ErrUnsupportedBackend,
			Msg: fmt.Sprintf("%q, currently supported types: %v", cfg.Backend.Type, Backends)}
	}
	if cfg.Backend.Address == "" {
		return &Error{Field: "backend.address", Err: ErrMissingAddress, Msg: "graph storage address is required"}
	}
	if cfg.Interface.Type != "" {
		if !slices.Contains(Interfaces, cfg.Interface.Type) {
			return &Error{Field: "interface.type", Err: ErrUnsupportedInterface,
				Msg: fmt.Sprintf("%q, currently supported types: %v", cfg.Interface.Type, Interfaces)}
		}
		if cfg.Interface.Address == "" {
			return &Error{Field: "interface.address", Err: ErrMissingAddress, Msg: "tiles interface address is required with interface.type"}
		}
	} else if cfg.Backend.Type != "osrm" {
		return &Error{Field: "interface.type", Err: ErrUnsupportedInterface,
			Msg: fmt.Sprintf("a tiles interface is required for %s, supported: %v", cfg.Backend.Type, Interfaces)}
	}
	if cfg.Interface.Port == 0 {
		cfg.Interface.Port = DefaultInterfacePort
	}
	if cfg.Interface.Zoom < 0 {
		return &Error{Field: "interface.zoom", Err: ErrInvalidValue, Msg: "zoom must not be negative"}
	}
	if cfg.Corpus.Path == "" {
		return &Error{Field: "corpus.path", Err: ErrInvalidValue, Msg: "query corpus path is required"}
	}
	if cfg.Trial.Iterations < 1 {
		return &Error{Field: "trial.iterations", Err: ErrInvalidValue, Msg: "iterations must be at least 1"}
	}
	if cfg.Trial.TimeoutMs < 1 {
		return &Error{Field: "trial.timeout_ms", Err: ErrInvalidValue, Msg: "timeout must be positive"}
	}
	if cfg.Trial.CachePolicy == "" {
		cfg.Trial.CachePolicy = result.CacheKeep
	}
	if !cfg.Trial.CachePolicy.Valid() {
		return &Error{Field: "trial.cache_policy", Err: ErrInvalidValue,
			Msg: fmt.Sprintf("%q, supported: %v", cfg.Trial.CachePolicy, result.CachePolicies)}
	}
	if len(cfg.Sweep.Ladder) == 0 {
		return &Error{Field: "sweep.ladder", Err: ErrInvalidValue, Msg: "ladder must not be empty"}
	}
	for i, n := range cfg.Sweep.Ladder {
		if n < 1 || (i > 0 && n <= cfg.Sweep.Ladder[i-1]) {
			return &Error{Field: "sweep.ladder", Err: ErrInvalidValue, Msg: fmt.Sprintf("ladder must be positive and ascending, got %v", cfg.Sweep.Ladder)}
		}
	}
	if cfg.Sweep.SettleDelay < 0 {
		return &Error{Field: "sweep.settle_delay", Err: ErrInvalidValue, Msg: "settle delay must not be negative"}
	}
	if cfg.Recording.Port == 0 {
		cfg.Recording.Port = DefaultRecordingPort
	}
	switch cfg.Isolation.Mode {
	case "":
		cfg.Isolation.Mode = IsolationInProcess
	case IsolationInProcess, IsolationSubprocess:
	case IsolationContainer:
		if cfg.Isolation.Image == "" {
			return &Error{Field: "isolation.image", Err: ErrInvalidValue, Msg: "container isolation needs an image"}
		}
	default:
		return &Error{Field: "isolation.mode", Err: ErrInvalidValue,
			Msg: fmt.Sprintf("%q, supported: %s, %s, %s", cfg.Isolation.Mode, IsolationInProcess, IsolationSubprocess, IsolationContainer)}
	}
	if cfg.Results.Dir == "" {
		cfg.Results.Dir = "results"
	}
	return nil
}

// TilesBaseURL is the tiles interface endpoint the planner fetches from,
// empty when queries go straight to the backend.
func (c *Config) TilesBaseURL() string {
	if c.Interface.Type == "" {
		return ""
	}
	return fmt.Sprintf("http://%s:%d/%s/%s", c.Interface.Address, c.Interface.Port, c.Interface.Type, c.Backend.Type)
}

// Levels returns the concurrency ladder for the configured experiment.
func (c *Config) Levels() []int {
	if c.Experiment == ExperimentPerformance {
		return []int{1}
	}
	return c.Sweep.Ladder
}

// BackendURL is the graph storage endpoint with a scheme.
func (c *Config) BackendURL() string {
	if strings.Contains(c.Backend.Address, "://") {
		return strings.TrimRight(c.Backend.Address, "/")
	}
	return "http://" + c.Backend.Address
}

// BackendHost is the graph storage host without scheme or port, where its
// recorder listens.
func (c *Config) BackendHost() string {
	if u, err := url.Parse(c.BackendURL()); err == nil && u.Hostname() != "" {
		return u.Hostname()
	}
	if host, _, err := net.SplitHostPort(c.Backend.Address); err == nil {
		return host
	}
	return c.Backend.Address
}
