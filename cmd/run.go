package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/signalnine/routebench/internal/config"
	"github.com/signalnine/routebench/internal/corpus"
	"github.com/signalnine/routebench/internal/planner"
	"github.com/signalnine/routebench/internal/recording"
	"github.com/signalnine/routebench/internal/result"
	"github.com/signalnine/routebench/internal/runner"
	"github.com/signalnine/routebench/internal/sweep"
	"github.com/signalnine/routebench/internal/telemetry"
)

var (
	flagExperiment   string
	flagGsType       string
	flagGsAddress    string
	flagTiType       string
	flagTiAddress    string
	flagTiPort       int
	flagZoom         int
	flagIterations   int
	flagTimeoutMs    int
	flagDisableCache bool
	flagCachePolicy  string
	flagBypassServer bool
	flagRecord       bool
	flagRecordPort   int
	flagIsolation    string
	flagImage        string
	flagLadder       []int
	flagSettle       time.Duration
	flagMetricsAddr  string
	flagCorpus       string
	flagLimit        int
	flagPartition    string
	flagResultsDir   string
	flagCompress     bool
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a performance or scalability experiment",
		Args:  cobra.NoArgs,
		RunE:  runExperiment,
	}
	f := cmd.Flags()
	f.StringVar(&flagExperiment, "experiment", "", "type of experiment (performance, scalability)")
	f.StringVar(&flagGsType, "gs-type", "", "graph storage to be tested (virtuoso, graphdb, osrm)")
	f.StringVar(&flagGsAddress, "gs-address", "", "graph storage server address")
	f.StringVar(&flagTiType, "ti-type", "", "tiles interface type (sparql, cypher), if any")
	f.StringVar(&flagTiAddress, "ti-address", "", "tiles interface server address, if any")
	f.IntVar(&flagTiPort, "ti-port", config.DefaultInterfacePort, "tiles interface port")
	f.IntVar(&flagZoom, "zoom", 12, "zoom level used on the tiles interface")
	f.IntVar(&flagIterations, "iterations", 1, "number of passes over the query set")
	f.IntVar(&flagTimeoutMs, "timeout", 60000, "per-query timeout in milliseconds")
	f.BoolVar(&flagDisableCache, "disable-cache", false, "disable the client-side cache (same as --cache-policy reset-all)")
	f.StringVar(&flagCachePolicy, "cache-policy", string(result.CacheKeep), "client cache reset after every query (none, reset-graph, reset-all)")
	f.BoolVar(&flagBypassServer, "bypass-server-cache", false, "ask servers not to answer from their cache")
	f.BoolVar(&flagRecord, "record", false, "toggle remote stats recording around every trial")
	f.IntVar(&flagRecordPort, "record-port", config.DefaultRecordingPort, "control port of the remote recorders")
	f.StringVar(&flagIsolation, "isolation", config.IsolationInProcess, "trial isolation (inprocess, subprocess, container)")
	f.StringVar(&flagImage, "image", "", "worker image for container isolation")
	f.IntSliceVar(&flagLadder, "ladder", config.DefaultLadder, "concurrency levels of the scalability experiment")
	f.DurationVar(&flagSettle, "settle", 5*time.Second, "wait after recording starts before load begins")
	f.StringVar(&flagMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address during the run")
	f.StringVar(&flagCorpus, "corpus", "", "query corpus (gzip JSON lines)")
	f.IntVar(&flagLimit, "limit", 0, "only replay the first N queries")
	f.StringVar(&flagPartition, "partition", "", "corpus partition label added to result names")
	f.StringVar(&flagResultsDir, "results-dir", "", "directory for trial summaries")
	f.BoolVar(&flagCompress, "compress", false, "gzip trial summaries")
	return cmd
}

// applyRunFlags copies every flag the user set over the file configuration.
func applyRunFlags(f *pflag.FlagSet, cfg *config.Config) {
	set := func(name string, apply func()) {
		if f.Changed(name) {
			apply()
		}
	}
	set("experiment", func() { cfg.Experiment = flagExperiment })
	set("gs-type", func() { cfg.Backend.Type = flagGsType })
	set("gs-address", func() { cfg.Backend.Address = flagGsAddress })
	set("ti-type", func() { cfg.Interface.Type = flagTiType })
	set("ti-address", func() { cfg.Interface.Address = flagTiAddress })
	set("ti-port", func() { cfg.Interface.Port = flagTiPort })
	set("zoom", func() { cfg.Interface.Zoom = flagZoom })
	set("iterations", func() { cfg.Trial.Iterations = flagIterations })
	set("timeout", func() { cfg.Trial.TimeoutMs = flagTimeoutMs })
	set("cache-policy", func() { cfg.Trial.CachePolicy = result.CachePolicy(flagCachePolicy) })
	set("disable-cache", func() {
		if flagDisableCache {
			cfg.Trial.CachePolicy = result.CacheResetAll
		}
	})
	set("bypass-server-cache", func() { cfg.Trial.BypassServerCache = flagBypassServer })
	set("record", func() { cfg.Recording.Enabled = flagRecord })
	set("record-port", func() { cfg.Recording.Port = flagRecordPort })
	set("isolation", func() { cfg.Isolation.Mode = flagIsolation })
	set("image", func() { cfg.Isolation.Image = flagImage })
	set("ladder", func() { cfg.Sweep.Ladder = append([]int(nil), flagLadder...) })
	set("settle", func() { cfg.Sweep.SettleDelay = flagSettle })
	set("metrics-addr", func() { cfg.Metrics.Addr = flagMetricsAddr })
	set("corpus", func() { cfg.Corpus.Path = flagCorpus })
	set("limit", func() { cfg.Corpus.Limit = flagLimit })
	set("partition", func() { cfg.Corpus.Partition = flagPartition })
	set("results-dir", func() { cfg.Results.Dir = flagResultsDir })
	set("compress", func() { cfg.Results.Compress = flagCompress })
}

func runExperiment(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile, !cmd.Flags().Changed("config"))
	if err != nil {
		return err
	}
	applyRunFlags(cmd.Flags(), cfg)
	if err := config.Validate(cfg); err != nil {
		return err
	}

	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics := telemetry.New()
	if cfg.Metrics.Addr != "" {
		go func() {
			if err := telemetry.Serve(ctx, cfg.Metrics.Addr, metrics, logger); err != nil {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
	}

	ctrl, err := buildSweep(cfg, logger, metrics)
	if err != nil {
		return err
	}
	logger.Info("experiment started",
		zap.String("experiment", cfg.Experiment),
		zap.String("backend", cfg.Backend.Type),
		zap.String("interface", cfg.Interface.Type),
		zap.Ints("levels", ctrl.Levels),
		zap.String("isolation", cfg.Isolation.Mode),
	)
	rep, err := ctrl.Run(ctx)
	if rep != nil {
		printLevels(cmd.OutOrStdout(), rep)
	}
	return err
}

// buildSweep wires the configured launcher, recorder and result store into a
// sweep controller. The corpus is loaded here so a bad corpus fails the run
// before any trial starts.
func buildSweep(cfg *config.Config, logger *zap.Logger, metrics *telemetry.Metrics) (*sweep.Controller, error) {
	queries, err := corpus.Load(cfg.Corpus.Path, cfg.Corpus.Limit)
	if err != nil {
		return nil, err
	}
	if len(queries) == 0 {
		return nil, fmt.Errorf("corpus %s has no queries", cfg.Corpus.Path)
	}
	logger.Info("corpus loaded", zap.String("path", cfg.Corpus.Path), zap.Int("queries", len(queries)))

	opts := planner.Options{
		Kind:              planner.KindTiles,
		BaseURL:           cfg.TilesBaseURL(),
		Zoom:              cfg.Interface.Zoom,
		BypassServerCache: cfg.Trial.BypassServerCache,
	}
	if opts.BaseURL == "" {
		opts.Kind = planner.KindOSRM
		opts.BaseURL = cfg.BackendURL()
	}

	var launcher runner.Launcher
	switch cfg.Isolation.Mode {
	case config.IsolationSubprocess:
		launcher = &runner.SubprocessLauncher{Binary: cfg.Isolation.Binary, Logger: logger}
	case config.IsolationContainer:
		launcher = &runner.ContainerLauncher{Image: cfg.Isolation.Image, Logger: logger}
	default:
		launcher = &runner.InProcessLauncher{
			Queries:    queries,
			NewPlanner: planner.New,
			Logger:     logger,
			Observer:   metrics,
		}
	}

	ctrl := &sweep.Controller{
		Launcher: launcher,
		Levels:   cfg.Levels(),
		Settle:   cfg.Sweep.SettleDelay,
		Spec: runner.TrialSpec{
			Trial: result.TrialConfig{
				CachePolicy:       cfg.Trial.CachePolicy,
				BypassServerCache: cfg.Trial.BypassServerCache,
				TimeoutMs:         cfg.Trial.TimeoutMs,
				Passes:            cfg.Trial.Iterations,
			},
			Planner:     opts,
			CorpusPath:  cfg.Corpus.Path,
			CorpusLimit: cfg.Corpus.Limit,
		},
		Key: result.Key{
			Backend:           cfg.Backend.Type,
			Interface:         cfg.Interface.Type,
			Zoom:              cfg.Interface.Zoom,
			CachePolicy:       cfg.Trial.CachePolicy,
			BypassServerCache: cfg.Trial.BypassServerCache,
			Partition:         cfg.Corpus.Partition,
			TimeoutMs:         cfg.Trial.TimeoutMs,
		},
		ResultsDir: cfg.Results.Dir,
		Compress:   cfg.Results.Compress,
		Logger:     logger,
		Observer:   metrics,
	}
	if cfg.Recording.Enabled {
		ctrl.Recorder = &recording.Toggles{
			Client:  &recording.Client{Port: cfg.Recording.Port, Logger: logger},
			Targets: recordingTargets(cfg),
			Logger:  logger,
		}
	}
	return ctrl, nil
}

// recordingTargets lists the tiles interface (when used) and the graph
// storage, each sampled independently.
func recordingTargets(cfg *config.Config) []recording.Target {
	var targets []recording.Target
	if cfg.Interface.Type != "" {
		targets = append(targets, recording.Target{Server: cfg.Interface.Address, Module: recording.ModuleTiles})
	}
	return append(targets, recording.Target{Server: cfg.BackendHost(), Module: recording.ModuleStorage})
}

func printLevels(w io.Writer, rep *sweep.Report) {
	fmt.Fprintf(w, "Run %s\n", rep.RunID)
	for _, l := range rep.Levels {
		switch {
		case l.TrialErr != nil:
			fmt.Fprintf(w, "  clients %-4d CRASHED: %v\n", l.Clients, l.TrialErr)
		case l.PersistErr != nil:
			fmt.Fprintf(w, "  clients %-4d NOT SAVED: %v\n", l.Clients, l.PersistErr)
		case l.Summary != nil:
			fmt.Fprintf(w, "  clients %-4d %d measured, %d skipped, %.2f timeouts -> %s\n",
				l.Clients, l.Summary.Queries, l.Summary.Skipped, l.Summary.Globals.TotalTimeouts, l.Path)
		}
	}
}
