package cmd

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/signalnine/routebench/internal/logging"
)

var (
	cfgFile       string
	flagLogLevel  string
	flagLogFormat string
)

func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "routebench",
		Short:         "Benchmark harness for route planning over tiled graph storage",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "routebench.yaml", "config file path")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", logging.FormatConsole, "log format (console, json)")
	root.AddCommand(newRunCmd())
	root.AddCommand(newReportCmd())
	root.AddCommand(newCorpusCmd())
	root.AddCommand(newRecorderCmd())
	root.AddCommand(newWorkerCmd())
	return root
}

func newLogger() (*zap.Logger, error) {
	return logging.New(flagLogLevel, flagLogFormat)
}
