package cmd

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/signalnine/routebench/internal/planner"
	"github.com/signalnine/routebench/internal/runner"
)

var (
	flagWorkerSpec string
	flagWorkerOut  string
)

// newWorkerCmd is the isolated trial worker started by the subprocess and
// container launchers.
func newWorkerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:    "worker",
		Short:  "Run a single trial from a spec and print its summary",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger()
			if err != nil {
				return err
			}
			defer logger.Sync()

			var in io.Reader = cmd.InOrStdin()
			if flagWorkerSpec != "" {
				f, err := os.Open(flagWorkerSpec)
				if err != nil {
					return fmt.Errorf("opening trial spec: %w", err)
				}
				defer f.Close()
				in = f
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if flagWorkerOut == "" {
				return runner.ServeWorker(ctx, in, cmd.OutOrStdout(), planner.New, logger, nil)
			}
			var buf bytes.Buffer
			if err := runner.ServeWorker(ctx, in, &buf, planner.New, logger, nil); err != nil {
				return err
			}
			return os.WriteFile(flagWorkerOut, buf.Bytes(), 0o644)
		},
	}
	cmd.Flags().StringVar(&flagWorkerSpec, "spec", "", "trial spec file (default stdin)")
	cmd.Flags().StringVar(&flagWorkerOut, "out", "", "summary output file (default stdout)")
	return cmd
}
