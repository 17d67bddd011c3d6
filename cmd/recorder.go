package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/signalnine/routebench/internal/recording"
)

var (
	flagRecorderPort     int
	flagRecorderOut      string
	flagRecorderInterval time.Duration
)

func newRecorderCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recorder",
		Short: "Serve the recording control endpoint and sample host stats on demand",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger()
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rec := recording.NewServer(flagRecorderOut, flagRecorderInterval, logger)
			defer rec.Stop()

			mux := http.NewServeMux()
			mux.Handle("/", rec)
			srv := &http.Server{
				Addr:              fmt.Sprintf(":%d", flagRecorderPort),
				Handler:           mux,
				ReadHeaderTimeout: 5 * time.Second,
			}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()

			logger.Info("recorder listening", zap.String("addr", srv.Addr), zap.String("out", flagRecorderOut))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&flagRecorderPort, "port", recording.DefaultPort, "control port")
	cmd.Flags().StringVar(&flagRecorderOut, "out", "recordings", "directory for recorded CSV files")
	cmd.Flags().DurationVar(&flagRecorderInterval, "interval", time.Second, "sampling interval")
	return cmd
}
