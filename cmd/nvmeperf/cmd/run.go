package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/srilakshmi/nvmedirect/nvmedrv"
	"github.com/srilakshmi/nvmedirect/perf"
)

var (
	runTrid       string
	runDuration   time.Duration
	runIterations int
	runStatusAddr string
)

func init() {
	runCmd.Flags().StringVar(&runTrid, "trid", "", "Transport id to benchmark (default: config transport or all local PCIe)")
	runCmd.Flags().DurationVar(&runDuration, "duration", 0, "Run time per worker (overrides config)")
	runCmd.Flags().IntVar(&runIterations, "iterations", 0, "Write/read-back cycles per worker (overrides config)")
	runCmd.Flags().StringVar(&runStatusAddr, "status-addr", "", "Serve JSON status on this address, e.g. :8080")
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the write/read-back benchmark",
	Long: `Attach controllers and run the configured workload: each worker owns a
queue pair, writes a patterned buffer, reads it back and verifies it.

Examples:
  nvmeperf run --config nvmeperf.yaml
  nvmeperf run --duration 30s --status-addr :8080`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		wl := cfg.Workload
		if runDuration > 0 {
			wl.Duration = runDuration
			wl.Iterations = 0
		}
		if runIterations > 0 {
			wl.Iterations = runIterations
		}
		statusAddr := cfg.Status.Addr
		if runStatusAddr != "" {
			statusAddr = runStatusAddr
		}

		d, cleanup, err := openDriver(cfg, zlog)
		if err != nil {
			return err
		}
		defer func() {
			if err := cleanup(); err != nil {
				zlog.Warn("engine cleanup failed", zap.Error(err))
			}
		}()

		c, err := discover(d, runTrid)
		if err != nil {
			return err
		}
		defer func() {
			if err := c.DetachAll(); err != nil {
				zlog.Warn("detach failed", zap.Error(err))
			}
		}()

		var flags nvmedrv.IOFlags
		if wl.FUA {
			flags |= nvmedrv.FlagForceUnitAccess
		}
		runner, err := perf.NewRunner(d, c.Controllers(), perf.Workload{
			IOSize:     wl.IOSize,
			QueueDepth: wl.QueueDepth,
			Workers:    wl.Workers,
			Duration:   wl.Duration,
			Iterations: wl.Iterations,
			Verify:     wl.Verify,
			Priority:   cfg.QueuePriority(),
			Flags:      flags,
		}, zlog)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if statusAddr != "" {
			srv := &http.Server{
				Addr:              statusAddr,
				Handler:           perf.NewStatusRouter(runner),
				ReadHeaderTimeout: 5 * time.Second,
			}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					zlog.Error("status server failed", zap.Error(err))
				}
			}()
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()
			zlog.Info("status server listening", zap.String("addr", statusAddr))
		}

		rep, runErr := runner.Run(ctx)

		if outputFormat != "table" {
			if err := formatOutput(rep); err != nil {
				return err
			}
			return runErr
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "Run:\t%s\n", rep.RunID)
		fmt.Fprintf(w, "Elapsed:\t%s\n", rep.Elapsed.Round(time.Millisecond))
		fmt.Fprintf(w, "Iterations:\t%d\n", rep.Iterations)
		fmt.Fprintf(w, "Commands:\t%d\n", rep.Commands)
		fmt.Fprintf(w, "Errors:\t%d\n", rep.Errors)
		fmt.Fprintf(w, "IOPS:\t%.0f\n", rep.IOPS)
		fmt.Fprintf(w, "Written:\t%d bytes\n", rep.BytesWritten)
		fmt.Fprintf(w, "Read:\t%d bytes\n", rep.BytesRead)
		if err := w.Flush(); err != nil {
			return err
		}
		return runErr
	},
}
