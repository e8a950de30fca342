package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jnesss/frame-analyzer/process"
)

// reapInterval is how often attached pids are checked for exit.
const reapInterval = time.Second

func newWatchCmd(c *cli) *cobra.Command {
	var comms []string

	cmd := &cobra.Command{
		Use:   "watch [pid...]",
		Short: "Print frametimes of the target processes",
		Example: `  frame-analyzer watch 1234
  frame-analyzer watch --comm com.android.systemui`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runWatch(cmd.Context(), cmd.OutOrStdout(), args, comms)
		},
	}
	addProbeFlags(cmd, &comms)
	return cmd
}

func (c *cli) runWatch(ctx context.Context, out io.Writer, args, comms []string) error {
	pids, err := resolveTargets(args, comms, process.FindByComm)
	if err != nil {
		return err
	}

	a, err := newAnalyzer(c.cfg, c.logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			c.logger.Warn("Error closing analyzer", zap.Error(err))
		}
	}()

	for _, pid := range pids {
		if err := a.AttachApp(pid); err != nil {
			c.logger.Error("Failed to attach", zap.Int("pid", pid), zap.Error(err), zap.String("hint", attachHint(err)))
			continue
		}
		symbol, _ := a.Symbol(pid)
		c.logger.Info("Attached", zap.Int("pid", pid), zap.String("symbol", symbol))
	}
	if a.Len() == 0 {
		return errors.New("no process could be attached")
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	return watchLoop(ctx, a, out, c.cfg.ReceiveInterval, process.Exists, c.logger)
}

// watchLoop prints one "pid<TAB>frametime_ms" line per frame until ctx is
// done or every attached process exited.
func watchLoop(ctx context.Context, src frameSource, out io.Writer, interval time.Duration, alive func(int) bool, logger *zap.Logger) error {
	var lastReap time.Time

	for ctx.Err() == nil {
		if src.Len() == 0 {
			logger.Info("No attached process left")
			return nil
		}

		f, ok := src.ReceiveTimeout(interval)
		if ok && f.Frametime > 0 {
			fmt.Fprintf(out, "%d\t%.3f\n", f.Pid, float64(f.Frametime)/float64(time.Millisecond))
		}

		if !ok || time.Since(lastReap) >= reapInterval {
			for _, pid := range reapExited(src, alive, logger) {
				logger.Info("Process exited", zap.Int("pid", pid))
			}
			lastReap = time.Now()
		}
	}
	return nil
}
