package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jnesss/frame-analyzer/database"
	"github.com/jnesss/frame-analyzer/sigma"
	"github.com/jnesss/frame-analyzer/web"
)

func newServeCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve a previous recording over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runServe(cmd.Context())
		},
	}
	f := cmd.Flags()
	f.String("rules-dir", "rules", "directory holding enabled_rules and disabled_rules")
	f.String("listen", ":8080", "HTTP listen address")
	return cmd
}

func (c *cli) runServe(ctx context.Context) error {
	cfg, logger := c.cfg, c.logger

	// Nothing here needs root
	if err := dropPrivileges(logger); err != nil {
		return fmt.Errorf("failed to drop privileges: %w", err)
	}

	db, err := database.NewDB(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer db.Close()

	opts := web.Options{
		RulesDir: cfg.RulesDir,
		Logger:   logger,
	}
	detector, err := sigma.NewDetector(cfg.RulesDir, db.Db, logger)
	if err != nil {
		logger.Warn("Jank matches unavailable", zap.Error(err))
	} else {
		defer detector.StopPolling()
		opts.Jank = detector
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Web interface available", zap.String("addr", cfg.Listen))
	return web.NewServer(db, cfg.Listen, opts).Start(ctx)
}
