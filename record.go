package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jnesss/frame-analyzer/analyzer"
	"github.com/jnesss/frame-analyzer/database"
	"github.com/jnesss/frame-analyzer/process"
	"github.com/jnesss/frame-analyzer/sigma"
	"github.com/jnesss/frame-analyzer/types"
	"github.com/jnesss/frame-analyzer/web"
)

const nameCacheSize = 256

func newRecordCmd(c *cli) *cobra.Command {
	var comms []string

	cmd := &cobra.Command{
		Use:   "record [pid...]",
		Short: "Record frametimes into the database and serve them over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runRecord(cmd.Context(), args, comms)
		},
	}
	addProbeFlags(cmd, &comms)
	f := cmd.Flags()
	f.String("rules-dir", "rules", "directory holding enabled_rules and disabled_rules")
	f.String("listen", ":8080", "HTTP listen address, empty to disable")
	f.Duration("stats-interval", time.Second, "how often frame statistics are summarized")
	f.Duration("jank-threshold", process.DefaultJankThreshold, "frametimes above this count as jank")
	return cmd
}

// frameStore is where the recorder persists attachments and frames.
type frameStore interface {
	InsertApp(info *process.AppInfo) error
	UpdateAppDetach(pid int, detachedAt time.Time) error
	InsertFrame(pid int, at time.Time, frametime time.Duration, class string) (int64, error)
}

// recorder owns the analyzer once probes are attached. Only run touches src.
type recorder struct {
	src     frameSource
	store   frameStore
	apps    *process.AppMap
	names   *process.NameCache
	metrics *web.Metrics
	logger  *zap.Logger

	statsWindow   time.Duration
	jankThreshold time.Duration
	now           func() time.Time
}

// track registers a freshly attached pid.
func (r *recorder) track(pid int, symbol string) {
	info := &process.AppInfo{
		PID:        pid,
		Symbol:     symbol,
		AttachedAt: r.now(),
		Frames:     process.NewWindow(r.statsWindow, r.jankThreshold),
	}
	if !process.CollectProcMetadata(pid, info) {
		r.logger.Debug("Process metadata unavailable", zap.Int("pid", pid))
	}

	if err := r.store.InsertApp(info); err != nil {
		r.logger.Warn("Error recording attach", zap.Int("pid", pid), zap.Error(err))
	}
	r.apps.Add(pid, info)
	r.logger.Info(process.FormatAppEvent(info, types.EventAttach))
}

// record handles one frame from the analyzer.
func (r *recorder) record(f analyzer.Frame) {
	if f.Frametime <= 0 {
		return
	}
	now := r.now()

	if info, ok := r.apps.Get(f.Pid); ok {
		info.Observe(now, f.Frametime)
	}

	class := process.Classify(f.Frametime, r.jankThreshold)
	md, _ := r.names.Lookup(f.Pid)
	r.metrics.ObserveFrame(appLabel(md), f.Frametime, class)

	if _, err := r.store.InsertFrame(f.Pid, now, f.Frametime, class); err != nil {
		r.logger.Warn("Error recording frame", zap.Int("pid", f.Pid), zap.Error(err))
	}
	if class != process.ClassSmooth {
		r.logger.Debug("Slow frame",
			zap.Int("pid", f.Pid),
			zap.String("comm", md.Comm),
			zap.Duration("frametime", f.Frametime),
			zap.String("class", class),
		)
	}
}

// detach stops following pid and closes its attachment row.
func (r *recorder) detach(pid int) {
	if err := r.src.DetachApp(pid); err != nil && !errors.Is(err, analyzer.ErrNotAttached) {
		r.logger.Warn("Error detaching", zap.Int("pid", pid), zap.Error(err))
	}

	now := r.now()
	md, _ := r.names.Lookup(pid)
	if info, ok := r.apps.Get(pid); ok {
		info.Mu.Lock()
		if info.DetachedAt.IsZero() {
			info.DetachedAt = now
		}
		info.Mu.Unlock()
		r.logger.Info(process.FormatAppEvent(info, types.EventDetach))
		r.apps.Remove(pid)
	}

	if err := r.store.UpdateAppDetach(pid, now); err != nil {
		r.logger.Warn("Error recording detach", zap.Int("pid", pid), zap.Error(err))
	}
	r.names.Forget(pid)
	r.metrics.ForgetApp(appLabel(md), pid)
}

// run receives frames until ctx is done or nothing is attached anymore.
// exits carries pids whose process ended.
func (r *recorder) run(ctx context.Context, exits <-chan int, interval time.Duration) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case pid := <-exits:
			r.detach(pid)
			continue
		default:
		}

		if r.src.Len() == 0 {
			r.logger.Info("No attached process left")
			return nil
		}

		if f, ok := r.src.ReceiveTimeout(interval); ok {
			r.record(f)
		}
		r.metrics.SetAttached(r.src.Len())
		r.metrics.SetTruncated(r.src.Truncated())
	}
}

// detachAll detaches everything still tracked.
func (r *recorder) detachAll() {
	for _, info := range r.apps.List() {
		r.detach(info.PID)
	}
}

func appLabel(md process.Metadata) string {
	if md.Comm != "" {
		return md.Comm
	}
	return fmt.Sprintf("pid-%d", md.PID)
}

// statsSink persists summaries and mirrors the frame rate into metrics.
type statsSink struct {
	db      process.StatsStorage
	names   *process.NameCache
	metrics *web.Metrics
}

func (s *statsSink) UpdateFrameStats(pid int, stats *process.FrameStats) error {
	md, _ := s.names.Lookup(pid)
	s.metrics.SetFPS(appLabel(md), pid, stats.FPS)
	return s.db.UpdateFrameStats(pid, stats)
}

func (c *cli) runRecord(ctx context.Context, args, comms []string) error {
	cfg, logger := c.cfg, c.logger

	pids, err := resolveTargets(args, comms, process.FindByComm)
	if err != nil {
		return err
	}

	db, err := database.NewDB(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer db.Close()
	if err := chownToOriginalUser(cfg.DataDir, logger); err != nil {
		logger.Warn("Recording stays owned by root", zap.Error(err))
	}

	names, err := process.NewNameCache(nameCacheSize)
	if err != nil {
		return err
	}
	metrics := web.NewMetrics()
	apps := process.NewAppMap()

	a, err := newAnalyzer(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("Error closing analyzer", zap.Error(err))
		}
	}()

	rec := &recorder{
		src:           a,
		store:         db,
		apps:          apps,
		names:         names,
		metrics:       metrics,
		logger:        logger,
		statsWindow:   cfg.StatsWindow,
		jankThreshold: cfg.JankThreshold,
		now:           time.Now,
	}

	for _, pid := range pids {
		if err := a.AttachApp(pid); err != nil {
			metrics.AttachFailed(attachKind(err))
			logger.Error("Failed to attach", zap.Int("pid", pid), zap.Error(err), zap.String("hint", attachHint(err)))
			continue
		}
		symbol, _ := a.Symbol(pid)
		rec.track(pid, symbol)
	}
	if a.Len() == 0 {
		return errors.New("no process could be attached")
	}
	metrics.SetAttached(a.Len())

	detector, err := sigma.NewDetector(cfg.RulesDir, db.Db, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize jank detector: %w", err)
	}
	defer detector.StopPolling()
	logger.Info("Loaded jank rules", zap.Int("count", detector.RuleCount()))

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	exits := make(chan int, 16)
	onExit := func(pid int) {
		select {
		case exits <- pid:
		case <-ctx.Done():
		}
	}
	collector := process.NewStatsCollector(&statsSink{db: db, names: names, metrics: metrics}, apps, cfg.StatsInterval, onExit, logger)

	g.Go(func() error {
		defer cancel()
		defer rec.detachAll()
		return rec.run(ctx, exits, cfg.ReceiveInterval)
	})
	g.Go(func() error {
		if err := collector.Start(ctx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return detector.StartPolling(ctx, cfg.RulesInterval)
	})
	if cfg.Listen != "" {
		server := web.NewServer(db, cfg.Listen, web.Options{
			Jank:     detector,
			RulesDir: cfg.RulesDir,
			Live:     apps,
			Metrics:  metrics,
			Logger:   logger,
		})
		g.Go(func() error {
			return server.Start(ctx)
		})
		logger.Info("Web interface available", zap.String("addr", cfg.Listen))
	}

	logger.Info("Recording frames... Press Ctrl+C to stop", zap.Int("apps", a.Len()))
	err = g.Wait()
	logger.Info("Shutting down")
	return err
}
