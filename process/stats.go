package process

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// StatsCollector manages periodic summarizing of frame statistics and
// notices attached processes that exited.
type StatsCollector struct {
	storage            StatsStorage
	appMap             *AppMap
	collectionInterval time.Duration
	onExit             func(pid int)
	logger             *zap.Logger
	now                func() time.Time
}

// NewStatsCollector creates a new stats collector. onExit, if not nil, is
// called once for every tracked app whose process is gone.
func NewStatsCollector(storage StatsStorage, appMap *AppMap, interval time.Duration, onExit func(pid int), logger *zap.Logger) *StatsCollector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StatsCollector{
		storage:            storage,
		appMap:             appMap,
		collectionInterval: interval,
		onExit:             onExit,
		logger:             logger,
		now:                time.Now,
	}
}

// Start begins periodic collection of frame statistics
func (sc *StatsCollector) Start(ctx context.Context) error {
	ticker := time.NewTicker(sc.collectionInterval)
	defer ticker.Stop()

	sc.logger.Info("Starting frame stats collection", zap.Duration("interval", sc.collectionInterval))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			sc.collectStats()
		}
	}
}

// collectStats summarizes every attached app still running
func (sc *StatsCollector) collectStats() {
	now := sc.now()

	for _, app := range sc.appMap.List() {
		app.Mu.Lock()
		detached := !app.DetachedAt.IsZero()
		if !detached && !Exists(app.PID) {
			// Process is gone but nobody detached it yet
			app.DetachedAt = now
			app.Mu.Unlock()
			sc.logger.Info("Attached process exited", zap.Int("pid", app.PID), zap.String("comm", app.Comm))
			if sc.onExit != nil {
				sc.onExit(app.PID)
			}
			continue
		}
		if detached {
			app.Mu.Unlock()
			continue
		}

		if app.Frames == nil {
			app.Frames = NewWindow(DefaultStatsWindow, DefaultJankThreshold)
		}
		stats := app.Frames.Summarize(now)
		app.Stats = stats
		pid := app.PID
		app.Mu.Unlock()

		if sc.storage == nil {
			continue
		}
		if err := sc.storage.UpdateFrameStats(pid, stats); err != nil {
			sc.logger.Warn("Error updating frame stats", zap.Int("pid", pid), zap.Error(err))
		}
	}
}
