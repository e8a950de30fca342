package process

import (
	"sync"
	"time"
)

// AppInfo holds what we know about an attached application
type AppInfo struct {
	Mu sync.RWMutex // Protects all fields

	// Basic Info
	PID      int
	Comm     string
	CmdLine  string
	ExePath  string
	UID      uint32
	Username string

	// Attachment
	Symbol     string
	AttachedAt time.Time
	DetachedAt time.Time

	// Frames observed since attach, summarized by the StatsCollector
	Frames *Window
	Stats  *FrameStats
}

// Observe records one frame for the app.
func (a *AppInfo) Observe(at time.Time, frametime time.Duration) {
	a.Mu.Lock()
	defer a.Mu.Unlock()
	if a.Frames == nil {
		a.Frames = NewWindow(DefaultStatsWindow, DefaultJankThreshold)
	}
	a.Frames.Add(at, frametime)
}

// Snapshot returns the latest summary, or nil before the first collection.
func (a *AppInfo) Snapshot() *FrameStats {
	a.Mu.RLock()
	defer a.Mu.RUnlock()
	if a.Stats == nil {
		return nil
	}
	s := *a.Stats
	return &s
}

// FrameStats summarizes the frames of one app over a time window
type FrameStats struct {
	Timestamp   time.Time     `json:"timestamp"`
	Window      time.Duration `json:"window"`
	Frames      int           `json:"frames"`
	FPS         float64       `json:"fps"`
	AvgMs       float64       `json:"avg_ms"`
	P95Ms       float64       `json:"p95_ms"`
	P99Ms       float64       `json:"p99_ms"`
	MaxMs       float64       `json:"max_ms"`
	JankCount   int           `json:"jank_count"`
	TotalFrames uint64        `json:"total_frames"`
}

// AppTracker defines the interface for attached app tracking
type AppTracker interface {
	Add(pid int, info *AppInfo)
	Get(pid int) (*AppInfo, bool)
	Remove(pid int)
	List() []*AppInfo
}

// StatsStorage defines what we need from our storage backend for frame stats
type StatsStorage interface {
	UpdateFrameStats(pid int, stats *FrameStats) error
}
