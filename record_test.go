package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jnesss/frame-analyzer/analyzer"
	"github.com/jnesss/frame-analyzer/process"
	"github.com/jnesss/frame-analyzer/web"
)

// Above the kernel's pid_max limit, so never a live process.
const ghostPid = 4194305

type storedFrame struct {
	pid       int
	frametime time.Duration
	class     string
}

type fakeFrameStore struct {
	apps     []*process.AppInfo
	frames   []storedFrame
	detached []int
	stats    map[int]*process.FrameStats
	err      error
}

func (s *fakeFrameStore) InsertApp(info *process.AppInfo) error {
	s.apps = append(s.apps, info)
	return s.err
}

func (s *fakeFrameStore) UpdateAppDetach(pid int, detachedAt time.Time) error {
	s.detached = append(s.detached, pid)
	return s.err
}

func (s *fakeFrameStore) InsertFrame(pid int, at time.Time, frametime time.Duration, class string) (int64, error) {
	s.frames = append(s.frames, storedFrame{pid: pid, frametime: frametime, class: class})
	return int64(len(s.frames)), s.err
}

func (s *fakeFrameStore) UpdateFrameStats(pid int, stats *process.FrameStats) error {
	if s.stats == nil {
		s.stats = map[int]*process.FrameStats{}
	}
	s.stats[pid] = stats
	return s.err
}

var recordNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestRecorder(t *testing.T, src frameSource) (*recorder, *fakeFrameStore) {
	t.Helper()
	names, err := process.NewNameCache(8)
	require.NoError(t, err)
	store := &fakeFrameStore{}
	return &recorder{
		src:           src,
		store:         store,
		apps:          process.NewAppMap(),
		names:         names,
		metrics:       web.NewMetrics(),
		logger:        zap.NewNop(),
		statsWindow:   5 * time.Second,
		jankThreshold: process.DefaultJankThreshold,
		now:           func() time.Time { return recordNow },
	}, store
}

func scrape(t *testing.T, m *web.Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func TestRecorderTrack(t *testing.T) {
	r, store := newTestRecorder(t, newFakeSource(ghostPid))
	r.track(ghostPid, "queueBuffer")

	require.Len(t, store.apps, 1)
	info, ok := r.apps.Get(ghostPid)
	require.True(t, ok)
	assert.Equal(t, "queueBuffer", info.Symbol)
	assert.Equal(t, recordNow, info.AttachedAt)
	assert.NotNil(t, info.Frames)
}

func TestRecorderRecordClassifiesFrames(t *testing.T) {
	r, store := newTestRecorder(t, newFakeSource(ghostPid))
	r.track(ghostPid, "queueBuffer")

	for _, ft := range []time.Duration{16 * time.Millisecond, 50 * time.Millisecond, 300 * time.Millisecond, 0} {
		r.record(analyzer.Frame{Pid: ghostPid, Frametime: ft})
	}

	require.Len(t, store.frames, 3, "zero frametimes are not recorded")
	assert.Equal(t, process.ClassSmooth, store.frames[0].class)
	assert.Equal(t, process.ClassJank, store.frames[1].class)
	assert.Equal(t, process.ClassStall, store.frames[2].class)

	info, _ := r.apps.Get(ghostPid)
	stats := info.Frames.Summarize(recordNow)
	assert.Equal(t, 3, stats.Frames)
	assert.Equal(t, 2, stats.JankCount)

	body := scrape(t, r.metrics)
	assert.Contains(t, body, `frame_analyzer_frames_total{app="pid-4194305",class="jank"} 1`)
	assert.Contains(t, body, `frame_analyzer_frames_total{app="pid-4194305",class="stall"} 1`)
}

func TestRecorderRecordStoreErrorIsNotFatal(t *testing.T) {
	r, store := newTestRecorder(t, newFakeSource(ghostPid))
	store.err = errors.New("disk full")
	r.record(analyzer.Frame{Pid: ghostPid, Frametime: 16 * time.Millisecond})
	assert.Len(t, store.frames, 1)
}

func TestRecorderDetach(t *testing.T) {
	src := newFakeSource(ghostPid)
	r, store := newTestRecorder(t, src)
	r.track(ghostPid, "queueBuffer")
	info, _ := r.apps.Get(ghostPid)

	r.detach(ghostPid)
	assert.Equal(t, []int{ghostPid}, src.detached)
	assert.Equal(t, []int{ghostPid}, store.detached)
	assert.Equal(t, recordNow, info.DetachedAt)
	_, ok := r.apps.Get(ghostPid)
	assert.False(t, ok)

	// Detaching again only closes the row
	r.detach(ghostPid)
	assert.Equal(t, []int{ghostPid}, src.detached)
	assert.Len(t, store.detached, 2)
}

func TestRecorderRun(t *testing.T) {
	src := newFakeSource(ghostPid)
	src.frames = []analyzer.Frame{{Pid: ghostPid, Frametime: 20 * time.Millisecond}}
	src.truncated = 3
	r, store := newTestRecorder(t, src)
	r.track(ghostPid, "queueBuffer")

	exits := make(chan int, 1)
	done := make(chan error, 1)
	go func() { done <- r.run(context.Background(), exits, time.Millisecond) }()

	assert.Eventually(t, func() bool { return src.receives.Load() > 1 }, time.Second, time.Millisecond)
	exits <- ghostPid

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after the last process exited")
	}

	require.Len(t, store.frames, 1)
	assert.Equal(t, []int{ghostPid}, store.detached)

	body := scrape(t, r.metrics)
	assert.Contains(t, body, "frame_analyzer_truncated_records 3")
}

func TestRecorderRunStopsOnContext(t *testing.T) {
	r, _ := newTestRecorder(t, newFakeSource(ghostPid))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, r.run(ctx, make(chan int), time.Millisecond))
}

func TestStatsSink(t *testing.T) {
	names, err := process.NewNameCache(8)
	require.NoError(t, err)
	store := &fakeFrameStore{}
	metrics := web.NewMetrics()
	sink := &statsSink{db: store, names: names, metrics: metrics}

	require.NoError(t, sink.UpdateFrameStats(ghostPid, &process.FrameStats{FPS: 60}))
	assert.Equal(t, 60.0, store.stats[ghostPid].FPS)
	assert.Contains(t, scrape(t, metrics), `frame_analyzer_fps{app="pid-4194305",pid="4194305"} 60`)
}
