package process

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStatsStorage struct {
	updates map[int]*FrameStats
	err     error
}

func (s *fakeStatsStorage) UpdateFrameStats(pid int, stats *FrameStats) error {
	if s.err != nil {
		return s.err
	}
	if s.updates == nil {
		s.updates = map[int]*FrameStats{}
	}
	s.updates[pid] = stats
	return nil
}

func TestCollectStats(t *testing.T) {
	root := fakeProc(t)
	addProc(t, root, 10, "alive")

	now := time.Unix(5000, 0)
	apps := NewAppMap()
	alive := &AppInfo{PID: 10, Frames: NewWindow(time.Second, 0)}
	alive.Observe(now.Add(-100*time.Millisecond), 20*time.Millisecond)
	gone := &AppInfo{PID: 11}
	apps.Add(10, alive)
	apps.Add(11, gone)

	storage := &fakeStatsStorage{}
	var exited []int
	sc := NewStatsCollector(storage, apps, time.Second, func(pid int) { exited = append(exited, pid) }, nil)
	sc.now = func() time.Time { return now }

	sc.collectStats()

	assert.Equal(t, []int{11}, exited)
	assert.Equal(t, now, gone.DetachedAt)
	require.Contains(t, storage.updates, 10)
	assert.NotContains(t, storage.updates, 11)
	assert.Equal(t, 1, storage.updates[10].Frames)
	assert.InDelta(t, 50, storage.updates[10].FPS, 1e-9)

	snap := alive.Snapshot()
	require.NotNil(t, snap)
	assert.Equal(t, 1, snap.Frames)

	// An exit is only reported once.
	sc.collectStats()
	assert.Equal(t, []int{11}, exited)
}

func TestCollectStatsStorageError(t *testing.T) {
	root := fakeProc(t)
	addProc(t, root, 10, "alive")

	apps := NewAppMap()
	apps.Add(10, &AppInfo{PID: 10})

	sc := NewStatsCollector(&fakeStatsStorage{err: errors.New("disk full")}, apps, time.Second, nil, nil)
	sc.collectStats()

	info, _ := apps.Get(10)
	assert.NotNil(t, info.Snapshot(), "stats are kept in memory even if storing fails")
}
