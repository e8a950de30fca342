package database

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnesss/frame-analyzer/process"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestNewDBCreatesFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested")
	db, err := NewDB(dir)
	require.NoError(t, err)
	defer db.Close()

	assert.FileExists(t, filepath.Join(dir, FileName))

	// Schema creation is idempotent.
	db2, err := NewDB(dir)
	require.NoError(t, err)
	db2.Close()
}

func TestAppLifecycle(t *testing.T) {
	db := newTestDB(t)
	attached := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, db.InsertApp(&process.AppInfo{
		PID:        1234,
		Comm:       "game",
		CmdLine:    "com.example.game",
		ExePath:    "/system/bin/app_process64",
		UID:        10050,
		Symbol:     "queueBuffer",
		AttachedAt: attached,
	}))

	require.NoError(t, db.UpdateFrameStats(1234, &process.FrameStats{
		Timestamp:   attached.Add(time.Second),
		Window:      5 * time.Second,
		Frames:      60,
		FPS:         59.5,
		AvgMs:       16.8,
		P95Ms:       18,
		P99Ms:       40,
		MaxMs:       41,
		JankCount:   1,
		TotalFrames: 60,
	}))

	apps, err := db.ListApps(10)
	require.NoError(t, err)
	require.Len(t, apps, 1)
	app := apps[0]
	assert.Equal(t, 1234, app.PID)
	assert.Equal(t, "game", app.Comm)
	assert.Equal(t, uint32(10050), app.UID)
	assert.WithinDuration(t, attached, app.AttachedAt, time.Millisecond)
	assert.Nil(t, app.DetachedAt)
	assert.InDelta(t, 59.5, app.FPS, 1e-9)
	assert.Equal(t, 1, app.JankCount)
	assert.Equal(t, uint64(60), app.TotalFrames)

	require.NoError(t, db.UpdateAppDetach(1234, attached.Add(time.Minute)))
	apps, err = db.ListApps(10)
	require.NoError(t, err)
	require.NotNil(t, apps[0].DetachedAt)
	assert.WithinDuration(t, attached.Add(time.Minute), *apps[0].DetachedAt, time.Millisecond)

	// Stats for a detached app only land in the history.
	require.NoError(t, db.UpdateFrameStats(1234, &process.FrameStats{Timestamp: attached.Add(2 * time.Minute), FPS: 1}))
	apps, err = db.ListApps(10)
	require.NoError(t, err)
	assert.InDelta(t, 59.5, apps[0].FPS, 1e-9)

	history, err := db.StatsHistory(1234, 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.InDelta(t, 1, history[0].FPS, 1e-9)
	assert.InDelta(t, 40, history[1].P99Ms, 1e-9)
}

func TestRecentFrames(t *testing.T) {
	db := newTestDB(t)
	now := time.Now()

	for i := 1; i <= 5; i++ {
		id, err := db.InsertFrame(1, now, time.Duration(i)*time.Millisecond, process.ClassSmooth)
		require.NoError(t, err)
		assert.Equal(t, int64(i), id)
	}
	_, err := db.InsertFrame(2, now, 50*time.Millisecond, process.ClassJank)
	require.NoError(t, err)

	frames, err := db.RecentFrames(1, 3)
	require.NoError(t, err)
	require.Len(t, frames, 3)
	assert.Equal(t, int64(5*time.Millisecond), frames[0].FrametimeNs)
	assert.Equal(t, int64(3*time.Millisecond), frames[2].FrametimeNs)

	frames, err = db.RecentFrames(2, 10)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, process.ClassJank, frames[0].FrameClass)

	frames, err = db.RecentFrames(3, 10)
	require.NoError(t, err)
	assert.Empty(t, frames)
}

func TestDBSatisfiesStatsStorage(t *testing.T) {
	var _ process.StatsStorage = newTestDB(t)
}
