package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/jnesss/frame-analyzer/process"
)

// FileName is the recording database inside the data directory.
const FileName = "frame_analyzer.db"

// DB handles database operations
type DB struct {
	Db *sql.DB
}

// AppRecord represents an attached application in the database
type AppRecord struct {
	ID          int64      `json:"id"`
	PID         int        `json:"pid"`
	Comm        string     `json:"comm"`
	CmdLine     string     `json:"cmdline"`
	ExePath     string     `json:"exe_path"`
	UID         uint32     `json:"uid"`
	Username    string     `json:"username"`
	Symbol      string     `json:"symbol"`
	AttachedAt  time.Time  `json:"attached_at"`
	DetachedAt  *time.Time `json:"detached_at,omitempty"`
	FPS         float64    `json:"fps"`
	AvgMs       float64    `json:"avg_ms"`
	P95Ms       float64    `json:"p95_ms"`
	P99Ms       float64    `json:"p99_ms"`
	JankCount   int        `json:"jank_count"`
	TotalFrames uint64     `json:"total_frames"`
}

// FrameRecord represents one frametime sample in the database
type FrameRecord struct {
	ID          int64     `json:"id"`
	PID         int       `json:"pid"`
	Timestamp   time.Time `json:"timestamp"`
	FrametimeNs int64     `json:"frametime_ns"`
	FrameClass  string    `json:"frame_class"`
}

// StatsRecord represents one periodic frame statistics summary
type StatsRecord struct {
	PID       int       `json:"pid"`
	Timestamp time.Time `json:"timestamp"`
	Frames    int       `json:"frames"`
	FPS       float64   `json:"fps"`
	AvgMs     float64   `json:"avg_ms"`
	P95Ms     float64   `json:"p95_ms"`
	P99Ms     float64   `json:"p99_ms"`
	MaxMs     float64   `json:"max_ms"`
	JankCount int       `json:"jank_count"`
}

func NewDB(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %v", err)
	}

	dbPath := filepath.Join(dataDir, FileName)
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %v", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %v", err)
	}

	if err := initAppSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize app schema: %v", err)
	}

	if err := initFrameSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize frame schema: %v", err)
	}

	if err := initSigmaSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize sigma schema: %v", err)
	}

	return &DB{Db: db}, nil
}

// initAppSchema creates the apps table, one row per attachment
func initAppSchema(db *sql.DB) error {
	schema := `
    CREATE TABLE IF NOT EXISTS apps (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        pid INTEGER NOT NULL,
        comm TEXT,
        cmdline TEXT,
        exe_path TEXT,
        uid INTEGER,
        username TEXT,
        symbol TEXT,
        attached_at DATETIME NOT NULL,
        detached_at DATETIME,
        fps REAL DEFAULT 0,
        avg_ms REAL DEFAULT 0,
        p95_ms REAL DEFAULT 0,
        p99_ms REAL DEFAULT 0,
        jank_count INTEGER DEFAULT 0,
        total_frames INTEGER DEFAULT 0,
        stats_updated_at DATETIME
    );`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create apps table: %v", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_apps_pid ON apps(pid)",
		"CREATE INDEX IF NOT EXISTS idx_apps_attached_at ON apps(attached_at)",
	}
	for _, idx := range indexes {
		if _, err := db.Exec(idx); err != nil {
			return fmt.Errorf("failed to create index: %v", err)
		}
	}

	return nil
}

// initFrameSchema creates the frame sample and summary tables
func initFrameSchema(db *sql.DB) error {
	schema := `
    CREATE TABLE IF NOT EXISTS frames (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        pid INTEGER NOT NULL,
        timestamp DATETIME NOT NULL,
        frametime_ns INTEGER NOT NULL,
        frame_class TEXT NOT NULL
    );

    CREATE TABLE IF NOT EXISTS frame_stats (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        pid INTEGER NOT NULL,
        timestamp DATETIME NOT NULL,
        window_ms INTEGER NOT NULL,
        frames INTEGER NOT NULL,
        fps REAL NOT NULL,
        avg_ms REAL NOT NULL,
        p95_ms REAL NOT NULL,
        p99_ms REAL NOT NULL,
        max_ms REAL NOT NULL,
        jank_count INTEGER NOT NULL
    );

    CREATE INDEX IF NOT EXISTS idx_frames_pid ON frames(pid, id);
    CREATE INDEX IF NOT EXISTS idx_frame_stats_pid ON frame_stats(pid, id);`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create frame tables: %v", err)
	}
	return nil
}

func initSigmaSchema(db *sql.DB) error {
	schema := `
    CREATE TABLE IF NOT EXISTS detector_state (
        id INTEGER PRIMARY KEY,
        event_type TEXT NOT NULL,
        last_id INTEGER NOT NULL,
        last_processed_time DATETIME NOT NULL,
        rule_count INTEGER DEFAULT 0,
        match_count INTEGER DEFAULT 0,
        updated_at DATETIME NOT NULL,
        UNIQUE(event_type)
    );

    CREATE TABLE IF NOT EXISTS jank_matches (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        event_id INTEGER NOT NULL,
        rule_id TEXT NOT NULL,
        rule_name TEXT NOT NULL,
        process_id INTEGER,
        process_name TEXT,
        command_line TEXT,
        frametime_ms REAL,
        fps REAL,
        frame_class TEXT,
        timestamp DATETIME NOT NULL,
        severity TEXT NOT NULL,
        status TEXT DEFAULT 'new' NOT NULL,
        match_details TEXT,
        event_data TEXT,
        created_at DATETIME NOT NULL
    );

    CREATE INDEX IF NOT EXISTS idx_jank_matches_rule_id ON jank_matches(rule_id);
    CREATE INDEX IF NOT EXISTS idx_jank_matches_timestamp ON jank_matches(timestamp);
    CREATE INDEX IF NOT EXISTS idx_jank_matches_process_id ON jank_matches(process_id);`

	_, err := db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to create Sigma tables: %v", err)
	}

	return nil
}

// InsertApp records a new attachment
func (db *DB) InsertApp(info *process.AppInfo) error {
	info.Mu.RLock()
	defer info.Mu.RUnlock()

	query := `
        INSERT INTO apps (
            pid, comm, cmdline, exe_path, uid, username, symbol, attached_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := db.Db.Exec(query,
		info.PID,
		info.Comm,
		info.CmdLine,
		info.ExePath,
		info.UID,
		info.Username,
		info.Symbol,
		info.AttachedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert app: %v", err)
	}
	return nil
}

// UpdateAppDetach marks the open attachment of pid as ended
func (db *DB) UpdateAppDetach(pid int, detachedAt time.Time) error {
	query := `
        UPDATE apps
        SET detached_at = ?
        WHERE pid = ?
        AND detached_at IS NULL`

	_, err := db.Db.Exec(query, detachedAt.UTC(), pid)
	return err
}

// InsertFrame records one frametime sample and returns its row id
func (db *DB) InsertFrame(pid int, at time.Time, frametime time.Duration, class string) (int64, error) {
	res, err := db.Db.Exec(
		"INSERT INTO frames (pid, timestamp, frametime_ns, frame_class) VALUES (?, ?, ?, ?)",
		pid, at.UTC(), int64(frametime), class,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert frame: %v", err)
	}
	return res.LastInsertId()
}

// UpdateFrameStats stores a summary for pid: the history row and the latest
// figures on the open attachment.
func (db *DB) UpdateFrameStats(pid int, stats *process.FrameStats) error {
	tx, err := db.Db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %v", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
        INSERT INTO frame_stats (
            pid, timestamp, window_ms, frames, fps, avg_ms, p95_ms, p99_ms, max_ms, jank_count
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		pid,
		stats.Timestamp.UTC(),
		stats.Window.Milliseconds(),
		stats.Frames,
		stats.FPS,
		stats.AvgMs,
		stats.P95Ms,
		stats.P99Ms,
		stats.MaxMs,
		stats.JankCount,
	)
	if err != nil {
		return fmt.Errorf("failed to insert frame stats: %v", err)
	}

	_, err = tx.Exec(`
        UPDATE apps
        SET fps = ?,
            avg_ms = ?,
            p95_ms = ?,
            p99_ms = ?,
            jank_count = ?,
            total_frames = ?,
            stats_updated_at = ?
        WHERE pid = ?
        AND detached_at IS NULL`,
		stats.FPS,
		stats.AvgMs,
		stats.P95Ms,
		stats.P99Ms,
		stats.JankCount,
		stats.TotalFrames,
		stats.Timestamp.UTC(),
		pid,
	)
	if err != nil {
		return fmt.Errorf("failed to update app stats: %v", err)
	}

	return tx.Commit()
}

// ListApps returns attachments, most recent first
func (db *DB) ListApps(limit int) ([]AppRecord, error) {
	rows, err := db.Db.Query(`
        SELECT id, pid, comm, cmdline, exe_path, uid, username, symbol,
               attached_at, detached_at, fps, avg_ms, p95_ms, p99_ms,
               jank_count, total_frames
        FROM apps
        ORDER BY id DESC
        LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query apps: %v", err)
	}
	defer rows.Close()

	apps := []AppRecord{}
	for rows.Next() {
		var (
			a        AppRecord
			detached sql.NullTime
		)
		if err := rows.Scan(
			&a.ID, &a.PID, &a.Comm, &a.CmdLine, &a.ExePath, &a.UID, &a.Username, &a.Symbol,
			&a.AttachedAt, &detached, &a.FPS, &a.AvgMs, &a.P95Ms, &a.P99Ms,
			&a.JankCount, &a.TotalFrames,
		); err != nil {
			return nil, fmt.Errorf("failed to scan app: %v", err)
		}
		if detached.Valid {
			a.DetachedAt = &detached.Time
		}
		apps = append(apps, a)
	}
	return apps, rows.Err()
}

// RecentFrames returns the last limit samples of pid, newest first
func (db *DB) RecentFrames(pid int, limit int) ([]FrameRecord, error) {
	rows, err := db.Db.Query(`
        SELECT id, pid, timestamp, frametime_ns, frame_class
        FROM frames
        WHERE pid = ?
        ORDER BY id DESC
        LIMIT ?`, pid, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query frames: %v", err)
	}
	defer rows.Close()

	frames := []FrameRecord{}
	for rows.Next() {
		var f FrameRecord
		if err := rows.Scan(&f.ID, &f.PID, &f.Timestamp, &f.FrametimeNs, &f.FrameClass); err != nil {
			return nil, fmt.Errorf("failed to scan frame: %v", err)
		}
		frames = append(frames, f)
	}
	return frames, rows.Err()
}

// StatsHistory returns the last limit summaries of pid, newest first
func (db *DB) StatsHistory(pid int, limit int) ([]StatsRecord, error) {
	rows, err := db.Db.Query(`
        SELECT pid, timestamp, frames, fps, avg_ms, p95_ms, p99_ms, max_ms, jank_count
        FROM frame_stats
        WHERE pid = ?
        ORDER BY id DESC
        LIMIT ?`, pid, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query frame stats: %v", err)
	}
	defer rows.Close()

	history := []StatsRecord{}
	for rows.Next() {
		var s StatsRecord
		if err := rows.Scan(&s.PID, &s.Timestamp, &s.Frames, &s.FPS, &s.AvgMs, &s.P95Ms, &s.P99Ms, &s.MaxMs, &s.JankCount); err != nil {
			return nil, fmt.Errorf("failed to scan frame stats: %v", err)
		}
		history = append(history, s)
	}
	return history, rows.Err()
}

func (db *DB) Close() error {
	return db.Db.Close()
}
