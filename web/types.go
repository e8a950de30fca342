package web

import (
	"github.com/jnesss/frame-analyzer/database"
	"github.com/jnesss/frame-analyzer/process"
	"github.com/jnesss/frame-analyzer/sigma"
)

// Store is the read side of the recording database
type Store interface {
	ListApps(limit int) ([]database.AppRecord, error)
	RecentFrames(pid int, limit int) ([]database.FrameRecord, error)
	StatsHistory(pid int, limit int) ([]database.StatsRecord, error)
}

// JankSource lists and triages jank rule matches
type JankSource interface {
	GetMatches(limit int, offset int, filters map[string]string) ([]sigma.JankMatch, error)
	GetMatchStats() (map[string]interface{}, error)
	UpdateMatchStatus(matchID int64, newStatus string) error
}

// LiveApp is an attached app with its latest in-memory statistics
type LiveApp struct {
	PID     int                 `json:"pid"`
	Comm    string              `json:"comm"`
	CmdLine string              `json:"cmdline"`
	Symbol  string              `json:"symbol"`
	Stats   *process.FrameStats `json:"stats,omitempty"`
}

// RuleInfo describes a jank rule file
type RuleInfo struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Level       string `json:"level"`
	Filename    string `json:"filename"`
	Enabled     bool   `json:"enabled"`
}
