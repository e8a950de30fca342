package sigma

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bradleyjkemp/sigma-go"
	"github.com/bradleyjkemp/sigma-go/evaluator"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// EventTypeFrame is the only event type the detector evaluates.
const EventTypeFrame = "frame"

// Detector manages Sigma rules and evaluates recorded frames against them
type Detector struct {
	RulesDir   string
	db         *sql.DB
	mu         sync.RWMutex
	evaluators map[string]*evaluator.RuleEvaluator
	running    bool
	eventTypes []string
	reloadChan chan bool         // Channel to signal rule reloading
	watcher    *fsnotify.Watcher // File system watcher
	logger     *zap.Logger
}

// JankMatch represents a frame that matched a Sigma rule
type JankMatch struct {
	ID           int64     `json:"id"`
	EventID      int64     `json:"event_id"`
	RuleID       string    `json:"rule_id"`
	RuleName     string    `json:"rule_name"`
	ProcessID    int64     `json:"process_id"`
	ProcessName  string    `json:"process_name"`
	CommandLine  string    `json:"command_line"`
	FrametimeMs  float64   `json:"frametime_ms"`
	FPS          float64   `json:"fps"`
	FrameClass   string    `json:"frame_class"`
	Timestamp    time.Time `json:"timestamp"`
	Severity     string    `json:"severity"`
	Status       string    `json:"status"`
	MatchDetails []string  `json:"match_details"`
	EventData    string    `json:"event_data"`
	CreatedAt    time.Time `json:"created_at"`
}

// MatchResult represents the result of a rule evaluation
type MatchResult struct {
	Match        bool
	Rule         sigma.Rule
	MatchDetails []string
}

func createHardcodedConfig() sigma.Config {
	return sigma.Config{
		Title: "Frame Analyzer Config",
		FieldMappings: map[string]sigma.FieldMapping{
			"CommandLine": {TargetNames: []string{"CommandLine"}},
			"Image":       {TargetNames: []string{"Image"}},
			"Comm":        {TargetNames: []string{"Comm"}},
			"ProcessId":   {TargetNames: []string{"ProcessId"}},
			"FrametimeMs": {TargetNames: []string{"FrametimeMs"}},
			"Fps":         {TargetNames: []string{"Fps"}},
			"FrameClass":  {TargetNames: []string{"FrameClass"}},
		},
	}
}

// FrameEvent builds the map rules are evaluated against.
func FrameEvent(id int64, pid int, image, comm, cmdline string, frametime time.Duration, fps float64, class string) map[string]interface{} {
	return map[string]interface{}{
		"id":          id,
		"ProcessId":   int64(pid),
		"Image":       image,
		"Comm":        comm,
		"CommandLine": cmdline,
		"FrametimeMs": float64(frametime) / float64(time.Millisecond),
		"Fps":         fps,
		"FrameClass":  class,
	}
}

// NewDetector creates a new Sigma detector and starts watching
// rulesDir/enabled_rules for changes.
func NewDetector(rulesDir string, db *sql.DB, logger *zap.Logger) (*Detector, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %v", err)
	}

	detector := &Detector{
		RulesDir:   rulesDir,
		db:         db,
		evaluators: make(map[string]*evaluator.RuleEvaluator),
		eventTypes: []string{EventTypeFrame},
		reloadChan: make(chan bool, 1), // Buffer of 1 to prevent blocking
		watcher:    watcher,
		logger:     logger,
	}

	for _, dir := range []string{detector.enabledDir(), detector.disabledDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("failed to create directory %s: %v", dir, err)
		}
	}

	if err := detector.setupWatcher(); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to set up file watcher: %v", err)
	}

	if err := detector.LoadRules(); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to load rules: %v", err)
	}

	return detector, nil
}

func (sd *Detector) enabledDir() string  { return filepath.Join(sd.RulesDir, "enabled_rules") }
func (sd *Detector) disabledDir() string { return filepath.Join(sd.RulesDir, "disabled_rules") }

func (sd *Detector) setupWatcher() error {
	// changes in disabled_rules don't matter
	if err := sd.watcher.Add(sd.enabledDir()); err != nil {
		return fmt.Errorf("failed to watch directory %s: %v", sd.enabledDir(), err)
	}
	sd.logger.Info("Watching rules directory", zap.String("dir", sd.enabledDir()))

	go sd.watchFileChanges()
	return nil
}

func (sd *Detector) watchFileChanges() {
	for {
		select {
		case event, ok := <-sd.watcher.Events:
			if !ok {
				return
			}

			if !isRuleFile(event.Name) {
				continue
			}

			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				sd.logger.Info("Detected rule change", zap.String("file", event.Name), zap.String("op", event.Op.String()))
				sd.ReloadRules()
			}

		case err, ok := <-sd.watcher.Errors:
			if !ok {
				return
			}
			sd.logger.Warn("File watcher error", zap.Error(err))
		}
	}
}

func isRuleFile(name string) bool {
	ext := filepath.Ext(name)
	return ext == ".yml" || ext == ".yaml"
}

// LoadRules replaces the loaded rules with the ones in enabled_rules
func (sd *Detector) LoadRules() error {
	files, err := os.ReadDir(sd.enabledDir())
	if err != nil {
		return err
	}

	evaluators := make(map[string]*evaluator.RuleEvaluator)
	for _, file := range files {
		if file.IsDir() || !isRuleFile(file.Name()) {
			continue
		}
		filePath := filepath.Join(sd.enabledDir(), file.Name())
		ruleEvaluator, err := loadRuleFile(filePath)
		if err != nil {
			sd.logger.Warn("Failed to load rule file", zap.String("file", filePath), zap.Error(err))
			continue
		}
		evaluators[ruleEvaluator.Rule.ID] = ruleEvaluator
		sd.logger.Debug("Loaded rule", zap.String("title", ruleEvaluator.Rule.Title), zap.String("id", ruleEvaluator.Rule.ID))
	}

	sd.mu.Lock()
	sd.evaluators = evaluators
	sd.mu.Unlock()

	sd.logger.Info("Loaded Sigma rules", zap.Int("count", len(evaluators)), zap.String("dir", sd.enabledDir()))
	return nil
}

// ReloadRules asks the polling loop to reload rules
func (sd *Detector) ReloadRules() {
	select {
	case sd.reloadChan <- true:
	default:
		// Channel already has a reload signal pending
	}
}

// RuleCount returns the number of loaded rules.
func (sd *Detector) RuleCount() int {
	sd.mu.RLock()
	defer sd.mu.RUnlock()
	return len(sd.evaluators)
}

func loadRuleFile(filePath string) (*evaluator.RuleEvaluator, error) {
	content, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}

	if sigma.InferFileType(content) != sigma.RuleFile {
		return nil, fmt.Errorf("file is not a Sigma rule: %s", filePath)
	}

	rule, err := sigma.ParseRule(content)
	if err != nil {
		return nil, err
	}

	// Aggregations and placeholders are not supported for frame events.
	options := []evaluator.Option{
		evaluator.WithConfig(createHardcodedConfig()),
		evaluator.WithPlaceholderExpander(func(ctx context.Context, placeholderName string) ([]string, error) {
			return nil, nil
		}),
		evaluator.CountImplementation(func(ctx context.Context, key evaluator.GroupedByValues) (float64, error) {
			return 0, nil
		}),
		evaluator.SumImplementation(func(ctx context.Context, key evaluator.GroupedByValues, value float64) (float64, error) {
			return 0, nil
		}),
		evaluator.AverageImplementation(func(ctx context.Context, key evaluator.GroupedByValues, value float64) (float64, error) {
			return 0, nil
		}),
	}

	return evaluator.ForRule(rule, options...), nil
}

// GetLastProcessedID gets the last processed ID for an event type
func (sd *Detector) GetLastProcessedID(eventType string) (int64, error) {
	query := `SELECT last_id FROM detector_state WHERE event_type = ? LIMIT 1`

	var lastID int64
	err := sd.db.QueryRow(query, eventType).Scan(&lastID)
	if err != nil {
		if err == sql.ErrNoRows {
			initQuery := `
			INSERT INTO detector_state
				(event_type, last_id, last_processed_time, updated_at)
			VALUES
				(?, 0, datetime('now'), datetime('now'))`

			if _, err := sd.db.Exec(initQuery, eventType); err != nil {
				return 0, fmt.Errorf("failed to initialize state for event type %s: %v", eventType, err)
			}
			return 0, nil
		}
		return 0, err
	}

	return lastID, nil
}

// UpdateDetectorState updates the state for an event type
func (sd *Detector) UpdateDetectorState(eventType string, lastID int64, matchCount int) error {
	query := `
	UPDATE detector_state SET
		last_id = ?,
		last_processed_time = datetime('now'),
		rule_count = ?,
		match_count = match_count + ?,
		updated_at = datetime('now')
	WHERE event_type = ?`

	_, err := sd.db.Exec(query, lastID, sd.RuleCount(), matchCount, eventType)
	return err
}

// CheckEvent checks if an event matches any Sigma rules and returns detailed
// match results, ordered by rule id
func (sd *Detector) CheckEvent(ctx context.Context, event map[string]interface{}) []MatchResult {
	sd.mu.RLock()
	evaluators := make([]*evaluator.RuleEvaluator, 0, len(sd.evaluators))
	for _, e := range sd.evaluators {
		evaluators = append(evaluators, e)
	}
	sd.mu.RUnlock()
	sort.Slice(evaluators, func(i, j int) bool { return evaluators[i].Rule.ID < evaluators[j].Rule.ID })

	var results []MatchResult
	for _, ruleEvaluator := range evaluators {
		result, err := ruleEvaluator.Matches(ctx, event)
		if err != nil {
			sd.logger.Debug("Error evaluating frame event", zap.String("rule", ruleEvaluator.Rule.ID), zap.Error(err))
			continue
		}
		if !result.Match {
			continue
		}

		var matchConditions []string
		for k, v := range result.SearchResults {
			if v {
				matchConditions = append(matchConditions, k)
			}
		}
		sort.Strings(matchConditions)

		results = append(results, MatchResult{
			Match: true,
			Rule:  ruleEvaluator.Rule,
			MatchDetails: []string{
				fmt.Sprintf("Matched conditions: %s", strings.Join(matchConditions, ", ")),
			},
		})
	}

	return results
}

// StoreMatch stores a rule match in the database
func (sd *Detector) StoreMatch(match MatchResult, event map[string]interface{}) error {
	eventDataJSON, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %v", err)
	}

	eventID, ok := event["id"].(int64)
	if !ok {
		return fmt.Errorf("event has no valid ID")
	}

	processID, _ := event["ProcessId"].(int64)
	processName, _ := event["Comm"].(string)
	if processName == "" {
		processName, _ = event["Image"].(string)
	}
	commandLine, _ := event["CommandLine"].(string)
	frametimeMs, _ := event["FrametimeMs"].(float64)
	fps, _ := event["Fps"].(float64)
	frameClass, _ := event["FrameClass"].(string)

	matchDetailsJSON, _ := json.Marshal(match.MatchDetails)

	severity := match.Rule.Level
	if severity == "" {
		severity = "medium"
	}

	query := `
	INSERT INTO jank_matches (
		event_id,
		rule_id,
		rule_name,
		process_id,
		process_name,
		command_line,
		frametime_ms,
		fps,
		frame_class,
		timestamp,
		severity,
		status,
		match_details,
		event_data,
		created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'new', ?, ?, ?)`

	now := time.Now().UTC()
	_, err = sd.db.Exec(
		query,
		eventID,
		match.Rule.ID,
		match.Rule.Title,
		processID,
		processName,
		commandLine,
		frametimeMs,
		fps,
		frameClass,
		now,
		severity,
		string(matchDetailsJSON),
		string(eventDataJSON),
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to insert match: %v", err)
	}

	sd.logger.Info("Jank rule matched",
		zap.String("rule", match.Rule.Title),
		zap.Int64("pid", processID),
		zap.Float64("frametime_ms", frametimeMs),
	)
	return nil
}

// ProcessNewEvents evaluates every event recorded since the last call and
// returns the number of matches.
func (sd *Detector) ProcessNewEvents(ctx context.Context, eventType string) (int, error) {
	lastID, err := sd.GetLastProcessedID(eventType)
	if err != nil {
		return 0, fmt.Errorf("failed to get last processed ID: %v", err)
	}

	events, err := sd.FetchNewEvents(eventType, lastID)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch events: %v", err)
	}
	if len(events) == 0 {
		return 0, nil
	}

	var (
		newLastID  int64
		matchCount int
	)
	for _, event := range events {
		if ctx.Err() != nil {
			return matchCount, ctx.Err()
		}

		if id := event["id"].(int64); id > newLastID {
			newLastID = id
		}

		for _, match := range sd.CheckEvent(ctx, event) {
			if err := sd.StoreMatch(match, event); err != nil {
				sd.logger.Warn("Error storing match", zap.Error(err))
				continue
			}
			matchCount++
		}
	}

	if newLastID > lastID {
		if err := sd.UpdateDetectorState(eventType, newLastID, matchCount); err != nil {
			return matchCount, fmt.Errorf("failed to update detector state: %v", err)
		}
	}
	return matchCount, nil
}

// StartPolling evaluates new events every interval and reloads rules when
// they change, until ctx is done
func (sd *Detector) StartPolling(ctx context.Context, interval time.Duration) error {
	sd.mu.Lock()
	if sd.running {
		sd.mu.Unlock()
		return fmt.Errorf("detector is already running")
	}
	sd.running = true
	sd.mu.Unlock()

	defer func() {
		sd.mu.Lock()
		sd.running = false
		sd.mu.Unlock()
	}()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-sd.reloadChan:
				if err := sd.LoadRules(); err != nil {
					sd.logger.Warn("Error reloading rules", zap.Error(err))
				}
			}
		}
	}()

	for _, eventType := range sd.eventTypes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(interval)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					n, err := sd.ProcessNewEvents(ctx, eventType)
					if err != nil && ctx.Err() == nil {
						sd.logger.Warn("Error processing events", zap.String("type", eventType), zap.Error(err))
					}
					if n > 0 {
						sd.logger.Debug("Processed events", zap.String("type", eventType), zap.Int("matches", n))
					}
				}
			}
		}()
		sd.logger.Info("Started polling", zap.String("type", eventType), zap.Duration("interval", interval))
	}

	wg.Wait()
	sd.logger.Info("Sigma detection stopped")
	return nil
}

// StopPolling releases the file watcher
func (sd *Detector) StopPolling() {
	if sd.watcher != nil {
		sd.watcher.Close()
	}
}

// FetchNewEvents fetches events recorded after lastID
func (sd *Detector) FetchNewEvents(eventType string, lastID int64) ([]map[string]interface{}, error) {
	var query string

	switch eventType {
	case EventTypeFrame:
		query = `
		SELECT
			f.id,
			f.pid,
			f.frametime_ns,
			f.frame_class,
			a.exe_path,
			a.comm,
			a.cmdline,
			a.fps
		FROM frames f
		LEFT JOIN apps a ON a.id = (SELECT MAX(id) FROM apps WHERE pid = f.pid)
		WHERE f.id > ?
		ORDER BY f.id ASC
		LIMIT 1000`
	default:
		return nil, fmt.Errorf("unknown event type: %s", eventType)
	}

	rows, err := sd.db.Query(query, lastID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []map[string]interface{}
	for rows.Next() {
		var (
			id          int64
			pid         int
			frametimeNs int64
			frameClass  string
			image       sql.NullString
			comm        sql.NullString
			commandLine sql.NullString
			fps         sql.NullFloat64
		)

		if err := rows.Scan(&id, &pid, &frametimeNs, &frameClass, &image, &comm, &commandLine, &fps); err != nil {
			return nil, err
		}

		events = append(events, FrameEvent(id, pid, image.String, comm.String, commandLine.String,
			time.Duration(frametimeNs), fps.Float64, frameClass))
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return events, nil
}

// matchFilters maps GetMatches filter keys to jank_matches columns.
var matchFilters = []struct{ param, column string }{
	{"status", "status"},
	{"severity", "severity"},
	{"rule", "rule_id"},
	{"pid", "process_id"},
}

// GetMatches retrieves jank matches from the database with filters
func (sd *Detector) GetMatches(limit int, offset int, filters map[string]string) ([]JankMatch, error) {
	query := `
    SELECT
        id, event_id, rule_id, rule_name,
        process_id, process_name, command_line,
        frametime_ms, fps, frame_class,
        timestamp, severity, status, match_details, event_data, created_at
    FROM jank_matches`

	var (
		conds []string
		args  []interface{}
	)
	for _, f := range matchFilters {
		v := filters[f.param]
		if v == "" || v == "all" {
			continue
		}
		conds = append(conds, f.column+" = ?")
		args = append(args, v)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}

	query += ` ORDER BY id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := sd.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	matches := []JankMatch{}
	for rows.Next() {
		var match JankMatch
		var matchDetailsJSON, eventDataJSON string

		err := rows.Scan(
			&match.ID, &match.EventID, &match.RuleID, &match.RuleName,
			&match.ProcessID, &match.ProcessName, &match.CommandLine,
			&match.FrametimeMs, &match.FPS, &match.FrameClass,
			&match.Timestamp, &match.Severity, &match.Status, &matchDetailsJSON, &eventDataJSON, &match.CreatedAt,
		)
		if err != nil {
			return nil, err
		}

		json.Unmarshal([]byte(matchDetailsJSON), &match.MatchDetails)
		match.EventData = eventDataJSON

		matches = append(matches, match)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return matches, nil
}

// GetMatchStats retrieves statistics about jank matches
func (sd *Detector) GetMatchStats() (map[string]interface{}, error) {
	var totalRules int
	err := sd.db.QueryRow("SELECT COUNT(DISTINCT rule_id) FROM jank_matches").Scan(&totalRules)
	if err != nil {
		return nil, err
	}

	sevCounts, err := sd.countBy("severity")
	if err != nil {
		return nil, err
	}

	classCounts, err := sd.countBy("frame_class")
	if err != nil {
		return nil, err
	}

	statusCounts, err := sd.countBy("status")
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"matchedRules":   totalRules,
		"activeRules":    sd.RuleCount(),
		"severityCounts": sevCounts,
		"classCounts":    classCounts,
		"statusCounts":   statusCounts,
	}, nil
}

func (sd *Detector) countBy(column string) (map[string]int, error) {
	rows, err := sd.db.Query(fmt.Sprintf("SELECT %s, COUNT(*) FROM jank_matches GROUP BY %s", column, column))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var key sql.NullString
		var count int
		if err := rows.Scan(&key, &count); err != nil {
			return nil, err
		}
		counts[key.String] = count
	}
	return counts, rows.Err()
}

// MatchStatuses are the triage states of a jank match.
var MatchStatuses = []string{"new", "acknowledged", "resolved", "false_positive"}

// UpdateMatchStatus updates the status of a match
func (sd *Detector) UpdateMatchStatus(matchID int64, newStatus string) error {
	if !slices.Contains(MatchStatuses, newStatus) {
		return fmt.Errorf("invalid status: %s", newStatus)
	}

	res, err := sd.db.Exec(
		"UPDATE jank_matches SET status = ? WHERE id = ?",
		newStatus, matchID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("match %d not found", matchID)
	}
	return nil
}
