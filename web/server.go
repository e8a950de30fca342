package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	sigmago "github.com/bradleyjkemp/sigma-go"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/jnesss/frame-analyzer/process"
)

const (
	defaultLimit = 100
	maxLimit     = 10000
)

// Options wires the optional parts of the server
type Options struct {
	// Jank enables /api/jank when set.
	Jank JankSource
	// RulesDir enables /api/rules when set.
	RulesDir string
	// Live enables /api/live when set.
	Live process.AppTracker
	// Metrics enables /metrics when set.
	Metrics *Metrics
	Logger  *zap.Logger
}

type Server struct {
	store      Store
	opts       Options
	listenAddr string
	logger     *zap.Logger
	router     *mux.Router
}

func NewServer(store Store, listenAddr string, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		store:      store,
		opts:       opts,
		listenAddr: listenAddr,
		logger:     logger,
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.logRequests)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/apps", s.handleApps).Methods(http.MethodGet)
	api.HandleFunc("/frames", s.handleFrames).Methods(http.MethodGet)
	api.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)

	if s.opts.Live != nil {
		api.HandleFunc("/live", s.handleLive).Methods(http.MethodGet)
	}

	if s.opts.Jank != nil {
		api.HandleFunc("/jank", s.handleJankList).Methods(http.MethodGet)
		api.HandleFunc("/jank/stats", s.handleJankStats).Methods(http.MethodGet)
		api.HandleFunc("/jank/{id:[0-9]+}", s.handleJankUpdate).Methods(http.MethodPost)
	}

	if s.opts.RulesDir != "" {
		api.HandleFunc("/rules", s.handleRules).Methods(http.MethodGet)
		api.HandleFunc("/rules/{id}/toggle", s.handleRuleToggle).Methods(http.MethodPost)
	}

	if s.opts.Metrics != nil {
		r.Handle("/metrics", s.opts.Metrics.Handler()).Methods(http.MethodGet)
	}

	return r
}

// Handler returns the router, mostly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until ctx is done
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.listenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.logger.Info("Starting web server", zap.String("addr", s.listenAddr))

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("HTTP server shutdown error", zap.Error(err))
		}
	}()

	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("took", time.Since(start)),
		)
	})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// intParam parses an optional positive query parameter.
func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid %s: %q", name, raw)
	}
	return v, nil
}

func limitParam(r *http.Request) (int, error) {
	limit, err := intParam(r, "limit", defaultLimit)
	if err != nil {
		return 0, err
	}
	if limit == 0 || limit > maxLimit {
		limit = maxLimit
	}
	return limit, nil
}

func pidParam(r *http.Request) (int, error) {
	if r.URL.Query().Get("pid") == "" {
		return 0, errors.New("pid is required")
	}
	return intParam(r, "pid", 0)
}

func (s *Server) handleApps(w http.ResponseWriter, r *http.Request) {
	limit, err := limitParam(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	apps, err := s.store.ListApps(limit)
	if err != nil {
		http.Error(w, fmt.Sprintf("Error fetching apps: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, apps)
}

func (s *Server) handleFrames(w http.ResponseWriter, r *http.Request) {
	pid, err := pidParam(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	limit, err := limitParam(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	frames, err := s.store.RecentFrames(pid, limit)
	if err != nil {
		http.Error(w, fmt.Sprintf("Error fetching frames: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, frames)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	pid, err := pidParam(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	limit, err := limitParam(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	history, err := s.store.StatsHistory(pid, limit)
	if err != nil {
		http.Error(w, fmt.Sprintf("Error fetching stats: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, history)
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	apps := []LiveApp{}
	for _, info := range s.opts.Live.List() {
		info.Mu.RLock()
		app := LiveApp{
			PID:     info.PID,
			Comm:    info.Comm,
			CmdLine: info.CmdLine,
			Symbol:  info.Symbol,
		}
		if info.Stats != nil {
			stats := *info.Stats
			app.Stats = &stats
		}
		info.Mu.RUnlock()
		apps = append(apps, app)
	}
	writeJSON(w, apps)
}

func (s *Server) handleJankList(w http.ResponseWriter, r *http.Request) {
	limit, err := limitParam(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	offset, err := intParam(r, "offset", 0)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	q := r.URL.Query()
	filters := map[string]string{
		"status":   q.Get("status"),
		"severity": q.Get("severity"),
		"rule":     q.Get("rule"),
		"pid":      q.Get("pid"),
	}

	matches, err := s.opts.Jank.GetMatches(limit, offset, filters)
	if err != nil {
		http.Error(w, fmt.Sprintf("Error fetching matches: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, matches)
}

func (s *Server) handleJankStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.opts.Jank.GetMatchStats()
	if err != nil {
		http.Error(w, fmt.Sprintf("Error fetching match stats: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, stats)
}

func (s *Server) handleJankUpdate(w http.ResponseWriter, r *http.Request) {
	matchID, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		http.Error(w, fmt.Sprintf("Invalid match ID: %v", err), http.StatusBadRequest)
		return
	}

	var request struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	if err := s.opts.Jank.UpdateMatchStatus(matchID, request.Status); err != nil {
		http.Error(w, fmt.Sprintf("Error updating match status: %v", err), http.StatusBadRequest)
		return
	}

	writeJSON(w, map[string]interface{}{
		"id":     matchID,
		"status": request.Status,
	})
}

func (s *Server) handleRules(w http.ResponseWriter, r *http.Request) {
	rules := []RuleInfo{}
	for _, enabled := range []bool{true, false} {
		found, err := readRulesFromDir(s.rulesDir(enabled), enabled)
		if err != nil {
			http.Error(w, fmt.Sprintf("Error reading rules: %v", err), http.StatusInternalServerError)
			return
		}
		rules = append(rules, found...)
	}
	writeJSON(w, rules)
}

// handleRuleToggle moves a rule file between enabled_rules and
// disabled_rules. The detector's file watcher picks up the change.
func (s *Server) handleRuleToggle(w http.ResponseWriter, r *http.Request) {
	ruleID := mux.Vars(r)["id"]

	for _, enabled := range []bool{true, false} {
		rules, err := readRulesFromDir(s.rulesDir(enabled), enabled)
		if err != nil {
			http.Error(w, fmt.Sprintf("Error reading rules: %v", err), http.StatusInternalServerError)
			return
		}
		for _, rule := range rules {
			if rule.ID != ruleID {
				continue
			}

			from := filepath.Join(s.rulesDir(enabled), rule.Filename)
			to := filepath.Join(s.rulesDir(!enabled), rule.Filename)
			if err := os.MkdirAll(filepath.Dir(to), 0755); err != nil {
				http.Error(w, fmt.Sprintf("Error creating directory: %v", err), http.StatusInternalServerError)
				return
			}
			if err := os.Rename(from, to); err != nil {
				http.Error(w, fmt.Sprintf("Error moving rule file: %v", err), http.StatusInternalServerError)
				return
			}

			s.logger.Info("Toggled rule", zap.String("id", ruleID), zap.Bool("enabled", !enabled))
			rule.Enabled = !enabled
			writeJSON(w, rule)
			return
		}
	}

	http.Error(w, "Rule not found", http.StatusNotFound)
}

func (s *Server) rulesDir(enabled bool) string {
	if enabled {
		return filepath.Join(s.opts.RulesDir, "enabled_rules")
	}
	return filepath.Join(s.opts.RulesDir, "disabled_rules")
}

// readRulesFromDir parses the Sigma rules in dir, skipping anything that
// does not parse
func readRulesFromDir(dir string, enabled bool) ([]RuleInfo, error) {
	var rules []RuleInfo

	files, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return rules, nil
		}
		return nil, err
	}

	for _, file := range files {
		ext := filepath.Ext(file.Name())
		if file.IsDir() || (ext != ".yml" && ext != ".yaml") {
			continue
		}

		content, err := os.ReadFile(filepath.Join(dir, file.Name()))
		if err != nil {
			continue
		}

		rule, err := sigmago.ParseRule(content)
		if err != nil {
			continue
		}

		rules = append(rules, RuleInfo{
			ID:          rule.ID,
			Title:       rule.Title,
			Description: rule.Description,
			Level:       rule.Level,
			Filename:    file.Name(),
			Enabled:     enabled,
		})
	}

	return rules, nil
}
