package process

import (
	"bytes"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/jnesss/frame-analyzer/types"
)

// procRoot is where process metadata is read from.
var procRoot = "/proc"

// AppMap is a thread-safe map of attached applications
type AppMap struct {
	apps map[int]*AppInfo
	mu   sync.RWMutex
}

// NewAppMap creates a new app map
func NewAppMap() *AppMap {
	return &AppMap{
		apps: make(map[int]*AppInfo),
	}
}

// Add adds or updates an app in the map
func (am *AppMap) Add(pid int, info *AppInfo) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.apps[pid] = info
}

// Get retrieves app info from the map
func (am *AppMap) Get(pid int) (*AppInfo, bool) {
	am.mu.RLock()
	defer am.mu.RUnlock()
	info, exists := am.apps[pid]
	return info, exists
}

// Remove removes an app from the map
func (am *AppMap) Remove(pid int) {
	am.mu.Lock()
	defer am.mu.Unlock()
	delete(am.apps, pid)
}

// List returns all apps in the map ordered by pid
func (am *AppMap) List() []*AppInfo {
	am.mu.RLock()
	defer am.mu.RUnlock()
	apps := make([]*AppInfo, 0, len(am.apps))
	for _, a := range am.apps {
		apps = append(apps, a)
	}
	slices.SortFunc(apps, func(a, b *AppInfo) int { return a.PID - b.PID })
	return apps
}

// Simple cache for username lookups
var (
	usernameCacheMutex sync.RWMutex
	usernameCache      = make(map[uint32]string)
)

func GetUsernameFromUID(uid uint32) string {
	usernameCacheMutex.RLock()
	if username, ok := usernameCache[uid]; ok {
		usernameCacheMutex.RUnlock()
		return username
	}
	usernameCacheMutex.RUnlock()

	if u, err := user.LookupId(strconv.FormatUint(uint64(uid), 10)); err == nil {
		usernameCacheMutex.Lock()
		usernameCache[uid] = u.Username
		usernameCacheMutex.Unlock()
		return u.Username
	}
	return ""
}

// Exists reports whether pid is still running.
func Exists(pid int) bool {
	_, err := os.Stat(procPath(pid))
	return !os.IsNotExist(err)
}

// CollectProcMetadata gathers information about a process from /proc
func CollectProcMetadata(pid int, info *AppInfo) bool {
	if !Exists(pid) {
		return false // Process already gone
	}
	info.PID = pid

	if comm, err := readProcFile(pid, "comm"); err == nil {
		info.Comm = comm
	}

	if exePath, err := os.Readlink(filepath.Join(procPath(pid), "exe")); err == nil {
		info.ExePath = exePath
	}

	if cmdline, err := os.ReadFile(filepath.Join(procPath(pid), "cmdline")); err == nil {
		info.CmdLine = joinCmdline(cmdline)
	}

	if uid, err := getUID(pid); err == nil {
		info.UID = uid
		if info.Username == "" {
			info.Username = GetUsernameFromUID(uid)
		}
	}

	return true
}

// Android app processes are forked from zygote, so their command line is the
// package name rather than an executable path.
func joinCmdline(raw []byte) string {
	var args []string
	for _, arg := range bytes.Split(raw, []byte{0}) {
		if len(arg) > 0 {
			args = append(args, string(arg))
		}
	}
	return strings.Join(args, " ")
}

// FindByComm returns the pids whose comm or first command line argument is
// name, in ascending order.
func FindByComm(name string) ([]int, error) {
	entries, err := os.ReadDir(procRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to list processes: %v", err)
	}

	var pids []int
	for _, entry := range entries {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil || !entry.IsDir() {
			continue
		}
		if comm, err := readProcFile(pid, "comm"); err == nil && comm == name {
			pids = append(pids, pid)
			continue
		}
		if raw, err := os.ReadFile(filepath.Join(procPath(pid), "cmdline")); err == nil {
			if first, _, _ := bytes.Cut(raw, []byte{0}); string(first) == name {
				pids = append(pids, pid)
			}
		}
	}
	slices.Sort(pids)
	return pids, nil
}

// FormatAppEvent formats an app event for logging
func FormatAppEvent(info *AppInfo, kind types.EventKind) string {
	info.Mu.RLock()
	defer info.Mu.RUnlock()

	basic := fmt.Sprintf("%s: pid=%d comm=%s", strings.ToUpper(kind.String()), info.PID, info.Comm)

	switch kind {
	case types.EventAttach:
		details := fmt.Sprintf("uid=%d", info.UID)
		if info.Username != "" {
			details += fmt.Sprintf(" user=%s", info.Username)
		}
		if info.ExePath != "" {
			details += fmt.Sprintf(" path=%s", info.ExePath)
		}
		if info.CmdLine != "" {
			details += fmt.Sprintf(" cmdline=%s", info.CmdLine)
		}
		if info.Symbol != "" {
			details += fmt.Sprintf(" symbol=%s", info.Symbol)
		}
		return fmt.Sprintf("%s %s", basic, details)
	case types.EventDetach:
		duration := "unknown"
		if !info.AttachedAt.IsZero() && !info.DetachedAt.IsZero() {
			duration = info.DetachedAt.Sub(info.AttachedAt).String()
		}
		var frames uint64
		if info.Frames != nil {
			frames = info.Frames.total
		}
		return fmt.Sprintf("%s frames=%d attached=%s", basic, frames, duration)
	}

	return basic
}

func procPath(pid int) string {
	return filepath.Join(procRoot, strconv.Itoa(pid))
}

// readProcFile reads a file from /proc and returns its contents
func readProcFile(pid int, filename string) (string, error) {
	data, err := os.ReadFile(filepath.Join(procPath(pid), filename))
	if err != nil {
		return "", err
	}
	return string(bytes.TrimSpace(data)), nil
}

// getUID reads the real uid from /proc/[pid]/status
func getUID(pid int) (uint32, error) {
	data, err := readProcFile(pid, "status")
	if err != nil {
		return 0, err
	}

	for _, line := range strings.Split(data, "\n") {
		if strings.HasPrefix(line, "Uid:") {
			fields := strings.Fields(line)
			if len(fields) >= 2 {
				uid, err := strconv.ParseUint(fields[1], 10, 32)
				return uint32(uid), err
			}
		}
	}

	return 0, fmt.Errorf("uid not found")
}
