package orchestrator

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// debug is the open debug log, nil unless --debug enabled one.
var (
	debugMu sync.RWMutex
	debug   *DebugLog
)

// DebugLog receives verbose scheduling and review-state traces.
type DebugLog struct {
	file   *os.File
	logger *log.Logger
}

// InitDebugLog opens path for append and routes the package's traces to it
// until the returned log is closed.
func InitDebugLog(path string) (*DebugLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create debug log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open debug log: %w", err)
	}

	d := &DebugLog{file: f, logger: log.New(f, "", log.Ltime|log.Lmicroseconds)}
	d.logger.Printf("=== critic %d: debug log opened %s ===", os.Getpid(), time.Now().Format(time.RFC3339))

	debugMu.Lock()
	debug = d
	debugMu.Unlock()
	return d, nil
}

// DebugLogPath returns the default debug log inside a repository.
func DebugLogPath(repoPath string) string {
	return filepath.Join(repoPath, ".critic", "logs", "review-debug.log")
}

// Close detaches the log from the package and closes the file.
func (d *DebugLog) Close() error {
	if d == nil {
		return nil
	}
	debugMu.Lock()
	if debug == d {
		debug = nil
	}
	debugMu.Unlock()
	return d.file.Close()
}

// debugLog writes one trace line. The scheduler and dependency graph log
// through it.
func debugLog(format string, args ...any) {
	debugMu.RLock()
	defer debugMu.RUnlock()
	if debug != nil {
		debug.logger.Printf(format, args...)
	}
}

// trace writes a debug line tagged with the review it belongs to.
func (r *review) trace(format string, args ...any) {
	debugLog("[review %s] "+format, append([]any{r.id}, args...)...)
}
