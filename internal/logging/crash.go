package logging

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"time"
)

// ErrPanic wraps a recovered panic returned by CrashHandler.Guard.
var ErrPanic = errors.New("panic recovered")

// CrashReport is written to the crash directory when a guarded function
// panics.
type CrashReport struct {
	Timestamp  time.Time      `json:"timestamp"`
	Version    string         `json:"version"`
	GOOS       string         `json:"goos"`
	GOARCH     string         `json:"goarch"`
	PanicValue string         `json:"panic_value"`
	StackTrace string         `json:"stack_trace"`
	Context    map[string]any `json:"context,omitempty"`
}

// CrashHandler turns panics into errors and crash dumps.
type CrashHandler struct {
	dir     string
	version string
	log     *slog.Logger
}

// DefaultCrashDir returns $XDG_STATE_HOME/keyboard-chatter-fix/crashes.
func DefaultCrashDir() string {
	return filepath.Join(filepath.Dir(DefaultLogPath()), "crashes")
}

// NewCrashHandler creates a handler writing dumps to dir.
func NewCrashHandler(dir, version string, log *slog.Logger) *CrashHandler {
	if dir == "" {
		dir = DefaultCrashDir()
	}
	if log == nil {
		log = slog.Default()
	}
	return &CrashHandler{dir: dir, version: version, log: log}
}

// Guard runs fn and converts a panic into an error wrapping ErrPanic.
// The caller can then release held keys before exiting.
func (h *CrashHandler) Guard(info map[string]any, fn func() error) (err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		report := h.report(r, info)
		path, werr := h.write(report)
		if werr != nil {
			h.log.Error("panic", "value", report.PanicValue, "dump_error", werr)
		} else {
			h.log.Error("panic", "value", report.PanicValue, "dump", path)
		}
		err = fmt.Errorf("%w: %s", ErrPanic, report.PanicValue)
	}()
	return fn()
}

func (h *CrashHandler) report(v any, info map[string]any) CrashReport {
	return CrashReport{
		Timestamp:  time.Now().UTC(),
		Version:    h.version,
		GOOS:       runtime.GOOS,
		GOARCH:     runtime.GOARCH,
		PanicValue: fmt.Sprint(v),
		StackTrace: string(debug.Stack()),
		Context:    info,
	}
}

func (h *CrashHandler) write(report CrashReport) (string, error) {
	if err := os.MkdirAll(h.dir, 0750); err != nil {
		return "", fmt.Errorf("create crash dir: %w", err)
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal crash report: %w", err)
	}
	path := filepath.Join(h.dir, "crash-"+report.Timestamp.Format("20060102-150405.000")+".json")
	if err := os.WriteFile(path, data, 0640); err != nil {
		return "", fmt.Errorf("write crash report: %w", err)
	}
	return path, nil
}

// Reports returns every crash report in the crash directory.
func (h *CrashHandler) Reports() ([]CrashReport, error) {
	files, err := filepath.Glob(filepath.Join(h.dir, "crash-*.json"))
	if err != nil {
		return nil, err
	}

	reports := make([]CrashReport, 0, len(files))
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			continue
		}
		var report CrashReport
		if err := json.Unmarshal(data, &report); err != nil {
			continue
		}
		reports = append(reports, report)
	}
	return reports, nil
}
