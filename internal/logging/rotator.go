package logging

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"
)

const rotatedTimeFormat = "20060102-150405"

// FileRotator is an io.Writer that rotates its file by size and by day,
// optionally gzips rotated files, and prunes old ones.
type FileRotator struct {
	path       string
	maxBytes   int64
	maxAge     time.Duration
	maxBackups int
	compress   bool
	now        func() time.Time

	mu     sync.Mutex
	file   *os.File
	size   int64
	opened time.Time

	wg      sync.WaitGroup
	pruneMu sync.Mutex
}

// NewFileRotator opens cfg.FilePath for appending, creating its directory.
func NewFileRotator(cfg *Config) (*FileRotator, error) {
	if cfg.FilePath == "" {
		return nil, fmt.Errorf("log file path is empty")
	}
	r := &FileRotator{
		path:       cfg.FilePath,
		maxBytes:   cfg.MaxSize * 1024 * 1024,
		maxAge:     time.Duration(cfg.MaxAge) * 24 * time.Hour,
		maxBackups: cfg.MaxBackups,
		compress:   cfg.Compress,
		now:        time.Now,
	}

	if err := os.MkdirAll(filepath.Dir(r.path), 0750); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	if err := r.open(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *FileRotator) open() error {
	file, err := os.OpenFile(r.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0640)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	r.file = file
	r.size = info.Size()
	r.opened = r.now()
	return nil
}

// Write implements io.Writer.
func (r *FileRotator) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		if err := r.open(); err != nil {
			return 0, err
		}
	}
	if r.due(int64(len(p))) {
		if err := r.rotate(); err != nil {
			return 0, fmt.Errorf("rotate log: %w", err)
		}
	}

	n, err := r.file.Write(p)
	r.size += int64(n)
	return n, err
}

func (r *FileRotator) due(next int64) bool {
	if r.size == 0 {
		return false
	}
	if r.maxBytes > 0 && r.size+next > r.maxBytes {
		return true
	}
	y1, m1, d1 := r.opened.Date()
	y2, m2, d2 := r.now().Date()
	return y1 != y2 || m1 != m2 || d1 != d2
}

func (r *FileRotator) rotate() error {
	if err := r.file.Close(); err != nil {
		return fmt.Errorf("close current log: %w", err)
	}
	r.file = nil

	rotated := r.rotatedName(r.now())
	if err := os.Rename(r.path, rotated); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("rename log file: %w", err)
	}
	if err := r.open(); err != nil {
		return err
	}

	cutoff := r.now().Add(-r.maxAge)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if r.compress {
			compressFile(rotated)
		}
		r.prune(cutoff)
	}()
	return nil
}

func (r *FileRotator) rotatedName(t time.Time) string {
	ext := filepath.Ext(r.path)
	return fmt.Sprintf("%s-%s%s", strings.TrimSuffix(r.path, ext), t.Format(rotatedTimeFormat), ext)
}

func compressFile(path string) {
	in, err := os.Open(path)
	if err != nil {
		return
	}
	defer in.Close()

	out, err := os.Create(path + ".gz")
	if err != nil {
		return
	}

	gz := gzip.NewWriter(out)
	gz.Name = filepath.Base(path)
	_, err = io.Copy(gz, in)
	if cerr := gz.Close(); err == nil {
		err = cerr
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path + ".gz")
		return
	}
	os.Remove(path)
}

// prune removes rotated files beyond MaxBackups or older than MaxAge.
func (r *FileRotator) prune(cutoff time.Time) {
	r.pruneMu.Lock()
	defer r.pruneMu.Unlock()

	type rotated struct {
		path    string
		modTime time.Time
	}

	matches, err := r.Rotated()
	if err != nil {
		return
	}
	files := make([]rotated, 0, len(matches))
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil {
			continue
		}
		files = append(files, rotated{path: m, modTime: info.ModTime()})
	}
	// Newest first; rotated names embed a sortable timestamp.
	slices.SortFunc(files, func(a, b rotated) int {
		return strings.Compare(b.path, a.path)
	})

	for i, f := range files {
		if (r.maxBackups > 0 && i >= r.maxBackups) || (r.maxAge > 0 && f.modTime.Before(cutoff)) {
			os.Remove(f.path)
		}
	}
}

// Rotated lists rotated log files, compressed or not.
func (r *FileRotator) Rotated() ([]string, error) {
	ext := filepath.Ext(r.path)
	return filepath.Glob(strings.TrimSuffix(r.path, ext) + "-*" + ext + "*")
}

// Close waits for background compression and closes the file.
func (r *FileRotator) Close() error {
	r.wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

// Sync flushes the file.
func (r *FileRotator) Sync() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	return r.file.Sync()
}
