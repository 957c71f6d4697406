package logfanin

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// RotatingWriter appends to a log file and rotates it on a timed
// schedule, keeping a bounded number of backups. Rotation units follow
// the conventional when codes: "S", "M", "H", "D"/"midnight".
type RotatingWriter struct {
	mu       sync.Mutex
	path     string
	interval time.Duration
	backups  int

	f       *os.File
	nextRot time.Time
}

// RotationInterval translates a when code and count into a duration.
func RotationInterval(when string, interval int) (time.Duration, error) {
	if interval < 1 {
		interval = 1
	}
	var unit time.Duration
	switch strings.ToUpper(when) {
	case "S":
		unit = time.Second
	case "M":
		unit = time.Minute
	case "H":
		unit = time.Hour
	case "D", "MIDNIGHT":
		unit = 24 * time.Hour
	default:
		return 0, fmt.Errorf("logfanin: unknown rotation unit %q", when)
	}
	return time.Duration(interval) * unit, nil
}

// NewRotatingWriter opens (or creates) the log file at path.
func NewRotatingWriter(path string, interval time.Duration, backups int) (*RotatingWriter, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("logfanin: create log dir: %w", err)
		}
	}
	w := &RotatingWriter{
		path:     path,
		interval: interval,
		backups:  backups,
		nextRot:  time.Now().Add(interval),
	}
	if err := w.open(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *RotatingWriter) open() error {
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("logfanin: open log file: %w", err)
	}
	w.f = f
	return nil
}

func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.interval > 0 && time.Now().After(w.nextRot) {
		if err := w.rotate(); err != nil {
			return 0, err
		}
	}
	return w.f.Write(p)
}

func (w *RotatingWriter) rotate() error {
	w.f.Close()

	backup := fmt.Sprintf("%s.%s", w.path, time.Now().Format("2006-01-02_15-04-05"))
	if err := os.Rename(w.path, backup); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("logfanin: rotate log file: %w", err)
	}
	w.pruneBackups()

	w.nextRot = time.Now().Add(w.interval)
	return w.open()
}

func (w *RotatingWriter) pruneBackups() {
	matches, err := filepath.Glob(w.path + ".*")
	if err != nil || len(matches) <= w.backups {
		return
	}
	sort.Strings(matches) // timestamp suffixes sort chronologically
	for _, old := range matches[:len(matches)-w.backups] {
		os.Remove(old)
	}
}

// Close flushes and closes the underlying file.
func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}
