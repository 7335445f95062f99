package dispatch

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// EntryTypeCry is the type recorded for every detection.
const EntryTypeCry = "baby_cry_detected"

// LogEntry is one line of the detection log.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`

	// Confidence is the raw [0, 1] classifier confidence.
	Confidence float64 `json:"confidence"`
	Type       string  `json:"type"`
	AudioFile  *string `json:"audio_file"` // null when no evidence was saved
	EventID    string  `json:"event_id,omitempty"`
	Provenance string  `json:"provenance,omitempty"`
}

// Log is the append-only JSONL detection log. One JSON object per line.
// Appends are serialised, so concurrent tasks never interleave lines.
type Log struct {
	path string
	mu   sync.Mutex
}

// NewLog returns a log writing to path, creating its directory.
func NewLog(path string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("dispatch: create log dir: %w", err)
	}
	return &Log{path: path}, nil
}

// Path returns the log file location.
func (l *Log) Path() string { return l.path }

// Append writes e as a single line.
func (l *Log) Append(e LogEntry) error {
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("dispatch: encode log entry: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("dispatch: open log: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return fmt.Errorf("dispatch: append log: %w", err)
	}
	return f.Close()
}

// Recent returns up to n of the most recent entries, oldest first. A missing
// log yields an empty slice. Lines that do not parse are skipped.
func (l *Log) Recent(n int) ([]LogEntry, error) {
	if n <= 0 {
		return []LogEntry{}, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		return []LogEntry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dispatch: open log: %w", err)
	}
	defer f.Close()

	ring := make([]LogEntry, 0, n)
	start := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64<<10), 1<<20)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var e LogEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			slog.Debug("dispatch: skipping malformed log line", "path", l.path, "line", lineNo, "err", err)
			continue
		}
		if len(ring) < n {
			ring = append(ring, e)
			continue
		}
		ring[start] = e
		start = (start + 1) % n
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("dispatch: read log: %w", err)
	}

	out := make([]LogEntry, 0, len(ring))
	out = append(out, ring[start:]...)
	out = append(out, ring[:start]...)
	return out, nil
}
