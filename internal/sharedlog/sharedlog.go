// Package sharedlog is the resource the peers protect: an append-only file of
// JSON lines that records every entry to and exit from the critical section.
// Peers only write while holding the distributed lock, so a correct run never
// shows two episodes open at once. Verify and Follow audit that property.
package sharedlog

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/ramutex/internal/svcfields"
)

// Event is the kind of a log entry.
type Event string

const (
	// EventEnter marks a peer entering the critical section.
	EventEnter Event = "enter"
	// EventExit marks a peer leaving it.
	EventExit Event = "exit"
)

// Entry is one line of the shared log.
type Entry struct {
	Time    time.Time `json:"time"`
	Peer    int       `json:"peer"`
	Event   Event     `json:"event"`
	Episode string    `json:"episode"`
	// Clock is the peer's Lamport time when the entry was written.
	Clock   uint64 `json:"clock,omitempty"`
	Attempt int    `json:"attempt,omitempty"`
}

// ErrInvalidEntry is returned by Append for entries missing required fields.
var ErrInvalidEntry = errors.New("sharedlog: invalid entry")

// Log appends entries to a shared file.
type Log struct {
	path   string
	logger pslog.Logger

	// Serialises writers inside one process; the distributed lock covers
	// writers in other processes.
	mu sync.Mutex
}

// Open prepares path for appending, creating parent directories as needed.
func Open(path string, logger pslog.Logger) (*Log, error) {
	if path == "" {
		return nil, errors.New("sharedlog: path required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("sharedlog: resolve %q: %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, fmt.Errorf("sharedlog: prepare directory: %w", err)
	}
	return &Log{path: abs, logger: svcfields.WithSubsystem(logger, "sharedlog")}, nil
}

// Path returns the absolute log path.
func (l *Log) Path() string {
	return l.path
}

// Append writes e as a single line. A zero Time is replaced with now.
func (l *Log) Append(e Entry) error {
	if e.Peer <= 0 || e.Episode == "" || (e.Event != EventEnter && e.Event != EventExit) {
		return fmt.Errorf("%w: %+v", ErrInvalidEntry, e)
	}
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("sharedlog: encode entry: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("sharedlog: open %q: %w", l.path, err)
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return fmt.Errorf("sharedlog: append: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("sharedlog: close: %w", err)
	}
	l.logger.Trace("sharedlog.append", "event", string(e.Event), "episode", e.Episode)
	return nil
}
