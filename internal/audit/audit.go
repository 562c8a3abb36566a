// Package audit appends one JSON line per domain-significant event to a
// shared log file, so operators and out-of-process tools can reconstruct
// every reconciliation the engine performed.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ernie/deathwatch/internal/storage"
	"github.com/google/uuid"
)

// Event is one audit record.
type Event struct {
	ID      string         `json:"id"`
	TS      time.Time      `json:"ts"`
	Event   string         `json:"event"`
	Message string         `json:"message"`
	Context map[string]any `json:"context,omitempty"`
}

// Logger appends audit events to a line-delimited JSON file under the
// same cross-process lock discipline as the data stores.
type Logger struct {
	path string
}

// NewLogger returns a logger writing to path.
func NewLogger(path string) *Logger {
	return &Logger{path: path}
}

// Write appends one event. The ID and timestamp are stamped here when
// the caller leaves them zero.
func (l *Logger) Write(event Event) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.TS.IsZero() {
		event.TS = time.Now().UTC()
	}
	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding audit event: %w", err)
	}
	return storage.WithLock(l.path, func() error {
		if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
			return fmt.Errorf("creating audit directory: %w", err)
		}
		file, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("opening audit log: %w", err)
		}
		defer file.Close()
		if _, err := file.Write(append(line, '\n')); err != nil {
			return fmt.Errorf("appending audit line: %w", err)
		}
		return file.Sync()
	})
}
