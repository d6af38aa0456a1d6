// Package audit records operational session events as JSON lines. This is
// the human-facing event trail; the tamper-evident record lives in the
// ledger, not here.
package audit

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType categorizes a session event.
type EventType string

const (
	EventSession    EventType = "SESSION"
	EventStep       EventType = "STEP"
	EventGovernance EventType = "GOVERNANCE"
	EventLease      EventType = "LEASE"
)

// Event is one structured audit record.
type Event struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id"`
	Role      string         `json:"role,omitempty"`
	Type      EventType      `json:"type"`
	Action    string         `json:"action"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Logger records session events.
type Logger interface {
	Record(ctx context.Context, eventType EventType, sessionID, role, action string, metadata map[string]any) error
}

type logger struct {
	mu     sync.Mutex
	writer io.Writer
	clock  func() time.Time
}

// NewLogger creates a Logger writing to os.Stdout.
func NewLogger() Logger {
	return NewLoggerWithWriter(os.Stdout)
}

// NewLoggerWithWriter creates a Logger writing to w. Injection point for
// tests and custom sinks.
func NewLoggerWithWriter(w io.Writer) Logger {
	if w == nil {
		w = os.Stdout
	}
	return &logger{writer: w, clock: time.Now}
}

func (l *logger) Record(_ context.Context, eventType EventType, sessionID, role, action string, metadata map[string]any) error {
	event := Event{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Role:      role,
		Type:      eventType,
		Action:    action,
		Timestamp: l.clock(),
		Metadata:  metadata,
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	raw, err := json.Marshal(event)
	if err != nil {
		return err
	}
	// AUDIT: prefix keeps the trail grep-able in mixed output
	_, err = l.writer.Write(append([]byte("AUDIT: "), append(raw, '\n')...))
	return err
}
