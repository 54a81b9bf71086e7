package timesheet

import (
	"context"
	"time"

	"github.com/goodtune/ktime/internal/storage"
)

// EventType names a committed state transition.
type EventType string

const (
	EventSessionStarted EventType = "session.started"
	EventSessionEnded   EventType = "session.ended"
	EventBreakStarted   EventType = "break.started"
	EventBreakEnded     EventType = "break.ended"
)

// Event describes a transition after it has been committed.
type Event struct {
	Type      EventType              `json:"type"`
	UserID    string                 `json:"user_id"`
	SessionID string                 `json:"session_id"`
	BreakID   string                 `json:"break_id,omitempty"`
	At        time.Time              `json:"at"`
	Session   *storage.WorkSession   `json:"session,omitempty"`
	Break     *storage.BreakInterval `json:"break,omitempty"`
}

// EventSink receives events. Failures never affect the transition.
type EventSink interface {
	Publish(ctx context.Context, event Event) error
}

// NopSink discards events.
type NopSink struct{}

func (NopSink) Publish(context.Context, Event) error { return nil }
