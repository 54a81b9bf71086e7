package timesheet

import (
	"context"
	"errors"
	"time"

	"github.com/goodtune/ktime/internal/authz"
	"github.com/goodtune/ktime/internal/clock"
	"github.com/goodtune/ktime/internal/identity"
	"github.com/goodtune/ktime/internal/metrics"
	"github.com/goodtune/ktime/internal/storage"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// State is a user's position in the session/break lifecycle.
type State string

const (
	StateIdle    State = "IDLE"
	StateWorking State = "WORKING"
	StateOnBreak State = "ON_BREAK"
)

// StateOf derives the state from the user's open session (nil when idle).
func StateOf(open *storage.WorkSession) State {
	switch {
	case open == nil:
		return StateIdle
	case open.OpenBreak() != nil:
		return StateOnBreak
	default:
		return StateWorking
	}
}

// Authorizer decides whether a subject may act on another user's data.
type Authorizer interface {
	Allow(ctx context.Context, action string, subject identity.Subject, ownerID string) (bool, error)
}

// Manager enforces the per-user session and break state machine. Every
// transition runs inside the store's per-user atomic unit.
type Manager struct {
	store      storage.SessionStore
	settings   *SettingsService
	authorizer Authorizer
	sink       EventSink
	clock      clock.Clock
	newID      func() string
	logger     zerolog.Logger
}

// NewManager creates a session manager
func NewManager(store storage.SessionStore, settings *SettingsService, authorizer Authorizer, sink EventSink, clk clock.Clock, logger zerolog.Logger) *Manager {
	if sink == nil {
		sink = NopSink{}
	}
	if clk == nil {
		clk = clock.RealClock{}
	}

	return &Manager{
		store:      store,
		settings:   settings,
		authorizer: authorizer,
		sink:       sink,
		clock:      clk,
		newID:      uuid.NewString,
		logger:     logger.With().Str("component", "session-manager").Logger(),
	}
}

// StartSession opens a new session for userID.
func (m *Manager) StartSession(ctx context.Context, userID string, client storage.ClientContext) (*storage.WorkSession, error) {
	var started storage.WorkSession

	err := m.store.Atomic(ctx, userID, func(tx storage.UserTx) error {
		current, err := tx.OpenSession()
		if err != nil {
			return err
		}
		if current != nil {
			return Conflictf("an open session already exists (started %s)", current.StartedAt.Format(time.RFC3339))
		}

		now := m.clock.Now()
		started = storage.WorkSession{
			ID:        m.newID(),
			UserID:    userID,
			StartedAt: now,
			Client:    client,
			Breaks:    []storage.BreakInterval{},
			CreatedAt: now,
			UpdatedAt: now,
		}
		tx.Put(started)
		return nil
	})
	if err != nil {
		return nil, m.fail("start_session", userID, err)
	}

	m.logger.Info().
		Str("user_id", userID).
		Str("session_id", started.ID).
		Str("client_ip", client.IP).
		Msg("Session started")

	m.committed(ctx, Event{Type: EventSessionStarted, UserID: userID, SessionID: started.ID, At: started.StartedAt, Session: &started})
	return &started, nil
}

// EndSession closes the user's open session, closing an ongoing break first.
func (m *Manager) EndSession(ctx context.Context, userID string) (*storage.WorkSession, error) {
	settings, err := m.settings.Effective(ctx, userID)
	if err != nil {
		return nil, err
	}

	var (
		ended       storage.WorkSession
		closedBreak *storage.BreakInterval
	)

	err = m.store.Atomic(ctx, userID, func(tx storage.UserTx) error {
		current, err := tx.OpenSession()
		if err != nil {
			return err
		}
		if current == nil {
			return NotFoundf("no open session")
		}

		now := m.clock.Now()
		closedBreak = nil
		if b := current.OpenBreak(); b != nil {
			closeBreak(b, now, settings)
			copied := *b
			closedBreak = &copied
		}

		current.EndedAt = &now
		current.UpdatedAt = now
		tx.Put(*current)

		ended = *current
		return nil
	})
	if err != nil {
		return nil, m.fail("end_session", userID, err)
	}

	if closedBreak != nil {
		m.breakClosed(ctx, userID, closedBreak)
	}

	m.logger.Info().
		Str("user_id", userID).
		Str("session_id", ended.ID).
		Dur("duration", ended.EndedAt.Sub(ended.StartedAt)).
		Msg("Session ended")

	m.committed(ctx, Event{Type: EventSessionEnded, UserID: userID, SessionID: ended.ID, At: *ended.EndedAt, Session: &ended})
	return &ended, nil
}

// StartBreak opens a break inside the user's open session.
func (m *Manager) StartBreak(ctx context.Context, userID string) (*storage.BreakInterval, error) {
	var started storage.BreakInterval

	err := m.store.Atomic(ctx, userID, func(tx storage.UserTx) error {
		current, err := tx.OpenSession()
		if err != nil {
			return err
		}
		if current == nil {
			return Conflictf("no open session to take a break from")
		}
		if current.OpenBreak() != nil {
			return Conflictf("a break is already in progress")
		}

		now := m.clock.Now()
		started = storage.BreakInterval{
			ID:        m.newID(),
			SessionID: current.ID,
			StartedAt: now,
		}
		current.Breaks = append(current.Breaks, started)
		current.UpdatedAt = now
		tx.Put(*current)
		return nil
	})
	if err != nil {
		return nil, m.fail("start_break", userID, err)
	}

	m.logger.Info().
		Str("user_id", userID).
		Str("session_id", started.SessionID).
		Str("break_id", started.ID).
		Msg("Break started")

	m.committed(ctx, Event{Type: EventBreakStarted, UserID: userID, SessionID: started.SessionID, BreakID: started.ID, At: started.StartedAt, Break: &started})
	return &started, nil
}

// EndBreak closes the ongoing break.
func (m *Manager) EndBreak(ctx context.Context, userID string) (*storage.BreakInterval, error) {
	settings, err := m.settings.Effective(ctx, userID)
	if err != nil {
		return nil, err
	}

	var ended storage.BreakInterval

	err = m.store.Atomic(ctx, userID, func(tx storage.UserTx) error {
		current, err := tx.OpenSession()
		if err != nil {
			return err
		}
		if current == nil {
			return NotFoundf("no open break")
		}
		b := current.OpenBreak()
		if b == nil {
			return NotFoundf("no open break")
		}

		now := m.clock.Now()
		closeBreak(b, now, settings)
		current.UpdatedAt = now
		tx.Put(*current)

		ended = *b
		return nil
	})
	if err != nil {
		return nil, m.fail("end_break", userID, err)
	}

	m.breakClosed(ctx, userID, &ended)
	return &ended, nil
}

// UpdateNotes replaces a session's notes. The owner may always do this;
// anyone else needs the policy's approval.
func (m *Manager) UpdateNotes(ctx context.Context, sessionID, notes string, requester identity.Subject) (*storage.WorkSession, error) {
	session, err := m.store.GetSession(ctx, sessionID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, NotFoundf("session %s not found", sessionID)
	}
	if err != nil {
		return nil, m.fail("update_notes", requester.ID, err)
	}

	if session.UserID != requester.ID {
		if m.authorizer == nil {
			return nil, Forbiddenf("not permitted to update notes of session %s", sessionID)
		}
		allowed, err := m.authorizer.Allow(ctx, authz.ActionUpdateNotes, requester, session.UserID)
		if err != nil {
			return nil, m.fail("update_notes", requester.ID, err)
		}
		if !allowed {
			return nil, Forbiddenf("not permitted to update notes of session %s", sessionID)
		}
	}

	updated, err := m.store.UpdateNotes(ctx, sessionID, notes, m.clock.Now())
	if errors.Is(err, storage.ErrNotFound) {
		return nil, NotFoundf("session %s not found", sessionID)
	}
	if err != nil {
		return nil, m.fail("update_notes", requester.ID, err)
	}

	m.logger.Debug().
		Str("session_id", sessionID).
		Str("owner_id", updated.UserID).
		Str("requester_id", requester.ID).
		Msg("Session notes updated")

	return updated, nil
}

// GetCurrentSession returns the user's open session, or nil when idle.
func (m *Manager) GetCurrentSession(ctx context.Context, userID string) (*storage.WorkSession, error) {
	var current *storage.WorkSession

	err := m.store.Atomic(ctx, userID, func(tx storage.UserTx) error {
		open, err := tx.OpenSession()
		current = open
		return err
	})
	if err != nil {
		return nil, m.fail("get_current_session", userID, err)
	}

	return current, nil
}

// State returns the user's lifecycle state along with the open session.
func (m *Manager) State(ctx context.Context, userID string) (State, *storage.WorkSession, error) {
	current, err := m.GetCurrentSession(ctx, userID)
	if err != nil {
		return "", nil, err
	}
	return StateOf(current), current, nil
}

// closeBreak ends b at the given time. A break longer than the maximum is
// flagged; with enforcement on it is also cut back to the maximum.
func closeBreak(b *storage.BreakInterval, at time.Time, settings storage.Settings) {
	end := at
	if settings.MaxBreakMinutes > 0 {
		limit := time.Duration(settings.MaxBreakMinutes) * time.Minute
		if at.Sub(b.StartedAt) > limit {
			b.ExceededMax = true
			if settings.EnforceMaxBreak {
				end = b.StartedAt.Add(limit)
				b.Capped = true
			}
		}
	}
	b.EndedAt = &end
}

func (m *Manager) breakClosed(ctx context.Context, userID string, b *storage.BreakInterval) {
	if b.Capped {
		metrics.BreaksCapped.Inc()
	}

	event := m.logger.Info()
	if b.ExceededMax {
		event = m.logger.Warn().Bool("capped", b.Capped)
	}
	event.
		Str("user_id", userID).
		Str("session_id", b.SessionID).
		Str("break_id", b.ID).
		Dur("duration", b.EndedAt.Sub(b.StartedAt)).
		Msg("Break ended")

	m.committed(ctx, Event{Type: EventBreakEnded, UserID: userID, SessionID: b.SessionID, BreakID: b.ID, At: *b.EndedAt, Break: b})
}

// committed records and publishes a transition that is already durable.
func (m *Manager) committed(ctx context.Context, event Event) {
	metrics.SessionTransitions.WithLabelValues(string(event.Type)).Inc()

	if err := m.sink.Publish(ctx, event); err != nil {
		m.logger.Warn().
			Err(err).
			Str("event", string(event.Type)).
			Str("user_id", event.UserID).
			Msg("Failed to publish event")
	}
}

// fail classifies err, counting rejected transitions and logging backend
// failures.
func (m *Manager) fail(op, userID string, err error) error {
	var e *Error
	if errors.As(err, &e) {
		if e.Kind == KindConflict {
			metrics.SessionConflicts.WithLabelValues(op).Inc()
		}
		return e
	}

	if errors.Is(err, storage.ErrContention) {
		metrics.SessionConflicts.WithLabelValues(op).Inc()
		m.logger.Warn().Str("op", op).Str("user_id", userID).Msg("Gave up after repeated concurrent updates")
		return &Error{Kind: KindConflict, Message: "concurrent update in progress, retry the request", Err: err}
	}

	m.logger.Error().Err(err).Str("op", op).Str("user_id", userID).Msg("Storage operation failed")
	return storageError(op, err)
}
