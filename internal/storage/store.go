package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record is missing from storage.
var ErrNotFound = errors.New("storage: record not found")

// ErrContention is returned when a per-user transaction kept losing races
// and gave up retrying.
var ErrContention = errors.New("storage: transaction aborted after repeated contention")

// Store represents the root storage interface.
type Store interface {
	Close() error
	Sessions() SessionStore
	Settings() SettingsStore
	Profiles() ProfileStore
}

// SessionStore is the durable record of work sessions and their breaks.
type SessionStore interface {
	// Atomic runs fn as one atomic unit with respect to every other Atomic
	// call for the same user. Writes staged through tx are committed only
	// when fn returns nil. fn may be invoked more than once when the backend
	// retries after contention, so it must not have side effects outside tx.
	Atomic(ctx context.Context, userID string, fn func(tx UserTx) error) error

	GetSession(ctx context.Context, id string) (*WorkSession, error)

	// UpdateNotes replaces the notes of a session without touching its
	// interval. Last write wins.
	UpdateNotes(ctx context.Context, id, notes string, at time.Time) (*WorkSession, error)

	ListOpenSessions(ctx context.Context) ([]WorkSession, error)

	// ListUserSessions returns the user's sessions matching q, ordered by
	// start time ascending.
	ListUserSessions(ctx context.Context, userID string, q SessionQuery) ([]WorkSession, error)
}

// UserTx is the view of one user's state inside SessionStore.Atomic.
type UserTx interface {
	// OpenSession returns the user's open session, or nil when idle.
	OpenSession() (*WorkSession, error)
	// Put stages a session write. The session must belong to the tx user.
	Put(session WorkSession)
}

// SettingsStore manages deployment settings and per-user overrides.
type SettingsStore interface {
	Get(ctx context.Context) (*Settings, error)
	Put(ctx context.Context, settings Settings) error
	GetOverride(ctx context.Context, userID string) (*SettingsOverride, error)
	PutOverride(ctx context.Context, userID string, override SettingsOverride) error
}

// ProfileStore caches user identity fields used for search.
type ProfileStore interface {
	Upsert(ctx context.Context, profile UserProfile) error
	GetMany(ctx context.Context, ids []string) (map[string]UserProfile, error)
}
