// Package memory is an in-process storage backend. It keeps the same
// per-user atomicity guarantees as the Redis backend and doubles as the
// fake used by service tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/goodtune/ktime/internal/storage"
)

// Store implements storage.Store in memory
type Store struct {
	mu        sync.RWMutex
	sessions  map[string]storage.WorkSession
	byUser    map[string][]string
	open      map[string]string // userID -> sessionID
	settings  *storage.Settings
	overrides map[string]storage.SettingsOverride
	profiles  map[string]storage.UserProfile

	userLocks sync.Map // userID -> *sync.Mutex
}

// New creates an empty in-memory store
func New() *Store {
	return &Store{
		sessions:  make(map[string]storage.WorkSession),
		byUser:    make(map[string][]string),
		open:      make(map[string]string),
		overrides: make(map[string]storage.SettingsOverride),
		profiles:  make(map[string]storage.UserProfile),
	}
}

func (s *Store) Close() error { return nil }

func (s *Store) Sessions() storage.SessionStore { return (*sessionStore)(s) }

func (s *Store) Settings() storage.SettingsStore { return (*settingsStore)(s) }

func (s *Store) Profiles() storage.ProfileStore { return (*profileStore)(s) }

func (s *Store) userLock(userID string) *sync.Mutex {
	lock, _ := s.userLocks.LoadOrStore(userID, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

type sessionStore Store

// Atomic serializes fn with every other Atomic call for the same user.
func (s *sessionStore) Atomic(ctx context.Context, userID string, fn func(tx storage.UserTx) error) error {
	lock := (*Store)(s).userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &userTx{store: s, userID: userID}
	if err := fn(tx); err != nil {
		return err
	}
	if tx.err != nil {
		return tx.err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, session := range tx.writes {
		if _, exists := s.sessions[session.ID]; !exists {
			s.byUser[userID] = append(s.byUser[userID], session.ID)
		}
		s.sessions[session.ID] = session

		if session.IsOpen() {
			s.open[userID] = session.ID
		} else if s.open[userID] == session.ID {
			delete(s.open, userID)
		}
	}

	return nil
}

func (s *sessionStore) GetSession(ctx context.Context, id string) (*storage.WorkSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil, storage.ErrNotFound
	}

	clone := session.Clone()
	return &clone, nil
}

// UpdateNotes takes the owner's lock so a concurrent transition cannot
// write back stale notes.
func (s *sessionStore) UpdateNotes(ctx context.Context, id, notes string, at time.Time) (*storage.WorkSession, error) {
	s.mu.RLock()
	current, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return nil, storage.ErrNotFound
	}

	lock := (*Store)(s).userLock(current.UserID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	session := s.sessions[id]

	session.Notes = notes
	session.UpdatedAt = at
	s.sessions[id] = session

	clone := session.Clone()
	return &clone, nil
}

func (s *sessionStore) ListOpenSessions(ctx context.Context) ([]storage.WorkSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sessions := make([]storage.WorkSession, 0, len(s.open))
	for _, id := range s.open {
		sessions = append(sessions, s.sessions[id].Clone())
	}

	sortByStart(sessions)
	return sessions, nil
}

func (s *sessionStore) ListUserSessions(ctx context.Context, userID string, q storage.SessionQuery) ([]storage.WorkSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sessions := make([]storage.WorkSession, 0)
	for _, id := range s.byUser[userID] {
		session := s.sessions[id]
		if q.Matches(session) {
			sessions = append(sessions, session.Clone())
		}
	}

	sortByStart(sessions)
	return sessions, nil
}

func sortByStart(sessions []storage.WorkSession) {
	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].StartedAt.Before(sessions[j].StartedAt)
	})
}

type userTx struct {
	store  *sessionStore
	userID string
	writes []storage.WorkSession
	err    error
}

func (t *userTx) OpenSession() (*storage.WorkSession, error) {
	if n := len(t.writes); n > 0 {
		// The last staged write decides; a staged close leaves the user idle
		if last := t.writes[n-1]; last.IsOpen() {
			clone := last.Clone()
			return &clone, nil
		}
		return nil, nil
	}

	t.store.mu.RLock()
	defer t.store.mu.RUnlock()

	id, ok := t.store.open[t.userID]
	if !ok {
		return nil, nil
	}

	clone := t.store.sessions[id].Clone()
	return &clone, nil
}

func (t *userTx) Put(session storage.WorkSession) {
	if session.UserID != t.userID {
		t.err = fmt.Errorf("session %s belongs to %s, not %s", session.ID, session.UserID, t.userID)
		return
	}
	t.writes = append(t.writes, session.Clone())
}

type settingsStore Store

func (s *settingsStore) Get(ctx context.Context) (*storage.Settings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.settings == nil {
		return nil, storage.ErrNotFound
	}

	settings := *s.settings
	return &settings, nil
}

func (s *settingsStore) Put(ctx context.Context, settings storage.Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.settings = &settings
	return nil
}

func (s *settingsStore) GetOverride(ctx context.Context, userID string) (*storage.SettingsOverride, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	override, ok := s.overrides[userID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &override, nil
}

func (s *settingsStore) PutOverride(ctx context.Context, userID string, override storage.SettingsOverride) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if override.IsEmpty() {
		delete(s.overrides, userID)
		return nil
	}
	s.overrides[userID] = override
	return nil
}

type profileStore Store

func (s *profileStore) Upsert(ctx context.Context, profile storage.UserProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.profiles[profile.ID] = profile
	return nil
}

func (s *profileStore) GetMany(ctx context.Context, ids []string) (map[string]storage.UserProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	profiles := make(map[string]storage.UserProfile, len(ids))
	for _, id := range ids {
		if profile, ok := s.profiles[id]; ok {
			profiles[id] = profile
		}
	}
	return profiles, nil
}
