// Package storagetest holds behaviour tests shared by every storage backend.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goodtune/ktime/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBusy = errors.New("already open")

var base = time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)

func ptr(t time.Time) *time.Time { return &t }

func newSession(id, userID string, start time.Time) storage.WorkSession {
	return storage.WorkSession{
		ID:        id,
		UserID:    userID,
		StartedAt: start,
		Client:    storage.ClientContext{IP: "10.0.0.1", UserAgent: "test"},
		CreatedAt: start,
		UpdatedAt: start,
	}
}

// open starts a session for the user unless one is already open.
func open(ctx context.Context, store storage.Store, session storage.WorkSession) error {
	return store.Sessions().Atomic(ctx, session.UserID, func(tx storage.UserTx) error {
		current, err := tx.OpenSession()
		if err != nil {
			return err
		}
		if current != nil {
			return errBusy
		}
		tx.Put(session)
		return nil
	})
}

func closeOpen(ctx context.Context, store storage.Store, userID string, at time.Time) error {
	return store.Sessions().Atomic(ctx, userID, func(tx storage.UserTx) error {
		current, err := tx.OpenSession()
		if err != nil {
			return err
		}
		if current == nil {
			return storage.ErrNotFound
		}
		current.EndedAt = ptr(at)
		current.UpdatedAt = at
		tx.Put(*current)
		return nil
	})
}

// Run exercises a storage backend. newStore must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) storage.Store) {
	t.Run("OpenAndClose", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)

		require.NoError(t, open(ctx, store, newSession("s1", "u1", base)))

		err := open(ctx, store, newSession("s2", "u1", base.Add(time.Minute)))
		assert.ErrorIs(t, err, errBusy)

		openSessions, err := store.Sessions().ListOpenSessions(ctx)
		require.NoError(t, err)
		require.Len(t, openSessions, 1)
		assert.Equal(t, "s1", openSessions[0].ID)

		require.NoError(t, closeOpen(ctx, store, "u1", base.Add(time.Hour)))

		got, err := store.Sessions().GetSession(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, storage.StatusClosed, got.Status())
		assert.True(t, got.EndedAt.Equal(base.Add(time.Hour)))
		assert.Equal(t, "10.0.0.1", got.Client.IP)

		openSessions, err = store.Sessions().ListOpenSessions(ctx)
		require.NoError(t, err)
		assert.Empty(t, openSessions)

		// The user is idle again
		require.NoError(t, open(ctx, store, newSession("s2", "u1", base.Add(2*time.Hour))))
	})

	t.Run("GetSessionNotFound", func(t *testing.T) {
		store := newStore(t)
		_, err := store.Sessions().GetSession(context.Background(), "missing")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("BreaksPersistWithSession", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)

		session := newSession("s1", "u1", base)
		session.Breaks = []storage.BreakInterval{
			{ID: "b1", SessionID: "s1", StartedAt: base.Add(time.Hour), EndedAt: ptr(base.Add(75 * time.Minute))},
			{ID: "b2", SessionID: "s1", StartedAt: base.Add(2 * time.Hour)},
		}
		require.NoError(t, open(ctx, store, session))

		got, err := store.Sessions().GetSession(ctx, "s1")
		require.NoError(t, err)
		require.Len(t, got.Breaks, 2)
		assert.False(t, got.Breaks[0].IsOpen())
		require.NotNil(t, got.OpenBreak())
		assert.Equal(t, "b2", got.OpenBreak().ID)
	})

	t.Run("UpdateNotesKeepsInterval", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)

		require.NoError(t, open(ctx, store, newSession("s1", "u1", base)))
		require.NoError(t, closeOpen(ctx, store, "u1", base.Add(time.Hour)))

		updated, err := store.Sessions().UpdateNotes(ctx, "s1", "standup", base.Add(2*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, "standup", updated.Notes)
		assert.True(t, updated.StartedAt.Equal(base))
		assert.True(t, updated.EndedAt.Equal(base.Add(time.Hour)))
		assert.Equal(t, storage.StatusClosed, updated.Status())

		_, err = store.Sessions().UpdateNotes(ctx, "missing", "x", base)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("ListUserSessionsQueries", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)

		// Three closed sessions on consecutive days, then one open
		for i := 0; i < 3; i++ {
			start := base.AddDate(0, 0, i)
			require.NoError(t, open(ctx, store, newSession(fmt.Sprintf("s%d", i), "u1", start)))
			require.NoError(t, closeOpen(ctx, store, "u1", start.Add(8*time.Hour)))
		}
		require.NoError(t, open(ctx, store, newSession("s3", "u1", base.AddDate(0, 0, 3))))
		require.NoError(t, open(ctx, store, newSession("other", "u2", base)))

		all, err := store.Sessions().ListUserSessions(ctx, "u1", storage.SessionQuery{})
		require.NoError(t, err)
		require.Len(t, all, 4)
		for i := 1; i < len(all); i++ {
			assert.True(t, all[i-1].StartedAt.Before(all[i].StartedAt), "sessions must be ordered by start")
		}

		window, err := store.Sessions().ListUserSessions(ctx, "u1", storage.SessionQuery{
			StartedFrom:   base.AddDate(0, 0, 1),
			StartedBefore: base.AddDate(0, 0, 3),
		})
		require.NoError(t, err)
		require.Len(t, window, 2)
		assert.Equal(t, "s1", window[0].ID)
		assert.Equal(t, "s2", window[1].ID)

		// Sessions still running at or ending after day two noon
		active, err := store.Sessions().ListUserSessions(ctx, "u1", storage.SessionQuery{
			ActiveAfter: base.AddDate(0, 0, 2).Add(3 * time.Hour),
		})
		require.NoError(t, err)
		require.Len(t, active, 2)
		assert.Equal(t, "s2", active[0].ID)
		assert.Equal(t, "s3", active[1].ID)
	})

	t.Run("ConcurrentOpenSingleWinner", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)

		const workers = 8
		var wg sync.WaitGroup
		var wins, busy int32

		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				err := open(ctx, store, newSession(fmt.Sprintf("s%d", i), "u1", base))
				switch {
				case err == nil:
					atomic.AddInt32(&wins, 1)
				case errors.Is(err, errBusy):
					atomic.AddInt32(&busy, 1)
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}(i)
		}
		wg.Wait()

		assert.Equal(t, int32(1), wins)
		assert.Equal(t, int32(workers-1), busy)

		openSessions, err := store.Sessions().ListOpenSessions(ctx)
		require.NoError(t, err)
		assert.Len(t, openSessions, 1)
	})

	t.Run("Settings", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)

		_, err := store.Settings().Get(ctx)
		assert.ErrorIs(t, err, storage.ErrNotFound)

		want := storage.Settings{TimeZone: "Europe/Paris", RoundingMinutes: 15, MaxBreakMinutes: 30, EnforceMaxBreak: true}
		require.NoError(t, store.Settings().Put(ctx, want))

		got, err := store.Settings().Get(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, *got)

		_, err = store.Settings().GetOverride(ctx, "u1")
		assert.ErrorIs(t, err, storage.ErrNotFound)

		rounding := 5
		require.NoError(t, store.Settings().PutOverride(ctx, "u1", storage.SettingsOverride{RoundingMinutes: &rounding}))

		override, err := store.Settings().GetOverride(ctx, "u1")
		require.NoError(t, err)
		require.NotNil(t, override.RoundingMinutes)
		assert.Equal(t, 5, *override.RoundingMinutes)
		assert.Nil(t, override.TimeZone)
		assert.Equal(t, 5, got.Apply(override).RoundingMinutes)
		assert.Equal(t, "Europe/Paris", got.Apply(override).TimeZone)

		require.NoError(t, store.Settings().PutOverride(ctx, "u1", storage.SettingsOverride{}))
		_, err = store.Settings().GetOverride(ctx, "u1")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("Profiles", func(t *testing.T) {
		ctx := context.Background()
		store := newStore(t)

		require.NoError(t, store.Profiles().Upsert(ctx, storage.UserProfile{ID: "u1", Username: "ada", Name: "Ada L", Email: "ada@example.com"}))
		require.NoError(t, store.Profiles().Upsert(ctx, storage.UserProfile{ID: "u1", Username: "ada", Name: "Ada Lovelace", Email: "ada@example.com"}))

		profiles, err := store.Profiles().GetMany(ctx, []string{"u1", "u2"})
		require.NoError(t, err)
		require.Len(t, profiles, 1)
		assert.Equal(t, "Ada Lovelace", profiles["u1"].Name)
	})
}
