package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/goodtune/ktime/internal/config"
	"github.com/goodtune/ktime/internal/storage"
	"github.com/goodtune/ktime/internal/storage/storagetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testStart = time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)

func openMemory(t *testing.T) *Store {
	t.Helper()

	store, err := Open(config.SQLiteConfig{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func openFile(t *testing.T, cfg config.SQLiteConfig) *Store {
	t.Helper()

	cfg.Path = filepath.Join(t.TempDir(), "ktime.db")
	store, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func openSession(id, userID string) storage.WorkSession {
	return storage.WorkSession{ID: id, UserID: userID, StartedAt: testStart, CreatedAt: testStart, UpdatedAt: testStart}
}

func put(ctx context.Context, store *Store, session storage.WorkSession) error {
	return store.Sessions().Atomic(ctx, session.UserID, func(tx storage.UserTx) error {
		tx.Put(session)
		return nil
	})
}

func TestStore(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store {
		return openMemory(t)
	})
}

func TestStore_File(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store {
		return openFile(t, config.SQLiteConfig{})
	})
}

func TestOpen_EmptyPath(t *testing.T) {
	_, err := Open(config.SQLiteConfig{})
	assert.Error(t, err)
}

func TestOpen_ReopenKeepsDataAndVersion(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "ktime.db")

	store, err := Open(config.SQLiteConfig{Path: path})
	require.NoError(t, err)
	require.NoError(t, put(ctx, store, openSession("s1", "u1")))
	require.NoError(t, store.Close())

	store, err = Open(config.SQLiteConfig{Path: path})
	require.NoError(t, err)
	defer store.Close()

	var version int
	require.NoError(t, store.write.QueryRow("SELECT MAX(version) FROM migrations").Scan(&version))
	assert.Equal(t, len(migrations), version)

	got, err := store.Sessions().GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, got.StartedAt.Equal(testStart))
	assert.True(t, got.IsOpen())
}

func TestAtomic_RollsBackOnError(t *testing.T) {
	ctx := context.Background()
	store := openMemory(t)

	err := store.Sessions().Atomic(ctx, "u1", func(tx storage.UserTx) error {
		tx.Put(openSession("s1", "u2"))
		return nil
	})
	require.Error(t, err)

	_, err = store.Sessions().GetSession(ctx, "s1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestAtomic_UsersDoNotWaitOnEachOther(t *testing.T) {
	ctx := context.Background()
	store := openFile(t, config.SQLiteConfig{})

	entered := make(chan struct{})
	release := make(chan struct{})
	var once, releaseOnce sync.Once
	t.Cleanup(func() { releaseOnce.Do(func() { close(release) }) })

	aliceDone := make(chan error, 1)
	go func() {
		aliceDone <- store.Sessions().Atomic(ctx, "alice", func(tx storage.UserTx) error {
			if _, err := tx.OpenSession(); err != nil {
				return err
			}
			once.Do(func() { close(entered) })
			<-release
			tx.Put(openSession("a1", "alice"))
			return nil
		})
	}()
	<-entered

	bobDone := make(chan error, 1)
	go func() {
		err := put(ctx, store, openSession("b1", "bob"))
		if err == nil {
			_, err = store.Sessions().ListOpenSessions(ctx)
		}
		bobDone <- err
	}()

	select {
	case err := <-bobDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("bob's transaction waited on alice's")
	}

	releaseOnce.Do(func() { close(release) })
	require.NoError(t, <-aliceDone)

	open, err := store.Sessions().ListOpenSessions(ctx)
	require.NoError(t, err)
	assert.Len(t, open, 2)
}

func TestAtomic_RetriesAfterSameUserCommit(t *testing.T) {
	ctx := context.Background()
	store := openMemory(t)
	errBusy := errors.New("already open")

	attempts := 0
	err := store.Sessions().Atomic(ctx, "u1", func(tx storage.UserTx) error {
		attempts++
		current, err := tx.OpenSession()
		if err != nil {
			return err
		}
		if current != nil {
			return errBusy
		}
		if attempts == 1 {
			// Another request for the same user commits first
			require.NoError(t, put(ctx, store, openSession("s-other", "u1")))
		}
		tx.Put(openSession("s1", "u1"))
		return nil
	})

	assert.ErrorIs(t, err, errBusy)
	assert.Equal(t, 2, attempts)

	_, err = store.Sessions().GetSession(ctx, "s1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestAtomic_ContentionAfterRetries(t *testing.T) {
	ctx := context.Background()
	store := openFile(t, config.SQLiteConfig{MaxTxRetries: 1})

	err := store.Sessions().Atomic(ctx, "u1", func(tx storage.UserTx) error {
		require.NoError(t, put(ctx, store, openSession("s-other", "u1")))
		tx.Put(openSession("s1", "u1"))
		return nil
	})
	assert.ErrorIs(t, err, storage.ErrContention)
}

func TestUpdateNotes_InvalidatesPendingTransition(t *testing.T) {
	ctx := context.Background()
	store := openMemory(t)
	require.NoError(t, put(ctx, store, openSession("s1", "u1")))

	attempts := 0
	err := store.Sessions().Atomic(ctx, "u1", func(tx storage.UserTx) error {
		attempts++
		current, err := tx.OpenSession()
		if err != nil {
			return err
		}
		if attempts == 1 {
			_, err := store.Sessions().UpdateNotes(ctx, "s1", "standup", testStart.Add(time.Minute))
			require.NoError(t, err)
		}
		end := testStart.Add(time.Hour)
		current.EndedAt = &end
		tx.Put(*current)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)

	got, err := store.Sessions().GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "standup", got.Notes)
	assert.False(t, got.IsOpen())
}

func TestOpenSessionIndex(t *testing.T) {
	ctx := context.Background()
	store := openMemory(t)

	require.NoError(t, put(ctx, store, openSession("s1", "u1")))
	// Bypassing OpenSession still cannot produce a second open session
	assert.Error(t, put(ctx, store, openSession("s2", "u1")))
}

func TestBreaksReplacedOnRewrite(t *testing.T) {
	ctx := context.Background()
	store := openMemory(t)
	end := testStart.Add(20 * time.Minute)

	session := openSession("s1", "u1")
	session.Breaks = []storage.BreakInterval{{ID: "b1", SessionID: "s1", StartedAt: testStart.Add(time.Minute)}}
	require.NoError(t, put(ctx, store, session))

	session.Breaks[0].EndedAt = &end
	session.Breaks[0].ExceededMax = true
	session.Breaks[0].Capped = true
	session.Breaks = append(session.Breaks, storage.BreakInterval{ID: "b2", SessionID: "s1", StartedAt: end.Add(time.Minute)})
	require.NoError(t, put(ctx, store, session))

	got, err := store.Sessions().GetSession(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, got.Breaks, 2)
	assert.Equal(t, "b1", got.Breaks[0].ID)
	assert.True(t, got.Breaks[0].ExceededMax)
	assert.True(t, got.Breaks[0].Capped)
	assert.True(t, got.Breaks[0].EndedAt.Equal(end))
	assert.Equal(t, "b2", got.OpenBreak().ID)
}

func TestSettingsOverride_AllFields(t *testing.T) {
	ctx := context.Background()
	store := openMemory(t)

	zone, rounding, maxBreak, enforce := "Asia/Tokyo", 10, 45, false
	require.NoError(t, store.Settings().PutOverride(ctx, "u1", storage.SettingsOverride{
		TimeZone:        &zone,
		RoundingMinutes: &rounding,
		MaxBreakMinutes: &maxBreak,
		EnforceMaxBreak: &enforce,
	}))

	got, err := store.Settings().GetOverride(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, got.EnforceMaxBreak)
	assert.Equal(t, "Asia/Tokyo", *got.TimeZone)
	assert.Equal(t, 10, *got.RoundingMinutes)
	assert.Equal(t, 45, *got.MaxBreakMinutes)
	assert.False(t, *got.EnforceMaxBreak)
}
