package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/goodtune/ktime/internal/config"
	"github.com/goodtune/ktime/internal/storage"
	"github.com/goodtune/ktime/internal/storage/storagetest"
)

func setupTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)

	// miniredis.Addr() returns "host:port", so Port stays zero
	cfg := config.RedisConfig{
		Host:         mr.Addr(),
		Port:         0,
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  "5s",
		ReadTimeout:  "3s",
		WriteTimeout: "3s",
	}

	store, err := Open(cfg)
	if err != nil {
		t.Fatalf("Failed to open Redis store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	return store, mr
}

func TestStore(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store {
		store, _ := setupTestStore(t)
		return store
	})
}

func TestOpen_InvalidTimeout(t *testing.T) {
	_, err := Open(config.RedisConfig{Host: "localhost", DialTimeout: "soon", ReadTimeout: "1s", WriteTimeout: "1s"})
	if err == nil {
		t.Fatal("Expected error for invalid dial timeout")
	}
}

func TestAtomic_KeyLayout(t *testing.T) {
	store, mr := setupTestStore(t)
	ctx := context.Background()
	start := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

	err := store.Sessions().Atomic(ctx, "u1", func(tx storage.UserTx) error {
		tx.Put(storage.WorkSession{ID: "s1", UserID: "u1", StartedAt: start, CreatedAt: start, UpdatedAt: start})
		return nil
	})
	if err != nil {
		t.Fatalf("Atomic failed: %v", err)
	}

	if got, _ := mr.Get("ktime:user:u1:open"); got != "s1" {
		t.Errorf("Expected open pointer s1, got %q", got)
	}
	if ok, _ := mr.SIsMember("ktime:sessions:open", "s1"); !ok {
		t.Error("Expected s1 in open set")
	}
	if got, _ := mr.Get("ktime:user:u1:rev"); got != "1" {
		t.Errorf("Expected rev 1, got %q", got)
	}
	if score, err := mr.ZScore("ktime:user:u1:sessions", "s1"); err != nil || score != float64(start.UnixMilli()) {
		t.Errorf("Expected start score %d, got %v (%v)", start.UnixMilli(), score, err)
	}

	end := start.Add(time.Hour)
	err = store.Sessions().Atomic(ctx, "u1", func(tx storage.UserTx) error {
		current, err := tx.OpenSession()
		if err != nil {
			return err
		}
		current.EndedAt = &end
		tx.Put(*current)
		return nil
	})
	if err != nil {
		t.Fatalf("Atomic failed: %v", err)
	}

	if mr.Exists("ktime:user:u1:open") {
		t.Error("Expected open pointer to be removed")
	}
	if ok, _ := mr.SIsMember("ktime:sessions:open", "s1"); ok {
		t.Error("Expected s1 removed from open set")
	}
	if got, _ := mr.Get("ktime:user:u1:rev"); got != "2" {
		t.Errorf("Expected rev 2, got %q", got)
	}
	if got := mr.HGet("ktime:session:s1", "ended_at"); got == "" {
		t.Error("Expected ended_at to be stored")
	}
}

func TestAtomic_ErrorDiscardsWrites(t *testing.T) {
	store, mr := setupTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := store.Sessions().Atomic(ctx, "u1", func(tx storage.UserTx) error {
		tx.Put(storage.WorkSession{ID: "s1", UserID: "u1", StartedAt: time.Now()})
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Expected boom, got %v", err)
	}

	if mr.Exists("ktime:session:s1") {
		t.Error("Expected no session to be written")
	}
}

func TestAtomic_RetriesAfterConcurrentNotes(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()
	start := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

	err := store.Sessions().Atomic(ctx, "u1", func(tx storage.UserTx) error {
		tx.Put(storage.WorkSession{ID: "s1", UserID: "u1", StartedAt: start, CreatedAt: start, UpdatedAt: start})
		return nil
	})
	if err != nil {
		t.Fatalf("Atomic failed: %v", err)
	}

	// Notes land between the transaction's read and its commit; the commit
	// must retry and carry them forward.
	attempts := 0
	end := start.Add(time.Hour)
	err = store.Sessions().Atomic(ctx, "u1", func(tx storage.UserTx) error {
		attempts++
		current, err := tx.OpenSession()
		if err != nil {
			return err
		}
		if attempts == 1 {
			if _, err := store.Sessions().UpdateNotes(ctx, "s1", "from elsewhere", start.Add(time.Minute)); err != nil {
				return err
			}
		}
		current.EndedAt = &end
		tx.Put(*current)
		return nil
	})
	if err != nil {
		t.Fatalf("Atomic failed: %v", err)
	}

	if attempts != 2 {
		t.Errorf("Expected 2 attempts, got %d", attempts)
	}

	got, err := store.Sessions().GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got.Notes != "from elsewhere" {
		t.Errorf("Expected notes to survive, got %q", got.Notes)
	}
	if got.IsOpen() {
		t.Error("Expected session to be closed")
	}
}

func TestAtomic_ContentionLimit(t *testing.T) {
	store, _ := setupTestStore(t)
	store.sessionStore.maxRetries = 2
	ctx := context.Background()

	err := store.Sessions().Atomic(ctx, "u1", func(tx storage.UserTx) error {
		if _, err := tx.OpenSession(); err != nil {
			return err
		}
		// Bump the watched key on every attempt
		if err := store.client.Incr(ctx, userRevKey("u1")).Err(); err != nil {
			return err
		}
		tx.Put(storage.WorkSession{ID: "s1", UserID: "u1", StartedAt: time.Now()})
		return nil
	})
	if !errors.Is(err, storage.ErrContention) {
		t.Fatalf("Expected ErrContention, got %v", err)
	}
}
