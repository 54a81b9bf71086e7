package timesheet

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goodtune/ktime/internal/clock"
	"github.com/goodtune/ktime/internal/identity"
	"github.com/goodtune/ktime/internal/storage"
	"github.com/goodtune/ktime/internal/storage/memory"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// monday 2024-03-04 09:00 UTC
var testStart = time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (s *recordingSink) Publish(_ context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return s.err
}

func (s *recordingSink) types() []EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]EventType, len(s.events))
	for i, e := range s.events {
		out[i] = e.Type
	}
	return out
}

// permissionAuthorizer allows anyone carrying the named permission.
type permissionAuthorizer struct {
	permission string
	err        error
}

func (a permissionAuthorizer) Allow(_ context.Context, _ string, subject identity.Subject, ownerID string) (bool, error) {
	if a.err != nil {
		return false, a.err
	}
	return subject.ID == ownerID || subject.HasPermission(a.permission), nil
}

type fixture struct {
	store      *memory.Store
	clock      *clock.TestClock
	sink       *recordingSink
	settings   *SettingsService
	manager    *Manager
	aggregator *Aggregator
	registry   *Registry
	reports    *ReportGenerator
}

func newFixture(t *testing.T, defaults storage.Settings) *fixture {
	t.Helper()

	store := memory.New()
	clk := clock.NewTestClock(testStart)
	sink := &recordingSink{}
	logger := zerolog.Nop()

	settings := NewSettingsService(store.Settings(), defaults)
	manager := NewManager(store.Sessions(), settings, permissionAuthorizer{permission: "manage"}, sink, clk, logger)

	aggregator, err := NewAggregator(store.Sessions(), settings, clk, 64, logger)
	require.NoError(t, err)

	return &fixture{
		store:      store,
		clock:      clk,
		sink:       sink,
		settings:   settings,
		manager:    manager,
		aggregator: aggregator,
		registry:   NewRegistry(store.Sessions(), store.Profiles(), clk, 0, logger),
		reports:    NewReportGenerator(aggregator, 0),
	}
}

// work runs a full session for userID from the current clock time,
// advancing the clock by d.
func (f *fixture) work(t *testing.T, userID string, d time.Duration) *storage.WorkSession {
	t.Helper()
	ctx := context.Background()

	_, err := f.manager.StartSession(ctx, userID, storage.ClientContext{})
	require.NoError(t, err)
	f.clock.Advance(d)
	ended, err := f.manager.EndSession(ctx, userID)
	require.NoError(t, err)
	return ended
}

// failingStore wraps a session store and fails every call.
type failingStore struct {
	storage.SessionStore
}

var errBackend = errors.New("backend down")

func (failingStore) Atomic(context.Context, string, func(storage.UserTx) error) error {
	return errBackend
}

func (failingStore) ListUserSessions(context.Context, string, storage.SessionQuery) ([]storage.WorkSession, error) {
	return nil, errBackend
}

func (failingStore) ListOpenSessions(context.Context) ([]storage.WorkSession, error) {
	return nil, errBackend
}
