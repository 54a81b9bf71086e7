package timesheet

import (
	"context"
	"testing"
	"time"

	"github.com/goodtune/ktime/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_ListActive(t *testing.T) {
	f := newFixture(t, storage.Settings{})
	ctx := context.Background()

	profiles := []storage.UserProfile{
		{ID: "u1", Username: "ada", Name: "Ada Lovelace", Email: "ada@example.com"},
		{ID: "u2", Username: "grace", Name: "Grace Hopper", Email: "grace@navy.example"},
		{ID: "u3", Username: "alan", Name: "Alan Turing", Email: "alan@example.com"},
	}
	for _, p := range profiles {
		require.NoError(t, f.store.Profiles().Upsert(ctx, p))
	}

	for _, id := range []string{"u2", "u1", "u3"} {
		_, err := f.manager.StartSession(ctx, id, storage.ClientContext{})
		require.NoError(t, err)
		f.clock.Advance(time.Hour)
	}
	_, err := f.manager.StartBreak(ctx, "u1")
	require.NoError(t, err)

	// u4 worked earlier and is no longer active
	f.work(t, "u4", time.Minute)

	all, err := f.registry.ListActive(ctx, ActiveFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "u2", all[0].Session.UserID, "oldest first")
	assert.Equal(t, "Grace Hopper", all[0].User.Name)
	assert.Equal(t, int64(3*3600+60), all[0].ElapsedSeconds)
	assert.Equal(t, StateOnBreak, all[1].State)
	assert.Equal(t, StateWorking, all[2].State)

	tests := []struct {
		name   string
		filter ActiveFilter
		want   []string
	}{
		{"search by name, case insensitive", ActiveFilter{Search: "HOPPER"}, []string{"u2"}},
		{"search by email domain", ActiveFilter{Search: "example.com"}, []string{"u1", "u3"}},
		{"search by id", ActiveFilter{Search: "u3"}, []string{"u3"}},
		{"no match", ActiveFilter{Search: "nobody"}, []string{}},
		{"from is inclusive", ActiveFilter{From: testStart.Add(time.Hour)}, []string{"u1", "u3"}},
		{"to is exclusive", ActiveFilter{To: testStart.Add(time.Hour)}, []string{"u2"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := f.registry.ListActive(ctx, tt.filter)
			require.NoError(t, err)

			ids := make([]string, 0, len(got))
			for _, a := range got {
				ids = append(ids, a.Session.UserID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}

	_, err = f.registry.ListActive(ctx, ActiveFilter{From: testStart, To: testStart.Add(-time.Hour)})
	assert.Equal(t, KindValidation, KindOf(err))
}

func TestRegistry_ListActiveWithoutProfile(t *testing.T) {
	f := newFixture(t, storage.Settings{})
	ctx := context.Background()

	_, err := f.manager.StartSession(ctx, "ghost", storage.ClientContext{})
	require.NoError(t, err)

	got, err := f.registry.ListActive(ctx, ActiveFilter{Search: "gho"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "ghost", got[0].User.ID)
}

func TestRegistry_ListUserSessions(t *testing.T) {
	f := newFixture(t, storage.Settings{})
	ctx := context.Background()

	// 25 closed sessions, one per day, then one open
	for i := 0; i < 25; i++ {
		f.clock.Set(testStart.AddDate(0, 0, i))
		f.work(t, "u1", time.Hour)
	}
	f.clock.Set(testStart.AddDate(0, 0, 25))
	_, err := f.manager.StartSession(ctx, "u1", storage.ClientContext{})
	require.NoError(t, err)

	page, err := f.registry.ListUserSessions(ctx, "u1", PageRequest{}, HistoryFilter{})
	require.NoError(t, err)
	assert.Equal(t, 26, page.Total)
	assert.Equal(t, 1, page.Page)
	assert.Equal(t, DefaultLimit, page.Limit)
	assert.Equal(t, 3, page.Pages)
	require.Len(t, page.Items, 10)
	assert.Equal(t, storage.StatusOpen, page.Items[0].Status(), "newest first")
	for i := 1; i < len(page.Items); i++ {
		assert.True(t, page.Items[i-1].StartedAt.After(page.Items[i].StartedAt))
	}

	last, err := f.registry.ListUserSessions(ctx, "u1", PageRequest{Page: 3, Limit: 10}, HistoryFilter{})
	require.NoError(t, err)
	assert.Len(t, last.Items, 6)

	beyond, err := f.registry.ListUserSessions(ctx, "u1", PageRequest{Page: 9, Limit: 10}, HistoryFilter{})
	require.NoError(t, err)
	assert.Empty(t, beyond.Items)
	assert.Equal(t, 26, beyond.Total)

	capped, err := f.registry.ListUserSessions(ctx, "u1", PageRequest{Limit: 1000}, HistoryFilter{})
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxLimit, capped.Limit)
	assert.Len(t, capped.Items, 26)

	closed, err := f.registry.ListUserSessions(ctx, "u1", PageRequest{Limit: 100}, HistoryFilter{Status: storage.StatusClosed})
	require.NoError(t, err)
	assert.Equal(t, 25, closed.Total)

	open, err := f.registry.ListUserSessions(ctx, "u1", PageRequest{}, HistoryFilter{Status: storage.StatusOpen})
	require.NoError(t, err)
	assert.Equal(t, 1, open.Total)

	window, err := f.registry.ListUserSessions(ctx, "u1", PageRequest{}, HistoryFilter{
		From: testStart.AddDate(0, 0, 5),
		To:   testStart.AddDate(0, 0, 8),
	})
	require.NoError(t, err)
	assert.Equal(t, 3, window.Total)

	empty, err := f.registry.ListUserSessions(ctx, "nobody", PageRequest{}, HistoryFilter{})
	require.NoError(t, err)
	assert.Equal(t, 0, empty.Total)
	assert.Equal(t, 0, empty.Pages)
	assert.NotNil(t, empty.Items)
}
