package timesheet

import (
	"context"
	"testing"
	"time"

	"github.com/goodtune/ktime/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func date(t *testing.T, s string) Date {
	t.Helper()
	d, err := ParseDate(s)
	require.NoError(t, err)
	return d
}

func TestAggregator_CrossMidnight(t *testing.T) {
	f := newFixture(t, storage.Settings{})
	ctx := context.Background()

	f.clock.Set(time.Date(2024, 3, 4, 23, 30, 0, 0, time.UTC))
	f.work(t, "u1", time.Hour)
	f.clock.Set(time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC))

	days, err := f.aggregator.SummarizeRange(ctx, "u1", date(t, "2024-03-04"), date(t, "2024-03-05"))
	require.NoError(t, err)
	require.Len(t, days, 2)

	assert.Equal(t, int64(30*60), days[0].WorkedSeconds)
	assert.Equal(t, int64(30*60), days[1].WorkedSeconds)
	assert.Equal(t, 1, days[0].SessionCount)
	assert.Equal(t, 1, days[1].SessionCount)
	assert.Equal(t, int64(60*60), days[0].WorkedSeconds+days[1].WorkedSeconds, "session counted exactly once")
}

func TestAggregator_BreakSubtracted(t *testing.T) {
	f := newFixture(t, storage.Settings{})
	ctx := context.Background()

	_, err := f.manager.StartSession(ctx, "u1", storage.ClientContext{})
	require.NoError(t, err)
	f.clock.Advance(time.Hour)
	_, err = f.manager.StartBreak(ctx, "u1")
	require.NoError(t, err)
	f.clock.Advance(15 * time.Minute)
	_, err = f.manager.EndBreak(ctx, "u1")
	require.NoError(t, err)
	f.clock.Advance(45 * time.Minute)
	_, err = f.manager.EndSession(ctx, "u1")
	require.NoError(t, err)

	day, err := f.aggregator.SummarizeDay(ctx, "u1", DateOf(testStart, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, int64((time.Hour+45*time.Minute)/time.Second), day.WorkedSeconds)
	assert.Equal(t, int64((15*time.Minute)/time.Second), day.BreakSeconds)
	assert.False(t, day.Anomaly)
}

func TestAggregator_OpenSessionCountsToNow(t *testing.T) {
	f := newFixture(t, storage.Settings{})
	ctx := context.Background()

	_, err := f.manager.StartSession(ctx, "u1", storage.ClientContext{})
	require.NoError(t, err)
	f.clock.Advance(2 * time.Hour)
	_, err = f.manager.StartBreak(ctx, "u1")
	require.NoError(t, err)
	f.clock.Advance(10 * time.Minute)

	day, err := f.aggregator.SummarizeDay(ctx, "u1", DateOf(testStart, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, int64(2*60*60), day.WorkedSeconds)
	assert.Equal(t, int64(10*60), day.BreakSeconds)

	// Today is not cached, so time keeps accruing
	f.clock.Advance(20 * time.Minute)
	day, err = f.aggregator.SummarizeDay(ctx, "u1", DateOf(testStart, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, int64(30*60), day.BreakSeconds)
}

func TestAggregator_ZeroFilledRange(t *testing.T) {
	f := newFixture(t, storage.Settings{})
	ctx := context.Background()

	f.work(t, "u1", 8*time.Hour)
	f.clock.Set(testStart.AddDate(0, 0, 2))
	f.work(t, "u1", 4*time.Hour)

	days, err := f.aggregator.SummarizeRange(ctx, "u1", date(t, "2024-03-03"), date(t, "2024-03-07"))
	require.NoError(t, err)
	require.Len(t, days, 5)

	want := []int64{0, 8 * 3600, 0, 4 * 3600, 0}
	for i, day := range days {
		assert.Equal(t, "u1", day.UserID)
		assert.Equal(t, date(t, "2024-03-03").AddDays(i), day.Date)
		assert.Equal(t, want[i], day.WorkedSeconds, "day %s", day.Date)
	}

	_, err = f.aggregator.SummarizeRange(ctx, "u1", date(t, "2024-03-07"), date(t, "2024-03-03"))
	assert.Equal(t, KindValidation, KindOf(err))
}

func TestAggregator_RangeMatchesDays(t *testing.T) {
	f := newFixture(t, storage.Settings{})
	ctx := context.Background()

	// A mix of overnight and daytime sessions with breaks
	f.clock.Set(time.Date(2024, 3, 4, 21, 0, 0, 0, time.UTC))
	_, err := f.manager.StartSession(ctx, "u1", storage.ClientContext{})
	require.NoError(t, err)
	f.clock.Advance(2*time.Hour + 30*time.Minute)
	_, err = f.manager.StartBreak(ctx, "u1")
	require.NoError(t, err)
	f.clock.Advance(time.Hour)
	_, err = f.manager.EndBreak(ctx, "u1")
	require.NoError(t, err)
	f.clock.Advance(3 * time.Hour)
	_, err = f.manager.EndSession(ctx, "u1")
	require.NoError(t, err)

	f.clock.Set(time.Date(2024, 3, 6, 9, 0, 0, 0, time.UTC))
	f.work(t, "u1", 7*time.Hour)
	f.clock.Set(time.Date(2024, 3, 8, 12, 0, 0, 0, time.UTC))

	from, to := date(t, "2024-03-04"), date(t, "2024-03-07")

	// A fresh aggregator so nothing is served from cache
	fresh, err := NewAggregator(f.store.Sessions(), f.settings, f.clock, 8, f.aggregator.logger)
	require.NoError(t, err)

	days, err := fresh.SummarizeRange(ctx, "u1", from, to)
	require.NoError(t, err)

	var rangeTotal, dayTotal int64
	for i, day := range days {
		single, err := f.aggregator.SummarizeDay(ctx, "u1", from.AddDays(i))
		require.NoError(t, err)
		assert.Equal(t, single, day)
		rangeTotal += day.WorkedSeconds
		dayTotal += single.WorkedSeconds
	}
	assert.Equal(t, rangeTotal, dayTotal)
	assert.Equal(t, int64((5*time.Hour+30*time.Minute+7*time.Hour)/time.Second), rangeTotal)
}

func TestAggregator_TimeZone(t *testing.T) {
	tokyo := mustLoad(t, "Asia/Tokyo")
	f := newFixture(t, storage.Settings{TimeZone: tokyo.String()})
	ctx := context.Background()

	// 14:00-16:00 UTC is 23:00-01:00 in Tokyo
	f.clock.Set(time.Date(2024, 3, 4, 14, 0, 0, 0, time.UTC))
	f.work(t, "u1", 2*time.Hour)
	f.clock.Set(time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC))

	days, err := f.aggregator.SummarizeRange(ctx, "u1", date(t, "2024-03-04"), date(t, "2024-03-05"))
	require.NoError(t, err)
	assert.Equal(t, int64(3600), days[0].WorkedSeconds)
	assert.Equal(t, int64(3600), days[1].WorkedSeconds)
}

func TestAggregator_AnomalyClamped(t *testing.T) {
	f := newFixture(t, storage.Settings{})
	ctx := context.Background()

	// Overlapping breaks cover more than the session itself
	start := testStart
	end := start.Add(time.Hour)
	breakEnd := start.Add(50 * time.Minute)
	err := f.store.Sessions().Atomic(ctx, "u1", func(tx storage.UserTx) error {
		tx.Put(storage.WorkSession{
			ID:        "s1",
			UserID:    "u1",
			StartedAt: start,
			EndedAt:   &end,
			Breaks: []storage.BreakInterval{
				{ID: "b1", SessionID: "s1", StartedAt: start, EndedAt: &breakEnd},
				{ID: "b2", SessionID: "s1", StartedAt: start.Add(10 * time.Minute), EndedAt: &end},
			},
		})
		return nil
	})
	require.NoError(t, err)
	f.clock.Set(testStart.AddDate(0, 0, 2))

	day, err := f.aggregator.SummarizeDay(ctx, "u1", DateOf(testStart, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, int64(0), day.WorkedSeconds)
	assert.True(t, day.Anomaly)
}

func TestAggregator_FinalizedDaysCached(t *testing.T) {
	f := newFixture(t, storage.Settings{})
	ctx := context.Background()

	f.work(t, "u1", time.Hour)
	f.clock.Set(testStart.AddDate(0, 0, 1))

	d := DateOf(testStart, time.UTC)
	first, err := f.aggregator.SummarizeDay(ctx, "u1", d)
	require.NoError(t, err)
	assert.Equal(t, 1, f.aggregator.cache.Len())

	// A failing store proves the second call never reaches storage
	f.aggregator.store = failingStore{}
	second, err := f.aggregator.SummarizeDay(ctx, "u1", d)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// Today is never cached
	_, err = f.aggregator.SummarizeDay(ctx, "u1", d.AddDays(1))
	assert.Equal(t, KindStorage, KindOf(err))
}

func TestAggregator_CappedBreakAcrossMidnightNotCached(t *testing.T) {
	f := newFixture(t, storage.Settings{MaxBreakMinutes: 60, EnforceMaxBreak: true})
	ctx := context.Background()
	d := DateOf(testStart, time.UTC)

	f.clock.Set(time.Date(2024, 3, 4, 20, 0, 0, 0, time.UTC))
	_, err := f.manager.StartSession(ctx, "u1", storage.ClientContext{})
	require.NoError(t, err)
	f.clock.Set(time.Date(2024, 3, 4, 22, 0, 0, 0, time.UTC))
	_, err = f.manager.StartBreak(ctx, "u1")
	require.NoError(t, err)

	// The break is still open when the past day is summarized
	f.clock.Set(time.Date(2024, 3, 5, 1, 0, 0, 0, time.UTC))
	before, err := f.aggregator.SummarizeDay(ctx, "u1", d)
	require.NoError(t, err)
	assert.Equal(t, int64(2*60*60), before.WorkedSeconds)
	assert.Equal(t, int64(2*60*60), before.BreakSeconds)
	assert.Equal(t, 0, f.aggregator.cache.Len())

	// Closing caps the break at 23:00, back inside the summarized day
	ended, err := f.manager.EndBreak(ctx, "u1")
	require.NoError(t, err)
	require.True(t, ended.Capped)

	after, err := f.aggregator.SummarizeDay(ctx, "u1", d)
	require.NoError(t, err)
	assert.Equal(t, int64(3*60*60), after.WorkedSeconds)
	assert.Equal(t, int64(60*60), after.BreakSeconds)

	_, err = f.manager.EndSession(ctx, "u1")
	require.NoError(t, err)
	_, err = f.aggregator.SummarizeDay(ctx, "u1", d)
	require.NoError(t, err)
	assert.Equal(t, 1, f.aggregator.cache.Len(), "settled day is cached")
}

func TestAggregator_SubSecondSessionsSumExactly(t *testing.T) {
	f := newFixture(t, storage.Settings{})
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		f.work(t, "u1", 1500*time.Millisecond)
		f.clock.Advance(time.Minute)
	}
	f.clock.Set(testStart.AddDate(0, 0, 1))

	day, err := f.aggregator.SummarizeDay(ctx, "u1", DateOf(testStart, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, int64(6), day.WorkedSeconds)
	assert.Equal(t, 4, day.SessionCount)
}

func TestDailySummary_Rounded(t *testing.T) {
	day := DailySummary{WorkedSeconds: 7*60 + 29, BreakSeconds: 8 * 60}

	tests := []struct {
		name       string
		step       time.Duration
		wantWorked int64
		wantBreak  int64
	}{
		{"none", 0, 7*60 + 29, 8 * 60},
		{"five minutes", 5 * time.Minute, 5 * 60, 10 * 60},
		{"fifteen minutes", 15 * time.Minute, 0, 15 * 60},
		{"one minute", time.Minute, 7 * 60, 8 * 60},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := day.Rounded(tt.step)
			assert.Equal(t, tt.wantWorked, got.WorkedSeconds)
			assert.Equal(t, tt.wantBreak, got.BreakSeconds)
		})
	}
}
