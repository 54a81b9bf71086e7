package timesheet

import (
	"context"
	"testing"
	"time"

	"github.com/goodtune/ktime/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReportGenerator_Rectangular(t *testing.T) {
	f := newFixture(t, storage.Settings{})
	ctx := context.Background()

	f.work(t, "u1", 8*time.Hour)
	f.clock.Set(testStart.AddDate(0, 0, 1))
	f.work(t, "u1", 6*time.Hour)
	f.clock.Set(testStart.AddDate(0, 0, 7))

	d1, d2 := date(t, "2024-03-04"), date(t, "2024-03-06")
	report, err := f.reports.Generate(ctx, []string{"u1", "u2", "u1"}, d1, d2)
	require.NoError(t, err)

	assert.Equal(t, []string{"u1", "u2"}, report.UserIDs)
	require.Len(t, report.Days, 2)

	for _, id := range report.UserIDs {
		days := report.Days[id]
		require.Len(t, days, 3, "user %s", id)
		for i, day := range days {
			assert.Equal(t, d1.AddDays(i), day.Date)
			assert.Equal(t, id, day.UserID)
		}
	}

	for _, day := range report.Days["u2"] {
		assert.Zero(t, day.WorkedSeconds)
		assert.Zero(t, day.SessionCount)
	}

	assert.Equal(t, int64(14*3600), report.Totals["u1"].WorkedSeconds)
	assert.Equal(t, 2, report.Totals["u1"].SessionCount)
	assert.Equal(t, Totals{}, report.Totals["u2"])
}

func TestReportGenerator_Validation(t *testing.T) {
	f := newFixture(t, storage.Settings{})
	ctx := context.Background()
	d := date(t, "2024-03-04")

	tests := []struct {
		name  string
		users []string
		start Date
		end   Date
	}{
		{"no users", nil, d, d},
		{"only blank users", []string{""}, d, d},
		{"end before start", []string{"u1"}, d, d.AddDays(-1)},
		{"span too long", []string{"u1"}, d, d.AddDays(DefaultMaxReportDays)},
		{"missing dates", []string{"u1"}, Date{}, d},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.reports.Generate(ctx, tt.users, tt.start, tt.end)
			assert.Equal(t, KindValidation, KindOf(err))
		})
	}

	// The longest allowed span succeeds
	_, err := f.reports.Generate(ctx, []string{"u1"}, d, d.AddDays(DefaultMaxReportDays-1))
	assert.NoError(t, err)
}

func TestReportGenerator_StorageFailure(t *testing.T) {
	f := newFixture(t, storage.Settings{})
	f.aggregator.store = failingStore{}

	_, err := f.reports.Generate(context.Background(), []string{"u1", "u2"}, date(t, "2024-03-04"), date(t, "2024-03-04"))
	assert.Equal(t, KindStorage, KindOf(err))
}
