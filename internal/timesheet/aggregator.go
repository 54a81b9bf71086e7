package timesheet

import (
	"context"
	"time"

	"github.com/goodtune/ktime/internal/clock"
	"github.com/goodtune/ktime/internal/metrics"
	"github.com/goodtune/ktime/internal/storage"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
)

// DefaultSummaryCacheSize bounds the finalized-day cache.
const DefaultSummaryCacheSize = 4096

// DailySummary is one user's totals for one calendar date.
type DailySummary struct {
	UserID        string `json:"user_id"`
	Date          Date   `json:"date"`
	WorkedSeconds int64  `json:"worked_seconds"`
	BreakSeconds  int64  `json:"break_seconds"`
	SessionCount  int    `json:"session_count"`
	Anomaly       bool   `json:"anomaly"`
}

// Rounded returns the summary with worked and break time rounded to the
// nearest multiple of granularity, halves rounding up. Zero leaves it as is.
func (d DailySummary) Rounded(granularity time.Duration) DailySummary {
	step := int64(granularity / time.Second)
	if step <= 0 {
		return d
	}
	d.WorkedSeconds = roundSeconds(d.WorkedSeconds, step)
	d.BreakSeconds = roundSeconds(d.BreakSeconds, step)
	return d
}

func roundSeconds(v, step int64) int64 {
	return (v + step/2) / step * step
}

type summaryKey struct {
	userID string
	date   Date
	zone   string
}

// Aggregator derives per-day totals from raw sessions.
type Aggregator struct {
	store    storage.SessionStore
	settings *SettingsService
	clock    clock.Clock
	cache    *lru.Cache[summaryKey, DailySummary]
	logger   zerolog.Logger
}

// NewAggregator creates an aggregator caching up to cacheSize finalized days
func NewAggregator(store storage.SessionStore, settings *SettingsService, clk clock.Clock, cacheSize int, logger zerolog.Logger) (*Aggregator, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultSummaryCacheSize
	}
	if clk == nil {
		clk = clock.RealClock{}
	}

	cache, err := lru.New[summaryKey, DailySummary](cacheSize)
	if err != nil {
		return nil, err
	}

	return &Aggregator{
		store:    store,
		settings: settings,
		clock:    clk,
		cache:    cache,
		logger:   logger.With().Str("component", "aggregator").Logger(),
	}, nil
}

// SummarizeDay returns the user's totals for one date.
func (a *Aggregator) SummarizeDay(ctx context.Context, userID string, date Date) (DailySummary, error) {
	days, err := a.SummarizeRange(ctx, userID, date, date)
	if err != nil {
		return DailySummary{}, err
	}
	return days[0], nil
}

// SummarizeRange returns one summary per date from `from` through `to`
// inclusive, with zero rows for days without activity.
func (a *Aggregator) SummarizeRange(ctx context.Context, userID string, from, to Date) ([]DailySummary, error) {
	if to.Before(from) {
		return nil, Validationf("end date %s is before start date %s", to, from)
	}

	loc, _, err := a.settings.Location(ctx, userID)
	if err != nil {
		return nil, err
	}

	return a.summarize(ctx, userID, from, to, loc)
}

func (a *Aggregator) summarize(ctx context.Context, userID string, from, to Date, loc *time.Location) ([]DailySummary, error) {
	now := a.clock.Now()
	zone := loc.String()

	days := make([]DailySummary, from.DaysUntil(to))
	fresh := make([]bool, len(days))
	var missFrom, missTo Date
	misses := 0

	for i := range days {
		date := from.AddDays(i)
		if !date.End(loc).After(now) {
			if cached, ok := a.cache.Get(summaryKey{userID, date, zone}); ok {
				metrics.SummaryCacheHits.Inc()
				days[i] = cached
				continue
			}
			metrics.SummaryCacheMisses.Inc()
		}

		days[i] = DailySummary{UserID: userID, Date: date}
		fresh[i] = true
		if misses == 0 {
			missFrom = date
		}
		missTo = date
		misses++
	}

	if misses == 0 {
		return days, nil
	}

	windowStart := missFrom.Start(loc)
	windowEnd := missTo.End(loc)

	sessions, err := a.store.ListUserSessions(ctx, userID, storage.SessionQuery{
		StartedBefore: windowEnd,
		ActiveAfter:   windowStart,
	})
	if err != nil {
		a.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to load sessions for aggregation")
		return nil, storageError("list user sessions", err)
	}

	// Only days that missed the cache are recomputed
	index := make(map[Date]int, misses)
	for i := range days {
		if fresh[i] {
			index[days[i].Date] = i
		}
	}

	tallies := make(map[Date]*dayTally, misses)
	for _, session := range sessions {
		accumulate(tallies, index, session, loc, now)
	}

	for date, i := range index {
		tally := tallies[date]
		if tally == nil {
			// No activity; the zero row is final once the day is over
			tally = &dayTally{}
		}
		days[i].WorkedSeconds = int64(tally.worked / time.Second)
		days[i].BreakSeconds = int64(tally.onBreak / time.Second)
		days[i].SessionCount = tally.sessions
		days[i].Anomaly = tally.anomaly

		if days[i].Anomaly {
			metrics.AggregationAnomalies.Inc()
			a.logger.Warn().
				Str("user_id", userID).
				Str("date", date.String()).
				Msg("Worked time went negative and was clamped to zero")
		}

		// A still-running session or break can be closed back into a past
		// day (a capped break), so only settled days are cached
		if !date.End(loc).After(now) && !tally.live {
			a.cache.Add(summaryKey{userID, date, zone}, days[i])
		}
	}

	return days, nil
}

// dayTally collects exact durations for one date. Seconds are derived
// once, after every fragment has been added.
type dayTally struct {
	worked   time.Duration
	onBreak  time.Duration
	sessions int
	anomaly  bool
	live     bool // an open session or break touches the day
}

// accumulate adds one session's fragments to the indexed days it touches.
func accumulate(tallies map[Date]*dayTally, index map[Date]int, session storage.WorkSession, loc *time.Location, now time.Time) {
	live := session.IsOpen() || session.OpenBreak() != nil

	end := now
	if session.EndedAt != nil {
		end = *session.EndedAt
	}

	for _, frag := range SplitByDay(session.StartedAt, end, loc) {
		if _, ok := index[frag.Date]; !ok {
			continue
		}
		tally := tallies[frag.Date]
		if tally == nil {
			tally = &dayTally{}
			tallies[frag.Date] = tally
		}

		var onBreak time.Duration
		for _, b := range session.Breaks {
			bEnd := now
			if b.EndedAt != nil {
				bEnd = *b.EndedAt
			}
			onBreak += clip(b.StartedAt, bEnd, frag.Start, frag.End)
		}

		worked := frag.Duration() - onBreak
		if worked < 0 {
			worked = 0
			tally.anomaly = true
		}

		tally.worked += worked
		tally.onBreak += onBreak
		tally.sessions++
		tally.live = tally.live || live
	}
}
