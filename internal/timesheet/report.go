package timesheet

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// DefaultMaxReportDays bounds the span of a single report.
const DefaultMaxReportDays = 92

// reportConcurrency bounds the users summarized in parallel.
const reportConcurrency = 8

// Totals sums a user's daily summaries.
type Totals struct {
	WorkedSeconds int64 `json:"worked_seconds"`
	BreakSeconds  int64 `json:"break_seconds"`
	SessionCount  int   `json:"session_count"`
	AnomalyDays   int   `json:"anomaly_days"`
}

// Add folds one day into the totals.
func (t *Totals) Add(d DailySummary) {
	t.WorkedSeconds += d.WorkedSeconds
	t.BreakSeconds += d.BreakSeconds
	t.SessionCount += d.SessionCount
	if d.Anomaly {
		t.AnomalyDays++
	}
}

// Report holds one row per user per date. Every user has every date.
type Report struct {
	StartDate Date                      `json:"start_date"`
	EndDate   Date                      `json:"end_date"`
	UserIDs   []string                  `json:"user_ids"`
	Days      map[string][]DailySummary `json:"days"`
	Totals    map[string]Totals         `json:"totals"`
}

// ReportGenerator composes daily summaries across users.
type ReportGenerator struct {
	aggregator *Aggregator
	maxDays    int
}

// NewReportGenerator creates a generator limited to maxDays per report
func NewReportGenerator(aggregator *Aggregator, maxDays int) *ReportGenerator {
	if maxDays <= 0 {
		maxDays = DefaultMaxReportDays
	}
	return &ReportGenerator{aggregator: aggregator, maxDays: maxDays}
}

// Generate summarizes every listed user over [start, end]. Duplicate ids
// are collapsed and the first-seen order is kept.
func (g *ReportGenerator) Generate(ctx context.Context, userIDs []string, start, end Date) (*Report, error) {
	ids := dedupe(userIDs)
	if len(ids) == 0 {
		return nil, Validationf("at least one user id is required")
	}
	if start.IsZero() || end.IsZero() {
		return nil, Validationf("start and end dates are required")
	}
	if end.Before(start) {
		return nil, Validationf("end date %s is before start date %s", end, start)
	}
	if span := start.DaysUntil(end); span > g.maxDays {
		return nil, Validationf("report spans %d days, the maximum is %d", span, g.maxDays)
	}

	rows := make([][]DailySummary, len(ids))

	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(reportConcurrency)
	for i, id := range ids {
		group.Go(func() error {
			days, err := g.aggregator.SummarizeRange(gctx, id, start, end)
			if err != nil {
				return err
			}
			rows[i] = days
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	report := &Report{
		StartDate: start,
		EndDate:   end,
		UserIDs:   ids,
		Days:      make(map[string][]DailySummary, len(ids)),
		Totals:    make(map[string]Totals, len(ids)),
	}
	for i, id := range ids {
		var totals Totals
		for _, day := range rows[i] {
			totals.Add(day)
		}
		report.Days[id] = rows[i]
		report.Totals[id] = totals
	}

	return report, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
