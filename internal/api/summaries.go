package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goodtune/ktime/internal/authz"
	"github.com/goodtune/ktime/internal/timesheet"
)

// MonthSummaryResponse is one user's daily summaries for a month.
type MonthSummaryResponse struct {
	UserID          string                   `json:"user_id"`
	Year            int                      `json:"year"`
	Month           int                      `json:"month"`
	RoundingMinutes int                      `json:"rounding_minutes"`
	Days            []timesheet.DailySummary `json:"days"`
	Totals          timesheet.Totals         `json:"totals"`
}

// ReportRequest is the body of a report request.
type ReportRequest struct {
	UserIDs   []string       `json:"userIds"`
	StartDate timesheet.Date `json:"startDate"`
	EndDate   timesheet.Date `json:"endDate"`
}

// DailySummaries returns a month of per-day totals, rounded to the user's
// configured granularity. Year and month default to the current month.
func (v *Views) DailySummaries(ctx *gin.Context) {
	subject, ok := v.subject(ctx)
	if !ok {
		return
	}

	target := strings.TrimSpace(ctx.Query("userId"))
	if target == "" {
		target = subject.ID
	}
	if !v.authorize(ctx, authz.ActionSummariesRead, subject, target) {
		return
	}

	rctx := ctx.Request.Context()
	loc, settings, err := v.settings.Location(rctx, target)
	if err != nil {
		respondError(ctx, v.logger, err)
		return
	}

	today := timesheet.DateOf(v.clock.Now(), loc)
	year, month := today.Year, int(today.Month)

	if raw := ctx.Query("year"); raw != "" {
		if year, err = strconv.Atoi(raw); err != nil || year < 1970 || year > 9999 {
			badRequest(ctx, "'year' must be a four digit year")
			return
		}
	}
	if raw := ctx.Query("month"); raw != "" {
		if month, err = strconv.Atoi(raw); err != nil || month < 1 || month > 12 {
			badRequest(ctx, "'month' must be between 1 and 12")
			return
		}
	}

	first, last := timesheet.MonthRange(year, time.Month(month))
	days, err := v.aggregator.SummarizeRange(rctx, target, first, last)
	if err != nil {
		respondError(ctx, v.logger, err)
		return
	}

	granularity := time.Duration(settings.RoundingMinutes) * time.Minute
	resp := MonthSummaryResponse{
		UserID:          target,
		Year:            year,
		Month:           month,
		RoundingMinutes: settings.RoundingMinutes,
		Days:            make([]timesheet.DailySummary, len(days)),
	}
	for i, day := range days {
		resp.Days[i] = day.Rounded(granularity)
		resp.Totals.Add(resp.Days[i])
	}

	ctx.JSON(http.StatusOK, resp)
}

// GenerateReport builds a multi-user report. Every listed user must be
// readable by the caller.
func (v *Views) GenerateReport(ctx *gin.Context) {
	subject, ok := v.subject(ctx)
	if !ok {
		return
	}

	var req ReportRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		badRequest(ctx, "invalid request body: %v", err)
		return
	}

	for _, id := range req.UserIDs {
		if id == "" {
			continue
		}
		if !v.authorize(ctx, authz.ActionReportGenerate, subject, id) {
			return
		}
	}

	report, err := v.reports.Generate(ctx.Request.Context(), req.UserIDs, req.StartDate, req.EndDate)
	if err != nil {
		respondError(ctx, v.logger, err)
		return
	}

	v.logger.Info().
		Str("by", subject.ID).
		Int("users", len(report.UserIDs)).
		Str("start", report.StartDate.String()).
		Str("end", report.EndDate.String()).
		Msg("Report generated")

	ctx.JSON(http.StatusOK, report)
}
