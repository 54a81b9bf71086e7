package api

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goodtune/ktime/internal/storage"
	"github.com/goodtune/ktime/internal/timesheet"
)

// parseInstant reads a window bound given as an RFC 3339 timestamp or a
// date. Dates are resolved in loc. An upper bound is made inclusive: a
// timestamp is moved one nanosecond forward and a date covers the whole
// day.
func parseInstant(raw string, upper bool, loc *time.Location) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}

	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		if upper {
			t = t.Add(time.Nanosecond)
		}
		return t, nil
	}

	d, err := timesheet.ParseDate(raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q is neither an RFC 3339 timestamp nor a YYYY-MM-DD date", raw)
	}
	if upper {
		return d.End(loc), nil
	}
	return d.Start(loc), nil
}

// parseWindow reads the from/to query parameters.
func parseWindow(ctx *gin.Context, loc *time.Location) (time.Time, time.Time, error) {
	from, err := parseInstant(ctx.Query("from"), false, loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid 'from': %w", err)
	}
	to, err := parseInstant(ctx.Query("to"), true, loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid 'to': %w", err)
	}
	return from, to, nil
}

// parseOptionalInt reads a positive integer query parameter. Missing means
// zero.
func parseOptionalInt(ctx *gin.Context, name string) (int, error) {
	raw := strings.TrimSpace(ctx.Query(name))
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 1 {
		return 0, fmt.Errorf("'%s' must be a positive integer", name)
	}
	return v, nil
}

// parseHistory reads paging, window and status parameters for a session
// history request.
func parseHistory(ctx *gin.Context, loc *time.Location) (timesheet.PageRequest, timesheet.HistoryFilter, error) {
	var (
		req    timesheet.PageRequest
		filter timesheet.HistoryFilter
		err    error
	)

	if req.Page, err = parseOptionalInt(ctx, "page"); err != nil {
		return req, filter, err
	}
	if req.Limit, err = parseOptionalInt(ctx, "limit"); err != nil {
		return req, filter, err
	}
	if filter.From, filter.To, err = parseWindow(ctx, loc); err != nil {
		return req, filter, err
	}
	if raw := ctx.Query("status"); raw != "" {
		if filter.Status, err = storage.ParseSessionStatus(raw); err != nil {
			return req, filter, err
		}
	}

	return req, filter, nil
}
