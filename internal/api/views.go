package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goodtune/ktime/internal/clock"
	"github.com/goodtune/ktime/internal/identity"
	"github.com/goodtune/ktime/internal/timesheet"
	"github.com/rs/zerolog"
)

// Views holds the time tracking handlers.
type Views struct {
	manager    *timesheet.Manager
	registry   *timesheet.Registry
	aggregator *timesheet.Aggregator
	reports    *timesheet.ReportGenerator
	settings   *timesheet.SettingsService
	authorizer timesheet.Authorizer
	clock      clock.Clock
	logger     zerolog.Logger
}

// NewViews creates the handler set from the server dependencies.
func NewViews(deps *Deps) *Views {
	clk := deps.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Views{
		manager:    deps.Manager,
		registry:   deps.Registry,
		aggregator: deps.Aggregator,
		reports:    deps.Reports,
		settings:   deps.Settings,
		authorizer: deps.Authorizer,
		clock:      clk,
		logger:     deps.Logger.With().Str("handler", "time_tracking").Logger(),
	}
}

// subject returns the authenticated caller. The auth middleware guarantees
// one is present on every protected route.
func (v *Views) subject(ctx *gin.Context) (identity.Subject, bool) {
	subject, ok := identity.FromContext(ctx.Request.Context())
	if !ok || subject.ID == "" {
		abortUnauthorized(ctx, "Missing caller identity")
		return identity.Subject{}, false
	}
	return subject, true
}

// authorize asks the policy whether subject may perform action on ownerID's
// data and writes the error response when not.
func (v *Views) authorize(ctx *gin.Context, action string, subject identity.Subject, ownerID string) bool {
	if v.authorizer == nil {
		if ownerID != "" && ownerID == subject.ID {
			return true
		}
		forbidden(ctx, "not permitted to perform %s", action)
		return false
	}

	allowed, err := v.authorizer.Allow(ctx.Request.Context(), action, subject, ownerID)
	if err != nil {
		respondError(ctx, v.logger, err)
		return false
	}
	if !allowed {
		v.logger.Info().
			Str("action", action).
			Str("subject", subject.ID).
			Str("owner", ownerID).
			Msg("Request denied by policy")
		forbidden(ctx, "not permitted to perform %s", action)
		return false
	}
	return true
}

// location returns the caller's effective time zone for parsing dates.
func (v *Views) location(ctx *gin.Context, userID string) (*time.Location, bool) {
	loc, _, err := v.settings.Location(ctx.Request.Context(), userID)
	if err != nil {
		respondError(ctx, v.logger, err)
		return nil, false
	}
	return loc, true
}
