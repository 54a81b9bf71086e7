package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/goodtune/ktime/internal/authz"
	"github.com/goodtune/ktime/internal/storage"
)

// SettingsResponse carries settings together with the user they apply to.
// UserID is empty for the deployment settings.
type SettingsResponse struct {
	UserID   string           `json:"user_id,omitempty"`
	Settings storage.Settings `json:"settings"`
}

// UpdateSettingsRequest changes the deployment settings, or one user's
// override when UserID is set. Omitted fields keep their current value.
type UpdateSettingsRequest struct {
	UserID string `json:"user_id"`
	storage.SettingsOverride
}

// GetSettings returns the settings in effect for the caller, or for the
// user named by ?userId= when permitted.
func (v *Views) GetSettings(ctx *gin.Context) {
	subject, ok := v.subject(ctx)
	if !ok {
		return
	}

	target := strings.TrimSpace(ctx.Query("userId"))
	if target == "" {
		target = subject.ID
	}
	if !v.authorize(ctx, authz.ActionSettingsRead, subject, target) {
		return
	}

	settings, err := v.settings.Effective(ctx.Request.Context(), target)
	if err != nil {
		respondError(ctx, v.logger, err)
		return
	}

	ctx.JSON(http.StatusOK, SettingsResponse{UserID: target, Settings: settings})
}

// UpdateSettings changes deployment settings or a per-user override.
// Requires elevation.
func (v *Views) UpdateSettings(ctx *gin.Context) {
	subject, ok := v.subject(ctx)
	if !ok {
		return
	}

	var req UpdateSettingsRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		badRequest(ctx, "invalid request body: %v", err)
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)

	if !v.authorize(ctx, authz.ActionSettingsUpdate, subject, req.UserID) {
		return
	}

	rctx := ctx.Request.Context()

	if req.UserID != "" {
		settings, err := v.settings.UpdateUser(rctx, req.UserID, req.SettingsOverride)
		if err != nil {
			respondError(ctx, v.logger, err)
			return
		}
		v.logger.Info().Str("user_id", req.UserID).Str("by", subject.ID).Msg("User settings override updated")
		ctx.JSON(http.StatusOK, SettingsResponse{UserID: req.UserID, Settings: settings})
		return
	}

	current, err := v.settings.Global(rctx)
	if err != nil {
		respondError(ctx, v.logger, err)
		return
	}
	settings, err := v.settings.UpdateGlobal(rctx, current.Apply(&req.SettingsOverride))
	if err != nil {
		respondError(ctx, v.logger, err)
		return
	}

	v.logger.Info().Str("by", subject.ID).Msg("Deployment settings updated")
	ctx.JSON(http.StatusOK, SettingsResponse{Settings: settings})
}
