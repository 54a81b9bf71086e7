package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/goodtune/ktime/internal/authz"
	"github.com/goodtune/ktime/internal/storage"
	"github.com/goodtune/ktime/internal/timesheet"
)

// CurrentSessionResponse describes the caller's lifecycle state.
type CurrentSessionResponse struct {
	State   timesheet.State      `json:"state"`
	Session *storage.WorkSession `json:"session"`
}

// UpdateNotesRequest is the body of a notes update.
type UpdateNotesRequest struct {
	Notes *string `json:"notes"`
}

// StartSession opens a work session for the caller.
func (v *Views) StartSession(ctx *gin.Context) {
	subject, ok := v.subject(ctx)
	if !ok {
		return
	}

	session, err := v.manager.StartSession(ctx.Request.Context(), subject.ID, storage.ClientContext{
		IP:        ctx.ClientIP(),
		UserAgent: ctx.Request.UserAgent(),
	})
	if err != nil {
		respondError(ctx, v.logger, err)
		return
	}

	ctx.JSON(http.StatusCreated, session)
}

// EndSession closes the caller's open session.
func (v *Views) EndSession(ctx *gin.Context) {
	subject, ok := v.subject(ctx)
	if !ok {
		return
	}

	session, err := v.manager.EndSession(ctx.Request.Context(), subject.ID)
	if err != nil {
		respondError(ctx, v.logger, err)
		return
	}

	ctx.JSON(http.StatusOK, session)
}

// CurrentSession returns the caller's state and open session, if any.
func (v *Views) CurrentSession(ctx *gin.Context) {
	subject, ok := v.subject(ctx)
	if !ok {
		return
	}

	state, session, err := v.manager.State(ctx.Request.Context(), subject.ID)
	if err != nil {
		respondError(ctx, v.logger, err)
		return
	}

	ctx.JSON(http.StatusOK, CurrentSessionResponse{State: state, Session: session})
}

// ListActive returns every open session. Requires elevation.
func (v *Views) ListActive(ctx *gin.Context) {
	subject, ok := v.subject(ctx)
	if !ok {
		return
	}
	if !v.authorize(ctx, authz.ActionSessionsListAll, subject, "") {
		return
	}

	loc, ok := v.location(ctx, subject.ID)
	if !ok {
		return
	}
	from, to, err := parseWindow(ctx, loc)
	if err != nil {
		badRequest(ctx, "%v", err)
		return
	}

	active, err := v.registry.ListActive(ctx.Request.Context(), timesheet.ActiveFilter{
		From:   from,
		To:     to,
		Search: strings.TrimSpace(ctx.Query("searchTerm")),
	})
	if err != nil {
		respondError(ctx, v.logger, err)
		return
	}

	ctx.JSON(http.StatusOK, gin.H{
		"sessions": active,
		"count":    len(active),
	})
}

// ListOwnSessions returns the caller's session history.
func (v *Views) ListOwnSessions(ctx *gin.Context) {
	subject, ok := v.subject(ctx)
	if !ok {
		return
	}
	v.listSessions(ctx, subject.ID, subject.ID)
}

// ListUserSessions returns another user's session history. The caller must
// be the user or hold the elevated permission.
func (v *Views) ListUserSessions(ctx *gin.Context) {
	subject, ok := v.subject(ctx)
	if !ok {
		return
	}

	target := strings.TrimSpace(ctx.Param("userId"))
	if target == "" {
		badRequest(ctx, "user id is required")
		return
	}
	if !v.authorize(ctx, authz.ActionSessionsRead, subject, target) {
		return
	}

	v.listSessions(ctx, subject.ID, target)
}

// listSessions parses dates in the caller's zone, not the target's.
func (v *Views) listSessions(ctx *gin.Context, callerID, target string) {
	loc, ok := v.location(ctx, callerID)
	if !ok {
		return
	}

	req, filter, err := parseHistory(ctx, loc)
	if err != nil {
		badRequest(ctx, "%v", err)
		return
	}

	page, err := v.registry.ListUserSessions(ctx.Request.Context(), target, req, filter)
	if err != nil {
		respondError(ctx, v.logger, err)
		return
	}

	ctx.JSON(http.StatusOK, page)
}

// UpdateNotes replaces the notes of a session.
func (v *Views) UpdateNotes(ctx *gin.Context) {
	subject, ok := v.subject(ctx)
	if !ok {
		return
	}

	var req UpdateNotesRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		badRequest(ctx, "invalid request body: %v", err)
		return
	}
	if req.Notes == nil {
		badRequest(ctx, "notes is required")
		return
	}

	session, err := v.manager.UpdateNotes(ctx.Request.Context(), ctx.Param("sessionId"), *req.Notes, subject)
	if err != nil {
		respondError(ctx, v.logger, err)
		return
	}

	ctx.JSON(http.StatusOK, session)
}

// StartBreak opens a break in the caller's session.
func (v *Views) StartBreak(ctx *gin.Context) {
	subject, ok := v.subject(ctx)
	if !ok {
		return
	}

	b, err := v.manager.StartBreak(ctx.Request.Context(), subject.ID)
	if err != nil {
		respondError(ctx, v.logger, err)
		return
	}

	ctx.JSON(http.StatusCreated, b)
}

// EndBreak closes the caller's open break.
func (v *Views) EndBreak(ctx *gin.Context) {
	subject, ok := v.subject(ctx)
	if !ok {
		return
	}

	b, err := v.manager.EndBreak(ctx.Request.Context(), subject.ID)
	if err != nil {
		respondError(ctx, v.logger, err)
		return
	}

	ctx.JSON(http.StatusOK, b)
}
