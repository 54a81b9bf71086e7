package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/goodtune/ktime/internal/timesheet"
	"github.com/rs/zerolog"
)

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

var kindStatus = map[timesheet.Kind]int{
	timesheet.KindConflict:      http.StatusConflict,
	timesheet.KindNotFound:      http.StatusNotFound,
	timesheet.KindValidation:    http.StatusBadRequest,
	timesheet.KindAuthorization: http.StatusForbidden,
	timesheet.KindStorage:       http.StatusInternalServerError,
}

// StatusOf maps a tracking error kind to its HTTP status.
func StatusOf(kind timesheet.Kind) int {
	if status, ok := kindStatus[kind]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// respondError writes err as an ErrorResponse. Storage failures are logged
// and replaced by a generic message.
func respondError(ctx *gin.Context, logger zerolog.Logger, err error) {
	kind := timesheet.KindOf(err)
	status := StatusOf(kind)

	message := err.Error()
	var te *timesheet.Error
	if errors.As(err, &te) {
		message = te.Message
	}

	if status == http.StatusInternalServerError {
		logger.Error().Err(err).
			Str("method", ctx.Request.Method).
			Str("path", ctx.FullPath()).
			Msg("Request failed")
		message = "Internal server error"
	}

	ctx.AbortWithStatusJSON(status, ErrorResponse{
		Error:   string(kind),
		Message: message,
		Code:    status,
	})
}

func badRequest(ctx *gin.Context, format string, args ...any) {
	respondError(ctx, zerolog.Nop(), timesheet.Validationf(format, args...))
}

func forbidden(ctx *gin.Context, format string, args ...any) {
	respondError(ctx, zerolog.Nop(), timesheet.Forbiddenf(format, args...))
}
