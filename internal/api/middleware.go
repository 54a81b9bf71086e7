package api

import (
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goodtune/ktime/internal/identity"
	"github.com/goodtune/ktime/internal/metrics"
	"github.com/rs/zerolog"
)

// Headers read when bearer tokens are disabled and an upstream gateway has
// already authenticated the caller.
const (
	HeaderUserID      = "X-User-Id"
	HeaderUsername    = "X-User-Name"
	HeaderEmail       = "X-User-Email"
	HeaderRoles       = "X-User-Roles"
	HeaderPermissions = "X-User-Permissions"
)

// AuthMiddleware verifies the bearer token and stores the caller identity
// in the request context.
func AuthMiddleware(tokens *TokenService) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		authHeader := ctx.GetHeader("Authorization")
		if authHeader == "" {
			abortUnauthorized(ctx, "Missing authentication token")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			abortUnauthorized(ctx, "Invalid authorization header")
			return
		}

		claims, err := tokens.Verify(parts[1])
		if err != nil {
			abortUnauthorized(ctx, "Invalid or expired token")
			return
		}

		setSubject(ctx, claims.Identity())
		ctx.Next()
	}
}

// TrustedHeaderMiddleware reads the caller identity from gateway headers.
func TrustedHeaderMiddleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		userID := strings.TrimSpace(ctx.GetHeader(HeaderUserID))
		if userID == "" {
			abortUnauthorized(ctx, "Missing "+HeaderUserID+" header")
			return
		}

		setSubject(ctx, identity.Subject{
			ID:          userID,
			Username:    ctx.GetHeader(HeaderUsername),
			Email:       ctx.GetHeader(HeaderEmail),
			Roles:       splitList(ctx.GetHeader(HeaderRoles)),
			Permissions: splitList(ctx.GetHeader(HeaderPermissions)),
		})
		ctx.Next()
	}
}

func setSubject(ctx *gin.Context, subject identity.Subject) {
	ctx.Request = ctx.Request.WithContext(identity.WithSubject(ctx.Request.Context(), subject))
	ctx.Set("user_id", subject.ID)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func abortUnauthorized(ctx *gin.Context, message string) {
	ctx.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{
		Error:   "unauthorized",
		Message: message,
		Code:    http.StatusUnauthorized,
	})
}

// ProfileMiddleware records the caller's identity fields for search.
func ProfileMiddleware(profiles *ProfileSync) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		if subject, ok := identity.FromContext(ctx.Request.Context()); ok {
			profiles.Observe(ctx.Request.Context(), subject.Profile())
		}
		ctx.Next()
	}
}

// LoggingMiddleware logs each request after it is handled.
func LoggingMiddleware(logger zerolog.Logger) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		start := time.Now()
		ctx.Next()

		status := ctx.Writer.Status()
		event := logger.Info()
		if status >= http.StatusInternalServerError {
			event = logger.Error()
		}

		event.
			Str("method", ctx.Request.Method).
			Str("path", ctx.Request.URL.Path).
			Str("remote_addr", ctx.ClientIP()).
			Str("user_id", ctx.GetString("user_id")).
			Int("status", status).
			Int("size", ctx.Writer.Size()).
			Dur("duration", time.Since(start)).
			Msg("API request")
	}
}

// MetricsMiddleware records request counts and latency per route.
func MetricsMiddleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		start := time.Now()
		ctx.Next()

		route := ctx.FullPath()
		if route == "" {
			route = "unmatched"
		}
		method := ctx.Request.Method

		metrics.RequestsTotal.WithLabelValues(route, method, strconv.Itoa(ctx.Writer.Status())).Inc()
		metrics.RequestDuration.WithLabelValues(route, method).Observe(time.Since(start).Seconds())
	}
}

// CORSMiddleware creates Gin middleware for CORS support.
func CORSMiddleware(allowedOrigins []string) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		origin := ctx.GetHeader("Origin")

		if origin != "" && (slices.Contains(allowedOrigins, "*") || slices.Contains(allowedOrigins, origin)) {
			ctx.Writer.Header().Set("Access-Control-Allow-Origin", origin)
			ctx.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
			ctx.Writer.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			ctx.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
			ctx.Writer.Header().Add("Vary", "Origin")
		}

		if ctx.Request.Method == http.MethodOptions {
			ctx.AbortWithStatus(http.StatusNoContent)
			return
		}

		ctx.Next()
	}
}
