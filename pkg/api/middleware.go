package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/edgecloud/edgestore/internal/logger"
	"github.com/edgecloud/edgestore/pkg/api/auth"
	"github.com/edgecloud/edgestore/pkg/metrics"
)

type contextKey string

const claimsContextKey contextKey = "claims"

// claimsFrom retrieves the validated token claims from the request
// context. Nil before JWTAuth has run.
func claimsFrom(ctx context.Context) *auth.Claims {
	claims, ok := ctx.Value(claimsContextKey).(*auth.Claims)
	if !ok {
		return nil
	}
	return claims
}

// userID returns the authenticated user's ID, empty when unauthenticated.
func userID(ctx context.Context) string {
	if claims := claimsFrom(ctx); claims != nil {
		return claims.UserID()
	}
	return ""
}

// extractBearerToken pulls the token out of the Authorization header.
func extractBearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	return parts[1], true
}

// JWTAuth validates the bearer token and stores its claims in the
// request context. Missing or invalid tokens get 401.
func JWTAuth(tokens *auth.Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString, ok := extractBearerToken(r)
			if !ok {
				writeErrorStatus(w, http.StatusUnauthorized, "auth", "authorization header required")
				return
			}
			claims, err := tokens.Validate(tokenString)
			if err != nil {
				writeErrorStatus(w, http.StatusUnauthorized, "auth", "invalid or expired token")
				return
			}
			ctx := context.WithValue(r.Context(), claimsContextKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAdmin blocks non-admin tokens. Must run after JWTAuth.
func RequireAdmin() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := claimsFrom(r.Context())
			if claims == nil {
				writeErrorStatus(w, http.StatusUnauthorized, "auth", "authentication required")
				return
			}
			if !claims.Admin {
				writeErrorStatus(w, http.StatusForbidden, "auth", "admin access required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requestLogger logs each request and feeds the latency histogram when
// metrics are enabled.
func requestLogger(m *metrics.StorageMetrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			requestID := middleware.GetReqID(r.Context())

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			duration := time.Since(start)
			logger.Info("request completed",
				logger.KeyRequestID, requestID,
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				logger.KeyDuration, duration.String(),
			)

			route := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if pattern := rctx.RoutePattern(); pattern != "" {
					route = pattern
				}
			}
			m.ObserveRequest(r.Method, route, strconv.Itoa(ww.Status()), duration)
		})
	}
}
