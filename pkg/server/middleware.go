package server

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/storeplane/storeplane/pkg/apierror"
	"github.com/storeplane/storeplane/pkg/auth"
	"github.com/storeplane/storeplane/pkg/metrics"
	"github.com/storeplane/storeplane/pkg/naming"
)

type contextKey string

const (
	requestIDKey contextKey = "requestId"
	identityKey  contextKey = "identity"
)

// RequestIDFrom returns the request id attached by the tracing middleware.
func RequestIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// IdentityFrom returns the authenticated principal, or nil.
func IdentityFrom(ctx context.Context) *auth.Identity {
	if id, ok := ctx.Value(identityKey).(*auth.Identity); ok {
		return id
	}
	return nil
}

// requestID attaches a fresh request id to every request and echoes it in the
// response header.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := naming.NewRequestID()
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

// statusRecorder captures the response status for logging and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// observe logs every request and records it into the metric set.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		duration := time.Since(start)

		route := metrics.NormalizeRoute(r.URL.Path)
		s.metrics.ObserveRequest(r.Method, route, strconv.Itoa(rec.status), duration)
		s.log.V(1).Info("request served",
			"requestId", RequestIDFrom(r.Context()),
			"method", r.Method, "path", r.URL.Path,
			"status", rec.status, "durationMs", duration.Milliseconds(),
			"ip", clientIP(r))
	})
}

// recoverer converts panics into INTERNAL_ERROR responses.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.Info("panic recovered", "panic", rec, "path", r.URL.Path)
				writeError(w, r, s.log, apierror.New(apierror.CodeInternal, "an internal error occurred"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// rateLimit applies the per-IP request limiter.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := s.guard.AllowRequest(clientIP(r)); err != nil {
			writeError(w, r, s.log, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authenticate requires a valid bearer token and attaches the identity.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token := ""
		if strings.HasPrefix(header, "Bearer ") {
			token = strings.TrimPrefix(header, "Bearer ")
		}
		identity, err := s.auth.VerifyToken(r.Context(), token)
		if err != nil {
			writeError(w, r, s.log, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey, identity)))
	})
}

// requireAdmin gates admin-only surfaces. Must run after authenticate.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity := IdentityFrom(r.Context())
		if err := auth.RequireRole(identity, auth.RoleAdmin); err != nil {
			writeError(w, r, s.log, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP prefers proxy headers, falling back to the socket peer.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if idx := strings.Index(fwd, ","); idx >= 0 {
			return strings.TrimSpace(fwd[:idx])
		}
		return strings.TrimSpace(fwd)
	}
	if real := r.Header.Get("X-Real-Ip"); real != "" {
		return real
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
