package httpapi

import (
	"context"
	"crypto/subtle"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/muco1999/xray-agent/internal/apierr"
	"github.com/muco1999/xray-agent/internal/ratelimit"
)

type ctxKey int

const requestIDKey ctxKey = iota

// RequestID extracts the id installed by requestIDMiddleware, empty if absent.
func RequestID(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func recoverMiddleware(api *API) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if api.Log != nil {
						api.Log.WithField("panic", rec).WithField("stack", string(debug.Stack())).Error("panic recovered")
					}
					writeError(w, r, apierr.Internal("internal error", nil))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func metricsMiddleware(api *API) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if api.Metrics == nil {
				next.ServeHTTP(w, r)
				return
			}
			api.Metrics.HTTPRequestsInFlight.Inc()
			defer api.Metrics.HTTPRequestsInFlight.Dec()

			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)

			path := routeTemplate(r)
			api.Metrics.HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(sw.status)).Inc()
			api.Metrics.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		})
	}
}

func authMiddleware(api *API) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if api.Token == "" || token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(api.Token)) != 1 {
				writeError(w, r, apierr.Unauthenticated("missing or invalid bearer token"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func rateLimitMiddleware(api *API) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if api.RateLimiter == nil {
				next.ServeHTTP(w, r)
				return
			}
			group := ratelimit.ResolveGroup(r.URL.Path)
			fp := ratelimit.TokenFingerprint(bearerToken(r))
			ip := clientIP(r)

			res, _ := api.RateLimiter.Allow(r.Context(), group, fp, ip)
			if !res.Allowed {
				writeError(w, r, apierr.RateLimited(group, res.RetryAfterMs))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return ""
	}
	return strings.TrimPrefix(h, "Bearer ")
}

func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return r.URL.Path
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
