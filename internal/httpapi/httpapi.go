// Package httpapi exposes the agent's control-plane surface over HTTP:
// bearer auth, per-request ids, rate limiting, Prometheus instrumentation,
// and a panic-recovery middleware in front of handlers that call into the
// core by function, never by message.
package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/muco1999/xray-agent/internal/capacity"
	"github.com/muco1999/xray-agent/internal/config"
	"github.com/muco1999/xray-agent/internal/jobstore"
	"github.com/muco1999/xray-agent/internal/logging"
	"github.com/muco1999/xray-agent/internal/logparser"
	"github.com/muco1999/xray-agent/internal/metrics"
	"github.com/muco1999/xray-agent/internal/proxyrpc"
	"github.com/muco1999/xray-agent/internal/ratelimit"
	"github.com/muco1999/xray-agent/internal/restore"
)

// API holds every collaborator a handler may need.
type API struct {
	Token       string
	Proxy       *proxyrpc.Adapter
	Jobs        *jobstore.Store
	RateLimiter *ratelimit.Limiter
	Capacity    *capacity.Limiter
	LogParser   *logparser.Parser
	Restore     *restore.Engine
	Reconciler  *restore.Reconciler
	Metrics     *metrics.Metrics
	Log         *logging.Logger
	Link        config.LinkConfig
	AccessLog   string
	Debug       bool
}

// NewRouter builds the full mux.Router, with middleware applied in the
// order: recover, request-id, metrics, auth, rate-limit.
func NewRouter(api *API) *mux.Router {
	r := mux.NewRouter()
	r.Use(recoverMiddleware(api))
	r.Use(requestIDMiddleware)
	r.Use(metricsMiddleware(api))

	r.Handle("/metrics", api.Metrics.Handler()).Methods(http.MethodGet)

	protected := r.NewRoute().Subrouter()
	protected.Use(authMiddleware(api))
	protected.Use(rateLimitMiddleware(api))

	protected.HandleFunc("/health/full", api.handleHealthFull).Methods(http.MethodGet)
	protected.HandleFunc("/health/logfile", api.handleHealthLogfile).Methods(http.MethodGet)
	protected.HandleFunc("/xray/status", api.handleXrayStatus).Methods(http.MethodGet)
	protected.HandleFunc("/xray/status/clients", api.handleStatusClients).Methods(http.MethodGet)
	protected.HandleFunc("/inbounds/{tag}/users/count", api.handleUsersCount).Methods(http.MethodGet)
	protected.HandleFunc("/inbounds/{tag}/emails", api.handleEmails).Methods(http.MethodGet)
	protected.HandleFunc("/clients/issue", api.handleClientsIssue).Methods(http.MethodPost)
	protected.HandleFunc("/clients/{email}", api.handleClientsDelete).Methods(http.MethodDelete)
	protected.HandleFunc("/xray/restore", api.handleRestore).Methods(http.MethodPost)
	protected.HandleFunc("/xray/add_user", api.handleAddUser).Methods(http.MethodPost)
	protected.HandleFunc("/jobs/{job_id}", api.handleJobGet).Methods(http.MethodGet)

	return r
}
