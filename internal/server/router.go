// Package server implements the daemon's optional admin HTTP API: a gin
// router exposing a read-only supervision view and a config-reload
// trigger rather than a process manager's start/stop/group surface:
// target listing, a single target's detail, a forced reconcile, and
// Prometheus metrics.
package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/openeuler-mirror/process-healer/internal/auth"
	"github.com/openeuler-mirror/process-healer/internal/breaker"
	"github.com/openeuler-mirror/process-healer/internal/config"
	"github.com/openeuler-mirror/process-healer/internal/coordinator"
	"github.com/openeuler-mirror/process-healer/internal/metrics"
	"github.com/openeuler-mirror/process-healer/internal/reconciler"
)

// Router exposes the daemon's read-only supervision state and a
// configuration reload trigger over HTTP.
type Router struct {
	coord       *coordinator.Coordinator
	breakers    *breaker.Table
	store       *config.Store
	reconciler  *reconciler.Reconciler
	authService *auth.AuthService
	authEnabled bool
	basePath    string
}

// New constructs a Router. authService may be nil when auth is disabled.
func New(coord *coordinator.Coordinator, breakers *breaker.Table, store *config.Store, rec *reconciler.Reconciler, authService *auth.AuthService, authEnabled bool, basePath string) *Router {
	return &Router{
		coord:       coord,
		breakers:    breakers,
		store:       store,
		reconciler:  rec,
		authService: authService,
		authEnabled: authEnabled,
		basePath:    sanitizeBase(basePath),
	}
}

// Handler returns an http.Handler exposing the admin API.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())

	mw := auth.NewMiddleware(r.authService, r.authEnabled)
	group := g.Group(r.basePath)

	if r.authEnabled {
		group.POST("/login", r.handleLogin)
	}

	protected := group.Group("")
	protected.Use(mw.GinAuth())
	protected.GET("/targets", r.handleListTargets)
	protected.GET("/targets/:name", r.handleGetTarget)
	protected.POST("/reload", r.handleReload)

	// Metrics is intentionally outside the auth group: Prometheus scrapers
	// are typically configured without bearer credentials, and the metric
	// surface carries no secrets.
	group.GET("/metrics", gin.WrapH(metrics.Handler()))

	return g
}

func (r *Router) handleLogin(c *gin.Context) {
	var req auth.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "invalid request body"})
		return
	}
	token, err := r.authService.Login(c.Request.Context(), req)
	if err != nil {
		writeJSON(c, http.StatusUnauthorized, gin.H{"error": "authentication_failed", "message": "invalid credentials"})
		return
	}
	writeJSON(c, http.StatusOK, token)
}

// targetView is the JSON shape for a single target, combining the
// coordinator's dependency-defer diagnostics with the breaker's current
// state for that target.
type targetView struct {
	Name             string             `json:"name"`
	MonitorKind      config.MonitorKind `json:"monitor_kind"`
	Deferred         bool               `json:"deferred"`
	WaitingOn        []string           `json:"waiting_on,omitempty"`
	DeferredAttempts int                `json:"deferred_attempts,omitempty"`
	Recovering       bool               `json:"recovering"`
	RecoveringUntil  time.Time          `json:"recovering_until,omitempty"`
	BreakerState     string             `json:"breaker_state"`
	BreakerAttempts  int                `json:"breaker_attempts"`
}

func (r *Router) buildTargetViews() []targetView {
	now := time.Now()
	statuses := r.coord.Targets(now)
	views := make([]targetView, 0, len(statuses))
	for _, st := range statuses {
		state, ok := r.breakers.Snapshot(st.Name)
		stateStr := "closed"
		if ok {
			stateStr = state.String()
		}
		views = append(views, targetView{
			Name:             st.Name,
			MonitorKind:      st.MonitorKind,
			Deferred:         st.Deferred,
			WaitingOn:        st.WaitingOn,
			DeferredAttempts: st.DeferredAttempts,
			Recovering:       st.Recovering,
			RecoveringUntil:  st.RecoveringUntil,
			BreakerState:     stateStr,
			BreakerAttempts:  r.breakers.AttemptCount(st.Name),
		})
	}
	return views
}

func (r *Router) handleListTargets(c *gin.Context) {
	writeJSON(c, http.StatusOK, gin.H{"targets": r.buildTargetViews()})
}

func (r *Router) handleGetTarget(c *gin.Context) {
	name := c.Param("name")
	if !isSafeName(name) {
		writeJSON(c, http.StatusBadRequest, gin.H{"error": "invalid_name", "message": "invalid target name"})
		return
	}
	for _, v := range r.buildTargetViews() {
		if v.Name == name {
			writeJSON(c, http.StatusOK, v)
			return
		}
	}
	writeJSON(c, http.StatusNotFound, gin.H{"error": "not_found", "message": "unknown target"})
}

// handleReload reloads configuration from disk and reconciles monitors
// against the new target set, mirroring the SIGHUP path the daemon runs on
// its own signal handler.
func (r *Router) handleReload(c *gin.Context) {
	path := r.store.Get().ConfigPath
	cfg, err := config.Load(path)
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, gin.H{"error": "reload_failed", "message": err.Error()})
		return
	}
	if err := r.reconciler.EnsureTracepointUsable(cfg.Processes); err != nil {
		writeJSON(c, http.StatusInternalServerError, gin.H{"error": "reload_rejected", "message": err.Error()})
		return
	}
	r.store.Update(cfg)
	if err := r.reconciler.Reconcile(c.Request.Context(), cfg.Processes); err != nil {
		writeJSON(c, http.StatusInternalServerError, gin.H{"error": "reconcile_failed", "message": err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"status": "reloaded", "processes": len(cfg.Processes)})
}
