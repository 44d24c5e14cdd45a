package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/matplo/procorg/internal/manager"
	"github.com/matplo/procorg/internal/metrics"
	"github.com/matplo/procorg/internal/principal"
	"github.com/matplo/procorg/internal/scheduler"
	"github.com/matplo/procorg/internal/store"
)

// Router exposes the engine operations over HTTP for the web layer.
//
// Authentication is owned by the deployment in front of this server (PAM,
// reverse proxy, SSO); the verified username reaches the engine via the
// X-Procorg-User header and is resolved to a principal here. The engine
// performs identity-based authorization only, never credential checks.
type Router struct {
	mgr   *manager.Manager
	sched *scheduler.Scheduler // optional, enables /api/scheduler
}

// NewRouter constructs a Router. sched may be nil when the serving process
// does not run a scheduler loop.
func NewRouter(mgr *manager.Manager, sched *scheduler.Scheduler) *Router {
	return &Router{mgr: mgr, sched: sched}
}

// Handler returns the gin-powered http.Handler for mounting or serving.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())

	g.GET("/metrics", gin.WrapH(metrics.Handler()))
	g.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"ok": true}) })

	api := g.Group("/api", r.identity)
	api.GET("/processes", r.handleListProcesses)
	api.POST("/processes", r.handleRegister)
	api.DELETE("/processes/:name", r.handleUnregister)
	api.POST("/processes/:name/toggle", r.handleToggle)
	api.POST("/processes/:name/run", r.handleRun)
	api.GET("/executions", r.handleListExecutions)
	api.POST("/executions/:id/stop", r.handleStop)
	api.GET("/executions/:id/logs", r.handleLogs)
	api.GET("/state", r.handleState)
	api.GET("/scheduler", r.handleSchedulerInfo)
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
func NewServer(addr string, mgr *manager.Manager, sched *scheduler.Scheduler) *http.Server {
	r := NewRouter(mgr, sched)
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.ListenAndServe() }()
	return server
}

const principalKey = "procorg.principal"

// identity resolves the authenticated username to a principal and aborts
// unauthenticated requests.
func (r *Router) identity(c *gin.Context) {
	username := c.GetHeader("X-Procorg-User")
	if username == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, errorResp{Error: "missing X-Procorg-User header"})
		return
	}
	p, err := principal.Lookup(username)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, errorResp{Error: "unknown user: " + username})
		return
	}
	c.Set(principalKey, p)
	c.Next()
}

func caller(c *gin.Context) principal.Principal {
	v, _ := c.Get(principalKey)
	p, _ := v.(principal.Principal)
	return p
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type registerReq struct {
	Name        string `json:"name"`
	Command     string `json:"command"`
	CronExpr    string `json:"cron_expr"`
	Description string `json:"description"`
}

func (r *Router) handleListProcesses(c *gin.Context) {
	defs, err := r.mgr.List(caller(c))
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, defs)
}

func (r *Router) handleRegister(c *gin.Context) {
	var req registerReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	def, err := r.mgr.Register(req.Name, req.Command, req.CronExpr, req.Description, caller(c))
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, def)
}

func (r *Router) handleUnregister(c *gin.Context) {
	if err := r.mgr.Unregister(c.Param("name"), caller(c)); err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (r *Router) handleToggle(c *gin.Context) {
	enabled, err := strconv.ParseBool(c.DefaultQuery("enabled", "true"))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResp{Error: "invalid enabled value"})
		return
	}
	def, err := r.mgr.Toggle(c.Param("name"), enabled, caller(c))
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, def)
}

func (r *Router) handleRun(c *gin.Context) {
	var req struct {
		Args []string `json:"args"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
			return
		}
	}
	e, err := r.mgr.Run(c.Param("name"), req.Args, caller(c))
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, e)
}

func (r *Router) handleListExecutions(c *gin.Context) {
	statusFilter := store.Status(c.Query("status"))
	if statusFilter != "" && !statusFilter.Valid() {
		c.JSON(http.StatusBadRequest, errorResp{Error: "unknown status filter"})
		return
	}
	execs, err := r.mgr.Status(c.Query("name"), statusFilter, caller(c))
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, execs)
}

func (r *Router) handleStop(c *gin.Context) {
	e, err := r.mgr.Stop(c.Param("id"), caller(c))
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, e)
}

func (r *Router) handleLogs(c *gin.Context) {
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	maxLines, _ := strconv.Atoi(c.DefaultQuery("max", "0"))
	stream := c.DefaultQuery("stream", "stdout")
	lines, next, err := r.mgr.ReadLog(c.Param("id"), stream, offset, maxLines, caller(c))
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"lines": lines, "next_offset": next})
}

// handleState is the polling-friendly read path: clients keep the last
// marker and refresh only when it advances.
func (r *Router) handleState(c *gin.Context) {
	marker, err := r.mgr.Store().ChangeMarker(caller(c))
	if err != nil {
		writeErr(c, err)
		return
	}
	since, _ := strconv.ParseInt(c.DefaultQuery("since", "0"), 10, 64)
	c.JSON(http.StatusOK, gin.H{"marker": marker, "changed": marker > since})
}

func (r *Router) handleSchedulerInfo(c *gin.Context) {
	if r.sched == nil {
		c.JSON(http.StatusNotFound, errorResp{Error: "no scheduler in this instance"})
		return
	}
	info, err := r.sched.Info()
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

// writeErr maps the engine error taxonomy onto HTTP status codes.
func writeErr(c *gin.Context, err error) {
	var ve *manager.ValidationError
	var sf *manager.SpawnFailure
	switch {
	case errors.As(err, &ve):
		c.JSON(http.StatusBadRequest, errorResp{Error: err.Error()})
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, errorResp{Error: err.Error()})
	case errors.Is(err, store.ErrPermissionDenied):
		c.JSON(http.StatusForbidden, errorResp{Error: err.Error()})
	case errors.Is(err, store.ErrConflict):
		c.JSON(http.StatusConflict, errorResp{Error: err.Error()})
	case errors.As(err, &sf):
		c.JSON(http.StatusInternalServerError, errorResp{Error: err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, errorResp{Error: err.Error()})
	}
}
