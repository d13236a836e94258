package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/combiner-sh/combiner/internal/metrics"
	"github.com/combiner-sh/combiner/internal/supervisor"
)

// Router exposes the supervisor's state over HTTP. It is strictly
// read-only: mutations go through the command channel, never HTTP.
// Endpoints:
//
//	GET /healthz
//	GET /api/status            all entries
//	GET /api/status?name=...   one entry
//	GET /api/logs?name=...     log buffer of one entry
//	GET /api/history?name=...&limit=...
//	GET /metrics               Prometheus
type Router struct {
	sup *supervisor.Supervisor
}

func NewRouter(sup *supervisor.Supervisor) *Router {
	return &Router{sup: sup}
}

// Handler returns a mountable http.Handler powered by gin.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	g.GET("/healthz", r.handleHealth)
	g.GET("/metrics", gin.WrapH(metrics.Handler()))
	api := g.Group("/api")
	api.GET("/status", r.handleStatus)
	api.GET("/logs", r.handleLogs)
	api.GET("/history", r.handleHistory)
	return g
}

// NewServer starts a standalone HTTP server on addr. Call Close on the
// returned server to stop it.
func NewServer(addr string, sup *supervisor.Supervisor) *http.Server {
	r := NewRouter(sup)
	srv := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}

type errorResp struct {
	Error string `json:"error"`
}

func (r *Router) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (r *Router) handleStatus(c *gin.Context) {
	statuses := r.sup.Statuses()
	name := c.Query("name")
	if name == "" {
		// strip log payloads from the listing; they live on /api/logs
		for i := range statuses {
			statuses[i].Log = nil
		}
		c.JSON(http.StatusOK, statuses)
		return
	}
	for _, st := range statuses {
		if st.Name == name || st.ID == name {
			st.Log = nil
			c.JSON(http.StatusOK, st)
			return
		}
	}
	c.JSON(http.StatusNotFound, errorResp{Error: "entry not found: " + name})
}

func (r *Router) handleLogs(c *gin.Context) {
	name := c.Query("name")
	if name == "" {
		c.JSON(http.StatusBadRequest, errorResp{Error: "name required"})
		return
	}
	for _, st := range r.sup.Statuses() {
		if st.Name == name || st.ID == name {
			c.JSON(http.StatusOK, gin.H{"name": st.Name, "log": st.Log})
			return
		}
	}
	c.JSON(http.StatusNotFound, errorResp{Error: "entry not found: " + name})
}

func (r *Router) handleHistory(c *gin.Context) {
	limit := 50
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, errorResp{Error: "invalid limit"})
			return
		}
		limit = n
	}
	events, err := r.sup.History().Recent(c.Request.Context(), c.Query("name"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, events)
}
