// Package api is the HTTP surface boundary stub (SPEC_FULL §6): a handful
// of representative endpoints over gin, the way tarsy's cmd/tarsy/main.go
// wires its router, plus a health check aggregating the same components
// pkg/api/handler_health.go checks (database, worker pool) generalized to
// this repo's database and queue. The full endpoint surface is out of
// scope (spec §1) — this is the ambient transport skeleton, not a complete
// REST API.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/opencode-mem/memoryd/internal/database"
	"github.com/opencode-mem/memoryd/internal/errs"
	"github.com/opencode-mem/memoryd/internal/infinitemem"
	"github.com/opencode-mem/memoryd/internal/mcptools"
)

const (
	statusHealthy   = "healthy"
	statusDegraded  = "degraded"
	statusUnhealthy = "unhealthy"
)

// HealthCheck is one component's point-in-time status.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is GET /health's body, grounded on
// pkg/api/handler_health.go's HealthResponse shape.
type HealthResponse struct {
	Status string                 `json:"status"`
	Checks map[string]HealthCheck `json:"checks"`
}

// QueueHealth is the narrow slice of a queue.Pool a health check can report
// on, kept as an interface so tests can fake it without a real pool.
type QueueHealth interface {
	Healthy() bool
}

// Server is the gin-based HTTP boundary, grounded on tarsy's
// cmd/tarsy/main.go gin.Default() router plus pkg/api/server.go's
// nil-able-dependency construction shape.
type Server struct {
	dbClient *database.Client
	tools    *mcptools.Tools
	queue    QueueHealth

	router *gin.Engine
}

// NewServer builds a Server and registers its routes. queue may be nil, in
// which case the health check skips it.
func NewServer(dbClient *database.Client, tools *mcptools.Tools, queue QueueHealth) *Server {
	router := gin.New()
	router.Use(gin.Recovery(), securityHeaders())

	s := &Server{dbClient: dbClient, tools: tools, queue: queue, router: router}
	s.setupRoutes()
	return s
}

// Handler returns the underlying http.Handler for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)

	v1 := s.router.Group("/api/v1")
	v1.GET("/search", s.searchHandler)
	v1.POST("/memory", s.saveMemoryHandler)
	v1.GET("/drill-down/:level/:id", s.drillDownHandler)
}

// securityHeaders sets the same response headers tarsy's
// pkg/api/middleware.go sets, translated from echo.MiddlewareFunc to a gin
// HandlerFunc.
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Header("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
		c.Next()
	}
}

// healthHandler handles GET /health, grounded on
// pkg/api/handler_health.go's multi-component aggregation, generalized from
// tarsy's database+worker_pool pair to this repo's database+queue pair.
func (s *Server) healthHandler(c *gin.Context) {
	reqCtx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]HealthCheck)
	status := statusHealthy

	dbStatus := database.Health(reqCtx, s.dbClient)
	if !dbStatus.Reachable {
		status = statusUnhealthy
		checks["database"] = HealthCheck{Status: statusUnhealthy, Message: "database unreachable"}
	} else {
		checks["database"] = HealthCheck{Status: statusHealthy}
	}

	if s.queue != nil {
		if s.queue.Healthy() {
			checks["queue"] = HealthCheck{Status: statusHealthy}
		} else {
			if status == statusHealthy {
				status = statusDegraded
			}
			checks["queue"] = HealthCheck{Status: statusDegraded, Message: "queue reporting unhealthy"}
		}
	}

	httpStatus := http.StatusOK
	if status == statusUnhealthy {
		httpStatus = http.StatusServiceUnavailable
	}
	c.JSON(httpStatus, &HealthResponse{Status: status, Checks: checks})
}

// mapServiceError maps an internal/errs error to a gin response, grounded
// on pkg/api/errors.go's mapServiceError, translated from echo.HTTPError to
// gin's c.JSON idiom.
func mapServiceError(c *gin.Context, err error) {
	var ve *errs.ValidationError
	switch {
	case errors.As(err, &ve):
		c.JSON(http.StatusBadRequest, gin.H{"error": ve.Error()})
	case errors.Is(err, errs.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "resource not found"})
	case errors.Is(err, errs.ErrAlreadyExists):
		c.JSON(http.StatusConflict, gin.H{"error": "resource already exists"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}

func searchHandlerQuery(c *gin.Context) (mcptools.SearchMemoryRequest, bool) {
	q := c.Query("q")
	if q == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "q is required"})
		return mcptools.SearchMemoryRequest{}, false
	}
	req := mcptools.SearchMemoryRequest{Query: q}
	if sid := c.Query("session_id"); sid != "" {
		if parsed, err := uuid.Parse(sid); err == nil {
			req.SessionID = parsed
		}
	}
	return req, true
}

func (s *Server) searchHandler(c *gin.Context) {
	req, ok := searchHandlerQuery(c)
	if !ok {
		return
	}
	results, err := s.tools.SearchMemory(c.Request.Context(), req)
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

func (s *Server) saveMemoryHandler(c *gin.Context) {
	var body struct {
		Title     string    `json:"title"`
		Body      string    `json:"body"`
		SessionID uuid.UUID `json:"session_id"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	obs, err := s.tools.SaveMemory(c.Request.Context(), mcptools.SaveMemoryRequest{
		Title:     body.Title,
		Body:      body.Body,
		SessionID: body.SessionID,
	})
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, obs)
}

func (s *Server) drillDownHandler(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id must be an integer"})
		return
	}
	result, err := s.tools.DrillDown(c.Request.Context(), mcptools.DrillDownRequest{Level: infinitemem.Level(c.Param("level")), ID: id})
	if err != nil {
		mapServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": result})
}
