// Package api exposes SLA definitions, instances and reconciliation runs over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/t77yq/sla-tracker/internal/escalation"
	"github.com/t77yq/sla-tracker/internal/model"
	"github.com/t77yq/sla-tracker/internal/monitor"
)

// Store is the subset of the SLA store served by the API
type Store interface {
	CreateDefinition(ctx context.Context, def *model.Definition) error
	UpdateDefinition(ctx context.Context, def *model.Definition) error
	DeactivateDefinition(ctx context.Context, id int64) error
	GetDefinition(ctx context.Context, id int64) (*model.Definition, error)
	ListDefinitions(ctx context.Context, orgID string, activeOnly bool) ([]*model.Definition, error)
	GetInstance(ctx context.Context, id string) (*model.Instance, error)
	GetActiveInstances(ctx context.Context, orgID string) ([]*model.Instance, error)
	ListNotifications(ctx context.Context, instanceID string) ([]*model.NotificationRecord, error)
	ListRuns(ctx context.Context, limit int) ([]*model.RunAudit, error)
}

// Lifecycle pauses and resumes instances
type Lifecycle interface {
	PauseInstance(ctx context.Context, instanceID string) (*model.Instance, error)
	ResumeInstance(ctx context.Context, instanceID string) (*model.Instance, error)
}

// Runner triggers and reports reconciliation runs
type Runner interface {
	RunNow(ctx context.Context) (model.RunAudit, error)
	IsRunning() bool
	LastRun() *model.RunAudit
	Next() time.Time
}

// Server holds the HTTP handlers
type Server struct {
	logger    *zap.Logger
	store     Store
	lifecycle Lifecycle
	runner    Runner
	metrics   *monitor.Metrics
	now       func() time.Time
}

// NewServer creates a new server. metrics may be nil, in which case /metrics is not served.
func NewServer(logger *zap.Logger, store Store, lifecycle Lifecycle, runner Runner, metrics *monitor.Metrics) *Server {
	return &Server{
		logger:    logger.Named("api"),
		store:     store,
		lifecycle: lifecycle,
		runner:    runner,
		metrics:   metrics,
		now:       time.Now,
	}
}

// Router builds the gin engine
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger())

	router.GET("/healthz", s.health)
	if s.metrics != nil {
		router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	v1 := router.Group("/api/v1")
	{
		v1.GET("/definitions", s.listDefinitions)
		v1.POST("/definitions", s.createDefinition)
		v1.GET("/definitions/:id", s.getDefinition)
		v1.PUT("/definitions/:id", s.updateDefinition)
		v1.POST("/definitions/:id/deactivate", s.deactivateDefinition)

		v1.GET("/orgs/:org/instances", s.listInstances)
		v1.GET("/instances/:id", s.getInstance)
		v1.POST("/instances/:id/pause", s.pauseInstance)
		v1.POST("/instances/:id/resume", s.resumeInstance)

		v1.GET("/runs", s.listRuns)
		v1.POST("/scheduler/run", s.runNow)
	}

	return router
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("Request handled",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("took", time.Since(start)))
	}
}

func (s *Server) health(c *gin.Context) {
	body := gin.H{
		"status":            "ok",
		"scheduler_running": s.runner.IsRunning(),
	}
	if next := s.runner.Next(); !next.IsZero() {
		body["next_run"] = next
	}
	if last := s.runner.LastRun(); last != nil {
		body["last_run"] = last
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) listDefinitions(c *gin.Context) {
	orgID := c.Query("org")
	if orgID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "org query parameter is required"})
		return
	}
	activeOnly := c.Query("active") == "true"

	defs, err := s.store.ListDefinitions(c.Request.Context(), orgID, activeOnly)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"definitions": defs})
}

func (s *Server) createDefinition(c *gin.Context) {
	def := model.Definition{IsActive: true}
	if err := c.ShouldBindJSON(&def); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	def.ID = 0

	if err := s.store.CreateDefinition(c.Request.Context(), &def); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, def)
}

func (s *Server) getDefinition(c *gin.Context) {
	id, ok := definitionID(c)
	if !ok {
		return
	}
	def, err := s.store.GetDefinition(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, def)
}

// updateDefinition applies the body over the stored definition; id and org are fixed
func (s *Server) updateDefinition(c *gin.Context) {
	id, ok := definitionID(c)
	if !ok {
		return
	}
	existing, err := s.store.GetDefinition(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}

	def := *existing
	if err := c.ShouldBindJSON(&def); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	def.ID = existing.ID
	def.OrgID = existing.OrgID
	def.CreatedAt = existing.CreatedAt

	if err := s.store.UpdateDefinition(c.Request.Context(), &def); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, def)
}

func (s *Server) deactivateDefinition(c *gin.Context) {
	id, ok := definitionID(c)
	if !ok {
		return
	}
	if err := s.store.DeactivateDefinition(c.Request.Context(), id); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) listInstances(c *gin.Context) {
	insts, err := s.store.GetActiveInstances(c.Request.Context(), c.Param("org"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"instances": insts})
}

// getInstance returns the stored instance with a live check against the current time
func (s *Server) getInstance(c *gin.Context) {
	ctx := c.Request.Context()
	inst, err := s.store.GetInstance(ctx, c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	notifications, err := s.store.ListNotifications(ctx, inst.ID)
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"instance":      inst,
		"check":         escalation.Check(inst, s.now()),
		"notifications": notifications,
	})
}

func (s *Server) pauseInstance(c *gin.Context) {
	inst, err := s.lifecycle.PauseInstance(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, inst)
}

func (s *Server) resumeInstance(c *gin.Context) {
	inst, err := s.lifecycle.ResumeInstance(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, inst)
}

func (s *Server) listRuns(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}

	runs, err := s.store.ListRuns(c.Request.Context(), limit)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

func (s *Server) runNow(c *gin.Context) {
	audit, err := s.runner.RunNow(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, audit)
}

func definitionID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid definition id"})
		return 0, false
	}
	return id, true
}

func (s *Server) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case model.IsNotFound(err):
		status = http.StatusNotFound
	case model.IsConfiguration(err):
		status = http.StatusBadRequest
	case errors.Is(err, model.ErrDuplicateDefinition), errors.Is(err, model.ErrDuplicateInstance):
		status = http.StatusConflict
	case errors.Is(err, model.ErrInvalidTransition):
		status = http.StatusConflict
	case model.IsTransient(err):
		status = http.StatusServiceUnavailable
	}

	if status >= http.StatusInternalServerError {
		s.logger.Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err))
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
