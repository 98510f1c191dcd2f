// Package httpapi exposes the sync triggers and the merge operations over
// HTTP. Sync endpoints are fire-and-wait: the handler runs the sync pass and
// reports its stats in the response.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/couchcryptid/dispatch-sync-service/internal/domain"
	"github.com/couchcryptid/dispatch-sync-service/internal/merge"
	"github.com/couchcryptid/dispatch-sync-service/internal/reconcile"
	"github.com/couchcryptid/dispatch-sync-service/internal/store"
	"github.com/couchcryptid/dispatch-sync-service/internal/syncer"
)

// SyncRunner triggers sync passes for one tenant.
type SyncRunner interface {
	SyncTenant(ctx context.Context, tenantID string) (reconcile.UpsertStats, error)
	SyncWeather(ctx context.Context, tenantID string) (int, error)
	SyncUnitLegend(ctx context.Context, tenantID string) error
}

// MergeManager executes merge and unlink requests.
type MergeManager interface {
	MergeIncidents(ctx context.Context, tenantID, primaryID string, mergeIDs []string) (domain.Incident, error)
	UnlinkFromGroup(ctx context.Context, tenantID, incidentID string, restoreStatus domain.Status) (domain.Incident, error)
}

// Server is the HTTP surface of the sync service.
type Server struct {
	sync   SyncRunner
	merges MergeManager
	ready  func(ctx context.Context) error
	logger *slog.Logger
	router *gin.Engine
}

var registerValidations sync.Once

// NewServer builds the router. ready is consulted by the readiness probe and
// may be nil when there is no backing dependency to check.
func NewServer(runner SyncRunner, merges MergeManager, ready func(ctx context.Context) error, logger *slog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	registerValidations.Do(func() {
		if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
			// Only statuses an operator may restore to; archived is the
			// merge machinery's own marker.
			_ = v.RegisterValidation("restorestatus", func(fl validator.FieldLevel) bool {
				s := domain.Status(fl.Field().String())
				return s == domain.StatusActive || s == domain.StatusClosed
			})
		}
	})

	s := &Server{
		sync:   runner,
		merges: merges,
		ready:  ready,
		logger: logger,
		router: gin.New(),
	}
	s.router.Use(gin.Recovery(), s.requestLog())

	s.router.GET("/healthz", s.handleHealth)
	s.router.GET("/readyz", s.handleReady)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.router.Group("/v1")
	v1.POST("/tenants/:id/sync/incidents", s.handleSyncIncidents)
	v1.POST("/tenants/:id/sync/weather", s.handleSyncWeather)
	v1.POST("/tenants/:id/sync/unitlegend", s.handleSyncUnitLegend)
	v1.POST("/merges", s.handleMerge)
	v1.POST("/incidents/:id/unlink", s.handleUnlink)

	return s
}

// Handler returns the router for mounting on an http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Info("http request",
			"method", c.Request.Method, "path", c.FullPath(),
			"status", c.Writer.Status(), "duration", time.Since(start))
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleReady(c *gin.Context) {
	if s.ready != nil {
		if err := s.ready(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) handleSyncIncidents(c *gin.Context) {
	stats, err := s.sync.SyncTenant(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"fetched": stats.Fetched,
		"created": stats.Created,
		"updated": stats.Updated,
		"skipped": stats.Skipped,
		"grouped": stats.Grouped,
		"dropped": stats.Dropped,
	})
}

func (s *Server) handleSyncWeather(c *gin.Context) {
	stored, err := s.sync.SyncWeather(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "alerts": stored})
}

func (s *Server) handleSyncUnitLegend(c *gin.Context) {
	if err := s.sync.SyncUnitLegend(c.Request.Context(), c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

type mergeRequest struct {
	TenantID  string   `json:"tenant_id" binding:"required"`
	PrimaryID string   `json:"primary_id" binding:"required"`
	MergeIDs  []string `json:"merge_ids" binding:"required,min=1,dive,required"`
}

func (s *Server) handleMerge(c *gin.Context) {
	var req mergeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}

	merged, err := s.merges.MergeIncidents(c.Request.Context(), req.TenantID, req.PrimaryID, req.MergeIDs)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "incident": merged})
}

type unlinkRequest struct {
	TenantID      string `json:"tenant_id" binding:"required"`
	RestoreStatus string `json:"restore_status" binding:"omitempty,restorestatus"`
}

func (s *Server) handleUnlink(c *gin.Context) {
	var req unlinkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}

	unlinked, err := s.merges.UnlinkFromGroup(c.Request.Context(), req.TenantID, c.Param("id"), domain.Status(req.RestoreStatus))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "incident": unlinked})
}

func (s *Server) writeError(c *gin.Context, err error) {
	var verr *merge.ValidationError

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, syncer.ErrThrottled):
		status = http.StatusTooManyRequests
	case errors.As(err, &verr), errors.Is(err, merge.ErrNotInGroup):
		status = http.StatusUnprocessableEntity
	}

	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, gin.H{"success": false, "error": err.Error()})
}
