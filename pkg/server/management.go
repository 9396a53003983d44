package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/nimburion/distlock/pkg/config"
	"github.com/nimburion/distlock/pkg/distlock"
	"github.com/nimburion/distlock/pkg/health"
	"github.com/nimburion/distlock/pkg/observability/logger"
	"github.com/nimburion/distlock/pkg/observability/metrics"
	"github.com/nimburion/distlock/pkg/version"
)

// LockInspector lists lease store contents for the /locks endpoint.
type LockInspector interface {
	ListInstances(ctx context.Context) ([]distlock.ServiceInstance, error)
	ListLocks(ctx context.Context) ([]distlock.Lock, error)
}

// ManagementServer serves operational endpoints:
//   - /health: liveness, always 200
//   - /ready: readiness, 503 when any registered check is unhealthy
//   - /metrics: Prometheus metrics
//   - /version: build metadata
//   - /locks: live service instances and held locks, when an inspector is set
type ManagementServer struct {
	*Server
	engine          *gin.Engine
	log             logger.Logger
	healthRegistry  *health.Registry
	metricsRegistry *metrics.Registry
	inspector       LockInspector
	info            version.Info
}

// NewManagementServer creates the management server. inspector may be nil.
func NewManagementServer(
	cfg config.ManagementConfig,
	log logger.Logger,
	healthRegistry *health.Registry,
	metricsRegistry *metrics.Registry,
	inspector LockInspector,
	info version.Info,
) *ManagementServer {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()

	s := &ManagementServer{
		engine:          engine,
		log:             log.With("component", "management"),
		healthRegistry:  healthRegistry,
		metricsRegistry: metricsRegistry,
		inspector:       inspector,
		info:            info,
	}
	engine.Use(s.recovery(), s.requestLogging())
	s.registerEndpoints()

	s.Server = NewServer(Config{
		Port:            cfg.Port,
		ReadTimeout:     cfg.ReadTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}, s.Handler(), s.log)
	return s
}

// Handler returns the instrumented router.
func (s *ManagementServer) Handler() http.Handler {
	return metrics.InstrumentHandler("management", s.engine)
}

func (s *ManagementServer) registerEndpoints() {
	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/ready", s.handleReady)
	s.engine.GET("/metrics", gin.WrapH(s.metricsRegistry.Handler()))
	s.engine.GET("/version", s.handleVersion)
	if s.inspector != nil {
		s.engine.GET("/locks", s.handleLocks)
	}
}

func (s *ManagementServer) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": health.StatusHealthy})
}

func (s *ManagementServer) handleReady(c *gin.Context) {
	result := s.healthRegistry.Check(c.Request.Context())
	if !result.IsHealthy() {
		c.JSON(http.StatusServiceUnavailable, result)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *ManagementServer) handleVersion(c *gin.Context) {
	c.JSON(http.StatusOK, s.info)
}

type instanceView struct {
	ID      uuid.UUID `json:"id"`
	Expires time.Time `json:"expires"`
}

type lockView struct {
	Name      string    `json:"name"`
	ServiceID uuid.UUID `json:"service_id"`
}

func (s *ManagementServer) handleLocks(c *gin.Context) {
	ctx := c.Request.Context()
	instances, err := s.inspector.ListInstances(ctx)
	if err != nil {
		s.log.WithContext(ctx).Error("list service instances failed", "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "list service instances failed"})
		return
	}
	locks, err := s.inspector.ListLocks(ctx)
	if err != nil {
		s.log.WithContext(ctx).Error("list locks failed", "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "list locks failed"})
		return
	}

	instanceViews := make([]instanceView, 0, len(instances))
	for _, inst := range instances {
		instanceViews = append(instanceViews, instanceView{ID: inst.ID, Expires: inst.Expires.UTC()})
	}
	lockViews := make([]lockView, 0, len(locks))
	for _, lock := range locks {
		lockViews = append(lockViews, lockView{Name: lock.ID, ServiceID: lock.ServiceID})
	}
	c.JSON(http.StatusOK, gin.H{"instances": instanceViews, "locks": lockViews})
}

func (s *ManagementServer) recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.Error("management handler panicked", "path", c.Request.URL.Path, "panic", fmt.Sprint(rec))
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
			}
		}()
		c.Next()
	}
}

func (s *ManagementServer) requestLogging() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("management request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}
