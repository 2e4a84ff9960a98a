package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/roomforge/roomforge/internal/factory/build"
	"github.com/roomforge/roomforge/internal/factory/cfg"
	"github.com/roomforge/roomforge/internal/factory/instances"
	"github.com/roomforge/roomforge/internal/factory/ports"
	"github.com/roomforge/roomforge/internal/factory/runtime"
	"github.com/roomforge/roomforge/internal/factory/supervisor"
	"github.com/roomforge/roomforge/internal/factory/validation"
	"github.com/roomforge/roomforge/pkg/api"
	"github.com/roomforge/roomforge/pkg/health"
)

// MatchmakerProber answers whether the matchmaker is reachable; the health
// rollup is its only consumer.
type MatchmakerProber interface {
	Healthy(ctx context.Context) bool
}

// APIStore wires every factory component to the HTTP surface.
type APIStore struct {
	config     cfg.Config
	runtime    runtime.ContainerRuntime
	registry   *instances.Registry
	supervisor *supervisor.Supervisor
	builder    *build.Builder
	allocator  *ports.Allocator
	validator  *validation.Validator
	matchmaker MatchmakerProber
	version    string
	startedAt  time.Time
}

func New(
	config cfg.Config,
	containerRuntime runtime.ContainerRuntime,
	registry *instances.Registry,
	sup *supervisor.Supervisor,
	builder *build.Builder,
	allocator *ports.Allocator,
	validator *validation.Validator,
	matchmaker MatchmakerProber,
	version string,
) *APIStore {
	return &APIStore{
		config:     config,
		runtime:    containerRuntime,
		registry:   registry,
		supervisor: sup,
		builder:    builder,
		allocator:  allocator,
		validator:  validator,
		matchmaker: matchmaker,
		version:    version,
		startedAt:  time.Now(),
	}
}

// RegisterRoutes mounts every endpoint plus the 404/405 envelopes.
func (a *APIStore) RegisterRoutes(router *gin.Engine) {
	router.HandleMethodNotAllowed = true
	router.NoRoute(func(c *gin.Context) {
		a.sendError(c, http.StatusNotFound, "resource not found", nil)
	})
	router.NoMethod(func(c *gin.Context) {
		a.sendError(c, http.StatusMethodNotAllowed, "method not allowed", nil)
	})

	router.GET("/health", a.Health)
	router.POST("/upload", a.Upload)

	router.GET("/servers", a.ListServers)
	router.GET("/servers/:instance_id", a.GetServer)
	router.POST("/servers/:instance_id/stop", a.StopServer)
	router.DELETE("/servers/:instance_id", a.DeleteServer)
	router.GET("/servers/:instance_id/logs", a.ServerLogs)
	router.POST("/servers/:instance_id/activity", a.UpdateActivity)

	router.GET("/system/stats", a.SystemStats)
	router.GET("/system/idle-containers", a.IdleContainers)
	router.POST("/system/cleanup/:instance_id", a.ForceCleanup)
}

// sendError writes the error envelope. Callers keep messages user-facing;
// raw errors go into details only through errDetails, which is debug-gated.
func (a *APIStore) sendError(c *gin.Context, code int, message string, details map[string]any) {
	c.AbortWithStatusJSON(code, api.NewEnvelope(code, message, c.Request.URL.Path, details))
}

func (a *APIStore) errDetails(err error) map[string]any {
	if !a.config.Debug {
		return nil
	}

	return map[string]any{"error": err.Error()}
}

// Health rolls up the factory's dependencies. Docker being down makes the
// whole service unhealthy; a missing matchmaker degrades it; a full container
// table limits it. Unhealthy and degraded both answer 503 so load balancers
// stop routing uploads that would fail to register.
func (a *APIStore) Health(c *gin.Context) {
	ctx := c.Request.Context()

	dockerErr := a.runtime.Ping(ctx)
	matchmakerUp := a.matchmaker.Healthy(ctx)
	running := a.supervisor.Count()

	status := health.Healthy
	switch {
	case dockerErr != nil:
		status = health.Unhealthy
	case !matchmakerUp:
		status = health.Degraded
	case running >= a.config.MaxContainers:
		status = health.Limited
	}

	components := map[string]any{
		"docker":     componentState(dockerErr == nil),
		"matchmaker": componentState(matchmakerUp),
		"capacity": map[string]any{
			"running": running,
			"max":     a.config.MaxContainers,
		},
		"config": map[string]any{
			"base_port":            a.config.BasePort,
			"max_file_size":        a.config.MaxFileSize,
			"idle_timeout_seconds": a.config.IdleTimeoutSeconds,
		},
	}

	code := http.StatusOK
	if status == health.Unhealthy || status == health.Degraded {
		code = http.StatusServiceUnavailable
	}

	c.JSON(code, health.Response{
		Status:     status,
		Version:    a.version,
		Components: components,
	})
}

func componentState(up bool) string {
	if up {
		return "up"
	}

	return "down"
}
