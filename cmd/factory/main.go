package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	limits "github.com/gin-contrib/size"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/roomforge/roomforge/internal/factory/build"
	"github.com/roomforge/roomforge/internal/factory/cfg"
	"github.com/roomforge/roomforge/internal/factory/handlers"
	"github.com/roomforge/roomforge/internal/factory/instances"
	"github.com/roomforge/roomforge/internal/factory/mmclient"
	"github.com/roomforge/roomforge/internal/factory/ports"
	"github.com/roomforge/roomforge/internal/factory/runtime"
	"github.com/roomforge/roomforge/internal/factory/supervisor"
	"github.com/roomforge/roomforge/internal/factory/validation"
	"github.com/roomforge/roomforge/pkg/api"
	"github.com/roomforge/roomforge/pkg/logger"
)

const (
	serviceName     = "factory"
	version         = "1.0.0"
	shutdownTimeout = 15 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", serviceName, err)
		os.Exit(1)
	}
}

func run() error {
	config, err := cfg.Parse()
	if err != nil {
		return err
	}

	l, err := logger.New(logger.Config{
		ServiceName:   serviceName,
		IsDevelopment: !config.IsProduction(),
		IsDebug:       config.Debug,
		Level:         config.LogLevel,
		LogFile:       config.LogFile,
	})
	if err != nil {
		return err
	}
	defer l.Sync()
	zap.ReplaceGlobals(l)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dockerRuntime, err := runtime.NewDockerRuntime()
	if err != nil {
		return err
	}
	defer dockerRuntime.Close()

	if err := dockerRuntime.Ping(ctx); err != nil {
		return fmt.Errorf("docker daemon is not reachable: %w", err)
	}

	networkLabels := map[string]string{build.LabelCreatedBy: build.CreatedByValue}
	if err := dockerRuntime.EnsureNetwork(ctx, config.DockerNetwork, networkLabels); err != nil {
		return err
	}

	reapOrphans(ctx, dockerRuntime, config.StopTimeout)

	registry := instances.NewRegistry(dockerRuntime)
	sup := supervisor.New(dockerRuntime, supervisor.Config{
		MaxContainers:   config.MaxContainers,
		IdleTimeout:     config.IdleTimeout(),
		MaxErrorCount:   config.MaxErrorCount,
		CleanupInterval: config.CleanupInterval(),
		StopTimeout:     config.StopTimeout,
		InstanceLabel:   build.LabelInstanceID,
	}, registry.OnSupervisorStopped, registry.OnSupervisorError)

	allocator := ports.NewAllocator(dockerRuntime, config.BasePort, config.PortProbeWindow)
	builder := build.NewBuilder(dockerRuntime, allocator, sup, build.Config{
		ImagePrefix:   "roomforge",
		Network:       config.DockerNetwork,
		MatchmakerURL: config.MatchmakerURL,
		MemoryLimitMB: config.ContainerMemoryLimitMB,
		CPULimit:      config.ContainerCPULimit,
		StopTimeout:   config.StopTimeout,
	})

	validator := validation.New(config.MaxFileSize, config.MaxBundleSize, config.MaxExtractSize, config.AllowedExtensions)

	matchmaker := mmclient.New(config.MatchmakerURL, config.MatchmakerTimeout)
	defer matchmaker.Close()

	go sup.Start(ctx)
	go syncStats(ctx, sup, registry, config.ResourceCheckInterval)

	apiStore := handlers.New(config, dockerRuntime, registry, sup, builder, allocator, validator, matchmaker, version)

	router := newRouter(config)
	apiStore.RegisterRoutes(router)

	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", config.Host, config.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       config.UploadTimeout,
		WriteTimeout:      config.UploadTimeout + 30*time.Second,
		IdleTimeout:       90 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		zap.L().Info("Factory listening",
			zap.String("addr", server.Addr),
			zap.String("environment", config.Environment))

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	zap.L().Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	return server.Shutdown(shutdownCtx)
}

func newRouter(config cfg.Config) *gin.Engine {
	if config.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(api.Recovery(config.Debug))
	router.Use(requestLogger())
	router.Use(corsMiddleware(config))
	router.Use(limits.RequestSizeLimiter(config.MaxBundleSize + 1<<20))
	router.Use(handlers.RateLimit(config.APIRateLimit))

	return router
}

func corsMiddleware(config cfg.Config) gin.HandlerFunc {
	corsConfig := cors.Config{
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}

	if config.IsProduction() {
		corsConfig.AllowOrigins = config.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}

	return cors.New(corsConfig)
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header("X-Request-ID", requestID)

		start := time.Now()
		c.Next()

		zap.L().Info("Request",
			zap.String("request_id", requestID),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("client_ip", c.ClientIP()))
	}
}

// syncStats periodically mirrors the supervisor's resource readings onto
// the registry rows, so list and get responses carry recent numbers without
// extra runtime calls.
func syncStats(ctx context.Context, sup *supervisor.Supervisor, registry *instances.Registry, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, activity := range sup.Activities() {
				registry.ApplyStats(activity.InstanceID, activity.CPUPercent, activity.MemoryMB, activity.ConnectionCount)
			}
		}
	}
}

// reapOrphans removes containers left over from a previous factory run.
// Their instance rows died with the old process, so the containers are
// unsupervised and only waste capacity.
func reapOrphans(ctx context.Context, dockerRuntime runtime.ContainerRuntime, stopTimeout time.Duration) {
	orphans, err := dockerRuntime.ListByLabel(ctx, build.LabelCreatedBy, build.CreatedByValue)
	if err != nil {
		zap.L().Warn("Error listing leftover containers", zap.Error(err))

		return
	}

	for _, orphan := range orphans {
		if err := dockerRuntime.StopContainer(ctx, orphan.ID, stopTimeout); err != nil && !errors.Is(err, runtime.ErrNotFound) {
			zap.L().Warn("Error stopping leftover container", zap.String("container_id", orphan.ID), zap.Error(err))
		}
		if err := dockerRuntime.RemoveContainer(ctx, orphan.ID); err != nil && !errors.Is(err, runtime.ErrNotFound) {
			zap.L().Warn("Error removing leftover container", zap.String("container_id", orphan.ID), zap.Error(err))
		}
	}

	if len(orphans) > 0 {
		zap.L().Info("Removed leftover containers from a previous run", zap.Int("count", len(orphans)))
	}
}
