package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/roomforge/roomforge/internal/factory/build"
	"github.com/roomforge/roomforge/internal/factory/instances"
	"github.com/roomforge/roomforge/internal/factory/runtime"
)

func (a *APIStore) ListServers(c *gin.Context) {
	servers := a.registry.List(c.Request.Context())

	c.JSON(http.StatusOK, gin.H{
		"servers": servers,
		"count":   len(servers),
	})
}

func (a *APIStore) GetServer(c *gin.Context) {
	instanceID := c.Param("instance_id")

	snapshot, ok := a.registry.Get(c.Request.Context(), instanceID)
	if !ok {
		a.sendError(c, http.StatusNotFound, "game server not found", map[string]any{"instance_id": instanceID})

		return
	}

	c.JSON(http.StatusOK, snapshot)
}

// StopServer stops the container but keeps the instance row so its logs and
// final state stay inspectable.
func (a *APIStore) StopServer(c *gin.Context) {
	ctx := c.Request.Context()
	instanceID := c.Param("instance_id")

	snapshot, ok := a.registry.Get(ctx, instanceID)
	if !ok {
		a.sendError(c, http.StatusNotFound, "game server not found", map[string]any{"instance_id": instanceID})

		return
	}

	if snapshot.ContainerID != "" {
		err := a.runtime.StopContainer(ctx, snapshot.ContainerID, a.config.StopTimeout)
		if err != nil && !errors.Is(err, runtime.ErrNotFound) {
			zap.L().Error("Error stopping container",
				zap.String("instance_id", instanceID),
				zap.Error(err))

			a.sendError(c, http.StatusInternalServerError, "failed to stop the game server", a.errDetails(err))

			return
		}
	}

	a.supervisor.Unregister(instanceID)
	if snapshot.Port != 0 {
		a.allocator.Release(snapshot.Port)
	}
	a.registry.MarkStopped(instanceID, "stopped by request")

	c.JSON(http.StatusOK, gin.H{
		"instance_id": instanceID,
		"status":      instances.StatusStopped,
	})
}

// DeleteServer tears down the container, the image and the instance row.
func (a *APIStore) DeleteServer(c *gin.Context) {
	ctx := c.Request.Context()
	instanceID := c.Param("instance_id")

	snapshot, ok := a.registry.Get(ctx, instanceID)
	if !ok {
		a.sendError(c, http.StatusNotFound, "game server not found", map[string]any{"instance_id": instanceID})

		return
	}

	a.supervisor.Unregister(instanceID)

	if snapshot.ContainerID != "" {
		err := a.runtime.StopContainer(ctx, snapshot.ContainerID, a.config.StopTimeout)
		if err != nil && !errors.Is(err, runtime.ErrNotFound) {
			zap.L().Warn("Error stopping container during delete",
				zap.String("instance_id", instanceID),
				zap.Error(err))
		}
	}

	containers, err := a.runtime.ListByLabel(ctx, build.LabelInstanceID, instanceID)
	if err != nil {
		zap.L().Warn("Error listing containers during delete",
			zap.String("instance_id", instanceID),
			zap.Error(err))
	}
	for _, summary := range containers {
		if err := a.runtime.RemoveContainer(ctx, summary.ID); err != nil && !errors.Is(err, runtime.ErrNotFound) {
			zap.L().Warn("Error removing container during delete",
				zap.String("container_id", summary.ID),
				zap.Error(err))
		}
	}

	if snapshot.ImageTag != "" {
		if err := a.runtime.RemoveImage(ctx, snapshot.ImageTag); err != nil && !errors.Is(err, runtime.ErrNotFound) {
			zap.L().Warn("Error removing image during delete",
				zap.String("image_tag", snapshot.ImageTag),
				zap.Error(err))
		}
	}

	if snapshot.Port != 0 {
		a.allocator.Release(snapshot.Port)
	}
	a.registry.Remove(instanceID)

	zap.L().Info("Game server deleted", zap.String("instance_id", instanceID))

	c.JSON(http.StatusOK, gin.H{
		"instance_id": instanceID,
		"deleted":     true,
	})
}

func (a *APIStore) ServerLogs(c *gin.Context) {
	instanceID := c.Param("instance_id")

	tail := 100
	if raw := c.Query("tail"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			a.sendError(c, http.StatusBadRequest, "tail must be a positive integer", nil)

			return
		}
		tail = parsed
	}

	logs, ok := a.registry.Logs(c.Request.Context(), instanceID, tail)
	if !ok {
		a.sendError(c, http.StatusNotFound, "game server not found", map[string]any{"instance_id": instanceID})

		return
	}

	c.JSON(http.StatusOK, gin.H{
		"instance_id": instanceID,
		"logs":        logs,
		"count":       len(logs),
	})
}

// UpdateActivity records a liveness heartbeat for the instance, optionally
// with the current connection count.
func (a *APIStore) UpdateActivity(c *gin.Context) {
	instanceID := c.Param("instance_id")

	activity, ok := a.supervisor.Get(instanceID)
	if !ok {
		a.sendError(c, http.StatusNotFound, "game server not found", map[string]any{"instance_id": instanceID})

		return
	}

	connectionCount := activity.ConnectionCount
	if raw, present := c.GetQuery("connection_count"); present {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			a.sendError(c, http.StatusBadRequest, "connection_count must be a non-negative integer", nil)

			return
		}
		connectionCount = parsed
	}

	a.supervisor.UpdateActivity(instanceID, connectionCount)

	activity, _ = a.supervisor.Get(instanceID)
	a.registry.ApplyStats(instanceID, activity.CPUPercent, activity.MemoryMB, activity.ConnectionCount)

	c.JSON(http.StatusOK, activity)
}
