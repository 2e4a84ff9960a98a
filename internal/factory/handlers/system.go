package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/roomforge/roomforge/internal/factory/instances"
)

// SystemStats reports the operator's view: instance counts by status, the
// container ceiling, resource totals and the full activity table.
func (a *APIStore) SystemStats(c *gin.Context) {
	snapshots := a.registry.List(c.Request.Context())

	byStatus := map[instances.Status]int{}
	for _, snapshot := range snapshots {
		byStatus[snapshot.Status]++
	}

	activities := a.supervisor.Activities()

	var (
		totalConnections int
		totalCPUPercent  float64
		totalMemoryMB    float64
	)
	for _, activity := range activities {
		totalConnections += activity.ConnectionCount
		totalCPUPercent += activity.CPUPercent
		totalMemoryMB += activity.MemoryMB
	}

	c.JSON(http.StatusOK, gin.H{
		"uptime_seconds": int(time.Since(a.startedAt) / time.Second),
		"instances": gin.H{
			"total":     len(snapshots),
			"by_status": byStatus,
		},
		"containers": gin.H{
			"tracked": a.supervisor.Count(),
			"max":     a.config.MaxContainers,
		},
		"totals": gin.H{
			"connections": totalConnections,
			"cpu_percent": totalCPUPercent,
			"memory_mb":   totalMemoryMB,
		},
		"activities": activities,
	})
}

func (a *APIStore) IdleContainers(c *gin.Context) {
	idle := a.supervisor.IdleContainers()

	c.JSON(http.StatusOK, gin.H{
		"idle":  idle,
		"count": len(idle),
	})
}

// ForceCleanup removes every runtime resource tied to the instance and
// drops it from both the supervisor and the registry.
func (a *APIStore) ForceCleanup(c *gin.Context) {
	ctx := c.Request.Context()
	instanceID := c.Param("instance_id")

	if _, ok := a.supervisor.Get(instanceID); !ok {
		a.sendError(c, http.StatusNotFound, "game server not found", map[string]any{"instance_id": instanceID})

		return
	}

	snapshot, hasRow := a.registry.Get(ctx, instanceID)

	ok := a.supervisor.ForceCleanup(ctx, instanceID)

	if hasRow && snapshot.Port != 0 {
		a.allocator.Release(snapshot.Port)
	}
	a.registry.Remove(instanceID)

	if !ok {
		zap.L().Error("Cleanup finished with errors", zap.String("instance_id", instanceID))

		a.sendError(c, http.StatusInternalServerError, "cleanup finished with errors", map[string]any{
			"instance_id": instanceID,
		})

		return
	}

	zap.L().Info("Forced cleanup", zap.String("instance_id", instanceID))

	c.JSON(http.StatusOK, gin.H{
		"instance_id": instanceID,
		"cleaned":     true,
	})
}
