package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/roomforge/roomforge/internal/matchmaker/store"
	"github.com/roomforge/roomforge/pkg/api"
	"github.com/roomforge/roomforge/pkg/health"
)

// APIStore wires the registry to the HTTP surface.
type APIStore struct {
	store   *store.Store
	version string
	debug   bool
}

func New(serverStore *store.Store, version string, debug bool) *APIStore {
	return &APIStore{
		store:   serverStore,
		version: version,
		debug:   debug,
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
	router.POST("/register", a.RegisterServer)
	router.POST("/heartbeat/:server_id", a.Heartbeat)
	router.GET("/servers", a.ListServers)
	router.GET("/servers/:server_id", a.GetServer)
	router.DELETE("/servers/:server_id", a.RemoveServer)
}

func (a *APIStore) sendError(c *gin.Context, code int, message string, details map[string]any) {
	c.AbortWithStatusJSON(code, api.NewEnvelope(code, message, c.Request.URL.Path, details))
}

func (a *APIStore) Health(c *gin.Context) {
	c.JSON(http.StatusOK, health.Response{
		Status:  health.Healthy,
		Version: a.version,
		Components: map[string]any{
			"registered_servers": a.store.Count(),
			"active_servers":     len(a.store.ActiveList()),
		},
	})
}

func (a *APIStore) RegisterServer(c *gin.Context) {
	var registration store.Registration
	if err := c.ShouldBindJSON(&registration); err != nil {
		a.sendError(c, http.StatusBadRequest, "invalid registration payload", a.errDetails(err))

		return
	}

	view := a.store.RegisterOrUpdate(registration)

	zap.L().Info("Game server registered",
		zap.String("server_id", view.ServerID),
		zap.String("name", view.Name))

	c.JSON(http.StatusOK, view)
}

func (a *APIStore) Heartbeat(c *gin.Context) {
	serverID := c.Param("server_id")

	var currentPlayers *int
	if raw, ok := c.GetQuery("current_players"); ok {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			a.sendError(c, http.StatusBadRequest, "current_players must be a non-negative integer", nil)

			return
		}
		currentPlayers = &parsed
	}

	view, ok := a.store.Heartbeat(serverID, currentPlayers)
	if !ok {
		a.sendError(c, http.StatusNotFound, "server not registered", map[string]any{"server_id": serverID})

		return
	}

	c.JSON(http.StatusOK, view)
}

func (a *APIStore) ListServers(c *gin.Context) {
	servers := a.store.ActiveList()

	c.JSON(http.StatusOK, gin.H{
		"servers": servers,
		"count":   len(servers),
	})
}

func (a *APIStore) GetServer(c *gin.Context) {
	serverID := c.Param("server_id")

	view, state := a.store.Get(serverID)
	switch state {
	case store.LookupMissing:
		a.sendError(c, http.StatusNotFound, "server not registered", map[string]any{"server_id": serverID})
	case store.LookupStale:
		a.sendError(c, http.StatusGone, "server registration expired", map[string]any{
			"server_id":      serverID,
			"last_heartbeat": view.LastHeartbeat,
		})
	default:
		c.JSON(http.StatusOK, view)
	}
}

func (a *APIStore) RemoveServer(c *gin.Context) {
	serverID := c.Param("server_id")

	if !a.store.Remove(serverID) {
		a.sendError(c, http.StatusNotFound, "server not registered", map[string]any{"server_id": serverID})

		return
	}

	zap.L().Info("Game server removed", zap.String("server_id", serverID))

	c.JSON(http.StatusOK, gin.H{"server_id": serverID, "removed": true})
}

func (a *APIStore) errDetails(err error) map[string]any {
	if !a.debug {
		return nil
	}

	return map[string]any{"error": err.Error()}
}
