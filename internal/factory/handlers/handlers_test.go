package handlers

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roomforge/roomforge/internal/factory/build"
	"github.com/roomforge/roomforge/internal/factory/cfg"
	"github.com/roomforge/roomforge/internal/factory/instances"
	"github.com/roomforge/roomforge/internal/factory/ports"
	"github.com/roomforge/roomforge/internal/factory/runtime"
	"github.com/roomforge/roomforge/internal/factory/supervisor"
	"github.com/roomforge/roomforge/internal/factory/validation"
	"github.com/roomforge/roomforge/pkg/api"
)

type stubProber struct {
	healthy bool
}

func (s *stubProber) Healthy(_ context.Context) bool { return s.healthy }

type testHarness struct {
	router     *gin.Engine
	fake       *runtime.FakeRuntime
	registry   *instances.Registry
	supervisor *supervisor.Supervisor
	prober     *stubProber
}

func testConfig(maxContainers int) cfg.Config {
	return cfg.Config{
		Debug:                  true,
		Environment:            "development",
		MaxFileSize:            1 << 20,
		AllowedExtensions:      []string{".js", ".mjs", ".html", ".htm", ".zip"},
		UploadTimeout:          time.Minute,
		DockerNetwork:          "roomforge-net",
		BasePort:               8081,
		PortProbeWindow:        100,
		MaxContainers:          maxContainers,
		ContainerMemoryLimitMB: 512,
		ContainerCPULimit:      0.5,
		IdleTimeoutSeconds:     1800,
		MaxErrorCount:          3,
		StopTimeout:            10 * time.Second,
	}
}

func newHarness(t *testing.T, maxContainers int) *testHarness {
	t.Helper()

	gin.SetMode(gin.TestMode)

	config := testConfig(maxContainers)
	fake := runtime.NewFakeRuntime()
	registry := instances.NewRegistry(fake)

	sup := supervisor.New(fake, supervisor.Config{
		MaxContainers: config.MaxContainers,
		IdleTimeout:   config.IdleTimeout(),
		MaxErrorCount: config.MaxErrorCount,
		StopTimeout:   config.StopTimeout,
		InstanceLabel: build.LabelInstanceID,
	}, registry.OnSupervisorStopped, registry.OnSupervisorError)

	allocator := ports.NewAllocator(fake, config.BasePort, config.PortProbeWindow)
	builder := build.NewBuilder(fake, allocator, sup, build.Config{
		ImagePrefix:   "roomforge",
		Network:       config.DockerNetwork,
		MatchmakerURL: "http://matchmaker:9000",
		MemoryLimitMB: config.ContainerMemoryLimitMB,
		CPULimit:      config.ContainerCPULimit,
		StopTimeout:   config.StopTimeout,
	})
	validator := validation.New(config.MaxFileSize, 5<<20, 20<<20, config.AllowedExtensions)

	prober := &stubProber{healthy: true}
	apiStore := New(config, fake, registry, sup, builder, allocator, validator, prober, "test")

	router := gin.New()
	apiStore.RegisterRoutes(router)

	return &testHarness{
		router:     router,
		fake:       fake,
		registry:   registry,
		supervisor: sup,
		prober:     prober,
	}
}

func (h *testHarness) upload(t *testing.T, filename string, content []byte, fields map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)

	for key, value := range fields {
		require.NoError(t, writer.WriteField(key, value))
	}
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, "/upload", &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	recorder := httptest.NewRecorder()
	h.router.ServeHTTP(recorder, req)

	return recorder
}

func (h *testHarness) do(t *testing.T, method, path string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, nil)
	recorder := httptest.NewRecorder()
	h.router.ServeHTTP(recorder, req)

	return recorder
}

func decodeEnvelope(t *testing.T, recorder *httptest.ResponseRecorder) api.Envelope {
	t.Helper()

	var envelope api.Envelope
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &envelope))

	return envelope
}

type uploadResponse struct {
	Message  string             `json:"message"`
	ServerID string             `json:"server_id"`
	Instance instances.Snapshot `json:"server"`
	Analysis *struct {
		Warnings    []string `json:"warnings"`
		Suggestions []string `json:"suggestions"`
	} `json:"analysis"`
}

const validJS = `const game = {
  handleConnection(socket, gameState) {
    socket.on('move', () => {});
  },
};

module.exports = game;
`

func TestUploadJSGame(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3)

	recorder := h.upload(t, "game.js", []byte(validJS), map[string]string{"name": "game"})
	require.Equal(t, http.StatusOK, recorder.Code, recorder.Body.String())

	var response uploadResponse
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &response))

	assert.Regexp(t, `^user_[0-9]+_game_[0-9]{3}$`, response.Instance.InstanceID)
	assert.Equal(t, instances.StatusRunning, response.Instance.Status)
	assert.Equal(t, 8081, response.Instance.Port)
	assert.Equal(t, "js", response.Instance.GameType)
	assert.NotNil(t, response.Analysis)

	assert.True(t, h.fake.HasImage(response.Instance.ImageTag))
	assert.Equal(t, 1, h.fake.ContainerCount())
	assert.Equal(t, 1, h.supervisor.Count())
}

func TestUploadRejectsDangerousCode(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3)

	source := "module.exports = {};\nconst result = eval('2 + 2');\n"
	recorder := h.upload(t, "game.js", []byte(source), nil)
	require.Equal(t, http.StatusBadRequest, recorder.Code)

	envelope := decodeEnvelope(t, recorder)
	assert.Equal(t, "game code failed analysis", envelope.Error.Message)
	assert.Contains(t, envelope.Error.Details, "security_issues")

	assert.Zero(t, h.fake.ContainerCount(), "rejected uploads must not launch anything")
	assert.Zero(t, h.registry.Count(), "rejected uploads leave no instance row")
}

func TestUploadHTMLGame(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3)

	recorder := h.upload(t, "game.html", []byte("<html><body>pong</body></html>"), map[string]string{"name": "pong"})
	require.Equal(t, http.StatusOK, recorder.Code, recorder.Body.String())

	var response uploadResponse
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &response))
	assert.Equal(t, "html", response.Instance.GameType)
	assert.Nil(t, response.Analysis, "static games carry no analysis report")
}

func TestUploadZipBundle(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3)

	var buf bytes.Buffer
	writer := zip.NewWriter(&buf)
	for name, content := range map[string]string{
		"index.html":  "<html>bundle</html>",
		"assets/a.js": "console.log('a');",
	} {
		entry, err := writer.Create(name)
		require.NoError(t, err)
		_, err = entry.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, writer.Close())

	recorder := h.upload(t, "bundle.zip", buf.Bytes(), nil)
	require.Equal(t, http.StatusOK, recorder.Code, recorder.Body.String())

	var response uploadResponse
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &response))
	assert.Equal(t, "html", response.Instance.GameType)
}

func TestUploadRejectsUnknownExtension(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3)

	recorder := h.upload(t, "game.exe", []byte("MZ"), nil)
	require.Equal(t, http.StatusBadRequest, recorder.Code)

	envelope := decodeEnvelope(t, recorder)
	assert.Contains(t, envelope.Error.Message, "not supported")
}

func TestUploadRejectsBadMaxPlayers(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3)

	recorder := h.upload(t, "game.js", []byte(validJS), map[string]string{"max_players": "0"})
	assert.Equal(t, http.StatusBadRequest, recorder.Code)

	recorder = h.upload(t, "game.js", []byte(validJS), map[string]string{"max_players": "many"})
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestUploadAtCapacity(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1)

	recorder := h.upload(t, "game.js", []byte(validJS), nil)
	require.Equal(t, http.StatusOK, recorder.Code)

	recorder = h.upload(t, "game.js", []byte(validJS), nil)
	require.Equal(t, http.StatusServiceUnavailable, recorder.Code)

	envelope := decodeEnvelope(t, recorder)
	assert.Contains(t, envelope.Error.Message, "maximum container limit reached (1/1)")
	assert.Equal(t, 1, h.registry.Count(), "the refused upload leaves no instance row")
}

func TestUploadLaunchFailureMarksError(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3)
	h.fake.RunErr = errors.New("cannot start container")

	recorder := h.upload(t, "game.js", []byte(validJS), nil)
	require.Equal(t, http.StatusInternalServerError, recorder.Code)

	envelope := decodeEnvelope(t, recorder)
	instanceID, ok := envelope.Error.Details["instance_id"].(string)
	require.True(t, ok)

	recorder = h.do(t, http.MethodGet, "/servers/"+instanceID)
	require.Equal(t, http.StatusOK, recorder.Code)

	var snapshot instances.Snapshot
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &snapshot))
	assert.Equal(t, instances.StatusError, snapshot.Status)
}

func launchGame(t *testing.T, h *testHarness) instances.Snapshot {
	t.Helper()

	recorder := h.upload(t, "game.js", []byte(validJS), map[string]string{"name": "game"})
	require.Equal(t, http.StatusOK, recorder.Code, recorder.Body.String())

	var response uploadResponse
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &response))

	return response.Instance
}

func TestGetServer(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3)
	instance := launchGame(t, h)

	recorder := h.do(t, http.MethodGet, "/servers/"+instance.InstanceID)
	require.Equal(t, http.StatusOK, recorder.Code)

	recorder = h.do(t, http.MethodGet, "/servers/user_0_missing_000")
	assert.Equal(t, http.StatusNotFound, recorder.Code)
}

func TestListServers(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3)
	launchGame(t, h)

	recorder := h.do(t, http.MethodGet, "/servers")
	require.Equal(t, http.StatusOK, recorder.Code)

	var listing struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &listing))
	assert.Equal(t, 1, listing.Count)
}

func TestStopServer(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3)
	instance := launchGame(t, h)

	recorder := h.do(t, http.MethodPost, fmt.Sprintf("/servers/%s/stop", instance.InstanceID))
	require.Equal(t, http.StatusOK, recorder.Code)

	assert.Zero(t, h.supervisor.Count(), "stopped instances leave the supervision table")

	recorder = h.do(t, http.MethodGet, "/servers/"+instance.InstanceID)
	require.Equal(t, http.StatusOK, recorder.Code)

	var snapshot instances.Snapshot
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &snapshot))
	assert.Equal(t, instances.StatusStopped, snapshot.Status)
}

func TestDeleteServer(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3)
	instance := launchGame(t, h)

	recorder := h.do(t, http.MethodDelete, "/servers/"+instance.InstanceID)
	require.Equal(t, http.StatusOK, recorder.Code)

	assert.Zero(t, h.fake.ContainerCount())
	assert.False(t, h.fake.HasImage(instance.ImageTag))

	recorder = h.do(t, http.MethodDelete, "/servers/"+instance.InstanceID)
	assert.Equal(t, http.StatusNotFound, recorder.Code)
}

func TestServerLogs(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3)
	instance := launchGame(t, h)

	h.fake.SetLogs(instance.ContainerID, []string{"game server listening on 8080"})

	recorder := h.do(t, http.MethodGet, fmt.Sprintf("/servers/%s/logs?tail=10", instance.InstanceID))
	require.Equal(t, http.StatusOK, recorder.Code)

	var response struct {
		Logs []instances.LogEntry `json:"logs"`
	}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &response))
	assert.NotEmpty(t, response.Logs)

	recorder = h.do(t, http.MethodGet, fmt.Sprintf("/servers/%s/logs?tail=zero", instance.InstanceID))
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestUpdateActivity(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3)
	instance := launchGame(t, h)

	recorder := h.do(t, http.MethodPost, fmt.Sprintf("/servers/%s/activity?connection_count=5", instance.InstanceID))
	require.Equal(t, http.StatusOK, recorder.Code)

	activity, ok := h.supervisor.Get(instance.InstanceID)
	require.True(t, ok)
	assert.Equal(t, 5, activity.ConnectionCount)

	recorder = h.do(t, http.MethodPost, "/servers/user_0_missing_000/activity")
	assert.Equal(t, http.StatusNotFound, recorder.Code)
}

func TestSystemStats(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3)
	launchGame(t, h)

	recorder := h.do(t, http.MethodGet, "/system/stats")
	require.Equal(t, http.StatusOK, recorder.Code)

	var response struct {
		Instances struct {
			Total    int            `json:"total"`
			ByStatus map[string]int `json:"by_status"`
		} `json:"instances"`
		Containers struct {
			Tracked int `json:"tracked"`
			Max     int `json:"max"`
		} `json:"containers"`
	}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &response))
	assert.Equal(t, 1, response.Instances.Total)
	assert.Equal(t, 1, response.Instances.ByStatus["running"])
	assert.Equal(t, 3, response.Containers.Max)
}

func TestIdleContainersEndpoint(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3)
	launchGame(t, h)

	recorder := h.do(t, http.MethodGet, "/system/idle-containers")
	require.Equal(t, http.StatusOK, recorder.Code)

	var response struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &response))
	assert.Zero(t, response.Count, "freshly launched instances are not idle")
}

func TestForceCleanup(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3)
	instance := launchGame(t, h)

	recorder := h.do(t, http.MethodPost, "/system/cleanup/"+instance.InstanceID)
	require.Equal(t, http.StatusOK, recorder.Code)

	assert.Zero(t, h.fake.ContainerCount())
	assert.Zero(t, h.supervisor.Count())
	assert.Zero(t, h.registry.Count())

	recorder = h.do(t, http.MethodPost, "/system/cleanup/"+instance.InstanceID)
	assert.Equal(t, http.StatusNotFound, recorder.Code)
}

func TestHealthRollup(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1)

	recorder := h.do(t, http.MethodGet, "/health")
	require.Equal(t, http.StatusOK, recorder.Code)

	var response struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &response))
	assert.Equal(t, "healthy", response.Status)

	// Matchmaker down degrades the factory and takes it out of rotation.
	h.prober.healthy = false
	recorder = h.do(t, http.MethodGet, "/health")
	require.Equal(t, http.StatusServiceUnavailable, recorder.Code)
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &response))
	assert.Equal(t, "degraded", response.Status)
	h.prober.healthy = true

	// At capacity the factory is limited but still serving.
	launchGame(t, h)
	recorder = h.do(t, http.MethodGet, "/health")
	require.Equal(t, http.StatusOK, recorder.Code)
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &response))
	assert.Equal(t, "limited", response.Status)

	// Docker down is fatal.
	h.fake.PingErr = errors.New("docker daemon unreachable")
	recorder = h.do(t, http.MethodGet, "/health")
	require.Equal(t, http.StatusServiceUnavailable, recorder.Code)
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &response))
	assert.Equal(t, "unhealthy", response.Status)
}

func TestRateLimitMiddleware(t *testing.T) {
	t.Parallel()

	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(RateLimit(2))
	router.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	do := func() int {
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		recorder := httptest.NewRecorder()
		router.ServeHTTP(recorder, req)

		return recorder.Code
	}

	assert.Equal(t, http.StatusOK, do())
	assert.Equal(t, http.StatusOK, do())
	assert.Equal(t, http.StatusTooManyRequests, do())
}
