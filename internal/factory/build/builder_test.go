package build

import (
	"archive/tar"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roomforge/roomforge/internal/factory/ports"
	"github.com/roomforge/roomforge/internal/factory/runtime"
	"github.com/roomforge/roomforge/internal/factory/supervisor"
)

func testBuilder(t *testing.T, maxContainers int) (*Builder, *runtime.FakeRuntime, *supervisor.Supervisor, *ports.Allocator) {
	t.Helper()

	fake := runtime.NewFakeRuntime()
	sup := supervisor.New(fake, supervisor.Config{
		MaxContainers: maxContainers,
		IdleTimeout:   10 * time.Minute,
		MaxErrorCount: 3,
		StopTimeout:   10 * time.Second,
		InstanceLabel: LabelInstanceID,
	}, func(string, string) {}, func(string, string, string) {})
	allocator := ports.NewAllocator(fake, 8081, 100)

	builder := NewBuilder(fake, allocator, sup, Config{
		ImagePrefix:   "roomforge",
		Network:       "roomforge-net",
		MatchmakerURL: "http://matchmaker:9000",
		MemoryLimitMB: 512,
		CPULimit:      0.5,
		StopTimeout:   10 * time.Second,
	})

	return builder, fake, sup, allocator
}

func jsSpec(instanceID string) Spec {
	return Spec{
		InstanceID:  instanceID,
		DisplayName: "Test Room",
		MaxPlayers:  4,
		Payload: Payload{
			GameType: GameTypeJS,
			JSSource: "module.exports = { handleConnection() {} };",
		},
	}
}

func TestLaunchRegistersInstance(t *testing.T) {
	t.Parallel()

	builder, fake, sup, _ := testBuilder(t, 3)

	result, err := builder.Launch(context.Background(), jsSpec("user_1700000000_game_001"))
	require.NoError(t, err)

	assert.Equal(t, 8081, result.HostPort)
	assert.Equal(t, "roomforge:user_1700000000_game_001", result.ImageTag)
	assert.True(t, fake.HasImage(result.ImageTag))

	state, err := fake.InspectContainer(context.Background(), result.ContainerID)
	require.NoError(t, err)
	assert.Equal(t, runtime.StatusRunning, state.Status)

	activity, ok := sup.Get("user_1700000000_game_001")
	require.True(t, ok)
	assert.Equal(t, result.ContainerID, activity.ContainerID)
}

func TestLaunchRefusedAtCeiling(t *testing.T) {
	t.Parallel()

	builder, _, _, _ := testBuilder(t, 1)

	_, err := builder.Launch(context.Background(), jsSpec("user_1_game_001"))
	require.NoError(t, err)

	_, err = builder.Launch(context.Background(), jsSpec("user_2_game_001"))
	require.ErrorIs(t, err, ErrAdmissionRefused)
	assert.Contains(t, err.Error(), "maximum container limit reached (1/1)")
}

func TestLaunchBuildFailureReleasesPort(t *testing.T) {
	t.Parallel()

	builder, fake, sup, allocator := testBuilder(t, 3)
	fake.BuildErr = errors.New("npm install failed")

	_, err := builder.Launch(context.Background(), jsSpec("user_1_game_001"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "npm install failed")
	assert.Zero(t, sup.Count())

	// The reserved port is back in the pool.
	fake.BuildErr = nil
	port, err := allocator.Allocate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 8081, port)
}

func TestLaunchRunFailureRemovesImage(t *testing.T) {
	t.Parallel()

	builder, fake, sup, _ := testBuilder(t, 3)
	fake.RunErr = errors.New("port is already allocated")

	_, err := builder.Launch(context.Background(), jsSpec("user_1_game_001"))
	require.Error(t, err)
	assert.False(t, fake.HasImage("roomforge:user_1_game_001"), "failed launch must not leak the image")
	assert.Zero(t, sup.Count())
	assert.Zero(t, fake.ContainerCount())
}

func TestMaterializeContextJS(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	payload := Payload{GameType: GameTypeJS, JSSource: "function tick() {}"}
	require.NoError(t, MaterializeContext(dir, payload, 8, 30))

	for _, name := range []string{"Dockerfile", "package.json", "server.js", "user_game.js"} {
		_, err := os.Stat(filepath.Join(dir, name))
		assert.NoError(t, err, "context must contain %s", name)
	}

	userGame, err := os.ReadFile(filepath.Join(dir, "user_game.js"))
	require.NoError(t, err)
	assert.Contains(t, string(userGame), "module.exports = {};", "sources without exports get the shim")

	packageJSON, err := os.ReadFile(filepath.Join(dir, "package.json"))
	require.NoError(t, err)
	assert.Contains(t, string(packageJSON), "socket.io")

	serverJS, err := os.ReadFile(filepath.Join(dir, "server.js"))
	require.NoError(t, err)
	assert.Contains(t, string(serverJS), "const MAX_PLAYERS = 8;")
	assert.Contains(t, string(serverJS), "require('./user_game')")
}

func TestMaterializeContextJSKeepsExistingExports(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	source := "module.exports = { handleConnection() {} };"
	require.NoError(t, MaterializeContext(dir, Payload{GameType: GameTypeJS, JSSource: source}, 4, 30))

	userGame, err := os.ReadFile(filepath.Join(dir, "user_game.js"))
	require.NoError(t, err)
	assert.Equal(t, source, string(userGame))
}

func TestMaterializeContextHTML(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	payload := Payload{
		GameType:  GameTypeHTML,
		IndexPath: "index.html",
		Files: map[string][]byte{
			"index.html":  []byte("<html><body>game</body></html>"),
			"assets/a.js": []byte("console.log('asset');"),
		},
	}
	require.NoError(t, MaterializeContext(dir, payload, 4, 30))

	index, err := os.ReadFile(filepath.Join(dir, "game", "index.html"))
	require.NoError(t, err)
	assert.Contains(t, string(index), "game")

	_, err = os.Stat(filepath.Join(dir, "game", "assets", "a.js"))
	assert.NoError(t, err, "auxiliary bundle files are copied verbatim")

	packageJSON, err := os.ReadFile(filepath.Join(dir, "package.json"))
	require.NoError(t, err)
	assert.NotContains(t, string(packageJSON), "socket.io", "static games do not pull socket.io")

	serverJS, err := os.ReadFile(filepath.Join(dir, "server.js"))
	require.NoError(t, err)
	assert.Contains(t, string(serverJS), "express.static('game')")
}

func TestMaterializeContextHTMLNestedIndex(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	payload := Payload{
		GameType:  GameTypeHTML,
		IndexPath: "bundle/main.html",
		Files: map[string][]byte{
			"bundle/main.html":   []byte("<html><body>game</body></html>"),
			"bundle/assets/a.js": []byte("console.log('asset');"),
		},
	}
	require.NoError(t, MaterializeContext(dir, payload, 4, 30))

	// The bundle layout survives so relative asset links keep working, and
	// the entry page is copied to the game root as the front door.
	nested, err := os.ReadFile(filepath.Join(dir, "game", "bundle", "main.html"))
	require.NoError(t, err)
	index, err := os.ReadFile(filepath.Join(dir, "game", "index.html"))
	require.NoError(t, err)
	assert.Equal(t, nested, index)

	_, err = os.Stat(filepath.Join(dir, "game", "bundle", "assets", "a.js"))
	require.NoError(t, err)
}

func TestTarContextRoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, MaterializeContext(dir, Payload{GameType: GameTypeJS, JSSource: "module.exports = {};"}, 4, 30))

	reader, err := TarContext(dir)
	require.NoError(t, err)

	found := make(map[string]bool)
	tr := tar.NewReader(reader)
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		found[header.Name] = true
	}

	for _, name := range []string{"Dockerfile", "package.json", "server.js", "user_game.js"} {
		assert.True(t, found[name], "archive must contain %s at the root", name)
	}
}
