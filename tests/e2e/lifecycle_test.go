package e2e

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/artpar/ladderbox/internal/core/compose"
	"github.com/artpar/ladderbox/internal/core/domain"
	"github.com/artpar/ladderbox/internal/core/recipe"
	"github.com/artpar/ladderbox/internal/shell/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Helpers
// =============================================================================

// build posts a build and requires it to finalize.
func build(t *testing.T, req api.CreateBuildRequest) domain.Build {
	t.Helper()
	status, body := Do(t, http.MethodPost, "/api/v1/builds", req)
	require.Equal(t, http.StatusCreated, status, string(body))

	b := Decode[domain.Build](t, body)
	require.Equal(t, domain.BuildImageFinalized, b.Phase)
	require.NotEmpty(t, b.ImageID)
	return b
}

// latestBuild returns a finalized build of the sample app, building one if
// none exists yet.
func latestBuild(t *testing.T) domain.Build {
	t.Helper()
	if b, err := testStore.LatestFinalizedBuild(context.Background(), testTag); err == nil {
		return *b
	}
	return build(t, api.CreateBuildRequest{})
}

func layers(t *testing.T, buildID string) []domain.LayerRecord {
	t.Helper()
	status, body := Do(t, http.MethodGet, "/api/v1/builds/"+buildID+"/layers", nil)
	require.Equal(t, http.StatusOK, status, string(body))
	return Decode[api.ListLayersResponse](t, body).Layers
}

// =============================================================================
// Smoke Tests
// =============================================================================

func TestE2E_HealthAndReady(t *testing.T) {
	requireEnvironment(t)

	status, _ := Do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, status)

	status, body := Do(t, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, status, string(body))
}

// =============================================================================
// Build Tests
// =============================================================================

// TestE2E_LayerCacheReuse walks the cache scenarios against a real daemon:
// a cold build installs dependencies, an application edit reuses the
// dependency layer, and a manifest edit invalidates it.
func TestE2E_LayerCacheReuse(t *testing.T) {
	requireEnvironment(t)

	install := recipe.IndexOf(recipe.Instructions(recipe.Default()), recipe.RoleInstall)
	tree := recipe.IndexOf(recipe.Instructions(recipe.Default()), recipe.RoleTree)

	t.Run("cold build installs dependencies", func(t *testing.T) {
		b := build(t, api.CreateBuildRequest{NoCache: true})
		assert.True(t, b.InstallerInvoked)
		assert.False(t, b.DependencyCacheHit)
		assert.Equal(t, 1, b.Packages)

		recs := layers(t, b.ID)
		require.Len(t, recs, 8)
		assert.False(t, recs[install].Cached)
	})

	t.Run("application edit reuses dependency layer", func(t *testing.T) {
		AppendFile(t, "snake_ladder_api.py", fmt.Sprintf("\n# edited %d\n", time.Now().UnixNano()))

		status, body := Do(t, http.MethodGet, "/api/v1/plan", nil)
		require.Equal(t, http.StatusOK, status, string(body))
		plan := Decode[map[string]any](t, body)
		assert.Equal(t, true, plan["dependency_layer_cached"])
		assert.Equal(t, float64(tree), plan["first_miss"])

		b := build(t, api.CreateBuildRequest{})
		assert.True(t, b.DependencyCacheHit)
		assert.False(t, b.InstallerInvoked)

		recs := layers(t, b.ID)
		require.Len(t, recs, 8)
		for i := 0; i < tree; i++ {
			assert.True(t, recs[i].Cached, "step %d should be reused", i+1)
		}
		assert.False(t, recs[tree].Cached)
	})

	t.Run("identical inputs reuse every layer", func(t *testing.T) {
		previous := latestBuild(t)

		b := build(t, api.CreateBuildRequest{})
		assert.True(t, b.DependencyCacheHit)
		assert.Equal(t, previous.ImageID, b.ImageID)
	})

	t.Run("manifest edit invalidates dependency layer", func(t *testing.T) {
		// click is already a uvicorn dependency, so the reinstall stays fast.
		AppendFile(t, "requirements.txt", "click>=8.0\n")

		b := build(t, api.CreateBuildRequest{})
		assert.False(t, b.DependencyCacheHit)
		assert.True(t, b.InstallerInvoked)
		assert.Equal(t, 2, b.Packages)

		recs := layers(t, b.ID)
		require.Len(t, recs, 8)
		assert.False(t, recs[install].Cached)
	})
}

func TestE2E_BuildFailureLeavesNoImage(t *testing.T) {
	requireEnvironment(t)
	EditFile(t, "requirements.txt", "ladderbox-package-that-does-not-exist==0.0.0\n")

	status, body := Do(t, http.MethodPost, "/api/v1/builds", api.CreateBuildRequest{Tag: testTag + "-broken"})
	require.Equal(t, http.StatusUnprocessableEntity, status, string(body))

	resp := Decode[api.BuildFailedResponse](t, body)
	install := recipe.IndexOf(recipe.Instructions(recipe.Default()), recipe.RoleInstall)
	assert.Equal(t, install+1, resp.Step)
	require.NotNil(t, resp.Build)
	assert.Equal(t, domain.BuildFailed, resp.Build.Phase)
	assert.NotEmpty(t, resp.Build.ErrorMessage)

	exists, err := testDocker.ImageExists(context.Background(), testTag+"-broken")
	require.NoError(t, err)
	assert.False(t, exists, "a failed build must not be tagged")
}

// =============================================================================
// Run Tests
// =============================================================================

func TestE2E_RunLifecycle(t *testing.T) {
	requireEnvironment(t)
	b := latestBuild(t)
	port := FreePort(t)

	status, body := Do(t, http.MethodPost, "/api/v1/runs", api.CreateRunRequest{BuildID: b.ID, HostPort: port})
	require.Equal(t, http.StatusCreated, status, string(body))
	run := Decode[domain.Run](t, body)
	CleanupRun(t, run.ID)

	assert.Equal(t, domain.ContainerRunning, run.Phase)
	assert.NotNil(t, run.ListeningAt)

	// The packaged API answers on the published port.
	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/board", port))
	require.NoError(t, err)
	appBody, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(appBody), `"path": "/board"`)

	ok := Eventually(t, 10*time.Second, 200*time.Millisecond, func() bool {
		_, logs := Do(t, http.MethodGet, "/api/v1/runs/"+run.ID+"/logs", nil)
		return strings.Contains(string(logs), "Uvicorn running")
	})
	assert.True(t, ok, "uvicorn startup line should appear in the logs")

	status, body = Do(t, http.MethodPost, "/api/v1/runs/"+run.ID+"/stop", nil)
	require.Equal(t, http.StatusOK, status, string(body))
	stopped := Decode[domain.Run](t, body)
	assert.Equal(t, domain.ContainerTerminated, stopped.Phase)
	require.NotNil(t, stopped.ExitCode)

	status, _ = Do(t, http.MethodPost, "/api/v1/runs/"+run.ID+"/stop", nil)
	assert.Equal(t, http.StatusConflict, status)
}

func TestE2E_RunCrashIsReported(t *testing.T) {
	requireEnvironment(t)
	b := latestBuild(t)

	status, body := Do(t, http.MethodPost, "/api/v1/runs", api.CreateRunRequest{
		BuildID:  b.ID,
		HostPort: FreePort(t),
		Env:      map[string]string{"CRASH_ON_IMPORT": "1"},
	})
	require.Equal(t, http.StatusUnprocessableEntity, status, string(body))

	resp := Decode[api.RunFailedResponse](t, body)
	require.NotNil(t, resp.Run)
	CleanupRun(t, resp.Run.ID)

	assert.Equal(t, domain.ContainerCrashed, resp.Run.Phase)
	require.NotNil(t, resp.ExitCode)
	assert.NotZero(t, *resp.ExitCode)
	assert.Contains(t, resp.Logs, "crash requested through CRASH_ON_IMPORT")
}

func TestE2E_RunPortConflict(t *testing.T) {
	requireEnvironment(t)
	b := latestBuild(t)
	port := FreePort(t)

	status, body := Do(t, http.MethodPost, "/api/v1/runs", api.CreateRunRequest{BuildID: b.ID, HostPort: port})
	require.Equal(t, http.StatusCreated, status, string(body))
	CleanupRun(t, Decode[domain.Run](t, body).ID)

	status, body = Do(t, http.MethodPost, "/api/v1/runs", api.CreateRunRequest{BuildID: b.ID, HostPort: port})
	require.Equal(t, http.StatusConflict, status, string(body))
	resp := Decode[api.RunFailedResponse](t, body)
	if resp.Run != nil {
		CleanupRun(t, resp.Run.ID)
		assert.Equal(t, domain.ContainerCrashed, resp.Run.Phase)
	}
}

// =============================================================================
// Compose Tests
// =============================================================================

func TestE2E_ComposeExportPinsImage(t *testing.T) {
	requireEnvironment(t)
	b := latestBuild(t)

	status, body := Do(t, http.MethodGet, "/api/v1/compose?healthcheck=true&build_id="+b.ID, nil)
	require.Equal(t, http.StatusOK, status, string(body))

	assert.Contains(t, string(body), b.ImageID)
	assert.NoError(t, compose.Validate(body, recipe.DefaultPort))
}
