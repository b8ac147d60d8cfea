// Package e2e provides end-to-end tests for ladderbox.
//
// These tests require a running Docker daemon with network access to pull the
// base image and install packages. They build real images and create real
// containers. Run with:
//
//	go test -v -timeout 15m ./tests/e2e/...
package e2e

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/artpar/ladderbox/internal/core/domain"
	"github.com/artpar/ladderbox/internal/core/recipe"
	"github.com/artpar/ladderbox/internal/shell/api"
	"github.com/artpar/ladderbox/internal/shell/builder"
	"github.com/artpar/ladderbox/internal/shell/docker"
	"github.com/artpar/ladderbox/internal/shell/runner"
	"github.com/artpar/ladderbox/internal/shell/store"
)

// =============================================================================
// Test Globals
// =============================================================================

var (
	testStore  store.Store
	testDocker docker.Client
	testRunner *runner.Service
	testClient *http.Client
	testServer *http.Server
	baseURL    string
	appDir     string
	testTag    string

	// skipReason is set when the environment cannot run these tests.
	skipReason string
)

// =============================================================================
// TestMain Setup
// =============================================================================

func TestMain(m *testing.M) {
	tmpDir, err := os.MkdirTemp("", "ladderbox_e2e_")
	if err != nil {
		log.Printf("Failed to create temp dir: %v", err)
		os.Exit(1)
	}

	code := setup(tmpDir)
	if code != 0 {
		os.RemoveAll(tmpDir)
		os.Exit(code)
	}

	result := m.Run()

	teardown()
	os.RemoveAll(tmpDir)
	os.Exit(result)
}

func setup(tmpDir string) int {
	log.Println("E2E Setup: Initializing test environment...")

	// 1. Docker must be reachable, otherwise every test is skipped
	d, err := docker.NewDockerClient("")
	if err != nil {
		skipReason = fmt.Sprintf("Docker not available: %v", err)
		log.Println("E2E Setup:", skipReason)
		return 0
	}
	if err := d.Ping(context.Background()); err != nil {
		d.Close()
		skipReason = fmt.Sprintf("Docker not reachable: %v", err)
		log.Println("E2E Setup:", skipReason)
		return 0
	}
	testDocker = d
	log.Println("E2E Setup: Docker daemon is reachable")

	// 2. Copy the sample application so tests can edit it
	appDir = filepath.Join(tmpDir, "app")
	if err := copyDir(filepath.Join("testdata", "snake-ladder-app"), appDir); err != nil {
		log.Printf("Failed to copy sample app: %v", err)
		return 1
	}
	log.Printf("E2E Setup: Sample app at %s", appDir)

	// 3. Ledger
	s, err := store.NewSQLiteStore(filepath.Join(tmpDir, "ledger.db"))
	if err != nil {
		log.Printf("Failed to create store: %v", err)
		return 1
	}
	testStore = s
	log.Println("E2E Setup: SQLite ledger initialized")

	// 4. Services and handler
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	testTag = domain.ImageTag("ladderbox-e2e/snake-ladder-api", fmt.Sprintf("t%d", time.Now().Unix()))
	testRunner = runner.NewService(testDocker, testStore, runner.Config{StartupTimeout: 60 * time.Second}, logger)

	handler := api.NewHandler(testStore, testDocker,
		builder.NewService(testDocker, testStore, logger),
		testRunner,
		api.Config{AppDir: appDir, Recipe: recipe.Default(), Tag: testTag},
		logger,
	)

	// 5. Serve on a free port
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		log.Printf("Failed to find available port: %v", err)
		return 1
	}
	baseURL = "http://" + listener.Addr().String()
	testServer = &http.Server{Handler: handler.Routes()}
	go func() {
		if err := testServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Printf("Server error: %v", err)
		}
	}()

	// Builds run synchronously inside the request.
	testClient = &http.Client{Timeout: 10 * time.Minute}

	if err := waitForReady(baseURL+"/health", 10*time.Second); err != nil {
		log.Printf("Server failed to become ready: %v", err)
		return 1
	}
	log.Printf("E2E Setup: Server is ready at %s", baseURL)
	return 0
}

func teardown() {
	log.Println("E2E Teardown: Cleaning up...")

	if testServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		testServer.Shutdown(ctx)
	}

	if testStore != nil && testRunner != nil {
		if err := CleanupAllRuns(context.Background(), testStore, testRunner); err != nil {
			log.Printf("WARN: Failed to cleanup runs: %v", err)
		}
	}
	if testDocker != nil {
		if err := testDocker.RemoveImage(context.Background(), testTag, true); err != nil {
			log.Printf("WARN: Failed to remove %s: %v", testTag, err)
		}
		testDocker.Close()
	}
	if testStore != nil {
		testStore.Close()
	}

	log.Println("E2E Teardown: Complete!")
}

// requireEnvironment skips the test when Docker is unavailable or -short is set.
func requireEnvironment(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping end-to-end test in short mode")
	}
	if skipReason != "" {
		t.Skip(skipReason)
	}
}

// waitForReady polls the health endpoint until it responds.
func waitForReady(url string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("server not ready after %v", timeout)
}
