package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"io/fs"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/artpar/ladderbox/internal/shell/runner"
	"github.com/artpar/ladderbox/internal/shell/store"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// API Client Helpers
// =============================================================================

// Do sends a request to the control API and returns the status and body.
func Do(t *testing.T, method, path string, body any) (int, []byte) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, baseURL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := testClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, out
}

// Decode unmarshals a response body.
func Decode[T any](t *testing.T, body []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(body, &v), string(body))
	return v
}

// =============================================================================
// Workspace Helpers
// =============================================================================

// copyDir copies a directory tree of regular files.
func copyDir(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return os.WriteFile(target, content, 0o644)
	})
}

// EditFile replaces a file in the sample app and restores it when the test
// ends.
func EditFile(t *testing.T, name, content string) {
	t.Helper()
	path := filepath.Join(appDir, name)

	original, err := os.ReadFile(path)
	require.NoError(t, err)
	t.Cleanup(func() {
		os.WriteFile(path, original, 0o644)
	})

	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// AppendFile appends to a file in the sample app and restores it when the
// test ends.
func AppendFile(t *testing.T, name, content string) {
	t.Helper()
	original, err := os.ReadFile(filepath.Join(appDir, name))
	require.NoError(t, err)
	EditFile(t, name, string(original)+content)
}

// FreePort returns a TCP port that was free a moment ago.
func FreePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

// =============================================================================
// Eventually Helper
// =============================================================================

// Eventually retries a condition function until it returns true or timeout.
func Eventually(t *testing.T, timeout, interval time.Duration, condition func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(interval)
	}
	return false
}

// =============================================================================
// Cleanup Utilities
// =============================================================================

// CleanupAllRuns removes the containers of every run still active in the
// ledger. Use this in TestMain cleanup.
func CleanupAllRuns(ctx context.Context, s store.Store, r *runner.Service) error {
	runs, err := s.ListActiveRuns(ctx)
	if err != nil {
		return err
	}
	for _, run := range runs {
		_, _ = r.Remove(ctx, run.ID)
	}
	return nil
}

// CleanupRun removes a run's container when the test ends.
func CleanupRun(t *testing.T, runID string) {
	t.Helper()
	t.Cleanup(func() {
		if _, err := testRunner.Remove(context.Background(), runID); err != nil {
			t.Logf("WARN: remove %s: %v", runID, err)
		}
	})
}
