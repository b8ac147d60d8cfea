package workspace

import (
	"archive/tar"
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/artpar/ladderbox/internal/core/recipe"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Helpers
// =============================================================================

func writeFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
}

func sampleApp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"requirements.txt":           "fastapi==0.111.0\nuvicorn==0.30.1\n",
		"snake_ladder_api.py":        "app = None\n",
		"board/layout.py":            "SIZE = 100\n",
		"__pycache__/x.cpython.pyc":  "bytecode",
		".dockerignore":              "__pycache__\n*.pyc\n",
		recipe.DescriptorName:        "stale descriptor",
		"board/__pycache__/y.pyc":    "bytecode",
		"notes/keep.md":              "kept",
		"notes/scratch.tmp":          "dropped",
		".git/HEAD":                  "ref: refs/heads/main",
		"static/favicon.ico":         "icon",
		"static/generated/bundle.js": "bundle",
		"static/generated/keep.js":   "keep",
		"tests/test_snake_ladder.py": "def test(): pass\n",
		"tests/fixtures/board.json":  "{}",
		"docs/README.md":             "readme",
	})
	// Extend the ignore file with exclusions and exceptions.
	writeFiles(t, dir, map[string]string{
		".dockerignore": "__pycache__\n**/*.pyc\n*.tmp\nnotes/*.tmp\n.git\nstatic/generated\n!static/generated/keep.js\n",
	})
	return dir
}

func paths(ws *Workspace) []string {
	out := make([]string, 0, len(ws.Entries))
	for _, e := range ws.Entries {
		out = append(out, e.Path)
	}
	return out
}

// =============================================================================
// Scan Tests
// =============================================================================

func TestScan_AppliesIgnoreRules(t *testing.T) {
	dir := sampleApp(t)

	ws, err := Scan(dir, recipe.Default())
	require.NoError(t, err)

	got := paths(ws)
	assert.Contains(t, got, "requirements.txt")
	assert.Contains(t, got, "snake_ladder_api.py")
	assert.Contains(t, got, "board/layout.py")
	assert.Contains(t, got, "notes/keep.md")
	assert.Contains(t, got, "static/generated/keep.js")
	assert.Contains(t, got, ".dockerignore")

	assert.NotContains(t, got, "__pycache__/x.cpython.pyc")
	assert.NotContains(t, got, "board/__pycache__/y.pyc")
	assert.NotContains(t, got, "notes/scratch.tmp")
	assert.NotContains(t, got, ".git/HEAD")
	assert.NotContains(t, got, "static/generated/bundle.js")
	assert.NotContains(t, got, recipe.DescriptorName)
	assert.Positive(t, ws.Ignored)

	assert.Len(t, ws.Manifest.Requirements, 2)
	assert.NoError(t, ws.TreeDigest.Validate())
}

func TestScan_TreeDigestTracksContent(t *testing.T) {
	dir := sampleApp(t)

	first, err := Scan(dir, recipe.Default())
	require.NoError(t, err)

	again, err := Scan(dir, recipe.Default())
	require.NoError(t, err)
	assert.Equal(t, first.TreeDigest, again.TreeDigest)

	// Ignored files never affect the digest.
	writeFiles(t, dir, map[string]string{"notes/scratch.tmp": "changed"})
	ignoredChange, err := Scan(dir, recipe.Default())
	require.NoError(t, err)
	assert.Equal(t, first.TreeDigest, ignoredChange.TreeDigest)

	writeFiles(t, dir, map[string]string{"snake_ladder_api.py": "app = object()\n"})
	appChange, err := Scan(dir, recipe.Default())
	require.NoError(t, err)
	assert.NotEqual(t, first.TreeDigest, appChange.TreeDigest)
	assert.Equal(t, first.Manifest.Digest, appChange.Manifest.Digest)
	assert.Equal(t, first.Inputs().Manifest, appChange.Inputs().Manifest)
}

func TestScan_EmptyManifest(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"requirements.txt": "", "snake_ladder_api.py": "app = None\n"})

	ws, err := Scan(dir, recipe.Default())
	require.NoError(t, err)
	assert.Empty(t, ws.Manifest.Requirements)
}

func TestScan_Errors(t *testing.T) {
	t.Run("missing manifest", func(t *testing.T) {
		dir := t.TempDir()
		writeFiles(t, dir, map[string]string{"snake_ladder_api.py": "app = None\n"})

		_, err := Scan(dir, recipe.Default())
		assert.ErrorIs(t, err, ErrManifestMissing)
	})

	t.Run("ignored manifest", func(t *testing.T) {
		dir := t.TempDir()
		writeFiles(t, dir, map[string]string{"requirements.txt": "", ".dockerignore": "*.txt\n"})

		_, err := Scan(dir, recipe.Default())
		assert.ErrorIs(t, err, ErrManifestIgnored)
	})

	t.Run("malformed manifest", func(t *testing.T) {
		dir := t.TempDir()
		writeFiles(t, dir, map[string]string{"requirements.txt": "-r other.txt\n"})

		_, err := Scan(dir, recipe.Default())
		var wsErr *WorkspaceError
		require.True(t, errors.As(err, &wsErr))
		assert.Equal(t, "requirements.txt", wsErr.Path)
	})

	t.Run("not a directory", func(t *testing.T) {
		dir := t.TempDir()
		writeFiles(t, dir, map[string]string{"file": "x"})

		_, err := Scan(filepath.Join(dir, "file"), recipe.Default())
		assert.ErrorIs(t, err, ErrNotDirectory)
	})
}

// =============================================================================
// Context Tests
// =============================================================================

func TestContext_ContainsDescriptorAndTree(t *testing.T) {
	dir := sampleApp(t)
	ws, err := Scan(dir, recipe.Default())
	require.NoError(t, err)

	descriptor := recipe.Render(recipe.Default())
	rc := ws.Context(descriptor)
	defer rc.Close()

	tr := tar.NewReader(rc)
	var names []string
	contents := map[string]string{}
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		names = append(names, hdr.Name)
		assert.Equal(t, contextEpoch.Unix(), hdr.ModTime.Unix())
		assert.Zero(t, hdr.Uid)
		if hdr.Typeflag == tar.TypeReg {
			b, err := io.ReadAll(tr)
			require.NoError(t, err)
			contents[hdr.Name] = string(b)
		}
	}

	require.NotEmpty(t, names)
	assert.Equal(t, recipe.DescriptorName, names[0])
	assert.Equal(t, descriptor, contents[recipe.DescriptorName])
	assert.Equal(t, "app = None\n", contents["snake_ladder_api.py"])
	assert.Contains(t, names, "board/")
	assert.NotContains(t, names, ".git/HEAD")

	// The application's ignore rules are kept and the descriptor is added so
	// it is not copied into the image.
	appRules, err := os.ReadFile(filepath.Join(dir, IgnoreFile))
	require.NoError(t, err)
	assert.Equal(t, string(appRules)+recipe.DescriptorName+"\n", contents[IgnoreFile])
	count := 0
	for _, name := range names {
		if name == IgnoreFile {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestContext_GeneratedIgnoreWithoutAppRules(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"requirements.txt":    "uvicorn==0.30.1\n",
		"snake_ladder_api.py": "app = None\n",
	})
	ws, err := Scan(dir, recipe.Default())
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, ws.WriteContext(&buf, "FROM scratch\n"))

	tr := tar.NewReader(&buf)
	var ignore string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		if hdr.Name == IgnoreFile {
			b, err := io.ReadAll(tr)
			require.NoError(t, err)
			ignore = string(b)
		}
	}
	assert.Equal(t, recipe.DescriptorName+"\n"+IgnoreFile+"\n", ignore)
}
