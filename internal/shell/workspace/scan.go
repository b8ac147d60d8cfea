package workspace

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/artpar/ladderbox/internal/core/layer"
	"github.com/artpar/ladderbox/internal/core/manifest"
	"github.com/artpar/ladderbox/internal/core/recipe"
	"github.com/moby/patternmatcher"
	"github.com/moby/patternmatcher/ignorefile"
	"github.com/opencontainers/go-digest"
)

// IgnoreFile is the name of the build context exclusion file.
const IgnoreFile = ".dockerignore"

// Entry is one path of the application tree, relative to the workspace root
// and slash separated.
type Entry struct {
	Path   string
	Mode   fs.FileMode
	Size   int64
	Target string // symlink target
}

// Workspace is a scanned application directory.
type Workspace struct {
	Dir        string
	Recipe     recipe.Recipe
	Manifest   *manifest.Manifest
	Entries    []Entry
	TreeDigest digest.Digest
	Ignored    int
}

// Inputs returns the file digests that feed layer cache keys.
func (w *Workspace) Inputs() layer.Inputs {
	return layer.Inputs{Manifest: w.Manifest.Digest, Tree: w.TreeDigest}
}

// Scan reads the manifest named by the recipe, applies .dockerignore, and
// digests the remaining tree. The digest covers relative paths, modes, symlink
// targets and file contents, so it changes exactly when the copied tree
// changes.
func Scan(dir string, r recipe.Recipe) (*Workspace, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, NewWorkspaceError("Scan", dir, err.Error(), err)
	}
	if !info.IsDir() {
		return nil, NewWorkspaceError("Scan", dir, "not a directory", ErrNotDirectory)
	}

	pm, err := loadIgnore(dir)
	if err != nil {
		return nil, err
	}

	manifestPath := filepath.Join(dir, filepath.FromSlash(r.Manifest))
	content, err := os.ReadFile(manifestPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, NewWorkspaceError("Scan", r.Manifest, "manifest does not exist", ErrManifestMissing)
		}
		return nil, NewWorkspaceError("Scan", r.Manifest, err.Error(), err)
	}
	if ignored, _ := pm.MatchesOrParentMatches(filepath.ToSlash(filepath.Clean(r.Manifest))); ignored {
		return nil, NewWorkspaceError("Scan", r.Manifest, "manifest would not be sent to the builder", ErrManifestIgnored)
	}

	parsed, err := manifest.Parse(content)
	if err != nil {
		return nil, NewWorkspaceError("Scan", r.Manifest, err.Error(), err)
	}

	ws := &Workspace{Dir: dir, Recipe: r, Manifest: parsed}
	if err := ws.walk(pm); err != nil {
		return nil, err
	}
	if err := ws.digestTree(); err != nil {
		return nil, err
	}
	return ws, nil
}

// loadIgnore reads .dockerignore when present.
func loadIgnore(dir string) (*patternmatcher.PatternMatcher, error) {
	var patterns []string

	f, err := os.Open(filepath.Join(dir, IgnoreFile))
	switch {
	case err == nil:
		defer f.Close()
		patterns, err = ignorefile.ReadAll(f)
		if err != nil {
			return nil, NewWorkspaceError("Scan", IgnoreFile, err.Error(), ErrInvalidIgnore)
		}
	case !errors.Is(err, fs.ErrNotExist):
		return nil, NewWorkspaceError("Scan", IgnoreFile, err.Error(), err)
	}

	pm, err := patternmatcher.New(patterns)
	if err != nil {
		return nil, NewWorkspaceError("Scan", IgnoreFile, err.Error(), ErrInvalidIgnore)
	}
	return pm, nil
}

// walk collects the entries the builder will receive.
func (w *Workspace) walk(pm *patternmatcher.PatternMatcher) error {
	err := filepath.WalkDir(w.Dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(w.Dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if rel == recipe.DescriptorName {
			w.Ignored++
			return nil
		}

		matched, err := pm.MatchesOrParentMatches(rel)
		if err != nil {
			return err
		}
		if matched {
			w.Ignored++
			if d.IsDir() && !pm.Exclusions() {
				return filepath.SkipDir
			}
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		entry := Entry{Path: rel, Mode: info.Mode()}
		switch {
		case info.Mode().IsRegular():
			entry.Size = info.Size()
		case info.Mode()&fs.ModeSymlink != 0:
			entry.Target, err = os.Readlink(path)
			if err != nil {
				return err
			}
		case info.IsDir():
		default:
			// Sockets, devices and pipes are never part of a build context.
			w.Ignored++
			return nil
		}
		w.Entries = append(w.Entries, entry)
		return nil
	})
	if err != nil {
		return NewWorkspaceError("Scan", w.Dir, err.Error(), err)
	}

	sort.Slice(w.Entries, func(i, j int) bool { return w.Entries[i].Path < w.Entries[j].Path })
	return nil
}

// digestTree hashes every entry in path order.
func (w *Workspace) digestTree() error {
	d := digest.Canonical.Digester()
	h := d.Hash()

	for _, e := range w.Entries {
		io.WriteString(h, e.Path)
		h.Write([]byte{0})
		io.WriteString(h, strconv.FormatUint(uint64(e.Mode), 8))
		h.Write([]byte{0})

		switch {
		case e.Mode.IsRegular():
			f, err := os.Open(filepath.Join(w.Dir, filepath.FromSlash(e.Path)))
			if err != nil {
				return NewWorkspaceError("Scan", e.Path, err.Error(), err)
			}
			fileDigest, err := digest.Canonical.FromReader(f)
			f.Close()
			if err != nil {
				return NewWorkspaceError("Scan", e.Path, err.Error(), err)
			}
			io.WriteString(h, fileDigest.String())
		case e.Mode&fs.ModeSymlink != 0:
			io.WriteString(h, e.Target)
		}
		h.Write([]byte{'\n'})
	}

	w.TreeDigest = d.Digest()
	return nil
}
