package workspace

import (
	"archive/tar"
	"bytes"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/artpar/ladderbox/internal/core/recipe"
)

// contextEpoch is stamped on every archived entry so that identical trees
// produce identical archives.
var contextEpoch = time.Unix(0, 0).UTC()

// Context streams the build context: the rendered descriptor under its
// private name followed by every scanned entry. The caller must close the
// returned reader.
func (w *Workspace) Context(descriptor string) io.ReadCloser {
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(w.WriteContext(pw, descriptor))
	}()
	return pr
}

// WriteContext writes the build context archive to out.
func (w *Workspace) WriteContext(out io.Writer, descriptor string) error {
	tw := tar.NewWriter(out)

	if err := writeFile(tw, recipe.DescriptorName, []byte(descriptor)); err != nil {
		return err
	}

	ignore, err := w.contextIgnore()
	if err != nil {
		return err
	}
	if err := writeFile(tw, IgnoreFile, ignore); err != nil {
		return err
	}

	for _, e := range w.Entries {
		if e.Path == IgnoreFile {
			continue
		}
		if err := w.writeEntry(tw, e); err != nil {
			return err
		}
	}

	if err := tw.Close(); err != nil {
		return NewWorkspaceError("Context", "", err.Error(), err)
	}
	return nil
}

// contextIgnore returns the ignore file sent with the context: the
// application's own rules plus the descriptor, so the builder reads the
// descriptor but does not copy it into the image. The ignore file itself is
// excluded too when the application did not ship one.
func (w *Workspace) contextIgnore() ([]byte, error) {
	var buf bytes.Buffer
	shipped := false
	for _, e := range w.Entries {
		if e.Path == IgnoreFile {
			shipped = true
			break
		}
	}

	data, err := os.ReadFile(filepath.Join(w.Dir, IgnoreFile))
	switch {
	case err == nil:
		buf.Write(data)
		if len(data) > 0 && !bytes.HasSuffix(data, []byte("\n")) {
			buf.WriteByte('\n')
		}
	case !errors.Is(err, fs.ErrNotExist):
		return nil, NewWorkspaceError("Context", IgnoreFile, err.Error(), err)
	}

	buf.WriteString(recipe.DescriptorName + "\n")
	if !shipped {
		buf.WriteString(IgnoreFile + "\n")
	}
	return buf.Bytes(), nil
}

func writeFile(tw *tar.Writer, name string, content []byte) error {
	if err := tw.WriteHeader(normalize(&tar.Header{
		Typeflag: tar.TypeReg,
		Name:     name,
		Mode:     0o644,
		Size:     int64(len(content)),
	})); err != nil {
		return NewWorkspaceError("Context", name, err.Error(), err)
	}
	if _, err := tw.Write(content); err != nil {
		return NewWorkspaceError("Context", name, err.Error(), err)
	}
	return nil
}

func (w *Workspace) writeEntry(tw *tar.Writer, e Entry) error {
	path := filepath.Join(w.Dir, filepath.FromSlash(e.Path))
	info, err := os.Lstat(path)
	if err != nil {
		return NewWorkspaceError("Context", e.Path, err.Error(), err)
	}

	hdr, err := tar.FileInfoHeader(info, e.Target)
	if err != nil {
		return NewWorkspaceError("Context", e.Path, err.Error(), err)
	}
	hdr.Name = e.Path
	if info.IsDir() && !strings.HasSuffix(hdr.Name, "/") {
		hdr.Name += "/"
	}
	if err := tw.WriteHeader(normalize(hdr)); err != nil {
		return NewWorkspaceError("Context", e.Path, err.Error(), err)
	}

	if !info.Mode().IsRegular() {
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return NewWorkspaceError("Context", e.Path, err.Error(), err)
	}
	defer f.Close()

	if _, err := io.CopyN(tw, f, hdr.Size); err != nil {
		return NewWorkspaceError("Context", e.Path, "file changed while archiving: "+err.Error(), err)
	}
	return nil
}

// normalize strips host-specific metadata from a header.
func normalize(hdr *tar.Header) *tar.Header {
	hdr.ModTime = contextEpoch
	hdr.AccessTime = time.Time{}
	hdr.ChangeTime = time.Time{}
	hdr.Uid, hdr.Gid = 0, 0
	hdr.Uname, hdr.Gname = "", ""
	return hdr
}
