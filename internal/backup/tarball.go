package backup

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/loykin/winecharm/internal/apperr"
	"github.com/loykin/winecharm/internal/layout"
)

// Ext is the file extension of archives written by this package.
const Ext = ".tar.zst"

// progressEvery is how many entries pass between progress messages.
const progressEvery = 500

// writer is a zstd-compressed tar stream into a temporary file that only
// becomes dest on commit.
type writer struct {
	dest string
	tmp  *os.File
	zw   *zstd.Encoder
	tw   *tar.Writer
	n    int
}

func newWriter(dest string) (*writer, error) {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return nil, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".*.part")
	if err != nil {
		return nil, err
	}
	zw, err := zstd.NewWriter(tmp)
	if err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return nil, err
	}
	return &writer{dest: dest, tmp: tmp, zw: zw, tw: tar.NewWriter(zw)}, nil
}

// add writes the file at p under the entry name.
func (w *writer) add(p, name string) error {
	info, err := os.Lstat(p)
	if err != nil {
		return err
	}
	link := ""
	switch {
	case info.Mode()&fs.ModeSymlink != 0:
		if link, err = os.Readlink(p); err != nil {
			return err
		}
	case info.IsDir(), info.Mode().IsRegular():
	default:
		// sockets, fifos and devices have no place in a prefix archive
		return nil
	}
	hdr, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return err
	}
	hdr.Name = name
	if info.IsDir() && !strings.HasSuffix(name, "/") {
		hdr.Name += "/"
	}
	// archives move between machines; ownership is the extractor's
	hdr.Uid, hdr.Gid, hdr.Uname, hdr.Gname = 0, 0, "", ""
	if err := w.tw.WriteHeader(hdr); err != nil {
		return err
	}
	w.n++
	if !info.Mode().IsRegular() {
		return nil
	}
	f, err := os.Open(p)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	_, err = io.Copy(w.tw, f)
	return err
}

func (w *writer) commit() error {
	if err := w.tw.Close(); err != nil {
		w.abort()
		return err
	}
	if err := w.zw.Close(); err != nil {
		w.abort()
		return err
	}
	if err := w.tmp.Sync(); err != nil {
		w.abort()
		return err
	}
	if err := w.tmp.Close(); err != nil {
		_ = os.Remove(w.tmp.Name())
		return err
	}
	return os.Rename(w.tmp.Name(), w.dest)
}

// abort drops the partial archive.
func (w *writer) abort() {
	_ = w.tw.Close()
	_ = w.zw.Close()
	_ = w.tmp.Close()
	_ = os.Remove(w.tmp.Name())
}

// reader opens a zstd-compressed tar stream.
type reader struct {
	f  *os.File
	zr *zstd.Decoder
	*tar.Reader
}

func openReader(archive string) (*reader, error) {
	f, err := os.Open(archive)
	if err != nil {
		return nil, err
	}
	zr, err := zstd.NewReader(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%s: %w", archive, err)
	}
	return &reader{f: f, zr: zr, Reader: tar.NewReader(zr)}, nil
}

func (r *reader) Close() error {
	r.zr.Close()
	return r.f.Close()
}

// Summary describes an archive without extracting it.
type Summary struct {
	// Top is the first path component shared by the entries, if any.
	Top     string
	Entries int
	// Size is the uncompressed size of the regular files.
	Size int64
}

// Scan reads every header of archive.
func Scan(ctx context.Context, archive string) (Summary, error) {
	r, err := openReader(archive)
	if err != nil {
		return Summary{}, err
	}
	defer func() { _ = r.Close() }()
	var s Summary
	first, mixed := true, false
	for {
		if err := apperr.FromContext(ctx, "scan archive"); err != nil {
			return s, err
		}
		hdr, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return s, fmt.Errorf("read tar header: %w", err)
		}
		s.Entries++
		if hdr.Typeflag == tar.TypeReg {
			s.Size += hdr.Size
		}
		top, _, _ := strings.Cut(strings.TrimPrefix(path.Clean(hdr.Name), "./"), "/")
		if top == "." {
			continue
		}
		switch {
		case first:
			s.Top, first = top, false
		case mixed:
		case top != s.Top:
			s.Top, mixed = "", true
		}
	}
	return s, nil
}

// extract unpacks the archive into dest. mapName turns an entry name into
// a slash-separated path relative to dest; false skips the entry. Entries
// that would land outside dest are an error.
func extract(ctx context.Context, archive, dest string, mapName func(string) (string, bool), progress func(n int)) error {
	r, err := openReader(archive)
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()

	var dirs []*tar.Header
	n := 0
	for {
		if err := apperr.FromContext(ctx, "extract"); err != nil {
			return err
		}
		hdr, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("read tar header: %w", err)
		}
		rel, ok := mapName(hdr.Name)
		if !ok {
			continue
		}
		if hdr.Typeflag == tar.TypeLink {
			l, ok := mapName(hdr.Linkname)
			if !ok {
				continue
			}
			hdr.Linkname = l
		}
		target := filepath.Join(dest, filepath.FromSlash(rel))
		if target != dest && !layout.IsWithin(dest, target) {
			return fmt.Errorf("path traversal detected: %s", hdr.Name)
		}
		if err := noSymlinkParents(dest, target); err != nil {
			return fmt.Errorf("extract %q: %w", hdr.Name, err)
		}
		if err := extractEntry(dest, target, hdr, r); err != nil {
			return fmt.Errorf("extract %q: %w", hdr.Name, err)
		}
		if hdr.Typeflag == tar.TypeDir {
			h := *hdr
			h.Name = target
			dirs = append(dirs, &h)
		}
		n++
		if progress != nil && n%progressEvery == 0 {
			progress(n)
		}
	}
	// directory modes last so read-only dirs do not block their children
	for i := len(dirs) - 1; i >= 0; i-- {
		_ = os.Chmod(dirs[i].Name, os.FileMode(dirs[i].Mode).Perm())
	}
	return nil
}

func extractEntry(dest, target string, hdr *tar.Header, r io.Reader) error {
	switch hdr.Typeflag {
	case tar.TypeDir:
		return os.MkdirAll(target, 0o755)

	case tar.TypeReg:
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		// replace rather than write through an existing symlink
		if st, err := os.Lstat(target); err == nil && !st.Mode().IsRegular() {
			if err := os.RemoveAll(target); err != nil {
				return err
			}
		}
		f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode).Perm()|0o200)
		if err != nil {
			return err
		}
		if _, err := io.CopyN(f, r, hdr.Size); err != nil && !errors.Is(err, io.EOF) {
			_ = f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
		return os.Chmod(target, os.FileMode(hdr.Mode).Perm())

	case tar.TypeSymlink:
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		_ = os.Remove(target)
		// dosdevices links (c: -> ../drive_c, z: -> /) are kept verbatim
		return os.Symlink(hdr.Linkname, target)

	case tar.TypeLink:
		src := filepath.Join(dest, filepath.FromSlash(hdr.Linkname))
		if !layout.IsWithin(dest, src) {
			return fmt.Errorf("hard link outside archive root: %s", hdr.Linkname)
		}
		_ = os.Remove(target)
		return os.Link(src, target)

	default:
		return nil
	}
}

// noSymlinkParents rejects targets reached through a symlink that an
// earlier entry created, such as dosdevices/z: -> /.
func noSymlinkParents(dest, target string) error {
	rel, err := filepath.Rel(dest, filepath.Dir(target))
	if err != nil || rel == "." {
		return nil
	}
	cur := dest
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		cur = filepath.Join(cur, part)
		st, err := os.Lstat(cur)
		if err != nil {
			return nil
		}
		if st.Mode()&fs.ModeSymlink != 0 {
			return fmt.Errorf("path traversal through symlink %s", cur)
		}
	}
	return nil
}
