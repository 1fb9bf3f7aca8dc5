package backup

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/loykin/winecharm/internal/apperr"
	"github.com/loykin/winecharm/internal/descriptor"
	"github.com/loykin/winecharm/internal/layout"
	"github.com/loykin/winecharm/internal/prefix"
)

// prefixUser is the account name the prefix's files are stored under.
func (a *Archiver) prefixUser(prefixDir string) string {
	if u, ok := prefix.OriginUser(prefixDir); ok && u != prefix.PortableUser {
		return u
	}
	return a.prefixes.User
}

// SaveDirs resolves the save_dirs of d to host directories inside its
// prefix. %USERNAME% expands to the prefix's user; entries outside the
// prefix are dropped.
func (a *Archiver) SaveDirs(d descriptor.Descriptor) []string {
	user := a.prefixUser(d.Prefix)
	var out []string
	for _, s := range d.SaveDirs {
		p := a.layout.Clean(strings.ReplaceAll(s, prefix.PortableUser, user))
		if !layout.IsWithin(d.Prefix, p) {
			a.log.Warn("save dir outside prefix ignored", "progname", d.Progname, "dir", s)
			continue
		}
		out = append(out, p)
	}
	return out
}

// BackupUserData archives the save directories of d into dest, or into a
// dated file when dest is a directory. Entry names are relative to the
// prefix with the user name written as %USERNAME%.
func (a *Archiver) BackupUserData(ctx context.Context, d descriptor.Descriptor, dest string) (_ string, err error) {
	start := time.Now()
	defer func() { observe("userdata_backup", start, err) }()

	dirs := a.SaveDirs(d)
	if len(dirs) == 0 {
		return "", apperr.Newf("backup user data", apperr.KindNotFound, d.ScriptPath, "no save_dirs inside %s", d.Prefix)
	}
	if dest == "" {
		return "", apperr.Newf("backup user data", apperr.KindUnknown, d.ScriptPath, "no destination")
	}
	dest = a.layout.Clean(dest)
	if st, err := os.Stat(dest); err == nil && st.IsDir() {
		dest = filepath.Join(dest, layout.Stem(d.ScriptPath)+"-saves-"+time.Now().Format("20060102-150405")+Ext)
	}
	user := a.prefixUser(d.Prefix)
	log := a.log.With("progname", d.Progname, "dest", dest)

	w, err := newWriter(dest)
	if err != nil {
		return "", err
	}
	archived := 0
	for _, dir := range dirs {
		if _, err := os.Stat(dir); err != nil {
			log.Warn("save dir missing", "dir", dir)
			continue
		}
		err := filepath.WalkDir(dir, func(p string, de fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if err := apperr.FromContext(ctx, "backup user data"); err != nil {
				return err
			}
			rel, err := filepath.Rel(d.Prefix, p)
			if err != nil {
				return err
			}
			return w.add(p, prefix.ReplaceUserSegment(filepath.ToSlash(rel), user, prefix.PortableUser))
		})
		if err != nil {
			w.abort()
			if apperr.IsCancelled(err) {
				return "", apperr.New("backup user data", apperr.KindCancelled, dest, err)
			}
			return "", fmt.Errorf("backup user data %s: %w", dir, err)
		}
		archived++
	}
	if archived == 0 {
		w.abort()
		return "", apperr.Newf("backup user data", apperr.KindNotFound, d.Prefix, "none of the save dirs exist")
	}
	if err := w.commit(); err != nil {
		return "", err
	}
	log.Info("user data backup written", "dirs", archived, "entries", w.n)
	return dest, nil
}

// RestoreUserData extracts a user-data archive into prefixDir, writing
// %USERNAME% entries under the prefix's user. Existing files are
// overwritten.
func (a *Archiver) RestoreUserData(ctx context.Context, archive, prefixDir string) (err error) {
	start := time.Now()
	defer func() { observe("userdata_restore", start, err) }()

	archive = a.layout.Clean(archive)
	prefixDir = a.layout.Clean(prefixDir)
	if err := prefix.Validate(prefixDir); err != nil {
		return err
	}
	sum, err := Scan(ctx, archive)
	if err != nil {
		return a.wrap("restore user data", archive, err)
	}
	if err := a.checkSpace(prefixDir, sum.Size, archive); err != nil {
		return err
	}
	release, err := a.prefixes.Acquire(prefixDir)
	if err != nil {
		return err
	}
	defer release()

	user := a.prefixUser(prefixDir)
	mapName := func(name string) (string, bool) {
		rel := path.Clean(strings.TrimPrefix(name, "./"))
		if rel == "." || path.IsAbs(rel) || rel == ".." || strings.HasPrefix(rel, "../") {
			return "", false
		}
		return prefix.ReplaceUserSegment(rel, prefix.PortableUser, user), true
	}
	if err := extract(ctx, archive, prefixDir, mapName, nil); err != nil {
		return a.wrap("restore user data", archive, err)
	}
	a.log.Info("user data restored", "archive", archive, "prefix", prefixDir, "entries", sum.Entries)
	return nil
}
