// Package backup writes and restores portable zstd-compressed tar archives
// of prefixes and of a program's save directories.
package backup

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/loykin/winecharm/internal/apperr"
	"github.com/loykin/winecharm/internal/descriptor"
	"github.com/loykin/winecharm/internal/layout"
	"github.com/loykin/winecharm/internal/metrics"
	"github.com/loykin/winecharm/internal/prefix"
	"github.com/loykin/winecharm/internal/task"
)

// Archiver backs up and restores prefixes under one data layout.
type Archiver struct {
	prefixes *prefix.Manager
	store    *descriptor.Store
	layout   layout.Layout
	log      *slog.Logger

	// FreeSpace reports the bytes available to us at path.
	FreeSpace func(path string) (uint64, error)
}

func New(prefixes *prefix.Manager, store *descriptor.Store, log *slog.Logger) *Archiver {
	if log == nil {
		log = slog.Default()
	}
	return &Archiver{
		prefixes:  prefixes,
		store:     store,
		layout:    prefixes.Layout(),
		log:       log.With("component", "backup"),
		FreeSpace: FreeSpace,
	}
}

// DefaultName is the archive file name for prefixDir stamped with now.
func DefaultName(prefixDir string, now time.Time) string {
	return filepath.Base(prefixDir) + "-" + now.Format("20060102-150405") + Ext
}

func observe(kind string, start time.Time, err error) {
	outcome := "ok"
	switch {
	case apperr.IsCancelled(err):
		outcome = "cancelled"
	case err != nil:
		outcome = "failed"
	}
	metrics.ObserveArchive(kind, outcome, time.Since(start).Seconds())
}

// BackupPrefix archives prefixDir into dest, or into a dated file when dest
// is a directory, and returns the archive path. The registry is made
// portable for the duration of the archive and always put back byte for
// byte afterwards; entries under drive_c/users/<user> are named after
// %USERNAME%. A failed or cancelled backup leaves no archive behind.
func (a *Archiver) BackupPrefix(ctx context.Context, prefixDir, dest string, progress task.Progress) (_ string, err error) {
	start := time.Now()
	defer func() { observe("backup", start, err) }()

	prefixDir = a.layout.Clean(prefixDir)
	if err := prefix.Validate(prefixDir); err != nil {
		return "", err
	}
	if dest == "" {
		return "", apperr.Newf("backup", apperr.KindUnknown, prefixDir, "no destination")
	}
	dest = a.layout.Clean(dest)
	if st, err := os.Stat(dest); err == nil && st.IsDir() {
		dest = filepath.Join(dest, DefaultName(prefixDir, time.Now()))
	}
	if layout.IsWithin(prefixDir, dest) {
		return "", apperr.Newf("backup", apperr.KindUnknown, dest, "archive would be written into the prefix itself")
	}
	release, err := a.prefixes.Acquire(prefixDir)
	if err != nil {
		return "", err
	}
	defer release()

	log := a.log.With("prefix", prefixDir, "dest", dest)
	const total = 4

	progress.Step(1, total, "snapshot registry")
	snap, err := prefix.SnapshotRegistry(prefixDir)
	if err != nil {
		return "", fmt.Errorf("backup %s: %w", prefixDir, err)
	}
	defer func() {
		if rerr := a.prefixes.RestoreRegistry(snap); rerr != nil {
			log.Error("restore registry after backup", "error", rerr)
			if err == nil {
				err = rerr
			}
		}
	}()

	progress.Step(2, total, "portable registry")
	user, err := a.prefixes.Portabilize(prefixDir)
	if err != nil {
		return "", fmt.Errorf("backup %s: %w", prefixDir, err)
	}

	progress.Step(3, total, "archive")
	log.Info("backup prefix", "user", user)
	w, err := newWriter(dest)
	if err != nil {
		return "", fmt.Errorf("backup %s: %w", prefixDir, err)
	}
	top := filepath.Base(prefixDir)
	walkErr := filepath.WalkDir(prefixDir, func(p string, de fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := apperr.FromContext(ctx, "backup"); err != nil {
			return err
		}
		rel, err := filepath.Rel(prefixDir, p)
		if err != nil {
			return err
		}
		name := top
		if rel != "." {
			name = path.Join(top, prefix.ReplaceUserSegment(filepath.ToSlash(rel), user, prefix.PortableUser))
		}
		if err := w.add(p, name); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
		if w.n%progressEvery == 0 {
			progress.Emit(task.Event{Step: "archive", Index: 3, Total: total, Message: fmt.Sprintf("%d entries", w.n)})
		}
		return nil
	})
	if walkErr != nil {
		w.abort()
		if apperr.IsCancelled(walkErr) {
			log.Info("backup cancelled")
			return "", apperr.New("backup", apperr.KindCancelled, prefixDir, walkErr)
		}
		return "", fmt.Errorf("backup %s: %w", prefixDir, walkErr)
	}
	if err := w.commit(); err != nil {
		return "", fmt.Errorf("backup %s: %w", prefixDir, err)
	}

	progress.Step(4, total, "restore registry")
	log.Info("backup written", "entries", w.n)
	return dest, nil
}

// RestorePrefix extracts archive into a new directory under prefixes/,
// maps the archived user to the current one and indexes the restored
// descriptors. It refuses to start when the uncompressed content does not
// fit the free space. A failed or cancelled restore removes the partial
// prefix.
func (a *Archiver) RestorePrefix(ctx context.Context, archive string, progress task.Progress) (dest string, err error) {
	start := time.Now()
	defer func() { observe("restore", start, err) }()

	archive = a.layout.Clean(archive)
	log := a.log.With("archive", archive)
	const total = 5

	progress.Step(1, total, "check free space")
	sum, err := Scan(ctx, archive)
	if err != nil {
		return "", a.wrap("restore", archive, err)
	}
	if sum.Top == "" || sum.Top == ".." {
		return "", apperr.Newf("restore", apperr.KindPrefixCorrupt, archive, "archive has no single top-level directory")
	}
	if err := a.checkSpace(a.layout.Prefixes(), sum.Size, archive); err != nil {
		return "", err
	}

	dest, release := a.prefixes.ReserveDir(sum.Top)
	defer release()
	log = log.With("dest", dest)
	fail := func(err error) (string, error) {
		if rerr := os.RemoveAll(dest); rerr != nil {
			log.Warn("remove partial restore", "error", rerr)
		}
		if apperr.IsCancelled(err) {
			log.Info("restore cancelled")
		}
		return "", a.wrap("restore", archive, err)
	}

	progress.Step(2, total, "extract")
	log.Info("restore prefix", "entries", sum.Entries, "bytes", sum.Size)
	user := a.prefixes.User
	mapName := func(name string) (string, bool) {
		rel := strings.TrimPrefix(path.Clean(strings.TrimPrefix(name, "./")), sum.Top)
		rel = strings.TrimPrefix(rel, "/")
		if rel == "" {
			return "", false
		}
		return prefix.ReplaceUserSegment(rel, prefix.PortableUser, user), true
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fail(err)
	}
	err = extract(ctx, archive, dest, mapName, func(n int) {
		progress.Emit(task.Event{Step: "extract", Index: 2, Total: total, Message: fmt.Sprintf("%d of %d entries", n, sum.Entries)})
	})
	if err != nil {
		return fail(err)
	}
	if err := prefix.Validate(dest); err != nil {
		return fail(err)
	}

	progress.Step(3, total, "localize registry")
	if err := a.prefixes.Localize(dest); err != nil {
		return fail(err)
	}
	progress.Step(4, total, "mark wineboot required")
	if err := prefix.MarkWinebootRequired(dest, "restored from "+filepath.Base(archive)); err != nil {
		return fail(err)
	}
	progress.Step(5, total, "index descriptors")
	loaded, err := a.store.LoadPrefix(ctx, dest)
	if err != nil {
		return fail(err)
	}
	log.Info("restored prefix", "descriptors", len(loaded))
	return dest, nil
}

func (a *Archiver) checkSpace(dir string, need int64, archive string) error {
	if a.FreeSpace == nil {
		return nil
	}
	free, err := a.FreeSpace(dir)
	if err != nil {
		a.log.Warn("free space unknown", "dir", dir, "error", err)
		return nil
	}
	if need > 0 && uint64(need) > free {
		return apperr.Newf("restore", apperr.KindInsufficientSpace, archive,
			"need %d bytes, %d available in %s", need, free, dir)
	}
	return nil
}

func (a *Archiver) wrap(op, archive string, err error) error {
	if apperr.IsCancelled(err) {
		return apperr.New(op, apperr.KindCancelled, archive, err)
	}
	if apperr.KindOf(err) != apperr.KindUnknown {
		return err
	}
	return fmt.Errorf("%s %s: %w", op, archive, err)
}
