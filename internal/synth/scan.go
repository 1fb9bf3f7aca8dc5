package synth

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/loykin/winecharm/internal/apperr"
	"github.com/loykin/winecharm/internal/descriptor"
	"github.com/loykin/winecharm/internal/inspect"
	"github.com/loykin/winecharm/internal/prefix"
	"github.com/loykin/winecharm/internal/task"
)

// walkDriveC lists files under <prefix>/drive_c for which keep returns
// true, descending at most depth directory levels. Unreadable directories
// are skipped.
func walkDriveC(ctx context.Context, prefixDir string, depth int, skipDir func(rel string) bool, keep func(name string) bool) ([]string, error) {
	root := filepath.Join(prefixDir, prefix.DriveC)
	var out []string
	err := filepath.WalkDir(root, func(p string, de fs.DirEntry, err error) error {
		if cerr := apperr.FromContext(ctx, "scan"); cerr != nil {
			return cerr
		}
		if err != nil {
			if p == root {
				return err
			}
			if de != nil && de.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		rel, _ := filepath.Rel(root, p)
		if de.IsDir() {
			if p == root {
				return nil
			}
			if strings.Count(rel, string(filepath.Separator))+1 > depth || (skipDir != nil && skipDir(rel)) {
				return filepath.SkipDir
			}
			return nil
		}
		if de.Type().IsRegular() && keep(de.Name()) {
			out = append(out, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

func hasExt(name, ext string) bool {
	return strings.EqualFold(filepath.Ext(name), ext)
}

func isUninstaller(p string) bool {
	return strings.Contains(strings.ToLower(p), "unins")
}

// ScanShortcuts finds .lnk files in the prefix that were not processed
// before, records them in the prefix memo and creates descriptors for
// the executables they point at. Uninstallers and non-.exe targets are
// skipped.
func (s *Synthesizer) ScanShortcuts(ctx context.Context, prefixDir string, progress task.Progress) ([]descriptor.Descriptor, error) {
	prefixDir = s.layout.Clean(prefixDir)
	if err := prefix.Validate(prefixDir); err != nil {
		return nil, err
	}
	log := s.log.With("prefix", prefixDir)

	memo, err := prefix.LoadLnkMemo(prefixDir)
	if err != nil {
		log.Warn("ignore unreadable shortcut memo", "error", err)
	}
	seen := make(map[string]bool, len(memo))
	for _, n := range memo {
		seen[n] = true
	}

	lnks, err := walkDriveC(ctx, prefixDir, s.ScanDepth, nil, func(name string) bool {
		return hasExt(name, ".lnk") && !seen[name]
	})
	if err != nil {
		return nil, err
	}

	var exes []string
	dup := make(map[string]bool)
	for _, lnk := range lnks {
		name := filepath.Base(lnk)
		if seen[name] {
			continue
		}
		seen[name] = true
		memo = append(memo, name)

		target, ok := s.inspect.LnkTarget(lnk)
		if !ok || isUninstaller(target) {
			log.Debug("skip shortcut", "lnk", lnk, "target", target)
			continue
		}
		exe := inspect.ResolveDOSPath(prefixDir, target)
		if st, err := os.Stat(exe); err != nil || !st.Mode().IsRegular() {
			log.Debug("shortcut target missing", "lnk", lnk, "target", exe)
			continue
		}
		if !dup[exe] {
			dup[exe] = true
			exes = append(exes, exe)
		}
	}
	if len(lnks) > 0 {
		if err := prefix.SaveLnkMemo(prefixDir, memo); err != nil {
			log.Warn("save shortcut memo", "error", err)
		}
	}
	log.Info("scanned shortcuts", "new", len(lnks), "executables", len(exes))
	return s.CreateBulk(ctx, prefixDir, exes, progress)
}

// ScanExecutables lists .exe files in the prefix's C: drive, outside the
// Windows directory, that no descriptor points at yet.
func (s *Synthesizer) ScanExecutables(ctx context.Context, prefixDir string) ([]string, error) {
	prefixDir = s.layout.Clean(prefixDir)
	if err := prefix.Validate(prefixDir); err != nil {
		return nil, err
	}
	known := make(map[string]bool)
	for _, d := range s.store.ByPrefix(prefixDir) {
		known[d.ExeFile] = true
	}
	found, err := walkDriveC(ctx, prefixDir, s.ScanDepth,
		func(rel string) bool { return strings.EqualFold(rel, "windows") },
		func(name string) bool { return hasExt(name, ".exe") && !isUninstaller(name) })
	if err != nil {
		return nil, err
	}
	out := found[:0]
	for _, p := range found {
		if !known[p] {
			out = append(out, p)
		}
	}
	return out, nil
}

// CreateBulk creates descriptors for exes in prefixDir concurrently.
// Executables sharing a product name are named after their files so the
// descriptors stay distinguishable. Failures of single executables are
// logged and joined into the returned error; the rest still get created.
func (s *Synthesizer) CreateBulk(ctx context.Context, prefixDir string, exes []string, progress task.Progress) ([]descriptor.Descriptor, error) {
	if len(exes) == 0 {
		return nil, nil
	}
	workers := s.Workers
	if workers < 1 {
		workers = 1
	}

	products := make([]string, len(exes))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, exe := range exes {
		i, exe := i, exe
		g.Go(func() error {
			if name, ok := s.inspect.LookupProductName(gctx, exe); ok {
				products[i] = name
			}
			return nil
		})
	}
	_ = g.Wait()
	if err := apperr.FromContext(ctx, "create descriptors"); err != nil {
		return nil, err
	}

	counts := make(map[string]int)
	for _, p := range products {
		if p != "" {
			counts[strings.ToLower(p)]++
		}
	}

	var (
		mu      sync.Mutex
		created []descriptor.Descriptor
		errs    []error
		done    int
	)
	g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, exe := range exes {
		exe := exe
		useExe := products[i] != "" && counts[strings.ToLower(products[i])] > 1
		g.Go(func() error {
			d, err := s.FromExecutable(gctx, exe, prefixDir, Options{UseExeName: useExe})
			mu.Lock()
			defer mu.Unlock()
			done++
			ev := task.Event{Step: "create descriptor", Index: done, Total: len(exes), Message: exe}
			if err != nil {
				if apperr.IsCancelled(err) {
					return err
				}
				s.log.Warn("create descriptor", "exe", exe, "error", err)
				errs = append(errs, err)
				ev.Err = err
			} else {
				created = append(created, d)
			}
			progress.Emit(ev)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return created, err
	}
	if err := apperr.FromContext(ctx, "create descriptors"); err != nil {
		return created, err
	}
	sort.Slice(created, func(i, j int) bool { return created[i].ScriptPath < created[j].ScriptPath })
	return created, errors.Join(errs...)
}
