package descriptor

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/loykin/winecharm/internal/apperr"
	"github.com/loykin/winecharm/internal/flock"
	"github.com/loykin/winecharm/internal/layout"
	"github.com/loykin/winecharm/internal/metrics"
)

// LockFile is the corpus lock under the data root.
const LockFile = ".charm.lock"

// Store indexes .charm descriptors by sha256sum. Every write to the corpus
// goes through the corpus lock.
type Store struct {
	layout layout.Layout
	lock   *flock.Lock
	log    *slog.Logger

	mu    sync.RWMutex
	byKey map[string]Descriptor
}

func NewStore(l layout.Layout, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		layout: l,
		lock:   flock.New(filepath.Join(l.Root(), LockFile)),
		log:    log.With("component", "store"),
		byKey:  make(map[string]Descriptor),
	}
}

// Lock returns the corpus lock. The prefix manager takes it around
// registry rewrites.
func (s *Store) Lock() *flock.Lock { return s.lock }

// Layout returns the layout the store was created with.
func (s *Store) Layout() layout.Layout { return s.layout }

// LoadAll rebuilds the index from prefixes/ and the legacy directory.
// Malformed files are skipped with a warning. Repairs are written back.
func (s *Store) LoadAll(ctx context.Context) (map[string]Descriptor, error) {
	var files []string
	for _, root := range []string{s.layout.Prefixes(), s.layout.LegacyDescriptors()} {
		found, err := findDescriptors(root)
		if err != nil {
			return nil, err
		}
		files = append(files, found...)
	}

	index := make(map[string]Descriptor, len(files))
	for _, path := range files {
		if err := apperr.FromContext(ctx, "load descriptors"); err != nil {
			return nil, err
		}
		d, repaired, err := s.loadFile(path)
		if err != nil {
			s.log.Warn("skip descriptor", "path", path, "error", err)
			continue
		}
		if prev, dup := index[d.SHA256Sum]; dup {
			s.log.Warn("duplicate descriptor", "key", d.SHA256Sum, "kept", prev.ScriptPath, "skipped", path)
			continue
		}
		if repaired {
			s.persistRepair(&d, path)
		}
		index[d.SHA256Sum] = d
	}

	s.mu.Lock()
	s.byKey = index
	s.mu.Unlock()
	metrics.SetDescriptors(len(index))
	return s.snapshot(), nil
}

// LoadPrefix indexes the descriptors found under one prefix directory,
// applying the same repairs as LoadAll. Entries already indexed for the
// prefix are replaced.
func (s *Store) LoadPrefix(ctx context.Context, prefix string) ([]Descriptor, error) {
	prefix = s.layout.Clean(prefix)
	files, err := findDescriptors(prefix)
	if err != nil {
		return nil, err
	}
	var loaded []Descriptor
	for _, path := range files {
		if err := apperr.FromContext(ctx, "load prefix"); err != nil {
			return nil, err
		}
		d, repaired, err := s.loadFile(path)
		if err != nil {
			s.log.Warn("skip descriptor", "path", path, "error", err)
			continue
		}
		if repaired {
			s.persistRepair(&d, path)
		}
		loaded = append(loaded, d)
	}

	s.mu.Lock()
	for k, d := range s.byKey {
		if d.Prefix == prefix {
			delete(s.byKey, k)
		}
	}
	for _, d := range loaded {
		s.byKey[d.SHA256Sum] = d
	}
	n := len(s.byKey)
	s.mu.Unlock()
	metrics.SetDescriptors(n)

	out := make([]Descriptor, len(loaded))
	for i, d := range loaded {
		out[i] = d.Clone()
	}
	return out, nil
}

func findDescriptors(root string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(root, func(p string, de fs.DirEntry, err error) error {
		if err != nil {
			if p == root && errors.Is(err, fs.ErrNotExist) {
				return filepath.SkipDir
			}
			// unreadable subtree: keep scanning the rest
			if de != nil && de.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if de.IsDir() {
			// a prefix's C: drive never holds descriptors
			if de.Name() == "drive_c" || de.Name() == "dosdevices" {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasSuffix(de.Name(), DescriptorExt) && de.Type().IsRegular() {
			out = append(out, p)
		}
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

// DescriptorExt is the descriptor file extension.
const DescriptorExt = layout.DescriptorExt

// loadFile reads, expands and repairs one descriptor.
func (s *Store) loadFile(path string) (Descriptor, bool, error) {
	path = s.layout.Clean(path)
	data, err := os.ReadFile(path)
	if err != nil {
		return Descriptor{}, false, err
	}
	st, err := os.Stat(path)
	if err != nil {
		return Descriptor{}, false, err
	}
	d, err := Decode(data)
	if err != nil {
		return Descriptor{}, false, apperr.New("decode", apperr.KindDescriptorInvalid, path, err)
	}
	d.Mtime = st.ModTime()

	repaired := false
	for _, raw := range []string{d.ExeFile, d.ScriptPath, d.Prefix, d.Runner} {
		if filepath.IsAbs(raw) && s.layout.Contract(raw) != raw {
			repaired = true
		}
	}
	s.expand(&d)

	if d.ScriptPath != path {
		d.ScriptPath = path
		repaired = true
	}
	// a descriptor file inside prefixes/<name> belongs to that prefix, even
	// when it was written for another location (import, restore, copy)
	if owner, ok := s.owningPrefix(path); ok && d.Prefix != owner {
		if d.Prefix != "" {
			d.ExeFile = ReplacePathPrefix(d.ExeFile, d.Prefix, owner)
			d.Runner = ReplacePathPrefix(d.Runner, d.Prefix, owner)
		}
		d.Prefix = owner
		repaired = true
	}
	if d.Prefix == "" {
		p, ok := s.owningPrefix(path)
		if !ok {
			return Descriptor{}, false, apperr.Newf("repair", apperr.KindDescriptorInvalid, path, "no %s and not inside a prefix", KeyWinePrefix)
		}
		d.Prefix = p
		repaired = true
	}
	if !layout.IsWithin(d.Prefix, d.ScriptPath) {
		// legacy location: move the descriptor into its prefix
		if st, err := os.Stat(d.Prefix); err != nil || !st.IsDir() {
			return Descriptor{}, false, apperr.Newf("repair", apperr.KindDescriptorInvalid, path, "%s %s does not exist", KeyWinePrefix, d.Prefix)
		}
		d.ScriptPath = filepath.Join(d.Prefix, filepath.Base(path))
		repaired = true
	}
	if d.SHA256Sum == "" {
		if d.ExeFile == "" {
			return Descriptor{}, false, apperr.Newf("repair", apperr.KindDescriptorInvalid, path, "no %s and no %s", KeySHA256Sum, KeyExeFile)
		}
		sum, err := HashFile(d.ExeFile)
		if err != nil {
			return Descriptor{}, false, apperr.New("repair", apperr.KindDescriptorInvalid, path, err)
		}
		d.SHA256Sum = sum
		repaired = true
	}
	return d, repaired, nil
}

// persistRepair writes a repaired descriptor back. When the repair moved
// the descriptor, the old file and its icon are moved along.
func (s *Store) persistRepair(d *Descriptor, from string) {
	err := s.lock.With(func() error {
		if err := s.write(d); err != nil {
			return err
		}
		if d.ScriptPath != from {
			if err := os.Rename(IconPath(from), IconPath(d.ScriptPath)); err != nil && !errors.Is(err, fs.ErrNotExist) {
				s.log.Debug("move icon", "from", IconPath(from), "error", err)
			}
			return os.Remove(from)
		}
		return nil
	})
	if err != nil {
		s.log.Warn("write repaired descriptor", "path", from, "error", err)
		return
	}
	s.log.Info("repaired descriptor", "path", d.ScriptPath)
}

// owningPrefix returns prefixes/<name> when path lies inside it.
func (s *Store) owningPrefix(path string) (string, bool) {
	rel, err := filepath.Rel(s.layout.Prefixes(), path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", false
	}
	parts := strings.Split(rel, string(filepath.Separator))
	if len(parts) < 2 {
		return "", false
	}
	return s.layout.PrefixDir(parts[0]), true
}

func (s *Store) expand(d *Descriptor) {
	d.ExeFile = s.layout.Clean(d.ExeFile)
	d.ScriptPath = s.layout.Clean(d.ScriptPath)
	d.Prefix = s.layout.Clean(d.Prefix)
	d.Runner = s.layout.Clean(d.Runner)
}

// write persists d atomically. Callers hold the corpus lock.
func (s *Store) write(d *Descriptor) error {
	disk := d.Clone()
	disk.ExeFile = s.layout.Contract(d.ExeFile)
	disk.ScriptPath = s.layout.Contract(d.ScriptPath)
	disk.Prefix = s.layout.Contract(d.Prefix)
	disk.Runner = s.layout.Contract(d.Runner)
	data, err := Encode(disk)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(d.ScriptPath), 0o755); err != nil {
		return err
	}
	if err := WriteFileAtomic(d.ScriptPath, data, 0o644); err != nil {
		return err
	}
	if st, err := os.Stat(d.ScriptPath); err == nil {
		d.Mtime = st.ModTime()
	}
	return nil
}

// Validate checks the invariants a stored descriptor must satisfy.
func Validate(d Descriptor) error {
	switch {
	case d.SHA256Sum == "":
		return apperr.Newf("validate", apperr.KindDescriptorInvalid, d.ScriptPath, "missing %s", KeySHA256Sum)
	case d.ScriptPath == "" || !filepath.IsAbs(d.ScriptPath):
		return apperr.Newf("validate", apperr.KindDescriptorInvalid, d.ScriptPath, "%s must be absolute", KeyScriptPath)
	case !strings.HasSuffix(d.ScriptPath, DescriptorExt):
		return apperr.Newf("validate", apperr.KindDescriptorInvalid, d.ScriptPath, "%s must end in %s", KeyScriptPath, DescriptorExt)
	case !layout.IsWithin(d.Prefix, d.ScriptPath):
		return apperr.Newf("validate", apperr.KindDescriptorInvalid, d.ScriptPath, "%s is not inside %s %s", KeyScriptPath, KeyWinePrefix, d.Prefix)
	}
	return nil
}

// Get returns a copy of the descriptor for key.
func (s *Store) Get(key string) (Descriptor, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.byKey[key]
	if !ok {
		return Descriptor{}, false
	}
	return d.Clone(), true
}

// Put writes d to its script_path and indexes it.
func (s *Store) Put(d Descriptor) (Descriptor, error) {
	d = d.Clone()
	s.expand(&d)
	if err := Validate(d); err != nil {
		return Descriptor{}, err
	}
	if err := s.lock.With(func() error { return s.write(&d) }); err != nil {
		return Descriptor{}, apperr.New("put", apperr.KindUnknown, d.ScriptPath, err)
	}
	s.mu.Lock()
	if prev, ok := s.byKey[d.SHA256Sum]; ok && prev.ScriptPath != d.ScriptPath {
		s.log.Debug("descriptor moved", "key", d.SHA256Sum, "from", prev.ScriptPath, "to", d.ScriptPath)
	}
	s.byKey[d.SHA256Sum] = d
	n := len(s.byKey)
	s.mu.Unlock()
	metrics.SetDescriptors(n)
	return d.Clone(), nil
}

// Delete removes the descriptor file, its icon and the index entry.
func (s *Store) Delete(key string) error {
	s.mu.RLock()
	d, ok := s.byKey[key]
	s.mu.RUnlock()
	if !ok {
		return apperr.New("delete", apperr.KindNotFound, key, nil)
	}
	err := s.lock.With(func() error {
		if err := os.Remove(d.ScriptPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		_ = os.Remove(IconPath(d.ScriptPath))
		return nil
	})
	if err != nil {
		return apperr.New("delete", apperr.KindUnknown, d.ScriptPath, err)
	}
	s.mu.Lock()
	delete(s.byKey, key)
	n := len(s.byKey)
	s.mu.Unlock()
	metrics.SetDescriptors(n)
	return nil
}

// IconPath is the icon file kept next to a descriptor.
func IconPath(scriptPath string) string {
	return strings.TrimSuffix(scriptPath, DescriptorExt) + ".png"
}

// Reload re-reads one descriptor from disk. A vanished file drops it from
// the index and returns NotFound.
func (s *Store) Reload(key string) (Descriptor, error) {
	s.mu.RLock()
	prev, ok := s.byKey[key]
	s.mu.RUnlock()
	if !ok {
		return Descriptor{}, apperr.New("reload", apperr.KindNotFound, key, nil)
	}
	d, err := s.ReloadPath(prev.ScriptPath)
	if err != nil {
		return Descriptor{}, err
	}
	if d.SHA256Sum != key {
		s.mu.Lock()
		delete(s.byKey, key)
		s.mu.Unlock()
	}
	return d, nil
}

// ReloadPath re-reads the descriptor file at path and re-indexes it.
func (s *Store) ReloadPath(path string) (Descriptor, error) {
	path = s.layout.Clean(path)
	d, repaired, err := s.loadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		s.forgetPath(path)
		return Descriptor{}, apperr.New("reload", apperr.KindNotFound, path, err)
	}
	if err != nil {
		return Descriptor{}, err
	}
	if repaired {
		s.persistRepair(&d, path)
	}
	s.mu.Lock()
	s.byKey[d.SHA256Sum] = d
	s.mu.Unlock()
	return d.Clone(), nil
}

func (s *Store) forgetPath(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, d := range s.byKey {
		if d.ScriptPath == path {
			delete(s.byKey, k)
		}
	}
}

// All returns a snapshot of every descriptor sorted by progname.
func (s *Store) All() []Descriptor {
	s.mu.RLock()
	out := make([]Descriptor, 0, len(s.byKey))
	for _, d := range s.byKey {
		out = append(out, d.Clone())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Progname != out[j].Progname {
			return strings.ToLower(out[i].Progname) < strings.ToLower(out[j].Progname)
		}
		return out[i].ScriptPath < out[j].ScriptPath
	})
	return out
}

func (s *Store) snapshot() map[string]Descriptor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Descriptor, len(s.byKey))
	for k, d := range s.byKey {
		out[k] = d.Clone()
	}
	return out
}

// ByPrefix returns the descriptors owned by prefix.
func (s *Store) ByPrefix(prefix string) []Descriptor {
	prefix = s.layout.Clean(prefix)
	var out []Descriptor
	for _, d := range s.All() {
		if d.Prefix == prefix {
			out = append(out, d)
		}
	}
	return out
}

// DeleteByPrefix drops every descriptor owned by prefix, removing files
// that still exist. It returns the number of dropped descriptors.
func (s *Store) DeleteByPrefix(prefix string) (int, error) {
	n := 0
	var errs []error
	for _, d := range s.ByPrefix(prefix) {
		if err := s.Delete(d.SHA256Sum); err != nil {
			errs = append(errs, err)
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

// RewritePrefix points every descriptor of oldPrefix at newPrefix. It
// expects the directory to have been moved already; descriptor files found
// under newPrefix are rewritten in place and re-indexed.
func (s *Store) RewritePrefix(oldPrefix, newPrefix string) error {
	oldPrefix, newPrefix = s.layout.Clean(oldPrefix), s.layout.Clean(newPrefix)
	files, err := findDescriptors(newPrefix)
	if err != nil {
		return err
	}
	// descriptors living outside the moved tree, e.g. the legacy directory
	for _, d := range s.All() {
		if d.Prefix == oldPrefix && !layout.IsWithin(oldPrefix, d.ScriptPath) {
			files = append(files, d.ScriptPath)
		}
	}

	var updated []Descriptor
	err = s.lock.With(func() error {
		for _, path := range files {
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			d, err := Decode(data)
			if err != nil {
				s.log.Warn("skip descriptor during rename", "path", path, "error", err)
				continue
			}
			s.expand(&d)
			d.ScriptPath = s.layout.Clean(path)
			d.ExeFile = ReplacePathPrefix(d.ExeFile, oldPrefix, newPrefix)
			d.Prefix = ReplacePathPrefix(d.Prefix, oldPrefix, newPrefix)
			d.Runner = ReplacePathPrefix(d.Runner, oldPrefix, newPrefix)
			if d.Prefix == "" {
				d.Prefix = newPrefix
			}
			if d.SHA256Sum == "" {
				continue
			}
			if err := s.write(&d); err != nil {
				return err
			}
			updated = append(updated, d)
		}
		return nil
	})
	if err != nil {
		return apperr.New("rewrite prefix", apperr.KindUnknown, newPrefix, err)
	}

	s.mu.Lock()
	for k, d := range s.byKey {
		if d.Prefix == oldPrefix {
			delete(s.byKey, k)
		}
	}
	for _, d := range updated {
		s.byKey[d.SHA256Sum] = d
	}
	s.mu.Unlock()
	return nil
}

// ReplacePathPrefix maps p from under oldDir to under newDir. Paths outside
// oldDir are returned unchanged.
func ReplacePathPrefix(p, oldDir, newDir string) string {
	if p == oldDir {
		return newDir
	}
	if strings.HasPrefix(p, oldDir+string(filepath.Separator)) {
		return newDir + p[len(oldDir):]
	}
	return p
}

// Len returns the number of indexed descriptors.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byKey)
}

// String is used in log lines.
func (s *Store) String() string {
	return fmt.Sprintf("store(%s, %d descriptors)", s.layout.Prefixes(), s.Len())
}
