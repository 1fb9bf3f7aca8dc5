package descriptor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ChangeOp is the kind of external change seen by Watch.
type ChangeOp int

const (
	ChangeUpdated ChangeOp = iota
	ChangeRemoved
)

func (op ChangeOp) String() string {
	if op == ChangeRemoved {
		return "removed"
	}
	return "updated"
}

// Change reports a descriptor file that changed on disk.
type Change struct {
	Path string
	Key  string
	Op   ChangeOp
}

const watchDebounce = 150 * time.Millisecond

// Watch follows prefixes/ and every prefix directory and reloads .charm
// files written by other processes. fn is called after the index has been
// updated. Watch returns once the watcher is set up; it stops when ctx is done.
func (s *Store) Watch(ctx context.Context, fn func(Change)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	root := s.layout.Prefixes()
	if err := w.Add(root); err != nil {
		_ = w.Close()
		return err
	}
	entries, _ := os.ReadDir(root)
	for _, e := range entries {
		if e.IsDir() {
			_ = w.Add(filepath.Join(root, e.Name()))
		}
	}

	go func() {
		defer func() { _ = w.Close() }()
		var (
			mu      sync.Mutex
			pending = make(map[string]*time.Timer)
		)
		fire := func(path string) {
			mu.Lock()
			delete(pending, path)
			mu.Unlock()
			if ctx.Err() != nil {
				return
			}
			s.applyChange(path, fn)
		}
		for {
			select {
			case <-ctx.Done():
				mu.Lock()
				for _, t := range pending {
					t.Stop()
				}
				mu.Unlock()
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Has(fsnotify.Create) && filepath.Dir(ev.Name) == root {
					if st, err := os.Stat(ev.Name); err == nil && st.IsDir() {
						_ = w.Add(ev.Name)
					}
					continue
				}
				if !strings.HasSuffix(ev.Name, DescriptorExt) {
					continue
				}
				mu.Lock()
				if t, ok := pending[ev.Name]; ok {
					t.Reset(watchDebounce)
				} else {
					path := ev.Name
					pending[path] = time.AfterFunc(watchDebounce, func() { fire(path) })
				}
				mu.Unlock()
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				s.log.Warn("descriptor watch", "error", err)
			}
		}
	}()
	return nil
}

func (s *Store) applyChange(path string, fn func(Change)) {
	if _, err := os.Stat(path); err != nil {
		key := s.keyForPath(path)
		s.forgetPath(path)
		if key != "" && fn != nil {
			fn(Change{Path: path, Key: key, Op: ChangeRemoved})
		}
		return
	}
	d, err := s.ReloadPath(path)
	if err != nil {
		s.log.Warn("reload changed descriptor", "path", path, "error", err)
		return
	}
	if fn != nil {
		fn(Change{Path: d.ScriptPath, Key: d.SHA256Sum, Op: ChangeUpdated})
	}
}

func (s *Store) keyForPath(path string) string {
	path = s.layout.Clean(path)
	s.mu.RLock()
	defer s.mu.RUnlock()
	for k, d := range s.byKey {
		if d.ScriptPath == path {
			return k
		}
	}
	return ""
}
