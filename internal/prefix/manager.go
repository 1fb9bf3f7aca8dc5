package prefix

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"sync"

	"github.com/loykin/winecharm/internal/apperr"
	"github.com/loykin/winecharm/internal/command"
	"github.com/loykin/winecharm/internal/config"
	"github.com/loykin/winecharm/internal/descriptor"
	"github.com/loykin/winecharm/internal/layout"
)

// Files every usable prefix carries.
const (
	SystemReg  = "system.reg"
	UserReg    = "user.reg"
	UserdefReg = "userdef.reg"
	DriveC     = "drive_c"
	DosDevices = "dosdevices"
)

// Manager creates, copies, renames and deletes Wine prefixes. Overlapping
// operations on one prefix directory are rejected with PrefixBusy.
type Manager struct {
	layout layout.Layout
	store  *descriptor.Store
	runner command.Runner
	log    *slog.Logger

	// User is the account name Wine uses under drive_c/users.
	User string

	mu   sync.Mutex
	busy map[string]struct{}
}

func New(store *descriptor.Store, runner command.Runner, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if runner == nil {
		runner = command.Exec{Logger: log}
	}
	return &Manager{
		layout: store.Layout(),
		store:  store,
		runner: runner,
		log:    log.With("component", "prefix"),
		User:   CurrentUser(),
		busy:   make(map[string]struct{}),
	}
}

// CurrentUser returns the login name Wine will use for new prefixes.
func CurrentUser() string {
	for _, k := range []string{"USER", "USERNAME", "LOGNAME"} {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "wine"
}

// Acquire marks path busy until release is called.
func (m *Manager) Acquire(path string) (func(), error) {
	path = m.layout.Clean(path)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.busy[path]; ok {
		return nil, apperr.New("acquire", apperr.KindPrefixBusy, path, nil)
	}
	m.busy[path] = struct{}{}
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.busy, path)
			m.mu.Unlock()
		})
	}, nil
}

// Busy reports whether an operation currently holds path.
func (m *Manager) Busy(path string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.busy[m.layout.Clean(path)]
	return ok
}

func (m *Manager) acquireAll(paths ...string) (func(), error) {
	var releases []func()
	releaseAll := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}
	for _, p := range paths {
		r, err := m.Acquire(p)
		if err != nil {
			releaseAll()
			return nil, err
		}
		releases = append(releases, r)
	}
	return releaseAll, nil
}

// Validate reports PrefixCorrupt when a registry hive or drive_c is missing.
func Validate(path string) error {
	for _, name := range []string{SystemReg, UserReg} {
		st, err := os.Stat(filepath.Join(path, name))
		if err != nil || !st.Mode().IsRegular() {
			return apperr.Newf("validate prefix", apperr.KindPrefixCorrupt, path, "missing %s", name)
		}
	}
	st, err := os.Stat(filepath.Join(path, DriveC))
	if err != nil || !st.IsDir() {
		return apperr.Newf("validate prefix", apperr.KindPrefixCorrupt, path, "missing %s", DriveC)
	}
	return nil
}

// Arch reads the architecture from the "#arch=" line of system.reg.
// Hives written before Wine recorded the line are 32-bit.
func Arch(path string) (string, error) {
	f, err := os.Open(filepath.Join(path, SystemReg))
	if err != nil {
		return "", apperr.New("arch", apperr.KindPrefixCorrupt, path, err)
	}
	defer func() { _ = f.Close() }()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for n := 0; sc.Scan() && n < 64; n++ {
		line := bytes.TrimSpace(sc.Bytes())
		if v, ok := bytes.CutPrefix(line, []byte("#arch=")); ok {
			switch arch := string(bytes.TrimSpace(v)); arch {
			case config.ArchWin32, config.ArchWin64:
				return arch, nil
			default:
				return "", apperr.Newf("arch", apperr.KindPrefixCorrupt, path, "unknown arch %q", arch)
			}
		}
	}
	if err := sc.Err(); err != nil {
		return "", apperr.New("arch", apperr.KindPrefixCorrupt, path, err)
	}
	return config.ArchWin32, nil
}

// Clone copies template into dest. A failed or cancelled copy removes dest.
func (m *Manager) Clone(ctx context.Context, template, dest string) error {
	template, dest = m.layout.Clean(template), m.layout.Clean(dest)
	// several clones may read one template; only template init excludes them
	if m.Busy(template) {
		return apperr.New("clone", apperr.KindPrefixBusy, template, nil)
	}
	release, err := m.Acquire(dest)
	if err != nil {
		return err
	}
	defer release()

	if err := Validate(template); err != nil {
		return err
	}
	if _, err := os.Lstat(dest); err == nil {
		return apperr.Newf("clone", apperr.KindUnknown, dest, "destination exists")
	}
	m.log.Info("clone prefix", "template", template, "dest", dest)
	if err := CopyTree(ctx, template, dest); err != nil {
		_ = os.RemoveAll(dest)
		if apperr.IsCancelled(err) {
			return apperr.New("clone", apperr.KindCancelled, dest, err)
		}
		return fmt.Errorf("clone %s: %w", dest, err)
	}
	_ = os.Remove(filepath.Join(dest, TemplateMarker))
	return nil
}

// Rename moves a prefix and rewrites every descriptor that referenced the
// old path. newPath may be a bare name, taken relative to prefixes/.
func (m *Manager) Rename(oldPath, newPath string) (string, error) {
	oldPath = m.layout.Clean(oldPath)
	if !strings.ContainsRune(newPath, filepath.Separator) {
		newPath = m.layout.PrefixDir(newPath)
	}
	newPath = m.layout.Clean(newPath)
	if !layout.IsWithin(m.layout.Prefixes(), oldPath) || !layout.IsWithin(m.layout.Prefixes(), newPath) {
		return "", apperr.Newf("rename", apperr.KindUnknown, oldPath, "prefixes must live under %s", m.layout.Prefixes())
	}
	if oldPath == newPath {
		return newPath, nil
	}
	release, err := m.acquireAll(oldPath, newPath)
	if err != nil {
		return "", err
	}
	defer release()

	if _, err := os.Stat(oldPath); err != nil {
		return "", apperr.New("rename", apperr.KindNotFound, oldPath, err)
	}
	if _, err := os.Lstat(newPath); err == nil {
		return "", apperr.Newf("rename", apperr.KindUnknown, newPath, "destination exists")
	}
	if err := os.Rename(oldPath, newPath); err != nil {
		return "", fmt.Errorf("rename %s: %w", oldPath, err)
	}
	if err := m.store.RewritePrefix(oldPath, newPath); err != nil {
		if rerr := os.Rename(newPath, oldPath); rerr != nil {
			m.log.Error("roll back prefix rename", "from", newPath, "to", oldPath, "error", rerr)
		} else if _, lerr := m.store.LoadPrefix(context.Background(), oldPath); lerr != nil {
			m.log.Warn("reindex after rollback", "prefix", oldPath, "error", lerr)
		}
		return "", err
	}
	m.log.Info("renamed prefix", "from", oldPath, "to", newPath)
	return newPath, nil
}

// Delete removes a prefix or template and every descriptor it owned.
func (m *Manager) Delete(path string) error {
	path = m.layout.Clean(path)
	if !layout.IsWithin(m.layout.Prefixes(), path) && !layout.IsWithin(m.layout.Templates(), path) {
		return apperr.Newf("delete prefix", apperr.KindUnknown, path, "refusing to delete outside %s", m.layout.Root())
	}
	release, err := m.Acquire(path)
	if err != nil {
		return err
	}
	defer release()

	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("delete prefix %s: %w", path, err)
	}
	n, err := m.store.DeleteByPrefix(path)
	if err != nil {
		return err
	}
	m.log.Info("deleted prefix", "path", path, "descriptors", n)
	return nil
}

// List returns the prefix directories under prefixes/.
func (m *Manager) List() ([]string, error) {
	entries, err := os.ReadDir(m.layout.Prefixes())
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			out = append(out, m.layout.PrefixDir(e.Name()))
		}
	}
	return out, nil
}

// UniqueDir returns prefixes/<name>, or prefixes/<name>-N for the first N
// that does not exist yet.
func (m *Manager) UniqueDir(name string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.uniqueDirLocked(name)
}

// ReserveDir picks a free directory under prefixes/ for name and holds it
// busy until release is called, so two concurrent imports or restores of
// the same name pick different directories.
func (m *Manager) ReserveDir(name string) (string, func()) {
	m.mu.Lock()
	dest := m.uniqueDirLocked(name)
	m.busy[dest] = struct{}{}
	m.mu.Unlock()
	var once sync.Once
	return dest, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.busy, dest)
			m.mu.Unlock()
		})
	}
}

// Layout returns the data layout the manager works in.
func (m *Manager) Layout() layout.Layout { return m.layout }
