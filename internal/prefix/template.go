package prefix

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/loykin/winecharm/internal/apperr"
	"github.com/loykin/winecharm/internal/command"
	"github.com/loykin/winecharm/internal/config"
	"github.com/loykin/winecharm/internal/env"
	"github.com/loykin/winecharm/internal/layout"
	"github.com/loykin/winecharm/internal/task"
)

// TemplateMarker is written into a template once every init step succeeded.
const TemplateMarker = ".template-complete"

// TemplateVerbs are installed by winetricks, in order, into new templates.
var TemplateVerbs = []string{"vkd3d", "dxvk", "corefonts", "openal"}

type initStep struct {
	name string
	run  func(ctx context.Context) error
}

// CreateTemplate initializes the template for arch. Steps run strictly in
// order: wineboot, symlink neutralization, then one winetricks verb each.
// A failing step stops the sequence and leaves the partial template.
func (m *Manager) CreateTemplate(ctx context.Context, arch, runner string, progress task.Progress) (string, error) {
	if arch != config.ArchWin32 && arch != config.ArchWin64 {
		return "", apperr.Newf("create template", apperr.KindUnknown, "", "unknown arch %q", arch)
	}
	dir := m.layout.TemplateDir(arch)
	release, err := m.Acquire(dir)
	if err != nil {
		return "", err
	}
	defer release()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create template dir: %w", err)
	}
	runner = m.layout.Clean(runner)
	toolEnv := m.ToolEnv(dir, arch, runner)
	runnerDir := ""
	if runner != "" {
		runnerDir = filepath.Dir(runner)
	}

	steps := []initStep{
		{"wineboot -i", func(ctx context.Context) error {
			_, err := m.runner.Run(ctx, command.Cmd{
				Name: command.LookPath("wineboot", runnerDir),
				Args: []string{"-i"},
				Env:  toolEnv,
			})
			return err
		}},
		{"neutralize symlinks", func(context.Context) error {
			return NeutralizeSymlinks(dir, m.User, m.layout.Home())
		}},
	}
	for _, verb := range TemplateVerbs {
		verb := verb
		steps = append(steps, initStep{"winetricks " + verb, func(ctx context.Context) error {
			_, err := m.runner.Run(ctx, command.Cmd{
				Name: command.LookPath("winetricks", runnerDir),
				Args: []string{"-q", verb},
				Env:  toolEnv,
			})
			return err
		}})
	}

	log := m.log.With("template", dir, "arch", arch)
	start := time.Now()
	for i, st := range steps {
		if err := apperr.FromContext(ctx, "create template"); err != nil {
			return "", err
		}
		progress.Step(i+1, len(steps), st.name)
		log.Info("template step", "step", st.name, "index", i+1, "total", len(steps))
		if err := st.run(ctx); err != nil {
			progress.Emit(task.Event{Step: st.name, Index: i + 1, Total: len(steps), Err: err})
			if apperr.IsCancelled(err) {
				return "", apperr.New("create template", apperr.KindCancelled, dir, err)
			}
			log.Error("template step failed", "step", st.name, "error", err)
			return "", fmt.Errorf("template step %q: %w", st.name, err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, TemplateMarker), []byte(time.Now().UTC().Format(time.RFC3339)+"\n"), 0o644); err != nil {
		return "", err
	}
	log.Info("template ready", "elapsed", time.Since(start).Round(time.Millisecond))
	return dir, nil
}

// TemplateReady reports whether the template for arch finished initializing.
func (m *Manager) TemplateReady(arch string) bool {
	_, err := os.Stat(filepath.Join(m.layout.TemplateDir(arch), TemplateMarker))
	return err == nil
}

// EnsureTemplate returns the template for arch, creating it when absent.
// A template left incomplete by an earlier failure is rebuilt.
func (m *Manager) EnsureTemplate(ctx context.Context, arch, runner string, progress task.Progress) (string, error) {
	dir := m.layout.TemplateDir(arch)
	if m.TemplateReady(arch) {
		return dir, nil
	}
	if _, err := os.Stat(dir); err == nil {
		m.log.Warn("rebuilding incomplete template", "template", dir)
		if err := os.RemoveAll(dir); err != nil {
			return "", fmt.Errorf("remove incomplete template: %w", err)
		}
	}
	return m.CreateTemplate(ctx, arch, runner, progress)
}

// ToolEnv is the environment for wine tools operating on prefix: the OS
// environment with WINEPREFIX, WINEARCH and PATH led by the runner dir.
func (m *Manager) ToolEnv(prefix, arch, runner string) []string {
	e := env.New()
	if runner != "" {
		e = e.PrependPath(filepath.Dir(runner))
		e.Set("WINE", runner)
	}
	e.Set("WINEPREFIX", prefix)
	if arch != "" {
		e.Set("WINEARCH", arch)
	}
	return e.Merge(nil)
}

// NeutralizeSymlinks replaces every symlink under drive_c/users/<user> that
// points into home with an empty directory.
func NeutralizeSymlinks(prefix, user, home string) error {
	root := filepath.Join(prefix, DriveC, "users", user)
	var links []string
	err := filepath.WalkDir(root, func(p string, de fs.DirEntry, err error) error {
		if err != nil {
			if p == root && errors.Is(err, fs.ErrNotExist) {
				return filepath.SkipDir
			}
			return err
		}
		if de.Type()&fs.ModeSymlink != 0 {
			links = append(links, p)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, p := range links {
		target, err := os.Readlink(p)
		if err != nil {
			return err
		}
		if !filepath.IsAbs(target) {
			target = filepath.Join(filepath.Dir(p), target)
		}
		target = filepath.Clean(target)
		if target != home && !layout.IsWithin(home, target) {
			continue
		}
		if err := os.Remove(p); err != nil {
			return err
		}
		if err := os.Mkdir(p, 0o755); err != nil {
			return err
		}
	}
	return nil
}
