// Package winecharm is the prefix and process core behind WineCharm. Core
// wires one descriptor store, one process tracker and the prefix, launch
// and backup services around them; front ends hold a single Core.
package winecharm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/winecharm/internal/apperr"
	"github.com/loykin/winecharm/internal/backup"
	"github.com/loykin/winecharm/internal/command"
	"github.com/loykin/winecharm/internal/config"
	"github.com/loykin/winecharm/internal/descriptor"
	"github.com/loykin/winecharm/internal/history"
	"github.com/loykin/winecharm/internal/history/sqlite"
	"github.com/loykin/winecharm/internal/inspect"
	"github.com/loykin/winecharm/internal/launch"
	"github.com/loykin/winecharm/internal/layout"
	"github.com/loykin/winecharm/internal/logger"
	"github.com/loykin/winecharm/internal/metrics"
	"github.com/loykin/winecharm/internal/prefix"
	"github.com/loykin/winecharm/internal/synth"
	"github.com/loykin/winecharm/internal/task"
	"github.com/loykin/winecharm/internal/tracker"
)

// Re-exported so embedders need not import internal packages.
type (
	Descriptor    = descriptor.Descriptor
	Record        = tracker.Record
	Settings      = config.Settings
	Event         = task.Event
	Progress      = task.Progress
	HistoryEvent  = history.Event
	HistoryEntry  = sqlite.Entry
	CreateOptions = synth.Options
)

// LogFile is the application log under <root>/logs.
const LogFile = "winecharm.log"

// Options override what Open would otherwise derive from the environment.
type Options struct {
	// Root is the data root. Empty uses data_root from Settings.yaml, then
	// $XDG_DATA_HOME/winecharm.
	Root string
	// SettingsPath defaults to <root>/Settings.yaml.
	SettingsPath string
	// Console receives human-readable logs; nil logs to the file only.
	Console io.Writer
	// Runner and Table replace the real subprocess runner and process
	// table, mainly in tests.
	Runner command.Runner
	Table  tracker.Table
	// SkipReconcile leaves programs started by someone else unadopted.
	SkipReconcile bool
	// Metrics turns metrics on whatever Settings.yaml says.
	Metrics bool
}

// Core owns every long-lived service of one data root.
type Core struct {
	Settings config.Settings
	Layout   layout.Layout
	Log      *slog.Logger

	Store    *descriptor.Store
	Prefixes *prefix.Manager
	Synth    *synth.Synthesizer
	Launcher *launch.Launcher
	Tracker  *tracker.Tracker
	Archiver *backup.Archiver
	Tasks    *task.Pool

	history *sqlite.Sink
	sampler *metrics.Sampler
	logs    io.Closer

	closeOnce sync.Once
}

// Open loads settings and the descriptor index, then adopts programs that
// are already running in known prefixes.
func Open(ctx context.Context, o Options) (*Core, error) {
	l, s, err := resolve(o)
	if err != nil {
		return nil, err
	}
	if err := l.EnsureDirs(); err != nil {
		return nil, fmt.Errorf("create data root: %w", err)
	}

	log, logs := logger.New(logger.Config{
		Level: s.Log.Level,
		Color: s.Log.Color,
		File: logger.FileConfig{
			Path:       filepath.Join(l.Logs(), LogFile),
			MaxSizeMB:  s.Log.MaxSizeMB,
			MaxBackups: s.Log.MaxBackups,
			MaxAgeDays: s.Log.MaxAgeDays,
			Compress:   s.Log.Compress,
		},
	}, o.Console)
	c := &Core{Settings: s, Layout: l, Log: log, logs: logs}

	var sink history.Sink = history.Nop{}
	if s.History.Enabled {
		hs, err := sqlite.New(l.History())
		if err != nil {
			log.Warn("launch history disabled", "path", l.History(), "error", err)
		} else {
			c.history = hs
			sink = hs
		}
	}
	if s.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			log.Warn("register metrics", "error", err)
		}
	}

	runner := o.Runner
	if runner == nil {
		runner = command.Exec{Logger: log}
	}
	c.Store = descriptor.NewStore(l, log)
	c.Prefixes = prefix.New(c.Store, runner, log)
	c.Synth = synth.New(c.Store, c.Prefixes, inspect.New(runner, l.Tmp(), log), log)
	c.Synth.Arch = s.TemplateArch
	c.Synth.Runner = s.Runner
	c.Synth.ScanDepth = s.ScanDepth
	c.Synth.Workers = s.Workers
	c.Tracker = tracker.New(tracker.Options{
		Table:       o.Table,
		Runner:      runner,
		Sink:        sink,
		Logger:      log,
		StopTimeout: s.StopTimeout,
	})
	c.Launcher = launch.New(c.Store, c.Prefixes, c.Tracker, runner, log)
	c.Launcher.Runner = s.Runner
	c.Launcher.DiscoveryDelay = s.DiscoveryDelay
	c.Archiver = backup.New(c.Prefixes, c.Store, log)
	c.Tasks = task.NewPool(s.Workers, log)

	if _, err := c.Store.LoadAll(ctx); err != nil {
		_ = c.Close(context.Background())
		return nil, err
	}
	if !o.SkipReconcile {
		if adopted, err := c.Tracker.Reconcile(ctx, c.targets()); err != nil {
			log.Warn("reconcile running programs", "error", err)
		} else if len(adopted) > 0 {
			log.Info("adopted running programs", "count", len(adopted))
		}
	}
	if s.Metrics.Enabled {
		c.sampler = metrics.NewSampler(0)
		if err := c.sampler.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
			log.Warn("register sampler", "error", err)
		}
		c.sampler.Start(context.Background(), c.Tracker.RunningPIDs)
	}
	log.Debug("core ready", "root", l.Root(), "descriptors", c.Store.Len())
	return c, nil
}

func resolve(o Options) (layout.Layout, config.Settings, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return layout.Layout{}, config.Settings{}, fmt.Errorf("resolve home directory: %w", err)
	}
	var l layout.Layout
	if o.Root != "" {
		l = layout.New(layout.New("", home).Clean(o.Root), home)
	} else if l, err = layout.Default(); err != nil {
		return layout.Layout{}, config.Settings{}, err
	}
	path := o.SettingsPath
	if path == "" {
		path = l.Settings()
	}
	s, err := config.Load(path)
	if err != nil {
		return layout.Layout{}, config.Settings{}, err
	}
	if o.Root == "" && s.DataRoot != "" {
		l = layout.New(l.Clean(s.DataRoot), home)
	}
	if o.Metrics {
		s.Metrics.Enabled = true
	}
	return l, s, nil
}

// targets lists the launch targets of every indexed descriptor.
func (c *Core) targets() []tracker.Target {
	all := c.Store.All()
	out := make([]tracker.Target, 0, len(all))
	for _, d := range all {
		out = append(out, target(d))
	}
	return out
}

func target(d descriptor.Descriptor) tracker.Target {
	return tracker.Target{Key: d.Key(), Progname: d.Progname, Prefix: d.Prefix, Runner: d.Runner, ExeFile: d.ExeFile}
}

// Close stops background work. Running programs are left running.
func (c *Core) Close(ctx context.Context) error {
	var errs []error
	c.closeOnce.Do(func() {
		if c.sampler != nil {
			c.sampler.Stop()
		}
		if c.Tasks != nil {
			errs = append(errs, c.Tasks.Shutdown(ctx))
		}
		if c.Tracker != nil {
			errs = append(errs, c.Tracker.Close(ctx))
		}
		if c.history != nil {
			errs = append(errs, c.history.Close())
		}
		if c.logs != nil {
			errs = append(errs, c.logs.Close())
		}
	})
	return errors.Join(errs...)
}

// run executes fn on the task pool and waits for it. Cancelling ctx
// cancels the task.
func (c *Core) run(ctx context.Context, name string, progress task.Progress, fn task.Func) error {
	if err := apperr.FromContext(ctx, name); err != nil {
		return err
	}
	var events <-chan task.Event
	var unsubscribe func()
	if progress != nil {
		events, unsubscribe = c.Tasks.Subscribe(0)
	}
	h := c.Tasks.Submit(name, fn)
	stop := context.AfterFunc(ctx, h.Cancel)
	defer stop()
	if progress == nil {
		<-h.Done()
		return h.Err()
	}
	defer unsubscribe()
	for {
		select {
		case e := <-events:
			if e.Task == name {
				progress.Emit(e)
			}
		case <-h.Done():
			return h.Err()
		}
	}
}

// Descriptors returns every indexed descriptor.
func (c *Core) Descriptors() []descriptor.Descriptor { return c.Store.All() }

// Descriptor returns the descriptor for key.
func (c *Core) Descriptor(key string) (descriptor.Descriptor, error) {
	d, ok := c.Store.Get(key)
	if !ok {
		return descriptor.Descriptor{}, apperr.New("descriptor", apperr.KindNotFound, key, nil)
	}
	return d, nil
}

// Reload rereads the whole descriptor corpus from disk.
func (c *Core) Reload(ctx context.Context) error {
	_, err := c.Store.LoadAll(ctx)
	return err
}

// Watch keeps the index current with external edits until ctx is done.
func (c *Core) Watch(ctx context.Context, fn func(descriptor.Change)) error {
	return c.Store.Watch(ctx, fn)
}

// Create makes a descriptor for exe. An empty prefixDir creates a new
// prefix from the template.
func (c *Core) Create(ctx context.Context, exe, prefixDir string, opts synth.Options) (d descriptor.Descriptor, err error) {
	err = c.run(ctx, "create "+filepath.Base(exe), opts.Progress, func(ctx context.Context, p task.Progress) error {
		opts.Progress = p
		d, err = c.Synth.FromExecutable(ctx, exe, prefixDir, opts)
		return err
	})
	return d, err
}

// ScanShortcuts creates descriptors for new .lnk files in prefixDir.
func (c *Core) ScanShortcuts(ctx context.Context, prefixDir string, progress task.Progress) (found []descriptor.Descriptor, err error) {
	err = c.run(ctx, "scan "+filepath.Base(prefixDir), progress, func(ctx context.Context, p task.Progress) error {
		found, err = c.Synth.ScanShortcuts(ctx, prefixDir, p)
		return err
	})
	return found, err
}

// CreateAll makes descriptors for every executable found in prefixDir.
func (c *Core) CreateAll(ctx context.Context, prefixDir string, progress task.Progress) (made []descriptor.Descriptor, err error) {
	err = c.run(ctx, "bulk "+filepath.Base(prefixDir), progress, func(ctx context.Context, p task.Progress) error {
		exes, err := c.Synth.ScanExecutables(ctx, prefixDir)
		if err != nil {
			return err
		}
		made, err = c.Synth.CreateBulk(ctx, prefixDir, exes, p)
		return err
	})
	return made, err
}

// Delete removes a descriptor and its icon.
func (c *Core) Delete(key string) error {
	if c.Tracker.IsRunning(key) {
		return apperr.New("delete", apperr.KindAlreadyRunning, key, nil)
	}
	return c.Store.Delete(key)
}

// Launch starts the program for key and tracks it.
func (c *Core) Launch(ctx context.Context, key string) (tracker.Record, error) {
	return c.Launcher.Launch(ctx, key)
}

// Stop terminates the program for key.
func (c *Core) Stop(ctx context.Context, key string) error {
	return c.Tracker.Terminate(ctx, key)
}

// KillAll kills every Windows process of the user.
func (c *Core) KillAll(ctx context.Context) (int, error) {
	return c.Tracker.KillAll(ctx)
}

// Running returns the tracked programs, oldest first.
func (c *Core) Running() []tracker.Record { return c.Tracker.Records() }

// Subscribe delivers lifecycle events of tracked programs.
func (c *Core) Subscribe(buffer int) (<-chan history.Event, func()) {
	return c.Tracker.Subscribe(buffer)
}

// History returns the most recent launch history rows for key, or for
// every program when key is empty.
func (c *Core) History(ctx context.Context, key string, limit int) ([]sqlite.Entry, error) {
	if c.history == nil {
		return nil, apperr.Newf("history", apperr.KindNotFound, c.Layout.History(), "launch history is disabled")
	}
	return c.history.Recent(ctx, key, limit)
}

// EnsureTemplate builds the template for arch unless it is complete.
func (c *Core) EnsureTemplate(ctx context.Context, arch string, progress task.Progress) (dir string, err error) {
	if arch == "" {
		arch = c.Settings.TemplateArch
	}
	err = c.run(ctx, "template "+arch, progress, func(ctx context.Context, p task.Progress) error {
		dir, err = c.Prefixes.EnsureTemplate(ctx, arch, c.Settings.Runner, p)
		return err
	})
	return dir, err
}

// PrefixDirs lists the prefix directories.
func (c *Core) PrefixDirs() ([]string, error) { return c.Prefixes.List() }

// ClonePrefix copies the template for arch into prefixes/<name>.
func (c *Core) ClonePrefix(ctx context.Context, arch, name string) (dest string, err error) {
	if arch == "" {
		arch = c.Settings.TemplateArch
	}
	dest = c.Prefixes.UniqueDir(name)
	err = c.run(ctx, "clone "+name, nil, func(ctx context.Context, _ task.Progress) error {
		return c.Prefixes.Clone(ctx, c.Layout.TemplateDir(arch), dest)
	})
	if err != nil {
		return "", err
	}
	return dest, nil
}

// RenamePrefix moves a prefix and rewrites its descriptors.
func (c *Core) RenamePrefix(oldPath, newPath string) (string, error) {
	if err := c.idle(oldPath, "rename"); err != nil {
		return "", err
	}
	return c.Prefixes.Rename(oldPath, newPath)
}

// DeletePrefix removes a prefix and its descriptors.
func (c *Core) DeletePrefix(path string) error {
	if err := c.idle(path, "delete prefix"); err != nil {
		return err
	}
	return c.Prefixes.Delete(path)
}

// ImportPrefix copies an existing Wine prefix under prefixes/.
func (c *Core) ImportPrefix(ctx context.Context, src string, progress task.Progress) (dest string, err error) {
	err = c.run(ctx, "import "+filepath.Base(src), progress, func(ctx context.Context, p task.Progress) error {
		dest, err = c.Prefixes.Import(ctx, src, p)
		return err
	})
	return dest, err
}

// idle rejects prefix operations while one of its programs runs.
func (c *Core) idle(path, op string) error {
	path = c.Layout.Clean(path)
	for _, r := range c.Tracker.Records() {
		if r.Prefix == path {
			return apperr.Newf(op, apperr.KindPrefixBusy, path, "%s is running", r.Progname)
		}
	}
	return nil
}

// BackupPrefix writes a portable archive of prefixDir.
func (c *Core) BackupPrefix(ctx context.Context, prefixDir, dest string, progress task.Progress) (out string, err error) {
	if err := c.idle(prefixDir, "backup"); err != nil {
		return "", err
	}
	err = c.run(ctx, "backup "+filepath.Base(prefixDir), progress, func(ctx context.Context, p task.Progress) error {
		out, err = c.Archiver.BackupPrefix(ctx, prefixDir, dest, p)
		return err
	})
	return out, err
}

// RestorePrefix unpacks a prefix archive under prefixes/.
func (c *Core) RestorePrefix(ctx context.Context, archive string, progress task.Progress) (dest string, err error) {
	err = c.run(ctx, "restore "+filepath.Base(archive), progress, func(ctx context.Context, p task.Progress) error {
		dest, err = c.Archiver.RestorePrefix(ctx, archive, p)
		return err
	})
	return dest, err
}

// BackupSaves archives the save_dirs of the program for key.
func (c *Core) BackupSaves(ctx context.Context, key, dest string) (out string, err error) {
	d, err := c.Descriptor(key)
	if err != nil {
		return "", err
	}
	err = c.run(ctx, "saves "+d.Progname, nil, func(ctx context.Context, _ task.Progress) error {
		out, err = c.Archiver.BackupUserData(ctx, d, dest)
		return err
	})
	return out, err
}

// RestoreSaves unpacks a save archive into the prefix of key.
func (c *Core) RestoreSaves(ctx context.Context, key, archive string) error {
	d, err := c.Descriptor(key)
	if err != nil {
		return err
	}
	if c.Tracker.IsRunning(key) {
		return apperr.New("restore saves", apperr.KindAlreadyRunning, key, nil)
	}
	return c.run(ctx, "restore saves "+d.Progname, nil, func(ctx context.Context, _ task.Progress) error {
		return c.Archiver.RestoreUserData(ctx, archive, d.Prefix)
	})
}

// ServeMetrics exposes /metrics on addr until ctx is done.
func ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// RegisterMetrics registers the core collectors with r.
func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
