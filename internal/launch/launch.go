// Package launch starts descriptors under their prefix and runner and hands
// the resulting process to the tracker.
package launch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kballard/go-shellquote"

	"github.com/loykin/winecharm/internal/apperr"
	"github.com/loykin/winecharm/internal/command"
	"github.com/loykin/winecharm/internal/descriptor"
	"github.com/loykin/winecharm/internal/env"
	"github.com/loykin/winecharm/internal/layout"
	"github.com/loykin/winecharm/internal/metrics"
	"github.com/loykin/winecharm/internal/prefix"
	"github.com/loykin/winecharm/internal/tracker"
)

const DefaultDiscoveryDelay = 2 * time.Second

// Launcher turns a descriptor key into a running, tracked program.
type Launcher struct {
	store    *descriptor.Store
	prefixes *prefix.Manager
	tracker  *tracker.Tracker
	runner   command.Runner
	log      *slog.Logger

	// Runner is used when a descriptor names none; empty means the first
	// wine on PATH.
	Runner         string
	DiscoveryDelay time.Duration
}

func New(store *descriptor.Store, prefixes *prefix.Manager, tr *tracker.Tracker, runner command.Runner, log *slog.Logger) *Launcher {
	if log == nil {
		log = slog.Default()
	}
	if runner == nil {
		runner = command.Exec{Logger: log}
	}
	return &Launcher{
		store:          store,
		prefixes:       prefixes,
		tracker:        tr,
		runner:         runner,
		log:            log.With("component", "launcher"),
		DiscoveryDelay: DefaultDiscoveryDelay,
	}
}

// ResolveRunner picks the wine binary for a descriptor: its own runner, the
// configured default, or wine from PATH.
func (l *Launcher) ResolveRunner(d descriptor.Descriptor) (string, error) {
	for _, r := range []string{d.Runner, l.Runner} {
		if r == "" {
			continue
		}
		st, err := os.Stat(r)
		if err != nil || st.IsDir() || st.Mode()&0o111 == 0 {
			return "", apperr.New("launch", apperr.KindRunnerMissing, r, err)
		}
		return r, nil
	}
	p, err := exec.LookPath("wine")
	if err != nil {
		return "", apperr.New("launch", apperr.KindRunnerMissing, "wine", err)
	}
	return p, nil
}

// Launch starts the descriptor stored under key. The returned record is
// the tracker's view right after registration.
func (l *Launcher) Launch(ctx context.Context, key string) (rec tracker.Record, err error) {
	defer func() {
		switch {
		case err == nil:
			metrics.IncLaunch("ok")
		case apperr.KindOf(err) == apperr.KindAlreadyRunning:
			metrics.IncLaunch("already_running")
		default:
			metrics.IncLaunch("failed")
		}
	}()

	d, ok := l.store.Get(key)
	if !ok {
		return rec, apperr.New("launch", apperr.KindNotFound, key, nil)
	}
	if st, err := os.Stat(d.ExeFile); err != nil || st.IsDir() {
		return rec, apperr.New("launch", apperr.KindExecutableMissing, d.ExeFile, err)
	}
	runner, err := l.ResolveRunner(d)
	if err != nil {
		return rec, err
	}
	vars, err := env.ParseList(d.EnvVars)
	if err != nil {
		return rec, apperr.New("launch", apperr.KindDescriptorInvalid, d.ScriptPath, err)
	}
	debug, debugVars, err := WineDebug(d.WineDebug)
	if err != nil {
		return rec, err
	}
	args, err := BuildArgs(d.Prefix, d.Args)
	if err != nil {
		return rec, err
	}

	if err := l.tracker.Reserve(key); err != nil {
		return rec, err
	}
	registered := false
	defer func() {
		if !registered {
			l.tracker.Release(key)
		}
	}()

	// held until the child is spawned so a backup, rename or a concurrent
	// wineboot cannot touch the prefix in between
	release, err := l.prefixes.Acquire(d.Prefix)
	if err != nil {
		return rec, err
	}
	defer release()

	if prefix.WinebootRequired(d.Prefix) {
		if err := l.wineboot(ctx, d.Prefix, runner); err != nil {
			return rec, err
		}
	}

	id := uuid.NewString()
	childEnv := env.New().PrependPath(filepath.Dir(runner))
	childEnv.Set("WINEPREFIX", d.Prefix)
	if debug != "" {
		childEnv.Set("WINEDEBUG", debug)
	}
	perProc := append(append(debugVars, vars...), tracker.CorrelationEnv+"="+id)

	argv := Argv(runner, d.ExeFile, args)
	logPath := filepath.Join(d.Prefix, layout.Stem(d.ExeFile)+".log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return rec, apperr.New("launch", apperr.KindUnknown, logPath, err)
	}

	// #nosec G204 -- argv is built from the descriptor, no shell involved
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = filepath.Dir(d.ExeFile)
	cmd.Env = childEnv.Merge(perProc)
	cmd.Stderr = logFile
	setProcAttrs(cmd)

	log := l.log.With("key", key, "progname", d.Progname)
	log.Info("launching", "cmd", shellquote.Join(argv...), "dir", cmd.Dir, "log", logPath)
	if err := cmd.Start(); err != nil {
		_ = logFile.Close()
		return rec, apperr.New("launch", apperr.KindSubprocessFailed, argv[0], err)
	}

	rec = tracker.NewRecord(tracker.Target{
		Key: key, Progname: d.Progname, Prefix: d.Prefix, Runner: runner, ExeFile: d.ExeFile,
	})
	rec.CorrelationID = id
	rec.PrimaryPID = cmd.Process.Pid
	rec.LaunchedAt = time.Now().UTC()
	rec.LogPath = logPath
	wait := func() (int, error) {
		err := cmd.Wait()
		_ = logFile.Close()
		return command.ExitCode(err), err
	}
	if err := l.tracker.Register(tracker.Launch{Record: rec, Wait: wait}); err != nil {
		// the key was reserved, so this only fails on a programming error
		_ = cmd.Process.Kill()
		go func() { _, _ = wait() }()
		return rec, err
	}
	registered = true
	l.tracker.DiscoverAfter(key, l.DiscoveryDelay)
	log.Debug("registered", "pid", rec.PrimaryPID, "correlation_id", id)

	if got, ok := l.tracker.Get(key); ok {
		rec = got
	}
	return rec, nil
}

// Argv is the command line for exe: "<runner> <exe>" or, for installer
// packages, "<runner> msiexec /i <exe>". The exe is passed by base name
// since the child runs in its directory.
func Argv(runner, exe string, args []string) []string {
	argv := []string{runner}
	if strings.EqualFold(filepath.Ext(exe), ".msi") {
		argv = append(argv, "msiexec", "/i", exe)
	} else {
		argv = append(argv, filepath.Base(exe))
	}
	return append(argv, args...)
}

// wineboot runs "wineboot -u" and consumes the marker left by imports and
// restores.
func (l *Launcher) wineboot(ctx context.Context, prefixDir, runner string) error {
	arch, _ := prefix.Arch(prefixDir)
	l.log.Info("updating prefix before first launch", "prefix", prefixDir)
	_, err := l.runner.Run(ctx, command.Cmd{
		Name: command.LookPath("wineboot", filepath.Dir(runner)),
		Args: []string{"-u"},
		Env:  l.prefixes.ToolEnv(prefixDir, arch, runner),
	})
	if err != nil {
		if errors.Is(err, apperr.ErrCancelled) {
			return err
		}
		return fmt.Errorf("wineboot -u: %w", err)
	}
	return prefix.ClearWinebootRequired(prefixDir)
}
