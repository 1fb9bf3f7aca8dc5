package launch

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/winecharm/internal/apperr"
	"github.com/loykin/winecharm/internal/command"
	"github.com/loykin/winecharm/internal/descriptor"
	"github.com/loykin/winecharm/internal/layout"
	"github.com/loykin/winecharm/internal/prefix"
	"github.com/loykin/winecharm/internal/tracker"
)

// fakeWine records how it was started into the prefix, then optionally
// sleeps or exits with $EXIT.
const fakeWine = `#!/bin/sh
echo "argv: $*" >&2
pwd > "$WINEPREFIX/cwd.txt"
env > "$WINEPREFIX/env.txt"
if [ -n "$SLEEP" ]; then exec sleep "$SLEEP"; fi
exit "${EXIT:-0}"
`

type runnerRec struct {
	mu   sync.Mutex
	cmds []command.Cmd
}

func (r *runnerRec) Run(_ context.Context, c command.Cmd) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cmds = append(r.cmds, c)
	return nil, nil
}

type fixture struct {
	layout   layout.Layout
	store    *descriptor.Store
	tracker  *tracker.Tracker
	runner   *runnerRec
	prefixes *prefix.Manager
	l        *Launcher
	wine     string
}

func requireLinux(t *testing.T) {
	t.Helper()
	if runtime.GOOS != "linux" {
		t.Skip("requires /proc")
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	home := t.TempDir()
	l := layout.New(filepath.Join(home, "winecharm"), home)
	require.NoError(t, l.EnsureDirs())
	store := descriptor.NewStore(l, nil)

	runnerDir := filepath.Join(l.Runners(), "wine-test", "bin")
	require.NoError(t, os.MkdirAll(runnerDir, 0o755))
	wine := filepath.Join(runnerDir, "wine")
	require.NoError(t, os.WriteFile(wine, []byte(fakeWine), 0o755))

	tr := tracker.New(tracker.Options{StopTimeout: 300 * time.Millisecond, PollInterval: 20 * time.Millisecond})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		for _, r := range tr.Records() {
			_ = tr.Terminate(ctx, r.Key)
		}
		_ = tr.Close(ctx)
	})
	rr := &runnerRec{}
	pm := prefix.New(store, rr, nil)
	ln := New(store, pm, tr, rr, nil)
	ln.DiscoveryDelay = 10 * time.Millisecond
	return &fixture{layout: l, store: store, tracker: tr, runner: rr, prefixes: pm, l: ln, wine: wine}
}

func (f *fixture) put(t *testing.T, name string, mod func(d *descriptor.Descriptor)) descriptor.Descriptor {
	t.Helper()
	pfx := f.layout.PrefixDir(name)
	exe := filepath.Join(pfx, "drive_c", "Games", "Foo", "game.exe")
	require.NoError(t, os.MkdirAll(filepath.Dir(exe), 0o755))
	require.NoError(t, os.WriteFile(exe, []byte("MZ "+name), 0o644))
	sum, err := descriptor.HashFile(exe)
	require.NoError(t, err)
	d := descriptor.Descriptor{
		SHA256Sum:  sum,
		ExeFile:    exe,
		ScriptPath: filepath.Join(pfx, "Foo.charm"),
		Prefix:     pfx,
		Progname:   "Foo",
		Runner:     f.wine,
		WineDebug:  descriptor.DefaultWineDebug,
	}
	if mod != nil {
		mod(&d)
	}
	d, err = f.store.Put(d)
	require.NoError(t, err)
	return d
}

func waitUntil(timeout time.Duration, fn func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return fn()
}

func readEnv(t *testing.T, path string) map[string]string {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	m := map[string]string{}
	for _, line := range strings.Split(string(b), "\n") {
		if k, v, ok := strings.Cut(line, "="); ok {
			m[k] = v
		}
	}
	return m
}

func TestBuildArgs(t *testing.T) {
	got, err := BuildArgs("/p", `-o "$WINEPREFIX/drive_c/My Games/save" --cfg=/p/drive_c/x.ini plain 'a b' /p/other`)
	require.NoError(t, err)
	assert.Equal(t, []string{"-o", "C:/My Games/save", "--cfg=C:/x.ini", "plain", "a b", "/p/other"}, got)

	got, err = BuildArgs("/p", "")
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = BuildArgs("/p", `"unterminated`)
	require.ErrorIs(t, err, apperr.ErrDescriptorInvalid)
}

func TestWineDebug(t *testing.T) {
	cases := []struct {
		in    string
		debug string
		extra []string
	}{
		{"", "", nil},
		{"-all", "-all", nil},
		{"WINEDEBUG=-all DXVK_HUD=1", "-all", []string{"DXVK_HUD=1"}},
		{"export WINEDEBUG=+relay", "+relay", nil},
	}
	for _, c := range cases {
		debug, extra, err := WineDebug(c.in)
		require.NoError(t, err, c.in)
		assert.Equal(t, c.debug, debug, c.in)
		assert.Equal(t, c.extra, extra, c.in)
	}
	_, _, err := WineDebug("WINEDEBUG=-all 1BAD=x")
	require.ErrorIs(t, err, apperr.ErrDescriptorInvalid)
}

func TestArgv(t *testing.T) {
	assert.Equal(t, []string{"/w/wine", "game.exe", "-x"}, Argv("/w/wine", "/p/drive_c/game.exe", []string{"-x"}))
	assert.Equal(t, []string{"/w/wine", "msiexec", "/i", "/p/drive_c/Setup.MSI"}, Argv("/w/wine", "/p/drive_c/Setup.MSI", nil))
}

func TestLaunchWritesLogAndEnvironment(t *testing.T) {
	requireLinux(t)
	f := newFixture(t)
	d := f.put(t, "Foo-1", func(d *descriptor.Descriptor) {
		d.Args = `-windowed "$WINEPREFIX/drive_c/Games/Foo/my save.dat"`
		d.EnvVars = "DXVK_HUD=1; MY_VAR=x"
	})

	rec, err := f.l.Launch(context.Background(), d.SHA256Sum)
	require.NoError(t, err)
	assert.NotEmpty(t, rec.CorrelationID)
	assert.Positive(t, rec.PrimaryPID)
	assert.Equal(t, filepath.Join(d.Prefix, "game.log"), rec.LogPath)
	require.True(t, waitUntil(5*time.Second, func() bool { return !f.tracker.IsRunning(d.SHA256Sum) }))

	logData, err := os.ReadFile(rec.LogPath)
	require.NoError(t, err)
	assert.Contains(t, string(logData), "argv: game.exe -windowed C:/Games/Foo/my save.dat")

	cwd, err := os.ReadFile(filepath.Join(d.Prefix, "cwd.txt"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Dir(d.ExeFile), strings.TrimSpace(string(cwd)))

	env := readEnv(t, filepath.Join(d.Prefix, "env.txt"))
	assert.Equal(t, d.Prefix, env["WINEPREFIX"])
	assert.Equal(t, "-all", env["WINEDEBUG"])
	assert.Equal(t, "1", env["DXVK_HUD"])
	assert.Equal(t, "x", env["MY_VAR"])
	assert.Equal(t, rec.CorrelationID, env[tracker.CorrelationEnv])
	assert.True(t, strings.HasPrefix(env["PATH"], filepath.Dir(f.wine)+string(os.PathListSeparator)))
}

func TestLaunchMissingExecutableLeavesIndexUnchanged(t *testing.T) {
	f := newFixture(t)
	d := f.put(t, "Foo-1", nil)
	require.NoError(t, os.Remove(d.ExeFile))
	before := f.store.All()

	_, err := f.l.Launch(context.Background(), d.SHA256Sum)
	require.ErrorIs(t, err, apperr.ErrExecutableMissing)
	assert.Equal(t, before, f.store.All())
	assert.False(t, f.tracker.IsRunning(d.SHA256Sum))

	_, err = f.l.Launch(context.Background(), "nope")
	require.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestLaunchRunnerMissing(t *testing.T) {
	f := newFixture(t)
	d := f.put(t, "Foo-1", func(d *descriptor.Descriptor) { d.Runner = "/nonexistent/bin/wine" })
	_, err := f.l.Launch(context.Background(), d.SHA256Sum)
	require.ErrorIs(t, err, apperr.ErrRunnerMissing)
	// a failed launch releases the key
	require.NoError(t, f.tracker.Reserve(d.SHA256Sum))
}

func TestLaunchRejectsMalformedEnvVarsBeforeSpawn(t *testing.T) {
	f := newFixture(t)
	d := f.put(t, "Foo-1", func(d *descriptor.Descriptor) { d.EnvVars = "GOOD=1;BROKEN" })
	_, err := f.l.Launch(context.Background(), d.SHA256Sum)
	require.ErrorIs(t, err, apperr.ErrDescriptorInvalid)
	_, statErr := os.Stat(filepath.Join(d.Prefix, "env.txt"))
	assert.True(t, os.IsNotExist(statErr), "nothing may be spawned")
}

func TestLaunchWaitsForPrefixMaintenance(t *testing.T) {
	f := newFixture(t)
	d := f.put(t, "Foo-1", nil)
	release, err := f.prefixes.Acquire(d.Prefix)
	require.NoError(t, err)

	_, err = f.l.Launch(context.Background(), d.SHA256Sum)
	require.ErrorIs(t, err, apperr.ErrPrefixBusy)
	assert.False(t, f.tracker.IsRunning(d.SHA256Sum))
	_, statErr := os.Stat(filepath.Join(d.Prefix, "env.txt"))
	assert.True(t, os.IsNotExist(statErr), "nothing may be spawned")

	release()
	assert.False(t, f.prefixes.Busy(d.Prefix))
}

func TestSecondLaunchIsRejectedUntilTerminated(t *testing.T) {
	requireLinux(t)
	f := newFixture(t)
	d := f.put(t, "Foo-1", func(d *descriptor.Descriptor) { d.EnvVars = "SLEEP=30" })

	rec, err := f.l.Launch(context.Background(), d.SHA256Sum)
	require.NoError(t, err)
	_, err = f.l.Launch(context.Background(), d.SHA256Sum)
	require.ErrorIs(t, err, apperr.ErrAlreadyRunning)

	require.True(t, waitUntil(5*time.Second, func() bool {
		r, ok := f.tracker.Get(d.SHA256Sum)
		return ok && len(r.PIDs) > 0
	}))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.tracker.Terminate(ctx, d.SHA256Sum))
	assert.False(t, f.tracker.IsRunning(d.SHA256Sum))
	assert.False(t, tracker.System{}.Alive(rec.PrimaryPID))
}

func TestLaunchConsumesWinebootMarker(t *testing.T) {
	requireLinux(t)
	f := newFixture(t)
	d := f.put(t, "Foo-1", nil)
	require.NoError(t, prefix.MarkWinebootRequired(d.Prefix, "restored"))

	_, err := f.l.Launch(context.Background(), d.SHA256Sum)
	require.NoError(t, err)
	require.True(t, waitUntil(5*time.Second, func() bool { return !f.tracker.IsRunning(d.SHA256Sum) }))
	assert.False(t, prefix.WinebootRequired(d.Prefix))

	f.runner.mu.Lock()
	require.Len(t, f.runner.cmds, 1)
	c := f.runner.cmds[0]
	f.runner.mu.Unlock()
	assert.Equal(t, []string{"-u"}, c.Args)
	assert.Equal(t, "wineboot", filepath.Base(c.Name))
	assert.Contains(t, c.Env, "WINEPREFIX="+d.Prefix)

	// the marker is one-shot
	_, err = f.l.Launch(context.Background(), d.SHA256Sum)
	require.NoError(t, err)
	require.True(t, waitUntil(5*time.Second, func() bool { return !f.tracker.IsRunning(d.SHA256Sum) }))
	f.runner.mu.Lock()
	assert.Len(t, f.runner.cmds, 1)
	f.runner.mu.Unlock()
}
