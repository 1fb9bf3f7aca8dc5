package tracker

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/winecharm/internal/apperr"
	"github.com/loykin/winecharm/internal/command"
	"github.com/loykin/winecharm/internal/history"
)

type fakeProc struct {
	Proc
	env   []string
	start int64
	alive bool
}

type signal struct {
	pid int
	sig syscall.Signal
}

// fakeTable is an in-memory process table. SIGKILL always kills; SIGTERM
// kills unless ignoreTerm is set.
type fakeTable struct {
	mu         sync.Mutex
	procs      map[int]*fakeProc
	signals    []signal
	ignoreTerm bool
}

func newFakeTable() *fakeTable { return &fakeTable{procs: make(map[int]*fakeProc)} }

func (f *fakeTable) add(pid int, env []string, args ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.procs[pid] = &fakeProc{Proc: Proc{PID: pid, PPID: 1, Args: args}, env: env, start: int64(1000 + pid), alive: true}
}

func (f *fakeTable) kill(pid int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.procs[pid]; ok {
		p.alive = false
	}
}

// respawn replaces old with a new process carrying the same env in one step.
func (f *fakeTable) respawn(old, pid int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.procs[old]
	p.alive = false
	f.procs[pid] = &fakeProc{Proc: Proc{PID: pid, PPID: 1, Args: p.Args}, env: p.env, start: int64(1000 + pid), alive: true}
}

func (f *fakeTable) sent() []signal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.signals)
}

func (f *fakeTable) Processes(context.Context) ([]Proc, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Proc
	for _, p := range f.procs {
		if p.alive {
			out = append(out, p.Proc)
		}
	}
	slices.SortFunc(out, func(a, b Proc) int { return a.PID - b.PID })
	return out, nil
}

func (f *fakeTable) Environ(_ context.Context, pid int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.procs[pid]
	if !ok || !p.alive {
		return nil, os.ErrNotExist
	}
	return p.env, nil
}

func (f *fakeTable) Alive(pid int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.procs[pid]
	return ok && p.alive
}

func (f *fakeTable) StartTime(pid int) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.procs[pid]; ok {
		return p.start
	}
	return 0
}

func (f *fakeTable) Signal(pid int, sig syscall.Signal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signals = append(f.signals, signal{pid, sig})
	p, ok := f.procs[pid]
	if !ok || !p.alive {
		return syscall.ESRCH
	}
	if sig == syscall.SIGKILL || (sig == syscall.SIGTERM && !f.ignoreTerm) {
		p.alive = false
	}
	return nil
}

type sinkRec struct {
	mu     sync.Mutex
	events []history.Event
}

func (s *sinkRec) Send(_ context.Context, e history.Event) error {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
	return nil
}

func (s *sinkRec) types() []history.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []history.EventType
	for _, e := range s.events {
		out = append(out, e.Type)
	}
	return out
}

type runnerRec struct {
	mu   sync.Mutex
	cmds []command.Cmd
	out  string
	err  error
}

func (r *runnerRec) Run(_ context.Context, c command.Cmd) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cmds = append(r.cmds, c)
	return []byte(r.out), r.err
}

func waitUntil(timeout time.Duration, fn func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

func newTestTracker(t *testing.T, tbl Table, r command.Runner, sink history.Sink) *Tracker {
	t.Helper()
	tr := New(Options{
		Table:        tbl,
		Runner:       r,
		Sink:         sink,
		StopTimeout:  60 * time.Millisecond,
		PollInterval: 10 * time.Millisecond,
		SelfMarker:   "winecharm-core",
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = tr.Close(ctx)
	})
	return tr
}

// runnerDir holds stub wine tools so LookPath resolves them.
func runnerDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	for _, n := range []string{"wine", "winedbg", "wineserver"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, n), []byte("#!/bin/sh\n"), 0o755))
	}
	return dir
}

const gameExe = "/data/prefixes/Foo/drive_c/Games/Foo/game.exe"

func gameRecord(id string) Record {
	rec := NewRecord(Target{Key: "k1", Progname: "Foo", Prefix: "/data/prefixes/Foo", ExeFile: gameExe})
	rec.CorrelationID = id
	return rec
}

func TestParseInfoProc(t *testing.T) {
	out := ` pid      threads  executable (all id:s are in hex)
 00000020 3        'start.exe'
 =00000038 2       \_ 'game.exe'
 0000000c 4        \_ 'services.exe'
`
	assert.Equal(t, []string{"start.exe", "game.exe", "services.exe"}, ParseInfoProc(out))
	assert.Empty(t, ParseInfoProc("no wine here\n"))
}

func TestProcExeName(t *testing.T) {
	assert.Equal(t, "game.exe", Proc{Args: []string{`C:\Games\Foo\game.exe`, "-w"}}.ExeName())
	assert.Equal(t, "game.exe", Proc{Args: []string{"/usr/bin/wine", "game.exe"}}.ExeName())
	assert.Equal(t, "wineserver", Proc{Args: []string{"/usr/bin/wineserver"}}.ExeName())
	assert.Equal(t, "kthreadd", Proc{Name: "kthreadd"}.ExeName())
}

func TestReserveAndRegisterRejectSecondLaunch(t *testing.T) {
	tbl := newFakeTable()
	tbl.add(100, nil, "/usr/bin/wine", "game.exe")
	tr := newTestTracker(t, tbl, &runnerRec{}, nil)

	require.NoError(t, tr.Reserve("k1"))
	require.ErrorIs(t, tr.Reserve("k1"), apperr.ErrAlreadyRunning)
	tr.Release("k1")
	require.NoError(t, tr.Reserve("k1"))

	rec := gameRecord("id-1")
	rec.PrimaryPID = 100
	require.NoError(t, tr.Register(Launch{Record: rec}))
	assert.True(t, tr.IsRunning("k1"))
	require.ErrorIs(t, tr.Reserve("k1"), apperr.ErrAlreadyRunning)
	require.ErrorIs(t, tr.Register(Launch{Record: rec}), apperr.ErrAlreadyRunning)

	got, ok := tr.Get("k1")
	require.True(t, ok)
	assert.Equal(t, []int{100}, got.PIDs)
	assert.Equal(t, "game.exe", got.ExeName)
	assert.Equal(t, "Foo", got.ExeParentName)
	assert.Equal(t, map[string][]int{"Foo": {100}}, tr.RunningPIDs())
}

func TestDiscoverByCorrelation(t *testing.T) {
	tbl := newFakeTable()
	id := CorrelationEnv + "=id-1"
	tbl.add(100, []string{id}, "/usr/bin/wine", "game.exe")
	tbl.add(105, []string{id}, `C:\windows\system32\start.exe`, "/exec", "game.exe")
	tbl.add(110, []string{id}, "/usr/bin/wineserver")
	tbl.add(120, []string{id, "WINEPREFIX=/data/prefixes/Foo"}, `C:\Games\Foo\game.exe`)
	tbl.add(130, []string{CorrelationEnv + "=other"}, `C:\Games\Foo\game.exe`)
	tr := newTestTracker(t, tbl, &runnerRec{}, nil)

	rec := gameRecord("id-1")
	rec.PrimaryPID = 100
	require.NoError(t, tr.Register(Launch{Record: rec}))

	pids, err := tr.Discover(context.Background(), "k1")
	require.NoError(t, err)
	assert.Equal(t, []int{100, 120}, pids)

	// every tracked PID carries the correlation id
	got, _ := tr.Get("k1")
	for _, pid := range got.PIDs {
		env, _ := tbl.Environ(context.Background(), pid)
		assert.Contains(t, env, id)
	}

	_, err = tr.Discover(context.Background(), "missing")
	require.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestDiscoverWinedbgMatchesParentDirectory(t *testing.T) {
	tbl := newFakeTable()
	tbl.add(200, nil, `C:\Games\Foo\game.exe`)
	tbl.add(201, nil, `C:\Games\Bar\game.exe`)
	tbl.add(202, nil, `C:\windows\explorer.exe`, "/desktop")
	r := &runnerRec{out: " 00000020 3        'explorer.exe'\n =00000038 2       \\_ 'game.exe'\n"}
	tr := newTestTracker(t, tbl, r, nil)

	dir := runnerDir(t)
	rec := gameRecord("")
	rec.Runner = filepath.Join(dir, "wine")
	found, err := tr.byWinedbg(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, []int{200}, found)

	require.Len(t, r.cmds, 1)
	assert.Equal(t, filepath.Join(dir, "winedbg"), r.cmds[0].Name)
	assert.Equal(t, []string{"--command", "info proc"}, r.cmds[0].Args)
	assert.Contains(t, r.cmds[0].Env, "WINEPREFIX=/data/prefixes/Foo")
}

func TestDiscoverWinedbgFailureFallsBackToExeName(t *testing.T) {
	tbl := newFakeTable()
	tbl.add(200, nil, `C:\Games\Foo\GAME.EXE`)
	r := &runnerRec{err: errors.New("winedbg: not found")}
	tr := newTestTracker(t, tbl, r, nil)

	found, err := tr.byWinedbg(context.Background(), gameRecord(""))
	require.NoError(t, err)
	assert.Equal(t, []int{200}, found)

	// winedbg listing without our exe means nothing runs
	r.err, r.out = nil, " 00000020 3        'start.exe'\n"
	found, err = tr.byWinedbg(context.Background(), gameRecord(""))
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestTerminateByCorrelationRemovesRecord(t *testing.T) {
	tbl := newFakeTable()
	id := CorrelationEnv + "=id-1"
	tbl.add(100, []string{id}, "/usr/bin/wine", "game.exe")
	tbl.add(120, []string{id}, `C:\Games\Foo\game.exe`)
	tbl.add(300, nil, `C:\Games\Other\other.exe`)
	sink := &sinkRec{}
	tr := newTestTracker(t, tbl, &runnerRec{}, sink)

	rec := gameRecord("id-1")
	rec.PrimaryPID = 100
	require.NoError(t, tr.Register(Launch{Record: rec, Wait: func() (int, error) {
		waitUntil(5*time.Second, func() bool { return !tbl.Alive(100) })
		return 137, errors.New("killed")
	}}))
	_, err := tr.Discover(context.Background(), "k1")
	require.NoError(t, err)

	require.NoError(t, tr.Terminate(context.Background(), "k1"))
	assert.False(t, tr.IsRunning("k1"))
	assert.False(t, tbl.Alive(100))
	assert.False(t, tbl.Alive(120))
	assert.True(t, tbl.Alive(300))
	for _, s := range tbl.sent() {
		assert.Equal(t, syscall.SIGTERM, s.sig)
		assert.NotEqual(t, 300, s.pid)
	}
	types := sink.types()
	assert.Contains(t, types, history.EventStopped)
	assert.Contains(t, types, history.EventEnded)
	assert.NotContains(t, types, history.EventFailed, "manual stop never reports failure")

	require.ErrorIs(t, tr.Terminate(context.Background(), "k1"), apperr.ErrNotFound)
}

func TestTerminateEscalatesToSIGKILL(t *testing.T) {
	tbl := newFakeTable()
	tbl.ignoreTerm = true
	id := CorrelationEnv + "=id-1"
	tbl.add(100, []string{id}, "/usr/bin/wine", "game.exe")
	tr := newTestTracker(t, tbl, &runnerRec{}, nil)

	rec := gameRecord("id-1")
	rec.PrimaryPID = 100
	require.NoError(t, tr.Register(Launch{Record: rec}))
	require.NoError(t, tr.Terminate(context.Background(), "k1"))

	assert.Equal(t, []signal{{100, syscall.SIGTERM}, {100, syscall.SIGKILL}}, tbl.sent())
	assert.True(t, waitUntil(time.Second, func() bool { return !tr.IsRunning("k1") }))
}

func TestStopFallsBackToWineserver(t *testing.T) {
	tbl := newFakeTable()
	// PID 200 was reused by another program since it was recorded
	tbl.add(200, nil, `C:\Games\Foo\game.exe`)
	r := &runnerRec{}
	tr := newTestTracker(t, tbl, r, nil)

	dir := runnerDir(t)
	rec := gameRecord("")
	rec.Runner = filepath.Join(dir, "wine")
	rec.PIDs = []int{200}
	method, err := tr.stop(context.Background(), rec, map[int]int64{200: 1})
	require.NoError(t, err)
	assert.Equal(t, StopWineserver, method)
	assert.Empty(t, tbl.sent(), "a reused PID is never signalled")

	require.Len(t, r.cmds, 1)
	assert.Equal(t, filepath.Join(dir, "wineserver"), r.cmds[0].Name)
	assert.Equal(t, []string{"-k"}, r.cmds[0].Args)
	assert.Contains(t, r.cmds[0].Env, "WINEPREFIX=/data/prefixes/Foo")
	assert.True(t, strings.HasPrefix(envValue(r.cmds[0].Env, "PATH"), dir))

	// a matching start time identifies the same process
	method, err = tr.stop(context.Background(), rec, map[int]int64{200: 1200})
	require.NoError(t, err)
	assert.Equal(t, StopPIDs, method)
	assert.False(t, tbl.Alive(200))
}

func envValue(env []string, k string) string {
	for _, kv := range env {
		if v, ok := strings.CutPrefix(kv, k+"="); ok {
			return v
		}
	}
	return ""
}

func TestKillAllReverseOrderSparesSelf(t *testing.T) {
	tbl := newFakeTable()
	tbl.add(10, nil, "/usr/bin/wine", "a.exe")
	tbl.add(20, nil, "/usr/local/bin/winecharm-core", "launch", "b.exe")
	tbl.add(30, nil, `C:\b\B.EXE`)
	tbl.add(40, nil, "/bin/bash")
	tbl.add(os.Getpid(), nil, "self.exe")
	tr := newTestTracker(t, tbl, &runnerRec{}, nil)

	n, err := tr.KillAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []signal{{30, syscall.SIGKILL}, {10, syscall.SIGKILL}}, tbl.sent())
	assert.True(t, tbl.Alive(20))
	assert.True(t, tbl.Alive(40))
}

func TestMonitorKeepsRecordAcrossRespawn(t *testing.T) {
	tbl := newFakeTable()
	id := CorrelationEnv + "=id-1"
	tbl.add(100, []string{id}, `C:\Games\Foo\game.exe`)
	sink := &sinkRec{}
	tr := newTestTracker(t, tbl, &runnerRec{}, sink)
	events, unsubscribe := tr.Subscribe(8)
	defer unsubscribe()

	rec := gameRecord("id-1")
	rec.PrimaryPID = 100
	require.NoError(t, tr.Register(Launch{Record: rec}))

	tbl.respawn(100, 101)
	require.True(t, waitUntil(2*time.Second, func() bool {
		r, ok := tr.Get("k1")
		return ok && slices.Equal(r.PIDs, []int{101})
	}), "successor must be discovered")
	assert.True(t, tr.IsRunning("k1"))

	tbl.kill(101)
	require.True(t, waitUntil(2*time.Second, func() bool { return !tr.IsRunning("k1") }))

	var seen []history.EventType
	for len(seen) < 3 {
		select {
		case e := <-events:
			seen = append(seen, e.Type)
		case <-time.After(time.Second):
			t.Fatalf("events so far: %v", seen)
		}
	}
	assert.Equal(t, []history.EventType{history.EventLaunched, history.EventDiscovered, history.EventEnded}, seen)
}

func TestNonZeroExitEmitsFailedWithLog(t *testing.T) {
	tbl := newFakeTable()
	sink := &sinkRec{}
	tr := newTestTracker(t, tbl, &runnerRec{}, sink)

	rec := gameRecord("id-1")
	rec.LogPath = "/data/prefixes/Foo/game.log"
	require.NoError(t, tr.Register(Launch{Record: rec, Wait: func() (int, error) { return 3, errors.New("exit status 3") }}))
	require.True(t, waitUntil(2*time.Second, func() bool { return !tr.IsRunning("k1") }))

	assert.Equal(t, []history.EventType{history.EventLaunched, history.EventEnded, history.EventFailed}, sink.types())
	sink.mu.Lock()
	failed := sink.events[2]
	sink.mu.Unlock()
	assert.Equal(t, 3, failed.Record.ExitCode)
	assert.Equal(t, "/data/prefixes/Foo/game.log", failed.Record.LogPath)
	require.NotNil(t, failed.Record.EndedAt)
}

func TestReconcileAdoptsExternalPrograms(t *testing.T) {
	tbl := newFakeTable()
	tbl.add(400, []string{"WINEPREFIX=/data/prefixes/Foo"}, `C:\Games\Foo\game.exe`)
	tbl.add(401, []string{"WINEPREFIX=/data/prefixes/Other"}, `C:\Games\Foo\game.exe`)
	sink := &sinkRec{}
	tr := newTestTracker(t, tbl, &runnerRec{}, sink)

	adopted, err := tr.Reconcile(context.Background(), []Target{
		{Key: "k1", Progname: "Foo", Prefix: "/data/prefixes/Foo", ExeFile: gameExe},
		{Key: "k2", Progname: "Idle", Prefix: "/data/prefixes/Idle", ExeFile: "/data/prefixes/Idle/drive_c/idle.exe"},
	})
	require.NoError(t, err)
	require.Len(t, adopted, 1)
	assert.Equal(t, []int{400}, adopted[0].PIDs)
	assert.True(t, adopted[0].External)
	assert.Empty(t, adopted[0].CorrelationID)

	got, ok := tr.Get("k1")
	require.True(t, ok)
	assert.True(t, got.External)
	assert.False(t, tr.IsRunning("k2"))
	assert.Equal(t, []history.EventType{history.EventDiscovered}, sink.types())

	tbl.kill(400)
	assert.True(t, waitUntil(2*time.Second, func() bool { return !tr.IsRunning("k1") }))
}

func TestTerminateRealProcessGroup(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("reads /proc")
	}
	id := "it-" + time.Now().Format("150405.000000")
	cmd := exec.Command("sleep", "30")
	cmd.Env = append(os.Environ(), CorrelationEnv+"="+id)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	require.NoError(t, cmd.Start())
	t.Cleanup(func() { _ = cmd.Process.Kill() })

	tr := newTestTracker(t, System{}, &runnerRec{}, nil)
	rec := Record{Key: "sleep", Progname: "sleep", CorrelationID: id, ExeName: "sleep", PrimaryPID: cmd.Process.Pid}
	require.NoError(t, tr.Register(Launch{Record: rec, Wait: func() (int, error) {
		err := cmd.Wait()
		return command.ExitCode(err), err
	}}))

	pids, err := tr.Discover(context.Background(), "sleep")
	require.NoError(t, err)
	assert.Equal(t, []int{cmd.Process.Pid}, pids)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, tr.Terminate(ctx, "sleep"))
	assert.False(t, tr.IsRunning("sleep"))
	assert.False(t, System{}.Alive(cmd.Process.Pid))
}
