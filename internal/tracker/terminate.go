package tracker

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/loykin/winecharm/internal/apperr"
	"github.com/loykin/winecharm/internal/command"
	"github.com/loykin/winecharm/internal/env"
	"github.com/loykin/winecharm/internal/history"
	"github.com/loykin/winecharm/internal/metrics"
)

// Stop methods, in the order Terminate tries them.
const (
	StopCorrelation = "correlation"
	StopPIDs        = "pids"
	StopWineserver  = "wineserver"
	StopKillAll     = "killall"
)

// Terminate stops the program recorded under key and waits for its record
// to be removed. The record is marked manually stopped first so its exit
// code is not reported as a failure.
func (t *Tracker) Terminate(ctx context.Context, key string) error {
	var starts map[int]int64
	rec, ok := t.update(key, func(e *entry) {
		e.rec.ManuallyStopped = true
		starts = make(map[int]int64, len(e.starts))
		for pid, st := range e.starts {
			starts[pid] = st
		}
	})
	if !ok {
		return apperr.New("terminate", apperr.KindNotFound, key, nil)
	}
	done := t.doneChan(key)

	method, err := t.stop(ctx, rec, starts)
	metrics.IncStop(method)
	t.emit(history.EventStopped, rec)
	t.log.Info("terminate", "key", key, "progname", rec.Progname, "method", method)
	if err != nil {
		return err
	}
	if done == nil {
		return nil
	}

	timer := time.NewTimer(2*t.stopWait + 4*t.poll)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return apperr.FromContext(ctx, "terminate")
	case <-timer.C:
		t.log.Warn("record still present after terminate", "key", key)
		return nil
	}
}

func (t *Tracker) stop(ctx context.Context, rec Record, starts map[int]int64) (string, error) {
	if rec.CorrelationID != "" {
		pids, err := t.byCorrelation(ctx, rec.CorrelationID)
		if err == nil && len(pids) > 0 {
			return StopCorrelation, t.killPIDs(ctx, pids, nil)
		}
	}
	var known []int
	for _, pid := range rec.PIDs {
		if t.identical(pid, starts[pid]) {
			known = append(known, pid)
		}
	}
	if len(known) > 0 {
		return StopPIDs, t.killPIDs(ctx, known, starts)
	}
	return StopWineserver, t.wineserverKill(ctx, rec)
}

// killPIDs sends SIGTERM, waits up to the stop timeout, then SIGKILLs the
// survivors. A PID whose start time changed is not signalled again.
func (t *Tracker) killPIDs(ctx context.Context, pids []int, starts map[int]int64) error {
	snap := make(map[int]int64, len(pids))
	for _, pid := range pids {
		if st := starts[pid]; st != 0 {
			snap[pid] = st
		} else {
			snap[pid] = t.table.StartTime(pid)
		}
	}
	for _, pid := range pids {
		if err := t.table.Signal(pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
			t.log.Debug("sigterm", "pid", pid, "error", err)
		}
	}

	deadline := time.Now().Add(t.stopWait)
	tick := time.NewTicker(max(t.poll/2, time.Millisecond))
	defer tick.Stop()
	for {
		survivors := pids[:0:0]
		for _, pid := range pids {
			if t.identical(pid, snap[pid]) {
				survivors = append(survivors, pid)
			}
		}
		if len(survivors) == 0 {
			return nil
		}
		if time.Now().After(deadline) || ctx.Err() != nil {
			for _, pid := range survivors {
				t.log.Debug("escalating to SIGKILL", "pid", pid)
				if err := t.table.Signal(pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
					return apperr.New("terminate", apperr.KindSubprocessFailed, "", err)
				}
			}
			return nil
		}
		select {
		case <-tick.C:
		case <-ctx.Done():
		}
	}
}

func (t *Tracker) wineserverKill(ctx context.Context, rec Record) error {
	runnerDir := ""
	if rec.Runner != "" {
		runnerDir = filepath.Dir(rec.Runner)
	}
	e := env.New().PrependPath(runnerDir).WithSet("WINEPREFIX", rec.Prefix)
	_, err := t.runner.Run(ctx, command.Cmd{
		Name: command.LookPath("wineserver", runnerDir),
		Args: []string{"-k"},
		Env:  e.Merge(nil),
	})
	return err
}

// KillAll SIGKILLs every process whose command line mentions ".exe",
// children first (descending PID), sparing this process and anything
// carrying the self marker. It returns the number of processes signalled.
func (t *Tracker) KillAll(ctx context.Context) (int, error) {
	procs, err := t.table.Processes(ctx)
	if err != nil {
		return 0, err
	}
	var pids []int
	for _, p := range procs {
		if p.PID == t.selfPID {
			continue
		}
		cmd := p.Cmdline()
		if !strings.Contains(strings.ToLower(cmd), ".exe") {
			continue
		}
		if t.selfMarker != "" && strings.Contains(cmd, t.selfMarker) {
			continue
		}
		pids = append(pids, p.PID)
	}
	slices.Sort(pids)
	slices.Reverse(pids)

	t.mu.Lock()
	for _, e := range t.records {
		e.rec.ManuallyStopped = true
	}
	t.mu.Unlock()

	n := 0
	for _, pid := range pids {
		if err := t.table.Signal(pid, syscall.SIGKILL); err != nil {
			if !errors.Is(err, syscall.ESRCH) {
				t.log.Debug("kill", "pid", pid, "error", err)
			}
			continue
		}
		n++
	}
	metrics.IncStop(StopKillAll)
	t.log.Info("kill all", "signalled", n)
	return n, nil
}
