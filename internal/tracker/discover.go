package tracker

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/loykin/winecharm/internal/apperr"
)

// Discover associates the Wine-side processes of key with its record and
// returns the resulting PID set.
func (t *Tracker) Discover(ctx context.Context, key string) ([]int, error) {
	rec, ok := t.Get(key)
	if !ok {
		return nil, apperr.New("discover", apperr.KindNotFound, key, nil)
	}
	found, err := t.findPIDs(ctx, rec)
	if err != nil {
		return nil, err
	}
	pids := found
	// keep live PIDs found earlier; a launcher may not be visible yet
	for _, pid := range rec.PIDs {
		if !slices.Contains(pids, pid) && t.table.Alive(pid) {
			pids = append(pids, pid)
		}
	}
	slices.Sort(pids)
	if len(pids) == 0 {
		return nil, nil
	}
	rec, _ = t.setPIDs(key, pids)
	t.log.Debug("discovered", "key", key, "pids", rec.PIDs)
	return rec.PIDs, nil
}

// DiscoverAfter runs Discover for key once delay has passed, in the
// background.
func (t *Tracker) DiscoverAfter(key string, delay time.Duration) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-t.ctx.Done():
			return
		}
		if _, err := t.Discover(t.ctx, key); err != nil && apperr.KindOf(err) != apperr.KindNotFound {
			t.log.Warn("discovery failed", "key", key, "error", err)
		}
	}()
}

// findPIDs lists the processes belonging to rec. The correlation id is
// authoritative when present; winedbg scraping covers everything else.
func (t *Tracker) findPIDs(ctx context.Context, rec Record) ([]int, error) {
	if rec.CorrelationID != "" {
		return t.byCorrelation(ctx, rec.CorrelationID)
	}
	return t.byWinedbg(ctx, rec)
}

func (t *Tracker) byCorrelation(ctx context.Context, id string) ([]int, error) {
	procs, err := t.table.Processes(ctx)
	if err != nil {
		return nil, err
	}
	want := CorrelationEnv + "=" + id
	var pids []int
	for _, p := range procs {
		if p.PID == t.selfPID || denied(p.ExeName()) || denied(p.Name) {
			continue
		}
		env, err := t.table.Environ(ctx, p.PID)
		if err != nil {
			continue
		}
		if hasEnv(env, want) {
			pids = append(pids, p.PID)
		}
	}
	slices.Sort(pids)
	return pids, nil
}

func (t *Tracker) byWinedbg(ctx context.Context, rec Record) ([]int, error) {
	names, err := t.wineProcesses(ctx, rec)
	if err != nil {
		if ctx.Err() != nil {
			return nil, apperr.FromContext(ctx, "discover")
		}
		t.log.Debug("winedbg unavailable, matching by exe name", "prefix", rec.Prefix, "error", err)
		names = []string{rec.ExeName}
	}
	if len(names) == 0 {
		return nil, nil
	}
	procs, err := t.table.Processes(ctx)
	if err != nil {
		return nil, err
	}
	parent := strings.ToLower(rec.ExeParentName)
	var pids []int
	for _, p := range procs {
		if p.PID == t.selfPID || denied(p.ExeName()) || denied(p.Name) {
			continue
		}
		cmd := strings.ToLower(p.Cmdline())
		if parent != "" && !strings.Contains(cmd, parent) {
			continue
		}
		for _, n := range names {
			if strings.Contains(cmd, strings.ToLower(n)) {
				pids = append(pids, p.PID)
				break
			}
		}
	}
	slices.Sort(pids)
	return pids, nil
}

// Reconcile adopts programs that were started before this process, or by
// someone else. A process is attributed to a target when its command line
// names the target's executable and its environment carries the target's
// WINEPREFIX. Adopted records are marked External and monitored by polling.
func (t *Tracker) Reconcile(ctx context.Context, targets []Target) ([]Record, error) {
	procs, err := t.table.Processes(ctx)
	if err != nil {
		return nil, err
	}
	envs := make(map[int][]string)
	environ := func(pid int) []string {
		if e, ok := envs[pid]; ok {
			return e
		}
		e, _ := t.table.Environ(ctx, pid)
		envs[pid] = e
		return e
	}

	var adopted []Record
	for _, tg := range targets {
		if err := ctx.Err(); err != nil {
			return adopted, apperr.FromContext(ctx, "reconcile")
		}
		if tg.Key == "" || tg.Prefix == "" || t.IsRunning(tg.Key) {
			continue
		}
		rec := NewRecord(tg)
		name := strings.ToLower(rec.ExeName)
		want := "WINEPREFIX=" + tg.Prefix
		var pids []int
		for _, p := range procs {
			if p.PID == t.selfPID || denied(p.ExeName()) || denied(p.Name) {
				continue
			}
			if !strings.Contains(strings.ToLower(p.Cmdline()), name) {
				continue
			}
			if hasEnv(environ(p.PID), want) {
				pids = append(pids, p.PID)
			}
		}
		if len(pids) == 0 {
			continue
		}
		slices.Sort(pids)
		rec.PIDs = pids
		rec.PrimaryPID = pids[0]
		rec.External = true
		if err := t.Register(Launch{Record: rec}); err != nil {
			continue
		}
		adopted = append(adopted, rec)
	}
	if len(adopted) > 0 {
		t.log.Info("reconciled running programs", "count", len(adopted))
	}
	return adopted, nil
}
