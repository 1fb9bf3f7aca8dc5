package tracker

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/loykin/winecharm/internal/apperr"
	"github.com/loykin/winecharm/internal/command"
	"github.com/loykin/winecharm/internal/history"
	"github.com/loykin/winecharm/internal/metrics"
)

const (
	DefaultStopTimeout  = 5 * time.Second
	DefaultPollInterval = 500 * time.Millisecond
)

// Options configure a Tracker. Zero values pick defaults.
type Options struct {
	Table  Table
	Runner command.Runner
	Sink   history.Sink
	Logger *slog.Logger

	// StopTimeout is the grace period between SIGTERM and SIGKILL.
	StopTimeout  time.Duration
	PollInterval time.Duration
	// SelfMarker excludes our own processes from KillAll by command line.
	SelfMarker string
}

// Tracker owns the running-process records, one per descriptor key.
type Tracker struct {
	table      Table
	runner     command.Runner
	sink       history.Sink
	log        *slog.Logger
	stopWait   time.Duration
	poll       time.Duration
	selfMarker string
	selfPID    int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	records map[string]*entry
	pending map[string]struct{}
	subs    map[int]chan history.Event
	nextSub int
}

type entry struct {
	rec Record
	// start times of every PID ever attributed to rec, for identity checks
	starts map[int]int64
	done   chan struct{}
}

// Launch hands a freshly spawned program to the tracker.
type Launch struct {
	Record Record
	// Wait blocks until the primary process exits and returns its exit
	// code. Nil means the primary PID is polled instead.
	Wait func() (int, error)
}

func New(o Options) *Tracker {
	if o.Table == nil {
		o.Table = System{}
	}
	if o.Runner == nil {
		o.Runner = command.Exec{Logger: o.Logger}
	}
	if o.Sink == nil {
		o.Sink = history.Nop{}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = DefaultStopTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.SelfMarker == "" && len(os.Args) > 0 {
		o.SelfMarker = filepath.Base(os.Args[0])
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Tracker{
		table:      o.Table,
		runner:     o.Runner,
		sink:       o.Sink,
		log:        o.Logger.With("component", "tracker"),
		stopWait:   o.StopTimeout,
		poll:       o.PollInterval,
		selfMarker: o.SelfMarker,
		selfPID:    os.Getpid(),
		ctx:        ctx,
		cancel:     cancel,
		records:    make(map[string]*entry),
		pending:    make(map[string]struct{}),
		subs:       make(map[int]chan history.Event),
	}
}

// Reserve claims key for a launch in progress. A key that is running or
// already reserved fails with AlreadyRunning.
func (t *Tracker) Reserve(key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.records[key]; ok {
		return apperr.New("launch", apperr.KindAlreadyRunning, key, nil)
	}
	if _, ok := t.pending[key]; ok {
		return apperr.New("launch", apperr.KindAlreadyRunning, key, nil)
	}
	t.pending[key] = struct{}{}
	return nil
}

// Release drops a reservation that did not lead to a Register.
func (t *Tracker) Release(key string) {
	t.mu.Lock()
	delete(t.pending, key)
	t.mu.Unlock()
}

// Register adds a record and starts monitoring it.
func (t *Tracker) Register(l Launch) error {
	rec := l.Record.clone()
	if rec.Key == "" {
		return apperr.Newf("register", apperr.KindDescriptorInvalid, "", "empty key")
	}
	if rec.LaunchedAt.IsZero() {
		rec.LaunchedAt = time.Now().UTC()
	}
	if rec.PrimaryPID > 0 && !slices.Contains(rec.PIDs, rec.PrimaryPID) {
		rec.PIDs = append([]int{rec.PrimaryPID}, rec.PIDs...)
	}
	if rec.PrimaryPID == 0 && len(rec.PIDs) > 0 {
		rec.PrimaryPID = rec.PIDs[0]
	}
	e := &entry{rec: rec, starts: make(map[int]int64), done: make(chan struct{})}
	for _, pid := range rec.PIDs {
		e.starts[pid] = t.table.StartTime(pid)
	}

	t.mu.Lock()
	if _, ok := t.records[rec.Key]; ok {
		t.mu.Unlock()
		return apperr.New("register", apperr.KindAlreadyRunning, rec.Key, nil)
	}
	delete(t.pending, rec.Key)
	t.records[rec.Key] = e
	n := len(t.records)
	t.mu.Unlock()

	metrics.SetRunning(n)
	typ := history.EventLaunched
	if rec.External {
		typ = history.EventDiscovered
	}
	t.emit(typ, rec)
	t.log.Info("registered", "key", rec.Key, "progname", rec.Progname, "pids", rec.PIDs, "external", rec.External)

	t.wg.Add(1)
	go t.monitor(rec.Key, rec.PrimaryPID, e.starts[rec.PrimaryPID], l.Wait)
	return nil
}

// IsRunning reports whether a record exists for key.
func (t *Tracker) IsRunning(key string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.records[key]
	return ok
}

// Get returns a copy of the record for key.
func (t *Tracker) Get(key string) (Record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.records[key]
	if !ok {
		return Record{}, false
	}
	return e.rec.clone(), true
}

// Records returns copies of all records ordered by launch time.
func (t *Tracker) Records() []Record {
	t.mu.RLock()
	out := make([]Record, 0, len(t.records))
	for _, e := range t.records {
		out = append(out, e.rec.clone())
	}
	t.mu.RUnlock()
	slices.SortFunc(out, func(a, b Record) int { return a.LaunchedAt.Compare(b.LaunchedAt) })
	return out
}

// RunningPIDs maps progname to PIDs, for the resource sampler.
func (t *Tracker) RunningPIDs() map[string][]int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string][]int, len(t.records))
	for _, e := range t.records {
		out[e.rec.Progname] = append(out[e.rec.Progname], e.rec.PIDs...)
	}
	return out
}

// Subscribe returns a channel receiving every lifecycle event. Slow
// subscribers lose events. Call the returned func to unsubscribe.
func (t *Tracker) Subscribe(buffer int) (<-chan history.Event, func()) {
	if buffer < 1 {
		buffer = 16
	}
	ch := make(chan history.Event, buffer)
	t.mu.Lock()
	id := t.nextSub
	t.nextSub++
	t.subs[id] = ch
	t.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.subs, id)
			t.mu.Unlock()
			close(ch)
		})
	}
}

// Close stops every monitor without touching the processes.
func (t *Tracker) Close(ctx context.Context) error {
	t.cancel()
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Tracker) emit(typ history.EventType, rec Record) {
	now := time.Now().UTC()
	hr := rec.History()
	if typ == history.EventEnded || typ == history.EventFailed {
		hr.EndedAt = &now
	}
	ev := history.Event{Type: typ, OccurredAt: now, Record: hr}
	if err := t.sink.Send(context.Background(), ev); err != nil {
		t.log.Warn("history sink", "event", typ, "key", rec.Key, "error", err)
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// update applies fn to the live record for key.
func (t *Tracker) update(key string, fn func(e *entry)) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.records[key]
	if !ok {
		return Record{}, false
	}
	fn(e)
	return e.rec.clone(), true
}

func (t *Tracker) doneChan(key string) <-chan struct{} {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if e, ok := t.records[key]; ok {
		return e.done
	}
	return nil
}

// identical reports whether pid is alive and still the process that was
// recorded with start time st.
func (t *Tracker) identical(pid int, st int64) bool {
	if !t.table.Alive(pid) {
		return false
	}
	if st == 0 {
		return true
	}
	cur := t.table.StartTime(pid)
	return cur == 0 || cur == st
}

func (t *Tracker) monitor(key string, primary int, primaryStart int64, wait func() (int, error)) {
	defer t.wg.Done()
	code := t.waitPrimary(primary, primaryStart, wait)
	if t.ctx.Err() != nil {
		return
	}
	t.update(key, func(e *entry) { e.rec.ExitCode = code })

	for {
		rec, ok := t.Get(key)
		if !ok || t.ctx.Err() != nil {
			return
		}
		if rec.ManuallyStopped {
			t.finish(key)
			return
		}
		pids, err := t.findPIDs(t.ctx, rec)
		if err != nil {
			t.log.Debug("rediscovery", "key", key, "error", err)
		}
		if len(pids) == 0 {
			t.finish(key)
			return
		}
		t.setPIDs(key, pids)
		t.log.Debug("still running", "key", key, "pids", pids)
		t.waitGone(key, pids)
	}
}

func (t *Tracker) waitPrimary(pid int, start int64, wait func() (int, error)) int {
	if wait != nil {
		res := make(chan int, 1)
		go func() {
			code, err := wait()
			if err != nil && code == 0 {
				code = -1
			}
			res <- code
		}()
		select {
		case code := <-res:
			return code
		case <-t.ctx.Done():
			return 0
		}
	}
	if pid <= 0 {
		return 0
	}
	tick := time.NewTicker(t.poll)
	defer tick.Stop()
	for t.identical(pid, start) {
		select {
		case <-tick.C:
		case <-t.ctx.Done():
			return 0
		}
	}
	return 0
}

// waitGone polls until none of pids is alive.
func (t *Tracker) waitGone(key string, pids []int) {
	starts := make(map[int]int64, len(pids))
	t.mu.RLock()
	if e, ok := t.records[key]; ok {
		for _, pid := range pids {
			starts[pid] = e.starts[pid]
		}
	}
	t.mu.RUnlock()
	tick := time.NewTicker(t.poll)
	defer tick.Stop()
	for {
		alive := false
		for _, pid := range pids {
			if t.identical(pid, starts[pid]) {
				alive = true
				break
			}
		}
		if !alive {
			return
		}
		select {
		case <-tick.C:
		case <-t.ctx.Done():
			return
		}
	}
}

func (t *Tracker) setPIDs(key string, pids []int) (Record, bool) {
	added := 0
	rec, ok := t.update(key, func(e *entry) {
		for _, pid := range pids {
			if _, seen := e.starts[pid]; !seen {
				e.starts[pid] = t.table.StartTime(pid)
				added++
			}
		}
		e.rec.PIDs = slices.Clone(pids)
	})
	if ok && added > 0 {
		metrics.AddDiscovered(added)
		t.emit(history.EventDiscovered, rec)
	}
	return rec, ok
}

// finish removes the record and reports the end of the program.
func (t *Tracker) finish(key string) {
	t.mu.Lock()
	e, ok := t.records[key]
	if ok {
		delete(t.records, key)
	}
	n := len(t.records)
	t.mu.Unlock()
	if !ok {
		return
	}
	metrics.SetRunning(n)
	rec := e.rec
	result := "ok"
	switch {
	case rec.ManuallyStopped:
		result = "stopped"
	case rec.ExitCode != 0:
		result = "failed"
	}
	metrics.IncEnded(result)
	t.emit(history.EventEnded, rec)
	if rec.ExitCode != 0 && !rec.ManuallyStopped {
		t.log.Warn("program failed", "key", key, "progname", rec.Progname, "exit_code", rec.ExitCode, "log", rec.LogPath)
		t.emit(history.EventFailed, rec)
	} else {
		t.log.Info("program ended", "key", key, "progname", rec.Progname, "exit_code", rec.ExitCode)
	}
	close(e.done)
}
