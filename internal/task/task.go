package task

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loykin/winecharm/internal/apperr"
)

// Event is a typed progress notification from a long-running operation.
type Event struct {
	Task    string    `json:"task"`
	Step    string    `json:"step,omitempty"`
	Index   int       `json:"index,omitempty"` // 1-based step number
	Total   int       `json:"total,omitempty"`
	Message string    `json:"message,omitempty"`
	Err     error     `json:"-"`
	Done    bool      `json:"done,omitempty"`
	Time    time.Time `json:"time"`
}

// Progress receives events. A nil Progress discards them.
type Progress func(Event)

// Emit calls p when it is set.
func (p Progress) Emit(e Event) {
	if p == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	p(e)
}

// Step emits the start of step index of total.
func (p Progress) Step(index, total int, step string) {
	p.Emit(Event{Step: step, Index: index, Total: total})
}

// Handle observes and controls one submitted task.
type Handle struct {
	name   string
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

func (h *Handle) Name() string { return h.name }

// Cancel requests cancellation. The task observes it through its context.
func (h *Handle) Cancel() { h.cancel() }

// Done is closed when the task returns.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err returns the task result once Done is closed.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Wait blocks until the task finishes or ctx is done.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Func is the body of a task.
type Func func(ctx context.Context, progress Progress) error

// Pool runs tasks on a bounded number of workers and fans their events out
// to subscribers. Submit never blocks the caller.
type Pool struct {
	ctx    context.Context
	cancel context.CancelFunc
	g      errgroup.Group
	wg     sync.WaitGroup
	log    *slog.Logger

	mu      sync.Mutex
	subs    map[int]chan Event
	nextSub int
	active  map[*Handle]struct{}
	closed  bool
}

func NewPool(workers int, log *slog.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		ctx:    ctx,
		cancel: cancel,
		log:    log.With("component", "task"),
		subs:   make(map[int]chan Event),
		active: make(map[*Handle]struct{}),
	}
	p.g.SetLimit(workers)
	return p
}

var ErrPoolClosed = errors.New("task pool closed")

// Submit queues fn under name. The returned handle is usable immediately.
func (p *Pool) Submit(name string, fn Func) *Handle {
	ctx, cancel := context.WithCancel(p.ctx)
	h := &Handle{name: name, cancel: cancel, done: make(chan struct{})}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		cancel()
		h.err = ErrPoolClosed
		close(h.done)
		return h
	}
	p.active[h] = struct{}{}
	p.wg.Add(1)
	p.mu.Unlock()

	emit := Progress(func(e Event) {
		e.Task = name
		p.publish(e)
	})
	go p.g.Go(func() error {
		var err error
		if err = apperr.FromContext(ctx, name); err == nil {
			p.log.Debug("task start", "task", name)
			err = fn(ctx, emit)
		}
		if err != nil && ctx.Err() != nil && !errors.Is(err, apperr.ErrCancelled) {
			err = apperr.New(name, apperr.KindCancelled, "", err)
		}
		h.mu.Lock()
		h.err = err
		h.mu.Unlock()
		emit.Emit(Event{Done: true, Err: err})
		switch {
		case err == nil:
			p.log.Debug("task done", "task", name)
		case apperr.IsCancelled(err):
			p.log.Info("task cancelled", "task", name)
		default:
			p.log.Warn("task failed", "task", name, "error", err)
		}
		cancel()
		p.mu.Lock()
		delete(p.active, h)
		p.mu.Unlock()
		close(h.done)
		p.wg.Done()
		return nil
	})
	return h
}

// Subscribe returns a channel receiving every event. Slow subscribers lose
// events rather than stall workers. Call the returned func to unsubscribe.
func (p *Pool) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	p.mu.Lock()
	id := p.nextSub
	p.nextSub++
	p.subs[id] = ch
	p.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.subs, id)
			p.mu.Unlock()
			close(ch)
		})
	}
}

func (p *Pool) publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ch := range p.subs {
		select {
		case ch <- e:
		default:
			p.log.Debug("drop progress event", "task", e.Task, "step", e.Step)
		}
	}
}

// Active returns the names of queued and running tasks.
func (p *Pool) Active() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.active))
	for h := range p.active {
		out = append(out, h.name)
	}
	return out
}

// Shutdown cancels every task and waits for the workers to return.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cancel()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
