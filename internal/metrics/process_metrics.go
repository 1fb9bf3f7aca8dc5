package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// Usage is the summed resource usage of the PIDs of one running record.
type Usage struct {
	Program    string    `json:"program"`
	PIDs       int       `json:"pids"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	NumThreads int32     `json:"num_threads"`
	Timestamp  time.Time `json:"timestamp"`
}

// Sampler periodically samples CPU and memory of running Wine programs.
// The source callback returns program name -> PIDs.
type Sampler struct {
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu    sync.RWMutex
	last  map[string]Usage
	procs map[int32]*process.Process // kept for CPUPercent deltas

	cpu     *prometheus.GaugeVec
	memory  *prometheus.GaugeVec
	threads *prometheus.GaugeVec
}

func NewSampler(interval time.Duration) *Sampler {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Sampler{
		interval: interval,
		stopCh:   make(chan struct{}),
		last:     make(map[string]Usage),
		procs:    make(map[int32]*process.Process),
		cpu: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "winecharm",
			Subsystem: "program",
			Name:      "cpu_percent",
			Help:      "CPU usage percentage summed over a running program's PIDs.",
		}, []string{"program"}),
		memory: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "winecharm",
			Subsystem: "program",
			Name:      "memory_mb",
			Help:      "Resident memory in MB summed over a running program's PIDs.",
		}, []string{"program"}),
		threads: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "winecharm",
			Subsystem: "program",
			Name:      "num_threads",
			Help:      "Threads summed over a running program's PIDs.",
		}, []string{"program"}),
	}
}

// RegisterMetrics registers the sampler gauges with r.
func (s *Sampler) RegisterMetrics(r prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{s.cpu, s.memory, s.threads} {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Start samples every interval until ctx is done or Stop is called.
func (s *Sampler) Start(ctx context.Context, source func() map[string][]int) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		t := time.NewTicker(s.interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-t.C:
				s.Collect(source())
			}
		}
	}()
}

func (s *Sampler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// Collect takes one sample of programs and drops gauges of programs that
// are no longer present.
func (s *Sampler) Collect(programs map[string][]int) {
	now := time.Now()
	next := make(map[string]Usage, len(programs))
	seen := make(map[int32]bool)
	for name, pids := range programs {
		u := Usage{Program: name, Timestamp: now}
		for _, pid := range pids {
			p, err := s.handle(int32(pid))
			if err != nil {
				slog.Debug("sample pid", "program", name, "pid", pid, "error", err)
				continue
			}
			seen[int32(pid)] = true
			mem, err := p.MemoryInfo()
			if err != nil {
				continue
			}
			if c, err := p.CPUPercent(); err == nil {
				u.CPUPercent += c
			}
			if n, err := p.NumThreads(); err == nil {
				u.NumThreads += n
			}
			u.MemoryMB += float64(mem.RSS) / 1024 / 1024
			u.PIDs++
		}
		next[name] = u
		s.cpu.WithLabelValues(name).Set(u.CPUPercent)
		s.memory.WithLabelValues(name).Set(u.MemoryMB)
		s.threads.WithLabelValues(name).Set(float64(u.NumThreads))
	}

	s.mu.Lock()
	for name := range s.last {
		if _, ok := next[name]; !ok {
			s.cpu.DeleteLabelValues(name)
			s.memory.DeleteLabelValues(name)
			s.threads.DeleteLabelValues(name)
		}
	}
	for pid := range s.procs {
		if !seen[pid] {
			delete(s.procs, pid)
		}
	}
	s.last = next
	s.mu.Unlock()
}

// Usage returns the last sample for program.
func (s *Sampler) Usage(program string) (Usage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.last[program]
	return u, ok
}

func (s *Sampler) handle(pid int32) (*process.Process, error) {
	s.mu.RLock()
	p, ok := s.procs[pid]
	s.mu.RUnlock()
	if ok {
		return p, nil
	}
	p, err := process.NewProcess(pid)
	if err != nil {
		return nil, fmt.Errorf("process handle: %w", err)
	}
	s.mu.Lock()
	s.procs[pid] = p
	s.mu.Unlock()
	return p, nil
}
