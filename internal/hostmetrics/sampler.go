package hostmetrics

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
	"github.com/streamnode/node/internal/protocol"
)

// Sample is one reading of host and process counters.
type Sample struct {
	Cores      int
	SystemLoad float64
	NodeLoad   float64
	// LoadReady is false until a previous sample exists to diff against.
	LoadReady bool
	Memory    protocol.Memory
	Taken     time.Time
}

// CPU returns the sample in its wire form. Loads are left out until
// LoadReady.
func (s Sample) CPU() protocol.CPU {
	cpu := protocol.CPU{Cores: s.Cores}
	if s.LoadReady {
		system, node := s.SystemLoad, s.NodeLoad
		cpu.SystemLoad = &system
		cpu.NodeLoad = &node
	}
	return cpu
}

// CPUTimes are cumulative CPU seconds.
type CPUTimes struct {
	Busy  float64
	Total float64
}

// Reader reads raw counters. The default implementation uses gopsutil.
type Reader interface {
	Cores(ctx context.Context) (int, error)
	SystemTimes(ctx context.Context) (CPUTimes, error)
	// ProcessTime returns the user+system CPU seconds consumed by this process.
	ProcessTime(ctx context.Context) (float64, error)
	Memory(ctx context.Context) (protocol.Memory, error)
}

type snapshot struct {
	system  CPUTimes
	process float64
	wall    time.Time
}

// Sampler computes CPU loads as deltas between consecutive samples. It is
// safe for concurrent use; every caller advances the shared baseline.
type Sampler struct {
	reader Reader
	now    func() time.Time

	mu   sync.Mutex
	prev *snapshot
}

// NewSampler creates a sampler. A nil reader reads the local host.
func NewSampler(r Reader) *Sampler {
	if r == nil {
		r = &HostReader{pid: int32(os.Getpid())}
	}
	return &Sampler{reader: r, now: time.Now}
}

func (s *Sampler) Sample(ctx context.Context) (Sample, error) {
	cores, err := s.reader.Cores(ctx)
	if err != nil {
		return Sample{}, fmt.Errorf("read cpu count: %w", err)
	}
	sys, err := s.reader.SystemTimes(ctx)
	if err != nil {
		return Sample{}, fmt.Errorf("read cpu times: %w", err)
	}
	proc, err := s.reader.ProcessTime(ctx)
	if err != nil {
		return Sample{}, fmt.Errorf("read process cpu time: %w", err)
	}
	memory, err := s.reader.Memory(ctx)
	if err != nil {
		return Sample{}, fmt.Errorf("read memory: %w", err)
	}

	cur := &snapshot{system: sys, process: proc, wall: s.now()}
	out := Sample{Cores: cores, Memory: memory, Taken: cur.wall}

	s.mu.Lock()
	prev := s.prev
	s.prev = cur
	s.mu.Unlock()

	if prev == nil {
		return out, nil
	}
	out.LoadReady = true
	out.SystemLoad = ratio(sys.Busy-prev.system.Busy, sys.Total-prev.system.Total)
	if cores > 0 {
		wall := cur.wall.Sub(prev.wall).Seconds() * float64(cores)
		out.NodeLoad = ratio(proc-prev.process, wall)
	}
	return out, nil
}

// ratio returns num/den clamped to [0,1]. Non-positive deltas yield 0.
func ratio(num, den float64) float64 {
	if den <= 0 || num <= 0 {
		return 0
	}
	r := num / den
	if r > 1 {
		return 1
	}
	return r
}

// HostReader reads counters of the local host and the current process.
type HostReader struct {
	pid int32

	once sync.Once
	proc *process.Process
	err  error
}

func (h *HostReader) Cores(ctx context.Context) (int, error) {
	return cpu.CountsWithContext(ctx, true)
}

func (h *HostReader) SystemTimes(ctx context.Context) (CPUTimes, error) {
	times, err := cpu.TimesWithContext(ctx, false)
	if err != nil {
		return CPUTimes{}, err
	}
	if len(times) == 0 {
		return CPUTimes{}, fmt.Errorf("no cpu times reported")
	}
	t := times[0]
	total := t.User + t.System + t.Idle + t.Nice + t.Iowait + t.Irq + t.Softirq + t.Steal
	return CPUTimes{Busy: total - t.Idle - t.Iowait, Total: total}, nil
}

func (h *HostReader) process(ctx context.Context) (*process.Process, error) {
	h.once.Do(func() {
		h.proc, h.err = process.NewProcessWithContext(ctx, h.pid)
	})
	return h.proc, h.err
}

func (h *HostReader) ProcessTime(ctx context.Context) (float64, error) {
	p, err := h.process(ctx)
	if err != nil {
		return 0, err
	}
	t, err := p.TimesWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return t.User + t.System, nil
}

// Memory reports host memory, with Allocated set to the resident size of
// this process.
func (h *HostReader) Memory(ctx context.Context) (protocol.Memory, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return protocol.Memory{}, err
	}
	m := protocol.Memory{
		Free:       vm.Available,
		Used:       vm.Used,
		Reservable: vm.Total,
	}
	p, err := h.process(ctx)
	if err != nil {
		return m, nil
	}
	if info, err := p.MemoryInfoWithContext(ctx); err == nil {
		m.Allocated = info.RSS
	}
	return m, nil
}
