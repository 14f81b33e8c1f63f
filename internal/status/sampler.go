package status

import (
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/procfs"
)

// Sample is one resource reading.
type Sample struct {
	MemoryMB   float64
	CPUPercent float64
}

// Sampler reads current resource usage.
type Sampler interface {
	Sample() Sample
}

// SamplerFunc adapts a function to Sampler.
type SamplerFunc func() Sample

// Sample implements Sampler.
func (f SamplerFunc) Sample() Sample { return f() }

// ProcSampler reads RSS and CPU time of the current process from procfs.
// CPU percent is computed over the interval since the previous call. When
// procfs is unavailable it falls back to the Go runtime's view of memory
// and reports zero CPU.
type ProcSampler struct {
	mu      sync.Mutex
	proc    procfs.Proc
	hasProc bool
	lastCPU float64
	lastAt  time.Time
	now     func() time.Time
}

// NewProcSampler returns a sampler for the current process.
func NewProcSampler() *ProcSampler {
	s := &ProcSampler{now: time.Now}
	if p, err := procfs.Self(); err == nil {
		s.proc, s.hasProc = p, true
	}
	return s
}

// Sample implements Sampler.
func (s *ProcSampler) Sample() Sample {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.hasProc {
		if st, err := s.proc.Stat(); err == nil {
			now := s.now()
			cpu := st.CPUTime()
			var pct float64
			if !s.lastAt.IsZero() {
				if elapsed := now.Sub(s.lastAt).Seconds(); elapsed > 0 {
					pct = (cpu - s.lastCPU) / elapsed * 100
				}
			}
			s.lastCPU, s.lastAt = cpu, now
			return Sample{
				MemoryMB:   float64(st.ResidentMemory()) / (1 << 20),
				CPUPercent: max(pct, 0),
			}
		}
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return Sample{MemoryMB: float64(ms.Sys) / (1 << 20)}
}
