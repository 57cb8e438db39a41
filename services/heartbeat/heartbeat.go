// Package heartbeat builds the periodic status report: loop progress,
// link state and a few host figures.
package heartbeat

import (
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

type Status struct {
	Loops      uint64
	Connected  bool
	Uptime     time.Duration
	CPUPercent float64
	MemPercent float64
	Load1      float64
}

// Line is the console form.
func (s Status) Line() string {
	return fmt.Sprintf("Status: Running (loops: %d, connected: %t)", s.Loops, s.Connected)
}

// Attrs is the structured-log form.
func (s Status) Attrs() []any {
	return []any{
		"loops", s.Loops,
		"connected", s.Connected,
		"uptime", s.Uptime.Round(time.Second).String(),
		"cpu_pct", fmt.Sprintf("%.1f", s.CPUPercent),
		"mem_pct", fmt.Sprintf("%.1f", s.MemPercent),
		"load1", fmt.Sprintf("%.2f", s.Load1),
	}
}

// Sampler reads host figures. Any stat that fails is left at zero.
type Sampler struct {
	start time.Time
	now   func() time.Time
	cpu   func() ([]float64, error)
	mem   func() (*mem.VirtualMemoryStat, error)
	load  func() (*load.AvgStat, error)
}

func NewSampler(start time.Time) *Sampler {
	return &Sampler{
		start: start,
		now:   time.Now,
		// interval 0 compares against the previous call
		cpu:  func() ([]float64, error) { return cpu.Percent(0, false) },
		mem:  mem.VirtualMemory,
		load: load.Avg,
	}
}

func (s *Sampler) Sample(loops uint64, connected bool) Status {
	st := Status{
		Loops:     loops,
		Connected: connected,
		Uptime:    s.now().Sub(s.start),
	}
	if pct, err := s.cpu(); err == nil && len(pct) > 0 {
		st.CPUPercent = pct[0]
	}
	if vm, err := s.mem(); err == nil && vm != nil {
		st.MemPercent = vm.UsedPercent
	}
	if avg, err := s.load(); err == nil && avg != nil {
		st.Load1 = avg.Load1
	}
	return st
}
