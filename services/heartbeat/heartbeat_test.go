package heartbeat

import (
	"errors"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/stretchr/testify/assert"
)

func TestSampleUsesHostStats(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewSampler(start)
	s.now = func() time.Time { return start.Add(90 * time.Second) }
	s.cpu = func() ([]float64, error) { return []float64{12.5}, nil }
	s.mem = func() (*mem.VirtualMemoryStat, error) { return &mem.VirtualMemoryStat{UsedPercent: 40}, nil }
	s.load = func() (*load.AvgStat, error) { return &load.AvgStat{Load1: 0.75}, nil }

	st := s.Sample(30, true)
	assert.Equal(t, uint64(30), st.Loops)
	assert.True(t, st.Connected)
	assert.Equal(t, 90*time.Second, st.Uptime)
	assert.Equal(t, 12.5, st.CPUPercent)
	assert.Equal(t, 40.0, st.MemPercent)
	assert.Equal(t, 0.75, st.Load1)
	assert.Equal(t, "Status: Running (loops: 30, connected: true)", st.Line())
	assert.Contains(t, st.Attrs(), "1m30s")
}

func TestSampleToleratesStatErrors(t *testing.T) {
	s := NewSampler(time.Now())
	boom := errors.New("unsupported")
	s.cpu = func() ([]float64, error) { return nil, boom }
	s.mem = func() (*mem.VirtualMemoryStat, error) { return nil, boom }
	s.load = func() (*load.AvgStat, error) { return nil, boom }

	st := s.Sample(1, false)
	assert.Zero(t, st.CPUPercent)
	assert.Zero(t, st.MemPercent)
	assert.Zero(t, st.Load1)
	assert.Equal(t, "Status: Running (loops: 1, connected: false)", st.Line())
}
