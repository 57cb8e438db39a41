// Package probe scans an I2C bus for responding addresses and reports
// whether a BME280 is wired up.
package probe

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"meshtelem/errcode"
	"meshtelem/services/platform"
	"meshtelem/types"
	"meshtelem/x/mathx"

	"tinygo.org/x/drivers"
)

// 7-bit address range probed; the rest is reserved.
const (
	FirstAddr uint16 = 0x08
	LastAddr  uint16 = 0x77
)

const (
	DefaultAttempts   = 3
	DefaultRetryDelay = time.Second
)

// Classify maps an address to what is usually found there.
func Classify(addr uint16) types.Classification {
	switch addr {
	case 0x76:
		return types.SensorPrimary
	case 0x77:
		return types.SensorAlternate
	case 0x3C, 0x3D:
		return types.DisplayLikely
	default:
		return types.Unknown
	}
}

// Scanner returns the addresses that acknowledged on one pass.
type Scanner interface {
	Scan(ctx context.Context) ([]uint16, error)
}

// BusScanner probes each address with a one-byte read.
type BusScanner struct {
	Bus drivers.I2C
}

func (s BusScanner) Scan(ctx context.Context) ([]uint16, error) {
	var found []uint16
	buf := make([]byte, 1)
	for addr := FirstAddr; addr <= LastAddr; addr++ {
		if err := ctx.Err(); err != nil {
			return found, err
		}
		if s.Bus.Tx(addr, nil, buf) == nil {
			found = append(found, addr)
		}
	}
	return found, nil
}

// Result summarises a Run.
type Result struct {
	Devices  []types.BusDevice
	Attempts int
	Found    bool
}

// Sensor returns the first sensor-class device, if any.
func (r Result) Sensor() (types.BusDevice, bool) {
	for _, d := range r.Devices {
		if d.Class.IsSensor() {
			return d, true
		}
	}
	return types.BusDevice{}, false
}

// Probe runs scans under the bus lock and reports to Out.
type Probe struct {
	Scanner Scanner
	Lock    *platform.BusLock
	Out     io.Writer
	Log     *slog.Logger

	// sleep is swapped in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func New(sc Scanner, lock *platform.BusLock, out io.Writer, logger *slog.Logger) *Probe {
	if lock == nil {
		lock = platform.NewBusLock(time.Second)
	}
	if out == nil {
		out = io.Discard
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Probe{Scanner: sc, Lock: lock, Out: out, Log: logger, sleep: sleepCtx}
}

// ScanOnce takes the bus lock (bounded wait), scans and classifies. The
// lock is released on every path.
func (p *Probe) ScanOnce(ctx context.Context) (devs []types.BusDevice, err error) {
	release, err := p.Lock.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	addrs, err := p.Scanner.Scan(ctx)
	if err != nil {
		return nil, errcode.Wrap("i2c scan", err)
	}
	for _, a := range addrs {
		if !mathx.Between(a, 0, 0x7F) {
			continue
		}
		devs = append(devs, types.BusDevice{Address: a, Class: Classify(a)})
	}
	return devs, nil
}

// Run scans up to attempts times, sleeping delay between attempts, and
// stops at the first pass that sees a sensor address. Lock timeouts and
// scan errors count as failed attempts. Only context cancellation returns
// an error.
func (p *Probe) Run(ctx context.Context, attempts int, delay time.Duration) (Result, error) {
	if attempts <= 0 {
		attempts = DefaultAttempts
	}
	var res Result
	for i := 1; i <= attempts; i++ {
		if i > 1 {
			fmt.Fprintf(p.Out, "Retrying in %s...\n", delay)
			if err := p.sleep(ctx, delay); err != nil {
				return res, err
			}
		}
		res.Attempts = i
		fmt.Fprintf(p.Out, "Scan attempt %d/%d\n", i, attempts)

		devs, err := p.ScanOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			p.Log.Warn("scan attempt failed", "attempt", i, "code", errcode.Of(err), "err", err)
			fmt.Fprintf(p.Out, "  scan failed: %v\n", err)
			continue
		}
		res.Devices = devs
		p.report(devs)

		if _, ok := res.Sensor(); ok {
			res.Found = true
			return res, nil
		}
	}
	p.Troubleshoot()
	return res, nil
}

func (p *Probe) report(devs []types.BusDevice) {
	if len(devs) == 0 {
		fmt.Fprintln(p.Out, "  no devices responded")
		return
	}
	fmt.Fprintf(p.Out, "  %d device(s) found:\n", len(devs))
	for _, d := range devs {
		mark := " "
		if d.Class.IsSensor() {
			mark = "*"
		}
		fmt.Fprintf(p.Out, "  %s %s\n", mark, d)
	}
}

// Troubleshoot prints the wiring checklist.
func (p *Probe) Troubleshoot() {
	fmt.Fprint(p.Out, Checklist)
}

// Wiring is shown before scanning.
const Wiring = `BME280 wiring (Raspberry Pi header):
  VIN -> pin 1  (3.3V)
  GND -> pin 6  (GND)
  SCL -> pin 5  (GPIO3 / SCL1)
  SDA -> pin 3  (GPIO2 / SDA1)
`

// Checklist is shown when no sensor was seen.
const Checklist = `
No BME280 detected. Check:
  1. Every jumper is seated and SDA/SCL are not swapped.
  2. The board is powered from 3.3V, not 5V.
  3. "i2cdetect -y 1" lists 76 or 77.
  4. I2C is enabled (raspi-config > Interface Options > I2C).
  5. The host was rebooted after enabling I2C.
  6. Continuity and 3.3V at the sensor pins with a multimeter.
`

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
