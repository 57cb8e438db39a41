package platform

import (
	"errors"
	"sync"
)

// ErrNack is what FakeI2C returns for an address with no device.
var ErrNack = errors.New("i2c: no ack")

// FakeI2C is a register-file emulation of an I2C bus for host-side tests.
// A write sets the register pointer (and stores any following bytes); a
// read returns bytes from the pointer onwards.
type FakeI2C struct {
	mu      sync.Mutex
	devices map[uint16]*fakeDevice
	Fail    map[uint16]error // forced error per address
	TxCount int
	LastTx  struct {
		Addr uint16
		W    []byte
		Rn   int
	}
}

type fakeDevice struct {
	regs [256]byte
	ptr  byte
}

func NewFakeI2C() *FakeI2C {
	return &FakeI2C{devices: make(map[uint16]*fakeDevice), Fail: make(map[uint16]error)}
}

// Attach adds a device at addr with optional initial register values.
func (f *FakeI2C) Attach(addr uint16, regs map[byte]byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d := &fakeDevice{}
	for r, v := range regs {
		d.regs[r] = v
	}
	f.devices[addr] = d
}

// Reg returns the current value of a register on an attached device.
func (f *FakeI2C) Reg(addr uint16, reg byte) byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d := f.devices[addr]; d != nil {
		return d.regs[reg]
	}
	return 0
}

func (f *FakeI2C) Tx(addr uint16, w, r []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.TxCount++
	f.LastTx.Addr = addr
	f.LastTx.W = append([]byte(nil), w...)
	f.LastTx.Rn = len(r)

	if err := f.Fail[addr]; err != nil {
		return err
	}
	d, ok := f.devices[addr]
	if !ok {
		return ErrNack
	}
	if len(w) > 0 {
		d.ptr = w[0]
		for i, b := range w[1:] {
			d.regs[d.ptr+byte(i)] = b
		}
	}
	for i := range r {
		r[i] = d.regs[d.ptr+byte(i)]
	}
	return nil
}
