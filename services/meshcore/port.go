package meshcore

import (
	"errors"
	"fmt"
	"io"
	"os"

	"meshtelem/errcode"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// ErrPortNotFound is returned by Connect when the serial device is absent.
var ErrPortNotFound error = &errcode.E{C: errcode.NotFound, Op: "serial open", Msg: "port not found"}

// Dialer opens the byte stream to the radio.
type Dialer func(port string, baud int) (io.ReadWriteCloser, error)

// OpenSerial opens port at baud, 8N1.
func OpenSerial(port string, baud int) (io.ReadWriteCloser, error) {
	if _, err := os.Stat(port); errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrPortNotFound, port)
	}
	p, err := serial.Open(port, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		var perr *serial.PortError
		if errors.As(err, &perr) && perr.Code() == serial.PortNotFound {
			return nil, fmt.Errorf("%w: %s", ErrPortNotFound, port)
		}
		return nil, fmt.Errorf("open %s: %w", port, err)
	}
	return p, nil
}

// PortInfo describes one serial port on the host.
type PortInfo struct {
	Name    string
	USB     bool
	VID     string
	PID     string
	Product string
}

func (p PortInfo) String() string {
	if !p.USB {
		return p.Name
	}
	s := fmt.Sprintf("%s (USB %s:%s", p.Name, p.VID, p.PID)
	if p.Product != "" {
		s += " " + p.Product
	}
	return s + ")"
}

// ListPorts enumerates serial ports for the "port not found" report.
func ListPorts() ([]PortInfo, error) {
	list, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, err
	}
	out := make([]PortInfo, 0, len(list))
	for _, d := range list {
		out = append(out, PortInfo{
			Name:    d.Name,
			USB:     d.IsUSB,
			VID:     d.VID,
			PID:     d.PID,
			Product: d.Product,
		})
	}
	return out, nil
}
