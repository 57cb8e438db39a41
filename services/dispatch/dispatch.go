// Package dispatch turns radio events into log records and, for the
// kinds an operator cares about, console blocks.
package dispatch

import (
	"io"
	"log/slog"
	"sync"

	"meshtelem/types"
)

// Important is the default console allow-list.
var Important = []types.Kind{
	types.KindDeviceInfo,
	types.KindBattery,
	types.KindTelemetryResponse,
	types.KindContactMsgRecv,
	types.KindChannelMsgRecv,
	types.KindNewContact,
	types.KindConnected,
	types.KindDisconnected,
}

type Dispatcher struct {
	log   *slog.Logger
	allow map[types.Kind]bool

	mu  sync.Mutex
	out io.Writer
}

// New builds a dispatcher writing blocks to out. With no kinds given the
// Important allow-list is used.
func New(logger *slog.Logger, out io.Writer, kinds ...types.Kind) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if out == nil {
		out = io.Discard
	}
	if len(kinds) == 0 {
		kinds = Important
	}
	allow := make(map[types.Kind]bool, len(kinds))
	for _, k := range kinds {
		allow[k] = true
	}
	return &Dispatcher{log: logger, out: out, allow: allow}
}

func (d *Dispatcher) renders(k types.Kind) bool { return d.allow[k] }

// OnEvent is a types.Handler.
func (d *Dispatcher) OnEvent(ev types.Event) {
	d.log.Info("event received", "kind", ev.Kind.Name())
	d.log.Debug("event payload", "kind", ev.Kind.Name(), "payload", ev.Payload)
	if len(ev.Attributes) > 0 {
		d.log.Debug("event attributes", "kind", ev.Kind.Name(), "attributes", ev.Attributes)
	}
	if !d.renders(ev.Kind) {
		return
	}
	d.write(RenderEvent(ev))
}

// ShowReading prints the sensor block.
func (d *Dispatcher) ShowReading(r types.SensorReading) {
	d.write(RenderReading(r))
}

// Print writes a plain line through the same serialised writer.
func (d *Dispatcher) Print(s string) {
	d.write(s + "\n")
}

func (d *Dispatcher) write(s string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := io.WriteString(d.out, s); err != nil {
		d.log.Warn("console write failed", "err", err)
	}
}
