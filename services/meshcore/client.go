// Package meshcore is a minimal client for the MeshCore companion radio
// protocol over a serial link. It decodes the event kinds the session
// subscribes to and issues the handful of commands the session needs.
package meshcore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"meshtelem/bus"
	"meshtelem/errcode"
	"meshtelem/types"
)

var (
	ErrNotConnected error = &errcode.E{C: errcode.NotReady, Op: "meshcore", Msg: "not connected"}
	ErrConnected    error = &errcode.E{C: errcode.Busy, Op: "meshcore", Msg: "already connected"}
	// ErrRejected wraps an ERR response from the radio.
	ErrRejected error = &errcode.E{C: errcode.Rejected, Op: "meshcore", Msg: "command rejected"}
)

const (
	topicRoot  = "meshcore"
	topicEvent = "event"
)

func eventTopic(k types.Kind) bus.Topic { return bus.T(topicRoot, topicEvent, string(k)) }

type Config struct {
	Port    string
	Baud    int
	AppName string // sent with APP_START
	// QueueLen bounds events buffered between the reader and handlers.
	QueueLen int
	// CommandTimeout bounds each message fetch request.
	CommandTimeout time.Duration
}

func (c *Config) withDefaults() {
	if c.Port == "" {
		c.Port = "/dev/ttyUSB0"
	}
	if c.Baud <= 0 {
		c.Baud = 115200
	}
	if c.AppName == "" {
		c.AppName = "meshtelem"
	}
	if c.QueueLen <= 0 {
		c.QueueLen = 64
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = 5 * time.Second
	}
}

// waiter is the single in-flight command awaiting one of expect.
type waiter struct {
	expect map[byte]bool
	ch     chan []byte
	// skipped is set when a frame was discarded as a late reply while
	// this waiter was pending.
	skipped bool
}

type Client struct {
	cfg  Config
	dial Dialer
	log  *slog.Logger

	bus  *bus.Bus
	conn *bus.Connection

	hmu      sync.RWMutex
	handlers map[types.Kind][]types.Handler

	cmdSem chan struct{} // one command in flight
	pmu    sync.Mutex
	pend   *waiter
	// late holds the codes of the last request that gave up waiting. The
	// protocol carries no request ids, so the next frame with one of these
	// codes is taken as that reply and not handed to the current waiter.
	late map[byte]bool

	wmu sync.Mutex // serialises frame writes

	mu           sync.Mutex // guards the link fields below
	port         io.ReadWriteCloser
	sub          *bus.Subscription
	readDone     chan struct{}
	dispatchDone chan struct{}

	connected atomic.Bool
	closing   atomic.Bool
	dropped   atomic.Uint64

	fetchMu     sync.Mutex
	fetchCancel context.CancelFunc
	fetchDone   chan struct{}
	fetchKick   chan struct{}
}

// New returns a disconnected client. A nil dial uses OpenSerial.
func New(cfg Config, dial Dialer, logger *slog.Logger) *Client {
	cfg.withDefaults()
	if dial == nil {
		dial = OpenSerial
	}
	if logger == nil {
		logger = slog.Default()
	}
	b := bus.NewBus(cfg.QueueLen)
	return &Client{
		cfg:       cfg,
		dial:      dial,
		log:       logger.With("component", "meshcore"),
		bus:       b,
		conn:      b.NewConnection(),
		handlers:  make(map[types.Kind][]types.Handler),
		cmdSem:    make(chan struct{}, 1),
		fetchKick: make(chan struct{}, 1),
	}
}

// Subscribe registers h for kind. Handlers run on one delivery goroutine
// in receive order; a panicking handler is logged and skipped.
func (c *Client) Subscribe(kind types.Kind, h types.Handler) {
	c.hmu.Lock()
	c.handlers[kind] = append(c.handlers[kind], h)
	c.hmu.Unlock()
}

func (c *Client) IsConnected() bool { return c.connected.Load() }

// Connect opens the port, starts the reader and performs APP_START,
// waiting for SELF_INFO until ctx expires. On success a CONNECTED event
// is emitted and automatic message fetching starts.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.port != nil {
		c.mu.Unlock()
		return ErrConnected
	}
	port, err := c.dial(c.cfg.Port, c.cfg.Baud)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.closing.Store(false)
	c.port = port
	c.pmu.Lock()
	c.late = nil
	c.pmu.Unlock()
	c.sub = c.conn.Subscribe(bus.T(topicRoot, topicEvent, bus.MultiLevel))
	c.readDone = make(chan struct{})
	c.dispatchDone = make(chan struct{})
	go c.readLoop(port, c.readDone)
	go c.dispatchLoop(c.sub, c.dispatchDone)
	c.mu.Unlock()

	c.log.Info("serial port open", "port", c.cfg.Port, "baud", c.cfg.Baud)

	if _, err := c.request(ctx, appStartCmd(c.cfg.AppName), respSelfInfo); err != nil {
		c.teardown(context.Background())
		return fmt.Errorf("app start: %w", err)
	}
	c.connected.Store(true)
	c.emit(types.Event{
		Kind:    types.KindConnected,
		Payload: map[string]any{"port": c.cfg.Port, "baud": c.cfg.Baud},
	})
	c.StartAutoFetch()
	return nil
}

// DeviceQuery asks for firmware and model information.
func (c *Client) DeviceQuery(ctx context.Context) (types.Event, error) {
	return c.query(ctx, "device query", deviceQueryCmd(), respDeviceInfo)
}

// Battery asks for battery millivolts and storage usage.
func (c *Client) Battery(ctx context.Context) (types.Event, error) {
	return c.query(ctx, "battery", batteryCmd(), respBattery)
}

func (c *Client) query(ctx context.Context, op string, cmd []byte, want byte) (types.Event, error) {
	if !c.IsConnected() {
		return types.Event{}, ErrNotConnected
	}
	f, err := c.request(ctx, cmd, want)
	if err != nil {
		return types.Event{}, fmt.Errorf("%s: %w", op, err)
	}
	ev, ok := decodeFrame(f)
	if !ok {
		return types.Event{}, &errcode.E{C: errcode.IO, Op: op, Msg: "short response"}
	}
	return ev, nil
}

// Disconnect stops fetching, closes the port and emits DISCONNECTED once
// the reader has exited. Queued events are delivered before it returns
// unless ctx expires first.
func (c *Client) Disconnect(ctx context.Context) error {
	_ = c.StopAutoFetch(ctx)
	return c.teardown(ctx)
}

func (c *Client) teardown(ctx context.Context) error {
	c.mu.Lock()
	port, sub := c.port, c.sub
	readDone, dispatchDone := c.readDone, c.dispatchDone
	c.port, c.sub = nil, nil
	c.mu.Unlock()
	if port == nil {
		return nil
	}

	c.closing.Store(true)
	wasConnected := c.connected.Swap(false)
	err := port.Close()

	if waitErr := wait(ctx, readDone); waitErr != nil {
		return waitErr
	}
	if wasConnected {
		c.emit(types.Event{
			Kind:    types.KindDisconnected,
			Payload: map[string]any{"reason": "requested"},
		})
	}
	c.conn.Unsubscribe(sub)
	if waitErr := wait(ctx, dispatchDone); waitErr != nil {
		return waitErr
	}
	c.log.Info("serial port closed", "port", c.cfg.Port, "events_dropped", c.dropped.Load())
	return err
}

// StartAutoFetch pulls queued messages whenever the radio signals that
// one is waiting. It also drains once at start.
func (c *Client) StartAutoFetch() {
	c.fetchMu.Lock()
	defer c.fetchMu.Unlock()
	if c.fetchCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.fetchCancel = cancel
	c.fetchDone = make(chan struct{})
	go c.fetchLoop(ctx, c.fetchDone)
	c.kickFetch()
}

// StopAutoFetch cancels the fetch goroutine and waits for it to exit.
func (c *Client) StopAutoFetch(ctx context.Context) error {
	c.fetchMu.Lock()
	cancel, done := c.fetchCancel, c.fetchDone
	c.fetchCancel, c.fetchDone = nil, nil
	c.fetchMu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	return wait(ctx, done)
}

func (c *Client) kickFetch() {
	select {
	case c.fetchKick <- struct{}{}:
	default:
	}
}

func (c *Client) fetchLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.fetchKick:
			c.drainMessages(ctx)
		}
	}
}

func (c *Client) drainMessages(ctx context.Context) {
	for {
		rctx, cancel := context.WithTimeout(ctx, c.cfg.CommandTimeout)
		f, err := c.request(rctx, syncNextCmd(),
			respContactMsg, respChannelMsg, respContactMsgV3, respChannelMsgV3, respNoMoreMessages)
		cancel()
		if err != nil {
			if ctx.Err() == nil {
				c.log.Warn("message fetch failed", "code", errcode.Of(err), "err", err)
			}
			return
		}
		if f[0] == respNoMoreMessages {
			return
		}
	}
}

// request sends cmd and waits for a frame whose code is in expect, or an
// ERR frame.
func (c *Client) request(ctx context.Context, cmd []byte, expect ...byte) ([]byte, error) {
	select {
	case c.cmdSem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-c.cmdSem }()

	w := &waiter{expect: make(map[byte]bool, len(expect)), ch: make(chan []byte, 1)}
	for _, e := range expect {
		w.expect[e] = true
	}
	c.setPending(w)

	if err := c.write(cmd); err != nil {
		c.abandon(w, false)
		return nil, err
	}
	select {
	case f := <-w.ch:
		if f[0] == respErr {
			code := 0
			if len(f) > 1 {
				code = int(f[1])
			}
			return nil, fmt.Errorf("%w (code %d)", ErrRejected, code)
		}
		return f, nil
	case <-ctx.Done():
		c.abandon(w, true)
		return nil, ctx.Err()
	}
}

func (c *Client) setPending(w *waiter) {
	c.pmu.Lock()
	c.pend = w
	c.pmu.Unlock()
}

// abandon clears w if no reply was handed to it yet. A waiter that gave
// up leaves its codes in late, unless it already absorbed a late reply
// that may well have been its own.
func (c *Client) abandon(w *waiter, gaveUp bool) {
	c.pmu.Lock()
	defer c.pmu.Unlock()
	if c.pend != w {
		return
	}
	c.pend = nil
	if gaveUp && !w.skipped {
		c.late = w.expect
	}
}

func (c *Client) write(payload []byte) error {
	c.mu.Lock()
	port := c.port
	c.mu.Unlock()
	if port == nil {
		return ErrNotConnected
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := port.Write(encodeFrame(markToRadio, payload)); err != nil {
		return &errcode.E{C: errcode.IO, Op: "serial write", Err: err}
	}
	return nil
}

func (c *Client) readLoop(port io.Reader, done chan struct{}) {
	defer close(done)
	p := newFrameParser(markFromRadio)
	buf := make([]byte, 256)
	for {
		n, err := port.Read(buf)
		if n > 0 {
			p.Feed(buf[:n], c.handleFrame)
		}
		if err != nil {
			if !c.closing.Load() {
				c.lost(err)
			}
			return
		}
	}
}

// lost handles the link dropping without a Disconnect call.
func (c *Client) lost(err error) {
	if errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	c.log.Error("serial link lost", "err", err)
	if c.connected.Swap(false) {
		c.emit(types.Event{
			Kind:    types.KindDisconnected,
			Payload: map[string]any{"reason": err.Error()},
		})
	}
}

func (c *Client) handleFrame(f []byte) {
	code := f[0]

	c.pmu.Lock()
	w := c.pend
	switch {
	case c.late != nil && (c.late[code] || code == respErr):
		c.late = nil
		if w != nil {
			w.skipped = true
		}
		c.log.Debug("late reply discarded", "code", fmt.Sprintf("0x%02X", code))
	case w != nil && (w.expect[code] || code == respErr):
		c.pend = nil
		w.ch <- f
	}
	c.pmu.Unlock()

	if code == pushMsgWaiting {
		c.kickFetch()
		return
	}
	ev, ok := decodeFrame(f)
	if !ok {
		if code != respOK && code != respErr && code != respNoMoreMessages {
			c.log.Debug("frame ignored", "code", fmt.Sprintf("0x%02X", code), "len", len(f))
		}
		return
	}
	c.emit(ev)
}

// emit queues ev for the delivery goroutine. When handlers fall behind
// the oldest queued event is dropped and counted.
func (c *Client) emit(ev types.Event) {
	if n := c.conn.Publish(c.conn.NewMessage(eventTopic(ev.Kind), ev)); n > 0 {
		total := c.dropped.Add(uint64(n))
		c.log.Warn("event queue full, oldest event dropped", "kind", ev.Kind.Name(), "dropped_total", total)
	}
}

func (c *Client) dispatchLoop(sub *bus.Subscription, done chan struct{}) {
	defer close(done)
	for msg := range sub.Channel() {
		ev, ok := msg.Payload.(types.Event)
		if !ok {
			continue
		}
		c.hmu.RLock()
		hs := append([]types.Handler(nil), c.handlers[ev.Kind]...)
		c.hmu.RUnlock()
		for _, h := range hs {
			c.safeCall(h, ev)
		}
	}
}

func (c *Client) safeCall(h types.Handler, ev types.Event) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("event handler panicked", "kind", ev.Kind.Name(), "panic", r)
		}
	}()
	h(ev)
}

func wait(ctx context.Context, done <-chan struct{}) error {
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
