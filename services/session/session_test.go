package session

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"meshtelem/errcode"
	"meshtelem/services/sensor"
	"meshtelem/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ---- fakes ----

type fakeTransport struct {
	mu        sync.Mutex
	calls     []string
	subs      map[types.Kind]int
	connected bool

	connectErr    error
	connectBlocks bool
	queryErr      error
	batteryBlocks bool
	stopErr       error
}

func (f *fakeTransport) record(s string) {
	f.mu.Lock()
	f.calls = append(f.calls, s)
	f.mu.Unlock()
}

func (f *fakeTransport) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeTransport) Subscribe(kind types.Kind, h types.Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subs == nil {
		f.subs = make(map[types.Kind]int)
	}
	f.subs[kind]++
	f.calls = append(f.calls, "subscribe")
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.record("connect")
	if f.connectBlocks {
		<-ctx.Done()
		return ctx.Err()
	}
	if f.connectErr != nil {
		return f.connectErr
	}
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) DeviceQuery(ctx context.Context) (types.Event, error) {
	f.record("device_query")
	return types.Event{Kind: types.KindDeviceInfo}, f.queryErr
}

func (f *fakeTransport) Battery(ctx context.Context) (types.Event, error) {
	f.record("battery")
	if f.batteryBlocks {
		<-ctx.Done()
		return types.Event{}, ctx.Err()
	}
	return types.Event{Kind: types.KindBattery}, nil
}

func (f *fakeTransport) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) StopAutoFetch(ctx context.Context) error {
	f.record("stop_fetch")
	return f.stopErr
}

func (f *fakeTransport) Disconnect(ctx context.Context) error {
	f.record("disconnect")
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
	return nil
}

type fakeHandle struct{ err error }

func (h fakeHandle) ReadTemperature() (int32, error) { return 21500, h.err }
func (h fakeHandle) ReadHumidity() (int32, error)    { return 4000, h.err }
func (h fakeHandle) ReadPressure() (int32, error)    { return 100130000, h.err }

type fakeConsole struct {
	mu       sync.Mutex
	readings []types.SensorReading
	lines    []string
}

func (c *fakeConsole) ShowReading(r types.SensorReading) {
	c.mu.Lock()
	c.readings = append(c.readings, r)
	c.mu.Unlock()
}

func (c *fakeConsole) Print(s string) {
	c.mu.Lock()
	c.lines = append(c.lines, s)
	c.mu.Unlock()
}

func (c *fakeConsole) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.readings)
}

type fakeSink struct {
	mu sync.Mutex
	n  int
}

func (s *fakeSink) PublishReading(types.SensorReading) error {
	s.mu.Lock()
	s.n++
	s.mu.Unlock()
	return nil
}

// syncBuffer is a goroutine-safe log sink.
type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func fastOptions() Options {
	return Options{
		Kinds:             types.AllKinds,
		ConnectTimeout:    200 * time.Millisecond,
		QueryTimeout:      30 * time.Millisecond,
		DisconnectTimeout: 100 * time.Millisecond,
		SettleDelay:       0,
		Tick:              5 * time.Millisecond,
		SensorInterval:    20 * time.Millisecond,
		StatusInterval:    40 * time.Millisecond,
	}
}

type harness struct {
	tr      *fakeTransport
	console *fakeConsole
	sink    *fakeSink
	logs    *syncBuffer
	ctrl    *Controller
}

func newHarness(tr *fakeTransport, h sensor.Handle) *harness {
	logs := &syncBuffer{}
	hs := &harness{
		tr:      tr,
		console: &fakeConsole{},
		sink:    &fakeSink{},
		logs:    logs,
	}
	var reader *sensor.Reader
	if h != nil {
		reader = sensor.NewReader(h, 0)
	}
	hs.ctrl = New(Deps{
		Transport: tr,
		Sensor:    reader,
		Handlers:  []types.Handler{func(types.Event) {}},
		Console:   hs.console,
		Sink:      hs.sink,
		Logger:    slog.New(slog.NewTextHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug})),
	}, fastOptions())
	return hs
}

func runAsync(ctrl *Controller, ctx context.Context) <-chan error {
	done := make(chan error, 1)
	go func() { done <- ctrl.Run(ctx) }()
	return done
}

func waitRun(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
		return nil
	}
}

func indexOf(calls []string, s string) int {
	for i, c := range calls {
		if c == s {
			return i
		}
	}
	return -1
}

// ---- tests ----

func TestRunHappyPath(t *testing.T) {
	h := newHarness(&fakeTransport{}, fakeHandle{})
	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(h.ctrl, ctx)

	require.Eventually(t, func() bool { return h.console.count() >= 2 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return h.ctrl.Loops() >= 8 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, waitRun(t, done))

	assert.Equal(t, []State{Idle, Connecting, Connected, Polling, Disconnecting, Stopped}, h.ctrl.History())

	calls := h.tr.Calls()
	for _, k := range types.AllKinds {
		assert.Equal(t, 1, h.tr.subs[k], "kind %s", k)
	}
	lastSub := 0
	for i, c := range calls {
		if c == "subscribe" {
			lastSub = i
		}
	}
	assert.Less(t, lastSub, indexOf(calls, "connect"), "subscriptions must precede connect")
	assert.Less(t, indexOf(calls, "device_query"), indexOf(calls, "battery"))
	assert.Equal(t, []string{"stop_fetch", "disconnect"}, calls[len(calls)-2:])

	h.console.mu.Lock()
	r := h.console.readings[0]
	assert.Contains(t, h.console.lines, "✓ Connected to MeshCore device")
	h.console.mu.Unlock()
	assert.Equal(t, 21.5, r.TemperatureC)
	assert.Equal(t, 1001.3, r.PressureHPa)
	assert.Greater(t, h.sink.n, 0)

	logs := h.logs.String()
	assert.Contains(t, logs, "Status: Running")
	assert.Contains(t, logs, "sensor reading")
}

func TestConnectTimeoutEndsInError(t *testing.T) {
	h := newHarness(&fakeTransport{connectBlocks: true}, fakeHandle{})
	h.ctrl.opts.ConnectTimeout = 30 * time.Millisecond

	err := waitRun(t, runAsync(h.ctrl, context.Background()))
	require.Error(t, err)
	assert.Equal(t, errcode.Timeout, errcode.Of(err))
	assert.Equal(t, Failed, h.ctrl.State())
	assert.Equal(t, -1, indexOf(h.tr.Calls(), "device_query"))
	assert.Equal(t, -1, indexOf(h.tr.Calls(), "disconnect"))
	assert.Zero(t, h.ctrl.Loops())
	assert.Zero(t, h.console.count())
}

func TestConnectErrorIsReturned(t *testing.T) {
	boom := errors.New("port not found")
	h := newHarness(&fakeTransport{connectErr: boom}, nil)

	err := waitRun(t, runAsync(h.ctrl, context.Background()))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []State{Idle, Connecting, Failed}, h.ctrl.History())
}

func TestInterruptWhileConnecting(t *testing.T) {
	h := newHarness(&fakeTransport{connectBlocks: true}, nil)
	h.ctrl.opts.ConnectTimeout = time.Second
	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(h.ctrl, ctx)

	require.Eventually(t, func() bool { return indexOf(h.tr.Calls(), "connect") >= 0 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, waitRun(t, done))
	assert.Equal(t, Stopped, h.ctrl.State())
}

func TestStartupQueryFailuresDoNotBlock(t *testing.T) {
	tr := &fakeTransport{queryErr: errors.New("rejected"), batteryBlocks: true, stopErr: errors.New("fetch stuck")}
	h := newHarness(tr, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(h.ctrl, ctx)

	require.Eventually(t, func() bool { return h.ctrl.State() == Polling }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, waitRun(t, done))

	calls := tr.Calls()
	assert.Equal(t, "disconnect", calls[len(calls)-1], "disconnect attempted after stop failure")
	logs := h.logs.String()
	assert.Contains(t, logs, "device query failed")
	assert.Contains(t, logs, "battery query failed")
	assert.Contains(t, logs, "code=timeout")
	assert.Contains(t, logs, "stop auto fetch failed")
}

func TestSensorFailureSkipsInterval(t *testing.T) {
	h := newHarness(&fakeTransport{}, fakeHandle{err: errors.New("nack")})
	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(h.ctrl, ctx)

	require.Eventually(t, func() bool { return h.ctrl.Loops() >= 10 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, waitRun(t, done))

	assert.Zero(t, h.console.count())
	assert.Zero(t, h.sink.n)
	assert.Contains(t, h.logs.String(), "sensor read failed")
}

func TestUnknownKindsAreNotSubscribed(t *testing.T) {
	logs := &syncBuffer{}
	tr := &fakeTransport{}
	opts := fastOptions()
	opts.Kinds = []types.Kind{types.KindBattery, types.Kind("rssi_report")}
	ctrl := New(Deps{
		Transport: tr,
		Handlers:  []types.Handler{func(types.Event) {}},
		Logger:    slog.New(slog.NewTextHandler(logs, nil)),
	}, opts)
	assert.Equal(t, []types.Kind{types.KindBattery}, ctrl.opts.Kinds)
	assert.Contains(t, logs.String(), "rssi_report")

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctrl, ctx)
	require.Eventually(t, func() bool { return ctrl.State() == Polling }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, waitRun(t, done))

	tr.mu.Lock()
	defer tr.mu.Unlock()
	assert.Equal(t, map[types.Kind]int{types.KindBattery: 1}, tr.subs)
}

func TestNoSensorDisablesSampling(t *testing.T) {
	h := newHarness(&fakeTransport{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(h.ctrl, ctx)

	require.Eventually(t, func() bool { return h.ctrl.Loops() >= 6 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, waitRun(t, done))

	logs := h.logs.String()
	assert.Contains(t, logs, "sensor sampling disabled")
	assert.NotContains(t, logs, "sensor read failed")
}
