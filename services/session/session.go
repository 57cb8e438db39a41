// Package session drives one telemetry run: subscribe, connect, query the
// radio, then poll the sensor and report status until interrupted.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"meshtelem/errcode"
	"meshtelem/services/heartbeat"
	"meshtelem/services/sensor"
	"meshtelem/types"
)

// Transport is the radio link as the controller uses it.
type Transport interface {
	Subscribe(kind types.Kind, h types.Handler)
	Connect(ctx context.Context) error
	DeviceQuery(ctx context.Context) (types.Event, error)
	Battery(ctx context.Context) (types.Event, error)
	IsConnected() bool
	StopAutoFetch(ctx context.Context) error
	Disconnect(ctx context.Context) error
}

// Console shows readings and one-line notices to the operator.
type Console interface {
	ShowReading(r types.SensorReading)
	Print(s string)
}

// ReadingSink receives every successful reading.
type ReadingSink interface {
	PublishReading(r types.SensorReading) error
}

type Options struct {
	Kinds []types.Kind

	ConnectTimeout    time.Duration
	QueryTimeout      time.Duration
	DisconnectTimeout time.Duration
	SettleDelay       time.Duration

	Tick           time.Duration
	SensorInterval time.Duration
	StatusInterval time.Duration
}

func DefaultOptions() Options {
	return Options{
		Kinds:             types.AllKinds,
		ConnectTimeout:    10 * time.Second,
		QueryTimeout:      5 * time.Second,
		DisconnectTimeout: 5 * time.Second,
		SettleDelay:       2 * time.Second,
		Tick:              time.Second,
		SensorInterval:    10 * time.Second,
		StatusInterval:    30 * time.Second,
	}
}

// Deps are the collaborators a Controller drives. Transport is required;
// the rest are optional.
type Deps struct {
	Transport Transport
	Sensor    *sensor.Reader
	Handlers  []types.Handler
	Console   Console
	Sink      ReadingSink
	Heartbeat *heartbeat.Sampler
	Logger    *slog.Logger
}

// Result is the outcome of one bounded step.
type Result struct {
	Op   string
	Code errcode.Code
	Err  error
	Took time.Duration
}

func (r Result) OK() bool { return r.Code == errcode.OK }

type Controller struct {
	d    Deps
	opts Options
	log  *slog.Logger

	loops atomic.Uint64

	mu      sync.Mutex
	state   State
	history []State
}

func New(d Deps, opts Options) *Controller {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Heartbeat == nil {
		d.Heartbeat = heartbeat.NewSampler(time.Now())
	}
	if d.Sensor == nil {
		d.Sensor = sensor.NewReader(nil, 0)
	}
	log := d.Logger.With("component", "session")
	kinds := make([]types.Kind, 0, len(opts.Kinds))
	for _, k := range opts.Kinds {
		if !k.Valid() {
			log.Warn("ignoring unknown event kind", "kind", string(k))
			continue
		}
		kinds = append(kinds, k)
	}
	if len(kinds) == 0 {
		kinds = types.AllKinds
	}
	opts.Kinds = kinds
	if opts.Tick <= 0 {
		opts.Tick = time.Second
	}
	return &Controller{
		d:       d,
		opts:    opts,
		log:     log,
		state:   Idle,
		history: []State{Idle},
	}
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// History returns every state entered, in order.
func (c *Controller) History() []State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]State(nil), c.history...)
}

// Loops is the number of poll ticks handled so far.
func (c *Controller) Loops() uint64 { return c.loops.Load() }

func (c *Controller) setState(s State) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.history = append(c.history, s)
	c.mu.Unlock()
	c.log.Debug("state change", "from", prev.String(), "to", s.String())
}

// Run blocks until ctx is cancelled or connecting fails. Cancellation
// always ends in Stopped with a nil error; a failed connect ends in Failed
// and returns the connect error.
func (c *Controller) Run(ctx context.Context) error {
	c.setState(Connecting)
	c.subscribe()

	res := c.step(ctx, "connect", c.opts.ConnectTimeout, c.d.Transport.Connect)
	if !res.OK() {
		if ctx.Err() != nil {
			c.log.Info("interrupted while connecting")
			c.shutdown()
			c.setState(Stopped)
			return nil
		}
		c.log.Error("connect failed", "code", res.Code, "err", res.Err, "took", res.Took)
		c.notice("✗ Connection failed: " + res.Err.Error())
		c.setState(Failed)
		return res.Err
	}
	c.setState(Connected)
	c.notice("✓ Connected to MeshCore device")

	if err := sleep(ctx, c.opts.SettleDelay); err == nil {
		c.startupQueries(ctx)
	}

	c.setState(Polling)
	c.poll(ctx)

	c.setState(Disconnecting)
	c.shutdown()
	c.setState(Stopped)
	return nil
}

// subscribe registers every handler for every kind before connecting so
// that no early event is missed.
func (c *Controller) subscribe() {
	for _, k := range c.opts.Kinds {
		for _, h := range c.d.Handlers {
			c.d.Transport.Subscribe(k, h)
		}
	}
	c.log.Info("subscribed to events", "kinds", len(c.opts.Kinds), "handlers", len(c.d.Handlers))
}

func (c *Controller) startupQueries(ctx context.Context) {
	queries := []struct {
		op string
		fn func(context.Context) (types.Event, error)
	}{
		{"device query", c.d.Transport.DeviceQuery},
		{"battery query", c.d.Transport.Battery},
	}
	for _, q := range queries {
		res := c.step(ctx, q.op, c.opts.QueryTimeout, func(ctx context.Context) error {
			_, err := q.fn(ctx)
			return err
		})
		if !res.OK() {
			c.log.Warn(q.op+" failed", "code", res.Code, "err", res.Err)
			continue
		}
		c.log.Debug(q.op+" ok", "took", res.Took)
	}
}

func (c *Controller) poll(ctx context.Context) {
	t := time.NewTicker(c.opts.Tick)
	defer t.Stop()
	sched := NewSchedule(time.Now(), c.opts.SensorInterval, c.opts.StatusInterval)

	sensorOn := c.d.Sensor.Available()
	if !sensorOn {
		c.log.Warn("sensor sampling disabled for this session")
	}
	c.log.Info("polling started", "tick", c.opts.Tick, "sensor_interval", c.opts.SensorInterval, "status_interval", c.opts.StatusInterval)

	for {
		select {
		case <-ctx.Done():
			c.log.Info("interrupt received, shutting down")
			return
		case now := <-t.C:
			n := c.loops.Add(1)
			due := sched.Tick(now)
			if due.Status {
				st := c.d.Heartbeat.Sample(n, c.d.Transport.IsConnected())
				c.log.Info(st.Line(), st.Attrs()...)
			}
			if due.Sensor && sensorOn {
				c.sample()
			}
		}
	}
}

func (c *Controller) sample() {
	r, err := c.d.Sensor.Read()
	if err != nil {
		c.log.Error("sensor read failed", "err", err)
		return
	}
	c.log.Info("sensor reading",
		"temperature_c", r.TemperatureC,
		"temperature_f", r.TemperatureF,
		"humidity", r.HumidityPct,
		"pressure_hpa", r.PressureHPa,
		"altitude_m", r.AltitudeM,
	)
	if c.d.Console != nil {
		c.d.Console.ShowReading(r)
	}
	if c.d.Sink != nil {
		if err := c.d.Sink.PublishReading(r); err != nil {
			c.log.Warn("reading publish failed", "err", err)
		}
	}
}

// shutdown stops message fetching and disconnects, each bounded. The
// caller's context is already cancelled here, so both steps get a fresh
// one. Disconnect is attempted even when stopping the fetch failed.
func (c *Controller) shutdown() {
	ctx := context.Background()
	if res := c.step(ctx, "stop auto fetch", c.opts.DisconnectTimeout, c.d.Transport.StopAutoFetch); !res.OK() {
		c.log.Warn("stop auto fetch failed", "code", res.Code, "err", res.Err)
	}
	res := c.step(ctx, "disconnect", c.opts.DisconnectTimeout, c.d.Transport.Disconnect)
	if !res.OK() {
		c.log.Warn("disconnect failed", "code", res.Code, "err", res.Err)
		return
	}
	c.log.Info("disconnected from MeshCore device")
}

// step runs fn under a timeout and classifies the outcome.
func (c *Controller) step(ctx context.Context, op string, timeout time.Duration, fn func(context.Context) error) Result {
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	start := time.Now()
	err := fn(sctx)
	res := Result{Op: op, Code: errcode.Of(err), Err: err, Took: time.Since(start)}
	if err != nil && res.Code == errcode.Error && errors.Is(sctx.Err(), context.DeadlineExceeded) {
		res.Code = errcode.Timeout
	}
	return res
}

func (c *Controller) notice(s string) {
	if c.d.Console != nil {
		c.d.Console.Print(s)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
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
