// Command meshtelem logs MeshCore radio events and samples a BME280
// sensor until interrupted.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"meshtelem/services/config"
	"meshtelem/services/dispatch"
	"meshtelem/services/heartbeat"
	"meshtelem/services/logging"
	"meshtelem/services/meshcore"
	"meshtelem/services/platform"
	"meshtelem/services/publish"
	"meshtelem/services/sensor"
	"meshtelem/services/session"
	"meshtelem/types"
)

func main() {
	os.Exit(run())
}

func run() int {
	start := time.Now()

	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		return 1
	}

	lr, err := logging.Open(cfg.Log.Dir, cfg.Log.Prefix, start, os.Stderr, logging.ParseLevel(cfg.Log.Level))
	if err != nil {
		lr.Logger.Warn("file logging disabled", "err", err)
	}
	defer lr.Close()
	log := lr.Logger

	console := dispatch.New(log, os.Stdout)
	console.Print("Meshcore Telemetry Reader")
	console.Print(fmt.Sprintf("Port: %s @ %d baud", cfg.Serial.Port, cfg.Serial.Baud))

	reader := openSensor(cfg.Sensor, log)

	handlers := []types.Handler{console.OnEvent}
	var sink session.ReadingSink
	if cfg.MQTT.Broker != "" {
		s, err := publish.Dial(cfg.MQTT, cfg.Timeouts.Connect, log)
		if err != nil {
			log.Warn("telemetry publishing disabled", "err", err)
		} else {
			defer s.Close()
			handlers = append(handlers, s.OnEvent)
			sink = s
		}
	}

	client := meshcore.New(meshcore.Config{
		Port:           cfg.Serial.Port,
		Baud:           cfg.Serial.Baud,
		CommandTimeout: cfg.Timeouts.Query,
	}, meshcore.OpenSerial, log)

	ctrl := session.New(session.Deps{
		Transport: client,
		Sensor:    reader,
		Handlers:  handlers,
		Console:   console,
		Sink:      sink,
		Heartbeat: heartbeat.NewSampler(start),
		Logger:    log,
	}, session.Options{
		Kinds:             types.AllKinds,
		ConnectTimeout:    cfg.Timeouts.Connect,
		QueryTimeout:      cfg.Timeouts.Query,
		DisconnectTimeout: cfg.Timeouts.Disconnect,
		SettleDelay:       cfg.Timeouts.Settle,
		Tick:              cfg.Poll.Tick,
		SensorInterval:    cfg.Poll.SensorInterval,
		StatusInterval:    cfg.Poll.StatusInterval,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	code := 0
	if err := ctrl.Run(ctx); err != nil {
		code = 1
		if errors.Is(err, meshcore.ErrPortNotFound) {
			listPorts(console, log)
		}
	}
	console.Print("Meshcore Telemetry Reader Stopped")
	log.Info("session finished", "state", ctrl.State().String(), "loops", ctrl.Loops(), "uptime", time.Since(start).Round(time.Second))
	return code
}

// openSensor returns a reader with no handle when the bus or the sensor is
// missing, which disables sampling for the session.
func openSensor(cfg config.Sensor, log *slog.Logger) *sensor.Reader {
	b, err := platform.OpenI2C(cfg.Bus)
	if err != nil {
		log.Warn("sensor disabled", "err", err)
		return sensor.NewReader(nil, cfg.SeaLevelHPa)
	}
	locked := platform.LockedI2C{Bus: b, Lock: platform.NewBusLock(cfg.LockTimeout)}
	dev, err := sensor.Open(locked, cfg.Addresses, log)
	if err != nil {
		log.Warn("sensor disabled", "err", err)
		b.Close()
		return sensor.NewReader(nil, cfg.SeaLevelHPa)
	}
	return sensor.NewReader(dev, cfg.SeaLevelHPa)
}

func listPorts(console *dispatch.Dispatcher, log *slog.Logger) {
	ports, err := meshcore.ListPorts()
	if err != nil {
		log.Error("list serial ports", "err", err)
		return
	}
	if len(ports) == 0 {
		console.Print("No serial ports found")
		return
	}
	console.Print("Available serial ports:")
	for _, p := range ports {
		console.Print("  " + p.String())
	}
}
