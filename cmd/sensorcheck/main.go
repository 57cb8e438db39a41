// Command sensorcheck walks the I2C device nodes, scans the bus, tries
// both BME280 addresses and takes a single reading.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"meshtelem/services/config"
	"meshtelem/services/dispatch"
	"meshtelem/services/logging"
	"meshtelem/services/platform"
	"meshtelem/services/probe"
	"meshtelem/services/sensor"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		return 1
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logging.ParseLevel(cfg.Log.Level)}))

	nodes := platform.DevNodes("/dev")
	if len(nodes) == 0 {
		fmt.Println("No /dev/i2c-* device nodes. Is I2C enabled?")
		return 1
	}
	fmt.Println("I2C device nodes:")
	for _, n := range nodes {
		fmt.Println("  " + n)
	}

	b, err := platform.OpenI2C(cfg.Sensor.Bus)
	if err != nil {
		fmt.Printf("open bus: %v\n", err)
		return 1
	}
	defer b.Close()

	lock := platform.NewBusLock(cfg.Sensor.LockTimeout)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	devs, err := probe.New(probe.BusScanner{Bus: b}, lock, os.Stdout, log).ScanOnce(ctx)
	if err != nil {
		fmt.Printf("scan failed: %v\n", err)
	} else {
		fmt.Printf("Scan: %d device(s)\n", len(devs))
		for _, d := range devs {
			fmt.Println("  " + d.String())
		}
	}

	dev, err := sensor.Open(platform.LockedI2C{Bus: b, Lock: lock}, cfg.Sensor.Addresses, log)
	if err != nil {
		fmt.Printf("sensor init: %v\n", err)
		fmt.Print(probe.Checklist)
		return 2
	}
	r, err := sensor.NewReader(dev, cfg.Sensor.SeaLevelHPa).Read()
	if err != nil {
		fmt.Printf("sensor read: %v\n", err)
		return 2
	}
	fmt.Print(dispatch.RenderReading(r))
	return 0
}
