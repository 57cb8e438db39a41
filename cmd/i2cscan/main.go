// Command i2cscan checks BME280 wiring by scanning the I2C bus and
// classifying every address that answers.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"meshtelem/services/config"
	"meshtelem/services/logging"
	"meshtelem/services/platform"
	"meshtelem/services/probe"
)

const (
	exitFound    = 0
	exitNoBus    = 1
	exitNotFound = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		return exitNoBus
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logging.ParseLevel(cfg.Log.Level)}))

	fmt.Print(probe.Wiring)
	fmt.Println()

	b, err := platform.OpenI2C(cfg.Sensor.Bus)
	if err != nil {
		fmt.Printf("I2C unavailable: %v\n", err)
		fmt.Println("Enable I2C (raspi-config > Interface Options > I2C) and reboot.")
		return exitNoBus
	}
	defer b.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p := probe.New(probe.BusScanner{Bus: b}, platform.NewBusLock(cfg.Sensor.LockTimeout), os.Stdout, log)
	res, err := p.Run(ctx, probe.DefaultAttempts, probe.DefaultRetryDelay)
	if err != nil {
		fmt.Printf("scan interrupted: %v\n", err)
		return exitNotFound
	}
	if d, ok := res.Sensor(); ok {
		fmt.Printf("\nBME280 found at 0x%02X after %d attempt(s)\n", d.Address, res.Attempts)
		return exitFound
	}
	fmt.Printf("\nBME280 not found after %d attempt(s)\n", res.Attempts)
	return exitNotFound
}
