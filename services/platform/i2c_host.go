package platform

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

// ErrNoBus means the host I2C subsystem is unavailable or the named bus
// could not be opened.
var ErrNoBus = errors.New("i2c bus unavailable")

var (
	hostOnce sync.Once
	hostErr  error
)

func initHost() error {
	hostOnce.Do(func() {
		_, hostErr = host.Init()
	})
	return hostErr
}

// OpenI2C initialises the periph host drivers once and opens the named
// bus ("" selects the first registered bus). The returned bus satisfies
// tinygo's drivers.I2C.
func OpenI2C(name string) (i2c.BusCloser, error) {
	if err := initHost(); err != nil {
		return nil, fmt.Errorf("%w: host init: %v", ErrNoBus, err)
	}
	b, err := i2creg.Open(name)
	if err != nil {
		return nil, fmt.Errorf("%w: open %q: %v", ErrNoBus, name, err)
	}
	return b, nil
}

// DevNodes lists i2c character devices under dir (normally "/dev"),
// ordered by bus number.
func DevNodes(dir string) []string {
	nodes, _ := filepath.Glob(filepath.Join(dir, "i2c-*"))
	sort.Slice(nodes, func(i, j int) bool {
		return busNumber(nodes[i]) < busNumber(nodes[j])
	})
	return nodes
}

func busNumber(path string) int {
	n, err := strconv.Atoi(strings.TrimPrefix(filepath.Base(path), "i2c-"))
	if err != nil {
		return 1 << 30
	}
	return n
}
