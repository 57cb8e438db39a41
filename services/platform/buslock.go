package platform

import (
	"context"
	"sync"
	"time"

	"meshtelem/errcode"

	"golang.org/x/sync/semaphore"
	"tinygo.org/x/drivers"
)

// ErrLockTimeout is returned when the bus lock is not acquired in time.
var ErrLockTimeout error = &errcode.E{C: errcode.Timeout, Op: "i2c lock", Msg: "bus held by another user"}

// BusLock is a mutual-exclusion lock over one I2C bus whose acquisition
// is bounded by a wait limit.
type BusLock struct {
	sem  *semaphore.Weighted
	wait time.Duration
}

func NewBusLock(wait time.Duration) *BusLock {
	if wait <= 0 {
		wait = time.Second
	}
	return &BusLock{sem: semaphore.NewWeighted(1), wait: wait}
}

// Acquire waits up to the lock's wait limit. The returned release func is
// idempotent; callers defer it.
func (l *BusLock) Acquire(ctx context.Context) (release func(), err error) {
	wctx, cancel := context.WithTimeout(ctx, l.wait)
	defer cancel()
	if err := l.sem.Acquire(wctx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrLockTimeout
	}
	var once sync.Once
	return func() { once.Do(func() { l.sem.Release(1) }) }, nil
}

// LockedI2C serialises every transaction on Bus through Lock.
type LockedI2C struct {
	Bus  drivers.I2C
	Lock *BusLock
}

func (b LockedI2C) Tx(addr uint16, w, r []byte) error {
	release, err := b.Lock.Acquire(context.Background())
	if err != nil {
		return err
	}
	defer release()
	return b.Bus.Tx(addr, w, r)
}
