// Package testutil provides fakes shared across the core's test
// suites: an in-memory Dialer, a controllable Clock, and a seeded
// Random, so tests drive scheduler timing and dial outcomes directly
// instead of sleeping or depending on the OS RNG.
package testutil

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/cespare/cp"

	"github.com/gossipmesh/connd/address"
	"github.com/gossipmesh/connd/hub"
	"github.com/gossipmesh/connd/peer"
)

// CopyDB copies a golden address-book directory (e.g. a leveldb
// directory fixture checked into testdata/) into dst, for tests that
// need to reopen a pre-populated database without mutating the
// fixture.
func CopyDB(src, dst string) error {
	return cp.CopyAll(dst, src)
}

// ErrDial is returned by FakeDialer for addresses marked to fail.
var ErrDial = errors.New("testutil: dial refused")

// FakeConn is a no-op hub.Conn.
type FakeConn struct {
	Closed bool
}

func (c *FakeConn) Close() error {
	c.Closed = true
	return nil
}

// FakeDialer is an in-memory hub.Dialer: addresses in Fail dial with
// ErrDial, addresses in Delay block until their channel is closed or
// ctx is cancelled, everything else succeeds immediately.
type FakeDialer struct {
	mu    sync.Mutex
	Fail  map[address.Address]bool
	Delay map[address.Address]chan struct{}
	Dials []address.Address
}

// NewFakeDialer constructs an empty FakeDialer.
func NewFakeDialer() *FakeDialer {
	return &FakeDialer{
		Fail:  make(map[address.Address]bool),
		Delay: make(map[address.Address]chan struct{}),
	}
}

func (d *FakeDialer) Dial(ctx context.Context, addr address.Address, data peer.Patch) (hub.Conn, error) {
	d.mu.Lock()
	d.Dials = append(d.Dials, addr)
	fail := d.Fail[addr]
	wait := d.Delay[addr]
	d.mu.Unlock()

	if wait != nil {
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail {
		return nil, ErrDial
	}
	return &FakeConn{}, nil
}

// DialCount returns how many times Dial was called for addr.
func (d *FakeDialer) DialCount(addr address.Address) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, a := range d.Dials {
		if a == addr {
			n++
		}
	}
	return n
}

// FakeClock is a manually advanced capability.Clock.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFakeClock starts the clock at t.
func NewFakeClock(t time.Time) *FakeClock {
	return &FakeClock{now: t}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// SeededRandom is a capability.Random backed by a fixed-seed source,
// for deterministic fuzz/shuffle assertions.
type SeededRandom struct {
	r *rand.Rand
}

// NewSeededRandom constructs a SeededRandom from seed.
func NewSeededRandom(seed int64) *SeededRandom {
	return &SeededRandom{r: rand.New(rand.NewSource(seed))}
}

func (s *SeededRandom) Float64() float64 { return s.r.Float64() }

// FixedRandom always returns v, for tests that need to force either
// side of a probabilistic branch (e.g. the 0.3 shuffle chance).
type FixedRandom struct{ V float64 }

func (f FixedRandom) Float64() float64 { return f.V }
