// Package api exposes the modern, typed surface over the connection
// core: the operations a long-lived daemon (cmd/connd) or its RPC
// adapters call, as opposed to the legacy aliases in package rpc.
package api

import (
	"context"
	"fmt"
	"time"

	"github.com/gossipmesh/connd/address"
	"github.com/gossipmesh/connd/hub"
	"github.com/gossipmesh/connd/peer"
	"github.com/gossipmesh/connd/query"
	"github.com/gossipmesh/connd/scheduler"
	"github.com/gossipmesh/connd/staging"
	"github.com/gossipmesh/connd/store"
)

// Core wires the four pools and the scheduler behind a single typed
// operation surface: remember, forget, dbPeers, connect, disconnect,
// peers, stage, unstage, stagedPeers, query, start, stop, ping.
type Core struct {
	DB        *store.AddressBook
	Hub       *hub.Hub
	Staging   *staging.Staging
	Query     *query.Query
	Scheduler *scheduler.Scheduler
}

// Remember upserts addr into the address book.
func (c *Core) Remember(addr address.Address, data peer.Patch) *peer.Record {
	return c.DB.Set(addr, data)
}

// Forget removes addr from the address book.
func (c *Core) Forget(addr address.Address) {
	c.DB.Delete(addr)
}

// DBPeers returns every address-book entry.
func (c *Core) DBPeers() []store.Entry {
	return c.DB.Entries()
}

// Connect dials addr directly, bypassing the scheduler's quotas.
func (c *Core) Connect(ctx context.Context, addr address.Address, data peer.Patch) error {
	return c.Hub.Connect(ctx, addr, data)
}

// Disconnect tears down addr's live connection, if any.
func (c *Core) Disconnect(ctx context.Context, addr address.Address) error {
	return c.Hub.Disconnect(ctx, addr)
}

// Peers returns every live Hub entry.
func (c *Core) Peers() []hub.Snapshot {
	return c.Hub.Entries()
}

// Stage inserts addr into the ephemeral candidate set.
func (c *Core) Stage(addr address.Address, data peer.Patch) (bool, error) {
	return c.Staging.Stage(addr, data)
}

// Unstage removes addr from the candidate set.
func (c *Core) Unstage(addr address.Address) {
	c.Staging.Unstage(addr)
}

// StagedPeers returns every staged entry.
func (c *Core) StagedPeers() []staging.Entry {
	return c.Staging.Entries()
}

// QueryFacade exposes the read-only join façade directly.
func (c *Core) QueryFacade() *query.Query {
	return c.Query
}

// Start begins the scheduler's control loop.
func (c *Core) Start(ctx context.Context) error {
	return c.Scheduler.Start(ctx)
}

// Stop halts the scheduler and resets the Hub.
func (c *Core) Stop(ctx context.Context) {
	c.Scheduler.Stop(ctx)
}

// Ping records a round-trip measurement into the DB record's
// PingStats. It sends nothing itself: rtt is a duration already
// measured by the caller's transport layer, and it is rejected when it
// exceeds timeout, after timeout is clamped to [10s, 30m]. The stored
// mean is the average of the previous mean and rtt.
func (c *Core) Ping(addr address.Address, timeout time.Duration, rtt time.Duration) error {
	timeout = scheduler.ClampPingTimeout(timeout)
	if rtt > timeout {
		return fmt.Errorf("api: ping to %s exceeded timeout %s", addr, timeout)
	}
	rec, ok := c.DB.Get(addr)
	if !ok {
		return fmt.Errorf("api: no address book entry for %s", addr)
	}
	mean := rtt.Seconds()
	if rec.Ping.RTT.Mean != nil {
		mean = (*rec.Ping.RTT.Mean + mean) / 2
	}
	ping := rec.Ping
	ping.RTT.Mean = &mean
	c.DB.Set(addr, peer.Patch{Ping: &ping})
	return nil
}
