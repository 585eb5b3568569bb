// Package rpc adapts the deprecated wire surface — peers, get, connect,
// disconnect, changes, add, remove, reconnect, enable, disable — onto
// package api's modern Core, logging a rate-limited deprecation
// warning on each call rather than refusing it outright.
package rpc

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"

	"github.com/gossipmesh/connd/address"
	"github.com/gossipmesh/connd/api"
	"github.com/gossipmesh/connd/hub"
	"github.com/gossipmesh/connd/internal/log"
	"github.com/gossipmesh/connd/peer"
)

// ErrLocalSourceRejected is returned by Add when the caller supplies
// source=='local': local-sourced records are scheduler-managed
// discovery state, not a legacy-client concern.
var ErrLocalSourceRejected = errors.New("rpc: source 'local' is not accepted via the legacy add call")

const deprecationWarnEvery = 10 * time.Second

// Legacy is a thin adapter kept for clients that have not migrated to
// package api.
type Legacy struct {
	core *api.Core
	log  *log.Logger

	limiters map[string]*rate.Limiter
}

// New wraps core with the legacy call surface.
func New(core *api.Core) *Legacy {
	return &Legacy{
		core:     core,
		log:      log.New("component", "rpc-legacy"),
		limiters: make(map[string]*rate.Limiter),
	}
}

func (l *Legacy) warnDeprecated(call string) {
	lim, ok := l.limiters[call]
	if !ok {
		lim = rate.NewLimiter(rate.Every(deprecationWarnEvery), 1)
		l.limiters[call] = lim
	}
	if lim.Allow() {
		l.log.Warn("deprecated RPC call in use, migrate to package api", "call", call)
	}
}

// Peers is the legacy alias for Core.Peers.
func (l *Legacy) Peers() []hub.Snapshot {
	l.warnDeprecated("peers")
	return l.core.Peers()
}

// Get is the legacy alias for Core.DBPeers, filtered to one address.
func (l *Legacy) Get(addr address.Address) (*peer.Record, bool) {
	l.warnDeprecated("get")
	for _, e := range l.core.DBPeers() {
		if e.Address == addr {
			return e.Record, true
		}
	}
	return nil, false
}

// Connect is the legacy alias for Core.Connect.
func (l *Legacy) Connect(ctx context.Context, addr address.Address, data peer.Patch) error {
	l.warnDeprecated("connect")
	return l.core.Connect(ctx, addr, data)
}

// Disconnect is the legacy alias for Core.Disconnect.
func (l *Legacy) Disconnect(ctx context.Context, addr address.Address) error {
	l.warnDeprecated("disconnect")
	return l.core.Disconnect(ctx, addr)
}

// Changes is the legacy alias for Core.Peers, named after the old
// "connection changes" feed it originally streamed; callers wanting a
// live feed should use hub.Hub.Listen directly through package api.
func (l *Legacy) Changes() []hub.Snapshot {
	l.warnDeprecated("changes")
	return l.core.Peers()
}

// Add is the legacy alias for Core.Remember. It rejects source=='local'
// records outright: those are scheduler-owned discovery state and were
// never a legitimate legacy-client input, even before the rename.
func (l *Legacy) Add(addr address.Address, data peer.Patch) (*peer.Record, error) {
	l.warnDeprecated("add")
	if data.Source == peer.SourceLocal {
		return nil, ErrLocalSourceRejected
	}
	return l.core.Remember(addr, data), nil
}

// Remove is the legacy alias for Core.Forget.
func (l *Legacy) Remove(addr address.Address) {
	l.warnDeprecated("remove")
	l.core.Forget(addr)
}

// Reconnect disconnects then immediately reconnects addr.
func (l *Legacy) Reconnect(ctx context.Context, addr address.Address, data peer.Patch) error {
	l.warnDeprecated("reconnect")
	_ = l.core.Disconnect(ctx, addr)
	return l.core.Connect(ctx, addr, data)
}

// Enable is a legacy no-op: the scheduler's autostart replaces the old
// explicit enable/disable toggle.
func (l *Legacy) Enable() {
	l.warnDeprecated("enable")
}

// Disable is a legacy no-op; see Enable.
func (l *Legacy) Disable() {
	l.warnDeprecated("disable")
}
