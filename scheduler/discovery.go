package scheduler

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/gossipmesh/connd/address"
	"github.com/gossipmesh/connd/capability"
	"github.com/gossipmesh/connd/peer"
)

// startDiscovery wires whichever discovery capabilities were supplied
// and appends their cancel funcs to s.cancelDiscovery, so Stop can tear
// them down before resetting the Hub.
func (s *Scheduler) startDiscovery(ctx context.Context) {
	if s.deps.Pubs != nil && s.conf.GossipPub {
		s.startPubDiscovery(ctx)
	}
	if s.deps.LAN != nil {
		s.startLANDiscovery(ctx)
	}
	if s.deps.BT != nil {
		s.startBluetoothDiscovery(ctx)
	}
}

// startPubDiscovery stages `type=='pub'` announcements, at most one
// every pubThrottle (250ms). Announcements that arrive faster than
// that, or while pubStagedHighWater staged pubs are already waiting,
// are discarded, not queued.
func (s *Scheduler) startPubDiscovery(ctx context.Context) {
	msgs, cancel := s.deps.Pubs.Subscribe(ctx)
	s.mu.Lock()
	s.cancelDiscovery = append(s.cancelDiscovery, cancel)
	s.mu.Unlock()

	limiter := rate.NewLimiter(rate.Every(pubThrottle), 1)
	s.discWG.Add(1)
	go func() {
		defer s.discWG.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				if s.stagedPubCount() >= pubStagedHighWater {
					continue
				}
				if !limiter.Allow() {
					continue
				}
				parsed, err := address.Parse(m.Address)
				if err != nil {
					s.log.Debug("dropping malformed pub address", "address", m.Address, "err", err)
					continue
				}
				autoconnect := true
				_, _ = s.deps.Staging.Stage(m.Address, peer.Patch{
					Key:         parsed.FeedId(),
					Host:        parsed.Host,
					Port:        parsed.Port,
					Source:      peer.SourcePub,
					Type:        peer.TypePub,
					Autoconnect: &autoconnect,
				})
			}
		}
	}()
}

func (s *Scheduler) stagedPubCount() int {
	n := 0
	for _, e := range s.deps.Staging.Entries() {
		if e.Record.Type == peer.TypePub {
			n++
		}
	}
	return n
}

// startLANDiscovery dials followed peers immediately and stages
// everyone else.
func (s *Scheduler) startLANDiscovery(ctx context.Context) {
	beacons, cancel := s.deps.LAN.Subscribe(ctx)
	s.mu.Lock()
	s.cancelDiscovery = append(s.cancelDiscovery, cancel)
	s.mu.Unlock()

	s.discWG.Add(1)
	go func() {
		defer s.discWG.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case b, ok := <-beacons:
				if !ok {
					return
				}
				s.handleLANBeacon(ctx, b)
			}
		}
	}()
}

func (s *Scheduler) handleLANBeacon(ctx context.Context, b capability.LANDiscovery) {
	parsed, err := address.Parse(b.Address)
	if err != nil {
		s.log.Debug("dropping malformed LAN address", "address", b.Address, "err", err)
		return
	}
	autoconnect := true
	verified := b.Verified
	patch := peer.Patch{
		Key:         parsed.FeedId(),
		Host:        parsed.Host,
		Port:        parsed.Port,
		Source:      peer.SourceLocal,
		Type:        peer.TypeLAN,
		Autoconnect: &autoconnect,
		Verified:    &verified,
	}
	if s.isFollowed(parsed.FeedId()) {
		if err := s.deps.Hub.Connect(ctx, b.Address, patch); err != nil {
			s.log.Debug("LAN immediate dial failed", "address", b.Address, "err", err)
		}
		return
	}
	_, _ = s.deps.Staging.Stage(b.Address, patch)
}

// startBluetoothDiscovery subscribes to nearby-device observations and
// synthesizes a bt:<mac>:~shs:<key> address for each.
func (s *Scheduler) startBluetoothDiscovery(ctx context.Context) {
	devices, cancel := s.deps.BT.Subscribe(ctx)
	s.mu.Lock()
	s.cancelDiscovery = append(s.cancelDiscovery, cancel)
	s.mu.Unlock()

	s.discWG.Add(1)
	go func() {
		defer s.discWG.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-devices:
				if !ok {
					return
				}
				addr := address.BluetoothAddress(d.MACNoColons, d.Key.Key())
				autoconnect := true
				_, _ = s.deps.Staging.Stage(addr, peer.Patch{
					Key:         d.Key,
					Source:      peer.SourceBT,
					Type:        peer.TypeBT,
					Autoconnect: &autoconnect,
				})
			}
		}
	}()
}
