// Package scheduler implements the policy-driven control loop that
// drives the system toward a target connection profile. It is the
// hard part of the core — a fuzzed periodic tick that partitions
// peers into classes, enforces per-class quotas with exponential
// backoff and group debouncing, and reacts to network, wakeup,
// discovery, and disconnect events.
package scheduler

import (
	"context"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gossipmesh/connd/address"
	"github.com/gossipmesh/connd/capability"
	"github.com/gossipmesh/connd/hub"
	"github.com/gossipmesh/connd/internal/log"
	"github.com/gossipmesh/connd/peer"
	"github.com/gossipmesh/connd/query"
	"github.com/gossipmesh/connd/staging"
	"github.com/gossipmesh/connd/store"
)

// Deps bundles every collaborator the scheduler needs, all supplied by
// the caller at construction time rather than discovered by polling.
type Deps struct {
	DB      *store.AddressBook
	Hub     *hub.Hub
	Staging *staging.Staging
	Query   *query.Query

	Social  capability.SocialGraph
	MsgLog  capability.MessageLog
	Pubs    capability.Pubs
	LAN     capability.LAN
	BT      capability.Bluetooth
	Network capability.Network
	Random  capability.Random
	Clock   capability.Clock

	// Seeds optionally supplies additional bootstrap addresses at
	// Start, layered over the static Config.Seeds list — e.g. a
	// DNS-backed seed resolver. A nil Seeds is a capability gap:
	// populateSeeds falls back to Config.Seeds alone.
	Seeds SeedResolver
}

// SeedResolver resolves a dynamic bootstrap address list, consulted by
// populateSeeds alongside the static Config.Seeds.
type SeedResolver interface {
	Resolve(ctx context.Context) ([]address.Address, error)
}

func (d *Deps) setDefaults() {
	if d.Social == nil {
		d.Social = capability.NullSocialGraph
	}
	if d.MsgLog == nil {
		d.MsgLog = capability.NullMessageLog
	}
	if d.Network == nil {
		d.Network = capability.NewGopsutilNetwork()
	}
	if d.Random == nil {
		d.Random = capability.NewMathRandom(time.Now().UnixNano())
	}
	if d.Clock == nil {
		d.Clock = capability.SystemClock
	}
}

// Scheduler is the control loop that keeps the connection profile
// converging toward policy.
type Scheduler struct {
	deps   Deps
	conf   Config
	log    *log.Logger
	classes []classSpec

	mu      sync.Mutex // guards the fields below; also serializes updateNow
	running bool
	closed  bool
	timer   *time.Timer

	debouncers map[string]*query.Debouncer

	cancelDiscovery []func()
	cancelEvents    func()
	discWG          sync.WaitGroup
}

// New constructs a Scheduler bound to deps and conf. No goroutines run
// until Start is called.
func New(deps Deps, conf Config) *Scheduler {
	deps.setDefaults()
	s := &Scheduler{
		deps:       deps,
		conf:       conf,
		log:        log.New("component", "scheduler"),
		debouncers: make(map[string]*query.Debouncer),
	}
	s.classes = s.buildClasses()
	return s
}

func (s *Scheduler) buildClasses() []classSpec {
	classes := []classSpec{}
	if s.conf.GossipSeed {
		classes = append(classes, classSpec{
			name:        "seed",
			predicate:   func(r *peer.Record) bool { return r.Source == peer.SourceSeed },
			quota:       3,
			backoffStep: 2 * time.Second,
			backoffMax:  10 * time.Minute,
			groupMin:    time.Second,
		})
	}
	classes = append(classes,
		classSpec{
			name:                     "any-if-disconnected",
			predicate:                func(*peer.Record) bool { return true },
			quota:                    1,
			backoffStep:              time.Second,
			backoffMax:               6 * time.Second,
			groupMin:                 0,
			onlyIfNoOtherConnections: true,
		},
		classSpec{
			name:        "room",
			predicate:   func(r *peer.Record) bool { return r.Type == peer.TypeRoom },
			quota:       10,
			backoffStep: 5 * time.Second,
			backoffMax:  5 * time.Minute,
			groupMin:    5 * time.Second,
		},
		classSpec{
			name:        "has-pinged",
			predicate:   query.HasPinged,
			quota:       2,
			backoffStep: 10 * time.Second,
			backoffMax:  10 * time.Minute,
			groupMin:    5 * time.Second,
		},
		classSpec{
			name:        "no-attempts",
			predicate:   query.HasNoAttempts,
			quota:       2,
			backoffStep: 30 * time.Second,
			backoffMax:  30 * time.Minute,
			groupMin:    15 * time.Second,
		},
		classSpec{
			name:        "only-failed-attempts",
			predicate:   query.HasOnlyFailedAttempts,
			quota:       3,
			backoffStep: time.Minute,
			backoffMax:  3 * time.Hour,
			groupMin:    5 * time.Minute,
		},
		classSpec{
			name:        "legacy",
			predicate:   query.IsLegacy,
			quota:       1,
			backoffStep: 4 * time.Minute,
			backoffMax:  3 * time.Hour,
			groupMin:    5 * time.Minute,
		},
	)
	return classes
}

// Start is idempotent if already running.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	if s.closed {
		s.mu.Unlock()
		return hub.ErrShutdown
	}
	s.running = true
	s.mu.Unlock()

	s.purgeUndiscoverable()
	if s.conf.GossipAutoPopulate {
		s.populateSeeds(ctx)
	}

	events, cancel := s.deps.Hub.Listen()
	s.cancelEvents = cancel
	s.discWG.Add(1)
	go s.watchHubEvents(ctx, events)

	s.startDiscovery(ctx)
	s.startRegularTrigger(ctx)

	s.updateSoon(0)
	return nil
}

// Stop stops discovery and the regular trigger, resets the Hub, and
// marks the scheduler closed. A closed scheduler drops subsequent
// updateSoon calls silently. Stop on a scheduler that is not running
// does nothing.
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
	}
	cancels := s.cancelDiscovery
	s.cancelDiscovery = nil
	eventsCancel := s.cancelEvents
	s.mu.Unlock()

	for _, c := range cancels {
		c()
	}
	if eventsCancel != nil {
		eventsCancel()
	}
	s.discWG.Wait()
	s.deps.Hub.Reset(ctx)
}

// purgeUndiscoverable removes DB records that must be rediscovered on
// every start: source ∈ {local, bt} or type ∈ {lan, bt}.
func (s *Scheduler) purgeUndiscoverable() {
	for _, e := range s.deps.DB.Entries() {
		r := e.Record
		if r.Source == peer.SourceLocal || r.Source == peer.SourceBT ||
			r.Type == peer.TypeLAN || r.Type == peer.TypeBT {
			s.deps.DB.Delete(e.Address)
		}
	}
}

func (s *Scheduler) populateSeeds(ctx context.Context) {
	for _, raw := range s.conf.Seeds {
		addr := address.Address(raw)
		if err := address.Validate(addr); err != nil {
			s.log.Warn("skipping invalid configured seed", "address", raw, "err", err)
			continue
		}
		s.writeSeed(addr)
	}

	if s.deps.Seeds == nil {
		return
	}
	resolved, err := s.deps.Seeds.Resolve(ctx)
	if err != nil {
		s.log.Warn("seed resolver failed", "err", err)
		return
	}
	for _, addr := range resolved {
		s.writeSeed(addr)
	}
}

func (s *Scheduler) writeSeed(addr address.Address) {
	parsed, err := address.Parse(addr)
	if err != nil {
		s.log.Warn("skipping unparseable seed", "address", addr, "err", err)
		return
	}
	autoconnect := true
	s.deps.DB.Set(addr, peer.Patch{
		Key:         parsed.FeedId(),
		Host:        parsed.Host,
		Port:        parsed.Port,
		Source:      peer.SourceSeed,
		Type:        peer.TypeInternet,
		Autoconnect: &autoconnect,
	})
}

func (s *Scheduler) watchHubEvents(ctx context.Context, events <-chan hub.Event) {
	defer s.discWG.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Type == hub.EventDisconnected {
				s.updateSoon(disconnectedTriggerSoon)
			}
		}
	}
}

func (s *Scheduler) startRegularTrigger(ctx context.Context) {
	period := s.conf.TickPeriod
	if period <= 0 {
		period = regularTriggerPeriod
	}
	done := make(chan struct{})
	s.mu.Lock()
	s.cancelDiscovery = append(s.cancelDiscovery, func() { close(done) })
	s.mu.Unlock()

	s.discWG.Add(1)
	go func() {
		defer s.discWG.Done()
		t := time.NewTicker(period)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-t.C:
				s.updateSoon(0)
			}
		}
	}()
}

// OnWakeup is the external trigger for a process resume from sleep.
func (s *Scheduler) OnWakeup(ctx context.Context) {
	s.deps.Hub.Reset(ctx)
	s.updateSoon(0)
}

// OnNetworkChange is the external trigger for an OS network change.
func (s *Scheduler) OnNetworkChange(ctx context.Context) {
	s.deps.Hub.Reset(ctx)
	s.updateSoon(0)
}

// updateSoon schedules a single upcoming tick. Redundant calls
// collapse into the already-pending timer. A period of 0 uses the
// default tick period of 1000ms. The actual delay is fuzzed to
// period·(0.5 + U[0,1)) to avoid mutual deadlock with peers doing the
// same fuzzing. The timer is not kept in any process-exit-blocking
// registry (Go timers already behave this way: time.Timer does not
// prevent process exit).
func (s *Scheduler) updateSoon(period time.Duration) {
	if period == 0 {
		period = updateSoonDefaultPeriod
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.timer != nil {
		// Redundant call: the pending timer already covers this tick.
		return
	}
	fuzz := 0.5 + s.deps.Random.Float64()
	delay := time.Duration(float64(period) * fuzz)
	s.timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		s.timer = nil
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return
		}
		s.updateNow(context.Background())
	})
}

// updateNow runs updateStaging then updateHub, unless suppressed.
// It runs to completion atomically with respect to other scheduler
// actions: a tick is never interleaved with another tick, enforced by
// s.mu acting as the single logical executor's mailbox.
func (s *Scheduler) updateNow(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.deps.MsgLog.Ready() {
		s.log.Debug("updateNow suppressed: message log not ready")
		return
	}
	if time.Since(s.deps.MsgLog.LastMessageAt()) < downloadHeuristicWindow && !s.deps.MsgLog.LastMessageAt().IsZero() {
		s.log.Debug("updateNow suppressed: download in progress")
		return
	}
	if !s.deps.Social.Ready() {
		s.log.Debug("updateNow suppressed: hops table loading")
		return
	}

	s.updateStaging()
	s.updateHub(ctx)
}

// updateStaging refreshes the candidate pool: non-autoconnect DB
// records are staged, and staged entries that are now blocked or have
// aged past their type's TTL are evicted.
func (s *Scheduler) updateStaging() {
	now := s.deps.Clock.Now()

	for _, e := range s.deps.DB.Entries() {
		if e.Record.Autoconnect {
			continue
		}
		if s.isBlocked(e.Record.Key) {
			continue
		}
		_, _ = s.deps.Staging.Stage(e.Address, recordToPatch(e.Record))
	}

	for _, e := range s.deps.Staging.Entries() {
		if s.isBlocked(e.Record.Key) {
			s.deps.Staging.Unstage(e.Address)
			continue
		}
		switch e.Record.Type {
		case peer.TypeLAN:
			if now.Sub(time.UnixMilli(e.Record.StagingUpdated)) > lanStagingTTL {
				s.deps.Staging.Unstage(e.Address)
			}
		case peer.TypeBT:
			if now.Sub(time.UnixMilli(e.Record.StagingUpdated)) > btStagingTTL {
				s.deps.Staging.Unstage(e.Address)
			}
		}
	}
}

// updateHub runs the quota engine class by class in table order,
// followed by the four additional per-tick actions.
func (s *Scheduler) updateHub(ctx context.Context) {
	now := s.deps.Clock.Now()

	for _, class := range s.classes {
		if class.onlyIfNoOtherConnections && len(s.deps.Query.PeersInConnection()) > 0 {
			continue
		}
		s.updateClass(ctx, class, now)
	}

	s.promoteFollowedStaged(ctx)
	s.disconnectBlocked(ctx)
	s.disconnectFrustrating(ctx, now)
	s.disconnectLongLivedInternet(ctx, now)
}

func (s *Scheduler) debouncerFor(name string) *query.Debouncer {
	d, ok := s.debouncers[name]
	if !ok {
		d = query.NewDebouncer()
		s.debouncers[name] = d
	}
	return d
}

// updateClass runs the six-step quota pass for one class: disconnect
// any excess, compute free slots, filter candidates, debounce and
// backoff them, then dial up to the remaining free count.
func (s *Scheduler) updateClass(ctx context.Context, class classSpec, now time.Time) {
	up := query.Filter(s.deps.Query.PeersInConnection(), class.predicate)
	down := query.Filter(s.deps.Query.PeersConnectable(query.OriginDB), class.predicate)

	// 2. Excess.
	if len(up) > 2*class.quota {
		excess := len(up) - class.quota
		query.SortByStateChange(up)
		for _, p := range up[:excess] {
			if err := s.deps.Hub.Disconnect(ctx, p.Address); err != nil {
				s.log.Warn("excess disconnect failed", "class", class.name, "address", p.Address, "err", err)
			}
		}
	}

	// 3. Free slots, with neverJustOne applied strictly after the ≥0 clamp.
	free := class.quota - len(up)
	if free < 0 {
		free = 0
	}
	if free == 1 {
		free = 2
	}
	if free == 0 {
		return
	}

	// 4. Filter candidates. liveKeys holds the FeedId of every already
	// up peer in this class, so a down address that names an identity
	// already reachable through a different address:port is skipped
	// rather than opening a second connection to the same peer.
	liveKeys := query.Keys(up)
	candidates := make([]query.Peer, 0, len(down))
	for _, p := range down {
		if liveKeys.Contains(p.Record.Key) {
			continue
		}
		if s.isBlocked(p.Record.Key) {
			continue
		}
		if !s.canBeConnected(p.Record) {
			continue
		}
		if !p.Record.Autoconnect {
			continue
		}
		candidates = append(candidates, p)
	}

	// 5. Debounce then backoff.
	debouncer := s.debouncerFor(class.name)
	filtered := make([]query.Peer, 0, len(candidates))
	for _, p := range candidates {
		if !debouncer.Passes(p.Record, now, class.groupMin) {
			continue
		}
		if !query.PassesExpBackoff(p.Record, now, class.backoffStep, class.backoffMax) {
			continue
		}
		filtered = append(filtered, p)
	}

	// 6. Shuffle or sort, then take and dial.
	if s.deps.Random.Float64() < 0.3 {
		shuffle(filtered, s.deps.Random)
	} else {
		query.SortByStateChange(filtered)
	}
	toDial := query.Take(filtered, free)

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range toDial {
		p := p
		g.Go(func() error {
			data := recordToPatch(p.Record)
			err := s.deps.Hub.Connect(gctx, p.Address, data)
			s.recordDialOutcome(p.Address, p.Record, err)
			if err != nil {
				s.log.Debug("dial failed", "class", class.name, "address", p.Address, "err", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// recordDialOutcome writes the attempt back into the address book so
// PassesExpBackoff sees it on the next tick: without this, a peer read
// from the cold pool would be redialed every tick regardless of how
// many times it has already failed, since the Hub's own bookkeeping
// for a failed dial never reaches the record this class read from.
func (s *Scheduler) recordDialOutcome(addr address.Address, rec *peer.Record, dialErr error) {
	now := s.deps.Clock.Now().UnixMilli()
	failure := rec.Failure
	failure.LastAttempt = now
	if dialErr != nil {
		failure.Count++
		failure.LastError = dialErr.Error()
	} else {
		failure.Count = 0
		failure.LastSuccess = now
		failure.TotalSuccess++
	}
	s.deps.DB.Set(addr, peer.Patch{Failure: &failure})
}

// canBeConnected is the network-reachability predicate: loopback hosts
// are always connectable; otherwise hasNetwork() must return true.
func (s *Scheduler) canBeConnected(r *peer.Record) bool {
	if isLoopbackHost(r.Host) {
		return true
	}
	return s.deps.Network.HasNetwork()
}

// isLocal reports whether r has a non-loopback, privately-routable IP
// host and a local source or lan type; such peers are treated as
// permanent by disconnectFrustrating.
func isLocal(r *peer.Record) bool {
	if isLoopbackHost(r.Host) {
		return false
	}
	if !isPrivateHost(r.Host) {
		return false
	}
	return r.Source == peer.SourceLocal || r.Type == peer.TypeLAN
}

func isLoopbackHost(host string) bool {
	ip := net.ParseIP(host)
	if ip == nil {
		return host == "localhost"
	}
	return ip.IsLoopback()
}

func isPrivateHost(host string) bool {
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsPrivate()
}

func (s *Scheduler) isBlocked(key address.FeedId) bool {
	hops, known := s.deps.Social.Hops(key)
	return known && hops == -1
}

func (s *Scheduler) isFollowed(key address.FeedId) bool {
	hops, known := s.deps.Social.Hops(key)
	return known && hops > 0 && hops <= 1
}

// promoteFollowedStaged promotes up to 5 staged peers whose key is
// followed (hops ∈ (0, 1]).
func (s *Scheduler) promoteFollowedStaged(ctx context.Context) {
	promoted := 0
	for _, e := range s.deps.Staging.Entries() {
		if promoted >= maxFollowedPromotions {
			return
		}
		if !s.isFollowed(e.Record.Key) {
			continue
		}
		if err := s.deps.Hub.Connect(ctx, e.Address, recordToPatch(e.Record)); err != nil {
			s.log.Debug("followed-staged promote failed", "address", e.Address, "err", err)
			continue
		}
		promoted++
	}
}

// disconnectBlocked disconnects any in-connection peer now blocked.
func (s *Scheduler) disconnectBlocked(ctx context.Context) {
	for _, p := range s.deps.Query.PeersInConnection() {
		if s.isBlocked(p.Record.Key) {
			_ = s.deps.Hub.Disconnect(ctx, p.Address)
		}
	}
}

// disconnectFrustrating disconnects in-connection peers that are not
// permanent (hasPinged ∨ isLocal) or stuck connecting, and whose
// stateChange is older than frustratingTimeout.
func (s *Scheduler) disconnectFrustrating(ctx context.Context, now time.Time) {
	for _, p := range s.deps.Query.PeersInConnection() {
		permanent := query.HasPinged(p.Record) || isLocal(p.Record)
		stuckConnecting := p.State == hub.Connecting
		if permanent && !stuckConnecting {
			continue
		}
		if now.Sub(time.UnixMilli(p.Record.StateChange)) < frustratingTimeout {
			continue
		}
		_ = s.deps.Hub.Disconnect(ctx, p.Address)
	}
}

// disconnectLongLivedInternet disconnects long-lived internet
// connections (type ∉ {bt, lan}) older than 1h.
func (s *Scheduler) disconnectLongLivedInternet(ctx context.Context, now time.Time) {
	for _, p := range s.deps.Query.PeersInConnection() {
		if p.Record.Type == peer.TypeBT || p.Record.Type == peer.TypeLAN {
			continue
		}
		if now.Sub(time.UnixMilli(p.Record.StateChange)) < longLivedInternetTTL {
			continue
		}
		_ = s.deps.Hub.Disconnect(ctx, p.Address)
	}
}

func recordToPatch(r *peer.Record) peer.Patch {
	autoconnect := r.Autoconnect
	return peer.Patch{
		Key:         r.Key,
		Host:        r.Host,
		Port:        r.Port,
		Source:      r.Source,
		Type:        r.Type,
		Autoconnect: &autoconnect,
	}
}

func shuffle(peers []query.Peer, r capability.Random) {
	for i := len(peers) - 1; i > 0; i-- {
		j := int(r.Float64() * float64(i+1))
		peers[i], peers[j] = peers[j], peers[i]
	}
}
