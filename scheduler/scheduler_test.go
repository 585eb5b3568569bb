package scheduler

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gossipmesh/connd/address"
	"github.com/gossipmesh/connd/capability"
	"github.com/gossipmesh/connd/hub"
	"github.com/gossipmesh/connd/peer"
	"github.com/gossipmesh/connd/query"
	"github.com/gossipmesh/connd/staging"
	"github.com/gossipmesh/connd/store"
	"github.com/gossipmesh/connd/testutil"
)

type alwaysNetwork struct{}

func (alwaysNetwork) HasNetwork() bool { return true }

func newTestScheduler(t *testing.T, dialer *testutil.FakeDialer, conf Config) (*Scheduler, *store.AddressBook, *hub.Hub) {
	t.Helper()
	db, err := store.Open(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	h := hub.New(dialer)
	stage := staging.New(h)
	q := query.New(db, h, stage)

	s := New(Deps{
		DB:      db,
		Hub:     h,
		Staging: stage,
		Query:   q,
		Random:  testutil.FixedRandom{V: 0.9}, // force sort-by-stateChange, not shuffle
		Clock:   testutil.NewFakeClock(time.Now()),
		Network: alwaysNetwork{},
	}, conf)
	return s, db, h
}

// runClass runs the single quota-table row called name, so a test of one
// class is not affected by the other classes a full updateNow evaluates.
func runClass(t *testing.T, s *Scheduler, name string) {
	t.Helper()
	for _, c := range s.classes {
		if c.name == name {
			s.updateClass(context.Background(), c, s.deps.Clock.Now())
			return
		}
	}
	t.Fatalf("no class named %q", name)
}

func TestUpdateClassDialsUpToQuota(t *testing.T) {
	dialer := testutil.NewFakeDialer()
	conf := DefaultConfig()
	conf.GossipAutoPopulate = false
	s, db, h := newTestScheduler(t, dialer, conf)

	for i := 0; i < 5; i++ {
		addr := address.Address("net:host" + string(rune('a'+i)) + ":1~shs:k" + string(rune('a'+i)))
		auto := true
		db.Set(addr, peer.Patch{
			Key:         address.FeedId("@k" + string(rune('a'+i)) + ".ed25519"),
			Host:        "host" + string(rune('a'+i)),
			Port:        "1",
			Type:        peer.TypeRoom,
			Autoconnect: &auto,
		})
	}

	runClass(t, s, "room")

	// The "room" class quota is 10; all 5 candidates should dial.
	require.Len(t, h.Entries(), 5)
}

func TestUpdateClassRespectsBackoff(t *testing.T) {
	dialer := testutil.NewFakeDialer()
	addr := address.Address("net:hosta:1~shs:ka")
	dialer.Fail[addr] = true

	conf := DefaultConfig()
	conf.GossipAutoPopulate = false
	s, db, h := newTestScheduler(t, dialer, conf)

	auto := true
	db.Set(addr, peer.Patch{
		Key:         address.FeedId("@ka.ed25519"),
		Host:        "hosta",
		Port:        "1",
		Type:        peer.TypeRoom,
		Autoconnect: &auto,
	})

	s.updateNow(context.Background())
	require.Equal(t, 1, dialer.DialCount(addr))

	// Immediately re-running must not redial: backoff has not elapsed.
	s.updateNow(context.Background())
	require.Equal(t, 1, dialer.DialCount(addr))

	state, ok := h.GetState(addr)
	require.True(t, ok)
	require.Equal(t, hub.ConnectingFailed, state)
}

func TestUpdateStagingUnstagesBlockedKeys(t *testing.T) {
	dialer := testutil.NewFakeDialer()
	conf := DefaultConfig()
	conf.GossipAutoPopulate = false
	s, _, h := newTestScheduler(t, dialer, conf)
	stage := staging.New(h)
	s.deps.Staging = stage

	blockedKey := address.FeedId("@blocked.ed25519")
	s.deps.Social = blockedSocialGraph{blocked: blockedKey}

	addr := address.Address("net:hosta:1~shs:ka")
	_, err := stage.Stage(addr, peer.Patch{Key: blockedKey})
	require.NoError(t, err)

	s.updateStaging()

	_, ok := stage.Get(addr)
	require.False(t, ok, "a blocked key must be unstaged")
}

type blockedSocialGraph struct {
	blocked address.FeedId
}

func (b blockedSocialGraph) Ready() bool { return true }
func (b blockedSocialGraph) Hops(key address.FeedId) (int, bool) {
	if key == b.blocked {
		return -1, true
	}
	return 0, false
}

func TestUpdateSoonCollapsesRedundantCalls(t *testing.T) {
	dialer := testutil.NewFakeDialer()
	conf := DefaultConfig()
	conf.GossipAutoPopulate = false
	s, _, _ := newTestScheduler(t, dialer, conf)

	s.updateSoon(time.Hour)
	first := s.timer
	s.updateSoon(time.Hour)
	require.Same(t, first, s.timer, "a pending timer must not be replaced by a redundant updateSoon")
}

func TestStartIsIdempotent(t *testing.T) {
	dialer := testutil.NewFakeDialer()
	conf := DefaultConfig()
	conf.GossipAutoPopulate = false
	s, _, _ := newTestScheduler(t, dialer, conf)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, s.Start(ctx))
	require.NoError(t, s.Start(ctx))
	s.Stop(context.Background())
}

// S1: a configured seed address is written to the DB at Start and
// dialed on the next tick.
func TestPopulateSeedsDialsConfiguredSeed(t *testing.T) {
	dialer := testutil.NewFakeDialer()
	conf := DefaultConfig()
	conf.GossipAutoPopulate = true
	conf.Seeds = []string{"net:seedhost:1~shs:kseed"}
	s, db, h := newTestScheduler(t, dialer, conf)

	s.populateSeeds(context.Background())

	rec, ok := db.Get(address.Address("net:seedhost:1~shs:kseed"))
	require.True(t, ok)
	require.Equal(t, peer.SourceSeed, rec.Source)

	s.updateNow(context.Background())
	require.Len(t, h.Entries(), 1)
	require.Equal(t, 1, dialer.DialCount(address.Address("net:seedhost:1~shs:kseed")))
}

type fakeSeedResolver struct {
	addrs []address.Address
	err   error
}

func (f fakeSeedResolver) Resolve(context.Context) ([]address.Address, error) {
	return f.addrs, f.err
}

func TestPopulateSeedsAlsoConsultsSeedResolver(t *testing.T) {
	dialer := testutil.NewFakeDialer()
	conf := DefaultConfig()
	conf.GossipAutoPopulate = true
	s, db, _ := newTestScheduler(t, dialer, conf)
	s.deps.Seeds = fakeSeedResolver{addrs: []address.Address{"net:dnsseed:1~shs:kdns"}}

	s.populateSeeds(context.Background())

	_, ok := db.Get(address.Address("net:dnsseed:1~shs:kdns"))
	require.True(t, ok, "a resolver-supplied seed must be written alongside the static list")
}

// S4: a LAN beacon for a followed key dials immediately instead of
// staging.
func TestLANBeaconForFollowedKeyDialsImmediately(t *testing.T) {
	dialer := testutil.NewFakeDialer()
	conf := DefaultConfig()
	conf.GossipAutoPopulate = false
	s, _, h := newTestScheduler(t, dialer, conf)

	followedKey := address.FeedId("@kfollowed.ed25519")
	s.deps.Social = followedSocialGraph{followed: followedKey}

	addr := address.Address("net:lanhost:1~shs:kfollowed")
	s.handleLANBeacon(context.Background(), capability.LANDiscovery{Address: addr, Verified: true})

	require.Equal(t, 1, dialer.DialCount(addr))
	state, ok := h.GetState(addr)
	require.True(t, ok)
	require.True(t, state.InConnection())

	_, staged := s.deps.Staging.Get(addr)
	require.False(t, staged, "a followed beacon must dial rather than stage")
}

func TestLANBeaconForUnfollowedKeyStages(t *testing.T) {
	dialer := testutil.NewFakeDialer()
	conf := DefaultConfig()
	conf.GossipAutoPopulate = false
	s, _, _ := newTestScheduler(t, dialer, conf)

	addr := address.Address("net:lanhost:1~shs:kstranger")
	s.handleLANBeacon(context.Background(), capability.LANDiscovery{Address: addr, Verified: true})

	require.Equal(t, 0, dialer.DialCount(addr))
	_, staged := s.deps.Staging.Get(addr)
	require.True(t, staged)
}

type followedSocialGraph struct {
	followed address.FeedId
}

func (f followedSocialGraph) Ready() bool { return true }
func (f followedSocialGraph) Hops(key address.FeedId) (int, bool) {
	if key == f.followed {
		return 1, true
	}
	return 0, false
}

// S5: staged LAN/BT entries older than their type's TTL are evicted.
func TestUpdateStagingEvictsExpiredLANAndBluetoothEntries(t *testing.T) {
	dialer := testutil.NewFakeDialer()
	conf := DefaultConfig()
	conf.GossipAutoPopulate = false
	s, _, h := newTestScheduler(t, dialer, conf)
	clock := testutil.NewFakeClock(time.Now())
	s.deps.Clock = clock
	stage := staging.New(h)
	s.deps.Staging = stage

	lanAddr := address.Address("net:lanhost:1~shs:klan")
	btAddr := address.Address("bt:aabbccddeeff:~shs:kbt")
	_, err := stage.Stage(lanAddr, peer.Patch{Key: address.FeedId("@lan.ed25519"), Type: peer.TypeLAN})
	require.NoError(t, err)
	_, err = stage.Stage(btAddr, peer.Patch{Key: address.FeedId("@bt.ed25519"), Type: peer.TypeBT})
	require.NoError(t, err)

	// Short of either TTL: both remain staged.
	clock.Advance(9 * time.Second)
	s.updateStaging()
	_, ok := stage.Get(lanAddr)
	require.True(t, ok)
	_, ok = stage.Get(btAddr)
	require.True(t, ok)

	// Past the LAN TTL (10s) but short of the Bluetooth TTL (30s).
	clock.Advance(5 * time.Second)
	s.updateStaging()
	_, ok = stage.Get(lanAddr)
	require.False(t, ok, "a LAN entry older than its TTL must be unstaged")
	_, ok = stage.Get(btAddr)
	require.True(t, ok)

	// Past the Bluetooth TTL too.
	clock.Advance(20 * time.Second)
	s.updateStaging()
	_, ok = stage.Get(btAddr)
	require.False(t, ok, "a Bluetooth entry older than its TTL must be unstaged")
}

// S6: OnWakeup resets the Hub and schedules a fresh tick.
func TestOnWakeupResetsHubAndSchedulesTick(t *testing.T) {
	dialer := testutil.NewFakeDialer()
	conf := DefaultConfig()
	conf.GossipAutoPopulate = false
	s, _, h := newTestScheduler(t, dialer, conf)

	addr := address.Address("net:hosta:1~shs:ka")
	require.NoError(t, h.Connect(context.Background(), addr, peer.Patch{Key: address.FeedId("@ka.ed25519")}))
	require.Len(t, h.Entries(), 1)

	s.OnWakeup(context.Background())

	require.Empty(t, h.Entries(), "OnWakeup must reset every live connection")

	s.mu.Lock()
	timer := s.timer
	s.mu.Unlock()
	require.NotNil(t, timer, "OnWakeup must schedule a fresh tick")
	s.Stop(context.Background())
}

// Invariant 2: a class with more than twice its quota connected
// disconnects down to quota.
func TestUpdateClassDisconnectsExcessAboveDoubleQuota(t *testing.T) {
	dialer := testutil.NewFakeDialer()
	conf := DefaultConfig()
	conf.GossipAutoPopulate = false
	s, _, h := newTestScheduler(t, dialer, conf)

	// The "room" class quota is 10; connect 21 to trigger the excess
	// disconnect branch (len(up) > 2*quota).
	for i := 0; i < 21; i++ {
		addr := address.Address(fmt.Sprintf("net:room%02d:1~shs:kroom%02d", i, i))
		require.NoError(t, h.Connect(context.Background(), addr, peer.Patch{
			Key:  address.FeedId(fmt.Sprintf("@room%02d.ed25519", i)),
			Type: peer.TypeRoom,
		}))
	}
	require.Len(t, h.Entries(), 21)

	runClass(t, s, "room")

	up := 0
	for _, e := range h.Entries() {
		if e.State.InConnection() {
			up++
		}
	}
	require.Equal(t, 10, up, "excess connections above 2x quota must be disconnected down to quota")
}

// Invariant 7: a class with exactly one free slot rounds up to two
// rather than dialing a single replacement.
func TestUpdateClassNeverDialsJustOneReplacement(t *testing.T) {
	dialer := testutil.NewFakeDialer()
	conf := DefaultConfig()
	conf.GossipAutoPopulate = false
	s, db, h := newTestScheduler(t, dialer, conf)

	// The "room" class quota is 10; 9 already up leaves exactly one
	// free slot, which neverJustOne rounds to two.
	for i := 0; i < 9; i++ {
		addr := address.Address(fmt.Sprintf("net:room%02d:1~shs:kroom%02d", i, i))
		require.NoError(t, h.Connect(context.Background(), addr, peer.Patch{
			Key:  address.FeedId(fmt.Sprintf("@room%02d.ed25519", i)),
			Type: peer.TypeRoom,
		}))
	}

	for i := 0; i < 5; i++ {
		addr := address.Address(fmt.Sprintf("net:cand%02d:1~shs:kcand%02d", i, i))
		auto := true
		db.Set(addr, peer.Patch{
			Key:         address.FeedId(fmt.Sprintf("@cand%02d.ed25519", i)),
			Host:        fmt.Sprintf("cand%02d", i),
			Port:        "1",
			Type:        peer.TypeRoom,
			Autoconnect: &auto,
		})
	}

	runClass(t, s, "room")

	dialed := 0
	for i := 0; i < 5; i++ {
		addr := address.Address(fmt.Sprintf("net:cand%02d:1~shs:kcand%02d", i, i))
		dialed += dialer.DialCount(addr)
	}
	require.Equal(t, 2, dialed, "one free slot must round up to two dials, not one")
}
