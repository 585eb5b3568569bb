package scheduler

import (
	"time"

	"github.com/gossipmesh/connd/peer"
)

// classSpec is one row of the quota table: a predicate over a
// peer.Record plus its quota/backoff/debounce policy.
type classSpec struct {
	name        string
	predicate   func(*peer.Record) bool
	quota       int
	backoffStep time.Duration
	backoffMax  time.Duration
	groupMin    time.Duration
	// onlyIfNoOtherConnections implements the second row of the table:
	// "any — only if peersInConnection is empty".
	onlyIfNoOtherConnections bool
}

// Config is the scheduler's policy configuration, loaded from
// connd.toml.
type Config struct {
	// Path is the DB storage directory (consumed by store.Open before
	// constructing the scheduler; kept here alongside the rest of the
	// on-disk configuration keys).
	Path string

	// ConnAutostart mirrors conn.autostart (default true).
	ConnAutostart bool

	// GossipSeed mirrors gossip.seed (default true): gates the seed class.
	GossipSeed bool
	// GossipPub mirrors gossip.pub (default true): gates pub discovery intake.
	GossipPub bool
	// GossipAutoPopulate mirrors gossip.autoPopulate: gates populating the
	// DB with configured Seeds at Start.
	GossipAutoPopulate bool

	// Seeds pre-populates the DB at Start with source=seed records.
	Seeds []string

	// PingTimeout is timers.ping, clamped to [10s, 30m], default 5m.
	PingTimeout time.Duration

	// TickPeriod is the interval of the regular trigger (2s by
	// default; regularTriggerPeriod when unset). Each firing calls
	// updateSoon with its own default period of 1s.
	TickPeriod time.Duration
}

// DefaultConfig returns the scheduler's built-in defaults, used when a
// config file is absent or leaves a key unset.
func DefaultConfig() Config {
	return Config{
		ConnAutostart:      true,
		GossipSeed:         true,
		GossipPub:          true,
		GossipAutoPopulate: true,
		PingTimeout:        5 * time.Minute,
		TickPeriod:         2 * time.Second,
	}
}

// ClampPingTimeout enforces the [10s, 30m] bound on a configured ping
// timeout.
func ClampPingTimeout(d time.Duration) time.Duration {
	switch {
	case d < 10*time.Second:
		return 10 * time.Second
	case d > 30*time.Minute:
		return 30 * time.Minute
	default:
		return d
	}
}

const (
	updateSoonDefaultPeriod = time.Second
	downloadHeuristicWindow = 500 * time.Millisecond
	regularTriggerPeriod    = 2 * time.Second
	disconnectedTriggerSoon = 200 * time.Millisecond

	lanStagingTTL = 10 * time.Second
	btStagingTTL  = 30 * time.Second

	frustratingTimeout    = 10 * time.Second
	longLivedInternetTTL  = time.Hour
	maxFollowedPromotions = 5
	pubStagedHighWater    = 3
	pubThrottle           = 250 * time.Millisecond
	bluetoothPollInterval = time.Second
)
