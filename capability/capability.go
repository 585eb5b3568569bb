// Package capability defines the optional collaborators the scheduler
// accepts by construction: the social graph, the message log, and the
// three discovery sources (pub, LAN, Bluetooth). The social graph and
// the message log have null-object defaults (NullSocialGraph,
// NullMessageLog) that the scheduler substitutes when none is supplied;
// a discovery source left nil is not started.
package capability

import (
	"context"
	"time"

	"github.com/gossipmesh/connd/address"
)

// SocialGraph yields hop counts per key: −1 blocked, 0 self, 1 direct
// follow, >1 friend-of-friend. A missing SocialGraph is a capability
// gap; NullSocialGraph has no hops entry for any key (it returns 0,
// false), so every key is treated as neither followed nor blocked
// rather than favoring or punishing peers.
type SocialGraph interface {
	// Ready reports whether the hops table has finished its initial
	// load; updateNow is suppressed while it has not.
	Ready() bool
	Hops(key address.FeedId) (int, bool)
}

type nullSocialGraph struct{}

func (nullSocialGraph) Ready() bool                               { return true }
func (nullSocialGraph) Hops(address.FeedId) (int, bool)           { return 0, false }

// NullSocialGraph is the default SocialGraph when none is configured.
var NullSocialGraph SocialGraph = nullSocialGraph{}

// MessageLog is the out-of-scope message store; the scheduler only
// needs its readiness and a "did a message just arrive" heuristic used
// to suppress ticks during an active download.
type MessageLog interface {
	Ready() bool
	LastMessageAt() time.Time
}

type nullMessageLog struct{}

func (nullMessageLog) Ready() bool                { return true }
func (nullMessageLog) LastMessageAt() time.Time   { return time.Time{} }

// NullMessageLog is the default MessageLog when none is configured.
var NullMessageLog MessageLog = nullMessageLog{}

// PubMessage is one `type=='pub'` message observed on the log.
type PubMessage struct {
	Address address.Address
}

// Pubs streams pub-announcement messages from the message log.
type Pubs interface {
	// Subscribe returns a channel of pub messages and a cancel func.
	Subscribe(ctx context.Context) (<-chan PubMessage, func())
}

// LANDiscovery streams LAN beacon announcements.
type LANDiscovery struct {
	Address  address.Address
	Verified bool
}

type LAN interface {
	Subscribe(ctx context.Context) (<-chan LANDiscovery, func())
}

// BluetoothDevice is one nearby-device observation.
type BluetoothDevice struct {
	MACNoColons string
	Key         address.FeedId
}

// Bluetooth streams nearby-device observations. Subscribe takes no
// poll interval.
type Bluetooth interface {
	Subscribe(ctx context.Context) (<-chan BluetoothDevice, func())
}

// Network answers the canBeConnected predicate's "hasNetwork()" check.
type Network interface {
	HasNetwork() bool
}

// Random is the injectable RNG capability: the scheduler's period fuzz
// and shuffle chance both go through it so tests can seed determinism.
type Random interface {
	Float64() float64
}

// Clock abstracts wall-clock time so tests can control "now" instead
// of sleeping.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the default Clock, backed by time.Now.
var SystemClock Clock = systemClock{}
