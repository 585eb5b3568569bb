// Package query is a read-only façade over the address book, hub, and
// staging pools, offering composable filters and predicates over the
// peers they hold.
package query

import (
	"math"
	"sort"
	"time"

	mapset "github.com/deckarep/golang-set"

	"github.com/gossipmesh/connd/address"
	"github.com/gossipmesh/connd/hub"
	"github.com/gossipmesh/connd/peer"
	"github.com/gossipmesh/connd/staging"
	"github.com/gossipmesh/connd/store"
)

// Peer is one queryable row: an address plus its record, regardless of
// which pool it came from.
type Peer struct {
	Address address.Address
	Record  *peer.Record
	State   hub.State // Idle if the peer is not in the Hub
}

// Origin selects which cold pool peersConnectable draws from.
type Origin int

const (
	OriginDB Origin = iota
	OriginStaging
)

// Query is the read-only join over the three pools.
type Query struct {
	db    *store.AddressBook
	h     *hub.Hub
	stage *staging.Staging
}

// New builds a Query façade over the three pools.
func New(db *store.AddressBook, h *hub.Hub, stage *staging.Staging) *Query {
	return &Query{db: db, h: h, stage: stage}
}

// PeersInConnection returns Hub entries in {connecting, connected}.
func (q *Query) PeersInConnection() []Peer {
	var out []Peer
	for _, e := range q.h.Entries() {
		if e.State.InConnection() {
			out = append(out, Peer{Address: e.Address, Record: e.Record, State: e.State})
		}
	}
	return out
}

// PeersConnected returns Hub entries in {connected} only.
func (q *Query) PeersConnected() []Peer {
	var out []Peer
	for _, e := range q.h.Entries() {
		if e.State == hub.Connected {
			out = append(out, Peer{Address: e.Address, Record: e.Record, State: e.State})
		}
	}
	return out
}

// PeersConnectable returns entries from the chosen pool whose state is
// not connecting/connected.
func (q *Query) PeersConnectable(origin Origin) []Peer {
	var out []Peer
	switch origin {
	case OriginDB:
		for _, e := range q.db.Entries() {
			st, _ := q.h.GetState(e.Address)
			if !st.InConnection() {
				out = append(out, Peer{Address: e.Address, Record: e.Record, State: st})
			}
		}
	case OriginStaging:
		for _, e := range q.stage.Entries() {
			st, _ := q.h.GetState(e.Address)
			if !st.InConnection() {
				out = append(out, Peer{Address: e.Address, Record: e.Record, State: st})
			}
		}
	}
	return out
}

// ---- Predicates: pure functions over a *peer.Record ----

func HasNoAttempts(r *peer.Record) bool {
	return r.Failure.Count == 0 && r.Failure.TotalSuccess == 0 && r.Failure.LastAttempt == 0
}

func HasOnlyFailedAttempts(r *peer.Record) bool {
	return r.Failure.Count >= 1 && r.Failure.TotalSuccess == 0
}

func HasSuccessfulAttempts(r *peer.Record) bool {
	return r.Failure.TotalSuccess >= 1
}

func HasPinged(r *peer.Record) bool {
	return r.Ping.RTT.Mean != nil
}

func IsLegacy(r *peer.Record) bool {
	return HasSuccessfulAttempts(r) && !HasPinged(r)
}

// PassesExpBackoff reports whether now−lastAttempt ≥ min(step·2^failures, max).
func PassesExpBackoff(r *peer.Record, now time.Time, step, max time.Duration) bool {
	if r.Failure.LastAttempt == 0 {
		return true
	}
	backoff := step * time.Duration(math.Pow(2, float64(r.Failure.Count)))
	if backoff > max || backoff < 0 {
		backoff = max
	}
	last := time.UnixMilli(r.Failure.LastAttempt)
	return now.Sub(last) >= backoff
}

// DebounceGroup returns the group key PassesGroupDebounce keys on:
// host, or key when host is absent.
func DebounceGroup(r *peer.Record) string {
	if r.Host != "" {
		return r.Host
	}
	return string(r.Key)
}

// Debouncer tracks, per group, the last time a peer in that group was
// allowed to pass PassesGroupDebounce. It must be reused across calls
// within a single class pass (and typically across ticks) to enforce
// "at most one address per debounce group per min-ms window".
type Debouncer struct {
	lastPass map[string]time.Time
}

// NewDebouncer constructs an empty Debouncer.
func NewDebouncer() *Debouncer {
	return &Debouncer{lastPass: make(map[string]time.Time)}
}

// Passes reports whether the peer's group may pass right now, and if
// so records now as that group's last pass.
func (d *Debouncer) Passes(r *peer.Record, now time.Time, min time.Duration) bool {
	group := DebounceGroup(r)
	last, ok := d.lastPass[group]
	if ok && now.Sub(last) < min {
		return false
	}
	d.lastPass[group] = now
	return true
}

// SortByStateChange stably sorts peers ascending by StateChange.
func SortByStateChange(peers []Peer) {
	sort.SliceStable(peers, func(i, j int) bool {
		return peers[i].Record.StateChange < peers[j].Record.StateChange
	})
}

// Filter returns the subset of peers for which pred returns true.
func Filter(peers []Peer, pred func(*peer.Record) bool) []Peer {
	out := make([]Peer, 0, len(peers))
	for _, p := range peers {
		if pred(p.Record) {
			out = append(out, p)
		}
	}
	return out
}

// Take returns at most n peers.
func Take(peers []Peer, n int) []Peer {
	if n < 0 {
		n = 0
	}
	if n > len(peers) {
		n = len(peers)
	}
	return peers[:n]
}

// Keys collects the FeedId set of a peer slice, for fast membership
// checks against another pool's candidates — e.g. skipping a
// down-pool address that names an identity already live under a
// different address.
func Keys(peers []Peer) mapset.Set {
	s := mapset.NewSet()
	for _, p := range peers {
		s.Add(p.Record.Key)
	}
	return s
}
