// Package peer defines the value types shared by every pool: the
// durable address book, the live hub, and the ephemeral staging area.
package peer

import "github.com/gossipmesh/connd/address"

// Source records where a PeerRecord was learned from.
type Source string

const (
	SourceSeed   Source = "seed"
	SourcePub    Source = "pub"
	SourceManual Source = "manual"
	SourceLocal  Source = "local"
	SourceFriend Source = "friend"
	SourceDHT    Source = "dht"
	SourceBT     Source = "bt"
)

func (s Source) Valid() bool {
	switch s {
	case SourceSeed, SourcePub, SourceManual, SourceLocal, SourceFriend, SourceDHT, SourceBT:
		return true
	}
	return false
}

// Type is the policy class of a peer, independent of Source.
type Type string

const (
	TypeInternet Type = "internet"
	TypeLAN      Type = "lan"
	TypeBT       Type = "bt"
	TypePub      Type = "pub"
	TypeRoom     Type = "room"
	TypeDHT      Type = "dht"
)

func (t Type) Valid() bool {
	switch t {
	case TypeInternet, TypeLAN, TypeBT, TypePub, TypeRoom, TypeDHT:
		return true
	}
	return false
}

// PingStats holds rolling round-trip statistics.
type PingStats struct {
	RTT struct {
		Mean *float64 // nil until at least one pong has been observed
	}
}

// FailureStats holds rolling dial-attempt failure bookkeeping used by
// the backoff and class predicates.
type FailureStats struct {
	Count        int    // number of consecutive dial failures
	LastAttempt  int64  // wall-clock ms of the most recent dial attempt
	LastSuccess  int64  // wall-clock ms of the most recent successful connect, 0 if none
	TotalSuccess int    // lifetime count of completed connections
	LastError    string // most recent transport error, for diagnostics only
}

// Duration tracks how long the most recent (or current) connection lasted.
type Duration struct {
	LastMS int64
}

// Record is the value stored in Staging or in the address book (DB).
// It is a plain struct: each pool stores a *Record per address and
// mutates it in place under its own mutex.
type Record struct {
	Key         address.FeedId
	Host        string
	Port        string
	Source      Source
	Type        Type
	Autoconnect bool // default true

	StateChange     int64 // wall-clock ms of last state transition
	StagingUpdated  int64 // wall-clock ms of last staging refresh; staging only

	Failure  FailureStats
	Ping     PingStats
	Duration Duration

	Verified bool
	Note     string
}

// Valid reports whether r carries the one field a valid record must
// have: a key.
func (r *Record) Valid() bool {
	return r != nil && r.Key != ""
}

// Clone returns a deep-enough copy for safe hand-off across pool
// boundaries (snapshots returned by Entries()/liveEntries()).
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

// Patch is a sparse overlay applied by Set/Stage/Connect callers, with
// Go-typed optional fields in place of an untyped data object.
// A nil pointer means "leave as-is".
type Patch struct {
	Key         address.FeedId
	Host        string
	Port        string
	Source      Source
	Type        Type
	Autoconnect *bool
	Verified    *bool
	Note        string
	Ping        *PingStats
	Failure     *FailureStats
}

// Merge applies the non-empty/non-nil fields of patch over r, matching
// the DB's "upsert; merges data over any existing record" contract.
func (r *Record) Merge(patch Patch) *Record {
	base := &Record{Autoconnect: true}
	if r != nil {
		base = r.Clone()
	}
	if patch.Key != "" {
		base.Key = patch.Key
	}
	if patch.Host != "" {
		base.Host = patch.Host
	}
	if patch.Port != "" {
		base.Port = patch.Port
	}
	if patch.Source != "" {
		base.Source = patch.Source
	}
	if patch.Type != "" {
		base.Type = patch.Type
	}
	if patch.Autoconnect != nil {
		base.Autoconnect = *patch.Autoconnect
	}
	if patch.Verified != nil {
		base.Verified = *patch.Verified
	}
	if patch.Note != "" {
		base.Note = patch.Note
	}
	if patch.Ping != nil {
		base.Ping = *patch.Ping
	}
	if patch.Failure != nil {
		base.Failure = *patch.Failure
	}
	return base
}
