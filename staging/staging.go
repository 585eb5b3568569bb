// Package staging implements the ephemeral candidate pool: addresses
// discovered out-of-band that have not yet been promoted into the Hub.
package staging

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gossipmesh/connd/address"
	"github.com/gossipmesh/connd/hub"
	"github.com/gossipmesh/connd/peer"
)

// ErrShutdown is returned by any operation on a closed Staging.
var ErrShutdown = errors.New("staging: shutdown")

// HubStateSource is the subset of *hub.Hub Staging needs to enforce
// "stage must refuse when the address is already live".
type HubStateSource interface {
	GetState(addr address.Address) (hub.State, bool)
}

// Staging is the ephemeral candidate set.
type Staging struct {
	hub HubStateSource

	mu      sync.Mutex
	entries map[address.Address]*peer.Record
	closed  bool

	live map[string]chan []Entry
}

// Entry is a read-only view of one staged address.
type Entry struct {
	Address address.Address
	Record  *peer.Record
}

// New creates a Staging pool that consults hubSrc before inserting.
func New(hubSrc HubStateSource) *Staging {
	return &Staging{
		hub:     hubSrc,
		entries: make(map[address.Address]*peer.Record),
		live:    make(map[string]chan []Entry),
	}
}

// Stage inserts addr if it is not already present and not already
// live in the Hub. Returns whether the insert happened.
func (s *Staging) Stage(addr address.Address, data peer.Patch) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrShutdown
	}
	if _, ok := s.entries[addr]; ok {
		return false, nil
	}
	if st, ok := s.hub.GetState(addr); ok && st.InConnection() {
		return false, nil
	}
	rec := (&peer.Record{}).Merge(data)
	rec.StagingUpdated = time.Now().UnixMilli()
	s.entries[addr] = rec
	s.publishLocked()
	return true, nil
}

// Unstage removes addr, if present.
func (s *Staging) Unstage(addr address.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[addr]; !ok {
		return
	}
	delete(s.entries, addr)
	s.publishLocked()
}

// Get returns the staged record for addr, if any.
func (s *Staging) Get(addr address.Address) (*peer.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.entries[addr]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

// Entries returns a snapshot of every staged address.
func (s *Staging) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Staging) snapshotLocked() []Entry {
	out := make([]Entry, 0, len(s.entries))
	for a, r := range s.entries {
		out = append(out, Entry{Address: a, Record: r.Clone()})
	}
	return out
}

// LiveEntries returns a restartable channel emitting the full staged
// set on every change.
func (s *Staging) LiveEntries() (<-chan []Entry, func()) {
	id := uuid.NewString()
	ch := make(chan []Entry, 4)
	s.mu.Lock()
	s.live[id] = ch
	initial := s.snapshotLocked()
	s.mu.Unlock()
	ch <- initial
	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if c, ok := s.live[id]; ok {
			close(c)
			delete(s.live, id)
		}
	}
}

func (s *Staging) publishLocked() {
	snap := s.snapshotLocked()
	for id, ch := range s.live {
		select {
		case ch <- snap:
		default:
			delete(s.live, id)
			close(ch)
		}
	}
}

// Close drains and rejects in-flight operations.
func (s *Staging) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.entries = make(map[address.Address]*peer.Record)
	for id, ch := range s.live {
		close(ch)
		delete(s.live, id)
	}
	return nil
}
