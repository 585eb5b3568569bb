// Package hub implements the live registry of in-flight connections:
// the "active" pool of the connection-management core. All mutation
// is serialized under a single mutex, so callers never need to reason
// about concurrent state transitions on one address.
package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gossipmesh/connd/address"
	"github.com/gossipmesh/connd/internal/log"
	"github.com/gossipmesh/connd/peer"
)

// State is the connection state machine over an address.
type State int

const (
	Idle State = iota
	Connecting
	Connected
	Disconnected
	ConnectingFailed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	case ConnectingFailed:
		return "connecting-failed"
	default:
		return "unknown"
	}
}

// InConnection reports whether s counts toward peersInConnection().
func (s State) InConnection() bool { return s == Connecting || s == Connected }

// ErrAlreadyConnected is returned by Connect against a live entry.
var ErrAlreadyConnected = errors.New("hub: address already connected")

// ErrShutdown is returned by any operation on a closed Hub.
var ErrShutdown = errors.New("hub: shutdown")

// EventType enumerates the four lifecycle transitions the Hub emits.
type EventType string

const (
	EventConnecting       EventType = "connecting"
	EventConnectingFailed EventType = "connecting-failed"
	EventConnected        EventType = "connected"
	EventDisconnected     EventType = "disconnected"
)

// Event is a single totally-ordered lifecycle transition.
type Event struct {
	Type    EventType
	Address address.Address
	Key     address.FeedId
	Details error // populated for EventConnectingFailed
}

// Conn is the handle a Dialer returns for a live connection. Closing
// it tears down the transport.
type Conn interface {
	Close() error
}

// Dialer is the transport boundary: the Hub never opens a socket or
// performs a cryptographic handshake itself. A real implementation
// lives outside this module; tests use an in-memory fake.
type Dialer interface {
	Dial(ctx context.Context, addr address.Address, data peer.Patch) (Conn, error)
}

type entry struct {
	addr  address.Address
	rec   *peer.Record
	state State
	conn  Conn
}

// Hub is the live connection registry.
type Hub struct {
	dialer Dialer
	log    *log.Logger

	mu      sync.Mutex
	entries map[address.Address]*entry
	closed  bool

	subs map[string]chan Event
	live map[string]chan []Snapshot
}

// Snapshot is a read-only view of one Hub entry, safe to retain.
type Snapshot struct {
	Address address.Address
	Record  *peer.Record
	State   State
}

// New creates a Hub bound to the given Dialer.
func New(dialer Dialer) *Hub {
	return &Hub{
		dialer:  dialer,
		log:     log.New("component", "hub"),
		entries: make(map[address.Address]*entry),
		subs:    make(map[string]chan Event),
		live:    make(map[string]chan []Snapshot),
	}
}

// GetState returns the current state, or (Idle, false) if there is no
// entry for addr.
func (h *Hub) GetState(addr address.Address) (State, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.entries[addr]
	if !ok {
		return Idle, false
	}
	return e.state, true
}

// Entries returns a snapshot of every Hub entry.
func (h *Hub) Entries() []Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snapshotLocked()
}

func (h *Hub) snapshotLocked() []Snapshot {
	out := make([]Snapshot, 0, len(h.entries))
	for addr, e := range h.entries {
		out = append(out, Snapshot{Address: addr, Record: e.rec.Clone(), State: e.state})
	}
	return out
}

// Connect initiates a dial. It marks the entry Connecting and publishes
// that event before dialing, then blocks until the Dialer returns and
// transitions the entry to Connected or ConnectingFailed before
// returning.
func (h *Hub) Connect(ctx context.Context, addr address.Address, data peer.Patch) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrShutdown
	}
	if e, ok := h.entries[addr]; ok && e.state.InConnection() {
		h.mu.Unlock()
		return ErrAlreadyConnected
	}
	now := nowMS()
	rec := (&peer.Record{}).Merge(data)
	rec.StateChange = now
	e := &entry{addr: addr, rec: rec, state: Connecting}
	h.entries[addr] = e
	h.mu.Unlock()

	h.publish(Event{Type: EventConnecting, Address: addr, Key: rec.Key})

	conn, err := h.dialer.Dial(ctx, addr, data)

	h.mu.Lock()
	defer h.mu.Unlock()
	cur, ok := h.entries[addr]
	if !ok || cur != e {
		// disconnected/closed while the dial was in flight.
		if conn != nil {
			_ = conn.Close()
		}
		return err
	}
	cur.rec.StateChange = nowMS()
	if err != nil {
		cur.state = ConnectingFailed
		cur.rec.Failure.Count++
		cur.rec.Failure.LastAttempt = cur.rec.StateChange
		cur.rec.Failure.LastError = err.Error()
		h.publishLocked(Event{Type: EventConnectingFailed, Address: addr, Key: cur.rec.Key, Details: err})
		return err
	}
	cur.state = Connected
	cur.conn = conn
	cur.rec.Failure.Count = 0
	cur.rec.Failure.LastSuccess = cur.rec.StateChange
	cur.rec.Failure.TotalSuccess++
	h.publishLocked(Event{Type: EventConnected, Address: addr, Key: cur.rec.Key})
	return nil
}

// Disconnect tears down the transport and marks the entry
// Disconnected. It is idempotent on addresses without an entry.
func (h *Hub) Disconnect(ctx context.Context, addr address.Address) error {
	h.mu.Lock()
	e, ok := h.entries[addr]
	if !ok {
		h.mu.Unlock()
		return nil
	}
	conn := e.conn
	e.conn = nil
	e.state = Disconnected
	e.rec.StateChange = nowMS()
	key := e.rec.Key
	delete(h.entries, addr)
	h.publishLocked(Event{Type: EventDisconnected, Address: addr, Key: key})
	h.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// Reset forcibly disconnects every entry, used on wakeup/network-change.
func (h *Hub) Reset(ctx context.Context) {
	h.mu.Lock()
	addrs := make([]address.Address, 0, len(h.entries))
	for a := range h.entries {
		addrs = append(addrs, a)
	}
	h.mu.Unlock()
	for _, a := range addrs {
		if err := h.Disconnect(ctx, a); err != nil {
			h.log.Warn("reset: disconnect failed", "address", a, "err", err)
		}
	}
}

// Close permanently shuts the Hub down, cancelling all in-flight
// dials' bookkeeping and rejecting subsequent operations.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	for _, e := range h.entries {
		if e.conn != nil {
			_ = e.conn.Close()
		}
	}
	h.entries = make(map[address.Address]*entry)
	for id, ch := range h.subs {
		close(ch)
		delete(h.subs, id)
	}
	for id, ch := range h.live {
		close(ch)
		delete(h.live, id)
	}
	h.mu.Unlock()
	return nil
}

// Listen returns an event channel plus a Cancel func. The returned
// channel is closed when Close is called; callers must drain or
// Cancel to avoid leaking the subscription.
func (h *Hub) Listen() (<-chan Event, func()) {
	id := uuid.NewString()
	ch := make(chan Event, 64)
	h.mu.Lock()
	h.subs[id] = ch
	h.mu.Unlock()
	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if c, ok := h.subs[id]; ok {
			close(c)
			delete(h.subs, id)
		}
	}
}

// LiveEntries returns a restartable channel emitting the full entry
// set on every change, starting with the current set.
func (h *Hub) LiveEntries() (<-chan []Snapshot, func()) {
	id := uuid.NewString()
	ch := make(chan []Snapshot, 4)
	h.mu.Lock()
	h.live[id] = ch
	initial := h.snapshotLocked()
	h.mu.Unlock()
	ch <- initial
	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if c, ok := h.live[id]; ok {
			close(c)
			delete(h.live, id)
		}
	}
}

// publish acquires the lock and republishes.
func (h *Hub) publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.publishLocked(ev)
}

// publishLocked must be called with h.mu held. Delivery is
// non-blocking: a slow subscriber drops events rather than stalling
// every Hub caller while h.mu is held.
func (h *Hub) publishLocked(ev Event) {
	for id, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.log.Warn("listener backpressure, dropping event", "sub", id, "event", ev.Type)
		}
	}
	snap := h.snapshotLocked()
	for id, ch := range h.live {
		select {
		case ch <- snap:
		default:
			h.log.Warn("liveEntries backpressure, dropping snapshot", "sub", id)
		}
	}
}

func nowMS() int64 { return time.Now().UnixMilli() }

var _ fmt.Stringer = State(0)
