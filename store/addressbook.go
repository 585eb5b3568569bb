// Package store implements the AddressBook: the durable, cold mapping
// of Address to PeerRecord, backed by goleveldb with delayed-write
// persistence.
package store

import (
	"bytes"
	"context"
	"encoding/gob"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/syndtr/goleveldb/leveldb"

	"github.com/gossipmesh/connd/address"
	"github.com/gossipmesh/connd/internal/log"
	"github.com/gossipmesh/connd/peer"
)

// FlushInterval is the bounded delay allowed between a Set/Delete and
// its durable write.
const FlushInterval = 10 * time.Second

// feedIDCacheSize bounds the reverse FeedId→Address lookup cache used
// by GetAddressForId; it need only be warm for the hot set of peers a
// scheduler actually dials in a session.
const feedIDCacheSize = 4096

// Archiver uploads a cold snapshot of the address book, e.g. to Azure
// Blob Storage. Optional; absence is a capability gap, not an error.
type Archiver interface {
	Archive(ctx context.Context, snapshot map[address.Address]*peer.Record) error
}

// AddressBook is the durable Address→PeerRecord mapping.
type AddressBook struct {
	db       *leveldb.DB
	log      *log.Logger
	archiver Archiver

	mu      sync.RWMutex
	entries map[address.Address]*peer.Record
	dirty   map[address.Address]bool // pending flush; true=upsert, absent+deleted tracked separately
	deleted map[address.Address]bool

	feedCache *lru.Cache

	flushTimer *time.Timer
	flushMu    sync.Mutex

	loaded chan struct{}
}

// Open loads (or creates) the leveldb database at path and returns an
// AddressBook whose initial load has already completed.
func Open(path string, archiver Archiver) (*AddressBook, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	cache, err := lru.New(feedIDCacheSize)
	if err != nil {
		return nil, err
	}
	ab := &AddressBook{
		db:        db,
		log:       log.New("component", "addressbook"),
		archiver:  archiver,
		entries:   make(map[address.Address]*peer.Record),
		dirty:     make(map[address.Address]bool),
		deleted:   make(map[address.Address]bool),
		feedCache: cache,
		loaded:    make(chan struct{}),
	}
	if err := ab.load(); err != nil {
		db.Close()
		return nil, err
	}
	close(ab.loaded)
	return ab, nil
}

func (ab *AddressBook) load() error {
	iter := ab.db.NewIterator(nil, nil)
	defer iter.Release()
	for iter.Next() {
		var rec peer.Record
		if err := gob.NewDecoder(bytes.NewReader(iter.Value())).Decode(&rec); err != nil {
			ab.log.Warn("skipping corrupt address book entry", "key", string(iter.Key()), "err", err)
			continue
		}
		ab.entries[address.Address(iter.Key())] = &rec
	}
	return iter.Error()
}

// Loaded completes when the initial load from persistent storage
// finishes. Open already blocks on it, so in this implementation the
// channel is always already closed; it exists for callers that hold
// an AddressBook reference obtained asynchronously.
func (ab *AddressBook) Loaded() <-chan struct{} { return ab.loaded }

// Set upserts addr, merging data over any existing record, and
// schedules a durable write within FlushInterval.
func (ab *AddressBook) Set(addr address.Address, data peer.Patch) *peer.Record {
	ab.mu.Lock()
	existing := ab.entries[addr]
	rec := existing.Merge(data)
	rec.StateChange = time.Now().UnixMilli()
	ab.entries[addr] = rec
	ab.dirty[addr] = true
	delete(ab.deleted, addr)
	ab.mu.Unlock()

	if rec.Key != "" {
		ab.feedCache.Add(rec.Key, addr)
	}
	ab.scheduleFlush()
	return rec
}

// Delete removes addr and schedules a durable write.
func (ab *AddressBook) Delete(addr address.Address) {
	ab.mu.Lock()
	delete(ab.entries, addr)
	delete(ab.dirty, addr)
	ab.deleted[addr] = true
	ab.mu.Unlock()
	ab.scheduleFlush()
}

// Get returns the record for addr, if any.
func (ab *AddressBook) Get(addr address.Address) (*peer.Record, bool) {
	ab.mu.RLock()
	defer ab.mu.RUnlock()
	rec, ok := ab.entries[addr]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

// Has reports whether addr has an entry.
func (ab *AddressBook) Has(addr address.Address) bool {
	ab.mu.RLock()
	defer ab.mu.RUnlock()
	_, ok := ab.entries[addr]
	return ok
}

// Entry pairs an address with its record, for Entries().
type Entry struct {
	Address address.Address
	Record  *peer.Record
}

// Entries returns a synchronous snapshot of every DB record.
func (ab *AddressBook) Entries() []Entry {
	ab.mu.RLock()
	defer ab.mu.RUnlock()
	out := make([]Entry, 0, len(ab.entries))
	for a, r := range ab.entries {
		out = append(out, Entry{Address: a, Record: r.Clone()})
	}
	return out
}

// GetAddressForId scans entries and returns the first address whose
// key matches id, consulting the reverse-lookup cache first. Used by
// legacy callers that dial by identity rather than by address.
func (ab *AddressBook) GetAddressForId(id address.FeedId) (address.Address, bool) {
	if v, ok := ab.feedCache.Get(id); ok {
		addr := v.(address.Address)
		if ab.Has(addr) {
			return addr, true
		}
		ab.feedCache.Remove(id)
	}
	ab.mu.RLock()
	defer ab.mu.RUnlock()
	for a, r := range ab.entries {
		if r.Key == id {
			return a, true
		}
	}
	return "", false
}

// scheduleFlush coalesces redundant flush requests into a single
// pending timer, mirroring the Hub/Scheduler's updateSoon pattern.
func (ab *AddressBook) scheduleFlush() {
	ab.flushMu.Lock()
	defer ab.flushMu.Unlock()
	if ab.flushTimer != nil {
		return
	}
	ab.flushTimer = time.AfterFunc(FlushInterval, func() {
		ab.flushMu.Lock()
		ab.flushTimer = nil
		ab.flushMu.Unlock()
		if err := ab.flush(); err != nil {
			ab.log.Error("address book flush failed", "err", err)
		}
	})
}

func (ab *AddressBook) flush() error {
	ab.mu.Lock()
	dirty := ab.dirty
	deleted := ab.deleted
	ab.dirty = make(map[address.Address]bool)
	ab.deleted = make(map[address.Address]bool)
	snapshot := make(map[address.Address]*peer.Record, len(ab.entries))
	for a, r := range ab.entries {
		snapshot[a] = r
	}
	ab.mu.Unlock()

	batch := new(leveldb.Batch)
	for addr := range dirty {
		rec, ok := snapshot[addr]
		if !ok {
			continue
		}
		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(rec); err != nil {
			return err
		}
		batch.Put([]byte(addr), buf.Bytes())
	}
	for addr := range deleted {
		batch.Delete([]byte(addr))
	}
	if err := ab.db.Write(batch, nil); err != nil {
		return err
	}
	if ab.archiver != nil {
		if err := ab.archiver.Archive(context.Background(), snapshot); err != nil {
			ab.log.Warn("cold archive upload failed", "err", err)
		}
	}
	return nil
}

// Flush forces any pending writes out immediately. Exposed for tests
// and for an orderly Close.
func (ab *AddressBook) Flush() error {
	ab.flushMu.Lock()
	if ab.flushTimer != nil {
		ab.flushTimer.Stop()
		ab.flushTimer = nil
	}
	ab.flushMu.Unlock()
	return ab.flush()
}

// Close flushes pending writes and closes the underlying database.
func (ab *AddressBook) Close() error {
	if err := ab.Flush(); err != nil {
		ab.log.Error("final flush before close failed", "err", err)
	}
	return ab.db.Close()
}
