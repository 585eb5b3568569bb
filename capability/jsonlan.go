package capability

import (
	"context"
	"sync"

	"github.com/tidwall/gjson"

	"github.com/gossipmesh/connd/address"
)

// JSONLAN implements LAN over loosely-structured {"address":...,
// "verified":...} beacon payloads, the shape LAN broadcast transports
// in the wild tend to use. Feed raw bytes as they arrive; malformed or
// partial payloads are dropped rather than failing the whole batch,
// since a beacon stream is inherently best-effort.
type JSONLAN struct {
	mu   sync.Mutex
	subs map[int]chan LANDiscovery
	next int
}

// NewJSONLAN constructs an empty JSONLAN feed.
func NewJSONLAN() *JSONLAN {
	return &JSONLAN{subs: make(map[int]chan LANDiscovery)}
}

func (j *JSONLAN) Subscribe(ctx context.Context) (<-chan LANDiscovery, func()) {
	j.mu.Lock()
	j.next++
	id := j.next
	ch := make(chan LANDiscovery, 16)
	j.subs[id] = ch
	j.mu.Unlock()
	return ch, func() {
		j.mu.Lock()
		defer j.mu.Unlock()
		if c, ok := j.subs[id]; ok {
			close(c)
			delete(j.subs, id)
		}
	}
}

// Feed parses one beacon payload and fans it out to every subscriber.
// A payload missing a valid "address" string is silently dropped.
func (j *JSONLAN) Feed(raw []byte) {
	result := gjson.ParseBytes(raw)
	addrVal := result.Get("address")
	if !addrVal.Exists() || addrVal.String() == "" {
		return
	}
	disc := LANDiscovery{
		Address:  address.Address(addrVal.String()),
		Verified: result.Get("verified").Bool(),
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, ch := range j.subs {
		select {
		case ch <- disc:
		default:
		}
	}
}
