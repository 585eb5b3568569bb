package capability

import (
	"strings"
	"sync"
	"time"

	gnet "github.com/shirou/gopsutil/net"
)

// GopsutilNetwork implements Network by checking for at least one
// non-loopback interface carrying a valid address. The result is
// cached for 1s: it backs a per-tick predicate and a live interface
// scan is too expensive to repeat on every candidate.
type GopsutilNetwork struct {
	mu       sync.Mutex
	cachedAt time.Time
	cached   bool
}

// NewGopsutilNetwork constructs a Network capability backed by
// gopsutil's interface inventory.
func NewGopsutilNetwork() *GopsutilNetwork {
	return &GopsutilNetwork{}
}

const networkCacheTTL = time.Second

// HasNetwork reports whether any non-loopback interface has at least
// one address.
func (n *GopsutilNetwork) HasNetwork() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if time.Since(n.cachedAt) < networkCacheTTL {
		return n.cached
	}
	ifaces, err := gnet.Interfaces()
	if err != nil {
		// Capability gap: treat as "no network" rather than erroring
		// the scheduler.
		n.cached = false
		n.cachedAt = time.Now()
		return n.cached
	}
	has := false
	for _, iface := range ifaces {
		if strings.Contains(strings.ToLower(iface.Flags), "loopback") {
			continue
		}
		if len(iface.Addrs) > 0 {
			has = true
			break
		}
	}
	n.cached = has
	n.cachedAt = time.Now()
	return n.cached
}
