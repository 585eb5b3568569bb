// Package glue implements the subscriber that keeps the Hub and
// Staging pools mutually exclusive, reacting to Hub events to evict an
// address from Staging the moment it goes live.
package glue

import (
	"context"
	"sync"

	"github.com/gossipmesh/connd/hub"
	"github.com/gossipmesh/connd/internal/log"
	"github.com/gossipmesh/connd/staging"
)

// Glue subscribes to Hub events and unstages any address that becomes
// connecting/connected, so an address never lives in both the Hub and
// Staging at once. The reverse guard — refusing a Staging insertion for
// an address that is already live — is enforced inside Staging.Stage
// itself via the HubStateSource check, since that guard must be atomic
// with the insert to avoid a race between Glue observing a Stage event
// and a concurrent Connect.
type Glue struct {
	h     *hub.Hub
	stage *staging.Staging
	log   *log.Logger

	cancel func()
	wg     sync.WaitGroup
}

// Start begins the subscriber goroutine. Call Stop to unsubscribe.
func Start(ctx context.Context, h *hub.Hub, stage *staging.Staging) *Glue {
	g := &Glue{h: h, stage: stage, log: log.New("component", "glue")}
	events, cancel := h.Listen()
	g.cancel = cancel
	g.wg.Add(1)
	go g.run(ctx, events)
	return g
}

func (g *Glue) run(ctx context.Context, events <-chan hub.Event) {
	defer g.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Type {
			case hub.EventConnecting, hub.EventConnected:
				g.stage.Unstage(ev.Address)
			}
		}
	}
}

// Stop unsubscribes from the Hub and waits for the goroutine to exit.
func (g *Glue) Stop() {
	if g.cancel != nil {
		g.cancel()
	}
	g.wg.Wait()
}

