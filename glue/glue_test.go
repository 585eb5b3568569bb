package glue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gossipmesh/connd/address"
	"github.com/gossipmesh/connd/hub"
	"github.com/gossipmesh/connd/peer"
	"github.com/gossipmesh/connd/staging"
)

type fakeDialer struct{}

func (fakeDialer) Dial(ctx context.Context, addr address.Address, data peer.Patch) (hub.Conn, error) {
	return noopConn{}, nil
}

type noopConn struct{}

func (noopConn) Close() error { return nil }

func TestGlueUnstagesOnConnect(t *testing.T) {
	h := hub.New(fakeDialer{})
	stage := staging.New(h)

	addr := address.Address("net:a:1~shs:k")
	ok, err := stage.Stage(addr, peer.Patch{Key: address.FeedId("@k.ed25519")})
	require.NoError(t, err)
	require.True(t, ok)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g := Start(ctx, h, stage)
	defer g.Stop()

	require.NoError(t, h.Connect(context.Background(), addr, peer.Patch{}))

	require.Eventually(t, func() bool {
		_, staged := stage.Get(addr)
		return !staged
	}, time.Second, 5*time.Millisecond, "connecting must unstage the address")
}

func TestGlueStopUnsubscribes(t *testing.T) {
	h := hub.New(fakeDialer{})
	stage := staging.New(h)

	ctx := context.Background()
	g := Start(ctx, h, stage)
	g.Stop()
	g.Stop() // idempotent
}
