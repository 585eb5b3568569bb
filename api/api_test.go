package api

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gossipmesh/connd/address"
	"github.com/gossipmesh/connd/hub"
	"github.com/gossipmesh/connd/peer"
	"github.com/gossipmesh/connd/query"
	"github.com/gossipmesh/connd/staging"
	"github.com/gossipmesh/connd/store"
)

type fakeDialer struct{}

func (fakeDialer) Dial(ctx context.Context, addr address.Address, data peer.Patch) (hub.Conn, error) {
	return noopConn{}, nil
}

type noopConn struct{}

func (noopConn) Close() error { return nil }

func newTestCore(t *testing.T) *Core {
	t.Helper()
	db, err := store.Open(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	h := hub.New(fakeDialer{})
	stage := staging.New(h)
	q := query.New(db, h, stage)
	return &Core{DB: db, Hub: h, Staging: stage, Query: q}
}

func TestRememberAndDBPeers(t *testing.T) {
	c := newTestCore(t)
	addr := address.Address("net:a:1~shs:k")

	c.Remember(addr, peer.Patch{Key: address.FeedId("@k.ed25519")})
	require.Len(t, c.DBPeers(), 1)

	c.Forget(addr)
	require.Empty(t, c.DBPeers())
}

func TestConnectAndPeers(t *testing.T) {
	c := newTestCore(t)
	addr := address.Address("net:a:1~shs:k")

	require.NoError(t, c.Connect(context.Background(), addr, peer.Patch{}))
	require.Len(t, c.Peers(), 1)

	require.NoError(t, c.Disconnect(context.Background(), addr))
	require.Empty(t, c.Peers())
}

func TestStageAndUnstage(t *testing.T) {
	c := newTestCore(t)
	addr := address.Address("net:a:1~shs:k")

	ok, err := c.Stage(addr, peer.Patch{})
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, c.StagedPeers(), 1)

	c.Unstage(addr)
	require.Empty(t, c.StagedPeers())
}

func TestPingUpdatesRollingMean(t *testing.T) {
	c := newTestCore(t)
	addr := address.Address("net:a:1~shs:k")
	c.Remember(addr, peer.Patch{Key: address.FeedId("@k.ed25519")})

	require.NoError(t, c.Ping(addr, 5*time.Minute, 100*time.Millisecond))

	rec, ok := c.DB.Get(addr)
	require.True(t, ok)
	require.NotNil(t, rec.Ping.RTT.Mean)
	require.InDelta(t, 0.1, *rec.Ping.RTT.Mean, 0.001)
}

func TestPingRejectsOverTimeout(t *testing.T) {
	c := newTestCore(t)
	addr := address.Address("net:a:1~shs:k")
	c.Remember(addr, peer.Patch{Key: address.FeedId("@k.ed25519")})

	err := c.Ping(addr, 10*time.Second, time.Minute)
	require.Error(t, err)
}
