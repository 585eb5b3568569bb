package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gossipmesh/connd/address"
	"github.com/gossipmesh/connd/peer"
)

func openTestDB(t *testing.T) *AddressBook {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "addressbook"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSetAndGet(t *testing.T) {
	db := openTestDB(t)
	addr := address.Address("net:a:1~shs:k")

	rec := db.Set(addr, peer.Patch{Key: address.FeedId("@k.ed25519"), Host: "a"})
	require.Equal(t, address.FeedId("@k.ed25519"), rec.Key)

	got, ok := db.Get(addr)
	require.True(t, ok)
	require.Equal(t, "a", got.Host)
}

func TestSetMergesOverExisting(t *testing.T) {
	db := openTestDB(t)
	addr := address.Address("net:a:1~shs:k")

	db.Set(addr, peer.Patch{Key: address.FeedId("@k.ed25519"), Host: "a"})
	db.Set(addr, peer.Patch{Port: "9999"})

	got, _ := db.Get(addr)
	require.Equal(t, "a", got.Host, "host from the first patch must survive")
	require.Equal(t, "9999", got.Port)
}

func TestDeleteRemoves(t *testing.T) {
	db := openTestDB(t)
	addr := address.Address("net:a:1~shs:k")
	db.Set(addr, peer.Patch{Key: address.FeedId("@k.ed25519")})

	db.Delete(addr)
	_, ok := db.Get(addr)
	require.False(t, ok)
}

func TestGetAddressForId(t *testing.T) {
	db := openTestDB(t)
	addr := address.Address("net:a:1~shs:k")
	key := address.FeedId("@k.ed25519")
	db.Set(addr, peer.Patch{Key: key})

	got, ok := db.GetAddressForId(key)
	require.True(t, ok)
	require.Equal(t, addr, got)

	_, ok = db.GetAddressForId(address.FeedId("@missing.ed25519"))
	require.False(t, ok)
}

func TestCloseReopenRoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "addressbook")
	addr := address.Address("net:a:1~shs:k")
	key := address.FeedId("@k.ed25519")

	db, err := Open(dir, nil)
	require.NoError(t, err)
	db.Set(addr, peer.Patch{Key: key, Host: "a"})
	require.NoError(t, db.Flush())
	require.NoError(t, db.Close())

	reopened, err := Open(dir, nil)
	require.NoError(t, err)
	defer reopened.Close()

	got, ok := reopened.Get(addr)
	require.True(t, ok)
	require.Equal(t, "a", got.Host)
}

type fakeArchiver struct {
	calls []map[address.Address]*peer.Record
}

func (f *fakeArchiver) Archive(ctx context.Context, snapshot map[address.Address]*peer.Record) error {
	f.calls = append(f.calls, snapshot)
	return nil
}

func TestFlushInvokesArchiver(t *testing.T) {
	archiver := &fakeArchiver{}
	db, err := Open(filepath.Join(t.TempDir(), "addressbook"), archiver)
	require.NoError(t, err)
	defer db.Close()

	db.Set(address.Address("net:a:1~shs:k"), peer.Patch{Key: address.FeedId("@k.ed25519")})
	require.NoError(t, db.Flush())

	require.Len(t, archiver.calls, 1)
}
