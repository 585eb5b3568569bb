package peer

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gossipmesh/connd/address"
)

func TestMergeDefaultsAutoconnectTrue(t *testing.T) {
	rec := (&Record{}).Merge(Patch{Key: address.FeedId("@k.ed25519")})
	require.True(t, rec.Autoconnect)
}

func TestMergePreservesUnsetFields(t *testing.T) {
	autoTrue := true
	base := (&Record{}).Merge(Patch{
		Key:         address.FeedId("@k.ed25519"),
		Host:        "example.com",
		Autoconnect: &autoTrue,
	})

	verified := true
	patched := base.Merge(Patch{Verified: &verified})

	require.Equal(t, base.Host, patched.Host)
	require.True(t, patched.Autoconnect, "Autoconnect must survive a patch that does not mention it")
	require.True(t, patched.Verified)
}

func TestMergeCanExplicitlyDisableAutoconnect(t *testing.T) {
	autoTrue := true
	base := (&Record{}).Merge(Patch{Autoconnect: &autoTrue})

	autoFalse := false
	patched := base.Merge(Patch{Autoconnect: &autoFalse})

	require.False(t, patched.Autoconnect)
}

func TestCloneIsIndependent(t *testing.T) {
	r := &Record{Key: address.FeedId("@k.ed25519")}
	c := r.Clone()
	c.Key = address.FeedId("@other.ed25519")
	require.NotEqual(t, r.Key, c.Key)
}

func TestValid(t *testing.T) {
	require.False(t, (&Record{}).Valid())
	require.True(t, (&Record{Key: address.FeedId("@k.ed25519")}).Valid())
}
