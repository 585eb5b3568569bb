package address

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseRoundTrip(t *testing.T) {
	key := "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="
	raw := Address("net:example.com:8008~shs:" + key)

	parsed, err := Parse(raw)
	require.NoError(t, err)
	require.Equal(t, TransportNet, parsed.Transport)
	require.Equal(t, "example.com", parsed.Host)
	require.Equal(t, "8008", parsed.Port)
	require.Equal(t, "shs", parsed.AuthMethod)
	require.Equal(t, key, parsed.Key)

	require.Equal(t, raw, Build(parsed))
}

func TestParseInvalid(t *testing.T) {
	cases := []Address{
		"net:example.com:8008",             // missing ~auth:key
		"bogus:example.com:8008~shs:abc",    // unrecognized transport
		"net:example.com~shs:abc",           // malformed transport:host:port
		"net:example.com:8008~shs:",         // missing key
	}
	for _, c := range cases {
		err := Validate(c)
		require.Error(t, err, "expected error for %q", c)
	}
}

func TestFeedIdValid(t *testing.T) {
	valid := NewFeedId("AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=")
	require.True(t, valid.Valid())

	require.False(t, FeedId("not-a-feed-id").Valid())
	require.False(t, FeedId("@short.ed25519").Valid())
}

func TestBluetoothAddress(t *testing.T) {
	addr := BluetoothAddress("aabbccddeeff", "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=")
	parsed, err := Parse(addr)
	require.NoError(t, err)
	require.Equal(t, TransportBT, parsed.Transport)
	require.Equal(t, "aabbccddeeff", parsed.Host)
}
