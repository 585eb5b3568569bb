// Package address parses and validates the multiserver address format
// used to identify dialable peers: transport:host:port~authMethod:key.
package address

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// Errors returned to callers synchronously (the "validation" error
// kind from the error handling design).
var (
	ErrInvalidAddress = errors.New("address: invalid multiserver address")
	ErrMissingKey     = errors.New("address: missing ed25519 key")
)

// Transport identifies the recognized transport prefixes.
type Transport string

const (
	TransportNet   Transport = "net"
	TransportOnion Transport = "onion"
	TransportBT    Transport = "bt"
	TransportDHT   Transport = "dht"
	TransportLAN   Transport = "lan"
)

func (t Transport) valid() bool {
	switch t {
	case TransportNet, TransportOnion, TransportBT, TransportDHT, TransportLAN:
		return true
	}
	return false
}

// FeedId is the canonical rendering of an ed25519 public key:
// @<base64>.ed25519
type FeedId string

// String implements fmt.Stringer.
func (f FeedId) String() string { return string(f) }

// Key returns the raw base64 payload of the FeedId, without the
// "@" prefix or ".ed25519" suffix.
func (f FeedId) Key() string {
	s := strings.TrimPrefix(string(f), "@")
	s = strings.TrimSuffix(s, ".ed25519")
	return s
}

// Valid reports whprobeer f decodes to a 32-byte ed25519 public key in
// the canonical @<base64>.ed25519 shape.
func (f FeedId) Valid() bool {
	s := string(f)
	if !strings.HasPrefix(s, "@") || !strings.HasSuffix(s, ".ed25519") {
		return false
	}
	raw, err := base64.StdEncoding.DecodeString(f.Key())
	if err != nil {
		return false
	}
	return len(raw) == 32
}

// NewFeedId renders a base64-encoded 32-byte key as a canonical FeedId.
func NewFeedId(base64Key string) FeedId {
	return FeedId("@" + base64Key + ".ed25519")
}

// Address is an opaque, canonical multiserver address string of the
// form transport:host:port~authMethod:key.
type Address string

// Parsed is the decomposed form of an Address.
type Parsed struct {
	Transport  Transport
	Host       string
	Port       string
	AuthMethod string
	Key        string // raw base64 payload, no @ prefix or .ed25519 suffix
}

// FeedId renders the parsed key as a canonical FeedId.
func (p Parsed) FeedId() FeedId { return NewFeedId(p.Key) }

// Parse decomposes an Address into its constituent fields, validating
// the transport, the overall shape, and the key segment. Every address
// must carry an auth:key segment after the "~": a keyless DHT address
// of the form dht:<seed>:<remoteId>~noauth has none and is rejected
// with ErrInvalidAddress. ErrMissingKey is raised when the key segment
// is present but empty.
func Parse(a Address) (Parsed, error) {
	s := string(a)
	main, authPart, ok := cut(s, "~")
	if !ok {
		return Parsed{}, fmt.Errorf("%w: %q missing ~auth:key segment", ErrInvalidAddress, s)
	}

	parts := strings.SplitN(main, ":", 3)
	if len(parts) != 3 {
		return Parsed{}, fmt.Errorf("%w: %q malformed transport:host:port", ErrInvalidAddress, s)
	}
	transport := Transport(parts[0])
	if !transport.valid() {
		return Parsed{}, fmt.Errorf("%w: unrecognized transport %q", ErrInvalidAddress, parts[0])
	}

	authMethod, key, ok := cut(authPart, ":")
	if !ok {
		return Parsed{}, fmt.Errorf("%w: %q malformed auth:key segment", ErrInvalidAddress, s)
	}
	if key == "" {
		return Parsed{}, fmt.Errorf("%w: %s", ErrMissingKey, s)
	}

	return Parsed{
		Transport:  transport,
		Host:       parts[1],
		Port:       parts[2],
		AuthMethod: authMethod,
		Key:        key,
	}, nil
}

// Validate is a convenience wrapper returning only the error.
func Validate(a Address) error {
	_, err := Parse(a)
	return err
}

// Build renders a Parsed back into its canonical Address form.
func Build(p Parsed) Address {
	return Address(fmt.Sprintf("%s:%s:%s~%s:%s", p.Transport, p.Host, p.Port, p.AuthMethod, p.Key))
}

// BluetoothAddress synthesizes a bt:<mac-no-colons>:~shs:<key> address.
// The port segment is empty: Bluetooth addressing has no port, but
// Parse always expects the three-part transport:host:port shape, so it
// is left blank rather than special-cased.
func BluetoothAddress(macNoColons string, base64Key string) Address {
	return Build(Parsed{
		Transport:  TransportBT,
		Host:       macNoColons,
		Port:       "",
		AuthMethod: "shs",
		Key:        base64Key,
	})
}

func cut(s, sep string) (before, after string, found bool) {
	if i := strings.Index(s, sep); i >= 0 {
		return s[:i], s[i+len(sep):], true
	}
	return s, "", false
}
