// Package transport opens authenticated device sessions and moves raw bytes.
// It knows nothing about whitelists, parsing or retries; the fleet engine
// owns those. One Session maps to one device connection and is serialized:
// a CLI channel cannot interleave two commands.
package transport

import (
	"context"
	"time"

	"olav/internal/inventory"
)

// Session is one open channel to a device.
type Session interface {
	// Send issues one operation and returns the raw reply. Serialized per
	// session; the timeout covers the whole round trip.
	Send(ctx context.Context, op string, timeout time.Duration) (string, error)
	// Close tears the session down. Safe to call twice.
	Close() error
}

// Transport dials devices of one protocol family.
type Transport interface {
	// Open connects and authenticates. Credential failures surface as
	// KindAuth, network failures as KindTransport.
	Open(ctx context.Context, device inventory.Device, creds Credentials) (Session, error)
	// Name identifies the protocol ("ssh", "netconf", "mock").
	Name() string
}

// Options tunes transport behavior.
type Options struct {
	ConnectTimeout time.Duration
	// KnownHostsPath enables strict host key checking when set; unset
	// accepts any host key (lab posture).
	KnownHostsPath string
	// Port overrides the protocol default (22 for SSH, 830 for NETCONF).
	Port int
}

// Credentials is key material resolved just-in-time from a reference. Never
// persisted by the core.
type Credentials struct {
	Username   string
	Password   string
	PrivateKey []byte
}

// CredentialProvider resolves a device's credentials_ref.
type CredentialProvider interface {
	Lookup(ref string) (Credentials, error)
}
