package server

import (
	"crypto/ed25519"
	"time"

	"github.com/StoreStation/EmberCraft/pkg/auth"
)

// ConnectionType is the compatibility class detected from the handshake
// address marker.
type ConnectionType int

const (
	ConnectionVanilla ConnectionType = iota
	ConnectionModded
)

// ClientInfo holds the display settings the client reports during
// configuration.
type ClientInfo struct {
	Locale       string
	ViewDistance byte
	ChatVisible  bool
}

// Cookie is the immutable state bundle carried across phase transitions:
// created at the end of login, threaded through configuration into play, and
// back to configuration on a reconfigure. Copied, never shared.
type Cookie struct {
	Profile     auth.GameProfile
	Latency     time.Duration
	ClientInfo  ClientInfo
	Transferred bool
	Type        ConnectionType

	// SessionKey is the client's chat-session public key, once announced.
	// Nil until the session update arrives.
	SessionKey ed25519.PublicKey
}
