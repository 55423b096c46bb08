package server

import (
	"bytes"
	"strings"

	"go.uber.org/zap"

	"github.com/StoreStation/EmberCraft/pkg/chat"
	"github.com/StoreStation/EmberCraft/pkg/protocol"
)

// HandshakeListener handles the single intention packet that opens every
// connection and routes it to status or login.
type HandshakeListener struct {
	srv  *Server
	conn *Connection
	log  *zap.Logger
}

// NewHandshakeListener creates the initial listener for a fresh connection.
func NewHandshakeListener(srv *Server, conn *Connection) *HandshakeListener {
	return &HandshakeListener{srv: srv, conn: conn, log: conn.log.Named("handshake")}
}

func (h *HandshakeListener) Phase() protocol.Phase { return protocol.PhaseHandshake }

func (h *HandshakeListener) Tick() {}

func (h *HandshakeListener) OnDisconnect(chat.Message) {}

func (h *HandshakeListener) Handle(pkt *protocol.Packet) {
	h.srv.assertTickThread("handleIntention")
	r := bytes.NewReader(pkt.Data)

	version, _, err := protocol.ReadVarInt(r)
	if err != nil {
		h.conn.Close()
		return
	}
	address, err := protocol.ReadString(r)
	if err != nil {
		h.conn.Close()
		return
	}
	if _, err := protocol.ReadUint16(r); err != nil {
		h.conn.Close()
		return
	}
	rawIntention, _, err := protocol.ReadVarInt(r)
	if err != nil {
		h.conn.Close()
		return
	}

	intention, err := protocol.ParseIntention(rawIntention)
	if err != nil {
		h.log.Warn("bad handshake", zap.Error(err))
		h.conn.Close()
		return
	}

	connType := ConnectionVanilla
	if idx := strings.IndexByte(address, 0); idx >= 0 {
		// A NUL-delimited marker after the address is a mod-loader
		// compatibility tag.
		connType = ConnectionModded
	}

	switch intention {
	case protocol.IntentionStatus:
		h.conn.SetListener(protocol.PhaseStatus, NewStatusListener(h.srv, h.conn))

	case protocol.IntentionLogin:
		if version != protocol.ProtocolVersion {
			reason := chat.Textf("Outdated server! I'm still on %s", protocol.GameVersion)
			if version < protocol.ProtocolVersion {
				reason = chat.Textf("Outdated client! Please use %s", protocol.GameVersion)
			}
			h.conn.SetListener(protocol.PhaseLogin, NewLoginListener(h.srv, h.conn, false, connType))
			h.conn.Disconnect(reason)
			return
		}
		h.conn.SetListener(protocol.PhaseLogin, NewLoginListener(h.srv, h.conn, false, connType))

	case protocol.IntentionTransfer:
		// Transferred clients already negotiated the version with the
		// sending server; no re-check.
		h.conn.SetListener(protocol.PhaseLogin, NewLoginListener(h.srv, h.conn, true, connType))
	}
}
