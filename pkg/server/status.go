package server

import (
	"bytes"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/StoreStation/EmberCraft/pkg/chat"
	"github.com/StoreStation/EmberCraft/pkg/protocol"
)

// StatusListener answers the status request and ping, then the connection
// ends. Terminal phase: a status connection never proceeds to login.
type StatusListener struct {
	srv       *Server
	conn      *Connection
	log       *zap.Logger
	responded bool
}

// NewStatusListener creates the status-phase listener.
func NewStatusListener(srv *Server, conn *Connection) *StatusListener {
	return &StatusListener{srv: srv, conn: conn, log: conn.log.Named("status")}
}

func (s *StatusListener) Phase() protocol.Phase { return protocol.PhaseStatus }

func (s *StatusListener) Tick() {}

func (s *StatusListener) OnDisconnect(chat.Message) {}

func (s *StatusListener) Handle(pkt *protocol.Packet) {
	switch pkt.ID {
	case protocol.StatusRequestID:
		if s.responded {
			// One response per connection.
			s.conn.Close()
			return
		}
		s.responded = true
		s.sendStatus()

	case protocol.StatusPingID:
		r := bytes.NewReader(pkt.Data)
		payload, err := protocol.ReadInt64(r)
		if err != nil {
			s.conn.Close()
			return
		}
		pong := protocol.MarshalPacket(protocol.ClientboundStatusPongID, func(w *bytes.Buffer) {
			protocol.WriteInt64(w, payload)
		})
		s.conn.Send(pong)
		s.conn.Close()
	}
}

func (s *StatusListener) sendStatus() {
	s.srv.mu.RLock()
	online := len(s.srv.sessions)
	s.srv.mu.RUnlock()

	response := map[string]any{
		"version": map[string]any{
			"name":     protocol.GameVersion,
			"protocol": protocol.ProtocolVersion,
		},
		"players": map[string]any{
			"max":    s.srv.config.MaxPlayers,
			"online": online,
			"sample": []any{},
		},
		"description": map[string]any{
			"text": s.srv.config.MOTD,
		},
	}
	body, err := json.Marshal(response)
	if err != nil {
		s.log.Error("marshal status response", zap.Error(err))
		return
	}
	pkt := protocol.MarshalPacket(protocol.ClientboundStatusResponseID, func(w *bytes.Buffer) {
		protocol.WriteString(w, string(body))
	})
	s.conn.Send(pkt)
}
