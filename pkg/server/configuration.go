package server

import (
	"bytes"

	"github.com/StoreStation/EmberCraft/pkg/chat"
	"github.com/StoreStation/EmberCraft/pkg/protocol"
)

// ConfigurationListener drives the configuration phase: collect client
// settings, then finish and hand the cookie to a fresh game listener. Also
// entered from play on a reconfigure, which is why it takes the cookie
// rather than building one.
type ConfigurationListener struct {
	srv    *Server
	conn   *Connection
	common commonListener

	finishSent bool
}

// NewConfigurationListener creates the configuration-phase listener.
func NewConfigurationListener(srv *Server, conn *Connection, cookie Cookie) *ConfigurationListener {
	log := conn.log.Named("configuration")
	return &ConfigurationListener{
		srv:    srv,
		conn:   conn,
		common: newCommonListener(srv, conn, log, cookie),
	}
}

// begin installs this listener on the connection and starts configuration.
func (c *ConfigurationListener) begin() {
	c.conn.SetListener(protocol.PhaseConfiguration, c)
	c.sendFinish()
}

// sendFinish asks the client to conclude configuration. Registry payloads
// are opaque to the pipeline and omitted.
func (c *ConfigurationListener) sendFinish() {
	finish := protocol.MarshalPacket(protocol.ClientboundConfigFinishID, func(*bytes.Buffer) {})
	if err := c.conn.Send(finish); err != nil {
		c.conn.Close()
		return
	}
	c.finishSent = true
	// Outbound moves ahead; inbound waits for the finish acknowledgement.
	c.conn.SetOutboundPhase(protocol.PhasePlay)
}

func (c *ConfigurationListener) Phase() protocol.Phase { return protocol.PhaseConfiguration }

func (c *ConfigurationListener) Tick() {
	c.common.tickKeepAlive(protocol.ClientboundConfigKeepAliveID)
}

func (c *ConfigurationListener) OnDisconnect(chat.Message) {}

func (c *ConfigurationListener) Handle(pkt *protocol.Packet) {
	c.srv.assertTickThread("handleConfiguration")
	switch pkt.ID {
	case protocol.ConfigClientInfoID:
		c.handleClientInfo(pkt)
	case protocol.ConfigKeepAliveID:
		c.common.handleKeepAlive(pkt)
	case protocol.ConfigFinishAckID:
		c.handleFinishAck()
	}
}

func (c *ConfigurationListener) handleClientInfo(pkt *protocol.Packet) {
	r := bytes.NewReader(pkt.Data)
	locale, err := protocol.ReadString(r)
	if err != nil {
		c.common.disconnect(chat.Text("Malformed client information"))
		return
	}
	viewDistance, err := protocol.ReadByte(r)
	if err != nil {
		c.common.disconnect(chat.Text("Malformed client information"))
		return
	}
	chatVisible, err := protocol.ReadBool(r)
	if err != nil {
		c.common.disconnect(chat.Text("Malformed client information"))
		return
	}
	c.common.cookie.ClientInfo = ClientInfo{
		Locale:       locale,
		ViewDistance: viewDistance,
		ChatVisible:  chatVisible,
	}
}

func (c *ConfigurationListener) handleFinishAck() {
	if !c.finishSent {
		c.common.disconnect(chat.Text("Unexpected configuration acknowledgement"))
		return
	}
	cookie := c.common.cookie
	cookie.Latency = c.common.latency

	game := NewGameListener(c.srv, c.conn, cookie)
	game.begin()
}
