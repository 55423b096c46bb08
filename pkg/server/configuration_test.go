package server

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/StoreStation/EmberCraft/pkg/protocol"
)

func TestConfigurationFlow(t *testing.T) {
	srv := newTestServer(t, nil)
	conn, packets := newCollectedConn(t)

	cookie := testCookie("Steve")
	c := NewConfigurationListener(srv, conn, cookie)
	c.begin()

	expectPacket(t, packets, protocol.ClientboundConfigFinishID)
	if conn.OutboundPhase() != protocol.PhasePlay {
		t.Fatalf("outbound phase = %s, want play", conn.OutboundPhase())
	}
	if conn.InboundPhase() != protocol.PhaseConfiguration {
		t.Fatalf("inbound phase = %s, want configuration", conn.InboundPhase())
	}

	// Client settings land in the cookie before the finish ack.
	info := protocol.MarshalPacket(protocol.ConfigClientInfoID, func(w *bytes.Buffer) {
		protocol.WriteString(w, "de_de")
		protocol.WriteByte(w, 12)
		protocol.WriteBool(w, false)
	})
	conn.dispatch(info)
	if c.common.cookie.ClientInfo.Locale != "de_de" || c.common.cookie.ClientInfo.ViewDistance != 12 {
		t.Errorf("client info = %+v", c.common.cookie.ClientInfo)
	}

	conn.dispatch(&protocol.Packet{ID: protocol.ConfigFinishAckID})
	if conn.InboundPhase() != protocol.PhasePlay {
		t.Errorf("inbound phase after finish ack = %s, want play", conn.InboundPhase())
	}
	if srv.sessionByID(cookie.Profile.ID) == nil {
		t.Error("game session not registered after configuration")
	}
}

func TestConfigurationUnexpectedFinishAck(t *testing.T) {
	srv := newTestServer(t, nil)
	conn := newDrainedConn(t)

	c := NewConfigurationListener(srv, conn, testCookie("Steve"))
	conn.SetListener(protocol.PhaseConfiguration, c)

	// Finish was never sent; the ack is a protocol violation.
	conn.dispatch(&protocol.Packet{ID: protocol.ConfigFinishAckID})
	if !conn.Closed() {
		t.Error("unsolicited finish ack left the connection open")
	}
}

func TestKeepAliveRoundTrip(t *testing.T) {
	srv := newTestServer(t, nil)
	conn, packets := newCollectedConn(t)

	c := newCommonListener(srv, conn, srv.log, testCookie("Steve"))
	c.lastKeepAlive = time.Now().Add(-keepAliveInterval)

	c.tickKeepAlive(protocol.ClientboundConfigKeepAliveID)
	if !c.keepAlivePending {
		t.Fatal("keep-alive not sent after the interval")
	}
	pkt := expectPacket(t, packets, protocol.ClientboundConfigKeepAliveID)
	id, err := protocol.ReadInt64(bytes.NewReader(pkt.Data))
	if err != nil {
		t.Fatalf("read keep-alive id: %v", err)
	}

	echo := protocol.MarshalPacket(protocol.ConfigKeepAliveID, func(w *bytes.Buffer) {
		protocol.WriteInt64(w, id)
	})
	c.handleKeepAlive(echo)
	if c.keepAlivePending {
		t.Error("keep-alive still pending after a valid echo")
	}
	if conn.Closed() {
		t.Error("valid echo closed the connection")
	}
}

func TestKeepAliveWrongIDDisconnects(t *testing.T) {
	srv := newTestServer(t, nil)
	conn := newDrainedConn(t)

	c := newCommonListener(srv, conn, srv.log, testCookie("Steve"))
	c.lastKeepAlive = time.Now().Add(-keepAliveInterval)
	c.tickKeepAlive(protocol.ClientboundConfigKeepAliveID)

	echo := protocol.MarshalPacket(protocol.ConfigKeepAliveID, func(w *bytes.Buffer) {
		protocol.WriteInt64(w, c.keepAliveID^1)
	})
	c.handleKeepAlive(echo)
	if !conn.Closed() {
		t.Error("mismatched keep-alive echo left the connection open")
	}
}

func TestKeepAliveTimeoutDisconnects(t *testing.T) {
	srv := newTestServer(t, nil)
	conn := newDrainedConn(t)

	c := newCommonListener(srv, conn, srv.log, testCookie("Steve"))
	c.keepAlivePending = true
	c.keepAliveSentAt = time.Now().Add(-2 * keepAliveInterval)

	c.tickKeepAlive(protocol.ClientboundConfigKeepAliveID)
	if !conn.Closed() {
		t.Error("unanswered keep-alive left the connection open")
	}
}

func TestKeepAliveExemptsInProcess(t *testing.T) {
	srv := newTestServer(t, nil)
	clientEnd, serverEnd := net.Pipe()
	t.Cleanup(func() {
		clientEnd.Close()
		serverEnd.Close()
	})
	conn := NewConnection(serverEnd, nil, srv.log, true, 0)

	c := newCommonListener(srv, conn, srv.log, testCookie("Steve"))
	c.keepAlivePending = true
	c.keepAliveSentAt = time.Now().Add(-2 * keepAliveInterval)

	c.tickKeepAlive(protocol.ClientboundConfigKeepAliveID)
	if conn.Closed() {
		t.Error("in-process connection timed out against itself")
	}
}
