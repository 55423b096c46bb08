package server

import (
	"bytes"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/StoreStation/EmberCraft/pkg/chat"
	"github.com/StoreStation/EmberCraft/pkg/protocol"
)

// keepAliveInterval is the liveness check cadence shared by the
// configuration and play phases.
const keepAliveInterval = 15 * time.Second

// commonListener carries the behavior every post-login phase shares:
// keep-alive liveness checking, smoothed latency, and disconnect sequencing.
type commonListener struct {
	srv    *Server
	conn   *Connection
	log    *zap.Logger
	cookie Cookie

	keepAlivePending bool
	keepAliveID      int64
	keepAliveSentAt  time.Time
	lastKeepAlive    time.Time
	latency          time.Duration
}

func newCommonListener(srv *Server, conn *Connection, log *zap.Logger, cookie Cookie) commonListener {
	return commonListener{
		srv:           srv,
		conn:          conn,
		log:           log,
		cookie:        cookie,
		lastKeepAlive: time.Now(),
	}
}

// tickKeepAlive runs the liveness check. The in-process host connection is
// exempt: it cannot time out against itself.
func (c *commonListener) tickKeepAlive(keepAliveOut int32) {
	if c.conn.InProcess() {
		return
	}
	now := time.Now()
	if c.keepAlivePending {
		if now.Sub(c.keepAliveSentAt) >= keepAliveInterval {
			c.disconnect(chat.Text("Timed out"))
		}
		return
	}
	if now.Sub(c.lastKeepAlive) < keepAliveInterval {
		return
	}
	c.keepAlivePending = true
	c.keepAliveID = now.UnixMilli() ^ rand.Int63()
	c.keepAliveSentAt = now
	pkt := protocol.MarshalPacket(keepAliveOut, func(w *bytes.Buffer) {
		protocol.WriteInt64(w, c.keepAliveID)
	})
	if err := c.conn.Send(pkt); err != nil {
		c.conn.Close()
	}
}

// handleKeepAlive processes the echoed challenge, folding the round trip
// into a smoothed latency estimate.
func (c *commonListener) handleKeepAlive(pkt *protocol.Packet) {
	r := bytes.NewReader(pkt.Data)
	id, err := protocol.ReadInt64(r)
	if err != nil || !c.keepAlivePending || id != c.keepAliveID {
		c.disconnect(chat.Text("Invalid keep alive"))
		return
	}
	c.keepAlivePending = false
	c.lastKeepAlive = time.Now()
	rtt := time.Since(c.keepAliveSentAt)
	c.latency = (c.latency*3 + rtt) / 4
}

// Latency returns the smoothed round-trip estimate.
func (c *commonListener) Latency() time.Duration { return c.latency }

func (c *commonListener) disconnect(reason chat.Message) {
	c.log.Info("disconnecting", zap.String("reason", reason.String()))
	c.conn.Disconnect(reason)
}
