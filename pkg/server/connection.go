package server

import (
	"bufio"
	"bytes"
	"crypto/cipher"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	uatomic "go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/StoreStation/EmberCraft/pkg/chat"
	"github.com/StoreStation/EmberCraft/pkg/crypto"
	"github.com/StoreStation/EmberCraft/pkg/protocol"
)

const inboxSize = 256

// PacketListener handles inbound packets for one protocol phase. Handle and
// Tick run on the server tick thread only.
type PacketListener interface {
	Phase() protocol.Phase
	Handle(pkt *protocol.Packet)
	Tick()
	OnDisconnect(reason chat.Message)
}

// Connection owns one client channel: framing, optional encryption and
// compression, the active phase listener pair, and the inbox the read
// goroutine fills for the tick thread to drain. It is created on accept and
// destroyed on disconnect; apart from the inbox handoff it is not shared
// across threads.
type Connection struct {
	netConn   net.Conn
	log       *zap.Logger
	inProcess bool

	readTimeout time.Duration
	reader      *cipherReader
	threshold   *uatomic.Int32

	mu        sync.Mutex // guards everything below
	writer    *cipherWriter
	bw        *bufio.Writer
	suspended bool
	inPhase   protocol.Phase
	outPhase  protocol.Phase
	listener  PacketListener

	inbox chan *protocol.Packet

	closed   *uatomic.Bool
	closedAt *uatomic.Time
	tornDown *uatomic.Bool

	// sendFilter vets every outbound packet before transmission
	// (registration/compatibility hook owned by the embedder).
	sendFilter func(*protocol.Packet) error
}

// NewConnection wraps an accepted channel. r is the framing reader (pass nil
// to read straight off the conn; the accept path hands in its peek buffer).
// inProcess marks the singleplayer host pipe, which is exempt from
// keep-alive checks and accept throttling.
func NewConnection(netConn net.Conn, r io.Reader, log *zap.Logger, inProcess bool, readTimeout time.Duration) *Connection {
	if r == nil {
		r = bufio.NewReader(netConn)
	}
	bw := bufio.NewWriter(netConn)
	c := &Connection{
		netConn:     netConn,
		log:         log.With(zap.String("remote", netConn.RemoteAddr().String())),
		inProcess:   inProcess,
		readTimeout: readTimeout,
		reader:      &cipherReader{r: r},
		threshold:   uatomic.NewInt32(-1),
		bw:          bw,
		writer:      &cipherWriter{w: bw},
		inPhase:     protocol.PhaseHandshake,
		outPhase:    protocol.PhaseHandshake,
		inbox:       make(chan *protocol.Packet, inboxSize),
		closed:      uatomic.NewBool(false),
		closedAt:    uatomic.NewTime(time.Time{}),
		tornDown:    uatomic.NewBool(false),
	}
	return c
}

// InProcess reports whether this is the in-process host connection.
func (c *Connection) InProcess() bool { return c.inProcess }

// RemoteAddr returns the peer address.
func (c *Connection) RemoteAddr() net.Addr { return c.netConn.RemoteAddr() }

// SetSendFilter installs the outbound compatibility check.
func (c *Connection) SetSendFilter(f func(*protocol.Packet) error) {
	c.mu.Lock()
	c.sendFilter = f
	c.mu.Unlock()
}

// SetListener atomically switches both phases and the active listener.
// Called only on the thread owning the transition.
func (c *Connection) SetListener(phase protocol.Phase, l PacketListener) {
	c.mu.Lock()
	c.inPhase = phase
	c.outPhase = phase
	c.listener = l
	c.mu.Unlock()
}

// SetOutboundPhase moves only the outbound side, used during the login and
// reconfiguration switch windows while the inbound side awaits the client's
// acknowledgement.
func (c *Connection) SetOutboundPhase(phase protocol.Phase) {
	c.mu.Lock()
	c.outPhase = phase
	c.mu.Unlock()
}

// InboundPhase returns the active inbound phase.
func (c *Connection) InboundPhase() protocol.Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inPhase
}

// OutboundPhase returns the active outbound phase.
func (c *Connection) OutboundPhase() protocol.Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outPhase
}

// EnableEncryption installs the session ciphers derived from the login
// shared secret.
func (c *Connection) EnableEncryption(secret []byte) error {
	encrypt, decrypt, err := crypto.NewSessionCiphers(secret)
	if err != nil {
		return fmt.Errorf("derive session ciphers: %w", err)
	}
	c.reader.setStream(decrypt)
	c.mu.Lock()
	c.writer.stream = encrypt
	c.mu.Unlock()
	return nil
}

// SetCompression enables compression above the given threshold for both
// directions.
func (c *Connection) SetCompression(threshold int) {
	c.threshold.Store(int32(threshold))
}

// Send queues a packet for transmission. The packet passes the send filter
// first; filter rejection is an error, not a disconnect.
func (c *Connection) Send(pkt *protocol.Packet) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sendLocked(pkt)
}

func (c *Connection) sendLocked(pkt *protocol.Packet) error {
	if c.closed.Load() {
		return fmt.Errorf("send packet 0x%02X: connection closed", pkt.ID)
	}
	if c.sendFilter != nil {
		if err := c.sendFilter(pkt); err != nil {
			return fmt.Errorf("send packet 0x%02X: %w", pkt.ID, err)
		}
	}
	if err := protocol.WritePacket(c.writer, pkt, int(c.threshold.Load())); err != nil {
		return fmt.Errorf("send packet 0x%02X: %w", pkt.ID, err)
	}
	if !c.suspended {
		return c.bw.Flush()
	}
	return nil
}

// SendTerminal queues a packet and immediately begins the close sequence,
// before the flush even completes.
func (c *Connection) SendTerminal(pkt *protocol.Packet, reason chat.Message) {
	c.mu.Lock()
	c.suspended = false
	if err := c.sendLocked(pkt); err != nil {
		c.log.Debug("terminal packet not delivered", zap.Error(err))
	}
	c.mu.Unlock()
	c.close(reason)
}

// SuspendSending buffers outbound packets without flushing, letting the
// owning thread batch bursty generation (chunk batches) into one syscall.
func (c *Connection) SuspendSending() {
	c.mu.Lock()
	c.suspended = true
	c.mu.Unlock()
}

// ResumeSending flushes the buffered run and returns to flush-per-send.
func (c *Connection) ResumeSending() {
	c.mu.Lock()
	c.suspended = false
	err := c.bw.Flush()
	c.mu.Unlock()
	if err != nil {
		c.log.Debug("flush after resume failed", zap.Error(err))
	}
}

// Disconnect sends the phase-appropriate disconnect packet with a
// user-visible reason and closes the connection.
func (c *Connection) Disconnect(reason chat.Message) {
	var id int32 = -1
	switch c.OutboundPhase() {
	case protocol.PhaseLogin:
		id = protocol.ClientboundLoginDisconnectID
	case protocol.PhaseConfiguration:
		id = protocol.ClientboundConfigDisconnectID
	case protocol.PhasePlay:
		id = protocol.ClientboundPlayDisconnectID
	}
	if id < 0 {
		c.close(reason)
		return
	}
	pkt := protocol.MarshalPacket(id, func(w *bytes.Buffer) {
		protocol.WriteString(w, reason.String())
	})
	c.SendTerminal(pkt, reason)
}

// close begins the close sequence: the connection is marked closed at once,
// but the socket stays up briefly so a terminal packet can drain. A closed
// connection that has not torn down within the grace window is forced down
// by the connection listener's tick.
func (c *Connection) close(reason chat.Message) {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.closedAt.Store(time.Now())
	c.mu.Lock()
	l := c.listener
	c.mu.Unlock()
	if l != nil {
		l.OnDisconnect(reason)
	}
}

// Teardown closes the underlying socket. Idempotent.
func (c *Connection) Teardown() {
	if !c.tornDown.CompareAndSwap(false, true) {
		return
	}
	c.netConn.Close()
}

// TornDown reports whether the socket has been closed.
func (c *Connection) TornDown() bool { return c.tornDown.Load() }

// Close tears the connection down without a reason packet.
func (c *Connection) Close() {
	c.close(chat.Text("Connection closed"))
	c.Teardown()
}

// Closed reports whether the close sequence has begun.
func (c *Connection) Closed() bool { return c.closed.Load() }

// ClosedSince returns when the close sequence began (zero if open).
func (c *Connection) ClosedSince() time.Time { return c.closedAt.Load() }

// ReadLoop decodes frames off the wire and hands packets to the tick thread
// through the inbox. Runs on its own goroutine; never touches game state.
func (c *Connection) ReadLoop() {
	for !c.closed.Load() {
		if c.readTimeout > 0 {
			c.netConn.SetReadDeadline(time.Now().Add(c.readTimeout))
		}
		pkt, err := protocol.ReadPacket(c.reader, int(c.threshold.Load()))
		if err != nil {
			if !c.closed.Load() && err != io.EOF {
				c.log.Debug("read loop ended", zap.Error(err))
			}
			c.Close()
			return
		}
		select {
		case c.inbox <- pkt:
		default:
			// A client outrunning a full inbox is flooding; drop it.
			c.log.Warn("inbox overflow, dropping connection")
			c.Close()
			return
		}
	}
}

// Tick drains the inbox in receipt order, dispatching each packet to the
// active listener after the phase validity check, then ticks the listener.
// Runs on the server tick thread.
func (c *Connection) Tick() {
	for {
		select {
		case pkt := <-c.inbox:
			c.dispatch(pkt)
		default:
			c.mu.Lock()
			l := c.listener
			c.mu.Unlock()
			if l != nil && !c.closed.Load() {
				l.Tick()
			}
			return
		}
		if c.closed.Load() {
			return
		}
	}
}

func (c *Connection) dispatch(pkt *protocol.Packet) {
	c.mu.Lock()
	phase := c.inPhase
	l := c.listener
	c.mu.Unlock()
	if l == nil {
		return
	}
	if !phase.AcceptsServerbound(pkt.ID) {
		c.log.Warn("packet outside active phase",
			zap.Int32("id", pkt.ID),
			zap.String("phase", phase.String()))
		c.Disconnect(chat.Text("Invalid packet for protocol phase"))
		return
	}
	l.Handle(pkt)
}

// cipherReader layers an optional decrypting stream under the frame reader.
// The stream is installed once, between the key exchange and the client's
// next encrypted byte.
type cipherReader struct {
	mu     sync.Mutex
	r      io.Reader
	stream cipher.Stream
}

func (cr *cipherReader) setStream(s cipher.Stream) {
	cr.mu.Lock()
	cr.stream = s
	cr.mu.Unlock()
}

func (cr *cipherReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.mu.Lock()
	if cr.stream != nil && n > 0 {
		cr.stream.XORKeyStream(p[:n], p[:n])
	}
	cr.mu.Unlock()
	return n, err
}

type cipherWriter struct {
	w      io.Writer
	stream cipher.Stream
}

func (cw *cipherWriter) Write(p []byte) (int, error) {
	if cw.stream != nil {
		buf := make([]byte, len(p))
		cw.stream.XORKeyStream(buf, p)
		return cw.w.Write(buf)
	}
	return cw.w.Write(p)
}
