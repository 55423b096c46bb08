package server

import (
	"bufio"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// closeGracePeriod bounds how long a closed connection may linger before its
// socket is forced down. Guards against a half-closed peer hanging resources.
const closeGracePeriod = time.Second

// ConnectionListener accepts inbound connections (network and in-process),
// assigns the initial handshake listener, and services every active
// connection once per server tick.
type ConnectionListener struct {
	srv *Server
	log *zap.Logger
	tcp net.Listener

	mu          sync.Mutex
	connections []*Connection
	limiters    map[string]*rate.Limiter

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewConnectionListener creates the listener for a server.
func NewConnectionListener(srv *Server) *ConnectionListener {
	return &ConnectionListener{
		srv:      srv,
		log:      srv.log.Named("listener"),
		limiters: make(map[string]*rate.Limiter),
		stopCh:   make(chan struct{}),
	}
}

// Start begins accepting on the address.
func (l *ConnectionListener) Start(address string) error {
	tcp, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", address, err)
	}
	l.tcp = tcp
	l.log.Info("listening", zap.String("address", address))
	go l.acceptLoop()
	return nil
}

// Stop closes the accept socket and every connection.
func (l *ConnectionListener) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
	if l.tcp != nil {
		l.tcp.Close()
	}
	l.mu.Lock()
	conns := append([]*Connection(nil), l.connections...)
	l.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

func (l *ConnectionListener) acceptLoop() {
	for {
		netConn, err := l.tcp.Accept()
		if err != nil {
			select {
			case <-l.stopCh:
				return
			default:
				l.log.Warn("accept failed", zap.Error(err))
				continue
			}
		}
		if !l.allowAddress(netConn.RemoteAddr()) {
			l.log.Debug("accept throttled", zap.Stringer("remote", netConn.RemoteAddr()))
			netConn.Close()
			continue
		}
		go l.initConnection(netConn)
	}
}

// allowAddress applies the per-address accept quota.
func (l *ConnectionListener) allowAddress(addr net.Addr) bool {
	if l.srv.config.AcceptRateLimit <= 0 {
		return true
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		host = addr.String()
	}
	l.mu.Lock()
	lim, ok := l.limiters[host]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(l.srv.config.AcceptRateLimit), l.srv.config.AcceptBurst)
		l.limiters[host] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

// initConnection peeks for the legacy ping probe, then registers a fresh
// connection in the handshake phase.
func (l *ConnectionListener) initConnection(netConn net.Conn) {
	br := bufio.NewReader(netConn)
	netConn.SetReadDeadline(time.Now().Add(l.srv.config.ReadTimeout))
	first, err := br.Peek(1)
	if err != nil {
		netConn.Close()
		return
	}
	if first[0] == 0xFE {
		l.answerLegacyPing(netConn)
		netConn.Close()
		return
	}

	conn := NewConnection(netConn, br, l.log, false, l.srv.config.ReadTimeout)
	conn.SetListener(conn.InboundPhase(), NewHandshakeListener(l.srv, conn))
	l.register(conn)
	conn.ReadLoop()
}

// AcceptInProcess creates the singleplayer host connection over an in-memory
// pipe and returns the client end.
func (l *ConnectionListener) AcceptInProcess() net.Conn {
	clientEnd, serverEnd := net.Pipe()
	conn := NewConnection(serverEnd, nil, l.log, true, 0)
	conn.SetListener(conn.InboundPhase(), NewHandshakeListener(l.srv, conn))
	l.register(conn)
	go conn.ReadLoop()
	return clientEnd
}

func (l *ConnectionListener) register(conn *Connection) {
	l.mu.Lock()
	l.connections = append(l.connections, conn)
	l.mu.Unlock()
}

// TickAll services every connection on the tick thread, forcing down closed
// connections that outlived the grace window and pruning the dead. The
// connection list lock is held for the whole pass; accept-side mutation
// waits behind it.
func (l *ConnectionListener) TickAll(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	alive := l.connections[:0]
	for _, c := range l.connections {
		if c.Closed() {
			if !c.TornDown() && now.Sub(c.ClosedSince()) > closeGracePeriod {
				l.log.Debug("forcing half-closed connection down",
					zap.Stringer("remote", c.RemoteAddr()))
				c.Teardown()
			}
			if c.TornDown() {
				continue
			}
			alive = append(alive, c)
			continue
		}
		c.Tick()
		alive = append(alive, c)
	}
	for i := len(alive); i < len(l.connections); i++ {
		l.connections[i] = nil
	}
	l.connections = alive
}

// ConnectionCount returns the number of live connections.
func (l *ConnectionListener) ConnectionCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.connections)
}

// answerLegacyPing replies to the pre-protocol 0xFE probe with the
// §-delimited status string archaic clients expect, then the caller closes.
func (l *ConnectionListener) answerLegacyPing(netConn net.Conn) {
	body := fmt.Sprintf("§1\x00127\x00%s\x00%s\x00%d\x00%d",
		"EmberCraft", l.srv.config.MOTD, 0, l.srv.config.MaxPlayers)

	// 0xFF kick packet: UTF-16BE body with a big-endian length in chars.
	runes := []rune(body)
	out := make([]byte, 0, 3+len(runes)*2)
	out = append(out, 0xFF, byte(len(runes)>>8), byte(len(runes)))
	for _, r := range runes {
		out = append(out, byte(r>>8), byte(r))
	}
	netConn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	netConn.Write(out)
}
