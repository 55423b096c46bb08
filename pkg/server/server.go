package server

import (
	"bytes"
	"fmt"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	uatomic "go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/StoreStation/EmberCraft/pkg/auth"
	"github.com/StoreStation/EmberCraft/pkg/chat"
	"github.com/StoreStation/EmberCraft/pkg/crypto"
	"github.com/StoreStation/EmberCraft/pkg/world"
)

// TicksPerSecond is the cadence of the main loop.
const TicksPerSecond = 20

const tickInterval = time.Second / TicksPerSecond

// Config holds server configuration.
type Config struct {
	Address              string
	MaxPlayers           int
	MOTD                 string
	OnlineMode           bool
	RequireSecureProfile bool
	CompressionThreshold int
	ReadTimeout          time.Duration
	AcceptRateLimit      float64 // accepted connections per second per address
	AcceptBurst          int

	// OwnerName is the singleplayer owner profile; empty on dedicated
	// servers. The owner bypasses authentication and spam limits.
	OwnerName string
}

// DefaultConfig returns a default server configuration.
func DefaultConfig() Config {
	return Config{
		Address:              ":25565",
		MaxPlayers:           20,
		MOTD:                 "An EmberCraft Server",
		OnlineMode:           true,
		RequireSecureProfile: false,
		CompressionThreshold: 256,
		ReadTimeout:          30 * time.Second,
		AcceptRateLimit:      5,
		AcceptBurst:          10,
	}
}

// Server drives the connection pipeline: one tick goroutine owns all
// game-state-affecting work, the connection listener owns accept and I/O
// goroutines, and worker results come back through channel handoffs drained
// on the tick.
type Server struct {
	config   Config
	log      *zap.Logger
	keys     *crypto.ServerKeyPair
	verifier auth.SessionVerifier
	filter   TextFilter
	world    world.Source
	listener *ConnectionListener

	mu       sync.RWMutex
	sessions map[uuid.UUID]*GameListener
	ops      map[uuid.UUID]bool

	// commands maps each command name to its signable argument names,
	// the server-side command tree the client must agree with.
	commands map[string][]string

	tasks     chan func()
	onTick    *uatomic.Bool
	tickGID   *uatomic.Int64
	tick      *uatomic.Int64
	authSeq   *uatomic.Int64
	entitySeq *uatomic.Int32
	stopCh    chan struct{}
	stopOnce  sync.Once
}

// New creates a server with the given configuration.
func New(config Config, log *zap.Logger) (*Server, error) {
	keys, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	s := &Server{
		config:   config,
		log:      log,
		keys:     keys,
		filter:   PassthroughFilter{},
		world:    world.NewFlatSource(),
		sessions: make(map[uuid.UUID]*GameListener),
		ops:      make(map[uuid.UUID]bool),
		commands: map[string][]string{
			"msg": {"message"},
			"me":  {"action"},
			"say": {"message"},
		},
		tasks:     make(chan func(), 1024),
		onTick:    uatomic.NewBool(false),
		tickGID:   uatomic.NewInt64(0),
		tick:      uatomic.NewInt64(0),
		authSeq:   uatomic.NewInt64(0),
		entitySeq: uatomic.NewInt32(0),
		stopCh:    make(chan struct{}),
	}
	if config.OnlineMode {
		s.verifier = auth.UnreachableVerifier{}
	} else {
		s.verifier = auth.OfflineVerifier{}
	}
	s.listener = NewConnectionListener(s)
	return s, nil
}

// SetVerifier injects the session-service client. Must be called before
// Start.
func (s *Server) SetVerifier(v auth.SessionVerifier) { s.verifier = v }

// SetFilter injects the moderation text filter. Must be called before Start.
func (s *Server) SetFilter(f TextFilter) { s.filter = f }

// Start begins listening and launches the tick loop.
func (s *Server) Start() error {
	if err := s.listener.Start(s.config.Address); err != nil {
		return fmt.Errorf("start listener: %w", err)
	}
	go s.runLoop()
	return nil
}

// Stop shuts the server down.
func (s *Server) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.listener.Stop()
}

// StopChan closes when the server shuts down internally.
func (s *Server) StopChan() <-chan struct{} { return s.stopCh }

func (s *Server) runLoop() {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.runTick()
		}
	}
}

func (s *Server) runTick() {
	s.tickGID.Store(goroutineID())
	s.onTick.Store(true)
	defer s.onTick.Store(false)

	// Drain cross-thread handoffs before connection work so worker results
	// are visible to this tick's handlers.
	for {
		select {
		case fn := <-s.tasks:
			fn()
		default:
			s.listener.TickAll(time.Now())
			s.tick.Inc()
			return
		}
	}
}

// Execute runs fn on the tick thread: immediately when already there,
// otherwise queued into the task inbox drained next tick.
func (s *Server) Execute(fn func()) {
	if s.onTickThread() {
		fn()
		return
	}
	select {
	case s.tasks <- fn:
	case <-s.stopCh:
	}
}

// onTickThread reports whether the calling goroutine is the one running the
// current tick. The flag alone marks the tick window; the goroutine ID tells
// the tick goroutine apart from workers calling in mid-tick.
func (s *Server) onTickThread() bool {
	return s.onTick.Load() && s.tickGID.Load() == goroutineID()
}

// assertTickThread guards handlers that mutate shared state. Network
// goroutines must never call these directly.
func (s *Server) assertTickThread(op string) {
	if !s.onTickThread() {
		s.log.DPanic("handler invoked off the tick thread", zap.String("op", op))
	}
}

// goroutineID extracts the caller's goroutine ID from its stack header.
func goroutineID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	fields := bytes.Fields(buf[:n])
	if len(fields) < 2 {
		return -1
	}
	id, err := strconv.ParseInt(string(fields[1]), 10, 64)
	if err != nil {
		return -1
	}
	return id
}

// CurrentTick returns the tick counter.
func (s *Server) CurrentTick() int64 { return s.tick.Load() }

func (s *Server) nextAuthSeq() int64 { return s.authSeq.Inc() }

func (s *Server) nextEntityID() int32 { return s.entitySeq.Inc() }

// sessionByID returns the active play/configuration session holding the
// profile, if any.
func (s *Server) sessionByID(id uuid.UUID) *GameListener {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[id]
}

func (s *Server) registerSession(g *GameListener) {
	s.mu.Lock()
	s.sessions[g.cookie.Profile.ID] = g
	s.mu.Unlock()
}

func (s *Server) removeSession(g *GameListener) {
	s.mu.Lock()
	if s.sessions[g.cookie.Profile.ID] == g {
		delete(s.sessions, g.cookie.Profile.ID)
	}
	s.mu.Unlock()
}

// IsOperator reports whether the profile has operator standing (or is the
// singleplayer owner).
func (s *Server) IsOperator(p auth.GameProfile) bool {
	if s.config.OwnerName != "" && p.Name == s.config.OwnerName {
		return true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ops[p.ID]
}

// SetOperator grants or revokes operator standing.
func (s *Server) SetOperator(id uuid.UUID, op bool) {
	s.mu.Lock()
	if op {
		s.ops[id] = true
	} else {
		delete(s.ops, id)
	}
	s.mu.Unlock()
}

// signableArguments returns the signable argument names of a command, and
// whether the command exists in the server tree.
func (s *Server) signableArguments(command string) ([]string, bool) {
	args, ok := s.commands[command]
	return args, ok
}

// admitPolicy is the ban/whitelist gate run when a verified login
// finalizes. Reason is user-visible on rejection.
func (s *Server) admitPolicy(p auth.GameProfile) (ok bool, reason string) {
	s.mu.RLock()
	online := len(s.sessions)
	s.mu.RUnlock()
	if online >= s.config.MaxPlayers {
		return false, "The server is full"
	}
	return true, ""
}

// broadcastSessions runs fn over every active game session.
func (s *Server) broadcastSessions(fn func(*GameListener)) {
	s.mu.RLock()
	all := make([]*GameListener, 0, len(s.sessions))
	for _, g := range s.sessions {
		all = append(all, g)
	}
	s.mu.RUnlock()
	for _, g := range all {
		fn(g)
	}
}

// broadcastChat delivers one chat line to every session. signed is nil for
// unsigned or system-originated lines.
func (s *Server) broadcastChat(sender auth.GameProfile, content string, signed *chat.SignedMessage) {
	s.log.Info("chat", zap.String("sender", sender.Name), zap.String("content", content))
	s.broadcastSessions(func(g *GameListener) {
		if !g.cookie.ClientInfo.ChatVisible {
			return
		}
		g.sendPlayerChat(sender.Name, content, signed)
	})
}

// validInteractionTarget reports whether an entity ID names an entity the
// server actually spawned.
func (s *Server) validInteractionTarget(id int32) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, g := range s.sessions {
		if g.entityID == id {
			return true
		}
	}
	return false
}
