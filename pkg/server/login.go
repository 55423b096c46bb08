package server

import (
	"bytes"
	"crypto/subtle"
	"errors"

	"go.uber.org/zap"

	"github.com/StoreStation/EmberCraft/pkg/auth"
	"github.com/StoreStation/EmberCraft/pkg/chat"
	"github.com/StoreStation/EmberCraft/pkg/crypto"
	"github.com/StoreStation/EmberCraft/pkg/protocol"
)

// loginState tracks progress through the login handshake.
type loginState int

const (
	loginStateHello loginState = iota
	loginStateKey
	loginStateAuthenticating
	loginStateVerifying
	loginStateWaitingForDupeDisconnect
	loginStateProtocolSwitching
	loginStateAccepted
)

// slowLoginTicks is the login watchdog: a connection that has not been
// accepted within 30 seconds of entering login is cut off.
const slowLoginTicks = 600

// LoginListener authenticates a connecting client, runs the encryption
// handshake, resolves duplicate logins, and hands off to configuration.
type LoginListener struct {
	srv      *Server
	conn     *Connection
	log      *zap.Logger
	state    loginState
	ticks    int
	transfer bool
	connType ConnectionType

	username string
	profile  auth.GameProfile
	nonce    []byte
	verifyCh <-chan auth.VerifyResult
}

// NewLoginListener creates the login-phase listener. transfer marks clients
// arriving via the transfer intention.
func NewLoginListener(srv *Server, conn *Connection, transfer bool, connType ConnectionType) *LoginListener {
	return &LoginListener{
		srv:      srv,
		conn:     conn,
		log:      conn.log.Named("login"),
		state:    loginStateHello,
		transfer: transfer,
		connType: connType,
	}
}

func (l *LoginListener) Phase() protocol.Phase { return protocol.PhaseLogin }

func (l *LoginListener) OnDisconnect(reason chat.Message) {
	l.log.Info("login ended", zap.String("reason", reason.Text))
}

func (l *LoginListener) disconnect(reason chat.Message) {
	l.log.Warn("disconnecting during login",
		zap.String("username", l.username),
		zap.String("reason", reason.String()))
	l.conn.Disconnect(reason)
}

func (l *LoginListener) Handle(pkt *protocol.Packet) {
	l.srv.assertTickThread("handleLogin")
	switch pkt.ID {
	case protocol.LoginHelloID:
		l.handleHello(pkt)
	case protocol.LoginKeyID:
		l.handleKey(pkt)
	case protocol.LoginAcknowledgedID:
		l.handleAcknowledged()
	}
}

func (l *LoginListener) handleHello(pkt *protocol.Packet) {
	if l.state != loginStateHello {
		l.disconnect(chat.Text("Unexpected hello packet"))
		return
	}
	r := bytes.NewReader(pkt.Data)
	username, err := protocol.ReadString(r)
	if err != nil {
		l.disconnect(chat.Text("Malformed hello packet"))
		return
	}
	if !auth.ValidUsername(username) {
		l.disconnect(chat.Text("Invalid characters in username"))
		return
	}
	l.username = username
	l.log.Info("login started", zap.String("username", username))

	// The singleplayer owner short-circuits verification entirely.
	if l.srv.config.OwnerName != "" && username == l.srv.config.OwnerName {
		l.profile = auth.OfflineProfile(username)
		l.state = loginStateVerifying
		return
	}

	if !l.srv.config.OnlineMode {
		l.profile = auth.OfflineProfile(username)
		l.state = loginStateVerifying
		return
	}

	nonce, err := crypto.RandomNonce()
	if err != nil {
		l.disconnect(chat.Text("Internal server error"))
		return
	}
	l.nonce = nonce
	hello := protocol.MarshalPacket(protocol.ClientboundLoginHelloID, func(w *bytes.Buffer) {
		protocol.WriteString(w, "") // server ID, always empty
		protocol.WriteByteArray(w, l.srv.keys.PublicDER)
		protocol.WriteByteArray(w, nonce)
		protocol.WriteBool(w, true) // client should authenticate
	})
	if err := l.conn.Send(hello); err != nil {
		l.log.Warn("encryption challenge not sent", zap.Error(err))
		l.conn.Close()
		return
	}
	l.state = loginStateKey
}

func (l *LoginListener) handleKey(pkt *protocol.Packet) {
	if l.state != loginStateKey {
		l.disconnect(chat.Text("Unexpected key packet"))
		return
	}
	r := bytes.NewReader(pkt.Data)
	encryptedSecret, err := protocol.ReadByteArray(r)
	if err != nil {
		l.disconnect(chat.Text("Malformed key packet"))
		return
	}
	encryptedNonce, err := protocol.ReadByteArray(r)
	if err != nil {
		l.disconnect(chat.Text("Malformed key packet"))
		return
	}

	nonce, err := l.srv.keys.Decrypt(encryptedNonce)
	if err != nil || subtle.ConstantTimeCompare(nonce, l.nonce) != 1 {
		l.disconnect(chat.Text("Nonce verification failed"))
		return
	}
	secret, err := l.srv.keys.Decrypt(encryptedSecret)
	if err != nil || len(secret) != 16 {
		l.disconnect(chat.Text("Invalid shared secret"))
		return
	}
	if err := l.conn.EnableEncryption(secret); err != nil {
		l.log.Error("enable encryption", zap.Error(err))
		l.disconnect(chat.Text("Internal server error"))
		return
	}

	serverHash := crypto.AuthDigest("", secret, l.srv.keys.PublicDER)
	l.state = loginStateAuthenticating
	l.verifyCh = auth.StartVerification(
		l.srv.verifier, l.srv.log, l.srv.nextAuthSeq(),
		l.username, serverHash, l.srv.config.ReadTimeout)
}

// Tick advances the asynchronous parts of login on the tick thread: the
// watchdog, the verification result handoff, and duplicate-login resolution.
func (l *LoginListener) Tick() {
	l.ticks++
	if l.ticks >= slowLoginTicks && l.state != loginStateAccepted {
		l.disconnect(chat.Text("Took too long to log in"))
		return
	}

	switch l.state {
	case loginStateAuthenticating:
		select {
		case res := <-l.verifyCh:
			l.finishAuthentication(res)
		default:
		}
	case loginStateVerifying:
		l.tryFinalize()
	case loginStateWaitingForDupeDisconnect:
		if l.srv.sessionByID(l.profile.ID) == nil {
			l.accept()
		}
	}
}

func (l *LoginListener) finishAuthentication(res auth.VerifyResult) {
	switch {
	case res.Err == nil:
		l.profile = res.Profile
		l.state = loginStateVerifying

	case errors.Is(res.Err, auth.ErrUnreachable):
		if l.srv.config.OwnerName != "" {
			// Singleplayer trust boundary: an offline session service
			// must not lock the owner's friends out of a LAN world.
			l.log.Warn("authentication service unreachable, admitting unverified player",
				zap.String("username", l.username))
			l.profile = auth.OfflineProfile(l.username)
			l.state = loginStateVerifying
			return
		}
		l.disconnect(chat.Text("Authentication servers are down. Please try again later!"))

	default:
		l.disconnect(chat.Textf("Failed to verify username %s", l.username))
	}
}

// tryFinalize runs once per tick in the verifying state.
func (l *LoginListener) tryFinalize() {
	if ok, reason := l.srv.admitPolicy(l.profile); !ok {
		l.disconnect(chat.Text(reason))
		return
	}
	if existing := l.srv.sessionByID(l.profile.ID); existing != nil {
		// Another connection holds this profile. Kick it and wait for it
		// to fully leave before finishing.
		l.log.Info("duplicate login, disconnecting older session",
			zap.String("username", l.profile.Name))
		existing.disconnect(chat.Text("You logged in from another location"))
		l.state = loginStateWaitingForDupeDisconnect
		return
	}
	l.accept()
}

func (l *LoginListener) accept() {
	threshold := l.srv.config.CompressionThreshold
	if threshold >= 0 && !l.conn.InProcess() {
		compression := protocol.MarshalPacket(protocol.ClientboundLoginCompressionID, func(w *bytes.Buffer) {
			protocol.WriteVarInt(w, int32(threshold))
		})
		if err := l.conn.Send(compression); err != nil {
			l.conn.Close()
			return
		}
		l.conn.SetCompression(threshold)
	}

	success := protocol.MarshalPacket(protocol.ClientboundGameProfileID, func(w *bytes.Buffer) {
		protocol.WriteUUID(w, l.profile.ID)
		protocol.WriteString(w, l.profile.Name)
		protocol.WriteVarInt(w, 0) // no profile properties
	})
	if err := l.conn.Send(success); err != nil {
		l.conn.Close()
		return
	}

	// Outbound flips to configuration now; inbound stays in login until the
	// client's acknowledgement, the one packet tolerated in the switch
	// window.
	l.conn.SetOutboundPhase(protocol.PhaseConfiguration)
	l.state = loginStateProtocolSwitching
}

func (l *LoginListener) handleAcknowledged() {
	if l.state != loginStateProtocolSwitching {
		l.disconnect(chat.Text("Unexpected login acknowledgement"))
		return
	}
	l.state = loginStateAccepted
	cookie := Cookie{
		Profile:     l.profile,
		Transferred: l.transfer,
		Type:        l.connType,
		ClientInfo:  ClientInfo{Locale: "en_us", ViewDistance: 8, ChatVisible: true},
	}
	NewConfigurationListener(l.srv, l.conn, cookie).begin()
}
