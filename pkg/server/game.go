package server

import (
	"bytes"
	"crypto/ed25519"
	"io"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/StoreStation/EmberCraft/pkg/chat"
	"github.com/StoreStation/EmberCraft/pkg/protocol"
	"github.com/StoreStation/EmberCraft/pkg/world"
)

const (
	// Spam throttle: each chat message or command adds a fixed penalty that
	// decays one point per tick; crossing the ceiling disconnects.
	spamPenalty   = 20
	spamThreshold = 200

	// A tick carrying more position packets than this is treated as a
	// flood and clamped to one processed move. Self-correcting, not worth
	// a disconnect.
	maxMovesPerTick = 5

	// Moves longer than this are treated as desync and answered with a
	// corrective teleport.
	maxMoveDistance = 100.0
)

// GameListener is the play-phase hub for one connection: movement
// validation, interaction dispatch, container synchronization, the chat
// pipeline entry point, and the chunk sender.
type GameListener struct {
	srv    *Server
	conn   *Connection
	log    *zap.Logger
	common commonListener
	cookie Cookie

	chunkSender *ChunkSender
	entityID    int32

	x, y, z    float64
	yaw, pitch float32
	teleportID int32

	containerStateID int32

	lastSeen          chat.LastSeenValidator
	chain             chat.SignatureChain
	sessionKey        ed25519.PublicKey
	msgChain          chat.TaskChain
	spamCount         int
	lastChatTimestamp time.Time

	movePacketsThisTick int
	// firstMove holds the position after the tick's first move packet; a
	// flooded tick rolls back to it.
	firstMove       playerPos
	reconfigPending bool
}

type playerPos struct {
	x, y, z    float64
	yaw, pitch float32
}

// NewGameListener creates the play-phase listener carrying the cookie
// assembled during login and configuration.
func NewGameListener(srv *Server, conn *Connection, cookie Cookie) *GameListener {
	log := conn.log.Named("game").With(zap.String("player", cookie.Profile.Name))
	g := &GameListener{
		srv:         srv,
		conn:        conn,
		log:         log,
		common:      newCommonListener(srv, conn, log, cookie),
		cookie:      cookie,
		chunkSender: NewChunkSender(conn, srv.world),
		entityID:    srv.nextEntityID(),
		chain:       chat.NewSignatureChain(),
		sessionKey:  cookie.SessionKey,
		x:           8, y: 5, z: 8,
	}
	return g
}

// begin installs the listener, registers the session, and queues the spawn
// area for streaming.
func (g *GameListener) begin() {
	g.conn.SetListener(protocol.PhasePlay, g)
	g.srv.registerSession(g)

	radius := int32(g.cookie.ClientInfo.ViewDistance)
	if radius < 2 || radius > 32 {
		radius = 8
	}
	center := g.chunkPos()
	for cx := center.X - radius; cx <= center.X+radius; cx++ {
		for cz := center.Z - radius; cz <= center.Z+radius; cz++ {
			g.chunkSender.MarkPending(world.ChunkPos{X: cx, Z: cz})
		}
	}
	g.sendTeleport()
	g.log.Info("joined the game")
}

func (g *GameListener) chunkPos() world.ChunkPos {
	return world.ChunkPos{X: int32(math.Floor(g.x)) >> 4, Z: int32(math.Floor(g.z)) >> 4}
}

func (g *GameListener) Phase() protocol.Phase { return protocol.PhasePlay }

func (g *GameListener) OnDisconnect(reason chat.Message) {
	g.srv.removeSession(g)
	g.log.Info("left the game", zap.String("reason", reason.Text))
}

func (g *GameListener) disconnect(reason chat.Message) {
	g.common.disconnect(reason)
}

// Tick drives the per-player schedulers on the tick thread.
func (g *GameListener) Tick() {
	g.movePacketsThisTick = 0
	if g.spamCount > 0 {
		g.spamCount--
	}
	g.msgChain.Advance()
	if !g.reconfigPending {
		g.chunkSender.SendNext(g.chunkPos())
	}
	g.common.tickKeepAlive(protocol.ClientboundPlayKeepAliveID)
}

func (g *GameListener) Handle(pkt *protocol.Packet) {
	g.srv.assertTickThread("handlePlay")
	switch pkt.ID {
	case protocol.PlayKeepAliveID:
		g.common.handleKeepAlive(pkt)
	case protocol.PlayMovePosID, protocol.PlayMovePosRotID, protocol.PlayMoveRotID, protocol.PlayMoveFlagsID:
		g.handleMove(pkt)
	case protocol.PlayChatID:
		g.handleChat(pkt)
	case protocol.PlayChatCommandID:
		g.handleCommand(pkt)
	case protocol.PlaySignedChatCommandID:
		g.handleSignedCommand(pkt)
	case protocol.PlayChatAckID:
		g.handleChatAck(pkt)
	case protocol.PlaySessionUpdateID:
		g.handleSessionUpdate(pkt)
	case protocol.PlayChunkBatchAckID:
		g.handleChunkBatchAck(pkt)
	case protocol.PlayInteractID:
		g.handleInteract(pkt)
	case protocol.PlayContainerClickID:
		g.handleContainerClick(pkt)
	case protocol.PlayConfigurationAckID:
		g.handleConfigurationAck()
	}
}

// --- movement ---

func (g *GameListener) handleMove(pkt *protocol.Packet) {
	g.movePacketsThisTick++
	switch {
	case g.movePacketsThisTick == 1:
		g.firstMove = playerPos{x: g.x, y: g.y, z: g.z, yaw: g.yaw, pitch: g.pitch}
	case g.movePacketsThisTick > maxMovesPerTick:
		// The whole tick counts as one processed move: roll back to the
		// first applied position and put the client there too.
		if g.movePacketsThisTick == maxMovesPerTick+1 {
			g.log.Debug("move packet flood, clamping to one move")
			g.rollBackToFirstMove()
		}
		return
	}

	r := bytes.NewReader(pkt.Data)
	x, y, z := g.x, g.y, g.z
	yaw, pitch := g.yaw, g.pitch
	var err error

	switch pkt.ID {
	case protocol.PlayMovePosID:
		x, y, z, err = readPos(r)
	case protocol.PlayMovePosRotID:
		x, y, z, err = readPos(r)
		if err == nil {
			yaw, pitch, err = readRot(r)
		}
	case protocol.PlayMoveRotID:
		yaw, pitch, err = readRot(r)
	case protocol.PlayMoveFlagsID:
		_, err = protocol.ReadBool(r)
	}
	if err != nil {
		g.disconnect(chat.Text("Malformed movement packet"))
		return
	}

	if !finite(x) || !finite(y) || !finite(z) || !finite32(yaw) || !finite32(pitch) {
		g.disconnect(chat.Text("Invalid move player packet received"))
		return
	}

	dx, dy, dz := x-g.x, y-g.y, z-g.z
	if dx*dx+dy*dy+dz*dz > maxMoveDistance*maxMoveDistance {
		// Client/server state diverged; put the client back rather than
		// accepting the jump or dropping the connection.
		g.log.Debug("oversized move, resyncing",
			zap.Float64("dx", dx), zap.Float64("dy", dy), zap.Float64("dz", dz))
		g.sendTeleport()
		return
	}

	oldChunk := g.chunkPos()
	g.x, g.y, g.z = x, y, z
	g.yaw, g.pitch = yaw, pitch
	if newChunk := g.chunkPos(); newChunk != oldChunk {
		g.onChunkCrossing(oldChunk, newChunk)
	}
	if g.movePacketsThisTick == 1 {
		g.firstMove = playerPos{x: x, y: y, z: z, yaw: yaw, pitch: pitch}
	}
}

func (g *GameListener) rollBackToFirstMove() {
	oldChunk := g.chunkPos()
	g.x, g.y, g.z = g.firstMove.x, g.firstMove.y, g.firstMove.z
	g.yaw, g.pitch = g.firstMove.yaw, g.firstMove.pitch
	if newChunk := g.chunkPos(); newChunk != oldChunk {
		g.onChunkCrossing(oldChunk, newChunk)
	}
	g.sendTeleport()
}

// onChunkCrossing shifts the streamed area: new edge chunks become pending,
// chunks out of range are forgotten.
func (g *GameListener) onChunkCrossing(old, new world.ChunkPos) {
	radius := int32(g.cookie.ClientInfo.ViewDistance)
	if radius < 2 || radius > 32 {
		radius = 8
	}
	for cx := new.X - radius; cx <= new.X+radius; cx++ {
		for cz := new.Z - radius; cz <= new.Z+radius; cz++ {
			pos := world.ChunkPos{X: cx, Z: cz}
			if abs32(cx-old.X) > radius || abs32(cz-old.Z) > radius {
				g.chunkSender.MarkPending(pos)
			}
		}
	}
	for cx := old.X - radius; cx <= old.X+radius; cx++ {
		for cz := old.Z - radius; cz <= old.Z+radius; cz++ {
			if abs32(cx-new.X) > radius || abs32(cz-new.Z) > radius {
				g.chunkSender.Forget(world.ChunkPos{X: cx, Z: cz})
			}
		}
	}
}

func (g *GameListener) sendTeleport() {
	g.teleportID++
	pkt := protocol.MarshalPacket(protocol.ClientboundPlayerPositionID, func(w *bytes.Buffer) {
		protocol.WriteVarInt(w, g.teleportID)
		protocol.WriteFloat64(w, g.x)
		protocol.WriteFloat64(w, g.y)
		protocol.WriteFloat64(w, g.z)
		protocol.WriteFloat32(w, g.yaw)
		protocol.WriteFloat32(w, g.pitch)
	})
	g.conn.Send(pkt)
}

// --- chat pipeline ---

func (g *GameListener) handleChat(pkt *protocol.Packet) {
	r := bytes.NewReader(pkt.Data)
	content, err := protocol.ReadString(r)
	if err != nil {
		g.disconnect(chat.Text("Malformed chat packet"))
		return
	}
	timestampMillis, err := protocol.ReadInt64(r)
	if err != nil {
		g.disconnect(chat.Text("Malformed chat packet"))
		return
	}
	salt, err := protocol.ReadInt64(r)
	if err != nil {
		g.disconnect(chat.Text("Malformed chat packet"))
		return
	}
	hasSig, err := protocol.ReadBool(r)
	if err != nil {
		g.disconnect(chat.Text("Malformed chat packet"))
		return
	}
	var sig chat.MessageSignature
	if hasSig {
		if _, err := io.ReadFull(r, sig[:]); err != nil {
			g.disconnect(chat.Text("Malformed chat packet"))
			return
		}
	}
	update, err := readLastSeenUpdate(r)
	if err != nil {
		g.disconnect(chat.Text("Malformed chat packet"))
		return
	}

	if !legalChatContent(content) {
		g.disconnect(chat.Text("Illegal characters in chat"))
		return
	}
	timestamp := time.UnixMilli(timestampMillis)
	if timestamp.Before(g.lastChatTimestamp) {
		g.disconnect(chat.Text("Out-of-order chat packet received"))
		return
	}
	g.lastChatTimestamp = timestamp

	lastSeen, err := g.lastSeen.ApplyUpdate(update)
	if err != nil {
		g.disconnect(chat.Text("Chat message validation failure"))
		return
	}

	var signed *chat.SignedMessage
	if hasSig {
		if g.sessionKey == nil {
			g.disconnect(chat.Text("Chat message validation failure"))
			return
		}
		body := chat.MessageBody{
			Content:   content,
			Timestamp: timestamp,
			Salt:      salt,
			LastSeen:  lastSeen,
		}
		msg, next, err := g.chain.Decode(g.sessionKey, body, sig)
		g.chain = next
		if err != nil {
			// Chain break is permanent for the session; fail closed.
			g.disconnect(chat.Text("Chat message validation failure"))
			return
		}
		signed = &msg
	} else if g.srv.config.RequireSecureProfile {
		g.disconnect(chat.Text("This server requires signed chat messages"))
		return
	}

	if !g.addSpam() {
		return
	}

	// Filtering is asynchronous; the task chain guarantees broadcast order
	// matches submission order regardless of completion order.
	future := g.srv.filter.Filter(content)
	sender := g.cookie.Profile
	g.msgChain.Append(future.Done(), func() {
		result := future.Result()
		if result.Blocked {
			return
		}
		g.srv.broadcastChat(sender, result.Filtered, signed)
	})
}

func (g *GameListener) handleChatAck(pkt *protocol.Packet) {
	r := bytes.NewReader(pkt.Data)
	offset, _, err := protocol.ReadVarInt(r)
	if err != nil {
		g.disconnect(chat.Text("Malformed chat acknowledgement"))
		return
	}
	update := chat.LastSeenUpdate{
		Offset:       offset,
		Acknowledged: protocol.NewFixedBitSet(chat.LastSeenWindow),
	}
	if _, err := g.lastSeen.ApplyUpdate(update); err != nil {
		g.disconnect(chat.Text("Chat message validation failure"))
		return
	}
}

func (g *GameListener) handleCommand(pkt *protocol.Packet) {
	r := bytes.NewReader(pkt.Data)
	command, err := protocol.ReadString(r)
	if err != nil {
		g.disconnect(chat.Text("Malformed command packet"))
		return
	}
	if !legalChatContent(command) {
		g.disconnect(chat.Text("Illegal characters in chat"))
		return
	}
	if !g.addSpam() {
		return
	}
	g.msgChain.Immediate(func() {
		g.executeCommand(command)
	})
}

func (g *GameListener) handleSignedCommand(pkt *protocol.Packet) {
	r := bytes.NewReader(pkt.Data)
	command, err := protocol.ReadString(r)
	if err != nil {
		g.disconnect(chat.Text("Malformed command packet"))
		return
	}
	timestampMillis, err := protocol.ReadInt64(r)
	if err != nil {
		g.disconnect(chat.Text("Malformed command packet"))
		return
	}
	salt, err := protocol.ReadInt64(r)
	if err != nil {
		g.disconnect(chat.Text("Malformed command packet"))
		return
	}
	argCount, _, err := protocol.ReadVarInt(r)
	if err != nil || argCount < 0 || argCount > 8 {
		g.disconnect(chat.Text("Malformed command packet"))
		return
	}
	type argSig struct {
		name string
		sig  chat.MessageSignature
	}
	args := make([]argSig, 0, argCount)
	for i := int32(0); i < argCount; i++ {
		name, err := protocol.ReadString(r)
		if err != nil {
			g.disconnect(chat.Text("Malformed command packet"))
			return
		}
		var sig chat.MessageSignature
		if _, err := io.ReadFull(r, sig[:]); err != nil {
			g.disconnect(chat.Text("Malformed command packet"))
			return
		}
		args = append(args, argSig{name: name, sig: sig})
	}
	update, err := readLastSeenUpdate(r)
	if err != nil {
		g.disconnect(chat.Text("Malformed command packet"))
		return
	}

	// Signed commands share the chat timestamp stream; backdating one past
	// the newest chat message is the same violation as backdated chat.
	timestamp := time.UnixMilli(timestampMillis)
	if timestamp.Before(g.lastChatTimestamp) {
		g.disconnect(chat.Text("Out-of-order chat packet received"))
		return
	}
	g.lastChatTimestamp = timestamp

	lastSeen, err := g.lastSeen.ApplyUpdate(update)
	if err != nil {
		g.disconnect(chat.Text("Chat message validation failure"))
		return
	}

	// The client's signed-argument names must match the server command
	// tree exactly. The detail stays in the log; the client sees only a
	// generic signature failure.
	root, _, _ := strings.Cut(strings.TrimPrefix(command, "/"), " ")
	expected, known := g.srv.signableArguments(root)
	if !known || !sameNameSet(expected, argNames(len(args), func(i int) string { return args[i].name })) {
		g.log.Warn("signed argument set mismatch",
			zap.String("command", root),
			zap.Strings("expected", expected))
		g.disconnect(chat.Text("Invalid signature for command"))
		return
	}
	if g.sessionKey == nil {
		g.disconnect(chat.Text("Invalid signature for command"))
		return
	}

	for _, a := range args {
		body := chat.MessageBody{
			Content:   a.name,
			Timestamp: timestamp,
			Salt:      salt,
			LastSeen:  lastSeen,
		}
		_, next, err := g.chain.Decode(g.sessionKey, body, a.sig)
		g.chain = next
		if err != nil {
			g.disconnect(chat.Text("Invalid signature for command"))
			return
		}
	}

	if !g.addSpam() {
		return
	}
	g.msgChain.Immediate(func() {
		g.executeCommand(command)
	})
}

// executeCommand runs on the task chain so commands interleave with chat in
// submission order.
func (g *GameListener) executeCommand(command string) {
	root, rest, _ := strings.Cut(strings.TrimPrefix(command, "/"), " ")
	switch root {
	case "say", "me":
		g.srv.broadcastChat(g.cookie.Profile, rest, nil)
	default:
		g.log.Info("command executed", zap.String("command", root))
	}
}

func (g *GameListener) handleSessionUpdate(pkt *protocol.Packet) {
	r := bytes.NewReader(pkt.Data)
	if _, err := protocol.ReadUUID(r); err != nil {
		g.disconnect(chat.Text("Malformed session update"))
		return
	}
	key, err := protocol.ReadByteArray(r)
	if err != nil || len(key) != ed25519.PublicKeySize {
		g.disconnect(chat.Text("Malformed session update"))
		return
	}
	// A fresh session key re-anchors the signature chain.
	g.sessionKey = ed25519.PublicKey(key)
	g.chain = chat.NewSignatureChain()
}

// addSpam applies the chat penalty, disconnecting a non-operator that blows
// the ceiling. Returns false if the message should not be processed.
func (g *GameListener) addSpam() bool {
	g.spamCount += spamPenalty
	if g.spamCount > spamThreshold && !g.srv.IsOperator(g.cookie.Profile) {
		g.disconnect(chat.Text("Kicked for spamming"))
		return false
	}
	return true
}

// sendPlayerChat delivers a broadcast chat line to this client, tracking
// signed messages for acknowledgement.
func (g *GameListener) sendPlayerChat(sender string, content string, signed *chat.SignedMessage) {
	if signed != nil {
		if g.lastSeen.AddPending(signed.Signature) > chat.MaxTrackedMessages {
			g.disconnect(chat.Text("Too many unacknowledged chat messages"))
			return
		}
		pkt := protocol.MarshalPacket(protocol.ClientboundPlayerChatID, func(w *bytes.Buffer) {
			protocol.WriteString(w, sender)
			protocol.WriteVarInt(w, signed.Index)
			w.Write(signed.Signature[:])
			protocol.WriteString(w, content)
		})
		g.conn.Send(pkt)
		return
	}
	pkt := protocol.MarshalPacket(protocol.ClientboundDisguisedChatID, func(w *bytes.Buffer) {
		protocol.WriteString(w, chat.Sender(sender, content).String())
	})
	g.conn.Send(pkt)
}

// --- flow control & interactions ---

func (g *GameListener) handleChunkBatchAck(pkt *protocol.Packet) {
	r := bytes.NewReader(pkt.Data)
	desired, err := protocol.ReadFloat32(r)
	if err != nil {
		g.disconnect(chat.Text("Malformed chunk batch acknowledgement"))
		return
	}
	g.chunkSender.OnBatchAcknowledged(float64(desired))
}

func (g *GameListener) handleInteract(pkt *protocol.Packet) {
	r := bytes.NewReader(pkt.Data)
	targetID, _, err := protocol.ReadVarInt(r)
	if err != nil {
		g.disconnect(chat.Text("Malformed interact packet"))
		return
	}
	if _, _, err := protocol.ReadVarInt(r); err != nil { // action
		g.disconnect(chat.Text("Malformed interact packet"))
		return
	}
	// A stale or invented target is expected divergence: ignore the single
	// action and resync rather than dropping the connection.
	if !g.srv.validInteractionTarget(targetID) {
		g.log.Debug("interaction with invalid target", zap.Int32("target", targetID))
		g.sendTeleport()
		return
	}
}

func (g *GameListener) handleContainerClick(pkt *protocol.Packet) {
	r := bytes.NewReader(pkt.Data)
	if _, err := protocol.ReadByte(r); err != nil { // container id
		g.disconnect(chat.Text("Malformed container click"))
		return
	}
	stateID, _, err := protocol.ReadVarInt(r)
	if err != nil {
		g.disconnect(chat.Text("Malformed container click"))
		return
	}
	if stateID != g.containerStateID {
		// Stale view; push fresh content instead of applying the click.
		g.resyncContainer()
		return
	}
	g.containerStateID++
}

func (g *GameListener) resyncContainer() {
	g.containerStateID++
	pkt := protocol.MarshalPacket(protocol.ClientboundContainerSetContentID, func(w *bytes.Buffer) {
		protocol.WriteByte(w, 0) // player inventory
		protocol.WriteVarInt(w, g.containerStateID)
		protocol.WriteVarInt(w, 0) // no slots carried by the pipeline
	})
	g.conn.Send(pkt)
}

// --- reconfiguration loop ---

// Reconfigure sends the client back to the configuration phase, carrying
// the cookie forward. Play handling suspends until the client acknowledges.
func (g *GameListener) Reconfigure() {
	if g.reconfigPending {
		return
	}
	g.reconfigPending = true
	pkt := protocol.MarshalPacket(protocol.ClientboundStartConfigurationID, func(*bytes.Buffer) {})
	if err := g.conn.Send(pkt); err != nil {
		g.conn.Close()
		return
	}
	g.conn.SetOutboundPhase(protocol.PhaseConfiguration)
}

func (g *GameListener) handleConfigurationAck() {
	if !g.reconfigPending {
		g.disconnect(chat.Text("Unexpected configuration acknowledgement"))
		return
	}
	g.srv.removeSession(g)
	cookie := g.cookie
	cookie.Latency = g.common.latency
	NewConfigurationListener(g.srv, g.conn, cookie).begin()
}

// --- helpers ---

func readPos(r *bytes.Reader) (x, y, z float64, err error) {
	if x, err = protocol.ReadFloat64(r); err != nil {
		return
	}
	if y, err = protocol.ReadFloat64(r); err != nil {
		return
	}
	z, err = protocol.ReadFloat64(r)
	return
}

func readRot(r *bytes.Reader) (yaw, pitch float32, err error) {
	if yaw, err = protocol.ReadFloat32(r); err != nil {
		return
	}
	pitch, err = protocol.ReadFloat32(r)
	return
}

func readLastSeenUpdate(r *bytes.Reader) (chat.LastSeenUpdate, error) {
	offset, _, err := protocol.ReadVarInt(r)
	if err != nil {
		return chat.LastSeenUpdate{}, err
	}
	bits, err := protocol.ReadFixedBitSet(r, chat.LastSeenWindow)
	if err != nil {
		return chat.LastSeenUpdate{}, err
	}
	return chat.LastSeenUpdate{Offset: offset, Acknowledged: bits}, nil
}

func legalChatContent(s string) bool {
	for _, r := range s {
		if r == 0xA7 || r < 0x20 || r == 0x7F {
			return false
		}
	}
	return true
}

func finite(v float64) bool   { return !math.IsNaN(v) && !math.IsInf(v, 0) }
func finite32(v float32) bool { return finite(float64(v)) }

func abs32(v int32) int32 {
	if v < 0 {
		return -v
	}
	return v
}

func sameNameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]bool, len(a))
	for _, s := range a {
		set[s] = true
	}
	for _, s := range b {
		if !set[s] {
			return false
		}
	}
	return true
}

func argNames(n int, get func(int) string) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = get(i)
	}
	return out
}
