package protocol

import "fmt"

// Protocol version for game version 1.21.3.
const ProtocolVersion = 768

// GameVersion is the display name of the supported game version.
const GameVersion = "1.21.3"

// Phase is a stage of the connection protocol with its own packet set.
// Exactly one inbound and one outbound phase is active per connection;
// a packet addressed to another phase is a protocol violation. The only
// tolerance is the acknowledgement packet of a phase switch, which is
// handled by keeping the inbound phase unchanged until the ack arrives.
type Phase int

const (
	PhaseHandshake Phase = iota
	PhaseStatus
	PhaseLogin
	PhaseConfiguration
	PhasePlay
)

func (p Phase) String() string {
	switch p {
	case PhaseHandshake:
		return "handshake"
	case PhaseStatus:
		return "status"
	case PhaseLogin:
		return "login"
	case PhaseConfiguration:
		return "configuration"
	case PhasePlay:
		return "play"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// Intention is the client-declared purpose of a handshake.
type Intention int32

const (
	IntentionStatus   Intention = 1
	IntentionLogin    Intention = 2
	IntentionTransfer Intention = 3
)

// ParseIntention validates a declared handshake intention. Anything outside
// the fixed enum is a fatal protocol error.
func ParseIntention(v int32) (Intention, error) {
	switch Intention(v) {
	case IntentionStatus, IntentionLogin, IntentionTransfer:
		return Intention(v), nil
	}
	return 0, fmt.Errorf("invalid handshake intention: %d", v)
}

// Serverbound packet IDs.
const (
	// Handshake
	HandshakeIntentionID = 0x00

	// Status
	StatusRequestID = 0x00
	StatusPingID    = 0x01

	// Login
	LoginHelloID        = 0x00
	LoginKeyID          = 0x01
	LoginAcknowledgedID = 0x03

	// Configuration
	ConfigClientInfoID = 0x00
	ConfigFinishAckID  = 0x03
	ConfigKeepAliveID  = 0x04

	// Play
	PlayChatAckID           = 0x03
	PlayChatCommandID       = 0x04
	PlaySignedChatCommandID = 0x05
	PlayChatID              = 0x06
	PlaySessionUpdateID     = 0x08
	PlayChunkBatchAckID     = 0x09
	PlayConfigurationAckID  = 0x0B
	PlayContainerClickID    = 0x10
	PlayInteractID          = 0x16
	PlayKeepAliveID         = 0x1A
	PlayMovePosID           = 0x1C
	PlayMovePosRotID        = 0x1D
	PlayMoveRotID           = 0x1E
	PlayMoveFlagsID         = 0x1F
)

// Clientbound packet IDs.
const (
	// Status
	ClientboundStatusResponseID = 0x00
	ClientboundStatusPongID     = 0x01

	// Login
	ClientboundLoginDisconnectID  = 0x00
	ClientboundLoginHelloID       = 0x01
	ClientboundGameProfileID      = 0x02
	ClientboundLoginCompressionID = 0x03

	// Configuration
	ClientboundConfigDisconnectID = 0x02
	ClientboundConfigFinishID     = 0x03
	ClientboundConfigKeepAliveID  = 0x04

	// Play
	ClientboundChunkBatchFinishedID  = 0x0C
	ClientboundChunkBatchStartID     = 0x0D
	ClientboundContainerSetContentID = 0x13
	ClientboundPlayDisconnectID      = 0x1D
	ClientboundDisguisedChatID       = 0x1E
	ClientboundForgetChunkID         = 0x21
	ClientboundChunkWithLightID      = 0x27
	ClientboundPlayKeepAliveID       = 0x26
	ClientboundPlayerChatID          = 0x3B
	ClientboundPlayerPositionID      = 0x40
	ClientboundStartConfigurationID  = 0x69
	ClientboundSystemChatID          = 0x6C
)

var serverboundByPhase = map[Phase]map[int32]bool{
	PhaseHandshake: {
		HandshakeIntentionID: true,
	},
	PhaseStatus: {
		StatusRequestID: true,
		StatusPingID:    true,
	},
	PhaseLogin: {
		LoginHelloID:        true,
		LoginKeyID:          true,
		LoginAcknowledgedID: true,
	},
	PhaseConfiguration: {
		ConfigClientInfoID: true,
		ConfigFinishAckID:  true,
		ConfigKeepAliveID:  true,
	},
	PhasePlay: {
		PlayChatAckID:           true,
		PlayChatCommandID:       true,
		PlaySignedChatCommandID: true,
		PlayChatID:              true,
		PlaySessionUpdateID:     true,
		PlayChunkBatchAckID:     true,
		PlayConfigurationAckID:  true,
		PlayContainerClickID:    true,
		PlayInteractID:          true,
		PlayKeepAliveID:         true,
		PlayMovePosID:           true,
		PlayMovePosRotID:        true,
		PlayMoveRotID:           true,
		PlayMoveFlagsID:         true,
	},
}

// AcceptsServerbound reports whether the phase admits the given inbound
// packet ID.
func (p Phase) AcceptsServerbound(id int32) bool {
	return serverboundByPhase[p][id]
}
