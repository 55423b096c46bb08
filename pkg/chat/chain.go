package chat

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"time"
)

// MessageSignature is a session-key signature over one chain link.
type MessageSignature [ed25519.SignatureSize]byte

// Chain decode errors. A broken chain stays broken: after the first failure
// every later message for the session is rejected, valid signature or not,
// so a tampered link cannot be laundered by resuming the chain behind it.
var (
	ErrChainBroken      = errors.New("message chain is broken")
	ErrInvalidSignature = errors.New("message signature does not extend the chain")
)

// MessageBody is the signed portion of a player chat message.
type MessageBody struct {
	Content   string
	Timestamp time.Time
	Salt      int64
	LastSeen  LastSeen
}

func (b MessageBody) digest() []byte {
	h := sha256.New()
	var scratch [8]byte
	binary.BigEndian.PutUint64(scratch[:], uint64(b.Timestamp.UnixMilli()))
	h.Write(scratch[:])
	binary.BigEndian.PutUint64(scratch[:], uint64(b.Salt))
	h.Write(scratch[:])
	binary.BigEndian.PutUint32(scratch[:4], uint32(len(b.Content)))
	h.Write(scratch[:4])
	h.Write([]byte(b.Content))
	for _, sig := range b.LastSeen {
		h.Write(sig[:])
	}
	return h.Sum(nil)
}

// SignedMessage is a chain-accepted message ready for broadcast.
type SignedMessage struct {
	Index     int32
	Signature MessageSignature
	Body      MessageBody
}

// SignatureChain is the per-session decode state, threaded functionally:
// each Decode returns the successor state. Once broken the value never
// returns to valid.
type SignatureChain struct {
	broken  bool
	index   int32
	lastSig MessageSignature
}

// NewSignatureChain returns the chain anchor for a fresh session.
func NewSignatureChain() SignatureChain {
	return SignatureChain{}
}

// Broken reports whether the chain has been permanently invalidated.
func (c SignatureChain) Broken() bool {
	return c.broken
}

// linkDigest is what the client signs: the previous link's signature, the
// link index, and the body digest.
func (c SignatureChain) linkDigest(body MessageBody) []byte {
	h := sha256.New()
	h.Write(c.lastSig[:])
	var idx [4]byte
	binary.BigEndian.PutUint32(idx[:], uint32(c.index))
	h.Write(idx[:])
	h.Write(body.digest())
	return h.Sum(nil)
}

// Decode accepts a message only if its signature correctly extends the chain
// under the session key. On success the returned state advances one link; on
// any failure the returned state is broken and stays broken.
func (c SignatureChain) Decode(key ed25519.PublicKey, body MessageBody, sig MessageSignature) (SignedMessage, SignatureChain, error) {
	if c.broken {
		return SignedMessage{}, c, ErrChainBroken
	}
	if !ed25519.Verify(key, c.linkDigest(body), sig[:]) {
		return SignedMessage{}, SignatureChain{broken: true}, ErrInvalidSignature
	}
	msg := SignedMessage{Index: c.index, Signature: sig, Body: body}
	next := SignatureChain{index: c.index + 1, lastSig: sig}
	return msg, next, nil
}

// Sign produces the signature a client would attach for this chain state.
// The server only verifies; this exists for in-process clients and tests.
func (c SignatureChain) Sign(key ed25519.PrivateKey, body MessageBody) MessageSignature {
	var sig MessageSignature
	copy(sig[:], ed25519.Sign(key, c.linkDigest(body)))
	return sig
}
