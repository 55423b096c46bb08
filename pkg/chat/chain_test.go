package chat

import (
	"crypto/ed25519"
	"errors"
	"testing"
	"time"
)

func testBody(content string, index int) MessageBody {
	return MessageBody{
		Content:   content,
		Timestamp: time.UnixMilli(1700000000000 + int64(index)*1000),
		Salt:      int64(index) * 7919,
	}
}

func TestSignatureChainAcceptsValidSequence(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey error: %v", err)
	}

	client := NewSignatureChain()
	server := NewSignatureChain()

	for i := 0; i < 5; i++ {
		body := testBody("hello", i)
		sig := client.Sign(priv, body)

		msg, nextServer, err := server.Decode(pub, body, sig)
		if err != nil {
			t.Fatalf("message %d rejected: %v", i, err)
		}
		if msg.Index != int32(i) {
			t.Errorf("message %d index = %d", i, msg.Index)
		}

		// Advance both ends past the accepted link.
		_, nextClient, err := client.Decode(pub, body, sig)
		if err != nil {
			t.Fatalf("client chain advance failed: %v", err)
		}
		client, server = nextClient, nextServer
	}
}

func TestSignatureChainRejectsTamperedBody(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey error: %v", err)
	}

	chain := NewSignatureChain()
	body := testBody("hello", 0)
	sig := chain.Sign(priv, body)

	body.Content = "hello, altered"
	_, next, err := chain.Decode(pub, body, sig)
	if !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("tampered body error = %v, want ErrInvalidSignature", err)
	}
	if !next.Broken() {
		t.Error("chain not broken after invalid signature")
	}
}

func TestSignatureChainStaysBroken(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey error: %v", err)
	}

	chain := NewSignatureChain()
	var badSig MessageSignature
	_, chain, err = chain.Decode(pub, testBody("first", 0), badSig)
	if !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("zero signature error = %v, want ErrInvalidSignature", err)
	}

	// Even a correctly formed follow-up must be rejected forever.
	body := testBody("second", 1)
	goodSig := NewSignatureChain().Sign(priv, body)
	_, chain, err = chain.Decode(pub, body, goodSig)
	if !errors.Is(err, ErrChainBroken) {
		t.Fatalf("post-break error = %v, want ErrChainBroken", err)
	}
	if !chain.Broken() {
		t.Error("chain recovered from a break")
	}
}

func TestSignatureChainBindsLastSeen(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("GenerateKey error: %v", err)
	}

	var seenSig MessageSignature
	seenSig[0] = 0xAA
	body := testBody("hello", 0)
	body.LastSeen = LastSeen{seenSig}

	chain := NewSignatureChain()
	sig := chain.Sign(priv, body)

	// Dropping the seen window from the body must invalidate the signature.
	stripped := body
	stripped.LastSeen = nil
	if _, _, err := chain.Decode(pub, stripped, sig); err == nil {
		t.Error("signature accepted without the seen window it covers")
	}
	if _, _, err := chain.Decode(pub, body, sig); err != nil {
		t.Errorf("original body rejected: %v", err)
	}
}
