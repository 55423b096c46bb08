package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"fmt"
	"math/big"
)

// ServerKeyPair holds the RSA keypair generated at startup for the login
// encryption handshake. The public key is sent to clients in DER form.
type ServerKeyPair struct {
	Private   *rsa.PrivateKey
	PublicDER []byte
}

// GenerateKeyPair generates the 1024-bit login keypair. The key only
// protects the ephemeral shared secret exchange, matching the wire protocol.
func GenerateKeyPair() (*ServerKeyPair, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		return nil, fmt.Errorf("generate server key: %w", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("encode public key: %w", err)
	}
	return &ServerKeyPair{Private: priv, PublicDER: der}, nil
}

// Decrypt decrypts a PKCS#1 v1.5 block from the client (shared secret or
// nonce echo).
func (k *ServerKeyPair) Decrypt(data []byte) ([]byte, error) {
	return rsa.DecryptPKCS1v15(rand.Reader, k.Private, data)
}

// AuthDigest computes the session-service server hash: SHA-1 over the server
// ID, shared secret and public key, hex-encoded as a signed two's-complement
// magnitude, which is how the Java edition formats it.
func AuthDigest(serverID string, secret, publicDER []byte) string {
	h := sha1.New()
	h.Write([]byte(serverID))
	h.Write(secret)
	h.Write(publicDER)
	sum := h.Sum(nil)

	negative := sum[0]&0x80 != 0
	n := new(big.Int).SetBytes(sum)
	if negative {
		// two's complement of the 160-bit magnitude
		n.Sub(new(big.Int).Lsh(big.NewInt(1), uint(len(sum)*8)), n)
		return "-" + n.Text(16)
	}
	return n.Text(16)
}

// RandomNonce returns the 4-byte login challenge nonce.
func RandomNonce() ([]byte, error) {
	nonce := make([]byte, 4)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return nonce, nil
}
