package crypto

import (
	"crypto/aes"
	"crypto/cipher"
)

// cfb8 implements the CFB-8 stream mode the game protocol requires. The
// standard library only ships CFB-128, which shifts a whole block per step;
// CFB-8 shifts one byte, so each output byte depends on a fresh block
// encryption of the previous 16 bytes of ciphertext.
type cfb8 struct {
	block   cipher.Block
	iv      []byte
	scratch []byte
	decrypt bool
}

// NewCFB8Encrypter returns a CFB-8 encrypting stream.
func NewCFB8Encrypter(block cipher.Block, iv []byte) cipher.Stream {
	return newCFB8(block, iv, false)
}

// NewCFB8Decrypter returns a CFB-8 decrypting stream.
func NewCFB8Decrypter(block cipher.Block, iv []byte) cipher.Stream {
	return newCFB8(block, iv, true)
}

func newCFB8(block cipher.Block, iv []byte, decrypt bool) cipher.Stream {
	if len(iv) != block.BlockSize() {
		panic("crypto: IV length must equal block size")
	}
	s := &cfb8{
		block:   block,
		iv:      make([]byte, block.BlockSize()),
		scratch: make([]byte, block.BlockSize()),
		decrypt: decrypt,
	}
	copy(s.iv, iv)
	return s
}

func (s *cfb8) XORKeyStream(dst, src []byte) {
	if len(dst) < len(src) {
		panic("crypto: output smaller than input")
	}
	for i := range src {
		s.block.Encrypt(s.scratch, s.iv)
		out := src[i] ^ s.scratch[0]

		feedback := out
		if s.decrypt {
			feedback = src[i]
		}
		copy(s.iv, s.iv[1:])
		s.iv[len(s.iv)-1] = feedback

		dst[i] = out
	}
}

// NewSessionCiphers derives the paired encrypt/decrypt streams from a login
// shared secret. The protocol uses the secret as both AES key and IV.
func NewSessionCiphers(secret []byte) (encrypt, decrypt cipher.Stream, err error) {
	block, err := aes.NewCipher(secret)
	if err != nil {
		return nil, nil, err
	}
	return NewCFB8Encrypter(block, secret), NewCFB8Decrypter(block, secret), nil
}
