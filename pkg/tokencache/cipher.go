package tokencache

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"

	"golang.org/x/crypto/chacha20poly1305"
)

const keySize = 32

func newSessionKey() ([]byte, error) {
	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}

func newAEAD(name string, key []byte) (cipher.AEAD, error) {
	if name == CipherChaCha20Poly1305 {
		return chacha20poly1305.New(key)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// additionalData binds an entry to the bearer token that stored it and to
// its audience. Only the digest of the bearer is used.
func additionalData(bearer, audience string) []byte {
	sum := sha256.Sum256([]byte(bearer))
	aad := make([]byte, 0, len(sum)+len(audience))
	aad = append(aad, sum[:]...)
	return append(aad, audience...)
}
