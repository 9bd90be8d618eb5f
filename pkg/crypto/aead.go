package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
)

const (
	gcmNonceSize = 12
	gcmTagSize   = 16
)

var (
	ErrAuthTag       = errors.New("aes-gcm: authentication failed")
	ErrAEADTooShort  = errors.New("aes-gcm: ciphertext too short")
	ErrAEADKeyLength = errors.New("aes-gcm: key must be 32 bytes")
)

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("%w: got %d", ErrAEADKeyLength, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// AESEncryptGCM encrypts plaintext with AES-256-GCM under a fresh random
// nonce. The output layout is nonce(12) || ciphertext || tag(16).
func AESEncryptGCM(plaintext, key []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcmNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// AESDecryptGCM opens data produced by AESEncryptGCM.
func AESDecryptGCM(data, key []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(data) < gcmNonceSize+gcmTagSize {
		return nil, ErrAEADTooShort
	}

	nonce, ciphertext := data[:gcmNonceSize], data[gcmNonceSize:]
	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrAuthTag
	}
	return plain, nil
}
