package crypto

import (
	"crypto/md5"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// MD5 returns the 16-byte md5 digest of data.
func MD5(data []byte) []byte {
	sum := md5.Sum(data)
	return sum[:]
}

// MD5Hex returns the lowercase hex md5 digest of s.
func MD5Hex(s string) string {
	return hex.EncodeToString(MD5([]byte(s)))
}

func SHA256(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

// Fingerprint returns a BLAKE2b-256 digest. It identifies stored session
// material without keeping another copy of it.
func Fingerprint(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// RandomBytes returns n bytes from crypto/rand.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}
