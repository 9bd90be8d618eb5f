package crypto

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
)

const teaBlockSize = 8

var (
	ErrCipherLength    = errors.New("tea: ciphertext length must be a multiple of 8")
	ErrCipherIntegrity = errors.New("tea: ciphertext is illegal")
	ErrKeySize         = errors.New("tea: key must be 16 bytes")
)

var teaDeltas = [16]uint32{
	0x9e3779b9, 0x3c6ef372, 0xdaa66d2b, 0x78dde6e4, 0x1715609d, 0xb54cda56, 0x5384540f, 0xf1bbcdc8,
	0x8ff34781, 0x2e2ac13a, 0xcc623af3, 0x6a99b4ac, 0x08d12e65, 0xa708a81e, 0x454021d7, 0xe3779b90,
}

type teaKey [4]uint32

func newTeaKey(key []byte) (teaKey, error) {
	var k teaKey
	if len(key) != 16 {
		return k, ErrKeySize
	}
	for i := range k {
		k[i] = binary.BigEndian.Uint32(key[i*4:])
	}
	return k, nil
}

func (k teaKey) encryptBlock(x, y uint32) (uint32, uint32) {
	for i := 0; i < 16; i++ {
		x += ((y << 4) + k[0]) ^ (y + teaDeltas[i]) ^ ((y >> 5) + k[1])
		y += ((x << 4) + k[2]) ^ (x + teaDeltas[i]) ^ ((x >> 5) + k[3])
	}
	return x, y
}

func (k teaKey) decryptBlock(x, y uint32) (uint32, uint32) {
	for i := 15; i >= 0; i-- {
		y -= ((x << 4) + k[2]) ^ (x + teaDeltas[i]) ^ ((x >> 5) + k[3])
		x -= ((y << 4) + k[0]) ^ (y + teaDeltas[i]) ^ ((y >> 5) + k[1])
	}
	return x, y
}

// TeaEncrypt pads plain with 2-9 random bytes and 7 trailing zeros, then
// encrypts it in the chained 16-round TEA mode used by the login and SSO
// layers. The output length is always a multiple of 8.
func TeaEncrypt(plain, key []byte) ([]byte, error) {
	k, err := newTeaKey(key)
	if err != nil {
		return nil, err
	}

	n := ((6-len(plain))%8+8)%8 + 2
	buf := make([]byte, 1+n+len(plain)+7)
	buf[0] = byte(n-2) | 0xf8
	if _, err := rand.Read(buf[1 : 1+n]); err != nil {
		return nil, err
	}
	copy(buf[1+n:], plain)

	var r1, r2, t1, t2 uint32
	for i := 0; i < len(buf); i += teaBlockSize {
		b1 := binary.BigEndian.Uint32(buf[i:]) ^ r1
		b2 := binary.BigEndian.Uint32(buf[i+4:]) ^ r2
		x, y := k.encryptBlock(b1, b2)
		r1, r2 = x^t1, y^t2
		t1, t2 = b1, b2
		binary.BigEndian.PutUint32(buf[i:], r1)
		binary.BigEndian.PutUint32(buf[i+4:], r2)
	}
	return buf, nil
}

// TeaDecrypt reverses TeaEncrypt. The input is not modified.
func TeaDecrypt(cipher, key []byte) ([]byte, error) {
	k, err := newTeaKey(key)
	if err != nil {
		return nil, err
	}
	if len(cipher)%teaBlockSize != 0 || len(cipher) < 2*teaBlockSize {
		return nil, ErrCipherLength
	}

	buf := make([]byte, len(cipher))
	var x, y, t1, t2 uint32
	for i := 0; i < len(cipher); i += teaBlockSize {
		a1 := binary.BigEndian.Uint32(cipher[i:])
		a2 := binary.BigEndian.Uint32(cipher[i+4:])
		x, y = k.decryptBlock(a1^x, a2^y)
		binary.BigEndian.PutUint32(buf[i:], x^t1)
		binary.BigEndian.PutUint32(buf[i+4:], y^t2)
		t1, t2 = a1, a2
	}

	for _, b := range buf[len(buf)-7:] {
		if b != 0 {
			return nil, ErrCipherIntegrity
		}
	}
	start := int(buf[0]&0x07) + 3
	if start > len(buf)-7 {
		return nil, ErrCipherIntegrity
	}
	return buf[start : len(buf)-7], nil
}
