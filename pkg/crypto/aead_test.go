package crypto

import (
	"bytes"
	"errors"
	"testing"
)

func TestAESGCMRoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, 32)
	tests := []struct {
		name  string
		input []byte
	}{
		{"empty", []byte{}},
		{"short", []byte("hi")},
		{"block sized", bytes.Repeat([]byte{1}, 64)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc, err := AESEncryptGCM(tt.input, key)
			if err != nil {
				t.Fatalf("AESEncryptGCM() error = %v", err)
			}
			if len(enc) != len(tt.input)+gcmNonceSize+gcmTagSize {
				t.Errorf("AESEncryptGCM() length = %d, want %d", len(enc), len(tt.input)+28)
			}
			dec, err := AESDecryptGCM(enc, key)
			if err != nil {
				t.Fatalf("AESDecryptGCM() error = %v", err)
			}
			if !bytes.Equal(dec, tt.input) {
				t.Errorf("AESDecryptGCM() = %x, want %x", dec, tt.input)
			}
		})
	}
}

func TestAESGCMRejectsTampering(t *testing.T) {
	key := bytes.Repeat([]byte{0x07}, 32)
	enc, _ := AESEncryptGCM([]byte("authenticated"), key)

	for _, idx := range []int{0, gcmNonceSize, len(enc) - 1} {
		tampered := bytes.Clone(enc)
		tampered[idx] ^= 0x80
		if _, err := AESDecryptGCM(tampered, key); !errors.Is(err, ErrAuthTag) {
			t.Errorf("flip at %d: error = %v, want %v", idx, err, ErrAuthTag)
		}
	}

	if _, err := AESDecryptGCM(enc[:20], key); !errors.Is(err, ErrAEADTooShort) {
		t.Errorf("short input: error = %v, want %v", err, ErrAEADTooShort)
	}
	if _, err := AESEncryptGCM([]byte("x"), key[:16]); !errors.Is(err, ErrAEADKeyLength) {
		t.Errorf("short key: error = %v, want %v", err, ErrAEADKeyLength)
	}
}
