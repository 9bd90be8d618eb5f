package crypto

import (
	"bytes"
	"encoding/hex"
	"testing"
)

func TestDigests(t *testing.T) {
	tests := []struct {
		name     string
		fn       func([]byte) []byte
		input    string
		expected string
	}{
		{"md5 empty", MD5, "", "d41d8cd98f00b204e9800998ecf8427e"},
		{"md5 simple", MD5, "hello world", "5eb63bbbe01eeed093cb22bb8f5acdc3"},
		{"sha256 simple", SHA256, "hello world", "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := hex.EncodeToString(tt.fn([]byte(tt.input)))
			if got != tt.expected {
				t.Errorf("digest = %s, want %s", got, tt.expected)
			}
		})
	}
}

func TestMD5Hex(t *testing.T) {
	if got := MD5Hex("hello world"); got != "5eb63bbbe01eeed093cb22bb8f5acdc3" {
		t.Errorf("MD5Hex() = %s", got)
	}
}

func TestFingerprint(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"", "0e5751c026e543b2e8ab2eb06099daa1d1e5df47778f7787faab45cdf12fe3a8"},
		{"hello world", "256c83b297114d201b30179f3f0ef0cace9783622da5974326b436178aeef610"},
	}

	for _, tt := range tests {
		if got := Fingerprint([]byte(tt.input)); got != tt.expected {
			t.Errorf("Fingerprint(%q) = %s, want %s", tt.input, got, tt.expected)
		}
	}
}

func TestRandomBytes(t *testing.T) {
	a, err := RandomBytes(16)
	if err != nil {
		t.Fatalf("RandomBytes() error = %v", err)
	}
	b, _ := RandomBytes(16)
	if len(a) != 16 {
		t.Errorf("RandomBytes() length = %d, want 16", len(a))
	}
	if bytes.Equal(a, b) {
		t.Error("RandomBytes() produced identical output (collision)")
	}
}
