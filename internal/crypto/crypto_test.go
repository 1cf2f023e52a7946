package crypto

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestHashAPIKey(t *testing.T) {
	for _, key := range []string{"gw-550e8400-e29b-41d4-a716-446655440000", "", "key!@#$%^&*()"} {
		h1, h2 := HashAPIKey(key), HashAPIKey(key)
		if h1 != h2 {
			t.Errorf("HashAPIKey(%q) not deterministic", key)
		}
		if len(h1) != 64 || strings.Trim(h1, "0123456789abcdef") != "" {
			t.Errorf("HashAPIKey(%q) = %q, want 64 hex chars", key, h1)
		}
	}
	if HashAPIKey("key1") == HashAPIKey("key2") {
		t.Error("different keys should produce different hashes")
	}
}

func TestEncryptor_SealOpen(t *testing.T) {
	enc, err := NewEncryptor("payload-key")
	if err != nil {
		t.Fatalf("NewEncryptor() error = %v", err)
	}

	tests := []struct {
		name      string
		plaintext []byte
	}{
		{"request body", []byte(`{"model":"claude-sonnet-4","messages":[]}`)},
		{"empty", []byte{}},
		{"binary", []byte{0, 1, 2, 255}},
		{"large", bytes.Repeat([]byte("a"), 1<<16)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sealed, err := enc.Seal(tt.plaintext)
			if err != nil {
				t.Fatalf("Seal() error = %v", err)
			}
			if len(tt.plaintext) > 0 && bytes.Contains(sealed, tt.plaintext) {
				t.Error("sealed payload contains the plaintext")
			}
			opened, err := enc.Open(sealed)
			if err != nil {
				t.Fatalf("Open() error = %v", err)
			}
			if !bytes.Equal(opened, tt.plaintext) {
				t.Errorf("Open() = %q", opened)
			}
		})
	}
}

func TestEncryptor_RandomNonce(t *testing.T) {
	enc, _ := NewEncryptor("test-key")
	a, _ := enc.Encrypt("same plaintext")
	b, _ := enc.Encrypt("same plaintext")
	if a == b {
		t.Error("Encrypt should produce different ciphertexts for the same plaintext")
	}
}

func TestEncryptor_RejectsBadCiphertext(t *testing.T) {
	enc, _ := NewEncryptor("key1")
	other, _ := NewEncryptor("key2")
	sealed, _ := enc.Encrypt("secret data")

	tests := []struct {
		name       string
		ciphertext string
	}{
		{"invalid base64", "not-valid-base64!!!"},
		{"too short", "YWJj"},
		{"tampered", "dGFtcGVyZWQgZGF0YSB0aGF0IGlzIGxvbmcgZW5vdWdo"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := enc.Decrypt(tt.ciphertext); !errors.Is(err, ErrInvalidCiphertext) {
				t.Errorf("Decrypt() error = %v", err)
			}
		})
	}

	if _, err := other.Decrypt(sealed); err == nil {
		t.Error("decrypting with a different key should fail")
	}
}

func BenchmarkSeal(b *testing.B) {
	enc, _ := NewEncryptor("benchmark-key")
	payload := bytes.Repeat([]byte("x"), 4096)
	for i := 0; i < b.N; i++ {
		enc.Seal(payload)
	}
}
