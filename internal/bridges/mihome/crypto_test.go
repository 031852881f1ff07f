package mihome

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/hex"
	"errors"
	"testing"
)

func TestEncryptToken(t *testing.T) {
	const key = "0987654321qwerty"
	const token = "1234567890abcdef"

	got, err := EncryptToken(token, key)
	if err != nil {
		t.Fatalf("EncryptToken() error = %v", err)
	}
	if len(got) != 32 {
		t.Fatalf("len(EncryptToken()) = %d, want 32", len(got))
	}

	again, err := EncryptToken(token, key)
	if err != nil {
		t.Fatalf("EncryptToken() error = %v", err)
	}
	if again != got {
		t.Errorf("EncryptToken() not deterministic: %s vs %s", got, again)
	}

	raw, err := hex.DecodeString(got)
	if err != nil {
		t.Fatalf("hex decode: %v", err)
	}
	block, err := aes.NewCipher([]byte(key))
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}
	plain := make([]byte, len(raw))
	cipher.NewCBCDecrypter(block, tokenIV).CryptBlocks(plain, raw)
	if string(plain) != token {
		t.Errorf("decrypted = %q, want %q", plain, token)
	}
}

func TestEncryptTokenErrors(t *testing.T) {
	tests := []struct {
		name  string
		token string
		key   string
		want  error
	}{
		{name: "short key", token: "1234567890abcdef", key: "short", want: ErrConfiguration},
		{name: "empty key", token: "1234567890abcdef", key: "", want: ErrConfiguration},
		{name: "odd token", token: "abc", key: "0987654321qwerty", want: ErrEncode},
		{name: "empty token", token: "", key: "0987654321qwerty", want: ErrEncode},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := EncryptToken(tt.token, tt.key); !errors.Is(err, tt.want) {
				t.Errorf("EncryptToken() error = %v, want %v", err, tt.want)
			}
		})
	}
}
