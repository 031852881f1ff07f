package mihome

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/hex"
	"fmt"
)

// Encryptor derives the write key from the current gateway token and the
// gateway's configured key.
type Encryptor func(token, key string) (string, error)

// tokenIV is the fixed initialisation vector used by the gateway firmware.
var tokenIV = []byte{
	0x17, 0x99, 0x6d, 0x09, 0x3d, 0x28, 0xdd, 0xb3,
	0xba, 0x69, 0x5a, 0x2e, 0x6f, 0x58, 0x56, 0x2e,
}

// EncryptToken is the default Encryptor. It encrypts token with AES-128-CBC
// (no padding) under key and returns lower-case hex.
//
// Parameters:
//   - token: Gateway token, a multiple of 16 bytes (gateways issue 16)
//   - key: Gateway developer key, exactly 16 bytes
//
// Returns:
//   - string: Hex ciphertext
//   - error: ErrConfiguration for a bad key, ErrEncode for a bad token
func EncryptToken(token, key string) (string, error) {
	if len(key) != aes.BlockSize {
		return "", fmt.Errorf("%w: gateway key must be %d characters, got %d",
			ErrConfiguration, aes.BlockSize, len(key))
	}
	if token == "" || len(token)%aes.BlockSize != 0 {
		return "", fmt.Errorf("%w: token length %d is not a multiple of %d",
			ErrEncode, len(token), aes.BlockSize)
	}

	block, err := aes.NewCipher([]byte(key))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrConfiguration, err)
	}

	out := make([]byte, len(token))
	cipher.NewCBCEncrypter(block, tokenIV).CryptBlocks(out, []byte(token))
	return hex.EncodeToString(out), nil
}
