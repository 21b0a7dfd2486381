package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/argon2"
)

// sealedPrefix marks a config value holding an encrypted signing seed rather
// than the seed itself.
const sealedPrefix = "enc:"

const saltSize = 16

// IsSealed reports whether a config value is a sealed seed.
func IsSealed(s string) bool {
	return strings.HasPrefix(s, sealedPrefix)
}

// SealSeed encrypts a hex-encoded signing seed under a passphrase so it can
// sit in a config file or CI variable at rest. Output format is
// "enc:" + base64(salt + nonce + ciphertext); the salt travels with the blob
// so opening needs only the passphrase.
func SealSeed(seedHex, passphrase string) (string, error) {
	gcm, salt, err := newAEAD(passphrase, nil)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	blob := append(salt, gcm.Seal(nonce, nonce, []byte(strings.TrimSpace(seedHex)), nil)...)
	return sealedPrefix + base64.StdEncoding.EncodeToString(blob), nil
}

// OpenSeed recovers the hex seed from a sealed value. Values without the
// sealed prefix are returned as-is, so callers handle both forms uniformly.
func OpenSeed(value, passphrase string) (string, error) {
	if !IsSealed(value) {
		return value, nil
	}

	blob, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, sealedPrefix))
	if err != nil {
		return "", fmt.Errorf("decode sealed seed: %w", err)
	}
	if len(blob) < saltSize {
		return "", fmt.Errorf("sealed seed too short")
	}
	salt, rest := blob[:saltSize], blob[saltSize:]

	gcm, _, err := newAEAD(passphrase, salt)
	if err != nil {
		return "", err
	}
	nonceSize := gcm.NonceSize()
	if len(rest) < nonceSize {
		return "", fmt.Errorf("sealed seed too short")
	}
	nonce, sealed := rest[:nonceSize], rest[nonceSize:]

	seed, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("open sealed seed: %w", err)
	}
	return string(seed), nil
}

// newAEAD derives a 32-byte Argon2id key from the passphrase and builds the
// AES-256-GCM AEAD. A nil salt generates a fresh one.
func newAEAD(passphrase string, salt []byte) (cipher.AEAD, []byte, error) {
	if passphrase == "" {
		return nil, nil, fmt.Errorf("passphrase must not be empty")
	}
	if salt == nil {
		salt = make([]byte, saltSize)
		if _, err := io.ReadFull(rand.Reader, salt); err != nil {
			return nil, nil, fmt.Errorf("generate salt: %w", err)
		}
	}

	key := argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, salt, nil
}
