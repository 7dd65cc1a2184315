package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// KeyPrefix marks API keys minted by the controller.
const KeyPrefix = "vmp_"

// HashKey returns a SHA-256 hash of the key.
func HashKey(key string) string {
	key = strings.TrimSpace(key)

	hash := sha256.Sum256([]byte(key))
	return hex.EncodeToString(hash[:])
}

// GenerateToken returns n random bytes, hex encoded.
func GenerateToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// GenerateKey mints a new API key. Only its hash is ever stored.
func GenerateKey() (string, error) {
	tok, err := GenerateToken(32)
	if err != nil {
		return "", err
	}
	return KeyPrefix + tok, nil
}
