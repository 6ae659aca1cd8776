// Package auth authenticates hub and MCP clients. API keys are sent as
// Bearer tokens; people use HTTP Basic with bcrypt-hashed passwords.
// All state comes from configuration and lives in memory.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
)

const (
	// APIKeyPrefix marks a Bearer token as a notesync API key.
	APIKeyPrefix = "ns_"

	// apiKeyBytes is the number of random bytes in a generated key.
	apiKeyBytes = 32

	// APIKeyMinLen is the shortest key accepted from configuration.
	APIKeyMinLen = len(APIKeyPrefix) + 32
)

// RandomHex generates a cryptographically random hex string of the given byte length.
func RandomHex(byteLen int) string {
	b := make([]byte, byteLen)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}

	return hex.EncodeToString(b)
}

// GenerateAPIKey returns a new random API key.
func GenerateAPIKey() string {
	return APIKeyPrefix + RandomHex(apiKeyBytes)
}

// HashKey returns the SHA-256 hex digest of a key. Only digests are kept
// in memory so a heap dump does not leak usable keys.
func HashKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])
}

// ValidateKeyFormat checks the prefix, length and hex suffix of a key.
func ValidateKeyFormat(key string) error {
	if !strings.HasPrefix(key, APIKeyPrefix) {
		return fmt.Errorf("API key must start with %q", APIKeyPrefix)
	}

	if len(key) < APIKeyMinLen {
		return fmt.Errorf("API key too short (minimum %d characters)", APIKeyMinLen)
	}

	if _, err := hex.DecodeString(key[len(APIKeyPrefix):]); err != nil {
		return fmt.Errorf("API key contains non-hex characters after %q", APIKeyPrefix)
	}

	return nil
}

// KeyStore maps API key digests to user IDs.
type KeyStore struct {
	mu     sync.RWMutex
	byHash map[string]string
}

// NewKeyStore returns an empty KeyStore.
func NewKeyStore() *KeyStore {
	return &KeyStore{byHash: make(map[string]string)}
}

// Add registers key for userID.
func (k *KeyStore) Add(userID, key string) {
	k.mu.Lock()
	k.byHash[HashKey(key)] = userID
	k.mu.Unlock()
}

// Validate returns the user owning key.
func (k *KeyStore) Validate(key string) (string, bool) {
	h := HashKey(key)

	k.mu.RLock()
	defer k.mu.RUnlock()

	userID, ok := k.byHash[h]

	return userID, ok
}

// Len returns the number of registered keys.
func (k *KeyStore) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()

	return len(k.byHash)
}
