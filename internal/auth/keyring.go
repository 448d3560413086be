package auth

import (
	"crypto/subtle"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// BcryptCost is the cost factor for hashing API keys.
// Higher values are more secure but slower.
const BcryptCost = 12

// Keyring holds the configured API keys. Entries that look like bcrypt
// hashes are verified with bcrypt; everything else is treated as a
// plaintext key and compared in constant time.
type Keyring struct {
	plain  [][]byte
	hashed [][]byte
}

// NewKeyring builds a keyring from AGINGOS_API_KEYS entries.
// Blank entries are dropped.
func NewKeyring(entries []string) *Keyring {
	ring := &Keyring{}
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if IsHashedKey(entry) {
			ring.hashed = append(ring.hashed, []byte(entry))
		} else {
			ring.plain = append(ring.plain, []byte(entry))
		}
	}
	return ring
}

// Empty reports whether no keys are configured.
func (k *Keyring) Empty() bool {
	return len(k.plain) == 0 && len(k.hashed) == 0
}

// Verify reports whether the presented key matches any configured entry.
// Every entry is checked even after a match so timing does not reveal
// which entry matched.
func (k *Keyring) Verify(candidate string) bool {
	if candidate == "" {
		return false
	}
	raw := []byte(candidate)
	ok := false
	for _, key := range k.plain {
		if subtle.ConstantTimeCompare(raw, key) == 1 {
			ok = true
		}
	}
	for _, hash := range k.hashed {
		if bcrypt.CompareHashAndPassword(hash, raw) == nil {
			ok = true
		}
	}
	return ok
}

// IsHashedKey reports whether a key entry is a bcrypt hash rather than a
// plaintext key.
func IsHashedKey(entry string) bool {
	return strings.HasPrefix(entry, "$2a$") ||
		strings.HasPrefix(entry, "$2b$") ||
		strings.HasPrefix(entry, "$2y$")
}

// HashKey generates a bcrypt hash from a plaintext API key. The result
// can be used directly as an AGINGOS_API_KEYS entry.
func HashKey(key string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(key), BcryptCost)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}
