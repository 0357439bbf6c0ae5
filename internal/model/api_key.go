package model

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// APIKey authenticates a client. Multiple keys can exist per client.
type APIKey struct {
	ID        uuid.UUID  `json:"id"`
	Prefix    string     `json:"prefix"`
	KeyHash   string     `json:"-"` // Never serialized.
	ClientID  string     `json:"client_id"`
	Role      Role       `json:"role"`
	Label     string     `json:"label"`
	CreatedAt time.Time  `json:"created_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// APIKeyWithRawKey is returned only on creation, the only time the raw key
// is visible.
type APIKeyWithRawKey struct {
	APIKey
	RawKey string `json:"raw_key"`
}

const (
	keyPrefixLen    = 4  // random bytes, 8 hex chars
	keySecretLen    = 16 // random bytes, 32 hex chars
	keyFormatPrefix = "fg_"
)

// GenerateRawKey produces a raw key in the format fg_<8-char-prefix>_<32-char-secret>.
func GenerateRawKey() (rawKey, prefix string, err error) {
	prefixBytes := make([]byte, keyPrefixLen)
	if _, err := rand.Read(prefixBytes); err != nil {
		return "", "", fmt.Errorf("model: generate key prefix: %w", err)
	}
	secretBytes := make([]byte, keySecretLen)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", "", fmt.Errorf("model: generate key secret: %w", err)
	}

	prefix = hex.EncodeToString(prefixBytes)
	rawKey = keyFormatPrefix + prefix + "_" + hex.EncodeToString(secretBytes)
	return rawKey, prefix, nil
}

// ParseRawKey extracts the prefix from a raw key. Keys not in the generated
// format (for example a bootstrap admin key) return an error.
func ParseRawKey(rawKey string) (prefix string, err error) {
	if !strings.HasPrefix(rawKey, keyFormatPrefix) {
		return "", fmt.Errorf("model: invalid key format: missing %s prefix", keyFormatPrefix)
	}
	rest := rawKey[len(keyFormatPrefix):]
	underIdx := strings.IndexByte(rest, '_')
	if underIdx < 1 || underIdx == len(rest)-1 {
		return "", fmt.Errorf("model: invalid key format: expected %s<prefix>_<secret>", keyFormatPrefix)
	}
	return rest[:underIdx], nil
}

// ValidateKeyLabel checks that a key label is reasonable.
func ValidateKeyLabel(label string) error {
	if len(label) > 255 {
		return fmt.Errorf("label must be at most 255 characters")
	}
	return nil
}
