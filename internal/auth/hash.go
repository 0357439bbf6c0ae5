package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// ErrMalformedHash is returned when a stored key hash cannot be parsed.
var ErrMalformedHash = errors.New("auth: invalid hash format")

// argonParams are the Argon2id cost settings recorded in every key hash, so
// stored keys keep verifying after the defaults change.
type argonParams struct {
	time    uint32
	memory  uint32 // KiB
	threads uint8
	keyLen  uint32
}

var defaultParams = argonParams{time: 1, memory: 64 * 1024, threads: 4, keyLen: 32}

const (
	saltLen    = 16
	hashPrefix = "argon2id"
)

var b64 = base64.RawStdEncoding

// HashAPIKey hashes an API key with Argon2id. The result has the form
// argon2id$v=19$m=65536,t=1,p=4$<salt>$<hash>.
func HashAPIKey(apiKey string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("auth: generate salt: %w", err)
	}
	p := defaultParams
	hash := argon2.IDKey([]byte(apiKey), salt, p.time, p.memory, p.threads, p.keyLen)

	return fmt.Sprintf("%s$v=%d$m=%d,t=%d,p=%d$%s$%s",
		hashPrefix, argon2.Version, p.memory, p.time, p.threads,
		b64.EncodeToString(salt), b64.EncodeToString(hash),
	), nil
}

// DummyVerify performs an Argon2id hash with the default cost. Call it on
// failure paths where no stored hash was checked, so response timing does
// not reveal whether a client has keys.
func DummyVerify() {
	p := defaultParams
	argon2.IDKey([]byte("dummy"), make([]byte, saltLen), p.time, p.memory, p.threads, p.keyLen)
}

// VerifyAPIKey checks an API key against a hash produced by HashAPIKey.
func VerifyAPIKey(apiKey, encoded string) (bool, error) {
	p, salt, expected, err := decodeHash(encoded)
	if err != nil {
		return false, err
	}
	computed := argon2.IDKey([]byte(apiKey), salt, p.time, p.memory, p.threads, p.keyLen)
	return subtle.ConstantTimeCompare(expected, computed) == 1, nil
}

func decodeHash(encoded string) (argonParams, []byte, []byte, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 5 || parts[0] != hashPrefix {
		return argonParams{}, nil, nil, ErrMalformedHash
	}

	var version int
	if _, err := fmt.Sscanf(parts[1], "v=%d", &version); err != nil {
		return argonParams{}, nil, nil, fmt.Errorf("%w: version: %v", ErrMalformedHash, err)
	}
	if version != argon2.Version {
		return argonParams{}, nil, nil, fmt.Errorf("%w: unsupported argon2 version %d", ErrMalformedHash, version)
	}

	var p argonParams
	if _, err := fmt.Sscanf(parts[2], "m=%d,t=%d,p=%d", &p.memory, &p.time, &p.threads); err != nil {
		return argonParams{}, nil, nil, fmt.Errorf("%w: parameters: %v", ErrMalformedHash, err)
	}
	if p.memory == 0 || p.time == 0 || p.threads == 0 {
		return argonParams{}, nil, nil, fmt.Errorf("%w: zero cost parameter", ErrMalformedHash)
	}

	salt, err := b64.DecodeString(parts[3])
	if err != nil {
		return argonParams{}, nil, nil, fmt.Errorf("%w: salt: %v", ErrMalformedHash, err)
	}
	hash, err := b64.DecodeString(parts[4])
	if err != nil || len(hash) == 0 {
		return argonParams{}, nil, nil, fmt.Errorf("%w: hash", ErrMalformedHash)
	}
	p.keyLen = uint32(len(hash)) //nolint:gosec // decoded from a short string
	return p, salt, hash, nil
}
