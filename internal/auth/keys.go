package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/ashita-ai/futago/internal/model"
)

// AdminClientID is the client id that authenticates with the bootstrap
// admin key.
const AdminClientID = "admin"

// ErrInvalidCredentials is returned for any unknown client, key or mismatch.
var ErrInvalidCredentials = errors.New("auth: invalid credentials")

// KeyStore returns a client's unrevoked keys.
type KeyStore interface {
	ActiveAPIKeys(ctx context.Context, clientID string) ([]model.APIKey, error)
}

// Authenticator exchanges a client id and raw API key for the key record.
type Authenticator struct {
	keys     KeyStore
	adminKey string
}

// NewAuthenticator returns an Authenticator. adminKey, when set, lets
// AdminClientID authenticate without a stored key.
func NewAuthenticator(keys KeyStore, adminKey string) *Authenticator {
	return &Authenticator{keys: keys, adminKey: adminKey}
}

// Authenticate verifies rawKey for clientID.
func (a *Authenticator) Authenticate(ctx context.Context, clientID, rawKey string) (model.APIKey, error) {
	if clientID == "" || rawKey == "" {
		return model.APIKey{}, ErrInvalidCredentials
	}
	if clientID == AdminClientID && a.adminKey != "" &&
		subtle.ConstantTimeCompare([]byte(rawKey), []byte(a.adminKey)) == 1 {
		return model.APIKey{ClientID: AdminClientID, Role: model.RoleAdmin, Label: "bootstrap"}, nil
	}

	prefix, err := model.ParseRawKey(rawKey)
	if err != nil {
		DummyVerify()
		return model.APIKey{}, ErrInvalidCredentials
	}

	keys, err := a.keys.ActiveAPIKeys(ctx, clientID)
	if err != nil {
		return model.APIKey{}, fmt.Errorf("auth: load keys: %w", err)
	}
	for _, k := range keys {
		if k.Prefix != prefix {
			continue
		}
		ok, err := VerifyAPIKey(rawKey, k.KeyHash)
		if err != nil {
			return model.APIKey{}, err
		}
		if ok {
			return k, nil
		}
		return model.APIKey{}, ErrInvalidCredentials
	}
	DummyVerify()
	return model.APIKey{}, ErrInvalidCredentials
}

// NewKey generates a raw key for clientID and returns the record to store
// alongside the raw key, which is shown once.
func NewKey(clientID string, role model.Role, label string) (model.APIKey, string, error) {
	if clientID == "" {
		return model.APIKey{}, "", errors.New("auth: client_id is required")
	}
	if !role.Valid() {
		return model.APIKey{}, "", fmt.Errorf("auth: invalid role %q", role)
	}
	raw, prefix, err := model.GenerateRawKey()
	if err != nil {
		return model.APIKey{}, "", err
	}
	hash, err := HashAPIKey(raw)
	if err != nil {
		return model.APIKey{}, "", err
	}
	return model.APIKey{
		Prefix:   prefix,
		KeyHash:  hash,
		ClientID: clientID,
		Role:     role,
		Label:    label,
	}, raw, nil
}
