// Package keystore looks up provisioned signing keys. Distribution and
// rotation of the keys happen elsewhere.
package keystore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"securordo/internal/cryptoengine"
	"securordo/internal/domain"
)

// PrivateKeyProvider returns the signing key of a prescriber, by RPPS number.
type PrivateKeyProvider interface {
	PrivateKey(ctx context.Context, rppsNumber string) (string, error)
}

// PublicKeyResolver returns the verification key of a user, by user id.
type PublicKeyResolver interface {
	PublicKey(ctx context.Context, userID string) (string, error)
}

// KeyringEntry one provisioned identity
type KeyringEntry struct {
	UserID     string `json:"userId,omitempty"`
	RPPSNumber string `json:"rppsNumber,omitempty"`
	PublicKey  string `json:"publicKey"`
	PrivateKey string `json:"privateKey"`
}

// KeyringFile on-disk layout, keyed by display name.
type KeyringFile struct {
	Prescribers map[string]KeyringEntry `json:"prescribers"`
	Pharmacists map[string]KeyringEntry `json:"pharmacists,omitempty"`
}

// FileKeyring JSON keyring loaded once at startup.
type FileKeyring struct {
	byRPPS map[string]KeyringEntry
	byUser map[string]KeyringEntry
}

// LoadKeyring reads and validates path.
func LoadKeyring(path string) (*FileKeyring, error) {
	f, err := ReadKeyringFile(path)
	if err != nil {
		return nil, err
	}
	return NewFileKeyring(f)
}

// ReadKeyringFile parses path without validating the keys.
func ReadKeyringFile(path string) (KeyringFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return KeyringFile{}, fmt.Errorf("failed to read keyring: %w", err)
	}
	var f KeyringFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return KeyringFile{}, fmt.Errorf("failed to parse keyring %s: %w", path, err)
	}
	return f, nil
}

// NewFileKeyring indexes f. Every public key must parse.
func NewFileKeyring(f KeyringFile) (*FileKeyring, error) {
	k := &FileKeyring{
		byRPPS: map[string]KeyringEntry{},
		byUser: map[string]KeyringEntry{},
	}
	for _, group := range []map[string]KeyringEntry{f.Prescribers, f.Pharmacists} {
		for name, e := range group {
			if err := cryptoengine.ParsePublicKey(e.PublicKey); err != nil {
				return nil, fmt.Errorf("keyring entry %q: %w", name, err)
			}
			if e.RPPSNumber != "" {
				k.byRPPS[e.RPPSNumber] = e
			}
			if e.UserID != "" {
				k.byUser[e.UserID] = e
			}
		}
	}
	return k, nil
}

func (k *FileKeyring) PrivateKey(ctx context.Context, rppsNumber string) (string, error) {
	e, ok := k.byRPPS[rppsNumber]
	if !ok || e.PrivateKey == "" {
		return "", fmt.Errorf("no signing key for RPPS %s: %w", rppsNumber, domain.ErrNotFound)
	}
	return e.PrivateKey, nil
}

func (k *FileKeyring) PublicKey(ctx context.Context, userID string) (string, error) {
	e, ok := k.byUser[userID]
	if !ok {
		return "", fmt.Errorf("no public key for user %s: %w", userID, domain.ErrNotFound)
	}
	return e.PublicKey, nil
}

// Save writes f to path with owner-only permissions.
func Save(path string, f KeyringFile) error {
	raw, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o600)
}
