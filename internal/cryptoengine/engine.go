// Package cryptoengine signs, verifies and encrypts prescription payloads.
//
// Components depend on the Engine interface and receive an implementation at
// construction time; New is the only place an implementation is chosen.
package cryptoengine

import (
	"errors"
	"fmt"
)

// Fixed sizes of every key, digest and signature crossing a boundary.
const (
	PrivateKeySize = 32
	PublicKeySize  = 33 // compressed SEC1 point
	SignatureSize  = 64 // compact r||s
	DigestSize     = 32
	NonceSize      = 32
	FingerprintLen = 16 // hex chars
)

// KeyPair hex-encoded P-256 key material.
type KeyPair struct {
	PublicKey   string `json:"publicKey"`
	PrivateKey  string `json:"privateKey"`
	Fingerprint string `json:"fingerprint"`
}

// KeyFormatError malformed key material. This is a configuration problem and
// callers treat it as fatal for the request.
type KeyFormatError struct {
	Kind   string // "private key", "public key"
	Reason string
}

func (e *KeyFormatError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Kind, e.Reason)
}

// ErrDecryptFailed authentication tag mismatch or malformed ciphertext.
var ErrDecryptFailed = errors.New("ecies: decryption failed")

// Engine is the cryptographic strategy injected into the prescription flow.
type Engine interface {
	GenerateKeyPair() (KeyPair, error)
	// HashPayload returns SHA-256 over the canonical JSON form of payload.
	HashPayload(payload any) ([]byte, error)
	// Sign hashes payload and returns a deterministic 64-byte signature, hex.
	Sign(payload any, privateKeyHex string) (string, error)
	// Verify never fails loudly: any parse or cryptographic failure is false.
	Verify(signatureHex, digestHex, publicKeyHex string) bool
	GenerateNonce() (string, error)
	Encrypt(payload any, recipientPublicKeyHex string) (string, error)
	Decrypt(blob string, recipientPrivateKeyHex string, out any) error
}

// New returns the engine registered under name.
func New(name string) (Engine, error) {
	switch name {
	case "", "p256":
		return NewP256Engine(), nil
	default:
		return nil, fmt.Errorf("unknown crypto engine %q", name)
	}
}
