package cryptoengine

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	gcmIVSize  = 12
	gcmTagSize = 16
	aesKeySize = 32
)

// Encrypt seals payload for the holder of recipientPublicKeyHex.
//
// Wire format, base64: ephemeralPub(33) || iv(12) || ciphertext || tag(16).
func (e *P256Engine) Encrypt(payload any, recipientPublicKeyHex string) (string, error) {
	recipient, err := parseECDHPublicKey(recipientPublicKeyHex)
	if err != nil {
		return "", err
	}
	plaintext, err := CanonicalJSON(payload)
	if err != nil {
		return "", err
	}

	ephemeral, err := ecdh.P256().GenerateKey(e.rand)
	if err != nil {
		return "", fmt.Errorf("ecies: ephemeral key: %w", err)
	}
	gcm, err := deriveGCM(ephemeral, recipient)
	if err != nil {
		return "", err
	}

	iv := make([]byte, gcmIVSize)
	if _, err := io.ReadFull(e.rand, iv); err != nil {
		return "", fmt.Errorf("ecies: iv: %w", err)
	}

	out := make([]byte, 0, PublicKeySize+gcmIVSize+len(plaintext)+gcmTagSize)
	out = append(out, compressPoint(ephemeral.PublicKey().Bytes())...)
	out = append(out, iv...)
	out = gcm.Seal(out, iv, plaintext, nil)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt opens a blob produced by Encrypt and unmarshals it into out. Any
// tampering surfaces as ErrDecryptFailed.
func (e *P256Engine) Decrypt(blob string, recipientPrivateKeyHex string, out any) error {
	priv, err := parseECDHPrivateKey(recipientPrivateKeyHex)
	if err != nil {
		return err
	}
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return fmt.Errorf("%w: not base64", ErrDecryptFailed)
	}
	if len(raw) < PublicKeySize+gcmIVSize+gcmTagSize {
		return fmt.Errorf("%w: package too short", ErrDecryptFailed)
	}

	ephemeral, err := parseECDHPublicKey(hex.EncodeToString(raw[:PublicKeySize]))
	if err != nil {
		return fmt.Errorf("%w: bad ephemeral key", ErrDecryptFailed)
	}
	gcm, err := deriveGCM(priv, ephemeral)
	if err != nil {
		return err
	}

	iv := raw[PublicKeySize : PublicKeySize+gcmIVSize]
	plaintext, err := gcm.Open(nil, iv, raw[PublicKeySize+gcmIVSize:], nil)
	if err != nil {
		return fmt.Errorf("%w: authentication failed", ErrDecryptFailed)
	}
	if err := json.Unmarshal(plaintext, out); err != nil {
		return fmt.Errorf("%w: payload is not JSON: %v", ErrDecryptFailed, err)
	}
	return nil
}

// deriveGCM ECDH (x-coordinate) -> HKDF-SHA256, no salt, empty info -> AES-256-GCM.
func deriveGCM(priv *ecdh.PrivateKey, pub *ecdh.PublicKey) (cipher.AEAD, error) {
	shared, err := priv.ECDH(pub)
	if err != nil {
		return nil, fmt.Errorf("ecies: key agreement: %w", err)
	}
	key := make([]byte, aesKeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, nil, nil), key); err != nil {
		return nil, fmt.Errorf("ecies: hkdf: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
