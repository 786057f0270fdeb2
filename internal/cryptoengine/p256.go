package cryptoengine

import (
	"crypto"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"math/big"

	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"
)

// P256Engine ECDSA P-256 / ECIES implementation of Engine.
//
// Signatures use RFC 6979 nonces and are normalized to low-S, so a given
// payload and key always produce the same 64 bytes.
type P256Engine struct {
	rand io.Reader
}

// NewP256Engine uses crypto/rand for keys, nonces and ECIES ephemerals.
func NewP256Engine() *P256Engine {
	return &P256Engine{rand: rand.Reader}
}

var (
	curve = elliptic.P256()
	halfN = new(big.Int).Rsh(curve.Params().N, 1)
)

func (e *P256Engine) GenerateKeyPair() (KeyPair, error) {
	priv, err := ecdh.P256().GenerateKey(e.rand)
	if err != nil {
		return KeyPair{}, fmt.Errorf("key generation failed: %w", err)
	}
	pub := compressPoint(priv.PublicKey().Bytes())
	pubHex := hex.EncodeToString(pub)
	return KeyPair{
		PublicKey:   pubHex,
		PrivateKey:  hex.EncodeToString(priv.Bytes()),
		Fingerprint: pubHex[:FingerprintLen],
	}, nil
}

func (e *P256Engine) HashPayload(payload any) ([]byte, error) {
	return hashCanonical(payload)
}

func (e *P256Engine) Sign(payload any, privateKeyHex string) (string, error) {
	priv, err := parseECDSAPrivateKey(privateKeyHex)
	if err != nil {
		return "", err
	}
	digest, err := hashCanonical(payload)
	if err != nil {
		return "", err
	}
	// nil rand selects RFC 6979 deterministic signing
	der, err := priv.Sign(nil, digest, crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("prescription signing failed: %w", err)
	}
	sig, err := derToCompact(der)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sig), nil
}

func (e *P256Engine) Verify(signatureHex, digestHex, publicKeyHex string) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()

	sig, err := decodeHexExact(signatureHex, SignatureSize)
	if err != nil {
		return false
	}
	digest, err := decodeHexExact(digestHex, DigestSize)
	if err != nil {
		return false
	}
	pub, err := parseECDSAPublicKey(publicKeyHex)
	if err != nil {
		return false
	}
	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:])
	// only the low-S form is accepted, so each signature has one encoding
	if s.Sign() == 0 || s.Cmp(halfN) > 0 {
		return false
	}
	return ecdsa.Verify(pub, digest, r, s)
}

func (e *P256Engine) GenerateNonce() (string, error) {
	b := make([]byte, NonceSize)
	if _, err := io.ReadFull(e.rand, b); err != nil {
		return "", fmt.Errorf("nonce generation failed: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// ParsePublicKey validates a compressed public key without using it.
func ParsePublicKey(publicKeyHex string) error {
	_, err := parseECDSAPublicKey(publicKeyHex)
	return err
}

func parseECDHPrivateKey(privateKeyHex string) (*ecdh.PrivateKey, error) {
	raw, err := decodeHexExact(privateKeyHex, PrivateKeySize)
	if err != nil {
		return nil, &KeyFormatError{Kind: "private key", Reason: err.Error()}
	}
	priv, err := ecdh.P256().NewPrivateKey(raw)
	if err != nil {
		return nil, &KeyFormatError{Kind: "private key", Reason: "scalar out of range"}
	}
	return priv, nil
}

func parseECDSAPrivateKey(privateKeyHex string) (*ecdsa.PrivateKey, error) {
	priv, err := parseECDHPrivateKey(privateKeyHex)
	if err != nil {
		return nil, err
	}
	pub := priv.PublicKey().Bytes() // 0x04 || X || Y
	return &ecdsa.PrivateKey{
		PublicKey: ecdsa.PublicKey{
			Curve: curve,
			X:     new(big.Int).SetBytes(pub[1:33]),
			Y:     new(big.Int).SetBytes(pub[33:65]),
		},
		D: new(big.Int).SetBytes(priv.Bytes()),
	}, nil
}

func parseECDSAPublicKey(publicKeyHex string) (*ecdsa.PublicKey, error) {
	raw, err := decodeHexExact(publicKeyHex, PublicKeySize)
	if err != nil {
		return nil, &KeyFormatError{Kind: "public key", Reason: err.Error()}
	}
	x, y := elliptic.UnmarshalCompressed(curve, raw)
	if x == nil {
		return nil, &KeyFormatError{Kind: "public key", Reason: "not a point on P-256"}
	}
	return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
}

func parseECDHPublicKey(publicKeyHex string) (*ecdh.PublicKey, error) {
	pub, err := parseECDSAPublicKey(publicKeyHex)
	if err != nil {
		return nil, err
	}
	return ecdh.P256().NewPublicKey(uncompressPoint(pub.X, pub.Y))
}

// compressPoint turns an uncompressed SEC1 point into its 33-byte form.
func compressPoint(uncompressed []byte) []byte {
	out := make([]byte, PublicKeySize)
	out[0] = 0x02 | (uncompressed[64] & 1)
	copy(out[1:], uncompressed[1:33])
	return out
}

func uncompressPoint(x, y *big.Int) []byte {
	out := make([]byte, 65)
	out[0] = 0x04
	x.FillBytes(out[1:33])
	y.FillBytes(out[33:65])
	return out
}

// derToCompact converts an ASN.1 ECDSA signature to low-S r||s.
func derToCompact(der []byte) ([]byte, error) {
	var (
		r, s  = new(big.Int), new(big.Int)
		inner cryptobyte.String
	)
	input := cryptobyte.String(der)
	if !input.ReadASN1(&inner, asn1.SEQUENCE) || !input.Empty() ||
		!inner.ReadASN1Integer(r) || !inner.ReadASN1Integer(s) || !inner.Empty() {
		return nil, fmt.Errorf("malformed ASN.1 signature")
	}
	if s.Cmp(halfN) > 0 {
		s.Sub(curve.Params().N, s)
	}
	out := make([]byte, SignatureSize)
	r.FillBytes(out[:32])
	s.FillBytes(out[32:])
	return out, nil
}
