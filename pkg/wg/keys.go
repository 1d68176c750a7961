package wg

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

var ErrInvalidKey = errors.New("invalid wireguard key")

func DecodeKeyBase64(s string) ([]byte, error) {
	if s == "" {
		return nil, ErrInvalidKey
	}
	if b, err := base64.StdEncoding.DecodeString(s); err == nil && len(b) == 32 {
		return b, nil
	}
	if b, err := base64.RawStdEncoding.DecodeString(s); err == nil && len(b) == 32 {
		return b, nil
	}
	return nil, ErrInvalidKey
}

func IsValidPublicKey(s string) bool {
	_, err := DecodeKeyBase64(s)
	return err == nil
}

func EncodeKeyBase64(b []byte) (string, error) {
	if len(b) != 32 {
		return "", ErrInvalidKey
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// GenerateKeyPair returns a fresh clamped Curve25519 private key and its
// public key, both base64 encoded as wg(8) expects.
func GenerateKeyPair() (priv string, pub string, err error) {
	var sk [32]byte
	if _, err := rand.Read(sk[:]); err != nil {
		return "", "", fmt.Errorf("generate private key: %w", err)
	}
	sk[0] &= 248
	sk[31] = (sk[31] & 127) | 64
	pk, err := curve25519.X25519(sk[:], curve25519.Basepoint)
	if err != nil {
		return "", "", fmt.Errorf("derive public key: %w", err)
	}
	priv = base64.StdEncoding.EncodeToString(sk[:])
	pub = base64.StdEncoding.EncodeToString(pk)
	for i := range sk {
		sk[i] = 0
	}
	return priv, pub, nil
}

// PublicKey derives the public key for a base64 private key.
func PublicKey(priv string) (string, error) {
	sk, err := DecodeKeyBase64(priv)
	if err != nil {
		return "", err
	}
	pk, err := curve25519.X25519(sk, curve25519.Basepoint)
	if err != nil {
		return "", fmt.Errorf("derive public key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(pk), nil
}
