package crypto

import (
	"encoding/base64"
	"fmt"

	"github.com/cloudflare/circl/kem"
	"github.com/cloudflare/circl/kem/kyber/kyber768"

	"marinvpn/pkg/vpnerr"
)

// The key stage runs round-3 Kyber768, the pre-standard ancestor of
// FIPS 203 ML-KEM-768; the two are not wire compatible.
const (
	PQCHandshakeLabel = "Kyber768 (round 3)"
	PQCProviderLabel  = "MarinQuantum v1"
	PQCFallbackLabel  = "fallback (non-PQ)"
)

func kemScheme() kem.Scheme {
	return kyber768.Scheme()
}

// KEMKeyPair is the client's ephemeral keypair for one config request.
type KEMKeyPair struct {
	public  kem.PublicKey
	private kem.PrivateKey
}

func GenerateKEMKeyPair() (*KEMKeyPair, error) {
	pub, priv, err := kemScheme().GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("generate kem keypair: %w", err)
	}
	return &KEMKeyPair{public: pub, private: priv}, nil
}

func (k *KEMKeyPair) PublicKeyBase64() (string, error) {
	raw, err := k.public.MarshalBinary()
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// Decapsulate recovers the shared secret from a base64 ciphertext.
func (k *KEMKeyPair) Decapsulate(ciphertextB64 string) ([]byte, error) {
	ct, err := decodeB64(ciphertextB64)
	if err != nil {
		return nil, fmt.Errorf("kem ciphertext: %w", vpnerr.ErrMalformedInput)
	}
	if len(ct) != kemScheme().CiphertextSize() {
		return nil, fmt.Errorf("kem ciphertext size %d: %w", len(ct), vpnerr.ErrMalformedInput)
	}
	ss, err := kemScheme().Decapsulate(k.private, ct)
	if err != nil {
		return nil, fmt.Errorf("kem decapsulate: %w", err)
	}
	return ss, nil
}

// Encapsulate runs the server half against a base64 client public key. Only
// the returned ciphertext may be sent back to the client.
func Encapsulate(publicKeyB64 string) (string, []byte, error) {
	raw, err := decodeB64(publicKeyB64)
	if err != nil {
		return "", nil, fmt.Errorf("kem public key: %w", vpnerr.ErrMalformedInput)
	}
	if len(raw) != kemScheme().PublicKeySize() {
		return "", nil, fmt.Errorf("kem public key size %d: %w", len(raw), vpnerr.ErrMalformedInput)
	}
	pub, err := kemScheme().UnmarshalBinaryPublicKey(raw)
	if err != nil {
		return "", nil, fmt.Errorf("kem public key: %w", err)
	}
	ct, ss, err := kemScheme().Encapsulate(pub)
	if err != nil {
		return "", nil, fmt.Errorf("kem encapsulate: %w", err)
	}
	return base64.StdEncoding.EncodeToString(ct), ss, nil
}

// PresharedKeyFromSecret encodes a 32-byte KEM secret as a WireGuard PSK.
func PresharedKeyFromSecret(secret []byte) (string, error) {
	if len(secret) != 32 {
		return "", fmt.Errorf("shared secret size %d: %w", len(secret), vpnerr.ErrMalformedInput)
	}
	return base64.StdEncoding.EncodeToString(secret), nil
}
