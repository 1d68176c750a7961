package wg

import (
	"encoding/base64"
	"testing"
)

func TestKeyValidation(t *testing.T) {
	b := make([]byte, 32)
	for i := range b {
		b[i] = byte(i)
	}
	k := base64.StdEncoding.EncodeToString(b)
	if !IsValidPublicKey(k) {
		t.Fatalf("expected key to validate")
	}
}

func TestKeyValidationRejectsBadLength(t *testing.T) {
	short := base64.StdEncoding.EncodeToString([]byte{1, 2, 3})
	if IsValidPublicKey(short) {
		t.Fatalf("expected short key to fail")
	}
}

func TestGenerateKeyPairDerivesPublicKey(t *testing.T) {
	priv, pub, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !IsValidPublicKey(pub) {
		t.Fatalf("public key invalid: %q", pub)
	}
	derived, err := PublicKey(priv)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if derived != pub {
		t.Fatalf("derived=%q want=%q", derived, pub)
	}
	raw, _ := DecodeKeyBase64(priv)
	if raw[0]&7 != 0 || raw[31]&128 != 0 || raw[31]&64 == 0 {
		t.Fatalf("private key not clamped: %x", raw)
	}
}

func TestGenerateKeyPairIsFresh(t *testing.T) {
	a, _, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	b, _, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if a == b {
		t.Fatalf("expected distinct private keys")
	}
}
