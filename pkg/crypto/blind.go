package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"golang.org/x/crypto/blake2s"

	"marinvpn/pkg/vpnerr"
)

const (
	BlindKeyBits       = 2048
	TokenMessageSize   = 32
	blindHashDomainSep = "MARIN_VPN_BLIND_SIG_V1"
)

var (
	bigOne = big.NewInt(1)
	bigTwo = big.NewInt(2)
)

// BlindSigner signs blinded messages with a per-process RSA key. It keeps no
// record of what it signed.
type BlindSigner struct {
	key *rsa.PrivateKey
}

func NewBlindSigner(bits int) (*BlindSigner, error) {
	if bits <= 0 {
		bits = BlindKeyBits
	}
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("generate blind signing key: %w", err)
	}
	return &BlindSigner{key: key}, nil
}

func (s *BlindSigner) PublicKey() *rsa.PublicKey {
	return &s.key.PublicKey
}

func (s *BlindSigner) PublicKeyPEM() string {
	der, err := x509.MarshalPKIXPublicKey(&s.key.PublicKey)
	if err != nil {
		return ""
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}

// PrivateKeyPEM exports the signing key as PKCS#8 so offline tooling can
// reload it.
func (s *BlindSigner) PrivateKeyPEM() (string, error) {
	der, err := x509.MarshalPKCS8PrivateKey(s.key)
	if err != nil {
		return "", err
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})), nil
}

func ParseBlindSigner(pemText string) (*BlindSigner, error) {
	block, _ := pem.Decode([]byte(strings.TrimSpace(pemText)))
	if block == nil || block.Type != "PRIVATE KEY" {
		return nil, fmt.Errorf("signing key: %w", vpnerr.ErrMalformedInput)
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("signing key: %w", err)
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("signing key is not rsa: %w", vpnerr.ErrMalformedInput)
	}
	return &BlindSigner{key: rsaKey}, nil
}

// SignBlinded returns base64(m'^d mod n) for the base64 blinded value m'.
func (s *BlindSigner) SignBlinded(blindedB64 string) (string, error) {
	raw, err := decodeB64(blindedB64)
	if err != nil || len(raw) == 0 {
		return "", fmt.Errorf("blinded message: %w", vpnerr.ErrMalformedInput)
	}
	n := s.key.N
	mPrime := new(big.Int).SetBytes(raw)
	if mPrime.Cmp(bigTwo) < 0 || mPrime.Cmp(n) >= 0 {
		return "", fmt.Errorf("blinded message out of range: %w", vpnerr.ErrMalformedInput)
	}
	sig := new(big.Int).Exp(mPrime, s.key.D, n)
	return encodeModulusSized(sig, n), nil
}

func (s *BlindSigner) Verify(messageB64 string, signatureB64 string) bool {
	_, ok := s.VerifyToken(messageB64, signatureB64)
	return ok
}

// VerifyToken checks a token and returns its message re-encoded as padded
// standard base64. Every accepted spelling of one message maps to the same
// canonical string, so replay state must be keyed on it.
func (s *BlindSigner) VerifyToken(messageB64 string, signatureB64 string) (string, bool) {
	msg, err := decodeB64(messageB64)
	if err != nil || len(msg) == 0 {
		return "", false
	}
	sig, err := decodeB64(signatureB64)
	if err != nil || len(sig) == 0 {
		return "", false
	}
	if !VerifyBlindSignature(&s.key.PublicKey, msg, sig) {
		return "", false
	}
	return base64.StdEncoding.EncodeToString(msg), true
}

// VerifyBlindSignature checks s^e mod n == H(m).
func VerifyBlindSignature(pub *rsa.PublicKey, message []byte, signature []byte) bool {
	if pub == nil || pub.N == nil {
		return false
	}
	s := new(big.Int).SetBytes(signature)
	if s.Sign() == 0 || s.Cmp(pub.N) >= 0 {
		return false
	}
	e := big.NewInt(int64(pub.E))
	got := new(big.Int).Exp(s, e, pub.N)
	return got.Cmp(hashToInt(message, pub.N)) == 0
}

func ParseBlindPublicKey(pemText string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(strings.TrimSpace(pemText)))
	if block == nil {
		return nil, fmt.Errorf("blind key: %w", vpnerr.ErrMalformedInput)
	}
	switch block.Type {
	case "PUBLIC KEY":
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("blind key: %w", err)
		}
		pub, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("blind key is not rsa: %w", vpnerr.ErrMalformedInput)
		}
		return pub, nil
	case "RSA PUBLIC KEY":
		pub, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("blind key: %w", err)
		}
		return pub, nil
	default:
		return nil, fmt.Errorf("blind key pem type %q: %w", block.Type, vpnerr.ErrMalformedInput)
	}
}

func NewTokenMessage() ([]byte, error) {
	m := make([]byte, TokenMessageSize)
	if _, err := rand.Read(m); err != nil {
		return nil, err
	}
	return m, nil
}

// BlindingState is the client half of one token exchange. It lives only for
// the duration of a single provisioning call.
type BlindingState struct {
	pub     *rsa.PublicKey
	message []byte
	hashed  *big.Int
	r       *big.Int
}

// Blind computes m' = H(m)·r^e mod n for a fresh blinding factor r coprime to n.
func Blind(pub *rsa.PublicKey, message []byte) (string, *BlindingState, error) {
	if pub == nil || pub.N == nil || len(message) == 0 {
		return "", nil, vpnerr.ErrMalformedInput
	}
	r, err := randomCoprime(pub.N)
	if err != nil {
		return "", nil, err
	}
	hashed := hashToInt(message, pub.N)
	e := big.NewInt(int64(pub.E))
	blinded := new(big.Int).Exp(r, e, pub.N)
	blinded.Mul(blinded, hashed)
	blinded.Mod(blinded, pub.N)

	msg := make([]byte, len(message))
	copy(msg, message)
	st := &BlindingState{pub: pub, message: msg, hashed: hashed, r: r}
	return encodeModulusSized(blinded, pub.N), st, nil
}

// Unblind computes s = s'·r⁻¹ mod n and refuses to return s unless it
// verifies against H(m).
func (b *BlindingState) Unblind(signedB64 string) (string, error) {
	raw, err := decodeB64(signedB64)
	if err != nil || len(raw) == 0 {
		return "", fmt.Errorf("signed blinded message: %w", vpnerr.ErrMalformedInput)
	}
	n := b.pub.N
	sPrime := new(big.Int).SetBytes(raw)
	if sPrime.Cmp(n) >= 0 {
		return "", vpnerr.ErrBlindVerificationFailed
	}
	rInv := new(big.Int).ModInverse(b.r, n)
	if rInv == nil {
		return "", vpnerr.ErrBlindVerificationFailed
	}
	s := new(big.Int).Mul(sPrime, rInv)
	s.Mod(s, n)

	e := big.NewInt(int64(b.pub.E))
	if new(big.Int).Exp(s, e, n).Cmp(b.hashed) != 0 {
		return "", vpnerr.ErrBlindVerificationFailed
	}
	return encodeModulusSized(s, n), nil
}

func (b *BlindingState) MessageBase64() string {
	return base64.StdEncoding.EncodeToString(b.message)
}

// FactorBase64 exports r so an exchange can be finished by another process.
func (b *BlindingState) FactorBase64() string {
	return encodeModulusSized(b.r, b.pub.N)
}

// RestoreBlindingState rebuilds the state exported with MessageBase64 and
// FactorBase64.
func RestoreBlindingState(pub *rsa.PublicKey, messageB64, factorB64 string) (*BlindingState, error) {
	if pub == nil || pub.N == nil {
		return nil, vpnerr.ErrMalformedInput
	}
	msg, err := decodeB64(messageB64)
	if err != nil || len(msg) == 0 {
		return nil, fmt.Errorf("message: %w", vpnerr.ErrMalformedInput)
	}
	raw, err := decodeB64(factorB64)
	if err != nil || len(raw) == 0 {
		return nil, fmt.Errorf("blinding factor: %w", vpnerr.ErrMalformedInput)
	}
	r := new(big.Int).SetBytes(raw)
	if r.Cmp(bigOne) <= 0 || r.Cmp(pub.N) >= 0 {
		return nil, fmt.Errorf("blinding factor out of range: %w", vpnerr.ErrMalformedInput)
	}
	return &BlindingState{pub: pub, message: msg, hashed: hashToInt(msg, pub.N), r: r}, nil
}

// Wipe clears the blinding factor and message.
func (b *BlindingState) Wipe() {
	if b == nil {
		return
	}
	if b.r != nil {
		b.r.SetInt64(0)
	}
	Wipe(b.message)
}

func hashToInt(message []byte, n *big.Int) *big.Int {
	h, _ := blake2s.New256(nil)
	_, _ = h.Write([]byte(blindHashDomainSep))
	_, _ = h.Write(message)
	v := new(big.Int).SetBytes(h.Sum(nil))
	return v.Mod(v, n)
}

func randomCoprime(n *big.Int) (*big.Int, error) {
	gcd := new(big.Int)
	for i := 0; i < 128; i++ {
		r, err := rand.Int(rand.Reader, n)
		if err != nil {
			return nil, err
		}
		if r.Cmp(bigOne) <= 0 {
			continue
		}
		if gcd.GCD(nil, nil, r, n).Cmp(bigOne) == 0 {
			return r, nil
		}
	}
	return nil, errors.New("could not find blinding factor coprime to modulus")
}

func encodeModulusSized(v *big.Int, n *big.Int) string {
	buf := make([]byte, (n.BitLen()+7)/8)
	return base64.StdEncoding.EncodeToString(v.FillBytes(buf))
}

func decodeB64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawStdEncoding.DecodeString(s)
}

// Wipe zeroes b in place.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
