package proof

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"math/big"
	"time"

	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"
)

// p256ScalarSize is the byte length of r and s in a raw P-256 signature.
const p256ScalarSize = 32

type Signer struct {
	now  func() time.Time
	rand io.Reader
}

type SignerOption func(*Signer)

func WithClock(now func() time.Time) SignerOption {
	return func(s *Signer) {
		s.now = now
	}
}

func NewSigner(opts ...SignerOption) *Signer {
	s := &Signer{
		now:  time.Now,
		rand: rand.Reader,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sign stamps the current time, canonicalizes the payload and signs it with
// ECDSA P-256 / SHA-256. The signature is the fixed-length r||s encoding.
func (s *Signer) Sign(assessment Assessment, key *ecdsa.PrivateKey, kid string) (SignedAttestation, error) {
	if key == nil {
		return SignedAttestation{}, errors.New("signing key is required")
	}
	if key.Curve != elliptic.P256() {
		return SignedAttestation{}, errors.New("signing key must be P-256")
	}
	if kid == "" {
		return SignedAttestation{}, errors.New("key id is required")
	}

	timestamp := s.now().UTC().Format(TimestampLayout)
	payload := Payload{
		ImageSHA256:    assessment.ImageSHA256,
		AIScore:        assessment.AIScore,
		IsAIGenerated:  assessment.IsAIGenerated,
		TamperDetected: assessment.TamperDetected,
		Timestamp:      timestamp,
		SignerKid:      kid,
	}

	canonical, err := Canonicalize(payload)
	if err != nil {
		return SignedAttestation{}, fmt.Errorf("canonicalize: %w", err)
	}
	digest := sha256.Sum256(canonical)

	der, err := ecdsa.SignASN1(s.rand, key, digest[:])
	if err != nil {
		return SignedAttestation{}, fmt.Errorf("sign: %w", err)
	}
	raw, err := derToRaw(der)
	if err != nil {
		return SignedAttestation{}, err
	}

	return SignedAttestation{
		Payload:   payload,
		Signature: base64.StdEncoding.EncodeToString(raw),
		SignedBy:  RoleForKid(kid),
		SignedAt:  timestamp,
	}, nil
}

// Verify re-canonicalizes the signed fields and checks the signature. It
// never fails loudly: malformed input of any kind yields false.
func Verify(att SignedAttestation, pub *ecdsa.PublicKey) bool {
	if pub == nil || pub.Curve != elliptic.P256() || pub.X == nil || pub.Y == nil {
		return false
	}
	raw, err := base64.StdEncoding.DecodeString(att.Signature)
	if err != nil || len(raw) != 2*p256ScalarSize {
		return false
	}
	der, ok := rawToDER(raw)
	if !ok {
		return false
	}
	canonical, err := Canonicalize(att.Payload)
	if err != nil {
		return false
	}
	digest := sha256.Sum256(canonical)
	return ecdsa.VerifyASN1(pub, digest[:], der)
}

// VerifyPEM is Verify for a PEM-encoded public key.
func VerifyPEM(att SignedAttestation, publicKeyPEM string) bool {
	pub, err := ParsePublicKeyPEM(publicKeyPEM)
	if err != nil {
		return false
	}
	return Verify(att, pub)
}

func derToRaw(der []byte) ([]byte, error) {
	var (
		r, s  = new(big.Int), new(big.Int)
		inner cryptobyte.String
	)
	input := cryptobyte.String(der)
	if !input.ReadASN1(&inner, asn1.SEQUENCE) ||
		!input.Empty() ||
		!inner.ReadASN1Integer(r) ||
		!inner.ReadASN1Integer(s) ||
		!inner.Empty() {
		return nil, errors.New("malformed ASN.1 signature")
	}
	raw := make([]byte, 2*p256ScalarSize)
	r.FillBytes(raw[:p256ScalarSize])
	s.FillBytes(raw[p256ScalarSize:])
	return raw, nil
}

func rawToDER(raw []byte) ([]byte, bool) {
	r := new(big.Int).SetBytes(raw[:p256ScalarSize])
	s := new(big.Int).SetBytes(raw[p256ScalarSize:])
	var b cryptobyte.Builder
	b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1BigInt(r)
		b.AddASN1BigInt(s)
	})
	der, err := b.Bytes()
	if err != nil {
		return nil, false
	}
	return der, true
}
