// Package crypto provides the signing primitives for the tamper-evident ledger.
//
// Ed25519 detached signatures are the default. When asymmetric signing is not
// available the package fails closed into a shared-secret MAC mode (keyed
// BLAKE2b-256 over the same payload); MAC-signed entries are flagged so that
// verifiers can report them as not independently third-party verifiable.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

// Algorithm identifies how a ledger record was signed.
type Algorithm string

const (
	AlgEd25519 Algorithm = "ed25519"
	AlgMAC     Algorithm = "mac"
)

// Signer produces detached signatures over canonical payload bytes.
type Signer interface {
	Sign(data []byte) (string, error)
	Verify(data []byte, sigHex string) bool
	Algorithm() Algorithm
	// PublicKeyBytes returns the raw verification key. For MAC mode this is
	// nil: there is nothing safe to publish.
	PublicKeyBytes() []byte
}

// Ed25519Signer implements Signer with an Ed25519 key pair.
type Ed25519Signer struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// NewEd25519Signer generates a fresh key pair.
func NewEd25519Signer() (*Ed25519Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("key generation failed: %w", err)
	}
	return &Ed25519Signer{priv: priv, pub: pub}, nil
}

// NewEd25519SignerFromSeed builds a signer from a 32-byte seed.
func NewEd25519SignerFromSeed(seed []byte) (*Ed25519Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("invalid seed size %d, want %d", len(seed), ed25519.SeedSize)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Ed25519Signer{priv: priv, pub: priv.Public().(ed25519.PublicKey)}, nil
}

func (s *Ed25519Signer) Sign(data []byte) (string, error) {
	return hex.EncodeToString(ed25519.Sign(s.priv, data)), nil
}

func (s *Ed25519Signer) Verify(data []byte, sigHex string) bool {
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false
	}
	return ed25519.Verify(s.pub, data, sig)
}

func (s *Ed25519Signer) Algorithm() Algorithm { return AlgEd25519 }

func (s *Ed25519Signer) PublicKeyBytes() []byte { return s.pub }

// Seed returns the private seed for persistence. Callers own key file
// permissions.
func (s *Ed25519Signer) Seed() []byte { return s.priv.Seed() }

// VerifyDetached verifies an Ed25519 signature against a raw public key.
// This is the only entry point an out-of-process verifier needs.
func VerifyDetached(pubKey []byte, data []byte, sigHex string) (bool, error) {
	if len(pubKey) != ed25519.PublicKeySize {
		return false, fmt.Errorf("invalid public key size %d, want %d", len(pubKey), ed25519.PublicKeySize)
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, fmt.Errorf("invalid signature hex: %w", err)
	}
	if len(sig) != ed25519.SignatureSize {
		return false, fmt.Errorf("invalid signature size %d, want %d", len(sig), ed25519.SignatureSize)
	}
	return ed25519.Verify(ed25519.PublicKey(pubKey), data, sig), nil
}

// constantTimeEqualHex compares two hex-encoded MACs without leaking timing.
func constantTimeEqualHex(aHex, bHex string) bool {
	a, err := hex.DecodeString(aHex)
	if err != nil {
		return false
	}
	b, err := hex.DecodeString(bHex)
	if err != nil {
		return false
	}
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}
