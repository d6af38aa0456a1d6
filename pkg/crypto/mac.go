package crypto

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/hkdf"
)

// macKeyInfo is the HKDF info string binding derived keys to ledger signing.
const macKeyInfo = "keel/ledger/mac/v1"

// MACSigner is the fail-closed fallback when asymmetric signing is
// unavailable. Signatures are keyed BLAKE2b-256 tags computed from a key
// derived from a shared master secret. Anyone holding the secret can forge
// tags, which is exactly why entries signed this way must be surfaced as not
// third-party verifiable.
type MACSigner struct {
	key []byte
}

// NewMACSigner derives the MAC key from masterSecret via HKDF-SHA256.
func NewMACSigner(masterSecret []byte) (*MACSigner, error) {
	if len(masterSecret) == 0 {
		return nil, fmt.Errorf("master secret must not be empty")
	}
	key := make([]byte, 32)
	kdf := hkdf.New(sha256.New, masterSecret, nil, []byte(macKeyInfo))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("mac key derivation failed: %w", err)
	}
	return &MACSigner{key: key}, nil
}

func (s *MACSigner) Sign(data []byte) (string, error) {
	h, err := blake2b.New256(s.key)
	if err != nil {
		return "", fmt.Errorf("mac init failed: %w", err)
	}
	h.Write(data)
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

func (s *MACSigner) Verify(data []byte, sigHex string) bool {
	expected, err := s.Sign(data)
	if err != nil {
		return false
	}
	return constantTimeEqualHex(expected, sigHex)
}

func (s *MACSigner) Algorithm() Algorithm { return AlgMAC }

func (s *MACSigner) PublicKeyBytes() []byte { return nil }
