package crypto

import (
	"crypto/rand"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

const (
	privateKeyFile = "private.key"
	publicKeyFile  = "public.key"
)

// Keyring loads or creates the ledger signing key under a directory.
//
// Layout:
//
//	<dir>/private.key  raw Ed25519 seed (0600), or the MAC master secret
//	<dir>/public.key   raw Ed25519 public key, safe to publish
type Keyring struct {
	Dir    string
	logger *slog.Logger
}

func NewKeyring(dir string, logger *slog.Logger) *Keyring {
	if logger == nil {
		logger = slog.Default()
	}
	return &Keyring{Dir: dir, logger: logger}
}

// Load returns the persistent signer, generating a fresh Ed25519 key pair on
// first use. When forceMAC is set (deployments without asymmetric-crypto
// support), it fails closed into MAC mode using the same key file as the
// shared secret.
func (k *Keyring) Load(forceMAC bool) (Signer, error) {
	if err := os.MkdirAll(k.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("keyring dir: %w", err)
	}
	privPath := filepath.Join(k.Dir, privateKeyFile)

	secret, err := os.ReadFile(privPath)
	if os.IsNotExist(err) {
		secret = make([]byte, 32)
		if _, rerr := rand.Read(secret); rerr != nil {
			return nil, fmt.Errorf("keyring secret generation: %w", rerr)
		}
		if werr := os.WriteFile(privPath, secret, 0o600); werr != nil {
			return nil, fmt.Errorf("keyring write private key: %w", werr)
		}
		k.logger.Info("generated new ledger signing key", "dir", k.Dir, "mac_mode", forceMAC)
	} else if err != nil {
		return nil, fmt.Errorf("keyring read private key: %w", err)
	}

	if forceMAC {
		k.logger.Warn("ledger signing running in shared-secret MAC mode; entries are not third-party verifiable")
		return NewMACSigner(secret)
	}

	signer, err := NewEd25519SignerFromSeed(secret)
	if err != nil {
		return nil, fmt.Errorf("keyring load signer: %w", err)
	}
	if err := os.WriteFile(filepath.Join(k.Dir, publicKeyFile), signer.PublicKeyBytes(), 0o644); err != nil {
		return nil, fmt.Errorf("keyring write public key: %w", err)
	}
	return signer, nil
}

// PublishPublicKey mirrors the verification key into another directory
// (typically the ledger directory, so auditors find it next to the segments).
func (k *Keyring) PublishPublicKey(signer Signer, dir string) error {
	pub := signer.PublicKeyBytes()
	if pub == nil {
		// MAC mode has no publishable key.
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("publish dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, publicKeyFile), pub, 0o644); err != nil {
		return fmt.Errorf("publish public key: %w", err)
	}
	return nil
}

// LoadPublicKey reads a published verification key.
func LoadPublicKey(dir string) ([]byte, error) {
	b, err := os.ReadFile(filepath.Join(dir, publicKeyFile))
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}
	return b, nil
}
