package proof

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/rs/zerolog"

	"proofofart/internal/config"
)

// SystemKey is the process-wide signing key used when no artist key applies.
type SystemKey struct {
	Kid          string
	Private      *ecdsa.PrivateKey
	PublicKeyPEM string
}

// KeyRegistrar stores a public key under a kid, clearing any revocation.
type KeyRegistrar interface {
	RegisterSystemKey(ctx context.Context, kid, publicKeyPEM string) error
}

// LoadSystemKey resolves the system key from inline PEM, then a file path,
// and falls back to an ephemeral key whose public half is logged. A key path
// that does not exist yet is filled with a new key.
func LoadSystemKey(cfg config.ProofConfig, logger zerolog.Logger) (*SystemKey, error) {
	kid := cfg.SystemKeyID
	if kid == "" {
		kid = "system-default"
	}
	if !strings.HasPrefix(kid, systemKidPrefix) {
		return nil, fmt.Errorf("system key id %q must start with %q", kid, systemKidPrefix)
	}

	var (
		key *ecdsa.PrivateKey
		err error
	)
	switch {
	case strings.TrimSpace(cfg.SystemKeyPEM) != "":
		key, err = ParsePrivateKeyPEM([]byte(cfg.SystemKeyPEM))
		if err != nil {
			return nil, fmt.Errorf("parse system key: %w", err)
		}
	case cfg.SystemKeyPath != "":
		raw, readErr := os.ReadFile(cfg.SystemKeyPath)
		if errors.Is(readErr, fs.ErrNotExist) {
			key, err = createKeyFile(cfg.SystemKeyPath)
			if err != nil {
				return nil, err
			}
			logger.Info().Str("kid", kid).Str("path", cfg.SystemKeyPath).Msg("generated system key file")
			break
		}
		if readErr != nil {
			return nil, fmt.Errorf("read system key: %w", readErr)
		}
		key, err = ParsePrivateKeyPEM(raw)
		if err != nil {
			return nil, fmt.Errorf("parse system key %s: %w", cfg.SystemKeyPath, err)
		}
	default:
		key, err = GenerateKey()
		if err != nil {
			return nil, fmt.Errorf("generate system key: %w", err)
		}
	}

	pubPEM, err := EncodePublicKeyPEM(&key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("encode system public key: %w", err)
	}
	if cfg.SystemKeyPEM == "" && cfg.SystemKeyPath == "" {
		logger.Warn().Str("kid", kid).Str("public_key", pubPEM).Msg("no system key configured, generated an ephemeral one")
	}

	return &SystemKey{Kid: kid, Private: key, PublicKeyPEM: pubPEM}, nil
}

// createKeyFile writes a new PKCS#8 key to path without replacing an
// existing file.
func createKeyFile(path string) (*ecdsa.PrivateKey, error) {
	key, err := GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate system key: %w", err)
	}
	pemBytes, err := EncodePrivateKeyPEM(key)
	if err != nil {
		return nil, fmt.Errorf("encode system key: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create system key file: %w", err)
	}
	if _, err := f.Write(pemBytes); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("write system key file: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("write system key file: %w", err)
	}
	return key, nil
}

// Register publishes the system public key so verifiers can resolve it.
func (k *SystemKey) Register(ctx context.Context, registrar KeyRegistrar) error {
	return registrar.RegisterSystemKey(ctx, k.Kid, k.PublicKeyPEM)
}
