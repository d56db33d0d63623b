// Package keys is the registry of public verification keys.
package keys

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"proofofart/internal/models"
	"proofofart/internal/proof"
	"proofofart/internal/repository"
)

// ErrKeyNotFound is returned for unknown and revoked keys alike.
var ErrKeyNotFound = errors.New("key not found")

type Store interface {
	Upsert(ctx context.Context, key models.KeyRecord) error
	Get(ctx context.Context, kid string) (models.KeyRecord, error)
	Revoke(ctx context.Context, kid string, at time.Time) error
	ListByOwner(ctx context.Context, ownerID string) ([]models.KeyRecord, error)
}

type Registry struct {
	store Store
	now   func() time.Time
}

func NewRegistry(store Store) *Registry {
	return &Registry{store: store, now: time.Now}
}

// Upsert stores the key under kid. Re-upserting a revoked kid reactivates it.
func (r *Registry) Upsert(ctx context.Context, kid, publicKeyPEM string, ownerType models.KeyOwnerType, ownerID *string) error {
	kid = strings.TrimSpace(kid)
	if kid == "" {
		return errors.New("kid is required")
	}
	if _, err := proof.ParsePublicKeyPEM(publicKeyPEM); err != nil {
		return fmt.Errorf("public key for %s: %w", kid, err)
	}
	return r.store.Upsert(ctx, models.KeyRecord{
		Kid:          kid,
		PublicKeyPEM: publicKeyPEM,
		OwnerType:    ownerType,
		OwnerID:      ownerID,
	})
}

// RegisterSystemKey satisfies proof.KeyRegistrar.
func (r *Registry) RegisterSystemKey(ctx context.Context, kid, publicKeyPEM string) error {
	return r.Upsert(ctx, kid, publicKeyPEM, models.KeyOwnerSystem, nil)
}

// GetActive returns the key only while it is not revoked.
func (r *Registry) GetActive(ctx context.Context, kid string) (models.KeyRecord, error) {
	key, err := r.store.Get(ctx, kid)
	if err != nil {
		if errors.Is(err, repository.ErrKeyNotFound) {
			return models.KeyRecord{}, ErrKeyNotFound
		}
		return models.KeyRecord{}, err
	}
	if key.Revoked {
		return models.KeyRecord{}, ErrKeyNotFound
	}
	return key, nil
}

// Get returns the record regardless of revocation, for audit views.
func (r *Registry) Get(ctx context.Context, kid string) (models.KeyRecord, error) {
	key, err := r.store.Get(ctx, kid)
	if errors.Is(err, repository.ErrKeyNotFound) {
		return models.KeyRecord{}, ErrKeyNotFound
	}
	return key, err
}

func (r *Registry) Revoke(ctx context.Context, kid string) error {
	err := r.store.Revoke(ctx, kid, r.now().UTC())
	if errors.Is(err, repository.ErrKeyNotFound) {
		return ErrKeyNotFound
	}
	return err
}

func (r *Registry) ListByOwner(ctx context.Context, ownerID string) ([]models.KeyRecord, error) {
	return r.store.ListByOwner(ctx, ownerID)
}
