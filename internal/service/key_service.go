package service

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog"

	"proofofart/internal/apperr"
	"proofofart/internal/keys"
	"proofofart/internal/models"
	"proofofart/internal/proof"
)

// KeyService exposes artist key registration and revocation on top of the
// key registry.
type KeyService struct {
	registry *keys.Registry
	users    UserStore
	log      zerolog.Logger
}

func NewKeyService(registry *keys.Registry, users UserStore, log zerolog.Logger) *KeyService {
	return &KeyService{registry: registry, users: users, log: log}
}

func (s *KeyService) RegisterArtistKey(ctx context.Context, userID, kid, publicKeyPEM string) (models.KeyRecord, error) {
	const op = "service.RegisterArtistKey"

	kid = strings.TrimSpace(kid)
	if kid == "" {
		return models.KeyRecord{}, apperr.Invalid(op, "kid is required")
	}
	if proof.RoleForKid(kid) == proof.RoleSystem {
		return models.KeyRecord{}, apperr.Forbidden(op, "system key ids are reserved")
	}
	if _, err := proof.ParsePublicKeyPEM(publicKeyPEM); err != nil {
		return models.KeyRecord{}, apperr.Invalid(op, "public key must be a PEM encoded P-256 key")
	}

	existing, err := s.registry.Get(ctx, kid)
	switch {
	case err == nil:
		if existing.OwnerID == nil || *existing.OwnerID != userID {
			return models.KeyRecord{}, apperr.Forbidden(op, "kid belongs to another owner")
		}
		if existing.Revoked {
			return models.KeyRecord{}, apperr.Conflict(op, "key has been revoked, register a new kid")
		}
	case !errors.Is(err, keys.ErrKeyNotFound):
		return models.KeyRecord{}, err
	}

	owner := userID
	if err := s.registry.Upsert(ctx, kid, publicKeyPEM, models.KeyOwnerArtist, &owner); err != nil {
		return models.KeyRecord{}, err
	}
	s.log.Info().Str("kid", kid).Str("user_id", userID).Msg("artist key registered")
	return s.registry.Get(ctx, kid)
}

func (s *KeyService) ListMine(ctx context.Context, userID string) ([]models.KeyRecord, error) {
	return s.registry.ListByOwner(ctx, userID)
}

// Get returns a key record for verification clients, revoked or not.
func (s *KeyService) Get(ctx context.Context, kid string) (models.KeyRecord, error) {
	key, err := s.registry.Get(ctx, kid)
	if errors.Is(err, keys.ErrKeyNotFound) {
		return models.KeyRecord{}, apperr.NotFound("service.GetKey", "key not found")
	}
	return key, err
}

// Revoke is allowed for the key owner and admins. Revocation is permanent.
func (s *KeyService) Revoke(ctx context.Context, actorID, kid string) error {
	const op = "service.RevokeKey"

	key, err := s.Get(ctx, kid)
	if err != nil {
		return err
	}
	actor, err := s.users.GetByID(ctx, actorID)
	if err != nil {
		return apperr.NotFound(op, "user not found")
	}
	owned := key.OwnerID != nil && *key.OwnerID == actorID
	if !owned && !actor.IsAdmin() {
		return apperr.Forbidden(op, "only the key owner or an admin can revoke a key")
	}
	if key.Revoked {
		return nil
	}
	if err := s.registry.Revoke(ctx, kid); err != nil {
		return err
	}
	s.log.Warn().Str("kid", kid).Str("actor_id", actorID).Msg("key revoked")
	return nil
}
