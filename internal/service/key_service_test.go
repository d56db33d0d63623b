package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proofofart/internal/apperr"
	"proofofart/internal/models"
	"proofofart/internal/proof"
)

func artistPEM(t *testing.T) string {
	t.Helper()
	key, err := proof.GenerateKey()
	require.NoError(t, err)
	pub, err := proof.EncodePublicKeyPEM(&key.PublicKey)
	require.NoError(t, err)
	return pub
}

func TestRegisterArtistKey(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	pem := artistPEM(t)

	record, err := h.keys.RegisterArtistKey(ctx, "u1", "artist-u1", pem)
	require.NoError(t, err)
	assert.Equal(t, models.KeyOwnerArtist, record.OwnerType)
	require.NotNil(t, record.OwnerID)
	assert.Equal(t, "u1", *record.OwnerID)

	_, err = h.keys.RegisterArtistKey(ctx, "u1", "artist-u1", artistPEM(t))
	require.NoError(t, err)

	_, err = h.keys.RegisterArtistKey(ctx, "u2", "artist-u1", pem)
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	_, err = h.keys.RegisterArtistKey(ctx, "u1", "system-mine", pem)
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	_, err = h.keys.RegisterArtistKey(ctx, "u1", "artist-bad", "not a pem")
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)

	mine, err := h.keys.ListMine(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, mine, 1)
}

func TestRevokeKey(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	_, err := h.keys.RegisterArtistKey(ctx, "u1", "artist-u1", artistPEM(t))
	require.NoError(t, err)

	assert.ErrorIs(t, h.keys.Revoke(ctx, "u2", "artist-u1"), apperr.ErrForbidden)
	require.NoError(t, h.keys.Revoke(ctx, "u1", "artist-u1"))
	require.NoError(t, h.keys.Revoke(ctx, "admin", "artist-u1"))

	record, err := h.keys.Get(ctx, "artist-u1")
	require.NoError(t, err)
	assert.True(t, record.Revoked)
	assert.NotNil(t, record.RevokedAt)

	_, err = h.keys.RegisterArtistKey(ctx, "u1", "artist-u1", artistPEM(t))
	assert.ErrorIs(t, err, apperr.ErrConflict)

	assert.ErrorIs(t, h.keys.Revoke(ctx, "admin", "missing"), apperr.ErrNotFound)
}
