//go:build integration

package integration

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proofofart/internal/database"
	"proofofart/internal/ids"
	"proofofart/internal/models"
	"proofofart/internal/repository"
)

func seedArtwork(t *testing.T, ctx context.Context, users *repository.UserRepository, images *repository.ImageRepository, artworks *repository.ArtworkRepository, owner string, others ...string) models.Artwork {
	t.Helper()
	for _, id := range append([]string{owner}, others...) {
		require.NoError(t, users.Upsert(ctx, models.User{
			ID:     id,
			Email:  id + "@example.test",
			Role:   models.UserRoleUser,
			Status: models.UserStatusActive,
		}))
	}
	image, created, err := images.Create(ctx, models.Image{
		ID:          ids.New(),
		ContentHash: ids.New(),
		SourceURL:   "https://assets.test/originals/x.png",
		MimeType:    "image/png",
		Status:      models.ImageStatusQueued,
	})
	require.NoError(t, err)
	require.True(t, created)

	artwork, err := artworks.CreateWithUpload(ctx, models.Artwork{
		ID:                 ids.New(),
		ImageID:            image.ID,
		OriginalUploaderID: owner,
	})
	require.NoError(t, err)
	return artwork
}

func TestConcurrentApprovalsTransferOnce(t *testing.T) {
	pool, _ := newPostgres(t)
	ctx := context.Background()
	users := repository.NewUserRepository(pool)
	images := repository.NewImageRepository(pool)
	artworks := repository.NewArtworkRepository(pool)
	claims := repository.NewClaimRepository(pool)

	artwork := seedArtwork(t, ctx, users, images, artworks, "owner", "alice", "bob")

	var pending []models.ArtworkClaim
	for _, requester := range []string{"alice", "bob"} {
		claim, err := claims.Create(ctx, models.ArtworkClaim{ID: ids.New(), ArtworkID: artwork.ID, RequesterID: requester})
		require.NoError(t, err)
		pending = append(pending, claim)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		wins    int
		results []error
	)
	for _, claim := range pending {
		wg.Add(1)
		go func(claim models.ArtworkClaim) {
			defer wg.Done()
			_, err := claims.Approve(ctx, repository.ApproveParams{
				ClaimID:         claim.ID,
				ArtworkID:       artwork.ID,
				RequesterID:     claim.RequesterID,
				ReviewerID:      "owner",
				ExpectedOwnerID: "owner",
				ReviewedAt:      time.Now(),
			})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
				return
			}
			results = append(results, err)
		}(claim)
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	require.Len(t, results, 1)
	assert.True(t, errors.Is(results[0], repository.ErrOwnershipConflict), results[0].Error())

	current, err := artworks.GetByID(ctx, artwork.ID)
	require.NoError(t, err)
	ledger, err := artworks.History(ctx, artwork.ID)
	require.NoError(t, err)
	require.Len(t, ledger, 2)

	replayed, ok := models.ReplayOwner(ledger)
	require.True(t, ok)
	assert.Equal(t, current.CurrentOwnerID, replayed)
	assert.Equal(t, "owner", *ledger[1].PreviousOwnerID)
}

func TestDuplicatePendingClaimRejected(t *testing.T) {
	pool, _ := newPostgres(t)
	ctx := context.Background()
	users := repository.NewUserRepository(pool)
	artwork := seedArtwork(t, ctx, users, repository.NewImageRepository(pool), repository.NewArtworkRepository(pool), "owner", "alice")
	claims := repository.NewClaimRepository(pool)

	_, err := claims.Create(ctx, models.ArtworkClaim{ID: ids.New(), ArtworkID: artwork.ID, RequesterID: "alice"})
	require.NoError(t, err)
	_, err = claims.Create(ctx, models.ArtworkClaim{ID: ids.New(), ArtworkID: artwork.ID, RequesterID: "alice"})
	assert.ErrorIs(t, err, repository.ErrDuplicatePendingClaim)
}

func TestKeyRepositoryRevocation(t *testing.T) {
	_, cfg := newPostgres(t)
	ctx := context.Background()

	db, err := database.NewGorm(cfg)
	require.NoError(t, err)
	keys := repository.NewKeyRepository(db)

	owner := "alice"
	require.NoError(t, keys.Upsert(ctx, models.KeyRecord{
		Kid:          "artist-alice",
		PublicKeyPEM: "pem",
		OwnerType:    models.KeyOwnerArtist,
		OwnerID:      &owner,
	}))

	got, err := keys.Get(ctx, "artist-alice")
	require.NoError(t, err)
	assert.False(t, got.Revoked)

	require.NoError(t, keys.Revoke(ctx, "artist-alice", time.Now()))
	got, err = keys.Get(ctx, "artist-alice")
	require.NoError(t, err)
	assert.True(t, got.Revoked)
	assert.NotNil(t, got.RevokedAt)

	_, err = keys.Get(ctx, "missing")
	assert.ErrorIs(t, err, repository.ErrKeyNotFound)
}
