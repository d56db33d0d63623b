package service

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proofofart/internal/apperr"
	"proofofart/internal/media/attest"
	"proofofart/internal/models"
	"proofofart/internal/proof"
	"proofofart/internal/queue"
)

func TestUploadCreatesImageArtworkAndJob(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	data := testPNG(t, 1)

	res := h.upload(t, "u1", data)

	assert.False(t, res.Duplicate)
	assert.Equal(t, models.ImageStatusQueued, res.Image.Status)
	assert.Equal(t, attest.Hash(data), res.Image.ContentHash)
	assert.Equal(t, "image/png", res.Image.MimeType)
	assert.Equal(t, "https://assets.test/originals/"+res.Image.ContentHash+".png", res.URL)

	job, err := h.queue.Status(ctx, queue.JobKey(res.Image.ID))
	require.NoError(t, err)
	assert.Equal(t, queue.StateWaiting, job.State)
	assert.Equal(t, res.Image.SourceURL, job.Payload.ImageURL)

	require.NotNil(t, res.Artwork)
	assert.Equal(t, "u1", res.Artwork.OriginalUploaderID)
	assert.Equal(t, "u1", res.Artwork.CurrentOwnerID)
	assert.Empty(t, res.Artwork.EmbeddedProof)

	history, err := h.claims.History(ctx, res.Artwork.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.TransferUpload, history[0].TransferType)
	assert.Nil(t, history[0].PreviousOwnerID)
}

func TestUploadDeduplicatesByContentHash(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	data := testPNG(t, 2)

	first := h.upload(t, "u1", data)
	second := h.upload(t, "u2", data)

	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Image.ID, second.Image.ID)
	require.NotNil(t, second.Artwork)
	assert.Equal(t, first.Artwork.ID, second.Artwork.ID)
	assert.Equal(t, "u1", second.Artwork.OriginalUploaderID)
	assert.Equal(t, 1, h.assets.Writes())

	counts, err := h.queue.Counts(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, counts[queue.StateWaiting])
}

func TestUploadAnonymousHasNoArtwork(t *testing.T) {
	h := newHarness(t)
	res := h.upload(t, "", testPNG(t, 3))
	assert.Nil(t, res.Artwork)

	_, err := h.store.Artworks.GetByImageID(context.Background(), res.Image.ID)
	assert.Error(t, err)
}

func TestUploadRejectsEmptyFile(t *testing.T) {
	h := newHarness(t)
	_, err := h.uploads.Upload(context.Background(), UploadInput{UserID: "u1"})
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)
}

func TestUploadKeepsEmbeddedProof(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	data := testPNG(t, 4)

	att, err := proof.NewSigner().Sign(proof.Assessment{ImageSHA256: attest.Hash(data), AIScore: 0.2}, h.systemKey.Private, h.systemKey.Kid)
	require.NoError(t, err)
	signed, _, err := h.codec.Embed(data, att, "image/png")
	require.NoError(t, err)

	res := h.upload(t, "u1", signed)
	require.NotNil(t, res.Artwork)
	require.NotEmpty(t, res.Artwork.EmbeddedProof)

	stored, err := proof.ParseAttestation(res.Artwork.EmbeddedProof)
	require.NoError(t, err)
	assert.Equal(t, att, stored)

	artwork, err := h.store.Artworks.GetByID(ctx, res.Artwork.ID)
	require.NoError(t, err)
	assert.JSONEq(t, string(res.Artwork.EmbeddedProof), string(artwork.EmbeddedProof))
}

type failingEnqueuer struct{}

func (failingEnqueuer) Enqueue(context.Context, queue.Payload) (bool, error) {
	return false, errors.New("redis down")
}

func TestUploadSurvivesEnqueueFailure(t *testing.T) {
	h := newHarness(t)
	uploads := NewUploadService(h.store.Images, h.store.Artworks, h.assets, failingEnqueuer{}, h.codec, zerolog.Nop())

	res, err := uploads.Upload(context.Background(), UploadInput{UserID: "u1", Data: testPNG(t, 5)})
	require.NoError(t, err)
	assert.Equal(t, models.ImageStatusQueued, res.Image.Status)
	assert.NotNil(t, res.Artwork)
}

func TestCleanFilename(t *testing.T) {
	assert.Equal(t, "cat.png", cleanFilename("../../cat.png", "png"))
	assert.Equal(t, "cat.jpg", cleanFilename(`C:\images\cat`, "jpeg"))
	assert.Equal(t, "artwork.png", cleanFilename("", "png"))
}
