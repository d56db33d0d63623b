package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/rs/zerolog"

	"proofofart/internal/apperr"
	"proofofart/internal/ids"
	"proofofart/internal/media/attest"
	"proofofart/internal/media/sniffer"
	"proofofart/internal/models"
	"proofofart/internal/queue"
	"proofofart/internal/repository"
	"proofofart/internal/storage"
)

type UploadInput struct {
	// UserID is empty for anonymous uploads, which get no artwork.
	UserID       string
	Filename     string
	DeclaredMIME string
	Data         []byte
}

type UploadResult struct {
	Image     models.Image
	Artwork   *models.Artwork
	Duplicate bool
	URL       string
	JobKey    string
}

type UploadService struct {
	images   ImageStore
	artworks ArtworkStore
	assets   storage.AssetStore
	queue    Enqueuer
	codec    attest.Codec
	log      zerolog.Logger
}

func NewUploadService(images ImageStore, artworks ArtworkStore, assets storage.AssetStore, queue Enqueuer, codec attest.Codec, log zerolog.Logger) *UploadService {
	return &UploadService{
		images:   images,
		artworks: artworks,
		assets:   assets,
		queue:    queue,
		codec:    codec,
		log:      log,
	}
}

// Upload stores a new image and queues its detection, or returns the image
// already known for the same bytes.
func (s *UploadService) Upload(ctx context.Context, input UploadInput) (UploadResult, error) {
	const op = "service.Upload"
	if len(input.Data) == 0 {
		return UploadResult{}, apperr.Invalid(op, "empty file")
	}

	format, mime := resolveFormat(input.Data, input.DeclaredMIME)
	hash := attest.Hash(input.Data)

	image, duplicate, err := s.findOrCreateImage(ctx, input, hash, format, mime)
	if err != nil {
		return UploadResult{}, err
	}

	result := UploadResult{
		Image:     image,
		Duplicate: duplicate,
		URL:       image.SourceURL,
		JobKey:    queue.JobKey(image.ID),
	}

	if input.UserID != "" {
		artwork, err := s.ensureArtwork(ctx, image, input)
		if err != nil {
			return UploadResult{}, err
		}
		result.Artwork = &artwork
	}
	return result, nil
}

func (s *UploadService) findOrCreateImage(ctx context.Context, input UploadInput, hash string, format sniffer.Format, mime string) (models.Image, bool, error) {
	existing, err := s.images.GetByHash(ctx, hash)
	if err == nil {
		return existing, true, nil
	}
	if !errors.Is(err, repository.ErrImageNotFound) {
		return models.Image{}, false, fmt.Errorf("lookup image by hash: %w", err)
	}

	url, err := s.assets.Put(ctx, storage.OriginalKey(hash, strings.TrimPrefix(sniffer.Extension(format), ".")), input.Data, mime)
	if err != nil {
		return models.Image{}, false, fmt.Errorf("store image: %w", err)
	}

	image, created, err := s.images.Create(ctx, models.Image{
		ID:          ids.New(),
		ContentHash: hash,
		SourceURL:   url,
		Filename:    cleanFilename(input.Filename, format),
		MimeType:    mime,
		SizeBytes:   int64(len(input.Data)),
		Status:      models.ImageStatusQueued,
	})
	if err != nil {
		return models.Image{}, false, fmt.Errorf("save image: %w", err)
	}
	if !created {
		return image, true, nil
	}

	if _, err := s.queue.Enqueue(ctx, queue.Payload{ImageID: image.ID, ImageURL: image.SourceURL}); err != nil {
		s.log.Warn().Err(err).Str("image_id", image.ID).Msg("enqueue detection failed, left for requeue sweep")
	}
	return image, false, nil
}

func (s *UploadService) ensureArtwork(ctx context.Context, image models.Image, input UploadInput) (models.Artwork, error) {
	artwork, err := s.artworks.GetByImageID(ctx, image.ID)
	if err == nil {
		return artwork, nil
	}
	if !errors.Is(err, repository.ErrArtworkNotFound) {
		return models.Artwork{}, fmt.Errorf("lookup artwork: %w", err)
	}

	var embedded json.RawMessage
	if found, ok := s.codec.Extract(input.Data, image.MimeType); ok {
		embedded, err = json.Marshal(found.Attestation)
		if err != nil {
			return models.Artwork{}, fmt.Errorf("encode embedded proof: %w", err)
		}
	}

	artwork, err = s.artworks.CreateWithUpload(ctx, models.Artwork{
		ID:                 ids.New(),
		ImageID:            image.ID,
		OriginalUploaderID: input.UserID,
		EmbeddedProof:      embedded,
	})
	if errors.Is(err, repository.ErrArtworkExists) {
		return s.artworks.GetByImageID(ctx, image.ID)
	}
	if err != nil {
		return models.Artwork{}, fmt.Errorf("create artwork: %w", err)
	}
	s.log.Info().Str("artwork_id", artwork.ID).Str("image_id", image.ID).Str("user_id", input.UserID).Msg("artwork registered")
	return artwork, nil
}

// resolveFormat prefers the sniffed container over the declared type.
func resolveFormat(data []byte, declared string) (sniffer.Format, string) {
	if res, ok := sniffer.Sniff(data); ok {
		return res.Format, res.MIME
	}
	if f, ok := sniffer.FormatFromMIME(declared); ok {
		return f, sniffer.MIMEFor(f)
	}
	return sniffer.DefaultFormat, sniffer.MIMEFor(sniffer.DefaultFormat)
}

func cleanFilename(name string, format sniffer.Format) string {
	base := path.Base(strings.ReplaceAll(name, "\\", "/"))
	if base == "." || base == "/" || base == "" {
		base = "artwork"
	}
	if path.Ext(base) == "" {
		base += sniffer.Extension(format)
	}
	return base
}
