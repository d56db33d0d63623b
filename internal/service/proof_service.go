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
	"proofofart/internal/keys"
	"proofofart/internal/media/attest"
	"proofofart/internal/media/sniffer"
	"proofofart/internal/models"
	"proofofart/internal/proof"
	"proofofart/internal/repository"
	"proofofart/internal/storage"
)

// VerificationResult is the outcome of checking an attestation. A failed
// check is a result, not an error.
type VerificationResult struct {
	IsValid        bool                     `json:"isValid"`
	WasEdited      bool                     `json:"wasEdited"`
	Reason         string                   `json:"reason,omitempty"`
	SignatureValid bool                     `json:"signatureValid"`
	HashMatches    bool                     `json:"hashMatches"`
	CurrentHash    string                   `json:"currentHash,omitempty"`
	Attestation    *proof.SignedAttestation `json:"attestation,omitempty"`
}

type DownloadResult struct {
	Data        []byte
	MIME        string
	Filename    string
	Attestation proof.SignedAttestation
}

type ProofService struct {
	images    ImageStore
	artworks  ArtworkStore
	assets    storage.AssetStore
	codec     attest.Codec
	keys      KeyLookup
	signer    *proof.Signer
	systemKey *proof.SystemKey
	log       zerolog.Logger
}

func NewProofService(images ImageStore, artworks ArtworkStore, assets storage.AssetStore, codec attest.Codec, keyLookup KeyLookup, signer *proof.Signer, systemKey *proof.SystemKey, log zerolog.Logger) *ProofService {
	return &ProofService{
		images:    images,
		artworks:  artworks,
		assets:    assets,
		codec:     codec,
		keys:      keyLookup,
		signer:    signer,
		systemKey: systemKey,
		log:       log,
	}
}

// Download returns the artwork bytes with an attestation embedded. An artist
// attestation for the same content, stored or embedded at upload, is reused
// while its key is active; otherwise a system attestation is built from the
// detection report. Whichever is used becomes the stored proof.
func (s *ProofService) Download(ctx context.Context, userID, artworkID string) (DownloadResult, error) {
	const op = "service.Download"

	artwork, err := s.artworks.GetByID(ctx, artworkID)
	if err != nil {
		return DownloadResult{}, mapArtworkErr(op, err)
	}
	if userID != artwork.CurrentOwnerID && userID != artwork.OriginalUploaderID {
		return DownloadResult{}, apperr.Forbidden(op, "only the owner or original uploader can download this artwork")
	}

	image, err := s.images.GetByID(ctx, artwork.ImageID)
	if err != nil {
		return DownloadResult{}, mapImageErr(op, err)
	}

	prepared, mime, err := s.preparedBytes(ctx, image)
	if err != nil {
		return DownloadResult{}, err
	}
	hash := attest.Hash(prepared)

	att, reused, err := s.artistAttestation(ctx, artwork.ProofMetadata, hash)
	if err != nil {
		return DownloadResult{}, err
	}
	persist := false
	if !reused {
		// the attestation the artist embedded in the uploaded file
		att, reused, err = s.artistAttestation(ctx, artwork.EmbeddedProof, hash)
		if err != nil {
			return DownloadResult{}, err
		}
		persist = reused
	}
	if !reused {
		att, err = s.systemAttestation(ctx, image.ID, hash)
		if err != nil {
			return DownloadResult{}, err
		}
		persist = true
	}
	if persist {
		encoded, err := json.Marshal(att)
		if err != nil {
			return DownloadResult{}, apperr.Internal(op, err)
		}
		if err := s.artworks.UpdateProofMetadata(ctx, artwork.ID, encoded); err != nil {
			return DownloadResult{}, fmt.Errorf("store proof metadata: %w", err)
		}
	}

	out, outMIME, err := s.codec.Embed(prepared, att, mime)
	if err != nil {
		return DownloadResult{}, apperr.Internal(op, fmt.Errorf("embed attestation: %w", err))
	}

	s.log.Info().
		Str("artwork_id", artwork.ID).
		Str("signer_kid", att.SignerKid).
		Bool("reused", reused).
		Str("codec", s.codec.Name()).
		Msg("attested download")

	return DownloadResult{
		Data:        out,
		MIME:        outMIME,
		Filename:    downloadName(image.Filename, outMIME),
		Attestation: att,
	}, nil
}

// VerifyEmbedded checks the attestation carried inside data.
func (s *ProofService) VerifyEmbedded(ctx context.Context, data []byte, mime string) (VerificationResult, error) {
	found, ok := s.codec.Extract(data, mime)
	if !ok {
		return VerificationResult{
			CurrentHash: attest.Hash(data),
			Reason:      "no attestation found in file",
		}, nil
	}
	return s.verify(ctx, found.Attestation, attest.Hash(found.Payload))
}

// VerifyArtwork checks the stored attestation of an artwork against hash, or
// against the current stored bytes when hash is empty.
func (s *ProofService) VerifyArtwork(ctx context.Context, artworkID, hash string) (VerificationResult, error) {
	const op = "service.VerifyArtwork"

	artwork, err := s.artworks.GetByID(ctx, artworkID)
	if err != nil {
		return VerificationResult{}, mapArtworkErr(op, err)
	}
	stored := artwork.ProofMetadata
	if len(stored) == 0 {
		stored = artwork.EmbeddedProof
	}
	if len(stored) == 0 {
		return VerificationResult{Reason: "artwork has no stored proof"}, nil
	}
	att, err := proof.ParseAttestation(stored)
	if err != nil {
		return VerificationResult{Reason: "stored proof is malformed"}, nil
	}

	if hash == "" {
		image, err := s.images.GetByID(ctx, artwork.ImageID)
		if err != nil {
			return VerificationResult{}, mapImageErr(op, err)
		}
		prepared, _, err := s.preparedBytes(ctx, image)
		if err != nil {
			return VerificationResult{}, err
		}
		hash = attest.Hash(prepared)
	}
	return s.verify(ctx, att, strings.ToLower(hash))
}

func (s *ProofService) verify(ctx context.Context, att proof.SignedAttestation, currentHash string) (VerificationResult, error) {
	res := VerificationResult{
		CurrentHash: currentHash,
		Attestation: &att,
		HashMatches: currentHash == att.ImageSHA256,
	}
	res.WasEdited = !res.HashMatches

	key, err := s.keys.GetActive(ctx, att.SignerKid)
	switch {
	case errors.Is(err, keys.ErrKeyNotFound):
		res.Reason = "signing key is unknown or revoked"
		return res, nil
	case err != nil:
		return VerificationResult{}, fmt.Errorf("lookup signing key: %w", err)
	}

	res.SignatureValid = proof.VerifyPEM(att, key.PublicKeyPEM)
	res.IsValid = res.SignatureValid && res.HashMatches
	switch {
	case !res.SignatureValid:
		res.Reason = "signature does not match"
	case !res.HashMatches:
		res.Reason = "image was modified after attestation"
	}
	return res, nil
}

// preparedBytes loads the stored original and returns it without any
// attestation, converted to the form the codec embeds into.
func (s *ProofService) preparedBytes(ctx context.Context, image models.Image) ([]byte, string, error) {
	key, ok := storage.KeyFromURL(s.assets, image.SourceURL)
	if !ok {
		format, _ := sniffer.FormatFromMIME(image.MimeType)
		if format == "" {
			format = sniffer.DefaultFormat
		}
		key = storage.OriginalKey(image.ContentHash, strings.TrimPrefix(sniffer.Extension(format), "."))
	}
	data, err := s.assets.Get(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return nil, "", apperr.NotFound("service.preparedBytes", "image file not found")
		}
		return nil, "", fmt.Errorf("load image: %w", err)
	}
	prepared, mime, err := s.codec.Prepare(s.codec.Strip(data, image.MimeType), image.MimeType)
	if err != nil {
		return nil, "", apperr.Internal("service.preparedBytes", err)
	}
	return prepared, mime, nil
}

func (s *ProofService) systemAttestation(ctx context.Context, imageID, hash string) (proof.SignedAttestation, error) {
	assessment := proof.Assessment{ImageSHA256: hash}

	report, err := s.images.GetReport(ctx, imageID)
	switch {
	case err == nil:
		assessment.AIScore = report.AIProbability
		assessment.IsAIGenerated = report.DetectedLabel == models.LabelAIGenerated
	case !errors.Is(err, repository.ErrReportNotFound):
		return proof.SignedAttestation{}, fmt.Errorf("load detection report: %w", err)
	}

	findings, err := s.images.ListFindings(ctx, imageID)
	if err != nil {
		return proof.SignedAttestation{}, fmt.Errorf("load tamper findings: %w", err)
	}
	assessment.TamperDetected = len(findings) > 0

	att, err := s.signer.Sign(assessment, s.systemKey.Private, s.systemKey.Kid)
	if err != nil {
		return proof.SignedAttestation{}, apperr.Internal("service.systemAttestation", err)
	}
	return att, nil
}

// artistAttestation parses raw and returns it when an artist signed it over
// hash with a key that is still active.
func (s *ProofService) artistAttestation(ctx context.Context, raw json.RawMessage, hash string) (proof.SignedAttestation, bool, error) {
	att, ok := storedArtistAttestation(raw, hash)
	if !ok {
		return proof.SignedAttestation{}, false, nil
	}
	key, err := s.keys.GetActive(ctx, att.SignerKid)
	switch {
	case errors.Is(err, keys.ErrKeyNotFound):
		return proof.SignedAttestation{}, false, nil
	case err != nil:
		return proof.SignedAttestation{}, false, fmt.Errorf("lookup signing key: %w", err)
	}
	if !proof.VerifyPEM(att, key.PublicKeyPEM) {
		return proof.SignedAttestation{}, false, nil
	}
	return att, true, nil
}

func storedArtistAttestation(raw json.RawMessage, hash string) (proof.SignedAttestation, bool) {
	if len(raw) == 0 {
		return proof.SignedAttestation{}, false
	}
	att, err := proof.ParseAttestation(raw)
	if err != nil || att.SignedBy == proof.RoleSystem || att.ImageSHA256 != hash {
		return proof.SignedAttestation{}, false
	}
	return att, true
}

func downloadName(filename, mime string) string {
	format, ok := sniffer.FormatFromMIME(mime)
	if !ok {
		format = sniffer.DefaultFormat
	}
	base := strings.TrimSuffix(filename, path.Ext(filename))
	if base == "" {
		base = "artwork"
	}
	return base + "-attested" + sniffer.Extension(format)
}

func mapArtworkErr(op string, err error) error {
	if errors.Is(err, repository.ErrArtworkNotFound) {
		return apperr.NotFound(op, "artwork not found")
	}
	return err
}

func mapImageErr(op string, err error) error {
	if errors.Is(err, repository.ErrImageNotFound) {
		return apperr.NotFound(op, "image not found")
	}
	return err
}
