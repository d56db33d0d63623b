package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"proofofart/internal/apperr"
	"proofofart/internal/ids"
	"proofofart/internal/models"
	"proofofart/internal/policy"
	"proofofart/internal/repository"
)

type Authorizer interface {
	Evaluate(ctx context.Context, input policy.Input) (policy.Decision, error)
}

type ClaimService struct {
	artworks      ArtworkStore
	claims        ClaimStore
	users         UserStore
	notifications *NotificationService
	policy        Authorizer
	now           func() time.Time
	log           zerolog.Logger
}

func NewClaimService(artworks ArtworkStore, claims ClaimStore, users UserStore, notifications *NotificationService, authorizer Authorizer, log zerolog.Logger) *ClaimService {
	return &ClaimService{
		artworks:      artworks,
		claims:        claims,
		users:         users,
		notifications: notifications,
		policy:        authorizer,
		now:           time.Now,
		log:           log,
	}
}

// CreateClaim files a PENDING ownership claim and notifies the current owner,
// the requester and every admin.
func (s *ClaimService) CreateClaim(ctx context.Context, requesterID, artworkID string, reason *string) (models.ArtworkClaim, error) {
	const op = "service.CreateClaim"

	artwork, err := s.artworks.GetByID(ctx, artworkID)
	if err != nil {
		return models.ArtworkClaim{}, mapArtworkErr(op, err)
	}
	requester, err := s.user(ctx, op, requesterID)
	if err != nil {
		return models.ArtworkClaim{}, err
	}

	decision, err := s.decide(ctx, requester, artwork)
	if err != nil {
		return models.ArtworkClaim{}, err
	}
	if !decision.AllowClaim {
		return models.ArtworkClaim{}, apperr.Invalid(op, "you already own this artwork")
	}

	pending, err := s.claims.HasPending(ctx, artworkID, requesterID)
	if err != nil {
		return models.ArtworkClaim{}, fmt.Errorf("check pending claims: %w", err)
	}
	if pending {
		return models.ArtworkClaim{}, apperr.Invalid(op, "you already have a pending claim for this artwork")
	}

	if reason != nil {
		trimmed := strings.TrimSpace(*reason)
		if trimmed == "" {
			reason = nil
		} else {
			reason = &trimmed
		}
	}

	claim, err := s.claims.Create(ctx, models.ArtworkClaim{
		ID:          ids.New(),
		ArtworkID:   artworkID,
		RequesterID: requesterID,
		Reason:      reason,
	})
	if errors.Is(err, repository.ErrDuplicatePendingClaim) {
		return models.ArtworkClaim{}, apperr.Invalid(op, "you already have a pending claim for this artwork")
	}
	if err != nil {
		return models.ArtworkClaim{}, fmt.Errorf("create claim: %w", err)
	}

	s.log.Info().Str("claim_id", claim.ID).Str("artwork_id", artworkID).Str("requester_id", requesterID).Msg("claim submitted")
	s.notifications.ClaimSubmitted(ctx, claim, artwork.CurrentOwnerID)
	return claim, nil
}

// Approve transfers the artwork to the requester. The reviewer is checked
// against the owner at approval time and the transfer only commits if that
// owner is still current.
func (s *ClaimService) Approve(ctx context.Context, reviewerID, claimID string) (models.OwnershipTransfer, error) {
	const op = "service.Approve"

	claim, artwork, err := s.reviewable(ctx, op, reviewerID, claimID)
	if err != nil {
		return models.OwnershipTransfer{}, err
	}
	if claim.RequesterID == artwork.CurrentOwnerID {
		return models.OwnershipTransfer{}, apperr.Invalid(op, "requester already owns this artwork")
	}

	transfer, err := s.claims.Approve(ctx, repository.ApproveParams{
		ClaimID:         claim.ID,
		ArtworkID:       artwork.ID,
		RequesterID:     claim.RequesterID,
		ReviewerID:      reviewerID,
		ExpectedOwnerID: artwork.CurrentOwnerID,
		ReviewedAt:      s.now().UTC(),
	})
	if err != nil {
		return models.OwnershipTransfer{}, s.reviewErr(ctx, op, claimID, err)
	}

	s.log.Info().
		Str("claim_id", claim.ID).
		Str("artwork_id", artwork.ID).
		Str("previous_owner_id", artwork.CurrentOwnerID).
		Str("new_owner_id", claim.RequesterID).
		Msg("claim approved")
	s.notifications.ClaimApproved(ctx, claim, artwork.CurrentOwnerID)
	return transfer, nil
}

func (s *ClaimService) Reject(ctx context.Context, reviewerID, claimID string) error {
	const op = "service.Reject"

	claim, _, err := s.reviewable(ctx, op, reviewerID, claimID)
	if err != nil {
		return err
	}
	if err := s.claims.Reject(ctx, claimID, reviewerID, s.now().UTC()); err != nil {
		return s.reviewErr(ctx, op, claimID, err)
	}

	s.log.Info().Str("claim_id", claimID).Str("reviewer_id", reviewerID).Msg("claim rejected")
	s.notifications.ClaimRejected(ctx, claim)
	return nil
}

// AdminTransfer moves an artwork to newOwnerID outside the claim flow.
func (s *ClaimService) AdminTransfer(ctx context.Context, adminID, artworkID, newOwnerID string) (models.OwnershipTransfer, error) {
	const op = "service.AdminTransfer"

	artwork, err := s.artworks.GetByID(ctx, artworkID)
	if err != nil {
		return models.OwnershipTransfer{}, mapArtworkErr(op, err)
	}
	admin, err := s.user(ctx, op, adminID)
	if err != nil {
		return models.OwnershipTransfer{}, err
	}
	decision, err := s.decide(ctx, admin, artwork)
	if err != nil {
		return models.OwnershipTransfer{}, err
	}
	if !decision.AllowTransfer {
		return models.OwnershipTransfer{}, apperr.Forbidden(op, "only admins can transfer ownership directly")
	}
	if _, err := s.user(ctx, op, newOwnerID); err != nil {
		return models.OwnershipTransfer{}, err
	}
	if newOwnerID == artwork.CurrentOwnerID {
		return models.OwnershipTransfer{}, apperr.Invalid(op, "user already owns this artwork")
	}

	transfer, err := s.artworks.TransferOwner(ctx, models.OwnershipTransfer{
		ID:           ids.New(),
		ArtworkID:    artwork.ID,
		NewOwnerID:   newOwnerID,
		TransferType: models.TransferAdmin,
	}, artwork.CurrentOwnerID)
	switch {
	case errors.Is(err, repository.ErrOwnershipConflict):
		return models.OwnershipTransfer{}, apperr.Conflict(op, "artwork ownership changed, reload and retry")
	case err != nil:
		return models.OwnershipTransfer{}, mapArtworkErr(op, err)
	}

	s.log.Info().Str("artwork_id", artwork.ID).Str("admin_id", adminID).Str("new_owner_id", newOwnerID).Msg("admin transfer")
	s.notifications.OwnershipTransferred(ctx, artwork.ID, artwork.CurrentOwnerID, newOwnerID)
	return transfer, nil
}

func (s *ClaimService) ListMine(ctx context.Context, userID string) ([]models.ArtworkClaim, error) {
	return s.claims.ListByRequester(ctx, userID)
}

// ListForArtwork is limited to the artwork's current owner and admins.
func (s *ClaimService) ListForArtwork(ctx context.Context, userID, artworkID string) ([]models.ArtworkClaim, error) {
	const op = "service.ListForArtwork"

	artwork, err := s.artworks.GetByID(ctx, artworkID)
	if err != nil {
		return nil, mapArtworkErr(op, err)
	}
	user, err := s.user(ctx, op, userID)
	if err != nil {
		return nil, err
	}
	decision, err := s.decide(ctx, user, artwork)
	if err != nil {
		return nil, err
	}
	if !decision.AllowReview {
		return nil, apperr.Forbidden(op, "only the owner or an admin can list claims for this artwork")
	}
	return s.claims.ListByArtwork(ctx, artworkID)
}

// History returns the ownership ledger in timestamp order. A ledger that does
// not replay to the artwork's current owner is returned as is and logged.
func (s *ClaimService) History(ctx context.Context, artworkID string) ([]models.OwnershipTransfer, error) {
	const op = "service.History"
	artwork, err := s.artworks.GetByID(ctx, artworkID)
	if err != nil {
		return nil, mapArtworkErr(op, err)
	}
	ledger, err := s.artworks.History(ctx, artworkID)
	if err != nil {
		return nil, err
	}
	if owner, ok := models.ReplayOwner(ledger); !ok || owner != artwork.CurrentOwnerID {
		s.log.Error().
			Str("artwork_id", artworkID).
			Str("current_owner_id", artwork.CurrentOwnerID).
			Str("ledger_owner_id", owner).
			Int("ledger_rows", len(ledger)).
			Msg("ownership ledger does not match current owner")
	}
	return ledger, nil
}

// GalleryFilter selects which of a user's artworks Gallery lists.
type GalleryFilter string

const (
	// GalleryOwned is every artwork the user currently owns.
	GalleryOwned GalleryFilter = "all"
	// GalleryUploaded is every artwork the user uploaded, including ones
	// since transferred away.
	GalleryUploaded GalleryFilter = "uploaded"
	// GalleryClaimed is owned artworks that someone else uploaded.
	GalleryClaimed GalleryFilter = "claimed"
)

const (
	defaultGalleryLimit = 50
	maxGalleryLimit     = 200
)

// Gallery lists a user's artworks newest first. A limit outside 1..200 falls
// back to 50.
func (s *ClaimService) Gallery(ctx context.Context, userID string, filter GalleryFilter, limit, offset int) ([]models.Artwork, error) {
	const op = "service.Gallery"
	if limit <= 0 || limit > maxGalleryLimit {
		limit = defaultGalleryLimit
	}
	if offset < 0 {
		return nil, apperr.Invalid(op, "offset must not be negative")
	}
	switch filter {
	case "", GalleryOwned:
		return s.artworks.ListByOwner(ctx, userID, false, limit, offset)
	case GalleryClaimed:
		return s.artworks.ListByOwner(ctx, userID, true, limit, offset)
	case GalleryUploaded:
		return s.artworks.ListByUploader(ctx, userID, limit, offset)
	default:
		return nil, apperr.Invalid(op, fmt.Sprintf("filter must be one of %s, %s, %s", GalleryOwned, GalleryUploaded, GalleryClaimed))
	}
}

func (s *ClaimService) ArtworkForImage(ctx context.Context, imageID string) (models.Artwork, error) {
	artwork, err := s.artworks.GetByImageID(ctx, imageID)
	if err != nil {
		return models.Artwork{}, mapArtworkErr("service.ArtworkForImage", err)
	}
	return artwork, nil
}

func (s *ClaimService) Artwork(ctx context.Context, artworkID string) (models.Artwork, error) {
	artwork, err := s.artworks.GetByID(ctx, artworkID)
	if err != nil {
		return models.Artwork{}, mapArtworkErr("service.Artwork", err)
	}
	return artwork, nil
}

// reviewable loads a PENDING claim and checks the reviewer against the
// artwork's current owner.
func (s *ClaimService) reviewable(ctx context.Context, op, reviewerID, claimID string) (models.ArtworkClaim, models.Artwork, error) {
	claim, err := s.claims.GetByID(ctx, claimID)
	if err != nil {
		if errors.Is(err, repository.ErrClaimNotFound) {
			return models.ArtworkClaim{}, models.Artwork{}, apperr.NotFound(op, "claim not found")
		}
		return models.ArtworkClaim{}, models.Artwork{}, err
	}
	if claim.Status != models.ClaimPending {
		return models.ArtworkClaim{}, models.Artwork{}, alreadyClosed(op, claim.Status)
	}
	if claim.RequesterID == reviewerID {
		return models.ArtworkClaim{}, models.Artwork{}, apperr.Forbidden(op, "you cannot review your own claim")
	}

	artwork, err := s.artworks.GetByID(ctx, claim.ArtworkID)
	if err != nil {
		return models.ArtworkClaim{}, models.Artwork{}, mapArtworkErr(op, err)
	}
	reviewer, err := s.user(ctx, op, reviewerID)
	if err != nil {
		return models.ArtworkClaim{}, models.Artwork{}, err
	}
	decision, err := s.decide(ctx, reviewer, artwork)
	if err != nil {
		return models.ArtworkClaim{}, models.Artwork{}, err
	}
	if !decision.AllowReview {
		return models.ArtworkClaim{}, models.Artwork{}, apperr.Forbidden(op, "only the current owner or an admin can review this claim")
	}
	return claim, artwork, nil
}

// reviewErr translates a failed close of a claim. A claim closed by a racing
// reviewer reports its final status.
func (s *ClaimService) reviewErr(ctx context.Context, op, claimID string, err error) error {
	switch {
	case errors.Is(err, repository.ErrClaimNotPending):
		if claim, getErr := s.claims.GetByID(ctx, claimID); getErr == nil {
			return alreadyClosed(op, claim.Status)
		}
		return apperr.Conflict(op, "claim is no longer pending")
	case errors.Is(err, repository.ErrOwnershipConflict):
		return apperr.Conflict(op, "artwork ownership changed, reload and retry")
	case errors.Is(err, repository.ErrClaimNotFound):
		return apperr.NotFound(op, "claim not found")
	case errors.Is(err, repository.ErrArtworkNotFound):
		return apperr.NotFound(op, "artwork not found")
	}
	return err
}

func (s *ClaimService) user(ctx context.Context, op, id string) (models.User, error) {
	user, err := s.users.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return models.User{}, apperr.NotFound(op, "user not found")
		}
		return models.User{}, err
	}
	return user, nil
}

func (s *ClaimService) decide(ctx context.Context, user models.User, artwork models.Artwork) (policy.Decision, error) {
	decision, err := s.policy.Evaluate(ctx, policy.InputFor(user, artwork))
	if err != nil {
		return policy.Decision{}, apperr.Internal("service.decide", err)
	}
	return decision, nil
}

func alreadyClosed(op string, status models.ClaimStatus) error {
	return apperr.Conflict(op, "claim already "+strings.ToLower(string(status)))
}
