package service

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"proofofart/internal/apperr"
	"proofofart/internal/ids"
	"proofofart/internal/models"
	"proofofart/internal/repository"
)

const defaultNotificationLimit = 50

// NotificationService records in-app notifications. Delivery failures are
// logged and never fail the operation that triggered them.
type NotificationService struct {
	store NotificationStore
	users UserStore
	log   zerolog.Logger
}

func NewNotificationService(store NotificationStore, users UserStore, log zerolog.Logger) *NotificationService {
	return &NotificationService{store: store, users: users, log: log}
}

func (s *NotificationService) List(ctx context.Context, userID string, unreadOnly bool, limit int) ([]models.Notification, error) {
	if limit <= 0 || limit > 200 {
		limit = defaultNotificationLimit
	}
	return s.store.ListByUser(ctx, userID, unreadOnly, limit)
}

func (s *NotificationService) MarkRead(ctx context.Context, userID, id string) error {
	err := s.store.MarkRead(ctx, userID, id)
	if errors.Is(err, repository.ErrNotificationNotFound) {
		return apperr.NotFound("service.MarkRead", "notification not found")
	}
	return err
}

func (s *NotificationService) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	return s.store.MarkAllRead(ctx, userID)
}

func (s *NotificationService) UnreadCount(ctx context.Context, userID string) (int64, error) {
	return s.store.CountUnread(ctx, userID)
}

// Delete removes one of the user's notifications. Another user's id reads as
// not found.
func (s *NotificationService) Delete(ctx context.Context, userID, id string) error {
	err := s.store.Delete(ctx, userID, id)
	if errors.Is(err, repository.ErrNotificationNotFound) {
		return apperr.NotFound("service.DeleteNotification", "notification not found")
	}
	return err
}

func (s *NotificationService) ClaimSubmitted(ctx context.Context, claim models.ArtworkClaim, ownerID string) {
	artworkID, claimID := claim.ArtworkID, claim.ID
	batch := []models.Notification{
		{
			UserID:  ownerID,
			Type:    models.NotificationClaimSubmitted,
			Title:   "New ownership claim",
			Message: "Someone has claimed ownership of your artwork.",
		},
		{
			UserID:  claim.RequesterID,
			Type:    models.NotificationClaimSubmitted,
			Title:   "Claim submitted",
			Message: "Your ownership claim has been submitted for review.",
		},
	}

	admins, err := s.users.ListAdmins(ctx)
	if err != nil {
		s.log.Warn().Err(err).Str("claim_id", claim.ID).Msg("list admins for claim notification")
	}
	for _, admin := range admins {
		batch = append(batch, models.Notification{
			UserID:  admin.ID,
			Type:    models.NotificationClaimSubmitted,
			Title:   "Ownership claim awaiting review",
			Message: "A new ownership claim needs review.",
		})
	}
	s.send(ctx, batch, &artworkID, &claimID)
}

func (s *NotificationService) ClaimApproved(ctx context.Context, claim models.ArtworkClaim, previousOwnerID string) {
	artworkID, claimID := claim.ArtworkID, claim.ID
	s.send(ctx, []models.Notification{
		{
			UserID:  claim.RequesterID,
			Type:    models.NotificationClaimApproved,
			Title:   "Claim approved",
			Message: "Your ownership claim was approved. You are now the owner of this artwork.",
		},
		{
			UserID:  previousOwnerID,
			Type:    models.NotificationOwnershipTransferred,
			Title:   "Ownership transferred",
			Message: "Ownership of your artwork was transferred after an approved claim.",
		},
	}, &artworkID, &claimID)
}

func (s *NotificationService) ClaimRejected(ctx context.Context, claim models.ArtworkClaim) {
	artworkID, claimID := claim.ArtworkID, claim.ID
	s.send(ctx, []models.Notification{{
		UserID:  claim.RequesterID,
		Type:    models.NotificationClaimRejected,
		Title:   "Claim rejected",
		Message: "Your ownership claim was rejected.",
	}}, &artworkID, &claimID)
}

func (s *NotificationService) OwnershipTransferred(ctx context.Context, artworkID, previousOwnerID, newOwnerID string) {
	s.send(ctx, []models.Notification{
		{
			UserID:  previousOwnerID,
			Type:    models.NotificationOwnershipTransferred,
			Title:   "Ownership transferred",
			Message: "An administrator transferred ownership of your artwork.",
		},
		{
			UserID:  newOwnerID,
			Type:    models.NotificationOwnershipTransferred,
			Title:   "Ownership received",
			Message: "An administrator transferred an artwork to you.",
		},
	}, &artworkID, nil)
}

// send fills in ids and references, drops duplicate recipients and writes
// the batch.
func (s *NotificationService) send(ctx context.Context, batch []models.Notification, artworkID, claimID *string) {
	seen := make(map[string]bool, len(batch))
	out := make([]models.Notification, 0, len(batch))
	for _, n := range batch {
		if n.UserID == "" || seen[n.UserID] {
			continue
		}
		seen[n.UserID] = true
		n.ID = ids.New()
		n.ArtworkID = artworkID
		n.ClaimID = claimID
		out = append(out, n)
	}
	if len(out) == 0 {
		return
	}
	if err := s.store.CreateMany(ctx, out); err != nil {
		s.log.Warn().Err(err).Int("count", len(out)).Msg("store notifications")
	}
}
