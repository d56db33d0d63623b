package service

import (
	"context"
	"encoding/json"
	"time"

	"proofofart/internal/models"
	"proofofart/internal/queue"
	"proofofart/internal/repository"
)

// The store contracts below are satisfied by the Postgres repositories and by
// repository/memory.

type ImageStore interface {
	Create(ctx context.Context, image models.Image) (models.Image, bool, error)
	GetByID(ctx context.Context, id string) (models.Image, error)
	GetByHash(ctx context.Context, hash string) (models.Image, error)
	GetReport(ctx context.Context, imageID string) (models.DetectionReport, error)
	ListFindings(ctx context.Context, imageID string) ([]models.TamperFinding, error)
}

type ArtworkStore interface {
	CreateWithUpload(ctx context.Context, artwork models.Artwork) (models.Artwork, error)
	GetByID(ctx context.Context, id string) (models.Artwork, error)
	GetByImageID(ctx context.Context, imageID string) (models.Artwork, error)
	ListByOwner(ctx context.Context, ownerID string, acquiredOnly bool, limit, offset int) ([]models.Artwork, error)
	ListByUploader(ctx context.Context, uploaderID string, limit, offset int) ([]models.Artwork, error)
	UpdateProofMetadata(ctx context.Context, id string, metadata json.RawMessage) error
	TransferOwner(ctx context.Context, t models.OwnershipTransfer, expectedOwner string) (models.OwnershipTransfer, error)
	History(ctx context.Context, artworkID string) ([]models.OwnershipTransfer, error)
}

type ClaimStore interface {
	Create(ctx context.Context, claim models.ArtworkClaim) (models.ArtworkClaim, error)
	GetByID(ctx context.Context, id string) (models.ArtworkClaim, error)
	HasPending(ctx context.Context, artworkID, requesterID string) (bool, error)
	ListByRequester(ctx context.Context, requesterID string) ([]models.ArtworkClaim, error)
	ListByArtwork(ctx context.Context, artworkID string) ([]models.ArtworkClaim, error)
	Approve(ctx context.Context, p repository.ApproveParams) (models.OwnershipTransfer, error)
	Reject(ctx context.Context, claimID, reviewerID string, reviewedAt time.Time) error
}

type UserStore interface {
	GetByID(ctx context.Context, id string) (models.User, error)
	ListAdmins(ctx context.Context) ([]models.User, error)
}

type NotificationStore interface {
	CreateMany(ctx context.Context, notifications []models.Notification) error
	ListByUser(ctx context.Context, userID string, unreadOnly bool, limit int) ([]models.Notification, error)
	MarkRead(ctx context.Context, userID, id string) error
	MarkAllRead(ctx context.Context, userID string) (int64, error)
	CountUnread(ctx context.Context, userID string) (int64, error)
	Delete(ctx context.Context, userID, id string) error
}

// Enqueuer is the producer side of the detection queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, payload queue.Payload) (bool, error)
}

type JobStatusReader interface {
	Status(ctx context.Context, key string) (queue.Job, error)
}

type KeyLookup interface {
	GetActive(ctx context.Context, kid string) (models.KeyRecord, error)
}
