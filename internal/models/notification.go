package models

import "time"

type NotificationType string

const (
	NotificationClaimSubmitted       NotificationType = "CLAIM_SUBMITTED"
	NotificationClaimApproved        NotificationType = "CLAIM_APPROVED"
	NotificationClaimRejected        NotificationType = "CLAIM_REJECTED"
	NotificationOwnershipTransferred NotificationType = "OWNERSHIP_TRANSFERRED"
)

type Notification struct {
	ID        string
	UserID    string
	Type      NotificationType
	Title     string
	Message   string
	ArtworkID *string
	ClaimID   *string
	Read      bool
	CreatedAt time.Time
}
