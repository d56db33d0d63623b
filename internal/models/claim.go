package models

import "time"

type ClaimStatus string

const (
	ClaimPending  ClaimStatus = "PENDING"
	ClaimApproved ClaimStatus = "APPROVED"
	ClaimRejected ClaimStatus = "REJECTED"
)

type ArtworkClaim struct {
	ID           string
	ArtworkID    string
	RequesterID  string
	Reason       *string
	Status       ClaimStatus
	ReviewedByID *string
	ReviewedAt   *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
