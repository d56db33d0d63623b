package models

import (
	"encoding/json"
	"time"
)

type TransferType string

const (
	TransferUpload        TransferType = "UPLOAD"
	TransferClaimApproved TransferType = "CLAIM_APPROVED"
	TransferAdmin         TransferType = "ADMIN_TRANSFER"
)

type Artwork struct {
	ID                 string
	ImageID            string
	OriginalUploaderID string
	CurrentOwnerID     string
	EmbeddedProof      json.RawMessage
	ProofMetadata      json.RawMessage
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// OwnershipTransfer is one row of the append-only custody ledger.
type OwnershipTransfer struct {
	ID              string
	ArtworkID       string
	PreviousOwnerID *string
	NewOwnerID      string
	TransferType    TransferType
	ClaimID         *string
	CreatedAt       time.Time
}

// ReplayOwner walks a ledger in timestamp order and returns the owner it
// implies. ok is false for an empty ledger.
func ReplayOwner(ledger []OwnershipTransfer) (owner string, ok bool) {
	var latest time.Time
	for i, row := range ledger {
		if i == 0 || !row.CreatedAt.Before(latest) {
			owner = row.NewOwnerID
			latest = row.CreatedAt
			ok = true
		}
	}
	return owner, ok
}
