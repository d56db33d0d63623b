package models

import "time"

type KeyOwnerType string

const (
	KeyOwnerSystem KeyOwnerType = "system"
	KeyOwnerArtist KeyOwnerType = "artist"
)

type KeyRecord struct {
	Kid          string
	PublicKeyPEM string
	OwnerType    KeyOwnerType
	OwnerID      *string
	Revoked      bool
	RevokedAt    *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
