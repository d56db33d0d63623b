// Package proof signs and verifies attestations that bind an image content
// hash to its AI-detection and tamper assessment.
package proof

import (
	"encoding/json"
	"strings"
)

type Role string

const (
	RoleSystem Role = "system"
	RoleArtist Role = "artist"
)

const systemKidPrefix = "system-"

// TimestampLayout is the UTC millisecond layout used for timestamp and signedAt.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// Assessment is what the caller asks to be attested.
type Assessment struct {
	ImageSHA256    string
	AIScore        float64
	IsAIGenerated  bool
	TamperDetected bool
}

// Payload is the signed portion of an attestation. Field order is the
// canonical serialization order and must not change.
type Payload struct {
	ImageSHA256    string  `json:"image_sha256"`
	AIScore        float64 `json:"ai_score"`
	IsAIGenerated  bool    `json:"is_ai_generated"`
	TamperDetected bool    `json:"tamper_detected"`
	Timestamp      string  `json:"timestamp"`
	SignerKid      string  `json:"signer_kid"`
}

// SignedAttestation is the full record written into image files.
type SignedAttestation struct {
	Payload
	Signature string `json:"signature"`
	SignedBy  Role   `json:"signedBy"`
	SignedAt  string `json:"signedAt"`
}

// RoleForKid derives the signer role from the key id naming convention.
func RoleForKid(kid string) Role {
	if strings.HasPrefix(kid, systemKidPrefix) {
		return RoleSystem
	}
	return RoleArtist
}

// Canonicalize serializes the payload with a pinned field order and no
// insignificant whitespace.
func Canonicalize(p Payload) ([]byte, error) {
	return json.Marshal(p)
}

func ParseAttestation(data []byte) (SignedAttestation, error) {
	var att SignedAttestation
	if err := json.Unmarshal(data, &att); err != nil {
		return SignedAttestation{}, err
	}
	return att, nil
}
