// Package attest writes signed attestations into image files and reads them
// back.
package attest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"

	"github.com/opencontainers/go-digest"
	"github.com/rs/zerolog"

	"proofofart/internal/proof"
)

// Keyword names the PNG text chunk, JPEG comment prefix and trailer marker.
const Keyword = "ProofOfArt"

const (
	ModeAuto      = "auto"
	ModeContainer = "container"
	ModeTrailer   = "trailer"
)

// Extracted is an attestation found in a file together with the file bytes
// with the attestation removed. Payload is what the attestation hash covers.
type Extracted struct {
	Attestation proof.SignedAttestation
	Payload     []byte
}

type Codec interface {
	Name() string
	// Prepare converts data into the form Embed writes, returning the
	// resulting mime type. Hashes for new attestations are taken over the
	// prepared bytes.
	Prepare(data []byte, mime string) ([]byte, string, error)
	// Embed replaces any attestation already present with att.
	Embed(data []byte, att proof.SignedAttestation, mime string) ([]byte, string, error)
	// Extract returns false when no attestation is present or it does not parse.
	Extract(data []byte, mime string) (Extracted, bool)
	// Strip returns data with any attestation removed.
	Strip(data []byte, mime string) []byte
}

// Hash is the hex SHA-256 content hash used for dedup and attestation binding.
func Hash(data []byte) string {
	return digest.FromBytes(data).Encoded()
}

// Select returns the codec for mode. In auto mode the container codec is
// round-tripped once and the trailer codec is used if that fails.
func Select(mode string, scanBytes int, logger zerolog.Logger) (Codec, error) {
	trailer := NewTrailerCodec(scanBytes)
	switch mode {
	case ModeTrailer:
		return trailer, nil
	case ModeContainer:
		return NewContainerCodec(trailer), nil
	case ModeAuto, "":
		container := NewContainerCodec(trailer)
		if err := selfTest(container); err != nil {
			logger.Warn().Err(err).Msg("container embedding unavailable, attestations will be appended as trailers")
			return trailer, nil
		}
		return container, nil
	}
	return nil, fmt.Errorf("unknown embed mode %q", mode)
}

func selfTest(c Codec) error {
	img := image.NewNRGBA(image.Rect(0, 0, 2, 2))
	img.Set(0, 0, color.NRGBA{R: 255, A: 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return err
	}

	att := proof.SignedAttestation{
		Payload:   proof.Payload{ImageSHA256: Hash(buf.Bytes()), SignerKid: "system-selftest"},
		Signature: "selftest",
		SignedBy:  proof.RoleSystem,
	}
	out, mime, err := c.Embed(buf.Bytes(), att, "image/png")
	if err != nil {
		return err
	}
	got, ok := c.Extract(out, mime)
	if !ok {
		return fmt.Errorf("test attestation not found after embed")
	}
	if got.Attestation != att || !bytes.Equal(got.Payload, buf.Bytes()) {
		return fmt.Errorf("test attestation did not round trip")
	}
	if _, err := png.Decode(bytes.NewReader(out)); err != nil {
		return fmt.Errorf("embedded test image no longer decodes: %w", err)
	}
	return nil
}

func encodeAttestation(att proof.SignedAttestation) ([]byte, error) {
	return json.Marshal(att)
}
