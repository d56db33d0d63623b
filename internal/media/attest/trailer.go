package attest

import (
	"bytes"

	"proofofart/internal/proof"
)

const defaultScanBytes = 10000

var (
	trailerOpen  = []byte("\n<!-- " + Keyword + ":")
	trailerClose = []byte(" -->\n")
)

// TrailerCodec appends the attestation as an HTML-style comment after the
// image data. It is best effort: most re-encoders drop trailing bytes.
type TrailerCodec struct {
	scanBytes int
}

func NewTrailerCodec(scanBytes int) *TrailerCodec {
	if scanBytes <= 0 {
		scanBytes = defaultScanBytes
	}
	return &TrailerCodec{scanBytes: scanBytes}
}

func (c *TrailerCodec) Name() string { return ModeTrailer }

func (c *TrailerCodec) Prepare(data []byte, mime string) ([]byte, string, error) {
	return data, mime, nil
}

func (c *TrailerCodec) Embed(data []byte, att proof.SignedAttestation, mime string) ([]byte, string, error) {
	body, err := encodeAttestation(att)
	if err != nil {
		return nil, "", err
	}
	base := c.Strip(data, mime)
	out := make([]byte, 0, len(base)+len(trailerOpen)+len(body)+len(trailerClose))
	out = append(out, base...)
	out = append(out, trailerOpen...)
	out = append(out, body...)
	out = append(out, trailerClose...)
	return out, mime, nil
}

func (c *TrailerCodec) Extract(data []byte, _ string) (Extracted, bool) {
	start, end, ok := c.locate(data)
	if !ok {
		return Extracted{}, false
	}
	att, err := proof.ParseAttestation(data[start+len(trailerOpen) : end-len(trailerClose)])
	if err != nil {
		return Extracted{}, false
	}
	return Extracted{Attestation: att, Payload: splice(data, start, end)}, true
}

func (c *TrailerCodec) Strip(data []byte, _ string) []byte {
	start, end, ok := c.locate(data)
	if !ok {
		return data
	}
	return splice(data, start, end)
}

// locate finds the last trailer within the scan window and returns its
// absolute [start, end) range.
func (c *TrailerCodec) locate(data []byte) (int, int, bool) {
	offset := 0
	if len(data) > c.scanBytes {
		offset = len(data) - c.scanBytes
	}
	window := data[offset:]

	open := bytes.LastIndex(window, trailerOpen)
	if open < 0 {
		return 0, 0, false
	}
	rest := window[open+len(trailerOpen):]
	closeAt := bytes.Index(rest, trailerClose)
	if closeAt < 0 {
		return 0, 0, false
	}
	start := offset + open
	end := start + len(trailerOpen) + closeAt + len(trailerClose)
	return start, end, true
}

func splice(data []byte, start, end int) []byte {
	out := make([]byte, 0, len(data)-(end-start))
	out = append(out, data[:start]...)
	return append(out, data[end:]...)
}
