package attest

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"image/gif"
	"image/png"

	"proofofart/internal/media/sniffer"
	"proofofart/internal/proof"
)

var (
	errMalformedPNG  = errors.New("malformed png")
	errMalformedJPEG = errors.New("malformed jpeg")
)

const (
	pngSignatureLen = 8
	maxJPEGComment  = 0xffff - 2
)

var jpegCommentPrefix = []byte(Keyword + ":")

// ContainerCodec writes attestations into a PNG iTXt chunk or a JPEG COM
// segment. GIF input is re-encoded to PNG first. Other formats, and files
// whose structure cannot be walked, go through the trailer codec.
type ContainerCodec struct {
	fallback *TrailerCodec
}

func NewContainerCodec(fallback *TrailerCodec) *ContainerCodec {
	if fallback == nil {
		fallback = NewTrailerCodec(0)
	}
	return &ContainerCodec{fallback: fallback}
}

func (c *ContainerCodec) Name() string { return ModeContainer }

func (c *ContainerCodec) Prepare(data []byte, mime string) ([]byte, string, error) {
	if formatOf(data, mime) != sniffer.FormatGIF {
		return data, mime, nil
	}
	img, err := gif.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("decode gif: %w", err)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, "", fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), sniffer.MIMEFor(sniffer.FormatPNG), nil
}

func (c *ContainerCodec) Embed(data []byte, att proof.SignedAttestation, mime string) ([]byte, string, error) {
	data, mime, err := c.Prepare(data, mime)
	if err != nil {
		return nil, "", err
	}
	body, err := encodeAttestation(att)
	if err != nil {
		return nil, "", err
	}

	base := c.Strip(data, mime)
	switch formatOf(base, mime) {
	case sniffer.FormatPNG:
		out, err := embedPNG(base, body)
		if err == nil {
			return out, sniffer.MIMEFor(sniffer.FormatPNG), nil
		}
	case sniffer.FormatJPEG:
		if len(jpegCommentPrefix)+len(body) <= maxJPEGComment {
			out, err := embedJPEG(base, body)
			if err == nil {
				return out, sniffer.MIMEFor(sniffer.FormatJPEG), nil
			}
		}
	}
	return c.fallback.Embed(base, att, mime)
}

func (c *ContainerCodec) Extract(data []byte, mime string) (Extracted, bool) {
	var (
		body    []byte
		payload []byte
		found   bool
	)
	switch formatOf(data, mime) {
	case sniffer.FormatPNG:
		body, payload, found = extractPNG(data)
	case sniffer.FormatJPEG:
		body, payload, found = extractJPEG(data)
	}
	if found {
		att, err := proof.ParseAttestation(body)
		if err == nil {
			// a trailer appended afterwards is not part of the signed image
			return Extracted{Attestation: att, Payload: c.fallback.Strip(payload, mime)}, true
		}
	}
	return c.fallback.Extract(data, mime)
}

func (c *ContainerCodec) Strip(data []byte, mime string) []byte {
	switch formatOf(data, mime) {
	case sniffer.FormatPNG:
		if _, payload, ok := extractPNG(data); ok {
			data = payload
		}
	case sniffer.FormatJPEG:
		if _, payload, ok := extractJPEG(data); ok {
			data = payload
		}
	}
	return c.fallback.Strip(data, mime)
}

func formatOf(data []byte, mime string) sniffer.Format {
	if res, ok := sniffer.Sniff(data); ok {
		return res.Format
	}
	if f, ok := sniffer.FormatFromMIME(mime); ok {
		return f
	}
	return sniffer.DefaultFormat
}

type pngChunk struct {
	start, end int
	typ        string
	data       []byte
}

func walkPNG(data []byte, fn func(pngChunk) bool) error {
	if len(data) < pngSignatureLen {
		return errMalformedPNG
	}
	pos := pngSignatureLen
	for pos < len(data) {
		if pos+8 > len(data) {
			return errMalformedPNG
		}
		length := int(binary.BigEndian.Uint32(data[pos : pos+4]))
		end := pos + 12 + length
		if length < 0 || end > len(data) || end < pos {
			return errMalformedPNG
		}
		chunk := pngChunk{
			start: pos,
			end:   end,
			typ:   string(data[pos+4 : pos+8]),
			data:  data[pos+8 : pos+8+length],
		}
		if !fn(chunk) {
			return nil
		}
		if chunk.typ == "IEND" {
			return nil
		}
		pos = end
	}
	return errMalformedPNG
}

func embedPNG(data, body []byte) ([]byte, error) {
	iend := -1
	err := walkPNG(data, func(c pngChunk) bool {
		if c.typ == "IEND" {
			iend = c.start
			return false
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	if iend < 0 {
		return nil, errMalformedPNG
	}

	chunk := buildITXt(body)
	out := make([]byte, 0, len(data)+len(chunk))
	out = append(out, data[:iend]...)
	out = append(out, chunk...)
	return append(out, data[iend:]...), nil
}

// buildITXt lays out keyword, null, compression flag, compression method,
// empty language tag and translated keyword, then the UTF-8 text.
func buildITXt(text []byte) []byte {
	payload := make([]byte, 0, len(Keyword)+5+len(text))
	payload = append(payload, Keyword...)
	payload = append(payload, 0, 0, 0, 0, 0)
	payload = append(payload, text...)

	chunk := make([]byte, 12+len(payload))
	binary.BigEndian.PutUint32(chunk[0:4], uint32(len(payload)))
	copy(chunk[4:8], "iTXt")
	copy(chunk[8:], payload)
	binary.BigEndian.PutUint32(chunk[8+len(payload):], crc32.ChecksumIEEE(chunk[4:8+len(payload)]))
	return chunk
}

func extractPNG(data []byte) (body, payload []byte, ok bool) {
	var found pngChunk
	err := walkPNG(data, func(c pngChunk) bool {
		if text, match := attestationText(c); match {
			body = text
			found = c
			ok = true
			return false
		}
		return true
	})
	if err != nil || !ok {
		return nil, nil, false
	}
	return body, splice(data, found.start, found.end), true
}

// attestationText recognises both the iTXt layout written by embedPNG and a
// plain tEXt chunk with the same keyword.
func attestationText(c pngChunk) ([]byte, bool) {
	prefix := append([]byte(Keyword), 0)
	if !bytes.HasPrefix(c.data, prefix) {
		return nil, false
	}
	rest := c.data[len(prefix):]
	switch c.typ {
	case "tEXt":
		return rest, true
	case "iTXt":
		if len(rest) < 2 || rest[0] != 0 {
			return nil, false
		}
		rest = rest[2:]
		for i := 0; i < 2; i++ {
			idx := bytes.IndexByte(rest, 0)
			if idx < 0 {
				return nil, false
			}
			rest = rest[idx+1:]
		}
		return rest, true
	}
	return nil, false
}

func embedJPEG(data, body []byte) ([]byte, error) {
	if len(data) < 4 || data[0] != 0xff || data[1] != 0xd8 {
		return nil, errMalformedJPEG
	}
	content := append(append([]byte{}, jpegCommentPrefix...), body...)
	segment := make([]byte, 4+len(content))
	segment[0], segment[1] = 0xff, 0xfe
	binary.BigEndian.PutUint16(segment[2:4], uint16(len(content)+2))
	copy(segment[4:], content)

	at := afterAppSegments(data)
	out := make([]byte, 0, len(data)+len(segment))
	out = append(out, data[:at]...)
	out = append(out, segment...)
	return append(out, data[at:]...), nil
}

// afterAppSegments returns the offset just past the APPn segments that follow
// SOI, so JFIF and Exif headers stay first.
func afterAppSegments(data []byte) int {
	pos := 2
	for pos+4 <= len(data) && data[pos] == 0xff && data[pos+1] >= 0xe0 && data[pos+1] <= 0xef {
		end := pos + 2 + int(binary.BigEndian.Uint16(data[pos+2:pos+4]))
		if end > len(data) {
			break
		}
		pos = end
	}
	return pos
}

func extractJPEG(data []byte) (body, payload []byte, ok bool) {
	if len(data) < 4 || data[0] != 0xff || data[1] != 0xd8 {
		return nil, nil, false
	}
	pos := 2
	for pos+4 <= len(data) {
		if data[pos] != 0xff {
			return nil, nil, false
		}
		marker := data[pos+1]
		switch {
		case marker == 0xff:
			pos++
			continue
		case marker == 0x01 || (marker >= 0xd0 && marker <= 0xd7):
			pos += 2
			continue
		case marker == 0xda || marker == 0xd9:
			return nil, nil, false
		}
		length := int(binary.BigEndian.Uint16(data[pos+2 : pos+4]))
		end := pos + 2 + length
		if length < 2 || end > len(data) {
			return nil, nil, false
		}
		if marker == 0xfe {
			content := data[pos+4 : end]
			if bytes.HasPrefix(content, jpegCommentPrefix) {
				return content[len(jpegCommentPrefix):], splice(data, pos, end), true
			}
		}
		pos = end
	}
	return nil, nil, false
}
