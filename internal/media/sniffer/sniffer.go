// Package sniffer identifies image containers from their leading magic bytes.
package sniffer

import (
	"bytes"
	"strings"
)

type Format string

const (
	FormatPNG  Format = "png"
	FormatJPEG Format = "jpeg"
	FormatGIF  Format = "gif"
	FormatWEBP Format = "webp"
	FormatAVIF Format = "avif"
)

// DefaultFormat is assumed for bytes no signature matches.
const DefaultFormat = FormatPNG

var pngMagic = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

type Result struct {
	Format Format
	MIME   string
}

// Sniff reports the recognised container. ok is false when no signature matched.
func Sniff(head []byte) (Result, bool) {
	switch {
	case isPNG(head):
		return Result{Format: FormatPNG, MIME: "image/png"}, true
	case isJPEG(head):
		return Result{Format: FormatJPEG, MIME: "image/jpeg"}, true
	case isGIF(head):
		return Result{Format: FormatGIF, MIME: "image/gif"}, true
	case isWEBP(head):
		return Result{Format: FormatWEBP, MIME: "image/webp"}, true
	case isAVIF(head):
		return Result{Format: FormatAVIF, MIME: "image/avif"}, true
	}
	return Result{}, false
}

// DetectContainerFormat is Sniff with unknown input mapped to DefaultFormat.
func DetectContainerFormat(data []byte) Format {
	if res, ok := Sniff(data); ok {
		return res.Format
	}
	return DefaultFormat
}

// FormatFromMIME maps a declared content type, ignoring parameters.
func FormatFromMIME(mime string) (Format, bool) {
	if idx := strings.Index(mime, ";"); idx >= 0 {
		mime = mime[:idx]
	}
	switch strings.ToLower(strings.TrimSpace(mime)) {
	case "image/png":
		return FormatPNG, true
	case "image/jpeg", "image/jpg":
		return FormatJPEG, true
	case "image/gif":
		return FormatGIF, true
	case "image/webp":
		return FormatWEBP, true
	case "image/avif":
		return FormatAVIF, true
	}
	return "", false
}

func MIMEFor(f Format) string {
	switch f {
	case FormatJPEG:
		return "image/jpeg"
	case FormatGIF:
		return "image/gif"
	case FormatWEBP:
		return "image/webp"
	case FormatAVIF:
		return "image/avif"
	}
	return "image/png"
}

// Extension returns the usual file suffix including the dot.
func Extension(f Format) string {
	if f == FormatJPEG {
		return ".jpg"
	}
	return "." + string(f)
}

func isJPEG(head []byte) bool {
	return len(head) > 3 &&
		head[0] == 0xff &&
		head[1] == 0xd8 &&
		head[2] == 0xff
}

func isPNG(head []byte) bool {
	return len(head) >= len(pngMagic) && bytes.Equal(head[:len(pngMagic)], pngMagic)
}

func isGIF(head []byte) bool {
	return len(head) >= 6 && (bytes.Equal(head[:6], []byte("GIF87a")) || bytes.Equal(head[:6], []byte("GIF89a")))
}

func isWEBP(head []byte) bool {
	return len(head) >= 12 &&
		bytes.Equal(head[:4], []byte("RIFF")) &&
		bytes.Equal(head[8:12], []byte("WEBP"))
}

func isAVIF(head []byte) bool {
	if len(head) < 12 {
		return false
	}
	boxType := string(head[4:8])
	return boxType == "ftyp" && bytes.Contains(head[8:min(len(head), 32)], []byte("avif"))
}
