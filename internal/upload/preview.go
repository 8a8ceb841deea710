package upload

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image/png"
	"log/slog"
	"mime"
	"path/filepath"
	"strings"

	"github.com/gen2brain/heic"
)

// isImageMediaType reports whether a declared media type is an image type
func isImageMediaType(contentType string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(contentType)), "image/")
}

// normalizeMediaType lowercases a media type and drops its parameters
func normalizeMediaType(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(contentType))
	}
	return mediaType
}

// mediaTypeFromFilename guesses a media type when the browser sent none
func mediaTypeFromFilename(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".bmp":
		return "image/bmp"
	case ".heic":
		return "image/heic"
	case ".heif":
		return "image/heif"
	case ".pdf":
		return "application/pdf"
	default:
		return "application/octet-stream"
	}
}

// isHEICFormat checks for an ftyp box with a HEIC/HEIF brand
func isHEICFormat(data []byte) bool {
	if len(data) < 12 || string(data[4:8]) != "ftyp" {
		return false
	}
	switch string(data[8:12]) {
	case "heic", "heix", "heif", "mif1", "msf1":
		return true
	}
	return false
}

func isHEICMimeType(mediaType string) bool {
	return mediaType == "image/heic" || mediaType == "image/heif"
}

// heicToPNG decodes a HEIC/HEIF image and re-encodes it as PNG
func heicToPNG(data []byte) ([]byte, error) {
	img, err := heic.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decoding HEIC/HEIF image: %w", err)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding PNG: %w", err)
	}
	return buf.Bytes(), nil
}

func dataURI(mediaType string, data []byte) string {
	return "data:" + mediaType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// buildPreview encodes an image as a data URI the browser can render.
// HEIC/HEIF is converted to PNG for display only; if that fails the raw
// bytes are encoded as-is.
func buildPreview(data []byte, contentType string) string {
	mediaType := normalizeMediaType(contentType)
	if isHEICFormat(data) || isHEICMimeType(mediaType) {
		pngData, err := heicToPNG(data)
		if err == nil {
			return dataURI("image/png", pngData)
		}
		slog.Warn("Failed to convert HEIC preview", "content_type", mediaType, "size", len(data), "error", err)
	}
	return dataURI(mediaType, data)
}
