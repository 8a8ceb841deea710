package upload

import (
	"fmt"
	"time"

	"github.com/zombor/aadhaar-reader/internal/extraction"
)

// Side identifies one face of the card
type Side string

const (
	SideFront Side = "front"
	SideBack  Side = "back"
)

// ParseSide converts a path segment into a Side
func ParseSide(s string) (Side, error) {
	switch Side(s) {
	case SideFront, SideBack:
		return Side(s), nil
	default:
		return "", fmt.Errorf("unknown side %q", s)
	}
}

// File is an image selected by the user, before acceptance
type File struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Image is an accepted image for one side. The blob and its preview are
// always replaced together.
type Image struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int    `json:"size"`
	BlobKey     string `json:"blob_key"`
	Preview     string `json:"preview"` // data URI
}

// Session is the controller state for one browser session
type Session struct {
	ID         string             `json:"id"`
	Front      *Image             `json:"front,omitempty"`
	Back       *Image             `json:"back,omitempty"`
	Processing bool               `json:"processing"`
	Result     *extraction.Result `json:"result,omitempty"`
	Error      string             `json:"error,omitempty"`
	CreatedAt  time.Time          `json:"created_at"`
	UpdatedAt  time.Time          `json:"updated_at"`
}

func (s *Session) image(side Side) *Image {
	if side == SideFront {
		return s.Front
	}
	return s.Back
}

func (s *Session) setImage(side Side, img *Image) {
	if side == SideFront {
		s.Front = img
	} else {
		s.Back = img
	}
}

// Ready reports whether both sides are present
func (s *Session) Ready() bool {
	return s.Front != nil && s.Back != nil
}
