package extraction

import (
	"context"
	"errors"
)

// Result contains the fields the extraction service read from an Aadhaar card.
// Values are passed through verbatim.
type Result struct {
	AadhaarNumber string `json:"aadhaarNumber"`
	DateOfBirth   string `json:"dateOfBirth"`
	Gender        string `json:"gender"`
	Name          string `json:"name"`
	Address       string `json:"address"`
}

// Image is one side of the card as sent to the extraction service
type Image struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Extractor defines the interface for card field extraction
type Extractor interface {
	// Extract submits both sides of the card and returns the extracted fields
	Extract(ctx context.Context, front, back Image) (*Result, error)
}

// ErrExtractionFailed is returned when the service answers with a non-2xx status,
// regardless of the response body.
var ErrExtractionFailed = errors.New("extraction service returned an error status")

// ApplicationError is a well-formed response with success set to false
type ApplicationError struct {
	Message string
}

func (e *ApplicationError) Error() string {
	if e.Message == "" {
		return "extraction service rejected the images"
	}
	return e.Message
}
