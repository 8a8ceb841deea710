package extraction

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const (
	frontPartName = "frontSide"
	backPartName  = "backSide"
)

// Client implements the Extractor interface against the remote extraction service
type Client struct {
	baseURL string
	client  *http.Client
	schema  *jsonschema.Schema
}

// NewClient creates a new Client for the service at baseURL.
// A zero timeout leaves requests unbounded.
func NewClient(baseURL string, timeout time.Duration) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("extraction service base URL is required")
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("base URL must be absolute: %q", baseURL)
	}
	if timeout < 0 {
		return nil, fmt.Errorf("timeout must not be negative")
	}

	schema, err := compileEnvelopeSchema()
	if err != nil {
		return nil, err
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		schema:  schema,
	}, nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

// writeImagePart adds an image part carrying its declared media type
func writeImagePart(w *multipart.Writer, name string, img Image) error {
	filename := img.Filename
	if filename == "" {
		filename = name
	}
	contentType := img.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
		quoteEscaper.Replace(name), quoteEscaper.Replace(filename)))
	h.Set("Content-Type", contentType)

	part, err := w.CreatePart(h)
	if err != nil {
		return fmt.Errorf("creating %s part: %w", name, err)
	}
	if _, err := part.Write(img.Data); err != nil {
		return fmt.Errorf("writing %s part: %w", name, err)
	}
	return nil
}

// buildForm encodes both sides as a multipart body
func buildForm(front, back Image) (*bytes.Buffer, string, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	if err := writeImagePart(w, frontPartName, front); err != nil {
		return nil, "", err
	}
	if err := writeImagePart(w, backPartName, back); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("closing multipart writer: %w", err)
	}
	return &body, w.FormDataContentType(), nil
}

// Extract posts both images to {baseURL}/images and decodes the response envelope
func (c *Client) Extract(ctx context.Context, front, back Image) (*Result, error) {
	body, contentType, err := buildForm(front, back)
	if err != nil {
		return nil, err
	}

	endpoint := c.baseURL + "/images"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling extraction service: %w", err)
	}
	defer resp.Body.Close()

	slog.Debug("Extraction service responded",
		"url", endpoint,
		"status", resp.StatusCode,
		"duration", time.Since(start),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w (status %d): %s", ErrExtractionFailed, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	return decodeEnvelope(c.schema, raw)
}
