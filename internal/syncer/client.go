// Package syncer drains the durable category stores to the remote
// acceptor in priority order, with bounded retries, permanent-failure
// detection and post-confirmation cleanup.
package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"regexp"
	"time"

	"github.com/rakshanet/beacon/internal/models"
)

// Acceptor is the remote service that durably receives synced records.
// It is a black box returning success or failure.
type Acceptor interface {
	// SendJSON delivers one JSON record for the given category.
	SendJSON(ctx context.Context, c models.Category, payload map[string]any) error
	// UploadRecording delivers one binary recording with its identity
	// and timestamp fields as a multipart form.
	UploadRecording(ctx context.Context, fields map[string]string, filename string, audio []byte) error
}

// SendError carries the acceptor's failure response. Permanent errors
// (unresolvable subject identity) must not be retried.
type SendError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *SendError) Error() string {
	return fmt.Sprintf("acceptor: status %d code %q: %s", e.StatusCode, e.Code, e.Message)
}

// CodeIdentityNotFound is the structured error code the acceptor returns
// when the record's subject cannot be resolved.
const CodeIdentityNotFound = "IDENTITY_NOT_FOUND"

// Legacy acceptors predate the structured code and only return a 404 with
// a free-text message. This shim is the single place that text shape is
// recognized; remove it once the acceptor fleet is upgraded.
var legacyNotFoundRe = regexp.MustCompile(`(?i)not found`)

// IsIdentityNotFound reports whether the error marks a permanently
// unresolvable identity.
func IsIdentityNotFound(err error) bool {
	se, ok := err.(*SendError)
	if !ok {
		return false
	}
	if se.Code == CodeIdentityNotFound {
		return true
	}
	return se.StatusCode == http.StatusNotFound && legacyNotFoundRe.MatchString(se.Message)
}

// Endpoints maps each category to its acceptor path.
type Endpoints struct {
	Location  string
	SOS       string
	Panic     string
	Recording string
}

// DefaultEndpoints are the acceptor paths the deployed fleet serves.
func DefaultEndpoints() Endpoints {
	return Endpoints{
		Location:  "/api/v1/location",
		SOS:       "/api/women/sos",
		Panic:     "/api/v1/alert/panic",
		Recording: "/api/v1/alert/upload-recording",
	}
}

// Client is the HTTP implementation of Acceptor.
type Client struct {
	baseURL       string
	endpoints     Endpoints
	http          *http.Client
	uploadTimeout time.Duration
}

// NewClient builds an acceptor client for the given base URL.
func NewClient(baseURL string, endpoints Endpoints, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:   baseURL,
		endpoints: endpoints,
		http:      &http.Client{Timeout: timeout},
		// Recording bodies are much larger than JSON records.
		uploadTimeout: 2 * timeout,
	}
}

func (c *Client) endpointFor(cat models.Category) (string, error) {
	var path string
	switch cat {
	case models.CategoryLocation:
		path = c.endpoints.Location
	case models.CategorySOS:
		path = c.endpoints.SOS
	case models.CategoryPanic:
		path = c.endpoints.Panic
	case models.CategoryRecording:
		path = c.endpoints.Recording
	default:
		return "", fmt.Errorf("syncer: no endpoint for category %q", cat)
	}
	u, err := url.JoinPath(c.baseURL, path)
	if err != nil {
		return "", fmt.Errorf("syncer: build endpoint: %w", err)
	}
	return u, nil
}

// SendJSON posts one record payload and interprets the response.
func (c *Client) SendJSON(ctx context.Context, cat models.Category, payload map[string]any) error {
	endpoint, err := c.endpointFor(cat)
	if err != nil {
		return err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("syncer: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("syncer: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("syncer: post %s: %w", cat, err)
	}
	defer resp.Body.Close()

	return responseError(resp)
}

// UploadRecording posts the binary body plus identity fields as
// multipart form data.
func (c *Client) UploadRecording(ctx context.Context, fields map[string]string, filename string, audio []byte) error {
	endpoint, err := c.endpointFor(models.CategoryRecording)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for key, value := range fields {
		if err := w.WriteField(key, value); err != nil {
			return fmt.Errorf("syncer: write field %q: %w", key, err)
		}
	}
	part, err := w.CreateFormFile("recording", filename)
	if err != nil {
		return fmt.Errorf("syncer: create file part: %w", err)
	}
	if _, err := part.Write(audio); err != nil {
		return fmt.Errorf("syncer: write recording body: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("syncer: finish multipart body: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.uploadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &buf)
	if err != nil {
		return fmt.Errorf("syncer: build upload request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("syncer: upload recording: %w", err)
	}
	defer resp.Body.Close()

	return responseError(resp)
}

// responseError converts a non-2xx response into a SendError, pulling
// the structured error code out of the JSON body when present.
func responseError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	se := &SendError{StatusCode: resp.StatusCode}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return se
	}
	var parsed struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	if json.Unmarshal(body, &parsed) == nil {
		se.Code = parsed.Code
		se.Message = parsed.Error
	} else {
		se.Message = string(body)
	}
	return se
}
