// Package analyzer calls the external AI-detection service.
package analyzer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"proofofart/internal/apperr"
)

const (
	analyzePath    = "/api/v1/analyze"
	maxErrorBody   = 2048
	defaultTimeout = 120 * time.Second
	defaultPingTTL = 5 * time.Second
)

var ErrMalformedResponse = errors.New("malformed analyzer response")

type Predictions struct {
	IsAIGenerated *bool    `json:"is_ai_generated"`
	Confidence    *float64 `json:"confidence"`
}

type Tampering struct {
	Detected        bool    `json:"detected"`
	IsEdited        bool    `json:"is_edited"`
	MaskBase64      string  `json:"mask_base64,omitempty"`
	EditedAreaRatio float64 `json:"edited_area_ratio"`
	EditedPixels    int64   `json:"edited_pixels"`
}

// Edited accepts either spelling of the tamper flag.
func (t Tampering) Edited() bool {
	return t.Detected || t.IsEdited
}

type Response struct {
	Predictions Predictions `json:"predictions"`
	Tampering   Tampering   `json:"tampering"`
}

// Result is a validated analyzer response.
type Result struct {
	IsAIGenerated bool
	Confidence    float64
	Tampering     Tampering
}

type Client struct {
	BaseURL     string
	HTTPClient  *http.Client
	Timeout     time.Duration
	PingTimeout time.Duration
}

type Option func(*Client)

func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.HTTPClient = client
	}
}

func WithTimeouts(call, ping time.Duration) Option {
	return func(c *Client) {
		if call > 0 {
			c.Timeout = call
		}
		if ping > 0 {
			c.PingTimeout = ping
		}
	}
}

func NewClient(baseURL string, opts ...Option) *Client {
	client := &Client{
		BaseURL:     strings.TrimRight(baseURL, "/"),
		HTTPClient:  &http.Client{},
		Timeout:     defaultTimeout,
		PingTimeout: defaultPingTTL,
	}
	for _, opt := range opts {
		opt(client)
	}
	return client
}

// Ping checks the service root. It is advisory and never blocks longer than
// the ping timeout.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.PingTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/", nil)
	if err != nil {
		return fmt.Errorf("build ping: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("ping: status %d", resp.StatusCode)
	}
	return nil
}

// Analyze posts the image url and validates the response. Every failure is
// reported as an external error so the caller retries it.
func (c *Client) Analyze(ctx context.Context, imageURL string) (Result, error) {
	const op = "analyzer.Analyze"
	if c.BaseURL == "" {
		return Result{}, apperr.Invalid(op, "analyzer base url is not configured")
	}

	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	body, err := json.Marshal(map[string]string{"image_url": imageURL})
	if err != nil {
		return Result{}, apperr.Internal(op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+analyzePath, bytes.NewReader(body))
	if err != nil {
		return Result{}, apperr.Internal(op, fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return Result{}, apperr.External(op, "analyzer", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return Result{}, apperr.External(op, "analyzer",
			fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(text))))
	}

	var decoded Response
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return Result{}, apperr.External(op, "analyzer", fmt.Errorf("%w: %v", ErrMalformedResponse, err))
	}
	result, err := decoded.validate()
	if err != nil {
		return Result{}, apperr.External(op, "analyzer", err)
	}
	return result, nil
}

func (r Response) validate() (Result, error) {
	p := r.Predictions
	if p.IsAIGenerated == nil || p.Confidence == nil {
		return Result{}, fmt.Errorf("%w: predictions incomplete", ErrMalformedResponse)
	}
	if *p.Confidence < 0 || *p.Confidence > 1 {
		return Result{}, fmt.Errorf("%w: confidence %v out of range", ErrMalformedResponse, *p.Confidence)
	}
	if r.Tampering.EditedAreaRatio < 0 || r.Tampering.EditedAreaRatio > 1 || r.Tampering.EditedPixels < 0 {
		return Result{}, fmt.Errorf("%w: tampering values out of range", ErrMalformedResponse)
	}
	return Result{
		IsAIGenerated: *p.IsAIGenerated,
		Confidence:    *p.Confidence,
		Tampering:     r.Tampering,
	}, nil
}
