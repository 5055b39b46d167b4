// Package extract is the client for the external OCR+LLM pipeline that
// turns an order image into structured line items. The service is an
// external collaborator; this package owns only the call contract, its
// timeout, and its retry policy.
package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/zoobzio/pipz"

	"github.com/mandihq/mandi/errs"
	"github.com/mandihq/mandi/parser"
)

const (
	// MaxAttempts per extraction, with exponential backoff from BaseDelay.
	MaxAttempts = 3
	BaseDelay   = 2 * time.Second
	// CallTimeout caps one extractor round trip. OCR plus an LLM pass is
	// slow, so this is looser than the messaging gateway's budget.
	CallTimeout = 60 * time.Second
)

// Result is the extractor's reading of one image.
type Result struct {
	Items   []parser.ExtractedItem `json:"items"`
	RawText string                 `json:"rawText"`
}

type call struct {
	imageRef string
	result   Result
}

// Client calls the extraction service. A client with no URL is disabled:
// Extract fails with EXTERNAL_SERVICE, which routes the upload to manual
// review instead of losing it.
type Client struct {
	url      string
	token    string
	http     *http.Client
	pipeline pipz.Chainable[call]
}

func New(url, token string) *Client {
	var c = &Client{
		url:   strings.TrimRight(url, "/"),
		token: token,
		http:  &http.Client{},
	}
	c.pipeline = pipz.NewBackoff[call]("extract",
		pipz.NewTimeout[call]("extract-timeout",
			pipz.Apply("extract-post", c.post),
			CallTimeout),
		MaxAttempts, BaseDelay)
	return c
}

// Enabled reports whether extraction is configured.
func (c *Client) Enabled() bool { return c.url != "" }

// Extract submits |imageRef| and returns the structured items the service
// read from it.
func (c *Client) Extract(ctx context.Context, imageRef string) (Result, error) {
	if !c.Enabled() {
		return Result{}, errs.New(errs.ExternalService, "image extraction is not configured")
	}
	var out, err = c.pipeline.Process(ctx, call{imageRef: imageRef})
	if err != nil {
		return Result{}, err
	}
	log.WithFields(log.Fields{
		"image": imageRef,
		"items": len(out.result.Items),
	}).Debug("image extracted")
	return out.result, nil
}

type extractRequest struct {
	ImageRef string `json:"image_ref"`
}

func (c *Client) post(ctx context.Context, in call) (call, error) {
	var body, err = json.Marshal(extractRequest{ImageRef: in.imageRef})
	if err != nil {
		return in, fmt.Errorf("encoding extraction request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/v1/extract", bytes.NewReader(body))
	if err != nil {
		return in, fmt.Errorf("building extraction request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return in, errs.Wrap(errs.ExternalService, err, "calling extraction service")
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		var detail, _ = io.ReadAll(io.LimitReader(resp.Body, 512))
		return in, errs.New(errs.ExternalService, "extraction service returned %d: %s",
			resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	if err = json.NewDecoder(resp.Body).Decode(&in.result); err != nil {
		return in, errs.Wrap(errs.ExternalService, err, "decoding extraction response")
	}
	return in, nil
}
