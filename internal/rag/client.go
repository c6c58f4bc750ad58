// Package rag is the boundary to the retrieval engine. The ingestion
// pipeline is a producer: it pushes parsed text for indexing and proxies
// typed queries; everything behind the engine's HTTP API (embedding,
// graph construction, generation) is out of our hands.
package rag

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// DefaultTimeout bounds one engine call. Query answers wait on model
// generation, so this is generous.
const DefaultTimeout = 90 * time.Second

// maxErrorBody bounds how much of an engine error reply is kept.
const maxErrorBody = 512

// StatusError is a non-2xx reply from the engine.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("engine returned %d: %s", e.Code, e.Body)
}

// Config carries the client's connection settings.
type Config struct {
	// BaseURL is the engine's address, e.g. "http://localhost:9621".
	BaseURL string
	// APIKey is sent as X-API-KEY on every request. Optional.
	APIKey string
	// Timeout bounds one call. Zero means DefaultTimeout.
	Timeout time.Duration
}

// Client speaks JSON over HTTP to the engine.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	// streamClient has no overall timeout: a streamed answer lives as
	// long as the caller's context, not one call budget.
	streamClient *http.Client
	logger       *slog.Logger
}

// NewClient builds a Client for the engine at cfg.BaseURL.
func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("engine base URL is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:       cfg.APIKey,
		httpClient:   &http.Client{Timeout: cfg.Timeout},
		streamClient: &http.Client{},
		logger:       logger,
	}, nil
}

// Query sends a retrieval query. An empty mode defaults to ModeHybrid.
func (c *Client) Query(ctx context.Context, req QueryRequest) (*QueryResponse, error) {
	if req.Mode == "" {
		req.Mode = ModeHybrid
	}
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid query: %w", err)
	}

	var resp QueryResponse
	if err := c.call(ctx, http.MethodPost, "/query", req, &resp); err != nil {
		return nil, fmt.Errorf("querying engine: %w", err)
	}
	return &resp, nil
}

// QueryStream sends a retrieval query and returns the engine's answer
// as it is generated: newline-delimited JSON, one {"response": chunk}
// object per line. The caller must close the returned body; canceling
// ctx ends the stream.
func (c *Client) QueryStream(ctx context.Context, req QueryRequest) (io.ReadCloser, error) {
	if req.Mode == "" {
		req.Mode = ModeHybrid
	}
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid query: %w", err)
	}

	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/query/stream", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	hreq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		hreq.Header.Set("X-API-KEY", c.apiKey)
	}

	resp, err := c.streamClient.Do(hreq)
	if err != nil {
		return nil, fmt.Errorf("querying engine: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		_ = resp.Body.Close()
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return resp.Body, nil
}

// InsertText pushes one parsed document's text for indexing. source
// names the origin file and shows up in the engine's document listing.
func (c *Client) InsertText(ctx context.Context, text, source string) (*InsertResponse, error) {
	body := struct {
		Text       string `json:"text"`
		FileSource string `json:"file_source,omitempty"`
	}{Text: text, FileSource: source}

	var resp InsertResponse
	if err := c.call(ctx, http.MethodPost, "/documents/text", body, &resp); err != nil {
		return nil, fmt.Errorf("inserting text: %w", err)
	}
	return &resp, nil
}

// PushText adapts InsertText to the parse worker's engine hookup: any
// outcome other than an accepted insert is an error.
func (c *Client) PushText(ctx context.Context, text, source string) error {
	resp, err := c.InsertText(ctx, text, source)
	if err != nil {
		return err
	}
	if resp.Status == "failure" {
		return fmt.Errorf("engine rejected text: %s", resp.Message)
	}
	c.logger.Debug("text handed to engine",
		"source", source, "status", resp.Status)
	return nil
}

// Pipeline returns the engine's indexing pipeline state.
func (c *Client) Pipeline(ctx context.Context) (*PipelineStatus, error) {
	var resp PipelineStatus
	if err := c.call(ctx, http.MethodGet, "/documents/pipeline_status", nil, &resp); err != nil {
		return nil, fmt.Errorf("reading pipeline status: %w", err)
	}
	return &resp, nil
}

// Health checks that the engine answers at all.
func (c *Client) Health(ctx context.Context) error {
	if err := c.call(ctx, http.MethodGet, "/health", nil, nil); err != nil {
		return fmt.Errorf("engine health check: %w", err)
	}
	return nil
}

// call makes one HTTP round trip: marshal body, send with headers,
// check status, unmarshal result.
func (c *Client) call(ctx context.Context, method, path string, body, result any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-KEY", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail := strings.TrimSpace(string(respBody))
		if len(detail) > maxErrorBody {
			detail = detail[:maxErrorBody]
		}
		return &StatusError{Code: resp.StatusCode, Body: detail}
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}
