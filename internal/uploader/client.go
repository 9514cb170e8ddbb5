// internal/uploader/client.go
// Package uploader implements the client side of the MediaHub chunked upload
// protocol: an API client for the service endpoints and an orchestrator that
// drives parallel, resumable transfers.
package uploader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/FanzDash/fanzdash-mediahub-go/internal/model"
)

// ChunkIndexHeader carries the zero-based chunk position on chunk uploads.
// Mirrors the server's header name.
const ChunkIndexHeader = "X-Chunk-Index"

// APIError is a decoded error envelope from the upload service.
type APIError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"-"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s (http %d)", e.Code, e.Message, e.HTTPStatus)
}

// Retryable reports whether the request that produced this error is worth
// retrying. Client-side errors are final; server and transport errors are not.
func (e *APIError) Retryable() bool {
	return e.HTTPStatus >= 500
}

// Client talks to the upload service API.
type Client struct {
	base  string       // Base URL of the upload service
	hc    *http.Client // HTTP client
	token string       // Bearer token attached to mutating requests
}

// NewClient creates an API client for the given service base URL.
func NewClient(baseURL, token string) *Client {
	return &Client{
		base: baseURL,
		hc: &http.Client{
			// Generous timeout: a single chunk PUT may carry megabytes.
			Timeout: 2 * time.Minute,
		},
		token: token,
	}
}

// do executes a request and decodes the success envelope into out.
// Error envelopes are returned as *APIError.
func (c *Client) do(req *http.Request, out interface{}) error {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode != http.StatusOK {
		var envelope struct {
			Error APIError `json:"error"`
		}
		if err := json.Unmarshal(body, &envelope); err != nil || envelope.Error.Code == "" {
			return &APIError{
				Code:       "MH_INTERNAL",
				Message:    fmt.Sprintf("unexpected response: %s", resp.Status),
				HTTPStatus: resp.StatusCode,
			}
		}
		envelope.Error.HTTPStatus = resp.StatusCode
		return &envelope.Error
	}

	if out == nil {
		return nil
	}
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("failed to decode response envelope: %w", err)
	}
	return json.Unmarshal(envelope.Data, out)
}

// FetchConfig retrieves the service's upload parameters.
func (c *Client) FetchConfig(ctx context.Context) (*model.ServiceConfig, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.base+"/config", nil)
	if err != nil {
		return nil, err
	}
	var cfg model.ServiceConfig
	if err := c.do(req, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// InitUpload opens a new upload session.
func (c *Client) InitUpload(ctx context.Context, init model.InitUploadRequest) (*model.InitUploadData, error) {
	b, err := json.Marshal(init)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, "POST", c.base+"/upload/init", bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	var data model.InitUploadData
	if err := c.do(req, &data); err != nil {
		return nil, err
	}
	return &data, nil
}

// UploadChunk sends one chunk payload.
func (c *Client) UploadChunk(ctx context.Context, uploadID string, chunkIndex int, payload []byte) (*model.ChunkData, error) {
	url := fmt.Sprintf("%s/upload/%s/chunk", c.base, uploadID)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set(ChunkIndexHeader, strconv.Itoa(chunkIndex))

	var data model.ChunkData
	if err := c.do(req, &data); err != nil {
		return nil, err
	}
	return &data, nil
}

// Progress fetches the server-side view of an upload's progress.
func (c *Client) Progress(ctx context.Context, uploadID string) (*model.UploadProgress, error) {
	url := fmt.Sprintf("%s/upload/%s/progress", c.base, uploadID)
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, err
	}
	var data model.UploadProgress
	if err := c.do(req, &data); err != nil {
		return nil, err
	}
	return &data, nil
}

// Resume fetches the resume cursor for an interrupted upload.
func (c *Client) Resume(ctx context.Context, uploadID string) (*model.ResumeData, error) {
	url := fmt.Sprintf("%s/upload/%s/resume", c.base, uploadID)
	req, err := http.NewRequestWithContext(ctx, "POST", url, nil)
	if err != nil {
		return nil, err
	}
	var data model.ResumeData
	if err := c.do(req, &data); err != nil {
		return nil, err
	}
	return &data, nil
}

// Complete finalizes a fully-transferred upload.
func (c *Client) Complete(ctx context.Context, uploadID string) (*model.CompleteData, error) {
	url := fmt.Sprintf("%s/upload/%s/complete", c.base, uploadID)
	req, err := http.NewRequestWithContext(ctx, "POST", url, nil)
	if err != nil {
		return nil, err
	}
	var data model.CompleteData
	if err := c.do(req, &data); err != nil {
		return nil, err
	}
	return &data, nil
}
