// Package supabase implements blob.Store against the Supabase Storage REST
// API. Objects live in a single bucket; uploads use the x-upsert header so
// re-uploading a session archive replaces the previous one.
package supabase

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mnemo-labs/mnemo/blob"
)

// Client talks to one Supabase Storage bucket with a service key.
type Client struct {
	baseURL string
	apiKey  string
	bucket  string
	http    *http.Client
}

// New builds a client. baseURL is the project URL (https://xyz.supabase.co).
func New(baseURL, apiKey, bucket string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		bucket:  bucket,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) objectURL(key string) string {
	return fmt.Sprintf("%s/storage/v1/object/%s/%s", c.baseURL, c.bucket, url.PathEscape(key))
}

// Download fetches an object. A 404 (or Supabase's 400 "not_found" variant)
// maps to blob.ErrNotFound so callers can treat absence as a fresh session.
func (c *Client) Download(ctx context.Context, key string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.objectURL(key), nil)
	if err != nil {
		return nil, fmt.Errorf("build download request: %w", err)
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download %q: %w", key, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read download body: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, blob.ErrNotFound
	case resp.StatusCode == http.StatusBadRequest && strings.Contains(string(body), "not_found"):
		return nil, blob.ErrNotFound
	default:
		return nil, fmt.Errorf("download %q: status %d: %s", key, resp.StatusCode, truncate(body))
	}
}

// Upload stores an object with upsert semantics.
func (c *Client) Upload(ctx context.Context, key string, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.objectURL(key), bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build upload request: %w", err)
	}
	c.authorize(req)
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("x-upsert", "true")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("upload %q: %w", key, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(resp.Body)
	return fmt.Errorf("upload %q: status %d: %s", key, resp.StatusCode, truncate(body))
}

func (c *Client) authorize(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("apikey", c.apiKey)
}

func truncate(body []byte) string {
	const max = 200
	if len(body) <= max {
		return string(body)
	}
	return string(body[:max]) + "..."
}
