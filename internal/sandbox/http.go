package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPClient talks to the external sandbox service. The service exposes one
// endpoint per project: file reads and writes under /projects/{id}/files and
// command execution under /projects/{id}/commands.
type HTTPClient struct {
	baseURL string
	http    *http.Client
}

// NewHTTPClient builds a client for the service at baseURL.
func NewHTTPClient(baseURL string) (*HTTPClient, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("sandbox base url is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid sandbox base url: %w", err)
	}
	return &HTTPClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 15 * time.Minute},
	}, nil
}

func (c *HTTPClient) fileURL(projectID, path string) string {
	return fmt.Sprintf("%s/projects/%s/files?path=%s",
		c.baseURL, url.PathEscape(projectID), url.QueryEscape(path))
}

func (c *HTTPClient) ReadFile(ctx context.Context, projectID, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.fileURL(projectID, path), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sandbox read failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return io.ReadAll(resp.Body)
	case http.StatusNotFound:
		return nil, ErrNotFound
	default:
		return nil, fmt.Errorf("sandbox read failed: status %d", resp.StatusCode)
	}
}

func (c *HTTPClient) WriteFile(ctx context.Context, projectID, path string, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.fileURL(projectID, path), bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("sandbox write failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("sandbox write failed: status %d", resp.StatusCode)
	}
	return nil
}

func (c *HTTPClient) RunCommand(ctx context.Context, projectID, command string) (*CommandResult, error) {
	body, err := json.Marshal(map[string]string{"command": command})
	if err != nil {
		return nil, err
	}
	endpoint := fmt.Sprintf("%s/projects/%s/commands", c.baseURL, url.PathEscape(projectID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sandbox command failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("sandbox command failed: status %d", resp.StatusCode)
	}
	var result CommandResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("sandbox command response malformed: %w", err)
	}
	return &result, nil
}
