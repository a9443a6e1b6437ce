package signature

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"attest/pkg/platform/sentinel"
)

// HTTPContentSource reads content from the external content service over
// HTTP. Expected endpoints:
//
//	GET {base}/contents/{resourceID}
//	GET {base}/contents/{resourceID}/versions/{version}
//
// both returning a JSON content document.
type HTTPContentSource struct {
	baseURL string
	client  *http.Client
}

// NewHTTPContentSource builds a source against baseURL.
func NewHTTPContentSource(baseURL string, client *http.Client) *HTTPContentSource {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &HTTPContentSource{baseURL: baseURL, client: client}
}

type contentDocument struct {
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id"`
	Name         string         `json:"name"`
	Version      string         `json:"version"`
	Body         map[string]any `json:"body"`
}

func (s *HTTPContentSource) GetContent(ctx context.Context, resourceID string) (*Content, error) {
	return s.fetch(ctx, fmt.Sprintf("%s/contents/%s", s.baseURL, url.PathEscape(resourceID)))
}

func (s *HTTPContentSource) GetContentVersion(ctx context.Context, resourceID, version string) (*Content, error) {
	return s.fetch(ctx, fmt.Sprintf("%s/contents/%s/versions/%s",
		s.baseURL, url.PathEscape(resourceID), url.PathEscape(version)))
}

func (s *HTTPContentSource) fetch(ctx context.Context, u string) (*Content, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build content request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch content: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, sentinel.ErrNotFound
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("fetch content: unexpected status %d", resp.StatusCode)
	}

	var doc contentDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode content response: %w", err)
	}
	return &Content{
		ResourceType: doc.ResourceType,
		ResourceID:   doc.ResourceID,
		Name:         doc.Name,
		Version:      doc.Version,
		Body:         doc.Body,
	}, nil
}
