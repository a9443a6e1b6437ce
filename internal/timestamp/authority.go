package timestamp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPAuthority fetches the current time from an HTTP time service. The
// response body is expected to carry an RFC 3339 UTC reading in the
// `utc_datetime` field (worldtimeapi-compatible); when the body cannot be
// parsed, the standard Date response header is used at second precision.
type HTTPAuthority struct {
	name   string
	url    string
	client *http.Client
}

// NewHTTPAuthority builds an authority named name fetching from url.
func NewHTTPAuthority(name, url string, client *http.Client) *HTTPAuthority {
	if client == nil {
		client = &http.Client{Timeout: 3 * time.Second}
	}
	return &HTTPAuthority{name: name, url: url, client: client}
}

func (a *HTTPAuthority) Name() string { return a.name }

type timeBody struct {
	UTCDatetime string `json:"utc_datetime"`
}

// Fetch performs one round trip to the authority.
func (a *HTTPAuthority) Fetch(ctx context.Context) (time.Time, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.url, nil)
	if err != nil {
		return time.Time{}, fmt.Errorf("build time authority request: %w", err)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return time.Time{}, fmt.Errorf("fetch %s: %w", a.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return time.Time{}, fmt.Errorf("fetch %s: unexpected status %d", a.name, resp.StatusCode)
	}

	var body timeBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.UTCDatetime != "" {
		t, perr := time.Parse(time.RFC3339Nano, body.UTCDatetime)
		if perr == nil {
			return t, nil
		}
	}

	// Header fallback: coarse but still an external reading.
	if date := resp.Header.Get("Date"); date != "" {
		t, perr := http.ParseTime(date)
		if perr == nil {
			return t, nil
		}
	}

	return time.Time{}, fmt.Errorf("fetch %s: no parseable time in response", a.name)
}
