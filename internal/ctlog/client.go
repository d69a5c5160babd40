// Package ctlog implements the RFC 6962 retrieval surface ctkeys needs:
// get-sth for the authoritative tree size and width-one get-entries
// requests for individual log entries.
package ctlog

/*
ctkeys — Certificate Transparency RSA key harvesting pipeline
Copyright (C) 2026  Pepijn van der Stap <rxtls@vanderstap.info>

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const userAgent = "ctkeys (+https://github.com/x-stp/ctkeys)"

// ErrEmptyResponse indicates the log returned HTTP 200 with no entries for
// a range that should contain at least one. Logs do this transiently; it
// must never be read as end-of-log. TreeSize is the termination authority.
var ErrEmptyResponse = errors.New("log returned no entries")

// HTTPError is returned when the log answers with a non-200 status.
type HTTPError struct {
	StatusCode int
	Status     string
	URL        string
	Body       []byte
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("GET %q: %s (%q)", e.URL, e.Status, bytes.TrimSpace(e.Body))
}

// Transient reports whether err is worth retrying with backoff. Rate
// limiting and server-side failures are transient; other HTTP statuses are
// permanent. Anything that never produced a status (timeouts, resets,
// refused connections) is treated as transient network failure.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrEmptyResponse) {
		return true
	}
	var he *HTTPError
	if errors.As(err, &he) {
		return he.StatusCode == http.StatusTooManyRequests || he.StatusCode >= 500
	}
	return true
}

// Entry is a raw log entry as returned by get-entries. Payload fields stay
// base64-encoded until the decode stage.
type Entry struct {
	Index     uint64 `json:"index"`
	LeafInput string `json:"leaf_input"`
	ExtraData string `json:"extra_data"`
}

// Client talks to a single CT log over a shared HTTP client.
type Client struct {
	base string
	http *http.Client
}

// New creates a client for the log at baseURL (scheme included,
// e.g. "https://ct.googleapis.com/logs/eu1/xenon2026").
func New(baseURL string, httpClient *http.Client) *Client {
	return &Client{
		base: strings.TrimSuffix(baseURL, "/"),
		http: httpClient,
	}
}

// BaseURL returns the configured log base URL.
func (c *Client) BaseURL() string { return c.base }

// TreeSize fetches the log's current tree size from get-sth. The signed
// tree head is used only as a size bound; the signature is not verified.
func (c *Client) TreeSize(ctx context.Context) (uint64, error) {
	body, err := c.get(ctx, c.base+"/ct/v1/get-sth")
	if err != nil {
		return 0, err
	}
	var sth struct {
		TreeSize uint64 `json:"tree_size"`
	}
	if err := json.Unmarshal(body, &sth); err != nil {
		return 0, fmt.Errorf("parse get-sth response: %w", err)
	}
	return sth.TreeSize, nil
}

// GetEntry retrieves the single entry at index via a width-one get-entries
// request. The target log caps range widths aggressively, so one request
// per index keeps completeness accounting exact.
func (c *Client) GetEntry(ctx context.Context, index uint64) (*Entry, error) {
	url := fmt.Sprintf("%s/ct/v1/get-entries?start=%d&end=%d", c.base, index, index)
	body, err := c.get(ctx, url)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Entries []struct {
			LeafInput string `json:"leaf_input"`
			ExtraData string `json:"extra_data"`
		} `json:"entries"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("parse get-entries response for index %d: %w", index, err)
	}
	if len(parsed.Entries) == 0 {
		return nil, fmt.Errorf("index %d: %w", index, ErrEmptyResponse)
	}

	return &Entry{
		Index:     index,
		LeafInput: parsed.Entries[0].LeafInput,
		ExtraData: parsed.Entries[0].ExtraData,
	}, nil
}

func (c *Client) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &HTTPError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			URL:        url,
			Body:       body,
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("GET %q: read body: %w", url, err)
	}
	return body, nil
}
