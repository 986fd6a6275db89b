// Package gitserver is an HTTP client for the repository host. It answers
// the two questions the cross-repo index asks: what is a repository's tip,
// and which commits are near a given one.
package gitserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"lsifd/internal/errors"
)

// Client talks to a repository host over HTTP.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a client for the host at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// Head returns the commit at the tip of the repository's default branch.
func (c *Client) Head(ctx context.Context, repository string) (string, error) {
	var response struct {
		Commit string `json:"commit"`
	}
	params := url.Values{"repository": {repository}}
	if err := c.get(ctx, "/head", params, &response); err != nil {
		return "", err
	}
	if response.Commit == "" {
		return "", errors.Newf(errors.Transient, "host returned no tip for %s", repository)
	}
	return response.Commit, nil
}

// CommitsNear returns the parentage of commits near the given one, as a map
// from commit to its parents.
func (c *Client) CommitsNear(ctx context.Context, repository, commit string) (map[string][]string, error) {
	var response map[string][]string
	params := url.Values{"repository": {repository}, "commit": {commit}}
	if err := c.get(ctx, "/commits-near", params, &response); err != nil {
		return nil, err
	}
	return response, nil
}

func (c *Client) get(ctx context.Context, path string, params url.Values, into interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return errors.Wrap(errors.Transient, "failed to build host request", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return errors.Wrap(errors.Transient, "host request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return errors.New(errors.Transient, fmt.Sprintf("host returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}
	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		return errors.Wrap(errors.Transient, "failed to decode host response", err)
	}
	return nil
}
