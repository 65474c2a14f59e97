// Package remotehost is the HTTP client for the remote version-control
// host a Remote module identifier points at: tag listing, raw
// manifest fetch, and tarball fetch. It is grounded on the retrieved
// corpus's provider-bridge pattern (shared transport, retry policy on
// safe methods, redacted error bodies) shaped against a GitHub-style
// API, per spec.md §6.
package remotehost

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/silexa/hostbus/internal/httpx"
	"github.com/silexa/hostbus/internal/netpolicy"
)

// Spec describes the shape of one remote host, mirroring the
// corpus's per-provider Spec table (BaseURL/UserAgent/Accept) but
// fixed to the two endpoint families spec.md §6 names.
type Spec struct {
	APIBaseURL string // e.g. https://api.github.com
	RawBaseURL string // e.g. https://raw.githubusercontent.com
	UserAgent  string
}

// GitHub is the default host spec: github.com itself.
var GitHub = Spec{
	APIBaseURL: "https://api.github.com",
	RawBaseURL: "https://raw.githubusercontent.com",
	UserAgent:  "hostbus-remotehost/1.0",
}

type Config struct {
	Spec       Spec
	Timeout    time.Duration
	MaxRetries int
	HTTPClient *http.Client
}

type Client struct {
	cfg        Config
	httpClient *http.Client
}

func NewClient(cfg Config) *Client {
	if strings.TrimSpace(cfg.Spec.APIBaseURL) == "" {
		cfg.Spec = GitHub
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	client := cfg.HTTPClient
	if client == nil {
		client = httpx.SharedClient(cfg.Timeout)
	}
	return &Client{cfg: cfg, httpClient: client}
}

// ListTags returns every tag name for owner/name, paginated
// transparently.
func (c *Client) ListTags(ctx context.Context, owner, name string) ([]string, error) {
	page := 1
	tags := make([]string, 0, 16)
	for {
		path := fmt.Sprintf("/repos/%s/%s/tags", owner, name)
		body, _, err := c.doJSON(ctx, http.MethodGet, c.cfg.Spec.APIBaseURL, path, map[string]string{
			"per_page": "100",
			"page":     strconv.Itoa(page),
		})
		if err != nil {
			return nil, err
		}
		var batch []struct {
			Name string `json:"name"`
		}
		if err := decodeJSON(body, &batch); err != nil {
			return nil, fmt.Errorf("decode tag list: %w", err)
		}
		if len(batch) == 0 {
			break
		}
		for _, entry := range batch {
			if strings.TrimSpace(entry.Name) != "" {
				tags = append(tags, entry.Name)
			}
		}
		if len(batch) < 100 {
			break
		}
		page++
	}
	return tags, nil
}

// FetchManifest fetches the raw package.json for owner/name at tag.
func (c *Client) FetchManifest(ctx context.Context, owner, name, tag string) ([]byte, error) {
	path := fmt.Sprintf("/%s/%s/%s/package.json", owner, name, tag)
	body, _, err := c.doJSON(ctx, http.MethodGet, c.cfg.Spec.RawBaseURL, path, nil)
	if err != nil {
		return nil, err
	}
	return body, nil
}

// FetchTarball streams the gzipped tarball for owner/name at tag. The
// caller is responsible for closing the returned reader.
func (c *Client) FetchTarball(ctx context.Context, owner, name, tag string) (io.ReadCloser, error) {
	path := fmt.Sprintf("/repos/%s/%s/tarball/%s", owner, name, url.PathEscape(tag))
	endpoint, err := joinURL(c.cfg.Spec.APIBaseURL, path, nil)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.userAgent())
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return nil, NormalizeHTTPError(resp.StatusCode, resp.Header, string(body))
	}
	return resp.Body, nil
}

func (c *Client) userAgent() string {
	if strings.TrimSpace(c.cfg.Spec.UserAgent) != "" {
		return c.cfg.Spec.UserAgent
	}
	return GitHub.UserAgent
}

// doJSON performs one GET with the shared retry policy, returning the
// raw response body on success.
func (c *Client) doJSON(ctx context.Context, method, baseURL, path string, params map[string]string) ([]byte, http.Header, error) {
	endpoint, err := joinURL(baseURL, path, params)
	if err != nil {
		return nil, nil, err
	}
	attempts := c.cfg.MaxRetries + 1
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		body, headers, status, err := c.do(ctx, method, endpoint)
		if err == nil && status < 300 {
			return body, headers, nil
		}
		if err != nil {
			lastErr = err
		} else {
			lastErr = NormalizeHTTPError(status, headers, string(body))
		}
		if attempt == attempts {
			break
		}
		retryable := (err != nil && netpolicy.IsSafeMethod(method)) ||
			(err == nil && isRetryableStatus(method, status, headers, string(body)))
		if !retryable {
			break
		}
		if sleepErr := netpolicy.SleepForRetry(ctx, attempt, headers); sleepErr != nil {
			return nil, nil, sleepErr
		}
	}
	return nil, nil, lastErr
}

func (c *Client) do(ctx context.Context, method, endpoint string) ([]byte, http.Header, int, error) {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return nil, nil, 0, err
	}
	req.Header.Set("User-Agent", c.userAgent())
	req.Header.Set("Accept", "application/vnd.github+json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, 0, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 10*1024*1024))
	if err != nil {
		return nil, resp.Header, resp.StatusCode, err
	}
	return body, resp.Header, resp.StatusCode, nil
}

func isRetryableStatus(method string, status int, headers http.Header, body string) bool {
	if !netpolicy.IsSafeMethod(method) {
		return false
	}
	switch status {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	if status == http.StatusForbidden {
		if headers != nil && strings.TrimSpace(headers.Get("X-RateLimit-Remaining")) == "0" {
			return true
		}
		lower := strings.ToLower(body)
		if strings.Contains(lower, "secondary rate limit") || strings.Contains(lower, "abuse") {
			return true
		}
	}
	return status >= 500
}

func joinURL(baseURL, path string, params map[string]string) (string, error) {
	base, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	rel, err := url.Parse(path)
	if err != nil {
		return "", err
	}
	u := base.ResolveReference(rel)
	if len(params) > 0 {
		q := u.Query()
		for key, value := range params {
			q.Set(key, value)
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func decodeJSON(body []byte, dst any) error {
	return json.Unmarshal(body, dst)
}
