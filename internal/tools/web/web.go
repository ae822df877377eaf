// Package web provides the web.fetch tool: a bounded HTTP GET with an
// optional domain allowlist.
package web

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rovot/rovot/internal/agent"
)

// DefaultTimeout bounds a single fetch, redirects included.
const DefaultTimeout = 30 * time.Second

// maxTextChars is how much of the response body the model sees.
const maxTextChars = 5000

// Fetcher performs allowlisted HTTP GETs.
type Fetcher struct {
	client  *http.Client
	allowed []string
}

// New returns a fetcher. An empty allowlist permits every domain.
func New(allowedDomains []string, timeout time.Duration) *Fetcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Fetcher{
		client:  &http.Client{Timeout: timeout},
		allowed: allowedDomains,
	}
}

// Descriptor returns the web.fetch tool.
func (f *Fetcher) Descriptor() agent.Descriptor {
	return agent.Descriptor{
		Name:        "web.fetch",
		Description: "Fetch a URL via HTTP GET and return truncated text. Requires approval.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"url": map[string]any{"type": "string"},
			},
			"required":             []any{"url"},
			"additionalProperties": false,
		},
		RequiresApproval: true,
		ApprovalSummary:  "Fetch a URL",
		Handler:          f.fetch,
	}
}

func (f *Fetcher) fetch(ctx context.Context, args map[string]any) (any, error) {
	rawURL, _ := args["url"].(string)
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}

	if len(f.allowed) > 0 && !f.domainAllowed(parsed.Hostname()) {
		return map[string]any{
			"error": fmt.Sprintf("Domain %q not in allowed list: %v", parsed.Hostname(), f.allowed),
		}, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("fetch %s: status %d", rawURL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	return map[string]any{
		"status": resp.StatusCode,
		"text":   truncate(string(body), maxTextChars),
	}, nil
}

// domainAllowed matches an exact allowlist entry or any subdomain of one.
func (f *Fetcher) domainAllowed(hostname string) bool {
	for _, d := range f.allowed {
		if hostname == d || strings.HasSuffix(hostname, "."+d) {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
