package websearch

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	defaultMaxChars  = 10000
	defaultTimeout   = 15 * time.Second
	maxBodyBytes     = 10 << 20
	defaultUserAgent = "Mozilla/5.0 (compatible; PartnerBot/1.0)"
	truncationSuffix = "..."
)

// FetchConfig controls webFetch.
type FetchConfig struct {
	MaxChars  int
	Timeout   time.Duration
	UserAgent string

	// AllowPrivate disables the SSRF guard.
	AllowPrivate bool
}

// Fetcher downloads pages and extracts their text.
type Fetcher struct {
	client       *http.Client
	maxChars     int
	userAgent    string
	allowPrivate bool
}

// NewFetcher creates a fetcher with defaults applied.
func NewFetcher(cfg FetchConfig) *Fetcher {
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = defaultMaxChars
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	return &Fetcher{
		client:       NewHTTPClient(cfg.Timeout, cfg.AllowPrivate),
		maxChars:     cfg.MaxChars,
		userAgent:    cfg.UserAgent,
		allowPrivate: cfg.AllowPrivate,
	}
}

// FetchResult is the outcome of one fetch.
type FetchResult struct {
	URL       string
	Status    int
	Content   string
	Truncated bool
}

// Fetch downloads target and returns its readable text, cut to maxChars
// runes (or the fetcher limit, whichever is smaller). Plain text bodies
// are returned as is.
func (f *Fetcher) Fetch(ctx context.Context, target string, maxChars int) (FetchResult, error) {
	parsed, err := ValidateURL(target, f.allowPrivate)
	if err != nil {
		return FetchResult{}, fmt.Errorf("URL validation failed: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return FetchResult{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,text/plain;q=0.9,*/*;q=0.1")

	resp, err := f.client.Do(req)
	if err != nil {
		return FetchResult{}, fmt.Errorf("fetch URL: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return FetchResult{}, fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	body := io.LimitReader(resp.Body, maxBodyBytes)

	var content string
	switch {
	case mediaType == "text/html" || mediaType == "application/xhtml+xml" || mediaType == "":
		page, err := Extract(body)
		if err != nil {
			return FetchResult{}, fmt.Errorf("parse HTML: %w", err)
		}
		content = page.String()
	case strings.HasPrefix(mediaType, "text/") || mediaType == "application/json":
		data, err := io.ReadAll(body)
		if err != nil {
			return FetchResult{}, fmt.Errorf("read body: %w", err)
		}
		if !utf8.Valid(data) {
			return FetchResult{}, fmt.Errorf("body is not UTF-8 text")
		}
		content = strings.TrimSpace(string(data))
	default:
		return FetchResult{}, fmt.Errorf("unsupported content type: %s", mediaType)
	}

	limit := f.maxChars
	if maxChars > 0 && maxChars < limit {
		limit = maxChars
	}
	content, truncated := truncateRunes(content, limit)
	return FetchResult{
		URL:       resp.Request.URL.String(),
		Status:    resp.StatusCode,
		Content:   content,
		Truncated: truncated,
	}, nil
}

func truncateRunes(s string, limit int) (string, bool) {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s, false
	}
	runes := []rune(s)
	return string(runes[:limit]) + truncationSuffix, true
}
