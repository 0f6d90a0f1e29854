package websearch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Backend names a search provider.
type Backend string

const (
	BackendSearXNG    Backend = "searxng"
	BackendBrave      Backend = "brave"
	BackendDuckDuckGo Backend = "duckduckgo"

	defaultResultCount = 5
	maxResultCount     = 20
	defaultCacheTTL    = 5 * time.Minute
	maxCacheSize       = 1000
	maxResponseBytes   = 4 << 20

	braveBaseURL      = "https://api.search.brave.com/res/v1"
	duckDuckGoBaseURL = "https://api.duckduckgo.com"
)

// SearchConfig configures webSearch. Backends are addressed at the
// configured endpoints; the SSRF guard applies only to webFetch.
type SearchConfig struct {
	Backend        Backend
	SearXNGURL     string
	BraveAPIKey    string
	BraveURL       string
	DuckDuckGoURL  string
	DefaultResults int
	CacheTTL       time.Duration
	Timeout        time.Duration
}

// SearchResult is one hit.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// SearchResponse is the answer to one query.
type SearchResponse struct {
	Query   string         `json:"query"`
	Backend Backend        `json:"backend"`
	Results []SearchResult `json:"results"`
}

type cacheEntry struct {
	response  *SearchResponse
	expiresAt time.Time
}

// Searcher queries the configured backend, falling back to DuckDuckGo
// when it fails, and caches responses for CacheTTL.
type Searcher struct {
	cfg    SearchConfig
	client *http.Client
	now    func() time.Time

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// NewSearcher creates a searcher with defaults applied. Without an
// explicit backend, SearXNG is used when configured, then Brave when a key
// is present, then DuckDuckGo.
func NewSearcher(cfg SearchConfig) *Searcher {
	if cfg.DefaultResults <= 0 {
		cfg.DefaultResults = defaultResultCount
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = defaultCacheTTL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.BraveURL == "" {
		cfg.BraveURL = braveBaseURL
	}
	if cfg.DuckDuckGoURL == "" {
		cfg.DuckDuckGoURL = duckDuckGoBaseURL
	}
	if cfg.Backend == "" {
		switch {
		case cfg.SearXNGURL != "":
			cfg.Backend = BackendSearXNG
		case cfg.BraveAPIKey != "":
			cfg.Backend = BackendBrave
		default:
			cfg.Backend = BackendDuckDuckGo
		}
	}
	return &Searcher{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		now:    time.Now,
		cache:  map[string]cacheEntry{},
	}
}

// Search runs query and returns at most count results (default and cap
// applied).
func (s *Searcher) Search(ctx context.Context, query string, count int) (*SearchResponse, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("query is required")
	}
	if count <= 0 {
		count = s.cfg.DefaultResults
	}
	count = min(count, maxResultCount)

	key := fmt.Sprintf("%s:%d:%s", s.cfg.Backend, count, query)
	if cached := s.cached(key); cached != nil {
		return cached, nil
	}

	resp, err := s.searchWith(ctx, s.cfg.Backend, query, count)
	if err != nil && s.cfg.Backend != BackendDuckDuckGo {
		var fallbackErr error
		resp, fallbackErr = s.searchWith(ctx, BackendDuckDuckGo, query, count)
		if fallbackErr != nil {
			return nil, fmt.Errorf("%s: %v; fallback: %w", s.cfg.Backend, err, fallbackErr)
		}
		err = nil
	}
	if err != nil {
		return nil, err
	}
	s.store(key, resp)
	return resp, nil
}

func (s *Searcher) searchWith(ctx context.Context, backend Backend, query string, count int) (*SearchResponse, error) {
	var results []SearchResult
	var err error
	switch backend {
	case BackendSearXNG:
		results, err = s.searchSearXNG(ctx, query, count)
	case BackendBrave:
		results, err = s.searchBrave(ctx, query, count)
	case BackendDuckDuckGo:
		results, err = s.searchDuckDuckGo(ctx, query, count)
	default:
		return nil, fmt.Errorf("unknown backend: %s", backend)
	}
	if err != nil {
		return nil, err
	}
	if results == nil {
		results = []SearchResult{}
	}
	return &SearchResponse{Query: query, Backend: backend, Results: results}, nil
}

func (s *Searcher) cached(key string) *SearchResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.cache[key]
	if !ok || s.now().After(entry.expiresAt) {
		return nil
	}
	return entry.response
}

func (s *Searcher) store(key string, resp *SearchResponse) {
	if s.cfg.CacheTTL < 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for k, v := range s.cache {
		if now.After(v.expiresAt) {
			delete(s.cache, k)
		}
	}
	for len(s.cache) >= maxCacheSize {
		var oldestKey string
		var oldest time.Time
		for k, v := range s.cache {
			if oldestKey == "" || v.expiresAt.Before(oldest) {
				oldestKey, oldest = k, v.expiresAt
			}
		}
		delete(s.cache, oldestKey)
	}
	s.cache[key] = cacheEntry{response: resp, expiresAt: now.Add(s.cfg.CacheTTL)}
}

func (s *Searcher) getJSON(ctx context.Context, endpoint string, header http.Header, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", defaultUserAgent)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body[:min(len(body), 200)])))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}

func (s *Searcher) searchSearXNG(ctx context.Context, query string, count int) ([]SearchResult, error) {
	if s.cfg.SearXNGURL == "" {
		return nil, fmt.Errorf("searxng URL not configured")
	}
	base, err := url.Parse(s.cfg.SearXNGURL)
	if err != nil {
		return nil, fmt.Errorf("invalid searxng URL: %w", err)
	}
	base.Path = strings.TrimRight(base.Path, "/") + "/search"
	base.RawQuery = url.Values{
		"q":          {query},
		"format":     {"json"},
		"pageno":     {"1"},
		"categories": {"general"},
	}.Encode()

	var payload struct {
		Results []struct {
			Title   string `json:"title"`
			URL     string `json:"url"`
			Content string `json:"content"`
		} `json:"results"`
	}
	if err := s.getJSON(ctx, base.String(), nil, &payload); err != nil {
		return nil, fmt.Errorf("searxng: %w", err)
	}
	out := make([]SearchResult, 0, count)
	for _, r := range payload.Results {
		if len(out) == count {
			break
		}
		out = append(out, SearchResult{Title: r.Title, URL: r.URL, Snippet: r.Content})
	}
	return out, nil
}

func (s *Searcher) searchBrave(ctx context.Context, query string, count int) ([]SearchResult, error) {
	if s.cfg.BraveAPIKey == "" {
		return nil, fmt.Errorf("brave API key not configured")
	}
	endpoint := strings.TrimRight(s.cfg.BraveURL, "/") + "/web/search?" + url.Values{
		"q":     {query},
		"count": {strconv.Itoa(count)},
	}.Encode()

	var payload struct {
		Web struct {
			Results []struct {
				Title       string `json:"title"`
				URL         string `json:"url"`
				Description string `json:"description"`
			} `json:"results"`
		} `json:"web"`
	}
	header := http.Header{"X-Subscription-Token": {s.cfg.BraveAPIKey}}
	if err := s.getJSON(ctx, endpoint, header, &payload); err != nil {
		return nil, fmt.Errorf("brave: %w", err)
	}
	out := make([]SearchResult, 0, count)
	for _, r := range payload.Web.Results {
		if len(out) == count {
			break
		}
		out = append(out, SearchResult{Title: r.Title, URL: r.URL, Snippet: r.Description})
	}
	return out, nil
}

// searchDuckDuckGo uses the Instant Answer API: the abstract first, then
// related topics, flattening topic groups.
func (s *Searcher) searchDuckDuckGo(ctx context.Context, query string, count int) ([]SearchResult, error) {
	endpoint := strings.TrimRight(s.cfg.DuckDuckGoURL, "/") + "/?" + url.Values{
		"q":       {query},
		"format":  {"json"},
		"no_html": {"1"},
	}.Encode()

	type topic struct {
		FirstURL string  `json:"FirstURL"`
		Text     string  `json:"Text"`
		Topics   []topic `json:"Topics"`
	}
	var payload struct {
		Heading       string  `json:"Heading"`
		AbstractText  string  `json:"AbstractText"`
		AbstractURL   string  `json:"AbstractURL"`
		RelatedTopics []topic `json:"RelatedTopics"`
	}
	if err := s.getJSON(ctx, endpoint, nil, &payload); err != nil {
		return nil, fmt.Errorf("duckduckgo: %w", err)
	}

	out := make([]SearchResult, 0, count)
	if payload.AbstractText != "" && payload.AbstractURL != "" {
		out = append(out, SearchResult{Title: payload.Heading, URL: payload.AbstractURL, Snippet: payload.AbstractText})
	}
	var add func([]topic)
	add = func(topics []topic) {
		for _, t := range topics {
			if len(out) >= count {
				return
			}
			if len(t.Topics) > 0 {
				add(t.Topics)
				continue
			}
			if t.FirstURL == "" || t.Text == "" {
				continue
			}
			title, _ := truncateRunes(t.Text, 100)
			out = append(out, SearchResult{Title: title, URL: t.FirstURL, Snippet: t.Text})
		}
	}
	add(payload.RelatedTopics)
	return out, nil
}
