package websearch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/haasonsaas/partner/internal/agent"
	"github.com/haasonsaas/partner/internal/tools/catalog"
)

// Tools binds webSearch and webFetch.
type Tools struct {
	searcher *Searcher
	fetcher  *Fetcher
}

// NewTools creates the network tools.
func NewTools(searcher *Searcher, fetcher *Fetcher) *Tools {
	return &Tools{searcher: searcher, fetcher: fetcher}
}

// Handlers returns the handlers keyed by tool name.
func (t *Tools) Handlers() map[string]agent.Handler {
	return map[string]agent.Handler{
		catalog.ToolWebSearch: agent.HandlerFunc(t.webSearch),
		catalog.ToolWebFetch:  agent.HandlerFunc(t.webFetch),
	}
}

// Register binds the network tools on d.
func (t *Tools) Register(d *agent.Dispatcher) error {
	for name, h := range t.Handlers() {
		if err := d.Register(name, h); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tools) webSearch(ctx context.Context, raw json.RawMessage) (*agent.ToolResult, error) {
	var args catalog.WebSearchArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return agent.Fail(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	resp, err := t.searcher.Search(ctx, args.Query, args.MaxResults)
	if err != nil {
		return agent.Fail("search failed: " + err.Error()), nil
	}
	return agent.OK(map[string]any{
		"query":   resp.Query,
		"backend": resp.Backend,
		"results": resp.Results,
		"count":   len(resp.Results),
	}), nil
}

func (t *Tools) webFetch(ctx context.Context, raw json.RawMessage) (*agent.ToolResult, error) {
	var args catalog.WebFetchArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return agent.Fail(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	res, err := t.fetcher.Fetch(ctx, args.URL, args.MaxChars)
	if err != nil {
		return agent.Fail("fetch failed: " + err.Error()), nil
	}
	fields := map[string]any{
		"url":     res.URL,
		"status":  res.Status,
		"content": res.Content,
	}
	if res.Truncated {
		fields["truncated"] = true
	}
	return agent.OK(fields), nil
}
