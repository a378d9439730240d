package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/loomhq/loom/types"
)

// WebSearch queries an external search endpoint. It is a gated
// operation: the caller must hold an approved permission grant before
// invoking it.
type WebSearch struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// WebSearchOption configures a WebSearch tool.
type WebSearchOption func(*WebSearch)

// WithHTTPClient overrides the HTTP client, used by tests to inject a
// stub transport.
func WithHTTPClient(c *http.Client) WebSearchOption {
	return func(w *WebSearch) { w.client = c }
}

// WithAPIKey sets the bearer token sent with each search.
func WithAPIKey(key string) WebSearchOption {
	return func(w *WebSearch) { w.apiKey = key }
}

// NewWebSearch creates the external search tool against the given
// endpoint.
func NewWebSearch(endpoint string, opts ...WebSearchOption) *WebSearch {
	w := &WebSearch{
		endpoint: endpoint,
		client:   http.DefaultClient,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *WebSearch) Name() string             { return "web_search" }
func (w *WebSearch) RequiresPermission() bool { return true }

type searchResponse struct {
	Results []struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Snippet string `json:"snippet"`
	} `json:"results"`
}

// Invoke performs the search. Transport and 5xx errors are retryable;
// 4xx responses are fatal because retrying the same request cannot
// succeed.
func (w *WebSearch) Invoke(ctx context.Context, params map[string]any) (*Result, error) {
	query, _ := params["query"].(string)
	if query == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "web_search needs a query")
	}

	u, err := url.Parse(w.endpoint)
	if err != nil {
		return nil, types.NewError(types.ErrInvalidRequest, "invalid search endpoint").WithCause(err)
	}
	q := u.Query()
	q.Set("q", query)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, "failed to build search request").WithCause(err)
	}
	if w.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+w.apiKey)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, types.NewError(types.ErrToolFailure, "search request failed").
			WithRetryable(true).WithCause(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, types.NewError(types.ErrToolFailure, "failed to read search response").
			WithRetryable(true).WithCause(err)
	}
	switch {
	case resp.StatusCode >= 500:
		return nil, types.Errorf(types.ErrToolFailure, "search backend returned %d", resp.StatusCode).
			WithRetryable(true)
	case resp.StatusCode >= 400:
		return nil, types.Errorf(types.ErrToolFailure, "search rejected request with %d", resp.StatusCode)
	}

	var parsed searchResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, types.NewError(types.ErrToolFailure, "malformed search response").WithCause(err)
	}

	res := &Result{Metadata: map[string]any{"results": len(parsed.Results)}}
	for i, r := range parsed.Results {
		if i > 0 {
			res.Content += "\n\n"
		}
		res.Content += fmt.Sprintf("%s: %s", r.Title, r.Snippet)
		res.Citations = append(res.Citations, types.Citation{
			Title:  r.Title,
			URL:    r.URL,
			Source: "web_search",
		})
	}
	return res, nil
}
