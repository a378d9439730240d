package tools

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/types"
)

type stubTool struct {
	name   string
	gated  bool
	invoke func(ctx context.Context, params map[string]any) (*Result, error)
}

func (s *stubTool) Name() string             { return s.name }
func (s *stubTool) RequiresPermission() bool { return s.gated }
func (s *stubTool) Invoke(ctx context.Context, params map[string]any) (*Result, error) {
	return s.invoke(ctx, params)
}

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register(&stubTool{name: "a", invoke: func(ctx context.Context, _ map[string]any) (*Result, error) {
		return &Result{Content: "ok"}, nil
	}}))
	assert.Error(t, r.Register(&stubTool{name: "a"}), "duplicate name rejected")

	got, err := r.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "a", got.Name())

	_, err = r.Get("missing")
	require.Error(t, err)
	assert.Equal(t, types.ErrNotFound, types.GetErrorCode(err))
}

func TestInvokeTimeoutIsRetryable(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register(&stubTool{name: "slow", invoke: func(ctx context.Context, _ map[string]any) (*Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}))

	_, err := r.Invoke(context.Background(), "slow", nil, 5*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, types.ErrToolTimeout, types.GetErrorCode(err))
	assert.True(t, types.IsRetryable(err))
}

func TestInvokeWrapsUntypedErrors(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register(&stubTool{name: "broken", invoke: func(ctx context.Context, _ map[string]any) (*Result, error) {
		return nil, errors.New("boom")
	}}))

	_, err := r.Invoke(context.Background(), "broken", nil, time.Second)
	require.Error(t, err)
	assert.Equal(t, types.ErrToolFailure, types.GetErrorCode(err))
	assert.False(t, types.IsRetryable(err))
}

func testCorpus() []Document {
	return []Document{
		{ID: "1", Title: "Go concurrency", Topics: []string{"go", "concurrency"},
			Content: "Goroutines and channels structure concurrent programs."},
		{ID: "2", Title: "Checkpointing", Topics: []string{"durability"},
			Content: "Write state after every step so a crash resumes cleanly."},
		{ID: "3", Title: "Cooking rice", Topics: []string{"food"},
			Content: "Rinse the rice before cooking."},
	}
}

func TestLocalKnowledgeRanksByOverlap(t *testing.T) {
	l := NewLocalKnowledge(testCorpus())
	res, err := l.Invoke(context.Background(), map[string]any{"query": "goroutines and channels in go"})
	require.NoError(t, err)
	require.NotEmpty(t, res.Citations)
	assert.Equal(t, "Go concurrency", res.Citations[0].Title)
	assert.Contains(t, res.Content, "Goroutines")
	assert.Equal(t, "local_corpus", res.Citations[0].Source)
}

func TestLocalKnowledgeNoMatches(t *testing.T) {
	l := NewLocalKnowledge(testCorpus())
	res, err := l.Invoke(context.Background(), map[string]any{"query": "quantum chromodynamics"})
	require.NoError(t, err)
	assert.Empty(t, res.Content)
	assert.Empty(t, res.Citations)
}

func TestLocalKnowledgeRequiresQuery(t *testing.T) {
	l := NewLocalKnowledge(testCorpus())
	_, err := l.Invoke(context.Background(), map[string]any{})
	require.Error(t, err)
	assert.Equal(t, types.ErrInvalidRequest, types.GetErrorCode(err))
}

func TestWebSearchParsesResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "go checkpoints", r.URL.Query().Get("q"))
		assert.Equal(t, "Bearer sekrit", r.Header.Get("Authorization"))
		w.Write([]byte(`{"results":[{"title":"Durable workflows","url":"https://example.com/a","snippet":"commit per step"}]}`))
	}))
	defer srv.Close()

	ws := NewWebSearch(srv.URL, WithHTTPClient(srv.Client()), WithAPIKey("sekrit"))
	assert.True(t, ws.RequiresPermission())

	res, err := ws.Invoke(context.Background(), map[string]any{"query": "go checkpoints"})
	require.NoError(t, err)
	assert.Contains(t, res.Content, "Durable workflows")
	require.Len(t, res.Citations, 1)
	assert.Equal(t, "https://example.com/a", res.Citations[0].URL)
	assert.Equal(t, "web_search", res.Citations[0].Source)
}

func TestWebSearchServerErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	ws := NewWebSearch(srv.URL, WithHTTPClient(srv.Client()))
	_, err := ws.Invoke(context.Background(), map[string]any{"query": "x"})
	require.Error(t, err)
	assert.True(t, types.IsRetryable(err))
}

func TestWebSearchClientErrorIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	ws := NewWebSearch(srv.URL, WithHTTPClient(srv.Client()))
	_, err := ws.Invoke(context.Background(), map[string]any{"query": "x"})
	require.Error(t, err)
	assert.False(t, types.IsRetryable(err))
}
