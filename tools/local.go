package tools

import (
	"context"
	"sort"
	"strings"

	"github.com/loomhq/loom/types"
)

// Document is one entry in the local knowledge corpus.
type Document struct {
	ID      string   `json:"id" yaml:"id"`
	Title   string   `json:"title" yaml:"title"`
	Topics  []string `json:"topics" yaml:"topics"`
	Content string   `json:"content" yaml:"content"`
}

// LocalKnowledge searches an in-process document corpus. It never
// requires a permission grant: reading local context is always allowed.
type LocalKnowledge struct {
	docs []Document
}

// NewLocalKnowledge creates the local corpus tool over the given
// documents.
func NewLocalKnowledge(docs []Document) *LocalKnowledge {
	return &LocalKnowledge{docs: docs}
}

func (l *LocalKnowledge) Name() string             { return "local_corpus" }
func (l *LocalKnowledge) RequiresPermission() bool { return false }

// Invoke scores documents by term overlap with params["query"] and
// returns the best matches joined as findings, with one citation per
// matched document.
func (l *LocalKnowledge) Invoke(ctx context.Context, params map[string]any) (*Result, error) {
	query, _ := params["query"].(string)
	if strings.TrimSpace(query) == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "local_corpus needs a query")
	}
	limit := 3
	if n, ok := params["limit"].(int); ok && n > 0 {
		limit = n
	}

	terms := tokenize(query)
	type scored struct {
		doc   Document
		score int
	}
	var matches []scored
	for _, doc := range l.docs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s := score(terms, doc)
		if s > 0 {
			matches = append(matches, scored{doc: doc, score: s})
		}
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].score > matches[j].score })
	if len(matches) > limit {
		matches = matches[:limit]
	}

	if len(matches) == 0 {
		return &Result{Content: "", Metadata: map[string]any{"matches": 0}}, nil
	}

	var b strings.Builder
	res := &Result{Metadata: map[string]any{"matches": len(matches)}}
	for i, m := range matches {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(m.doc.Title)
		b.WriteString(": ")
		b.WriteString(m.doc.Content)
		res.Citations = append(res.Citations, types.Citation{
			Title:  m.doc.Title,
			Source: "local_corpus",
		})
	}
	res.Content = b.String()
	return res, nil
}

func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})
	var out []string
	for _, f := range fields {
		if len(f) > 2 {
			out = append(out, f)
		}
	}
	return out
}

func score(terms []string, doc Document) int {
	haystack := strings.ToLower(doc.Title + " " + strings.Join(doc.Topics, " ") + " " + doc.Content)
	s := 0
	for _, term := range terms {
		if strings.Contains(haystack, term) {
			s++
		}
	}
	return s
}
