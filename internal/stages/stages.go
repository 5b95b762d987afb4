// Package stages holds the two stage executors of the pipeline and the
// backends they delegate content work to.
package stages

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/petrijr/stagewise/pkg/api"
)

// Retriever gathers research material for a query.
type Retriever interface {
	Retrieve(ctx context.Context, query string, params map[string]any) (api.Document, error)
}

// Composer turns research material into the final answer.
type Composer interface {
	Compose(ctx context.Context, query string, research api.Document, params map[string]any) (api.Document, error)
}

// ErrMissingQuery is returned (as a permanent error) for input without a query.
var ErrMissingQuery = errors.New("input has no query")

// Researcher is the research stage executor.
type Researcher struct {
	Retriever Retriever
}

var _ api.StageExecutor = (*Researcher)(nil)

// NewResearcher returns a research executor backed by r.
func NewResearcher(r Retriever) *Researcher {
	return &Researcher{Retriever: r}
}

func (r *Researcher) Stage() api.Stage { return api.StageResearch }

// Execute expects {"query": string, "parameters": {...}}.
func (r *Researcher) Execute(ctx context.Context, input api.Document) (api.Document, error) {
	query, params, err := requestOf(input)
	if err != nil {
		return nil, err
	}
	out, err := r.Retriever.Retrieve(ctx, query, params)
	if err != nil {
		return nil, fmt.Errorf("retrieve %q: %w", query, err)
	}
	return out, nil
}

// Writer is the writer stage executor.
type Writer struct {
	Composer Composer
}

var _ api.StageExecutor = (*Writer)(nil)

// NewWriter returns a writer executor backed by c.
func NewWriter(c Composer) *Writer {
	return &Writer{Composer: c}
}

func (w *Writer) Stage() api.Stage { return api.StageWriter }

// Execute expects {"query": string, "research": {...}, "parameters": {...}}.
func (w *Writer) Execute(ctx context.Context, input api.Document) (api.Document, error) {
	query, params, err := requestOf(input)
	if err != nil {
		return nil, err
	}
	research, ok := asDocument(input["research"])
	if !ok || len(research) == 0 {
		return nil, api.Permanent(errors.New("input has no research findings"))
	}
	out, err := w.Composer.Compose(ctx, query, research, params)
	if err != nil {
		return nil, fmt.Errorf("compose %q: %w", query, err)
	}
	return out, nil
}

func requestOf(input api.Document) (string, map[string]any, error) {
	query, _ := input["query"].(string)
	query = strings.TrimSpace(query)
	if query == "" {
		return "", nil, api.Permanent(ErrMissingQuery)
	}
	params, _ := asDocument(input["parameters"])
	return query, params, nil
}

func asDocument(v any) (api.Document, bool) {
	switch t := v.(type) {
	case api.Document:
		return t, true
	case map[string]any:
		return api.Document(t), true
	}
	return nil, false
}
