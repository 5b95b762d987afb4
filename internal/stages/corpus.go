package stages

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/petrijr/stagewise/pkg/api"
)

//go:embed default_corpus.yaml
var defaultCorpus []byte

// ErrNoMaterial is returned (as a permanent error) when the corpus has
// nothing on a query.
var ErrNoMaterial = errors.New("no research material for query")

// Topic is one corpus entry. A query matches a topic when it contains at
// least one of its keywords.
type Topic struct {
	Name     string         `yaml:"name"`
	Keywords []string       `yaml:"keywords"`
	Findings map[string]any `yaml:"findings"`
}

// Corpus is a static, file-backed Retriever.
type Corpus struct {
	Topics []Topic `yaml:"topics"`
}

var _ Retriever = (*Corpus)(nil)

// DefaultCorpus returns the corpus bundled with the binary.
func DefaultCorpus() (*Corpus, error) {
	return ParseCorpus(defaultCorpus)
}

// LoadCorpus reads a YAML corpus from path.
func LoadCorpus(path string) (*Corpus, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read corpus: %w", err)
	}
	return ParseCorpus(data)
}

// ParseCorpus decodes a YAML corpus.
func ParseCorpus(data []byte) (*Corpus, error) {
	var c Corpus
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse corpus: %w", err)
	}
	for i, t := range c.Topics {
		if t.Name == "" || len(t.Keywords) == 0 || len(t.Findings) == 0 {
			return nil, fmt.Errorf("parse corpus: topic %d needs a name, keywords and findings", i)
		}
	}
	return &c, nil
}

// Retrieve returns the findings of the topic matching the most keywords of
// query. Earlier topics win ties.
func (c *Corpus) Retrieve(ctx context.Context, query string, params map[string]any) (api.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	q := strings.ToLower(query)
	best, bestHits := -1, 0
	for i, t := range c.Topics {
		hits := 0
		for _, kw := range t.Keywords {
			if strings.Contains(q, strings.ToLower(kw)) {
				hits++
			}
		}
		if hits > bestHits {
			best, bestHits = i, hits
		}
	}
	if best < 0 {
		return nil, api.Permanent(fmt.Errorf("%w: %q", ErrNoMaterial, query))
	}

	out := api.Document(c.Topics[best].Findings).Clone()
	return out, nil
}
