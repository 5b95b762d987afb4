package stages

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"
	"text/template"

	"github.com/petrijr/stagewise/pkg/api"
)

// DefaultSummaryTemplate renders the summary of a TemplateComposer.
const DefaultSummaryTemplate = `Research on "{{.Query}}" covers {{join .Topics ", "}}.`

// TemplateComposer renders the summary with text/template and derives one
// recommendation per research finding.
type TemplateComposer struct {
	tmpl *template.Template
}

var _ Composer = (*TemplateComposer)(nil)

// NewTemplateComposer parses text as the summary template. An empty text
// selects DefaultSummaryTemplate. The template sees .Query, .Topics (sorted
// finding names), .Research and .Parameters.
func NewTemplateComposer(text string) (*TemplateComposer, error) {
	if strings.TrimSpace(text) == "" {
		text = DefaultSummaryTemplate
	}
	tmpl, err := template.New("summary").
		Funcs(template.FuncMap{"join": strings.Join}).
		Option("missingkey=zero").
		Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse summary template: %w", err)
	}
	return &TemplateComposer{tmpl: tmpl}, nil
}

func (c *TemplateComposer) Compose(ctx context.Context, query string, research api.Document, params map[string]any) (api.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	topics := make([]string, 0, len(research))
	for k := range research {
		topics = append(topics, k)
	}
	sort.Strings(topics)

	var buf bytes.Buffer
	err := c.tmpl.Execute(&buf, map[string]any{
		"Query":      query,
		"Topics":     humanize(topics),
		"Research":   map[string]any(research),
		"Parameters": params,
	})
	if err != nil {
		return nil, api.Permanent(fmt.Errorf("render summary: %w", err))
	}

	recs := make([]any, 0, len(topics))
	for _, k := range topics {
		recs = append(recs, fmt.Sprintf("Review %s: %s", strings.ReplaceAll(k, "_", " "), describeValue(research[k])))
	}

	return api.Document{
		"summary":         strings.TrimSpace(buf.String()),
		"recommendations": recs,
	}, nil
}

func humanize(keys []string) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = strings.ReplaceAll(k, "_", " ")
	}
	return out
}

// describeValue renders a finding as a single line.
func describeValue(v any) string {
	switch t := v.(type) {
	case []any:
		parts := make([]string, len(t))
		for i, e := range t {
			parts[i] = describeValue(e)
		}
		return strings.Join(parts, ", ")
	case []string:
		return strings.Join(t, ", ")
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = fmt.Sprintf("%s %s", strings.ReplaceAll(k, "_", " "), describeValue(t[k]))
		}
		return strings.Join(parts, "; ")
	case api.Document:
		return describeValue(map[string]any(t))
	}
	return fmt.Sprint(v)
}
