package handoff

import (
	"strings"

	"github.com/petrijr/stagewise/pkg/api"
)

// DefaultTransform builds the writer input from the research output and the
// original request:
//
//	{"query": ..., "research": {...non-empty findings...}, "parameters": {...}}
//
// It fails when the request query is missing or when every research field
// is empty, even though such a payload may be schema-valid.
func DefaultTransform(p api.HandoffPayload) (api.Document, error) {
	query := strings.TrimSpace(p.Metadata.Query)
	if query == "" {
		return nil, &api.TransformationError{From: p.FromStage, To: p.ToStage, Reason: "request query is missing"}
	}

	findings := api.Document{}
	for k, v := range p.Data {
		if !isEmpty(v) {
			findings[k] = v
		}
	}
	if len(findings) == 0 {
		return nil, &api.TransformationError{From: p.FromStage, To: p.ToStage, Reason: "research output has no findings"}
	}

	out := api.Document{
		"query":    query,
		"research": findings.Clone(),
	}
	if len(p.Metadata.Parameters) > 0 {
		out["parameters"] = api.Document(p.Metadata.Parameters).Clone()
	}
	return out, nil
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case map[string]any:
		return len(t) == 0
	case api.Document:
		return len(t) == 0
	case []any:
		return len(t) == 0
	case []string:
		return len(t) == 0
	}
	return false
}
