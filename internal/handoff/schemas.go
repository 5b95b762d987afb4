package handoff

import "github.com/petrijr/stagewise/pkg/api"

// ResearchSchema is the default structural contract of a research payload:
// a non-empty object. What the findings look like is up to the retriever.
const ResearchSchema = `{
	"type": "object",
	"minProperties": 1
}`

// WriterSchema is the default structural contract of a writer payload.
const WriterSchema = `{
	"type": "object",
	"required": ["summary"],
	"properties": {
		"summary": {"type": "string", "minLength": 1},
		"recommendations": {"type": "array"}
	}
}`

// DefaultSchemas returns the built-in schema of every stage.
func DefaultSchemas() map[api.Stage]string {
	return map[api.Stage]string{
		api.StageResearch: ResearchSchema,
		api.StageWriter:   WriterSchema,
	}
}
