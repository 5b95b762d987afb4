// Package handoff validates and transforms the output of one stage into the
// input of the next, and keeps the append-only hand-off history.
package handoff

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/petrijr/stagewise/internal/state"
	"github.com/petrijr/stagewise/pkg/api"
)

// Transform maps a validated research payload onto the writer input. It
// must be pure: no I/O and no side effects.
type Transform func(p api.HandoffPayload) (api.Document, error)

// LogStore is the append-only log the history is kept in.
// *state.Manager implements it.
type LogStore interface {
	AppendLog(ctx context.Context, logKey string, entry []byte) error
	Log(ctx context.Context, logKey string) ([][]byte, error)
}

// Config configures a Protocol.
type Config struct {
	// Schemas overrides the JSON schema of individual stages. Stages not
	// listed use DefaultSchemas.
	Schemas map[api.Stage]string

	// Transform defaults to DefaultTransform.
	Transform Transform

	// Log keeps the hand-off history. Without it, Record and History fail.
	Log LogStore

	Now func() time.Time
}

// Protocol validates stage payloads against per-stage JSON schemas and
// maps research output onto writer input.
type Protocol struct {
	schemas   map[api.Stage]*gojsonschema.Schema
	transform Transform
	log       LogStore
	now       func() time.Time
}

// New compiles the configured schemas and returns a Protocol.
func New(cfg Config) (*Protocol, error) {
	sources := DefaultSchemas()
	for stage, src := range cfg.Schemas {
		if strings.TrimSpace(src) != "" {
			sources[stage] = src
		}
	}

	p := &Protocol{
		schemas:   make(map[api.Stage]*gojsonschema.Schema, len(sources)),
		transform: cfg.Transform,
		log:       cfg.Log,
		now:       cfg.Now,
	}
	for stage, src := range sources {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", stage, err)
		}
		p.schemas[stage] = schema
	}
	if p.transform == nil {
		p.transform = DefaultTransform
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p, nil
}

// Validate checks doc against the schema of stage. It never fails: a
// malformed document is reported through the returned violations, which
// are sorted so the same input always yields the same result.
func (p *Protocol) Validate(stage api.Stage, doc api.Document) api.ValidationResult {
	res := api.ValidationResult{Stage: stage}

	schema, ok := p.schemas[stage]
	if !ok {
		res.Violations = []api.Violation{{
			Field:       "(stage)",
			Rule:        "unknown_stage",
			Description: fmt.Sprintf("no schema for stage %q", stage),
		}}
		return res
	}

	var data any
	if doc != nil {
		data = map[string]any(doc)
	}
	result, err := schema.Validate(gojsonschema.NewGoLoader(data))
	if err != nil {
		res.Violations = []api.Violation{{
			Field:       "(root)",
			Rule:        "unreadable",
			Description: err.Error(),
		}}
		return res
	}
	if result.Valid() {
		return res
	}

	for _, re := range result.Errors() {
		res.Violations = append(res.Violations, api.Violation{
			Field:       re.Field(),
			Rule:        re.Type(),
			Description: re.Description(),
		})
	}
	sort.Slice(res.Violations, func(i, j int) bool {
		a, b := res.Violations[i], res.Violations[j]
		if a.Field != b.Field {
			return a.Field < b.Field
		}
		if a.Rule != b.Rule {
			return a.Rule < b.Rule
		}
		return a.Description < b.Description
	})
	return res
}

// Transform maps payload onto the input of stage to. Only the
// research-to-writer edge has a mapping.
func (p *Protocol) Transform(payload api.HandoffPayload, to api.Stage) (api.Document, error) {
	if payload.FromStage != api.StageResearch || to != api.StageWriter {
		return nil, &api.TransformationError{From: payload.FromStage, To: to, Reason: "no mapping between these stages"}
	}
	return p.transform(payload)
}

// Handoff validates payload against its source stage schema and transforms
// it for payload.ToStage. The returned event describes the outcome and is
// meant to be passed to Record; the error is a *api.ValidationError or
// *api.TransformationError when the hand-off did not succeed.
func (p *Protocol) Handoff(payload api.HandoffPayload) (api.Document, api.HandoffEvent, error) {
	ev := api.HandoffEvent{
		WorkflowID: payload.WorkflowID,
		FromStage:  payload.FromStage,
		ToStage:    payload.ToStage,
		At:         p.now().UTC(),
	}

	if vr := p.Validate(payload.FromStage, payload.Data); !vr.Valid() {
		ev.Outcome = api.HandoffInvalid
		ev.Detail = describe(vr.Violations)
		return nil, ev, vr.Err()
	}

	out, err := p.Transform(payload, payload.ToStage)
	if err != nil {
		ev.Outcome = api.HandoffTransformFailed
		ev.Detail = err.Error()
		return nil, ev, err
	}

	ev.Outcome = api.HandoffSucceeded
	return out, ev, nil
}

func describe(vs []api.Violation) string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = v.String()
	}
	return strings.Join(parts, "; ")
}

// Record appends ev to the hand-off history of its workflow.
func (p *Protocol) Record(ctx context.Context, ev api.HandoffEvent) error {
	if p.log == nil {
		return fmt.Errorf("handoff: no history log configured")
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode handoff event: %w", err)
	}
	return p.log.AppendLog(ctx, state.HandoffLogKey(ev.WorkflowID), data)
}

// History returns the recorded hand-offs of a workflow, oldest first.
func (p *Protocol) History(ctx context.Context, workflowID string) ([]api.HandoffEvent, error) {
	if p.log == nil {
		return nil, fmt.Errorf("handoff: no history log configured")
	}
	entries, err := p.log.Log(ctx, state.HandoffLogKey(workflowID))
	if err != nil {
		return nil, err
	}

	out := make([]api.HandoffEvent, 0, len(entries))
	for _, e := range entries {
		var ev api.HandoffEvent
		if err := json.Unmarshal(e, &ev); err != nil {
			return nil, fmt.Errorf("decode handoff event: %w", err)
		}
		out = append(out, ev)
	}
	return out, nil
}
