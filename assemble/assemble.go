// Package assemble merges the three analysis outputs into one versioned
// Blueprint. Assembly is a pure transform: no I/O, no model calls, and it
// never fails. Stage failures arrive as error messages and are carried
// through as {"error": ...} slots so a partially failed pipeline still
// yields a retrievable artifact.
package assemble

import (
	"encoding/json"
	"time"

	"github.com/veskar/blueprint/idgen"
	"github.com/veskar/blueprint/idm"
	"github.com/veskar/blueprint/semantic"
	"github.com/veskar/blueprint/visual"
)

// Version identifies the blueprint JSON layout.
const Version = "1"

// minFontOccurrences is the span count below which a typography token's
// font is considered low-confidence and re-flagged inferred.
const minFontOccurrences = 2

// StageInput carries one analyzer's outcome into assembly: either its
// spec or the error message it failed with.
type StageInput struct {
	Spec any
	Err  string
}

// OK wraps a successful stage output.
func OK(spec any) StageInput { return StageInput{Spec: spec} }

// Fail wraps a stage failure message.
func Fail(msg string) StageInput {
	if msg == "" {
		msg = "stage failed without a message"
	}
	return StageInput{Err: msg}
}

// StageResult is one frozen slot of the Blueprint: either the spec JSON
// or {"error": "<message>"}. Consumers switch on the presence of the
// error key; the shape is part of the artifact contract.
type StageResult struct {
	raw json.RawMessage
	err string
}

// Failed reports whether the slot holds an error marker.
func (r StageResult) Failed() bool { return r.err != "" }

// Err returns the error message, empty for successful slots.
func (r StageResult) Err() string { return r.err }

// Raw returns the frozen spec JSON, nil for failed slots.
func (r StageResult) Raw() json.RawMessage { return r.raw }

func (r StageResult) MarshalJSON() ([]byte, error) {
	if r.err != "" {
		return json.Marshal(map[string]string{"error": r.err})
	}
	if len(r.raw) == 0 {
		return []byte("null"), nil
	}
	return r.raw, nil
}

func (r *StageResult) UnmarshalJSON(data []byte) error {
	var probe struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(data, &probe); err == nil && probe.Error != "" {
		*r = StageResult{err: probe.Error}
		return nil
	}
	*r = StageResult{raw: append(json.RawMessage(nil), data...)}
	return nil
}

// Blueprint is the assembled artifact. Immutable once returned; every
// slot is frozen JSON so later mutation of stage outputs cannot reach it.
type Blueprint struct {
	BlueprintID      string      `json:"blueprint_id"`
	GeneratedAt      string      `json:"generated_at"`
	SourceFormat     string      `json:"source_format"`
	ContentStructure StageResult `json:"content_structure_spec"`
	Layout           StageResult `json:"layout_spec"`
	VisualStyle      StageResult `json:"visual_style_spec"`
	SectionOrder     []string    `json:"section_order"`
	Version          string      `json:"version"`
}

// Options carries assembly-time context.
type Options struct {
	// SourceFormat is recorded on the artifact.
	SourceFormat idm.Format
	// Document, when present, backs the font-confidence flagging. The
	// assembler only reads it.
	Document *idm.Document
	// NewID defaults to idgen.Default.
	NewID idgen.Generator
	// Now defaults to time.Now; injectable for deterministic tests.
	Now func() time.Time
}

// Assemble builds the Blueprint from the three stage outcomes. It always
// returns a complete artifact; per-slot errors are carried, never raised.
func Assemble(content, layout, vis StageInput, opts Options) *Blueprint {
	if opts.NewID == nil {
		opts.NewID = idgen.Default
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	bp := &Blueprint{
		BlueprintID:  opts.NewID(),
		GeneratedAt:  opts.Now().UTC().Format(time.RFC3339),
		SourceFormat: string(opts.SourceFormat),
		SectionOrder: []string{},
		Version:      Version,
	}

	bp.ContentStructure = assembleContent(content, &bp.SectionOrder)
	bp.Layout = freeze(layout)
	bp.VisualStyle = assembleVisual(vis, opts.Document)
	return bp
}

// assembleContent repairs the section tree, binds typography roles by
// depth, and records the pre-order section ID walk.
func assembleContent(in StageInput, order *[]string) StageResult {
	if in.Err != "" {
		return StageResult{err: in.Err}
	}
	var spec semantic.ContentStructureSpec
	if !recode(in.Spec, &spec) {
		return StageResult{err: "content structure spec is not encodable"}
	}

	if len(spec.Sections) == 0 {
		spec.Sections = []semantic.Section{{
			SectionID:         "section-1",
			Title:             "Document",
			Intent:            "content",
			RhetoricalPattern: "narrative",
			MicroTemplate:     "Provide the main document content.",
			Inferred:          true,
		}}
	}

	bindTypographyRoles(spec.Sections, 1)
	collectOrder(spec.Sections, order)
	return mustFreeze(spec)
}

// assembleVisual re-flags low-confidence fonts against the span census
// and guarantees the required roles.
func assembleVisual(in StageInput, doc *idm.Document) StageResult {
	if in.Err != "" {
		return StageResult{err: in.Err}
	}
	var spec visual.VisualStyleSpec
	if !recode(in.Spec, &spec) {
		return StageResult{err: "visual style spec is not encodable"}
	}

	flagLowOccurrenceFonts(&spec, doc)
	visual.EnsureRequiredRoles(&spec)
	return mustFreeze(spec)
}

// freeze deep-copies a stage output without interpreting it.
func freeze(in StageInput) StageResult {
	if in.Err != "" {
		return StageResult{err: in.Err}
	}
	raw, err := json.Marshal(in.Spec)
	if err != nil {
		return StageResult{err: "stage output is not encodable"}
	}
	return StageResult{raw: raw}
}

func mustFreeze(spec any) StageResult {
	raw, err := json.Marshal(spec)
	if err != nil {
		// Unreachable for the spec types; kept so assembly never panics.
		return StageResult{err: "stage output is not encodable"}
	}
	return StageResult{raw: raw}
}

// recode deep-copies via a JSON round trip so assembly works on its own
// data regardless of what the caller does with the original afterwards.
func recode(src, dst any) bool {
	raw, err := json.Marshal(src)
	if err != nil {
		return false
	}
	return json.Unmarshal(raw, dst) == nil
}

func depthRole(depth int) string {
	switch depth {
	case 1:
		return "h1"
	case 2:
		return "h2"
	case 3:
		return "h3"
	}
	return "body"
}

// bindTypographyRoles assigns each section the token role matching its
// depth, keeping roles the semantic stage already chose.
func bindTypographyRoles(sections []semantic.Section, depth int) {
	for i := range sections {
		if sections[i].TypographyRole == "" {
			sections[i].TypographyRole = depthRole(depth)
		}
		bindTypographyRoles(sections[i].Subsections, depth+1)
	}
}

func collectOrder(sections []semantic.Section, order *[]string) {
	for i := range sections {
		if id := sections[i].SectionID; id != "" {
			*order = append(*order, id)
		}
		collectOrder(sections[i].Subsections, order)
	}
}

// flagLowOccurrenceFonts marks tokens inferred when their font shows up
// on fewer than two spans; a single sighting is weak evidence for a
// document-wide role.
func flagLowOccurrenceFonts(spec *visual.VisualStyleSpec, doc *idm.Document) {
	if doc == nil || spec.Typography == nil {
		return
	}
	counts := map[string]int{}
	for _, pg := range doc.Pages {
		for _, b := range pg.Blocks {
			for _, s := range b.Spans {
				if s.FontFamily != "" {
					counts[s.FontFamily]++
				}
			}
		}
	}
	for role, tok := range spec.Typography {
		if tok.FontFamily != "" && counts[tok.FontFamily] < minFontOccurrences {
			tok.Inferred = true
			spec.Typography[role] = tok
		}
	}
}
