// Package semantic derives the content-structure half of a blueprint: a
// hierarchy of sections with titles, intents, and rhetorical patterns,
// produced by a schema-constrained generation call over a digest of the
// document text.
package semantic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/veskar/blueprint/genai"
	"github.com/veskar/blueprint/idm"
)

// Section is one node of the document's content hierarchy.
type Section struct {
	SectionID         string    `json:"section_id"`
	Title             string    `json:"title"`
	Intent            string    `json:"intent,omitempty"`
	RhetoricalPattern string    `json:"rhetorical_pattern,omitempty"`
	MicroTemplate     string    `json:"micro_template,omitempty"`
	TypographyRole    string    `json:"typography_role,omitempty"`
	Inferred          bool      `json:"inferred"`
	Subsections       []Section `json:"subsections,omitempty"`
}

// ContentStructureSpec is the semantic stage's output.
type ContentStructureSpec struct {
	Sections []Section `json:"sections"`
}

// Config holds the analyzer's knobs.
type Config struct {
	// MaxDigestChars caps the text digest sent to the model.
	MaxDigestChars int `json:"max_digest_chars" yaml:"max_digest_chars"`

	// MaxTokens bounds the generation response.
	MaxTokens int `json:"max_tokens" yaml:"max_tokens"`

	// Retries is the number of repeat attempts after a schema violation.
	Retries int `json:"retries" yaml:"retries"`

	Logger *slog.Logger `json:"-" yaml:"-"`
}

func (c *Config) defaults() {
	if c.MaxDigestChars == 0 {
		c.MaxDigestChars = 12000
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 4096
	}
	if c.Retries == 0 {
		c.Retries = 1
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Analyzer runs content-structure analysis.
type Analyzer struct {
	client genai.StructuredClient
	cfg    Config
	logger *slog.Logger
}

func New(client genai.StructuredClient, cfg Config) *Analyzer {
	cfg.defaults()
	return &Analyzer{
		client: client,
		cfg:    cfg,
		logger: cfg.Logger.With("component", "semantic"),
	}
}

const systemPrompt = `You are a document structure analyst. Given a digest of a document
(headings marked with === markers, body text as plain lines), identify the
hierarchical section structure: what each section is, what it is trying to
achieve, and what rhetorical pattern it follows.`

var sectionsSchema = genai.Schema{
	Name:        "content_structure",
	Description: "Hierarchical section structure of a document",
	Properties: map[string]any{
		"sections": map[string]any{
			"type":        "array",
			"description": "Top-level sections in reading order",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"section_id":         map[string]any{"type": "string", "description": "stable id, e.g. section-1"},
					"title":              map[string]any{"type": "string"},
					"intent":             map[string]any{"type": "string", "description": "what this section is written to achieve"},
					"rhetorical_pattern": map[string]any{"type": "string", "description": "e.g. problem-solution, chronological, comparison"},
					"micro_template":     map[string]any{"type": "string", "description": "short reusable skeleton of the section's prose"},
					"inferred":           map[string]any{"type": "boolean", "description": "true when the section is guessed rather than evidenced"},
					"subsections":        map[string]any{"type": "array", "description": "nested sections, same shape, recursive"},
				},
				"required": []string{"section_id", "title"},
			},
		},
	},
	Required: []string{"sections"},
}

// AnalyzeStructure builds the text digest, calls the model, and decodes
// the section hierarchy. Scanned or image-only documents skip the model
// call and return a single inferred placeholder section.
func (a *Analyzer) AnalyzeStructure(ctx context.Context, doc *idm.Document) (*ContentStructureSpec, error) {
	dg := buildDigest(doc, a.cfg.MaxDigestChars)
	if strings.TrimSpace(dg.text) == "" {
		a.logger.InfoContext(ctx, "no text layer, skipping model call", "format", doc.Format)
		return &ContentStructureSpec{Sections: []Section{{
			SectionID: "section-1",
			Title:     "Document",
			Intent:    "No text layer was available for analysis.",
			Inferred:  true,
		}}}, nil
	}

	req := genai.StructuredRequest{
		System:    systemPrompt,
		Prompt:    buildPrompt(dg),
		Schema:    sectionsSchema,
		MaxTokens: a.cfg.MaxTokens,
	}

	var lastErr error
	for attempt := 0; attempt <= a.cfg.Retries; attempt++ {
		raw, err := a.client.GenerateStructured(ctx, req)
		if err == nil {
			spec, derr := decodeSpec(raw)
			if derr == nil {
				markTruncated(spec, dg)
				return spec, nil
			}
			err = derr
		}
		lastErr = err

		// Only malformed output is worth a retry; transport failures are
		// the orchestrator's problem.
		if !errors.Is(err, genai.ErrSchemaViolation) || ctx.Err() != nil {
			break
		}
		if attempt < a.cfg.Retries {
			a.logger.WarnContext(ctx, "structure response violated schema, retrying",
				"attempt", attempt+1, "error", err)
		}
	}
	return nil, fmt.Errorf("semantic: analyze structure: %w", lastErr)
}

func buildPrompt(dg digest) string {
	var sb strings.Builder
	sb.WriteString("Document digest:\n\n")
	sb.WriteString(dg.text)
	if dg.truncated {
		fmt.Fprintf(&sb, "\nNote: only about %.0f%% of the document text fit in this digest. ",
			dg.fraction*100)
		sb.WriteString("Mark sections you cannot see as inferred.\n")
	}
	return sb.String()
}

// decodeSpec parses the model output into the spec shape. An empty or
// undecodable section list counts as a schema violation.
func decodeSpec(raw json.RawMessage) (*ContentStructureSpec, error) {
	var spec ContentStructureSpec
	if err := json.Unmarshal(raw, &spec); err != nil {
		return nil, fmt.Errorf("%w: decode sections: %v", genai.ErrSchemaViolation, err)
	}
	if len(spec.Sections) == 0 {
		return nil, fmt.Errorf("%w: no sections in response", genai.ErrSchemaViolation)
	}
	fillSectionIDs(spec.Sections, new(int))
	return &spec, nil
}

// fillSectionIDs assigns section-N ids in pre-order to sections the
// model left unnamed.
func fillSectionIDs(sections []Section, n *int) {
	for i := range sections {
		*n++
		if strings.TrimSpace(sections[i].SectionID) == "" {
			sections[i].SectionID = fmt.Sprintf("section-%d", *n)
		}
		fillSectionIDs(sections[i].Subsections, n)
	}
}

// markTruncated applies the conservative truncation rule: when the digest
// was cut off, every section after the last digest-confirmed title is
// marked inferred.
func markTruncated(spec *ContentStructureSpec, dg digest) {
	if !dg.truncated {
		return
	}
	confirmed := make(map[string]bool, len(dg.headings))
	for _, h := range dg.headings {
		confirmed[normalizeTitle(h)] = true
	}

	lastConfirmed := -1
	order := 0
	var walkFind func(secs []Section)
	walkFind = func(secs []Section) {
		for i := range secs {
			if confirmed[normalizeTitle(secs[i].Title)] {
				lastConfirmed = order
			}
			order++
			walkFind(secs[i].Subsections)
		}
	}
	walkFind(spec.Sections)

	order = 0
	var walkMark func(secs []Section)
	walkMark = func(secs []Section) {
		for i := range secs {
			if order > lastConfirmed {
				secs[i].Inferred = true
			}
			order++
			walkMark(secs[i].Subsections)
		}
	}
	walkMark(spec.Sections)
}

func normalizeTitle(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
