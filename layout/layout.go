// Package layout derives page geometry from the document model: page
// size, margins, column structure, header/footer recurrence, and spacing
// rules. Paginated documents are measured algorithmically; flow formats
// without coordinates fall back to one schema-constrained generation
// call with every resulting field marked inferred.
package layout

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/veskar/blueprint/genai"
	"github.com/veskar/blueprint/idm"
)

// Spacing rule keys used in LayoutSpec.SpacingRules.
const (
	SpacingBeforeH1     = "before_h1_pt"
	SpacingAfterH1      = "after_h1_pt"
	SpacingBeforeH2     = "before_h2_pt"
	SpacingAfterH2      = "after_h2_pt"
	SpacingParagraph    = "paragraph_spacing_pt"
	SpacingLineMultiple = "line_spacing_multiple"
)

// ColumnStructure describes the text column arrangement.
type ColumnStructure struct {
	Count int    `json:"count"`
	Type  string `json:"type"` // "single" or "two-column"
}

// Margins are page margins in points.
type Margins struct {
	Top    float64 `json:"top"`
	Bottom float64 `json:"bottom"`
	Left   float64 `json:"left"`
	Right  float64 `json:"right"`
}

// LayoutSpec is the layout stage's output.
type LayoutSpec struct {
	PageSize        string             `json:"page_size"`
	ColumnStructure ColumnStructure    `json:"column_structure"`
	HasHeader       bool               `json:"has_header"`
	HasFooter       bool               `json:"has_footer"`
	MarginsPt       Margins            `json:"margins_pt"`
	SpacingRules    map[string]float64 `json:"spacing_rules"`
	Inferred        bool               `json:"inferred"`
	InferredFields  []string           `json:"inferred_fields,omitempty"`
}

// Config holds the detection constants. The defaults reproduce the
// measured behavior of the reference documents; change them only with a
// corpus to validate against.
type Config struct {
	// ColumnBinPt is the x0 clustering bucket width.
	ColumnBinPt float64 `json:"column_bin_pt" yaml:"column_bin_pt"`
	// ColumnMinSeparationPt is the minimum distance between the two top
	// buckets for a two-column verdict.
	ColumnMinSeparationPt float64 `json:"column_min_separation_pt" yaml:"column_min_separation_pt"`
	// ColumnMinFraction is the share of blocks each bucket must hold.
	ColumnMinFraction float64 `json:"column_min_fraction" yaml:"column_min_fraction"`

	MarginMinPt     float64 `json:"margin_min_pt" yaml:"margin_min_pt"`
	MarginMaxPt     float64 `json:"margin_max_pt" yaml:"margin_max_pt"`
	MarginDefaultPt float64 `json:"margin_default_pt" yaml:"margin_default_pt"`

	// BandFraction is the top/bottom slice of the page scanned for
	// header/footer blocks.
	BandFraction float64 `json:"band_fraction" yaml:"band_fraction"`
	// YBucketPt is the y-position tolerance for recurrence grouping.
	YBucketPt float64 `json:"y_bucket_pt" yaml:"y_bucket_pt"`
	// RecurrenceFraction is the share of pages a banded position must
	// appear on to count as a header or footer.
	RecurrenceFraction float64 `json:"recurrence_fraction" yaml:"recurrence_fraction"`
	// MinRecurrencePages is the page count below which header/footer
	// detection refuses to claim recurrence.
	MinRecurrencePages int `json:"min_recurrence_pages" yaml:"min_recurrence_pages"`

	PageSizeTolerancePt float64 `json:"page_size_tolerance_pt" yaml:"page_size_tolerance_pt"`

	// MaxTokens bounds the flow-format fallback generation call.
	MaxTokens int `json:"max_tokens" yaml:"max_tokens"`

	Logger *slog.Logger `json:"-" yaml:"-"`
}

func (c *Config) defaults() {
	if c.ColumnBinPt == 0 {
		c.ColumnBinPt = 20
	}
	if c.ColumnMinSeparationPt == 0 {
		c.ColumnMinSeparationPt = 150
	}
	if c.ColumnMinFraction == 0 {
		c.ColumnMinFraction = 0.15
	}
	if c.MarginMinPt == 0 {
		c.MarginMinPt = 18
	}
	if c.MarginMaxPt == 0 {
		c.MarginMaxPt = 144
	}
	if c.MarginDefaultPt == 0 {
		c.MarginDefaultPt = 72
	}
	if c.BandFraction == 0 {
		c.BandFraction = 0.08
	}
	if c.YBucketPt == 0 {
		c.YBucketPt = 8
	}
	if c.RecurrenceFraction == 0 {
		c.RecurrenceFraction = 0.75
	}
	if c.MinRecurrencePages == 0 {
		c.MinRecurrencePages = 3
	}
	if c.PageSizeTolerancePt == 0 {
		c.PageSizeTolerancePt = 10
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 2000
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Analyzer runs layout analysis.
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
		logger: cfg.Logger.With("component", "layout"),
	}
}

// AnalyzeLayout measures geometry when any block carries a bounding box
// and falls back to a generation call otherwise. Internal panics degrade
// to an error so a geometry bug cannot take down sibling stages.
func (a *Analyzer) AnalyzeLayout(ctx context.Context, doc *idm.Document) (spec *LayoutSpec, err error) {
	defer func() {
		if r := recover(); r != nil {
			spec = nil
			err = fmt.Errorf("layout: geometry computation panicked: %v", r)
		}
	}()

	if doc.HasGeometry() {
		return a.analyzeGeometric(doc), nil
	}
	return a.analyzeFlow(ctx, doc)
}

func (a *Analyzer) analyzeGeometric(doc *idm.Document) *LayoutSpec {
	spec := &LayoutSpec{
		PageSize:        classifyPageSize(doc, a.cfg.PageSizeTolerancePt),
		ColumnStructure: detectColumns(doc, a.cfg),
		SpacingRules:    map[string]float64{},
	}

	margins, haveMargins := detectMargins(doc, a.cfg)
	spec.MarginsPt = margins
	if !haveMargins {
		spec.InferredFields = append(spec.InferredFields, "margins_pt")
	}

	hasHeader, hasFooter, hfInferred := detectHeaderFooter(doc, a.cfg)
	spec.HasHeader = hasHeader
	spec.HasFooter = hasFooter
	if hfInferred {
		spec.InferredFields = append(spec.InferredFields, "has_header", "has_footer")
	}

	rules, defaulted := detectSpacing(doc, a.cfg)
	spec.SpacingRules = rules
	for _, key := range defaulted {
		spec.InferredFields = append(spec.InferredFields, "spacing_rules."+key)
	}

	return spec
}

// flowEstimate is the JSON shape requested from the model for documents
// without coordinates.
type flowEstimate struct {
	PageSize        string             `json:"page_size"`
	ColumnStructure ColumnStructure    `json:"column_structure"`
	HasHeader       bool               `json:"has_header"`
	HasFooter       bool               `json:"has_footer"`
	MarginsPt       Margins            `json:"margins_pt"`
	SpacingRules    map[string]float64 `json:"spacing_rules"`
}

var flowSchema = genai.Schema{
	Name:        "layout_estimate",
	Description: "Plausible layout defaults for a flow document without coordinates",
	Properties: map[string]any{
		"page_size": map[string]any{"type": "string", "description": `"A4" or "Letter"`},
		"column_structure": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"count": map[string]any{"type": "integer"},
				"type":  map[string]any{"type": "string", "description": `"single" or "two-column"`},
			},
		},
		"has_header": map[string]any{"type": "boolean"},
		"has_footer": map[string]any{"type": "boolean"},
		"margins_pt": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"top":    map[string]any{"type": "number"},
				"bottom": map[string]any{"type": "number"},
				"left":   map[string]any{"type": "number"},
				"right":  map[string]any{"type": "number"},
			},
		},
		"spacing_rules": map[string]any{
			"type": "object",
			"description": "keys: before_h1_pt, after_h1_pt, before_h2_pt, after_h2_pt, " +
				"paragraph_spacing_pt, line_spacing_multiple",
		},
	},
	Required: []string{"page_size", "column_structure", "spacing_rules"},
}

// analyzeFlow asks the model for plausible defaults based on a block
// summary. Everything in the result is an estimate, so the record and
// every field are marked inferred.
func (a *Analyzer) analyzeFlow(ctx context.Context, doc *idm.Document) (*LayoutSpec, error) {
	a.logger.InfoContext(ctx, "no coordinates available, using generation fallback",
		"format", doc.Format)

	raw, err := a.client.GenerateStructured(ctx, genai.StructuredRequest{
		Prompt:    flowPrompt(doc),
		Schema:    flowSchema,
		MaxTokens: a.cfg.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("layout: flow estimate: %w", err)
	}

	var est flowEstimate
	if err := json.Unmarshal(raw, &est); err != nil {
		return nil, fmt.Errorf("layout: flow estimate: %w: %v", genai.ErrSchemaViolation, err)
	}

	spec := &LayoutSpec{
		PageSize:        est.PageSize,
		ColumnStructure: est.ColumnStructure,
		HasHeader:       est.HasHeader,
		HasFooter:       est.HasFooter,
		MarginsPt:       est.MarginsPt,
		SpacingRules:    est.SpacingRules,
		Inferred:        true,
		InferredFields: []string{
			"page_size", "column_structure", "has_header", "has_footer",
			"margins_pt", "spacing_rules",
		},
	}
	fillFlowDefaults(spec, a.cfg)
	return spec, nil
}

// fillFlowDefaults papers over fields the model left empty.
func fillFlowDefaults(spec *LayoutSpec, cfg Config) {
	if spec.PageSize == "" {
		spec.PageSize = "A4"
	}
	if spec.ColumnStructure.Count == 0 {
		spec.ColumnStructure = ColumnStructure{Count: 1, Type: "single"}
	}
	if spec.ColumnStructure.Type == "" {
		spec.ColumnStructure.Type = columnTypeName(spec.ColumnStructure.Count)
	}
	if spec.MarginsPt == (Margins{}) {
		d := cfg.MarginDefaultPt
		spec.MarginsPt = Margins{Top: d, Bottom: d, Left: d, Right: d}
	}
	if spec.SpacingRules == nil {
		spec.SpacingRules = map[string]float64{}
	}
	for key, def := range defaultSpacing {
		if _, ok := spec.SpacingRules[key]; !ok {
			spec.SpacingRules[key] = def
		}
	}
}

// flowPrompt summarizes the first blocks (text preview plus style) the
// way a human would skim a document to guess its layout.
func flowPrompt(doc *idm.Document) string {
	type blockPreview struct {
		Text   string  `json:"text_preview"`
		SizePt float64 `json:"font_size_pt,omitempty"`
		Weight string  `json:"font_weight,omitempty"`
	}
	var previews []blockPreview
	for _, pg := range doc.Pages {
		if len(previews) >= 30 {
			break
		}
		for _, b := range pg.Blocks {
			if len(previews) >= 30 {
				break
			}
			text := b.Text()
			if text == "" {
				continue
			}
			if r := []rune(text); len(r) > 80 {
				text = string(r[:80])
			}
			var weight string
			if b.HasBold() {
				weight = idm.WeightBold
			}
			previews = append(previews, blockPreview{Text: text, SizePt: b.MaxSize(), Weight: weight})
		}
	}
	summary, _ := json.MarshalIndent(previews, "", "  ")

	var sb strings.Builder
	sb.WriteString("This document has no coordinate data (flow format). ")
	sb.WriteString("Based on its block structure, estimate plausible layout values ")
	sb.WriteString("for the document type.\n\nDocument blocks (first 30):\n")
	sb.Write(summary)
	return sb.String()
}
