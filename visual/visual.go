// Package visual extracts design tokens from a document: typography per
// role, color palette, bullet and paragraph conventions. Span metadata is
// the primary source; for formats with a visual rendition (PDF, images) a
// vision model pass confirms the measured candidates and fills roles the
// metadata cannot see. The vision pass is strictly best-effort: any
// failure there keeps the measured tokens.
package visual

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/veskar/blueprint/genai"
	"github.com/veskar/blueprint/idm"
	"github.com/veskar/blueprint/raster"
)

// TypographyToken is one role's resolved styling.
type TypographyToken struct {
	FontFamily string  `json:"font_family,omitempty"`
	SizePt     float64 `json:"size_pt,omitempty"`
	Weight     string  `json:"weight"`
	ColorHex   string  `json:"color_hex"`
	Inferred   bool    `json:"inferred"`
}

// BulletStyle describes list markers and indentation.
type BulletStyle struct {
	Level1   string  `json:"level_1"`
	Level2   string  `json:"level_2"`
	IndentPt float64 `json:"indent_pt"`
}

// ParagraphRules describes paragraph-level conventions.
type ParagraphRules struct {
	FirstLineIndentPt        float64 `json:"first_line_indent_pt"`
	SpaceBetweenParagraphsPt float64 `json:"space_between_paragraphs_pt"`
}

// VisualStyleSpec is the visual stage's output.
type VisualStyleSpec struct {
	Typography     map[string]TypographyToken `json:"typography"`
	ColorPalette   map[string]string          `json:"color_palette"`
	BulletStyle    BulletStyle                `json:"bullet_style"`
	ParagraphRules ParagraphRules             `json:"paragraph_rules"`
}

// Config tunes the vision pass.
type Config struct {
	// VisionPages is how many pages are rendered for the model.
	VisionPages int `json:"vision_pages" yaml:"vision_pages"`
	// RenderScale 1.5 is roughly 108 DPI, enough for typography reading.
	RenderScale float64 `json:"render_scale" yaml:"render_scale"`
	MaxTokens   int     `json:"max_tokens" yaml:"max_tokens"`

	Logger *slog.Logger `json:"-" yaml:"-"`
}

func (c *Config) defaults() {
	if c.VisionPages == 0 {
		c.VisionPages = 2
	}
	if c.RenderScale == 0 {
		c.RenderScale = 1.5
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 3000
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Analyzer runs visual style analysis.
type Analyzer struct {
	client genai.VisionClient
	render raster.Renderer
	cfg    Config
	logger *slog.Logger
}

// New builds an Analyzer. Both client and renderer may be nil; the
// analyzer then produces census-only results.
func New(client genai.VisionClient, render raster.Renderer, cfg Config) *Analyzer {
	cfg.defaults()
	return &Analyzer{
		client: client,
		render: render,
		cfg:    cfg,
		logger: cfg.Logger.With("component", "visual"),
	}
}

// AnalyzeVisualStyle derives the style spec for doc. fileData is the raw
// upload, needed only when a vision pass runs.
func (a *Analyzer) AnalyzeVisualStyle(ctx context.Context, doc *idm.Document, fileData []byte) (*VisualStyleSpec, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("visual: %w", err)
	}

	spec := a.censusSpec(doc)

	if doc.Format == idm.FormatPDF || doc.Format == idm.FormatImage {
		if err := a.visionPass(ctx, doc, fileData, spec); err != nil {
			switch {
			case errors.Is(err, raster.ErrNoRenderer), errors.Is(err, genai.ErrNoModel):
				a.logger.DebugContext(ctx, "vision pass unavailable, keeping measured tokens", "reason", err)
			default:
				a.logger.WarnContext(ctx, "vision pass failed, keeping measured tokens", "error", err)
			}
		}
	}

	EnsureRequiredRoles(spec)
	return spec, nil
}

func (a *Analyzer) censusSpec(doc *idm.Document) *VisualStyleSpec {
	roles, colors := censusTokens(doc)
	return &VisualStyleSpec{
		Typography:     buildTypography(roles),
		ColorPalette:   buildPalette(colors),
		BulletStyle:    BulletStyle{Level1: "•", Level2: "–", IndentPt: 18},
		ParagraphRules: ParagraphRules{FirstLineIndentPt: 0, SpaceBetweenParagraphsPt: 6},
	}
}

// visionToken uses pointers so an absent field is distinguishable from a
// zero one; only fields the model actually provided override the census.
type visionToken struct {
	FontFamily *string  `json:"font_family"`
	SizePt     *float64 `json:"size_pt"`
	Weight     *string  `json:"weight"`
	ColorHex   *string  `json:"color_hex"`
}

type visionPayload struct {
	Typography     map[string]visionToken `json:"typography"`
	ColorPalette   map[string]string      `json:"color_palette"`
	BulletStyle    *BulletStyle           `json:"bullet_style"`
	ParagraphRules *ParagraphRules        `json:"paragraph_rules"`
}

var visionSchema = genai.Schema{
	Name:        "visual_style",
	Description: "Design tokens observed on the rendered pages",
	Properties: map[string]any{
		"typography": map[string]any{
			"type":        "object",
			"description": "typography role (h1, h2, h3, body, caption, table_header) to token",
			"additionalProperties": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"font_family": map[string]any{"type": "string"},
					"size_pt":     map[string]any{"type": "number"},
					"weight":      map[string]any{"type": "string", "description": `"bold" or "normal"`},
					"color_hex":   map[string]any{"type": "string", "description": "#RRGGBB"},
				},
			},
		},
		"color_palette": map[string]any{
			"type":        "object",
			"description": "palette role (primary, secondary, accent, background, ...) to #RRGGBB",
		},
		"bullet_style": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"level_1":   map[string]any{"type": "string"},
				"level_2":   map[string]any{"type": "string"},
				"indent_pt": map[string]any{"type": "number"},
			},
		},
		"paragraph_rules": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"first_line_indent_pt":        map[string]any{"type": "number"},
				"space_between_paragraphs_pt": map[string]any{"type": "number"},
			},
		},
	},
	Required: []string{"typography", "color_palette"},
}

const visionSystemPrompt = `You are a visual design analyst for professional document typography and brand style. Examine the provided page images and report precise design tokens. Return only the JSON object.`

// visionPass renders pages, queries the vision model, and merges the
// answer into spec. The error is informational; callers keep spec as-is
// when it is non-nil.
func (a *Analyzer) visionPass(ctx context.Context, doc *idm.Document, fileData []byte, spec *VisualStyleSpec) error {
	if a.client == nil {
		return genai.ErrNoModel
	}
	if len(fileData) == 0 {
		return errors.New("no file data to render")
	}

	images, imageMIME, err := a.renderPages(ctx, doc, fileData)
	if err != nil {
		return err
	}
	if len(images) == 0 {
		return nil
	}

	a.logger.InfoContext(ctx, "running vision pass", "images", len(images), "mime", imageMIME)

	raw, err := a.client.GenerateVision(ctx, genai.VisionRequest{
		StructuredRequest: genai.StructuredRequest{
			System:    visionSystemPrompt,
			Prompt:    visionPrompt(spec),
			Schema:    visionSchema,
			MaxTokens: a.cfg.MaxTokens,
		},
		Images:    images,
		ImageMIME: imageMIME,
	})
	if err != nil {
		return err
	}

	var payload visionPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("%w: %v", genai.ErrSchemaViolation, err)
	}
	mergeVision(spec, &payload)
	return nil
}

// renderPages produces the images for the vision call. Image uploads are
// sent as-is; PDFs go through the renderer page by page.
func (a *Analyzer) renderPages(ctx context.Context, doc *idm.Document, fileData []byte) ([][]byte, string, error) {
	if doc.Format == idm.FormatImage {
		imageMIME := http.DetectContentType(fileData)
		if !strings.HasPrefix(imageMIME, "image/") {
			imageMIME = "image/png"
		}
		return [][]byte{fileData}, imageMIME, nil
	}

	if a.render == nil {
		return nil, "", raster.ErrNoRenderer
	}
	n := a.cfg.VisionPages
	if pc := doc.PageCount(); pc < n {
		n = pc
	}
	var images [][]byte
	for i := 0; i < n; i++ {
		img, err := a.render.RenderPage(ctx, fileData, i, a.cfg.RenderScale)
		if err != nil {
			return nil, "", err
		}
		images = append(images, img)
	}
	return images, "image/png", nil
}

func visionPrompt(candidates *VisualStyleSpec) string {
	cand, _ := json.MarshalIndent(candidates, "", "  ")

	var sb strings.Builder
	sb.WriteString("Analyse the visual design of these document pages: font families, ")
	sb.WriteString("sizes, weights, colors, bullet and paragraph conventions.\n\n")
	sb.WriteString("Candidate values extracted from document metadata. Confirm or ")
	sb.WriteString("correct them, and add roles the metadata missed:\n")
	sb.Write(cand)
	return sb.String()
}

// mergeVision folds the model's answer into the census spec. Roles both
// sides know are confirmed field by field; roles only the model saw stay
// flagged inferred because no metadata backs them.
func mergeVision(spec *VisualStyleSpec, vis *visionPayload) {
	if spec.Typography == nil {
		spec.Typography = map[string]TypographyToken{}
	}
	for role, vt := range vis.Typography {
		tok, known := spec.Typography[role]
		if !known {
			weight := idm.WeightNormal
			if vt.Weight != nil && *vt.Weight != "" {
				weight = *vt.Weight
			}
			color := "#000000"
			if vt.ColorHex != nil && *vt.ColorHex != "" {
				color = *vt.ColorHex
			}
			nt := TypographyToken{Weight: weight, ColorHex: color, Inferred: true}
			if vt.FontFamily != nil {
				nt.FontFamily = *vt.FontFamily
			}
			if vt.SizePt != nil {
				nt.SizePt = *vt.SizePt
			}
			spec.Typography[role] = nt
			continue
		}

		if vt.FontFamily != nil && *vt.FontFamily != "" {
			tok.FontFamily = *vt.FontFamily
		}
		if vt.SizePt != nil && *vt.SizePt > 0 {
			tok.SizePt = *vt.SizePt
		}
		if vt.Weight != nil && *vt.Weight != "" {
			tok.Weight = *vt.Weight
		}
		if vt.ColorHex != nil && *vt.ColorHex != "" {
			tok.ColorHex = *vt.ColorHex
		}
		tok.Inferred = false
		spec.Typography[role] = tok
	}

	if spec.ColorPalette == nil {
		spec.ColorPalette = map[string]string{}
	}
	for role, color := range vis.ColorPalette {
		if color != "" {
			spec.ColorPalette[role] = color
		}
	}

	if vis.BulletStyle != nil {
		spec.BulletStyle = *vis.BulletStyle
	}
	if vis.ParagraphRules != nil {
		spec.ParagraphRules = *vis.ParagraphRules
	}
}

// EnsureRequiredRoles guarantees the two typography roles every renderer
// needs, filling sentinels when neither metadata nor vision produced them.
// The assembler calls this again on merged specs as a final guard.
func EnsureRequiredRoles(spec *VisualStyleSpec) {
	if spec.Typography == nil {
		spec.Typography = map[string]TypographyToken{}
	}
	if _, ok := spec.Typography["h1"]; !ok {
		spec.Typography["h1"] = TypographyToken{Weight: idm.WeightBold, ColorHex: "#000000", Inferred: true}
	}
	if _, ok := spec.Typography["body"]; !ok {
		spec.Typography["body"] = TypographyToken{Weight: idm.WeightNormal, ColorHex: "#000000", Inferred: true}
	}
}
