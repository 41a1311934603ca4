package visual

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/veskar/blueprint/genai"
	"github.com/veskar/blueprint/idm"
)

type fakeVision struct {
	response json.RawMessage
	err      error
	calls    int
	lastReq  genai.VisionRequest
}

func (f *fakeVision) GenerateVision(_ context.Context, req genai.VisionRequest) (json.RawMessage, error) {
	f.calls++
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	return f.response, nil
}

type fakeRenderer struct {
	pages  []int
	scales []float64
	err    error
}

func (f *fakeRenderer) RenderPage(_ context.Context, _ []byte, page int, scale float64) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.pages = append(f.pages, page)
	f.scales = append(f.scales, scale)
	return []byte(fmt.Sprintf("png-%d", page)), nil
}

func span(text, family string, size float64, weight, color string) idm.Span {
	return idm.Span{Text: text, FontFamily: family, SizePt: size, Weight: weight, ColorHex: color}
}

func styledDoc(format idm.Format, pages ...idm.Page) *idm.Document {
	return &idm.Document{Format: format, Pages: pages}
}

func TestClassifyRole(t *testing.T) {
	tests := []struct {
		size   float64
		weight string
		want   string
	}{
		{0, idm.WeightNormal, "body"},
		{24, idm.WeightNormal, "h1"},
		{20, idm.WeightBold, "h1"},
		{16, idm.WeightNormal, "h2"},
		{13, idm.WeightNormal, "h3"},
		{11, idm.WeightNormal, "body"},
		{11, idm.WeightBold, "h3"},
		{9, idm.WeightNormal, "body"},
		{8, idm.WeightNormal, "caption"},
		{8, idm.WeightBold, "caption"},
	}
	for _, tt := range tests {
		if got := classifyRole(tt.size, tt.weight); got != tt.want {
			t.Errorf("classifyRole(%g, %s) = %q, want %q", tt.size, tt.weight, got, tt.want)
		}
	}
}

func TestCensus_DominantTokenPerRole(t *testing.T) {
	// WHAT: the heaviest styling by character count wins each role, so a
	// stray differently-styled span cannot hijack the body token.
	doc := styledDoc(idm.FormatPDF, idm.Page{Blocks: []idm.Block{
		{Spans: []idm.Span{span("Annual Engineering Report", "Georgia", 24, idm.WeightBold, "#1F3864")}},
		{Spans: []idm.Span{span(strings.Repeat("body text ", 8), "Georgia", 11, idm.WeightNormal, "#000000")}},
		{Spans: []idm.Span{span(strings.Repeat("more body ", 8), "Georgia", 11, idm.WeightNormal, "#000000")}},
		{Spans: []idm.Span{span("small note", "Arial", 11, idm.WeightNormal, "#000000")}},
	}})

	roles, colors := censusTokens(doc)
	typo := buildTypography(roles)

	h1, ok := typo["h1"]
	if !ok {
		t.Fatal("24pt span did not produce an h1 token")
	}
	if h1.FontFamily != "Georgia" || h1.Weight != idm.WeightBold || h1.ColorHex != "#1F3864" {
		t.Errorf("h1 token = %+v", h1)
	}
	if h1.Inferred {
		t.Error("measured token marked inferred")
	}

	body := typo["body"]
	if body.FontFamily != "Georgia" || body.SizePt != 11 {
		t.Errorf("body token = %+v, want dominant Georgia 11", body)
	}

	palette := buildPalette(colors)
	if palette["primary"] != "#1F3864" {
		t.Errorf("primary = %q, want #1F3864", palette["primary"])
	}
	if palette["background"] != "#FFFFFF" {
		t.Errorf("background = %q", palette["background"])
	}
}

func TestCensus_ColorExclusions(t *testing.T) {
	doc := styledDoc(idm.FormatPDF, idm.Page{Blocks: []idm.Block{
		{Spans: []idm.Span{
			span("black", "Arial", 11, idm.WeightNormal, "#000000"),
			span("white", "Arial", 11, idm.WeightNormal, "#FFFFFF"),
			span("short black", "Arial", 11, idm.WeightNormal, "#000"),
			span("red", "Arial", 11, idm.WeightNormal, "#FF0000"),
		}},
	}})

	_, colors := censusTokens(doc)
	if len(colors) != 1 {
		t.Fatalf("color census = %v, want only #FF0000", colors)
	}
	palette := buildPalette(colors)
	if palette["primary"] != "#FF0000" {
		t.Errorf("primary = %q", palette["primary"])
	}
	if _, ok := palette["secondary"]; ok {
		t.Error("secondary assigned with a single censused color")
	}
}

func TestBuildPalette_RolesByRank(t *testing.T) {
	colors := map[string]int{
		"#111111": 700, "#222222": 600, "#333333": 500,
		"#444444": 400, "#555555": 300, "#666666": 200, "#777777": 100,
	}
	palette := buildPalette(colors)

	want := map[string]string{
		"primary": "#111111", "secondary": "#222222", "accent": "#333333",
		"highlight": "#444444", "muted": "#555555", "extra": "#666666",
		"background": "#FFFFFF",
	}
	if len(palette) != len(want) {
		t.Fatalf("palette = %v", palette)
	}
	for role, color := range want {
		if palette[role] != color {
			t.Errorf("%s = %q, want %q", role, palette[role], color)
		}
	}
}

func TestAnalyze_DocxSkipsVision(t *testing.T) {
	doc := styledDoc(idm.FormatDOCX, idm.Page{Blocks: []idm.Block{
		{Spans: []idm.Span{span("Proposal", "Calibri", 24, idm.WeightBold, "#000000")}},
		{Spans: []idm.Span{span("Body paragraph.", "Calibri", 11, idm.WeightNormal, "#000000")}},
	}})

	client := &fakeVision{}
	render := &fakeRenderer{}
	a := New(client, render, Config{})

	spec, err := a.AnalyzeVisualStyle(context.Background(), doc, []byte("not used"))
	if err != nil {
		t.Fatalf("AnalyzeVisualStyle: %v", err)
	}
	if client.calls != 0 {
		t.Fatalf("vision called %d times for docx", client.calls)
	}
	if len(render.pages) != 0 {
		t.Fatalf("renderer called for docx: %v", render.pages)
	}
	if spec.Typography["h1"].FontFamily != "Calibri" {
		t.Errorf("census h1 = %+v", spec.Typography["h1"])
	}
}

func TestAnalyze_PDFVisionMerge(t *testing.T) {
	doc := styledDoc(idm.FormatPDF,
		idm.Page{Blocks: []idm.Block{
			{Spans: []idm.Span{span("Report Title", "Georgia", 24, idm.WeightBold, "#000000")}},
			{Spans: []idm.Span{span(strings.Repeat("text ", 20), "Georgia", 11, idm.WeightNormal, "#000000")}},
		}},
		idm.Page{Blocks: []idm.Block{
			{Spans: []idm.Span{span(strings.Repeat("text ", 20), "Georgia", 11, idm.WeightNormal, "#000000")}},
		}},
		idm.Page{Blocks: []idm.Block{
			{Spans: []idm.Span{span("never rendered", "Georgia", 11, idm.WeightNormal, "#000000")}},
		}},
	)

	client := &fakeVision{response: json.RawMessage(`{
		"typography": {
			"h1": {"color_hex": "#123456"},
			"table_header": {"font_family": "Georgia", "size_pt": 10, "weight": "bold", "color_hex": "#FFFFFF"}
		},
		"color_palette": {"accent": "#ABCDEF"},
		"bullet_style": {"level_1": "▪", "level_2": "◦", "indent_pt": 21}
	}`)}
	render := &fakeRenderer{}
	a := New(client, render, Config{})

	spec, err := a.AnalyzeVisualStyle(context.Background(), doc, []byte("%PDF-1.7 ..."))
	if err != nil {
		t.Fatalf("AnalyzeVisualStyle: %v", err)
	}

	// Only the first VisionPages pages render, at the configured scale.
	if len(render.pages) != 2 || render.pages[0] != 0 || render.pages[1] != 1 {
		t.Fatalf("rendered pages = %v, want [0 1]", render.pages)
	}
	if render.scales[0] != 1.5 {
		t.Errorf("render scale = %g", render.scales[0])
	}
	if client.calls != 1 {
		t.Fatalf("vision calls = %d", client.calls)
	}
	if len(client.lastReq.Images) != 2 {
		t.Fatalf("vision got %d images", len(client.lastReq.Images))
	}
	if !strings.Contains(client.lastReq.Prompt, "Georgia") {
		t.Error("prompt does not embed census candidates")
	}
	if client.lastReq.Schema.Name != "visual_style" {
		t.Errorf("schema name = %q", client.lastReq.Schema.Name)
	}

	// Vision confirmed h1: the provided field overrides, the rest stays.
	h1 := spec.Typography["h1"]
	if h1.ColorHex != "#123456" {
		t.Errorf("h1 color = %q, want vision override", h1.ColorHex)
	}
	if h1.FontFamily != "Georgia" || h1.SizePt != 24 {
		t.Errorf("h1 kept fields = %+v", h1)
	}
	if h1.Inferred {
		t.Error("vision-confirmed h1 marked inferred")
	}

	// WHY: a role only the model saw has no metadata behind it, so it
	// stays flagged inferred.
	th, ok := spec.Typography["table_header"]
	if !ok {
		t.Fatal("vision-only role dropped")
	}
	if !th.Inferred {
		t.Error("vision-only role not marked inferred")
	}
	if th.SizePt != 10 || th.Weight != idm.WeightBold {
		t.Errorf("table_header = %+v", th)
	}

	if spec.ColorPalette["accent"] != "#ABCDEF" {
		t.Errorf("accent = %q", spec.ColorPalette["accent"])
	}
	if spec.ColorPalette["background"] != "#FFFFFF" {
		t.Errorf("background = %q", spec.ColorPalette["background"])
	}
	if spec.BulletStyle.Level1 != "▪" || spec.BulletStyle.IndentPt != 21 {
		t.Errorf("bullet style = %+v", spec.BulletStyle)
	}
	// Paragraph rules were not in the answer; defaults remain.
	if spec.ParagraphRules.SpaceBetweenParagraphsPt != 6 {
		t.Errorf("paragraph rules = %+v", spec.ParagraphRules)
	}
}

func TestAnalyze_VisionFailureKeepsCensus(t *testing.T) {
	doc := styledDoc(idm.FormatPDF, idm.Page{Blocks: []idm.Block{
		{Spans: []idm.Span{span("Title", "Georgia", 24, idm.WeightBold, "#1F3864")}},
	}})

	t.Run("render error", func(t *testing.T) {
		client := &fakeVision{}
		render := &fakeRenderer{err: errors.New("render service down")}
		a := New(client, render, Config{})

		spec, err := a.AnalyzeVisualStyle(context.Background(), doc, []byte("%PDF-"))
		if err != nil {
			t.Fatalf("census fallback errored: %v", err)
		}
		if client.calls != 0 {
			t.Error("vision called despite render failure")
		}
		if spec.Typography["h1"].FontFamily != "Georgia" {
			t.Errorf("census token lost: %+v", spec.Typography["h1"])
		}
	})

	t.Run("model error", func(t *testing.T) {
		client := &fakeVision{err: errors.New("model unavailable")}
		a := New(client, &fakeRenderer{}, Config{})

		spec, err := a.AnalyzeVisualStyle(context.Background(), doc, []byte("%PDF-"))
		if err != nil {
			t.Fatalf("census fallback errored: %v", err)
		}
		if spec.Typography["h1"].ColorHex != "#1F3864" {
			t.Errorf("census token lost: %+v", spec.Typography["h1"])
		}
	})

	t.Run("bad json", func(t *testing.T) {
		client := &fakeVision{response: json.RawMessage(`[]`)}
		a := New(client, &fakeRenderer{}, Config{})

		spec, err := a.AnalyzeVisualStyle(context.Background(), doc, []byte("%PDF-"))
		if err != nil {
			t.Fatalf("census fallback errored: %v", err)
		}
		if spec.Typography["h1"].SizePt != 24 {
			t.Errorf("census token lost: %+v", spec.Typography["h1"])
		}
	})
}

func TestAnalyze_NoRendererStillCensus(t *testing.T) {
	doc := styledDoc(idm.FormatPDF, idm.Page{Blocks: []idm.Block{
		{Spans: []idm.Span{span("Title", "Georgia", 24, idm.WeightBold, "#000000")}},
	}})

	client := &fakeVision{}
	a := New(client, nil, Config{})

	spec, err := a.AnalyzeVisualStyle(context.Background(), doc, []byte("%PDF-"))
	if err != nil {
		t.Fatalf("AnalyzeVisualStyle: %v", err)
	}
	if client.calls != 0 {
		t.Error("vision called without a renderer")
	}
	if spec.Typography["h1"].FontFamily != "Georgia" {
		t.Errorf("h1 = %+v", spec.Typography["h1"])
	}
}

func TestAnalyze_ImageSendsFileBytes(t *testing.T) {
	// WHAT: image uploads are themselves the rendition; the file goes to
	// the model directly and no renderer is involved.
	pngBytes := append([]byte("\x89PNG\r\n\x1a\n"), make([]byte, 64)...)
	doc := styledDoc(idm.FormatImage, idm.Page{Blocks: []idm.Block{
		{Spans: []idm.Span{{Text: ""}}},
	}})
	doc.Scanned = true

	client := &fakeVision{response: json.RawMessage(`{
		"typography": {"h1": {"font_family": "Futura", "size_pt": 28, "weight": "bold", "color_hex": "#222222"}},
		"color_palette": {"primary": "#D4AF37"}
	}`)}
	a := New(client, nil, Config{})

	spec, err := a.AnalyzeVisualStyle(context.Background(), doc, pngBytes)
	if err != nil {
		t.Fatalf("AnalyzeVisualStyle: %v", err)
	}
	if client.calls != 1 {
		t.Fatalf("vision calls = %d", client.calls)
	}
	if len(client.lastReq.Images) != 1 || string(client.lastReq.Images[0]) != string(pngBytes) {
		t.Error("file bytes not forwarded as the image")
	}
	if client.lastReq.ImageMIME != "image/png" {
		t.Errorf("mime = %q", client.lastReq.ImageMIME)
	}
	if spec.Typography["h1"].FontFamily != "Futura" || !spec.Typography["h1"].Inferred {
		t.Errorf("h1 = %+v, want inferred vision token", spec.Typography["h1"])
	}
	if spec.ColorPalette["primary"] != "#D4AF37" {
		t.Errorf("primary = %q", spec.ColorPalette["primary"])
	}
}

func TestEnsureRequiredRoles(t *testing.T) {
	doc := styledDoc(idm.FormatDOCX, idm.Page{})
	a := New(nil, nil, Config{})

	spec, err := a.AnalyzeVisualStyle(context.Background(), doc, nil)
	if err != nil {
		t.Fatalf("AnalyzeVisualStyle: %v", err)
	}

	h1 := spec.Typography["h1"]
	if !h1.Inferred || h1.Weight != idm.WeightBold || h1.ColorHex != "#000000" {
		t.Errorf("h1 sentinel = %+v", h1)
	}
	body := spec.Typography["body"]
	if !body.Inferred || body.Weight != idm.WeightNormal {
		t.Errorf("body sentinel = %+v", body)
	}
	if h1.FontFamily != "" || h1.SizePt != 0 {
		t.Errorf("sentinel carries phantom values: %+v", h1)
	}
}
