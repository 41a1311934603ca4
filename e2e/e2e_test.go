// Package e2e drives the service end to end over HTTP: a multipart
// upload through preprocessing, the analyzer fan-out, and assembly, down
// to a retrievable blueprint — the production wiring from cmd/blueprintd
// behind an httptest listener. Only the model-backed analyzers are
// replaced, with scripted implementations, so runs are deterministic.
package e2e

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/veskar/blueprint/dbopen"
	"github.com/veskar/blueprint/idm"
	"github.com/veskar/blueprint/layout"
	"github.com/veskar/blueprint/pipeline"
	"github.com/veskar/blueprint/preprocess"
	"github.com/veskar/blueprint/semantic"
	"github.com/veskar/blueprint/server"
	"github.com/veskar/blueprint/shield"
	"github.com/veskar/blueprint/store"
	"github.com/veskar/blueprint/visual"

	_ "modernc.org/sqlite"
)

const docxMIME = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"

// --- scripted analyzers ---

// scriptedStages stands in for the three model-backed analyzers with
// fixed outputs, so end-to-end runs depend only on the wiring.
type scriptedStages struct {
	structure *semantic.ContentStructureSpec
	structErr error
	layout    *layout.LayoutSpec
	layoutErr error
	style     *visual.VisualStyleSpec
	styleErr  error
}

func (s *scriptedStages) AnalyzeStructure(_ context.Context, _ *idm.Document) (*semantic.ContentStructureSpec, error) {
	return s.structure, s.structErr
}

func (s *scriptedStages) AnalyzeLayout(_ context.Context, _ *idm.Document) (*layout.LayoutSpec, error) {
	return s.layout, s.layoutErr
}

func (s *scriptedStages) AnalyzeVisualStyle(_ context.Context, _ *idm.Document, _ []byte) (*visual.VisualStyleSpec, error) {
	return s.style, s.styleErr
}

func defaultScript() *scriptedStages {
	return &scriptedStages{
		structure: &semantic.ContentStructureSpec{Sections: []semantic.Section{
			{
				SectionID:         "overview",
				Title:             "Overview",
				Intent:            "orient the reader",
				RhetoricalPattern: "narrative",
				MicroTemplate:     "Summarize the document in two sentences.",
			},
			{
				SectionID:         "findings",
				Title:             "Findings",
				Intent:            "present results",
				RhetoricalPattern: "evidence-led",
				MicroTemplate:     "List each finding with its supporting data.",
				Subsections: []semantic.Section{{
					SectionID:         "findings-detail",
					Title:             "Detail",
					Intent:            "support",
					RhetoricalPattern: "enumeration",
					MicroTemplate:     "Break the finding down step by step.",
				}},
			},
		}},
		layout: &layout.LayoutSpec{
			PageSize:        "A4",
			ColumnStructure: layout.ColumnStructure{Count: 1, Type: "single"},
			MarginsPt:       layout.Margins{Top: 72, Bottom: 72, Left: 72, Right: 72},
			SpacingRules:    map[string]float64{"line_height_multiplier": 1.15},
		},
		style: &visual.VisualStyleSpec{
			Typography: map[string]visual.TypographyToken{
				"h1":   {FontFamily: "Georgia", SizePt: 24, Weight: "bold", ColorHex: "#1F3864"},
				"body": {FontFamily: "Georgia", SizePt: 11, Weight: "normal", ColorHex: "#222222"},
			},
			ColorPalette:   map[string]string{"primary": "#1F3864", "body_text": "#222222"},
			BulletStyle:    visual.BulletStyle{Level1: "•", Level2: "–", IndentPt: 18},
			ParagraphRules: visual.ParagraphRules{SpaceBetweenParagraphsPt: 8},
		},
	}
}

// --- service harness ---

// testService is the production wiring behind an httptest listener:
// shield stack, chi router, pipeline runner, file-backed SQLite store.
type testService struct {
	URL     string
	Runner  *pipeline.Runner
	DataDir string
}

func startService(t *testing.T, stages *scriptedStages) *testService {
	t.Helper()

	dir := t.TempDir()
	db, err := dbopen.Open(filepath.Join(dir, "blueprint.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	st := store.NewStore(db)
	if err := st.Init(context.Background()); err != nil {
		t.Fatalf("init store: %v", err)
	}
	if err := shield.Init(db); err != nil {
		t.Fatalf("init shield: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	dataDir := filepath.Join(dir, "uploads")
	runner := pipeline.New(st, preprocess.New(preprocess.Config{}), stages, stages, stages, nil, pipeline.Config{
		DataDir:         dataDir,
		StageTimeout:    5 * time.Second,
		PipelineTimeout: 10 * time.Second,
		DrainTimeout:    5 * time.Second,
		Logger:          logger,
	})
	t.Cleanup(func() { runner.Close() })

	stack, _ := shield.DefaultStack(db, 50<<20)
	srv := httptest.NewServer(server.NewRouter(server.Deps{
		Runner:         runner,
		Jobs:           st,
		MaxUploadBytes: 50 << 20,
		Middlewares:    stack,
	}))
	t.Cleanup(srv.Close)

	return &testService{URL: srv.URL, Runner: runner, DataDir: dataDir}
}

// --- fixtures ---

// makeDocx builds an in-memory docx archive holding documentXML.
func makeDocx(t *testing.T, documentXML string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	fw, err := w.Create("word/document.xml")
	if err != nil {
		t.Fatal(err)
	}
	fw.Write([]byte(documentXML))
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

const reportXML = `<?xml version="1.0"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main">
<w:body>
<w:p>
  <w:r><w:rPr><w:rFonts w:ascii="Georgia"/><w:sz w:val="48"/><w:b/></w:rPr><w:t>Quarterly Report</w:t></w:r>
</w:p>
<w:p>
  <w:r><w:rPr><w:rFonts w:ascii="Georgia"/></w:rPr><w:t>Revenue grew in every region this quarter.</w:t></w:r>
</w:p>
<w:p>
  <w:r><w:rPr><w:rFonts w:ascii="Georgia"/></w:rPr><w:t>Churn stayed flat against the prior period.</w:t></w:r>
</w:p>
</w:body>
</w:document>`

// makePNG encodes a solid image of the given pixel dimensions.
func makePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 200, G: 200, B: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// --- HTTP helpers ---

// submitMultipart uploads data as a form file and returns the accepted
// job ID.
func submitMultipart(t *testing.T, svc *testService, filename, mimeType string, data []byte) string {
	t.Helper()
	resp := postMultipart(t, svc, filename, mimeType, data)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("submit status = %d, want 202", resp.StatusCode)
	}
	var out struct {
		JobID  string `json:"job_id"`
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode submit response: %v", err)
	}
	if out.JobID == "" {
		t.Fatal("submit response has no job_id")
	}
	return out.JobID
}

func postMultipart(t *testing.T, svc *testService, filename, mimeType string, data []byte) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	hdr := textproto.MIMEHeader{}
	hdr.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, filename))
	if mimeType != "" {
		hdr.Set("Content-Type", mimeType)
	}
	part, err := mw.CreatePart(hdr)
	if err != nil {
		t.Fatal(err)
	}
	part.Write(data)
	mw.Close()

	resp, err := http.Post(svc.URL+"/api/v1/jobs", mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatalf("post upload: %v", err)
	}
	return resp
}

// getJSON fetches url and decodes the JSON body.
func getJSON(t *testing.T, url string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode %s: %v", url, err)
	}
	return resp.StatusCode, body
}

// waitTerminal polls the job until it leaves processing.
func waitTerminal(t *testing.T, svc *testService, jobID string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		code, job := getJSON(t, svc.URL+"/api/v1/jobs/"+jobID)
		if code != http.StatusOK {
			t.Fatalf("job status code = %d, want 200", code)
		}
		if s, _ := job["status"].(string); s != "" && s != "processing" {
			return job
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatalf("job %s did not reach a terminal state", jobID)
	return nil
}

// stageStatuses flattens the event trail into stage → status.
func stageStatuses(t *testing.T, svc *testService, jobID string) map[string]string {
	t.Helper()
	code, body := getJSON(t, svc.URL+"/api/v1/jobs/"+jobID+"/events")
	if code != http.StatusOK {
		t.Fatalf("events status code = %d, want 200", code)
	}
	events, _ := body["events"].([]any)
	out := make(map[string]string, len(events))
	for _, e := range events {
		ev, _ := e.(map[string]any)
		stage, _ := ev["stage"].(string)
		status, _ := ev["status"].(string)
		out[stage] = status
	}
	return out
}

// --- tests ---

func TestE2E_DocxFullCycle(t *testing.T) {
	// WHAT: multipart DOCX upload → 202 → poll → ready → blueprint.
	// WHY: end-to-end validation of the async job contract over the real
	// router, pipeline, and store.
	svc := startService(t, defaultScript())

	resp := postMultipart(t, svc, "report.docx", docxMIME, makeDocx(t, reportXML))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("submit status = %d, want 202", resp.StatusCode)
	}
	if resp.Header.Get("X-Trace-ID") == "" {
		t.Error("submit response missing X-Trace-ID, shield stack not active")
	}
	if got := resp.Header.Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q, want nosniff", got)
	}
	var accepted struct {
		JobID  string `json:"job_id"`
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&accepted); err != nil {
		t.Fatalf("decode submit response: %v", err)
	}
	if accepted.Status != "processing" {
		t.Errorf("accepted status = %q, want processing", accepted.Status)
	}

	// Poll until terminal.
	job := waitTerminal(t, svc, accepted.JobID)
	if job["status"] != "ready" {
		t.Fatalf("job status = %v, want ready (error: %v)", job["status"], job["processing_error"])
	}
	if job["source_format"] != "docx" {
		t.Errorf("source_format = %v, want docx", job["source_format"])
	}

	// Fetch the blueprint.
	code, bp := getJSON(t, svc.URL+"/api/v1/blueprints/"+accepted.JobID)
	if code != http.StatusOK {
		t.Fatalf("blueprint status code = %d, want 200", code)
	}
	if bp["blueprint_id"] == "" || bp["blueprint_id"] == nil {
		t.Error("blueprint has no blueprint_id")
	}
	if bp["version"] != "1" {
		t.Errorf("version = %v, want 1", bp["version"])
	}
	if bp["source_format"] != "docx" {
		t.Errorf("blueprint source_format = %v, want docx", bp["source_format"])
	}

	content, _ := bp["content_structure_spec"].(map[string]any)
	sections, _ := content["sections"].([]any)
	if len(sections) != 2 {
		t.Fatalf("sections = %d, want 2", len(sections))
	}
	first, _ := sections[0].(map[string]any)
	if first["typography_role"] != "h1" {
		t.Errorf("top section role = %v, want h1", first["typography_role"])
	}
	second, _ := sections[1].(map[string]any)
	subs, _ := second["subsections"].([]any)
	if len(subs) != 1 {
		t.Fatalf("subsections = %d, want 1", len(subs))
	}
	if sub, _ := subs[0].(map[string]any); sub["typography_role"] != "h2" {
		t.Errorf("subsection role = %v, want h2", sub["typography_role"])
	}

	order, _ := bp["section_order"].([]any)
	wantOrder := []string{"overview", "findings", "findings-detail"}
	if len(order) != len(wantOrder) {
		t.Fatalf("section_order = %v, want %v", order, wantOrder)
	}
	for i, id := range wantOrder {
		if order[i] != id {
			t.Errorf("section_order[%d] = %v, want %s", i, order[i], id)
		}
	}

	lay, _ := bp["layout_spec"].(map[string]any)
	if lay["page_size"] != "A4" {
		t.Errorf("page_size = %v, want A4", lay["page_size"])
	}
	style, _ := bp["visual_style_spec"].(map[string]any)
	palette, _ := style["color_palette"].(map[string]any)
	if palette["primary"] != "#1F3864" {
		t.Errorf("palette primary = %v, want #1F3864", palette["primary"])
	}
	typ, _ := style["typography"].(map[string]any)
	for _, role := range []string{"h1", "body"} {
		if _, ok := typ[role]; !ok {
			t.Errorf("typography missing role %s", role)
		}
	}

	// Verify the stage trail.
	statuses := stageStatuses(t, svc, accepted.JobID)
	for _, stage := range []string{"preprocess", "semantic", "layout", "visual", "assemble"} {
		if statuses[stage] != "ok" {
			t.Errorf("stage %s status = %q, want ok", stage, statuses[stage])
		}
	}

	// Verify the upload landed in the data dir under its content hash.
	entries, err := os.ReadDir(svc.DataDir)
	if err != nil {
		t.Fatalf("read data dir: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("data dir entries = %d, want 1", len(entries))
	}
}

func TestE2E_ImageUploadFullCycle(t *testing.T) {
	// WHAT: raw PNG body → real image preprocessing → ready blueprint.
	// WHY: the raw-body submit path and the image branch of preprocessing.
	svc := startService(t, defaultScript())

	resp, err := http.Post(svc.URL+"/api/v1/jobs", "image/png", bytes.NewReader(makePNG(t, 640, 480)))
	if err != nil {
		t.Fatalf("post upload: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("submit status = %d, want 202", resp.StatusCode)
	}
	var accepted struct {
		JobID string `json:"job_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&accepted); err != nil {
		t.Fatalf("decode submit response: %v", err)
	}

	job := waitTerminal(t, svc, accepted.JobID)
	if job["status"] != "ready" {
		t.Fatalf("job status = %v, want ready (error: %v)", job["status"], job["processing_error"])
	}
	if job["source_format"] != "image" {
		t.Errorf("source_format = %v, want image", job["source_format"])
	}

	code, bp := getJSON(t, svc.URL+"/api/v1/blueprints/"+accepted.JobID)
	if code != http.StatusOK {
		t.Fatalf("blueprint status code = %d, want 200", code)
	}
	if bp["source_format"] != "image" {
		t.Errorf("blueprint source_format = %v, want image", bp["source_format"])
	}
}

func TestE2E_DuplicateUploadSharesFile(t *testing.T) {
	// WHAT: identical bytes submitted twice → two jobs, one stored file.
	// WHY: uploads are deduplicated by content hash; jobs are not.
	svc := startService(t, defaultScript())
	data := makeDocx(t, reportXML)

	id1 := submitMultipart(t, svc, "a.docx", docxMIME, data)
	id2 := submitMultipart(t, svc, "b.docx", docxMIME, data)
	if id1 == id2 {
		t.Fatal("re-submission reused the job ID")
	}

	job1 := waitTerminal(t, svc, id1)
	job2 := waitTerminal(t, svc, id2)
	if job1["status"] != "ready" || job2["status"] != "ready" {
		t.Fatalf("statuses = %v / %v, want ready / ready", job1["status"], job2["status"])
	}

	_, bp1 := getJSON(t, svc.URL+"/api/v1/blueprints/"+id1)
	_, bp2 := getJSON(t, svc.URL+"/api/v1/blueprints/"+id2)
	if bp1["blueprint_id"] == bp2["blueprint_id"] {
		t.Error("both jobs produced the same blueprint_id")
	}

	entries, err := os.ReadDir(svc.DataDir)
	if err != nil {
		t.Fatalf("read data dir: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("data dir entries = %d, want 1 shared file", len(entries))
	}
}
