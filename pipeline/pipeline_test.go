package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/veskar/blueprint/idgen"
	"github.com/veskar/blueprint/idm"
	"github.com/veskar/blueprint/layout"
	"github.com/veskar/blueprint/semantic"
	"github.com/veskar/blueprint/store"
	"github.com/veskar/blueprint/visual"
)

// fakeStore keeps jobs and events in memory and signals every terminal
// transition so tests can wait for the detached run goroutine.
type fakeStore struct {
	mu         sync.Mutex
	jobs       map[string]*store.Job
	events     []store.Event
	terminal   chan string
	failCreate error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		jobs:     make(map[string]*store.Job),
		terminal: make(chan string, 16),
	}
}

func (f *fakeStore) CreateJob(ctx context.Context, j *store.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCreate != nil {
		return f.failCreate
	}
	cp := *j
	cp.Status = store.StatusProcessing
	f.jobs[j.ID] = &cp
	return nil
}

func (f *fakeStore) MarkReady(ctx context.Context, id string, blueprint json.RawMessage) error {
	f.mu.Lock()
	j, ok := f.jobs[id]
	if !ok {
		f.mu.Unlock()
		return store.ErrNotFound
	}
	if j.Status != store.StatusProcessing {
		f.mu.Unlock()
		return store.ErrTerminal
	}
	j.Status = store.StatusReady
	j.Blueprint = append(json.RawMessage(nil), blueprint...)
	f.mu.Unlock()
	f.terminal <- id
	return nil
}

func (f *fakeStore) MarkError(ctx context.Context, id, msg string) error {
	f.mu.Lock()
	j, ok := f.jobs[id]
	if !ok {
		f.mu.Unlock()
		return store.ErrNotFound
	}
	if j.Status != store.StatusProcessing {
		f.mu.Unlock()
		return store.ErrTerminal
	}
	j.Status = store.StatusError
	j.ProcessingError = msg
	f.mu.Unlock()
	f.terminal <- id
	return nil
}

func (f *fakeStore) RecordEvent(ctx context.Context, ev store.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeStore) job(t *testing.T, id string) store.Job {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		t.Fatalf("job %q not found", id)
	}
	return *j
}

func (f *fakeStore) waitTerminal(t *testing.T) string {
	t.Helper()
	select {
	case id := <-f.terminal:
		return id
	case <-time.After(5 * time.Second):
		t.Fatal("no job reached a terminal state in time")
		return ""
	}
}

func (f *fakeStore) eventFor(stage string) (store.Event, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ev := range f.events {
		if ev.Stage == stage {
			return ev, true
		}
	}
	return store.Event{}, false
}

// concurrencyGauge records the peak number of simultaneous callers.
type concurrencyGauge struct {
	mu      sync.Mutex
	current int
	peak    int
}

func (g *concurrencyGauge) enter() {
	g.mu.Lock()
	g.current++
	if g.current > g.peak {
		g.peak = g.current
	}
	g.mu.Unlock()
}

func (g *concurrencyGauge) exit() {
	g.mu.Lock()
	g.current--
	g.mu.Unlock()
}

func (g *concurrencyGauge) max() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.peak
}

// stageScript drives one fake stage: count the call, optionally panic,
// optionally block on a gate ignoring the context, then return the
// scripted error.
type stageScript struct {
	panics bool
	gate   chan struct{}
	delay  time.Duration
	err    error
	gauge  *concurrencyGauge
	calls  atomic.Int32
}

func (s *stageScript) run() error {
	s.calls.Add(1)
	if s.gauge != nil {
		s.gauge.enter()
		defer s.gauge.exit()
	}
	if s.panics {
		panic("stage exploded")
	}
	if s.gate != nil {
		<-s.gate
	}
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	return s.err
}

type fakePre struct {
	stageScript
	doc *idm.Document
}

func (f *fakePre) BuildIDM(ctx context.Context, data []byte, mimeType string) (*idm.Document, error) {
	if err := f.run(); err != nil {
		return nil, err
	}
	return f.doc, nil
}

type fakeSemantic struct {
	stageScript
	spec *semantic.ContentStructureSpec
}

func (f *fakeSemantic) AnalyzeStructure(ctx context.Context, doc *idm.Document) (*semantic.ContentStructureSpec, error) {
	if err := f.run(); err != nil {
		return nil, err
	}
	return f.spec, nil
}

type fakeLayout struct {
	stageScript
	spec *layout.LayoutSpec
}

func (f *fakeLayout) AnalyzeLayout(ctx context.Context, doc *idm.Document) (*layout.LayoutSpec, error) {
	if err := f.run(); err != nil {
		return nil, err
	}
	return f.spec, nil
}

type fakeVisual struct {
	stageScript
	spec *visual.VisualStyleSpec
}

func (f *fakeVisual) AnalyzeVisualStyle(ctx context.Context, doc *idm.Document, fileData []byte) (*visual.VisualStyleSpec, error) {
	if err := f.run(); err != nil {
		return nil, err
	}
	return f.spec, nil
}

func sampleDoc() *idm.Document {
	return &idm.Document{
		Format: idm.FormatPDF,
		Pages: []idm.Page{{
			Index:   0,
			WidthPt: 595.3, HeightPt: 841.9,
			Blocks: []idm.Block{{
				BBox:  &idm.Rect{X0: 72, Y0: 72, X1: 300, Y1: 96},
				Spans: []idm.Span{{Text: "Quarterly Report", FontFamily: "Georgia", SizePt: 24, Weight: "bold"}},
			}},
		}},
		CharCount: 16,
	}
}

func sampleContent() *semantic.ContentStructureSpec {
	return &semantic.ContentStructureSpec{Sections: []semantic.Section{
		{SectionID: "s1", Title: "Overview", Intent: "orient the reader", RhetoricalPattern: "narrative"},
		{SectionID: "s2", Title: "Results", Intent: "present figures", RhetoricalPattern: "comparison"},
	}}
}

func sampleLayout() *layout.LayoutSpec {
	return &layout.LayoutSpec{
		PageSize:        "A4",
		ColumnStructure: layout.ColumnStructure{Count: 1, Type: "single"},
		HasHeader:       true,
		MarginsPt:       layout.Margins{Top: 72, Bottom: 72, Left: 72, Right: 72},
		SpacingRules:    map[string]float64{layout.SpacingParagraph: 6},
	}
}

func sampleVisual() *visual.VisualStyleSpec {
	return &visual.VisualStyleSpec{
		Typography: map[string]visual.TypographyToken{
			"h1":   {FontFamily: "Georgia", SizePt: 24, Weight: "bold", ColorHex: "#1F3864"},
			"body": {FontFamily: "Georgia", SizePt: 11, Weight: "normal", ColorHex: "#000000"},
		},
		ColorPalette:   map[string]string{"primary": "#1F3864", "background": "#FFFFFF"},
		BulletStyle:    visual.BulletStyle{Level1: "•", Level2: "–", IndentPt: 18},
		ParagraphRules: visual.ParagraphRules{SpaceBetweenParagraphsPt: 6},
	}
}

type runnerParts struct {
	st  *fakeStore
	pre *fakePre
	sem *fakeSemantic
	lay *fakeLayout
	vis *fakeVisual
}

func newTestRunner(t *testing.T, cfg Config) (*Runner, *runnerParts) {
	t.Helper()
	p := &runnerParts{
		st:  newFakeStore(),
		pre: &fakePre{doc: sampleDoc()},
		sem: &fakeSemantic{spec: sampleContent()},
		lay: &fakeLayout{spec: sampleLayout()},
		vis: &fakeVisual{spec: sampleVisual()},
	}
	if cfg.DataDir == "" {
		cfg.DataDir = t.TempDir()
	}
	if cfg.NewID == nil {
		cfg.NewID = idgen.Sequence("job-")
	}
	return New(p.st, p.pre, p.sem, p.lay, p.vis, nil, cfg), p
}

type blueprintDoc struct {
	BlueprintID  string          `json:"blueprint_id"`
	GeneratedAt  string          `json:"generated_at"`
	SourceFormat string          `json:"source_format"`
	Content      json.RawMessage `json:"content_structure_spec"`
	Layout       json.RawMessage `json:"layout_spec"`
	Visual       json.RawMessage `json:"visual_style_spec"`
	SectionOrder []string        `json:"section_order"`
	Version      string          `json:"version"`
}

func decodeBlueprint(t *testing.T, raw json.RawMessage) blueprintDoc {
	t.Helper()
	if len(raw) == 0 {
		t.Fatal("job carries no blueprint")
	}
	var bp blueprintDoc
	if err := json.Unmarshal(raw, &bp); err != nil {
		t.Fatalf("decode blueprint: %v", err)
	}
	return bp
}

// slotError returns the error message of a stage slot, or ok=false for a
// successful spec slot.
func slotError(t *testing.T, slot json.RawMessage) (string, bool) {
	t.Helper()
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(slot, &probe); err != nil {
		t.Fatalf("decode slot: %v", err)
	}
	raw, ok := probe["error"]
	if !ok {
		return "", false
	}
	var msg string
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.Fatalf("decode slot error: %v", err)
	}
	return msg, true
}

func TestSubmit_RunsToReady(t *testing.T) {
	dir := t.TempDir()
	r, p := newTestRunner(t, Config{DataDir: dir})
	defer r.Close()

	data := []byte("%PDF-1.7 report body")
	id, err := r.Submit(context.Background(), data, "application/pdf")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if id != "job-1" {
		t.Fatalf("job id = %q, want job-1", id)
	}

	p.st.waitTerminal(t)
	job := p.st.job(t, id)
	if job.Status != store.StatusReady {
		t.Fatalf("status = %q, want ready (error: %q)", job.Status, job.ProcessingError)
	}
	if job.SourceFormat != "pdf" || job.MimeType != "application/pdf" {
		t.Errorf("row format/mime = %q/%q", job.SourceFormat, job.MimeType)
	}

	// Upload lands under its content hash.
	sum := sha256.Sum256(data)
	wantPath := filepath.Join(dir, fmt.Sprintf("%x", sum))
	if job.FilePath != wantPath {
		t.Errorf("file path = %q, want %q", job.FilePath, wantPath)
	}
	if _, err := os.Stat(wantPath); err != nil {
		t.Errorf("upload not persisted: %v", err)
	}

	bp := decodeBlueprint(t, job.Blueprint)
	if bp.SourceFormat != "pdf" || bp.Version != "1" {
		t.Errorf("blueprint format/version = %q/%q", bp.SourceFormat, bp.Version)
	}
	if len(bp.SectionOrder) != 2 || bp.SectionOrder[0] != "s1" {
		t.Errorf("section order = %v", bp.SectionOrder)
	}
	for name, slot := range map[string]json.RawMessage{
		"content": bp.Content, "layout": bp.Layout, "visual": bp.Visual,
	} {
		if msg, failed := slotError(t, slot); failed {
			t.Errorf("%s slot failed: %s", name, msg)
		}
	}

	for _, stage := range []string{StagePreprocess, StageSemantic, StageLayout, StageVisual, StageAssemble} {
		ev, ok := p.st.eventFor(stage)
		if !ok {
			t.Errorf("no event for stage %s", stage)
			continue
		}
		if ev.Status != store.EventOK {
			t.Errorf("stage %s event status = %q", stage, ev.Status)
		}
	}
}

func TestSubmit_EmptyUpload(t *testing.T) {
	r, p := newTestRunner(t, Config{})
	defer r.Close()

	if _, err := r.Submit(context.Background(), nil, "application/pdf"); !errors.Is(err, ErrEmptyUpload) {
		t.Fatalf("err = %v, want ErrEmptyUpload", err)
	}
	if n := len(p.st.jobs); n != 0 {
		t.Errorf("jobs created = %d, want 0", n)
	}
}

func TestSubmit_CreateJobFailure(t *testing.T) {
	r, p := newTestRunner(t, Config{})
	defer r.Close()
	p.st.failCreate = errors.New("database is locked")

	if _, err := r.Submit(context.Background(), []byte("%PDF-1.7"), "application/pdf"); err == nil {
		t.Fatal("Submit succeeded despite store failure")
	}
	if n := p.pre.calls.Load(); n != 0 {
		t.Errorf("preprocessor ran %d times for an unrecorded job", n)
	}
}

func TestSubmit_SharesContentFile(t *testing.T) {
	dir := t.TempDir()
	r, p := newTestRunner(t, Config{DataDir: dir})
	defer r.Close()

	data := []byte("%PDF-1.7 same bytes")
	id1, err := r.Submit(context.Background(), data, "application/pdf")
	if err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	id2, err := r.Submit(context.Background(), data, "application/pdf")
	if err != nil {
		t.Fatalf("second Submit: %v", err)
	}
	p.st.waitTerminal(t)
	p.st.waitTerminal(t)

	if p1, p2 := p.st.job(t, id1).FilePath, p.st.job(t, id2).FilePath; p1 != p2 {
		t.Errorf("paths differ: %q vs %q", p1, p2)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("data dir holds %d files, want 1", len(entries))
	}
}

func TestPreprocessFailureIsFatal(t *testing.T) {
	r, p := newTestRunner(t, Config{})
	defer r.Close()
	p.pre.err = errors.New("preprocess: unsupported document format")

	id, err := r.Submit(context.Background(), []byte("GIBBERISH"), "application/octet-stream")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	p.st.waitTerminal(t)

	job := p.st.job(t, id)
	if job.Status != store.StatusError {
		t.Fatalf("status = %q, want error", job.Status)
	}
	if !strings.Contains(job.ProcessingError, "unsupported document format") {
		t.Errorf("processing error = %q", job.ProcessingError)
	}
	if len(job.Blueprint) != 0 {
		t.Error("blueprint set on a failed job")
	}

	// No analysis without a document model.
	if n := p.sem.calls.Load() + p.lay.calls.Load() + p.vis.calls.Load(); n != 0 {
		t.Errorf("analyzers ran %d times after fatal preprocess", n)
	}
	ev, ok := p.st.eventFor(StagePreprocess)
	if !ok || ev.Status != store.EventError {
		t.Errorf("preprocess event = %+v, ok=%v", ev, ok)
	}
}

// WHAT: one analyzer failing must not abort the job or its siblings; the
// blueprint carries an error slot for the failed stage only.
func TestStageFailureIsolation(t *testing.T) {
	r, p := newTestRunner(t, Config{})
	defer r.Close()
	p.sem.err = errors.New("semantic: analyze structure: model unavailable")

	id, err := r.Submit(context.Background(), []byte("%PDF-1.7"), "application/pdf")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	p.st.waitTerminal(t)

	job := p.st.job(t, id)
	if job.Status != store.StatusReady {
		t.Fatalf("status = %q, want ready", job.Status)
	}
	bp := decodeBlueprint(t, job.Blueprint)

	msg, failed := slotError(t, bp.Content)
	if !failed {
		t.Fatal("content slot did not fail")
	}
	if !strings.Contains(msg, "model unavailable") {
		t.Errorf("content slot error = %q", msg)
	}
	if _, failed := slotError(t, bp.Layout); failed {
		t.Error("layout slot failed alongside semantic")
	}
	if _, failed := slotError(t, bp.Visual); failed {
		t.Error("visual slot failed alongside semantic")
	}

	ev, _ := p.st.eventFor(StageSemantic)
	if ev.Status != store.EventError {
		t.Errorf("semantic event status = %q", ev.Status)
	}
	if ev2, _ := p.st.eventFor(StageLayout); ev2.Status != store.EventOK {
		t.Errorf("layout event status = %q", ev2.Status)
	}
}

func TestStagePanicIsolation(t *testing.T) {
	r, p := newTestRunner(t, Config{})
	defer r.Close()
	p.lay.panics = true

	id, err := r.Submit(context.Background(), []byte("%PDF-1.7"), "application/pdf")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	p.st.waitTerminal(t)

	job := p.st.job(t, id)
	if job.Status != store.StatusReady {
		t.Fatalf("status = %q, want ready", job.Status)
	}
	bp := decodeBlueprint(t, job.Blueprint)
	msg, failed := slotError(t, bp.Layout)
	if !failed || !strings.Contains(msg, "layout stage panicked") {
		t.Errorf("layout slot = %q, failed=%v", msg, failed)
	}
	if _, failed := slotError(t, bp.Content); failed {
		t.Error("content slot failed alongside the layout panic")
	}
}

// WHY: a stage that never returns and never looks at its context must
// not hang the fan-in; the stage times out and the job still completes.
func TestStageTimeout(t *testing.T) {
	r, p := newTestRunner(t, Config{StageTimeout: 30 * time.Millisecond})
	defer r.Close()
	gate := make(chan struct{})
	t.Cleanup(func() { close(gate) })
	p.vis.gate = gate

	id, err := r.Submit(context.Background(), []byte("%PDF-1.7"), "application/pdf")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	p.st.waitTerminal(t)

	job := p.st.job(t, id)
	if job.Status != store.StatusReady {
		t.Fatalf("status = %q, want ready", job.Status)
	}
	bp := decodeBlueprint(t, job.Blueprint)
	msg, failed := slotError(t, bp.Visual)
	if !failed || !strings.Contains(msg, "timed out") {
		t.Errorf("visual slot = %q, failed=%v", msg, failed)
	}
	if _, failed := slotError(t, bp.Content); failed {
		t.Error("content slot failed alongside the visual timeout")
	}
	ev, _ := p.st.eventFor(StageVisual)
	if ev.Status != store.EventTimeout {
		t.Errorf("visual event status = %q, want timeout", ev.Status)
	}
}

func TestPipelineTimeoutStillTerminates(t *testing.T) {
	r, p := newTestRunner(t, Config{
		StageTimeout:    10 * time.Second,
		PipelineTimeout: 80 * time.Millisecond,
	})
	defer r.Close()
	gate := make(chan struct{})
	t.Cleanup(func() { close(gate) })
	p.sem.gate = gate
	p.lay.gate = gate
	p.vis.gate = gate

	id, err := r.Submit(context.Background(), []byte("%PDF-1.7"), "application/pdf")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	p.st.waitTerminal(t)

	job := p.st.job(t, id)
	if job.Status != store.StatusReady {
		t.Fatalf("status = %q, want ready", job.Status)
	}
	bp := decodeBlueprint(t, job.Blueprint)
	for name, slot := range map[string]json.RawMessage{
		"content": bp.Content, "layout": bp.Layout, "visual": bp.Visual,
	} {
		if msg, failed := slotError(t, slot); !failed || !strings.Contains(msg, "timed out") {
			t.Errorf("%s slot = %q, failed=%v", name, msg, failed)
		}
	}
}

func TestConcurrencyLimit(t *testing.T) {
	r, p := newTestRunner(t, Config{MaxConcurrentJobs: 1})
	defer r.Close()

	gauge := &concurrencyGauge{}
	gate := make(chan struct{})
	p.pre.gauge = gauge
	p.pre.gate = gate

	// All submissions return before any job runs; queued jobs must not
	// block the caller.
	for i := 0; i < 3; i++ {
		if _, err := r.Submit(context.Background(), []byte(fmt.Sprintf("%%PDF-1.7 doc %d", i)), "application/pdf"); err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
	}
	close(gate)

	for i := 0; i < 3; i++ {
		p.st.waitTerminal(t)
	}
	if got := gauge.max(); got != 1 {
		t.Errorf("peak concurrent jobs = %d, want 1", got)
	}
	if n := p.pre.calls.Load(); n != 3 {
		t.Errorf("preprocess ran %d times, want 3", n)
	}
}

func TestClose_WaitsForInFlight(t *testing.T) {
	r, p := newTestRunner(t, Config{})
	p.sem.delay = 80 * time.Millisecond

	id, err := r.Submit(context.Background(), []byte("%PDF-1.7"), "application/pdf")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if job := p.st.job(t, id); job.Status != store.StatusReady {
		t.Errorf("status after Close = %q, want ready", job.Status)
	}
}

func TestClose_RejectsNewSubmissions(t *testing.T) {
	r, _ := newTestRunner(t, Config{})
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := r.Submit(context.Background(), []byte("%PDF-1.7"), "application/pdf"); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
	// Close is idempotent.
	if err := r.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestClose_DrainTimeoutCancelsJobs(t *testing.T) {
	r, p := newTestRunner(t, Config{
		DrainTimeout:    30 * time.Millisecond,
		StageTimeout:    10 * time.Second,
		PipelineTimeout: 10 * time.Second,
	})
	gate := make(chan struct{})
	defer close(gate)
	p.pre.gate = gate

	id, err := r.Submit(context.Background(), []byte("%PDF-1.7"), "application/pdf")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if err := r.Close(); !errors.Is(err, ErrDrainTimeout) {
		t.Fatalf("Close = %v, want ErrDrainTimeout", err)
	}
	// The cancelled job still reached a terminal state before Close
	// returned.
	job := p.st.job(t, id)
	if job.Status != store.StatusError {
		t.Fatalf("status = %q, want error", job.Status)
	}
	if !strings.Contains(job.ProcessingError, "cancel") {
		t.Errorf("processing error = %q", job.ProcessingError)
	}
}
