// Package pipeline wires the analysis stages together and manages job
// execution:
//
//	preprocess                 → synchronous, fatal on error
//	semantic, layout, visual   → concurrent fan-out, failures isolated
//	assemble                   → synchronous, never fails
//
// Each submitted job runs its own fan-out on a detached goroutine; a
// semaphore bounds how many jobs analyze concurrently. Every job reaches
// a terminal state (ready or error) no matter what the stages do: stage
// errors, timeouts, and panics are converted into per-stage error slots
// and the blueprint is assembled from whatever survived.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"github.com/veskar/blueprint/assemble"
	"github.com/veskar/blueprint/idgen"
	"github.com/veskar/blueprint/idm"
	"github.com/veskar/blueprint/layout"
	"github.com/veskar/blueprint/preprocess"
	"github.com/veskar/blueprint/semantic"
	"github.com/veskar/blueprint/store"
	"github.com/veskar/blueprint/visual"
)

// Stage names as recorded in the pipeline event log.
const (
	StagePreprocess = "preprocess"
	StageSemantic   = "semantic"
	StageLayout     = "layout"
	StageVisual     = "visual"
	StageAssemble   = "assemble"
)

var (
	// ErrClosed is returned by Submit once Close has begun.
	ErrClosed = errors.New("pipeline: runner closed")
	// ErrEmptyUpload is returned by Submit for zero-length data.
	ErrEmptyUpload = errors.New("pipeline: empty upload")
	// ErrDrainTimeout is returned by Close when in-flight jobs did not
	// finish within the drain window. Their terminal writes still land
	// before Close returns; only the graceful wait was cut short.
	ErrDrainTimeout = errors.New("pipeline: close: drain timed out")
)

// Store is the subset of the job store the runner writes to.
type Store interface {
	CreateJob(ctx context.Context, j *store.Job) error
	MarkReady(ctx context.Context, id string, blueprint json.RawMessage) error
	MarkError(ctx context.Context, id, msg string) error
	RecordEvent(ctx context.Context, ev store.Event) error
}

// Preprocessor builds the intermediate document model from raw bytes.
type Preprocessor interface {
	BuildIDM(ctx context.Context, data []byte, mimeType string) (*idm.Document, error)
}

// SemanticAnalyzer extracts the content structure spec.
type SemanticAnalyzer interface {
	AnalyzeStructure(ctx context.Context, doc *idm.Document) (*semantic.ContentStructureSpec, error)
}

// LayoutAnalyzer derives the layout spec.
type LayoutAnalyzer interface {
	AnalyzeLayout(ctx context.Context, doc *idm.Document) (*layout.LayoutSpec, error)
}

// VisualAnalyzer derives the visual style spec.
type VisualAnalyzer interface {
	AnalyzeVisualStyle(ctx context.Context, doc *idm.Document, fileData []byte) (*visual.VisualStyleSpec, error)
}

// AssembleFunc merges the three stage outcomes into the final blueprint.
type AssembleFunc func(content, layout, vis assemble.StageInput, opts assemble.Options) *assemble.Blueprint

// Config tunes job execution.
type Config struct {
	// DataDir receives uploaded documents, one file per distinct content
	// hash. Default: "data".
	DataDir string `json:"data_dir" yaml:"data_dir"`
	// StageTimeout bounds each analyzer stage. Default: 90s.
	StageTimeout time.Duration `json:"stage_timeout" yaml:"stage_timeout"`
	// PipelineTimeout bounds a whole job run. On expiry unfinished stages
	// resolve to timeout errors and the job still terminates. Default:
	// 4m30s, inside the reference client's five-minute poll budget.
	PipelineTimeout time.Duration `json:"pipeline_timeout" yaml:"pipeline_timeout"`
	// MaxConcurrentJobs caps simultaneously analyzing jobs. Jobs beyond
	// the cap wait for a slot without blocking Submit. Default: 4.
	MaxConcurrentJobs int `json:"max_concurrent_jobs" yaml:"max_concurrent_jobs"`
	// DrainTimeout bounds Close's wait for in-flight jobs. Default: 30s.
	DrainTimeout time.Duration `json:"drain_timeout" yaml:"drain_timeout"`
	// NewID generates job IDs. Default: idgen.Default.
	NewID idgen.Generator `json:"-" yaml:"-"`
	// Logger overrides the default slog logger.
	Logger *slog.Logger `json:"-" yaml:"-"`
}

func (c *Config) defaults() {
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.StageTimeout <= 0 {
		c.StageTimeout = 90 * time.Second
	}
	if c.PipelineTimeout <= 0 {
		c.PipelineTimeout = 4*time.Minute + 30*time.Second
	}
	if c.MaxConcurrentJobs <= 0 {
		c.MaxConcurrentJobs = 4
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 30 * time.Second
	}
	if c.NewID == nil {
		c.NewID = idgen.Default
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Runner owns job execution from submission to terminal state.
type Runner struct {
	store  Store
	pre    Preprocessor
	sem    SemanticAnalyzer
	lay    LayoutAnalyzer
	vis    VisualAnalyzer
	asm    AssembleFunc
	cfg    Config
	logger *slog.Logger

	baseCtx context.Context
	cancel  context.CancelFunc
	slots   chan struct{}
	wg      sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// New builds a Runner. A nil asm defaults to assemble.Assemble; the other
// dependencies are required.
func New(st Store, pre Preprocessor, sem SemanticAnalyzer, lay LayoutAnalyzer, vis VisualAnalyzer, asm AssembleFunc, cfg Config) *Runner {
	cfg.defaults()
	if asm == nil {
		asm = assemble.Assemble
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		store:   st,
		pre:     pre,
		sem:     sem,
		lay:     lay,
		vis:     vis,
		asm:     asm,
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "pipeline"),
		baseCtx: ctx,
		cancel:  cancel,
		slots:   make(chan struct{}, cfg.MaxConcurrentJobs),
	}
}

// Submit persists the upload, inserts the job row as processing, and
// schedules the pipeline run. It returns as soon as the job is durably
// recorded; the run itself proceeds on the runner's base context,
// detached from the caller's request.
func (r *Runner) Submit(ctx context.Context, data []byte, mimeType string) (string, error) {
	if len(data) == 0 {
		return "", ErrEmptyUpload
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return "", ErrClosed
	}
	r.wg.Add(1)
	r.mu.Unlock()

	spawned := false
	defer func() {
		if !spawned {
			r.wg.Done()
		}
	}()

	path, err := r.persistUpload(data)
	if err != nil {
		return "", fmt.Errorf("pipeline: persist upload: %w", err)
	}

	// Best-effort format hint on the row; preprocessing is the authority
	// and fails the job properly when the bytes are unsupported.
	format, _ := preprocess.DetectFormat(data, mimeType)

	jobID := r.cfg.NewID()
	job := &store.Job{
		ID:           jobID,
		SourceFormat: string(format),
		MimeType:     mimeType,
		FilePath:     path,
	}
	if err := r.store.CreateJob(ctx, job); err != nil {
		return "", fmt.Errorf("pipeline: %w", err)
	}

	r.logger.InfoContext(ctx, "job submitted",
		"job_id", jobID, "bytes", len(data), "mime", mimeType, "format", string(format))

	spawned = true
	go r.run(jobID, data, mimeType)
	return jobID, nil
}

// persistUpload writes the document to the data dir under its content
// hash. Re-submissions of identical bytes share one file.
func (r *Runner) persistUpload(data []byte) (string, error) {
	if err := os.MkdirAll(r.cfg.DataDir, 0o755); err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	path := filepath.Join(r.cfg.DataDir, fmt.Sprintf("%x", sum))
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// run executes the pipeline for one job and always drives the job row to
// a terminal state.
func (r *Runner) run(jobID string, data []byte, mimeType string) {
	defer r.wg.Done()

	select {
	case r.slots <- struct{}{}:
	case <-r.baseCtx.Done():
		r.markError(jobID, "service shut down before the job could start")
		return
	}
	defer func() { <-r.slots }()

	log := r.logger.With("job_id", jobID)
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("pipeline panic recovered", "panic", rec, "stack", string(debug.Stack()))
			r.markError(jobID, fmt.Sprintf("pipeline panicked: %v", rec))
		}
	}()

	ctx, cancel := context.WithTimeout(r.baseCtx, r.cfg.PipelineTimeout)
	defer cancel()

	start := time.Now()
	log.Info("pipeline started", "mime", mimeType, "bytes", len(data))

	doc, err := r.preprocessStage(ctx, jobID, data, mimeType)
	if err != nil {
		log.Error("preprocessing failed", "error", err)
		r.markError(jobID, err.Error())
		return
	}
	log.Info("document model built",
		"format", string(doc.Format), "pages", doc.PageCount(), "blocks", doc.BlockCount(), "scanned", doc.Scanned)

	content, layoutIn, visualIn := r.fanOut(ctx, jobID, doc, data)

	asmStart := time.Now()
	bp := r.asm(content, layoutIn, visualIn, assemble.Options{
		SourceFormat: doc.Format,
		Document:     doc,
		NewID:        r.cfg.NewID,
	})
	r.recordEvent(jobID, StageAssemble, store.EventOK, "", time.Since(asmStart))

	raw, err := json.Marshal(bp)
	if err != nil {
		// Stage slots are frozen JSON already; reaching this means a bug
		// in the assembler, not bad input.
		log.Error("blueprint not encodable", "error", err)
		r.markError(jobID, "assembly produced an unencodable blueprint: "+err.Error())
		return
	}

	// Terminal writes use a fresh context: the pipeline deadline bounds
	// analysis, not persistence of whatever was produced.
	if err := r.store.MarkReady(context.Background(), jobID, raw); err != nil {
		log.Error("persisting blueprint failed", "error", err)
		return
	}
	log.Info("pipeline complete",
		"duration_ms", time.Since(start).Milliseconds(),
		"content_ok", !bp.ContentStructure.Failed(),
		"layout_ok", !bp.Layout.Failed(),
		"visual_ok", !bp.VisualStyle.Failed())
}

// preprocessStage builds the document model under the pipeline deadline.
// Unlike the analyzers, a failure here is fatal for the job.
func (r *Runner) preprocessStage(ctx context.Context, jobID string, data []byte, mimeType string) (*idm.Document, error) {
	start := time.Now()
	out, err := r.callStage(ctx, StagePreprocess, func(ctx context.Context) (any, error) {
		return r.pre.BuildIDM(ctx, data, mimeType)
	})
	dur := time.Since(start)
	if err != nil {
		status := store.EventError
		if errors.Is(err, context.DeadlineExceeded) {
			status = store.EventTimeout
		}
		r.recordEvent(jobID, StagePreprocess, status, err.Error(), dur)
		return nil, err
	}
	r.recordEvent(jobID, StagePreprocess, store.EventOK, "", dur)
	return out.(*idm.Document), nil
}

// fanOut runs the three analyzers concurrently and waits for all of
// them. Each resolves to a StageInput; a failure, timeout, or panic in
// one never cancels the siblings.
func (r *Runner) fanOut(ctx context.Context, jobID string, doc *idm.Document, data []byte) (content, lay, vis assemble.StageInput) {
	r.logger.Info("analyzers running", "job_id", jobID)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		content = r.runStage(ctx, jobID, StageSemantic, func(ctx context.Context) (any, error) {
			return r.sem.AnalyzeStructure(ctx, doc)
		})
	}()
	go func() {
		defer wg.Done()
		lay = r.runStage(ctx, jobID, StageLayout, func(ctx context.Context) (any, error) {
			return r.lay.AnalyzeLayout(ctx, doc)
		})
	}()
	go func() {
		defer wg.Done()
		vis = r.runStage(ctx, jobID, StageVisual, func(ctx context.Context) (any, error) {
			return r.vis.AnalyzeVisualStyle(ctx, doc, data)
		})
	}()
	wg.Wait()
	return content, lay, vis
}

type stageFunc func(ctx context.Context) (any, error)

// runStage executes one analyzer under the per-stage timeout, converts
// errors into a failed StageInput, and records the outcome event.
func (r *Runner) runStage(ctx context.Context, jobID, name string, fn stageFunc) assemble.StageInput {
	sctx, cancel := context.WithTimeout(ctx, r.cfg.StageTimeout)
	defer cancel()

	start := time.Now()
	spec, err := r.callStage(sctx, name, fn)
	dur := time.Since(start)

	switch {
	case err == nil:
		r.logger.Info("stage ok", "job_id", jobID, "stage", name, "duration_ms", dur.Milliseconds())
		r.recordEvent(jobID, name, store.EventOK, "", dur)
		return assemble.OK(spec)
	case errors.Is(err, context.DeadlineExceeded):
		r.logger.Warn("stage timed out", "job_id", jobID, "stage", name, "duration_ms", dur.Milliseconds())
		r.recordEvent(jobID, name, store.EventTimeout, err.Error(), dur)
		return assemble.Fail(name + " analysis timed out")
	default:
		r.logger.Warn("stage failed", "job_id", jobID, "stage", name, "error", err, "duration_ms", dur.Milliseconds())
		r.recordEvent(jobID, name, store.EventError, err.Error(), dur)
		return assemble.Fail(err.Error())
	}
}

// callStage invokes fn on its own goroutine and waits for either the
// result or the context. A stage that ignores cancellation can therefore
// delay only itself, never the fan-in barrier, and a panicking stage
// resolves to an error instead of crashing the process.
func (r *Runner) callStage(ctx context.Context, name string, fn stageFunc) (any, error) {
	type outcome struct {
		spec any
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		var out outcome
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error("stage panic recovered",
					"stage", name, "panic", rec, "stack", string(debug.Stack()))
				out = outcome{err: fmt.Errorf("%s stage panicked: %v", name, rec)}
			}
			done <- out
		}()
		out.spec, out.err = fn(ctx)
	}()

	select {
	case out := <-done:
		return out.spec, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// recordEvent persists one stage event fire-and-forget.
func (r *Runner) recordEvent(jobID, stage, status, detail string, dur time.Duration) {
	ev := store.Event{JobID: jobID, Stage: stage, Status: status, Detail: detail, Duration: dur}
	if err := r.store.RecordEvent(context.Background(), ev); err != nil {
		r.logger.Debug("event record failed", "job_id", jobID, "stage", stage, "error", err)
	}
}

// markError drives the job to the error state. Store failures are logged
// and swallowed; there is nowhere better to put the message at this
// point.
func (r *Runner) markError(jobID, msg string) {
	if err := r.store.MarkError(context.Background(), jobID, msg); err != nil {
		r.logger.Error("marking job failed", "job_id", jobID, "error", err)
	}
}

// Close stops accepting submissions and waits for in-flight jobs, up to
// the drain timeout. If the window expires the base context is cancelled
// so remaining stages resolve immediately; their jobs still reach a
// terminal state before Close returns.
func (r *Runner) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.cancel()
		return nil
	case <-time.After(r.cfg.DrainTimeout):
		r.logger.Warn("drain timed out, cancelling in-flight jobs")
		r.cancel()
		<-done
		return ErrDrainTimeout
	}
}
