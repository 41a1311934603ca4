package server

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/veskar/blueprint/pipeline"
	"github.com/veskar/blueprint/preprocess"
	"github.com/veskar/blueprint/shield"
	"github.com/veskar/blueprint/store"
)

// handleSubmit accepts a document as either a multipart "file" field or a
// raw body with a declared Content-Type, and answers 202 with the job id.
// The pipeline runs after the response; clients poll the job endpoint.
func (s *server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	data, declared, err := readUpload(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(data) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "empty upload"})
		return
	}

	// Reject types the pipeline can never parse before burning a job on
	// them. Sniffing also admits undeclared payloads with a known magic.
	if _, err := preprocess.DetectFormat(data, declared); err != nil {
		writeError(w, http.StatusUnsupportedMediaType, err)
		return
	}

	jobID, err := s.deps.Runner.Submit(r.Context(), data, declared)
	switch {
	case errors.Is(err, pipeline.ErrEmptyUpload):
		writeError(w, http.StatusBadRequest, err)
		return
	case errors.Is(err, pipeline.ErrClosed):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "service is shutting down"})
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	shield.GetLogger(r.Context()).Info("upload accepted", "job_id", jobID, "bytes", len(data))
	writeJSON(w, http.StatusAccepted, map[string]string{
		"job_id": jobID,
		"status": store.StatusProcessing,
	})
}

// readUpload extracts the document bytes and declared MIME type from the
// request. Oversize bodies surface as *http.MaxBytesError from the MaxBody
// middleware and are reported as a plain size error.
func readUpload(r *http.Request) ([]byte, string, error) {
	ct := r.Header.Get("Content-Type")
	mt, _, _ := mime.ParseMediaType(ct)

	if strings.HasPrefix(mt, "multipart/") {
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			return nil, "", fmt.Errorf("parse form: %w", sizeErr(err))
		}
		file, hdr, err := r.FormFile("file")
		if err != nil {
			return nil, "", fmt.Errorf("missing file field: %w", err)
		}
		defer file.Close()

		data, err := io.ReadAll(file)
		if err != nil {
			return nil, "", fmt.Errorf("read file: %w", err)
		}
		declared := hdr.Header.Get("Content-Type")
		if declared == "" {
			declared = mime.TypeByExtension(filepath.Ext(hdr.Filename))
		}
		return data, declared, nil
	}

	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, "", fmt.Errorf("read body: %w", sizeErr(err))
	}
	return data, ct, nil
}

// sizeErr rewrites the MaxBytesReader error into a message that names the
// limit instead of net/http's generic "request body too large".
func sizeErr(err error) error {
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		return fmt.Errorf("upload exceeds the %d byte limit", mbe.Limit)
	}
	return err
}

// handleGetJob returns the full job record: status, blueprint once ready,
// processing_error once failed.
func (s *server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Jobs.GetJob(r.Context(), chi.URLParam(r, "jobID"))
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "job not found"})
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleJobEvents returns the per-stage pipeline events for a job, oldest
// first. Mainly for operators debugging a stuck or failed run.
func (s *server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if _, err := s.deps.Jobs.GetJob(r.Context(), jobID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "job not found"})
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	events, err := s.deps.Jobs.EventsForJob(r.Context(), jobID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if events == nil {
		events = []store.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": jobID, "events": events})
}

// handleGetBlueprint serves the blueprint document alone. Jobs that are not
// ready answer 404; while the job is still processing the response carries
// Cache-Control: no-store so pollers do not cache the miss.
func (s *server) handleGetBlueprint(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Jobs.GetJob(r.Context(), chi.URLParam(r, "jobID"))
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "job not found"})
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	switch job.Status {
	case store.StatusReady:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(job.Blueprint)
	case store.StatusProcessing:
		w.Header().Set("Cache-Control", "no-store")
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error":  "blueprint not ready",
			"status": job.Status,
		})
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error":  "job failed: " + job.ProcessingError,
			"status": job.Status,
		})
	}
}

// handleHealth reports liveness plus job counts per status. A zero count is
// reported explicitly so dashboards always see all three states.
func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	counts, err := s.deps.Jobs.CountByStatus(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	jobs := map[string]int{
		store.StatusProcessing: 0,
		store.StatusReady:      0,
		store.StatusError:      0,
	}
	for status, n := range counts {
		jobs[status] = n
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "jobs": jobs})
}
