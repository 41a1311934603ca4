// Package server exposes the document pipeline over HTTP: submit a
// document, poll the job, fetch the finished blueprint. All responses are
// JSON; errors use the {"error": "..."} shape.
package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/veskar/blueprint/shield"
	"github.com/veskar/blueprint/store"
)

// nonUploadBodyLimit caps request bodies on routes that never carry a
// document payload.
const nonUploadBodyLimit = 64 << 10

// Submitter accepts an uploaded document and starts a pipeline run.
type Submitter interface {
	Submit(ctx context.Context, data []byte, mimeType string) (string, error)
}

// JobStore is the read side of the job store used by the API.
type JobStore interface {
	GetJob(ctx context.Context, id string) (*store.Job, error)
	EventsForJob(ctx context.Context, jobID string) ([]store.Event, error)
	CountByStatus(ctx context.Context) (map[string]int, error)
}

// Deps wires the router to the rest of the service.
type Deps struct {
	Runner Submitter
	Jobs   JobStore

	// MaxUploadBytes caps the submit body. Zero means 50 MiB, matching
	// the preprocessor's own limit.
	MaxUploadBytes int64

	// Middlewares are applied to every route, typically shield.DefaultStack.
	Middlewares []func(http.Handler) http.Handler
}

// NewRouter builds the API router:
//
//	POST /api/v1/jobs                submit a document, 202 + job id
//	GET  /api/v1/jobs/{jobID}        job status and blueprint when ready
//	GET  /api/v1/jobs/{jobID}/events per-stage pipeline events
//	GET  /api/v1/blueprints/{jobID}  the blueprint document alone
//	GET  /healthz                    liveness and job counts
func NewRouter(deps Deps) chi.Router {
	if deps.MaxUploadBytes == 0 {
		deps.MaxUploadBytes = 50 << 20
	}
	s := &server{deps: deps}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	for _, mw := range deps.Middlewares {
		r.Use(mw)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(shield.MaxBody(deps.MaxUploadBytes))
			r.Post("/jobs", s.handleSubmit)
		})
		r.Group(func(r chi.Router) {
			r.Use(shield.MaxBody(nonUploadBodyLimit))
			r.Get("/jobs/{jobID}", s.handleGetJob)
			r.Get("/jobs/{jobID}/events", s.handleJobEvents)
			r.Get("/blueprints/{jobID}", s.handleGetBlueprint)
		})
	})

	r.Group(func(r chi.Router) {
		r.Use(shield.MaxBody(nonUploadBodyLimit))
		r.Get("/healthz", s.handleHealth)
	})

	return r
}

type server struct {
	deps Deps
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
