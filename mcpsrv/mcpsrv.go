// Package mcpsrv exposes the document pipeline as MCP tools so agent
// runtimes can submit documents and fetch blueprints without the HTTP
// surface. Submission stays asynchronous: submit_document answers with a
// job id and callers poll job_status until it turns terminal.
package mcpsrv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/veskar/blueprint/store"
)

// Submitter accepts a document upload and starts a pipeline run.
type Submitter interface {
	Submit(ctx context.Context, data []byte, mimeType string) (string, error)
}

// JobReader loads job records for status and blueprint retrieval.
type JobReader interface {
	GetJob(ctx context.Context, id string) (*store.Job, error)
}

// Service adapts the pipeline and job store to MCP tools.
type Service struct {
	runner Submitter
	jobs   JobReader
}

// New builds the MCP adapter over the same runner and store the HTTP
// surface uses.
func New(runner Submitter, jobs JobReader) *Service {
	return &Service{runner: runner, jobs: jobs}
}

// RegisterMCP registers the blueprint tools on an MCP server.
func (s *Service) RegisterMCP(srv *mcp.Server) {
	s.registerSubmitTool(srv)
	s.registerStatusTool(srv)
	s.registerBlueprintTool(srv)
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// toolError reports a handler failure as a tool error rather than a
// protocol failure, so sessions stay usable after a bad call.
func toolError(err error) *mcp.CallToolResult {
	var res mcp.CallToolResult
	res.SetError(err)
	return &res
}

func textResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return toolError(fmt.Errorf("marshal: %w", err)), nil
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}, nil
}

// --- submit_document ---

type submitReq struct {
	Path     string `json:"path"`
	MimeType string `json:"mime_type"`
}

func (s *Service) registerSubmitTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "submit_document",
		Description: "Submit a document file (pdf, docx, or image) for blueprint analysis. Returns a job id to poll with job_status.",
		InputSchema: inputSchema(map[string]any{
			"path":      map[string]any{"type": "string", "description": "Path of the document file to analyze"},
			"mime_type": map[string]any{"type": "string", "description": "Declared MIME type; inferred from the extension when omitted"},
		}, []string{"path"}),
	}

	srv.AddTool(tool, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var r submitReq
		if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
			return toolError(fmt.Errorf("invalid arguments: %w", err)), nil
		}

		data, err := os.ReadFile(r.Path)
		if err != nil {
			return toolError(fmt.Errorf("read document: %w", err)), nil
		}
		mimeType := r.MimeType
		if mimeType == "" {
			mimeType = mime.TypeByExtension(filepath.Ext(r.Path))
		}

		jobID, err := s.runner.Submit(ctx, data, mimeType)
		if err != nil {
			return toolError(err), nil
		}
		return textResult(map[string]string{
			"job_id": jobID,
			"status": store.StatusProcessing,
		})
	})
}

// --- job_status ---

type statusReq struct {
	JobID string `json:"job_id"`
}

func (s *Service) registerStatusTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "job_status",
		Description: "Report the status of a blueprint job: processing, ready, or error.",
		InputSchema: inputSchema(map[string]any{
			"job_id": map[string]any{"type": "string", "description": "Job id returned by submit_document"},
		}, []string{"job_id"}),
	}

	srv.AddTool(tool, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var r statusReq
		if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
			return toolError(fmt.Errorf("invalid arguments: %w", err)), nil
		}

		job, err := s.jobs.GetJob(ctx, r.JobID)
		if errors.Is(err, store.ErrNotFound) {
			return toolError(fmt.Errorf("job %s not found", r.JobID)), nil
		}
		if err != nil {
			return toolError(err), nil
		}

		resp := map[string]any{
			"id":            job.ID,
			"status":        job.Status,
			"source_format": job.SourceFormat,
			"created_at":    job.CreatedAt,
			"updated_at":    job.UpdatedAt,
		}
		if job.ProcessingError != "" {
			resp["processing_error"] = job.ProcessingError
		}
		return textResult(resp)
	})
}

// --- get_blueprint ---

type blueprintReq struct {
	JobID string `json:"job_id"`
}

func (s *Service) registerBlueprintTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "get_blueprint",
		Description: "Fetch the finished blueprint document for a ready job.",
		InputSchema: inputSchema(map[string]any{
			"job_id": map[string]any{"type": "string", "description": "Job id returned by submit_document"},
		}, []string{"job_id"}),
	}

	srv.AddTool(tool, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var r blueprintReq
		if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
			return toolError(fmt.Errorf("invalid arguments: %w", err)), nil
		}

		job, err := s.jobs.GetJob(ctx, r.JobID)
		if errors.Is(err, store.ErrNotFound) {
			return toolError(fmt.Errorf("job %s not found", r.JobID)), nil
		}
		if err != nil {
			return toolError(err), nil
		}

		switch job.Status {
		case store.StatusReady:
			return textResult(job.Blueprint)
		case store.StatusProcessing:
			return toolError(fmt.Errorf("job %s is still processing", r.JobID)), nil
		default:
			return toolError(fmt.Errorf("job %s failed: %s", r.JobID, job.ProcessingError)), nil
		}
	})
}
