package mcp

import (
	"context"
	"encoding/json"
	stderrors "errors"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/hpungsan/prism/internal/errors"
	"github.com/hpungsan/prism/internal/ops"
	"github.com/hpungsan/prism/internal/source"
)

// Handlers holds dependencies for MCP tool handlers.
type Handlers struct {
	deps ops.Deps
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(deps ops.Deps) *Handlers {
	return &Handlers{deps: deps}
}

// Request types for each tool

// AssembleRequest represents the arguments for context_assemble.
type AssembleRequest struct {
	Provider           string              `json:"provider"`
	Model              string              `json:"model"`
	Sources            []source.Extraction `json:"sources,omitempty"`
	Task               string              `json:"task"`
	MaxTokens          int                 `json:"max_tokens,omitempty"`
	IncludeAttachments *bool               `json:"include_attachments,omitempty"`
	WaitForProbe       bool                `json:"wait_for_probe,omitempty"`
	Format             string              `json:"format,omitempty"`
}

// ResolveRequest represents the arguments for capability_resolve.
type ResolveRequest struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Probe    bool   `json:"probe,omitempty"`
}

// ProbeRequest represents the arguments for capability_probe.
type ProbeRequest struct {
	Provider   string `json:"provider"`
	Model      string `json:"model"`
	Endpoint   string `json:"endpoint,omitempty"`
	WriteCache *bool  `json:"write_cache,omitempty"`
}

// ProbeBatchRequest represents the arguments for capability_probe_batch.
type ProbeBatchRequest struct {
	Models      []string `json:"models"`
	WriteCache  *bool    `json:"write_cache,omitempty"`
	Concurrency int      `json:"concurrency,omitempty"`
}

// OverrideRequest represents the arguments for capability_override.
type OverrideRequest struct {
	Action               string `json:"action"`
	Provider             string `json:"provider"`
	Model                string `json:"model"`
	SupportsVision       bool   `json:"supports_vision,omitempty"`
	SupportsPDFNative    bool   `json:"supports_pdf_native,omitempty"`
	SupportsPDFAsImages  bool   `json:"supports_pdf_as_images,omitempty"`
	RequiresBase64Images bool   `json:"requires_base64_images,omitempty"`
	RequiresImagesFirst  bool   `json:"requires_images_first,omitempty"`
	MessageShape         string `json:"message_shape,omitempty"`
}

// ListRequest represents the arguments for capability_list.
type ListRequest struct {
	Provider      string `json:"provider,omitempty"`
	IncludeStatic bool   `json:"include_static,omitempty"`
	Limit         int    `json:"limit,omitempty"`
	Offset        int    `json:"offset,omitempty"`
}

// ExportRequest represents the arguments for capability_export.
type ExportRequest struct {
	Path     string `json:"path,omitempty"`
	Provider string `json:"provider,omitempty"`
	Layer    string `json:"layer,omitempty"`
}

// ImportRequest represents the arguments for capability_import.
type ImportRequest struct {
	Path string `json:"path"`
	Mode string `json:"mode,omitempty"`
}

// HistoryRequest represents the arguments for probe_history.
type HistoryRequest struct {
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

// Handler implementations

// HandleAssemble handles the context_assemble tool call.
// A budget overflow is reported as an error that still carries the collapsed envelope.
func (h *Handlers) HandleAssemble(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[AssembleRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}
	if input.Format != "" && input.Format != "json" && input.Format != "text" {
		return errorResult(errors.NewInvalidRequest("format must be json or text")), nil
	}

	result, err := ops.Assemble(ctx, h.deps, ops.AssembleInput{
		Provider:           input.Provider,
		Model:              input.Model,
		Sources:            input.Sources,
		Task:               input.Task,
		MaxTokens:          input.MaxTokens,
		IncludeAttachments: boolOr(input.IncludeAttachments, true),
		WaitForProbe:       input.WaitForProbe,
	})
	if err != nil {
		if result != nil {
			return errorResultWith(err, "result", result), nil
		}
		return errorResult(err), nil
	}

	if input.Format == "text" {
		return mcp.NewToolResultText(result.Rendered), nil
	}
	return successResult(result)
}

// HandleResolve handles the capability_resolve tool call.
func (h *Handlers) HandleResolve(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[ResolveRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	result, err := ops.Resolve(ctx, h.deps, ops.ResolveInput{
		Provider: input.Provider,
		Model:    input.Model,
		Probe:    input.Probe,
	})
	if err != nil {
		return errorResult(err), nil
	}

	return successResult(result)
}

// HandleProbe handles the capability_probe tool call.
func (h *Handlers) HandleProbe(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[ProbeRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	result, err := ops.Probe(ctx, h.deps, ops.ProbeInput{
		Provider:   input.Provider,
		Model:      input.Model,
		Endpoint:   input.Endpoint,
		WriteCache: boolOr(input.WriteCache, true),
	})
	if err != nil {
		if result != nil {
			return errorResultWith(err, "report", result.Report), nil
		}
		return errorResult(err), nil
	}

	return successResult(result)
}

// HandleProbeBatch handles the capability_probe_batch tool call.
func (h *Handlers) HandleProbeBatch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[ProbeBatchRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	pairs := make([]ops.ModelPair, 0, len(input.Models))
	for _, m := range input.Models {
		p, err := ops.ParsePair(m)
		if err != nil {
			return errorResult(err), nil
		}
		pairs = append(pairs, p)
	}

	result, err := ops.ProbeBatch(ctx, h.deps, ops.ProbeBatchInput{
		Pairs:       pairs,
		WriteCache:  boolOr(input.WriteCache, true),
		Concurrency: input.Concurrency,
	})
	if err != nil {
		return errorResult(err), nil
	}

	// Full reports are large; the rows carry the summary.
	return successResult(map[string]any{
		"batch_id": result.BatchID,
		"rows":     result.Rows,
	})
}

// HandleOverride handles the capability_override tool call.
func (h *Handlers) HandleOverride(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[OverrideRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	switch input.Action {
	case "set":
		result, err := ops.SetOverride(h.deps, ops.SetOverrideInput{
			Provider:             input.Provider,
			Model:                input.Model,
			SupportsVision:       input.SupportsVision,
			SupportsPDFNative:    input.SupportsPDFNative,
			SupportsPDFAsImages:  input.SupportsPDFAsImages,
			RequiresBase64Images: input.RequiresBase64Images,
			RequiresImagesFirst:  input.RequiresImagesFirst,
			MessageShape:         input.MessageShape,
		})
		if err != nil {
			return errorResult(err), nil
		}
		return successResult(result)
	case "clear":
		result, err := ops.ClearOverride(h.deps, ops.ClearOverrideInput{
			Provider: input.Provider,
			Model:    input.Model,
		})
		if err != nil {
			return errorResult(err), nil
		}
		return successResult(result)
	default:
		return errorResult(errors.NewInvalidRequest("action must be set or clear")), nil
	}
}

// HandleList handles the capability_list tool call.
func (h *Handlers) HandleList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[ListRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	result, err := ops.ListCapabilities(h.deps, ops.ListInput{
		Provider:      input.Provider,
		IncludeStatic: input.IncludeStatic,
		Limit:         input.Limit,
		Offset:        input.Offset,
	})
	if err != nil {
		return errorResult(err), nil
	}

	return successResult(result)
}

// HandleExport handles the capability_export tool call.
func (h *Handlers) HandleExport(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[ExportRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	result, err := ops.ExportCapabilities(ctx, h.deps, ops.ExportInput{
		Path:     input.Path,
		Provider: input.Provider,
		Layer:    input.Layer,
	})
	if err != nil {
		return errorResult(err), nil
	}

	return successResult(result)
}

// HandleImport handles the capability_import tool call.
func (h *Handlers) HandleImport(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[ImportRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	result, err := ops.ImportCapabilities(h.deps, ops.ImportInput{
		Path: input.Path,
		Mode: ops.ImportMode(input.Mode),
	})
	if err != nil {
		return errorResult(err), nil
	}

	return successResult(result)
}

// HandleHistory handles the probe_history tool call.
func (h *Handlers) HandleHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[HistoryRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	result, err := ops.ProbeHistory(h.deps, ops.HistoryInput{
		Provider: input.Provider,
		Model:    input.Model,
		Limit:    input.Limit,
	})
	if err != nil {
		return errorResult(err), nil
	}

	return successResult(result)
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

// Result helpers

// errorResult creates an MCP error result from any error.
// Uses IsError: true so MCP clients recognize failures properly.
// Note: Internal error details are not exposed to prevent leaking sensitive info.
func errorResult(err error) *mcp.CallToolResult {
	return errorResultWith(err, "", nil)
}

// errorResultWith is errorResult plus a partial result under key.
func errorResultWith(err error, key string, data any) *mcp.CallToolResult {
	payload := map[string]any{"error": errorObject(err)}
	if key != "" && data != nil {
		payload[key] = data
	}

	content, _ := json.Marshal(payload)
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: string(content)}},
		IsError: true,
	}
}

func errorObject(err error) map[string]any {
	var prismErr *errors.PrismError
	if !stderrors.As(err, &prismErr) {
		return map[string]any{
			"code":    "INTERNAL",
			"message": "an internal error occurred",
			"status":  500,
		}
	}
	obj := map[string]any{
		"code":    prismErr.Code,
		"message": prismErr.Message,
		"status":  prismErr.Status,
	}
	// Only include details for non-internal errors to avoid leaking
	// sensitive info like file paths or SQL errors
	if prismErr.Code != errors.ErrInternal && prismErr.Details != nil {
		obj["details"] = prismErr.Details
	}
	if prismErr.Code == errors.ErrInternal {
		obj["message"] = "an internal error occurred"
	}
	return obj
}

// successResult creates an MCP success result from any data.
func successResult(data any) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultJSON(data)
}
