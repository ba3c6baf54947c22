package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"
)

var blobSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"mime":   map[string]any{"type": "string"},
		"data":   map[string]any{"type": "string", "description": "base64-encoded bytes"},
		"width":  map[string]any{"type": "integer"},
		"height": map[string]any{"type": "integer"},
	},
	"required": []string{"data"},
}

var extractionSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"kind":        map[string]any{"type": "string", "enum": []string{"webpage", "pdf", "image", "note", "chatlog"}},
		"title":       map[string]any{"type": "string"},
		"url":         map[string]any{"type": "string"},
		"captured_at": map[string]any{"type": "string", "description": "RFC 3339 timestamp"},
		"markdown":    map[string]any{"type": "string", "description": "webpage body"},
		"screenshot":  blobSchema,
		"pages": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"number": map[string]any{"type": "integer"},
					"text":   map[string]any{"type": "string"},
					"image":  blobSchema,
				},
				"required": []string{"number"},
			},
		},
		"document": blobSchema,
		"image":    blobSchema,
		"alt_text": map[string]any{"type": "string"},
		"text":     map[string]any{"type": "string", "description": "note body"},
		"messages": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"role":    map[string]any{"type": "string"},
					"content": map[string]any{"type": "string"},
				},
				"required": []string{"role", "content"},
			},
		},
	},
	"required": []string{"kind"},
}

var assembleToolDef = mcp.NewTool("context_assemble",
	mcp.WithDescription("Build a capability-aware context envelope for a model: index, content, attachments and task, fitted to a token budget. Malformed sources are skipped and reported."),
	mcp.WithString("provider", mcp.Required(), mcp.Description("Provider name, e.g. openai, anthropic, gemini")),
	mcp.WithString("model", mcp.Required(), mcp.Description("Model identifier")),
	mcp.WithArray("sources", mcp.Description("Extracted sources"), mcp.Items(extractionSchema)),
	mcp.WithString("task", mcp.Required(), mcp.Description("The user's question or instruction. Never truncated.")),
	mcp.WithNumber("max_tokens", mcp.Description("Token budget for index, content and task. 0 uses the configured default; negative disables the budget.")),
	mcp.WithBoolean("include_attachments", mcp.Description("Attach images and documents the model accepts (default true)")),
	mcp.WithBoolean("wait_for_probe", mcp.Description("Probe the model first when its capabilities are unknown or stale")),
	mcp.WithString("format", mcp.Description("Response format"), mcp.Enum("json", "text")),
)

var resolveToolDef = mcp.NewTool("capability_resolve",
	mcp.WithDescription("Return the effective capabilities of a model and the layer they came from (local_override, probed, static, default)."),
	mcp.WithString("provider", mcp.Required(), mcp.Description("Provider name")),
	mcp.WithString("model", mcp.Required(), mcp.Description("Model identifier")),
	mcp.WithBoolean("probe", mcp.Description("Probe now if nothing fresh is cached")),
	mcp.WithReadOnlyHintAnnotation(true),
)

var probeToolDef = mcp.NewTool("capability_probe",
	mcp.WithDescription("Send minimal text, image and PDF requests to a model and infer what it accepts."),
	mcp.WithString("provider", mcp.Required(), mcp.Description("Provider name")),
	mcp.WithString("model", mcp.Required(), mcp.Description("Model identifier")),
	mcp.WithString("endpoint", mcp.Description("Override the configured API base URL")),
	mcp.WithBoolean("write_cache", mcp.Description("Record the result in the capability cache (default true)")),
	mcp.WithOpenWorldHintAnnotation(true),
)

var probeBatchToolDef = mcp.NewTool("capability_probe_batch",
	mcp.WithDescription("Probe several models concurrently. One model failing does not stop the others."),
	mcp.WithArray("models", mcp.Required(), mcp.Description("Models as provider:model"), mcp.Items(map[string]any{"type": "string"})),
	mcp.WithBoolean("write_cache", mcp.Description("Record results in the capability cache (default true)")),
	mcp.WithNumber("concurrency", mcp.Description("Models probed at once (default 4)")),
	mcp.WithOpenWorldHintAnnotation(true),
)

var overrideToolDef = mcp.NewTool("capability_override",
	mcp.WithDescription("Set or clear a local override. An override replaces the whole capability record and wins over probing."),
	mcp.WithString("action", mcp.Required(), mcp.Description("set or clear"), mcp.Enum("set", "clear")),
	mcp.WithString("provider", mcp.Required(), mcp.Description("Provider name")),
	mcp.WithString("model", mcp.Required(), mcp.Description("Model identifier")),
	mcp.WithBoolean("supports_vision"),
	mcp.WithBoolean("supports_pdf_native"),
	mcp.WithBoolean("supports_pdf_as_images"),
	mcp.WithBoolean("requires_base64_images"),
	mcp.WithBoolean("requires_images_first"),
	mcp.WithString("message_shape", mcp.Enum("openai_chat", "anthropic_messages", "gemini_contents")),
)

var listToolDef = mcp.NewTool("capability_list",
	mcp.WithDescription("List known models and their effective capabilities, sorted by key."),
	mcp.WithString("provider", mcp.Description("Filter by provider")),
	mcp.WithBoolean("include_static", mcp.Description("Include models known only from the built-in table")),
	mcp.WithNumber("limit", mcp.Description("Page size (default 20, max 100)")),
	mcp.WithNumber("offset", mcp.Description("Page offset")),
	mcp.WithReadOnlyHintAnnotation(true),
)

var exportToolDef = mcp.NewTool("capability_export",
	mcp.WithDescription("Export overrides and probed capabilities to a JSONL file."),
	mcp.WithString("path", mcp.Description("Destination .jsonl file (default ~/.prism/exports/<provider|all>-<timestamp>.jsonl)")),
	mcp.WithString("provider", mcp.Description("Export only this provider")),
	mcp.WithString("layer", mcp.Description("Which layer to export"), mcp.Enum("all", "overrides", "probed")),
)

var importToolDef = mcp.NewTool("capability_import",
	mcp.WithDescription("Import capabilities from a JSONL export."),
	mcp.WithString("path", mcp.Required(), mcp.Description("Source .jsonl file")),
	mcp.WithString("mode", mcp.Description("Collision handling (default error)"), mcp.Enum("error", "replace", "skip")),
)

var historyToolDef = mcp.NewTool("probe_history",
	mcp.WithDescription("List recorded probe attempts, newest first."),
	mcp.WithString("provider", mcp.Description("Filter by provider")),
	mcp.WithString("model", mcp.Description("Filter by model")),
	mcp.WithNumber("limit", mcp.Description("Maximum rows (default 50, max 500)")),
	mcp.WithReadOnlyHintAnnotation(true),
)
