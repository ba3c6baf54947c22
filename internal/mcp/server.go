package mcp

import (
	"sort"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/hpungsan/prism/internal/ops"
)

// toolEntry pairs a tool definition with a handler factory.
type toolEntry struct {
	def     mcp.Tool
	handler func(*Handlers) server.ToolHandlerFunc
}

// toolRegistry maps tool names to their definitions and handler factories.
var toolRegistry = map[string]toolEntry{
	"context_assemble": {
		def:     assembleToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleAssemble },
	},
	"capability_resolve": {
		def:     resolveToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleResolve },
	},
	"capability_probe": {
		def:     probeToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleProbe },
	},
	"capability_probe_batch": {
		def:     probeBatchToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleProbeBatch },
	},
	"capability_override": {
		def:     overrideToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleOverride },
	},
	"capability_list": {
		def:     listToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleList },
	},
	"capability_export": {
		def:     exportToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleExport },
	},
	"capability_import": {
		def:     importToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleImport },
	},
	"probe_history": {
		def:     historyToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleHistory },
	},
}

// AllToolNames returns every tool name, sorted.
func AllToolNames() []string {
	names := make([]string, 0, len(toolRegistry))
	for name := range toolRegistry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateDisabledTools returns a list of unknown tool names from the given list.
func ValidateDisabledTools(names []string) []string {
	unknown := make([]string, 0)
	for _, name := range names {
		if _, ok := toolRegistry[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	return unknown
}

// NewServer creates a new MCP server with Prism tools registered.
// Tools listed in deps.Config.DisabledTools are excluded from registration.
func NewServer(deps ops.Deps, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"prism",
		version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
		server.WithInstructions(instructions),
	)

	h := NewHandlers(deps)

	disabled := make(map[string]bool)
	if deps.Config != nil {
		for _, name := range deps.Config.DisabledTools {
			disabled[name] = true
		}
	}

	for _, name := range AllToolNames() {
		if disabled[name] {
			continue
		}
		entry := toolRegistry[name]
		s.AddTool(entry.def, entry.handler(h))
	}

	return s
}

// Run starts the MCP server using stdio transport.
func Run(deps ops.Deps, version string) error {
	s := NewServer(deps, version)
	return server.ServeStdio(s)
}

const instructions = `Prism assembles multimodal context (web pages, PDFs, images, notes, chat logs) for a specific model.
Call context_assemble with the target provider and model, the extracted sources, the task and a token budget.
Cite content using the anchors in the rendered index: src:<id>, src:<id>#p=<page>, #sec=<path>, #msg=<index>.
Use capability_resolve to see what a model is known to accept and capability_probe to test it directly.`
