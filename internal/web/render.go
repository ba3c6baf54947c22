package web

import (
	"bytes"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"html/template"
	"io/fs"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/yuin/goldmark"

	"github.com/hpungsan/prism/internal/capability"
	"github.com/hpungsan/prism/internal/db"
	"github.com/hpungsan/prism/internal/errors"
	"github.com/hpungsan/prism/internal/ops"
)

// PageData contains common fields used across all page templates.
type PageData struct {
	Title   string
	Version string
	Nav     string // active nav item: "capabilities", "history", "assemble"
}

// ListPageData is the template data for the capability list page.
type ListPageData struct {
	PageData
	Items      []capability.Listed
	Pagination ops.Pagination
	Provider   string
	Static     bool
}

// DetailPageData is the template data for one model's capabilities.
type DetailPageData struct {
	PageData
	Resolved *ops.ResolveOutput
	Override *capability.CachedCapabilityEntry
	Probed   *capability.CachedCapabilityEntry
	Runs     []db.ProbeRun
}

// HistoryPageData is the template data for the probe history page.
type HistoryPageData struct {
	PageData
	Items    []db.ProbeRun
	Provider string
	Model    string
	Limit    int
}

// AssemblePageData is the template data for the assemble preview page.
type AssemblePageData struct {
	PageData
	Form    AssembleForm
	Output  *ops.AssembleOutput
	Chunks  []ChunkView
	Message string // set when the envelope overflowed or the request failed
}

// AssembleForm echoes the submitted preview form.
type AssembleForm struct {
	Model     string
	Task      string
	MaxTokens string
	Sources   string
}

// ChunkView is one included chunk with its text rendered for display.
type ChunkView struct {
	Anchor  string
	Title   string
	Quality string
	Tokens  int
	HTML    template.HTML
}

// ErrorPageData is the template data for the error page.
type ErrorPageData struct {
	PageData
	StatusCode int
	Message    string
}

// FlagRow is one capability flag as shown in tables.
type FlagRow struct {
	Name  string
	Value string // yes, no, or ? when the probe was inconclusive
}

// Renderer manages template parsing and rendering.
type Renderer struct {
	templates map[string]*template.Template
	version   string
	log       zerolog.Logger
}

// NewRenderer creates a Renderer by parsing templates from the given FS.
func NewRenderer(templateFS fs.FS, version string, logger zerolog.Logger) (*Renderer, error) {
	funcMap := template.FuncMap{
		"add":        func(a, b int) int { return a + b },
		"sub":        func(a, b int) int { return a - b },
		"formatTime": formatTime,
		"formatDate": formatDate,
		"flags":      capabilityFlags,
		"join":       strings.Join,
	}

	layoutTmpl, err := template.New("layout").Funcs(funcMap).ParseFS(templateFS, "layout.html")
	if err != nil {
		return nil, fmt.Errorf("parse layout: %w", err)
	}

	pages := map[string]string{
		"capabilities": "capabilities.html",
		"detail":       "detail.html",
		"history":      "history.html",
		"assemble":     "assemble.html",
		"error":        "error.html",
	}

	templates := make(map[string]*template.Template, len(pages))
	for name, file := range pages {
		t, err := layoutTmpl.Clone()
		if err != nil {
			return nil, err
		}
		if _, err := t.ParseFS(templateFS, file); err != nil {
			return nil, fmt.Errorf("parse %s: %w", file, err)
		}
		templates[name] = t
	}

	return &Renderer{templates: templates, version: version, log: logger}, nil
}

func (r *Renderer) page(title, nav string) PageData {
	return PageData{Title: title, Version: r.version, Nav: nav}
}

// renderPage renders a named page template with the given data and HTTP 200 status.
func (r *Renderer) renderPage(w http.ResponseWriter, req *http.Request, name string, data any) {
	r.renderPageStatus(w, req, http.StatusOK, name, data)
}

// renderPageStatus renders a named page template with the given data and HTTP status code.
// For HTMX requests, only the "content" block is rendered to avoid duplicating the layout.
func (r *Renderer) renderPageStatus(w http.ResponseWriter, req *http.Request, status int, name string, data any) {
	t, ok := r.templates[name]
	if !ok {
		r.log.Error().Str("template", name).Msg("template not found")
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	block := "layout"
	if req != nil && req.Header.Get("HX-Request") == "true" {
		block = "content"
	}

	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, block, data); err != nil {
		r.log.Error().Err(err).Str("template", name).Msg("template execution failed")
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}

// renderError renders an error response with content negotiation.
func (r *Renderer) renderError(w http.ResponseWriter, req *http.Request, err error) {
	pErr := asPrismError(err)
	status := pErr.Status
	message := pErr.Message
	if pErr.Code == errors.ErrInternal {
		r.log.Error().Err(err).Str("path", req.URL.Path).Msg("request failed")
		message = "internal error"
	}

	// HTMX request: return HTML fragment
	if req.Header.Get("HX-Request") == "true" {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(status)
		fmt.Fprintf(w, `<div class="error-message">%s</div>`, template.HTMLEscapeString(message))
		return
	}

	if wantsJSON(req) {
		renderJSON(w, status, map[string]any{"error": errorBody(pErr.Code, message, status)})
		return
	}

	r.renderPageStatus(w, req, status, "error", ErrorPageData{
		PageData:   r.page(fmt.Sprintf("Error %d", status), ""),
		StatusCode: status,
		Message:    message,
	})
}

// asPrismError unwraps err to a PrismError, treating anything else as internal.
func asPrismError(err error) *errors.PrismError {
	var pErr *errors.PrismError
	if stderrors.As(err, &pErr) {
		return pErr
	}
	return errors.NewInternal(err)
}

func errorBody(code errors.ErrorCode, message string, status int) map[string]any {
	return map[string]any{
		"code":    string(code),
		"message": message,
		"status":  status,
	}
}

// wantsJSON reports whether the client asked for JSON.
func wantsJSON(req *http.Request) bool {
	return strings.Contains(req.Header.Get("Accept"), "application/json")
}

// renderJSON writes a JSON response.
func renderJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// renderMarkdown converts markdown text to HTML using goldmark.
// Raw HTML in the input is omitted by goldmark's default renderer.
func renderMarkdown(md string) template.HTML {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		return template.HTML(template.HTMLEscapeString(md))
	}
	return template.HTML(buf.String())
}

// formatTime formats a Unix timestamp as "2006-01-02 15:04" UTC.
func formatTime(unix int64) string {
	return time.Unix(unix, 0).UTC().Format("2006-01-02 15:04")
}

// formatDate formats t as "2006-01-02 15:04" UTC, or "never" when zero.
func formatDate(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.UTC().Format("2006-01-02 15:04")
}

// capabilityFlags lists the flags of caps in display order.
func capabilityFlags(caps capability.ProbedCapabilities) []FlagRow {
	vision := caps.Determined(capability.FeatureVision)
	pdf := caps.Determined(capability.FeaturePDF)
	return []FlagRow{
		{"vision", flagValue(caps.SupportsVision, vision)},
		{"pdf native", flagValue(caps.SupportsPDFNative, pdf)},
		{"pdf as images", flagValue(caps.SupportsPDFAsImages, pdf)},
		{"base64 images only", flagValue(caps.RequiresBase64Images, vision)},
		{"images first", flagValue(caps.RequiresImagesFirst, vision)},
	}
}

func flagValue(v, determined bool) string {
	switch {
	case !determined:
		return "?"
	case v:
		return "yes"
	default:
		return "no"
	}
}
