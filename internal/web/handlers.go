package web

import (
	"encoding/json"
	"html/template"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/hpungsan/prism/internal/errors"
	"github.com/hpungsan/prism/internal/ops"
	"github.com/hpungsan/prism/internal/source"
)

// maxAssembleBody bounds POST /assemble payloads.
const maxAssembleBody = 64 << 20

// Handlers contains HTTP route handlers for the dashboard.
type Handlers struct {
	deps     ops.Deps
	renderer *Renderer
}

// HandleList handles GET /capabilities: the effective entry of every known model.
func (h *Handlers) HandleList(w http.ResponseWriter, r *http.Request) {
	input := ops.ListInput{
		Provider:      r.URL.Query().Get("provider"),
		IncludeStatic: parseBoolParam(r, "static"),
		Limit:         parseIntParam(r, "limit", ops.DefaultListLimit),
		Offset:        parseIntParam(r, "offset", 0),
	}

	result, err := ops.ListCapabilities(h.deps, input)
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}

	if wantsJSON(r) {
		renderJSON(w, http.StatusOK, result)
		return
	}

	h.renderer.renderPage(w, r, "capabilities", ListPageData{
		PageData:   h.renderer.page("Capabilities", "capabilities"),
		Items:      result.Items,
		Pagination: result.Pagination,
		Provider:   input.Provider,
		Static:     input.IncludeStatic,
	})
}

// HandleDetail handles GET /capabilities/{key}: one model's layers and recent probes.
func (h *Handlers) HandleDetail(w http.ResponseWriter, r *http.Request) {
	pair, err := ops.ParsePair(r.PathValue("key"))
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}

	resolved, err := ops.Resolve(r.Context(), h.deps, ops.ResolveInput{Provider: pair.Provider, Model: pair.Model})
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}

	if wantsJSON(r) {
		renderJSON(w, http.StatusOK, resolved)
		return
	}

	data := DetailPageData{
		PageData: h.renderer.page(resolved.Key, "capabilities"),
		Resolved: resolved,
	}
	overrides, probed := h.deps.Cache.Layers()
	if e, ok := overrides[pair.Key()]; ok {
		data.Override = &e
	}
	if e, ok := probed[pair.Key()]; ok {
		data.Probed = &e
	}
	if h.deps.DB != nil {
		runs, err := ops.ProbeHistory(h.deps, ops.HistoryInput{Provider: pair.Provider, Model: pair.Model, Limit: 20})
		if err != nil {
			h.renderer.renderError(w, r, err)
			return
		}
		data.Runs = runs.Items
	}

	h.renderer.renderPage(w, r, "detail", data)
}

// HandleClearOverride handles DELETE /overrides/{key}: remove a local override.
func (h *Handlers) HandleClearOverride(w http.ResponseWriter, r *http.Request) {
	pair, err := ops.ParsePair(r.PathValue("key"))
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}

	result, err := ops.ClearOverride(h.deps, ops.ClearOverrideInput{Provider: pair.Provider, Model: pair.Model})
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}

	target := "/capabilities/" + result.Key

	// HTMX request: redirect via HX-Redirect header
	if r.Header.Get("HX-Request") == "true" {
		w.Header().Set("HX-Redirect", target)
		w.WriteHeader(http.StatusOK)
		return
	}

	if wantsJSON(r) {
		renderJSON(w, http.StatusOK, result)
		return
	}

	http.Redirect(w, r, target, http.StatusSeeOther)
}

// HandleHistory handles GET /history: recorded probe attempts, newest first.
func (h *Handlers) HandleHistory(w http.ResponseWriter, r *http.Request) {
	input := ops.HistoryInput{
		Provider: r.URL.Query().Get("provider"),
		Model:    r.URL.Query().Get("model"),
		Limit:    parseIntParam(r, "limit", ops.DefaultHistoryLimit),
	}

	result, err := ops.ProbeHistory(h.deps, input)
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}

	if wantsJSON(r) {
		renderJSON(w, http.StatusOK, result)
		return
	}

	h.renderer.renderPage(w, r, "history", HistoryPageData{
		PageData: h.renderer.page("Probe history", "history"),
		Items:    result.Items,
		Provider: input.Provider,
		Model:    input.Model,
		Limit:    input.Limit,
	})
}

// HandleAssembleForm handles GET /assemble: an empty preview form.
func (h *Handlers) HandleAssembleForm(w http.ResponseWriter, r *http.Request) {
	h.renderer.renderPage(w, r, "assemble", AssemblePageData{
		PageData: h.renderer.page("Assemble preview", "assemble"),
		Form:     AssembleForm{Sources: "[]"},
	})
}

// assembleRequest is the JSON body of POST /assemble.
type assembleRequest struct {
	Provider           string              `json:"provider"`
	Model              string              `json:"model"`
	Task               string              `json:"task"`
	MaxTokens          int                 `json:"max_tokens"`
	IncludeAttachments *bool               `json:"include_attachments"`
	WaitForProbe       bool                `json:"wait_for_probe"`
	Sources            []source.Extraction `json:"sources"`
}

// HandleAssemble handles POST /assemble. A JSON body gets the assemble
// result as JSON; a form submission gets the preview page.
func (h *Handlers) HandleAssemble(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxAssembleBody)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		h.assembleJSON(w, r)
		return
	}
	h.assembleForm(w, r)
}

func (h *Handlers) assembleJSON(w http.ResponseWriter, r *http.Request) {
	var req assembleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		renderJSON(w, http.StatusBadRequest, map[string]any{
			"error": errorBody(errors.ErrInvalidRequest, "invalid JSON body: "+err.Error(), http.StatusBadRequest),
		})
		return
	}

	input := ops.AssembleInput{
		Provider:           req.Provider,
		Model:              req.Model,
		Sources:            req.Sources,
		Task:               req.Task,
		MaxTokens:          req.MaxTokens,
		IncludeAttachments: req.IncludeAttachments == nil || *req.IncludeAttachments,
		WaitForProbe:       req.WaitForProbe,
	}

	output, err := ops.Assemble(r.Context(), h.deps, input)
	if err != nil {
		// An overflowed envelope is still returned next to the error.
		if output != nil && errors.Is(err, errors.ErrBudgetOverflow) {
			pErr := asPrismError(err)
			renderJSON(w, pErr.Status, map[string]any{
				"error":  errorBody(pErr.Code, pErr.Message, pErr.Status),
				"result": output,
			})
			return
		}
		r.Header.Set("Accept", "application/json")
		h.renderer.renderError(w, r, err)
		return
	}

	renderJSON(w, http.StatusOK, output)
}

func (h *Handlers) assembleForm(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.renderer.renderError(w, r, errors.NewInvalidRequest("invalid form data"))
		return
	}

	form := AssembleForm{
		Model:     strings.TrimSpace(r.FormValue("model")),
		Task:      r.FormValue("task"),
		MaxTokens: strings.TrimSpace(r.FormValue("max_tokens")),
		Sources:   r.FormValue("sources"),
	}
	data := AssemblePageData{
		PageData: h.renderer.page("Assemble preview", "assemble"),
		Form:     form,
	}

	fail := func(err error) {
		pErr := asPrismError(err)
		msg := pErr.Message
		if pErr.Code == errors.ErrInternal {
			h.renderer.log.Error().Err(err).Msg("assemble preview failed")
			msg = "internal error"
		}
		data.Message = "[" + string(pErr.Code) + "] " + msg
		h.renderer.renderPageStatus(w, r, pErr.Status, "assemble", data)
	}

	pair, err := ops.ParsePair(form.Model)
	if err != nil {
		fail(err)
		return
	}
	maxTokens := 0
	if form.MaxTokens != "" {
		maxTokens, err = strconv.Atoi(form.MaxTokens)
		if err != nil {
			fail(errors.NewInvalidRequest("max_tokens must be an integer"))
			return
		}
	}
	var sources []source.Extraction
	if err := json.Unmarshal([]byte(form.Sources), &sources); err != nil {
		fail(errors.NewInvalidRequest("sources must be a JSON array of extractions: " + err.Error()))
		return
	}

	output, err := ops.Assemble(r.Context(), h.deps, ops.AssembleInput{
		Provider:           pair.Provider,
		Model:              pair.Model,
		Sources:            sources,
		Task:               form.Task,
		MaxTokens:          maxTokens,
		IncludeAttachments: true,
	})
	if output != nil {
		data.Output = output
		data.Chunks = chunkViews(output)
	}
	if err != nil {
		fail(err)
		return
	}

	h.renderer.renderPage(w, r, "assemble", data)
}

// chunkViews renders markdown-bearing chunks to HTML and escapes the rest.
func chunkViews(out *ops.AssembleOutput) []ChunkView {
	if out.Envelope == nil {
		return nil
	}
	views := make([]ChunkView, 0, len(out.Envelope.Chunks))
	for _, c := range out.Envelope.Chunks {
		v := ChunkView{
			Anchor:  string(c.Anchor),
			Title:   c.Title,
			Quality: string(c.Quality),
			Tokens:  c.Tokens,
		}
		switch c.Kind {
		case source.KindWebpage, source.KindNote:
			v.HTML = renderMarkdown(c.Text)
		default:
			v.HTML = template.HTML("<pre>" + template.HTMLEscapeString(c.Text) + "</pre>")
		}
		views = append(views, v)
	}
	return views
}

// parseIntParam parses an integer query parameter with a default value.
func parseIntParam(r *http.Request, name string, defaultVal int) int {
	s := r.URL.Query().Get(name)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}

// parseBoolParam parses a boolean query parameter.
func parseBoolParam(r *http.Request, name string) bool {
	s := r.URL.Query().Get(name)
	return s == "true" || s == "1"
}
