// Package envelope assembles normalized sources into a provider-agnostic
// context envelope, shrinks it to a token budget, and renders it as text.
package envelope

import (
	"slices"

	"github.com/hpungsan/prism/internal/route"
	"github.com/hpungsan/prism/internal/source"
)

// PageStatus is the per-page view of a multi-page source in the index.
type PageStatus struct {
	Page            int  `json:"page"`
	ContentIncluded bool `json:"content_included"`
	Attached        bool `json:"attached"`
}

// IndexEntry describes one source. The index always has exactly one entry
// per source; degradation annotates entries but never removes them.
type IndexEntry struct {
	SourceID        string           `json:"source_id"`
	Kind            source.Kind      `json:"kind"`
	Title           string           `json:"title"`
	URL             string           `json:"url,omitempty"`
	Strategy        route.Strategy   `json:"strategy"`
	Pages           []PageStatus     `json:"pages,omitempty"`
	Sections        []source.Section `json:"sections,omitempty"`
	Messages        int              `json:"messages,omitempty"`
	ContentIncluded bool             `json:"content_included"`
	Summarized      bool             `json:"summarized,omitempty"`
	Truncated       bool             `json:"truncated,omitempty"`
	Attached        bool             `json:"attached"`
}

// Quality is a deterministic hint about extracted text.
type Quality string

const (
	QualityGood Quality = "good"
	QualityFair Quality = "fair"
	QualityPoor Quality = "poor"
)

// Extraction methods recorded on chunks.
const (
	MethodMarkdown   = "markdown"
	MethodPDFText    = "pdf_text"
	MethodAltText    = "alt_text"
	MethodNote       = "note"
	MethodTranscript = "transcript"
)

// Chunk is one unit of text content.
type Chunk struct {
	Anchor     source.Anchor `json:"anchor"`
	SourceID   string        `json:"source_id"`
	Kind       source.Kind   `json:"source_type"`
	Title      string        `json:"title"`
	URL        string        `json:"url,omitempty"`
	Page       int           `json:"page,omitempty"`
	Method     string        `json:"extraction_method"`
	Quality    Quality       `json:"quality"`
	Text       string        `json:"text"`
	Tokens     int           `json:"tokens"`
	Truncated  bool          `json:"truncated"`
	Summarized bool          `json:"summarized,omitempty"`

	// Rank is the chunk's position in input order; the default comparator sorts by it.
	Rank int `json:"rank"`

	// Stage is the last degrade stage that altered the chunk (0 = untouched).
	Stage int `json:"stage,omitempty"`
}

// Media kinds on attachments.
const (
	MediaImage      = "image"
	MediaScreenshot = "screenshot"
	MediaPageImage  = "page_image"
	MediaDocument   = "document"
)

// Attachment is one binary the provider request builder should send alongside the text.
type Attachment struct {
	Anchor    source.Anchor `json:"anchor"`
	SourceID  string        `json:"source_id"`
	MediaKind string        `json:"media_kind"`
	MIME      string        `json:"mime"`
	Page      int           `json:"page,omitempty"`
	Width     int           `json:"width,omitempty"`
	Height    int           `json:"height,omitempty"`
	Bytes     int           `json:"bytes"`
	Tokens    int           `json:"tokens"`
	Included  bool          `json:"included"`
}

// Cut actions.
const (
	ActionRemoved    = "removed"
	ActionSummarized = "summarized"
	ActionPageDrop   = "page_dropped"
	ActionTruncated  = "truncated"
	ActionCollapsed  = "collapsed"
)

// Cut is one ledger entry: something the degrader removed or shortened.
type Cut struct {
	Anchor       source.Anchor `json:"anchor"`
	Stage        int           `json:"stage"`
	Action       string        `json:"action"`
	Reason       string        `json:"reason"`
	TokensBefore int           `json:"tokens_before"`
	TokensAfter  int           `json:"tokens_after"`
}

// Budget tracks token use and every cut made to fit.
type Budget struct {
	MaxTokens  int   `json:"max_tokens"`
	UsedTokens int   `json:"used_tokens"`
	Stage      int   `json:"stage"`
	Cuts       []Cut `json:"cuts"`
}

// Envelope is the assembled context.
type Envelope struct {
	Sources     []source.Source `json:"sources"`
	Index       []IndexEntry    `json:"index"`
	Chunks      []Chunk         `json:"chunks"`
	Attachments []Attachment    `json:"attachments"`
	Budget      Budget          `json:"budget"`
	Task        string          `json:"task"`
}

// Recount recomputes used tokens: index text, chunk text and task.
// Attachments are sent out of band and carry their own estimates.
func (e *Envelope) Recount() int {
	used := EstimateTokens(indexText(e.Index)) + EstimateTokens(e.Task)
	for _, c := range e.Chunks {
		used += c.Tokens
	}
	e.Budget.UsedTokens = used
	return used
}

// FloorTokens is the smallest possible use: index and task with no content.
func (e *Envelope) FloorTokens() int {
	return EstimateTokens(indexText(e.Index)) + EstimateTokens(e.Task)
}

// Anchors lists every anchor used by chunks and attachments.
func (e *Envelope) Anchors() []source.Anchor {
	out := make([]source.Anchor, 0, len(e.Chunks)+len(e.Attachments))
	for _, c := range e.Chunks {
		out = append(out, c.Anchor)
	}
	for _, a := range e.Attachments {
		out = append(out, a.Anchor)
	}
	return out
}

// Validate checks that every anchor resolves to a source and sub-unit.
func (e *Envelope) Validate() error {
	return source.Resolve(e.Anchors(), e.Sources)
}

// IncludedAttachments returns the attachments the request builder should send.
func (e *Envelope) IncludedAttachments() []Attachment {
	var out []Attachment
	for _, a := range e.Attachments {
		if a.Included {
			out = append(out, a)
		}
	}
	return out
}

// Clone returns a copy that shares no mutable state with e. Sources are
// immutable and shared.
func (e *Envelope) Clone() *Envelope {
	out := &Envelope{
		Sources:     e.Sources,
		Chunks:      slices.Clone(e.Chunks),
		Attachments: slices.Clone(e.Attachments),
		Budget:      e.Budget,
		Task:        e.Task,
	}
	out.Budget.Cuts = slices.Clone(e.Budget.Cuts)
	out.Index = make([]IndexEntry, len(e.Index))
	for i, entry := range e.Index {
		entry.Pages = slices.Clone(entry.Pages)
		entry.Sections = slices.Clone(entry.Sections)
		out.Index[i] = entry
	}
	return out
}

// annotate refreshes the index flags from the current chunks and attachments.
func (e *Envelope) annotate() {
	type state struct {
		content, summarized, truncated, attached bool
		pages                                    map[int]PageStatus
	}
	by := map[string]*state{}
	get := func(id string) *state {
		s, ok := by[id]
		if !ok {
			s = &state{pages: map[int]PageStatus{}}
			by[id] = s
		}
		return s
	}
	for _, c := range e.Chunks {
		s := get(c.SourceID)
		s.content = true
		s.summarized = s.summarized || c.Summarized
		s.truncated = s.truncated || c.Truncated
		if c.Page > 0 {
			p := s.pages[c.Page]
			p.ContentIncluded = true
			s.pages[c.Page] = p
		}
	}
	for _, a := range e.Attachments {
		if !a.Included {
			continue
		}
		s := get(a.SourceID)
		s.attached = true
		if a.Page > 0 {
			p := s.pages[a.Page]
			p.Attached = true
			s.pages[a.Page] = p
		} else if a.MediaKind == MediaDocument {
			s.pages[0] = PageStatus{Attached: true} // whole document
		}
	}

	for i := range e.Index {
		entry := &e.Index[i]
		s := get(entry.SourceID)
		entry.ContentIncluded = s.content
		entry.Summarized = s.summarized
		entry.Truncated = s.truncated
		entry.Attached = s.attached
		whole := s.pages[0].Attached
		for j := range entry.Pages {
			p := s.pages[entry.Pages[j].Page]
			entry.Pages[j].ContentIncluded = p.ContentIncluded
			entry.Pages[j].Attached = p.Attached || whole
		}
	}
}
