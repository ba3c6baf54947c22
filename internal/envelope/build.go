package envelope

import (
	"github.com/hpungsan/prism/internal/capability"
	"github.com/hpungsan/prism/internal/route"
	"github.com/hpungsan/prism/internal/source"
)

// Options controls Build.
type Options struct {
	MaxTokens          int
	IncludeAttachments bool
}

// Router decides the strategy for one source.
type Router func(s *source.Source) route.Decision

// RouterFor routes every source against caps.
func RouterFor(caps capability.ProbedCapabilities) Router {
	return func(s *source.Source) route.Decision { return route.ForSource(s, caps) }
}

// Build assembles sources into an envelope and measures it. It never cuts
// anything; that is Degrade's job. A nil router routes as text-only.
func Build(sources []source.Source, task string, router Router, opts Options) *Envelope {
	if router == nil {
		router = RouterFor(capability.ProbedCapabilities{})
	}
	env := &Envelope{
		Sources:     sources,
		Index:       make([]IndexEntry, 0, len(sources)),
		Chunks:      []Chunk{},
		Attachments: []Attachment{},
		Budget:      Budget{MaxTokens: opts.MaxTokens, Cuts: []Cut{}},
		Task:        task,
	}

	for i := range sources {
		s := &sources[i]
		d := router(s)
		env.Index = append(env.Index, indexEntry(s, d))
		if d.IncludeText {
			env.Chunks = append(env.Chunks, chunks(s)...)
		}
		if opts.IncludeAttachments && d.AttachMedia {
			env.Attachments = append(env.Attachments, attachments(s, d)...)
		}
	}
	for i := range env.Chunks {
		env.Chunks[i].Rank = i
	}

	env.annotate()
	env.Recount()
	return env
}

func indexEntry(s *source.Source, d route.Decision) IndexEntry {
	e := IndexEntry{
		SourceID: s.ID,
		Kind:     s.Kind,
		Title:    s.Title,
		URL:      s.URL,
		Strategy: d.Strategy,
	}
	switch s.Kind {
	case source.KindPDF:
		for _, p := range s.Pages {
			e.Pages = append(e.Pages, PageStatus{Page: p.Number})
		}
	case source.KindWebpage:
		e.Sections = source.Outline(s.Markdown)
	case source.KindNote:
		e.Sections = source.Outline(s.Text)
	case source.KindChatlog:
		e.Messages = len(s.Messages)
	}
	return e
}

func newChunk(s *source.Source, anchor source.Anchor, method, text string) Chunk {
	return Chunk{
		Anchor:   anchor,
		SourceID: s.ID,
		Kind:     s.Kind,
		Title:    s.Title,
		URL:      s.URL,
		Method:   method,
		Quality:  AssessQuality(text),
		Text:     text,
		Tokens:   EstimateTokens(text),
	}
}

// chunks returns one chunk per non-empty body, or one per PDF page with text.
func chunks(s *source.Source) []Chunk {
	id := s.ID
	switch s.Kind {
	case source.KindPDF:
		var out []Chunk
		for _, p := range s.Pages {
			if p.Text == "" {
				continue
			}
			c := newChunk(s, source.ForPage(id, p.Number), MethodPDFText, p.Text)
			c.Page = p.Number
			out = append(out, c)
		}
		return out
	case source.KindWebpage:
		if s.Markdown != "" {
			return []Chunk{newChunk(s, source.ForSource(id), MethodMarkdown, s.Markdown)}
		}
	case source.KindNote:
		if s.Text != "" {
			return []Chunk{newChunk(s, source.ForSource(id), MethodNote, s.Text)}
		}
	case source.KindChatlog:
		if t := source.Transcript(s.Messages); t != "" {
			return []Chunk{newChunk(s, source.ForSource(id), MethodTranscript, t)}
		}
	case source.KindImage:
		if s.AltText != "" {
			return []Chunk{newChunk(s, source.ForSource(id), MethodAltText, s.AltText)}
		}
	}
	return nil
}

func newAttachment(s *source.Source, anchor source.Anchor, kind string, b *source.Blob) Attachment {
	return Attachment{
		Anchor:    anchor,
		SourceID:  s.ID,
		MediaKind: kind,
		MIME:      b.MIME,
		Width:     b.Width,
		Height:    b.Height,
		Bytes:     b.Size(),
		Tokens:    estimateBytes(b.Size()),
		Included:  true,
	}
}

func attachments(s *source.Source, d route.Decision) []Attachment {
	id := s.ID
	switch d.Strategy {
	case route.PDFNative:
		return []Attachment{newAttachment(s, source.ForSource(id), MediaDocument, s.Document)}
	case route.PDFImages:
		var out []Attachment
		for _, p := range s.Pages {
			if p.Image == nil {
				continue
			}
			a := newAttachment(s, source.ForPage(id, p.Number), MediaPageImage, p.Image)
			a.Page = p.Number
			out = append(out, a)
		}
		return out
	case route.ImageInline:
		return []Attachment{newAttachment(s, source.ForSource(id), MediaImage, s.Image)}
	case route.WebTextScreenshot:
		return []Attachment{newAttachment(s, source.ForSource(id), MediaScreenshot, s.Screenshot)}
	}
	return nil
}
