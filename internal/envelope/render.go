package envelope

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/hpungsan/prism/internal/source"
)

// Section headers in rendered output.
const (
	HeaderIndex       = "=== CONTEXT INDEX ==="
	HeaderContent     = "=== CONTENT ==="
	HeaderAttachments = "=== ATTACHMENTS ==="
	HeaderTask        = "=== TASK ==="
)

// CitationInstruction closes every rendered envelope.
const CitationInstruction = "Cite sources inline by anchor, e.g. [src:1a2b3c4d] or [src:1a2b3c4d#p=3]; " +
	"locations are p=<page>, sec=<section>, msg=<message>, r=<x,y,w,h>."

// Render serializes the envelope. Output depends only on the envelope.
func Render(env *Envelope) string {
	var b strings.Builder

	b.WriteString(HeaderIndex)
	b.WriteByte('\n')
	b.WriteString(indexText(env.Index))

	b.WriteString("\n")
	b.WriteString(HeaderContent)
	b.WriteByte('\n')
	if len(env.Chunks) == 0 {
		b.WriteString("(no content included; see the index for available sources)\n")
	}
	for _, c := range env.Chunks {
		writeChunk(&b, c)
	}

	if included := env.IncludedAttachments(); len(included) > 0 {
		b.WriteString("\n")
		b.WriteString(HeaderAttachments)
		b.WriteByte('\n')
		for i, a := range included {
			fmt.Fprintf(&b, "[%d] %s\n", i+1, attachmentLine(a))
		}
	}

	b.WriteString("\n")
	b.WriteString(HeaderTask)
	b.WriteByte('\n')
	b.WriteString(env.Task)
	b.WriteString("\n\n")
	b.WriteString(CitationInstruction)
	b.WriteByte('\n')
	return b.String()
}

func writeChunk(b *strings.Builder, c Chunk) {
	fields := []string{
		"anchor=" + string(c.Anchor),
		"source_type=" + string(c.Kind),
		"title=" + strconv.Quote(c.Title),
	}
	if c.URL != "" {
		fields = append(fields, "url="+c.URL)
	}
	fields = append(fields, "extraction="+c.Method, "quality="+string(c.Quality))
	if c.Summarized {
		fields = append(fields, "summarized=true")
	}
	if c.Truncated {
		fields = append(fields, "truncated=true")
	}
	fmt.Fprintf(b, "--- BEGIN %s ---\n", strings.Join(fields, " "))
	b.WriteString(c.Text)
	if !strings.HasSuffix(c.Text, "\n") {
		b.WriteByte('\n')
	}
	fmt.Fprintf(b, "--- END %s ---\n", c.Anchor)
}

func attachmentLine(a Attachment) string {
	fields := []string{
		"anchor=" + string(a.Anchor),
		"kind=" + a.MediaKind,
		"mime=" + a.MIME,
	}
	if a.Width > 0 && a.Height > 0 {
		fields = append(fields, fmt.Sprintf("dims=%dx%d", a.Width, a.Height))
	}
	fields = append(fields, "size="+strconv.Itoa(a.Bytes)+"B")
	return strings.Join(fields, " ")
}

// indexText is the index section body. Token accounting and rendering share it.
func indexText(index []IndexEntry) string {
	var b strings.Builder
	for _, e := range index {
		b.WriteString(IndexLine(e))
		b.WriteByte('\n')
	}
	return b.String()
}

// IndexLine renders one index entry.
func IndexLine(e IndexEntry) string {
	fields := []string{
		"[" + string(source.ForSource(e.SourceID)) + "]",
		string(e.Kind),
		strconv.Quote(e.Title),
	}
	if e.URL != "" {
		fields = append(fields, "url="+e.URL)
	}
	if len(e.Pages) > 0 {
		var content, attached []int
		for _, p := range e.Pages {
			if p.ContentIncluded {
				content = append(content, p.Page)
			}
			if p.Attached {
				attached = append(attached, p.Page)
			}
		}
		fields = append(fields,
			"pages="+strconv.Itoa(len(e.Pages)),
			"content_pages="+pageRanges(content),
			"attached_pages="+pageRanges(attached),
		)
	}
	if len(e.Sections) > 0 {
		paths := make([]string, len(e.Sections))
		for i, s := range e.Sections {
			paths[i] = s.Path
		}
		fields = append(fields, "sections="+strings.Join(paths, ","))
	}
	if e.Messages > 0 {
		fields = append(fields, "messages="+strconv.Itoa(e.Messages))
	}
	fields = append(fields, "content="+contentState(e), "strategy="+string(e.Strategy))
	return "- " + strings.Join(fields, " ")
}

func contentState(e IndexEntry) string {
	switch {
	case !e.ContentIncluded:
		return "omitted"
	case e.Summarized:
		return "summary"
	case e.Truncated:
		return "truncated"
	}
	for _, p := range e.Pages {
		if !p.ContentIncluded {
			return "partial"
		}
	}
	return "included"
}

// pageRanges compresses sorted page numbers: [1 2 3 5] -> "1-3,5".
func pageRanges(pages []int) string {
	if len(pages) == 0 {
		return "none"
	}
	var parts []string
	start, prev := pages[0], pages[0]
	flush := func() {
		if start == prev {
			parts = append(parts, strconv.Itoa(start))
		} else {
			parts = append(parts, fmt.Sprintf("%d-%d", start, prev))
		}
	}
	for _, p := range pages[1:] {
		if p == prev+1 {
			prev = p
			continue
		}
		flush()
		start, prev = p, p
	}
	flush()
	return strings.Join(parts, ",")
}
