package source

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"net/http"
	"strconv"
	"strings"
	"time"

	_ "golang.org/x/image/webp"
)

// NormalizationError reports a malformed extraction. Callers skip the
// offending source and continue with the rest.
type NormalizationError struct {
	Kind   Kind
	Field  string
	Reason string
}

func (e *NormalizationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("normalize %s: %s", e.Kind, e.Reason)
	}
	return fmt.Sprintf("normalize %s: %s %s", e.Kind, e.Field, e.Reason)
}

func invalid(kind Kind, field, reason string) *NormalizationError {
	return &NormalizationError{Kind: kind, Field: field, Reason: reason}
}

// Normalizer creates Sources. Now stamps CapturedAt when the extraction
// carries none; it never influences the source ID.
type Normalizer struct {
	Now func() time.Time
}

// Normalize validates ext and returns the canonical Source.
func (n Normalizer) Normalize(ext Extraction) (*Source, error) {
	if !ext.Kind.Valid() {
		return nil, invalid(ext.Kind, "kind", fmt.Sprintf("%q is not one of webpage, pdf, image, note, chatlog", ext.Kind))
	}

	src := &Source{
		Kind:       ext.Kind,
		Title:      strings.TrimSpace(ext.Title),
		URL:        strings.TrimSpace(ext.URL),
		CapturedAt: ext.CapturedAt,
	}
	if src.CapturedAt.IsZero() {
		now := time.Now
		if n.Now != nil {
			now = n.Now
		}
		src.CapturedAt = now().UTC()
	}

	var canonical []byte
	switch ext.Kind {
	case KindWebpage:
		src.Markdown = canonicalText(ext.Markdown)
		src.Screenshot = cloneBlob(ext.Screenshot)
		if strings.TrimSpace(src.Markdown) == "" && src.Screenshot.Size() == 0 {
			return nil, invalid(ext.Kind, "markdown", "is empty and no screenshot was captured")
		}
		canonical = []byte(src.Markdown)
		if len(canonical) == 0 {
			canonical = src.Screenshot.Data
		}
		if src.Screenshot != nil {
			prepareMedia(src.Screenshot)
		}

	case KindPDF:
		pages, err := normalizePages(ext.Pages)
		if err != nil {
			return nil, err
		}
		src.Pages = pages
		src.Document = cloneBlob(ext.Document)
		if src.Document != nil && src.Document.MIME == "" {
			src.Document.MIME = "application/pdf"
		}
		canonical = pdfCanonical(pages)

	case KindImage:
		if ext.Image.Size() == 0 {
			return nil, invalid(ext.Kind, "image", "has no bytes")
		}
		src.Image = cloneBlob(ext.Image)
		prepareMedia(src.Image)
		src.AltText = strings.TrimSpace(canonicalText(ext.AltText))
		canonical = src.Image.Data

	case KindNote:
		src.Text = canonicalText(ext.Text)
		if strings.TrimSpace(src.Text) == "" {
			return nil, invalid(ext.Kind, "text", "is empty")
		}
		canonical = []byte(src.Text)

	case KindChatlog:
		if len(ext.Messages) == 0 {
			return nil, invalid(ext.Kind, "messages", "is empty")
		}
		msgs := make([]Message, len(ext.Messages))
		for i, m := range ext.Messages {
			role := strings.ToLower(strings.TrimSpace(m.Role))
			if role == "" {
				return nil, invalid(ext.Kind, fmt.Sprintf("messages[%d].role", i), "is empty")
			}
			msgs[i] = Message{Role: role, Content: canonicalText(m.Content)}
		}
		src.Messages = msgs
		canonical = []byte(Transcript(msgs))
	}

	src.ID = ComputeID(src.Kind, canonical)
	if src.Title == "" {
		src.Title = defaultTitle(src)
	}
	return src, nil
}

// Normalize uses the zero Normalizer (wall clock).
func Normalize(ext Extraction) (*Source, error) {
	return Normalizer{}.Normalize(ext)
}

// Skipped records an extraction that failed normalization.
type Skipped struct {
	Index int
	Err   error
}

// NormalizeAll normalizes every extraction, skipping malformed ones.
// Byte-identical extractions collapse to the first occurrence.
func (n Normalizer) NormalizeAll(exts []Extraction) ([]Source, []Skipped) {
	sources := make([]Source, 0, len(exts))
	var skipped []Skipped
	seen := make(map[string]bool, len(exts))
	for i, ext := range exts {
		src, err := n.Normalize(ext)
		if err != nil {
			skipped = append(skipped, Skipped{Index: i, Err: err})
			continue
		}
		if seen[src.ID] {
			continue
		}
		seen[src.ID] = true
		sources = append(sources, *src)
	}
	return sources, skipped
}

// ComputeID derives the stable "src:<8 hex>" identifier from canonical bytes.
func ComputeID(kind Kind, canonical []byte) string {
	h := sha256.New()
	h.Write([]byte(kind))
	h.Write([]byte{0})
	h.Write(canonical)
	sum := h.Sum(nil)
	return IDPrefix + hex.EncodeToString(sum[:4])
}

// IDPrefix starts every source ID.
const IDPrefix = "src:"

// Transcript serializes chat messages one "role: content" block per turn.
func Transcript(msgs []Message) string {
	var sb strings.Builder
	for i, m := range msgs {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(m.Role)
		sb.WriteString(": ")
		sb.WriteString(m.Content)
	}
	return sb.String()
}

func normalizePages(in []Page) ([]Page, error) {
	if len(in) == 0 {
		return nil, invalid(KindPDF, "pages", "is empty")
	}
	pages := make([]Page, len(in))
	seen := make(map[int]bool, len(in))
	for i, p := range in {
		num := p.Number
		if num == 0 {
			num = i + 1
		}
		if num < 0 {
			return nil, invalid(KindPDF, fmt.Sprintf("pages[%d].number", i), "must be positive")
		}
		if seen[num] {
			return nil, invalid(KindPDF, fmt.Sprintf("pages[%d].number", i), "duplicates page "+strconv.Itoa(num))
		}
		seen[num] = true
		page := Page{Number: num, Text: canonicalText(p.Text), Image: cloneBlob(p.Image)}
		if page.Image != nil {
			prepareMedia(page.Image)
		}
		pages[i] = page
	}
	return pages, nil
}

// pdfCanonical concatenates page text with the hash of each page image.
func pdfCanonical(pages []Page) []byte {
	var buf bytes.Buffer
	for _, p := range pages {
		buf.WriteString(strconv.Itoa(p.Number))
		buf.WriteByte('\n')
		buf.WriteString(p.Text)
		buf.WriteByte('\n')
		if p.Image.Size() > 0 {
			sum := sha256.Sum256(p.Image.Data)
			buf.WriteString(hex.EncodeToString(sum[:]))
		}
		buf.WriteByte('\f')
	}
	return buf.Bytes()
}

// canonicalText strips a UTF-8 BOM and normalizes line endings.
func canonicalText(s string) string {
	s = strings.TrimPrefix(s, "\ufeff")
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n")
}

func cloneBlob(b *Blob) *Blob {
	if b == nil {
		return nil
	}
	out := *b
	out.Data = append([]byte(nil), b.Data...)
	return &out
}

// prepareMedia fills in the MIME type and, when the caller left them unset,
// the pixel dimensions decoded from the image header.
func prepareMedia(b *Blob) {
	b.MIME = sniffMIME(b)
	if b.Width > 0 && b.Height > 0 {
		return
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(b.Data))
	if err != nil {
		return
	}
	b.Width, b.Height = cfg.Width, cfg.Height
}

func sniffMIME(b *Blob) string {
	if strings.TrimSpace(b.MIME) != "" {
		return strings.ToLower(strings.TrimSpace(b.MIME))
	}
	mime := http.DetectContentType(b.Data)
	if i := strings.Index(mime, ";"); i >= 0 {
		mime = mime[:i]
	}
	return mime
}

func defaultTitle(src *Source) string {
	if src.URL != "" {
		return src.URL
	}
	return string(src.Kind) + " " + strings.TrimPrefix(src.ID, IDPrefix)
}
