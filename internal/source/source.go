// Package source turns extracted tab/document content into immutable,
// content-addressed Source records and the anchors that cite them.
package source

import "time"

// Kind is the type of extracted content.
type Kind string

const (
	KindWebpage Kind = "webpage"
	KindPDF     Kind = "pdf"
	KindImage   Kind = "image"
	KindNote    Kind = "note"
	KindChatlog Kind = "chatlog"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindWebpage, KindPDF, KindImage, KindNote, KindChatlog:
		return true
	}
	return false
}

// Blob is binary media handed over by an extraction collaborator.
type Blob struct {
	MIME   string `json:"mime"`
	Data   []byte `json:"data"`
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
}

// Size returns the byte length of the blob (0 for nil).
func (b *Blob) Size() int {
	if b == nil {
		return 0
	}
	return len(b.Data)
}

// Page is one PDF page: extracted text plus an optional rendered image.
type Page struct {
	Number int    `json:"number"`
	Text   string `json:"text,omitempty"`
	Image  *Blob  `json:"image,omitempty"`
}

// Message is one chat log turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Extraction is the raw record produced by the extraction subsystems.
// Only the fields matching Kind are read.
type Extraction struct {
	Kind       Kind      `json:"kind"`
	Title      string    `json:"title,omitempty"`
	URL        string    `json:"url,omitempty"`
	CapturedAt time.Time `json:"captured_at,omitempty"`

	// webpage
	Markdown   string `json:"markdown,omitempty"`
	Screenshot *Blob  `json:"screenshot,omitempty"`

	// pdf
	Pages    []Page `json:"pages,omitempty"`
	Document *Blob  `json:"document,omitempty"` // original file, needed for native routing

	// image
	Image   *Blob  `json:"image,omitempty"`
	AltText string `json:"alt_text,omitempty"`

	// note
	Text string `json:"text,omitempty"`

	// chatlog
	Messages []Message `json:"messages,omitempty"`
}

// Source is the canonical, hash-identified unit of content.
// Sources are never mutated after Normalize returns them.
type Source struct {
	ID         string    `json:"source_id"`
	Kind       Kind      `json:"kind"`
	Title      string    `json:"title"`
	URL        string    `json:"url,omitempty"`
	CapturedAt time.Time `json:"captured_at"`

	Markdown   string    `json:"markdown,omitempty"`
	Screenshot *Blob     `json:"screenshot,omitempty"`
	Pages      []Page    `json:"pages,omitempty"`
	Document   *Blob     `json:"document,omitempty"`
	Image      *Blob     `json:"image,omitempty"`
	AltText    string    `json:"alt_text,omitempty"`
	Text       string    `json:"text,omitempty"`
	Messages   []Message `json:"messages,omitempty"`
}

// Page returns the page with the given number.
func (s *Source) Page(number int) (Page, bool) {
	for _, p := range s.Pages {
		if p.Number == number {
			return p, true
		}
	}
	return Page{}, false
}

// Body returns the text a chunk is built from for single-chunk kinds.
func (s *Source) Body() string {
	switch s.Kind {
	case KindWebpage:
		return s.Markdown
	case KindNote:
		return s.Text
	case KindChatlog:
		return Transcript(s.Messages)
	case KindImage:
		return s.AltText
	}
	return ""
}
