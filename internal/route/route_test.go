package route

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/hpungsan/prism/internal/capability"
	"github.com/hpungsan/prism/internal/source"
)

var (
	textOnly = capability.Default("groq", "llama")
	vision   = capability.ProbedCapabilities{SupportsVision: true, SupportsPDFAsImages: true}
	native   = capability.ProbedCapabilities{SupportsVision: true, SupportsPDFAsImages: true, SupportsPDFNative: true}
)

func TestRoute_Table(t *testing.T) {
	tests := []struct {
		name    string
		kind    source.Kind
		caps    capability.ProbedCapabilities
		hasText bool
		want    Strategy
		attach  bool
	}{
		{"pdf native", source.KindPDF, native, true, PDFNative, true},
		{"pdf images", source.KindPDF, vision, true, PDFImages, true},
		{"pdf text", source.KindPDF, textOnly, true, PDFText, false},
		{"native without vision", source.KindPDF, capability.ProbedCapabilities{SupportsPDFNative: true}, true, PDFNative, true},
		{"image inline", source.KindImage, vision, false, ImageInline, true},
		{"image description", source.KindImage, textOnly, true, ImageTextDescription, false},
		{"image omit", source.KindImage, textOnly, false, ImageOmit, false},
		{"webpage screenshot", source.KindWebpage, vision, true, WebTextScreenshot, true},
		{"webpage text", source.KindWebpage, textOnly, true, WebText, false},
		{"note", source.KindNote, native, true, Text, false},
		{"chatlog", source.KindChatlog, vision, true, Text, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Route(tt.kind, tt.caps, tt.hasText)
			assert.Equal(t, tt.want, d.Strategy)
			assert.Equal(t, tt.attach, d.AttachMedia)
		})
	}
}

func TestRoute_ImageOmitCarriesNothing(t *testing.T) {
	d := Route(source.KindImage, textOnly, false)
	assert.False(t, d.AttachMedia)
	assert.False(t, d.IncludeText)
}

func TestForSource_StepsDownWithoutMedia(t *testing.T) {
	pdf := &source.Source{Kind: source.KindPDF, Pages: []source.Page{{Number: 1, Text: "a"}}}
	assert.Equal(t, PDFText, ForSource(pdf, native).Strategy, "no document, no page images")

	pdf.Pages[0].Image = &source.Blob{MIME: "image/png", Data: []byte{1}}
	assert.Equal(t, PDFImages, ForSource(pdf, native).Strategy)

	pdf.Document = &source.Blob{MIME: "application/pdf", Data: []byte("%PDF")}
	assert.Equal(t, PDFNative, ForSource(pdf, native).Strategy)

	web := &source.Source{Kind: source.KindWebpage, Markdown: "# hi"}
	d := ForSource(web, vision)
	assert.Equal(t, WebText, d.Strategy)
	assert.True(t, d.IncludeText)

	img := &source.Source{Kind: source.KindImage, Image: &source.Blob{MIME: "image/png", Data: []byte{1}}, AltText: "a cat"}
	assert.Equal(t, ImageTextDescription, ForSource(img, textOnly).Strategy)
	assert.Equal(t, ImageInline, ForSource(img, vision).Strategy)
}
