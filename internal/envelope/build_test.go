package envelope

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpungsan/prism/internal/capability"
	"github.com/hpungsan/prism/internal/route"
	"github.com/hpungsan/prism/internal/source"
)

var fixedNow = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

func mustSource(t *testing.T, ext source.Extraction) source.Source {
	t.Helper()
	s, err := source.Normalizer{Now: fixedNow}.Normalize(ext)
	require.NoError(t, err)
	return *s
}

func blob(mime string, w, h int) *source.Blob {
	return &source.Blob{MIME: mime, Data: []byte("binary-" + mime), Width: w, Height: h}
}

func pdfSource(t *testing.T, pages int, text string, images bool) source.Source {
	t.Helper()
	ps := make([]source.Page, pages)
	for i := range ps {
		ps[i] = source.Page{Number: i + 1, Text: text}
		if images {
			ps[i].Image = &source.Blob{MIME: "image/png", Data: []byte{byte(i), 1, 2, 3}}
		}
	}
	return mustSource(t, source.Extraction{Kind: source.KindPDF, Title: "Report", Pages: ps})
}

func TestBuild_TextOnly(t *testing.T) {
	web := mustSource(t, source.Extraction{Kind: source.KindWebpage, Title: "Docs", URL: "https://example.com",
		Markdown: "# Intro\n\nHello world.\n\n## Usage\n\nRun it.", Screenshot: blob("image/png", 800, 600)})
	pdf := mustSource(t, source.Extraction{Kind: source.KindPDF, Title: "Paper", Pages: []source.Page{
		{Number: 1, Text: "Abstract text."},
		{Number: 2},
		{Number: 3, Text: "Conclusion."},
	}})
	note := mustSource(t, source.Extraction{Kind: source.KindNote, Text: "Remember the milk."})
	chat := mustSource(t, source.Extraction{Kind: source.KindChatlog, Messages: []source.Message{
		{Role: "user", Content: "hi"}, {Role: "assistant", Content: "hello"},
	}})
	img := mustSource(t, source.Extraction{Kind: source.KindImage, Image: blob("image/png", 10, 10)})

	env := Build([]source.Source{web, pdf, note, chat, img}, "Summarize.", nil, Options{IncludeAttachments: true})

	require.Len(t, env.Index, 5, "one index entry per source")
	require.Len(t, env.Chunks, 5)
	assert.Empty(t, env.Attachments, "text-only routing attaches nothing")

	assert.Equal(t, route.WebText, env.Index[0].Strategy)
	assert.Equal(t, []string{"1", "1.1"}, []string{env.Index[0].Sections[0].Path, env.Index[0].Sections[1].Path})
	assert.Len(t, env.Index[1].Pages, 3)
	assert.False(t, env.Index[1].Pages[1].ContentIncluded, "page 2 has no text")
	assert.Equal(t, 2, env.Index[3].Messages)
	assert.Equal(t, route.ImageOmit, env.Index[4].Strategy)
	assert.False(t, env.Index[4].ContentIncluded)

	assert.Equal(t, source.ForPage(pdf.ID, 3), env.Chunks[2].Anchor)
	assert.Equal(t, MethodPDFText, env.Chunks[2].Method)
	assert.Equal(t, MethodTranscript, env.Chunks[4].Method)
	for i, c := range env.Chunks {
		assert.Equal(t, i, c.Rank)
		assert.Equal(t, EstimateTokens(c.Text), c.Tokens)
	}

	used := env.Budget.UsedTokens
	assert.Equal(t, used, env.Recount())
	assert.Zero(t, env.Budget.Stage)
	assert.Empty(t, env.Budget.Cuts)
	require.NoError(t, env.Validate())
}

func TestBuild_VisionAttachments(t *testing.T) {
	caps := capability.ProbedCapabilities{SupportsVision: true, SupportsPDFAsImages: true}
	web := mustSource(t, source.Extraction{Kind: source.KindWebpage, Markdown: "Body.", Screenshot: blob("image/png", 800, 600)})
	img := mustSource(t, source.Extraction{Kind: source.KindImage, Image: blob("image/jpeg", 4, 3), AltText: "a cat"})
	pdf := pdfSource(t, 3, "page text.", true)

	env := Build([]source.Source{web, img, pdf}, "q", RouterFor(caps), Options{IncludeAttachments: true})

	require.Len(t, env.Attachments, 5)
	assert.Equal(t, MediaScreenshot, env.Attachments[0].MediaKind)
	assert.Equal(t, 800, env.Attachments[0].Width)
	assert.Equal(t, MediaImage, env.Attachments[1].MediaKind)
	assert.Equal(t, "image/jpeg", env.Attachments[1].MIME)
	assert.Equal(t, source.ForPage(pdf.ID, 2), env.Attachments[3].Anchor)
	for _, a := range env.Attachments {
		assert.True(t, a.Included)
		assert.Equal(t, estimateBytes(a.Bytes), a.Tokens)
	}

	assert.Equal(t, route.PDFImages, env.Index[2].Strategy)
	assert.True(t, env.Index[2].Attached)
	for _, p := range env.Index[2].Pages {
		assert.True(t, p.Attached)
		assert.True(t, p.ContentIncluded)
	}
	require.NoError(t, env.Validate())

	want := EstimateTokens(indexText(env.Index)) + EstimateTokens(env.Task)
	for _, c := range env.Chunks {
		want += c.Tokens
	}
	assert.Equal(t, want, env.Budget.UsedTokens, "attachments never count toward used tokens")

	noMedia := Build([]source.Source{web, img, pdf}, "q", RouterFor(caps), Options{})
	assert.Empty(t, noMedia.Attachments)
	assert.False(t, noMedia.Index[2].Attached)
}

func TestBuild_NativePDF(t *testing.T) {
	caps := capability.ProbedCapabilities{SupportsVision: true, SupportsPDFNative: true}
	pdf := mustSource(t, source.Extraction{Kind: source.KindPDF,
		Pages:    []source.Page{{Number: 1, Text: "one"}, {Number: 2, Text: "two"}},
		Document: &source.Blob{Data: []byte("%PDF-1.4 fake")},
	})

	env := Build([]source.Source{pdf}, "q", RouterFor(caps), Options{IncludeAttachments: true})

	require.Len(t, env.Attachments, 1)
	a := env.Attachments[0]
	assert.Equal(t, MediaDocument, a.MediaKind)
	assert.Equal(t, "application/pdf", a.MIME)
	assert.Equal(t, source.ForSource(pdf.ID), a.Anchor)
	assert.Equal(t, route.PDFNative, env.Index[0].Strategy)
	for _, p := range env.Index[0].Pages {
		assert.True(t, p.Attached, "a document attachment covers every page")
	}
}

func TestBuild_PDFWithoutDocumentStepsDown(t *testing.T) {
	caps := capability.ProbedCapabilities{SupportsPDFNative: true}
	pdf := pdfSource(t, 2, "text", false)

	env := Build([]source.Source{pdf}, "q", RouterFor(caps), Options{IncludeAttachments: true})

	assert.Equal(t, route.PDFText, env.Index[0].Strategy)
	assert.Empty(t, env.Attachments)
}

func TestEnvelope_CloneIsDeep(t *testing.T) {
	env := Build([]source.Source{pdfSource(t, 2, "text", false)}, "q", nil, Options{})
	c := env.Clone()
	c.Chunks[0].Text = "changed"
	c.Index[0].Pages[0].ContentIncluded = false
	c.Budget.Cuts = append(c.Budget.Cuts, Cut{Stage: 1})

	assert.Equal(t, "text", env.Chunks[0].Text)
	assert.True(t, env.Index[0].Pages[0].ContentIncluded)
	assert.Empty(t, env.Budget.Cuts)
}

func TestEnvelope_ValidateRejectsUnknownAnchor(t *testing.T) {
	env := Build([]source.Source{pdfSource(t, 2, "text", false)}, "q", nil, Options{})
	env.Chunks[0].Anchor = source.ForPage(env.Sources[0].ID, 9)
	assert.Error(t, env.Validate())

	env.Chunks[0].Anchor = "src:00000000"
	assert.Error(t, env.Validate())
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("abc"))
	assert.Equal(t, 1, EstimateTokens("abcd"))
	assert.Equal(t, 2, EstimateTokens("abcde"))
	assert.Equal(t, 250, EstimateTokens(strings.Repeat("x", 1000)))
}
