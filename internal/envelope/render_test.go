package envelope

import (
	"bytes"
	"image"
	"image/png"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpungsan/prism/internal/source"
)

func TestRender_Sections(t *testing.T) {
	web := mustSource(t, source.Extraction{Kind: source.KindWebpage, Title: "Docs", URL: "https://example.com",
		Markdown: "# Intro\n\nHello world."})
	env := Build([]source.Source{web}, "Explain the intro.", nil, Options{})

	out := Render(env)

	iIndex := strings.Index(out, HeaderIndex)
	iContent := strings.Index(out, HeaderContent)
	iTask := strings.Index(out, HeaderTask)
	require.True(t, iIndex == 0 && iContent > iIndex && iTask > iContent, out)
	assert.NotContains(t, out, HeaderAttachments, "no attachments section without attachments")

	assert.Contains(t, out, `- [`+web.ID+`] webpage "Docs" url=https://example.com sections=1 content=included strategy=text`)
	assert.Contains(t, out, "--- BEGIN anchor="+web.ID+` source_type=webpage title="Docs" url=https://example.com extraction=markdown quality=`)
	assert.Contains(t, out, "--- END "+web.ID+" ---")
	assert.True(t, strings.HasSuffix(out, "Explain the intro.\n\n"+CitationInstruction+"\n"))
}

func TestRender_Attachments(t *testing.T) {
	img := mustSource(t, source.Extraction{Kind: source.KindImage, Image: blob("image/png", 640, 480)})
	env := Build([]source.Source{img}, "What is this?", RouterFor(visionCaps()), Options{IncludeAttachments: true})

	out := Render(env)

	assert.Contains(t, out, HeaderAttachments)
	assert.Contains(t, out, "[1] anchor="+img.ID+" kind=image mime=image/png dims=640x480 size=")
	assert.Contains(t, out, "(no content included", "an image without alt text has no chunk")
}

func TestRender_AttachmentDimensionsFromBytes(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 640, 480))))
	img := mustSource(t, source.Extraction{Kind: source.KindImage, Image: &source.Blob{Data: buf.Bytes()}})
	env := Build([]source.Source{img}, "What is this?", RouterFor(visionCaps()), Options{IncludeAttachments: true})

	require.Len(t, env.Attachments, 1)
	assert.Equal(t, 640, env.Attachments[0].Width)
	assert.Contains(t, Render(env), "[1] anchor="+img.ID+" kind=image mime=image/png dims=640x480 size=")
}

func TestRender_DegradedFlags(t *testing.T) {
	env := threeNotes(t)
	out, err := Degrade(env, summaryBudget(env))
	require.NoError(t, err)

	text := Render(out)
	assert.Equal(t, 1, strings.Count(text, "summarized=true"))
	assert.Equal(t, 2, strings.Count(text, "content=omitted"))
	assert.Contains(t, text, "[extractive summary, see ")
}

func TestRender_Deterministic(t *testing.T) {
	env := scenarioB(t)
	assert.Equal(t, Render(env), Render(env.Clone()))
}

func TestIndexLine_PageStates(t *testing.T) {
	e := IndexEntry{
		SourceID: "src:0badf00d", Kind: source.KindPDF, Title: "Paper", Strategy: "images",
		ContentIncluded: true, Attached: true,
		Pages: []PageStatus{
			{Page: 1, ContentIncluded: true, Attached: true},
			{Page: 2, ContentIncluded: true, Attached: true},
			{Page: 3, Attached: true},
			{Page: 4},
			{Page: 5, ContentIncluded: true},
		},
	}
	assert.Equal(t,
		`- [src:0badf00d] pdf "Paper" pages=5 content_pages=1-2,5 attached_pages=1-3 content=partial strategy=images`,
		IndexLine(e))

	e.ContentIncluded = false
	assert.Contains(t, IndexLine(e), "content=omitted")

	chat := IndexEntry{SourceID: "src:0badf00d", Kind: source.KindChatlog, Title: "Chat", Strategy: "text",
		Messages: 4, ContentIncluded: true, Truncated: true}
	assert.Equal(t, `- [src:0badf00d] chatlog "Chat" messages=4 content=truncated strategy=text`, IndexLine(chat))
}

func TestPageRanges(t *testing.T) {
	tests := []struct {
		in   []int
		want string
	}{
		{nil, "none"},
		{[]int{4}, "4"},
		{[]int{1, 2, 3}, "1-3"},
		{[]int{1, 3, 5}, "1,3,5"},
		{[]int{1, 2, 4, 5, 6, 9}, "1-2,4-6,9"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, pageRanges(tt.in), "pageRanges(%v)", tt.in)
	}
}
