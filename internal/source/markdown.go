package source

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

var md = goldmark.New()

// Section is one heading of a markdown document.
type Section struct {
	Path  string `json:"path"` // dotted outline number, e.g. "2.1"
	Title string `json:"title"`
	Level int    `json:"level"`
}

// Outline returns the heading tree of a markdown document as dotted paths.
// Headings that skip levels are numbered relative to the nearest parent.
func Outline(markdown string) []Section {
	if strings.TrimSpace(markdown) == "" {
		return nil
	}
	src := []byte(markdown)
	doc := md.Parser().Parse(text.NewReader(src))

	var sections []Section
	var counters []int // counters[i] is the running number at depth i
	var levels []int   // heading level at each depth

	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		h, ok := n.(*ast.Heading)
		if !ok {
			continue
		}
		popped := 0
		for len(levels) > 0 && levels[len(levels)-1] > h.Level {
			popped = counters[len(counters)-1]
			levels = levels[:len(levels)-1]
			counters = counters[:len(counters)-1]
		}
		if len(levels) > 0 && levels[len(levels)-1] == h.Level {
			counters[len(counters)-1]++
		} else {
			// a shallower heading after a deeper one keeps counting at that depth
			levels = append(levels, h.Level)
			counters = append(counters, popped+1)
		}

		parts := make([]string, len(counters))
		for i, c := range counters {
			parts[i] = strconv.Itoa(c)
		}
		sections = append(sections, Section{
			Path:  strings.Join(parts, "."),
			Title: strings.TrimSpace(nodeText(h, src)),
			Level: h.Level,
		})
	}
	return sections
}

// PlainText flattens markdown into paragraphs of plain text separated by
// blank lines. Code blocks and raw HTML are dropped.
func PlainText(markdown string) string {
	src := []byte(markdown)
	doc := md.Parser().Parse(text.NewReader(src))

	var blocks []string
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch n.(type) {
		case *ast.FencedCodeBlock, *ast.CodeBlock, *ast.HTMLBlock:
			return ast.WalkSkipChildren, nil
		case *ast.Paragraph, *ast.Heading, *ast.TextBlock:
			if s := strings.TrimSpace(nodeText(n, src)); s != "" {
				blocks = append(blocks, s)
			}
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	return strings.Join(blocks, "\n\n")
}

func nodeText(n ast.Node, src []byte) string {
	var buf bytes.Buffer
	writeInline(&buf, n, src)
	return buf.String()
}

func writeInline(buf *bytes.Buffer, n ast.Node, src []byte) {
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		switch v := c.(type) {
		case *ast.Text:
			buf.Write(v.Segment.Value(src))
			if v.SoftLineBreak() || v.HardLineBreak() {
				buf.WriteByte(' ')
			}
		case *ast.String:
			buf.Write(v.Value)
		case *ast.AutoLink:
			buf.Write(v.URL(src))
		case *ast.RawHTML:
			// dropped
		default:
			writeInline(buf, c, src)
		}
	}
}
