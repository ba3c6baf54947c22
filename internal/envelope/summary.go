package envelope

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/hpungsan/prism/internal/source"
)

// sentenceEnd matches terminal punctuation, optional closing quotes or
// brackets, then whitespace.
var sentenceEnd = regexp.MustCompile(`[.!?]["')\]]*\s+`)

// Sentences splits text into sentences. Whitespace runs are collapsed.
func Sentences(text string) []string {
	text = strings.Join(strings.Fields(text), " ")
	if text == "" {
		return nil
	}
	var out []string
	start := 0
	for _, loc := range sentenceEnd.FindAllStringIndex(text, -1) {
		out = append(out, strings.TrimSpace(text[start:loc[1]]))
		start = loc[1]
	}
	if rest := strings.TrimSpace(text[start:]); rest != "" {
		out = append(out, rest)
	}
	return out
}

// summaryMarker is appended to every extractive summary.
func summaryMarker(a source.Anchor) string {
	return fmt.Sprintf("[extractive summary, see %s for full content]", a)
}

// Extract builds an extractive summary: the first n sentences of the chunk's
// plain text and the marker. Markdown is flattened first so headings and
// code fences do not count as sentences.
func Extract(c Chunk, n int) string {
	text := c.Text
	if c.Method == MethodMarkdown || c.Method == MethodNote {
		text = source.PlainText(text)
	}
	sentences := Sentences(text)
	if len(sentences) > n {
		sentences = sentences[:n]
	}
	return strings.TrimSpace(strings.Join(sentences, " ") + " " + summaryMarker(c.Anchor))
}

// truncationMarker is appended to hard-truncated text.
func truncationMarker(a source.Anchor) string {
	return fmt.Sprintf("[truncated, see %s for full content]", a)
}

// Truncate cuts text to at most maxBytes (marker included), preferring a
// paragraph break, then a sentence end, then a word break in the second half
// of the allowance. It returns false when text already fits. An allowance
// smaller than the marker yields the marker alone.
func Truncate(text string, a source.Anchor, maxBytes int) (string, bool) {
	if len(text) <= maxBytes {
		return text, false
	}
	marker := truncationMarker(a)
	room := maxBytes - len(marker) - 1
	if room <= 0 {
		return marker, true
	}
	for room > 0 && !utf8.RuneStart(text[room]) {
		room--
	}
	head := text[:room]

	cut := -1
	if i := strings.LastIndex(head, "\n\n"); i >= room/2 {
		cut = i
	} else if locs := sentenceEnd.FindAllStringIndex(head, -1); len(locs) > 0 && locs[len(locs)-1][1] >= room/2 {
		cut = locs[len(locs)-1][1]
	} else if i := strings.LastIndexAny(head, " \n\t"); i >= room/2 {
		cut = i
	}
	if cut >= 0 {
		head = head[:cut]
	}
	return strings.TrimRight(head, " \n\t") + "\n" + marker, true
}
