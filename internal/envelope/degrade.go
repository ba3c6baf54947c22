package envelope

import (
	"cmp"
	"slices"
	"strings"

	"github.com/hpungsan/prism/internal/errors"
	"github.com/hpungsan/prism/internal/source"
)

// Comparator orders chunks by relevance: negative when a is more relevant than b.
type Comparator func(a, b Chunk) int

// InputOrder ranks chunks by their position in the input. Earlier is more relevant.
func InputOrder(a, b Chunk) int {
	return cmp.Compare(a.Rank, b.Rank)
}

const (
	DefaultTopKPages        = 5
	DefaultSummarySentences = 3

	// minChunkTokens is the smallest per-chunk allowance stage 4 truncates to.
	minChunkTokens = 16
)

// Degrader shrinks an envelope to a token budget in fixed stages:
//
//  1. remove the least relevant chunks, sparing the most relevant one
//  2. replace remaining chunks with extractive summaries, lowest ranked first
//  3. keep only the top-K pages of each multi-page source
//  4. hard-truncate oversized chunks at a paragraph or sentence boundary
//  5. drop all chunks and attachments, leaving index and task
//
// It stops at the first stage that fits. Every change is recorded in the
// budget's cut ledger. The zero value uses input order, K=5 and 3-sentence summaries.
type Degrader struct {
	Compare          Comparator
	TopKPages        int
	SummarySentences int
}

// Degrade runs the default Degrader.
func Degrade(env *Envelope, maxTokens int) (*Envelope, error) {
	return Degrader{}.Degrade(env, maxTokens)
}

// Degrade returns a degraded copy of in; in is not modified. Running it on
// an envelope that already fits is a no-op, so degrading twice at the same
// budget equals degrading once. When even index and task exceed the budget,
// the collapsed envelope is returned with a BUDGET_OVERFLOW error.
func (d Degrader) Degrade(in *Envelope, maxTokens int) (*Envelope, error) {
	if d.Compare == nil {
		d.Compare = InputOrder
	}
	if d.TopKPages <= 0 {
		d.TopKPages = DefaultTopKPages
	}
	if d.SummarySentences <= 0 {
		d.SummarySentences = DefaultSummarySentences
	}

	env := in.Clone()
	env.Budget.MaxTokens = maxTokens
	env.annotate()
	if maxTokens <= 0 || env.Recount() <= maxTokens {
		return env, nil
	}

	stages := []func(*Envelope, int) bool{d.removeLowest, d.summarize, d.topPages, d.truncate, d.collapse}
	for i, stage := range stages {
		n := i + 1
		changed := stage(env, maxTokens)
		if changed {
			env.Budget.Stage = max(env.Budget.Stage, n)
		}
		if env.Budget.UsedTokens <= maxTokens {
			return env, nil
		}
	}
	return env, errors.NewBudgetOverflow(maxTokens, env.Budget.UsedTokens)
}

// ranked returns chunk indices, most relevant first. Ties keep input order.
func (d Degrader) ranked(env *Envelope) []int {
	idx := make([]int, len(env.Chunks))
	for i := range idx {
		idx[i] = i
	}
	slices.SortStableFunc(idx, func(a, b int) int {
		return d.Compare(env.Chunks[a], env.Chunks[b])
	})
	return idx
}

// refresh re-annotates the index and recounts; it reports whether env fits.
func refresh(env *Envelope, maxTokens int) bool {
	env.annotate()
	return env.Recount() <= maxTokens
}

func (env *Envelope) cut(a source.Anchor, stage int, action, reason string, before, after int) {
	env.Budget.Cuts = append(env.Budget.Cuts, Cut{
		Anchor: a, Stage: stage, Action: action, Reason: reason,
		TokensBefore: before, TokensAfter: after,
	})
}

func (env *Envelope) dropChunks(drop map[source.Anchor]bool) {
	env.Chunks = slices.DeleteFunc(env.Chunks, func(c Chunk) bool { return drop[c.Anchor] })
}

// removeLowest is stage 1. Only the most relevant chunk is spared, so a
// single-chunk source can lose its content here.
func (d Degrader) removeLowest(env *Envelope, maxTokens int) bool {
	order := d.ranked(env)
	if len(order) < 2 {
		return false
	}
	protected := map[source.Anchor]bool{env.Chunks[order[0]].Anchor: true}

	candidates := make([]Chunk, 0, len(order))
	for j := len(order) - 1; j >= 0; j-- {
		if c := env.Chunks[order[j]]; !protected[c.Anchor] {
			candidates = append(candidates, c)
		}
	}

	changed := false
	for _, c := range candidates {
		env.dropChunks(map[source.Anchor]bool{c.Anchor: true})
		env.cut(c.Anchor, 1, ActionRemoved, "lowest relevance", c.Tokens, 0)
		changed = true
		if refresh(env, maxTokens) {
			break
		}
	}
	return changed
}

// summarize is stage 2, lowest ranked first. The most relevant chunk is
// summarized last.
func (d Degrader) summarize(env *Envelope, maxTokens int) bool {
	order := d.ranked(env)
	changed := false
	for j := len(order) - 1; j >= 0; j-- {
		c := &env.Chunks[order[j]]
		if c.Summarized {
			continue
		}
		summary := Extract(*c, d.SummarySentences)
		tokens := EstimateTokens(summary)
		if tokens >= c.Tokens {
			continue
		}
		env.cut(c.Anchor, 2, ActionSummarized, "extractive summary", c.Tokens, tokens)
		c.Text, c.Tokens, c.Summarized, c.Stage = summary, tokens, true, 2
		changed = true
		if refresh(env, maxTokens) {
			break
		}
	}
	return changed
}

// topPages is stage 3: each multi-page source keeps its K most relevant
// pages, counting pages that still have content or an attachment.
func (d Degrader) topPages(env *Envelope, maxTokens int) bool {
	order := d.ranked(env)
	changed := false

	for _, entry := range env.Index {
		if len(entry.Pages) <= d.TopKPages {
			continue
		}
		var pages []int
		seen := map[int]bool{}
		for _, i := range order {
			c := env.Chunks[i]
			if c.SourceID == entry.SourceID && c.Page > 0 && !seen[c.Page] {
				seen[c.Page] = true
				pages = append(pages, c.Page)
			}
		}
		for _, a := range env.Attachments {
			if a.Included && a.SourceID == entry.SourceID && a.Page > 0 && !seen[a.Page] {
				seen[a.Page] = true
				pages = append(pages, a.Page)
			}
		}
		if len(pages) <= d.TopKPages {
			continue
		}
		dropPage := map[int]bool{}
		for _, p := range pages[d.TopKPages:] {
			dropPage[p] = true
		}

		drop := map[source.Anchor]bool{}
		for _, c := range env.Chunks {
			if c.SourceID == entry.SourceID && dropPage[c.Page] {
				drop[c.Anchor] = true
				env.cut(c.Anchor, 3, ActionPageDrop, "outside top pages", c.Tokens, 0)
			}
		}
		env.dropChunks(drop)
		for i := range env.Attachments {
			a := &env.Attachments[i]
			if a.Included && a.SourceID == entry.SourceID && dropPage[a.Page] {
				a.Included = false
				env.cut(a.Anchor, 3, ActionPageDrop, "outside top pages", a.Tokens, 0)
			}
		}
		changed = true
		if refresh(env, maxTokens) {
			break
		}
	}
	return changed
}

// truncate is stage 4: the room left after index and task is shared evenly,
// and chunks over their share are cut, least relevant first.
func (d Degrader) truncate(env *Envelope, maxTokens int) bool {
	if len(env.Chunks) == 0 {
		return false
	}
	room := maxTokens - env.FloorTokens()
	if room <= 0 {
		return false
	}
	share := max(room/len(env.Chunks), minChunkTokens)

	order := d.ranked(env)
	changed := false
	for j := len(order) - 1; j >= 0; j-- {
		c := &env.Chunks[order[j]]
		if c.Tokens <= share {
			continue
		}
		text, cut := truncateChunk(*c, share*4)
		if !cut {
			continue
		}
		tokens := EstimateTokens(text)
		env.cut(c.Anchor, 4, ActionTruncated, "oversized chunk", c.Tokens, tokens)
		c.Text, c.Tokens, c.Truncated, c.Stage = text, tokens, true, 4
		changed = true
		if refresh(env, maxTokens) {
			break
		}
	}
	return changed
}

// truncateChunk cuts a chunk's text to maxBytes. A summary keeps its marker
// last and only the sentences before it are cut.
func truncateChunk(c Chunk, maxBytes int) (string, bool) {
	if !c.Summarized {
		return Truncate(c.Text, c.Anchor, maxBytes)
	}
	marker := summaryMarker(c.Anchor)
	i := strings.LastIndex(c.Text, marker)
	if i < 0 {
		return Truncate(c.Text, c.Anchor, maxBytes)
	}
	if len(c.Text) <= maxBytes {
		return c.Text, false
	}
	body := strings.TrimSpace(c.Text[:i])
	text, _ := Truncate(body, c.Anchor, maxBytes-len(marker)-1)
	return text + " " + marker, true
}

// collapse is stage 5: nothing but index and task remains.
func (d Degrader) collapse(env *Envelope, maxTokens int) bool {
	changed := false
	for _, c := range env.Chunks {
		env.cut(c.Anchor, 5, ActionCollapsed, "budget holds only index and task", c.Tokens, 0)
		changed = true
	}
	env.Chunks = []Chunk{}
	for i := range env.Attachments {
		a := &env.Attachments[i]
		if a.Included {
			a.Included = false
			env.cut(a.Anchor, 5, ActionCollapsed, "budget holds only index and task", a.Tokens, 0)
			changed = true
		}
	}
	refresh(env, maxTokens)
	return changed
}
