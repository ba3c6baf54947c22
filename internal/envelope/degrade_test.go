package envelope

import (
	"cmp"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpungsan/prism/internal/capability"
	"github.com/hpungsan/prism/internal/errors"
	"github.com/hpungsan/prism/internal/source"
)

func visionCaps() capability.ProbedCapabilities {
	return capability.ProbedCapabilities{SupportsVision: true, SupportsPDFAsImages: true}
}

func noteSource(t *testing.T, text string) source.Source {
	t.Helper()
	return mustSource(t, source.Extraction{Kind: source.KindNote, Text: text})
}

func sentences(prefix string, n int) string {
	var b strings.Builder
	for i := 1; i <= n; i++ {
		fmt.Fprintf(&b, "%s sentence %d is here. ", prefix, i)
	}
	return strings.TrimSpace(b.String())
}

// scenarioB is a ~2,000 token webpage plus a 50-page PDF of ~400 tokens per page.
func scenarioB(t *testing.T) *Envelope {
	t.Helper()
	web := mustSource(t, source.Extraction{Kind: source.KindWebpage, Title: "Page", URL: "https://example.com/a",
		Markdown: strings.Repeat("word ", 1600)})
	pdf := pdfSource(t, 50, strings.Repeat("abcd efgh ", 160), false)
	env := Build([]source.Source{web, pdf}, "What changed?", nil, Options{})
	require.Equal(t, 2000, env.Chunks[0].Tokens)
	require.Equal(t, 400, env.Chunks[1].Tokens)
	return env
}

func TestDegrade_NoOpWhenFits(t *testing.T) {
	env := Build([]source.Source{noteSource(t, "short note")}, "q", nil, Options{})

	out, err := Degrade(env, 10_000)
	require.NoError(t, err)
	assert.Zero(t, out.Budget.Stage)
	assert.Empty(t, out.Budget.Cuts)
	assert.Equal(t, env.Chunks, out.Chunks)
	assert.Equal(t, 10_000, out.Budget.MaxTokens)
}

func TestDegrade_NoBudget(t *testing.T) {
	env := scenarioB(t)
	out, err := Degrade(env, 0)
	require.NoError(t, err)
	assert.Len(t, out.Chunks, 51)
	assert.Zero(t, out.Budget.Stage)
}

func TestDegrade_ScenarioB(t *testing.T) {
	env := scenarioB(t)

	out, err := Degrade(env, 5000)
	require.NoError(t, err)

	assert.Equal(t, 1, out.Budget.Stage)
	assert.LessOrEqual(t, out.Budget.UsedTokens, 5000)
	assert.Equal(t, out.Budget.UsedTokens, out.Clone().Recount())

	require.Len(t, out.Index, 2)
	pages := out.Index[1].Pages
	require.Len(t, pages, 50, "index keeps every page")

	included := 0
	for _, p := range pages {
		if p.ContentIncluded {
			included++
		}
	}
	assert.Equal(t, 7, included)
	assert.True(t, pages[0].ContentIncluded)
	assert.True(t, pages[6].ContentIncluded)
	assert.False(t, pages[7].ContentIncluded)
	assert.False(t, pages[49].ContentIncluded)
	assert.Equal(t, out.Sources[0].ID, out.Chunks[0].SourceID, "webpage chunk survives")

	require.Len(t, out.Budget.Cuts, 43)
	first := out.Budget.Cuts[0]
	assert.Equal(t, source.ForPage(out.Sources[1].ID, 50), first.Anchor, "least relevant goes first")
	for _, c := range out.Budget.Cuts {
		assert.Equal(t, 1, c.Stage)
		assert.Equal(t, ActionRemoved, c.Action)
		assert.Equal(t, 400, c.TokensBefore)
		assert.Zero(t, c.TokensAfter)
	}

	require.NoError(t, out.Validate())
	assert.Len(t, env.Chunks, 51, "input is not modified")
}

func TestDegrade_Idempotent(t *testing.T) {
	fixed := func(n int) func(*Envelope) int { return func(*Envelope) int { return n } }
	tests := []struct {
		name   string
		env    func(t *testing.T) *Envelope
		budget func(*Envelope) int
	}{
		{"stage 1", scenarioB, fixed(5000)},
		{"stage 2", threeNotes, summaryBudget},
		{"stage 4", longNote, fixed(300)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := tt.env(t)
			budget := tt.budget(env)
			once, err := Degrade(env, budget)
			require.NoError(t, err)
			twice, err := Degrade(once, budget)
			require.NoError(t, err)
			assert.Equal(t, once, twice)
		})
	}
}

func threeNotes(t *testing.T) *Envelope {
	return Build([]source.Source{
		noteSource(t, sentences("Alpha", 40)),
		noteSource(t, sentences("Beta", 40)),
		noteSource(t, sentences("Gamma", 40)),
	}, "q", nil, Options{})
}

// summaryBudget leaves about 100 tokens next to index and task: too little
// for any whole note of threeNotes, enough for one summary.
func summaryBudget(env *Envelope) int {
	return env.FloorTokens() + 100
}

// longNote is one note of unpunctuated paragraphs, which no summary can shorten.
func longNote(t *testing.T) *Envelope {
	var paras []string
	for i := 0; i < 10; i++ {
		paras = append(paras, strings.TrimSpace(strings.Repeat(fmt.Sprintf("para%d ", i), 50)))
	}
	return Build([]source.Source{noteSource(t, strings.Join(paras, "\n\n"))}, "q", nil, Options{})
}

func TestDegrade_Stage1RemovesWholeSources(t *testing.T) {
	env := threeNotes(t)
	budget := env.FloorTokens() + env.Chunks[0].Tokens + env.Chunks[1].Tokens + 20

	out, err := Degrade(env, budget)
	require.NoError(t, err)

	assert.Equal(t, 1, out.Budget.Stage)
	assert.LessOrEqual(t, out.Budget.UsedTokens, budget)
	require.Len(t, out.Chunks, 2)
	for _, c := range out.Chunks {
		assert.False(t, c.Summarized)
	}

	require.Len(t, out.Index, 3, "index lists every source")
	assert.True(t, out.Index[0].ContentIncluded)
	assert.True(t, out.Index[1].ContentIncluded)
	assert.False(t, out.Index[2].ContentIncluded)
	assert.Contains(t, IndexLine(out.Index[2]), "content=omitted")

	require.Len(t, out.Budget.Cuts, 1)
	assert.Equal(t, env.Chunks[2].Anchor, out.Budget.Cuts[0].Anchor)
	assert.Equal(t, ActionRemoved, out.Budget.Cuts[0].Action)
}

func TestDegrade_Stage2Summaries(t *testing.T) {
	env := threeNotes(t)
	budget := summaryBudget(env)
	require.Greater(t, env.Chunks[0].Tokens, 100)

	out, err := Degrade(env, budget)
	require.NoError(t, err)

	assert.Equal(t, 2, out.Budget.Stage)
	assert.LessOrEqual(t, out.Budget.UsedTokens, budget)
	require.Len(t, out.Chunks, 1, "stage 1 spares only the most relevant chunk")

	c := out.Chunks[0]
	assert.Equal(t, env.Chunks[0].Anchor, c.Anchor)
	assert.True(t, c.Summarized)
	assert.Equal(t, 2, c.Stage)
	assert.True(t, strings.HasSuffix(c.Text, "[extractive summary, see "+string(c.Anchor)+" for full content]"), c.Text)
	assert.True(t, strings.HasPrefix(c.Text, "Alpha sentence 1 is here. Alpha sentence 2 is here. Alpha sentence 3 is here. ["))

	require.Len(t, out.Budget.Cuts, 3)
	assert.Equal(t, env.Chunks[2].Anchor, out.Budget.Cuts[0].Anchor, "lowest ranked removed first")
	assert.Equal(t, env.Chunks[1].Anchor, out.Budget.Cuts[1].Anchor)
	assert.Equal(t, ActionRemoved, out.Budget.Cuts[1].Action)
	assert.Equal(t, ActionSummarized, out.Budget.Cuts[2].Action)
	assert.Equal(t, 2, out.Budget.Cuts[2].Stage)

	assert.True(t, out.Index[0].Summarized)
	assert.Contains(t, IndexLine(out.Index[0]), "content=summary")
	assert.False(t, out.Index[1].ContentIncluded)
	assert.False(t, out.Index[2].ContentIncluded)
}

func TestDegrade_Stage2SummarizesLowestFirst(t *testing.T) {
	env := threeNotes(t)
	d := Degrader{Compare: InputOrder, SummarySentences: 3}

	changed := d.summarize(env, env.Budget.UsedTokens-1)
	require.True(t, changed)

	require.Len(t, env.Budget.Cuts, 1, "stops once the budget fits")
	assert.Equal(t, env.Chunks[2].Anchor, env.Budget.Cuts[0].Anchor)
	assert.False(t, env.Chunks[0].Summarized, "most relevant chunk is summarized last")
}

func TestDegrade_Stage4KeepsSummaryMarker(t *testing.T) {
	long := strings.Repeat("word ", 200) + "ends here."
	env := Build([]source.Source{noteSource(t, strings.Join([]string{long, long, long, long}, " "))}, "q", nil, Options{})
	d := Degrader{Compare: InputOrder, SummarySentences: 3}

	require.True(t, d.summarize(env, 0))
	require.True(t, env.Chunks[0].Summarized)

	budget := env.FloorTokens() + 60
	require.True(t, d.truncate(env, budget))

	c := env.Chunks[0]
	assert.True(t, c.Truncated)
	assert.True(t, c.Summarized)
	assert.LessOrEqual(t, len(c.Text), 240)
	assert.True(t, strings.HasSuffix(c.Text, summaryMarker(c.Anchor)), c.Text)
	assert.Contains(t, c.Text, truncationMarker(c.Anchor))
}

func TestDegrade_Stage4Truncates(t *testing.T) {
	env := longNote(t)
	require.Greater(t, env.Budget.UsedTokens, 300)

	out, err := Degrade(env, 300)
	require.NoError(t, err)

	assert.Equal(t, 4, out.Budget.Stage)
	assert.LessOrEqual(t, out.Budget.UsedTokens, 300)
	require.Len(t, out.Chunks, 1)
	c := out.Chunks[0]
	assert.True(t, c.Truncated)
	assert.True(t, strings.HasSuffix(c.Text, "[truncated, see "+string(c.Anchor)+" for full content]"))
	assert.True(t, out.Index[0].Truncated)

	require.Len(t, out.Budget.Cuts, 1)
	assert.Equal(t, ActionTruncated, out.Budget.Cuts[0].Action)
	assert.Equal(t, 4, out.Budget.Cuts[0].Stage)
}

func TestDegrade_Stage3TopPages(t *testing.T) {
	pdf := pdfSource(t, 12, "page text.", true)
	caps := visionCaps()
	env := Build([]source.Source{pdf}, "q", RouterFor(caps), Options{IncludeAttachments: true})
	require.Len(t, env.Attachments, 12)

	// Stage 1 leaves one chunk; attachments are what stage 3 trims.
	env.Chunks = env.Chunks[:1]
	env.annotate()
	env.Recount()

	changed := Degrader{TopKPages: 3}.topPages(env, 0)
	require.True(t, changed)

	var attached []int
	for _, a := range env.Attachments {
		if a.Included {
			attached = append(attached, a.Page)
		}
	}
	assert.Equal(t, []int{1, 2, 3}, attached)
	assert.Len(t, env.Budget.Cuts, 9)
	for _, c := range env.Budget.Cuts {
		assert.Equal(t, ActionPageDrop, c.Action)
	}
	assert.Len(t, env.Index[0].Pages, 12)
	assert.False(t, env.Index[0].Pages[11].Attached)
	assert.Contains(t, IndexLine(env.Index[0]), "attached_pages=1-3")
}

func TestDegrade_Stage5Collapse(t *testing.T) {
	env := longNote(t)
	budget := env.FloorTokens() + 5

	out, err := Degrade(env, budget)
	require.NoError(t, err)

	assert.Equal(t, 5, out.Budget.Stage)
	assert.Empty(t, out.Chunks)
	assert.LessOrEqual(t, out.Budget.UsedTokens, budget)
	assert.False(t, out.Index[0].ContentIncluded)
	last := out.Budget.Cuts[len(out.Budget.Cuts)-1]
	assert.Equal(t, ActionCollapsed, last.Action)
	assert.Equal(t, 5, last.Stage)
}

func TestDegrade_OverflowReturnsCollapsedEnvelope(t *testing.T) {
	web := mustSource(t, source.Extraction{Kind: source.KindWebpage, Markdown: "Some body text.",
		Screenshot: blob("image/png", 10, 10)})
	env := Build([]source.Source{web}, strings.Repeat("task ", 400), RouterFor(visionCaps()), Options{IncludeAttachments: true})
	require.Len(t, env.Attachments, 1)

	out, err := Degrade(env, 100)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrBudgetOverflow))

	require.NotNil(t, out)
	assert.Equal(t, 5, out.Budget.Stage)
	assert.Empty(t, out.Chunks)
	assert.Empty(t, out.IncludedAttachments())
	assert.Equal(t, strings.Repeat("task ", 400), out.Task, "task is never cut")
	assert.Len(t, out.Index, 1)
}

func TestDegrade_CustomComparator(t *testing.T) {
	env := scenarioB(t)
	newestFirst := Degrader{Compare: func(a, b Chunk) int { return cmp.Compare(b.Rank, a.Rank) }}

	out, err := newestFirst.Degrade(env, 5000)
	require.NoError(t, err)

	assert.Equal(t, env.Chunks[0].Anchor, out.Budget.Cuts[0].Anchor, "reversed order drops the webpage first")
	assert.Equal(t, source.ForPage(out.Sources[1].ID, 1), out.Budget.Cuts[1].Anchor)
	assert.False(t, out.Index[0].ContentIncluded)
	pages := out.Index[1].Pages
	assert.True(t, pages[49].ContentIncluded)
	assert.False(t, pages[0].ContentIncluded)
}

func TestDegrade_Deterministic(t *testing.T) {
	a, errA := Degrade(scenarioB(t), 3000)
	b, errB := Degrade(scenarioB(t), 3000)
	assert.Equal(t, errA, errB)
	assert.Equal(t, a, b)
	assert.Equal(t, Render(a), Render(b))
}
