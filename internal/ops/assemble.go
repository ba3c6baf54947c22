package ops

import (
	"context"
	"strings"

	"github.com/hpungsan/prism/internal/capability"
	"github.com/hpungsan/prism/internal/envelope"
	"github.com/hpungsan/prism/internal/errors"
	"github.com/hpungsan/prism/internal/source"
)

// AssembleInput contains parameters for the Assemble operation.
type AssembleInput struct {
	Provider           string // required
	Model              string // required
	Sources            []source.Extraction
	Task               string // required, never truncated
	MaxTokens          int    // 0: config default; negative: no budget
	IncludeAttachments bool

	// WaitForProbe blocks on a probe when the model has no fresh entry.
	// Otherwise the best known capabilities are used and a probe runs in
	// the background.
	WaitForProbe bool
}

// SkippedSource is an extraction that failed normalization.
type SkippedSource struct {
	Index   int    `json:"index"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AssembleOutput contains the result of the Assemble operation.
type AssembleOutput struct {
	RunID        string                           `json:"run_id"`
	Envelope     *envelope.Envelope               `json:"envelope"`
	Rendered     string                           `json:"rendered"`
	Capabilities capability.CachedCapabilityEntry `json:"capabilities"`
	Skipped      []SkippedSource                  `json:"skipped"`
	Warnings     []string                         `json:"warnings,omitempty"`
}

// Assemble normalizes extractions, routes them against the model's
// capabilities, builds the envelope, fits it to the budget and renders it.
//
// Malformed extractions are skipped and reported. When even the index and
// task exceed the budget, the collapsed output is returned together with a
// BUDGET_OVERFLOW error.
func Assemble(ctx context.Context, deps Deps, input AssembleInput) (*AssembleOutput, error) {
	pair, err := validatePair(input.Provider, input.Model)
	if err != nil {
		return nil, err
	}
	task := strings.TrimSpace(input.Task)
	if task == "" {
		return nil, errors.NewInvalidRequest("task is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.NewCancelled("assemble")
	}

	maxTokens := input.MaxTokens
	if maxTokens == 0 && deps.Config != nil {
		maxTokens = deps.Config.DefaultMaxTokens
	}
	if maxTokens < 0 {
		maxTokens = 0
	}

	runID, err := generateULID()
	if err != nil {
		return nil, errors.NewInternal(err)
	}

	normalizer := source.Normalizer{Now: deps.now}
	sources, skipped := normalizer.NormalizeAll(input.Sources)
	out := &AssembleOutput{RunID: runID, Skipped: []SkippedSource{}}
	for _, s := range skipped {
		perr := errors.NewNormalizationFailed(s.Index, s.Err)
		out.Skipped = append(out.Skipped, SkippedSource{Index: s.Index, Code: string(perr.Code), Message: perr.Message})
		deps.Logger.Warn().Str("run_id", runID).Int("index", s.Index).Err(s.Err).Msg("skipping source")
	}

	var entry capability.CachedCapabilityEntry
	if input.WaitForProbe {
		entry, err = deps.Cache.Resolve(ctx, pair.Provider, pair.Model)
		if err != nil {
			return nil, err
		}
	} else {
		entry = deps.Cache.Lookup(pair.Provider, pair.Model)
	}
	out.Capabilities = entry
	if lerr := deps.Cache.LoadError(); lerr != nil {
		out.Warnings = append(out.Warnings, lerr.Error())
	}
	if entry.Stale {
		out.Warnings = append(out.Warnings, "capabilities for "+pair.Key()+" are stale; a re-probe is pending")
	}

	env := envelope.Build(sources, task, envelope.RouterFor(entry.Capabilities), envelope.Options{
		MaxTokens:          maxTokens,
		IncludeAttachments: input.IncludeAttachments,
	})

	degrader := envelope.Degrader{}
	if deps.Config != nil {
		degrader.TopKPages = deps.Config.Stage3TopKPages
	}
	fitted, degradeErr := degrader.Degrade(env, maxTokens)
	if degradeErr != nil && !errors.Is(degradeErr, errors.ErrBudgetOverflow) {
		return nil, degradeErr
	}
	if err := fitted.Validate(); err != nil {
		return nil, errors.NewInternal(err)
	}

	out.Envelope = fitted
	out.Rendered = envelope.Render(fitted)

	deps.Logger.Info().
		Str("run_id", runID).
		Str("key", pair.Key()).
		Str("capabilities", string(entry.Source)).
		Int("sources", len(sources)).
		Int("skipped", len(skipped)).
		Int("stage", fitted.Budget.Stage).
		Int("used_tokens", fitted.Budget.UsedTokens).
		Int("max_tokens", maxTokens).
		Msg("assembled context")

	return out, degradeErr
}
