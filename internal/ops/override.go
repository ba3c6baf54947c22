package ops

import (
	"github.com/hpungsan/prism/internal/capability"
	"github.com/hpungsan/prism/internal/errors"
)

// SetOverrideInput contains parameters for the SetOverride operation.
// An override replaces the whole record; unset flags mean false.
type SetOverrideInput struct {
	Provider             string // required
	Model                string // required
	SupportsVision       bool
	SupportsPDFNative    bool
	SupportsPDFAsImages  bool
	RequiresBase64Images bool
	RequiresImagesFirst  bool
	MessageShape         string // default: the provider's shape
}

// OverrideOutput contains the result of SetOverride.
type OverrideOutput struct {
	Key   string                           `json:"key"`
	Entry capability.CachedCapabilityEntry `json:"entry"`
}

// SetOverride writes a local override. Overrides win over every other layer
// and are never touched by probing.
func SetOverride(deps Deps, input SetOverrideInput) (*OverrideOutput, error) {
	pair, err := validatePair(input.Provider, input.Model)
	if err != nil {
		return nil, err
	}

	shape := capability.MessageShape(input.MessageShape)
	switch shape {
	case "":
		shape = capability.ShapeForProvider(pair.Provider)
	case capability.ShapeOpenAI, capability.ShapeAnthropic, capability.ShapeGemini:
	default:
		return nil, errors.NewInvalidRequest("message_shape must be one of: openai_chat, anthropic_messages, gemini_contents")
	}

	entry, err := deps.Cache.SetOverride(capability.ProbedCapabilities{
		Provider:             pair.Provider,
		Model:                pair.Model,
		SupportsVision:       input.SupportsVision,
		SupportsPDFNative:    input.SupportsPDFNative,
		SupportsPDFAsImages:  input.SupportsPDFAsImages,
		RequiresBase64Images: input.RequiresBase64Images,
		RequiresImagesFirst:  input.RequiresImagesFirst,
		MessageShape:         shape,
	})
	if err != nil {
		return nil, err
	}
	deps.Logger.Info().Str("key", pair.Key()).Msg("override set")
	return &OverrideOutput{Key: pair.Key(), Entry: entry}, nil
}

// ClearOverrideInput contains parameters for the ClearOverride operation.
type ClearOverrideInput struct {
	Provider string // required
	Model    string // required
}

// ClearOverrideOutput contains the result of ClearOverride.
type ClearOverrideOutput struct {
	Key     string `json:"key"`
	Cleared bool   `json:"cleared"`
}

// ClearOverride removes a local override. Returns NOT_FOUND when none exists.
func ClearOverride(deps Deps, input ClearOverrideInput) (*ClearOverrideOutput, error) {
	pair, err := validatePair(input.Provider, input.Model)
	if err != nil {
		return nil, err
	}
	ok, err := deps.Cache.ClearOverride(pair.Provider, pair.Model)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.NewNotFound(pair.Key())
	}
	deps.Logger.Info().Str("key", pair.Key()).Msg("override cleared")
	return &ClearOverrideOutput{Key: pair.Key(), Cleared: true}, nil
}
