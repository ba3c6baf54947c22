// Package capability records what input modalities a provider/model accepts
// and resolves lookups through override, probed, static and default layers.
package capability

import (
	"slices"
	"strings"
	"time"
)

// ProbeVersion tags the probe format. Entries recorded with an older version
// are treated as stale so a format change re-probes every model.
const ProbeVersion = 2

// MessageShape names the request family a provider speaks.
type MessageShape string

const (
	ShapeOpenAI    MessageShape = "openai_chat"
	ShapeAnthropic MessageShape = "anthropic_messages"
	ShapeGemini    MessageShape = "gemini_contents"
)

// ShapeForProvider maps a provider name to its message shape.
// Unknown providers are assumed OpenAI-compatible.
func ShapeForProvider(provider string) MessageShape {
	switch NormalizeProvider(provider) {
	case "anthropic", "claude":
		return ShapeAnthropic
	case "gemini", "google", "vertex":
		return ShapeGemini
	default:
		return ShapeOpenAI
	}
}

// Feature is a probe-determined capability. It names the probe kind that
// decides it, so inconclusive probes can be traced back to flags.
type Feature string

const (
	FeatureVision Feature = "vision"
	FeaturePDF    Feature = "pdf"
)

// ProbedCapabilities is the per (provider, model) capability record.
type ProbedCapabilities struct {
	Provider             string       `json:"provider" yaml:"-"`
	Model                string       `json:"model" yaml:"-"`
	SupportsVision       bool         `json:"supports_vision" yaml:"supports_vision"`
	SupportsPDFNative    bool         `json:"supports_pdf_native" yaml:"supports_pdf_native"`
	SupportsPDFAsImages  bool         `json:"supports_pdf_as_images" yaml:"supports_pdf_as_images"`
	RequiresBase64Images bool         `json:"requires_base64_images" yaml:"requires_base64_images"`
	RequiresImagesFirst  bool         `json:"requires_images_first" yaml:"requires_images_first"`
	MessageShape         MessageShape `json:"message_shape" yaml:"message_shape"`

	// Quirks is the format fingerprint: classified error signatures seen while probing.
	Quirks []string `json:"quirks,omitempty" yaml:"quirks,omitempty"`

	// Undetermined lists features whose probe was inconclusive. The flags for
	// these features carry the lower layer's value, never a probed negative.
	Undetermined []Feature `json:"undetermined,omitempty" yaml:"-"`

	ProbedAt     time.Time `json:"probed_at,omitempty" yaml:"-"`
	ProbeVersion int       `json:"probe_version,omitempty" yaml:"-"`
}

// Determined reports whether f was decided by a probe.
func (c ProbedCapabilities) Determined(f Feature) bool {
	return !slices.Contains(c.Undetermined, f)
}

// Class buckets the capabilities for routing summaries.
func (c ProbedCapabilities) Class() string {
	switch {
	case c.SupportsPDFNative:
		return "native_document"
	case c.SupportsVision:
		return "vision"
	default:
		return "text_only"
	}
}

// Provenance names the precedence layer that produced a value.
type Provenance string

const (
	SourceLocalOverride Provenance = "local_override"
	SourceProbed        Provenance = "probed"
	SourceStatic        Provenance = "static"
	SourceDefault       Provenance = "default"
)

// CachedCapabilityEntry wraps capabilities with where they came from.
type CachedCapabilityEntry struct {
	Capabilities ProbedCapabilities `json:"capabilities"`
	Source       Provenance         `json:"source"`
	LastProbedAt time.Time          `json:"last_probed_at,omitempty"`

	// Stale is set on resolution results only: a probed entry past its TTL
	// (or probe version) served as a fallback.
	Stale bool `json:"stale,omitempty"`
}

// Default returns the conservative baseline: text only, nothing else.
func Default(provider, model string) ProbedCapabilities {
	return ProbedCapabilities{
		Provider:     NormalizeProvider(provider),
		Model:        strings.TrimSpace(model),
		MessageShape: ShapeForProvider(provider),
	}
}

// NormalizeProvider lowercases and trims a provider name.
func NormalizeProvider(provider string) string {
	return strings.ToLower(strings.TrimSpace(provider))
}

// Key returns the "<provider>:<model>" cache key.
func Key(provider, model string) string {
	return NormalizeProvider(provider) + ":" + strings.TrimSpace(model)
}

// SplitKey reverses Key.
func SplitKey(key string) (provider, model string) {
	provider, model, _ = strings.Cut(key, ":")
	return provider, model
}
