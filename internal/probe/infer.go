package probe

import (
	"fmt"
	"slices"

	"github.com/hpungsan/prism/internal/capability"
	"github.com/hpungsan/prism/internal/errors"
)

// Infer turns probe results into a capability record. It performs no I/O.
//
// The text probe must have succeeded; otherwise nothing can be said about
// the model and a PROBE_FAILED error is returned. A nil or inconclusive
// media result leaves its feature undetermined so the cache keeps the
// lower layer's value.
func Infer(text Result, image, pdf *Result) (capability.ProbedCapabilities, error) {
	key := capability.Key(text.Provider, text.Model)
	if !text.Success {
		reason := string(text.Signature)
		if text.ErrorMessage != "" {
			reason = fmt.Sprintf("%s: %s", text.Signature, text.ErrorMessage)
		}
		if reason == "" {
			reason = string(text.Outcome)
		}
		return capability.ProbedCapabilities{}, errors.NewProbeFailed(key, reason)
	}

	caps := capability.Default(text.Provider, text.Model)
	caps.ProbedAt = text.StartedAt
	caps.ProbeVersion = capability.ProbeVersion
	quirks := map[string]bool{}

	switch decided, ok := decide(image); {
	case !ok:
		caps.Undetermined = append(caps.Undetermined, capability.FeatureVision)
	case decided:
		caps.SupportsVision = true
		caps.SupportsPDFAsImages = true
		caps.RequiresBase64Images = needsBase64(image)
		caps.RequiresImagesFirst = image.Variant.ImagesFirst
	}
	addQuirks(quirks, image)

	switch decided, ok := decide(pdf); {
	case !ok:
		caps.Undetermined = append(caps.Undetermined, capability.FeaturePDF)
	case decided:
		caps.SupportsPDFNative = true
		if pdf.Variant.ImagesFirst {
			caps.RequiresImagesFirst = true
		}
	}
	addQuirks(quirks, pdf)

	for q := range quirks {
		caps.Quirks = append(caps.Quirks, q)
	}
	slices.Sort(caps.Quirks)
	return caps, nil
}

// decide returns (supported, determined) for a media probe.
func decide(r *Result) (bool, bool) {
	if r == nil {
		return false, false
	}
	switch r.Outcome {
	case OutcomeSuccess:
		return true, true
	case OutcomeClassified:
		if r.Signature.Capability() {
			return false, true
		}
	}
	return false, false
}

// needsBase64 reports whether the image probe only succeeded once the bytes
// were sent inline after the provider refused a URL reference.
func needsBase64(r *Result) bool {
	if !r.Variant.InlineBase64 {
		return false
	}
	for _, sig := range r.PriorSignatures() {
		if sig == SigRequiresBase64 || sig == SigInvalidContentType {
			return true
		}
	}
	return false
}

// addQuirks records every capability signature seen, as "<kind>:<signature>".
func addQuirks(quirks map[string]bool, r *Result) {
	if r == nil {
		return
	}
	for _, a := range r.Attempts {
		if a.Signature.Capability() {
			quirks[string(r.Kind)+":"+string(a.Signature)] = true
		}
	}
}
