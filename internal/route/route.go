// Package route decides how each kind of content reaches a model, given
// what the model is known to accept.
package route

import (
	"github.com/hpungsan/prism/internal/capability"
	"github.com/hpungsan/prism/internal/source"
)

// Strategy is a handling decision for one content kind.
type Strategy string

const (
	// PDF strategies.
	PDFNative Strategy = "native"
	PDFImages Strategy = "images"
	PDFText   Strategy = "text"

	// Image strategies.
	ImageInline          Strategy = "image"
	ImageTextDescription Strategy = "text_description"
	ImageOmit            Strategy = "omit"

	// Webpage strategies.
	WebText           Strategy = "text"
	WebTextScreenshot Strategy = "text+screenshot"

	// Notes and chat logs.
	Text Strategy = "text"
)

// Decision is the router's answer for one source.
type Decision struct {
	Strategy Strategy `json:"strategy"`

	// AttachMedia is set when the strategy sends binary media to the model.
	AttachMedia bool `json:"attach_media"`

	// IncludeText is set when extracted text goes into the content section.
	IncludeText bool `json:"include_text"`
}

// Route picks the strategy for kind. hasText reports whether the source has
// usable text (alt text or OCR for images). Only positive capability
// evidence moves a route off its text-only default.
func Route(kind source.Kind, caps capability.ProbedCapabilities, hasText bool) Decision {
	switch kind {
	case source.KindPDF:
		switch {
		case caps.SupportsPDFNative:
			return Decision{Strategy: PDFNative, AttachMedia: true, IncludeText: true}
		case caps.SupportsVision:
			return Decision{Strategy: PDFImages, AttachMedia: true, IncludeText: true}
		default:
			return Decision{Strategy: PDFText, IncludeText: true}
		}
	case source.KindImage:
		switch {
		case caps.SupportsVision:
			return Decision{Strategy: ImageInline, AttachMedia: true, IncludeText: hasText}
		case hasText:
			return Decision{Strategy: ImageTextDescription, IncludeText: true}
		default:
			return Decision{Strategy: ImageOmit}
		}
	case source.KindWebpage:
		if caps.SupportsVision {
			return Decision{Strategy: WebTextScreenshot, AttachMedia: true, IncludeText: true}
		}
		return Decision{Strategy: WebText, IncludeText: true}
	default:
		return Decision{Strategy: Text, IncludeText: true}
	}
}

// ForSource routes s, stepping down when the media a strategy needs was
// not captured: a PDF without the original file cannot go native, and one
// without page renders cannot go as images.
func ForSource(s *source.Source, caps capability.ProbedCapabilities) Decision {
	switch s.Kind {
	case source.KindWebpage:
		if s.Screenshot == nil {
			caps.SupportsVision = false
		}
	case source.KindPDF:
		if s.Document == nil {
			caps.SupportsPDFNative = false
		}
		if !hasPageImages(s) {
			caps.SupportsVision = false
		}
	case source.KindImage:
		if s.Image == nil {
			caps.SupportsVision = false
		}
	}
	return Route(s.Kind, caps, s.Body() != "")
}

func hasPageImages(s *source.Source) bool {
	for _, p := range s.Pages {
		if p.Image != nil {
			return true
		}
	}
	return false
}
