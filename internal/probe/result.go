// Package probe sends minimal test requests to model endpoints and turns the
// outcomes into capability records.
package probe

import "time"

// Kind is the modality a probe exercises.
type Kind string

const (
	KindText  Kind = "text"
	KindImage Kind = "image"
	KindPDF   Kind = "pdf"
)

// Outcome is the terminal classification of a probe.
type Outcome string

const (
	OutcomeSuccess      Outcome = "success"
	OutcomeClassified   Outcome = "classified"
	OutcomeInconclusive Outcome = "inconclusive"
)

// Signature names a recognized failure pattern.
type Signature string

const (
	SigNone               Signature = ""
	SigVisionUnsupported  Signature = "vision_unsupported"
	SigPDFUnsupported     Signature = "pdf_unsupported"
	SigInvalidContentType Signature = "invalid_content_type"
	SigRequiresBase64     Signature = "requires_base64"
	SigImagesFirst        Signature = "requires_images_first"
	SigModelNotFound      Signature = "model_not_found"
	SigAuth               Signature = "auth_failed"
	SigRateLimited        Signature = "rate_limited"
	SigServerError        Signature = "server_error"
	SigTimeout            Signature = "timeout"
	SigTransport          Signature = "transport_error"
	SigMalformed          Signature = "malformed_response"
	SigCancelled          Signature = "cancelled"
	SigUnrecognized       Signature = "unrecognized_error"
)

// Capability reports whether the signature speaks to a modality feature,
// as opposed to access or transport problems.
func (s Signature) Capability() bool {
	switch s {
	case SigVisionUnsupported, SigPDFUnsupported, SigInvalidContentType, SigRequiresBase64, SigImagesFirst:
		return true
	}
	return false
}

// Attempt is one request sent while probing.
type Attempt struct {
	Variant   Variant       `json:"variant"`
	Outcome   Outcome       `json:"outcome"`
	Signature Signature     `json:"signature,omitempty"`
	Status    int           `json:"status,omitempty"`
	Code      string        `json:"error_code,omitempty"`
	Message   string        `json:"error_message,omitempty"`
	Excerpt   string        `json:"response_excerpt,omitempty"`
	Latency   time.Duration `json:"latency"`
}

// Result is the outcome of one probe kind against one model.
type Result struct {
	Provider        string        `json:"provider"`
	Model           string        `json:"model"`
	Kind            Kind          `json:"kind"`
	Success         bool          `json:"success"`
	Outcome         Outcome       `json:"outcome"`
	Signature       Signature     `json:"signature,omitempty"`
	ResponseExcerpt string        `json:"response_excerpt,omitempty"`
	ErrorCode       string        `json:"error_code,omitempty"`
	ErrorMessage    string        `json:"error_message,omitempty"`
	Latency         time.Duration `json:"latency"`
	Variant         Variant       `json:"variant"`
	StartedAt       time.Time     `json:"started_at"`
	Attempts        []Attempt     `json:"attempts"`
}

// PriorSignatures returns the signatures of attempts that failed before the last one.
func (r Result) PriorSignatures() []Signature {
	if len(r.Attempts) < 2 {
		return nil
	}
	var out []Signature
	for _, a := range r.Attempts[:len(r.Attempts)-1] {
		if a.Signature != SigNone {
			out = append(out, a.Signature)
		}
	}
	return out
}

func excerpt(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8Start(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

func utf8Start(b byte) bool { return b&0xC0 != 0x80 }
