package probe

import (
	"context"
	"fmt"
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		resp    Response
		err     error
		outcome Outcome
		sig     Signature
	}{
		{"ok", 200, Response{Text: "OK"}, nil, OutcomeSuccess, SigNone},
		{"ok but malformed", 200, Response{Malformed: true}, nil, OutcomeInconclusive, SigMalformed},
		{"vision", 400, Response{ErrorMessage: "This model does not support vision inputs"}, nil, OutcomeClassified, SigVisionUnsupported},
		{"pdf", 400, Response{ErrorMessage: "PDF not supported for this model"}, nil, OutcomeClassified, SigPDFUnsupported},
		{"base64", 400, Response{ErrorMessage: "Image URLs are not supported; base64 required"}, nil, OutcomeClassified, SigRequiresBase64},
		{"content type", 400, Response{ErrorMessage: "Invalid content type image_url"}, nil, OutcomeClassified, SigInvalidContentType},
		{"ordering", 400, Response{ErrorMessage: "image must precede text in user turn"}, nil, OutcomeClassified, SigImagesFirst},
		{"code only", 400, Response{ErrorCode: "invalid_content_type"}, nil, OutcomeClassified, SigInvalidContentType},
		{"auth", 401, Response{ErrorMessage: "bad key"}, nil, OutcomeClassified, SigAuth},
		{"not found", 404, Response{ErrorMessage: "nope"}, nil, OutcomeClassified, SigModelNotFound},
		{"model missing 400", 400, Response{ErrorMessage: "The model `x` does not exist"}, nil, OutcomeClassified, SigModelNotFound},
		{"unknown 400", 400, Response{ErrorMessage: "something odd"}, nil, OutcomeInconclusive, SigUnrecognized},
		{"rate limit", 429, Response{ErrorMessage: "does not support vision"}, nil, OutcomeInconclusive, SigRateLimited},
		{"5xx", 503, Response{ErrorMessage: "overloaded"}, nil, OutcomeInconclusive, SigServerError},
		{"5xx with capability text", 500, Response{ErrorMessage: "model does not support images"}, nil, OutcomeClassified, SigVisionUnsupported},
		{"timeout", 0, Response{}, fmt.Errorf("post: %w", context.DeadlineExceeded), OutcomeInconclusive, SigTimeout},
		{"cancelled", 0, Response{}, context.Canceled, OutcomeInconclusive, SigCancelled},
		{"connection refused", 0, Response{}, fmt.Errorf("dial tcp: connection refused"), OutcomeInconclusive, SigTransport},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			outcome, sig := Classify(tt.status, tt.resp, tt.err)
			if outcome != tt.outcome || sig != tt.sig {
				t.Errorf("Classify() = (%s, %q), want (%s, %q)", outcome, sig, tt.outcome, tt.sig)
			}
		})
	}
}

func TestSignature_Capability(t *testing.T) {
	for _, sig := range []Signature{SigVisionUnsupported, SigPDFUnsupported, SigRequiresBase64, SigInvalidContentType, SigImagesFirst} {
		if !sig.Capability() {
			t.Errorf("%s should be a capability signature", sig)
		}
	}
	for _, sig := range []Signature{SigNone, SigAuth, SigModelNotFound, SigTimeout, SigServerError, SigUnrecognized} {
		if sig.Capability() {
			t.Errorf("%s should not be a capability signature", sig)
		}
	}
}
