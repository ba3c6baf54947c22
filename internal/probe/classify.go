package probe

import (
	"context"
	stderrors "errors"
	"net"
	"strings"
)

// Patterns are matched lowercase against the provider's error message and code.
// Order matters: the specific format complaints come before the generic
// "not supported" phrasings they often contain.
var signaturePatterns = []struct {
	sig      Signature
	patterns []string
}{
	{SigImagesFirst, []string{
		"image must precede text",
		"images must precede text",
		"images must come before",
		"image must come before",
		"image must be the first",
		"place images before text",
	}},
	{SigRequiresBase64, []string{
		"base64 required",
		"base64 is required",
		"must be base64",
		"only base64",
		"must be base64-encoded",
		"url sources are not supported",
		"image urls are not supported",
		"remote images are not supported",
		"failed to download image",
		"unable to download",
	}},
	{SigInvalidContentType, []string{
		"invalid content type",
		"invalid_content_type",
		"unknown content type",
		"unsupported content type",
		"content type is not supported",
		"invalid type for 'messages",
		"unknown variant",
	}},
	{SigPDFUnsupported, []string{
		"pdf not supported",
		"pdfs are not supported",
		"does not support pdf",
		"pdf input is not supported",
		"document input is not supported",
		"documents are not supported",
		"unsupported file type",
		"unsupported mime type: application/pdf",
		"file type application/pdf is not supported",
		"'file' is not supported",
	}},
	{SigVisionUnsupported, []string{
		"does not support vision",
		"vision is not supported",
		"does not support image",
		"does not support images",
		"image input is not supported",
		"images are not supported",
		"image_url is only supported",
		"not a multimodal model",
		"model is not multimodal",
	}},
	{SigModelNotFound, []string{
		"model not found",
		"model_not_found",
		"does not exist",
		"unknown model",
		"no such model",
	}},
}

// matchSignature returns the first signature whose pattern appears in text.
func matchSignature(text string) Signature {
	lower := strings.ToLower(text)
	for _, group := range signaturePatterns {
		for _, p := range group.patterns {
			if strings.Contains(lower, p) {
				return group.sig
			}
		}
	}
	return SigNone
}

// Classify maps one HTTP exchange to an outcome and signature.
//
// Transport failures, rate limits, 5xx and unparseable bodies are
// inconclusive. A 4xx is classified only when it matches a known pattern or
// is an auth/not-found status; anything else is inconclusive.
func Classify(status int, resp Response, transportErr error) (Outcome, Signature) {
	if transportErr != nil {
		return OutcomeInconclusive, transportSignature(transportErr)
	}

	switch {
	case status >= 200 && status < 300:
		if resp.Malformed {
			return OutcomeInconclusive, SigMalformed
		}
		return OutcomeSuccess, SigNone
	case status == 429:
		return OutcomeInconclusive, SigRateLimited
	case status >= 500:
		// Some gateways report capability mismatches as 500s.
		if sig := matchSignature(resp.ErrorCode + " " + resp.ErrorMessage); sig.Capability() {
			return OutcomeClassified, sig
		}
		return OutcomeInconclusive, SigServerError
	}

	if sig := matchSignature(resp.ErrorCode + " " + resp.ErrorMessage); sig != SigNone {
		return OutcomeClassified, sig
	}
	switch status {
	case 401, 403:
		return OutcomeClassified, SigAuth
	case 404:
		return OutcomeClassified, SigModelNotFound
	}
	return OutcomeInconclusive, SigUnrecognized
}

func transportSignature(err error) Signature {
	if stderrors.Is(err, context.Canceled) {
		return SigCancelled
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return SigTimeout
	}
	var netErr net.Error
	if stderrors.As(err, &netErr) && netErr.Timeout() {
		return SigTimeout
	}
	return SigTransport
}
