package probe

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/hpungsan/prism/internal/capability"
)

// Target is what a probe talks to.
type Target struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Endpoint string `json:"endpoint"`
	APIKey   string `json:"-"`

	// ImageURL and PDFURL, when set, host the fixtures so URL-referenced
	// variants can be tried.
	ImageURL string `json:"image_url,omitempty"`
	PDFURL   string `json:"pdf_url,omitempty"`
}

// Key returns the capability cache key for the target.
func (t Target) Key() string { return capability.Key(t.Provider, t.Model) }

func (t Target) mediaURL(kind Kind) string {
	if kind == KindPDF {
		return t.PDFURL
	}
	return t.ImageURL
}

// Response is the provider-neutral reading of a probe response body.
type Response struct {
	Text         string
	ErrorCode    string
	ErrorMessage string
	Malformed    bool
}

// Adapter builds probe requests and parses responses for one provider family.
type Adapter interface {
	Shape() capability.MessageShape
	BuildProbeRequest(ctx context.Context, t Target, kind Kind, v Variant) (*http.Request, error)
	ParseProbeResponse(status int, body []byte) Response
}

// AdapterFor selects the adapter for a provider by its message shape.
func AdapterFor(provider string) Adapter {
	switch capability.ShapeForProvider(provider) {
	case capability.ShapeAnthropic:
		return AnthropicStyle{}
	case capability.ShapeGemini:
		return GeminiStyle{}
	default:
		return OpenAIStyle{}
	}
}

const maxProbeTokens = 8

func postJSON(ctx context.Context, endpoint string, body any) (*http.Request, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func dataURL(mime string, data []byte) string {
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// order returns [text, media] or [media, text].
func order(v Variant, text, mediaPart any) []any {
	if v.ImagesFirst {
		return []any{mediaPart, text}
	}
	return []any{text, mediaPart}
}

// OpenAIStyle speaks the chat completions shape used by OpenAI, Groq,
// OpenRouter, Ollama and most compatible gateways.
type OpenAIStyle struct{}

func (OpenAIStyle) Shape() capability.MessageShape { return capability.ShapeOpenAI }

func (OpenAIStyle) BuildProbeRequest(ctx context.Context, t Target, kind Kind, v Variant) (*http.Request, error) {
	var content any = instruction(kind)
	if kind != KindText {
		data, mime := media(kind)
		ref := t.mediaURL(kind)
		if v.InlineBase64 || ref == "" {
			ref = dataURL(mime, data)
		}
		var part map[string]any
		if kind == KindPDF {
			file := map[string]any{"filename": "probe.pdf"}
			if v.InlineBase64 || t.PDFURL == "" {
				file["file_data"] = ref
			} else {
				file["file_url"] = ref
			}
			part = map[string]any{"type": "file", "file": file}
		} else {
			part = map[string]any{"type": "image_url", "image_url": map[string]any{"url": ref}}
		}
		content = order(v, map[string]any{"type": "text", "text": instruction(kind)}, part)
	}

	body := map[string]any{
		"model":      t.Model,
		"max_tokens": maxProbeTokens,
		"messages":   []any{map[string]any{"role": "user", "content": content}},
	}
	req, err := postJSON(ctx, strings.TrimRight(t.Endpoint, "/")+"/chat/completions", body)
	if err != nil {
		return nil, err
	}
	if t.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.APIKey)
	}
	return req, nil
}

func (OpenAIStyle) ParseProbeResponse(status int, body []byte) Response {
	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Error *struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    any    `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nonJSON(status, body)
	}
	if parsed.Error != nil {
		return Response{ErrorCode: joinCode(parsed.Error.Type, parsed.Error.Code), ErrorMessage: parsed.Error.Message}
	}
	if status >= 300 {
		return Response{ErrorMessage: string(body)}
	}
	if len(parsed.Choices) == 0 {
		return Response{Malformed: true}
	}
	return Response{Text: parsed.Choices[0].Message.Content}
}

// AnthropicStyle speaks the messages API.
type AnthropicStyle struct{}

const anthropicVersion = "2023-06-01"

func (AnthropicStyle) Shape() capability.MessageShape { return capability.ShapeAnthropic }

func (AnthropicStyle) BuildProbeRequest(ctx context.Context, t Target, kind Kind, v Variant) (*http.Request, error) {
	var content any = instruction(kind)
	if kind != KindText {
		data, mime := media(kind)
		source := map[string]any{"type": "base64", "media_type": mime, "data": base64.StdEncoding.EncodeToString(data)}
		if ref := t.mediaURL(kind); !v.InlineBase64 && ref != "" {
			source = map[string]any{"type": "url", "url": ref}
		}
		partType := "image"
		if kind == KindPDF {
			partType = "document"
		}
		part := map[string]any{"type": partType, "source": source}
		content = order(v, map[string]any{"type": "text", "text": instruction(kind)}, part)
	}

	body := map[string]any{
		"model":      t.Model,
		"max_tokens": maxProbeTokens,
		"messages":   []any{map[string]any{"role": "user", "content": content}},
	}
	endpoint := strings.TrimRight(t.Endpoint, "/")
	if !strings.HasSuffix(endpoint, "/v1") {
		endpoint += "/v1"
	}
	req, err := postJSON(ctx, endpoint+"/messages", body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("anthropic-version", anthropicVersion)
	if t.APIKey != "" {
		req.Header.Set("x-api-key", t.APIKey)
	}
	return req, nil
}

func (AnthropicStyle) ParseProbeResponse(status int, body []byte) Response {
	var parsed struct {
		Type    string `json:"type"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		Error *struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nonJSON(status, body)
	}
	if parsed.Error != nil {
		return Response{ErrorCode: parsed.Error.Type, ErrorMessage: parsed.Error.Message}
	}
	if status >= 300 {
		return Response{ErrorMessage: string(body)}
	}
	if parsed.Type != "message" && len(parsed.Content) == 0 {
		return Response{Malformed: true}
	}
	var text strings.Builder
	for _, c := range parsed.Content {
		if c.Type == "text" {
			text.WriteString(c.Text)
		}
	}
	return Response{Text: text.String()}
}

// GeminiStyle speaks generateContent.
type GeminiStyle struct{}

func (GeminiStyle) Shape() capability.MessageShape { return capability.ShapeGemini }

func (GeminiStyle) BuildProbeRequest(ctx context.Context, t Target, kind Kind, v Variant) (*http.Request, error) {
	parts := []any{map[string]any{"text": instruction(kind)}}
	if kind != KindText {
		data, mime := media(kind)
		part := map[string]any{"inline_data": map[string]any{
			"mime_type": mime,
			"data":      base64.StdEncoding.EncodeToString(data),
		}}
		if ref := t.mediaURL(kind); !v.InlineBase64 && ref != "" {
			part = map[string]any{"file_data": map[string]any{"mime_type": mime, "file_uri": ref}}
		}
		parts = order(v, parts[0], part)
	}

	body := map[string]any{
		"contents":         []any{map[string]any{"role": "user", "parts": parts}},
		"generationConfig": map[string]any{"maxOutputTokens": maxProbeTokens},
	}
	endpoint := fmt.Sprintf("%s/models/%s:generateContent", strings.TrimRight(t.Endpoint, "/"), url.PathEscape(t.Model))
	req, err := postJSON(ctx, endpoint, body)
	if err != nil {
		return nil, err
	}
	if t.APIKey != "" {
		req.Header.Set("x-goog-api-key", t.APIKey)
	}
	return req, nil
}

func (GeminiStyle) ParseProbeResponse(status int, body []byte) Response {
	var parsed struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
		Error *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
			Status  string `json:"status"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nonJSON(status, body)
	}
	if parsed.Error != nil {
		return Response{ErrorCode: parsed.Error.Status, ErrorMessage: parsed.Error.Message}
	}
	if status >= 300 {
		return Response{ErrorMessage: string(body)}
	}
	if len(parsed.Candidates) == 0 {
		return Response{Malformed: true}
	}
	var text strings.Builder
	for _, p := range parsed.Candidates[0].Content.Parts {
		text.WriteString(p.Text)
	}
	return Response{Text: text.String()}
}

// nonJSON handles bodies that are not JSON. A 2xx that does not parse is
// malformed; an error status keeps the raw body for pattern matching.
func nonJSON(status int, body []byte) Response {
	if status >= 200 && status < 300 {
		return Response{Malformed: true}
	}
	return Response{ErrorMessage: strings.TrimSpace(string(body))}
}

func joinCode(typ string, code any) string {
	switch c := code.(type) {
	case nil:
		return typ
	case string:
		if typ == "" {
			return c
		}
		return typ + "/" + c
	default:
		return strings.TrimPrefix(fmt.Sprintf("%s/%v", typ, c), "/")
	}
}
