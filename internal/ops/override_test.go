package ops

import (
	"context"
	"fmt"
	"net/http"
	"testing"

	"github.com/hpungsan/prism/internal/capability"
	"github.com/hpungsan/prism/internal/errors"
)

func TestSetOverride_ReplacesWholeRecord(t *testing.T) {
	deps := testDeps(t)
	deps.Cache.Record(capability.ProbedCapabilities{Provider: "openai", Model: "gpt-4o", SupportsVision: true, SupportsPDFNative: true})

	out, err := SetOverride(deps, SetOverrideInput{Provider: "OpenAI", Model: "gpt-4o", SupportsVision: true})
	if err != nil {
		t.Fatalf("SetOverride failed: %v", err)
	}
	if out.Key != "openai:gpt-4o" {
		t.Errorf("Key = %q", out.Key)
	}
	if out.Entry.Capabilities.MessageShape != capability.ShapeOpenAI {
		t.Errorf("MessageShape = %q, want provider default", out.Entry.Capabilities.MessageShape)
	}

	got := deps.Cache.Lookup("openai", "gpt-4o")
	if got.Source != capability.SourceLocalOverride {
		t.Fatalf("Source = %q, want local_override", got.Source)
	}
	if got.Capabilities.SupportsPDFNative {
		t.Error("SupportsPDFNative = true; an override must not inherit probed flags")
	}
}

func TestSetOverride_InvalidShape(t *testing.T) {
	_, err := SetOverride(testDeps(t), SetOverrideInput{Provider: "openai", Model: "m", MessageShape: "xml"})
	if !errors.Is(err, errors.ErrInvalidRequest) {
		t.Errorf("error = %v, want INVALID_REQUEST", err)
	}
}

func TestClearOverride(t *testing.T) {
	deps := testDeps(t)
	if _, err := SetOverride(deps, SetOverrideInput{Provider: "anthropic", Model: "claude", SupportsPDFNative: true}); err != nil {
		t.Fatalf("SetOverride failed: %v", err)
	}

	out, err := ClearOverride(deps, ClearOverrideInput{Provider: "anthropic", Model: "claude"})
	if err != nil {
		t.Fatalf("ClearOverride failed: %v", err)
	}
	if !out.Cleared {
		t.Error("Cleared = false")
	}
	if got := deps.Cache.Lookup("anthropic", "claude"); got.Source == capability.SourceLocalOverride {
		t.Error("override still active after clear")
	}

	_, err = ClearOverride(deps, ClearOverrideInput{Provider: "anthropic", Model: "claude"})
	if !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("second clear error = %v, want NOT_FOUND", err)
	}
}

func TestResolve_Layers(t *testing.T) {
	deps := testDeps(t)
	deps.Cache.Record(capability.ProbedCapabilities{Provider: "openai", Model: "gpt-4o", SupportsVision: true})

	out, err := Resolve(context.Background(), deps, ResolveInput{Provider: "openai", Model: "gpt-4o"})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if out.Entry.Source != capability.SourceProbed || out.Class != "vision" {
		t.Errorf("got %s/%s, want probed/vision", out.Entry.Source, out.Class)
	}

	out, err = Resolve(context.Background(), deps, ResolveInput{Provider: "openai", Model: "other"})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if out.Entry.Source != capability.SourceDefault || out.Class != "text_only" {
		t.Errorf("got %s/%s, want default/text_only", out.Entry.Source, out.Class)
	}
}

func TestResolve_ProbeOnMiss(t *testing.T) {
	srv := providerServer(t, http.StatusOK, http.StatusOK)
	runner, resolve := newRunner(srv, nil)
	deps := depsWith(t, capability.Options{Prober: runner})
	deps.Runner, deps.Targets = runner, resolve

	out, err := Resolve(context.Background(), deps, ResolveInput{Provider: "groq", Model: "m", Probe: true})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if out.Entry.Source != capability.SourceProbed {
		t.Errorf("Source = %q, want probed", out.Entry.Source)
	}
	if out.Class != "native_document" {
		t.Errorf("Class = %q, want native_document", out.Class)
	}
}

func TestResolve_CancelledWhileProbing(t *testing.T) {
	srv := providerServer(t, http.StatusOK, http.StatusOK)
	runner, resolve := newRunner(srv, nil)
	deps := depsWith(t, capability.Options{Prober: runner})
	deps.Runner, deps.Targets = runner, resolve

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Resolve(ctx, deps, ResolveInput{Provider: "groq", Model: "m", Probe: true})
	// The shared probe may finish before the cancellation is observed.
	if err != nil && !errors.Is(err, errors.ErrCancelled) {
		t.Errorf("error = %v, want nil or CANCELLED", err)
	}
}

func TestListCapabilities_Pagination(t *testing.T) {
	deps := testDeps(t)
	for i := range 5 {
		deps.Cache.Record(capability.ProbedCapabilities{Provider: "openai", Model: fmt.Sprintf("m%d", i)})
	}
	deps.Cache.Record(capability.ProbedCapabilities{Provider: "groq", Model: "x"})

	out, err := ListCapabilities(deps, ListInput{Provider: "openai", Limit: 2, Offset: 1})
	if err != nil {
		t.Fatalf("ListCapabilities failed: %v", err)
	}
	if len(out.Items) != 2 {
		t.Fatalf("items = %d, want 2", len(out.Items))
	}
	if out.Items[0].Key != "openai:m1" || out.Items[1].Key != "openai:m2" {
		t.Errorf("keys = %s, %s", out.Items[0].Key, out.Items[1].Key)
	}
	if out.Pagination.Total != 5 || !out.Pagination.HasMore {
		t.Errorf("pagination = %+v", out.Pagination)
	}
	if out.Sort != "key_asc" {
		t.Errorf("Sort = %q", out.Sort)
	}

	all, err := ListCapabilities(deps, ListInput{Limit: 1000})
	if err != nil {
		t.Fatalf("ListCapabilities failed: %v", err)
	}
	if all.Pagination.Limit != MaxListLimit {
		t.Errorf("Limit = %d, want clamped to %d", all.Pagination.Limit, MaxListLimit)
	}
	if all.Pagination.Total != 6 || all.Pagination.HasMore {
		t.Errorf("pagination = %+v", all.Pagination)
	}
}

func TestListCapabilities_IncludeStatic(t *testing.T) {
	table, err := capability.LoadStaticTable("")
	if err != nil {
		t.Fatalf("LoadStaticTable failed: %v", err)
	}
	deps := depsWith(t, capability.Options{Static: table})

	out, err := ListCapabilities(deps, ListInput{IncludeStatic: true, Limit: MaxListLimit})
	if err != nil {
		t.Fatalf("ListCapabilities failed: %v", err)
	}
	if len(table.Keys()) == 0 {
		t.Fatal("built-in table has no exact keys")
	}
	if out.Pagination.Total != len(table.Keys()) {
		t.Errorf("Total = %d, want %d static keys", out.Pagination.Total, len(table.Keys()))
	}
	for _, item := range out.Items {
		if item.Entry.Source != capability.SourceStatic {
			t.Errorf("%s source = %q, want static", item.Key, item.Entry.Source)
		}
	}
}
