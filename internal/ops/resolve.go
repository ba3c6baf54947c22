package ops

import (
	"context"

	"github.com/hpungsan/prism/internal/capability"
)

// ResolveInput contains parameters for the Resolve operation.
type ResolveInput struct {
	Provider string // required
	Model    string // required

	// Probe waits for a probe when no fresh entry exists.
	Probe bool
}

// ResolveOutput contains the result of the Resolve operation.
type ResolveOutput struct {
	Key     string                           `json:"key"`
	Entry   capability.CachedCapabilityEntry `json:"entry"`
	Class   string                           `json:"class"`
	Warning string                           `json:"warning,omitempty"`
}

// Resolve returns the effective capabilities for a model and where they came from.
func Resolve(ctx context.Context, deps Deps, input ResolveInput) (*ResolveOutput, error) {
	pair, err := validatePair(input.Provider, input.Model)
	if err != nil {
		return nil, err
	}

	var entry capability.CachedCapabilityEntry
	if input.Probe {
		entry, err = deps.Cache.Resolve(ctx, pair.Provider, pair.Model)
		if err != nil {
			return nil, err
		}
	} else {
		entry = deps.Cache.Lookup(pair.Provider, pair.Model)
	}

	out := &ResolveOutput{
		Key:   pair.Key(),
		Entry: entry,
		Class: entry.Capabilities.Class(),
	}
	if lerr := deps.Cache.LoadError(); lerr != nil {
		out.Warning = lerr.Error()
	}
	return out, nil
}
