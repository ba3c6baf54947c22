package ops

import (
	"github.com/hpungsan/prism/internal/capability"
)

// ListInput contains parameters for the ListCapabilities operation.
type ListInput struct {
	Provider      string // optional filter
	IncludeStatic bool   // also list models known only to the static table
	Limit         int    // default: 20, max: 100
	Offset        int    // default: 0
}

// ListOutput contains the result of the ListCapabilities operation.
type ListOutput struct {
	Items      []capability.Listed `json:"items"`
	Pagination Pagination          `json:"pagination"`
	Sort       string              `json:"sort"`
}

// ListCapabilities lists the effective entry of every known model, sorted by key.
func ListCapabilities(deps Deps, input ListInput) (*ListOutput, error) {
	// Apply limit defaults and bounds
	limit := input.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}

	// Ensure offset is non-negative
	offset := max(input.Offset, 0)

	all := deps.Cache.List(input.IncludeStatic)
	provider := capability.NormalizeProvider(input.Provider)
	items := make([]capability.Listed, 0, len(all))
	for _, l := range all {
		if p, _ := capability.SplitKey(l.Key); provider != "" && p != provider {
			continue
		}
		items = append(items, l)
	}

	total := len(items)
	start := min(offset, total)
	end := min(start+limit, total)
	page := items[start:end]

	return &ListOutput{
		Items: page,
		Pagination: Pagination{
			Limit:   limit,
			Offset:  offset,
			HasMore: end < total,
			Total:   total,
		},
		Sort: "key_asc",
	}, nil
}
