package ops

import (
	"strings"

	"github.com/hpungsan/prism/internal/capability"
	"github.com/hpungsan/prism/internal/db"
	"github.com/hpungsan/prism/internal/errors"
)

// HistoryInput contains parameters for the ProbeHistory operation.
type HistoryInput struct {
	Provider string // optional filter
	Model    string // optional filter
	Limit    int    // default: 50, max: 500
}

// HistoryOutput contains the result of the ProbeHistory operation.
type HistoryOutput struct {
	Items []db.ProbeRun `json:"items"`
}

// ProbeHistory lists recorded probe attempts, newest first.
func ProbeHistory(deps Deps, input HistoryInput) (*HistoryOutput, error) {
	if deps.DB == nil {
		return nil, errors.NewInvalidRequest("probe history requires the database")
	}

	limit := input.Limit
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}

	runs, err := db.ListProbeRuns(deps.DB, capability.NormalizeProvider(input.Provider), strings.TrimSpace(input.Model), limit)
	if err != nil {
		return nil, err
	}
	if runs == nil {
		runs = []db.ProbeRun{}
	}
	return &HistoryOutput{Items: runs}, nil
}
