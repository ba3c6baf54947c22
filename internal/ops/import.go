package ops

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/hpungsan/prism/internal/capability"
	"github.com/hpungsan/prism/internal/errors"
)

// ImportMode controls collision behavior during import.
type ImportMode string

const (
	ImportModeError   ImportMode = "error"   // fail on any collision, write nothing
	ImportModeReplace ImportMode = "replace" // overwrite on collision
	ImportModeSkip    ImportMode = "skip"    // keep the existing entry
)

// maxImportLine bounds one JSONL record.
const maxImportLine = 1 << 20

// ImportInput contains parameters for the ImportCapabilities operation.
type ImportInput struct {
	Path string     // required
	Mode ImportMode // default: error
}

// ImportOutput contains the result of the ImportCapabilities operation.
type ImportOutput struct {
	Imported int           `json:"imported"`
	Skipped  int           `json:"skipped"`
	Errors   []ImportError `json:"errors"`
}

// ImportError describes a record that could not be imported.
type ImportError struct {
	Line    int    `json:"line"`
	Key     string `json:"key,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type importRecord struct {
	key  string
	caps capability.ProbedCapabilities
	src  capability.Provenance
}

// ImportCapabilities loads an export file into the override and probed layers.
func ImportCapabilities(deps Deps, input ImportInput) (*ImportOutput, error) {
	if input.Path == "" {
		return nil, errors.NewInvalidRequest("path is required")
	}
	if input.Mode == "" {
		input.Mode = ImportModeError
	}
	if input.Mode != ImportModeError && input.Mode != ImportModeReplace && input.Mode != ImportModeSkip {
		return nil, errors.NewInvalidRequest("mode must be one of: error, replace, skip")
	}
	if err := ValidatePath(input.Path, PathCheckRead, deps.Config); err != nil {
		return nil, err
	}

	file, err := openFileNoFollowRead(input.Path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	records, parseErrors, err := parseImport(file)
	if err != nil {
		return nil, err
	}
	out := &ImportOutput{Errors: parseErrors}
	if out.Errors == nil {
		out.Errors = []ImportError{}
	}
	if input.Mode == ImportModeError && len(parseErrors) > 0 {
		return out, nil
	}

	overrides, probed := deps.Cache.Layers()
	exists := func(r importRecord) bool {
		if r.src == capability.SourceLocalOverride {
			_, ok := overrides[r.key]
			return ok
		}
		_, ok := probed[r.key]
		return ok
	}

	if input.Mode == ImportModeError {
		var taken []string
		for _, r := range records {
			if exists(r) {
				taken = append(taken, r.key)
			}
		}
		if len(taken) > 0 {
			e := errors.NewConflict(fmt.Sprintf("%d entries already exist (use mode replace or skip)", len(taken)))
			e.Details = map[string]any{"keys": taken}
			return nil, e
		}
	}

	for _, r := range records {
		if input.Mode == ImportModeSkip && exists(r) {
			out.Skipped++
			continue
		}
		if r.src == capability.SourceLocalOverride {
			if _, err := deps.Cache.SetOverride(r.caps); err != nil {
				return nil, err
			}
		} else {
			deps.Cache.Record(r.caps)
		}
		out.Imported++
	}

	deps.Logger.Info().
		Str("path", input.Path).
		Int("imported", out.Imported).
		Int("skipped", out.Skipped).
		Int("errors", len(out.Errors)).
		Msg("capabilities imported")
	return out, nil
}

// parseImport reads records, skipping the header line.
func parseImport(r io.Reader) ([]importRecord, []ImportError, error) {
	var records []importRecord
	var bad []ImportError

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxImportLine)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(strings.TrimSpace(string(raw))) == 0 {
			continue
		}

		var rec ExportRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			bad = append(bad, ImportError{Line: line, Code: "PARSE_ERROR", Message: fmt.Sprintf("invalid JSON: %v", err)})
			continue
		}
		if rec.PrismExport {
			continue
		}

		caps := rec.Capabilities
		provider, model := capability.SplitKey(rec.Key)
		if caps.Provider == "" {
			caps.Provider = provider
		}
		if caps.Model == "" {
			caps.Model = model
		}
		key := capability.Key(caps.Provider, caps.Model)
		if caps.Provider == "" || caps.Model == "" {
			bad = append(bad, ImportError{Line: line, Key: rec.Key, Code: "INVALID_RECORD", Message: "missing provider or model"})
			continue
		}
		switch rec.Source {
		case capability.SourceLocalOverride:
		case capability.SourceProbed:
			if caps.ProbedAt.IsZero() {
				caps.ProbedAt = rec.LastProbedAt
			}
		default:
			bad = append(bad, ImportError{Line: line, Key: key, Code: "INVALID_RECORD",
				Message: fmt.Sprintf("source must be local_override or probed, got %q", rec.Source)})
			continue
		}
		records = append(records, importRecord{key: key, caps: caps, src: rec.Source})
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, errors.NewInternal(fmt.Errorf("failed to read import file: %w", err))
	}
	return records, bad, nil
}
