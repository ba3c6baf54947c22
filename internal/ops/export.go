package ops

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"time"

	"github.com/hpungsan/prism/internal/capability"
	"github.com/hpungsan/prism/internal/errors"
)

// Export layers.
const (
	LayerAll       = "all"
	LayerOverrides = "overrides"
	LayerProbed    = "probed"
)

// ExportInput contains parameters for the ExportCapabilities operation.
type ExportInput struct {
	Path     string // optional, default: ~/.prism/exports/<provider|all>-<timestamp>.jsonl
	Provider string // optional filter
	Layer    string // all (default), overrides, probed
}

// ExportOutput contains the result of the ExportCapabilities operation.
type ExportOutput struct {
	Path       string `json:"path"`
	Count      int    `json:"count"`
	ExportedAt int64  `json:"exported_at"`
}

// ExportHeader is the first line of an export file.
type ExportHeader struct {
	PrismExport   bool   `json:"_prism_export"`
	SchemaVersion string `json:"schema_version"`
	ProbeVersion  int    `json:"probe_version"`
	ExportedAt    int64  `json:"exported_at"`
}

// ExportRecord is one stored entry. Source tells which layer it belongs to.
type ExportRecord struct {
	PrismExport bool   `json:"_prism_export,omitempty"`
	Key         string `json:"key"`
	capability.CachedCapabilityEntry
}

// ExportCapabilities writes the override and probed layers to a JSONL file
// so another machine can import them. Static and default entries are not exported.
func ExportCapabilities(ctx context.Context, deps Deps, input ExportInput) (*ExportOutput, error) {
	layer := input.Layer
	if layer == "" {
		layer = LayerAll
	}
	if layer != LayerAll && layer != LayerOverrides && layer != LayerProbed {
		return nil, errors.NewInvalidRequest("layer must be one of: all, overrides, probed")
	}

	now := deps.now()
	exportedAt := now.Unix()

	exportPath := input.Path
	if exportPath == "" {
		var err error
		exportPath, err = defaultExportPath(input.Provider, now)
		if err != nil {
			return nil, err
		}
	}
	// Default paths are validated too: the provider name ends up in them.
	if err := ValidatePath(exportPath, PathCheckWrite, deps.Config); err != nil {
		return nil, err
	}

	records := exportRecords(deps.Cache, layer, capability.NormalizeProvider(input.Provider))

	if err := os.MkdirAll(filepath.Dir(exportPath), 0700); err != nil {
		return nil, errors.NewInternal(fmt.Errorf("failed to create export directory: %w", err))
	}

	// Temp file then rename, so a failed export leaves any existing file intact.
	randBytes := make([]byte, 8)
	if _, err := rand.Read(randBytes); err != nil {
		return nil, errors.NewInternal(fmt.Errorf("failed to generate temp file name: %w", err))
	}
	tempPath := exportPath + "." + hex.EncodeToString(randBytes) + ".tmp"
	file, err := openFileNoFollow(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return nil, errors.NewInternal(fmt.Errorf("failed to create export file: %w", err))
	}
	success := false
	defer func() {
		if file != nil {
			file.Close()
		}
		if !success {
			os.Remove(tempPath)
		}
	}()

	enc := json.NewEncoder(file)
	header := ExportHeader{
		PrismExport:   true,
		SchemaVersion: "1.0",
		ProbeVersion:  capability.ProbeVersion,
		ExportedAt:    exportedAt,
	}
	if err := enc.Encode(header); err != nil {
		return nil, errors.NewInternal(err)
	}
	for _, rec := range records {
		select {
		case <-ctx.Done():
			return nil, errors.NewCancelled("export")
		default:
		}
		if err := enc.Encode(rec); err != nil {
			return nil, errors.NewInternal(err)
		}
	}

	if err := file.Sync(); err != nil {
		return nil, errors.NewInternal(err)
	}
	if err := file.Close(); err != nil {
		return nil, errors.NewInternal(fmt.Errorf("failed to close export file: %w", err))
	}
	file = nil

	if isSymlink(exportPath) {
		return nil, errors.NewInternal(fmt.Errorf("export path is a symlink"))
	}
	// On Windows os.Rename fails when the destination exists; the existing
	// file is kept rather than risking a delete-then-rename.
	if err := os.Rename(tempPath, exportPath); err != nil {
		if runtime.GOOS == "windows" {
			if _, statErr := os.Stat(exportPath); statErr == nil {
				return nil, errors.NewInvalidRequest("export destination already exists; choose a new path or delete the existing file")
			}
		}
		return nil, errors.NewInternal(fmt.Errorf("failed to finalize export: %w", err))
	}

	success = true
	deps.Logger.Info().Str("path", exportPath).Int("count", len(records)).Msg("capabilities exported")
	return &ExportOutput{
		Path:       exportPath,
		Count:      len(records),
		ExportedAt: exportedAt,
	}, nil
}

// exportRecords returns overrides then probed entries, each sorted by key.
func exportRecords(cache *capability.Cache, layer, provider string) []ExportRecord {
	overrides, probed := cache.Layers()
	var out []ExportRecord
	add := func(m map[string]capability.CachedCapabilityEntry) {
		keys := make([]string, 0, len(m))
		for k := range m {
			if p, _ := capability.SplitKey(k); provider == "" || p == provider {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		for _, k := range keys {
			out = append(out, ExportRecord{Key: k, CachedCapabilityEntry: m[k]})
		}
	}
	if layer != LayerProbed {
		add(overrides)
	}
	if layer != LayerOverrides {
		add(probed)
	}
	return out
}

// defaultExportPath returns ~/.prism/exports/<provider|all>-<timestamp>.jsonl.
func defaultExportPath(provider string, now time.Time) (string, error) {
	dir, err := DefaultExportsDir()
	if err != nil {
		return "", err
	}
	name := "all"
	if p := capability.NormalizeProvider(provider); p != "" {
		name = SanitizeForFilename(p)
	}
	filename := fmt.Sprintf("%s-%s%s", name, now.Format("2006-01-02T150405"), ExportExt)
	return filepath.Join(dir, filename), nil
}
