package capability

import (
	_ "embed"
	"fmt"
	"os"
	"slices"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed static_models.yaml
var builtinStatic []byte

// StaticTable is the built-in table of well-known models.
type StaticTable struct {
	exact    map[string]ProbedCapabilities
	prefixes []staticPrefix // longest first
}

type staticPrefix struct {
	prefix string
	caps   ProbedCapabilities
}

// LoadStaticTable parses the embedded table and merges extraPath over it.
// An empty extraPath uses the embedded table only.
func LoadStaticTable(extraPath string) (*StaticTable, error) {
	t := &StaticTable{exact: map[string]ProbedCapabilities{}}
	if err := t.merge(builtinStatic); err != nil {
		return nil, fmt.Errorf("built-in static table: %w", err)
	}
	if extraPath != "" {
		data, err := os.ReadFile(extraPath)
		if err != nil {
			return nil, fmt.Errorf("read static table: %w", err)
		}
		if err := t.merge(data); err != nil {
			return nil, fmt.Errorf("static table %s: %w", extraPath, err)
		}
	}
	return t, nil
}

func (t *StaticTable) merge(data []byte) error {
	var raw map[string]ProbedCapabilities
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return err
	}
	for key, caps := range raw {
		provider, model := SplitKey(key)
		if provider == "" || model == "" {
			return fmt.Errorf("key %q must be provider:model", key)
		}
		caps.Provider = NormalizeProvider(provider)
		if caps.MessageShape == "" {
			caps.MessageShape = ShapeForProvider(provider)
		}
		if prefix, ok := strings.CutSuffix(Key(provider, model), "*"); ok {
			t.prefixes = slices.DeleteFunc(t.prefixes, func(p staticPrefix) bool { return p.prefix == prefix })
			t.prefixes = append(t.prefixes, staticPrefix{prefix: prefix, caps: caps})
			continue
		}
		caps.Model = model
		t.exact[Key(provider, model)] = caps
	}
	sort.SliceStable(t.prefixes, func(i, j int) bool {
		return len(t.prefixes[i].prefix) > len(t.prefixes[j].prefix)
	})
	return nil
}

// Lookup returns the static capabilities for provider/model.
func (t *StaticTable) Lookup(provider, model string) (ProbedCapabilities, bool) {
	if t == nil {
		return ProbedCapabilities{}, false
	}
	key := Key(provider, model)
	if caps, ok := t.exact[key]; ok {
		return caps, true
	}
	for _, p := range t.prefixes {
		if strings.HasPrefix(key, p.prefix) {
			caps := p.caps
			caps.Model = strings.TrimSpace(model)
			return caps, true
		}
	}
	return ProbedCapabilities{}, false
}

// Keys lists the exact keys of the table.
func (t *StaticTable) Keys() []string {
	if t == nil {
		return nil
	}
	keys := make([]string, 0, len(t.exact))
	for k := range t.exact {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
