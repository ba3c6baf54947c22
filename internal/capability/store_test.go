package capability

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStore_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", ProbedFile)
	store := NewFileStore(path)

	entries, err := store.Load()
	require.NoError(t, err)
	assert.Empty(t, entries)

	probedAt := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	want := map[string]CachedCapabilityEntry{
		"openai:gpt-4o": {
			Capabilities: ProbedCapabilities{
				Provider: "openai", Model: "gpt-4o", SupportsVision: true,
				MessageShape: ShapeOpenAI, ProbedAt: probedAt, ProbeVersion: ProbeVersion,
				Quirks: []string{"requires_base64"},
			},
			Source:       SourceProbed,
			LastProbedAt: probedAt,
		},
	}
	require.NoError(t, store.Save(want))

	got, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, want, got)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	leftovers, err := filepath.Glob(filepath.Join(filepath.Dir(path), ".*"))
	require.NoError(t, err)
	assert.Empty(t, leftovers, "temp files must not survive a save")
}

func TestFileStore_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), ProbedFile)
	require.NoError(t, os.WriteFile(path, []byte(`{"openai:gpt-4o": `), 0600))

	_, err := NewFileStore(path).Load()
	assert.Error(t, err)
}

func TestFileStore_RefusesSymlink(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("no O_NOFOLLOW on windows")
	}
	dir := t.TempDir()
	target := filepath.Join(dir, "real.json")
	require.NoError(t, os.WriteFile(target, []byte(`{}`), 0600))
	link := filepath.Join(dir, ProbedFile)
	if err := os.Symlink(target, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	_, err := NewFileStore(link).Load()
	assert.Error(t, err)
}
