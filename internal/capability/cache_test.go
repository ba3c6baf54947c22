package capability

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpungsan/prism/internal/errors"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func staticTable(t *testing.T) *StaticTable {
	t.Helper()
	table, err := LoadStaticTable("")
	require.NoError(t, err)
	return table
}

func TestCache_DefaultWhenNothingKnown(t *testing.T) {
	c := New(Options{Probed: &MemoryStore{}, Now: newClock().Now, Logger: zerolog.Nop()})
	defer c.Close()

	e := c.Lookup("Acme ", "mystery")
	assert.Equal(t, SourceDefault, e.Source)
	assert.False(t, e.Capabilities.SupportsVision)
	assert.False(t, e.Capabilities.SupportsPDFNative)
	assert.Equal(t, "acme", e.Capabilities.Provider)
	assert.Equal(t, ShapeOpenAI, e.Capabilities.MessageShape)
}

func TestCache_Precedence(t *testing.T) {
	clock := newClock()
	probed := &MemoryStore{Entries: map[string]CachedCapabilityEntry{
		"openai:gpt-4o": {
			Capabilities: ProbedCapabilities{Provider: "openai", Model: "gpt-4o", SupportsVision: false, ProbeVersion: ProbeVersion},
			Source:       SourceProbed,
			LastProbedAt: clock.Now(),
		},
	}}
	c := New(Options{Probed: probed, Overrides: &MemoryStore{}, Static: staticTable(t), Now: clock.Now})
	defer c.Close()

	// Probed beats static (the table says gpt-4o has vision).
	e := c.Lookup("openai", "gpt-4o")
	assert.Equal(t, SourceProbed, e.Source)
	assert.False(t, e.Capabilities.SupportsVision)

	// Override beats probed.
	_, err := c.SetOverride(ProbedCapabilities{Provider: "OpenAI", Model: "gpt-4o", SupportsVision: true})
	require.NoError(t, err)
	e = c.Lookup("openai", "gpt-4o")
	assert.Equal(t, SourceLocalOverride, e.Source)
	assert.True(t, e.Capabilities.SupportsVision)

	// Clearing restores probed.
	ok, err := c.ClearOverride("openai", "gpt-4o")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, SourceProbed, c.Lookup("openai", "gpt-4o").Source)

	ok, err = c.ClearOverride("openai", "gpt-4o")
	require.NoError(t, err)
	assert.False(t, ok)

	// Static serves unprobed models.
	e = c.Lookup("openai", "gpt-4o-mini")
	assert.Equal(t, SourceStatic, e.Source)
	assert.True(t, e.Capabilities.SupportsVision)
}

func TestCache_OverridePersists(t *testing.T) {
	dir := t.TempDir()
	opts := Options{
		Probed:    NewFileStore(filepath.Join(dir, ProbedFile)),
		Overrides: NewFileStore(filepath.Join(dir, OverridesFile)),
		Now:       newClock().Now,
	}
	c := New(opts)
	_, err := c.SetOverride(ProbedCapabilities{Provider: "anthropic", Model: "claude-x", SupportsPDFNative: true})
	require.NoError(t, err)
	c.Close()

	reopened := New(opts)
	defer reopened.Close()
	e := reopened.Lookup("anthropic", "claude-x")
	assert.Equal(t, SourceLocalOverride, e.Source)
	assert.True(t, e.Capabilities.SupportsPDFNative)
	assert.Equal(t, ShapeAnthropic, e.Capabilities.MessageShape)
}

func TestCache_SetOverrideRequiresKey(t *testing.T) {
	c := New(Options{})
	defer c.Close()

	_, err := c.SetOverride(ProbedCapabilities{Provider: "openai"})
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
}

func TestCache_StaleEntryServedWhileReprobing(t *testing.T) {
	clock := newClock()
	var calls atomic.Int32
	prober := ProberFunc(func(ctx context.Context, provider, model string) (ProbedCapabilities, error) {
		calls.Add(1)
		return ProbedCapabilities{Provider: provider, Model: model, SupportsVision: true}, nil
	})
	probed := &MemoryStore{Entries: map[string]CachedCapabilityEntry{
		"groq:m": {
			Capabilities: ProbedCapabilities{Provider: "groq", Model: "m", ProbeVersion: ProbeVersion},
			Source:       SourceProbed,
			LastProbedAt: clock.Now(),
		},
	}}
	c := New(Options{Probed: probed, Prober: prober, TTL: time.Hour, Now: clock.Now})

	assert.False(t, c.Lookup("groq", "m").Stale)
	assert.Zero(t, calls.Load())

	clock.Advance(2 * time.Hour)
	e := c.Lookup("groq", "m")
	assert.Equal(t, SourceProbed, e.Source)
	assert.True(t, e.Stale)
	assert.False(t, e.Capabilities.SupportsVision)

	c.Close()
	assert.Equal(t, int32(1), calls.Load())
	fresh, ok := c.Probed("groq", "m")
	require.True(t, ok)
	assert.True(t, fresh.Capabilities.SupportsVision)
	assert.True(t, probed.Entries["groq:m"].Capabilities.SupportsVision, "Close must flush the re-probe")
}

func TestCache_OldProbeVersionIsStale(t *testing.T) {
	clock := newClock()
	probed := &MemoryStore{Entries: map[string]CachedCapabilityEntry{
		"openai:old": {
			Capabilities: ProbedCapabilities{Provider: "openai", Model: "old", ProbeVersion: ProbeVersion - 1},
			Source:       SourceProbed,
			LastProbedAt: clock.Now(),
		},
	}}
	c := New(Options{Probed: probed, Now: clock.Now})
	defer c.Close()

	assert.True(t, c.Lookup("openai", "old").Stale)
}

// A corrupt document starts the cache empty and falls through to static or
// default while a background probe is scheduled.
func TestCache_CorruptDocument(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ProbedFile)
	require.NoError(t, os.WriteFile(path, []byte("{{{ not json"), 0600))

	var calls atomic.Int32
	prober := ProberFunc(func(ctx context.Context, provider, model string) (ProbedCapabilities, error) {
		calls.Add(1)
		return ProbedCapabilities{}, fmt.Errorf("provider unreachable")
	})
	c := New(Options{Probed: NewFileStore(path), Static: staticTable(t), Prober: prober, Now: newClock().Now})

	require.Error(t, c.LoadError())
	assert.True(t, errors.Is(c.LoadError(), errors.ErrCacheCorrupt))

	assert.Equal(t, SourceStatic, c.Lookup("openai", "gpt-4o").Source)
	assert.Equal(t, SourceDefault, c.Lookup("acme", "x").Source)

	c.Close()
	assert.Equal(t, int32(2), calls.Load())
	_, ok := c.Probed("openai", "gpt-4o")
	assert.False(t, ok, "a failed probe records nothing")
}

func TestCache_ConcurrentResolveProbesOnce(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	prober := ProberFunc(func(ctx context.Context, provider, model string) (ProbedCapabilities, error) {
		calls.Add(1)
		<-release
		return ProbedCapabilities{Provider: provider, Model: model, SupportsVision: true}, nil
	})
	store := &MemoryStore{}
	c := New(Options{Probed: store, Prober: prober, Debounce: time.Hour, Now: newClock().Now})
	defer c.Close()

	const n = 8
	var wg sync.WaitGroup
	results := make([]CachedCapabilityEntry, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e, err := c.Resolve(context.Background(), "openai", "gpt-new")
			assert.NoError(t, err)
			results[i] = e
		}(i)
	}

	// Give the goroutines time to join the flight before it lands.
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, e := range results {
		assert.Equal(t, SourceProbed, e.Source)
		assert.True(t, e.Capabilities.SupportsVision)
	}

	// Debounced: nothing written until Flush.
	assert.Zero(t, store.Saves)
	c.Flush()
	assert.Equal(t, 1, store.Saves)
	assert.Contains(t, store.Entries, "openai:gpt-new")
}

func TestCache_ResolveFallsBackOnProbeFailure(t *testing.T) {
	prober := ProberFunc(func(ctx context.Context, provider, model string) (ProbedCapabilities, error) {
		return ProbedCapabilities{}, fmt.Errorf("429 rate limited")
	})
	c := New(Options{Static: staticTable(t), Prober: prober})
	defer c.Close()

	e, err := c.Resolve(context.Background(), "anthropic", "claude-sonnet-4-5")
	require.NoError(t, err)
	assert.Equal(t, SourceStatic, e.Source)
}

func TestCache_ResolveCancelled(t *testing.T) {
	release := make(chan struct{})
	prober := ProberFunc(func(ctx context.Context, provider, model string) (ProbedCapabilities, error) {
		<-release
		return ProbedCapabilities{}, fmt.Errorf("gave up")
	})
	c := New(Options{Prober: prober})
	defer func() {
		close(release)
		c.Close()
	}()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Resolve(ctx, "openai", "slow")
	assert.True(t, errors.Is(err, errors.ErrCancelled))
}

// waiters reports how many callers wait on the shared probe for key.
func waiters(c *Cache, key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f, ok := c.flights[key]; ok {
		return f.waiters
	}
	return 0
}

// blockingProber waits for release or cancellation and remembers the
// context of the last probe.
type blockingProber struct {
	calls    atomic.Int32
	returned atomic.Int32
	release  chan struct{}
	ctx     atomic.Value
}

func (p *blockingProber) Probe(ctx context.Context, provider, model string) (ProbedCapabilities, error) {
	p.calls.Add(1)
	p.ctx.Store(ctx)
	defer p.returned.Add(1)
	select {
	case <-p.release:
		return ProbedCapabilities{Provider: provider, Model: model, SupportsVision: true}, nil
	case <-ctx.Done():
		return ProbedCapabilities{}, ctx.Err()
	}
}

func (p *blockingProber) lastCtx() context.Context {
	ctx, _ := p.ctx.Load().(context.Context)
	return ctx
}

func TestCache_ResolveCancelStopsItsProbe(t *testing.T) {
	prober := &blockingProber{release: make(chan struct{})}
	c := New(Options{Prober: prober})
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		assert.Eventually(t, func() bool { return prober.calls.Load() == 1 }, time.Second, time.Millisecond)
		cancel()
	}()
	_, err := c.Resolve(ctx, "openai", "slow")
	assert.True(t, errors.Is(err, errors.ErrCancelled))

	require.Eventually(t, func() bool { return prober.returned.Load() == 1 }, time.Second, time.Millisecond,
		"the probe of a cancelled run is cancelled")
	assert.Error(t, prober.lastCtx().Err())
	assert.Zero(t, waiters(c, Key("openai", "slow")))
	_, ok := c.Probed("openai", "slow")
	assert.False(t, ok)

	// The next caller starts a fresh probe.
	close(prober.release)
	e, err := c.Resolve(context.Background(), "openai", "slow")
	require.NoError(t, err)
	assert.Equal(t, SourceProbed, e.Source)
	assert.Equal(t, int32(2), prober.calls.Load())
}

func TestCache_ResolveCancelKeepsSharedProbe(t *testing.T) {
	prober := &blockingProber{release: make(chan struct{})}
	c := New(Options{Prober: prober})
	defer c.Close()
	key := Key("openai", "shared")

	ctx, cancel := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := c.Resolve(ctx, "openai", "shared")
		errA <- err
	}()
	resB := make(chan CachedCapabilityEntry, 1)
	go func() {
		e, _ := c.Resolve(context.Background(), "openai", "shared")
		resB <- e
	}()

	require.Eventually(t, func() bool { return waiters(c, key) == 2 }, time.Second, time.Millisecond)
	cancel()
	assert.True(t, errors.Is(<-errA, errors.ErrCancelled))
	assert.Equal(t, 1, waiters(c, key))
	require.Eventually(t, func() bool { return prober.lastCtx() != nil }, time.Second, time.Millisecond)
	assert.NoError(t, prober.lastCtx().Err(), "another caller still waits")

	close(prober.release)
	e := <-resB
	assert.Equal(t, SourceProbed, e.Source)
	assert.Equal(t, int32(1), prober.calls.Load())
}

func TestCache_BackgroundRefreshOutlivesCancelledResolve(t *testing.T) {
	prober := &blockingProber{release: make(chan struct{})}
	c := New(Options{Prober: prober})
	defer c.Close()
	key := Key("openai", "bg")

	assert.Equal(t, SourceDefault, c.Lookup("openai", "bg").Source)
	require.Eventually(t, func() bool { return waiters(c, key) == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := c.Resolve(ctx, "openai", "bg")
		errA <- err
	}()
	require.Eventually(t, func() bool { return waiters(c, key) == 2 }, time.Second, time.Millisecond)
	cancel()
	assert.True(t, errors.Is(<-errA, errors.ErrCancelled))

	require.Eventually(t, func() bool { return prober.lastCtx() != nil }, time.Second, time.Millisecond)
	assert.NoError(t, prober.lastCtx().Err())
	close(prober.release)
	require.Eventually(t, func() bool {
		_, ok := c.Probed("openai", "bg")
		return ok
	}, time.Second, time.Millisecond)
}

func TestCache_RecordKeepsLowerLayerForUndetermined(t *testing.T) {
	c := New(Options{Static: staticTable(t), Now: newClock().Now})
	defer c.Close()

	// Static says gpt-4o has vision and native PDF. The image probe was
	// inconclusive, the PDF probe said no.
	e := c.Record(ProbedCapabilities{
		Provider:          "openai",
		Model:             "gpt-4o",
		SupportsVision:    false,
		SupportsPDFNative: false,
		Undetermined:      []Feature{FeatureVision},
	})
	assert.Equal(t, SourceProbed, e.Source)
	assert.True(t, e.Capabilities.SupportsVision)
	assert.True(t, e.Capabilities.SupportsPDFAsImages)
	assert.False(t, e.Capabilities.SupportsPDFNative)
	assert.False(t, e.Capabilities.Determined(FeatureVision))
	assert.True(t, e.Capabilities.Determined(FeaturePDF))
	assert.Equal(t, ProbeVersion, e.Capabilities.ProbeVersion)
}

func TestCache_List(t *testing.T) {
	c := New(Options{Static: staticTable(t), Overrides: &MemoryStore{}, Now: newClock().Now})
	defer c.Close()

	c.Record(ProbedCapabilities{Provider: "groq", Model: "b", SupportsVision: true})
	_, err := c.SetOverride(ProbedCapabilities{Provider: "acme", Model: "a"})
	require.NoError(t, err)

	rows := c.List(false)
	require.Len(t, rows, 2)
	assert.Equal(t, "acme:a", rows[0].Key)
	assert.Equal(t, SourceLocalOverride, rows[0].Entry.Source)
	assert.Equal(t, "groq:b", rows[1].Key)
	assert.Equal(t, SourceProbed, rows[1].Entry.Source)

	withStatic := c.List(true)
	assert.Greater(t, len(withStatic), 2)
}
