package capability

import (
	"context"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/hpungsan/prism/internal/errors"
)

// Prober determines a model's capabilities by talking to its provider.
// A returned error means nothing conclusive was learned and nothing is recorded.
type Prober interface {
	Probe(ctx context.Context, provider, model string) (ProbedCapabilities, error)
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context, provider, model string) (ProbedCapabilities, error)

// Probe implements Prober.
func (f ProberFunc) Probe(ctx context.Context, provider, model string) (ProbedCapabilities, error) {
	return f(ctx, provider, model)
}

// Options configures a Cache.
type Options struct {
	Probed    Store // required
	Overrides Store // optional; nil keeps overrides in memory only
	Static    *StaticTable
	Prober    Prober // optional; nil disables probing

	TTL      time.Duration // probed entries older than this are stale
	Debounce time.Duration // write batching window; 0 writes on every Record
	MemoSize int           // static-resolution memo size; 0 uses 512

	Now    func() time.Time
	Logger zerolog.Logger
}

// Cache resolves capabilities through the precedence chain
// local_override > probed > static > default.
//
// Lookups never block on the network. Resolve probes synchronously when the
// probed layer is missing or stale. Concurrent probes for one key share a
// single provider call.
type Cache struct {
	probedStore   Store
	overrideStore Store
	static        *StaticTable
	prober        Prober
	ttl           time.Duration
	debounce      time.Duration
	now           func() time.Time
	log           zerolog.Logger

	mu        sync.Mutex
	probed    map[string]CachedCapabilityEntry
	overrides map[string]CachedCapabilityEntry
	pending   map[string]bool
	dirty     bool
	timer     *time.Timer
	loadErr   error
	closed    bool

	writeMu sync.Mutex // serializes document writes
	memo    *lru.Cache[string, CachedCapabilityEntry] // static/default resolutions
	flight  singleflight.Group
	flights map[string]*flight // guarded by mu

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New loads both documents and returns a ready cache. An unreadable document
// is not fatal: the layer starts empty, a warning is logged, and LoadError
// reports CACHE_CORRUPT.
func New(opts Options) *Cache {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.TTL <= 0 {
		opts.TTL = 7 * 24 * time.Hour
	}
	if opts.MemoSize <= 0 {
		opts.MemoSize = 512
	}
	if opts.Probed == nil {
		opts.Probed = &MemoryStore{}
	}
	memo, _ := lru.New[string, CachedCapabilityEntry](opts.MemoSize)
	ctx, cancel := context.WithCancel(context.Background())

	c := &Cache{
		probedStore:   opts.Probed,
		overrideStore: opts.Overrides,
		static:        opts.Static,
		prober:        opts.Prober,
		ttl:           opts.TTL,
		debounce:      opts.Debounce,
		now:           opts.Now,
		log:           opts.Logger,
		pending:       map[string]bool{},
		flights:       map[string]*flight{},
		memo:          memo,
		ctx:           ctx,
		cancel:        cancel,
	}
	c.probed = c.load(opts.Probed)
	c.overrides = map[string]CachedCapabilityEntry{}
	if opts.Overrides != nil {
		c.overrides = c.load(opts.Overrides)
	}
	return c
}

func (c *Cache) load(s Store) map[string]CachedCapabilityEntry {
	entries, err := s.Load()
	if err != nil {
		c.log.Warn().Err(err).Str("path", s.Location()).Msg("capability document unreadable, starting empty")
		if c.loadErr == nil {
			c.loadErr = errors.NewCacheCorrupt(s.Location(), err)
		}
		return map[string]CachedCapabilityEntry{}
	}
	return entries
}

// LoadError returns the CACHE_CORRUPT error from startup, if any.
func (c *Cache) LoadError() error {
	return c.loadErr
}

// Lookup returns the best available entry without blocking. A missing or stale
// probed layer schedules a background probe; meanwhile the stale entry (or
// static, or default) is returned.
func (c *Cache) Lookup(provider, model string) CachedCapabilityEntry {
	key := Key(provider, model)
	now := c.now()

	c.mu.Lock()
	if e, ok := c.overrides[key]; ok {
		c.mu.Unlock()
		return e
	}
	e, ok := c.probed[key]
	c.mu.Unlock()

	if ok && !c.isStale(e, now) {
		return e
	}
	c.schedule(provider, model)
	return c.fallback(provider, model)
}

// Resolve returns the entry for provider/model, probing first when there is
// no override and the probed layer is missing or stale. Probe failures fall
// back to the stale entry, then static, then default; they are not errors.
// Only cancellation of ctx is reported.
func (c *Cache) Resolve(ctx context.Context, provider, model string) (CachedCapabilityEntry, error) {
	key := Key(provider, model)
	now := c.now()

	c.mu.Lock()
	if e, ok := c.overrides[key]; ok {
		c.mu.Unlock()
		return e, nil
	}
	e, ok := c.probed[key]
	c.mu.Unlock()
	if ok && !c.isStale(e, now) {
		return e, nil
	}
	if c.prober == nil {
		return c.fallback(provider, model), nil
	}

	f := c.join(key, false)
	ch := c.flight.DoChan(key, func() (any, error) {
		return c.probeAndRecord(f.ctx, provider, model)
	})
	select {
	case <-ctx.Done():
		c.leave(key, f, false)
		return CachedCapabilityEntry{}, errors.NewCancelled("capability resolve")
	case res := <-ch:
		c.leave(key, f, true)
		if res.Err != nil {
			c.log.Debug().Err(res.Err).Str("key", key).Msg("probe inconclusive, using fallback")
			return c.fallback(provider, model), nil
		}
		return res.Val.(CachedCapabilityEntry), nil
	}
}

// schedule starts a background probe for provider/model unless one is already
// pending or probing is disabled.
func (c *Cache) schedule(provider, model string) {
	if c.prober == nil {
		return
	}
	key := Key(provider, model)

	c.mu.Lock()
	if c.closed || c.pending[key] {
		c.mu.Unlock()
		return
	}
	c.pending[key] = true
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		defer func() {
			c.mu.Lock()
			delete(c.pending, key)
			c.mu.Unlock()
		}()
		f := c.join(key, true)
		defer c.leave(key, f, true)
		_, err, _ := c.flight.Do(key, func() (any, error) {
			return c.probeAndRecord(f.ctx, provider, model)
		})
		if err != nil {
			c.log.Debug().Err(err).Str("key", key).Msg("background probe inconclusive")
		}
	}()
}

// flight is one shared probe and the callers waiting on it. Its context
// derives from the cache's, so Close stops every probe.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int

	// detached is set when a background refresh joined. The refresh stays
	// a waiter until the probe ends, so callers leaving never cancel it.
	detached bool
}

// join registers a waiter on the flight for key, creating it if needed.
func (c *Cache) join(key string, detached bool) *flight {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.flights[key]
	if !ok {
		ctx, cancel := context.WithCancel(c.ctx)
		f = &flight{ctx: ctx, cancel: cancel}
		c.flights[key] = f
	}
	f.waiters++
	f.detached = f.detached || detached
	return f
}

// leave drops a waiter. When the last waiter of a run-bound flight gives up
// before the result, the probe is cancelled and forgotten so the next caller
// starts a fresh one.
func (c *Cache) leave(key string, f *flight, done bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f.waiters--
	if f.waiters > 0 {
		return
	}
	if c.flights[key] == f {
		delete(c.flights, key)
	}
	if !done && !f.detached {
		c.flight.Forget(key)
	}
	f.cancel()
}

// probeAndRecord probes under the flight's context: it outlives any single
// caller and ends when every waiter has gone or the cache closes.
func (c *Cache) probeAndRecord(ctx context.Context, provider, model string) (CachedCapabilityEntry, error) {
	caps, err := c.prober.Probe(ctx, provider, model)
	if err != nil {
		return CachedCapabilityEntry{}, err
	}
	if caps.Provider == "" {
		caps.Provider = NormalizeProvider(provider)
	}
	if caps.Model == "" {
		caps.Model = model
	}
	return c.Record(caps), nil
}

// Record stores probe results in the probed layer. Features listed in
// caps.Undetermined keep the value from the layer below, so an inconclusive
// probe never writes a negative. The document write is debounced.
func (c *Cache) Record(caps ProbedCapabilities) CachedCapabilityEntry {
	caps.Provider = NormalizeProvider(caps.Provider)
	key := Key(caps.Provider, caps.Model)
	now := c.now()
	if caps.ProbedAt.IsZero() {
		caps.ProbedAt = now
	}
	if caps.ProbeVersion == 0 {
		caps.ProbeVersion = ProbeVersion
	}
	if caps.MessageShape == "" {
		caps.MessageShape = ShapeForProvider(caps.Provider)
	}

	if len(caps.Undetermined) > 0 {
		lower := c.fallback(caps.Provider, caps.Model).Capabilities
		caps = mergeUndetermined(caps, lower)
	}

	entry := CachedCapabilityEntry{
		Capabilities: caps,
		Source:       SourceProbed,
		LastProbedAt: caps.ProbedAt,
	}

	c.mu.Lock()
	c.probed[key] = entry
	c.dirty = true
	debounced := c.debounce > 0
	if debounced {
		if c.timer != nil {
			c.timer.Stop()
		}
		c.timer = time.AfterFunc(c.debounce, c.persistProbed)
	}
	c.mu.Unlock()

	if !debounced {
		c.persistProbed()
	}
	return entry
}

func mergeUndetermined(caps, lower ProbedCapabilities) ProbedCapabilities {
	for _, f := range caps.Undetermined {
		switch f {
		case FeatureVision:
			caps.SupportsVision = lower.SupportsVision
			caps.SupportsPDFAsImages = lower.SupportsPDFAsImages
			caps.RequiresBase64Images = caps.RequiresBase64Images || lower.RequiresBase64Images
			caps.RequiresImagesFirst = caps.RequiresImagesFirst || lower.RequiresImagesFirst
		case FeaturePDF:
			caps.SupportsPDFNative = lower.SupportsPDFNative
		}
	}
	return caps
}

// persistProbed writes the probed document if anything changed since the last write.
func (c *Cache) persistProbed() {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	if !c.dirty {
		c.mu.Unlock()
		return
	}
	snapshot := cloneEntries(c.probed)
	c.dirty = false
	c.mu.Unlock()

	if err := c.probedStore.Save(snapshot); err != nil {
		c.log.Error().Err(err).Str("path", c.probedStore.Location()).Msg("failed to persist capability cache")
		c.mu.Lock()
		c.dirty = true
		c.mu.Unlock()
	}
}

// Flush writes pending probed entries immediately.
func (c *Cache) Flush() {
	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.mu.Unlock()
	c.persistProbed()
}

// Close cancels background probes, waits for them, and flushes.
func (c *Cache) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cancel()
	c.wg.Wait()
	c.Flush()
}

// SetOverride installs a whole-record user override for caps.Provider/caps.Model.
// The override document is written before returning.
func (c *Cache) SetOverride(caps ProbedCapabilities) (CachedCapabilityEntry, error) {
	caps.Provider = NormalizeProvider(caps.Provider)
	if caps.Provider == "" || caps.Model == "" {
		return CachedCapabilityEntry{}, errors.NewInvalidRequest("provider and model are required")
	}
	if caps.MessageShape == "" {
		caps.MessageShape = ShapeForProvider(caps.Provider)
	}
	caps.Undetermined = nil
	key := Key(caps.Provider, caps.Model)
	entry := CachedCapabilityEntry{Capabilities: caps, Source: SourceLocalOverride}

	c.mu.Lock()
	c.overrides[key] = entry
	snapshot := cloneEntries(c.overrides)
	c.mu.Unlock()

	return entry, c.saveOverrides(snapshot)
}

// ClearOverride removes the override for provider/model. It reports whether one existed.
func (c *Cache) ClearOverride(provider, model string) (bool, error) {
	key := Key(provider, model)

	c.mu.Lock()
	_, ok := c.overrides[key]
	delete(c.overrides, key)
	snapshot := cloneEntries(c.overrides)
	c.mu.Unlock()

	if !ok {
		return false, nil
	}
	return true, c.saveOverrides(snapshot)
}

func (c *Cache) saveOverrides(snapshot map[string]CachedCapabilityEntry) error {
	if c.overrideStore == nil {
		return nil
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.overrideStore.Save(snapshot); err != nil {
		return errors.NewInternal(err)
	}
	return nil
}

// Listed is one row of List.
type Listed struct {
	Key   string                `json:"key"`
	Entry CachedCapabilityEntry `json:"entry"`
}

// List returns the effective entry for every key with an override or probed
// record, sorted by key. Static-only models are included when withStatic is set.
func (c *Cache) List(withStatic bool) []Listed {
	now := c.now()
	keys := map[string]bool{}

	c.mu.Lock()
	for k := range c.overrides {
		keys[k] = true
	}
	for k := range c.probed {
		keys[k] = true
	}
	c.mu.Unlock()
	if withStatic {
		for _, k := range c.static.Keys() {
			keys[k] = true
		}
	}

	out := make([]Listed, 0, len(keys))
	for k := range keys {
		provider, model := SplitKey(k)
		c.mu.Lock()
		o, hasOverride := c.overrides[k]
		p, hasProbed := c.probed[k]
		c.mu.Unlock()

		var e CachedCapabilityEntry
		switch {
		case hasOverride:
			e = o
		case hasProbed && !c.isStale(p, now):
			e = p
		default:
			e = c.fallback(provider, model)
		}
		out = append(out, Listed{Key: k, Entry: e})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Layers returns copies of the override and probed layers as stored.
func (c *Cache) Layers() (overrides, probed map[string]CachedCapabilityEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return cloneEntries(c.overrides), cloneEntries(c.probed)
}

// Probed returns the raw probed-layer entry, stale or not.
func (c *Cache) Probed(provider, model string) (CachedCapabilityEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.probed[Key(provider, model)]
	return e, ok
}

// fallback resolves below the fresh probed layer: stale probed, static, default.
func (c *Cache) fallback(provider, model string) CachedCapabilityEntry {
	key := Key(provider, model)

	c.mu.Lock()
	e, ok := c.probed[key]
	c.mu.Unlock()
	if ok {
		e.Stale = true
		return e
	}

	// Static wildcard matching scans every prefix; remember the answer.
	if e, ok := c.memo.Get(key); ok {
		return e
	}
	e = CachedCapabilityEntry{Capabilities: Default(provider, model), Source: SourceDefault}
	if caps, ok := c.static.Lookup(provider, model); ok {
		e = CachedCapabilityEntry{Capabilities: caps, Source: SourceStatic}
	}
	c.memo.Add(key, e)
	return e
}

func (c *Cache) isStale(e CachedCapabilityEntry, now time.Time) bool {
	if e.Source != SourceProbed {
		return false
	}
	if e.Capabilities.ProbeVersion < ProbeVersion {
		return true
	}
	return now.Sub(e.LastProbedAt) > c.ttl
}

func cloneEntries(in map[string]CachedCapabilityEntry) map[string]CachedCapabilityEntry {
	out := make(map[string]CachedCapabilityEntry, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
