package regencache

import (
	"time"

	"github.com/keithlinneman/miniblog-server/internal/log"
)

// Options bound one Get call. StaleWhileRevalidate is the window where a
// cached artifact is served as-is; between that and HardTTL it is served
// stale while one background render runs; past HardTTL the caller blocks on
// a synchronous render.
type Options struct {
	StaleWhileRevalidate time.Duration
	HardTTL              time.Duration

	// RenderTimeout bounds a single render attempt. Zero falls back to the
	// cache-wide default.
	RenderTimeout time.Duration
}

// Option configures the cache at construction.
type Option func(*Cache)

// WithIdleTTL controls how long an unaccessed entry survives before the
// sweeper drops it (full miss on next access). Memory-bound safety valve,
// orthogonal to freshness.
func WithIdleTTL(d time.Duration) Option {
	return func(c *Cache) { c.idleTTL = d }
}

// WithRenderTimeout sets the default bound on render attempts.
func WithRenderTimeout(d time.Duration) Option {
	return func(c *Cache) { c.renderTimeout = d }
}

// WithLogger sets the logger used for background render failures, which are
// never surfaced to a caller.
func WithLogger(l log.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// WithClock swaps the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.clock = now }
}

// WithOnHit observes every Get served from the cache, labeled by the state
// the entry was in.
func WithOnHit(fn func(state State)) Option {
	return func(c *Cache) { c.onHit = fn }
}

// WithOnRender observes every completed render attempt ("ok" or "error").
func WithOnRender(fn func(outcome string, d time.Duration)) Option {
	return func(c *Cache) { c.onRender = fn }
}

// WithOnShared observes a caller attaching to an already in-flight render
// instead of starting its own (single-flight dedup).
func WithOnShared(fn func()) Option {
	return func(c *Cache) { c.onShared = fn }
}

// WithOnDiscard observes a completed render that lost the generation race
// and was thrown away.
func WithOnDiscard(fn func()) Option {
	return func(c *Cache) { c.onDiscard = fn }
}

// WithOnEvict observes sweeper evictions.
func WithOnEvict(fn func(n int)) Option {
	return func(c *Cache) { c.onEvict = fn }
}

// WithOnCommit observes every artifact committed to the cache. Used for
// best-effort artifact export; the hook runs outside entry locks and must
// not block for long.
func WithOnCommit(fn func(key string, payload []byte, generation int64)) Option {
	return func(c *Cache) { c.onCommit = fn }
}
