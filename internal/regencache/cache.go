// Package regencache serves rendered artifacts with bounded staleness and
// collapses concurrent regeneration demand for a key into one render
// (single-flight).
//
// Per-key discipline only: the cache-wide mutex guards the key map, each
// entry carries its own mutex, and no lock is ever held across a render.
// Committed generations are non-decreasing per key; a render that completes
// against an older generation than the entry already holds (or than the
// floor an invalidation raised) is discarded.
package regencache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/keithlinneman/miniblog-server/internal/blog"
	"github.com/keithlinneman/miniblog-server/internal/log"
)

// Result is what a render produces: the artifact payload plus the
// generation token (normally the post version it was built from; zero when
// the renderer has no version to report).
type Result struct {
	Payload    []byte
	Generation int64
}

// RenderFunc produces the artifact for a key. Must be idempotent and free
// of side effects beyond producing the artifact. Failures are reported as
// blog.ErrRender and never evict a previously cached artifact.
type RenderFunc func(ctx context.Context, key string) (Result, error)

type State string

const (
	StateFresh        State = "fresh"
	StateStale        State = "stale"
	StateRegenerating State = "regenerating"
)

// flight is the single pending-render handle for a key. Everyone who needs
// the render's outcome waits on done; the render fn and per-call options
// ride along so a discarded result can be rescheduled.
type flight struct {
	render RenderFunc
	opts   Options

	done chan struct{}
	res  Result
	err  error
}

type entry struct {
	mu sync.Mutex

	exists      bool
	payload     []byte
	generation  int64
	generatedAt time.Time
	floor       int64
	state       State

	pending    *flight
	lastAccess time.Time

	// evicted marks an entry the sweeper removed from the map. A Get that
	// locked the pointer before the removal must not render into it; it
	// re-fetches and gets the live replacement.
	evicted bool
}

type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry

	// baseCtx detaches background renders from request lifetimes; it is the
	// app context handed to New, so shutdown still cancels them.
	baseCtx       context.Context
	idleTTL       time.Duration
	renderTimeout time.Duration
	clock         func() time.Time
	logger        log.Logger

	onHit     func(State)
	onRender  func(string, time.Duration)
	onShared  func()
	onDiscard func()
	onEvict   func(int)
	onCommit  func(string, []byte, int64)
}

// New creates a cache and starts the idle-eviction sweeper. The context
// cancels the sweeper and bounds background renders on shutdown.
func New(ctx context.Context, opts ...Option) *Cache {
	c := &Cache{
		entries:       make(map[string]*entry),
		baseCtx:       ctx,
		idleTTL:       15 * time.Minute,
		renderTimeout: 10 * time.Second,
		clock:         func() time.Time { return time.Now().UTC() },
		logger:        log.Nop(),
	}
	for _, o := range opts {
		o(c)
	}
	go c.sweep(ctx)
	return c
}

// Get returns the artifact for key, rendering as the entry's age demands.
//
//   - no entry: render synchronously; nothing is cached on failure.
//   - age < StaleWhileRevalidate: cached artifact, no render.
//   - age < HardTTL: cached (stale) artifact immediately, plus at most one
//     background render for the key.
//   - otherwise: behaves like a miss; the caller blocks on a render so the
//     HardTTL staleness ceiling holds.
func (c *Cache) Get(ctx context.Context, key string, render RenderFunc, opts Options) ([]byte, error) {
	if render == nil {
		return nil, blog.Renderf("nil render func for key %s", key)
	}

	e := c.entry(key)
	e.mu.Lock()
	for e.evicted {
		e.mu.Unlock()
		e = c.entry(key)
		e.mu.Lock()
	}
	now := c.clock()
	e.lastAccess = now

	if e.exists {
		age := now.Sub(e.generatedAt)
		switch {
		case age < opts.StaleWhileRevalidate:
			payload := e.payload
			e.mu.Unlock()
			c.hit(StateFresh)
			return payload, nil

		case age < opts.HardTTL:
			payload := e.payload
			started := false
			if e.pending == nil {
				f := c.startFlightLocked(e, render, opts)
				started = true
				go c.run(key, e, f)
			}
			e.mu.Unlock()
			if !started {
				c.shared()
			}
			c.hit(StateStale)
			return payload, nil
		}
		// Past HardTTL (or invalidated): fall through to the blocking path.
	}

	if f := e.pending; f != nil {
		e.mu.Unlock()
		c.shared()
		return c.wait(ctx, f)
	}

	f := c.startFlightLocked(e, render, opts)
	e.mu.Unlock()

	// Render in the caller's goroutine; joiners wait on the same flight.
	c.run(key, e, f)
	return c.wait(ctx, f)
}

// Invalidate expires the entry (if present) and raises its generation
// floor. Safe to race with an in-flight render: the eventual result is
// checked against the floor at commit time. Unknown keys are a no-op.
func (c *Cache) Invalidate(key string, floor int64) {
	c.mu.Lock()
	e := c.entries[key]
	c.mu.Unlock()
	if e == nil {
		return
	}

	e.mu.Lock()
	if floor > e.floor {
		e.floor = floor
	}
	if e.exists {
		// Distant past: the next Get takes the hard-miss path.
		e.generatedAt = time.Time{}
		if e.pending == nil {
			e.state = StateStale
		}
	}
	e.mu.Unlock()
}

// InvalidateAll invalidates each key independently; there is no atomicity
// across keys.
func (c *Cache) InvalidateAll(keys []string, floor int64) {
	for _, k := range keys {
		c.Invalidate(k, floor)
	}
}

// Snapshot is a point-in-time view of one entry, for tests and ops.
type Snapshot struct {
	Exists     bool
	State      State
	Generation int64
	Floor      int64
	InFlight   bool
}

func (c *Cache) Peek(key string) (Snapshot, bool) {
	c.mu.Lock()
	e := c.entries[key]
	c.mu.Unlock()
	if e == nil {
		return Snapshot{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return Snapshot{
		Exists:     e.exists,
		State:      e.state,
		Generation: e.generation,
		Floor:      e.floor,
		InFlight:   e.pending != nil,
	}, true
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// entry returns the tracked entry for key, creating it if needed.
func (c *Cache) entry(key string) *entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		e = &entry{state: StateStale, lastAccess: c.clock()}
		c.entries[key] = e
	}
	return e
}

// startFlightLocked installs the pending handle. Caller holds e.mu.
func (c *Cache) startFlightLocked(e *entry, render RenderFunc, opts Options) *flight {
	f := &flight{render: render, opts: opts, done: make(chan struct{})}
	e.pending = f
	if e.exists {
		e.state = StateRegenerating
	}
	return f
}

// run executes the flight's render and commits the outcome. Runs in the
// caller's goroutine on the blocking path and in its own goroutine on the
// stale-while-revalidate path; either way no locks are held while rendering.
func (c *Cache) run(key string, e *entry, f *flight) {
	timeout := f.opts.RenderTimeout
	if timeout <= 0 {
		timeout = c.renderTimeout
	}
	rctx, cancel := context.WithTimeout(c.baseCtx, timeout)
	defer cancel()

	start := time.Now()
	res, err := f.render(rctx, key)
	dur := time.Since(start)

	// A vanished source row is not a render failure; let callers see the
	// not-found identity.
	if err != nil && !errors.Is(err, blog.ErrRender) && !errors.Is(err, blog.ErrNotFound) {
		err = fmt.Errorf("%w: %v", blog.ErrRender, err)
	}
	c.commit(key, e, f, res, err, dur)
}

// commit resolves a finished flight against the entry under the generation
// rules. Hooks fire after the entry lock is released.
func (c *Cache) commit(key string, e *entry, f *flight, res Result, err error, dur time.Duration) {
	var (
		outcome     = "ok"
		discarded   bool
		committed   bool
		rescheduled *flight
	)

	e.mu.Lock()
	if e.pending == f {
		e.pending = nil
	}

	switch {
	case err != nil:
		outcome = "error"
		// Failed renders never poison the cache: the prior artifact, if
		// any, stays servable.
		if e.exists {
			e.state = StateStale
		}
		f.err = err

	case res.Generation < e.floor:
		// An invalidate with a higher floor arrived while we rendered. The
		// result is stale before it ever landed: discard it and immediately
		// schedule a render that will observe the newer source state.
		discarded = true
		f.res = res
		if e.pending == nil {
			rescheduled = c.startFlightLocked(e, f.render, f.opts)
		}

	case e.exists && res.Generation < e.generation:
		// Out-of-order completion; a newer generation is already stored.
		discarded = true
		f.res = res

	default:
		committed = true
		e.exists = true
		e.payload = res.Payload
		e.generation = res.Generation
		e.generatedAt = c.clock()
		e.state = StateFresh
		f.res = res
	}
	close(f.done)
	e.mu.Unlock()

	c.render(outcome, dur)
	if err != nil {
		c.logger.Warn(c.baseCtx, "render failed, serving prior artifact if any",
			"key", key, "err", err.Error())
	}
	if discarded {
		c.discard()
	}
	if committed && c.onCommit != nil {
		c.onCommit(key, res.Payload, res.Generation)
	}
	if rescheduled != nil {
		go c.run(key, e, rescheduled)
	}
}

// wait blocks until the flight resolves or the caller gives up. Waiters who
// time out abandon the flight; the render itself keeps running and may
// still commit.
func (c *Cache) wait(ctx context.Context, f *flight) ([]byte, error) {
	select {
	case <-f.done:
		if f.err != nil {
			return nil, f.err
		}
		return f.res.Payload, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// sweep drops entries idle past idleTTL. Entries with a render in flight
// are skipped; they will be collected once the flight resolves.
func (c *Cache) sweep(ctx context.Context) {
	interval := c.idleTTL / 2
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.evictIdle()
		}
	}
}

func (c *Cache) evictIdle() {
	now := c.clock()
	evicted := 0

	c.mu.Lock()
	for k, e := range c.entries {
		e.mu.Lock()
		idle := now.Sub(e.lastAccess) > c.idleTTL && e.pending == nil
		if idle {
			e.evicted = true
			delete(c.entries, k)
			evicted++
		}
		e.mu.Unlock()
	}
	c.mu.Unlock()

	if evicted > 0 && c.onEvict != nil {
		c.onEvict(evicted)
	}
}

func (c *Cache) hit(s State) {
	if c.onHit != nil {
		c.onHit(s)
	}
}

func (c *Cache) shared() {
	if c.onShared != nil {
		c.onShared()
	}
}

func (c *Cache) render(outcome string, d time.Duration) {
	if c.onRender != nil {
		c.onRender(outcome, d)
	}
}

func (c *Cache) discard() {
	if c.onDiscard != nil {
		c.onDiscard()
	}
}
