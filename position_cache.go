package main

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"ict-engine/strategy"
)

// DefaultPositionTTL bounds how stale a cached position view may get
// before the next read triggers a REST refresh.
const DefaultPositionTTL = 60 * time.Second

// PositionFetcher pulls the authoritative position from the venue.
type PositionFetcher func(ctx context.Context, symbol string) (*strategy.Position, error)

type posEntry struct {
	mu          sync.Mutex // serializes refreshes for this symbol
	pos         *strategy.Position
	lastUpdated time.Time
}

// PositionCache is the read-through position view: user-stream pushes merge
// in immediately, reads older than the TTL refresh over REST under a
// per-symbol lock so concurrent readers coalesce onto one refresh.
type PositionCache struct {
	mu      sync.Mutex
	entries map[string]*posEntry

	ttl   time.Duration
	fetch PositionFetcher
	log   *zap.SugaredLogger
	now   func() time.Time
}

// NewPositionCache builds a cache over the given fetcher.
func NewPositionCache(ttl time.Duration, fetch PositionFetcher, log *zap.SugaredLogger) *PositionCache {
	if ttl <= 0 {
		ttl = DefaultPositionTTL
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &PositionCache{
		entries: make(map[string]*posEntry),
		ttl:     ttl,
		fetch:   fetch,
		log:     log,
		now:     time.Now,
	}
}

func (pc *PositionCache) entry(symbol string) *posEntry {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	e, ok := pc.entries[symbol]
	if !ok {
		e = &posEntry{}
		pc.entries[symbol] = e
	}
	return e
}

// Get returns the cached position, refreshing when the TTL expired. At most
// one REST refresh per symbol is in flight at any time.
func (pc *PositionCache) Get(ctx context.Context, symbol string) (*strategy.Position, error) {
	e := pc.entry(symbol)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.pos != nil && pc.now().Sub(e.lastUpdated) < pc.ttl {
		return e.pos, nil
	}
	return pc.refreshLocked(ctx, symbol, e)
}

// GetFresh forces a REST refresh regardless of TTL.
func (pc *PositionCache) GetFresh(ctx context.Context, symbol string) (*strategy.Position, error) {
	e := pc.entry(symbol)
	e.mu.Lock()
	defer e.mu.Unlock()
	return pc.refreshLocked(ctx, symbol, e)
}

func (pc *PositionCache) refreshLocked(ctx context.Context, symbol string, e *posEntry) (*strategy.Position, error) {
	pos, err := pc.fetch(ctx, symbol)
	if err != nil {
		// Serve the stale view if we have one; the venue stays the source
		// of truth for anything that places orders.
		if e.pos != nil {
			pc.log.Warnw("position refresh failed, serving stale", "symbol", symbol, "err", err)
			return e.pos, nil
		}
		return nil, err
	}
	e.pos = pos
	e.lastUpdated = pc.now()
	return pos, nil
}

// Invalidate marks the symbol stale; the next read refreshes.
func (pc *PositionCache) Invalidate(symbol string) {
	e := pc.entry(symbol)
	e.mu.Lock()
	e.lastUpdated = time.Time{}
	e.mu.Unlock()
}

// ApplyUserStream merges a push update and stamps it fresh.
func (pc *PositionCache) ApplyUserStream(update PositionUpdate) {
	e := pc.entry(update.Symbol)
	e.mu.Lock()
	e.pos = update.ToPosition()
	e.lastUpdated = pc.now()
	e.mu.Unlock()
	pc.updateOpenGauge()
}

// OpenCount returns how many cached positions are currently non-flat. Used
// by the risk guard's concurrent-position rule; stale entries count — the
// rule errs on the conservative side.
func (pc *PositionCache) OpenCount() int {
	pc.mu.Lock()
	entries := make([]*posEntry, 0, len(pc.entries))
	for _, e := range pc.entries {
		entries = append(entries, e)
	}
	pc.mu.Unlock()

	n := 0
	for _, e := range entries {
		e.mu.Lock()
		if !e.pos.IsFlat() {
			n++
		}
		e.mu.Unlock()
	}
	return n
}

func (pc *PositionCache) updateOpenGauge() {
	metricOpenPositions.Set(float64(pc.OpenCount()))
}
