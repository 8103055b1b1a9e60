// Package marketcache implements the Market-State Cache of spec.md §4.2: an
// in-memory snapshot of every venue's positions and mark prices, refreshed in
// parallel across venues through a worker pool so one slow venue cannot stall
// the others.
package marketcache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"fundingkeeper/internal/core"
	"fundingkeeper/pkg/concurrency"

	"github.com/shopspring/decimal"
)

type positionKey struct {
	venue, symbol string
	side          core.PositionSide
}

// Cache implements core.MarketStateCache.
type Cache struct {
	logger core.ILogger
	venues map[string]core.VenueAdapter
	pool   *concurrency.WorkerPool
	staleAfter time.Duration

	mu         sync.RWMutex
	positions  map[positionKey]*core.Position
	markPrices map[string]decimal.Decimal // "venue:symbol" -> price
	lastRefreshed map[string]time.Time    // venue -> last successful refresh
}

// New builds a cache over the given venues. staleAfter bounds how long a
// venue's last successful refresh may age before IsStale reports true.
func New(venues map[string]core.VenueAdapter, poolSize int, staleAfter time.Duration, logger core.ILogger) *Cache {
	log := logger.WithField("component", "market_cache")
	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:       "market_cache_refresh",
		MaxWorkers: poolSize,
	}, log)
	return &Cache{
		logger:        log,
		venues:        venues,
		pool:          pool,
		staleAfter:    staleAfter,
		positions:     make(map[positionKey]*core.Position),
		markPrices:    make(map[string]decimal.Decimal),
		lastRefreshed: make(map[string]time.Time),
	}
}

func markKey(venue, symbol string) string { return venue + ":" + symbol }

// RefreshAll fans out a GetPositions call to every venue concurrently and
// waits for all of them. A single venue failing does not fail the others;
// their last-refreshed timestamp simply does not advance, which IsStale
// reports. A venue that refreshes successfully has its cached positions
// replaced by what it returned, so positions that vanished from it are
// dropped.
func (c *Cache) RefreshAll(ctx context.Context) error {
	var wg sync.WaitGroup
	errs := make(chan error, len(c.venues))

	for name, venue := range c.venues {
		wg.Add(1)
		name, venue := name, venue
		_ = c.pool.Submit(func() {
			defer wg.Done()
			if err := c.refreshVenue(ctx, name, venue); err != nil {
				errs <- fmt.Errorf("refresh %s: %w", name, err)
				return
			}
		})
	}
	wg.Wait()
	close(errs)

	var first error
	for err := range errs {
		c.logger.Warn("venue refresh failed", "error", err)
		if first == nil {
			first = err
		}
	}
	return first
}

func (c *Cache) refreshVenue(ctx context.Context, name string, venue core.VenueAdapter) error {
	positions, err := venue.GetPositions(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	for key := range c.positions {
		if key.venue == name {
			delete(c.positions, key)
		}
	}
	for _, p := range positions {
		key := positionKey{venue: p.Venue, symbol: p.Symbol, side: p.Side}
		c.positions[key] = p
		c.markPrices[markKey(p.Venue, p.Symbol)] = p.MarkPrice
	}
	c.lastRefreshed[name] = time.Now()
	c.mu.Unlock()
	return nil
}

func (c *Cache) GetAllPositions() []*core.Position {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*core.Position, 0, len(c.positions))
	for _, p := range c.positions {
		out = append(out, p)
	}
	return out
}

func (c *Cache) GetPosition(venue, symbol string, side core.PositionSide) (*core.Position, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.positions[positionKey{venue: venue, symbol: symbol, side: side}]
	return p, ok
}

func (c *Cache) UpdatePosition(p *core.Position) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.positions[positionKey{venue: p.Venue, symbol: p.Symbol, side: p.Side}] = p
	c.markPrices[markKey(p.Venue, p.Symbol)] = p.MarkPrice
}

func (c *Cache) RemovePosition(venue, symbol string, side core.PositionSide) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.positions, positionKey{venue: venue, symbol: symbol, side: side})
}

func (c *Cache) GetMarkPrice(venue, symbol string) (decimal.Decimal, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.markPrices[markKey(venue, symbol)]
	return p, ok
}

// IsStale reports whether venue's positions have not refreshed successfully
// within staleAfter. An venue never successfully refreshed is stale.
func (c *Cache) IsStale(venue string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	last, ok := c.lastRefreshed[venue]
	if !ok {
		return true
	}
	return time.Since(last) > c.staleAfter
}

// Stop releases the underlying worker pool.
func (c *Cache) Stop() {
	c.pool.Stop()
}

var _ core.MarketStateCache = (*Cache)(nil)
