// Package prices keeps the latest quote per symbol for completion checks.
package prices

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/trogers1052/venom-governor/internal/models"
)

var (
	// ErrNoPrice means no quote has been seen for the symbol
	ErrNoPrice = errors.New("no price for symbol")
	// ErrStalePrice means the last quote is older than the cache's max age
	ErrStalePrice = errors.New("price is stale")
)

type quote struct {
	bid, ask float64
	at       time.Time
}

// Cache stores the last bid/ask per symbol
type Cache struct {
	maxAge time.Duration
	now    func() time.Time

	mu     sync.RWMutex
	quotes map[string]quote
}

// NewCache returns a cache rejecting quotes older than maxAge. A zero maxAge
// never treats quotes as stale.
func NewCache(maxAge time.Duration) *Cache {
	return &Cache{maxAge: maxAge, now: time.Now, quotes: make(map[string]quote)}
}

// WithClock replaces the cache's time source
func (c *Cache) WithClock(now func() time.Time) *Cache {
	c.now = now
	return c
}

// Update stores a tick. Ticks older than the stored quote are dropped.
func (c *Cache) Update(tick models.TickEvent) error {
	if tick.Bid <= 0 || tick.Ask <= 0 {
		return fmt.Errorf("invalid quote for %s: bid=%v ask=%v", tick.Symbol, tick.Bid, tick.Ask)
	}
	at := tick.Timestamp
	if at.IsZero() {
		at = c.now()
	}
	symbol := normalize(tick.Symbol)

	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.quotes[symbol]; ok && at.Before(prev.at) {
		return nil
	}
	c.quotes[symbol] = quote{bid: tick.Bid, ask: tick.Ask, at: at}
	return nil
}

// Price returns the mid price, satisfying the ledger's price lookup
func (c *Cache) Price(symbol string) (float64, error) {
	c.mu.RLock()
	q, ok := c.quotes[normalize(symbol)]
	c.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNoPrice, symbol)
	}
	if c.maxAge > 0 && c.now().Sub(q.at) > c.maxAge {
		return 0, fmt.Errorf("%w: %s last quoted %s", ErrStalePrice, symbol, q.at.Format(time.RFC3339))
	}
	mid, _ := decimal.NewFromFloat(q.bid).Add(decimal.NewFromFloat(q.ask)).Div(decimal.NewFromInt(2)).Float64()
	return mid, nil
}

// Symbols lists the symbols with a stored quote
func (c *Cache) Symbols() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.quotes))
	for s := range c.quotes {
		out = append(out, s)
	}
	return out
}

func normalize(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
