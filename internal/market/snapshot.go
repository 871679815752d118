package market

import (
	"sync"
	"time"

	"okx-carry-bot/internal/exchange"
)

// Snapshot is the latest view of the market, replaced wholesale on every
// feed update. It is never persisted; the exchange can always re-derive it.
type Snapshot struct {
	SpotPrice            float64
	FuturesPrice         float64
	FundingRate          float64
	NextFundingTime      time.Time
	MarginRequirementPct float64
	ObservedAt           time.Time
}

// Basis is futures minus spot at the snapshot's observation time.
func (s Snapshot) Basis() float64 {
	return s.FuturesPrice - s.SpotPrice
}

type Freshness int

const (
	// Fresh snapshots are inside the freshness window.
	Fresh Freshness = iota
	// Stale snapshots exceeded the freshness window but not the grace
	// window; risk evaluation proceeds on the last good values.
	Stale
	// Expired means the feed has been silent past the grace window (or
	// never delivered). Risk decisions on such data are unsafe.
	Expired
)

// Cache holds the latest snapshot. Update has a single caller (the feed
// consumer task); Current never blocks.
type Cache struct {
	freshness time.Duration
	grace     time.Duration
	now       func() time.Time
	start     time.Time

	mu   sync.RWMutex
	snap Snapshot
	has  bool

	updates chan struct{}
}

func NewCache(freshness, grace time.Duration) *Cache {
	return &Cache{
		freshness: freshness,
		grace:     grace,
		now:       time.Now,
		start:     time.Now().UTC(),
		updates:   make(chan struct{}, 1),
	}
}

// Updates signals after each publish so readers can react to pushes instead
// of polling. The channel is best-effort: coalesced, never blocking Update.
func (c *Cache) Updates() <-chan struct{} {
	return c.updates
}

// Update merges a raw tick into the snapshot. Zero fields on the tick keep
// the previous value so partial venue messages do not erase known state.
func (c *Cache) Update(tick exchange.Tick) {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := c.snap
	if tick.SpotPrice > 0 {
		next.SpotPrice = tick.SpotPrice
	}
	if tick.FuturesPrice > 0 {
		next.FuturesPrice = tick.FuturesPrice
	}
	if tick.HasFundingRate {
		next.FundingRate = tick.FundingRate
	}
	if !tick.NextFundingTime.IsZero() {
		next.NextFundingTime = tick.NextFundingTime
	}
	if tick.MarginRequirementPct > 0 {
		next.MarginRequirementPct = tick.MarginRequirementPct
	}
	if tick.ObservedAt.IsZero() {
		next.ObservedAt = c.now().UTC()
	} else {
		next.ObservedAt = tick.ObservedAt
	}
	c.snap = next
	c.has = true
	select {
	case c.updates <- struct{}{}:
	default:
	}
}

// Current returns the latest snapshot and how much to trust it. Before the
// first tick arrives the grace window runs from cache construction, so a slow
// websocket handshake at startup reads as Stale rather than dead data.
func (c *Cache) Current() (Snapshot, Freshness) {
	c.mu.RLock()
	snap, has := c.snap, c.has
	c.mu.RUnlock()
	if !has {
		if c.now().Sub(c.start) <= c.grace {
			return Snapshot{}, Stale
		}
		return Snapshot{}, Expired
	}
	age := c.now().Sub(snap.ObservedAt)
	switch {
	case age <= c.freshness:
		return snap, Fresh
	case age <= c.grace:
		return snap, Stale
	default:
		return snap, Expired
	}
}

func (c *Cache) Age() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.has {
		return 0
	}
	return c.now().Sub(c.snap.ObservedAt)
}
