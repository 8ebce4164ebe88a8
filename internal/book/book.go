// Package book reconstructs NDAX level-2 order books from a snapshot and
// incremental delta batches.
package book

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Level is one aggregated price level.
type Level struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// Snapshot is an immutable, depth-capped view of a Book.
type Snapshot struct {
	Symbol    string
	Bids      []Level
	Asks      []Level
	Nonce     int64
	Timestamp time.Time
}

// Book is the full-depth ladder for one instrument. Mutations come from a
// single reader; the lock only keeps concurrent Snapshot calls from observing
// a partially applied batch.
type Book struct {
	mu        sync.RWMutex
	symbol    string
	depth     int
	bids      map[string]Level
	asks      map[string]Level
	nonce     int64
	timestamp int64
}

// New constructs an empty book whose default read depth is depth (<=0 keeps full depth).
func New(symbol string, depth int) *Book {
	return &Book{
		symbol: symbol,
		depth:  depth,
		bids:   make(map[string]Level),
		asks:   make(map[string]Level),
	}
}

// FromSnapshot builds a fresh book from snapshot rows. Rows are applied as
// upserts; the nonce and timestamp are the maxima found in the snapshot.
func FromSnapshot(symbol string, rows []Row, depth int) *Book {
	b := New(symbol, depth)
	for _, row := range rows {
		if row.Action == ActionDelete {
			continue
		}
		b.storeLocked(row.Side, row.Price, row.Quantity)
		if row.UpdateID > b.nonce {
			b.nonce = row.UpdateID
		}
		if row.Timestamp > b.timestamp {
			b.timestamp = row.Timestamp
		}
	}
	return b
}

// Symbol returns the unified symbol the book tracks.
func (b *Book) Symbol() string {
	return b.symbol
}

// Nonce returns the last applied update id.
func (b *Book) Nonce() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.nonce
}

// Apply merges a delta batch. Rows whose update id is older than the book's
// nonce at the start of the batch are stale redeliveries and are skipped;
// one update id spans several rows, so rows equal to the nonce still apply.
// The nonce and timestamp advance only after every row is applied.
// Apply reports whether at least one row changed the book.
func (b *Book) Apply(rows []Row) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	base := b.nonce
	nonce, ts := b.nonce, b.timestamp
	applied := false
	for _, row := range rows {
		if row.UpdateID < base {
			continue
		}
		switch row.Action {
		case ActionNew, ActionUpdate:
			b.storeLocked(row.Side, row.Price, row.Quantity)
		case ActionDelete:
			b.storeLocked(row.Side, row.Price, decimal.Zero)
		default:
			continue
		}
		applied = true
		if row.UpdateID > nonce {
			nonce = row.UpdateID
		}
		if row.Timestamp > ts {
			ts = row.Timestamp
		}
	}
	if applied {
		b.nonce = nonce
		b.timestamp = ts
	}
	return applied
}

func (b *Book) storeLocked(side Side, price, qty decimal.Decimal) {
	var levels map[string]Level
	switch side {
	case SideBuy:
		levels = b.bids
	case SideSell:
		levels = b.asks
	default:
		return
	}
	key := price.String()
	if qty.Sign() <= 0 {
		delete(levels, key)
		return
	}
	levels[key] = Level{Price: price, Quantity: qty}
}

// Snapshot returns a sorted copy capped to depth levels per side. A depth
// of zero uses the book's default depth; negative returns every level.
func (b *Book) Snapshot(depth int) Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if depth == 0 {
		depth = b.depth
	}
	snap := Snapshot{
		Symbol: b.symbol,
		Bids:   topLevels(b.bids, true, depth),
		Asks:   topLevels(b.asks, false, depth),
		Nonce:  b.nonce,
	}
	if b.timestamp > 0 {
		snap.Timestamp = time.UnixMilli(b.timestamp).UTC()
	}
	return snap
}

func topLevels(levels map[string]Level, desc bool, depth int) []Level {
	out := make([]Level, 0, len(levels))
	for _, level := range levels {
		out = append(out, level)
	}
	sort.Slice(out, func(i, j int) bool {
		if desc {
			return out[i].Price.GreaterThan(out[j].Price)
		}
		return out[i].Price.LessThan(out[j].Price)
	})
	if depth > 0 && len(out) > depth {
		out = out[:depth]
	}
	return out
}
