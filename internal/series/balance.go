package series

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Balance is the free/used/total triple of one asset.
type Balance struct {
	Free  decimal.Decimal
	Used  decimal.Decimal
	Total decimal.Decimal
}

// Balances tracks per-asset balances, merged by asset on every update batch.
type Balances struct {
	assets    map[string]Balance
	timestamp int64
}

// NewBalances constructs an empty balance book.
func NewBalances() *Balances {
	return &Balances{assets: make(map[string]Balance)}
}

// Merge replaces the triple of every asset present in batch; assets absent
// from the batch keep their previous values.
func (b *Balances) Merge(batch map[string]Balance, timestamp int64) {
	for asset, bal := range batch {
		key := strings.ToUpper(strings.TrimSpace(asset))
		if key == "" {
			continue
		}
		b.assets[key] = bal
	}
	if timestamp > b.timestamp {
		b.timestamp = timestamp
	}
}

// Snapshot returns a copy of the current balances.
func (b *Balances) Snapshot() BalanceSnapshot {
	assets := make(map[string]Balance, len(b.assets))
	for k, v := range b.assets {
		assets[k] = v
	}
	return BalanceSnapshot{Assets: assets, Timestamp: b.timestamp}
}

// BalanceSnapshot is an immutable view of Balances.
type BalanceSnapshot struct {
	Assets    map[string]Balance
	Timestamp int64
}

// Get returns the balance of asset.
func (s BalanceSnapshot) Get(asset string) (Balance, bool) {
	bal, ok := s.Assets[strings.ToUpper(asset)]
	return bal, ok
}
