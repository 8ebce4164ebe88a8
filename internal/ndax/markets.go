package ndax

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/coachpo/ndaxstream/errs"
	"github.com/coachpo/ndaxstream/internal/rest"
)

// markets is the instrument catalog, loaded once and read from both caller
// goroutines and the connection reader.
type markets struct {
	catalog rest.Catalog
	group   singleflight.Group

	mu       sync.RWMutex
	loaded   bool
	bySymbol map[string]Market
	byID     map[int64]Market
}

func newMarkets(catalog rest.Catalog) *markets {
	return &markets{
		catalog:  catalog,
		bySymbol: make(map[string]Market),
		byID:     make(map[int64]Market),
	}
}

// load fetches the catalog once; concurrent callers share the request and a
// failed load is retried by the next caller.
func (m *markets) load(ctx context.Context, reload bool) (map[string]Market, error) {
	m.mu.RLock()
	if m.loaded && !reload {
		out := m.copyLocked()
		m.mu.RUnlock()
		return out, nil
	}
	m.mu.RUnlock()

	_, err, _ := m.group.Do("instruments", func() (any, error) {
		m.mu.RLock()
		done := m.loaded && !reload
		m.mu.RUnlock()
		if done {
			return nil, nil
		}
		instruments, err := m.catalog.Instruments(ctx)
		if err != nil {
			return nil, fmt.Errorf("load markets: %w", err)
		}
		bySymbol := make(map[string]Market, len(instruments)*2)
		byID := make(map[int64]Market, len(instruments))
		for _, inst := range instruments {
			market := Market{
				ID:         inst.InstrumentID,
				Symbol:     inst.UnifiedSymbol(),
				Base:       strings.ToUpper(inst.Product1Symbol),
				Quote:      strings.ToUpper(inst.Product2Symbol),
				Instrument: inst,
			}
			byID[market.ID] = market
			bySymbol[market.Symbol] = market
			if raw := strings.ToUpper(strings.TrimSpace(inst.Symbol)); raw != "" {
				if _, taken := bySymbol[raw]; !taken {
					bySymbol[raw] = market
				}
			}
		}
		m.mu.Lock()
		m.bySymbol, m.byID, m.loaded = bySymbol, byID, true
		m.mu.Unlock()
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.copyLocked(), nil
}

func (m *markets) copyLocked() map[string]Market {
	out := make(map[string]Market, len(m.byID))
	for _, market := range m.byID {
		out[market.Symbol] = market
	}
	return out
}

// market resolves a unified ("BTC/CAD") or raw ("BTCCAD") symbol.
func (m *markets) market(ctx context.Context, symbol string) (Market, error) {
	if _, err := m.load(ctx, false); err != nil {
		return Market{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	market, ok := m.bySymbol[strings.ToUpper(strings.TrimSpace(symbol))]
	if !ok {
		return Market{}, errs.New("ndax", errs.CodeNotFound, errs.WithMessage(fmt.Sprintf("unknown market %q", symbol)))
	}
	return market, nil
}

// symbol maps an instrument id to its unified symbol, falling back to the id.
func (m *markets) symbol(id int64) string {
	m.mu.RLock()
	market, ok := m.byID[id]
	m.mu.RUnlock()
	if !ok {
		return fmt.Sprintf("%d", id)
	}
	return market.Symbol
}
