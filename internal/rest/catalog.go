// Package rest is the NDAX REST collaborator of the streaming client: it
// loads the instrument catalog and the authenticated user's account ids.
package rest

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"
)

// Instrument is one tradable pair from GetInstruments.
type Instrument struct {
	OMSID             int64           `json:"OMSId"`
	InstrumentID      int64           `json:"InstrumentId"`
	Symbol            string          `json:"Symbol"`
	Product1          int64           `json:"Product1"`
	Product1Symbol    string          `json:"Product1Symbol"`
	Product2          int64           `json:"Product2"`
	Product2Symbol    string          `json:"Product2Symbol"`
	InstrumentType    string          `json:"InstrumentType"`
	SessionStatus     string          `json:"SessionStatus"`
	PriceIncrement    decimal.Decimal `json:"PriceIncrement"`
	QuantityIncrement decimal.Decimal `json:"QuantityIncrement"`
	MinimumQuantity   decimal.Decimal `json:"MinimumQuantity"`
	IsDisable         bool            `json:"IsDisable"`
}

// UnifiedSymbol returns BASE/QUOTE.
func (i Instrument) UnifiedSymbol() string {
	base := strings.ToUpper(strings.TrimSpace(i.Product1Symbol))
	quote := strings.ToUpper(strings.TrimSpace(i.Product2Symbol))
	if base == "" || quote == "" {
		return strings.ToUpper(strings.TrimSpace(i.Symbol))
	}
	return base + "/" + quote
}

// Catalog is what the streaming client needs from the REST API.
type Catalog interface {
	Instruments(ctx context.Context) ([]Instrument, error)
	Accounts(ctx context.Context) ([]int64, error)
}

// StaticCatalog serves a fixed instrument list and account ids.
type StaticCatalog struct {
	Items      []Instrument
	AccountIDs []int64
}

// Instruments returns a copy of the configured instruments.
func (s StaticCatalog) Instruments(context.Context) ([]Instrument, error) {
	return append([]Instrument(nil), s.Items...), nil
}

// Accounts returns a copy of the configured account ids.
func (s StaticCatalog) Accounts(context.Context) ([]int64, error) {
	return append([]int64(nil), s.AccountIDs...), nil
}
