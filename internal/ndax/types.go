package ndax

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/ndaxstream/internal/book"
	"github.com/coachpo/ndaxstream/internal/rest"
)

// Market maps a unified symbol to its gateway instrument id.
type Market struct {
	ID         int64
	Symbol     string
	Base       string
	Quote      string
	Instrument rest.Instrument
}

// Ticker is the Level1 summary of one instrument.
type Ticker struct {
	Symbol       string
	InstrumentID int64
	Timestamp    int64
	Bid          decimal.Decimal
	Ask          decimal.Decimal
	Last         decimal.Decimal
	LastQuantity decimal.Decimal
	Open         decimal.Decimal
	High         decimal.Decimal
	Low          decimal.Decimal
	Close        decimal.Decimal
	Change       decimal.Decimal
	Percentage   decimal.Decimal
	BaseVolume   decimal.Decimal
	QuoteVolume  decimal.Decimal
}

// Trade is a public print or one of the account's own fills.
type Trade struct {
	ID            string
	OrderID       string
	ClientOrderID string
	Symbol        string
	InstrumentID  int64
	Timestamp     int64
	Side          string
	Price         decimal.Decimal
	Amount        decimal.Decimal
	Cost          decimal.Decimal
}

// Order is the latest known state of one of the account's orders.
type Order struct {
	ID            string
	ClientOrderID string
	Symbol        string
	InstrumentID  int64
	AccountID     int64
	Type          string
	Side          string
	Status        string
	Price         decimal.Decimal
	Amount        decimal.Decimal
	Filled        decimal.Decimal
	Remaining     decimal.Decimal
	Average       decimal.Decimal
	Cost          decimal.Decimal
	Timestamp     int64
	LastUpdate    int64
	ChangeReason  string
}

// flexInt decodes integers sent as numbers, decimal numbers or strings.
type flexInt int64

func (f *flexInt) UnmarshalJSON(data []byte) error {
	text := strings.Trim(string(bytes.TrimSpace(data)), `"`)
	if text == "" || text == "null" {
		*f = 0
		return nil
	}
	if v, err := strconv.ParseInt(text, 10, 64); err == nil {
		*f = flexInt(v)
		return nil
	}
	v, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return fmt.Errorf("integer field %q: %w", text, err)
	}
	*f = flexInt(math.Trunc(v))
	return nil
}

type level1 struct {
	InstrumentID        int64           `json:"InstrumentId"`
	BestBid             decimal.Decimal `json:"BestBid"`
	BestOffer           decimal.Decimal `json:"BestOffer"`
	LastTradedPx        decimal.Decimal `json:"LastTradedPx"`
	LastTradedQty       decimal.Decimal `json:"LastTradedQty"`
	SessionOpen         decimal.Decimal `json:"SessionOpen"`
	SessionHigh         decimal.Decimal `json:"SessionHigh"`
	SessionLow          decimal.Decimal `json:"SessionLow"`
	Rolling24HrVolume   decimal.Decimal `json:"Rolling24HrVolume"`
	Rolling24HrNotional decimal.Decimal `json:"Rolling24HrNotional"`
	Rolling24HrPxChange decimal.Decimal `json:"Rolling24HrPxChange"`
	TimeStamp           flexInt         `json:"TimeStamp"`
	LastTradeTime       flexInt         `json:"LastTradeTime"`
}

// parseTicker decodes a Level1 payload. The instrument id is returned so
// the caller can resolve the symbol.
func parseTicker(payload []byte) (Ticker, error) {
	var l1 level1
	if err := json.Unmarshal(payload, &l1); err != nil {
		return Ticker{}, fmt.Errorf("decode level1: %w", err)
	}
	if l1.InstrumentID == 0 {
		return Ticker{}, fmt.Errorf("decode level1: missing InstrumentId")
	}
	ts := int64(l1.TimeStamp)
	if ts == 0 {
		ts = int64(l1.LastTradeTime)
	}
	t := Ticker{
		InstrumentID: l1.InstrumentID,
		Timestamp:    ts,
		Bid:          l1.BestBid,
		Ask:          l1.BestOffer,
		Last:         l1.LastTradedPx,
		LastQuantity: l1.LastTradedQty,
		Open:         l1.SessionOpen,
		High:         l1.SessionHigh,
		Low:          l1.SessionLow,
		Close:        l1.LastTradedPx,
		Percentage:   l1.Rolling24HrPxChange,
		BaseVolume:   l1.Rolling24HrVolume,
		QuoteVolume:  l1.Rolling24HrNotional,
	}
	if !t.Open.IsZero() && !t.Last.IsZero() {
		t.Change = t.Last.Sub(t.Open)
	}
	return t, nil
}

// parsePublicTrades decodes TradeDataUpdateEvent rows:
// [TradeId, InstrumentId, Quantity, Price, Order1, Order2, TradeTime,
// Direction, TakerSide, BlockTrade, ClientOrderId].
func parsePublicTrades(payload []byte) ([]Trade, error) {
	var rows [][]json.Number
	if err := json.Unmarshal(payload, &rows); err != nil {
		return nil, fmt.Errorf("decode trades: %w", err)
	}
	out := make([]Trade, 0, len(rows))
	for _, cols := range rows {
		if len(cols) < 9 {
			return nil, fmt.Errorf("decode trades: short row of %d columns", len(cols))
		}
		id, err := book.Int(cols[0])
		if err != nil {
			return nil, err
		}
		instrument, err := book.Int(cols[1])
		if err != nil {
			return nil, err
		}
		amount, err := book.Decimal(cols[2])
		if err != nil {
			return nil, err
		}
		price, err := book.Decimal(cols[3])
		if err != nil {
			return nil, err
		}
		ts, err := book.Int(cols[6])
		if err != nil {
			return nil, err
		}
		taker, err := book.Int(cols[8])
		if err != nil {
			return nil, err
		}
		side := "buy"
		if taker == 1 {
			side = "sell"
		}
		out = append(out, Trade{
			ID:           strconv.FormatInt(id, 10),
			InstrumentID: instrument,
			Timestamp:    ts,
			Side:         side,
			Price:        price,
			Amount:       amount,
			Cost:         price.Mul(amount),
		})
	}
	return out, nil
}

// ticksAtUnixEpoch is 1970-01-01 in .NET ticks (100ns since 0001-01-01).
const ticksAtUnixEpoch = 621355968000000000

type orderTrade struct {
	TradeID       int64           `json:"TradeId"`
	OrderID       int64           `json:"OrderId"`
	ClientOrderID int64           `json:"ClientOrderId"`
	InstrumentID  int64           `json:"InstrumentId"`
	Side          string          `json:"Side"`
	Quantity      decimal.Decimal `json:"Quantity"`
	Price         decimal.Decimal `json:"Price"`
	Value         decimal.Decimal `json:"Value"`
	TradeTime     flexInt         `json:"TradeTime"`
	TradeTimeMS   flexInt         `json:"TradeTimeMS"`
}

// parseOrderTrade decodes an OrderTradeEvent.
func parseOrderTrade(payload []byte) (Trade, error) {
	var ot orderTrade
	if err := json.Unmarshal(payload, &ot); err != nil {
		return Trade{}, fmt.Errorf("decode order trade: %w", err)
	}
	ts := int64(ot.TradeTimeMS)
	if ts == 0 {
		ts = int64(ot.TradeTime)
		if ts > ticksAtUnixEpoch {
			ts = (ts - ticksAtUnixEpoch) / 10000
		}
	}
	cost := ot.Value
	if cost.IsZero() {
		cost = ot.Price.Mul(ot.Quantity)
	}
	t := Trade{
		ID:           strconv.FormatInt(ot.TradeID, 10),
		OrderID:      strconv.FormatInt(ot.OrderID, 10),
		InstrumentID: ot.InstrumentID,
		Timestamp:    ts,
		Side:         strings.ToLower(ot.Side),
		Price:        ot.Price,
		Amount:       ot.Quantity,
		Cost:         cost,
	}
	if ot.ClientOrderID != 0 {
		t.ClientOrderID = strconv.FormatInt(ot.ClientOrderID, 10)
	}
	return t, nil
}

type orderState struct {
	OrderID          int64           `json:"OrderId"`
	ClientOrderID    int64           `json:"ClientOrderId"`
	Instrument       int64           `json:"Instrument"`
	Account          int64           `json:"Account"`
	Side             string          `json:"Side"`
	OrderType        string          `json:"OrderType"`
	OrderState       string          `json:"OrderState"`
	Price            decimal.Decimal `json:"Price"`
	Quantity         decimal.Decimal `json:"Quantity"`
	OrigQuantity     decimal.Decimal `json:"OrigQuantity"`
	QuantityExecuted decimal.Decimal `json:"QuantityExecuted"`
	AvgPrice         decimal.Decimal `json:"AvgPrice"`
	ReceiveTime      flexInt         `json:"ReceiveTime"`
	LastUpdatedTime  flexInt         `json:"LastUpdatedTime"`
	ChangeReason     string          `json:"ChangeReason"`
}

var orderStatuses = map[string]string{
	"working":       "open",
	"accepted":      "open",
	"rejected":      "rejected",
	"fullyexecuted": "closed",
	"canceled":      "canceled",
	"expired":       "expired",
}

// parseOrder decodes an OrderStateEvent.
func parseOrder(payload []byte) (Order, error) {
	var os orderState
	if err := json.Unmarshal(payload, &os); err != nil {
		return Order{}, fmt.Errorf("decode order state: %w", err)
	}
	status, ok := orderStatuses[strings.ToLower(os.OrderState)]
	if !ok {
		status = strings.ToLower(os.OrderState)
	}
	o := Order{
		ID:           strconv.FormatInt(os.OrderID, 10),
		InstrumentID: os.Instrument,
		AccountID:    os.Account,
		Type:         strings.ToLower(os.OrderType),
		Side:         strings.ToLower(os.Side),
		Status:       status,
		Price:        os.Price,
		Amount:       os.OrigQuantity,
		Filled:       os.QuantityExecuted,
		Remaining:    os.Quantity,
		Average:      os.AvgPrice,
		Cost:         os.AvgPrice.Mul(os.QuantityExecuted),
		Timestamp:    int64(os.ReceiveTime),
		LastUpdate:   int64(os.LastUpdatedTime),
		ChangeReason: os.ChangeReason,
	}
	if o.Amount.IsZero() {
		o.Amount = o.Filled.Add(o.Remaining)
	}
	if os.ClientOrderID != 0 {
		o.ClientOrderID = strconv.FormatInt(os.ClientOrderID, 10)
	}
	return o, nil
}

type accountPosition struct {
	ProductSymbol string          `json:"ProductSymbol"`
	Amount        decimal.Decimal `json:"Amount"`
	Hold          decimal.Decimal `json:"Hold"`
}

// parsePosition decodes an AccountPositionEvent into asset and triple.
func parsePosition(payload []byte) (string, decimal.Decimal, decimal.Decimal, error) {
	var p accountPosition
	if err := json.Unmarshal(payload, &p); err != nil {
		return "", decimal.Zero, decimal.Zero, fmt.Errorf("decode account position: %w", err)
	}
	if strings.TrimSpace(p.ProductSymbol) == "" {
		return "", decimal.Zero, decimal.Zero, fmt.Errorf("decode account position: missing ProductSymbol")
	}
	return p.ProductSymbol, p.Amount, p.Hold, nil
}
