package book

import (
	"fmt"
	"strconv"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

// Action is the level-2 row action type.
type Action int

const (
	ActionNew    Action = 0
	ActionUpdate Action = 1
	ActionDelete Action = 2
)

// Side is the book side a row applies to.
type Side int

const (
	SideBuy  Side = 0
	SideSell Side = 1
)

const l2RowWidth = 10

// Row is one level-2 entry:
// [MDUpdateId, Accounts, ActionDateTime, ActionType, LastTradePrice, Orders, Price, InstrumentId, Quantity, Side].
type Row struct {
	UpdateID       int64
	Accounts       int64
	Timestamp      int64
	Action         Action
	LastTradePrice decimal.Decimal
	Orders         int64
	Price          decimal.Decimal
	InstrumentID   int64
	Quantity       decimal.Decimal
	Side           Side
}

// ParseRows decodes a level-2 snapshot or update payload.
func ParseRows(payload []byte) ([]Row, error) {
	var raw [][]json.Number
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("decode level2 rows: %w", err)
	}
	rows := make([]Row, 0, len(raw))
	for i, cols := range raw {
		row, err := parseRow(cols)
		if err != nil {
			return nil, fmt.Errorf("level2 row %d: %w", i, err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func parseRow(cols []json.Number) (Row, error) {
	if len(cols) < l2RowWidth {
		return Row{}, fmt.Errorf("expected %d columns, got %d", l2RowWidth, len(cols))
	}
	var (
		row Row
		err error
	)
	if row.UpdateID, err = Int(cols[0]); err != nil {
		return Row{}, fmt.Errorf("update id: %w", err)
	}
	if row.Accounts, err = Int(cols[1]); err != nil {
		return Row{}, fmt.Errorf("accounts: %w", err)
	}
	if row.Timestamp, err = Int(cols[2]); err != nil {
		return Row{}, fmt.Errorf("action time: %w", err)
	}
	action, err := Int(cols[3])
	if err != nil {
		return Row{}, fmt.Errorf("action type: %w", err)
	}
	row.Action = Action(action)
	if row.LastTradePrice, err = Decimal(cols[4]); err != nil {
		return Row{}, fmt.Errorf("last trade price: %w", err)
	}
	if row.Orders, err = Int(cols[5]); err != nil {
		return Row{}, fmt.Errorf("orders: %w", err)
	}
	if row.Price, err = Decimal(cols[6]); err != nil {
		return Row{}, fmt.Errorf("price: %w", err)
	}
	if row.InstrumentID, err = Int(cols[7]); err != nil {
		return Row{}, fmt.Errorf("instrument id: %w", err)
	}
	if row.Quantity, err = Decimal(cols[8]); err != nil {
		return Row{}, fmt.Errorf("quantity: %w", err)
	}
	side, err := Int(cols[9])
	if err != nil {
		return Row{}, fmt.Errorf("side: %w", err)
	}
	row.Side = Side(side)
	return row, nil
}

// Int parses an integral JSON number, truncating fractional encodings.
func Int(n json.Number) (int64, error) {
	if v, err := strconv.ParseInt(string(n), 10, 64); err == nil {
		return v, nil
	}
	f, err := strconv.ParseFloat(string(n), 64)
	if err != nil {
		return 0, fmt.Errorf("parse %q: %w", string(n), err)
	}
	return int64(f), nil
}

// Decimal parses a JSON number without a float round trip.
func Decimal(n json.Number) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(string(n))
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse %q: %w", string(n), err)
	}
	return d, nil
}

// Partition groups rows by instrument, preserving first-seen order.
type Partition struct {
	InstrumentID int64
	Rows         []Row
}

// PartitionByInstrument splits a batch so each instrument's rows are applied
// to its own book and its own nonce scan.
func PartitionByInstrument(rows []Row) []Partition {
	if len(rows) == 0 {
		return nil
	}
	index := make(map[int64]int)
	parts := make([]Partition, 0, 1)
	for _, row := range rows {
		i, ok := index[row.InstrumentID]
		if !ok {
			i = len(parts)
			index[row.InstrumentID] = i
			parts = append(parts, Partition{InstrumentID: row.InstrumentID})
		}
		parts[i].Rows = append(parts[i].Rows, row)
	}
	return parts
}
