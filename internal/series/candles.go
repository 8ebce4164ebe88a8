package series

import (
	"fmt"
	"sort"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/ndaxstream/internal/book"
)

// Timeframes maps unified timeframe names to the gateway interval in seconds.
var Timeframes = map[string]int64{
	"1m":  60,
	"5m":  300,
	"15m": 900,
	"30m": 1800,
	"1h":  3600,
	"2h":  7200,
	"4h":  14400,
	"6h":  21600,
	"12h": 43200,
	"1d":  86400,
	"1w":  604800,
	"1M":  2419200,
	"4M":  9676800,
}

// TimeframeNames returns the configured timeframes ordered by duration.
func TimeframeNames() []string {
	names := make([]string, 0, len(Timeframes))
	for name := range Timeframes {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		return Timeframes[names[i]] < Timeframes[names[j]]
	})
	return names
}

// Duration returns the bucket length of a timeframe.
func Duration(timeframe string) (time.Duration, bool) {
	secs, ok := Timeframes[timeframe]
	if !ok {
		return 0, false
	}
	return time.Duration(secs) * time.Second, true
}

// Candle is one OHLCV bucket. Start is the bucket start in Unix milliseconds.
type Candle struct {
	Start  int64
	Open   decimal.Decimal
	High   decimal.Decimal
	Low    decimal.Decimal
	Close  decimal.Decimal
	Volume decimal.Decimal
}

// Time returns the bucket start.
func (c Candle) Time() time.Time {
	return time.UnixMilli(c.Start).UTC()
}

// Tick is one raw ticker row:
// [DateTime, High, Low, Open, Close, Volume, InsideBid, InsideAsk, InstrumentId, CandleTime].
type Tick struct {
	Time         int64
	High         decimal.Decimal
	Low          decimal.Decimal
	Open         decimal.Decimal
	Close        decimal.Decimal
	Volume       decimal.Decimal
	InsideBid    decimal.Decimal
	InsideAsk    decimal.Decimal
	InstrumentID int64
}

const tickRowWidth = 9

// ParseTicks decodes a SubscribeTicker reply or TickerDataUpdateEvent payload.
func ParseTicks(payload []byte) ([]Tick, error) {
	var raw [][]json.Number
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("decode ticker rows: %w", err)
	}
	ticks := make([]Tick, 0, len(raw))
	for i, cols := range raw {
		if len(cols) < tickRowWidth {
			return nil, fmt.Errorf("ticker row %d: expected %d columns, got %d", i, tickRowWidth, len(cols))
		}
		var (
			tick Tick
			err  error
		)
		if tick.Time, err = book.Int(cols[0]); err != nil {
			return nil, fmt.Errorf("ticker row %d time: %w", i, err)
		}
		decimals := []*decimal.Decimal{&tick.High, &tick.Low, &tick.Open, &tick.Close, &tick.Volume, &tick.InsideBid, &tick.InsideAsk}
		for j, dst := range decimals {
			if *dst, err = book.Decimal(cols[j+1]); err != nil {
				return nil, fmt.Errorf("ticker row %d column %d: %w", i, j+1, err)
			}
		}
		if tick.InstrumentID, err = book.Int(cols[8]); err != nil {
			return nil, fmt.Errorf("ticker row %d instrument: %w", i, err)
		}
		ticks = append(ticks, tick)
	}
	return ticks, nil
}

// Candles is a bounded, time-ordered candle series for one timeframe.
// Consecutive candles are exactly one duration apart: buckets without ticks
// are filled with flat, zero-volume candles carrying the previous close.
type Candles struct {
	duration int64
	limit    int
	items    []Candle
}

// NewCandles constructs a series of buckets lasting duration, keeping at most limit candles.
func NewCandles(duration time.Duration, limit int) *Candles {
	if limit <= 0 {
		limit = 1
	}
	return &Candles{duration: duration.Milliseconds(), limit: limit}
}

// Add merges tick into its bucket. It reports false when the tick belongs to
// a bucket older than the newest stored one, which is discarded.
func (c *Candles) Add(tick Tick) bool {
	start := floorBucket(tick.Time, c.duration)
	n := len(c.items)
	if n > 0 {
		last := &c.items[n-1]
		switch {
		case start == last.Start:
			last.High = decimal.Max(last.High, tick.High)
			last.Low = decimal.Min(last.Low, tick.Low)
			last.Close = tick.Close
			last.Volume = last.Volume.Add(tick.Volume)
			return true
		case start < last.Start:
			return false
		}
		c.fillGap(start)
	}
	c.items = append(c.items, Candle{
		Start:  start,
		Open:   tick.Open,
		High:   tick.High,
		Low:    tick.Low,
		Close:  tick.Close,
		Volume: tick.Volume,
	})
	if over := len(c.items) - c.limit; over > 0 {
		c.items = append(c.items[:0:0], c.items[over:]...)
	}
	return true
}

func (c *Candles) fillGap(start int64) {
	last := c.items[len(c.items)-1]
	missing := (start-last.Start)/c.duration - 1
	if missing <= 0 {
		return
	}
	if missing >= int64(c.limit) {
		// The whole window would be synthetic; restart from the new bucket.
		c.items = c.items[:0]
		return
	}
	for s := last.Start + c.duration; s < start; s += c.duration {
		c.items = append(c.items, Candle{
			Start:  s,
			Open:   last.Close,
			High:   last.Close,
			Low:    last.Close,
			Close:  last.Close,
			Volume: decimal.Zero,
		})
	}
}

// Items returns a copy of the series, oldest first.
func (c *Candles) Items() []Candle {
	out := make([]Candle, len(c.items))
	copy(out, c.items)
	return out
}

// Len returns the number of stored candles.
func (c *Candles) Len() int {
	return len(c.items)
}

func floorBucket(ts, duration int64) int64 {
	if duration <= 0 {
		return ts
	}
	bucket := ts / duration
	if ts < 0 && ts%duration != 0 {
		bucket--
	}
	return bucket * duration
}

// OHLCV aggregates raw ticks into every configured timeframe per instrument.
type OHLCV struct {
	limit  int
	series map[int64]map[string]*Candles
}

// NewOHLCV constructs an aggregator keeping limit candles per series.
func NewOHLCV(limit int) *OHLCV {
	return &OHLCV{limit: limit, series: make(map[int64]map[string]*Candles)}
}

// Add folds tick into every timeframe and returns the timeframes that changed.
func (o *OHLCV) Add(tick Tick) []string {
	byTF, ok := o.series[tick.InstrumentID]
	if !ok {
		byTF = make(map[string]*Candles, len(Timeframes))
		o.series[tick.InstrumentID] = byTF
	}
	updated := make([]string, 0, len(Timeframes))
	for _, tf := range TimeframeNames() {
		candles, ok := byTF[tf]
		if !ok {
			duration, _ := Duration(tf)
			candles = NewCandles(duration, o.limit)
			byTF[tf] = candles
		}
		if candles.Add(tick) {
			updated = append(updated, tf)
		}
	}
	return updated
}

// Candles returns a copy of the series for an instrument and timeframe.
func (o *OHLCV) Candles(instrumentID int64, timeframe string) []Candle {
	byTF, ok := o.series[instrumentID]
	if !ok {
		return nil
	}
	candles, ok := byTF[timeframe]
	if !ok {
		return nil
	}
	return candles.Items()
}
