package indicators

import "time"

// Candle is one aggregated OHLC bar.
type Candle struct {
	Open  float64
	High  float64
	Low   float64
	Close float64
	Start time.Time
}

// CandleBuilder aggregates a price series into fixed-interval bars.
type CandleBuilder struct {
	interval time.Duration
	cur      *Candle
}

// NewCandleBuilder creates a builder for the given bar interval.
func NewCandleBuilder(interval time.Duration) *CandleBuilder {
	if interval <= 0 {
		interval = time.Minute
	}
	return &CandleBuilder{interval: interval}
}

// Update folds one price into the current bar. When ts crosses a bar
// boundary the completed bar is returned with ok=true.
func (b *CandleBuilder) Update(price float64, ts time.Time) (Candle, bool) {
	start := ts.Truncate(b.interval)

	if b.cur == nil {
		b.cur = &Candle{Open: price, High: price, Low: price, Close: price, Start: start}
		return Candle{}, false
	}

	if start.After(b.cur.Start) {
		done := *b.cur
		b.cur = &Candle{Open: price, High: price, Low: price, Close: price, Start: start}
		return done, true
	}

	if price > b.cur.High {
		b.cur.High = price
	}
	if price < b.cur.Low {
		b.cur.Low = price
	}
	b.cur.Close = price
	return Candle{}, false
}

// ParseInterval converts "1m", "5m", "1h" style interval strings.
func ParseInterval(s string) time.Duration {
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d
	}
	return time.Minute
}
