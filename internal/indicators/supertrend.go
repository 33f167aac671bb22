package indicators

import "math"

// Supertrend directions. Zero means the indicator is still warming up.
const (
	DirWarmup  = 0
	DirBullish = -1
	DirBearish = 1
)

// Supertrend computes the ATR-band trend indicator incrementally.
type Supertrend struct {
	period     int
	multiplier float64

	count      int
	atr        float64
	trSum      float64
	prevClose  float64
	finalUpper float64
	finalLower float64
	direction  int
	level      float64
}

// NewSupertrend creates an indicator with the given ATR period and band
// multiplier.
func NewSupertrend(period int, multiplier float64) *Supertrend {
	if period <= 0 {
		period = 10
	}
	if multiplier <= 0 {
		multiplier = 3
	}
	return &Supertrend{period: period, multiplier: multiplier}
}

// Direction returns the current trend direction.
func (s *Supertrend) Direction() int { return s.direction }

// Level returns the active band level (the trailing line).
func (s *Supertrend) Level() float64 { return s.level }

// Update folds one completed candle and returns the direction and band level.
func (s *Supertrend) Update(c Candle) (int, float64) {
	tr := c.High - c.Low
	if s.count > 0 {
		tr = math.Max(tr, math.Max(
			math.Abs(c.High-s.prevClose),
			math.Abs(c.Low-s.prevClose),
		))
	}
	s.count++

	// Wilder ATR: SMA seed over the first period, smoothed after.
	switch {
	case s.count < s.period:
		s.trSum += tr
		s.prevClose = c.Close
		return DirWarmup, 0
	case s.count == s.period:
		s.trSum += tr
		s.atr = s.trSum / float64(s.period)
	default:
		s.atr = (s.atr*float64(s.period-1) + tr) / float64(s.period)
	}

	mid := (c.High + c.Low) / 2
	basicUpper := mid + s.multiplier*s.atr
	basicLower := mid - s.multiplier*s.atr

	if s.count == s.period {
		s.finalUpper = basicUpper
		s.finalLower = basicLower
	} else {
		if basicUpper < s.finalUpper || s.prevClose > s.finalUpper {
			s.finalUpper = basicUpper
		}
		if basicLower > s.finalLower || s.prevClose < s.finalLower {
			s.finalLower = basicLower
		}
	}

	switch {
	case s.direction == DirWarmup:
		if c.Close > s.finalUpper {
			s.direction = DirBullish
		} else if c.Close < s.finalLower {
			s.direction = DirBearish
		}
	case s.direction == DirBullish && c.Close < s.finalLower:
		s.direction = DirBearish
	case s.direction == DirBearish && c.Close > s.finalUpper:
		s.direction = DirBullish
	}

	if s.direction == DirBullish {
		s.level = s.finalLower
	} else if s.direction == DirBearish {
		s.level = s.finalUpper
	}

	s.prevClose = c.Close
	return s.direction, s.level
}
