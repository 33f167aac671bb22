package indicators

import (
	"testing"
	"time"
)

func TestCandleBuilderAggregates(t *testing.T) {
	b := NewCandleBuilder(time.Minute)
	base := time.Date(2026, 3, 2, 9, 15, 0, 0, time.UTC)

	if _, done := b.Update(100, base); done {
		t.Fatal("first price completed a bar")
	}
	b.Update(105, base.Add(20*time.Second))
	b.Update(98, base.Add(40*time.Second))

	c, done := b.Update(101, base.Add(61*time.Second))
	if !done {
		t.Fatal("crossing the boundary should complete the bar")
	}
	if c.Open != 100 || c.High != 105 || c.Low != 98 || c.Close != 98 {
		t.Errorf("unexpected bar: %+v", c)
	}
}

func TestSupertrendWarmupThenDirection(t *testing.T) {
	st := NewSupertrend(3, 2)
	base := time.Date(2026, 3, 2, 9, 15, 0, 0, time.UTC)

	mk := func(i int, lo, hi, close float64) Candle {
		return Candle{Open: lo, High: hi, Low: lo, Close: close, Start: base.Add(time.Duration(i) * time.Minute)}
	}

	// Warmup: no direction for the first period-1 bars.
	if dir, _ := st.Update(mk(0, 100, 102, 101)); dir != DirWarmup {
		t.Fatalf("expected warmup, got %d", dir)
	}
	if dir, _ := st.Update(mk(1, 101, 103, 102)); dir != DirWarmup {
		t.Fatalf("expected warmup, got %d", dir)
	}

	// Strong rally: close punches above the upper band.
	st.Update(mk(2, 102, 104, 103))
	dir, _ := st.Update(mk(3, 110, 120, 119))
	if dir != DirBullish {
		t.Fatalf("expected bullish after breakout, got %d", dir)
	}

	// Collapse below the lower band flips the trend.
	flipped := DirWarmup
	for i := 4; i < 10; i++ {
		price := 119 - float64(i-3)*15
		if price < 1 {
			price = 1
		}
		flipped, _ = st.Update(mk(i, price-1, price+1, price))
		if flipped == DirBearish {
			break
		}
	}
	if flipped != DirBearish {
		t.Fatalf("expected bearish flip on collapse, got %d", flipped)
	}
	if st.Level() <= 0 {
		t.Errorf("expected a positive band level, got %v", st.Level())
	}
}
