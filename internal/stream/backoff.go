package stream

import "time"

// Backoff yields capped exponential delays: base, base*2, base*4, ... up to cap.
type Backoff struct {
	Base    time.Duration
	Cap     time.Duration
	attempt int
}

// Next returns the delay for the current attempt and advances.
func (b *Backoff) Next() time.Duration {
	d := b.Base
	for i := 0; i < b.attempt; i++ {
		d *= 2
		if d >= b.Cap {
			d = b.Cap
			break
		}
	}
	b.attempt++
	if d > b.Cap {
		d = b.Cap
	}
	return d
}

// Reset restarts the sequence after a successful connect.
func (b *Backoff) Reset() {
	b.attempt = 0
}
