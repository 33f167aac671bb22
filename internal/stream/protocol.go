package stream

import (
	"encoding/json"
	"fmt"
	"time"

	"riskwatch/internal/events"
)

// Mode selects the payload depth of a subscription.
type Mode int

const (
	ModePriceOnly Mode = 1
	ModeFullQuote Mode = 2
)

// Instrument identifies one tradable on the feed.
type Instrument struct {
	Symbol string `json:"symbol"`
	Venue  string `json:"venue"`
}

// Key returns the price cache key for this instrument.
func (i Instrument) Key() string { return i.Symbol + ":" + i.Venue }

// Subscription pairs an instrument with its quote mode.
type Subscription struct {
	Instrument
	Mode Mode
}

// Control operations accepted by the feed.
const (
	opAuthenticate = "authenticate"
	OpSubscribe    = "subscribe"
	OpUnsubscribe  = "unsubscribe"
	opPing         = "ping"
)

// controlFrame is the outbound wire format.
type controlFrame struct {
	Action      string       `json:"action"`
	APIKey      string       `json:"api_key,omitempty"`
	Mode        int          `json:"mode,omitempty"`
	Instruments []Instrument `json:"instruments,omitempty"`
}

func (f controlFrame) encode() ([]byte, error) {
	b, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", f.Action, err)
	}
	return b, nil
}

// serverFrame is the inbound wire format. Ticks carry flat numeric fields.
type serverFrame struct {
	Type      string  `json:"type"`
	Status    string  `json:"status,omitempty"`
	Message   string  `json:"message,omitempty"`
	Symbol    string  `json:"symbol,omitempty"`
	Venue     string  `json:"venue,omitempty"`
	LTP       float64 `json:"ltp,omitempty"`
	Timestamp int64   `json:"timestamp,omitempty"`
}

func parseServerFrame(msg []byte) (serverFrame, error) {
	var f serverFrame
	if err := json.Unmarshal(msg, &f); err != nil {
		return serverFrame{}, fmt.Errorf("parse server frame: %w", err)
	}
	return f, nil
}

func (f serverFrame) tick() events.Tick {
	ts := time.Now()
	if f.Timestamp > 0 {
		ts = time.UnixMilli(f.Timestamp)
	}
	return events.Tick{
		Symbol:    f.Symbol,
		Venue:     f.Venue,
		LTP:       f.LTP,
		Timestamp: ts,
	}
}
