// Package calendar decides whether the market window is open at a point in
// time. Resolution order: full-day holiday, then a special session override,
// then the weekly schedule.
package calendar

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"riskwatch/pkg/db"
)

// Resolver answers open/closed queries against the stored schedule.
type Resolver struct {
	store       *db.Database
	location    *time.Location
	preOpenLead time.Duration

	mu       sync.RWMutex
	weekly   map[int]db.TradingSession
	holidays map[string]db.MarketHoliday
	special  map[string]db.SpecialSession
}

// NewResolver builds a resolver for the given IANA timezone. PreOpenLead
// widens the window before the official open so subscriptions and probes are
// warm when trading starts.
func NewResolver(store *db.Database, timezone string, preOpenLead time.Duration) (*Resolver, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", timezone, err)
	}
	return &Resolver{
		store:       store,
		location:    loc,
		preOpenLead: preOpenLead,
		weekly:      make(map[int]db.TradingSession),
		holidays:    make(map[string]db.MarketHoliday),
		special:     make(map[string]db.SpecialSession),
	}, nil
}

// Refresh reloads the schedule from the store.
func (r *Resolver) Refresh(ctx context.Context) error {
	sessions, err := r.store.ListTradingSessions(ctx)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	holidays, err := r.store.ListHolidays(ctx)
	if err != nil {
		return fmt.Errorf("list holidays: %w", err)
	}
	special, err := r.store.ListSpecialSessions(ctx)
	if err != nil {
		return fmt.Errorf("list special sessions: %w", err)
	}

	weekly := make(map[int]db.TradingSession, len(sessions))
	for _, s := range sessions {
		if s.IsActive {
			weekly[s.DayOfWeek] = s
		}
	}
	hm := make(map[string]db.MarketHoliday, len(holidays))
	for _, h := range holidays {
		hm[h.Day] = h
	}
	sm := make(map[string]db.SpecialSession, len(special))
	for _, s := range special {
		sm[s.Day] = s
	}

	r.mu.Lock()
	r.weekly = weekly
	r.holidays = hm
	r.special = sm
	r.mu.Unlock()
	return nil
}

// Status describes the window at one instant.
type Status struct {
	Open   bool
	Reason string
	// NextChange is the next open or close boundary, zero when the
	// schedule has no session for the coming week.
	NextChange time.Time
}

// IsOpen reports whether the window is open at the given instant, counting
// the pre-open lead as open.
func (r *Resolver) IsOpen(at time.Time) bool {
	return r.Resolve(at).Open
}

// Resolve classifies an instant against the schedule.
func (r *Resolver) Resolve(at time.Time) Status {
	local := at.In(r.location)
	day := local.Format("2006-01-02")

	r.mu.RLock()
	defer r.mu.RUnlock()

	if h, ok := r.holidays[day]; ok {
		return Status{Open: false, Reason: "holiday: " + h.Description, NextChange: r.nextOpenLocked(local)}
	}

	var openAt, closeAt time.Time
	var source string
	if s, ok := r.special[day]; ok {
		openAt = r.clockOn(local, s.OpenTime)
		closeAt = r.clockOn(local, s.CloseTime)
		source = "special session"
	} else if s, ok := r.weekly[int(local.Weekday())]; ok {
		openAt = r.clockOn(local, s.OpenTime)
		closeAt = r.clockOn(local, s.CloseTime)
		source = "regular session"
	} else {
		return Status{Open: false, Reason: "no session scheduled", NextChange: r.nextOpenLocked(local)}
	}

	lead := openAt.Add(-r.preOpenLead)
	switch {
	case local.Before(lead):
		return Status{Open: false, Reason: "before open", NextChange: lead}
	case local.Before(closeAt):
		return Status{Open: true, Reason: source, NextChange: closeAt}
	default:
		return Status{Open: false, Reason: "after close", NextChange: r.nextOpenLocked(local)}
	}
}

// nextOpenLocked scans up to a week ahead for the next session start
// including its pre-open lead. Caller holds r.mu.
func (r *Resolver) nextOpenLocked(local time.Time) time.Time {
	for i := 0; i <= 7; i++ {
		d := local.AddDate(0, 0, i)
		day := d.Format("2006-01-02")
		if _, ok := r.holidays[day]; ok {
			continue
		}
		var openTime string
		if s, ok := r.special[day]; ok {
			openTime = s.OpenTime
		} else if s, ok := r.weekly[int(d.Weekday())]; ok {
			openTime = s.OpenTime
		} else {
			continue
		}
		open := r.clockOn(d, openTime).Add(-r.preOpenLead)
		if open.After(local) {
			return open
		}
	}
	return time.Time{}
}

// clockOn places an "HH:MM" clock reading on the given day in the market
// timezone.
func (r *Resolver) clockOn(day time.Time, clock string) time.Time {
	h, m := parseClock(clock)
	return time.Date(day.Year(), day.Month(), day.Day(), h, m, 0, 0, r.location)
}

func parseClock(s string) (int, int) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		log.Printf("[calendar] bad clock value %q", s)
		return 0, 0
	}
	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil || h < 0 || h > 23 || m < 0 || m > 59 {
		log.Printf("[calendar] bad clock value %q", s)
		return 0, 0
	}
	return h, m
}
