package calendar

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"riskwatch/pkg/db"
)

// SessionConfig is one weekly schedule entry in YAML.
type SessionConfig struct {
	Day   string `yaml:"day"`
	Open  string `yaml:"open"`
	Close string `yaml:"close"`
}

// HolidayConfig marks a full-day market close.
type HolidayConfig struct {
	Date        string `yaml:"date"`
	Description string `yaml:"description"`
}

// SpecialConfig overrides the weekly schedule on one date.
type SpecialConfig struct {
	Date        string `yaml:"date"`
	Open        string `yaml:"open"`
	Close       string `yaml:"close"`
	Description string `yaml:"description"`
}

// ScheduleFile is the top-level YAML structure.
type ScheduleFile struct {
	Sessions []SessionConfig `yaml:"sessions"`
	Holidays []HolidayConfig `yaml:"holidays"`
	Special  []SpecialConfig `yaml:"special_sessions"`
}

var weekdays = map[string]int{
	"sunday":    0,
	"monday":    1,
	"tuesday":   2,
	"wednesday": 3,
	"thursday":  4,
	"friday":    5,
	"saturday":  6,
}

// LoadSchedule reads the schedule YAML from path.
func LoadSchedule(path string) (*ScheduleFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var file ScheduleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse schedule: %w", err)
	}
	return &file, nil
}

// SyncScheduleToDB replaces the stored weekly schedule and upserts holidays
// and special sessions from the file.
func SyncScheduleToDB(ctx context.Context, store *db.Database, file *ScheduleFile) error {
	sessions := make([]db.TradingSession, 0, len(file.Sessions))
	for _, s := range file.Sessions {
		dow, ok := weekdays[strings.ToLower(s.Day)]
		if !ok {
			return fmt.Errorf("unknown weekday %q", s.Day)
		}
		sessions = append(sessions, db.TradingSession{
			DayOfWeek: dow,
			OpenTime:  s.Open,
			CloseTime: s.Close,
			IsActive:  true,
		})
	}
	if err := store.ReplaceTradingSessions(ctx, sessions); err != nil {
		return fmt.Errorf("replace sessions: %w", err)
	}

	for _, h := range file.Holidays {
		err := store.UpsertHoliday(ctx, db.MarketHoliday{Day: h.Date, Description: h.Description})
		if err != nil {
			return fmt.Errorf("upsert holiday %s: %w", h.Date, err)
		}
	}
	for _, s := range file.Special {
		err := store.UpsertSpecialSession(ctx, db.SpecialSession{
			Day: s.Date, OpenTime: s.Open, CloseTime: s.Close, Description: s.Description,
		})
		if err != nil {
			return fmt.Errorf("upsert special session %s: %w", s.Date, err)
		}
	}
	return nil
}
