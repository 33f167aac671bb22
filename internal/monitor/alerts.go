package monitor

import (
	"context"
	"fmt"
	"log"
	"time"

	"riskwatch/internal/events"
)

// AlertSink interface for pluggable alert delivery.
type AlertSink interface {
	Send(message string) error
}

// LogSink writes alerts to the process log.
type LogSink struct{}

func (LogSink) Send(message string) error {
	log.Printf("[alert] %s", message)
	return nil
}

// AlertWatcher forwards risk alerts and promotions to a sink.
type AlertWatcher struct {
	Bus  *events.Bus
	Sink AlertSink
}

func (w *AlertWatcher) Run(ctx context.Context) {
	if w.Bus == nil {
		return
	}
	if w.Sink == nil {
		w.Sink = LogSink{}
	}
	alerts, unsubAlerts := w.Bus.Subscribe(events.EventRiskAlert, 50)
	defer unsubAlerts()
	promotions, unsubPromos := w.Bus.Subscribe(events.EventAccountPromoted, 8)
	defer unsubPromos()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-alerts:
			if !ok {
				return
			}
			w.deliver(formatAlert(msg))
		case msg, ok := <-promotions:
			if !ok {
				return
			}
			w.deliver(formatAlert(msg))
		}
	}
}

func (w *AlertWatcher) deliver(message string) {
	if err := w.Sink.Send(message); err != nil {
		log.Printf("[alert] sink failed: %v", err)
	}
}

func formatAlert(msg any) string {
	switch t := msg.(type) {
	case events.RiskAlert:
		return fmt.Sprintf("%s strategy=%s %s observed=%.2f threshold=%.2f: %s",
			t.EventType, t.StrategyID, t.Action, t.Observed, t.Threshold, t.Note)
	case events.AccountPromoted:
		return fmt.Sprintf("account %s promoted to primary (from %s): %s",
			t.ToAccountID, t.FromAccountID, t.Reason)
	default:
		return "[" + time.Now().Format(time.RFC3339) + "] alert triggered"
	}
}
