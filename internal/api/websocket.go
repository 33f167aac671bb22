package api

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"riskwatch/internal/events"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// websocket pushes price ticks, risk alerts and window changes to dashboard
// clients.
func (s *Server) websocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("ws upgrade error: %v", err)
		return
	}
	defer conn.Close()

	if s.cfg.Bus == nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"bus not ready"}`))
		return
	}

	ticks, unsubTicks := s.cfg.Bus.Subscribe(events.EventPriceTick, 100)
	defer unsubTicks()
	alerts, unsubAlerts := s.cfg.Bus.Subscribe(events.EventRiskAlert, 16)
	defer unsubAlerts()
	window, unsubWindow := s.cfg.Bus.Subscribe(events.EventWindowChange, 4)
	defer unsubWindow()

	type frame struct {
		Kind    string `json:"kind"`
		Payload any    `json:"payload"`
	}
	for {
		var f frame
		var ok bool
		select {
		case msg, open := <-ticks:
			f, ok = frame{Kind: "tick", Payload: msg}, open
		case msg, open := <-alerts:
			f, ok = frame{Kind: "risk_alert", Payload: msg}, open
		case msg, open := <-window:
			f, ok = frame{Kind: "window", Payload: msg}, open
		}
		if !ok {
			return
		}
		if err := conn.WriteJSON(f); err != nil {
			log.Printf("ws write error: %v", err)
			return
		}
	}
}
