package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// getStatus summarizes the whole monitor: window gate, feed health, active
// account, subscription footprint and strategy views.
func (s *Server) getStatus(c *gin.Context) {
	resp := gin.H{
		"timestamp":     time.Now().UTC().Format(time.RFC3339),
		"version":       s.cfg.Version,
		"window_open":   s.cfg.Window.WindowOpen(),
		"risk_paused":   s.cfg.Risk.Paused(),
		"stream_health": s.cfg.Stream.Health(),
		"subscriptions": s.cfg.Subscriptions.Count(),
		"instruments":   s.cfg.Subscriptions.ActiveKeys(),
		"strategies":    s.cfg.Risk.Snapshot(),
	}
	if acct, ok := s.cfg.Stream.CurrentAccount(); ok {
		resp["account"] = gin.H{
			"id":   acct.ID,
			"name": acct.Name,
			"role": acct.Role,
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) getMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, s.cfg.Metrics.GetSnapshot())
}

func (s *Server) getStrategies(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"strategies": s.cfg.Risk.Snapshot()})
}

// limitParam parses ?limit with a default and an upper bound.
func limitParam(c *gin.Context, def, max int) int {
	v := c.Query("limit")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

func (s *Server) getOrders(c *gin.Context) {
	orders, err := s.cfg.DB.ListRecentOrders(c.Request.Context(), limitParam(c, 50, 500))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":  "INTERNAL_ERROR",
			"error": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

func (s *Server) getAccounts(c *gin.Context) {
	accounts, err := s.cfg.DB.ListAccounts(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":  "INTERNAL_ERROR",
			"error": err.Error(),
		})
		return
	}
	// API keys never leave the process.
	type accountView struct {
		ID            string `json:"id"`
		Name          string `json:"name"`
		Role          string `json:"role"`
		Priority      int    `json:"priority"`
		Health        string `json:"health"`
		LastConnected string `json:"last_connected,omitempty"`
	}
	views := make([]accountView, 0, len(accounts))
	for _, a := range accounts {
		v := accountView{
			ID: a.ID, Name: a.Name, Role: a.Role,
			Priority: a.Priority, Health: a.Health,
		}
		if a.LastConnected.Valid {
			v.LastConnected = a.LastConnected.Time.UTC().Format(time.RFC3339)
		}
		views = append(views, v)
	}
	c.JSON(http.StatusOK, gin.H{"accounts": views})
}

func (s *Server) getRiskEvents(c *gin.Context) {
	evs, err := s.cfg.DB.ListRecentRiskEvents(c.Request.Context(), limitParam(c, 50, 500))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":  "INTERNAL_ERROR",
			"error": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": evs})
}

func (s *Server) getActivity(c *gin.Context) {
	entries, err := s.cfg.DB.ListRecentActivity(c.Request.Context(), limitParam(c, 50, 500))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":  "INTERNAL_ERROR",
			"error": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"activity": entries})
}

func (s *Server) pauseRisk(c *gin.Context) {
	s.cfg.Risk.Pause()
	c.JSON(http.StatusOK, gin.H{"paused": true})
}

func (s *Server) resumeRisk(c *gin.Context) {
	s.cfg.Risk.Resume()
	c.JSON(http.StatusOK, gin.H{"paused": false})
}
