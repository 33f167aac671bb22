// Package api exposes the monitor over HTTP: a status and history surface,
// operator controls for pausing evaluation, and a websocket push feed.
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"riskwatch/internal/events"
	"riskwatch/internal/monitor"
	"riskwatch/internal/risk"
	"riskwatch/pkg/db"
)

// RiskService is the slice of the risk evaluator the API needs.
type RiskService interface {
	Snapshot() []risk.StrategyStatus
	Pause()
	Resume()
	Paused() bool
}

// StreamInfo reports feed connection state.
type StreamInfo interface {
	Health() string
	CurrentAccount() (db.Account, bool)
}

// SubscriptionInfo reports the active instrument set.
type SubscriptionInfo interface {
	Count() int
	ActiveKeys() []string
}

// WindowInfo reports the market-window gate.
type WindowInfo interface {
	WindowOpen() bool
}

// Config wires the server's dependencies.
type Config struct {
	DB            *db.Database
	Risk          RiskService
	Stream        StreamInfo
	Subscriptions SubscriptionInfo
	Window        WindowInfo
	Metrics       *monitor.SystemMetrics
	Bus           *events.Bus

	JWTSecret        string
	OperatorUser     string
	OperatorPassHash string
	RateLimit        float64
	RateBurst        int
	RequestTimeout   time.Duration
	Version          string
}

// Server wires HTTP endpoints around the monitor components.
type Server struct {
	Router *gin.Engine
	cfg    Config
}

func NewServer(cfg Config) *Server {
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 10
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 20
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}

	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(cfg.Metrics))
	r.Use(RateLimitMiddleware(cfg.RateLimit, cfg.RateBurst))
	r.Use(TimeoutMiddleware(cfg.RequestTimeout))
	r.Use(CORSMiddleware())

	s := &Server{Router: r, cfg: cfg}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws", s.websocket)

	api := s.Router.Group("/api")
	{
		api.POST("/auth/login", s.login)
		api.GET("/status", s.getStatus)
		api.GET("/metrics", s.getMetrics)

		protected := api.Group("")
		protected.Use(AuthMiddleware(s.cfg.JWTSecret))
		{
			protected.GET("/strategies", s.getStrategies)
			protected.GET("/orders", s.getOrders)
			protected.GET("/accounts", s.getAccounts)
			protected.GET("/risk/events", s.getRiskEvents)
			protected.GET("/activity", s.getActivity)

			protected.POST("/risk/pause", s.pauseRisk)
			protected.POST("/risk/resume", s.resumeRisk)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}
