package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"riskwatch/internal/accounts"
	"riskwatch/internal/api"
	"riskwatch/internal/broker"
	"riskwatch/internal/calendar"
	"riskwatch/internal/events"
	"riskwatch/internal/ledger"
	"riskwatch/internal/monitor"
	"riskwatch/internal/orchestrator"
	"riskwatch/internal/risk"
	"riskwatch/internal/stream"
	"riskwatch/internal/tracker"
	"riskwatch/pkg/cache"
	"riskwatch/pkg/config"
	"riskwatch/pkg/db"
)

var buildVersion = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[main] config: %v", err)
	}

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("[main] open database: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalf("[main] migrations: %v", err)
	}
	log.Printf("[main] database ready at %s", cfg.DBPath)

	ctx := context.Background()

	// Schedule file is optional; the stored schedule keeps working without it.
	if schedule, err := calendar.LoadSchedule(cfg.ScheduleFile); err != nil {
		log.Printf("[main] schedule file %s not loaded: %v", cfg.ScheduleFile, err)
	} else if err := calendar.SyncScheduleToDB(ctx, database, schedule); err != nil {
		log.Fatalf("[main] sync schedule: %v", err)
	}

	bus := events.NewBus()
	prices := cache.NewShardedPriceCache()
	metrics := monitor.NewSystemMetrics()

	registry := accounts.NewRegistry(database, bus)
	brokerClient := broker.NewClient(database)

	streamMgr := stream.NewManager(stream.Config{
		ConnectTimeout:    cfg.ConnectTimeout,
		BackoffBase:       cfg.BackoffBase,
		BackoffCap:        cfg.BackoffCap,
		MaxRetriesPerHost: cfg.MaxRetriesPerHost,
		PingInterval:      cfg.PingInterval,
	}, &stream.WSDialer{HandshakeTimeout: cfg.ConnectTimeout}, registry, database, bus, prices, metrics)

	subscriptions := ledger.New(database, streamMgr)
	streamMgr.SetReplaySource(subscriptions)

	orderTracker := tracker.New(tracker.Config{
		PollInterval:   cfg.PollInterval,
		RatePerAccount: cfg.PollRatePerAccount,
		Workers:        cfg.PollWorkers,
		MaxFailures:    cfg.MaxPollFailures,
		ExpiryChecks:   cfg.PollExpiryChecks,
		ExpiryAge:      cfg.PollExpiryAge,
	}, database, brokerClient, bus, subscriptions, metrics)

	riskMgr := risk.NewManager(risk.Config{
		ExitTimeout: cfg.ExitTimeout,
	}, database, prices, bus, brokerClient, orderTracker, metrics)
	streamMgr.OnTick(riskMgr.HandleTick)

	resolver, err := calendar.NewResolver(database, cfg.MarketTimezone, cfg.PreOpenLead)
	if err != nil {
		log.Fatalf("[main] calendar: %v", err)
	}
	if err := resolver.Refresh(ctx); err != nil {
		log.Fatalf("[main] calendar refresh: %v", err)
	}

	prober := accounts.NewProber(accounts.ProberConfig{
		Interval:    cfg.ProbeInterval,
		Timeout:     cfg.ProbeTimeout,
		MaxFailures: cfg.MaxProbeFailures,
		DeadSkip:    cfg.DeadProbeSkip,
	}, registry, brokerClient, database, bus)

	orch := orchestrator.New(orchestrator.Config{
		Stream:         streamMgr,
		Ledger:         subscriptions,
		Tracker:        orderTracker,
		Risk:           riskMgr,
		Calendar:       resolver,
		Prober:         prober,
		Bus:            bus,
		WindowInterval: cfg.WindowInterval,
	})
	if err := orch.Start(ctx); err != nil {
		log.Fatalf("[main] orchestrator: %v", err)
	}

	watcher := &monitor.AlertWatcher{Bus: bus, Sink: monitor.LogSink{}}
	go watcher.Run(ctx)

	// Calendar refresh rides the window interval so schedule edits land
	// without a restart.
	go func() {
		ticker := time.NewTicker(cfg.WindowInterval)
		defer ticker.Stop()
		for range ticker.C {
			if err := resolver.Refresh(context.Background()); err != nil {
				log.Printf("[main] calendar refresh: %v", err)
			}
		}
	}()

	server := api.NewServer(api.Config{
		DB:               database,
		Risk:             riskMgr,
		Stream:           streamMgr,
		Subscriptions:    subscriptions,
		Window:           orch,
		Metrics:          metrics,
		Bus:              bus,
		JWTSecret:        cfg.JWTSecret,
		OperatorUser:     cfg.OperatorUser,
		OperatorPassHash: cfg.OperatorPassHash,
		RateLimit:        cfg.APIRateLimit,
		RateBurst:        cfg.APIRateBurst,
		RequestTimeout:   cfg.RequestTimeout,
		Version:          buildVersion,
	})
	go func() {
		if err := server.Start(":" + cfg.Port); err != nil {
			log.Fatalf("[main] api server: %v", err)
		}
	}()
	log.Printf("[main] riskwatch %s listening on :%s", buildVersion, cfg.Port)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Printf("[main] shutting down")
	orch.Stop()
}
