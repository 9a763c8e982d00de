package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bronco-trade-agent-go/internal/agent"
	"bronco-trade-agent-go/internal/clock"
	"bronco-trade-agent-go/internal/config"
	"bronco-trade-agent-go/internal/database"
	"bronco-trade-agent-go/internal/execution"
	"bronco-trade-agent-go/internal/logger"
	"bronco-trade-agent-go/internal/massive"
	"bronco-trade-agent-go/internal/metrics"
	"bronco-trade-agent-go/internal/oracle"
	"go.uber.org/zap"
)

const hubBuffer = 256

func main() {
	// Load application configuration
	cfg, err := config.LoadConfig("./configs")
	if err != nil {
		// We can't use the logger here because it's not initialized yet.
		panic(fmt.Sprintf("could not load config: %v", err))
	}

	// Initialize logger
	log, err := logger.NewLogger(cfg.Logger.Level, cfg.Logger.Format)
	if err != nil {
		panic(err)
	}
	defer log.Sync()
	log.Info("Configuration loaded", zap.Strings("instruments", cfg.Symbols()))

	metrics.Init()

	// Initialize database
	db, err := database.NewDatabase(cfg.Database)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	log.Info("Database connection successful and schema migrated.")

	// Market calendar and session clock
	clockOpts, err := clock.OptionsFromConfig(&cfg.Market)
	if err != nil {
		log.Fatal("Invalid market configuration", zap.Error(err))
	}
	calendarRepo := database.NewCalendarRepository(db).SeedOnRead(cfg.Market.Holidays, cfg.Market.EarlyCloses)
	calendar := clock.NewCalendar(calendarRepo, clockOpts.Location, cfg.Market.LookaheadDays, log)
	if err := calendar.Load(context.Background()); err != nil {
		log.Fatal("Failed to load market calendar", zap.Error(err))
	}
	sessionClock := clock.New(clockOpts, calendar)

	// Setup context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigchan := make(chan os.Signal, 1)
		signal.Notify(sigchan, syscall.SIGINT, syscall.SIGTERM)
		<-sigchan
		log.Info("Shutdown signal received, gracefully shutting down...")
		cancel()
	}()

	// Execution sinks
	hub := execution.NewHub(hubBuffer, log)
	go hub.Run(ctx)
	sink := execution.MultiSink{execution.NewLogSink(log), hub}

	decisions := database.NewDecisionRepository(db)
	feed := massive.NewFeed(massive.NewRestClient(&cfg.Massive, log), cfg.Massive.PollInterval, cfg.Massive.PageLimit, log)

	// Initialize and run the trading agent
	engine, err := agent.NewEngine(log, agent.OptionsFromConfig(&cfg), agent.Deps{
		Clock:   sessionClock,
		Feed:    feed,
		Oracle:  oracle.NewHTTPClient(&cfg.Oracle, log),
		Fills:   database.NewFillRepository(db),
		Records: decisions,
		Sink:    sink,
	})
	if err != nil {
		log.Fatal("Failed to create trading agent", zap.Error(err))
	}

	api := agent.NewAPIServer(engine, cfg.Server.Port, decisions, hub, log)
	api.Start()

	if err := engine.Run(ctx); err != nil {
		log.Error("Trading agent failed", zap.Error(err))
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if err := api.Stop(shutdownCtx); err != nil {
		log.Error("Failed to stop API server", zap.Error(err))
	}

	log.Info("Agent has been shut down.")
}
