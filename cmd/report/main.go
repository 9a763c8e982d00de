package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"bronco-trade-agent-go/internal/config"
	"bronco-trade-agent-go/internal/database"
	"bronco-trade-agent-go/internal/logger"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"
)

func serve(ctx context.Context, cmd *cli.Command) error {
	// Load configuration
	cfg, err := config.LoadConfig(cmd.String("config"))
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Initialize logger
	log, err := logger.NewLogger(cfg.Logger.Level, cfg.Logger.Format)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()

	// Connect to the database
	db, err := database.NewDatabase(cfg.Database)
	if err != nil {
		return err
	}

	apiHandler := NewAPIHandler(log, database.NewDecisionRepository(db))
	mux := http.NewServeMux()
	mux.HandleFunc("/api/decisions", apiHandler.DecisionsHandler)
	mux.HandleFunc("/api/statistics", apiHandler.StatisticsHandler)
	mux.HandleFunc("/api/statistics.xlsx", apiHandler.ExportHandler)

	port := int(cmd.Int("port"))
	if port == 0 {
		port = cfg.Server.Port + 1
	}
	addr := fmt.Sprintf(":%d", port)
	log.Info("Starting report server", zap.String("address", addr))

	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	return server.ListenAndServe()
}

func main() {
	cmd := &cli.Command{
		Name:  "report",
		Usage: "Serve decision record statistics",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Directory holding config.yml",
				Value:   "./configs",
			},
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Listen port. Defaults to server.port + 1",
			},
		},
		Action: serve,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "report: %v\n", err)
		os.Exit(1)
	}
}
