package main

import (
	"github.com/wfunc/labyrinth/broadcast"
	"github.com/wfunc/labyrinth/config"
	"github.com/wfunc/labyrinth/logger"
	"github.com/wfunc/labyrinth/monitor"
	"github.com/wfunc/labyrinth/persistence"
	"github.com/wfunc/labyrinth/rpc"
	"github.com/wfunc/labyrinth/server"
	"github.com/wfunc/labyrinth/services"
	"github.com/wfunc/labyrinth/session"
	"github.com/wfunc/labyrinth/timer"
)

func main() {
	// Initialize logger
	logger.Init()

	// Load configuration
	cfg, err := config.LoadConfig(".")
	if err != nil {
		logger.Log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize store
	var store persistence.Store
	switch cfg.Database.Driver {
	case "pq":
		store, err = persistence.NewPostgreSQL(
			cfg.Database.Postgres.Host,
			cfg.Database.Postgres.Port,
			cfg.Database.Postgres.User,
			cfg.Database.Postgres.Password,
			cfg.Database.Postgres.DBName,
			cfg.Game.TransactionRetries,
			cfg.Game.TransactionDeadline(),
		)
	case "memory":
		store = persistence.NewMemoryStore(cfg.Game.TransactionRetries, cfg.Game.TransactionDeadline())
	default:
		store, err = persistence.NewGormPostgreSQL(
			cfg.Database.Postgres.Host,
			cfg.Database.Postgres.Port,
			cfg.Database.Postgres.User,
			cfg.Database.Postgres.Password,
			cfg.Database.Postgres.DBName,
			cfg.Game.TransactionRetries,
			cfg.Game.TransactionDeadline(),
		)
	}
	if err != nil {
		logger.Log.Fatalf("Failed to open match store: %v", err)
	}
	defer store.Close()
	logger.Log.Info("Match store ready.")

	// Monitoring
	mon := monitor.NewMonitor("labyrinth")
	mon.StartServer(cfg.Server.MetricsAddress)

	// Sessions and notifications
	sessionManager := session.NewManager()
	notifier := broadcast.NewSessionNotifier(sessionManager)

	matchService := services.NewMatchService(store, cfg.Game, notifier, mon)

	// Idle-match sweep
	tm := timer.NewManager()
	defer tm.Stop()
	if cfg.Game.MatchIdleTimeout() > 0 {
		matchService.StartSweeper(tm, cfg.Game.MatchIdleTimeout()/2)
	}

	// Admin RPC
	adminService := rpc.NewAdminService(matchService)
	if err := adminService.Register(); err != nil {
		logger.Log.Fatalf("Failed to register admin service: %v", err)
	}
	rpcServer, err := rpc.NewServer(cfg.Server.RPCAddress)
	if err != nil {
		logger.Log.Fatalf("Failed to start RPC server: %v", err)
	}
	go rpcServer.Start()
	defer rpcServer.Stop()

	// Game server
	gameServer := server.NewGameServer(cfg.Server.HTTPAddress, matchService, sessionManager, mon)
	logger.Log.Infof("Starting game server on %s", cfg.Server.HTTPAddress)
	if err := gameServer.Start(); err != nil {
		logger.Log.Fatalf("Failed to start server: %v", err)
	}
}
