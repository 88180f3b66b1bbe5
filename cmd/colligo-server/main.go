// -----------------------------------------------------------------------
// colligo-server - backend control plane
// -----------------------------------------------------------------------

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/colligohq/colligo/internal/common"
	"github.com/colligohq/colligo/internal/ipc"
	"github.com/colligohq/colligo/internal/orchestrator"
	"github.com/colligohq/colligo/internal/provisioner"
	"github.com/colligohq/colligo/internal/storage"
	"github.com/colligohq/colligo/internal/storage/badger"
	"github.com/colligohq/colligo/internal/tokens"
)

var (
	configFile   = flag.String("config", "", "Configuration file path")
	showVersion  = flag.Bool("version", false, "Print version information")
	showVersionV = flag.Bool("v", false, "Print version information (shorthand)")
)

func main() {
	flag.Parse()

	if *showVersion || *showVersionV {
		fmt.Printf("colligo-server version %s\n", common.GetVersion())
		os.Exit(0)
	}

	// Startup order: config, logger, banner, storage, bus, orchestrator
	config, err := common.LoadFromFile(*configFile)
	if err != nil {
		common.GetLogger().Fatal().Err(err).Msg("Failed to load configuration")
		os.Exit(1)
	}

	logger := common.InitLogger(config)
	common.PrintBanner("Colligo Server")

	logger.Info().
		Str("socket", config.Server.SocketPath).
		Str("data_root", config.Server.DataRoot).
		Str("environment", config.Environment).
		Msg("Configuration loaded")

	storageManager, err := storage.NewStorageManager(logger, config)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize storage")
	}
	defer storageManager.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Authorization intake: credential files become stored accounts
	accounts, err := badger.LoadAccountsFromFiles(ctx, storageManager.AccountStorage(),
		config.Auth.CredentialsDir, logger)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to load credential files")
	}
	logger.Info().Int("accounts", len(accounts)).Msg("Authorizations loaded")

	server := ipc.NewServer(ipc.ServerOptions{
		SocketPath:        config.Server.SocketPath,
		MaxMessageSize:    config.IPC.MaxMessageSize,
		HeartbeatTimeout:  config.IPC.HeartbeatTimeout,
		HeartbeatInterval: config.IPC.HeartbeatInterval,
	}, logger)

	broker := tokens.NewBroker(config, storageManager.AccountStorage(), logger)
	prov := provisioner.New(config, storageManager, broker, logger)
	orch := orchestrator.New(config, storageManager, prov, broker, server, logger)

	shutdownChan := make(chan struct{})
	orch.OnShutdown(func() { close(shutdownChan) })

	// Handlers must be registered before the socket starts accepting
	if err := orch.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start orchestrator")
	}
	if err := server.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start IPC bus")
	}

	logger.Info().Msg("Server ready - Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		logger.Info().Msg("Interrupt signal received")
	case <-shutdownChan:
		logger.Info().Msg("Shutdown requested over bus")
	}

	logger.Info().Msg("Shutting down")
	orch.Stop()
	server.Stop()

	// Let in-flight log writes settle before the process exits
	time.Sleep(1 * time.Second)
	logger.Info().Msg("Server stopped")
}
