// -----------------------------------------------------------------------
// colligo-crawler - worker process
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
	"github.com/colligohq/colligo/internal/crawler"
	"github.com/colligohq/colligo/internal/ipc"
	"github.com/colligohq/colligo/internal/models"
)

var (
	configFile   = flag.String("config", "", "Configuration file path")
	showVersion  = flag.Bool("version", false, "Print version information")
	showVersionV = flag.Bool("v", false, "Print version information (shorthand)")
)

func main() {
	flag.Parse()

	if *showVersion || *showVersionV {
		fmt.Printf("colligo-crawler version %s\n", common.GetVersion())
		os.Exit(0)
	}

	config, err := common.LoadFromFile(*configFile)
	if err != nil {
		common.GetLogger().Fatal().Err(err).Msg("Failed to load configuration")
		os.Exit(1)
	}

	logger := common.InitLogger(config)
	common.PrintBanner("Colligo Crawler")

	logger.Info().
		Str("socket", config.Server.SocketPath).
		Str("output", config.Output.BasePath).
		Msg("Configuration loaded")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// One identity for registration and for every envelope origin
	if config.Server.CrawlerID == "" {
		config.Server.CrawlerID = common.NewCrawlerID()
	}

	client := ipc.NewClient(ipc.ClientOptions{
		SocketPath:       config.Server.SocketPath,
		Identity:         config.Server.CrawlerID,
		ClientType:       models.IdentityCrawler,
		ReconnectBase:    config.IPC.ReconnectBase,
		ReconnectMax:     config.IPC.ReconnectMax,
		HeartbeatTimeout: config.IPC.HeartbeatTimeout,
		QueueLimit:       config.IPC.QueueLimit,
		MaxMessageSize:   config.IPC.MaxMessageSize,
	}, logger)

	manager := crawler.NewManager(config, client, logger)

	// Handlers first, then the connect loop; registration races are lost
	// messages otherwise
	manager.Start(ctx)
	client.Start(ctx)

	logger.Info().Msg("Crawler ready - Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		logger.Info().Msg("Interrupt signal received")
	case <-manager.Done():
		logger.Info().Msg("Shutdown requested over bus")
	}

	logger.Info().Msg("Shutting down")
	manager.Stop()
	client.Close()

	time.Sleep(1 * time.Second)
	logger.Info().Msg("Crawler stopped")
}
