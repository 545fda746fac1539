package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/wudi/svcgate/internal/config"
	"github.com/wudi/svcgate/internal/logging"
	"github.com/wudi/svcgate/internal/server"
	"go.uber.org/zap"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	var (
		configPath   = flag.String("config", "configs/svcgate.yaml", "path to the configuration file")
		showVersion  = flag.Bool("version", false, "print version and exit")
		validateOnly = flag.Bool("validate", false, "validate the configuration and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("svcgate %s (built %s)\n", version, buildTime)
		return
	}

	cfg, err := config.NewLoader().Load(*configPath)
	if err != nil {
		fail("load configuration", err)
	}
	if *validateOnly {
		fmt.Printf("%s: %d services, %d listeners, configuration is valid\n",
			*configPath, len(cfg.Services), len(cfg.Listeners))
		return
	}

	logger, err := logging.Configure(cfg.Logging)
	if err != nil {
		fail("initialize logger", err)
	}
	defer logging.Sync()

	logger.Info("Starting svcgate",
		zap.String("version", version),
		zap.String("gateway", cfg.Gateway.Name),
		zap.String("config", *configPath),
		zap.String("registry", cfg.Registry.Type),
		zap.Int("services", len(cfg.Services)),
	)

	srv, err := server.New(cfg, *configPath, logger)
	if err != nil {
		logger.Error("Failed to create gateway", zap.Error(err))
		logging.Sync()
		os.Exit(1)
	}
	if err := srv.Run(); err != nil {
		logger.Error("Server error", zap.Error(err))
		logging.Sync()
		os.Exit(1)
	}
}

func fail(what string, err error) {
	fmt.Fprintf(os.Stderr, "svcgate: %s: %v\n", what, err)
	os.Exit(1)
}
