package cmd

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/giamma80/gymbro-platform-sub003/pkg/config"
	"github.com/giamma80/gymbro-platform-sub003/pkg/logging"
)

var (
	overrideEnvFlag = flag.String("override-env", os.Getenv("OVERRIDE_ENV"), "Path to .env file to override environment variables")
	configPathFlag  = flag.String("config", os.Getenv("CONFIG_PATH"), "Path to the gateway config file e.g. config.yaml")
	help            = flag.Bool("help", false, "Prints the help message")
)

// Main is the entrypoint for the gateway binary.
func Main() {
	flag.Parse()

	if *help {
		flag.PrintDefaults()
		return
	}

	result, err := config.LoadConfig(*configPathFlag, *overrideEnvFlag)
	if err != nil {
		log.Fatalf("Could not load config: %s", err)
	}

	cfg := result.Config

	logLevel, err := logging.ZapLogLevelFromString(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Could not parse log level: %s", err)
	}

	logger := logging.New(!cfg.JSONLog, cfg.DevelopmentMode, logLevel).
		With(logging.WithComponent("gateway"))

	if !result.DefaultLoaded {
		logger.Info("Default config file not found, using environment and defaults only",
			zap.String("path", config.DefaultConfigPath),
		)
	}

	// Handling shutdown signals
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt,
		syscall.SIGHUP,  // process is detached from terminal
		syscall.SIGTERM, // default for kill
		syscall.SIGQUIT, // ctrl + \
		syscall.SIGINT,  // ctrl+c
	)
	defer stop()

	router, err := NewRouter(Params{
		Config: &cfg,
		Logger: logger,
	})
	if err != nil {
		logger.Fatal("Could not create gateway", zap.Error(err))
	}

	go func() {
		if err := router.Start(ctx); err != nil {
			logger.Error("Could not start server", zap.Error(err))
			// Stop the server if it fails to start
			stop()
		}
	}()

	<-ctx.Done()

	logger.Info("Graceful shutdown of gateway initiated", zap.Duration("shutdown_delay", cfg.ShutdownDelay))

	// Enforce a maximum shutdown delay to avoid waiting forever
	// Don't use the parent context that is canceled by the signal handler
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownDelay)
	defer cancel()

	if err := router.Shutdown(shutdownCtx); err != nil {
		logger.Error("Could not shutdown server", zap.Error(err))
	}

	logger.Debug("Server exiting")
	_ = logger.Sync()
}
