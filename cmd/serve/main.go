package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofrs/flock"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/loradepo/loradb-manager/manager/api"
	"github.com/loradepo/loradb-manager/manager/audit"
	"github.com/loradepo/loradb-manager/manager/compose"
	"github.com/loradepo/loradb-manager/manager/config"
	"github.com/loradepo/loradb-manager/manager/lifecycle"
	"github.com/loradepo/loradb-manager/manager/ports"
	"github.com/loradepo/loradb-manager/manager/registry"
	"github.com/loradepo/loradb-manager/manager/tokens"
)

func main() {
	var configFile = flag.String("config", "", "Path to an optional YAML config file")
	var listenAddr = flag.String("listen", "", "Admin API listen address (overrides config)")
	flag.Parse()

	// 1. Setup logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)

	logger.Info("Starting LoRaDB Instance Manager")

	// 2. Resolve configuration: defaults, then file overlay, then flags
	cfg, err := config.Default()
	if err != nil {
		logger.Error("Failed to build default configuration", "error", err)
		os.Exit(1)
	}
	if *configFile != "" {
		if err := cfg.LoadFile(*configFile); err != nil {
			logger.Error("Failed to load config file", "path", *configFile, "error", err)
			os.Exit(1)
		}
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}

	// 3. Startup preconditions: templates, port range, instances root
	if err := cfg.Validate(); err != nil {
		logger.Error("Startup precondition failed", "error", err)
		os.Exit(1)
	}

	// A second manager over the same instances root would double-allocate
	// ports and fight over compose stacks.
	rootLock := flock.New(cfg.LockFilePath())
	locked, err := rootLock.TryLock()
	if err != nil {
		logger.Error("Failed to acquire instances root lock", "path", cfg.LockFilePath(), "error", err)
		os.Exit(1)
	}
	if !locked {
		logger.Error("Another manager already holds the instances root", "path", cfg.LockFilePath())
		os.Exit(1)
	}
	defer rootLock.Unlock()

	// 4. Container driver, with a daemon reachability probe
	driver := compose.NewComposeDriver(compose.Options{
		InstancesRoot:       cfg.InstancesRoot,
		TemplateComposeFile: cfg.TemplateComposeFile,
		TemplateEnvFile:     cfg.TemplateEnvFile,
		DefaultPort:         cfg.DefaultLoRaDBPort,
		ComposeTimeout:      cfg.DockerComposeTimeout,
		HealthCheckTimeout:  cfg.ContainerHealthCheckTimeout,
		Logger:              logger,
	})
	if err := driver.Ping(context.Background()); err != nil {
		logger.Error("Container runtime is not reachable", "error", err)
		os.Exit(1)
	}
	logger.Info("Container runtime reachable")

	// 5. Registry and audit databases
	registryDatabase := sqlx.MustConnect("sqlite3", cfg.RegistryDBPath())
	instanceRegistry, err := registry.NewRegistry(registryDatabase)
	if err != nil {
		logger.Error("Failed to initialize instance registry", "error", err)
		os.Exit(1)
	}

	auditDatabase := sqlx.MustConnect("sqlite3", cfg.AuditDBPath())
	auditLogger, err := audit.NewLogger(auditDatabase)
	if err != nil {
		logger.Error("Failed to initialize audit logger", "error", err)
		os.Exit(1)
	}
	logger.Info("Audit logger initialized")

	// 6. Port allocator, rebuilt from the recovered registry
	portAllocator, err := ports.NewAllocator(cfg.PortRangeMin, cfg.PortRangeMax)
	if err != nil {
		logger.Error("Failed to create port allocator", "error", err)
		os.Exit(1)
	}
	for _, port := range instanceRegistry.ActivePorts() {
		portAllocator.MarkReserved(port)
	}

	// 7. Token issuer and lifecycle manager
	issuer, err := tokens.NewIssuer(cfg.JWTTokenLifetime, cfg.TokenRefreshInterval)
	if err != nil {
		logger.Error("Failed to create token issuer", "error", err)
		os.Exit(1)
	}

	manager, err := lifecycle.NewManager(lifecycle.Config{
		Registry:          instanceRegistry,
		Ports:             portAllocator,
		Driver:            driver,
		Issuer:            issuer,
		Audit:             auditLogger,
		Logger:            logger,
		HealthCheckBudget: cfg.ContainerHealthCheckTimeout,
		LogTailLines:      cfg.LogTailLines,
	})
	if err != nil {
		logger.Error("Failed to create lifecycle manager", "error", err)
		os.Exit(1)
	}

	// 8. Signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// 9. Status monitor
	monitor := lifecycle.NewMonitor(manager, cfg.StatusRefreshInterval, logger)
	go monitor.Run(ctx)

	// 10. Admin API server. A create may legitimately block for two
	// bring-up attempts plus the full health budget before responding.
	operationBudget := 2*cfg.DockerComposeTimeout + cfg.ContainerHealthCheckTimeout
	apiServer := api.NewHTTPServer(cfg.ListenAddr, api.NewServer(manager, logger).Routes(), cfg.APIRequestTimeout, operationBudget)
	go func() {
		logger.Info("Starting admin API server", "address", cfg.ListenAddr)
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Admin API server failed", "error", err)
			sigChan <- syscall.SIGTERM
		}
	}()

	sig := <-sigChan
	logger.Info("Received signal, initiating graceful shutdown...", "signal", sig.String())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.APIRequestTimeout)
	defer shutdownCancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error stopping admin API server", "error", err)
	} else {
		logger.Info("Admin API server stopped gracefully.")
	}

	monitor.Stop()
	logger.Info("Status monitor stopped.")

	cancel()
	logger.Info("LoRaDB Instance Manager has completed its shutdown sequence. Exiting main.")
}
