package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"proctord/internal/auth"
	"proctord/internal/config"
	"proctord/internal/database"
	"proctord/internal/evidence"
	"proctord/internal/media"
	"proctord/internal/middleware"
	"proctord/internal/services"
	"proctord/internal/stream"
	"proctord/internal/telegram"
	"proctord/internal/ws"
)

func main() {
	// Define command line flags. Flags override the configuration file.
	var (
		configF   = flag.String("config", "", "Configuration file (.toml, .yaml or .yml)")
		hostF     = flag.String("host", "", "Listen host (overrides server.host)")
		httpPortF = flag.String("http-port", "", "HTTP port (overrides server.http_port)")
		grpcPortF = flag.String("grpc-port", "", "gRPC health port (overrides server.grpc_port)")
		dbgF      = flag.Bool("debug", false, "Log request and response bodies")
	)
	flag.Parse()

	// Setup logger. Replace logger with your own log package of choice.
	var (
		logger *log.Logger
	)
	{
		logger = log.New(os.Stderr, "[proctord] ", log.Ltime)
	}

	cfg, err := config.Load(*configF)
	if err != nil {
		logger.Fatalf("failed to load configuration: %v", err)
	}
	if *hostF != "" {
		cfg.Server.Host = *hostF
	}
	if err := overridePort(&cfg.Server.HTTPPort, *httpPortF); err != nil {
		logger.Fatalf("invalid -http-port: %v", err)
	}
	if err := overridePort(&cfg.Server.GRPCPort, *grpcPortF); err != nil {
		logger.Fatalf("invalid -grpc-port: %v", err)
	}

	// Initialize storage
	db, err := database.New(cfg.Storage.DatabasePath)
	if err != nil {
		logger.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		logger.Fatalf("failed to migrate database: %v", err)
	}

	evidenceStore, err := evidence.NewDiskStore(cfg.Storage.EvidenceDir, cfg.Storage.EvidenceBaseURL)
	if err != nil {
		logger.Fatalf("failed to open evidence store: %v", err)
	}

	// Initialize capture, alerts, auth and the page bridge
	acquirer := media.NewFFmpegAcquirer(cfg.FFmpegSettings(), logger)
	if !acquirer.HasCamera() {
		logger.Printf("[media] no camera at %s, proctored sessions will be refused", cfg.Media.VideoDevice)
	}
	bot := telegram.NewTelegramBot(cfg.TelegramSettings())
	authenticator := auth.NewAuthenticator(cfg.AuthSettings())
	hub := ws.NewHub(logger)

	manager := services.NewSessionManager(cfg.SessionConfig(), time.Duration(cfg.Server.PageWaitSec)*time.Second, services.ManagerDeps{
		Pages:    services.FromHub(hub),
		Acquirer: acquirer,
		Prober:   acquirer,
		Store:    db,
		Evidence: evidenceStore,
		Notifier: bot,
		Logger:   logger,
	})

	current := func() *config.Config { return cfg }
	if *configF != "" {
		watcher, err := config.NewWatcher(*configF, cfg, logger)
		if err != nil {
			logger.Printf("[config] hot reload disabled: %v", err)
		} else {
			defer watcher.Close()
			watcher.OnChange(func(c *config.Config) {
				manager.SetConfig(c.SessionConfig())
			})
			current = watcher.Config
		}
	}

	// Initialize the services.
	authEnabled := authenticator.IsEnabled()
	health := services.NewHealthService(db)
	api := &services.Server{
		Health:   health,
		Auth:     services.NewAuthService(authenticator),
		Proctor:  services.NewProctorService(manager, authEnabled),
		System:   services.NewSystemService(manager, hub.Count, bot, authEnabled),
		Config:   services.NewConfigService(current, authEnabled),
		Evidence: evidenceStore,
		Protect:  middleware.AuthMiddleware(authenticator),
	}
	wsHandler := ws.NewHandler(hub, api.Proctor.AuthorizePage, cfg.Server.AllowedOrigins, logger)
	previewHandler := stream.NewPreviewHandler(func(attemptID string) media.JPEGSource {
		return manager.Preview(attemptID)
	}, api.Proctor.AuthorizePreview, cfg.Server.PreviewFPS, cfg.Server.PreviewMaxWidth, logger)

	// Create channel used by both the signal handler and server goroutines
	// to notify the main goroutine when to stop the server.
	errc := make(chan error)

	// Setup interrupt handler. This optional step configures the process so
	// that SIGINT and SIGTERM signals cause the services to stop gracefully.
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(context.Background())

	// Start the servers and send errors (if any) to the error channel.
	httpAddr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.HTTPPort))
	handleHTTPServer(ctx, httpAddr, api, wsHandler, previewHandler, api.Protect, &wg, errc, logger, *dbgF)
	if cfg.Server.GRPCPort > 0 {
		grpcAddr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.GRPCPort))
		if err := handleGRPCServer(ctx, grpcAddr, health, &wg, errc, logger); err != nil {
			logger.Fatalf("failed to listen on %s: %v", grpcAddr, err)
		}
	}
	runJanitor(ctx, db, evidenceStore, bot, cfg.Retention(), &wg, logger)

	// Wait for signal.
	logger.Printf("exiting (%v)", <-errc)

	// Stop proctoring before the page connections go away.
	manager.StopAll()

	// Send cancellation signal to the goroutines.
	cancel()

	wg.Wait()
	logger.Println("exited")
}

func overridePort(dst *int, flagValue string) error {
	if flagValue == "" {
		return nil
	}
	port, err := strconv.Atoi(flagValue)
	if err != nil || port <= 0 || port > 65535 {
		return fmt.Errorf("%q is not a port", flagValue)
	}
	*dst = port
	return nil
}
