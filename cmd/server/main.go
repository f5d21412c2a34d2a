package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"consignment-sync-server/internal/catalog"
	"consignment-sync-server/internal/config"
	"consignment-sync-server/internal/handler"
	"consignment-sync-server/internal/logging"
	"consignment-sync-server/internal/metrics"
	"consignment-sync-server/internal/middleware"
	"consignment-sync-server/internal/repository"
	"consignment-sync-server/internal/repository/memory"
	"consignment-sync-server/internal/service"
	"consignment-sync-server/internal/websocket"

	_ "github.com/go-kivik/kivik/v4/couchdb"

	"github.com/go-kivik/kivik/v4"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(logging.Config{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		AddSource: cfg.Server.Env != "production",
	})
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	productRepo, conflictRepo, err := openRepositories(ctx, cfg, logger)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	provider := catalog.NewHTTPProvider(catalog.HTTPProviderConfig{
		BaseURL:           cfg.Catalog.BaseURL,
		AccessToken:       cfg.Catalog.AccessToken,
		APIVersion:        cfg.Catalog.APIVersion,
		Timeout:           cfg.Catalog.Timeout,
		RequestsPerSecond: cfg.Catalog.RequestsPerSecond,
		Burst:             cfg.Catalog.Burst,
	}, m, logger)
	catalogClient := catalog.NewCatalogClient(provider, catalog.NewSKUGenerator(cfg.Catalog.SKUPrefix), cfg.Catalog.Currency, m, logger)
	inventoryClient := catalog.NewInventoryClient(provider, cfg.Catalog.LocationID, logger)

	wsManager := websocket.NewManager(
		cfg.WebSocket.MaxConnPerOperator,
		cfg.WebSocket.WriteWait,
		cfg.WebSocket.PongWait,
		cfg.WebSocket.PingPeriod,
		logger,
	)

	conflictService := service.NewConflictService(conflictRepo, wsManager, m, logger, cfg.Sync.SummaryCacheTTL)
	detector := service.NewConflictDetector(conflictService, logger)
	productService := service.NewProductService(productRepo, catalogClient, inventoryClient, logger)
	resolutionService := service.NewResolutionService(conflictService, productRepo, catalogClient, inventoryClient, logger)
	syncService := service.NewSyncService(productRepo, catalogClient, inventoryClient, detector, m, logger, service.SyncConfig{
		StaleThreshold: cfg.Sync.StaleThreshold,
		BatchSize:      cfg.Sync.RefreshBatchSize,
		Concurrency:    cfg.Sync.RefreshConcurrency,
	})

	wsManager.SetMessageHandler(handler.NewDashboardMessageHandler(wsManager, conflictService))
	go wsManager.Run(ctx)

	r := mux.NewRouter()
	r.Use(middleware.LoggerMiddleware(logger))
	r.Use(middleware.MetricsMiddleware(m))
	r.Use(middleware.CORSMiddleware(
		cfg.CORS.AllowedOrigins,
		cfg.CORS.AllowedMethods,
		cfg.CORS.AllowedHeaders,
	))
	if cfg.RateLimit.Enabled {
		proxies, err := middleware.ParseTrustedProxies(cfg.RateLimit.TrustedProxies)
		if err != nil {
			return fmt.Errorf("RATE_LIMIT_TRUSTED_PROXIES: %w", err)
		}
		limiter := middleware.NewRateLimiter(cfg.RateLimit.RequestsPerMinute, proxies)
		go limiter.Run(ctx, time.Minute)
		r.Use(middleware.RateLimitMiddleware(limiter))
	}

	handler.RegisterRoutes(r, handler.Handlers{
		Products:  handler.NewProductHandler(productService, syncService, logger),
		Inventory: handler.NewInventoryHandler(productService, logger),
		Conflicts: handler.NewConflictHandler(conflictService, resolutionService, logger),
		Sync:      handler.NewSyncHandler(syncService, logger),
		Webhooks:  handler.NewWebhookHandler(syncService, cfg.Webhook.SignatureKey, cfg.Webhook.NotificationURL, logger),
		WebSocket: handler.NewWebSocketHandler(wsManager, cfg.JWT.Secret, cfg.WebSocket.ReadBufferSize, cfg.WebSocket.WriteBufferSize, logger),
		Metrics:   promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	}, cfg.JWT.Secret)

	if cfg.Sync.RefreshInterval > 0 {
		go refreshLoop(ctx, syncService, cfg.Sync.RefreshInterval, logger)
	}

	addr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting consignment sync server",
			slog.String("addr", addr),
			slog.String("env", cfg.Server.Env),
			slog.String("db_driver", cfg.Database.Driver),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed to start: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	logger.Info("server stopped gracefully")
	return nil
}

func openRepositories(ctx context.Context, cfg *config.Config, logger *slog.Logger) (repository.ProductRepository, repository.ConflictRepository, error) {
	if cfg.Database.Driver == "memory" {
		logger.Warn("using in-memory storage; data is lost on restart")
		return memory.NewProductStore(), memory.NewConflictStore(), nil
	}

	client, err := kivik.New("couch", cfg.Database.URL())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to CouchDB: %w", err)
	}

	exists, err := client.DBExists(ctx, cfg.Database.Name)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to check database existence: %w", err)
	}
	if !exists {
		if err := client.CreateDB(ctx, cfg.Database.Name); err != nil {
			return nil, nil, fmt.Errorf("failed to create database: %w", err)
		}
		logger.Info("created database", slog.String("name", cfg.Database.Name))
	}

	products := repository.NewProductRepository(client, cfg.Database.Name)
	if err := products.EnsureIndexes(ctx); err != nil {
		return nil, nil, err
	}
	conflicts := repository.NewConflictRepository(client, cfg.Database.Name)
	if err := conflicts.EnsureIndexes(ctx); err != nil {
		return nil, nil, err
	}

	logger.Info("connected to CouchDB",
		slog.String("host", cfg.Database.Host),
		slog.String("port", cfg.Database.Port),
		slog.String("database", cfg.Database.Name),
	)
	return products, conflicts, nil
}

// refreshLoop runs a stale refresh pass every interval until ctx is done.
func refreshLoop(ctx context.Context, syncService *service.SyncService, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := syncService.RefreshStale(ctx, 0); err != nil {
				logger.Warn("scheduled refresh failed", slog.String("error", err.Error()))
			}
		case <-ctx.Done():
			return
		}
	}
}
