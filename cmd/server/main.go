// Package main is the entry point for the verification service.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lyfsn/sourcify/internal/assembler"
	"github.com/lyfsn/sourcify/internal/chainregistry"
	"github.com/lyfsn/sourcify/internal/checker"
	"github.com/lyfsn/sourcify/internal/contenthash"
	"github.com/lyfsn/sourcify/internal/compiler"
	"github.com/lyfsn/sourcify/internal/config"
	"github.com/lyfsn/sourcify/internal/coordinator"
	"github.com/lyfsn/sourcify/internal/database"
	"github.com/lyfsn/sourcify/internal/httpapi"
	"github.com/lyfsn/sourcify/internal/matcher"
	"github.com/lyfsn/sourcify/internal/matchstore"
	"github.com/lyfsn/sourcify/internal/middleware"
	"github.com/lyfsn/sourcify/internal/session"
	"github.com/lyfsn/sourcify/internal/storage"
)

func main() {
	logLevel := slog.LevelInfo
	if os.Getenv("DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger.Info("Starting verification service",
		slog.String("environment", cfg.Server.Environment),
		slog.Int("port", cfg.Server.Port),
	)

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	logger.Info("Connected to PostgreSQL")

	if err := db.RunMigrations(cfg.Database); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}
	logger.Info("Database migrations completed")

	redis, err := database.NewRedis(cfg.Redis)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redis.Close()
	logger.Info("Connected to Redis")

	chains := chainregistry.New(db.Pool())
	if err := seedConfiguredChains(context.Background(), chains, cfg.Chains); err != nil {
		logger.Warn("Failed to seed configured chains", slog.String("error", err.Error()))
	}

	store, err := matchstore.New(cfg.Repository.Path)
	if err != nil {
		log.Fatalf("Failed to open repository: %v", err)
	}
	logger.Info("Repository opened", slog.String("path", cfg.Repository.Path))

	fetchers := storage.NewRegistry()
	fetchers.Register(contenthash.OriginIPFS, storage.NewIPFSFetcher([]string{cfg.IPFS.Gateway}))
	fetchers.Register(contenthash.OriginSwarmBzzr0, storage.NewSwarmFetcher([]string{"https://swarm-gateways.net/bzzr0:"}))
	fetchers.Register(contenthash.OriginSwarmBzzr1, storage.NewSwarmFetcher([]string{"https://swarm-gateways.net/bzzr1:"}))
	_ = assembler.New(fetchers) // address-only assembly path is exercised directly by internal/assembler's own tests; not yet reachable from the HTTP surface.

	var driver compiler.Driver
	if cfg.Compiler.LambdaEnabled {
		driver = compiler.NewRemoteDriver(cfg.Compiler.LambdaURL, cfg.Compiler.Timeout)
		logger.Info("Using remote compiler driver", slog.String("url", cfg.Compiler.LambdaURL))
	} else {
		driver = compiler.NewLocalDriver(cfg.Compiler.SolcDir, cfg.Compiler.Timeout)
		logger.Info("Using local compiler driver", slog.String("dir", cfg.Compiler.SolcDir))
	}

	clients := coordinator.NewChainClients()
	dialChains(context.Background(), logger, clients, chains, cfg.Chains)

	byteMatcher := matcher.New(driver)
	coord := coordinator.New(clients, byteMatcher)
	contractChecker := checker.New()
	stager := session.New(redis, contractChecker, coord, store, cfg.Session.MaxUploadBytes, cfg.Session.IdleExpiry)

	api := httpapi.New(contractChecker, coord, store, stager, chains, nil)

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.Logging(logger))
	r.Use(middleware.Metrics())

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/health", api.Health)
	r.Get("/chains", api.Chains)
	r.Get("/files/tree/{status}/{chainId}/{address}", api.FilesTree)

	rateLimited := middleware.RateLimit(redis, middleware.DefaultRateLimitConfig())
	r.With(middleware.CORS(), rateLimited).Group(func(r chi.Router) {
		r.Post("/verify", api.Verify)
		r.Post("/verify/etherscan", api.VerifyEtherscan)
		r.Post("/session/input-files", api.SessionInputFiles)
		r.Post("/session/verify-contracts", api.SessionVerifyContracts)
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  time.Minute,
	}

	go func() {
		logger.Info("Server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	logger.Info("Shutting down server", slog.String("signal", sig.String()))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("Server shutdown error: %v", err)
	}

	logger.Info("Server stopped gracefully")
}

// seedConfiguredChains upserts every statically configured chain into the
// registry, so a fresh deployment does not start with an empty GET
// /chains until an operator populates the table by hand.
func seedConfiguredChains(ctx context.Context, chains chainregistry.Registry, configured []config.ChainConfig) error {
	for _, c := range configured {
		if err := chains.Upsert(ctx, &chainregistry.Chain{
			ChainID:        c.ChainID,
			Name:           c.Name,
			RPCURL:         c.RPCURL,
			ExplorerAPIURL: c.ExplorerAPIURL,
			ExplorerAPIKey: c.ExplorerAPIKey,
		}); err != nil {
			return fmt.Errorf("seed chain %d: %w", c.ChainID, err)
		}
	}
	return nil
}

// dialChains connects an ethclient.Client for every registered chain
// (the statically configured list plus whatever the registry already
// holds from a previous run) and registers it with clients. A chain
// whose RPC dial fails is logged and skipped, not fatal: the service
// still serves chains that did connect.
func dialChains(ctx context.Context, logger *slog.Logger, clients *coordinator.ChainClients, registry chainregistry.Registry, configured []config.ChainConfig) {
	seen := make(map[uint64]bool, len(configured))
	for _, c := range configured {
		seen[c.ChainID] = true
		registerChainClient(ctx, logger, clients, c.ChainID, c.RPCURL)
	}

	stored, err := registry.List(ctx)
	if err != nil {
		logger.Warn("Failed to list chain registry", slog.String("error", err.Error()))
		return
	}
	for _, c := range stored {
		if seen[c.ChainID] {
			continue
		}
		registerChainClient(ctx, logger, clients, c.ChainID, c.RPCURL)
	}
}

func registerChainClient(ctx context.Context, logger *slog.Logger, clients *coordinator.ChainClients, chainID uint64, rpcURL string) {
	if rpcURL == "" {
		return
	}
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		logger.Warn("Failed to dial chain RPC", slog.Uint64("chainId", chainID), slog.String("error", err.Error()))
		return
	}
	clients.Register(chainID, client)
	logger.Info("Registered chain RPC client", slog.Uint64("chainId", chainID))
}
