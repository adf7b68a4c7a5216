package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"

	"McpHost/internal/approval"
	"McpHost/internal/audit"
	"McpHost/internal/auth"
	"McpHost/internal/builtin"
	"McpHost/internal/config"
	"McpHost/internal/handlers"
	"McpHost/internal/host"
	"McpHost/internal/logger"
	"McpHost/internal/manager"
	"McpHost/internal/models"
	"McpHost/internal/permission"
	"McpHost/internal/store"
)

const version = "0.1.0"

var (
	configPath = flag.String("config", "config/config.yaml", "path to config file")
)

func main() {
	flag.Parse()

	// Load config, then let the environment override it.
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		bootLogger().Fatal().Err(err).Msg("failed to load config")
	}
	config.LoadConfigFromEnv(cfg)
	if err = cfg.Validate(); err != nil {
		bootLogger().Fatal().Err(err).Msg("invalid config")
	}

	root, logCloser, err := logger.Setup(cfg.Logging)
	if err != nil {
		bootLogger().Fatal().Err(err).Msg("failed to set up logging")
	}
	defer logCloser.Close()

	root.Info().Str("listen_addr", cfg.Server.ListenAddr).Str("version", version).Msg("starting mcp host")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// State store and, optionally, descriptors kept in the database.
	stateStore, descriptors, err := openStateStore(ctx, cfg, root)
	if err != nil {
		root.Fatal().Err(err).Msg("failed to open state store")
	}
	defer stateStore.Close()

	// The builtin server reports through the host, which is wired last.
	var toolHost *host.Host
	registry := builtin.NewRegistry(func(context.Context) any {
		if toolHost == nil {
			return map[string]any{"status": "starting"}
		}
		return toolHost.Status()
	})

	mgr, err := manager.New(descriptors, manager.Options{
		Logger:         logger.Component(root, "manager"),
		Store:          stateStore,
		ConnectTimeout: cfg.Remote.ConnectTimeout,
		CallTimeout:    cfg.Remote.CallTimeout,
		ClientName:     "mcphost",
		ClientVersion:  version,
		Factory: &manager.DefaultFactory{
			Logger:            logger.Component(root, "transport"),
			TerminateDuration: 5 * time.Second,
			Builtin:           func() *mcp.Server { return registry.NewServer("builtin", version) },
		},
	})
	if err != nil {
		root.Fatal().Err(err).Msg("failed to create connection manager")
	}

	if err = mgr.LoadState(ctx); err != nil {
		root.Warn().Err(err).Msg("could not load persisted server state, using config defaults")
	}
	summary := mgr.ConnectAll(ctx)
	root.Info().
		Int("connected", summary.Connected).
		Int("failed", summary.Failed).
		Int("disabled", summary.Disabled).
		Msg("capability servers started")

	auditLogger := audit.NewLogger(root)
	evaluator, err := permission.NewEvaluator(cfg.Policy,
		permission.WithAuditHook(auditLogger.Decision),
		permission.WithDomainResolver(mgr.DomainOf),
	)
	if err != nil {
		root.Fatal().Err(err).Msg("invalid permission policy")
	}

	ledger := approval.NewLedger(cfg.Approvals.Timeout,
		approval.WithHistoryRetention(cfg.Approvals.HistoryRetention),
		approval.WithLogger(logger.Component(root, "approval")),
	)
	go ledger.Run(ctx, cfg.Approvals.SweepInterval)

	toolHost = host.New(evaluator, mgr, ledger,
		host.WithAuditLogger(auditLogger),
		host.WithLogger(logger.Component(root, "host")),
	)

	// Control surface.
	var (
		authMiddleware handlers.Middleware
		limiterOpts    []handlers.LimiterOption
	)
	am := auth.NewAuthMiddleware(cfg.Auth, root)
	if am.IsEnabled() {
		authMiddleware = am.Middleware
		// Only validated keys reach the limiter, so buckets per key stay bounded.
		limiterOpts = append(limiterOpts, handlers.WithKeyFunc(handlers.CredentialKey(am.ExtractAPIKey)))
	}
	api := handlers.NewAPI(toolHost, authMiddleware,
		handlers.NewKeyedLimiter(cfg.RateLimit.RequestsPerMinute, limiterOpts...),
		root,
		handlers.WithTrustedProxy(cfg.Server.TrustProxyHeaders),
	)

	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           api.Router(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		root.Info().Str("addr", srv.Addr).Bool("auth", am.IsEnabled()).Msg("control surface listening")
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		root.Info().Msg("received shutdown signal")
	case err = <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			root.Error().Err(err).Msg("server failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err = srv.Shutdown(shutdownCtx); err != nil {
		root.Warn().Err(err).Msg("control surface did not shut down cleanly")
	}
	mgr.DisconnectAll()
	root.Info().Msg("mcp host stopped")
}

type stateStore interface {
	manager.StateStore
	Close() error
}

func openStateStore(ctx context.Context, cfg *config.Config, log zerolog.Logger) (stateStore, []models.ServerDescriptor, error) {
	descriptors := append([]models.ServerDescriptor(nil), cfg.Servers...)

	if cfg.State.Backend != config.StateBackendPostgres {
		return store.NewFileStore(cfg.State.File), descriptors, nil
	}

	pg, err := store.OpenPostgres(ctx, cfg.State.DSN)
	if err != nil {
		return nil, nil, err
	}
	if !cfg.State.CatalogFromDatabase {
		return pg, descriptors, nil
	}

	stored, err := pg.LoadDescriptors(ctx)
	if err != nil {
		_ = pg.Close()
		return nil, nil, err
	}
	known := make(map[string]bool, len(descriptors))
	for _, desc := range descriptors {
		known[desc.Name] = true
	}
	for _, desc := range stored {
		if known[desc.Name] {
			log.Debug().Str("server", desc.Name).Msg("database descriptor shadowed by config file")
			continue
		}
		if err := config.ValidateDescriptor(desc); err != nil {
			log.Warn().Err(err).Str("server", desc.Name).Msg("skipping invalid database descriptor")
			continue
		}
		known[desc.Name] = true
		descriptors = append(descriptors, desc)
	}
	return pg, descriptors, nil
}

func bootLogger() *zerolog.Logger {
	l := zerolog.New(os.Stderr).With().Timestamp().Logger()
	return &l
}
