package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-analyst/pkg/adapters/datasource"
	_ "github.com/ekaya-inc/ekaya-analyst/pkg/adapters/datasource/mssql"
	_ "github.com/ekaya-inc/ekaya-analyst/pkg/adapters/datasource/postgres"
	"github.com/ekaya-inc/ekaya-analyst/pkg/auth"
	"github.com/ekaya-inc/ekaya-analyst/pkg/cache"
	"github.com/ekaya-inc/ekaya-analyst/pkg/config"
	"github.com/ekaya-inc/ekaya-analyst/pkg/crypto"
	"github.com/ekaya-inc/ekaya-analyst/pkg/database"
	"github.com/ekaya-inc/ekaya-analyst/pkg/engine/direct"
	"github.com/ekaya-inc/ekaya-analyst/pkg/engine/httpjson"
	"github.com/ekaya-inc/ekaya-analyst/pkg/engine/local"
	"github.com/ekaya-inc/ekaya-analyst/pkg/engine/semantic"
	"github.com/ekaya-inc/ekaya-analyst/pkg/engine/tabular"
	"github.com/ekaya-inc/ekaya-analyst/pkg/handlers"
	"github.com/ekaya-inc/ekaya-analyst/pkg/ingest"
	"github.com/ekaya-inc/ekaya-analyst/pkg/llm"
	"github.com/ekaya-inc/ekaya-analyst/pkg/logging"
	"github.com/ekaya-inc/ekaya-analyst/pkg/middleware"
	"github.com/ekaya-inc/ekaya-analyst/pkg/repositories"
	"github.com/ekaya-inc/ekaya-analyst/pkg/router"
	"github.com/ekaya-inc/ekaya-analyst/pkg/services"
	"github.com/ekaya-inc/ekaya-analyst/pkg/storage"
	"github.com/ekaya-inc/ekaya-analyst/pkg/vtable"
)

// Version is set at build time via ldflags
var Version = "dev"

const shutdownTimeout = 30 * time.Second

var (
	verbose bool

	rootCmd = &cobra.Command{
		Use:          "ekaya-analyst",
		Short:        "Conversational analytics server",
		SilenceUsage: true,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run migrations and start the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), serve)
		},
	}

	migrateCmd = &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, cfg *config.Config, db *database.DB, logger *zap.Logger) error {
				return migrate(db, logger)
			})
		},
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(Version)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging in production environments")
	rootCmd.AddCommand(serveCmd, migrateCmd, versionCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.Fatalf("ekaya-analyst: %v", err)
	}
}

type runFunc func(ctx context.Context, cfg *config.Config, db *database.DB, logger *zap.Logger) error

// withRuntime loads configuration, builds the logger and opens the metadata
// database before handing them to fn.
func withRuntime(ctx context.Context, fn runFunc) error {
	cfg, err := config.Load(Version)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := logging.NewLogger(cfg.Env, verbose)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("Configuration loaded",
		zap.String("env", cfg.Env),
		zap.String("version", cfg.Version),
		zap.String("database", fmt.Sprintf("%s@%s:%d/%s", cfg.Database.User, cfg.Database.Host, cfg.Database.Port, cfg.Database.Database)),
		zap.String("redis", cfg.Redis.Addr()),
		zap.String("storage", cfg.Storage.Backend),
		zap.String("llm_provider", cfg.LLM.Provider))

	db, err := database.NewConnection(ctx, database.ConfigFrom(cfg.Database))
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	return fn(ctx, cfg, db, logger)
}

func migrate(db *database.DB, logger *zap.Logger) error {
	sqlDB := db.StdlibDB()
	defer sqlDB.Close() //nolint:errcheck
	return database.RunMigrations(sqlDB, logger)
}

func serve(ctx context.Context, cfg *config.Config, db *database.DB, logger *zap.Logger) error {
	if err := migrate(db, logger); err != nil {
		return err
	}

	sealer, err := crypto.NewDescriptorSealer(cfg.CredentialsKey)
	if err != nil {
		return fmt.Errorf("failed to initialize credentials key: %w", err)
	}

	// Session cache: Redis when configured, otherwise in-process.
	redisClient, err := database.NewRedisClient(ctx, &cfg.Redis)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	var sessionCache cache.SessionCache
	if redisClient != nil {
		defer redisClient.Close() //nolint:errcheck
		sessionCache = cache.NewRedisCache(redisClient, cfg.Session.CacheTTL, cfg.Session.TombstoneTTL, logger)
	} else {
		logger.Info("Redis not configured, using in-process session cache")
		sessionCache = cache.NewMemoryCache(cfg.Session.CacheTTL, cfg.Session.TombstoneTTL)
	}

	// Virtual tables over uploaded files, materialized into the local workspace.
	store, err := storage.New(&cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to open file storage: %w", err)
	}
	workspace, err := local.NewWorkspace(cfg.Engine.WorkspaceDir, logger)
	if err != nil {
		return fmt.Errorf("failed to open local workspace: %w", err)
	}
	defer workspace.Close() //nolint:errcheck

	fileLoader := vtable.NewFileLoader(store, ingest.NewRegistry(), workspace, cfg.Engine.SnapshotRowCap)
	tables := vtable.NewRegistry(fileLoader, logger)

	connMgr := datasource.NewConnectionManager(datasource.ConnectionManagerConfig{
		TTL:          time.Duration(cfg.Datasource.ConnectionTTLMinutes) * time.Minute,
		MaxPools:     cfg.Datasource.MaxConnectionsPerUser,
		PoolMaxConns: cfg.Datasource.PoolMaxConns,
		PoolMinConns: cfg.Datasource.PoolMinConns,
	}, logger)
	defer connMgr.Close()
	adapters := datasource.NewAdapterFactory(connMgr)

	datasourceService := services.NewDataSourceService(
		repositories.NewDatasourceRepository(), sealer, tables, adapters, fileLoader, logger)

	if err := restoreFileTables(ctx, db, datasourceService, logger); err != nil {
		return err
	}

	// Engines
	httpClient := httpjson.NewClient(cfg.Engine.HTTPTimeout, logger)
	directEngine := direct.New(adapters, logger)
	queryRouter := router.New(datasourceService, tables, cfg.Engine, logger,
		directEngine,
		local.New(workspace, directEngine, cfg.Engine.SnapshotRowCap, logger),
		semantic.New(httpClient, logger),
		tabular.New(tabular.NewHTTPFetcher(httpClient), logger),
	)

	generator, err := llm.NewGenerator(cfg.LLM, logger)
	if err != nil {
		return err
	}

	sessionService := services.NewSessionService(
		repositories.NewConversationRepository(),
		repositories.NewMessageRepository(),
		datasourceService,
		tables,
		queryRouter,
		generator,
		sessionCache,
		cfg.Session,
		logger,
	)

	if cfg.Engine.IdleEvictAfter > 0 {
		go vtable.RunSweeper(ctx, tables, sweepInterval(cfg.Engine.IdleEvictAfter), cfg.Engine.IdleEvictAfter, logger)
	}

	// Routes
	mux := http.NewServeMux()
	authMiddleware := auth.NewMiddleware(logger)
	tenantMiddleware := database.WithTenantContext(db, logger)

	handlers.NewHealthHandler(cfg, db, connMgr, tables, logger).RegisterRoutes(mux)
	handlers.NewDatasourcesHandler(datasourceService, logger).RegisterRoutes(mux, authMiddleware, tenantMiddleware)
	handlers.NewConversationsHandler(sessionService, queryRouter, logger).RegisterRoutes(mux, authMiddleware, tenantMiddleware)

	addr := cfg.BindAddr + ":" + cfg.Port
	server := &http.Server{
		Addr:              addr,
		Handler:           middleware.RequestLogger(logger)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting ekaya-analyst", zap.String("addr", addr), zap.String("version", cfg.Version))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down server: %w", err)
	}
	return nil
}

// restoreFileTables re-registers the virtual tables of every organization's file sources.
func restoreFileTables(ctx context.Context, db *database.DB, svc services.DataSourceService, logger *zap.Logger) error {
	scopedCtx, release, err := db.WithMaintenanceScope(ctx)
	if err != nil {
		return err
	}
	defer release()

	n, err := svc.RestoreFileTables(scopedCtx)
	if err != nil {
		return fmt.Errorf("failed to restore file tables: %w", err)
	}
	logger.Info("Restored file tables", zap.Int("count", n))
	return nil
}

func sweepInterval(idle time.Duration) time.Duration {
	if interval := idle / 4; interval < time.Minute {
		return interval
	}
	return time.Minute
}
