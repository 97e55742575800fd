package setup

import (
	"context"
	"log"
	"time"

	"github.com/ambleapp/amble/internal/broadcast"
	"github.com/ambleapp/amble/internal/entity"
	"github.com/ambleapp/amble/internal/identity"
	"github.com/ambleapp/amble/internal/listener"
	"github.com/ambleapp/amble/internal/localstate"
	"github.com/ambleapp/amble/internal/media"
	"github.com/ambleapp/amble/internal/redis"
	"github.com/ambleapp/amble/internal/setup/config"
	"github.com/ambleapp/amble/internal/setup/logging"
	"github.com/redis/rueidis"
	"go.uber.org/zap"
)

// App bundles all core dependencies and services needed by the application.
// Each field represents a major subsystem that needs initialization and cleanup.
type App struct {
	Config       *config.Config     // Application configuration
	Logger       *zap.Logger        // Main application logger
	DBLogger     *zap.Logger        // Database-specific logger
	DB           entity.Client      // Entity store connection pool
	RedisManager *redis.Manager     // Redis connection manager
	Broadcast    *broadcast.Store   // Broadcast store adapter
	Bookkeeping  rueidis.Client     // Redis client for session bookkeeping
	Snapshots    *localstate.Store  // Advisory local snapshot store
	Registry     *listener.Registry // Subscription registry
	Identity     *identity.Provider // Identity token validator
	MediaCache   *media.Cache       // Remote object cache
	pprofServer  *pprofServer       // Debug HTTP server for pprof
}

// InitializeApp bootstraps all application dependencies in the correct order,
// ensuring each component has its required dependencies available.
func InitializeApp(ctx context.Context) (*App, error) {
	// Load app configuration
	cfg, _, err := config.LoadConfig()
	if err != nil {
		return nil, err
	}

	// Logging system is initialized next to capture setup issues
	logger, err := logging.New(cfg.Common.Debug.LogLevel)
	if err != nil {
		return nil, err
	}

	dbLogger := logger.Named("database")

	// Redis manager provides connection pools for both store roles
	redisManager := redis.NewManager(&cfg.Common.Redis, logger)

	// Entity store runs pending migrations on startup; the db binary
	// gives operators manual control when they need it
	db, err := entity.Connect(ctx, &cfg.Common.PostgreSQL, dbLogger, true)
	if err != nil {
		return nil, err
	}

	// Broadcast store and session bookkeeping use separate logical DBs
	broadcastClient, err := redisManager.GetClient(redis.BroadcastDBIndex)
	if err != nil {
		return nil, err
	}

	bookkeeping, err := redisManager.GetClient(redis.SessionDBIndex)
	if err != nil {
		return nil, err
	}

	// Local snapshot store for advisory restore
	snapshots, err := localstate.Open(cfg.Sync.LocalState.Path, logger)
	if err != nil {
		return nil, err
	}

	// Identity token validator
	provider, err := identity.NewProvider(&cfg.Sync.Identity, logger)
	if err != nil {
		return nil, err
	}

	// Media downloader is configured with the shared middleware chain
	requestTimeout := time.Duration(cfg.Sync.RequestTimeout) * time.Millisecond
	downloader := media.NewDownloader(&cfg.Common, logger, requestTimeout)
	mediaCache := media.NewCache(downloader, cfg.Sync.Media.MaxEntries, cfg.Sync.Media.MaxBytes, logger)

	// Start pprof server if enabled
	var pprofSrv *pprofServer

	if cfg.Common.Debug.EnablePprof {
		srv, err := startPprofServer(cfg.Common.Debug.PprofPort, logger)
		if err != nil {
			logger.Error("Failed to start pprof server", zap.Error(err))
		} else {
			pprofSrv = srv

			logger.Warn("pprof debugging endpoint enabled - this should not be used in production!")
		}
	}

	// Bundle all initialized components
	return &App{
		Config:       cfg,
		Logger:       logger,
		DBLogger:     dbLogger,
		DB:           db,
		RedisManager: redisManager,
		Broadcast:    broadcast.NewStore(broadcastClient, logger),
		Bookkeeping:  bookkeeping,
		Snapshots:    snapshots,
		Registry:     listener.New(logger),
		Identity:     provider,
		MediaCache:   mediaCache,
		pprofServer:  pprofSrv,
	}, nil
}

// Cleanup ensures graceful shutdown of all components in reverse initialization order.
// Logs but does not fail on cleanup errors to ensure all components get cleanup attempts.
func (s *App) Cleanup(ctx context.Context) {
	// Shutdown pprof server if running
	if s.pprofServer != nil {
		if err := s.pprofServer.srv.Shutdown(ctx); err != nil {
			s.Logger.Error("Failed to shutdown pprof server", zap.Error(err))
		}

		s.pprofServer.listener.Close()
	}

	// Sync buffered logs before shutdown
	if err := s.Logger.Sync(); err != nil {
		log.Printf("Failed to sync logger: %v", err)
	}

	// Close the snapshot store
	if err := s.Snapshots.Close(); err != nil {
		log.Printf("Failed to close snapshot store: %v", err)
	}

	// Close database connections
	if err := s.DB.Close(); err != nil {
		log.Printf("Failed to close database connection: %v", err)
	}

	// Close Redis connections last as other components might need it during cleanup
	s.RedisManager.Close()
}
