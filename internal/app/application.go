package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"classchat/internal/api"
	"classchat/internal/blobstore"
	"classchat/internal/chat"
	"classchat/internal/classroom"
	"classchat/internal/config"
	"classchat/internal/database"
	"classchat/internal/database/postgres"
	"classchat/internal/hub"
	"classchat/internal/relay"
	"classchat/internal/websocket"
	dbconfig "classchat/pkg/database"
	"classchat/pkg/interfaces"
)

// Application coordinates all system components
// Clean dependency injection pattern with proper initialization order
type Application struct {
	config     *config.Config
	logger     zerolog.Logger
	store      interfaces.DatabaseManager
	relay      *relay.Relay
	registry   *websocket.Registry
	messageHub *hub.Hub
	limiter    *chat.RateLimiter // nil when the shared Redis limiter is in use
	apiServer  *api.Server
	httpServer *http.Server
	listener   net.Listener

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// OpenStore opens the configured storage backend with its schema up to date
func OpenStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (interfaces.DatabaseManager, error) {
	dbConfig := &dbconfig.Config{
		Driver:          cfg.Database.Driver,
		DatabasePath:    cfg.Database.Path,
		URL:             cfg.Database.URL,
		MaxConnections:  cfg.Database.MaxConnections,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 10 * time.Minute,
		WriteTimeout:    cfg.Database.Timeout,
	}
	if err := dbConfig.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database configuration: %w", err)
	}

	if dbConfig.Driver == dbconfig.DriverPostgres {
		store, err := postgres.NewStore(ctx, dbConfig, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
		return store, nil
	}

	manager, err := database.NewManager(dbConfig, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database manager: %w", err)
	}
	migrations := dbconfig.NewMigrationManager(manager.GetDB(), dbconfig.SQLiteMigrations())
	if err := migrations.ApplyMigrations(); err != nil {
		_ = manager.Close()
		return nil, fmt.Errorf("failed to apply database migrations: %w", err)
	}
	if err := migrations.ValidateSchema(); err != nil {
		_ = manager.Close()
		return nil, fmt.Errorf("database schema check failed: %w", err)
	}
	return manager, nil
}

// NewApplication creates a new application instance with all components initialized
// Component initialization follows strict dependency order:
// Store → Relay → Registry → Hub → Chat → Classrooms → Blobs → API → HTTP
func NewApplication(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	app := &Application{
		config: cfg,
		logger: logger.With().Str("component", "app").Logger(),
	}

	// STEP 1: Storage (foundation layer)
	store, err := OpenStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	app.store = store
	app.logger.Info().Str("driver", cfg.Database.Driver).Msg("storage ready")

	// STEP 2: Optional cross-instance relay
	if cfg.Redis.Enabled() {
		r, err := relay.Connect(ctx, cfg.Redis.URL, cfg.Redis.Channel, logger)
		if err != nil {
			app.closeResources()
			return nil, fmt.Errorf("failed to connect relay: %w", err)
		}
		app.relay = r
	}

	// STEP 3: Subscription registry and broadcaster
	app.registry = websocket.NewRegistry()
	hubOpts := []hub.Option{
		hub.WithQueueSize(cfg.Chat.HubQueueSize),
		hub.WithDedupSize(cfg.Chat.DedupSize),
	}
	if app.relay != nil {
		hubOpts = append(hubOpts, hub.WithRelay(app.relay))
	}
	app.messageHub, err = hub.NewHub(app.registry, logger, hubOpts...)
	if err != nil {
		app.closeResources()
		return nil, fmt.Errorf("failed to create message hub: %w", err)
	}

	// STEP 4: Chat service; the rate limit is shared through Redis when instances share a relay
	var limiter chat.Limiter
	if app.relay != nil {
		limiter = chat.NewRedisRateLimiter(app.relay.Client(), cfg.Chat.RateLimit, cfg.Chat.RateWindow)
	} else {
		app.limiter = chat.NewRateLimiter(cfg.Chat.RateLimit, cfg.Chat.RateWindow)
		limiter = app.limiter
	}
	chatService, err := chat.NewService(store, app.messageHub, logger, chat.WithLimiter(limiter))
	if err != nil {
		app.closeResources()
		return nil, fmt.Errorf("failed to create chat service: %w", err)
	}

	// STEP 5: Classroom registry backed by the same store as its directory
	classrooms := classroom.NewRegistry(store, store, logger, classroom.WithMaxCodeAttempts(cfg.Chat.MaxCodeAttempts))

	// STEP 6: Upload storage
	blobs, err := blobstore.NewDiskStore(blobstore.Config{
		Dir:       cfg.Uploads.Dir,
		URLPrefix: cfg.Uploads.URLPrefix,
		MaxBytes:  cfg.Uploads.MaxBytes,
	}, logger)
	if err != nil {
		app.closeResources()
		return nil, fmt.Errorf("failed to create upload store: %w", err)
	}

	// STEP 7: WebSocket handler and API server
	wsHandler := websocket.NewHandler(app.registry, chatService, websocket.HandlerConfig{
		PingInterval:    cfg.WebSocket.PingInterval,
		PongWait:        cfg.WebSocket.ReadTimeout,
		WriteTimeout:    cfg.WebSocket.WriteTimeout,
		SendBuffer:      cfg.WebSocket.BufferSize,
		MaxMessageBytes: cfg.WebSocket.MaxMessageBytes,
		AllowedOrigins:  cfg.HTTP.AllowedOrigins,
	}, logger)

	deps := api.Dependencies{
		Classrooms: classrooms,
		Chat:       chatService,
		Blobs:      blobs,
		Database:   store,
		Registry:   app.registry,
		Hub:        app.messageHub,
		Uploads:    blobs.Handler(),
		WebSocket:  wsHandler,
	}
	if app.relay != nil {
		deps.Relay = app.relay
	}
	app.apiServer = api.NewServer(deps, api.Config{
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		MaxBodyBytes:   cfg.HTTP.MaxBodyBytes,
		MaxUploadBytes: cfg.Uploads.MaxBytes,
		UploadsPrefix:  blobs.URLPrefix(),
	}, logger)

	// STEP 8: HTTP server. The upgrader clears these deadlines on hijacked
	// WebSocket connections, which then set their own per frame.
	app.httpServer = &http.Server{
		Addr:              cfg.Address(),
		Handler:           app.apiServer,
		ReadHeaderTimeout: cfg.HTTP.ReadTimeout,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
	}

	return app, nil
}

// Start begins application execution
// Hub starts first to handle messages, then the relay feeds it, then HTTP accepts connections
func (app *Application) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	app.cancel = cancel

	// STEP 1: Start message hub (background message processing)
	if err := app.messageHub.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("failed to start message hub: %w", err)
	}

	// STEP 2: Feed remote broadcasts into the local hub
	if app.relay != nil {
		if err := app.relay.Subscribe(runCtx, app.messageHub.DeliverRemote); err != nil {
			app.stopBackground()
			return fmt.Errorf("failed to subscribe relay: %w", err)
		}
	}

	if app.limiter != nil {
		app.wg.Add(1)
		go func() {
			defer app.wg.Done()
			app.limiter.RunCleanup(runCtx, app.config.Chat.RateWindow)
		}()
	}

	// STEP 3: Bind before returning so callers see listen errors and the real address
	listener, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		app.stopBackground()
		return fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
	}
	app.listener = listener

	app.wg.Add(1)
	go func() {
		defer app.wg.Done()
		if err := app.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	app.logger.Info().Str("addr", listener.Addr().String()).Msg("classchat started")
	return nil
}

// Stop gracefully shuts down the application
// Reverse dependency order: HTTP → WebSockets → Hub → Relay → Store
func (app *Application) Stop(ctx context.Context) error {
	app.logger.Info().Msg("shutting down")

	// STEP 1: Stop accepting new requests
	var shutdownErr error
	if err := app.httpServer.Shutdown(ctx); err != nil {
		shutdownErr = fmt.Errorf("HTTP server shutdown: %w", err)
		app.logger.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// STEP 2: Hijacked WebSocket connections outlive Shutdown; close them and
	// let their read loops finish before the hub and store go away
	if closed := app.registry.CloseAll(); closed > 0 {
		app.logger.Info().Int("connections", closed).Msg("closing websocket connections")
	}
	if err := app.registry.WaitIdle(ctx); err != nil {
		app.logger.Warn().Err(err).Msg("websocket connections still open at shutdown")
	}

	// STEP 3: Stop message processing and background loops
	app.stopBackground()

	// STEP 4: Close relay and storage
	app.closeResources()

	app.logger.Info().Msg("shutdown complete")
	return shutdownErr
}

func (app *Application) stopBackground() {
	if app.messageHub.Running() {
		if err := app.messageHub.Stop(); err != nil {
			app.logger.Error().Err(err).Msg("message hub shutdown error")
		}
	}
	if app.cancel != nil {
		app.cancel()
	}
	app.wg.Wait()
}

func (app *Application) closeResources() {
	if app.relay != nil {
		if err := app.relay.Close(); err != nil {
			app.logger.Error().Err(err).Msg("relay shutdown error")
		}
	}
	if app.store != nil {
		if err := app.store.Close(); err != nil {
			app.logger.Error().Err(err).Msg("database shutdown error")
		}
	}
}

// Addr returns the bound address once started, otherwise the configured one
func (app *Application) Addr() string {
	if app.listener != nil {
		return app.listener.Addr().String()
	}
	return app.httpServer.Addr
}

// Handler returns the root HTTP handler
func (app *Application) Handler() http.Handler {
	return app.apiServer
}

// Users returns the user directory used for seeding
func (app *Application) Users() interfaces.UserStore {
	return app.store
}
