package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	httpapi "github.com/tasklight/tasklight/internal/identity/http"
	"github.com/tasklight/tasklight/internal/identity/claims"
	"github.com/tasklight/tasklight/internal/identity/service"
	"github.com/tasklight/tasklight/internal/identity/store"
	"github.com/tasklight/tasklight/internal/identity/store/drivers/sqlite"
	"github.com/tasklight/tasklight/pkg/jwtx"
	"github.com/tasklight/tasklight/pkg/slogx"
)

// BuildVersion is overridden at build time via ldflags.
var BuildVersion = "v0.1.0"

// Application wires the identity service together: store, signing keys,
// services and the HTTP server.
type Application struct {
	cfg    Config
	logger *slog.Logger

	db         store.Store
	keyManager *jwtx.KeyManager
	verifier   jwtx.Verifier

	tokenService        *service.TokenService
	validationService   *service.ValidationService
	authorizeService    *service.AuthorizeService
	housekeepingService *service.HousekeepingService

	server *http.Server
	router *httpapi.Router
}

// New creates a new Application instance with all dependencies initialized
func New(cfg Config) (*Application, error) {
	app := &Application{
		cfg: cfg,
		logger: slogx.New(slogx.Config{
			Service: "identity-service",
			Version: BuildVersion,
			Env:     cfg.Env,
			Level:   cfg.LogLevel,
			Format:  cfg.LogFormat,
		}),
	}

	if err := app.initDatabase(); err != nil {
		return nil, err
	}

	if err := app.applySeed(context.Background()); err != nil {
		_ = app.db.Close()
		return nil, err
	}

	if err := app.initKeys(); err != nil {
		_ = app.db.Close()
		return nil, err
	}

	app.initServices()
	app.initHTTP()

	return app, nil
}

// Run starts the application and blocks until shutdown is requested
func (app *Application) Run() error {
	app.housekeepingService.Start()

	app.logger.Info("identity service starting", "port", app.cfg.Port, "version", BuildVersion)

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- app.server.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server failed: %w", err)
		}
	case sig := <-shutdown:
		app.logger.Info("shutdown signal received", "signal", sig)

		if err := app.Shutdown(); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
	}

	return nil
}

// Shutdown gracefully shuts down the application
func (app *Application) Shutdown() error {
	app.logger.Info("shutting down identity service...")

	ctx, cancel := context.WithTimeout(context.Background(), app.cfg.ShutdownGracePeriod)
	defer cancel()

	if err := app.server.Shutdown(ctx); err != nil {
		app.logger.Error("graceful server shutdown failed", "error", err)
		if err := app.server.Close(); err != nil {
			app.logger.Error("error closing server", "error", err)
		}
	}

	app.housekeepingService.Stop()
	app.validationService.Stop()

	if err := app.db.Close(); err != nil {
		app.logger.Error("error closing database", "error", err)
		return err
	}

	app.logger.Info("identity service stopped")
	return nil
}

// initDatabase initializes the database and applies migrations
func (app *Application) initDatabase() error {
	host := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", app.cfg.DatabaseFile)
	db, err := sqlite.NewStore(host)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	app.db = db

	if err := db.ApplyMigrations(); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to apply database migrations: %w", err)
	}

	app.logger.Info("database migrations applied successfully")
	return nil
}

// initKeys generates the in-memory signing keys. Keys are ephemeral:
// every restart invalidates outstanding JWTs, which suits short access
// token lifetimes; reference tokens survive restarts in the store.
func (app *Application) initKeys() error {
	km, err := jwtx.NewKeyManager(jwtx.KeyManagerOptions{
		Algorithm: app.cfg.Algorithm,
		RSABits:   app.cfg.RSABits,
		NumKeys:   app.cfg.NumKeys,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize signing keys: %w", err)
	}
	app.keyManager = km
	app.verifier = jwtx.NewKeySetVerifier(km.KeySet(), app.cfg.Issuer, app.cfg.Audience)

	app.logger.Info("generated ephemeral signing keys",
		"algorithm", app.cfg.Algorithm,
		"issuer", app.cfg.Issuer,
	)
	app.logger.Warn("all previously issued JWTs are now invalid due to key rotation on startup")

	return nil
}

// initServices initializes all business logic services
func (app *Application) initServices() {
	pipeline := &claims.Pipeline{}

	app.tokenService = &service.TokenService{
		KeyManager: app.keyManager,
		Store:      app.db,
		Claims:     pipeline,
		Issuer:     app.cfg.Issuer,
		AccessTTL:  app.cfg.AccessTokenTTL,
		RefreshTTL: app.cfg.RefreshTokenTTL,
	}

	app.validationService = service.NewValidationService(app.verifier, app.db, app.cfg.Audience)

	app.authorizeService = &service.AuthorizeService{
		Store:   app.db,
		CodeTTL: app.cfg.CodeTTL,
	}

	app.housekeepingService = service.NewHousekeepingService(
		app.db,
		app.logger,
		app.cfg.HousekeepingInterval,
	)
}

// initHTTP initializes the HTTP router and server
func (app *Application) initHTTP() {
	router := httpapi.NewRouter(
		app.keyManager.KeySet(),
		app.verifier,
		app.cfg.Issuer,
		BuildVersion,
		app.db,
		app.logger,
	)

	router.TokenService = app.tokenService
	router.ValidationService = app.validationService
	router.AuthorizeService = app.authorizeService
	router.Claims = app.tokenService.Claims
	router.ApplyRoutes()

	app.router = router

	app.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", app.cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 3 * time.Second,
	}
}
