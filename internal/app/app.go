package app

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/whatsmytoken/internal/common"
	"github.com/ternarybob/whatsmytoken/internal/handlers"
	"github.com/ternarybob/whatsmytoken/internal/interfaces"
	"github.com/ternarybob/whatsmytoken/internal/services/browser"
	"github.com/ternarybob/whatsmytoken/internal/services/capture"
	"github.com/ternarybob/whatsmytoken/internal/services/tokens"
	"github.com/ternarybob/whatsmytoken/internal/storage/badger"
	"github.com/ternarybob/whatsmytoken/internal/telemetry"
)

// App holds all application components and dependencies
type App struct {
	Config    *common.Config
	Logger    arbor.ILogger
	ctx       context.Context
	cancelCtx context.CancelFunc

	// Storage
	DB           *badger.BadgerDB
	TokenStorage interfaces.TokenStorage

	// Capture pipeline
	TokenService *tokens.Service
	Coordinator  *capture.Coordinator
	Browser      *browser.Session // nil when browser.enabled = false

	// Metrics
	Metrics   *prometheus.Registry
	stopGauge func()

	// HTTP handlers
	APIHandler   *handlers.APIHandler
	TokenHandler *handlers.TokenHandler
	WSHandler    *handlers.WebSocketHandler
}

// New wires storage, the capture pipeline and the handlers. The browser is
// created here but only launched by Start.
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	ctx, cancel := context.WithCancel(context.Background())
	app := &App{
		Config:    cfg,
		Logger:    logger,
		ctx:       ctx,
		cancelCtx: cancel,
	}

	if err := app.initDatabase(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	app.initServices()
	app.initHandlers()

	return app, nil
}

func (a *App) initDatabase() error {
	db, err := badger.NewBadgerDB(a.Logger, &a.Config.Storage.Badger)
	if err != nil {
		return err
	}
	a.DB = db

	a.TokenStorage = badger.NewTokenStorage(db, a.Logger, a.Config.AppendPolicy(), a.Config.Store.MaxConflictRetries)
	a.Logger.Debug().
		Str("storage", "badger").
		Str("path", a.Config.Storage.Badger.Path).
		Str("policy", string(a.TokenStorage.Policy())).
		Msg("Storage layer initialized")

	return nil
}

func (a *App) initServices() {
	a.Metrics = telemetry.NewMetricsRegistry()

	a.TokenService = tokens.NewService(a.TokenStorage, a.Logger)
	a.stopGauge = a.TokenService.TrackStoredGauge(a.ctx)

	// Both interception paths and /api/relay write straight to the store
	a.Coordinator = capture.NewCoordinator(a.TokenStorage, a.Logger)

	if !a.Config.Browser.Enabled {
		a.Logger.Info().Msg("Browser disabled; only /api/relay and manual additions will record tokens")
		return
	}

	networkInterceptor := browser.NewNetworkInterceptor(a.TokenStorage, a.Logger)
	pageInterceptor := browser.NewPageInterceptor(
		a.Coordinator,
		a.Config.Capture.WorldName,
		a.Config.Capture.BindingName,
		a.Logger,
	)
	a.Browser = browser.NewSession(a.Config.Browser, a.Config.Capture, networkInterceptor, pageInterceptor, a.Logger)
}

func (a *App) initHandlers() {
	// A typed nil *Session would make the interface non-nil
	var status handlers.BrowserStatus
	if a.Browser != nil {
		status = a.Browser
	}

	a.APIHandler = handlers.NewAPIHandler(a.Logger, status)
	a.TokenHandler = handlers.NewTokenHandler(a.TokenService, a.Coordinator, a.Logger)
	a.WSHandler = handlers.NewWebSocketHandler(a.TokenService, a.Logger, &a.Config.WebSocket)

	a.Logger.Debug().Msg("Handlers initialized")
}

// Start launches the browser when enabled
func (a *App) Start() error {
	if a.Browser == nil {
		return nil
	}
	if err := a.Browser.Start(a.ctx); err != nil {
		return fmt.Errorf("failed to start browser: %w", err)
	}
	return nil
}

// Close stops capture first so nothing writes to a closing store
func (a *App) Close() error {
	if a.Browser != nil {
		a.Browser.Stop()
	}

	if a.cancelCtx != nil {
		a.cancelCtx()
	}
	if a.stopGauge != nil {
		a.stopGauge()
	}

	if a.WSHandler != nil {
		a.WSHandler.Close()
	}

	if a.TokenStorage != nil {
		if err := a.TokenStorage.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close token storage")
		}
	}

	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			return fmt.Errorf("failed to close storage: %w", err)
		}
		a.Logger.Info().Msg("Storage closed")
	}

	return nil
}
