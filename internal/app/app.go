// Package app provides the main application setup and dependency injection.
package app

import (
	"relaycast/pkg/appctx"
	"relaycast/pkg/config"
	"relaycast/pkg/extractors"
	"relaycast/pkg/flaresolverr"
	"relaycast/pkg/handlers/api"
	"relaycast/pkg/handlers/streams"
	"relaycast/pkg/httpclient"
	"relaycast/pkg/logging"
	"relaycast/pkg/registry"
	"relaycast/pkg/server"
	"relaycast/pkg/services"
)

// App is the main application container.
type App struct {
	Ctx            *appctx.Context
	Server         *server.Server
	HTTPClient     *httpclient.Client
	StreamHandlers *registry.StreamHandlerRegistry
	ExtractorReg   *registry.ExtractorRegistry
}

// New creates and initializes the application.
func New() (*App, error) {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	log := logging.New(cfg.LogLevel, cfg.LogJSON, nil)
	log.Info("initializing relaycast", "port", cfg.Port, "log_level", cfg.LogLevel)

	// Create application context
	ctx := appctx.New(cfg, log)

	// Create HTTP client
	httpClient := httpclient.New(cfg, log)

	// Initialize stream handler registry
	streamHandlers := registry.NewStreamHandlerRegistry()

	// Initialize extractor registry
	extractorReg := registry.NewExtractorRegistry()

	// Register stream handlers
	registerStreamHandlers(streamHandlers, httpClient, log, ctx.BaseURL)

	// Create FlareSolverr client if configured
	var flareClient *flaresolverr.Client
	if cfg.FlareSolverrURL != "" {
		flareClient = flaresolverr.NewClient(cfg.FlareSolverrURL, cfg.FlareSolverrTimeout, log)
		log.Info("FlareSolverr client enabled", "url", cfg.FlareSolverrURL)
	}

	// Register extractors
	registerExtractors(extractorReg, httpClient, log, flareClient, cfg)

	// Create proxy service
	proxyService := services.NewProxyService(log, streamHandlers, extractorReg, ctx.BaseURL)
	ctx.WithProxyService(proxyService)
	ctx.WithHTTPClient(httpClient)
	ctx.WithExtractorRegistry(extractorReg)

	// Create HTTP server
	srv := server.New(cfg, log)

	// Create API handlers
	handlers := api.NewHandlers(ctx)
	handlers.RegisterRoutes(srv.Router())

	return &App{
		Ctx:            ctx,
		Server:         srv,
		HTTPClient:     httpClient,
		StreamHandlers: streamHandlers,
		ExtractorReg:   extractorReg,
	}, nil
}

// Run starts the application.
func (a *App) Run() error {
	a.Ctx.Log.Info("starting relaycast server", "port", a.Ctx.Config.Port)
	return a.Server.Start()
}

// Shutdown gracefully shuts down the application.
func (a *App) Shutdown() {
	a.Ctx.Log.Info("shutting down application")
	a.ExtractorReg.Close()
}

// registerStreamHandlers registers all stream handlers.
// Add new stream handlers here by:
// 1. Creating a new handler in pkg/handlers/streams/
// 2. Registering it below
func registerStreamHandlers(
	reg *registry.StreamHandlerRegistry,
	client *httpclient.Client,
	log *logging.Logger,
	baseURL string,
) {
	// Register HLS handler
	hlsHandler := streams.NewHLSHandler(client, log, baseURL)
	reg.Register(hlsHandler)

	// Register MPD handler
	mpdHandler := streams.NewMPDHandler(client, log, baseURL)
	reg.Register(mpdHandler)

	// Register generic handler as fallback
	genericHandler := streams.NewGenericHandler(client, log)
	reg.SetFallback(genericHandler)

	log.Info("registered stream handlers", "count", len(reg.All())+1) // +1 for fallback
}

// registerExtractors registers all URL extractors.
// Add new extractors here by:
// 1. Creating a new extractor in pkg/extractors/
// 2. Registering it below
func registerExtractors(
	reg *registry.ExtractorRegistry,
	client *httpclient.Client,
	log *logging.Logger,
	flareClient *flaresolverr.Client,
	cfg *config.Config,
) {
	// Register Vavoo extractor
	vavooExtractor := extractors.NewVavooExtractor(client, log)
	reg.Register(vavooExtractor)

	// Register Mixdrop extractor
	mixdropExtractor := extractors.NewMixdropExtractor(client, log)
	reg.Register(mixdropExtractor)

	// Register Streamtape extractor
	streamtapeExtractor := extractors.NewStreamtapeExtractor(client, log)
	reg.Register(streamtapeExtractor)

	// Register Freeshot extractor (popcdn.day/lovecdn)
	freeshotExtractor := extractors.NewFreeshotExtractor(client, log)
	reg.Register(freeshotExtractor)

	// Register VixSrc extractor
	vixsrcExtractor := extractors.NewVixSrcExtractor(client, log)
	reg.Register(vixsrcExtractor)

	// Register Sportsonline extractor
	sportsonlineExtractor := extractors.NewSportsonlineExtractor(client, log)
	reg.Register(sportsonlineExtractor)

	// Register Voe extractor
	voeExtractor := extractors.NewVoeExtractor(client, log)
	reg.Register(voeExtractor)

	// Register Orion extractor
	orionExtractor := extractors.NewOrionExtractor(client, log)
	reg.Register(orionExtractor)

	// Register DLHD extractor (dlhd.dad/daddylive)
	dlhdExtractor := extractors.NewDLHDExtractor(client, log, flareClient).WithProxies(cfg.DlhdProxies)
	reg.Register(dlhdExtractor)

	// Set generic extractor as fallback
	genericExtractor := extractors.NewGenericExtractor(client, log)
	reg.SetFallback(genericExtractor)

	log.Info("registered extractors", "count", len(reg.All())+1) // +1 for fallback
}
