// Package appctx provides the application context that holds all runtime dependencies.
package appctx

import (
	"fmt"

	"relaycast/pkg/config"
	"relaycast/pkg/httpclient"
	"relaycast/pkg/logging"
	"relaycast/pkg/registry"
	"relaycast/pkg/services"
)

// Context holds all application runtime dependencies.
// Pass this single struct to components instead of individual parameters.
type Context struct {
	Config            *config.Config
	Log               *logging.Logger
	ProxyService      *services.ProxyService
	HTTPClient        *httpclient.Client
	ExtractorRegistry *registry.ExtractorRegistry
	BaseURL           string
}

// New creates a new application context.
func New(cfg *config.Config, log *logging.Logger) *Context {
	return &Context{
		Config:  cfg,
		Log:     log,
		BaseURL: fmt.Sprintf("http://localhost:%d", cfg.Port),
	}
}

// WithProxyService sets the proxy service.
func (c *Context) WithProxyService(ps *services.ProxyService) *Context {
	c.ProxyService = ps
	return c
}

// WithHTTPClient sets the shared HTTP client used for license/key proxying.
func (c *Context) WithHTTPClient(client *httpclient.Client) *Context {
	c.HTTPClient = client
	return c
}

// WithExtractorRegistry sets the extractor registry, used to invalidate a
// channel's cache after a key/segment fetch comes back non-2xx.
func (c *Context) WithExtractorRegistry(reg *registry.ExtractorRegistry) *Context {
	c.ExtractorRegistry = reg
	return c
}
