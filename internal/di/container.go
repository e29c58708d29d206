// Package di provides dependency injection configuration for the cartshare server.
package di

import (
	"github.com/samber/do/v2"

	"github.com/listenupapp/cartshare/internal/config"
	"github.com/listenupapp/cartshare/internal/di/providers"
	"github.com/listenupapp/cartshare/internal/directory"
	"github.com/listenupapp/cartshare/internal/logger"
	"github.com/listenupapp/cartshare/internal/metrics"
	"github.com/listenupapp/cartshare/internal/validation"
)

// NewContainer creates and configures the DI container with all providers.
func NewContainer() *do.RootScope {
	injector := do.New()

	// Core infrastructure
	do.Provide(injector, providers.ProvideConfig)
	do.Provide(injector, providers.ProvideLogger)
	do.Provide(injector, providers.ProvideMetrics)
	do.Provide(injector, providers.ProvideValidator)

	// Database layer
	do.Provide(injector, providers.ProvideStore)

	// Business services
	do.Provide(injector, providers.ProvideDirectory)
	do.Provide(injector, providers.ProvideNotifier)

	// Server
	do.Provide(injector, providers.ProvideHTTPServer)

	return injector
}

// Bootstrap initializes all services. Invoking the HTTP server last means
// every dependency is up before the listener accepts connections.
func Bootstrap(injector *do.RootScope) error {
	if _, err := do.Invoke[*config.Config](injector); err != nil {
		return err
	}
	_ = do.MustInvoke[*logger.Logger](injector)
	_ = do.MustInvoke[*metrics.Metrics](injector)
	_ = do.MustInvoke[*validation.Validator](injector)

	if _, err := do.Invoke[*providers.StoreHandle](injector); err != nil {
		return err
	}
	_ = do.MustInvoke[*directory.Directory](injector)
	if _, err := do.Invoke[*providers.NotifierHandle](injector); err != nil {
		return err
	}

	_ = do.MustInvoke[*providers.HTTPServerHandle](injector)

	return nil
}
