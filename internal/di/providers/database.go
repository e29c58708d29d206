package providers

import (
	"os"
	"path/filepath"

	"github.com/samber/do/v2"

	"github.com/listenupapp/cartshare/internal/changefeed"
	"github.com/listenupapp/cartshare/internal/config"
	"github.com/listenupapp/cartshare/internal/logger"
	"github.com/listenupapp/cartshare/internal/metrics"
	"github.com/listenupapp/cartshare/internal/rowstore/sqlite"
)

// StoreHandle wraps the sqlite store with shutdown capability.
type StoreHandle struct {
	*sqlite.Store
}

// Shutdown implements do.Shutdownable. Subscribers are closed before the
// database so streams end with a closed event instead of an error.
func (h *StoreHandle) Shutdown() error {
	h.Feed().Shutdown()
	return h.Close()
}

// ProvideStore provides the row store and the change feed it publishes to.
func ProvideStore(i do.Injector) (*StoreHandle, error) {
	cfg := do.MustInvoke[*config.Config](i)
	log := do.MustInvoke[*logger.Logger](i)
	m := do.MustInvoke[*metrics.Metrics](i)

	if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o755); err != nil {
		return nil, err
	}

	feed := changefeed.New(log.Component("changefeed"), changefeed.WithMetrics(m))
	db, err := sqlite.Open(cfg.Store.Path, log.Component("store"),
		sqlite.WithFeed(feed),
		sqlite.WithMetrics(m),
	)
	if err != nil {
		return nil, err
	}

	log.Info("Database initialized", "path", cfg.Store.Path)

	return &StoreHandle{Store: db}, nil
}
