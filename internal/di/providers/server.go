package providers

import (
	"context"
	"errors"
	"net/http"

	"github.com/samber/do/v2"

	"github.com/listenupapp/cartshare/internal/api"
	"github.com/listenupapp/cartshare/internal/changefeed"
	"github.com/listenupapp/cartshare/internal/config"
	"github.com/listenupapp/cartshare/internal/directory"
	"github.com/listenupapp/cartshare/internal/logger"
	"github.com/listenupapp/cartshare/internal/metrics"
)

// HTTPServerHandle wraps http.Server with Shutdownable.
type HTTPServerHandle struct {
	*http.Server
	api  *api.Server
	feed *changefeed.Feed
}

// Shutdown implements do.Shutdownable. Open change streams are closed first;
// http.Server.Shutdown would otherwise wait on them until the timeout.
func (h *HTTPServerHandle) Shutdown() error {
	h.feed.Shutdown()
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := h.Server.Shutdown(ctx)
	h.api.Close()
	return err
}

// ProvideHTTPServer provides the HTTP server.
func ProvideHTTPServer(i do.Injector) (*HTTPServerHandle, error) {
	cfg := do.MustInvoke[*config.Config](i)
	log := do.MustInvoke[*logger.Logger](i)
	storeHandle := do.MustInvoke[*StoreHandle](i)
	dir := do.MustInvoke[*directory.Directory](i)
	m := do.MustInvoke[*metrics.Metrics](i)

	// Triggers must be subscribed before the first write is accepted.
	_ = do.MustInvoke[*NotifierHandle](i)

	handler := api.NewServer(api.Options{
		Store:          storeHandle.Store,
		Feed:           storeHandle.Feed(),
		Directory:      dir,
		Metrics:        m,
		Logger:         log.Component("api"),
		AllowedOrigins: cfg.Server.AllowedOrigins,
		WriteRate:      cfg.Server.WriteRateLimit,
		WriteBurst:     cfg.Server.WriteBurst,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start in background
	go func() {
		log.Info("HTTP server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server error", "error", err)
		}
	}()

	return &HTTPServerHandle{Server: srv, api: handler, feed: storeHandle.Feed()}, nil
}
