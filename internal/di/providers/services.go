package providers

import (
	"context"

	"github.com/samber/do/v2"

	"github.com/listenupapp/cartshare/internal/config"
	"github.com/listenupapp/cartshare/internal/directory"
	"github.com/listenupapp/cartshare/internal/logger"
	"github.com/listenupapp/cartshare/internal/metrics"
	"github.com/listenupapp/cartshare/internal/triggers"
	"github.com/listenupapp/cartshare/internal/validation"
)

// ProvideValidator provides the shared request validator.
func ProvideValidator(i do.Injector) (*validation.Validator, error) {
	return validation.New(), nil
}

// ProvideDirectory provides handle lookup and contacts.
func ProvideDirectory(i do.Injector) (*directory.Directory, error) {
	storeHandle := do.MustInvoke[*StoreHandle](i)
	v := do.MustInvoke[*validation.Validator](i)
	return directory.New(storeHandle.Store, v), nil
}

// NotifierHandle wraps the notification triggers with Shutdownable.
type NotifierHandle struct {
	*triggers.Notifier
}

// Shutdown implements do.Shutdownable.
func (h *NotifierHandle) Shutdown() error {
	h.Stop()
	return nil
}

// ProvideNotifier provides the started notification triggers.
func ProvideNotifier(i do.Injector) (*NotifierHandle, error) {
	cfg := do.MustInvoke[*config.Config](i)
	log := do.MustInvoke[*logger.Logger](i)
	storeHandle := do.MustInvoke[*StoreHandle](i)
	m := do.MustInvoke[*metrics.Metrics](i)

	n := triggers.New(triggers.Config{
		Store:      storeHandle.Store,
		Metrics:    m,
		Logger:     log.Component("triggers"),
		RetryDelay: cfg.Sync.ResubscribeDelay,
	})
	if err := n.Start(context.Background()); err != nil {
		return nil, err
	}

	log.Info("Notification triggers started")

	return &NotifierHandle{Notifier: n}, nil
}
