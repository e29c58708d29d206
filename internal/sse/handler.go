package sse

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/listenupapp/cartshare/internal/changefeed"
	domainerrors "github.com/listenupapp/cartshare/internal/errors"
	"github.com/listenupapp/cartshare/internal/logger"
	"github.com/listenupapp/cartshare/internal/rowstore"
)

// DefaultHeartbeat is the keepalive interval.
const DefaultHeartbeat = 30 * time.Second

const writeTimeout = 60 * time.Second

// Authorizer decides whether the caller may watch collection through filter.
type Authorizer func(r *http.Request, collection rowstore.Collection, filter rowstore.Filter) error

// Handler serves GET /api/v1/rows/{collection}/stream?filter=<json>.
type Handler struct {
	feed      *changefeed.Feed
	logger    *slog.Logger
	authorize Authorizer
	heartbeat time.Duration
}

// Option configures a Handler.
type Option func(*Handler)

// WithAuthorizer installs the access check run before a stream opens.
func WithAuthorizer(fn Authorizer) Option {
	return func(h *Handler) { h.authorize = fn }
}

// WithHeartbeat overrides the keepalive interval.
func WithHeartbeat(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.heartbeat = d
		}
	}
}

// NewHandler creates a new SSE Handler.
func NewHandler(feed *changefeed.Feed, log *slog.Logger, opts ...Option) *Handler {
	h := &Handler{
		feed:      feed,
		logger:    logger.OrDiscard(log),
		heartbeat: DefaultHeartbeat,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ServeHTTP handles the SSE connection.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Early client disconnect.
	if r.Context().Err() != nil {
		return
	}

	collection := rowstore.Collection(chi.URLParam(r, "collection"))
	if !collection.Valid() {
		http.Error(w, fmt.Sprintf("unknown collection %q", collection), http.StatusNotFound)
		return
	}
	filter, err := rowstore.ParseFilter(r.URL.Query().Get("filter"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if h.authorize != nil {
		if err := h.authorize(r, collection, filter); err != nil {
			http.Error(w, err.Error(), domainerrors.CodeOf(err).HTTPStatus())
			return
		}
	}

	client, err := h.feed.Connect(collection, filter)
	if err != nil {
		h.logger.Error("failed to register stream subscriber", slog.String("error", err.Error()))
		http.Error(w, "Failed to establish connection", http.StatusServiceUnavailable)
		return
	}
	defer h.feed.Disconnect(client.ID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	rc := http.NewResponseController(w)
	clientLogger := h.logger.With(
		slog.String("subscription_id", client.ID),
		slog.String("collection", string(collection)))

	if err := h.sendEvent(w, rc, NewConnectedEvent(client.ID, collection)); err != nil {
		clientLogger.Warn("failed to send initial connection message", slog.String("error", err.Error()))
		return
	}

	heartbeatTicker := time.NewTicker(h.heartbeat)
	defer heartbeatTicker.Stop()

	ctx := r.Context()
	for {
		select {
		case change := <-client.Events:
			if err := h.sendEvent(w, rc, NewChangeEvent(change)); err != nil {
				clientLogger.Info("client disconnected during send")
				return
			}

		case <-heartbeatTicker.C:
			if err := h.sendEvent(w, rc, NewHeartbeatEvent()); err != nil {
				clientLogger.Info("client disconnected during heartbeat")
				return
			}

		case <-client.Done:
			status, statusErr := client.Status()
			if status == "" {
				status = rowstore.StatusClosed
			}
			_ = h.sendEvent(w, rc, NewClosedEvent(status, statusErr))
			clientLogger.Info("stream closed by feed", slog.String("status", string(status)))
			return

		case <-ctx.Done():
			clientLogger.Debug("client context canceled")
			return
		}
	}
}

// sendEvent writes one SSE message and flushes it.
func (h *Handler) sendEvent(w http.ResponseWriter, rc *http.ResponseController, event Event) error {
	jsonData, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}

	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, jsonData); err != nil {
		return err
	}
	if err := rc.Flush(); err != nil {
		return err
	}

	// Reset after each successful write so hung connections time out.
	if err := rc.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		h.logger.Debug("failed to set write deadline", slog.String("error", err.Error()))
	}
	return nil
}
