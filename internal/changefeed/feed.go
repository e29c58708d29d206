// Package changefeed fans committed row changes out to live subscribers.
package changefeed

import (
	"iter"
	"log/slog"
	"sync"
	"time"

	domainerrors "github.com/listenupapp/cartshare/internal/errors"
	"github.com/listenupapp/cartshare/internal/id"
	"github.com/listenupapp/cartshare/internal/logger"
	"github.com/listenupapp/cartshare/internal/metrics"
	"github.com/listenupapp/cartshare/internal/rowstore"
)

// DefaultBuffer is the per-subscriber event buffer.
const DefaultBuffer = 256

// ErrLagged is the status error reported to a subscriber that fell behind.
var ErrLagged = domainerrors.Unavailable("subscriber fell behind the change feed")

// Client is one registered subscriber.
type Client struct {
	ConnectedAt time.Time
	Events      chan rowstore.Change
	Done        chan struct{}
	ID          string
	Collection  rowstore.Collection
	Filter      rowstore.Filter

	once   sync.Once
	status rowstore.SubscriptionStatus
	err    error
}

// Status reports why the client was closed. It is empty while the client is
// open and after a plain Disconnect.
func (c *Client) Status() (rowstore.SubscriptionStatus, error) {
	select {
	case <-c.Done:
		return c.status, c.err
	default:
		return "", nil
	}
}

func (c *Client) close(status rowstore.SubscriptionStatus, err error) bool {
	closed := false
	c.once.Do(func() {
		c.status = status
		c.err = err
		close(c.Done)
		closed = true
	})
	return closed
}

// Feed tracks subscribers and fans out changes to them.
type Feed struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
	buffer  int

	mu       sync.RWMutex
	clients  map[string]*Client
	shutdown bool
}

// Option configures a Feed.
type Option func(*Feed)

// WithBuffer sets the per-subscriber buffer.
func WithBuffer(n int) Option {
	return func(f *Feed) {
		if n > 0 {
			f.buffer = n
		}
	}
}

// WithMetrics records subscriber counts and lag.
func WithMetrics(m *metrics.Metrics) Option {
	return func(f *Feed) { f.metrics = m }
}

// New creates a Feed.
func New(log *slog.Logger, opts ...Option) *Feed {
	f := &Feed{
		logger:  logger.OrDiscard(log),
		buffer:  DefaultBuffer,
		clients: make(map[string]*Client),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Connect registers a subscriber for changes on collection matching filter.
func (f *Feed) Connect(collection rowstore.Collection, filter rowstore.Filter) (*Client, error) {
	if !collection.Valid() {
		return nil, domainerrors.Invalidf("unknown collection %q", collection)
	}

	client := &Client{
		ID:          id.Handle(),
		Collection:  collection,
		Filter:      filter,
		Events:      make(chan rowstore.Change, f.buffer),
		Done:        make(chan struct{}),
		ConnectedAt: time.Now(),
	}

	f.mu.Lock()
	if f.shutdown {
		f.mu.Unlock()
		return nil, domainerrors.Unavailable("change feed is shut down")
	}
	f.clients[client.ID] = client
	total := len(f.clients)
	f.mu.Unlock()

	f.metrics.SetSubscribers(total)
	f.logger.Debug("feed subscriber connected",
		slog.String("subscriber_id", client.ID),
		slog.String("collection", string(collection)),
		slog.String("filter", filter.String()),
		slog.Int("total_subscribers", total))
	return client, nil
}

// Disconnect removes a subscriber without reporting a status to it.
func (f *Feed) Disconnect(clientID string) {
	f.remove(clientID, "", nil)
}

// Publish hands a committed change to every matching subscriber. It never
// blocks: a subscriber whose buffer is full is closed with StatusError.
// Callers publish in commit order.
func (f *Feed) Publish(change rowstore.Change) {
	f.metrics.ChangePublished(string(change.Collection), string(change.Kind))

	var lagged []*Client
	delivered := 0

	f.mu.RLock()
	for _, client := range f.clients {
		if client.Collection != change.Collection || !matches(client.Filter, change) {
			continue
		}
		select {
		case client.Events <- change:
			delivered++
		default:
			lagged = append(lagged, client)
		}
	}
	f.mu.RUnlock()

	for _, client := range lagged {
		f.logger.Warn("closing lagging feed subscriber",
			slog.String("subscriber_id", client.ID),
			slog.String("collection", string(client.Collection)))
		f.metrics.SubscriberLagged(string(client.Collection))
		f.remove(client.ID, rowstore.StatusError, ErrLagged)
	}

	f.logger.Debug("change published",
		slog.String("collection", string(change.Collection)),
		slog.String("kind", string(change.Kind)),
		slog.String("row_id", change.Row().ID()),
		slog.Group("stats",
			slog.Int("delivered", delivered),
			slog.Int("lagged", len(lagged))))
}

// Shutdown closes every subscriber with StatusClosed and refuses new ones.
func (f *Feed) Shutdown() {
	f.mu.Lock()
	f.shutdown = true
	clients := f.clients
	f.clients = make(map[string]*Client)
	f.mu.Unlock()

	for _, client := range clients {
		client.close(rowstore.StatusClosed, nil)
	}
	f.metrics.SetSubscribers(0)
	f.logger.Info("change feed shut down", slog.Int("closed_subscribers", len(clients)))
}

// Clients returns an iterator over connected subscribers.
func (f *Feed) Clients() iter.Seq[*Client] {
	return func(yield func(*Client) bool) {
		f.mu.RLock()
		defer f.mu.RUnlock()

		for _, client := range f.clients {
			if !yield(client) {
				return
			}
		}
	}
}

// ClientCount returns the number of connected subscribers.
func (f *Feed) ClientCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.clients)
}

func (f *Feed) remove(clientID string, status rowstore.SubscriptionStatus, err error) {
	f.mu.Lock()
	client, ok := f.clients[clientID]
	if !ok {
		f.mu.Unlock()
		return
	}
	delete(f.clients, clientID)
	total := len(f.clients)
	f.mu.Unlock()

	client.close(status, err)
	f.metrics.SetSubscribers(total)
	f.logger.Debug("feed subscriber disconnected",
		slog.String("subscriber_id", clientID),
		slog.Duration("duration", time.Since(client.ConnectedAt)),
		slog.Int("total_subscribers", total))
}

// matches reports whether either image of the change satisfies filter, so a
// row that moves out of a filter still reaches the subscriber once.
func matches(filter rowstore.Filter, change rowstore.Change) bool {
	if change.After != nil && filter.Matches(change.After) {
		return true
	}
	return change.Before != nil && filter.Matches(change.Before)
}
