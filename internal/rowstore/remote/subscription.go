package remote

import (
	"context"
	"errors"
	"io"
	"net/http"

	domainerrors "github.com/listenupapp/cartshare/internal/errors"
	"github.com/listenupapp/cartshare/internal/id"
	"github.com/listenupapp/cartshare/internal/rowstore"
	"github.com/listenupapp/cartshare/internal/sse"
)

type subscription struct {
	id         string
	collection rowstore.Collection
	cancel     context.CancelFunc
}

func (s *subscription) ID() string                      { return s.id }
func (s *subscription) Collection() rowstore.Collection { return s.collection }

// Subscribe implements rowstore.Client. The stream opens in the background;
// StatusSubscribed arrives once the server confirms it. ctx scopes the
// stream's values but not its lifetime; Unsubscribe ends it.
func (c *Client) Subscribe(ctx context.Context, collection rowstore.Collection, filter rowstore.Filter, h rowstore.Handler) (rowstore.Subscription, error) {
	query, err := filterValues(filter)
	if err != nil {
		return nil, err
	}

	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	req, err := c.newRequest(streamCtx, http.MethodGet, rowsPath(collection)+"/stream", query, nil)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	sub := &subscription{
		id:         id.Handle(),
		collection: collection,
		cancel:     cancel,
	}

	c.mu.Lock()
	c.subs[sub.id] = sub
	c.mu.Unlock()

	go c.run(streamCtx, sub, req, h)

	return sub, nil
}

// Unsubscribe implements rowstore.Client. It does not wait for the stream
// goroutine; no callback runs after it returns unless one was in flight.
func (c *Client) Unsubscribe(handle rowstore.Subscription) error {
	sub, ok := handle.(*subscription)
	if !ok {
		return domainerrors.Invalid("subscription was not created by this client")
	}

	c.mu.Lock()
	delete(c.subs, sub.id)
	c.mu.Unlock()

	sub.cancel()
	return nil
}

// run owns the stream for its whole life and serializes every callback.
func (c *Client) run(ctx context.Context, sub *subscription, req *http.Request, h rowstore.Handler) {
	defer c.forget(sub)

	log := c.logger.With("subscription", sub.id, "collection", sub.collection)

	signal := func(status rowstore.SubscriptionStatus, err error) {
		if ctx.Err() == nil {
			h.Signal(status, err)
		}
	}

	resp, err := c.stream.Do(req)
	if err != nil {
		signal(rowstore.StatusError, transportError(ctx, err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		signal(rowstore.StatusError, responseError(resp))
		return
	}

	reader := sse.NewReader(resp.Body)
	for {
		msg, err := reader.Next()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, io.EOF) {
				err = domainerrors.Unavailable("stream ended")
			} else {
				err = domainerrors.Wrap(err, domainerrors.CodeUnavailable, "stream broken")
			}
			log.Debug("stream ended", "error", err)
			signal(rowstore.StatusError, err)
			return
		}
		if ctx.Err() != nil {
			return
		}

		switch sse.EventType(msg.Event) {
		case sse.EventConnected:
			var data sse.ConnectedEventData
			if _, err := msg.Decode(&data); err != nil {
				signal(rowstore.StatusError, domainerrors.Wrap(err, domainerrors.CodeInternal, "bad connected event"))
				return
			}
			log.Debug("stream connected", "server_subscription", data.SubscriptionID)
			signal(rowstore.StatusSubscribed, nil)

		case sse.EventChange:
			var change rowstore.Change
			if _, err := msg.Decode(&change); err != nil {
				log.Warn("dropping undecodable change", "error", err)
				continue
			}
			h.Deliver(change)

		case sse.EventClosed:
			var data sse.ClosedEventData
			_, _ = msg.Decode(&data)
			status, err := closedStatus(data)
			signal(status, err)
			return

		default:
			// heartbeat and unknown events keep the connection alive only.
		}
	}
}

func (c *Client) forget(sub *subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subs[sub.id] == sub {
		delete(c.subs, sub.id)
	}
}

func closedStatus(data sse.ClosedEventData) (rowstore.SubscriptionStatus, error) {
	if data.Status == rowstore.StatusError {
		msg := data.Error
		if msg == "" {
			msg = "server closed the subscription"
		}
		return rowstore.StatusError, domainerrors.Unavailable(msg)
	}
	return rowstore.StatusClosed, nil
}
