package changefeed

import (
	"github.com/listenupapp/cartshare/internal/rowstore"
)

// Subscription is a feed client driven by its own delivery goroutine.
type Subscription struct {
	client *Client
}

// ID returns the subscriber id.
func (s *Subscription) ID() string { return s.client.ID }

// Collection returns the subscribed collection.
func (s *Subscription) Collection() rowstore.Collection { return s.client.Collection }

// Subscribe connects a subscriber and delivers to h from a dedicated
// goroutine: StatusSubscribed first, then changes in publish order, then a
// terminal status if the feed closes the subscriber.
func (f *Feed) Subscribe(collection rowstore.Collection, filter rowstore.Filter, h rowstore.Handler) (*Subscription, error) {
	client, err := f.Connect(collection, filter)
	if err != nil {
		return nil, err
	}
	go pump(client, h)
	return &Subscription{client: client}, nil
}

// Unsubscribe stops delivery. It does not wait for a callback already in
// progress, so it is safe to call from inside one.
func (f *Feed) Unsubscribe(sub rowstore.Subscription) error {
	if sub != nil {
		f.Disconnect(sub.ID())
	}
	return nil
}

func pump(c *Client, h rowstore.Handler) {
	h.Signal(rowstore.StatusSubscribed, nil)
	for {
		select {
		case <-c.Done:
			finish(c, h)
			return
		case change := <-c.Events:
			select {
			case <-c.Done:
				finish(c, h)
				return
			default:
			}
			h.Deliver(change)
		}
	}
}

func finish(c *Client, h rowstore.Handler) {
	if status, err := c.Status(); status != "" {
		h.Signal(status, err)
	}
}
