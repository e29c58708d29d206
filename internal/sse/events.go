// Package sse streams row change events to clients over Server-Sent Events.
package sse

import (
	"time"

	"github.com/listenupapp/cartshare/internal/rowstore"
)

// EventType is the SSE "event:" field.
type EventType string

const (
	// EventConnected is the first event on every stream; the subscription is live.
	EventConnected EventType = "connected"
	// EventChange carries one committed row change.
	EventChange EventType = "change"
	// EventHeartbeat keeps idle connections open.
	EventHeartbeat EventType = "heartbeat"
	// EventClosed is the last event when the server ends the subscription.
	EventClosed EventType = "closed"
)

// Event is the JSON payload of every SSE message.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
	Type      EventType `json:"type"`
}

// ConnectedEventData is the payload of EventConnected.
type ConnectedEventData struct {
	SubscriptionID string              `json:"subscription_id"`
	Collection     rowstore.Collection `json:"collection"`
}

// HeartbeatEventData is the payload of EventHeartbeat.
type HeartbeatEventData struct {
	ServerTime time.Time `json:"server_time"`
}

// ClosedEventData is the payload of EventClosed.
type ClosedEventData struct {
	Status rowstore.SubscriptionStatus `json:"status"`
	Error  string                      `json:"error,omitempty"`
}

// NewConnectedEvent creates a connected event.
func NewConnectedEvent(subscriptionID string, collection rowstore.Collection) Event {
	return Event{
		Type:      EventConnected,
		Data:      ConnectedEventData{SubscriptionID: subscriptionID, Collection: collection},
		Timestamp: time.Now(),
	}
}

// NewChangeEvent creates a change event.
func NewChangeEvent(change rowstore.Change) Event {
	return Event{Type: EventChange, Data: change, Timestamp: time.Now()}
}

// NewHeartbeatEvent creates a heartbeat event.
func NewHeartbeatEvent() Event {
	now := time.Now()
	return Event{
		Type:      EventHeartbeat,
		Data:      HeartbeatEventData{ServerTime: now},
		Timestamp: now,
	}
}

// NewClosedEvent creates a closed event.
func NewClosedEvent(status rowstore.SubscriptionStatus, err error) Event {
	data := ClosedEventData{Status: status}
	if err != nil {
		data.Error = err.Error()
	}
	return Event{Type: EventClosed, Data: data, Timestamp: time.Now()}
}
