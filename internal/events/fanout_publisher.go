package events

import (
	"context"
	"encoding/json"
	"errors"

	"cafeorders/internal/orders"
)

// EventType is the type tag carried by every status change message.
const EventType = "order.status_changed"

// Broadcaster pushes messages to connected clients.
type Broadcaster interface {
	Broadcast(msg []byte)
}

// Message is the wire form of an order status change.
type Message struct {
	Type string `json:"type"`
	orders.OrderEvent
}

// Encode renders event as a Message.
func Encode(event orders.OrderEvent) ([]byte, error) {
	return json.Marshal(Message{Type: EventType, OrderEvent: event})
}

// FanoutPublisher forwards events to every sink then broadcasts them.
type FanoutPublisher struct {
	sinks       []orders.EventPublisher
	broadcaster Broadcaster
}

// NewFanoutPublisher constructs a publisher that fans out to sinks and the broadcaster.
// Nil sinks are skipped.
func NewFanoutPublisher(broadcaster Broadcaster, sinks ...orders.EventPublisher) *FanoutPublisher {
	kept := make([]orders.EventPublisher, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			kept = append(kept, s)
		}
	}
	return &FanoutPublisher{sinks: kept, broadcaster: broadcaster}
}

// Publish writes to every sink, broadcasts the event, and joins the sink errors.
// A failing sink does not stop the others.
func (p *FanoutPublisher) Publish(ctx context.Context, event orders.OrderEvent) error {
	var errs []error
	for _, sink := range p.sinks {
		if err := sink.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}

	if p.broadcaster != nil {
		data, err := Encode(event)
		if err != nil {
			return errors.Join(append(errs, err)...)
		}
		p.broadcaster.Broadcast(data)
	}

	return errors.Join(errs...)
}
