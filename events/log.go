package events

import (
	"context"
	"errors"
)

var (
	// ErrStoreUnavailable reports that the backing store rejected a write or
	// read. Appends that fail with it are never broadcast.
	ErrStoreUnavailable = errors.New("event store unavailable")

	// ErrSlowSubscriber reports that a subscription fell too far behind and
	// was dropped by the bus.
	ErrSlowSubscriber = errors.New("subscriber queue overflow")
)

type (
	// Log is the append-only per-run event log with persist-first broadcast.
	// Append assigns the next sequence number, persists the event, then
	// notifies handlers and subscriptions. Broadcast failures never fail the
	// append.
	Log interface {
		// Append persists an event for runID and returns it with its
		// assigned sequence number. Returns ErrStoreUnavailable when the
		// event could not be made durable.
		Append(ctx context.Context, runID string, typ Type, data map[string]any) (Event, error)
		// History returns all persisted events for runID in sequence order.
		History(ctx context.Context, runID string) ([]Event, error)
		// Subscribe returns a subscription that replays runID's history and
		// then tails new events without gaps or duplicates. The subscription
		// ends after a terminal run event.
		Subscribe(ctx context.Context, runID string) (Subscription, error)
	}

	// Subscription delivers events for one run in sequence order.
	Subscription interface {
		// Events returns the delivery channel. It is closed when the run
		// reaches a terminal event, the subscription is closed, or the bus
		// drops the subscriber.
		Events() <-chan Event
		// Err reports why the channel closed. It returns nil after a normal
		// end and ErrSlowSubscriber after an overflow drop.
		Err() error
		// Close releases the subscription.
		Close()
	}

	// Handler observes every appended event synchronously on the append
	// path, after the event is durable. Handlers run in registration order;
	// a handler error is logged and does not fail the append or stop later
	// handlers.
	Handler interface {
		HandleEvent(ctx context.Context, ev Event) error
	}

	// HandlerFunc adapts a function to the Handler interface.
	HandlerFunc func(ctx context.Context, ev Event) error

	// Dispatcher registers synchronous handlers on the append path. Both log
	// implementations are dispatchers: the local log invokes handlers inline
	// from Append, the Redis log invokes them from its stream relay.
	Dispatcher interface {
		Register(h Handler)
	}
)

// HandleEvent implements Handler.
func (f HandlerFunc) HandleEvent(ctx context.Context, ev Event) error { return f(ctx, ev) }
