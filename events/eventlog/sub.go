package eventlog

import (
	"sync"

	"goa.design/runloop/events"
)

// subscription buffers events between the append path and a consumer. The
// append path never blocks on a consumer: pushes go into a bounded pending
// queue and a delivery goroutine drains it into the outbound channel.
type subscription struct {
	cap    int
	onDrop func(*subscription)

	out      chan events.Event
	notify   chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	mu       sync.Mutex
	pending  []events.Event
	closed   bool
	terminal bool
	err      error
}

func newSubscription(cap int, onDrop func(*subscription)) *subscription {
	return &subscription{
		cap:    cap,
		onDrop: onDrop,
		out:    make(chan events.Event),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// preload seeds the queue with the replayed history before registration.
func (s *subscription) preload(history []events.Event) {
	s.pending = append(s.pending, history...)
	for _, ev := range history {
		if events.IsTerminal(ev.Type) {
			s.terminal = true
			break
		}
	}
	s.wake()
}

// push queues a live event. It returns false when the subscriber was dropped
// for falling behind; the caller removes it from the fanout list.
func (s *subscription) push(ev events.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.terminal {
		return false
	}
	if len(s.pending) >= s.cap {
		s.err = events.ErrSlowSubscriber
		s.closed = true
		s.wake()
		return false
	}
	s.pending = append(s.pending, ev)
	if events.IsTerminal(ev.Type) {
		s.terminal = true
	}
	s.wake()
	return true
}

// finished reports whether a terminal event has been queued; the fanout stops
// pushing to finished subscriptions.
func (s *subscription) finished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminal
}

// deliver drains the pending queue into the outbound channel. It exits and
// closes the channel after a terminal event, a Close, or an overflow drop.
func (s *subscription) deliver() {
	defer close(s.out)
	for {
		s.mu.Lock()
		batch := s.pending
		s.pending = nil
		closed := s.closed
		s.mu.Unlock()

		for _, ev := range batch {
			select {
			case s.out <- ev:
			case <-s.done:
				return
			}
			if events.IsTerminal(ev.Type) {
				return
			}
		}
		if closed {
			return
		}
		select {
		case <-s.notify:
		case <-s.done:
			return
		}
	}
}

// Events implements events.Subscription.
func (s *subscription) Events() <-chan events.Event { return s.out }

// Err implements events.Subscription.
func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close implements events.Subscription.
func (s *subscription) Close() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.done)
		if s.onDrop != nil {
			s.onDrop(s)
		}
	})
}

func (s *subscription) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}
