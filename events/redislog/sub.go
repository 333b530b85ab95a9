package redislog

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"goa.design/pulse/streaming"

	"goa.design/runloop/events"
	"goa.design/runloop/pulseclient"
)

// sequencer restores per-run sequence order over the notify stream. Stream
// entries can arrive slightly out of order when writers race between persist
// and notify; the persisted list is authoritative, so gaps are filled from it
// and anything at or below the last delivered sequence is dropped as a
// duplicate.
type sequencer struct {
	runID  string
	last   int64
	parked map[int64]events.Event
	fetch  func(ctx context.Context, runID string, from, to int64) ([]events.Event, error)
}

func newSequencer(runID string, last int64, fetch func(context.Context, string, int64, int64) ([]events.Event, error)) *sequencer {
	return &sequencer{runID: runID, last: last, parked: make(map[int64]events.Event), fetch: fetch}
}

// next absorbs one incoming event and returns the events now deliverable in
// order. An out-of-order arrival triggers a list read for the missing range.
func (s *sequencer) next(ctx context.Context, ev events.Event) ([]events.Event, error) {
	if ev.Seq <= s.last {
		return nil, nil
	}
	s.parked[ev.Seq] = ev
	if ev.Seq > s.last+1 {
		missing, err := s.fetch(ctx, s.runID, s.last+1, ev.Seq-1)
		if err != nil {
			return nil, err
		}
		for _, m := range missing {
			if m.Seq > s.last {
				s.parked[m.Seq] = m
			}
		}
	}
	var ready []events.Event
	for {
		nxt, ok := s.parked[s.last+1]
		if !ok {
			break
		}
		delete(s.parked, s.last+1)
		ready = append(ready, nxt)
		s.last++
	}
	return ready, nil
}

// subscription tails one run's notify stream after replaying its history.
type subscription struct {
	log   *Log
	runID string
	sink  pulseclient.Sink
	out   chan events.Event
	done  chan struct{}
	once  sync.Once

	mu  sync.Mutex
	err error
}

func newSubscription(l *Log, runID string, sink pulseclient.Sink, buffer int) *subscription {
	return &subscription{
		log:   l,
		runID: runID,
		sink:  sink,
		out:   make(chan events.Event, buffer),
		done:  make(chan struct{}),
	}
}

func (s *subscription) run(ctx context.Context, history []events.Event) {
	defer close(s.out)
	defer s.sink.Close(context.Background())

	var last int64
	for _, ev := range history {
		if !s.send(ctx, ev) {
			return
		}
		last = ev.Seq
		if events.IsTerminal(ev.Type) {
			return
		}
	}

	seq := newSequencer(s.runID, last, s.log.fetchRange)
	for {
		var entry *streaming.Event
		select {
		case entry = <-s.sink.Subscribe():
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}
		if entry == nil {
			return
		}
		ev, err := decodeEntry(entry.Payload)
		if err != nil {
			s.log.logger.Error(ctx, "decode stream entry", "run_id", s.runID, "err", err)
			s.ack(ctx, entry)
			continue
		}
		ready, err := seq.next(ctx, ev)
		if err != nil {
			s.fail(err)
			return
		}
		s.ack(ctx, entry)
		for _, r := range ready {
			if !s.send(ctx, r) {
				return
			}
			if events.IsTerminal(r.Type) {
				return
			}
		}
	}
}

func (s *subscription) send(ctx context.Context, ev events.Event) bool {
	select {
	case s.out <- ev:
		return true
	case <-s.done:
		return false
	case <-ctx.Done():
		return false
	}
}

func (s *subscription) ack(ctx context.Context, entry *streaming.Event) {
	if err := s.sink.Ack(ctx, entry); err != nil {
		s.log.logger.Warn(ctx, "ack stream entry", "run_id", s.runID, "err", err)
	}
}

func (s *subscription) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
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
	s.once.Do(func() { close(s.done) })
}

func decodeEntry(payload []byte) (events.Event, error) {
	var ev events.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return events.Event{}, err
	}
	return ev, nil
}

// subscriberSinkName returns a fresh consumer-group name so every subscriber
// observes the full stream rather than sharing deliveries with others.
func subscriberSinkName() string {
	return "sub-" + uuid.NewString()
}
