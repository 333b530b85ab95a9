package redislog

import (
	"context"
	"fmt"

	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	"goa.design/runloop/events"
	"goa.design/runloop/pulseclient"
)

// Start launches the handler relay: a consumer on the shared events.all
// stream that feeds registered handlers in per-run sequence order, exactly as
// the local log does inline from Append. It returns once the sink is open;
// the relay stops when ctx is cancelled. Processes that only subscribe to
// individual runs do not need to call Start.
func (l *Log) Start(ctx context.Context) error {
	str, err := l.streams.Stream(allStreamName)
	if err != nil {
		return fmt.Errorf("open shared stream: %w", err)
	}
	sink, err := str.NewSink(ctx, l.sinkName, streamopts.WithSinkStartAtOldest())
	if err != nil {
		return fmt.Errorf("open relay sink: %w", err)
	}
	go l.relay(ctx, sink)
	return nil
}

func (l *Log) relay(ctx context.Context, sink pulseclient.Sink) {
	defer sink.Close(context.Background())
	seqs := make(map[string]*sequencer)
	for {
		var entry *streaming.Event
		select {
		case entry = <-sink.Subscribe():
		case <-ctx.Done():
			return
		}
		if entry == nil {
			return
		}
		ev, err := decodeEntry(entry.Payload)
		if err != nil {
			l.logger.Error(ctx, "relay decode", "err", err)
			l.ackRelay(ctx, sink, entry)
			continue
		}
		if err := l.relayEvent(ctx, seqs, ev); err != nil {
			// Leave the entry unacked so the sink redelivers it once the
			// store is reachable again.
			l.logger.Error(ctx, "relay gap fill", "run_id", ev.RunID, "err", err)
			continue
		}
		l.ackRelay(ctx, sink, entry)
	}
}

// relayEvent folds one notified event into the per-run sequencers and
// dispatches everything that became ready in order.
func (l *Log) relayEvent(ctx context.Context, seqs map[string]*sequencer, ev events.Event) error {
	seq, ok := seqs[ev.RunID]
	if !ok {
		seq = newSequencer(ev.RunID, 0, l.fetchRange)
		seqs[ev.RunID] = seq
	}
	ready, err := seq.next(ctx, ev)
	if err != nil {
		return err
	}
	for _, r := range ready {
		l.dispatch(ctx, r)
		// Finished runs get no further events; dropping the sequencer keeps
		// the relay's footprint bound to live runs. A straggler recreates it
		// and the gap fill re-derives its position.
		if finalEvent(r.Type) {
			delete(seqs, r.RunID)
		}
	}
	return nil
}

// finalEvent reports whether typ is the kind of event a run's stream ends
// with: the terminal run events and the workflow record that trails them.
func finalEvent(typ events.Type) bool {
	switch typ {
	case events.TypeRunCompleted, events.TypeRunFailed,
		events.TypeWorkflowCompleted, events.TypeWorkflowFailed:
		return true
	}
	return false
}

func (l *Log) dispatch(ctx context.Context, ev events.Event) {
	l.hmu.RLock()
	handlers := l.handlers
	l.hmu.RUnlock()
	for _, h := range handlers {
		if err := h.HandleEvent(ctx, ev); err != nil {
			l.logger.Error(ctx, "event handler failed",
				"run_id", ev.RunID, "seq", ev.Seq, "type", string(ev.Type), "err", err)
		}
	}
}

func (l *Log) ackRelay(ctx context.Context, sink pulseclient.Sink, entry *streaming.Event) {
	if err := sink.Ack(ctx, entry); err != nil {
		l.logger.Warn(ctx, "ack relay entry", "err", err)
	}
}
