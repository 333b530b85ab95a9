// Package toolqueue moves tool requests between processes over a durable
// Pulse stream. The producer republishes tool.requested events onto the
// queue:tools stream; workers consume it through the shared tool-workers
// sink, which provides consumer-group delivery, explicit acks, and
// redelivery of entries whose worker died mid-request. Delivery is
// at-least-once; the executor's request-ID dedupe makes processing
// effectively once.
package toolqueue

import (
	"context"
	"encoding/json"
	"fmt"

	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	"goa.design/runloop/events"
	"goa.design/runloop/pulseclient"
	"goa.design/runloop/telemetry"
)

const (
	// StreamName is the Pulse stream carrying queued tool requests.
	StreamName = "queue:tools"
	// SinkName is the worker consumer group.
	SinkName = "tool-workers"
)

type (
	// Producer enqueues tool requests. It registers as an event handler in
	// the process that appends tool.requested events.
	Producer struct {
		stream pulseclient.Stream
		logger telemetry.Logger
	}

	// Runner processes one delivered tool request. A nil return acks the
	// delivery; an error leaves it pending for redelivery.
	Runner interface {
		ExecuteRequest(ctx context.Context, ev events.Event) error
	}

	// Consumer pulls queued requests and hands them to a Runner.
	Consumer struct {
		client pulseclient.Client
		runner Runner
		logger telemetry.Logger
		sink   string
	}

	// ConsumerOption configures a Consumer.
	ConsumerOption func(*Consumer)
)

// NewProducer returns a Producer publishing to the queue stream.
func NewProducer(client pulseclient.Client, logger telemetry.Logger) (*Producer, error) {
	stream, err := client.Stream(StreamName)
	if err != nil {
		return nil, fmt.Errorf("open tool queue stream: %w", err)
	}
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Producer{stream: stream, logger: logger}, nil
}

// HandleEvent implements events.Handler: every tool.requested event is
// enqueued for the workers. An enqueue failure is returned so the relay
// leaves the source entry unacked and redelivers it.
func (p *Producer) HandleEvent(ctx context.Context, ev events.Event) error {
	if ev.Type != events.TypeToolRequested {
		return nil
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode queued request: %w", err)
	}
	if _, err := p.stream.Add(ctx, string(ev.Type), payload); err != nil {
		return fmt.Errorf("enqueue tool request: %w", err)
	}
	p.logger.Debug(ctx, "tool request enqueued", "run_id", ev.RunID, "seq", ev.Seq)
	return nil
}

// WithSinkName overrides the consumer group name.
func WithSinkName(name string) ConsumerOption {
	return func(c *Consumer) { c.sink = name }
}

// NewConsumer returns a Consumer feeding runner.
func NewConsumer(client pulseclient.Client, runner Runner, logger telemetry.Logger, opts ...ConsumerOption) *Consumer {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	c := &Consumer{client: client, runner: runner, logger: logger, sink: SinkName}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start joins the worker consumer group and processes deliveries until ctx
// is cancelled. It returns once the sink is open.
func (c *Consumer) Start(ctx context.Context) error {
	stream, err := c.client.Stream(StreamName)
	if err != nil {
		return fmt.Errorf("open tool queue stream: %w", err)
	}
	sink, err := stream.NewSink(ctx, c.sink, streamopts.WithSinkStartAtOldest())
	if err != nil {
		return fmt.Errorf("join worker sink: %w", err)
	}
	go c.consume(ctx, sink)
	return nil
}

func (c *Consumer) consume(ctx context.Context, sink pulseclient.Sink) {
	defer sink.Close(context.Background())
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
		var ev events.Event
		if err := json.Unmarshal(entry.Payload, &ev); err != nil {
			// Malformed entries can never succeed; ack them away.
			c.logger.Error(ctx, "decode queued request", "err", err)
			c.ack(ctx, sink, entry)
			continue
		}
		if err := c.runner.ExecuteRequest(ctx, ev); err != nil {
			c.logger.Error(ctx, "tool request processing failed, leaving for redelivery",
				"run_id", ev.RunID, "err", err)
			continue
		}
		c.ack(ctx, sink, entry)
	}
}

func (c *Consumer) ack(ctx context.Context, sink pulseclient.Sink, entry *streaming.Event) {
	if err := sink.Ack(ctx, entry); err != nil {
		c.logger.Warn(ctx, "ack queued request", "err", err)
	}
}
