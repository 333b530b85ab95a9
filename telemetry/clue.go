package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"goa.design/clue/log"
)

type (
	// ClueLogger adapts goa.design/clue/log to the Logger interface.
	ClueLogger struct{}

	// ClueMetrics records measurements through an OTEL meter. Instruments are
	// created lazily and cached by name.
	ClueMetrics struct {
		meter metric.Meter

		mu       sync.Mutex
		counters map[string]metric.Float64Counter
		timers   map[string]metric.Float64Histogram
		gauges   map[string]metric.Float64Gauge
	}
)

// NewClueLogger returns a Logger backed by clue's contextual logger. The
// context passed to each log call must carry a clue log context (see
// log.Context).
func NewClueLogger() *ClueLogger { return &ClueLogger{} }

// NewClueMetrics returns a Metrics recorder backed by the given OTEL meter.
func NewClueMetrics(meter metric.Meter) *ClueMetrics {
	return &ClueMetrics{
		meter:    meter,
		counters: make(map[string]metric.Float64Counter),
		timers:   make(map[string]metric.Float64Histogram),
		gauges:   make(map[string]metric.Float64Gauge),
	}
}

// Debug implements Logger.
func (l *ClueLogger) Debug(ctx context.Context, msg string, keyvals ...any) {
	log.Debug(ctx, append([]log.Fielder{log.KV{K: "msg", V: msg}}, kvFields(keyvals)...)...)
}

// Info implements Logger.
func (l *ClueLogger) Info(ctx context.Context, msg string, keyvals ...any) {
	log.Info(ctx, append([]log.Fielder{log.KV{K: "msg", V: msg}}, kvFields(keyvals)...)...)
}

// Warn implements Logger.
func (l *ClueLogger) Warn(ctx context.Context, msg string, keyvals ...any) {
	log.Warn(ctx, append([]log.Fielder{log.KV{K: "msg", V: msg}}, kvFields(keyvals)...)...)
}

// Error implements Logger.
func (l *ClueLogger) Error(ctx context.Context, msg string, keyvals ...any) {
	log.Error(ctx, nil, append([]log.Fielder{log.KV{K: "msg", V: msg}}, kvFields(keyvals)...)...)
}

// kvFields converts alternating key/value pairs into clue fields. A trailing
// key without a value is recorded with a nil value.
func kvFields(keyvals []any) []log.Fielder {
	fields := make([]log.Fielder, 0, (len(keyvals)+1)/2)
	for i := 0; i < len(keyvals); i += 2 {
		key, ok := keyvals[i].(string)
		if !ok {
			continue
		}
		var val any
		if i+1 < len(keyvals) {
			val = keyvals[i+1]
		}
		fields = append(fields, log.KV{K: key, V: val})
	}
	return fields
}

// IncCounter implements Metrics.
func (m *ClueMetrics) IncCounter(name string, value float64, tags ...string) {
	m.mu.Lock()
	counter, ok := m.counters[name]
	if !ok {
		var err error
		counter, err = m.meter.Float64Counter(name)
		if err != nil {
			m.mu.Unlock()
			return
		}
		m.counters[name] = counter
	}
	m.mu.Unlock()
	counter.Add(context.Background(), value, metric.WithAttributes(tagAttrs(tags)...))
}

// RecordTimer implements Metrics.
func (m *ClueMetrics) RecordTimer(name string, duration time.Duration, tags ...string) {
	m.mu.Lock()
	timer, ok := m.timers[name]
	if !ok {
		var err error
		timer, err = m.meter.Float64Histogram(name, metric.WithUnit("ms"))
		if err != nil {
			m.mu.Unlock()
			return
		}
		m.timers[name] = timer
	}
	m.mu.Unlock()
	timer.Record(context.Background(), float64(duration.Milliseconds()), metric.WithAttributes(tagAttrs(tags)...))
}

// RecordGauge implements Metrics.
func (m *ClueMetrics) RecordGauge(name string, value float64, tags ...string) {
	m.mu.Lock()
	gauge, ok := m.gauges[name]
	if !ok {
		var err error
		gauge, err = m.meter.Float64Gauge(name)
		if err != nil {
			m.mu.Unlock()
			return
		}
		m.gauges[name] = gauge
	}
	m.mu.Unlock()
	gauge.Record(context.Background(), value, metric.WithAttributes(tagAttrs(tags)...))
}

func tagAttrs(tags []string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(tags)/2)
	for i := 0; i+1 < len(tags); i += 2 {
		attrs = append(attrs, attribute.String(tags[i], tags[i+1]))
	}
	return attrs
}
