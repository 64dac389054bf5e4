package ra

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type coordinatorMetrics struct {
	requests     metric.Int64Counter
	waitDuration metric.Int64Histogram
	holdDuration metric.Int64Histogram
	received     metric.Int64Counter
	sent         metric.Int64Counter
	deferred     metric.Int64UpDownCounter
	state        metric.Int64ObservableGauge
	registration metric.Registration
}

func newCoordinatorMetrics(logger pslog.Logger, c *Coordinator) *coordinatorMetrics {
	meter := otel.Meter("pkt.systems/ramutex/ra")
	m := &coordinatorMetrics{}
	var err error

	m.requests, err = meter.Int64Counter(
		"ramutex.cs.request",
		metric.WithDescription("Critical section requests"),
	)
	logMetricInitError(logger, "ramutex.cs.request", err)

	m.waitDuration, err = meter.Int64Histogram(
		"ramutex.cs.wait.duration_ms",
		metric.WithDescription("Time spent in WANTED before entering the critical section"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "ramutex.cs.wait.duration_ms", err)

	m.holdDuration, err = meter.Int64Histogram(
		"ramutex.cs.hold.duration_ms",
		metric.WithDescription("Time spent in HELD"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "ramutex.cs.hold.duration_ms", err)

	m.received, err = meter.Int64Counter(
		"ramutex.message.received",
		metric.WithDescription("Protocol messages delivered to the coordinator"),
	)
	logMetricInitError(logger, "ramutex.message.received", err)

	m.sent, err = meter.Int64Counter(
		"ramutex.message.sent",
		metric.WithDescription("Protocol messages handed to the transport"),
	)
	logMetricInitError(logger, "ramutex.message.sent", err)

	m.deferred, err = meter.Int64UpDownCounter(
		"ramutex.reply.deferred",
		metric.WithDescription("Replies currently withheld from peers"),
	)
	logMetricInitError(logger, "ramutex.reply.deferred", err)

	m.state, err = meter.Int64ObservableGauge(
		"ramutex.state",
		metric.WithDescription("Coordinator state (0 released, 1 wanted, 2 held)"),
	)
	logMetricInitError(logger, "ramutex.state", err)

	if m.state != nil && c != nil {
		reg, err := meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
			o.ObserveInt64(m.state, int64(c.State()))
			return nil
		}, m.state)
		if err != nil && logger != nil {
			logger.Warn("telemetry.metric.callback_failed", "name", "ramutex.state", "error", err)
		}
		m.registration = reg
	}
	return m
}

func (m *coordinatorMetrics) close() {
	if m == nil || m.registration == nil {
		return
	}
	_ = m.registration.Unregister()
	m.registration = nil
}

func (m *coordinatorMetrics) recordRequest(ctx context.Context, wait, hold time.Duration, err error) {
	if m == nil {
		return
	}
	ctx = metricContext(ctx)
	attrs := metric.WithAttributes(attribute.String("ramutex.result", metricResultLabel(err)))
	if m.requests != nil {
		m.requests.Add(ctx, 1, attrs)
	}
	if wait > 0 && m.waitDuration != nil {
		m.waitDuration.Record(ctx, wait.Milliseconds(), attrs)
	}
	if hold > 0 && m.holdDuration != nil {
		m.holdDuration.Record(ctx, hold.Milliseconds(), attrs)
	}
}

func (m *coordinatorMetrics) recordReceived(ctx context.Context, kind Kind, outcome string) {
	if m == nil || m.received == nil {
		return
	}
	m.received.Add(metricContext(ctx), 1, metric.WithAttributes(
		attribute.String("ramutex.message.kind", kind.String()),
		attribute.String("ramutex.message.outcome", outcome),
	))
}

func (m *coordinatorMetrics) recordSent(ctx context.Context, kind Kind, err error) {
	if m == nil || m.sent == nil {
		return
	}
	m.sent.Add(metricContext(ctx), 1, metric.WithAttributes(
		attribute.String("ramutex.message.kind", kind.String()),
		attribute.String("ramutex.result", metricResultLabel(err)),
	))
}

func (m *coordinatorMetrics) addDeferred(ctx context.Context, delta int64) {
	if m == nil || m.deferred == nil || delta == 0 {
		return
	}
	m.deferred.Add(metricContext(ctx), delta)
}

func metricResultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrProtocolMisuse):
		return "misuse"
	case errors.Is(err, ErrClosed):
		return "closed"
	case errors.Is(err, ErrDelivery):
		return "delivery_error"
	default:
		return "error"
	}
}

func metricContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
