package otel

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics holds the session instruments.
type Metrics struct {
	FramesReceived     metric.Int64Counter
	FramesSent         metric.Int64Counter
	ConnectAttempts    metric.Int64Counter
	ConnectDuration    metric.Float64Histogram
	Reconnects         metric.Int64Counter
	RejectedTransition metric.Int64Counter
	APIRequests        metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.FramesReceived, err = meter.Int64Counter("lucid.frames.received",
		metric.WithDescription("Inbound frames classified, by frame type"),
	); err != nil {
		return nil, err
	}
	if m.FramesSent, err = meter.Int64Counter("lucid.frames.sent",
		metric.WithDescription("Outbound frames written, by frame type"),
	); err != nil {
		return nil, err
	}
	if m.ConnectAttempts, err = meter.Int64Counter("lucid.connect.attempts",
		metric.WithDescription("Socket dial attempts"),
	); err != nil {
		return nil, err
	}
	if m.ConnectDuration, err = meter.Float64Histogram("lucid.connect.duration",
		metric.WithDescription("Time from dial to open in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.Reconnects, err = meter.Int64Counter("lucid.reconnects",
		metric.WithDescription("Reconnects scheduled after unplanned closes"),
	); err != nil {
		return nil, err
	}
	if m.RejectedTransition, err = meter.Int64Counter("lucid.transitions.rejected",
		metric.WithDescription("State transitions refused by the transition table"),
	); err != nil {
		return nil, err
	}
	if m.APIRequests, err = meter.Int64Counter("lucid.api.requests",
		metric.WithDescription("REST collaborator requests, by endpoint and status"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

// NoopMetrics returns instruments backed by a no-op meter.
func NoopMetrics() *Metrics {
	m, _ := NewMetrics(noop.NewMeterProvider().Meter(MeterName))
	return m
}
