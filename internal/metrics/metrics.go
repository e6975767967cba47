// Package metrics wires OpenTelemetry instruments for the safety path and the
// MeterProvider that exports them over OTLP.
package metrics

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

// #region instruments
// Instruments groups the counters and histograms recorded by the controller.
// A nil *Instruments is valid and records nothing.
type Instruments struct {
	verdicts        metric.Int64Counter
	transitions     metric.Int64Counter
	deadlineMisses  metric.Int64Counter
	shutdownLatency metric.Float64Histogram
}

// New creates the instruments on the given meter.
func New(meter metric.Meter) (*Instruments, error) {
	verdicts, err := meter.Int64Counter("fieldsafe.verdicts",
		metric.WithDescription("Constraint enforcer verdicts by outcome"))
	if err != nil {
		return nil, fmt.Errorf("verdict counter: %w", err)
	}
	transitions, err := meter.Int64Counter("fieldsafe.shutdown.transitions",
		metric.WithDescription("Emergency controller state transitions"))
	if err != nil {
		return nil, fmt.Errorf("transition counter: %w", err)
	}
	misses, err := meter.Int64Counter("fieldsafe.shutdown.deadline_misses",
		metric.WithDescription("Emergency shutdowns that exceeded their deadline"))
	if err != nil {
		return nil, fmt.Errorf("deadline miss counter: %w", err)
	}
	latency, err := meter.Float64Histogram("fieldsafe.shutdown.latency",
		metric.WithDescription("Time from shutdown command to device-off confirmation"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, fmt.Errorf("latency histogram: %w", err)
	}
	return &Instruments{
		verdicts:        verdicts,
		transitions:     transitions,
		deadlineMisses:  misses,
		shutdownLatency: latency,
	}, nil
}

// Verdict counts one enforcer verdict.
func (i *Instruments) Verdict(ctx context.Context, outcome, level string) {
	if i == nil {
		return
	}
	i.verdicts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.String("safety_level", level),
	))
}

// Transition counts one state-machine transition.
func (i *Instruments) Transition(ctx context.Context, from, to string) {
	if i == nil {
		return
	}
	i.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

// Shutdown records a completed emergency shutdown.
func (i *Instruments) Shutdown(ctx context.Context, level string, responseMs float64, success bool) {
	if i == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("safety_level", level))
	i.shutdownLatency.Record(ctx, responseMs, attrs)
	if !success {
		i.deadlineMisses.Add(ctx, 1, attrs)
	}
}

// #endregion instruments

// #region provider
// Provider owns the MeterProvider and its shutdown.
type Provider struct {
	MeterProvider *sdkmetric.MeterProvider
	Shutdown      func(context.Context) error
}

// NewProvider creates a MeterProvider exporting to an OTLP gRPC endpoint. An empty
// endpoint yields a provider without readers.
func NewProvider(ctx context.Context, endpoint, serviceName string) (*Provider, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		mp := sdkmetric.NewMeterProvider()
		return &Provider{MeterProvider: mp, Shutdown: mp.Shutdown}, nil
	}

	if !strings.Contains(endpoint, "://") {
		endpoint = "http://" + endpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid OTLP endpoint %q: %w", endpoint, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid OTLP endpoint %q: missing host", endpoint)
	}

	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(u.Host)}
	if u.Scheme != "https" {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exp, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("otlp metric exporter: %w", err)
	}

	res := resource.NewSchemaless(attribute.String("service.name", serviceName))
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(10*time.Second))),
	)
	return &Provider{MeterProvider: mp, Shutdown: mp.Shutdown}, nil
}

// #endregion provider
