// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/absmach/courier/config"
)

// Export tuning. The OTLP endpoint is cfg.MetricsAddr for both signals.
const (
	exportTimeout  = 30 * time.Second
	metricInterval = 10 * time.Second
	spanBatchSize  = 512
	spanBatchDelay = 5 * time.Second
)

// InitProvider installs the global OpenTelemetry providers for a courier
// node. Traces get a noop provider when disabled, so instrumented code
// pays nothing. The returned function flushes and stops the exporters.
func InitProvider(cfg config.ServerConfig, nodeID string) (func(context.Context) error, error) {
	ctx := context.Background()

	res, err := nodeResource(ctx, cfg, nodeID)
	if err != nil {
		return nil, fmt.Errorf("build otel resource: %w", err)
	}

	var down []func(context.Context) error
	shutdown := func(ctx context.Context) error {
		var errs []error
		for _, fn := range down {
			errs = append(errs, fn(ctx))
		}
		return errors.Join(errs...)
	}

	if cfg.OtelTracesEnabled {
		tp, err := newTracerProvider(ctx, cfg, res)
		if err != nil {
			return nil, fmt.Errorf("init tracer provider: %w", err)
		}
		otel.SetTracerProvider(tp)
		down = append(down, tp.Shutdown)
	} else {
		otel.SetTracerProvider(tracenoop.NewTracerProvider())
	}

	if cfg.OtelMetricsEnabled {
		mp, err := newMeterProvider(ctx, cfg, res)
		if err != nil {
			_ = shutdown(ctx)
			return nil, fmt.Errorf("init meter provider: %w", err)
		}
		otel.SetMeterProvider(mp)
		down = append(down, mp.Shutdown)
	}

	return shutdown, nil
}

// nodeResource identifies this courier node in exported telemetry.
func nodeResource(ctx context.Context, cfg config.ServerConfig, nodeID string) (*resource.Resource, error) {
	return resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.OtelServiceName),
			semconv.ServiceVersionKey.String(cfg.OtelServiceVersion),
			semconv.ServiceInstanceIDKey.String(nodeID),
		),
	)
}

func newTracerProvider(ctx context.Context, cfg config.ServerConfig, res *resource.Resource) (*trace.TracerProvider, error) {
	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.MetricsAddr),
		otlptracegrpc.WithInsecure(), // TODO: TLS for the OTLP endpoint
		otlptracegrpc.WithTimeout(exportTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}

	return trace.NewTracerProvider(
		trace.WithResource(res),
		trace.WithSampler(trace.ParentBased(trace.TraceIDRatioBased(cfg.OtelTraceSampleRate))),
		trace.WithBatcher(exporter,
			trace.WithMaxExportBatchSize(spanBatchSize),
			trace.WithBatchTimeout(spanBatchDelay),
		),
	), nil
}

func newMeterProvider(ctx context.Context, cfg config.ServerConfig, res *resource.Resource) (*metric.MeterProvider, error) {
	exporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(cfg.MetricsAddr),
		otlpmetricgrpc.WithInsecure(), // TODO: TLS for the OTLP endpoint
		otlpmetricgrpc.WithTimeout(exportTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("create metric exporter: %w", err)
	}

	return metric.NewMeterProvider(
		metric.WithResource(res),
		metric.WithReader(metric.NewPeriodicReader(exporter,
			metric.WithInterval(metricInterval),
		)),
	), nil
}
