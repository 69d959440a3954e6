package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/theblitlabs/parity-fedsync/pkg/logger"
)

// Config selects where spans and OTel metrics are exported.
type Config struct {
	Enabled         bool          `mapstructure:"ENABLED"`
	ServiceName     string        `mapstructure:"SERVICE_NAME"`
	CollectorAddr   string        `mapstructure:"COLLECTOR_ADDR"`
	MetricsInterval time.Duration `mapstructure:"METRICS_INTERVAL"`
}

// Shutdown flushes and stops the exporters.
type Shutdown func(context.Context) error

func noop(context.Context) error { return nil }

// Init installs global tracer and meter providers exporting over OTLP/gRPC.
// When disabled, or when the collector cannot be reached, the no-op providers
// stay in place and the process runs without telemetry.
func Init(ctx context.Context, cfg Config) (Shutdown, error) {
	if !cfg.Enabled {
		return noop, nil
	}
	log := logger.WithComponent("telemetry")

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	conn, err := grpc.DialContext(dialCtx, cfg.CollectorAddr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		log.Warn().Err(err).Str("collector", cfg.CollectorAddr).Msg("Collector unreachable, continuing without telemetry")
		return noop, nil
	}

	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create trace exporter")
		conn.Close()
		return noop, nil
	}
	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	metricExporter, err := otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithGRPCConn(conn))
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create metric exporter")
		_ = tracerProvider.Shutdown(ctx)
		conn.Close()
		return noop, nil
	}
	interval := cfg.MetricsInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(interval))),
	)
	otel.SetMeterProvider(meterProvider)

	log.Info().Str("collector", cfg.CollectorAddr).Str("service", cfg.ServiceName).Msg("Telemetry enabled")

	return func(ctx context.Context) error {
		cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		var errs []error
		if err := tracerProvider.Shutdown(cctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown tracer provider: %w", err))
		}
		if err := meterProvider.Shutdown(cctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown meter provider: %w", err))
		}
		if err := conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close gRPC connection: %w", err))
		}
		return errors.Join(errs...)
	}, nil
}
