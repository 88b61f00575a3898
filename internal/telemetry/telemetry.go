package telemetry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	noopLogs "go.opentelemetry.io/otel/log/noop"
	"go.opentelemetry.io/otel/metric"
	noopMetric "go.opentelemetry.io/otel/metric/noop"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc/encoding/gzip"
)

const metricExportPeriod = 15 * time.Second

type Client struct {
	MeterProvider metric.MeterProvider
	LogsProvider  log.LoggerProvider

	shutdown []func(context.Context) error
}

// New exports metrics and logs to the collector at endpoint and installs both providers globally.
func New(ctx context.Context, endpoint, serviceName, serviceVersion string) (*Client, error) {
	res, err := getResource(ctx, serviceName, serviceVersion)
	if err != nil {
		return nil, err
	}

	metricsExporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithInsecure(),
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithCompressor(gzip.Name),
		otlpmetricgrpc.WithAggregationSelector(func(kind sdkmetric.InstrumentKind) sdkmetric.Aggregation {
			if kind == sdkmetric.InstrumentKindHistogram {
				return sdkmetric.AggregationBase2ExponentialHistogram{
					MaxSize:  160,
					MaxScale: 20,
				}
			}

			return sdkmetric.DefaultAggregationSelector(kind)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(metricsExporter, sdkmetric.WithInterval(metricExportPeriod)),
		),
	)

	logsExporter, err := otlploggrpc.New(ctx,
		otlploggrpc.WithInsecure(),
		otlploggrpc.WithEndpoint(endpoint),
		otlploggrpc.WithCompressor(gzip.Name),
	)
	if err != nil {
		return nil, errors.Join(
			fmt.Errorf("failed to create logs exporter: %w", err),
			meterProvider.Shutdown(ctx),
		)
	}

	logsProvider := sdklog.NewLoggerProvider(
		sdklog.WithResource(res),
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logsExporter)),
	)

	otel.SetMeterProvider(meterProvider)
	global.SetLoggerProvider(logsProvider)

	return &Client{
		MeterProvider: meterProvider,
		LogsProvider:  logsProvider,
		shutdown:      []func(context.Context) error{meterProvider.Shutdown, logsProvider.Shutdown},
	}, nil
}

func NewNoopClient() *Client {
	return &Client{
		MeterProvider: noopMetric.NewMeterProvider(),
		LogsProvider:  noopLogs.NewLoggerProvider(),
	}
}

// Shutdown flushes pending metrics and logs.
func (t *Client) Shutdown(ctx context.Context) error {
	var errs []error
	for _, fn := range t.shutdown {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func getResource(ctx context.Context, serviceName, serviceVersion string) (*resource.Resource, error) {
	attributes := []attribute.KeyValue{
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(serviceVersion),
		semconv.ServiceInstanceID(uuid.NewString()),
		semconv.TelemetrySDKName("otel"),
		semconv.TelemetrySDKLanguageGo,
	}

	hostname, err := os.Hostname()
	if err == nil {
		attributes = append(attributes, semconv.HostName(hostname))
	}

	res, err := resource.New(
		ctx,
		resource.WithSchemaURL(semconv.SchemaURL),
		resource.WithAttributes(attributes...),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	return res, nil
}
