package otel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"

	"github.com/kirobox/kirobox/internal/obs/exporter"
)

// MeterSetup holds the meter provider and the request tracker.
type MeterSetup struct {
	meterProvider *sdkmetric.MeterProvider
	tracker       *RequestTracker
}

// NewMeterSetup builds the metric pipeline. Exporters are assembled from the
// config: the local usage store, stdout when enabled, and an OTLP endpoint
// (HTTP or gRPC) when configured. Returns (nil, nil) when tracking is
// disabled.
func NewMeterSetup(ctx context.Context, cfg *Config, usage exporter.UsageRecorder) (*MeterSetup, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, nil
	}

	var exporters []sdkmetric.Exporter

	if cfg.SQLiteEnabled && usage != nil {
		exporters = append(exporters, exporter.NewUsageExporter(usage))
	}

	if cfg.StdoutEnabled {
		stdout, err := stdoutmetric.New()
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
		}
		exporters = append(exporters, stdout)
	}

	if cfg.OTLPEndpoint != "" {
		otlp, err := newOTLPExporter(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
		}
		exporters = append(exporters, otlp)
	}

	if len(exporters) == 0 {
		return &MeterSetup{}, nil
	}

	reader := sdkmetric.NewPeriodicReader(
		exporter.NewMulti(exporters...),
		sdkmetric.WithInterval(cfg.ExportInterval),
		sdkmetric.WithTimeout(cfg.ExportTimeout),
	)

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(reader),
		sdkmetric.WithResource(resource.NewSchemaless(attribute.String("service.name", "kirobox"))),
	)

	otel.SetMeterProvider(meterProvider)
	meter := meterProvider.Meter("kirobox")

	tracker, err := NewRequestTracker(meter)
	if err != nil {
		_ = meterProvider.Shutdown(ctx)
		return nil, fmt.Errorf("failed to create request tracker: %w", err)
	}

	return &MeterSetup{
		meterProvider: meterProvider,
		tracker:       tracker,
	}, nil
}

func newOTLPExporter(ctx context.Context, cfg *Config) (sdkmetric.Exporter, error) {
	switch cfg.OTLPProtocol {
	case "", "http":
		return otlpmetrichttp.New(ctx,
			otlpmetrichttp.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetrichttp.WithInsecure(),
		)
	case "grpc":
		return otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
	default:
		return nil, fmt.Errorf("unknown OTLP protocol %q", cfg.OTLPProtocol)
	}
}

// Tracker returns the request tracker. Nil when tracking is disabled; the
// tracker's methods tolerate a nil receiver.
func (ms *MeterSetup) Tracker() *RequestTracker {
	if ms == nil {
		return nil
	}
	return ms.tracker
}

// Shutdown flushes and stops the meter provider.
func (ms *MeterSetup) Shutdown(ctx context.Context) error {
	if ms == nil || ms.meterProvider == nil {
		return nil
	}
	return ms.meterProvider.Shutdown(ctx)
}
