package exporter

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// Multi fans one metric export out to several exporters. A failing exporter
// does not block the others; errors are joined.
type Multi struct {
	exporters []metric.Exporter
}

// NewMulti creates a fan-out exporter.
func NewMulti(exporters ...metric.Exporter) *Multi {
	return &Multi{exporters: exporters}
}

// Temporality returns the Temporality to use for an instrument kind.
func (m *Multi) Temporality(kind metric.InstrumentKind) metricdata.Temporality {
	if len(m.exporters) > 0 {
		return m.exporters[0].Temporality(kind)
	}
	return metricdata.CumulativeTemporality
}

// Aggregation returns the Aggregation to use for an instrument kind.
func (m *Multi) Aggregation(kind metric.InstrumentKind) metric.Aggregation {
	return metric.DefaultAggregationSelector(kind)
}

// Export exports the resource metrics to all registered exporters.
func (m *Multi) Export(ctx context.Context, res *metricdata.ResourceMetrics) error {
	var errs []error
	for _, e := range m.exporters {
		if err := e.Export(ctx, res); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ForceFlush flushes all exporters.
func (m *Multi) ForceFlush(ctx context.Context) error {
	var errs []error
	for _, e := range m.exporters {
		if err := e.ForceFlush(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Shutdown shuts down all exporters.
func (m *Multi) Shutdown(ctx context.Context) error {
	var errs []error
	for _, e := range m.exporters {
		if err := e.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
