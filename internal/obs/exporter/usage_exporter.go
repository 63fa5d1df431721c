// Package exporter adapts OpenTelemetry metric exports onto the gateway's
// local stores.
package exporter

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// UsageRecorder receives aggregated usage rows. Implemented by the SQLite
// usage store.
type UsageRecorder interface {
	AddUsage(model, scenario, status, tokenType string, tokens int64) error
	AddRequests(model, scenario, status string, count int64) error
}

// UsageExporter exports token and request counters to a UsageRecorder.
// It selects delta temporality, so each export carries only the increments
// since the previous one and the recorder can add them directly.
type UsageExporter struct {
	store UsageRecorder
}

// NewUsageExporter creates a new UsageExporter.
func NewUsageExporter(store UsageRecorder) *UsageExporter {
	return &UsageExporter{store: store}
}

// Temporality returns the Temporality to use for an instrument kind.
func (e *UsageExporter) Temporality(kind metric.InstrumentKind) metricdata.Temporality {
	return metricdata.DeltaTemporality
}

// Aggregation returns the Aggregation to use for an instrument kind.
func (e *UsageExporter) Aggregation(kind metric.InstrumentKind) metric.Aggregation {
	return metric.DefaultAggregationSelector(kind)
}

// Export writes the metrics to the usage store.
func (e *UsageExporter) Export(ctx context.Context, res *metricdata.ResourceMetrics) error {
	if e.store == nil {
		return nil
	}
	for _, scopeMetrics := range res.ScopeMetrics {
		for _, m := range scopeMetrics.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			e.processSum(m.Name, sum)
		}
	}
	return nil
}

func (e *UsageExporter) processSum(name string, data metricdata.Sum[int64]) {
	for _, dp := range data.DataPoints {
		if dp.Value == 0 {
			continue
		}
		model := extractAttr(dp.Attributes, string(attrModel))
		scenario := extractAttr(dp.Attributes, string(attrScenario))
		status := extractAttr(dp.Attributes, string(attrStatus))

		switch name {
		case "llm.token.usage":
			tokenType := extractAttr(dp.Attributes, string(attrTokenType))
			_ = e.store.AddUsage(model, scenario, status, tokenType, dp.Value)
		case "llm.request.count":
			_ = e.store.AddRequests(model, scenario, status, dp.Value)
		}
	}
}

// ForceFlush forces a flush of pending data.
func (e *UsageExporter) ForceFlush(ctx context.Context) error {
	// Store writes are synchronous, no pending data
	return nil
}

// Shutdown shuts down the exporter.
func (e *UsageExporter) Shutdown(ctx context.Context) error {
	return nil
}

// Attribute keys mirrored from the otel package to avoid a circular import.
const (
	attrModel     = attribute.Key("llm.model")
	attrScenario  = attribute.Key("llm.scenario")
	attrStatus    = attribute.Key("llm.response.status")
	attrTokenType = attribute.Key("llm.token_type")
)

// extractAttr extracts an attribute value from the attribute set.
func extractAttr(attrs attribute.Set, key string) string {
	val, ok := attrs.Value(attribute.Key(key))
	if !ok {
		return ""
	}
	return val.AsString()
}
