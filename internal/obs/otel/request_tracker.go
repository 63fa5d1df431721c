package otel

import (
	"context"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// UsageOptions contains the options for recording one completed request.
type UsageOptions struct {
	// Model is the model actually served
	Model string

	// RequestModel is the original model name requested by the client
	RequestModel string

	// Scenario is the API scenario (e.g., "openai", "anthropic", "claude_code")
	Scenario string

	// AccountKind is "credential" for upstream identities or "external"
	// for pass-through API accounts
	AccountKind string

	// CredentialID identifies the credential or account used
	CredentialID uint

	// InputTokens is the number of input/prompt tokens consumed
	InputTokens int

	// OutputTokens is the number of output/completion tokens consumed
	OutputTokens int

	// TokenCountMethod records whether input tokens came from upstream
	// context usage or local estimation
	TokenCountMethod string

	// Streamed indicates whether this was a streaming request
	Streamed bool

	// Status is the request status - "success", "error", or "canceled"
	Status string

	// ErrorCode is the error code if status is not "success"
	ErrorCode string

	// LatencyMs is the request processing time in milliseconds
	LatencyMs int64
}

// RequestTracker records per-request token usage and outcomes through
// OpenTelemetry metrics.
type RequestTracker struct {
	tokenUsage      metric.Int64Counter
	totalTokens     metric.Int64Counter
	requestCount    metric.Int64Counter
	requestDuration metric.Float64Histogram
	requestError    metric.Int64Counter
}

// NewRequestTracker creates a new RequestTracker with the provided meter.
func NewRequestTracker(meter metric.Meter) (*RequestTracker, error) {
	rt := &RequestTracker{}

	var err error

	rt.tokenUsage, err = meter.Int64Counter(
		"llm.token.usage",
		metric.WithDescription("LLM token usage by type (input/output)"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, err
	}

	rt.totalTokens, err = meter.Int64Counter(
		"llm.token.total",
		metric.WithDescription("Total LLM tokens consumed (input + output)"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, err
	}

	rt.requestCount, err = meter.Int64Counter(
		"llm.request.count",
		metric.WithDescription("Number of LLM requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	rt.requestDuration, err = meter.Float64Histogram(
		"llm.request.duration",
		metric.WithDescription("LLM request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	rt.requestError, err = meter.Int64Counter(
		"llm.request.errors",
		metric.WithDescription("Number of LLM request errors"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	return rt, nil
}

// RecordUsage records one completed request with the provided options.
// Safe to call on a nil tracker so call sites need no metrics-enabled check.
func (rt *RequestTracker) RecordUsage(ctx context.Context, opts UsageOptions) {
	if rt == nil {
		return
	}

	commonAttrs := []attribute.KeyValue{
		AttrLLMModel.String(opts.Model),
		AttrLLMRequestModel.String(opts.RequestModel),
		AttrLLMScenario.String(opts.Scenario),
		AttrLLMStreaming.Bool(opts.Streamed),
		AttrLLMResponseStatus.String(opts.Status),
	}

	if opts.AccountKind != "" {
		commonAttrs = append(commonAttrs, AttrAccountKind.String(opts.AccountKind))
	}
	if opts.CredentialID != 0 {
		commonAttrs = append(commonAttrs, AttrCredentialID.String(strconv.FormatUint(uint64(opts.CredentialID), 10)))
	}
	if opts.TokenCountMethod != "" {
		commonAttrs = append(commonAttrs, AttrTokenCountMethod.String(opts.TokenCountMethod))
	}
	if opts.ErrorCode != "" {
		commonAttrs = append(commonAttrs, AttrLLMErrorCode.String(opts.ErrorCode))
	}

	if opts.InputTokens > 0 {
		inputAttrs := append(commonAttrs, AttrLLMTokenType.String("input"))
		rt.tokenUsage.Add(ctx, int64(opts.InputTokens), metric.WithAttributes(inputAttrs...))
	}
	if opts.OutputTokens > 0 {
		outputAttrs := append(commonAttrs, AttrLLMTokenType.String("output"))
		rt.tokenUsage.Add(ctx, int64(opts.OutputTokens), metric.WithAttributes(outputAttrs...))
	}

	totalTokens := opts.InputTokens + opts.OutputTokens
	if totalTokens > 0 {
		rt.totalTokens.Add(ctx, int64(totalTokens), metric.WithAttributes(commonAttrs...))
	}

	rt.requestCount.Add(ctx, 1, metric.WithAttributes(commonAttrs...))

	if opts.LatencyMs > 0 {
		rt.requestDuration.Record(ctx, float64(opts.LatencyMs), metric.WithAttributes(commonAttrs...))
	}

	if opts.Status == "error" {
		rt.requestError.Add(ctx, 1, metric.WithAttributes(commonAttrs...))
	}
}
