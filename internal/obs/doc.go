// Package obs provides the observability layer: structured logging with
// rotation, a JSONL exchange sink for debugging, and OpenTelemetry metrics
// for token usage and request outcomes.
package obs
