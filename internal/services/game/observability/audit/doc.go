// Package audit records engine decisions for later review: command retries
// and timeouts, saga step retries, compensation walks, persistence failures.
//
// The logger consumes decisions made elsewhere and never produces domain
// state. Durable storage is optional; without a store Emit is a no-op.
//
// For distributed tracing, the engine uses package `internal/platform/otel`.
package audit
