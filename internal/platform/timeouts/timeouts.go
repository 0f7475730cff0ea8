// Package timeouts defines shared timeout constants used across the engine.
// Centralizing these values prevents drift between components and makes the
// durations discoverable.
package timeouts

import "time"

// Command is the default lifetime of a command envelope when the caller
// does not set timeout_seconds.
const Command = 30 * time.Second

// SagaStep caps a single saga step handler when the template omits a timeout.
const SagaStep = 30 * time.Second

// Persist limits how long a journal window write may take.
const Persist = 5 * time.Second

// Shutdown limits how long the server waits for in-flight work during
// graceful shutdown.
const Shutdown = 5 * time.Second
