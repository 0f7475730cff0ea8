// Package command defines the command envelope and its processing lifecycle.
//
// An Envelope wraps one unit of external work: a routing layer supplies the
// intent, actor, and extracted entities; the engine moves the envelope through
// pending, processing, and a terminal status while appending every transition
// to an append-only processing history. Retry decisions belong to the
// envelope alone through ShouldRetry.
//
// Processor enforces per-correlation exclusion and the envelope deadline.
// Correlator replaces polling for replies from asynchronous collaborators.
package command
