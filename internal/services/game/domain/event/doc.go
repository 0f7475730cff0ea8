// Package event defines the canonical game event envelope and the event-type
// registry used by the journal write path.
//
// Events are immutable facts produced by state-changing actions. The registry
// rejects unknown types and validates each payload against its typed schema
// before the journal accepts it, so projection can rely on well-formed data.
package event
