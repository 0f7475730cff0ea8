// Package saga sequences multi-step workflows.
//
// Manager owns saga bookkeeping only: it builds sagas from step templates,
// tracks the current step, decides step-level retries, and produces the
// compensation plan when a step gives up. It never runs handlers. Handler
// names in templates are resolved by a Driver through a HandlerRegistry, which
// keeps orchestration state separate from execution.
//
// Completed and failed sagas move to a bounded archive governed by Retention.
package saga
