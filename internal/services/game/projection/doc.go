// Package projection folds journaled events into the current game state.
//
// Projection is a pure function of the complete event history: callers hand
// Project a copy of the log and an initial state and receive a new state.
// Nothing here locks, performs I/O, or reads the events' Processed flag, so
// repeated calls over the same history always produce deep-equal results.
//
// A handler that fails or panics is isolated into State.Errors and folding
// continues. Event types without a handler are skipped.
package projection
