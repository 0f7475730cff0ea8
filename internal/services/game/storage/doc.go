// Package storage defines persistence interfaces for the game-state engine.
//
// It covers the durable event window behind the journal and the audit
// decision log. Implementations live in subpackages: jsonfile for the
// single-file JSON log and sqlite for the embedded database.
//
// Load results distinguish a missing log and a corrupt log (both recoverable by
// starting empty) from I/O failures surfaced as errors.
package storage
