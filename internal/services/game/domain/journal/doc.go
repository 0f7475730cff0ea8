// Package journal is the append-only event log of a game session.
//
// The Store is the single owner of the canonical event list. Appends are
// validated against the event registry, serialized under a write lock, and
// followed by a best-effort persist of the trailing window. Queries return
// copies in append order so callers, including projection, never share
// memory with the log.
//
// Persistence failures never fail an append: the event stays committed in
// memory and the failure is surfaced through Health.
package journal
