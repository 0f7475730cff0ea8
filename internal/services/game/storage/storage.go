package storage

import (
	"context"
	"time"

	apperrors "github.com/louisbranch/loremaster/internal/platform/errors"
	"github.com/louisbranch/loremaster/internal/services/game/domain/event"
)

// DefaultWindow is the number of trailing events kept in durable storage.
const DefaultWindow = 1000

// ErrNotFound indicates a requested persistence record is missing.
var ErrNotFound = apperrors.New(apperrors.CodeNotFound, "record not found")

// LoadStatus classifies how a persisted event window was read.
type LoadStatus string

const (
	// LoadOK indicates the window was read successfully.
	LoadOK LoadStatus = "ok"
	// LoadMissing indicates no window has been persisted yet.
	LoadMissing LoadStatus = "missing"
	// LoadCorrupt indicates the persisted window could not be decoded.
	LoadCorrupt LoadStatus = "corrupt"
	// LoadFailed indicates an I/O failure prevented reading the window.
	LoadFailed LoadStatus = "failed"
)

// LoadResult captures the outcome of reading the persisted window.
type LoadResult struct {
	Events []event.Event
	Status LoadStatus
	// Detail explains a corrupt or failed load for logs and health reports.
	Detail string
}

// EventPersister stores the trailing window of the event journal.
//
// Save receives the complete window in append order and replaces whatever was
// stored before. Load returns a non-nil error only for I/O failures; missing or
// undecodable data is reported through LoadResult.Status.
type EventPersister interface {
	SaveEvents(ctx context.Context, events []event.Event) error
	LoadEvents(ctx context.Context) (LoadResult, error)
}

// AuditDecision is one durable decision record written by the audit logger.
type AuditDecision struct {
	Name          string
	Actor         string
	CorrelationID string
	Severity      string
	Attributes    map[string]any
	Timestamp     time.Time
}

// DecisionStore persists audit decisions.
type DecisionStore interface {
	AppendDecision(ctx context.Context, decision AuditDecision) error
}

// DecisionReader lists persisted audit decisions.
type DecisionReader interface {
	ListDecisions(ctx context.Context, correlationID string, limit int) ([]AuditDecision, error)
}
