package audit

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/louisbranch/loremaster/internal/services/game/storage"
)

// Severity describes the audit severity level.
type Severity string

const (
	SeverityInfo  Severity = "INFO"
	SeverityWarn  Severity = "WARN"
	SeverityError Severity = "ERROR"
)

// Decision is one auditable choice made by the engine.
type Decision struct {
	Name          string
	Actor         string
	CorrelationID string
	Severity      Severity
	Attributes    map[string]any
	Timestamp     time.Time
}

// Recorder is the narrow interface producers depend on.
type Recorder interface {
	Record(ctx context.Context, decision Decision)
}

// Logger records decisions to a decision store.
type Logger struct {
	store storage.DecisionStore
	clock func() time.Time
	logf  func(format string, args ...any)
}

// NewLogger creates a new decision logger.
func NewLogger(store storage.DecisionStore) *Logger {
	return &Logger{store: store, clock: time.Now, logf: log.Printf}
}

// Emit records a decision. It is a no-op when the logger or store is nil.
func (l *Logger) Emit(ctx context.Context, decision Decision) error {
	if l == nil || l.store == nil {
		return nil
	}
	if decision.Timestamp.IsZero() {
		if l.clock == nil {
			decision.Timestamp = time.Now().UTC()
		} else {
			decision.Timestamp = l.clock().UTC()
		}
	}
	if decision.Severity == "" {
		decision.Severity = SeverityInfo
	}
	return l.store.AppendDecision(ctx, storage.AuditDecision{
		Name:          strings.TrimSpace(decision.Name),
		Actor:         decision.Actor,
		CorrelationID: decision.CorrelationID,
		Severity:      string(decision.Severity),
		Attributes:    decision.Attributes,
		Timestamp:     decision.Timestamp,
	})
}

// Record emits a decision and logs store failures instead of returning them;
// audit writes never fail the operation being audited.
func (l *Logger) Record(ctx context.Context, decision Decision) {
	if err := l.Emit(ctx, decision); err != nil {
		logf := log.Printf
		if l.logf != nil {
			logf = l.logf
		}
		logf("audit emit %s: %v", decision.Name, err)
	}
}

// MemoryStore keeps decisions in memory. It backs the logger when no audit
// database is configured and in tests.
type MemoryStore struct {
	mu        sync.Mutex
	decisions []storage.AuditDecision
}

// NewMemoryStore creates an empty in-memory decision store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// AppendDecision stores a decision.
func (m *MemoryStore) AppendDecision(ctx context.Context, decision storage.AuditDecision) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decisions = append(m.decisions, decision)
	return nil
}

// ListDecisions returns stored decisions, optionally filtered by correlation id.
func (m *MemoryStore) ListDecisions(ctx context.Context, correlationID string, limit int) ([]storage.AuditDecision, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []storage.AuditDecision
	for _, decision := range m.decisions {
		if correlationID != "" && decision.CorrelationID != correlationID {
			continue
		}
		out = append(out, decision)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
