package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/loremaster/internal/services/game/storage"
)

const defaultDecisionLimit = 100

// AppendDecision records an audit decision.
func (s *Store) AppendDecision(ctx context.Context, decision storage.AuditDecision) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(decision.Name) == "" {
		return fmt.Errorf("decision name is required")
	}
	if strings.TrimSpace(decision.Severity) == "" {
		return fmt.Errorf("severity is required")
	}
	if decision.Timestamp.IsZero() {
		decision.Timestamp = time.Now().UTC()
	}

	var attributes sql.NullString
	if len(decision.Attributes) > 0 {
		payload, err := json.Marshal(decision.Attributes)
		if err != nil {
			return fmt.Errorf("marshal decision attributes: %w", err)
		}
		attributes = sql.NullString{String: string(payload), Valid: true}
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO decisions (name, actor, correlation_id, severity, attributes_json, created_at)
VALUES (?, ?, ?, ?, ?, ?)`,
		decision.Name,
		decision.Actor,
		toNullString(decision.CorrelationID),
		decision.Severity,
		attributes,
		toMillis(decision.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("insert decision: %w", err)
	}
	return nil
}

// ListDecisions returns decisions in insertion order. An empty correlation id
// lists every decision.
func (s *Store) ListDecisions(ctx context.Context, correlationID string, limit int) ([]storage.AuditDecision, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if limit <= 0 {
		limit = defaultDecisionLimit
	}

	query := `SELECT name, actor, correlation_id, severity, attributes_json, created_at FROM decisions`
	args := []any{}
	if correlationID = strings.TrimSpace(correlationID); correlationID != "" {
		query += ` WHERE correlation_id = ?`
		args = append(args, correlationID)
	}
	query += ` ORDER BY id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query decisions: %w", err)
	}
	defer rows.Close()

	var decisions []storage.AuditDecision
	for rows.Next() {
		var (
			decision    storage.AuditDecision
			correlation sql.NullString
			attributes  sql.NullString
			createdAt   int64
		)
		if err := rows.Scan(&decision.Name, &decision.Actor, &correlation, &decision.Severity, &attributes, &createdAt); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		decision.CorrelationID = correlation.String
		decision.Timestamp = fromMillis(createdAt)
		if attributes.Valid && attributes.String != "" {
			if err := json.Unmarshal([]byte(attributes.String), &decision.Attributes); err != nil {
				return nil, fmt.Errorf("decode decision attributes: %w", err)
			}
		}
		decisions = append(decisions, decision)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read decisions: %w", err)
	}
	return decisions, nil
}
