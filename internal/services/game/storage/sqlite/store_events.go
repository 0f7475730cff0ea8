package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/louisbranch/loremaster/internal/platform/errors"
	"github.com/louisbranch/loremaster/internal/services/game/domain/event"
	"github.com/louisbranch/loremaster/internal/services/game/storage"
)

// SaveEvents inserts events not yet stored and trims rows outside the window,
// in one transaction.
func (s *Store) SaveEvents(ctx context.Context, events []event.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if len(events) > s.window {
		events = events[len(events)-s.window:]
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.Wrap(apperrors.CodePersistence, "begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
INSERT OR IGNORE INTO events (event_id, event_type, timestamp_us, actor, data_json, correlation_id, processed)
VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return apperrors.Wrap(apperrors.CodePersistence, "prepare event insert", err)
	}
	defer stmt.Close()

	for _, evt := range events {
		data := evt.Data
		if len(data) == 0 {
			data = json.RawMessage("{}")
		}
		if _, err := stmt.ExecContext(ctx,
			evt.ID,
			string(evt.Type),
			evt.Timestamp.UnixMicro(),
			evt.Actor,
			string(data),
			toNullString(evt.CorrelationID),
			boolToInt(evt.Processed),
		); err != nil {
			return apperrors.Wrap(apperrors.CodePersistence, fmt.Sprintf("insert event %s", evt.ID), err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM events WHERE seq NOT IN (SELECT seq FROM events ORDER BY seq DESC LIMIT ?)`,
		s.window,
	); err != nil {
		return apperrors.Wrap(apperrors.CodePersistence, "trim event window", err)
	}

	if err := tx.Commit(); err != nil {
		return apperrors.Wrap(apperrors.CodePersistence, "commit event window", err)
	}
	return nil
}

// LoadEvents reads the stored window in insertion order. A row whose payload
// is not valid JSON marks the whole window corrupt.
func (s *Store) LoadEvents(ctx context.Context) (storage.LoadResult, error) {
	if err := ctx.Err(); err != nil {
		return storage.LoadResult{Status: storage.LoadFailed, Detail: err.Error()}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.LoadResult{Status: storage.LoadFailed}, fmt.Errorf("storage is not configured")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT event_id, event_type, timestamp_us, actor, data_json, correlation_id, processed
FROM events ORDER BY seq ASC LIMIT ?`, s.window)
	if err != nil {
		wrapped := apperrors.Wrap(apperrors.CodePersistence, "query events", err)
		return storage.LoadResult{Status: storage.LoadFailed, Detail: wrapped.Error()}, wrapped
	}
	defer rows.Close()

	var events []event.Event
	for rows.Next() {
		var (
			evt           event.Event
			evtType       string
			timestampUS   int64
			data          string
			correlationID sql.NullString
			processed     int64
		)
		if err := rows.Scan(&evt.ID, &evtType, &timestampUS, &evt.Actor, &data, &correlationID, &processed); err != nil {
			wrapped := apperrors.Wrap(apperrors.CodePersistence, "scan event", err)
			return storage.LoadResult{Status: storage.LoadFailed, Detail: wrapped.Error()}, wrapped
		}
		if !json.Valid([]byte(data)) {
			return storage.LoadResult{
				Status: storage.LoadCorrupt,
				Detail: fmt.Sprintf("event %s has invalid payload json", evt.ID),
			}, nil
		}
		evt.Type = event.Type(evtType)
		evt.Timestamp = time.UnixMicro(timestampUS).UTC()
		evt.Data = json.RawMessage(data)
		evt.CorrelationID = correlationID.String
		evt.Processed = processed != 0
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return storage.LoadResult{Status: storage.LoadFailed, Detail: err.Error()}, err
		}
		wrapped := apperrors.Wrap(apperrors.CodePersistence, "read events", err)
		return storage.LoadResult{Status: storage.LoadFailed, Detail: wrapped.Error()}, wrapped
	}
	if len(events) == 0 {
		return storage.LoadResult{Status: storage.LoadMissing}, nil
	}
	return storage.LoadResult{Events: events, Status: storage.LoadOK}, nil
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}
