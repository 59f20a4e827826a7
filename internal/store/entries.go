package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/ctrlai/tally/internal/history"
)

const entryColumns = `id, created_at_ms, correlation_id, actor_user_id, project_id,
	entity_type, entity_id, action, payload_before, payload_after, reason,
	undoes_history_id, previous_hash, entry_hash`

// The history table only ever sees INSERT and SELECT.

func (t *txn) InsertEntry(ctx context.Context, e *history.Entry) error {
	id, err := t.insertReturningID(ctx,
		`INSERT INTO history_entries (
			created_at_ms, correlation_id, actor_user_id, project_id,
			entity_type, entity_id, action, payload_before, payload_after, reason,
			undoes_history_id, previous_hash, entry_hash
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`,
		e.CreatedAt.UnixMilli(), e.CorrelationID, nullable(e.ActorUserID), nullable(e.ProjectID),
		string(e.EntityType), nullable(e.EntityID), string(e.Action),
		payloadArg(e.PayloadBefore), payloadArg(e.PayloadAfter), nullableString(e.Reason),
		nullable(e.UndoesHistoryID), e.PreviousHash, e.EntryHash,
	)
	if errors.Is(err, history.ErrConflict) && e.UndoesHistoryID != nil {
		return fmt.Errorf("%w: entry %d", history.ErrAlreadyUndone, *e.UndoesHistoryID)
	}
	if err != nil {
		return fmt.Errorf("inserting history entry: %w", err)
	}
	e.ID = id
	return nil
}

func (t *txn) LastEntryHash(ctx context.Context) (string, error) {
	var hash string
	err := t.queryRow(ctx,
		"SELECT entry_hash FROM history_entries ORDER BY id DESC LIMIT 1").Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading last entry hash: %w", err)
	}
	return hash, nil
}

func (t *txn) LatestEntryID(ctx context.Context) (int64, error) {
	var id int64
	if err := t.queryRow(ctx,
		"SELECT COALESCE(MAX(id), 0) FROM history_entries").Scan(&id); err != nil {
		return 0, fmt.Errorf("reading latest entry id: %w", err)
	}
	return id, nil
}

func (t *txn) EntryByID(ctx context.Context, id int64) (*history.Entry, error) {
	rows, err := t.query(ctx,
		"SELECT "+entryColumns+" FROM history_entries WHERE id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("querying entry %d: %w", id, err)
	}
	entries, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: id %d", history.ErrEntryNotFound, id)
	}
	return &entries[0], nil
}

func (t *txn) EntriesAfter(ctx context.Context, afterID int64, limit int) ([]history.Entry, error) {
	rows, err := t.query(ctx,
		"SELECT "+entryColumns+" FROM history_entries WHERE id > ? ORDER BY id ASC LIMIT ?",
		afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying entries after %d: %w", afterID, err)
	}
	return scanEntries(rows)
}

func (t *txn) ProjectEntries(ctx context.Context, projectID int64, types []history.EntityType, limit, offset int) ([]history.Entry, error) {
	q := "SELECT " + entryColumns + " FROM history_entries WHERE project_id = ?"
	args := []any{projectID}

	if types != nil {
		if len(types) == 0 {
			return []history.Entry{}, nil
		}
		q += " AND entity_type IN (" + placeholders(len(types)) + ")"
		for _, et := range types {
			args = append(args, string(et))
		}
	}

	q += " ORDER BY id DESC"
	if limit > 0 {
		q += " LIMIT ? OFFSET ?"
		args = append(args, limit, offset)
	}

	rows, err := t.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying project %d history: %w", projectID, err)
	}
	return scanEntries(rows)
}

func (t *txn) EntityEntries(ctx context.Context, projectID int64, entityType history.EntityType, entityID int64) ([]history.Entry, error) {
	rows, err := t.query(ctx,
		"SELECT "+entryColumns+` FROM history_entries
		 WHERE project_id = ? AND entity_type = ? AND entity_id = ?
		 ORDER BY id DESC`,
		projectID, string(entityType), entityID)
	if err != nil {
		return nil, fmt.Errorf("querying %s %d history: %w", entityType, entityID, err)
	}
	return scanEntries(rows)
}

func (t *txn) UndoingEntries(ctx context.Context, ids []int64) (map[int64]int64, error) {
	undone := make(map[int64]int64)
	if len(ids) == 0 {
		return undone, nil
	}
	rows, err := t.query(ctx,
		"SELECT undoes_history_id, id FROM history_entries WHERE undoes_history_id IN ("+placeholders(len(ids))+")",
		int64Args(ids)...)
	if err != nil {
		return nil, fmt.Errorf("querying undo entries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var target, undoID int64
		if err := rows.Scan(&target, &undoID); err != nil {
			return nil, fmt.Errorf("scanning undo entry: %w", err)
		}
		undone[target] = undoID
	}
	return undone, rows.Err()
}

func (t *txn) UserNames(ctx context.Context, ids []int64) (map[int64]string, error) {
	names := make(map[int64]string)
	ids = slices.Compact(slices.Sorted(slices.Values(ids)))
	if len(ids) == 0 {
		return names, nil
	}
	rows, err := t.query(ctx,
		"SELECT id, display_name FROM users WHERE id IN ("+placeholders(len(ids))+")",
		int64Args(ids)...)
	if err != nil {
		return nil, fmt.Errorf("querying user names: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		var name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, fmt.Errorf("scanning user: %w", err)
		}
		names[id] = name
	}
	return names, rows.Err()
}

func scanEntries(rows *sql.Rows) ([]history.Entry, error) {
	defer rows.Close()

	entries := []history.Entry{}
	for rows.Next() {
		var (
			e                           history.Entry
			createdMs                   int64
			actor, project, entity, und sql.NullInt64
			before, after, reason       sql.NullString
			entityType, action          string
		)
		err := rows.Scan(
			&e.ID, &createdMs, &e.CorrelationID, &actor, &project,
			&entityType, &entity, &action, &before, &after, &reason,
			&und, &e.PreviousHash, &e.EntryHash,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning history entry: %w", err)
		}
		e.CreatedAt = time.UnixMilli(createdMs).UTC()
		e.ActorUserID = ptr(actor)
		e.ProjectID = ptr(project)
		e.EntityType = history.EntityType(entityType)
		e.EntityID = ptr(entity)
		e.Action = history.Action(action)
		if before.Valid {
			e.PayloadBefore = history.Payload(before.String)
		}
		if after.Valid {
			e.PayloadAfter = history.Payload(after.String)
		}
		e.Reason = reason.String
		e.UndoesHistoryID = ptr(und)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func payloadArg(p history.Payload) any {
	if p == nil {
		return nil
	}
	return string(p)
}
