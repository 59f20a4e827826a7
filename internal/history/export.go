package history

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
)

// Export formats.
const (
	FormatJSONL = "jsonl"
	FormatJSON  = "json"
	FormatCSV   = "csv"
)

var csvHeader = []string{
	"id", "created_at", "correlation_id", "actor_user_id", "project_id",
	"entity_type", "entity_id", "action", "payload_before", "payload_after",
	"reason", "undoes_history_id", "previous_hash", "entry_hash",
}

// Export writes the whole log in ascending id order to w.
// Supported formats: "jsonl" (default), "json", "csv". projectID, when
// non-zero, restricts the output to one project; the chain itself can only
// be verified from an unfiltered export.
func (q *QueryService) Export(ctx context.Context, w io.Writer, format string, projectID int64) error {
	var emit func(Entry) error
	var finish func() error

	switch format {
	case FormatJSONL, "":
		enc := json.NewEncoder(w)
		emit = func(e Entry) error { return enc.Encode(e) }
		finish = func() error { return nil }

	case FormatJSON:
		// Entries are buffered so the output is a single indented array.
		all := []Entry{}
		emit = func(e Entry) error {
			all = append(all, e)
			return nil
		}
		finish = func() error {
			enc := json.NewEncoder(w)
			enc.SetIndent("", "  ")
			return enc.Encode(all)
		}

	case FormatCSV:
		cw := csv.NewWriter(w)
		if err := cw.Write(csvHeader); err != nil {
			return err
		}
		emit = func(e Entry) error { return cw.Write(csvRecord(e)) }
		finish = func() error {
			cw.Flush()
			return cw.Error()
		}

	default:
		return fmt.Errorf("%w: unsupported export format %q (use json, jsonl, or csv)", ErrInvalidQuery, format)
	}

	batchSize := int(q.maxLimit.Load())
	var after int64
	err := q.store.View(ctx, func(r Reader) error {
		for {
			batch, err := r.EntriesAfter(ctx, after, batchSize)
			if err != nil {
				return err
			}
			if len(batch) == 0 {
				return nil
			}
			for _, e := range batch {
				if projectID != 0 && (e.ProjectID == nil || *e.ProjectID != projectID) {
					continue
				}
				if err := emit(e); err != nil {
					return fmt.Errorf("writing entry %d: %w", e.ID, err)
				}
			}
			after = batch[len(batch)-1].ID
		}
	})
	if err != nil {
		return storageError("exporting history", err)
	}
	return finish()
}

func csvRecord(e Entry) []string {
	return []string{
		strconv.FormatInt(e.ID, 10),
		formatTimestamp(e.CreatedAt),
		e.CorrelationID,
		formatOptional(e.ActorUserID),
		formatOptional(e.ProjectID),
		string(e.EntityType),
		formatOptional(e.EntityID),
		string(e.Action),
		e.PayloadBefore.String(),
		e.PayloadAfter.String(),
		e.Reason,
		formatOptional(e.UndoesHistoryID),
		e.PreviousHash,
		e.EntryHash,
	}
}
