package history

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Writer appends entries to the chain. It is the only code path that
// creates history rows.
type Writer struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time

	mu          sync.RWMutex
	subscribers []func(Entry)
}

// NewWriter creates a Writer on top of store.
func NewWriter(store Store, logger *zap.Logger) *Writer {
	return &Writer{
		store:  store,
		logger: logger.Named("history-writer"),
		now:    time.Now,
	}
}

// Subscribe registers fn to receive every entry after its transaction
// commits. Entries from rolled-back transactions are never delivered.
func (w *Writer) Subscribe(fn func(Entry)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.subscribers = append(w.subscribers, fn)
}

// Append records ev inside tx. It reads the current last hash, captures
// created_at once, chains the new entry onto it and inserts the row.
// Holding a Tx guarantees the chain lock, so no other writer can observe
// the same predecessor.
func (w *Writer) Append(ctx context.Context, tx Tx, ev Event) (*Entry, error) {
	prev, err := tx.LastEntryHash(ctx)
	if err != nil {
		return nil, storageError("reading last entry hash", err)
	}

	e := &Entry{
		CreatedAt:       w.now().UTC().Truncate(time.Millisecond),
		CorrelationID:   w.correlationID(ctx, ev),
		ActorUserID:     ev.ActorUserID,
		ProjectID:       ev.ProjectID,
		EntityType:      ev.EntityType,
		EntityID:        ev.EntityID,
		Action:          ev.Action,
		PayloadBefore:   ev.Before,
		PayloadAfter:    ev.After,
		Reason:          ev.Reason,
		UndoesHistoryID: ev.UndoesHistoryID,
		PreviousHash:    prev,
	}
	e.EntryHash = computeHash(prev, e)

	if err := tx.InsertEntry(ctx, e); err != nil {
		return nil, storageError("inserting entry", err)
	}

	committed := *e
	tx.AfterCommit(func() { w.notify(committed) })

	w.logger.Debug("History entry appended",
		zap.Int64("id", e.ID),
		zap.String("entity_type", string(e.EntityType)),
		zap.String("action", string(e.Action)),
		zap.String("correlation_id", e.CorrelationID))
	return e, nil
}

// Log records ev in its own unit of work and returns the new entry id.
func (w *Writer) Log(ctx context.Context, ev Event) (int64, error) {
	var id int64
	err := w.store.Update(ctx, func(tx Tx) error {
		e, err := w.Append(ctx, tx, ev)
		if err != nil {
			return err
		}
		id = e.ID
		return nil
	})
	if err != nil {
		return 0, storageError("logging event", err)
	}
	return id, nil
}

func (w *Writer) correlationID(ctx context.Context, ev Event) string {
	if ev.CorrelationID != "" {
		return ev.CorrelationID
	}
	if id, ok := CorrelationIDFrom(ctx); ok {
		return id
	}
	return uuid.NewString()
}

func (w *Writer) notify(e Entry) {
	w.mu.RLock()
	subs := w.subscribers
	w.mu.RUnlock()
	for _, fn := range subs {
		fn(e)
	}
}
