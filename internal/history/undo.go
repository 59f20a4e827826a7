package history

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// UndoEngine reverses recorded actions. Each undo runs the inverse domain
// mutation and appends the compensating UNDO entry in one unit of work.
type UndoEngine struct {
	store  Store
	writer *Writer
	logger *zap.Logger
}

// NewUndoEngine creates an UndoEngine that records through writer.
func NewUndoEngine(store Store, writer *Writer, logger *zap.Logger) *UndoEngine {
	return &UndoEngine{
		store:  store,
		writer: writer,
		logger: logger.Named("history-undo"),
	}
}

// Undo reverses entry historyID on behalf of actor and returns the new
// UNDO entry. The caller is trusted to have authorised actor.
//
// Preconditions, checked in order: the entry exists, it has not been undone
// already, it is not itself an UNDO, and it names an entity. On any failure
// neither the domain state nor the log changes.
func (u *UndoEngine) Undo(ctx context.Context, historyID, actor int64, reason string) (*Entry, error) {
	var undo *Entry
	err := u.store.Update(ctx, func(tx Tx) error {
		target, err := tx.EntryByID(ctx, historyID)
		if err != nil {
			return err
		}

		undone, err := tx.UndoingEntries(ctx, []int64{target.ID})
		if err != nil {
			return err
		}
		if by, ok := undone[target.ID]; ok {
			return fmt.Errorf("%w: entry %d was undone by entry %d", ErrAlreadyUndone, target.ID, by)
		}
		if target.Action == ActionUndo {
			return fmt.Errorf("%w: entry %d", ErrCannotUndoAnUndo, target.ID)
		}
		if target.EntityID == nil {
			return fmt.Errorf("%w: entry %d has no entity id", ErrInvalidTarget, target.ID)
		}

		if err := reverse(ctx, tx, target); err != nil {
			return err
		}

		undo, err = u.writer.Append(ctx, tx, Event{
			CorrelationID:   uuid.NewString(),
			ActorUserID:     actorRef(actor),
			ProjectID:       target.ProjectID,
			EntityType:      target.EntityType,
			EntityID:        target.EntityID,
			Action:          ActionUndo,
			Before:          target.PayloadAfter,
			After:           target.PayloadBefore,
			Reason:          reason,
			UndoesHistoryID: ID(target.ID),
		})
		return err
	})
	if err != nil {
		err = storageError("undoing entry", err)
		var se *StorageError
		if errors.As(err, &se) {
			u.logger.Error("Undo failed",
				zap.Int64("history_id", historyID),
				zap.Error(err))
		}
		return nil, err
	}

	u.logger.Info("History entry undone",
		zap.Int64("history_id", historyID),
		zap.Int64("undo_id", undo.ID),
		zap.String("entity_type", string(undo.EntityType)))
	return undo, nil
}

// reverse dispatches target to its entity kind's reverser.
func reverse(ctx context.Context, tx Tx, target *Entry) error {
	r := reverserFor(target.EntityType)
	if r == nil {
		return unsupported(target)
	}
	switch target.Action {
	case ActionCreate:
		return r.undoCreate(ctx, tx, target)
	case ActionUpdate:
		return r.undoUpdate(ctx, tx, target)
	case ActionDelete:
		return r.undoDelete(ctx, tx, target)
	default:
		return unsupported(target)
	}
}

func unsupported(target *Entry) error {
	return fmt.Errorf("%w: %s %s", ErrUnsupportedEntityOrAction, target.EntityType, target.Action)
}
