package history

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// DefaultVerifyBatchSize is how many entries the verifier loads per query.
const DefaultVerifyBatchSize = 500

// Verification holds the outcome of a full chain walk. A broken chain is a
// normal result (Valid=false), not an error.
type Verification struct {
	Valid bool `json:"valid"`
	// TotalEntries counts the entries examined; when the chain is broken
	// the walk stops at FirstBrokenID.
	TotalEntries  int    `json:"total_entries"`
	FirstBrokenID *int64 `json:"first_broken_id,omitempty"`
	ExpectedHash  string `json:"expected_hash,omitempty"`
	ActualHash    string `json:"actual_hash,omitempty"`
	Message       string `json:"message"`
}

// Verifier replays the log and checks hash chain consistency.
type Verifier struct {
	store     Store
	batchSize int
	logger    *zap.Logger
}

// NewVerifier creates a Verifier. batchSize <= 0 uses DefaultVerifyBatchSize.
func NewVerifier(store Store, batchSize int, logger *zap.Logger) *Verifier {
	if batchSize <= 0 {
		batchSize = DefaultVerifyBatchSize
	}
	return &Verifier{
		store:     store,
		batchSize: batchSize,
		logger:    logger.Named("history-verifier"),
	}
}

// Verify walks the whole log in ascending id order. For each entry it
// recomputes the hash from the entry's own fields on top of the running
// previous hash, then checks the stored previous_hash against that running
// value. The first failing entry is reported and the walk stops.
func (v *Verifier) Verify(ctx context.Context) (Verification, error) {
	var res Verification
	running := ""
	var after int64

	err := v.store.View(ctx, func(r Reader) error {
		for {
			batch, err := r.EntriesAfter(ctx, after, v.batchSize)
			if err != nil {
				return err
			}
			if len(batch) == 0 {
				return nil
			}
			for i := range batch {
				e := &batch[i]
				res.TotalEntries++

				expected := computeHash(running, e)
				if e.EntryHash != expected {
					res.broken(e.ID, expected, e.EntryHash,
						fmt.Sprintf("entry %d: stored hash does not match its contents", e.ID))
					return nil
				}
				if e.PreviousHash != running {
					res.broken(e.ID, running, e.PreviousHash,
						fmt.Sprintf("entry %d: previous_hash does not match the preceding entry", e.ID))
					return nil
				}
				running = e.EntryHash
			}
			after = batch[len(batch)-1].ID
		}
	})
	if err != nil {
		return Verification{}, storageError("verifying chain", err)
	}

	if res.FirstBrokenID == nil {
		res.Valid = true
		res.Message = fmt.Sprintf("chain valid (%d entries)", res.TotalEntries)
		return res, nil
	}

	v.logger.Warn("History chain broken",
		zap.Int64("first_broken_id", *res.FirstBrokenID),
		zap.String("message", res.Message))
	return res, nil
}

func (res *Verification) broken(id int64, expected, actual, msg string) {
	res.FirstBrokenID = ID(id)
	res.ExpectedHash = expected
	res.ActualHash = actual
	res.Message = msg
}
