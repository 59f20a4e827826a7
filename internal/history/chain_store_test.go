package history_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctrlai/tally/internal/history"
	"github.com/ctrlai/tally/internal/ledger"
)

func TestVerify_EmptyLog(t *testing.T) {
	e := newEnv(t)

	res, err := e.verifier.Verify(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, 0, res.TotalEntries)
	assert.Nil(t, res.FirstBrokenID)
}

func TestVerify_ValidChain(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	f := newFlat(t, e)
	f.rent(t, e)

	var all []history.Entry
	require.NoError(t, e.db.View(ctx, func(r history.Reader) error {
		var err error
		all, err = r.EntriesAfter(ctx, 0, 100)
		return err
	}))
	// project, owner membership, two participants, payment
	require.Len(t, all, 5)
	assert.Equal(t, "", all[0].PreviousHash)
	for i := 1; i < len(all); i++ {
		assert.Equal(t, all[i-1].EntryHash, all[i].PreviousHash, "entry %d", all[i].ID)
		assert.Greater(t, all[i].ID, all[i-1].ID)
	}

	res, err := e.verifier.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, res.Valid, res.Message)
	assert.Equal(t, 5, res.TotalEntries)
}

func TestVerify_DetectsTampering(t *testing.T) {
	tests := []struct {
		name   string
		stmt   string
		broken int64
	}{
		{"entry_hash", "UPDATE history_entries SET entry_hash = 'sha256:00' WHERE id = 3", 3},
		{"previous_hash", "UPDATE history_entries SET previous_hash = 'sha256:00' WHERE id = 3", 3},
		{"payload_after", `UPDATE history_entries SET payload_after = '{"id":1,"name":"Mallory"}' WHERE id = 3`, 3},
		{"created_at", "UPDATE history_entries SET created_at_ms = created_at_ms + 1 WHERE id = 2", 2},
		{"actor", "UPDATE history_entries SET actor_user_id = 99 WHERE id = 4", 4},
		{"action", "UPDATE history_entries SET action = 'DELETE' WHERE id = 5", 5},
		{"deleted row", "DELETE FROM history_entries WHERE id = 2", 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			ctx := context.Background()
			f := newFlat(t, e)
			f.rent(t, e)

			_, err := e.raw(t).Exec(tt.stmt)
			require.NoError(t, err)

			res, err := e.verifier.Verify(ctx)
			require.NoError(t, err)
			assert.False(t, res.Valid)
			require.NotNil(t, res.FirstBrokenID)
			assert.Equal(t, tt.broken, *res.FirstBrokenID)
			assert.NotEmpty(t, res.ExpectedHash)
			assert.NotEqual(t, res.ExpectedHash, res.ActualHash)
			assert.NotEmpty(t, res.Message)
		})
	}
}

func TestWriter_ConcurrentAppendsKeepChainLinear(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	f := newFlat(t, e)

	const workers = 16
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.ledger.AddParticipant(ctx, f.owner, f.project.ID, ledger.ParticipantInput{
				Name: "Guest " + string(rune('A'+i)),
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	res, err := e.verifier.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, res.Valid, res.Message)
	assert.Equal(t, 4+workers, res.TotalEntries)
}

func TestWriter_SubscribersSeeOnlyCommittedEntries(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	var mu sync.Mutex
	var seen []history.Entry
	e.writer.Subscribe(func(en history.Entry) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, en)
	})

	boom := errors.New("boom")
	err := e.db.Update(ctx, func(tx history.Tx) error {
		if _, err := e.writer.Append(ctx, tx, history.Event{
			EntityType: history.EntityProject, EntityID: history.ID(1), Action: history.ActionCreate,
			After: history.Payload(`{"id":1}`),
		}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 0, e.count(t, "history_entries"))

	id, err := e.writer.Log(ctx, history.Event{
		EntityType: history.EntityProject, EntityID: history.ID(1), Action: history.ActionCreate,
		After: history.Payload(`{"id":1}`),
	})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 1)
	assert.Equal(t, id, seen[0].ID)
	assert.Equal(t, "", seen[0].PreviousHash)
}

func TestWriter_CorrelationIDs(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	f := newFlat(t, e)

	views, err := e.query.ProjectHistory(ctx, f.project.ID, history.ProjectQuery{EntityType: "project*"})
	require.NoError(t, err)
	require.Len(t, views, 2)
	assert.NotEmpty(t, views[0].CorrelationID)
	assert.Equal(t, views[0].CorrelationID, views[1].CorrelationID,
		"project and owner membership are one operation")

	ctx = history.WithCorrelationID(ctx, "import-42")
	p, err := e.ledger.AddParticipant(ctx, f.owner, f.project.ID, ledger.ParticipantInput{Name: "Carol"})
	require.NoError(t, err)
	assert.Equal(t, "import-42", e.lastEntry(t, f.project.ID, history.EntityParticipant, p.ID).CorrelationID)

	alice := e.lastEntry(t, f.project.ID, history.EntityParticipant, f.alice.ID)
	bob := e.lastEntry(t, f.project.ID, history.EntityParticipant, f.bob.ID)
	assert.NotEqual(t, alice.CorrelationID, bob.CorrelationID)
}
