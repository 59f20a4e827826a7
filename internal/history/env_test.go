package history_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ctrlai/tally/internal/history"
	"github.com/ctrlai/tally/internal/ledger"
	"github.com/ctrlai/tally/internal/store"
)

// env wires the history services over a fresh SQLite database.
type env struct {
	path     string
	db       *store.DB
	writer   *history.Writer
	undo     *history.UndoEngine
	verifier *history.Verifier
	query    *history.QueryService
	ledger   *ledger.Service
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()
	logger := zap.NewNop()

	path := filepath.Join(t.TempDir(), "tally.db")
	db, err := store.Open(ctx, store.Config{Driver: store.DriverSQLite, Path: path}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate(ctx))

	w := history.NewWriter(db, logger)
	return &env{
		path:     path,
		db:       db,
		writer:   w,
		undo:     history.NewUndoEngine(db, w, logger),
		verifier: history.NewVerifier(db, 2, logger),
		query:    history.NewQueryService(db, history.Limits{}, logger),
		ledger:   ledger.NewService(db, w, logger),
	}
}

// raw opens a second connection that bypasses the services, for tampering
// with stored rows.
func (e *env) raw(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", e.path+"?_pragma=busy_timeout(5000)")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func (e *env) count(t *testing.T, table string) int {
	t.Helper()
	var n int
	require.NoError(t, e.raw(t).QueryRow("SELECT COUNT(*) FROM "+table).Scan(&n))
	return n
}

// flat is a project with an owner and two participants of weight 1.
type flat struct {
	owner   int64
	project history.ProjectSnapshot
	alice   history.ParticipantSnapshot
	bob     history.ParticipantSnapshot
}

func newFlat(t *testing.T, e *env) flat {
	t.Helper()
	ctx := context.Background()

	owner, err := e.ledger.CreateUser(ctx, "Alice")
	require.NoError(t, err)
	project, err := e.ledger.CreateProject(ctx, owner, ledger.ProjectInput{Name: "Flat", Currency: "eur"})
	require.NoError(t, err)
	alice, err := e.ledger.AddParticipant(ctx, owner, project.ID, ledger.ParticipantInput{Name: "Alice", UserID: &owner})
	require.NoError(t, err)
	bob, err := e.ledger.AddParticipant(ctx, owner, project.ID, ledger.ParticipantInput{Name: "Bob", AccountType: ledger.AccountGuest})
	require.NoError(t, err)

	return flat{owner: owner, project: project, alice: alice, bob: bob}
}

func (f flat) rent(t *testing.T, e *env) history.PaymentSnapshot {
	t.Helper()
	p, err := e.ledger.CreatePayment(context.Background(), f.owner, f.project.ID, ledger.PaymentInput{
		PayerID:     f.alice.ID,
		Amount:      10000,
		Description: "Rent",
		PaidOn:      "2026-02-01",
		Shares: []ledger.Share{
			{ParticipantID: f.alice.ID},
			{ParticipantID: f.bob.ID},
		},
	})
	require.NoError(t, err)
	return p
}

// lastEntry returns the newest entry recorded for an entity.
func (e *env) lastEntry(t *testing.T, projectID int64, et history.EntityType, id int64) history.EntryView {
	t.Helper()
	entries, err := e.query.EntityHistory(context.Background(), projectID, et, id)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	return entries[0]
}
