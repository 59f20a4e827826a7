package history_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctrlai/tally/internal/history"
	"github.com/ctrlai/tally/internal/ledger"
)

func TestUndo_PaymentCreateRemovesPaymentAndContributions(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	f := newFlat(t, e)

	payment := f.rent(t, e)
	require.Len(t, payment.Contributions, 2)
	for _, c := range payment.Contributions {
		assert.Equal(t, history.Money(5000), c.Amount)
		assert.Equal(t, "50.00", c.Amount.String())
	}
	assert.Equal(t, 1, e.count(t, "payments"))
	assert.Equal(t, 2, e.count(t, "contributions"))

	created := e.lastEntry(t, f.project.ID, history.EntityPayment, payment.ID)
	require.Equal(t, history.ActionCreate, created.Action)

	undo, err := e.undo.Undo(ctx, created.ID, f.owner, "entered twice")
	require.NoError(t, err)

	assert.Equal(t, 0, e.count(t, "payments"))
	assert.Equal(t, 0, e.count(t, "contributions"))
	_, err = e.ledger.Payment(ctx, payment.ID)
	assert.ErrorIs(t, err, history.ErrNotFound)

	assert.Equal(t, history.ActionUndo, undo.Action)
	assert.Equal(t, history.EntityPayment, undo.EntityType)
	assert.Equal(t, payment.ID, *undo.EntityID)
	assert.Equal(t, f.project.ID, *undo.ProjectID)
	assert.Equal(t, created.ID, *undo.UndoesHistoryID)
	assert.Equal(t, f.owner, *undo.ActorUserID)
	assert.Equal(t, "entered twice", undo.Reason)
	assert.Nil(t, undo.PayloadAfter)
	assert.Equal(t, created.PayloadAfter, undo.PayloadBefore)
	assert.Equal(t, created.EntryHash, undo.PreviousHash)

	res, err := e.verifier.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, res.Valid, res.Message)
}

func TestUndo_OnlyOnce(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	f := newFlat(t, e)
	payment := f.rent(t, e)
	created := e.lastEntry(t, f.project.ID, history.EntityPayment, payment.ID)

	undo, err := e.undo.Undo(ctx, created.ID, f.owner, "")
	require.NoError(t, err)
	before := e.count(t, "history_entries")

	_, err = e.undo.Undo(ctx, created.ID, f.owner, "")
	assert.ErrorIs(t, err, history.ErrAlreadyUndone)

	_, err = e.undo.Undo(ctx, undo.ID, f.owner, "")
	assert.ErrorIs(t, err, history.ErrCannotUndoAnUndo)

	_, err = e.undo.Undo(ctx, 9999, f.owner, "")
	assert.ErrorIs(t, err, history.ErrEntryNotFound)

	assert.Equal(t, before, e.count(t, "history_entries"), "failed undos must not append")
}

func TestUndo_PaymentUpdateRestoresFieldsAndSplit(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	f := newFlat(t, e)
	original := f.rent(t, e)

	_, err := e.ledger.UpdatePayment(ctx, f.owner, original.ID, ledger.PaymentInput{
		PayerID:            f.bob.ID,
		Amount:             9000,
		Description:        "Rent (corrected)",
		PaidOn:             "2026-02-02",
		IsRecurring:        true,
		RecurrenceInterval: "monthly",
		Shares:             []ledger.Share{{ParticipantID: f.alice.ID, Weight: 2}, {ParticipantID: f.bob.ID, Weight: 1}},
	})
	require.NoError(t, err)

	updated := e.lastEntry(t, f.project.ID, history.EntityPayment, original.ID)
	require.Equal(t, history.ActionUpdate, updated.Action)

	undo, err := e.undo.Undo(ctx, updated.ID, f.owner, "")
	require.NoError(t, err)
	assert.Equal(t, updated.PayloadAfter, undo.PayloadBefore)
	assert.Equal(t, updated.PayloadBefore, undo.PayloadAfter)

	restored, err := e.ledger.Payment(ctx, original.ID)
	require.NoError(t, err)
	assert.Equal(t, original, restored)
	assert.Equal(t, 2, e.count(t, "contributions"))
}

func TestUndo_PaymentDeleteRestoresUnderOriginalID(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	f := newFlat(t, e)
	original := f.rent(t, e)

	require.NoError(t, e.ledger.DeletePayment(ctx, f.owner, original.ID))
	deleted := e.lastEntry(t, f.project.ID, history.EntityPayment, original.ID)
	require.Equal(t, history.ActionDelete, deleted.Action)
	assert.Nil(t, deleted.PayloadAfter)

	_, err := e.undo.Undo(ctx, deleted.ID, f.owner, "")
	require.NoError(t, err)

	restored, err := e.ledger.Payment(ctx, original.ID)
	require.NoError(t, err)
	assert.Equal(t, original, restored)
}

func TestUndo_ParticipantLifecycle(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	f := newFlat(t, e)

	renamed, err := e.ledger.UpdateParticipant(ctx, f.owner, f.bob.ID, ledger.ParticipantInput{Name: "Robert", Weight: 2, AccountType: ledger.AccountGuest})
	require.NoError(t, err)
	assert.Equal(t, "Robert", renamed.Name)

	_, err = e.undo.Undo(ctx, e.lastEntry(t, f.project.ID, history.EntityParticipant, f.bob.ID).ID, f.owner, "")
	require.NoError(t, err)
	got, err := e.ledger.Participant(ctx, f.bob.ID)
	require.NoError(t, err)
	assert.Equal(t, f.bob, got)

	require.NoError(t, e.ledger.RemoveParticipant(ctx, f.owner, f.bob.ID))
	_, err = e.undo.Undo(ctx, e.lastEntry(t, f.project.ID, history.EntityParticipant, f.bob.ID).ID, f.owner, "")
	require.NoError(t, err)
	got, err = e.ledger.Participant(ctx, f.bob.ID)
	require.NoError(t, err)
	assert.Equal(t, f.bob, got)
}

func TestUndo_ParticipantCreateRefusedWhileReferenced(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	f := newFlat(t, e)
	f.rent(t, e)

	var created history.EntryView
	entries, err := e.query.EntityHistory(ctx, f.project.ID, history.EntityParticipant, f.bob.ID)
	require.NoError(t, err)
	created = entries[len(entries)-1]
	require.Equal(t, history.ActionCreate, created.Action)

	_, err = e.undo.Undo(ctx, created.ID, f.owner, "")
	assert.ErrorIs(t, err, history.ErrInvalidTarget)

	_, err = e.ledger.Participant(ctx, f.bob.ID)
	assert.NoError(t, err, "participant must survive the refused undo")
}

func TestUndo_VanishedTargetLeavesStateUntouched(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	f := newFlat(t, e)

	_, err := e.ledger.UpdateParticipant(ctx, f.owner, f.bob.ID, ledger.ParticipantInput{Name: "Robert"})
	require.NoError(t, err)
	update := e.lastEntry(t, f.project.ID, history.EntityParticipant, f.bob.ID)
	require.NoError(t, e.ledger.RemoveParticipant(ctx, f.owner, f.bob.ID))

	before := e.count(t, "history_entries")
	_, err = e.undo.Undo(ctx, update.ID, f.owner, "")
	assert.ErrorIs(t, err, history.ErrInvalidTarget)
	assert.Equal(t, before, e.count(t, "history_entries"))
	assert.Equal(t, 1, e.count(t, "participants"))
}

func TestUndo_MembershipAndProject(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	f := newFlat(t, e)

	bobUser, err := e.ledger.CreateUser(ctx, "Bob")
	require.NoError(t, err)
	member, err := e.ledger.AddMember(ctx, f.owner, f.project.ID, ledger.MemberInput{UserID: bobUser, ParticipantID: &f.bob.ID})
	require.NoError(t, err)

	_, err = e.undo.Undo(ctx, e.lastEntry(t, f.project.ID, history.EntityProjectMember, member.ID).ID, f.owner, "")
	assert.ErrorIs(t, err, history.ErrUnsupportedEntityOrAction)

	_, err = e.ledger.UpdateMember(ctx, f.owner, member.ID, ledger.MemberInput{Role: ledger.RoleAdmin, Status: ledger.StatusPending})
	require.NoError(t, err)
	_, err = e.undo.Undo(ctx, e.lastEntry(t, f.project.ID, history.EntityProjectMember, member.ID).ID, f.owner, "")
	require.NoError(t, err)

	require.NoError(t, e.ledger.RemoveMember(ctx, f.owner, member.ID))
	_, err = e.undo.Undo(ctx, e.lastEntry(t, f.project.ID, history.EntityProjectMember, member.ID).ID, f.owner, "")
	require.NoError(t, err)

	var role, status string
	var participant int64
	require.NoError(t, e.raw(t).QueryRow(
		"SELECT role, status, participant_id FROM project_members WHERE id = ?", member.ID).
		Scan(&role, &status, &participant))
	assert.Equal(t, ledger.RoleMember, role)
	assert.Equal(t, ledger.StatusActive, status)
	assert.Equal(t, f.bob.ID, participant)

	// Project settings can be reverted; creation cannot.
	_, err = e.ledger.UpdateProject(ctx, f.owner, f.project.ID, ledger.ProjectInput{Name: "Shared flat", Currency: "EUR", InviteEnabled: true})
	require.NoError(t, err)
	_, err = e.undo.Undo(ctx, e.lastEntry(t, f.project.ID, history.EntityProject, f.project.ID).ID, f.owner, "")
	require.NoError(t, err)
	p, err := e.ledger.Project(ctx, f.project.ID)
	require.NoError(t, err)
	assert.Equal(t, f.project, p)

	entries, err := e.query.EntityHistory(ctx, f.project.ID, history.EntityProject, f.project.ID)
	require.NoError(t, err)
	_, err = e.undo.Undo(ctx, entries[len(entries)-1].ID, f.owner, "")
	assert.ErrorIs(t, err, history.ErrUnsupportedEntityOrAction)
}

func TestUndo_InviteIsNotReversible(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	f := newFlat(t, e)

	_, err := e.ledger.CreateInvite(ctx, f.owner, f.project.ID, &f.bob.ID)
	assert.ErrorIs(t, err, ledger.ErrInvalidInput, "invites are disabled by default")

	_, err = e.ledger.UpdateProject(ctx, f.owner, f.project.ID, ledger.ProjectInput{Name: "Flat", InviteEnabled: true})
	require.NoError(t, err)
	inv, err := e.ledger.CreateInvite(ctx, f.owner, f.project.ID, &f.bob.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, inv.Token)

	_, err = e.undo.Undo(ctx, e.lastEntry(t, f.project.ID, history.EntityParticipantInvite, inv.ID).ID, f.owner, "")
	assert.ErrorIs(t, err, history.ErrUnsupportedEntityOrAction)
}

func TestUndo_EntryWithoutEntityID(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	id, err := e.writer.Log(ctx, history.Event{EntityType: history.EntityPayment, Action: history.ActionCreate})
	require.NoError(t, err)
	before := e.count(t, "history_entries")

	_, err = e.undo.Undo(ctx, id, 0, "")
	assert.ErrorIs(t, err, history.ErrInvalidTarget)
	assert.Equal(t, before, e.count(t, "history_entries"))
}

// Restoring a row whose snapshot names a participant removed since must be
// refused as an invalid target rather than surface a constraint failure.
func TestUndo_RestoreReferencingRemovedParticipant(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, e *env, f flat) history.EntryView
		table string
		rows  int
	}{
		{
			name: "payment delete",
			setup: func(t *testing.T, e *env, f flat) history.EntryView {
				ctx := context.Background()
				p := f.rent(t, e)
				require.NoError(t, e.ledger.DeletePayment(ctx, f.owner, p.ID))
				deleted := e.lastEntry(t, f.project.ID, history.EntityPayment, p.ID)
				require.NoError(t, e.ledger.RemoveParticipant(ctx, f.owner, f.bob.ID))
				return deleted
			},
			table: "payments",
			rows:  0,
		},
		{
			name: "payment update",
			setup: func(t *testing.T, e *env, f flat) history.EntryView {
				ctx := context.Background()
				p := f.rent(t, e)
				_, err := e.ledger.UpdatePayment(ctx, f.owner, p.ID, ledger.PaymentInput{
					PayerID: f.alice.ID, Amount: 10000, Description: "Rent", PaidOn: "2026-02-01",
					Shares: []ledger.Share{{ParticipantID: f.alice.ID}},
				})
				require.NoError(t, err)
				updated := e.lastEntry(t, f.project.ID, history.EntityPayment, p.ID)
				require.NoError(t, e.ledger.RemoveParticipant(ctx, f.owner, f.bob.ID))
				return updated
			},
			table: "contributions",
			rows:  1,
		},
		{
			name: "member update",
			setup: func(t *testing.T, e *env, f flat) history.EntryView {
				ctx := context.Background()
				bobUser, err := e.ledger.CreateUser(ctx, "Bob")
				require.NoError(t, err)
				m, err := e.ledger.AddMember(ctx, f.owner, f.project.ID, ledger.MemberInput{UserID: bobUser, ParticipantID: &f.bob.ID})
				require.NoError(t, err)
				_, err = e.ledger.UpdateMember(ctx, f.owner, m.ID, ledger.MemberInput{ParticipantID: &f.alice.ID})
				require.NoError(t, err)
				updated := e.lastEntry(t, f.project.ID, history.EntityProjectMember, m.ID)
				require.NoError(t, e.ledger.RemoveParticipant(ctx, f.owner, f.bob.ID))
				return updated
			},
			table: "project_members",
			rows:  2,
		},
		{
			name: "member delete",
			setup: func(t *testing.T, e *env, f flat) history.EntryView {
				ctx := context.Background()
				bobUser, err := e.ledger.CreateUser(ctx, "Bob")
				require.NoError(t, err)
				m, err := e.ledger.AddMember(ctx, f.owner, f.project.ID, ledger.MemberInput{UserID: bobUser, ParticipantID: &f.bob.ID})
				require.NoError(t, err)
				require.NoError(t, e.ledger.RemoveMember(ctx, f.owner, m.ID))
				deleted := e.lastEntry(t, f.project.ID, history.EntityProjectMember, m.ID)
				require.NoError(t, e.ledger.RemoveParticipant(ctx, f.owner, f.bob.ID))
				return deleted
			},
			table: "project_members",
			rows:  1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			f := newFlat(t, e)
			target := tt.setup(t, e, f)
			entries := e.count(t, "history_entries")

			_, err := e.undo.Undo(context.Background(), target.ID, f.owner, "")
			assert.ErrorIs(t, err, history.ErrInvalidTarget)
			assert.True(t, history.IsDomainError(err), "a removed participant is not a storage fault")
			assert.Equal(t, entries, e.count(t, "history_entries"))
			assert.Equal(t, tt.rows, e.count(t, tt.table))
		})
	}
}
