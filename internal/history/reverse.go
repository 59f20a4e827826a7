package history

import (
	"context"
	"errors"
	"fmt"
)

// reverser holds the inverse mutations for one entity kind. Every kind
// must decide all three actions; unsupported combinations return
// ErrUnsupportedEntityOrAction explicitly.
type reverser interface {
	undoCreate(ctx context.Context, tx Tx, target *Entry) error
	undoUpdate(ctx context.Context, tx Tx, target *Entry) error
	undoDelete(ctx context.Context, tx Tx, target *Entry) error
}

// reverserFor maps every member of the closed EntityType set to its
// reverser. It returns nil only for values outside the set.
func reverserFor(t EntityType) reverser {
	switch t {
	case EntityPayment:
		return paymentReverser{}
	case EntityParticipant:
		return participantReverser{}
	case EntityProjectMember:
		return memberReverser{}
	case EntityProject:
		return projectReverser{}
	case EntityContribution, EntityParticipantInvite:
		return unsupportedReverser{}
	}
	return nil
}

// --- payment ---

type paymentReverser struct{}

// undoCreate deletes the payment and its contributions.
func (paymentReverser) undoCreate(ctx context.Context, tx Tx, target *Entry) error {
	id := *target.EntityID
	return liveRow(tx.DeletePayment(ctx, id), EntityPayment, id)
}

// undoUpdate restores every scalar field, including recurrence, and the
// contribution rows when the before snapshot carries them.
func (paymentReverser) undoUpdate(ctx context.Context, tx Tx, target *Entry) error {
	before, err := DecodePayment(target.PayloadBefore)
	if err != nil {
		return err
	}
	if err := matchesTarget(before.ID, target); err != nil {
		return err
	}
	if err := participantsExist(ctx, tx, paymentParticipants(before)...); err != nil {
		return err
	}
	if err := tx.UpdatePayment(ctx, before); err != nil {
		return liveRow(err, EntityPayment, before.ID)
	}
	if before.Contributions != nil {
		if _, err := tx.ReplaceContributions(ctx, before.ID, before.Contributions); err != nil {
			return liveRow(err, EntityPayment, before.ID)
		}
	}
	return nil
}

// undoDelete re-inserts the payment under its original id, then its
// contribution rows from the nested snapshot.
func (paymentReverser) undoDelete(ctx context.Context, tx Tx, target *Entry) error {
	before, err := DecodePayment(target.PayloadBefore)
	if err != nil {
		return err
	}
	if err := matchesTarget(before.ID, target); err != nil {
		return err
	}
	if err := participantsExist(ctx, tx, paymentParticipants(before)...); err != nil {
		return err
	}
	return liveRow(tx.InsertPayment(ctx, &before), EntityPayment, before.ID)
}

// --- participant ---

type participantReverser struct{}

// undoCreate deletes the participant unless payments have been recorded
// against it since.
func (participantReverser) undoCreate(ctx context.Context, tx Tx, target *Entry) error {
	id := *target.EntityID
	inUse, err := tx.ParticipantInUse(ctx, id)
	if err != nil {
		return err
	}
	if inUse {
		return fmt.Errorf("%w: participant %d is referenced by payments", ErrInvalidTarget, id)
	}
	return liveRow(tx.DeleteParticipant(ctx, id), EntityParticipant, id)
}

// undoUpdate restores name, weight and account type.
func (participantReverser) undoUpdate(ctx context.Context, tx Tx, target *Entry) error {
	before, err := DecodeParticipant(target.PayloadBefore)
	if err != nil {
		return err
	}
	if err := matchesTarget(before.ID, target); err != nil {
		return err
	}
	current, err := tx.Participant(ctx, before.ID)
	if err != nil {
		return liveRow(err, EntityParticipant, before.ID)
	}
	current.Name = before.Name
	current.Weight = before.Weight
	current.AccountType = before.AccountType
	return liveRow(tx.UpdateParticipant(ctx, current), EntityParticipant, before.ID)
}

func (participantReverser) undoDelete(ctx context.Context, tx Tx, target *Entry) error {
	before, err := DecodeParticipant(target.PayloadBefore)
	if err != nil {
		return err
	}
	if err := matchesTarget(before.ID, target); err != nil {
		return err
	}
	return liveRow(tx.InsertParticipant(ctx, &before), EntityParticipant, before.ID)
}

// --- project member ---

type memberReverser struct{}

// undoCreate is not supported: removing a membership that others may have
// acted through is left to an explicit DELETE.
func (memberReverser) undoCreate(_ context.Context, _ Tx, target *Entry) error {
	return unsupported(target)
}

// undoUpdate restores role, participant link and status.
func (memberReverser) undoUpdate(ctx context.Context, tx Tx, target *Entry) error {
	before, err := DecodeMember(target.PayloadBefore)
	if err != nil {
		return err
	}
	if err := matchesTarget(before.ID, target); err != nil {
		return err
	}
	current, err := tx.Member(ctx, before.ID)
	if err != nil {
		return liveRow(err, EntityProjectMember, before.ID)
	}
	if before.ParticipantID != nil {
		if err := participantsExist(ctx, tx, *before.ParticipantID); err != nil {
			return err
		}
	}
	current.Role = before.Role
	current.ParticipantID = before.ParticipantID
	current.Status = before.Status
	return liveRow(tx.UpdateMember(ctx, current), EntityProjectMember, before.ID)
}

func (memberReverser) undoDelete(ctx context.Context, tx Tx, target *Entry) error {
	before, err := DecodeMember(target.PayloadBefore)
	if err != nil {
		return err
	}
	if err := matchesTarget(before.ID, target); err != nil {
		return err
	}
	if before.ParticipantID != nil {
		if err := participantsExist(ctx, tx, *before.ParticipantID); err != nil {
			return err
		}
	}
	return liveRow(tx.InsertMember(ctx, &before), EntityProjectMember, before.ID)
}

// --- project ---

// projectReverser only reverses settings changes. Creating or deleting a
// project cascades through every child row, so neither is reversible.
type projectReverser struct{}

func (projectReverser) undoCreate(_ context.Context, _ Tx, target *Entry) error {
	return unsupported(target)
}

// undoUpdate restores name, description and invite settings.
func (projectReverser) undoUpdate(ctx context.Context, tx Tx, target *Entry) error {
	before, err := DecodeProject(target.PayloadBefore)
	if err != nil {
		return err
	}
	if err := matchesTarget(before.ID, target); err != nil {
		return err
	}
	current, err := tx.Project(ctx, before.ID)
	if err != nil {
		return liveRow(err, EntityProject, before.ID)
	}
	current.Name = before.Name
	current.Description = before.Description
	current.InviteEnabled = before.InviteEnabled
	current.InviteRequiresApproval = before.InviteRequiresApproval
	return liveRow(tx.UpdateProject(ctx, current), EntityProject, before.ID)
}

func (projectReverser) undoDelete(_ context.Context, _ Tx, target *Entry) error {
	return unsupported(target)
}

// --- contribution, participant_invite ---

// unsupportedReverser covers kinds that are only ever changed as part of
// another entity (contributions) or are not reversible (invites).
type unsupportedReverser struct{}

func (unsupportedReverser) undoCreate(_ context.Context, _ Tx, target *Entry) error {
	return unsupported(target)
}

func (unsupportedReverser) undoUpdate(_ context.Context, _ Tx, target *Entry) error {
	return unsupported(target)
}

func (unsupportedReverser) undoDelete(_ context.Context, _ Tx, target *Entry) error {
	return unsupported(target)
}

// matchesTarget rejects a snapshot that describes a different row than
// the entry it is stored on.
func matchesTarget(snapshotID int64, target *Entry) error {
	if snapshotID != *target.EntityID {
		return fmt.Errorf("%w: snapshot id %d does not match entity id %d",
			ErrMalformedSnapshot, snapshotID, *target.EntityID)
	}
	return nil
}

// paymentParticipants lists the payer and every contributor of p.
func paymentParticipants(p PaymentSnapshot) []int64 {
	ids := make([]int64, 0, len(p.Contributions)+1)
	ids = append(ids, p.PayerID)
	for _, c := range p.Contributions {
		ids = append(ids, c.ParticipantID)
	}
	return ids
}

// participantsExist rejects a restore whose snapshot points at a
// participant that has been removed since.
func participantsExist(ctx context.Context, tx Tx, ids ...int64) error {
	for _, id := range ids {
		if _, err := tx.Participant(ctx, id); err != nil {
			if errors.Is(err, ErrNotFound) {
				return fmt.Errorf("%w: participant %d no longer exists", ErrInvalidTarget, id)
			}
			return err
		}
	}
	return nil
}

// liveRow translates missing or clashing rows into ErrInvalidTarget.
func liveRow(err error, kind EntityType, id int64) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound):
		return fmt.Errorf("%w: %s %d no longer exists", ErrInvalidTarget, kind, id)
	case errors.Is(err, ErrConflict):
		return fmt.Errorf("%w: %s %d already exists", ErrInvalidTarget, kind, id)
	}
	return err
}
