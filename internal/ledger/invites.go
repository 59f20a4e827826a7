package ledger

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/ctrlai/tally/internal/history"
)

// InviteStatusPending is the state of a freshly created invite.
const InviteStatusPending = "pending"

// CreateInvite creates an invitation to a project, optionally tied to the
// participant the invitee will claim. Invites are recorded in the history
// log but are not reversible.
func (s *Service) CreateInvite(ctx context.Context, actor, projectID int64, participantID *int64) (history.InviteSnapshot, error) {
	inv := history.InviteSnapshot{
		ProjectID:     projectID,
		ParticipantID: participantID,
		Token:         uuid.NewString(),
		Status:        InviteStatusPending,
	}
	if actor != 0 {
		inv.CreatedBy = history.ID(actor)
	}

	err := s.store.Update(ctx, func(tx history.Tx) error {
		project, err := tx.Project(ctx, projectID)
		if err != nil {
			return err
		}
		if !project.InviteEnabled {
			return invalid("invites are disabled for project %d", projectID)
		}
		if err := checkParticipant(ctx, tx, projectID, participantID); err != nil {
			return err
		}
		if err := tx.InsertInvite(ctx, &inv); err != nil {
			return err
		}
		return s.record(ctx, tx, change{
			actor: actor, projectID: projectID, entityID: inv.ID,
			action: history.ActionCreate, after: inv,
		})
	})
	if err != nil {
		return history.InviteSnapshot{}, fmt.Errorf("creating invite: %w", err)
	}
	return inv, nil
}
