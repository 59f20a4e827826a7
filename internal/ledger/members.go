package ledger

import (
	"context"
	"fmt"

	"github.com/ctrlai/tally/internal/history"
)

// MemberInput carries the editable membership fields.
type MemberInput struct {
	UserID        int64  `json:"user_id"`
	ParticipantID *int64 `json:"participant_id"`
	Role          string `json:"role"`
	Status        string `json:"status"`
}

func (in MemberInput) validate() error {
	switch in.Role {
	case "", RoleOwner, RoleAdmin, RoleMember:
	default:
		return invalid("unknown role %q", in.Role)
	}
	switch in.Status {
	case "", StatusActive, StatusPending, StatusRemoved:
	default:
		return invalid("unknown status %q", in.Status)
	}
	return nil
}

func (in MemberInput) apply(m *history.MemberSnapshot) {
	m.ParticipantID = in.ParticipantID
	m.Role = in.Role
	if m.Role == "" {
		m.Role = history.DefaultRole
	}
	m.Status = in.Status
	if m.Status == "" {
		m.Status = history.DefaultStatus
	}
}

// checkParticipant verifies that an optional participant link points into
// the project.
func checkParticipant(ctx context.Context, r history.Reader, projectID int64, participantID *int64) error {
	if participantID == nil {
		return nil
	}
	p, err := r.Participant(ctx, *participantID)
	if err != nil {
		return err
	}
	if p.ProjectID != projectID {
		return invalid("participant %d belongs to another project", p.ID)
	}
	return nil
}

// AddMember adds a user to a project.
func (s *Service) AddMember(ctx context.Context, actor, projectID int64, in MemberInput) (history.MemberSnapshot, error) {
	if in.UserID == 0 {
		return history.MemberSnapshot{}, invalid("user_id is required")
	}
	if err := in.validate(); err != nil {
		return history.MemberSnapshot{}, err
	}
	m := history.MemberSnapshot{ProjectID: projectID, UserID: in.UserID}
	in.apply(&m)

	err := s.store.Update(ctx, func(tx history.Tx) error {
		if _, err := tx.Project(ctx, projectID); err != nil {
			return err
		}
		if err := checkParticipant(ctx, tx, projectID, m.ParticipantID); err != nil {
			return err
		}
		if err := tx.InsertMember(ctx, &m); err != nil {
			return err
		}
		return s.record(ctx, tx, change{
			actor: actor, projectID: projectID, entityID: m.ID,
			action: history.ActionCreate, after: m,
		})
	})
	if err != nil {
		return history.MemberSnapshot{}, fmt.Errorf("adding member: %w", err)
	}
	return m, nil
}

// UpdateMember changes a membership's role, participant link or status.
// The user cannot change.
func (s *Service) UpdateMember(ctx context.Context, actor, id int64, in MemberInput) (history.MemberSnapshot, error) {
	if err := in.validate(); err != nil {
		return history.MemberSnapshot{}, err
	}
	var after history.MemberSnapshot
	err := s.store.Update(ctx, func(tx history.Tx) error {
		before, err := tx.Member(ctx, id)
		if err != nil {
			return err
		}
		if in.UserID != 0 && in.UserID != before.UserID {
			return invalid("a membership's user cannot change")
		}
		if err := checkParticipant(ctx, tx, before.ProjectID, in.ParticipantID); err != nil {
			return err
		}
		after = before
		in.apply(&after)
		if err := tx.UpdateMember(ctx, after); err != nil {
			return err
		}
		return s.record(ctx, tx, change{
			actor: actor, projectID: before.ProjectID, entityID: id,
			action: history.ActionUpdate, before: before, after: after,
		})
	})
	if err != nil {
		return history.MemberSnapshot{}, fmt.Errorf("updating member %d: %w", id, err)
	}
	return after, nil
}

// RemoveMember deletes a membership.
func (s *Service) RemoveMember(ctx context.Context, actor, id int64) error {
	err := s.store.Update(ctx, func(tx history.Tx) error {
		before, err := tx.Member(ctx, id)
		if err != nil {
			return err
		}
		if err := tx.DeleteMember(ctx, id); err != nil {
			return err
		}
		return s.record(ctx, tx, change{
			actor: actor, projectID: before.ProjectID, entityID: id,
			action: history.ActionDelete, before: before,
		})
	})
	if err != nil {
		return fmt.Errorf("removing member %d: %w", id, err)
	}
	return nil
}
