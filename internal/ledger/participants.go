package ledger

import (
	"context"
	"fmt"
	"strings"

	"github.com/ctrlai/tally/internal/history"
)

// Account types a participant can have.
const (
	AccountUser  = history.DefaultAccountType
	AccountGuest = "guest"
	AccountPool  = "pool"
)

// ParticipantInput carries the editable participant fields.
type ParticipantInput struct {
	Name        string  `json:"name"`
	Weight      float64 `json:"weight"`
	AccountType string  `json:"account_type"`
	UserID      *int64  `json:"user_id"`
}

func (in ParticipantInput) validate() error {
	if err := required("name", in.Name); err != nil {
		return err
	}
	if in.Weight < 0 {
		return invalid("weight must not be negative")
	}
	switch in.AccountType {
	case "", AccountUser, AccountGuest, AccountPool:
	default:
		return invalid("unknown account type %q", in.AccountType)
	}
	return nil
}

func (in ParticipantInput) apply(p *history.ParticipantSnapshot) {
	p.Name = strings.TrimSpace(in.Name)
	p.Weight = in.Weight
	if p.Weight == 0 {
		p.Weight = history.DefaultWeight
	}
	p.AccountType = in.AccountType
	if p.AccountType == "" {
		p.AccountType = history.DefaultAccountType
	}
	p.UserID = in.UserID
}

// AddParticipant adds a participant to a project.
func (s *Service) AddParticipant(ctx context.Context, actor, projectID int64, in ParticipantInput) (history.ParticipantSnapshot, error) {
	if err := in.validate(); err != nil {
		return history.ParticipantSnapshot{}, err
	}
	p := history.ParticipantSnapshot{ProjectID: projectID}
	in.apply(&p)

	err := s.store.Update(ctx, func(tx history.Tx) error {
		if _, err := tx.Project(ctx, projectID); err != nil {
			return err
		}
		if err := tx.InsertParticipant(ctx, &p); err != nil {
			return err
		}
		return s.record(ctx, tx, change{
			actor: actor, projectID: projectID, entityID: p.ID,
			action: history.ActionCreate, after: p,
		})
	})
	if err != nil {
		return history.ParticipantSnapshot{}, fmt.Errorf("adding participant: %w", err)
	}
	return p, nil
}

// UpdateParticipant replaces a participant's editable fields.
func (s *Service) UpdateParticipant(ctx context.Context, actor, id int64, in ParticipantInput) (history.ParticipantSnapshot, error) {
	if err := in.validate(); err != nil {
		return history.ParticipantSnapshot{}, err
	}
	var after history.ParticipantSnapshot
	err := s.store.Update(ctx, func(tx history.Tx) error {
		before, err := tx.Participant(ctx, id)
		if err != nil {
			return err
		}
		after = before
		in.apply(&after)
		if err := tx.UpdateParticipant(ctx, after); err != nil {
			return err
		}
		return s.record(ctx, tx, change{
			actor: actor, projectID: before.ProjectID, entityID: id,
			action: history.ActionUpdate, before: before, after: after,
		})
	})
	if err != nil {
		return history.ParticipantSnapshot{}, fmt.Errorf("updating participant %d: %w", id, err)
	}
	return after, nil
}

// RemoveParticipant deletes a participant that no payment refers to.
func (s *Service) RemoveParticipant(ctx context.Context, actor, id int64) error {
	err := s.store.Update(ctx, func(tx history.Tx) error {
		before, err := tx.Participant(ctx, id)
		if err != nil {
			return err
		}
		inUse, err := tx.ParticipantInUse(ctx, id)
		if err != nil {
			return err
		}
		if inUse {
			return invalid("participant %d still has payments", id)
		}
		if err := tx.DeleteParticipant(ctx, id); err != nil {
			return err
		}
		return s.record(ctx, tx, change{
			actor: actor, projectID: before.ProjectID, entityID: id,
			action: history.ActionDelete, before: before,
		})
	})
	if err != nil {
		return fmt.Errorf("removing participant %d: %w", id, err)
	}
	return nil
}

// Participant returns a participant's current state.
func (s *Service) Participant(ctx context.Context, id int64) (history.ParticipantSnapshot, error) {
	var p history.ParticipantSnapshot
	err := s.store.View(ctx, func(r history.Reader) error {
		var err error
		p, err = r.Participant(ctx, id)
		return err
	})
	return p, err
}
