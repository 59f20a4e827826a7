package ledger

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ctrlai/tally/internal/history"
)

// ProjectInput carries the editable project settings.
type ProjectInput struct {
	Name                   string `json:"name"`
	Description            string `json:"description"`
	Currency               string `json:"currency"`
	InviteEnabled          bool   `json:"invite_enabled"`
	InviteRequiresApproval bool   `json:"invite_requires_approval"`
}

func (in ProjectInput) validate() error {
	if err := required("name", in.Name); err != nil {
		return err
	}
	if in.Currency != "" && len(in.Currency) != 3 {
		return invalid("currency must be a three-letter code, got %q", in.Currency)
	}
	return nil
}

func (in ProjectInput) apply(p *history.ProjectSnapshot) {
	p.Name = strings.TrimSpace(in.Name)
	p.Description = in.Description
	p.Currency = strings.ToUpper(in.Currency)
	if p.Currency == "" {
		p.Currency = history.DefaultCurrency
	}
	p.InviteEnabled = in.InviteEnabled
	p.InviteRequiresApproval = in.InviteRequiresApproval
}

// CreateProject creates a project. When actor is set, the actor also
// becomes its owner; both entries share a correlation id.
func (s *Service) CreateProject(ctx context.Context, actor int64, in ProjectInput) (history.ProjectSnapshot, error) {
	if err := in.validate(); err != nil {
		return history.ProjectSnapshot{}, err
	}
	ctx = withCorrelation(ctx)

	var p history.ProjectSnapshot
	in.apply(&p)
	err := s.store.Update(ctx, func(tx history.Tx) error {
		if err := tx.InsertProject(ctx, &p); err != nil {
			return err
		}
		if err := s.record(ctx, tx, change{
			actor: actor, projectID: p.ID, entityID: p.ID,
			action: history.ActionCreate, after: p,
		}); err != nil {
			return err
		}
		if actor == 0 {
			return nil
		}
		owner := history.MemberSnapshot{
			ProjectID: p.ID,
			UserID:    actor,
			Role:      RoleOwner,
			Status:    StatusActive,
		}
		if err := tx.InsertMember(ctx, &owner); err != nil {
			return err
		}
		return s.record(ctx, tx, change{
			actor: actor, projectID: p.ID, entityID: owner.ID,
			action: history.ActionCreate, after: owner,
		})
	})
	if err != nil {
		return history.ProjectSnapshot{}, fmt.Errorf("creating project: %w", err)
	}
	s.logger.Info("Project created", zap.Int64("project_id", p.ID))
	return p, nil
}

// UpdateProject replaces a project's settings.
func (s *Service) UpdateProject(ctx context.Context, actor, id int64, in ProjectInput) (history.ProjectSnapshot, error) {
	if err := in.validate(); err != nil {
		return history.ProjectSnapshot{}, err
	}
	var after history.ProjectSnapshot
	err := s.store.Update(ctx, func(tx history.Tx) error {
		before, err := tx.Project(ctx, id)
		if err != nil {
			return err
		}
		after = before
		in.apply(&after)
		if err := tx.UpdateProject(ctx, after); err != nil {
			return err
		}
		return s.record(ctx, tx, change{
			actor: actor, projectID: id, entityID: id,
			action: history.ActionUpdate, before: before, after: after,
		})
	})
	if err != nil {
		return history.ProjectSnapshot{}, fmt.Errorf("updating project %d: %w", id, err)
	}
	return after, nil
}

// DeleteProject deletes a project and, by cascade, everything in it.
// The deletion is recorded but cannot be undone.
func (s *Service) DeleteProject(ctx context.Context, actor, id int64) error {
	err := s.store.Update(ctx, func(tx history.Tx) error {
		before, err := tx.Project(ctx, id)
		if err != nil {
			return err
		}
		if err := tx.DeleteProject(ctx, id); err != nil {
			return err
		}
		return s.record(ctx, tx, change{
			actor: actor, projectID: id, entityID: id,
			action: history.ActionDelete, before: before,
		})
	})
	if err != nil {
		return fmt.Errorf("deleting project %d: %w", id, err)
	}
	s.logger.Info("Project deleted", zap.Int64("project_id", id))
	return nil
}

// Project returns a project's current settings.
func (s *Service) Project(ctx context.Context, id int64) (history.ProjectSnapshot, error) {
	var p history.ProjectSnapshot
	err := s.store.View(ctx, func(r history.Reader) error {
		var err error
		p, err = r.Project(ctx, id)
		return err
	})
	return p, err
}
