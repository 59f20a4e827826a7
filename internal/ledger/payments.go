package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ctrlai/tally/internal/history"
)

// Recurrence intervals.
var recurrenceIntervals = []string{"daily", "weekly", "monthly", "yearly"}

const dateLayout = "2006-01-02"

// PaymentInput describes a payment and how it is split.
type PaymentInput struct {
	PayerID            int64         `json:"payer_id"`
	Amount             history.Money `json:"amount"`
	Currency           string        `json:"currency"`
	Description        string        `json:"description"`
	PaidOn             string        `json:"paid_on"`
	IsRecurring        bool          `json:"is_recurring"`
	RecurrenceInterval string        `json:"recurrence_interval"`
	RecurrenceEndDate  string        `json:"recurrence_end_date"`
	Shares             []Share       `json:"shares"`
}

func (in PaymentInput) validate() error {
	if in.PayerID == 0 {
		return invalid("payer_id is required")
	}
	if in.Amount <= 0 {
		return invalid("amount must be positive")
	}
	if len(in.Shares) == 0 {
		return invalid("at least one share is required")
	}
	if in.PaidOn != "" {
		if _, err := time.Parse(dateLayout, in.PaidOn); err != nil {
			return invalid("paid_on must be YYYY-MM-DD")
		}
	}
	if !in.IsRecurring {
		if in.RecurrenceInterval != "" || in.RecurrenceEndDate != "" {
			return invalid("recurrence fields require is_recurring")
		}
		return nil
	}
	ok := false
	for _, iv := range recurrenceIntervals {
		ok = ok || iv == in.RecurrenceInterval
	}
	if !ok {
		return invalid("recurrence_interval must be one of %s", strings.Join(recurrenceIntervals, ", "))
	}
	if in.RecurrenceEndDate != "" {
		if _, err := time.Parse(dateLayout, in.RecurrenceEndDate); err != nil {
			return invalid("recurrence_end_date must be YYYY-MM-DD")
		}
	}
	return nil
}

// build resolves the shares against the project's participants and splits
// the amount. Zero share weights fall back to the participant's weight.
func (in PaymentInput) build(ctx context.Context, r history.Reader, p *history.PaymentSnapshot, defaultCurrency string) error {
	payer, err := r.Participant(ctx, in.PayerID)
	if err != nil {
		return err
	}
	if payer.ProjectID != p.ProjectID {
		return invalid("payer %d belongs to another project", in.PayerID)
	}

	shares := make([]Share, len(in.Shares))
	for i, sh := range in.Shares {
		part, err := r.Participant(ctx, sh.ParticipantID)
		if err != nil {
			return err
		}
		if part.ProjectID != p.ProjectID {
			return invalid("participant %d belongs to another project", sh.ParticipantID)
		}
		if sh.Weight == 0 {
			sh.Weight = part.Weight
		}
		shares[i] = sh
	}
	contributions, err := Split(in.Amount, shares)
	if err != nil {
		return err
	}

	p.PayerID = in.PayerID
	p.Amount = in.Amount
	p.Currency = strings.ToUpper(in.Currency)
	if p.Currency == "" {
		p.Currency = defaultCurrency
	}
	p.Description = in.Description
	p.PaidOn = in.PaidOn
	if p.PaidOn == "" {
		p.PaidOn = time.Now().UTC().Format(dateLayout)
	}
	p.IsRecurring = in.IsRecurring
	p.RecurrenceInterval = in.RecurrenceInterval
	p.RecurrenceEndDate = in.RecurrenceEndDate
	p.Contributions = contributions
	return nil
}

// CreatePayment records a payment and its contributions.
func (s *Service) CreatePayment(ctx context.Context, actor, projectID int64, in PaymentInput) (history.PaymentSnapshot, error) {
	if err := in.validate(); err != nil {
		return history.PaymentSnapshot{}, err
	}
	p := history.PaymentSnapshot{ProjectID: projectID}
	err := s.store.Update(ctx, func(tx history.Tx) error {
		project, err := tx.Project(ctx, projectID)
		if err != nil {
			return err
		}
		if err := in.build(ctx, tx, &p, project.Currency); err != nil {
			return err
		}
		if err := tx.InsertPayment(ctx, &p); err != nil {
			return err
		}
		return s.record(ctx, tx, change{
			actor: actor, projectID: projectID, entityID: p.ID,
			action: history.ActionCreate, after: p,
		})
	})
	if err != nil {
		return history.PaymentSnapshot{}, fmt.Errorf("creating payment: %w", err)
	}
	s.logger.Debug("Payment created",
		zap.Int64("payment_id", p.ID),
		zap.String("amount", p.Amount.String()))
	return p, nil
}

// UpdatePayment replaces a payment's fields and re-splits it.
func (s *Service) UpdatePayment(ctx context.Context, actor, id int64, in PaymentInput) (history.PaymentSnapshot, error) {
	if err := in.validate(); err != nil {
		return history.PaymentSnapshot{}, err
	}
	var after history.PaymentSnapshot
	err := s.store.Update(ctx, func(tx history.Tx) error {
		before, err := tx.Payment(ctx, id)
		if err != nil {
			return err
		}
		after = history.PaymentSnapshot{ID: id, ProjectID: before.ProjectID}
		if err := in.build(ctx, tx, &after, before.Currency); err != nil {
			return err
		}
		if err := tx.UpdatePayment(ctx, after); err != nil {
			return err
		}
		after.Contributions, err = tx.ReplaceContributions(ctx, id, after.Contributions)
		if err != nil {
			return err
		}
		return s.record(ctx, tx, change{
			actor: actor, projectID: before.ProjectID, entityID: id,
			action: history.ActionUpdate, before: before, after: after,
		})
	})
	if err != nil {
		return history.PaymentSnapshot{}, fmt.Errorf("updating payment %d: %w", id, err)
	}
	return after, nil
}

// DeletePayment deletes a payment and its contributions.
func (s *Service) DeletePayment(ctx context.Context, actor, id int64) error {
	err := s.store.Update(ctx, func(tx history.Tx) error {
		before, err := tx.Payment(ctx, id)
		if err != nil {
			return err
		}
		if err := tx.DeletePayment(ctx, id); err != nil {
			return err
		}
		return s.record(ctx, tx, change{
			actor: actor, projectID: before.ProjectID, entityID: id,
			action: history.ActionDelete, before: before,
		})
	})
	if err != nil {
		return fmt.Errorf("deleting payment %d: %w", id, err)
	}
	return nil
}

// Payment returns a payment with its contributions.
func (s *Service) Payment(ctx context.Context, id int64) (history.PaymentSnapshot, error) {
	var p history.PaymentSnapshot
	err := s.store.View(ctx, func(r history.Reader) error {
		var err error
		p, err = r.Payment(ctx, id)
		return err
	})
	return p, err
}
