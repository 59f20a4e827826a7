package store

import (
	"context"
	"fmt"

	"github.com/ctrlai/tally/internal/history"
)

func (t *txn) Payment(ctx context.Context, id int64) (history.PaymentSnapshot, error) {
	var p history.PaymentSnapshot
	var amount int64
	err := t.queryRow(ctx,
		`SELECT id, project_id, payer_id, amount_cents, currency, description, paid_on,
			is_recurring, recurrence_interval, recurrence_end_date
		 FROM payments WHERE id = ?`, id).
		Scan(&p.ID, &p.ProjectID, &p.PayerID, &amount, &p.Currency, &p.Description, &p.PaidOn,
			&p.IsRecurring, &p.RecurrenceInterval, &p.RecurrenceEndDate)
	if err != nil {
		return history.PaymentSnapshot{}, notFound(err, fmt.Sprintf("payment %d", id))
	}
	p.Amount = history.Money(amount)

	p.Contributions, err = t.contributions(ctx, id)
	if err != nil {
		return history.PaymentSnapshot{}, err
	}
	return p, nil
}

func (t *txn) contributions(ctx context.Context, paymentID int64) ([]history.ContributionSnapshot, error) {
	rows, err := t.query(ctx,
		`SELECT id, payment_id, participant_id, weight, amount_cents
		 FROM contributions WHERE payment_id = ? ORDER BY participant_id, id`, paymentID)
	if err != nil {
		return nil, fmt.Errorf("querying contributions of payment %d: %w", paymentID, err)
	}
	defer rows.Close()

	cs := []history.ContributionSnapshot{}
	for rows.Next() {
		var c history.ContributionSnapshot
		var amount int64
		if err := rows.Scan(&c.ID, &c.PaymentID, &c.ParticipantID, &c.Weight, &amount); err != nil {
			return nil, fmt.Errorf("scanning contribution: %w", err)
		}
		c.Amount = history.Money(amount)
		cs = append(cs, c)
	}
	return cs, rows.Err()
}

// InsertPayment stores p and its contributions, filling in generated ids.
func (t *txn) InsertPayment(ctx context.Context, p *history.PaymentSnapshot) error {
	var id int64
	var err error
	if p.ID == 0 {
		id, err = t.insertReturningID(ctx,
			`INSERT INTO payments (project_id, payer_id, amount_cents, currency, description, paid_on,
				is_recurring, recurrence_interval, recurrence_end_date)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`,
			p.ProjectID, p.PayerID, int64(p.Amount), p.Currency, p.Description, p.PaidOn,
			p.IsRecurring, p.RecurrenceInterval, p.RecurrenceEndDate)
	} else {
		id, err = t.insertReturningID(ctx,
			`INSERT INTO payments (id, project_id, payer_id, amount_cents, currency, description, paid_on,
				is_recurring, recurrence_interval, recurrence_end_date)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`,
			p.ID, p.ProjectID, p.PayerID, int64(p.Amount), p.Currency, p.Description, p.PaidOn,
			p.IsRecurring, p.RecurrenceInterval, p.RecurrenceEndDate)
	}
	if err != nil {
		return fmt.Errorf("inserting payment: %w", err)
	}
	p.ID = id

	for i := range p.Contributions {
		if err := t.insertContribution(ctx, id, &p.Contributions[i]); err != nil {
			return err
		}
	}
	return nil
}

func (t *txn) insertContribution(ctx context.Context, paymentID int64, c *history.ContributionSnapshot) error {
	var id int64
	var err error
	if c.ID == 0 {
		id, err = t.insertReturningID(ctx,
			`INSERT INTO contributions (payment_id, participant_id, weight, amount_cents)
			 VALUES (?, ?, ?, ?) RETURNING id`,
			paymentID, c.ParticipantID, c.Weight, int64(c.Amount))
	} else {
		id, err = t.insertReturningID(ctx,
			`INSERT INTO contributions (id, payment_id, participant_id, weight, amount_cents)
			 VALUES (?, ?, ?, ?, ?) RETURNING id`,
			c.ID, paymentID, c.ParticipantID, c.Weight, int64(c.Amount))
	}
	if err != nil {
		return fmt.Errorf("inserting contribution: %w", err)
	}
	c.ID = id
	c.PaymentID = paymentID
	return nil
}

// UpdatePayment overwrites the payment's scalar fields. Contributions are
// left alone; see ReplaceContributions.
func (t *txn) UpdatePayment(ctx context.Context, p history.PaymentSnapshot) error {
	return t.execAffecting(ctx, fmt.Sprintf("payment %d", p.ID),
		`UPDATE payments SET payer_id = ?, amount_cents = ?, currency = ?, description = ?,
			paid_on = ?, is_recurring = ?, recurrence_interval = ?, recurrence_end_date = ?
		 WHERE id = ?`,
		p.PayerID, int64(p.Amount), p.Currency, p.Description,
		p.PaidOn, p.IsRecurring, p.RecurrenceInterval, p.RecurrenceEndDate, p.ID)
}

// ReplaceContributions swaps the payment's contribution rows for cs and
// returns them with ids assigned.
func (t *txn) ReplaceContributions(ctx context.Context, paymentID int64, cs []history.ContributionSnapshot) ([]history.ContributionSnapshot, error) {
	var exists int64
	if err := t.queryRow(ctx, "SELECT COUNT(*) FROM payments WHERE id = ?", paymentID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("checking payment %d: %w", paymentID, err)
	}
	if exists == 0 {
		return nil, fmt.Errorf("%w: payment %d", history.ErrNotFound, paymentID)
	}

	if _, err := t.exec(ctx, "DELETE FROM contributions WHERE payment_id = ?", paymentID); err != nil {
		return nil, fmt.Errorf("clearing contributions of payment %d: %w", paymentID, err)
	}

	out := make([]history.ContributionSnapshot, len(cs))
	copy(out, cs)
	for i := range out {
		if err := t.insertContribution(ctx, paymentID, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// DeletePayment removes the payment together with its contributions.
func (t *txn) DeletePayment(ctx context.Context, id int64) error {
	if _, err := t.exec(ctx, "DELETE FROM contributions WHERE payment_id = ?", id); err != nil {
		return fmt.Errorf("deleting contributions of payment %d: %w", id, err)
	}
	return t.execAffecting(ctx, fmt.Sprintf("payment %d", id),
		"DELETE FROM payments WHERE id = ?", id)
}
