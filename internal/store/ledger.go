package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ctrlai/tally/internal/history"
)

// Domain rows. Insert methods honour a non-zero ID so a deleted row can be
// restored under its original id.

// --- users ---

func (t *txn) InsertUser(ctx context.Context, displayName string) (int64, error) {
	return t.insertReturningID(ctx,
		"INSERT INTO users (display_name) VALUES (?) RETURNING id", displayName)
}

// --- projects ---

func (t *txn) Project(ctx context.Context, id int64) (history.ProjectSnapshot, error) {
	var p history.ProjectSnapshot
	err := t.queryRow(ctx,
		`SELECT id, name, description, currency, invite_enabled, invite_requires_approval
		 FROM projects WHERE id = ?`, id).
		Scan(&p.ID, &p.Name, &p.Description, &p.Currency, &p.InviteEnabled, &p.InviteRequiresApproval)
	if err != nil {
		return history.ProjectSnapshot{}, notFound(err, fmt.Sprintf("project %d", id))
	}
	return p, nil
}

func (t *txn) InsertProject(ctx context.Context, p *history.ProjectSnapshot) error {
	var id int64
	var err error
	if p.ID == 0 {
		id, err = t.insertReturningID(ctx,
			`INSERT INTO projects (name, description, currency, invite_enabled, invite_requires_approval)
			 VALUES (?, ?, ?, ?, ?) RETURNING id`,
			p.Name, p.Description, p.Currency, p.InviteEnabled, p.InviteRequiresApproval)
	} else {
		id, err = t.insertReturningID(ctx,
			`INSERT INTO projects (id, name, description, currency, invite_enabled, invite_requires_approval)
			 VALUES (?, ?, ?, ?, ?, ?) RETURNING id`,
			p.ID, p.Name, p.Description, p.Currency, p.InviteEnabled, p.InviteRequiresApproval)
	}
	if err != nil {
		return fmt.Errorf("inserting project: %w", err)
	}
	p.ID = id
	return nil
}

func (t *txn) UpdateProject(ctx context.Context, p history.ProjectSnapshot) error {
	return t.execAffecting(ctx, fmt.Sprintf("project %d", p.ID),
		`UPDATE projects SET name = ?, description = ?, currency = ?,
			invite_enabled = ?, invite_requires_approval = ?
		 WHERE id = ?`,
		p.Name, p.Description, p.Currency, p.InviteEnabled, p.InviteRequiresApproval, p.ID)
}

// DeleteProject removes the project; child rows go with it through
// ON DELETE CASCADE.
func (t *txn) DeleteProject(ctx context.Context, id int64) error {
	return t.execAffecting(ctx, fmt.Sprintf("project %d", id),
		"DELETE FROM projects WHERE id = ?", id)
}

// --- participants ---

func (t *txn) Participant(ctx context.Context, id int64) (history.ParticipantSnapshot, error) {
	var p history.ParticipantSnapshot
	var userID sql.NullInt64
	err := t.queryRow(ctx,
		`SELECT id, project_id, name, weight, account_type, user_id
		 FROM participants WHERE id = ?`, id).
		Scan(&p.ID, &p.ProjectID, &p.Name, &p.Weight, &p.AccountType, &userID)
	if err != nil {
		return history.ParticipantSnapshot{}, notFound(err, fmt.Sprintf("participant %d", id))
	}
	p.UserID = ptr(userID)
	return p, nil
}

func (t *txn) ParticipantInUse(ctx context.Context, id int64) (bool, error) {
	var n int64
	err := t.queryRow(ctx,
		`SELECT (SELECT COUNT(*) FROM payments WHERE payer_id = ?)
		      + (SELECT COUNT(*) FROM contributions WHERE participant_id = ?)`,
		id, id).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking participant %d references: %w", id, err)
	}
	return n > 0, nil
}

func (t *txn) InsertParticipant(ctx context.Context, p *history.ParticipantSnapshot) error {
	var id int64
	var err error
	if p.ID == 0 {
		id, err = t.insertReturningID(ctx,
			`INSERT INTO participants (project_id, name, weight, account_type, user_id)
			 VALUES (?, ?, ?, ?, ?) RETURNING id`,
			p.ProjectID, p.Name, p.Weight, p.AccountType, nullable(p.UserID))
	} else {
		id, err = t.insertReturningID(ctx,
			`INSERT INTO participants (id, project_id, name, weight, account_type, user_id)
			 VALUES (?, ?, ?, ?, ?, ?) RETURNING id`,
			p.ID, p.ProjectID, p.Name, p.Weight, p.AccountType, nullable(p.UserID))
	}
	if err != nil {
		return fmt.Errorf("inserting participant: %w", err)
	}
	p.ID = id
	return nil
}

func (t *txn) UpdateParticipant(ctx context.Context, p history.ParticipantSnapshot) error {
	return t.execAffecting(ctx, fmt.Sprintf("participant %d", p.ID),
		`UPDATE participants SET name = ?, weight = ?, account_type = ?, user_id = ?
		 WHERE id = ?`,
		p.Name, p.Weight, p.AccountType, nullable(p.UserID), p.ID)
}

func (t *txn) DeleteParticipant(ctx context.Context, id int64) error {
	return t.execAffecting(ctx, fmt.Sprintf("participant %d", id),
		"DELETE FROM participants WHERE id = ?", id)
}

// --- project members ---

func (t *txn) Member(ctx context.Context, id int64) (history.MemberSnapshot, error) {
	var m history.MemberSnapshot
	var participantID sql.NullInt64
	err := t.queryRow(ctx,
		`SELECT id, project_id, user_id, participant_id, role, status
		 FROM project_members WHERE id = ?`, id).
		Scan(&m.ID, &m.ProjectID, &m.UserID, &participantID, &m.Role, &m.Status)
	if err != nil {
		return history.MemberSnapshot{}, notFound(err, fmt.Sprintf("project member %d", id))
	}
	m.ParticipantID = ptr(participantID)
	return m, nil
}

func (t *txn) InsertMember(ctx context.Context, m *history.MemberSnapshot) error {
	var id int64
	var err error
	if m.ID == 0 {
		id, err = t.insertReturningID(ctx,
			`INSERT INTO project_members (project_id, user_id, participant_id, role, status)
			 VALUES (?, ?, ?, ?, ?) RETURNING id`,
			m.ProjectID, m.UserID, nullable(m.ParticipantID), m.Role, m.Status)
	} else {
		id, err = t.insertReturningID(ctx,
			`INSERT INTO project_members (id, project_id, user_id, participant_id, role, status)
			 VALUES (?, ?, ?, ?, ?, ?) RETURNING id`,
			m.ID, m.ProjectID, m.UserID, nullable(m.ParticipantID), m.Role, m.Status)
	}
	if err != nil {
		return fmt.Errorf("inserting project member: %w", err)
	}
	m.ID = id
	return nil
}

func (t *txn) UpdateMember(ctx context.Context, m history.MemberSnapshot) error {
	return t.execAffecting(ctx, fmt.Sprintf("project member %d", m.ID),
		`UPDATE project_members SET participant_id = ?, role = ?, status = ?
		 WHERE id = ?`,
		nullable(m.ParticipantID), m.Role, m.Status, m.ID)
}

func (t *txn) DeleteMember(ctx context.Context, id int64) error {
	return t.execAffecting(ctx, fmt.Sprintf("project member %d", id),
		"DELETE FROM project_members WHERE id = ?", id)
}

// --- invites ---

func (t *txn) Invite(ctx context.Context, id int64) (history.InviteSnapshot, error) {
	var inv history.InviteSnapshot
	var participantID, createdBy sql.NullInt64
	err := t.queryRow(ctx,
		`SELECT id, project_id, participant_id, token, status, created_by
		 FROM participant_invites WHERE id = ?`, id).
		Scan(&inv.ID, &inv.ProjectID, &participantID, &inv.Token, &inv.Status, &createdBy)
	if err != nil {
		return history.InviteSnapshot{}, notFound(err, fmt.Sprintf("invite %d", id))
	}
	inv.ParticipantID = ptr(participantID)
	inv.CreatedBy = ptr(createdBy)
	return inv, nil
}

func (t *txn) InsertInvite(ctx context.Context, inv *history.InviteSnapshot) error {
	id, err := t.insertReturningID(ctx,
		`INSERT INTO participant_invites (project_id, participant_id, token, status, created_by)
		 VALUES (?, ?, ?, ?, ?) RETURNING id`,
		inv.ProjectID, nullable(inv.ParticipantID), inv.Token, inv.Status, nullable(inv.CreatedBy))
	if err != nil {
		return fmt.Errorf("inserting invite: %w", err)
	}
	inv.ID = id
	return nil
}
