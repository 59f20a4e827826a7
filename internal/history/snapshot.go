package history

import (
	"bytes"
	"cmp"
	"encoding/json"
	"fmt"
	"slices"
)

// Defaults applied by the Decode functions when a key is absent from a
// stored snapshot. A key that is present with the wrong type is never
// defaulted; it fails with ErrMalformedSnapshot.
const (
	DefaultWeight      = 1.0
	DefaultAccountType = "user"
	DefaultRole        = "member"
	DefaultStatus      = "active"
	DefaultCurrency    = "EUR"
)

// Payload is a canonical JSON snapshot as stored in payload_before and
// payload_after. A nil Payload means the field is absent.
type Payload []byte

// String returns the raw JSON text, or "" when absent.
func (p Payload) String() string {
	return string(p)
}

// MarshalJSON embeds the snapshot verbatim, or null when absent.
func (p Payload) MarshalJSON() ([]byte, error) {
	if len(p) == 0 {
		return []byte("null"), nil
	}
	return p, nil
}

// UnmarshalJSON keeps the raw bytes; null leaves the payload absent.
func (p *Payload) UnmarshalJSON(b []byte) error {
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		*p = nil
		return nil
	}
	*p = append((*p)[:0], b...)
	return nil
}

// Snapshot is implemented by the typed per-entity snapshot structs. The
// interface is sealed: only this package defines snapshot kinds.
type Snapshot interface {
	entityType() EntityType
}

// PaymentSnapshot is a payment row together with its contribution rows.
type PaymentSnapshot struct {
	ID                 int64                  `json:"id"`
	ProjectID          int64                  `json:"project_id"`
	PayerID            int64                  `json:"payer_id"`
	Amount             Money                  `json:"amount"`
	Currency           string                 `json:"currency"`
	Description        string                 `json:"description"`
	PaidOn             string                 `json:"paid_on"`
	IsRecurring        bool                   `json:"is_recurring"`
	RecurrenceInterval string                 `json:"recurrence_interval"`
	RecurrenceEndDate  string                 `json:"recurrence_end_date"`
	Contributions      []ContributionSnapshot `json:"contributions"`
}

// ContributionSnapshot is one participant's share of a payment.
type ContributionSnapshot struct {
	ID            int64   `json:"id"`
	PaymentID     int64   `json:"payment_id"`
	ParticipantID int64   `json:"participant_id"`
	Weight        float64 `json:"weight"`
	Amount        Money   `json:"amount"`
}

// UnmarshalJSON applies DefaultWeight when the weight key is absent.
func (c *ContributionSnapshot) UnmarshalJSON(b []byte) error {
	type plain ContributionSnapshot
	v := plain{Weight: DefaultWeight}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*c = ContributionSnapshot(v)
	return nil
}

// ParticipantSnapshot is a person or account that takes part in a
// project's expenses.
type ParticipantSnapshot struct {
	ID          int64   `json:"id"`
	ProjectID   int64   `json:"project_id"`
	Name        string  `json:"name"`
	Weight      float64 `json:"weight"`
	AccountType string  `json:"account_type"`
	UserID      *int64  `json:"user_id"`
}

// MemberSnapshot is a user's membership of a project.
type MemberSnapshot struct {
	ID            int64  `json:"id"`
	ProjectID     int64  `json:"project_id"`
	UserID        int64  `json:"user_id"`
	ParticipantID *int64 `json:"participant_id"`
	Role          string `json:"role"`
	Status        string `json:"status"`
}

// ProjectSnapshot is a project's own settings.
type ProjectSnapshot struct {
	ID                     int64  `json:"id"`
	Name                   string `json:"name"`
	Description            string `json:"description"`
	Currency               string `json:"currency"`
	InviteEnabled          bool   `json:"invite_enabled"`
	InviteRequiresApproval bool   `json:"invite_requires_approval"`
}

// InviteSnapshot is an invitation to claim a participant.
type InviteSnapshot struct {
	ID            int64  `json:"id"`
	ProjectID     int64  `json:"project_id"`
	ParticipantID *int64 `json:"participant_id"`
	Token         string `json:"token"`
	Status        string `json:"status"`
	CreatedBy     *int64 `json:"created_by"`
}

func (PaymentSnapshot) entityType() EntityType      { return EntityPayment }
func (ContributionSnapshot) entityType() EntityType { return EntityContribution }
func (ParticipantSnapshot) entityType() EntityType  { return EntityParticipant }
func (MemberSnapshot) entityType() EntityType       { return EntityProjectMember }
func (ProjectSnapshot) entityType() EntityType      { return EntityProject }
func (InviteSnapshot) entityType() EntityType       { return EntityParticipantInvite }

// EntityTypeOf returns the entity type a snapshot describes.
func EntityTypeOf(s Snapshot) EntityType {
	return s.entityType()
}

// Encode serialises s into its canonical payload. Struct field order is
// fixed and nested contributions are sorted, so structurally equal inputs
// always encode to identical bytes.
func Encode(s Snapshot) (Payload, error) {
	switch v := s.(type) {
	case PaymentSnapshot:
		s = canonicalPayment(v)
	case *PaymentSnapshot:
		if v != nil {
			s = canonicalPayment(*v)
		}
	}
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encoding %s snapshot: %w", s.entityType(), err)
	}
	return Payload(data), nil
}

// EncodeOptional encodes s, returning a nil payload when s is nil.
func EncodeOptional(s Snapshot) (Payload, error) {
	if s == nil {
		return nil, nil
	}
	return Encode(s)
}

func canonicalPayment(p PaymentSnapshot) PaymentSnapshot {
	cs := slices.Clone(p.Contributions)
	if cs == nil {
		cs = []ContributionSnapshot{}
	}
	slices.SortFunc(cs, func(a, b ContributionSnapshot) int {
		if c := cmp.Compare(a.ParticipantID, b.ParticipantID); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	p.Contributions = cs
	return p
}

// DecodePayment extracts a payment snapshot. Contributions is nil when the
// payload has no contributions key.
func DecodePayment(p Payload) (PaymentSnapshot, error) {
	s := PaymentSnapshot{Currency: DefaultCurrency}
	if err := decodeInto(p, &s); err != nil {
		return PaymentSnapshot{}, err
	}
	if s.ID == 0 {
		return PaymentSnapshot{}, fmt.Errorf("%w: payment snapshot has no id", ErrMalformedSnapshot)
	}
	for _, c := range s.Contributions {
		if c.ParticipantID == 0 {
			return PaymentSnapshot{}, fmt.Errorf("%w: contribution without participant_id", ErrMalformedSnapshot)
		}
	}
	return s, nil
}

// DecodeParticipant extracts a participant snapshot.
func DecodeParticipant(p Payload) (ParticipantSnapshot, error) {
	s := ParticipantSnapshot{Weight: DefaultWeight, AccountType: DefaultAccountType}
	if err := decodeInto(p, &s); err != nil {
		return ParticipantSnapshot{}, err
	}
	if s.ID == 0 {
		return ParticipantSnapshot{}, fmt.Errorf("%w: participant snapshot has no id", ErrMalformedSnapshot)
	}
	return s, nil
}

// DecodeMember extracts a project membership snapshot.
func DecodeMember(p Payload) (MemberSnapshot, error) {
	s := MemberSnapshot{Role: DefaultRole, Status: DefaultStatus}
	if err := decodeInto(p, &s); err != nil {
		return MemberSnapshot{}, err
	}
	if s.ID == 0 {
		return MemberSnapshot{}, fmt.Errorf("%w: membership snapshot has no id", ErrMalformedSnapshot)
	}
	return s, nil
}

// DecodeProject extracts a project snapshot.
func DecodeProject(p Payload) (ProjectSnapshot, error) {
	s := ProjectSnapshot{Currency: DefaultCurrency}
	if err := decodeInto(p, &s); err != nil {
		return ProjectSnapshot{}, err
	}
	if s.ID == 0 {
		return ProjectSnapshot{}, fmt.Errorf("%w: project snapshot has no id", ErrMalformedSnapshot)
	}
	return s, nil
}

// DecodeInvite extracts a participant invite snapshot.
func DecodeInvite(p Payload) (InviteSnapshot, error) {
	s := InviteSnapshot{Status: "pending"}
	if err := decodeInto(p, &s); err != nil {
		return InviteSnapshot{}, err
	}
	if s.ID == 0 {
		return InviteSnapshot{}, fmt.Errorf("%w: invite snapshot has no id", ErrMalformedSnapshot)
	}
	return s, nil
}

// decodeInto unmarshals p over the pre-filled defaults in v. Absent keys
// keep their default; syntax and type errors become ErrMalformedSnapshot.
func decodeInto(p Payload, v any) error {
	if len(bytes.TrimSpace(p)) == 0 {
		return fmt.Errorf("%w: empty payload", ErrMalformedSnapshot)
	}
	if err := json.Unmarshal(p, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedSnapshot, err)
	}
	return nil
}
