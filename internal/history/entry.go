// Package history implements the tamper-evident, reversible history log.
//
// Every mutation of a project entity (payment, participant, membership,
// project) is recorded as an Entry in an append-only table. Each entry's
// hash is computed as
//
//	SHA-256(previous_hash | created_at | actor | action | entity_type | payload_after)
//
// forming a hash chain where editing any stored entry breaks the chain
// from that point forward. A recorded CREATE, UPDATE or DELETE can be
// reversed exactly once by an UNDO entry whose snapshots mirror the
// original.
package history

import (
	"context"
	"fmt"
	"slices"
	"time"
)

// EntityType identifies the kind of row an entry describes. The set is
// closed: storage rejects nothing, but every reversal, filter and decode
// path switches over exactly these values.
type EntityType string

const (
	EntityPayment           EntityType = "payment"
	EntityContribution      EntityType = "contribution"
	EntityParticipant       EntityType = "participant"
	EntityProjectMember     EntityType = "project_member"
	EntityProject           EntityType = "project"
	EntityParticipantInvite EntityType = "participant_invite"
)

var entityTypes = []EntityType{
	EntityPayment,
	EntityContribution,
	EntityParticipant,
	EntityProjectMember,
	EntityProject,
	EntityParticipantInvite,
}

// EntityTypes returns every known entity type in declaration order.
func EntityTypes() []EntityType {
	return slices.Clone(entityTypes)
}

// Valid reports whether t is a member of the closed entity type set.
func (t EntityType) Valid() bool {
	return slices.Contains(entityTypes, t)
}

// ParseEntityType converts a wire string into an EntityType.
func ParseEntityType(s string) (EntityType, error) {
	t := EntityType(s)
	if !t.Valid() {
		return "", fmt.Errorf("%w: unknown entity type %q", ErrInvalidQuery, s)
	}
	return t, nil
}

// Action is the recorded operation.
type Action string

const (
	ActionCreate Action = "CREATE"
	ActionUpdate Action = "UPDATE"
	ActionDelete Action = "DELETE"
	ActionUndo   Action = "UNDO"
)

// Entry is a single, immutable history record.
//
// Presence of the optional fields follows the action: CREATE carries only
// PayloadAfter, DELETE only PayloadBefore, UPDATE both, and UNDO the mirror
// of the entry it reverses.
type Entry struct {
	ID              int64      `json:"id"`
	CreatedAt       time.Time  `json:"created_at"`
	CorrelationID   string     `json:"correlation_id"`
	ActorUserID     *int64     `json:"actor_user_id,omitempty"`
	ProjectID       *int64     `json:"project_id,omitempty"`
	EntityType      EntityType `json:"entity_type"`
	EntityID        *int64     `json:"entity_id,omitempty"`
	Action          Action     `json:"action"`
	PayloadBefore   Payload    `json:"payload_before"`
	PayloadAfter    Payload    `json:"payload_after"`
	Reason          string     `json:"reason,omitempty"`
	UndoesHistoryID *int64     `json:"undoes_history_id,omitempty"`
	PreviousHash    string     `json:"previous_hash"`
	EntryHash       string     `json:"entry_hash"`
}

// Event is what a mutation service hands to the Writer. The writer fills
// in the id, timestamp and chain fields.
type Event struct {
	// CorrelationID groups entries written by one logical operation.
	// Empty means: take it from the context, or generate a fresh one.
	CorrelationID   string
	ActorUserID     *int64
	ProjectID       *int64
	EntityType      EntityType
	EntityID        *int64
	Action          Action
	Before          Payload
	After           Payload
	Reason          string
	UndoesHistoryID *int64
}

// ID returns a pointer to v, for the optional id fields of Event and Entry.
func ID(v int64) *int64 {
	return &v
}

// actorRef maps the "no actor" sentinel 0 to an absent actor.
func actorRef(actor int64) *int64 {
	if actor == 0 {
		return nil
	}
	return ID(actor)
}

type correlationKey struct{}

// WithCorrelationID returns a context whose history entries share id.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationIDFrom returns the correlation id stored by WithCorrelationID.
func CorrelationIDFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(correlationKey{}).(string)
	return id, ok && id != ""
}
