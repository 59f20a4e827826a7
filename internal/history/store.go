package history

import "context"

// Store runs units of work against persistent storage.
//
// Update is the single serialisation point of the log: an implementation
// must hold the chain lock from before fn runs until the transaction
// commits or rolls back, so that "read last hash, then insert" can never
// interleave with another writer. A Tx is only ever handed out by Update.
type Store interface {
	Update(ctx context.Context, fn func(tx Tx) error) error
	View(ctx context.Context, fn func(r Reader) error) error
}

// Reader is the read side of a unit of work.
type Reader interface {
	// EntryByID returns ErrEntryNotFound when no entry has the id.
	EntryByID(ctx context.Context, id int64) (*Entry, error)
	// EntriesAfter returns up to limit entries with id > afterID, ascending.
	EntriesAfter(ctx context.Context, afterID int64, limit int) ([]Entry, error)
	// LatestEntryID returns the highest entry id, or 0 for an empty log.
	LatestEntryID(ctx context.Context) (int64, error)
	// ProjectEntries returns a page of a project's entries, newest first.
	// A nil types slice means every entity type.
	ProjectEntries(ctx context.Context, projectID int64, types []EntityType, limit, offset int) ([]Entry, error)
	// EntityEntries returns every entry for one entity, newest first.
	EntityEntries(ctx context.Context, projectID int64, entityType EntityType, entityID int64) ([]Entry, error)
	// UndoingEntries maps each of ids that has been undone to the id of
	// the UNDO entry that reversed it.
	UndoingEntries(ctx context.Context, ids []int64) (map[int64]int64, error)
	// UserNames resolves user ids to display names in one round trip.
	UserNames(ctx context.Context, ids []int64) (map[int64]string, error)

	Payment(ctx context.Context, id int64) (PaymentSnapshot, error)
	Participant(ctx context.Context, id int64) (ParticipantSnapshot, error)
	// ParticipantInUse reports whether any payment or contribution still
	// references the participant.
	ParticipantInUse(ctx context.Context, id int64) (bool, error)
	Member(ctx context.Context, id int64) (MemberSnapshot, error)
	Project(ctx context.Context, id int64) (ProjectSnapshot, error)
	Invite(ctx context.Context, id int64) (InviteSnapshot, error)
}

// Tx is a write unit of work holding the chain lock.
//
// Insert methods assign a fresh id when the snapshot's ID is zero and
// otherwise insert with the given id, returning ErrConflict if it is taken.
// Update and Delete methods return ErrNotFound when the row is gone.
type Tx interface {
	Reader

	// LastEntryHash returns the entry_hash of the highest-id entry, or ""
	// for an empty log.
	LastEntryHash(ctx context.Context) (string, error)
	// InsertEntry stores e and sets e.ID. A second UNDO of the same target
	// fails with ErrAlreadyUndone.
	InsertEntry(ctx context.Context, e *Entry) error
	// AfterCommit registers fn to run once the transaction has committed.
	AfterCommit(fn func())

	InsertUser(ctx context.Context, displayName string) (int64, error)

	InsertPayment(ctx context.Context, p *PaymentSnapshot) error
	UpdatePayment(ctx context.Context, p PaymentSnapshot) error
	ReplaceContributions(ctx context.Context, paymentID int64, cs []ContributionSnapshot) ([]ContributionSnapshot, error)
	DeletePayment(ctx context.Context, id int64) error

	InsertParticipant(ctx context.Context, p *ParticipantSnapshot) error
	UpdateParticipant(ctx context.Context, p ParticipantSnapshot) error
	DeleteParticipant(ctx context.Context, id int64) error

	InsertMember(ctx context.Context, m *MemberSnapshot) error
	UpdateMember(ctx context.Context, m MemberSnapshot) error
	DeleteMember(ctx context.Context, id int64) error

	InsertProject(ctx context.Context, p *ProjectSnapshot) error
	UpdateProject(ctx context.Context, p ProjectSnapshot) error
	DeleteProject(ctx context.Context, id int64) error

	InsertInvite(ctx context.Context, inv *InviteSnapshot) error
}
