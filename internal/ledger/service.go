// Package ledger holds the mutation services for projects, participants,
// memberships, payments and invites. Every mutation writes its row and the
// matching history entry in the same transaction.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ctrlai/tally/internal/history"
)

// ErrInvalidInput is returned for requests that fail validation.
var ErrInvalidInput = errors.New("invalid input")

// Roles and statuses a membership can take.
const (
	RoleOwner  = "owner"
	RoleAdmin  = "admin"
	RoleMember = history.DefaultRole

	StatusActive  = history.DefaultStatus
	StatusPending = "pending"
	StatusRemoved = "removed"
)

// Service applies ledger mutations and records them in the history log.
type Service struct {
	store  history.Store
	writer *history.Writer
	logger *zap.Logger
}

// NewService creates a Service.
func NewService(store history.Store, writer *history.Writer, logger *zap.Logger) *Service {
	return &Service{
		store:  store,
		writer: writer,
		logger: logger.Named("ledger"),
	}
}

// change describes one recorded mutation. Before or after is nil for
// CREATE and DELETE respectively.
type change struct {
	actor     int64
	projectID int64
	entityID  int64
	action    history.Action
	before    history.Snapshot
	after     history.Snapshot
}

// record appends the history entry for c inside tx.
func (s *Service) record(ctx context.Context, tx history.Tx, c change) error {
	kind := c.after
	if kind == nil {
		kind = c.before
	}
	before, err := history.EncodeOptional(c.before)
	if err != nil {
		return err
	}
	after, err := history.EncodeOptional(c.after)
	if err != nil {
		return err
	}

	ev := history.Event{
		ProjectID:  history.ID(c.projectID),
		EntityType: history.EntityTypeOf(kind),
		EntityID:   history.ID(c.entityID),
		Action:     c.action,
		Before:     before,
		After:      after,
	}
	if c.actor != 0 {
		ev.ActorUserID = history.ID(c.actor)
	}
	_, err = s.writer.Append(ctx, tx, ev)
	return err
}

// withCorrelation makes every entry written under ctx share one
// correlation id, generating one if the caller did not supply it.
func withCorrelation(ctx context.Context) context.Context {
	if _, ok := history.CorrelationIDFrom(ctx); ok {
		return ctx
	}
	return history.WithCorrelationID(ctx, uuid.NewString())
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

func required(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return invalid("%s is required", field)
	}
	return nil
}

// CreateUser registers a user. Users are not project entities and are not
// recorded in the history log.
func (s *Service) CreateUser(ctx context.Context, displayName string) (int64, error) {
	if err := required("display_name", displayName); err != nil {
		return 0, err
	}
	var id int64
	err := s.store.Update(ctx, func(tx history.Tx) error {
		var err error
		id, err = tx.InsertUser(ctx, strings.TrimSpace(displayName))
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("creating user: %w", err)
	}
	s.logger.Info("User created", zap.Int64("user_id", id))
	return id, nil
}
