package history

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gobwas/glob"
	"go.uber.org/zap"
)

// Page size defaults used when no limits are configured.
const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

// Limits bounds the page size of project history listings.
type Limits struct {
	Default int
	Max     int
}

// ProjectQuery selects a page of a project's history.
type ProjectQuery struct {
	Limit  int
	Offset int
	// EntityType is an exact entity type or a glob pattern such as
	// "project*". Empty means every type.
	EntityType string
}

// EntryView is an entry decorated for presentation.
type EntryView struct {
	Entry
	ActorName string `json:"actor_name,omitempty"`
	Undone    bool   `json:"undone"`
	UndoneBy  *int64 `json:"undone_by,omitempty"`
}

// QueryService answers read-only questions about the log.
type QueryService struct {
	store  Store
	logger *zap.Logger

	defaultLimit atomic.Int64
	maxLimit     atomic.Int64
}

// NewQueryService creates a QueryService with the given page limits.
func NewQueryService(store Store, limits Limits, logger *zap.Logger) *QueryService {
	q := &QueryService{
		store:  store,
		logger: logger.Named("history-query"),
	}
	q.SetLimits(limits)
	return q
}

// SetLimits replaces the page limits. Safe to call while queries run; used
// by config hot reload.
func (q *QueryService) SetLimits(l Limits) {
	if l.Max <= 0 {
		l.Max = MaxPageSize
	}
	if l.Default <= 0 || l.Default > l.Max {
		l.Default = min(DefaultPageSize, l.Max)
	}
	q.defaultLimit.Store(int64(l.Default))
	q.maxLimit.Store(int64(l.Max))
}

// PageBounds returns the limit and offset ProjectHistory applies to pq: a
// missing limit takes the default, and both are clamped to their range.
func (q *QueryService) PageBounds(pq ProjectQuery) (limit, offset int) {
	limit = pq.Limit
	if limit <= 0 {
		limit = int(q.defaultLimit.Load())
	}
	return min(limit, int(q.maxLimit.Load())), max(pq.Offset, 0)
}

// ProjectHistory returns a page of a project's entries, newest first.
func (q *QueryService) ProjectHistory(ctx context.Context, projectID int64, pq ProjectQuery) ([]EntryView, error) {
	limit, offset := q.PageBounds(pq)

	types, err := MatchEntityTypes(pq.EntityType)
	if err != nil {
		return nil, err
	}
	if types != nil && len(types) == 0 {
		return []EntryView{}, nil
	}

	var views []EntryView
	err = q.store.View(ctx, func(r Reader) error {
		entries, err := r.ProjectEntries(ctx, projectID, types, limit, offset)
		if err != nil {
			return err
		}
		views, err = decorate(ctx, r, entries)
		return err
	})
	if err != nil {
		return nil, storageError("listing project history", err)
	}
	return views, nil
}

// EntityHistory returns every entry of one entity, newest first.
func (q *QueryService) EntityHistory(ctx context.Context, projectID int64, entityType EntityType, entityID int64) ([]EntryView, error) {
	if !entityType.Valid() {
		return nil, fmt.Errorf("%w: unknown entity type %q", ErrInvalidQuery, entityType)
	}
	var views []EntryView
	err := q.store.View(ctx, func(r Reader) error {
		entries, err := r.EntityEntries(ctx, projectID, entityType, entityID)
		if err != nil {
			return err
		}
		views, err = decorate(ctx, r, entries)
		return err
	})
	if err != nil {
		return nil, storageError("listing entity history", err)
	}
	return views, nil
}

// Entry fetches a single entry by id.
func (q *QueryService) Entry(ctx context.Context, id int64) (EntryView, error) {
	var view EntryView
	err := q.store.View(ctx, func(r Reader) error {
		e, err := r.EntryByID(ctx, id)
		if err != nil {
			return err
		}
		views, err := decorate(ctx, r, []Entry{*e})
		if err != nil {
			return err
		}
		view = views[0]
		return nil
	})
	if err != nil {
		return EntryView{}, storageError("fetching entry", err)
	}
	return view, nil
}

// Follow polls for entries newer than afterID and calls fn for each, in
// order, until ctx is cancelled. Similar to `tail -f`.
func (q *QueryService) Follow(ctx context.Context, afterID int64, interval time.Duration, fn func(Entry)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			var batch []Entry
			err := q.store.View(ctx, func(r Reader) error {
				var err error
				batch, err = r.EntriesAfter(ctx, afterID, int(q.maxLimit.Load()))
				return err
			})
			if err != nil {
				q.logger.Error("Follow: reading entries failed", zap.Error(err))
				continue
			}
			for _, e := range batch {
				fn(e)
				afterID = e.ID
			}
		}
	}
}

// LatestID returns the id of the newest entry, or 0 for an empty log.
func (q *QueryService) LatestID(ctx context.Context) (int64, error) {
	var id int64
	err := q.store.View(ctx, func(r Reader) error {
		var err error
		id, err = r.LatestEntryID(ctx)
		return err
	})
	if err != nil {
		return 0, storageError("reading latest entry", err)
	}
	return id, nil
}

// MatchEntityTypes resolves an entity type filter. An empty pattern
// returns nil (no filter); otherwise the result lists the matching types
// and may be empty.
func MatchEntityTypes(pattern string) ([]EntityType, error) {
	if pattern == "" {
		return nil, nil
	}
	if t := EntityType(pattern); t.Valid() {
		return []EntityType{t}, nil
	}
	g, err := glob.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("%w: bad entity type pattern %q: %v", ErrInvalidQuery, pattern, err)
	}
	matched := []EntityType{}
	for _, t := range entityTypes {
		if g.Match(string(t)) {
			matched = append(matched, t)
		}
	}
	return matched, nil
}

// decorate resolves actor names and undone status for a batch of entries
// with one lookup each.
func decorate(ctx context.Context, r Reader, entries []Entry) ([]EntryView, error) {
	views := make([]EntryView, len(entries))
	if len(entries) == 0 {
		return views, nil
	}

	ids := make([]int64, 0, len(entries))
	var actors []int64
	for _, e := range entries {
		ids = append(ids, e.ID)
		if e.ActorUserID != nil {
			actors = append(actors, *e.ActorUserID)
		}
	}

	undone, err := r.UndoingEntries(ctx, ids)
	if err != nil {
		return nil, err
	}
	names, err := r.UserNames(ctx, actors)
	if err != nil {
		return nil, err
	}

	for i, e := range entries {
		views[i] = EntryView{Entry: e}
		if e.ActorUserID != nil {
			views[i].ActorName = names[*e.ActorUserID]
		}
		if by, ok := undone[e.ID]; ok {
			views[i].Undone = true
			views[i].UndoneBy = ID(by)
		}
	}
	return views, nil
}
