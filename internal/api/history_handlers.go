package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ctrlai/tally/internal/history"
)

type historyPage struct {
	Entries []history.EntryView `json:"entries"`
	Limit   int                 `json:"limit"`
	Offset  int                 `json:"offset"`
}

// handleProjectHistory serves one page of a project's history, newest first.
// GET /api/projects/{projectID}/history?limit=&offset=&entity_type=
func (s *Server) handleProjectHistory(w http.ResponseWriter, r *http.Request) {
	projectID, err := pathID(r, "projectID")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		s.fail(w, r, err)
		return
	}

	pq := history.ProjectQuery{
		Limit:      limit,
		Offset:     offset,
		EntityType: r.URL.Query().Get("entity_type"),
	}
	entries, err := s.query.ProjectHistory(r.Context(), projectID, pq)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	limit, offset = s.query.PageBounds(pq)
	writeJSON(w, http.StatusOK, historyPage{Entries: entries, Limit: limit, Offset: offset})
}

// handleEntityHistory serves every entry for one entity, newest first.
// GET /api/projects/{projectID}/history/{entityType}/{entityID}
func (s *Server) handleEntityHistory(w http.ResponseWriter, r *http.Request) {
	projectID, err := pathID(r, "projectID")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	entityType, err := history.ParseEntityType(chi.URLParam(r, "entityType"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	entityID, err := pathID(r, "entityID")
	if err != nil {
		s.fail(w, r, err)
		return
	}

	entries, err := s.query.EntityHistory(r.Context(), projectID, entityType, entityID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// handleEntry serves a single entry with its undo state.
// GET /api/history/{id}
func (s *Server) handleEntry(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	view, err := s.query.Entry(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type undoRequest struct {
	Reason string `json:"reason"`
}

// handleUndo reverses an entry and returns the new UNDO entry.
// POST /api/history/{id}/undo  {"reason": "..."}
func (s *Server) handleUndo(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	who, err := actor(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req undoRequest
	if err := readJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}

	entry, err := s.undo.Undo(r.Context(), id, who, req.Reason)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

// handleVerify walks the chain. A broken chain is still a 200; the body
// says where it broke.
// GET /api/history/verify
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	res, err := s.verifier.Verify(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
