package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ctrlai/tally/internal/ledger"
)

// mountLedger registers the ledger mutation routes. Every mutation is
// recorded in the history log by the ledger service.
func (s *Server) mountLedger(api chi.Router) {
	api.Post("/users", s.handleCreateUser)

	api.Post("/projects", s.handleCreateProject)

	api.Get("/participants/{id}", s.handleGetParticipant)
	api.Put("/participants/{id}", s.handleUpdateParticipant)
	api.Delete("/participants/{id}", s.handleRemoveParticipant)

	api.Put("/members/{id}", s.handleUpdateMember)
	api.Delete("/members/{id}", s.handleRemoveMember)

	api.Get("/payments/{id}", s.handleGetPayment)
	api.Put("/payments/{id}", s.handleUpdatePayment)
	api.Delete("/payments/{id}", s.handleRemovePayment)
}

// mountProject registers the mutations scoped to /projects/{projectID}.
func (s *Server) mountProject(pr chi.Router) {
	pr.Get("/", s.handleGetProject)
	pr.Put("/", s.handleUpdateProject)
	pr.Delete("/", s.handleDeleteProject)
	pr.Post("/participants", s.handleAddParticipant)
	pr.Post("/members", s.handleAddMember)
	pr.Post("/payments", s.handleCreatePayment)
	pr.Post("/invites", s.handleCreateInvite)
}

// create handles POST {parent}/{kind}: decode the body, run fn against the
// parent id, answer 201 with the created row.
func create[In, Out any](s *Server, param string, fn func(ctx context.Context, actor, parentID int64, in In) (Out, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		parentID, err := pathID(r, param)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		who, err := actor(r)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		var in In
		if err := readJSON(r, &in); err != nil {
			s.fail(w, r, err)
			return
		}
		out, err := fn(r.Context(), who, parentID, in)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, out)
	}
}

// update handles PUT /{kind}/{id}.
func update[In, Out any](s *Server, param string, fn func(ctx context.Context, actor, id int64, in In) (Out, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r, param)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		who, err := actor(r)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		var in In
		if err := readJSON(r, &in); err != nil {
			s.fail(w, r, err)
			return
		}
		out, err := fn(r.Context(), who, id, in)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// remove handles DELETE /{kind}/{id}, answering 204.
func remove(s *Server, param string, fn func(ctx context.Context, actor, id int64) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r, param)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		who, err := actor(r)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		if err := fn(r.Context(), who, id); err != nil {
			s.fail(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// get handles GET /{kind}/{id}.
func get[Out any](s *Server, param string, fn func(ctx context.Context, id int64) (Out, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r, param)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		out, err := fn(r.Context(), id)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// --- users ---

type createUserRequest struct {
	DisplayName string `json:"display_name"`
}

// POST /api/users
func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := readJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	id, err := s.ledger.CreateUser(r.Context(), req.DisplayName)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": id, "display_name": req.DisplayName})
}

// --- projects ---

// POST /api/projects
func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	who, err := actor(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var in ledger.ProjectInput
	if err := readJSON(r, &in); err != nil {
		s.fail(w, r, err)
		return
	}
	p, err := s.ledger.CreateProject(r.Context(), who, in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	get(s, "projectID", s.ledger.Project)(w, r)
}

func (s *Server) handleUpdateProject(w http.ResponseWriter, r *http.Request) {
	update(s, "projectID", s.ledger.UpdateProject)(w, r)
}

func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	remove(s, "projectID", s.ledger.DeleteProject)(w, r)
}

// --- participants ---

func (s *Server) handleAddParticipant(w http.ResponseWriter, r *http.Request) {
	create(s, "projectID", s.ledger.AddParticipant)(w, r)
}

func (s *Server) handleGetParticipant(w http.ResponseWriter, r *http.Request) {
	get(s, "id", s.ledger.Participant)(w, r)
}

func (s *Server) handleUpdateParticipant(w http.ResponseWriter, r *http.Request) {
	update(s, "id", s.ledger.UpdateParticipant)(w, r)
}

func (s *Server) handleRemoveParticipant(w http.ResponseWriter, r *http.Request) {
	remove(s, "id", s.ledger.RemoveParticipant)(w, r)
}

// --- members ---

func (s *Server) handleAddMember(w http.ResponseWriter, r *http.Request) {
	create(s, "projectID", s.ledger.AddMember)(w, r)
}

func (s *Server) handleUpdateMember(w http.ResponseWriter, r *http.Request) {
	update(s, "id", s.ledger.UpdateMember)(w, r)
}

func (s *Server) handleRemoveMember(w http.ResponseWriter, r *http.Request) {
	remove(s, "id", s.ledger.RemoveMember)(w, r)
}

// --- payments ---

func (s *Server) handleCreatePayment(w http.ResponseWriter, r *http.Request) {
	create(s, "projectID", s.ledger.CreatePayment)(w, r)
}

func (s *Server) handleGetPayment(w http.ResponseWriter, r *http.Request) {
	get(s, "id", s.ledger.Payment)(w, r)
}

func (s *Server) handleUpdatePayment(w http.ResponseWriter, r *http.Request) {
	update(s, "id", s.ledger.UpdatePayment)(w, r)
}

func (s *Server) handleRemovePayment(w http.ResponseWriter, r *http.Request) {
	remove(s, "id", s.ledger.DeletePayment)(w, r)
}

// --- invites ---

type createInviteRequest struct {
	ParticipantID *int64 `json:"participant_id"`
}

func (s *Server) handleCreateInvite(w http.ResponseWriter, r *http.Request) {
	create(s, "projectID", func(ctx context.Context, who, projectID int64, req createInviteRequest) (any, error) {
		return s.ledger.CreateInvite(ctx, who, projectID, req.ParticipantID)
	})(w, r)
}
