// Package api serves the tally REST API and the live history feed.
//
// Routes, all under /api:
//
//	GET    /projects/{projectID}/history                       project history page
//	GET    /projects/{projectID}/history/{entityType}/{entityID} one entity's history
//	GET    /history/verify                                     chain verification
//	GET    /history/feed                                       websocket feed
//	GET    /history/{id}                                       one entry
//	POST   /history/{id}/undo                                  undo an entry
//
// plus the ledger mutations in ledger_handlers.go. The caller's identity is
// taken from the X-Actor-ID header; authentication happens upstream.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/ctrlai/tally/internal/history"
	"github.com/ctrlai/tally/internal/ledger"
)

// ActorHeader carries the acting user's id.
const ActorHeader = "X-Actor-ID"

const maxBodyBytes = 1 << 20

// Options holds the dependencies injected into the API.
type Options struct {
	Query    *history.QueryService
	Undo     *history.UndoEngine
	Verifier *history.Verifier
	Ledger   *ledger.Service
	// Feed serves /api/history/feed; nil disables the feed.
	Feed   *Hub
	Logger *zap.Logger
}

// Server routes API requests to the history and ledger services.
type Server struct {
	query    *history.QueryService
	undo     *history.UndoEngine
	verifier *history.Verifier
	ledger   *ledger.Service
	feed     *Hub
	logger   *zap.Logger
	router   chi.Router
}

// New creates a Server with its routes mounted.
func New(opts Options) *Server {
	s := &Server{
		query:    opts.Query,
		undo:     opts.Undo,
		verifier: opts.Verifier,
		ledger:   opts.Ledger,
		feed:     opts.Feed,
		logger:   opts.Logger.Named("api"),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(s.logger))
	r.Use(correlation)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(api chi.Router) {
		api.Route("/history", func(hr chi.Router) {
			hr.Get("/verify", s.handleVerify)
			if s.feed != nil {
				hr.Handle("/feed", s.feed)
			}
			hr.Get("/{id}", s.handleEntry)
			hr.Post("/{id}/undo", s.handleUndo)
		})
		api.Route("/projects/{projectID}", func(pr chi.Router) {
			pr.Get("/history", s.handleProjectHistory)
			pr.Get("/history/{entityType}/{entityID}", s.handleEntityHistory)
			s.mountProject(pr)
		})

		s.mountLedger(api)
	})

	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// --- middleware ---

// requestLogger logs every request at debug level with its status and
// duration.
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(wrapped, r)

			status := wrapped.Status()
			if status == 0 {
				status = http.StatusOK
			}
			logger.Debug("HTTP request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", status),
				zap.Duration("duration", time.Since(start)),
				zap.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}

// CorrelationHeader lets a client group the entries of several requests.
const CorrelationHeader = "X-Correlation-ID"

// correlation copies X-Correlation-ID into the request context so the
// history writer stamps it on every entry the request produces.
func correlation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := r.Header.Get(CorrelationHeader); id != "" {
			r = r.WithContext(history.WithCorrelationID(r.Context(), id))
		}
		next.ServeHTTP(w, r)
	})
}

// --- helpers ---

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(data)
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: message}})
}

// statusFor maps service errors onto HTTP responses.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, history.ErrEntryNotFound), errors.Is(err, history.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, history.ErrAlreadyUndone):
		return http.StatusConflict, "already_undone"
	case errors.Is(err, history.ErrCannotUndoAnUndo):
		return http.StatusConflict, "cannot_undo_an_undo"
	case errors.Is(err, history.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, history.ErrUnsupportedEntityOrAction):
		return http.StatusUnprocessableEntity, "unsupported_entity_or_action"
	case errors.Is(err, history.ErrInvalidTarget):
		return http.StatusUnprocessableEntity, "invalid_target"
	case errors.Is(err, history.ErrMalformedSnapshot):
		return http.StatusUnprocessableEntity, "malformed_snapshot"
	case errors.Is(err, ledger.ErrInvalidInput):
		return http.StatusUnprocessableEntity, "invalid_input"
	case errors.Is(err, history.ErrInvalidQuery):
		return http.StatusBadRequest, "bad_request"
	}
	return http.StatusInternalServerError, "internal"
}

// fail writes err as an error response. Internal failures are logged and
// reported without detail.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("Request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		writeError(w, status, code, "internal error")
		return
	}
	writeError(w, status, code, err.Error())
}

// pathID parses a positive integer URL parameter.
func pathID(r *http.Request, name string) (int64, error) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: %s must be a positive integer, got %q", history.ErrInvalidQuery, name, raw)
	}
	return id, nil
}

// queryInt parses an optional non-negative integer query parameter.
func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer, got %q", history.ErrInvalidQuery, name, raw)
	}
	return v, nil
}

// actor returns the X-Actor-ID header value; 0 when absent.
func actor(r *http.Request) (int64, error) {
	raw := r.Header.Get(ActorHeader)
	if raw == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: %s must be a positive integer", history.ErrInvalidQuery, ActorHeader)
	}
	return id, nil
}

// readJSON decodes the request body into v. An empty body leaves v as is.
func readJSON(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: invalid request body: %v", history.ErrInvalidQuery, err)
	}
	return nil
}
