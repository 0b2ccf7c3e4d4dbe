package control

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"supportcall/native/internal/call"
	"supportcall/native/internal/domain"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// Calls is the call machine as seen by the HTTP surface.
type Calls interface {
	Initiate(ctx context.Context, target string) error
	Accept(ctx context.Context) error
	Reject(ctx context.Context) error
	End(ctx context.Context) error
	Snapshot() call.Snapshot
}

// Server exposes call control over HTTP.
type Server struct {
	calls Calls
	board *Board
	log   zerolog.Logger
}

// NewServer creates a control server.
func NewServer(calls Calls, board *Board, log zerolog.Logger) *Server {
	return &Server{calls: calls, board: board, log: log}
}

type statusResponse struct {
	Call              *domain.CallRecord `json:"call"`
	Initiating        bool               `json:"initiating"`
	PendingOffers     int                `json:"pendingOffers"`
	PendingCandidates int                `json:"pendingCandidates"`
	Display           View               `json:"display"`
}

type initiateRequest struct {
	TargetID string `json:"targetId"`
}

type errorResponse struct {
	Error string `json:"error"`
	Busy  bool   `json:"busy,omitempty"`
}

// Router builds the HTTP routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/status", s.handleStatus)
	r.Route("/calls", func(r chi.Router) {
		r.Post("/", s.handleInitiate)
		r.Post("/current/accept", s.command(s.calls.Accept))
		r.Post("/current/reject", s.command(s.calls.Reject))
		r.Post("/current/end", s.command(s.calls.End))
	})
	return r
}

// ListenAndServe serves on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.log.Info().Str("addr", addr).Msg("control server listening")

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("took", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}

func (s *Server) status() statusResponse {
	snap := s.calls.Snapshot()
	return statusResponse{
		Call:              snap.Record,
		Initiating:        snap.Initiating,
		PendingOffers:     snap.PendingOffers,
		PendingCandidates: snap.PendingCandidates,
		Display:           s.board.View(),
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) handleInitiate(w http.ResponseWriter, r *http.Request) {
	var req initiateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TargetID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "body must be {\"targetId\": \"...\"}"})
		return
	}
	if err := s.calls.Initiate(r.Context(), req.TargetID); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.status())
}

func (s *Server) command(fn func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fn(r.Context()); err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, s.status())
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	var (
		busy *domain.TargetBusyError
		mae  *domain.MediaAccessError
	)
	status := http.StatusBadGateway
	resp := errorResponse{Error: err.Error()}
	switch {
	case errors.As(err, &busy):
		status, resp.Busy = http.StatusConflict, true
	case errors.Is(err, domain.ErrCallActive), errors.Is(err, domain.ErrInvalidState):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrNoCall):
		status = http.StatusNotFound
	case errors.As(err, &mae):
		status = http.StatusFailedDependency
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	if status >= 500 {
		s.log.Error().Err(err).Msg("call command failed")
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
