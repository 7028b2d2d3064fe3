// Package httpapi provides the buildbot operator HTTP API: session listing,
// live event streams, and manual end/sweep controls.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/jxucoder/buildbot/internal/engine"
	"github.com/jxucoder/buildbot/pkg/eventbus"
	"github.com/jxucoder/buildbot/pkg/model"
	"github.com/jxucoder/buildbot/pkg/store"
)

const (
	requestTimeout = 5 * time.Minute
	wsWriteTimeout = 15 * time.Second
)

// Sessions is the part of the engine the API drives.
type Sessions interface {
	Sessions() []model.Snapshot
	Session(id string) (model.Snapshot, error)
	End(ctx context.Context, id string, opts engine.EndOptions)
	SweepStale(ctx context.Context) int
}

// Server is the buildbot HTTP API.
type Server struct {
	sessions Sessions
	store    store.SessionStore
	bus      eventbus.Bus
	logger   *slog.Logger
	router   chi.Router
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// New creates a Server. st and bus may be nil, in which case event history or
// live events are unavailable.
func New(sessions Sessions, st store.SessionStore, bus eventbus.Bus, opts ...Option) *Server {
	s := &Server{
		sessions: sessions,
		store:    st,
		bus:      bus,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	s.router = s.buildRouter()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:    addr,
		Handler: s.router,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("http api listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		// Streams outlive the request timeout.
		r.Get("/sessions/{id}/events", s.handleSessionEvents)
		r.Get("/sessions/{id}/ws", s.handleSessionWebSocket)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(requestTimeout))
			r.Get("/sessions", s.handleListSessions)
			r.Get("/sessions/{id}", s.handleGetSession)
			r.Post("/sessions/{id}/end", s.handleEndSession)
			r.Post("/sweep", s.handleSweep)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	return r
}

// --- Request/Response types ---

type endSessionRequest struct {
	MarkReady bool `json:"mark_ready"`
}

type sweepResponse struct {
	Ended int `json:"ended"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// --- Handlers ---

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	status := model.Status(r.URL.Query().Get("status"))
	if status == "" || status == model.StatusActive {
		writeJSON(w, http.StatusOK, s.sessions.Sessions())
		return
	}
	if s.store == nil {
		writeError(w, http.StatusNotImplemented, "no session store configured")
		return
	}
	sessions, err := s.store.ListSessions(status)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if sessions == nil {
		sessions = []model.Snapshot{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.lookup(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := s.lookup(w, id); !ok {
		return
	}

	var req endSessionRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	// Teardown must finish even if the client goes away.
	s.sessions.End(context.WithoutCancel(r.Context()), id, engine.EndOptions{MarkReady: req.MarkReady, Notify: true})

	snap, ok := s.lookup(w, id)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, sweepResponse{Ended: s.sessions.SweepStale(r.Context())})
}

func (s *Server) lookup(w http.ResponseWriter, id string) (model.Snapshot, bool) {
	snap, err := s.sessions.Session(id)
	if errors.Is(err, engine.ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, "session not found")
		return snap, false
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return snap, false
	}
	return snap, true
}

// --- Event streams ---

// stream replays stored events for a session and then follows live ones
// until the session ends, ctx is done, or send fails. Live events already
// replayed are skipped.
func (s *Server) stream(ctx context.Context, snap model.Snapshot, send func(*model.Event) error) error {
	var live <-chan *model.Event
	if s.bus != nil && !snap.Status.Terminal() {
		ch, cancel := s.bus.Subscribe(snap.ID)
		defer cancel()
		live = ch
	}

	var lastID int64
	if s.store != nil {
		history, err := s.store.GetEvents(snap.ID, 0)
		if err != nil {
			return fmt.Errorf("loading events: %w", err)
		}
		for _, e := range history {
			if err := send(e); err != nil {
				return err
			}
			lastID = e.ID
		}
	}
	if live == nil {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-live:
			if !ok {
				return nil
			}
			if e.ID != 0 && e.ID <= lastID {
				continue
			}
			if err := send(e); err != nil {
				return err
			}
		}
	}
}

func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.lookup(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	err := s.stream(r.Context(), snap, func(e *model.Event) error {
		if err := writeSSE(w, e); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
	if err != nil {
		s.logger.Debug("event stream ended", "session", snap.ID, "err", err)
	}
}

func (s *Server) handleSessionWebSocket(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.lookup(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}
	defer ws.CloseNow()

	// Clients only listen; CloseRead notices when they go away.
	ctx := ws.CloseRead(r.Context())

	err = s.stream(ctx, snap, func(e *model.Event) error {
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
		defer cancel()
		return ws.Write(writeCtx, websocket.MessageText, data)
	})
	if err != nil {
		s.logger.Debug("websocket stream ended", "session", snap.ID, "err", err)
		ws.Close(websocket.StatusInternalError, "stream failed")
		return
	}
	ws.Close(websocket.StatusNormalClosure, "stream ended")
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeSSE(w http.ResponseWriter, event *model.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", event.ID, event.Type, data)
	return err
}
