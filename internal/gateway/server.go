package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/katidev/kati/internal/api"
	"github.com/katidev/kati/internal/auth"
	"github.com/katidev/kati/internal/call"
	"github.com/katidev/kati/internal/config"
	"github.com/katidev/kati/internal/observability"
	"github.com/katidev/kati/internal/protocol"
	"github.com/katidev/kati/internal/transcript"
)

// CallController is the slice of the call engine the gateway drives.
type CallController interface {
	Toggle()
	NewConversation()
	SelectConversation(conversationID int)
	Status() call.State
	Events() <-chan any
}

// AuthBackend is the slice of the API client the gateway proxies for the
// local UI.
type AuthBackend interface {
	Login(ctx context.Context, creds api.Credentials) (api.AuthResponse, error)
	Register(ctx context.Context, reg api.Registration) (api.AuthResponse, error)
	Conversations(ctx context.Context, userID int) ([]api.Conversation, error)
	Health(ctx context.Context) (api.Health, error)
}

// Server exposes the daemon to local viewers: a small embedded UI, REST
// endpoints for auth and status, and a websocket that streams call state and
// transcript updates.
type Server struct {
	cfg      config.Config
	engine   CallController
	backend  AuthBackend
	sessions auth.Store
	log      *transcript.Log
	metrics  *observability.Metrics
	upgrader websocket.Upgrader
	static   http.Handler

	mu          sync.Mutex
	subscribers map[chan any]struct{}
}

func New(cfg config.Config, engine CallController, backend AuthBackend, sessions auth.Store, transcriptLog *transcript.Log, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:         cfg,
		engine:      engine,
		backend:     backend,
		sessions:    sessions,
		log:         transcriptLog,
		metrics:     metrics,
		static:      newStaticHandler(),
		subscribers: make(map[chan any]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browser connections may drive the call
				// unless explicitly opened up. Other websites must not be
				// able to toggle the user's microphone.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

// Run fans engine events out to every connected viewer until ctx is done.
func (s *Server) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.engine.Events():
			s.broadcast(ev)
		}
	}
}

// Announce pushes a message to all viewers from outside the engine, used for
// daemon-level notices like an expired session.
func (s *Server) Announce(msg any) {
	s.broadcast(msg)
}

func (s *Server) broadcast(msg any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sub := range s.subscribers {
		select {
		case sub <- msg:
		default:
			// Slow viewer; it will resync from the next snapshot.
		}
	}
}

func (s *Server) subscribe() chan any {
	sub := make(chan any, 64)
	s.mu.Lock()
	s.subscribers[sub] = struct{}{}
	s.mu.Unlock()
	return sub
}

func (s *Server) unsubscribe(sub chan any) {
	s.mu.Lock()
	delete(s.subscribers, sub)
	s.mu.Unlock()
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/ui/", http.StatusTemporaryRedirect)
	})
	r.Get("/ui", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/ui/", http.StatusTemporaryRedirect)
	})
	r.Handle("/ui/*", http.StripPrefix("/ui/", s.static))

	r.Get("/healthz", s.handleHealth)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/auth/login", s.handleLogin)
	r.Post("/v1/auth/register", s.handleRegister)
	r.Post("/v1/auth/logout", s.handleLogout)
	r.Get("/v1/auth/me", s.handleMe)

	r.Get("/v1/call/status", s.handleCallStatus)
	r.Get("/v1/call/ws", s.handleCallWS)
	r.Get("/v1/conversations", s.handleConversations)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	_, loggedIn := s.sessions.Current()
	backendStatus := "unreachable"
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if h, err := s.backend.Health(ctx); err == nil {
		backendStatus = h.Status
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"logged_in": loggedIn,
		"backend":   backendStatus,
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var creds api.Credentials
	if err := decodeJSON(r, &creds); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	resp, err := s.backend.Login(r.Context(), creds)
	if err != nil {
		s.respondBackendError(w, err)
		return
	}
	if err := s.sessions.Save(auth.Session{
		AccessToken: resp.AccessToken,
		TokenType:   resp.TokenType,
		User:        resp.User,
	}); err != nil {
		respondError(w, http.StatusInternalServerError, "session_save_failed", err.Error())
		return
	}
	go s.resumeLastConversation(resp.User.UserID)
	respondJSON(w, http.StatusOK, resp.User)
}

// resumeLastConversation restores the most recent conversation's transcript
// after login, the same way the web client primed its sidebar.
func (s *Server) resumeLastConversation(userID int) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	convs, err := s.backend.Conversations(ctx, userID)
	if err != nil {
		log.Printf("gateway: listing conversations after login: %v", err)
		return
	}
	if len(convs) == 0 {
		return
	}
	latest := convs[0]
	for _, c := range convs[1:] {
		if c.UpdatedAt > latest.UpdatedAt {
			latest = c
		}
	}
	s.engine.SelectConversation(latest.ConversationID)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var reg api.Registration
	if err := decodeJSON(r, &reg); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	resp, err := s.backend.Register(r.Context(), reg)
	if err != nil {
		s.respondBackendError(w, err)
		return
	}
	if err := s.sessions.Save(auth.Session{
		AccessToken: resp.AccessToken,
		TokenType:   resp.TokenType,
		User:        resp.User,
	}); err != nil {
		respondError(w, http.StatusInternalServerError, "session_save_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, resp.User)
}

func (s *Server) handleLogout(w http.ResponseWriter, _ *http.Request) {
	if err := s.sessions.Clear(); err != nil {
		respondError(w, http.StatusInternalServerError, "logout_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

func (s *Server) handleMe(w http.ResponseWriter, _ *http.Request) {
	sess, ok := s.sessions.Current()
	if !ok {
		respondError(w, http.StatusUnauthorized, "not_logged_in", "no active session")
		return
	}
	respondJSON(w, http.StatusOK, sess.User)
}

func (s *Server) handleCallStatus(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.engine.Status())
}

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessions.Current()
	if !ok {
		respondError(w, http.StatusUnauthorized, "not_logged_in", "no active session")
		return
	}
	convs, err := s.backend.Conversations(r.Context(), sess.User.UserID)
	if err != nil {
		s.respondBackendError(w, err)
		return
	}
	if convs == nil {
		convs = []api.Conversation{}
	}
	respondJSON(w, http.StatusOK, convs)
}

func (s *Server) handleCallWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sub := s.subscribe()
	defer s.unsubscribe(sub)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// New viewers resync from a snapshot before receiving the live stream.
	st := s.engine.Status()
	initial := []any{
		protocol.CallState{
			Type:            protocol.TypeCallState,
			Phase:           string(st.Phase),
			Active:          st.Active,
			DurationSeconds: st.DurationSeconds,
			Duration:        protocol.FormatDuration(st.DurationSeconds),
		},
		protocol.TranscriptSnapshot{
			Type:     protocol.TypeTranscriptSnapshot,
			Messages: s.log.Messages(),
		},
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for _, msg := range initial {
			if !s.writeMessage(conn, msg) {
				cancel()
				return
			}
		}
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-sub:
				if !s.writeMessage(conn, msg) {
					cancel()
					return
				}
			}
		}
	}()

	conn.SetReadLimit(64 << 10)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			errEvent := protocol.ErrorEvent{
				Type:   protocol.TypeErrorEvent,
				Code:   "invalid_client_message",
				Source: "gateway",
				Detail: err.Error(),
			}
			select {
			case sub <- errEvent:
			default:
			}
			continue
		}

		ctrl := parsed.(protocol.ClientControl)
		s.countWS("inbound", string(ctrl.Type))
		switch ctrl.Action {
		case protocol.ActionToggleCall:
			s.engine.Toggle()
		case protocol.ActionNewConversation:
			s.engine.NewConversation()
		case protocol.ActionSelectConversation:
			s.engine.SelectConversation(ctrl.ConversationID)
		}
	}

	cancel()
	<-writerDone
}

func (s *Server) writeMessage(conn *websocket.Conn, msg any) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteJSON(msg); err != nil {
		return false
	}
	if t, ok := messageTypeOf(msg); ok {
		s.countWS("outbound", string(t))
	}
	return true
}

func (s *Server) countWS(direction, msgType string) {
	if s.metrics != nil {
		s.metrics.WSMessages.WithLabelValues(direction, msgType).Inc()
	}
}

func (s *Server) respondBackendError(w http.ResponseWriter, err error) {
	var be *api.BackendError
	switch {
	case errors.Is(err, api.ErrInvalidCredentials):
		respondError(w, http.StatusUnauthorized, "invalid_credentials", err.Error())
	case errors.Is(err, api.ErrUnauthorized):
		respondError(w, http.StatusUnauthorized, "auth_expired", err.Error())
	case errors.Is(err, api.ErrValidation):
		respondError(w, http.StatusBadRequest, "validation_failed", err.Error())
	case errors.As(err, &be):
		respondError(w, http.StatusBadGateway, "backend_error", err.Error())
	default:
		respondError(w, http.StatusBadGateway, "backend_unreachable", err.Error())
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errors.New("empty body")
	}
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(out)
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.ClientControl:
		return m.Type, true
	case protocol.CallState:
		return m.Type, true
	case protocol.TranscriptMessage:
		return m.Type, true
	case protocol.TranscriptSnapshot:
		return m.Type, true
	case protocol.SystemEvent:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
