package chat

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"msgnet/protocol"
	"msgnet/server"
)

// historyOnLogin is how many stored lines a fresh login receives.
const historyOnLogin = 50

// Server wires the chat handlers into a message-runtime core.
//
// All handler methods run on the core's dispatch loop; the users map
// has its own mutex because Shutdown and the tests read it from other
// goroutines.
type Server struct {
	core  *server.Server
	store *Store
	log   zerolog.Logger

	mu    sync.Mutex
	users map[protocol.ClientID]string
}

// NewServer attaches the chat handlers to core.  Call before starting
// the core.
func NewServer(core *server.Server, store *Store, logger zerolog.Logger) *Server {
	s := &Server{
		core:  core,
		store: store,
		log:   logger.With().Str("component", "chat").Logger(),
		users: make(map[protocol.ClientID]string),
	}

	core.Handle(CmdLoginRequest, s.handleLogin)
	core.Handle(CmdLogoutRequest, s.handleLogout)
	core.Handle(CmdMessageRequest, s.handleMessage)
	core.Handle(CmdHistoryRequest, s.handleHistory)
	core.HandleFallback(func(_ protocol.Raw, source protocol.ClientID) {
		s.log.Warn().Uint32("client", uint32(source)).Msg("unknown command")
	})
	return s
}

// Users returns the usernames currently logged in.
func (s *Server) Users() map[protocol.ClientID]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[protocol.ClientID]string, len(s.users))
	for id, name := range s.users {
		out[id] = name
	}
	return out
}

// Shutdown tells every logged-in user to log out, then stops the core.
func (s *Server) Shutdown(graceful bool) {
	for id := range s.Users() {
		_ = s.core.Push(LogoutResponse{Base: protocol.Tag(CmdLogoutResponse), UserID: id}, id)
	}
	s.core.Shutdown(graceful)
}

func (s *Server) handleLogin(body protocol.Raw, source protocol.ClientID) {
	var req LoginRequest
	if err := json.Unmarshal(body, &req); err != nil || req.Username == "" {
		_ = s.core.Push(LoginResponse{
			Base:   protocol.Tag(CmdLoginResponse),
			UserID: source,
			Reason: "login requires a username",
		}, source)
		return
	}

	s.mu.Lock()
	s.users[source] = req.Username
	roster := make(map[protocol.ClientID]string, len(s.users))
	for id, name := range s.users {
		roster[id] = name
	}
	s.mu.Unlock()

	s.core.Group(source, Room)

	_ = s.core.Push(LoginResponse{
		Base:     protocol.Tag(CmdLoginResponse),
		Success:  true,
		UserID:   source,
		Username: req.Username,
	}, source)

	// The newcomer learns about everyone already present, then the
	// whole room (newcomer included) learns about the newcomer.
	for id, name := range roster {
		if id == source {
			continue
		}
		_ = s.core.Push(UserlistUpdate{
			Base:     protocol.Tag(CmdUserlistUpdate),
			AddUser:  true,
			UserID:   id,
			Username: name,
		}, source)
	}
	_ = s.core.PushGroup(UserlistUpdate{
		Base:     protocol.Tag(CmdUserlistUpdate),
		AddUser:  true,
		UserID:   source,
		Username: req.Username,
	}, Room)

	if history := s.store.History(historyOnLogin); len(history) > 0 {
		_ = s.core.Push(HistoryResponse{
			Base:     protocol.Tag(CmdHistoryResponse),
			Messages: history,
		}, source)
	}

	s.log.Info().Uint32("client", uint32(source)).Str("user", req.Username).Msg("login")
}

func (s *Server) handleLogout(_ protocol.Raw, source protocol.ClientID) {
	s.mu.Lock()
	name, ok := s.users[source]
	delete(s.users, source)
	s.mu.Unlock()
	if !ok {
		return
	}

	s.core.Ungroup(source, Room)
	_ = s.core.Push(LogoutResponse{Base: protocol.Tag(CmdLogoutResponse), UserID: source}, source)
	_ = s.core.PushGroup(UserlistUpdate{
		Base:     protocol.Tag(CmdUserlistUpdate),
		AddUser:  false,
		UserID:   source,
		Username: name,
	}, Room)

	s.log.Info().Uint32("client", uint32(source)).Str("user", name).Msg("logout")
}

func (s *Server) handleMessage(body protocol.Raw, source protocol.ClientID) {
	s.mu.Lock()
	name, ok := s.users[source]
	s.mu.Unlock()
	if !ok {
		s.log.Warn().Uint32("client", uint32(source)).Msg("message from client that never logged in")
		return
	}

	var req MessageRequest
	if err := json.Unmarshal(body, &req); err != nil || req.Text == "" {
		return
	}

	now := time.Now().UTC()
	if _, err := s.store.Append(source, name, req.Text, now); err != nil {
		s.log.Error().Err(err).Msg("persist message")
	}

	_ = s.core.PushGroup(MessageResponse{
		Base:      protocol.Tag(CmdMessageResponse),
		UserID:    source,
		Username:  name,
		Text:      req.Text,
		Timestamp: now,
	}, Room)
}

func (s *Server) handleHistory(body protocol.Raw, source protocol.ClientID) {
	var req HistoryRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return
	}
	_ = s.core.Push(HistoryResponse{
		Base:     protocol.Tag(CmdHistoryResponse),
		Messages: s.store.History(req.Limit),
	}, source)
}
