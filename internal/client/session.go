package client

import (
	"log/slog"

	"github.com/kcall/kcall/internal/protocol"
)

// SessionConfig configures a Session. URL, Room and Nickname are required.
type SessionConfig struct {
	URL      string
	Room     string
	Nickname string

	Log    *slog.Logger
	Dialer Dialer
	Media  MediaFactory

	// Handlers observe session events. All run on the connection dispatcher.
	OnChat       func(from, text string)
	OnJoinNotice func(nickname string)
	OnLeave      func(nickname string)
	OnState      func(State)

	// after overrides timer scheduling in tests.
	after timerFactory
}

// Session is one participant's membership in a room: it keeps the control
// channel alive, re-announces itself after every reconnect, routes inbound
// envelopes, and fronts the negotiation coordinator for calls.
type Session struct {
	cfg   SessionConfig
	log   *slog.Logger
	conn  *Conn
	coord *Coordinator
}

func NewSession(cfg SessionConfig) (*Session, error) {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	s := &Session{cfg: cfg, log: log}
	s.coord = NewCoordinator(log, cfg.Nickname, cfg.Media, s.send)

	conn, err := NewConn(ConnConfig{
		URL:        cfg.URL,
		Dialer:     cfg.Dialer,
		Log:        log,
		OnState:    s.onState,
		OnEnvelope: s.onEnvelope,
		OnDown:     s.coord.Reset,
		after:      cfg.after,
	})
	if err != nil {
		return nil, err
	}
	s.conn = conn
	return s, nil
}

// Connect joins the room, reconnecting as needed until the retry budget
// runs out.
func (s *Session) Connect() {
	s.conn.Connect()
}

// Reconnect restarts a session that has exhausted its retries.
func (s *Session) Reconnect() {
	s.conn.ManualReconnect()
}

// Close leaves the room and shuts the session down.
func (s *Session) Close() {
	s.coord.Reset()
	s.conn.Close()
}

// State returns the control-channel state.
func (s *Session) State() State {
	return s.conn.State()
}

// SendChat broadcasts a chat line to the room.
func (s *Session) SendChat(text string) error {
	return s.send(protocol.Envelope{Type: protocol.TypeMsg, Text: text})
}

// Call starts an outgoing call to the room.
func (s *Session) Call() error {
	return s.coord.StartCall()
}

// HangUp ends the current call, if any. The relay drops whoever signals bye
// from the room, so the session joins again right after to keep chatting.
func (s *Session) HangUp() error {
	if !s.coord.InCall() {
		return nil
	}
	if err := s.coord.EndCall(); err != nil {
		return err
	}
	return s.conn.Send(protocol.Envelope{
		Type:     protocol.TypeJoin,
		Room:     s.cfg.Room,
		Nickname: s.cfg.Nickname,
	})
}

// InCall reports whether a call is in progress.
func (s *Session) InCall() bool {
	return s.coord.InCall()
}

// send stamps the session's room onto every outbound envelope. The relay
// drops anything addressed elsewhere, so the room is not caller-settable.
func (s *Session) send(env protocol.Envelope) error {
	env.Room = s.cfg.Room
	return s.conn.Send(env)
}

// onState re-announces membership after every (re)connect. The relay keeps
// no durable state, so a resumed connection is a brand new participant until
// it joins again.
func (s *Session) onState(state State) {
	if state == StateConnected {
		err := s.conn.Send(protocol.Envelope{
			Type:     protocol.TypeJoin,
			Room:     s.cfg.Room,
			Nickname: s.cfg.Nickname,
		})
		if err != nil {
			s.log.Warn("failed to join room", "room", s.cfg.Room, "err", err)
		}
	}
	if s.cfg.OnState != nil {
		s.cfg.OnState(state)
	}
}

func (s *Session) onEnvelope(env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeMsg:
		if s.cfg.OnChat != nil {
			s.cfg.OnChat(env.Nickname, env.Text)
		}
	case protocol.TypeJoinNotice:
		if s.cfg.OnJoinNotice != nil {
			s.cfg.OnJoinNotice(env.Nickname)
		}
	case protocol.TypeLeave:
		if s.cfg.OnLeave != nil {
			s.cfg.OnLeave(env.Nickname)
		}
	case protocol.TypeOffer:
		if env.Offer == nil {
			return
		}
		if err := s.coord.HandleOffer(env.Nickname, *env.Offer); err != nil {
			s.log.Error("failed to handle offer", "from", env.Nickname, "err", err)
		}
	case protocol.TypeAnswer:
		if env.Answer == nil {
			return
		}
		if err := s.coord.HandleAnswer(env.Nickname, *env.Answer); err != nil {
			s.log.Error("failed to handle answer", "from", env.Nickname, "err", err)
		}
	case protocol.TypeCandidate:
		if env.Candidate == nil {
			return
		}
		if err := s.coord.HandleCandidate(env.Nickname, *env.Candidate); err != nil {
			s.log.Error("failed to apply candidate", "from", env.Nickname, "err", err)
		}
	case protocol.TypeBye:
		s.coord.HandleBye(env.Nickname)
	default:
		s.log.Warn("dropping unexpected envelope", "type", string(env.Type))
	}
}
