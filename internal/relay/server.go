// Package relay implements the signaling relay: it accepts control-channel
// WebSocket connections, tracks room membership, and routes envelopes among
// participants sharing a room.
//
// The relay is a pure router. It inspects `type` and `room` and stamps the
// sender's nickname onto routed envelopes; payload semantics belong to the
// clients.
package relay

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kcall/kcall/internal/metrics"
	"github.com/kcall/kcall/internal/origin"
	"github.com/kcall/kcall/internal/protocol"
	"github.com/kcall/kcall/internal/ratelimit"
	"github.com/kcall/kcall/internal/room"
)

const (
	writeWait = 1 * time.Second

	// outboxDepth bounds how many undelivered frames a slow consumer may
	// accumulate before broadcasts start dropping for that recipient.
	outboxDepth = 64
)

// Config wires together the runtime dependencies for the relay.
type Config struct {
	Log      *slog.Logger
	Registry *room.Registry
	Metrics  *metrics.Metrics

	// Origins gates browser WebSocket upgrades. The zero value allows
	// same-host origins only.
	Origins origin.Policy

	// Inbound hardening, per connection. Zero values pick defaults.
	MaxMessageBytes      int64
	MaxMessagesPerSecond int

	// Clock feeds the per-connection rate limiter; nil means wall clock.
	Clock ratelimit.Clock
}

// Server accepts control-channel connections and routes envelopes.
type Server struct {
	log      *slog.Logger
	registry *room.Registry
	metrics  *metrics.Metrics

	maxMessageBytes      int64
	maxMessagesPerSecond int
	clock                ratelimit.Clock

	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[*wsSession]struct{}
}

func NewServer(cfg Config) *Server {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	registry := cfg.Registry
	if registry == nil {
		registry = room.NewRegistry()
	}
	maxBytes := cfg.MaxMessageBytes
	if maxBytes <= 0 {
		maxBytes = 64 * 1024
	}
	maxRate := cfg.MaxMessagesPerSecond
	if maxRate <= 0 {
		maxRate = 50
	}
	clock := cfg.Clock
	if clock == nil {
		clock = ratelimit.RealClock{}
	}

	return &Server{
		log:      log,
		registry: registry,
		metrics:  cfg.Metrics,

		maxMessageBytes:      maxBytes,
		maxMessagesPerSecond: maxRate,
		clock:                clock,

		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Non-browser clients send no Origin header; browsers get the
			// configured allowlist, defaulting to same-host only.
			CheckOrigin: func(r *http.Request) bool {
				o := r.Header.Get("Origin")
				if o == "" {
					return true
				}
				return cfg.Origins.Allow(o, r.Host)
			},
		},

		sessions: make(map[*wsSession]struct{}),
	}
}

// Registry exposes the room registry, mainly for tests and diagnostics.
func (s *Server) Registry() *room.Registry {
	return s.registry
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", s.handleWS)
}

// ServeHTTP upgrades any GET request, which keeps httptest wiring simple.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handleWS(w, r)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		return
	}

	ws := &wsSession{
		srv:  s,
		conn: conn,
		out:  newOutbox(conn, s.metrics),
		limiter: ratelimit.NewTokenBucket(
			s.clock,
			int64(s.maxMessagesPerSecond),
			int64(s.maxMessagesPerSecond),
		),
	}

	s.track(ws)
	defer s.untrack(ws)

	ws.run()
}

// Close tears down every open control-channel connection.
func (s *Server) Close() {
	s.mu.Lock()
	sessions := make([]*wsSession, 0, len(s.sessions))
	for ws := range s.sessions {
		sessions = append(sessions, ws)
	}
	s.sessions = make(map[*wsSession]struct{})
	s.mu.Unlock()

	for _, ws := range sessions {
		ws.shutdown(websocket.CloseGoingAway, "server shutting down")
	}
}

func (s *Server) track(ws *wsSession) {
	s.mu.Lock()
	s.sessions[ws] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(ws *wsSession) {
	s.mu.Lock()
	delete(s.sessions, ws)
	s.mu.Unlock()
}

func (s *Server) incMetric(name string) {
	s.metrics.Inc(name)
}

// wsSession is the per-connection read loop state. All fields past conn/out
// are touched only from the read loop goroutine.
type wsSession struct {
	srv     *Server
	conn    *websocket.Conn
	out     *outbox
	limiter *ratelimit.TokenBucket

	joined   bool
	handle   room.Handle
	room     string
	nickname string
}

func (ws *wsSession) run() {
	defer ws.teardown()

	ws.conn.SetReadLimit(ws.srv.maxMessageBytes)

	for {
		msgType, data, err := ws.conn.ReadMessage()
		if err != nil {
			return
		}
		// Consume the frame before enforcing the rate limit so the TCP
		// receive buffer is drained and the close frame reaches the peer.
		if !ws.limiter.Allow(1) {
			ws.srv.incMetric(metrics.DropReasonRateLimited)
			ws.shutdown(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if msgType != websocket.TextMessage {
			ws.dropFrame("non-text frame")
			continue
		}

		env, err := protocol.Parse(data)
		if err != nil {
			ws.srv.incMetric(metrics.DropReasonMalformed)
			ws.srv.log.Warn("dropping malformed envelope",
				"remote_addr", ws.conn.RemoteAddr().String(),
				"err", err,
			)
			continue
		}

		ws.dispatch(env)
	}
}

func (ws *wsSession) dropFrame(reason string) {
	ws.srv.incMetric(metrics.DropReasonMalformed)
	ws.srv.log.Warn("dropping frame",
		"remote_addr", ws.conn.RemoteAddr().String(),
		"reason", reason,
	)
}

func (ws *wsSession) dispatch(env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeJoin:
		ws.handleJoin(env)
	case protocol.TypeLeave:
		if !ws.requireJoined(env) {
			return
		}
		ws.leaveRoom()
	case protocol.TypeBye:
		if !ws.requireJoined(env) {
			return
		}
		ws.route(env, metrics.RoutedBye)
		// A hang-up also ends room membership; remaining members get the
		// forwarded bye first, then the departure notice.
		ws.leaveRoom()
	case protocol.TypeMsg:
		if !ws.requireJoined(env) {
			return
		}
		ws.route(env, metrics.RoutedMsg)
	case protocol.TypeOffer:
		if !ws.requireJoined(env) {
			return
		}
		ws.route(env, metrics.RoutedOffer)
	case protocol.TypeAnswer:
		if !ws.requireJoined(env) {
			return
		}
		ws.route(env, metrics.RoutedAnswer)
	case protocol.TypeCandidate:
		if !ws.requireJoined(env) {
			return
		}
		ws.route(env, metrics.RoutedCandidate)
	default:
		// joinNotice and friends are server-emitted only.
		ws.srv.incMetric(metrics.DropReasonMalformed)
		ws.srv.log.Warn("dropping server-only envelope from client",
			"type", string(env.Type),
			"remote_addr", ws.conn.RemoteAddr().String(),
		)
	}
}

func (ws *wsSession) handleJoin(env protocol.Envelope) {
	// A second join on the same connection moves the participant: the old
	// entry leaves (with notice) before the new one registers.
	if ws.joined {
		ws.leaveRoom()
	}

	ws.handle = ws.srv.registry.Join(env.Room, env.Nickname, ws.out)
	ws.joined = true
	ws.room = env.Room
	ws.nickname = env.Nickname

	notice, err := protocol.Envelope{
		Type:     protocol.TypeJoinNotice,
		Room:     env.Room,
		Nickname: env.Nickname,
	}.Encode()
	if err == nil {
		// Never echoed back to the joiner.
		ws.srv.registry.Broadcast(env.Room, notice, ws.handle)
	}

	ws.srv.incMetric(metrics.ParticipantJoined)
	ws.srv.log.Info("participant joined",
		"room", env.Room,
		"nickname", env.Nickname,
		"room_size", ws.srv.registry.RoomSize(env.Room),
	)
}

// requireJoined drops envelopes from connections that have not completed the
// join handshake, and envelopes addressed to a room the sender is not in.
// The connection stays open either way.
func (ws *wsSession) requireJoined(env protocol.Envelope) bool {
	if !ws.joined {
		ws.srv.incMetric(metrics.DropReasonNotJoined)
		ws.srv.log.Warn("dropping envelope from non-joined connection",
			"type", string(env.Type),
			"room", env.Room,
			"remote_addr", ws.conn.RemoteAddr().String(),
		)
		return false
	}
	if env.Room != ws.room {
		ws.srv.incMetric(metrics.DropReasonWrongRoom)
		ws.srv.log.Warn("dropping envelope for foreign room",
			"type", string(env.Type),
			"room", env.Room,
			"joined_room", ws.room,
		)
		return false
	}
	return true
}

// route stamps the sender's nickname and fans the envelope out to everyone
// else in the sender's room.
func (ws *wsSession) route(env protocol.Envelope, counter string) {
	env.Nickname = ws.nickname

	data, err := env.Encode()
	if err != nil {
		ws.srv.incMetric(metrics.DropReasonMalformed)
		return
	}
	ws.srv.registry.Broadcast(ws.room, data, ws.handle)
	ws.srv.incMetric(counter)
}

// leaveRoom removes the participant and notifies the remaining members.
// Safe to call when not joined.
func (ws *wsSession) leaveRoom() {
	if !ws.joined {
		return
	}
	ws.joined = false

	info, ok := ws.srv.registry.Leave(ws.handle)
	if !ok {
		return
	}

	notice, err := protocol.Envelope{
		Type:     protocol.TypeLeave,
		Room:     ws.room,
		Nickname: info.Nickname,
	}.Encode()
	if err == nil {
		ws.srv.registry.Broadcast(ws.room, notice, room.Handle{})
	}

	ws.srv.incMetric(metrics.ParticipantLeft)
	ws.srv.log.Info("participant left",
		"room", ws.room,
		"nickname", info.Nickname,
	)
}

// teardown runs when the read loop exits for any reason, including abrupt
// disconnects.
func (ws *wsSession) teardown() {
	ws.leaveRoom()
	ws.out.Close()
	_ = ws.conn.Close()
}

// shutdown sends a close frame and tears the connection down. WriteControl
// is safe to call concurrently with the outbox pump.
func (ws *wsSession) shutdown(code int, reason string) {
	_ = ws.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(writeWait),
	)
	_ = ws.conn.Close()
}
