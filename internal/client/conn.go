// Package client is the client side of the control channel: the connection
// lifecycle state machine, the negotiation coordinator, and the session
// context tying them together.
//
// Everything stateful runs on a single dispatcher goroutine fed by an event
// queue. Socket callbacks, timer fires, and API calls all become events, so
// transitions and their side effects are testable without a live network,
// and a stale socket can never deliver events into a newer connection.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kcall/kcall/internal/protocol"
)

// State is the control-channel lifecycle state. It is owned exclusively by
// Conn; other components only read it.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

const (
	// DefaultBaseRetryInterval scales the back-off: the N-th retry waits
	// N times this long.
	DefaultBaseRetryInterval = 3 * time.Second

	// DefaultMaxAttempts is the retry budget before the machine gives up and
	// enters Failed until a manual reconnect.
	DefaultMaxAttempts = 5

	// DefaultConnectTimeout bounds a single connection attempt.
	DefaultConnectTimeout = 10 * time.Second
)

var ErrNotConnected = errors.New("client: control channel not connected")

// Socket is the minimal control-channel surface the state machine drives.
type Socket interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens control-channel sockets.
type Dialer interface {
	Dial(ctx context.Context, url string) (Socket, error)
}

// WebSocketDialer is the production Dialer, backed by gorilla/websocket.
type WebSocketDialer struct {
	// Dialer overrides websocket.DefaultDialer when set.
	Dialer *websocket.Dialer
}

func (d WebSocketDialer) Dial(ctx context.Context, url string) (Socket, error) {
	wd := d.Dialer
	if wd == nil {
		wd = websocket.DefaultDialer
	}
	conn, _, err := wd.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return wsSocket{conn}, nil
}

// wsSocket bounds every write so a wedged peer cannot stall the dispatcher.
type wsSocket struct {
	conn *websocket.Conn
}

func (s wsSocket) ReadMessage() (int, []byte, error) {
	return s.conn.ReadMessage()
}

func (s wsSocket) WriteMessage(messageType int, data []byte) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return s.conn.WriteMessage(messageType, data)
}

func (s wsSocket) Close() error {
	return s.conn.Close()
}

// timerFactory schedules fn after d and returns a cancel func. Tests swap it
// out to drive retries and timeouts deterministically.
type timerFactory func(d time.Duration, fn func()) (cancel func() bool)

func realTimer(d time.Duration, fn func()) func() bool {
	t := time.AfterFunc(d, fn)
	return t.Stop
}

// ConnConfig configures a Conn. URL is required.
type ConnConfig struct {
	URL    string
	Dialer Dialer
	Log    *slog.Logger

	BaseRetryInterval time.Duration
	MaxAttempts       int
	ConnectTimeout    time.Duration

	// OnState observes every transition. Called from the dispatcher.
	OnState func(State)

	// OnEnvelope receives every routed envelope. Called from the dispatcher.
	OnEnvelope func(protocol.Envelope)

	// OnDown runs on every transition into Reconnecting, Disconnected or
	// Failed. An interrupted control channel invalidates any in-flight call,
	// so the session context points this at the coordinator's teardown.
	OnDown func()

	// after overrides timer scheduling in tests.
	after timerFactory
}

// Conn owns the control-channel connection: it detects loss, drives
// reconnection with linear back-off, and is the only component allowed to
// mutate the connection state.
type Conn struct {
	cfg   ConnConfig
	log   *slog.Logger
	after timerFactory

	events chan event
	done   chan struct{}

	// stateAtomic mirrors the loop-owned state for lock-free readers.
	stateAtomic    atomic.Int32
	attemptsAtomic atomic.Int32

	// sendMu guards sendSock. Sends bypass the event queue so that
	// dispatcher callbacks (the post-connect join, negotiation replies) can
	// send without deadlocking on their own loop.
	sendMu   sync.Mutex
	sendSock Socket

	// Everything below is owned by the dispatcher goroutine.
	state         State
	attempts      int
	gen           int
	sock          Socket
	dialCancel    context.CancelFunc
	cancelRetry   func() bool
	cancelTimeout func() bool
}

type event interface{ isEvent() }

type evConnect struct{ manual bool }
type evDialResult struct {
	gen  int
	sock Socket
	err  error
}
type evSockClosed struct {
	gen  int
	code int
	err  error
}
type evEnvelope struct {
	gen int
	env protocol.Envelope
}
type evRetryFire struct{ gen int }
type evTimeoutFire struct{ gen int }
type evClose struct{}

func (evConnect) isEvent()     {}
func (evDialResult) isEvent()  {}
func (evSockClosed) isEvent()  {}
func (evEnvelope) isEvent()    {}
func (evRetryFire) isEvent()   {}
func (evTimeoutFire) isEvent() {}
func (evClose) isEvent()       {}

func NewConn(cfg ConnConfig) (*Conn, error) {
	if cfg.URL == "" {
		return nil, errors.New("client: missing control channel URL")
	}
	if cfg.Dialer == nil {
		cfg.Dialer = WebSocketDialer{}
	}
	if cfg.BaseRetryInterval <= 0 {
		cfg.BaseRetryInterval = DefaultBaseRetryInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.after == nil {
		cfg.after = realTimer
	}

	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	c := &Conn{
		cfg:    cfg,
		log:    log,
		after:  cfg.after,
		events: make(chan event, 64),
		done:   make(chan struct{}),
		state:  StateDisconnected,
	}
	go c.run()
	return c, nil
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	return State(c.stateAtomic.Load())
}

// Attempts returns the current retry counter.
func (c *Conn) Attempts() int {
	return int(c.attemptsAtomic.Load())
}

// Connect starts connecting. It is a no-op while already connecting or
// connected.
func (c *Conn) Connect() {
	c.post(evConnect{})
}

// ManualReconnect resets the retry counter and connects immediately. It is
// the only way out of Failed.
func (c *Conn) ManualReconnect() {
	c.post(evConnect{manual: true})
}

// Send transmits one envelope. It fails with ErrNotConnected unless the
// machine is in Connected. Safe from any goroutine, including dispatcher
// callbacks.
func (c *Conn) Send(env protocol.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendSock == nil {
		return ErrNotConnected
	}
	return c.sendSock.WriteMessage(websocket.TextMessage, data)
}

func (c *Conn) setSendSock(sock Socket) {
	c.sendMu.Lock()
	c.sendSock = sock
	c.sendMu.Unlock()
}

// Close shuts the machine down for good: it closes any socket with a normal
// close frame and stops the dispatcher.
func (c *Conn) Close() {
	c.post(evClose{})
}

func (c *Conn) post(ev event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

func (c *Conn) run() {
	for {
		ev := <-c.events
		switch ev := ev.(type) {
		case evConnect:
			c.onConnect(ev.manual)
		case evDialResult:
			c.onDialResult(ev)
		case evSockClosed:
			c.onSockClosed(ev)
		case evEnvelope:
			if ev.gen == c.gen && c.cfg.OnEnvelope != nil {
				c.cfg.OnEnvelope(ev.env)
			}
		case evRetryFire:
			if ev.gen == c.gen && c.state == StateReconnecting {
				c.dial()
			}
		case evTimeoutFire:
			if ev.gen == c.gen && c.state == StateConnecting {
				c.log.Warn("connection attempt timed out")
				c.cleanupAttempt()
				c.failAttempt()
			}
		case evClose:
			c.shutdown()
			return
		}
	}
}

func (c *Conn) onConnect(manual bool) {
	switch c.state {
	case StateConnecting, StateConnected:
		return
	case StateReconnecting, StateFailed:
		if !manual && c.state == StateFailed {
			// Failed only yields to an explicit manual reconnect.
			return
		}
	}
	if manual {
		c.attempts = 0
		c.attemptsAtomic.Store(0)
	}
	c.cancelTimers()
	c.dial()
}

func (c *Conn) dial() {
	c.gen++
	gen := c.gen
	c.setState(StateConnecting)

	c.cancelTimeout = c.after(c.cfg.ConnectTimeout, func() {
		c.post(evTimeoutFire{gen: gen})
	})

	ctx, cancel := context.WithCancel(context.Background())
	c.dialCancel = cancel
	go func() {
		sock, err := c.cfg.Dialer.Dial(ctx, c.cfg.URL)
		c.post(evDialResult{gen: gen, sock: sock, err: err})
	}()
}

func (c *Conn) onDialResult(ev evDialResult) {
	if ev.gen != c.gen {
		// A canceled or superseded attempt; never let its socket leak.
		if ev.sock != nil {
			_ = ev.sock.Close()
		}
		return
	}
	if ev.err != nil {
		c.log.Warn("connection attempt failed", "err", ev.err)
		c.cleanupAttempt()
		c.failAttempt()
		return
	}

	if c.cancelTimeout != nil {
		c.cancelTimeout()
		c.cancelTimeout = nil
	}
	c.dialCancel = nil

	c.sock = ev.sock
	c.attempts = 0
	c.attemptsAtomic.Store(0)
	// Expose the socket to senders before reporting Connected, so the
	// OnState join announcement has somewhere to go.
	c.setSendSock(ev.sock)
	c.setState(StateConnected)

	gen := c.gen
	sock := ev.sock
	go c.readLoop(gen, sock)
}

func (c *Conn) readLoop(gen int, sock Socket) {
	for {
		msgType, data, err := sock.ReadMessage()
		if err != nil {
			c.post(evSockClosed{gen: gen, code: closeCodeFromError(err), err: err})
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		env, err := protocol.Parse(data)
		if err != nil {
			c.log.Warn("dropping malformed inbound envelope", "err", err)
			continue
		}
		c.post(evEnvelope{gen: gen, env: env})
	}
}

// closeCodeFromError extracts the close code from a socket read error.
// Non-close errors (resets, timeouts) count as abnormal closure.
func closeCodeFromError(err error) int {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return websocket.CloseAbnormalClosure
}

func (c *Conn) onSockClosed(ev evSockClosed) {
	if ev.gen != c.gen {
		return
	}

	wasConnected := c.state == StateConnected
	c.cleanupAttempt()

	if wasConnected && ev.code == protocol.CloseNormal {
		c.log.Info("control channel closed", "reason", protocol.CloseReason(ev.code))
		c.setState(StateDisconnected)
		return
	}

	c.log.Warn("control channel lost",
		"close_code", ev.code,
		"reason", protocol.CloseReason(ev.code),
		"err", ev.err,
	)
	c.failAttempt()
}

// failAttempt advances the back-off path: schedule the next retry or give up.
func (c *Conn) failAttempt() {
	c.attempts++
	c.attemptsAtomic.Store(int32(c.attempts))

	if c.attempts > c.cfg.MaxAttempts {
		c.log.Error("retry budget exhausted, giving up until manual reconnect",
			"attempts", c.cfg.MaxAttempts,
		)
		c.setState(StateFailed)
		return
	}

	delay := time.Duration(c.attempts) * c.cfg.BaseRetryInterval
	c.setState(StateReconnecting)
	c.log.Info("scheduling reconnect",
		"attempt", c.attempts,
		"delay", delay,
	)

	gen := c.gen
	c.cancelRetry = c.after(delay, func() {
		c.post(evRetryFire{gen: gen})
	})
}

// cleanupAttempt invalidates the current socket generation and releases the
// socket, pending dial, and timers.
func (c *Conn) cleanupAttempt() {
	c.gen++
	c.setSendSock(nil)
	c.cancelTimers()
	if c.dialCancel != nil {
		c.dialCancel()
		c.dialCancel = nil
	}
	if c.sock != nil {
		_ = c.sock.Close()
		c.sock = nil
	}
}

func (c *Conn) cancelTimers() {
	if c.cancelRetry != nil {
		c.cancelRetry()
		c.cancelRetry = nil
	}
	if c.cancelTimeout != nil {
		c.cancelTimeout()
		c.cancelTimeout = nil
	}
}

func (c *Conn) shutdown() {
	if c.sock != nil {
		_ = c.sock.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
	}
	c.cleanupAttempt()
	c.setState(StateDisconnected)
	close(c.done)
}

func (c *Conn) setState(s State) {
	if c.state == s {
		return
	}
	prev := c.state
	c.state = s
	c.stateAtomic.Store(int32(s))

	c.log.Debug("connection state change", "from", prev.String(), "to", s.String())

	if c.cfg.OnState != nil {
		c.cfg.OnState(s)
	}
	switch s {
	case StateReconnecting, StateDisconnected, StateFailed:
		if c.cfg.OnDown != nil {
			c.cfg.OnDown()
		}
	}
}
