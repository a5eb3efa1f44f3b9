// Package e2e exercises the full stack: a real relay behind the HTTP server
// and middleware, real WebSocket clients, and pion media over loopback.
package e2e

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/kcall/kcall/internal/client"
	"github.com/kcall/kcall/internal/config"
	"github.com/kcall/kcall/internal/httpserver"
	"github.com/kcall/kcall/internal/metrics"
	"github.com/kcall/kcall/internal/relay"
)

const waitFor = 15 * time.Second

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startRelay serves the signaling stack on a loopback listener and returns
// its WebSocket URL.
func startRelay(t *testing.T) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	logger := testLogger()
	cfg := config.Config{ListenAddr: ln.Addr().String()}
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{})
	sig := relay.NewServer(relay.Config{Log: logger, Metrics: metrics.New()})
	sig.RegisterRoutes(srv.Mux())

	go func() {
		_ = srv.Serve(ln)
	}()
	t.Cleanup(func() {
		sig.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})

	return fmt.Sprintf("ws://%s/ws", ln.Addr())
}

type participant struct {
	sess *client.Session

	mu        sync.Mutex
	chats     []string
	joins     []string
	leaves    []string
	connected chan struct{}

	mediaUp chan struct{}
}

func newParticipant(t *testing.T, url, room, nick string) *participant {
	t.Helper()

	p := &participant{
		connected: make(chan struct{}, 8),
		mediaUp:   make(chan struct{}),
	}

	var once sync.Once
	media, err := client.NewPionMediaFactory(client.PionMediaConfig{
		Log:        testLogger(),
		ICEServers: []webrtc.ICEServer{}, // loopback host candidates only
		OnConnectionState: func(state webrtc.PeerConnectionState) {
			if state == webrtc.PeerConnectionStateConnected {
				once.Do(func() { close(p.mediaUp) })
			}
		},
	})
	if err != nil {
		t.Fatalf("media factory: %v", err)
	}

	sess, err := client.NewSession(client.SessionConfig{
		URL:      url,
		Room:     room,
		Nickname: nick,
		Log:      testLogger(),
		Media:    media,
		OnChat: func(from, text string) {
			p.mu.Lock()
			p.chats = append(p.chats, from+": "+text)
			p.mu.Unlock()
		},
		OnJoinNotice: func(nickname string) {
			p.mu.Lock()
			p.joins = append(p.joins, nickname)
			p.mu.Unlock()
		},
		OnLeave: func(nickname string) {
			p.mu.Lock()
			p.leaves = append(p.leaves, nickname)
			p.mu.Unlock()
		},
		OnState: func(state client.State) {
			if state == client.StateConnected {
				p.connected <- struct{}{}
			}
		},
	})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	p.sess = sess
	t.Cleanup(sess.Close)

	sess.Connect()
	select {
	case <-p.connected:
	case <-time.After(waitFor):
		t.Fatalf("%s never connected", nick)
	}
	return p
}

func (p *participant) waitJoin(t *testing.T, nick string) {
	t.Helper()
	waitUntil(t, fmt.Sprintf("join notice for %s", nick), func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		for _, j := range p.joins {
			if j == nick {
				return true
			}
		}
		return false
	})
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitFor)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestChatAndCall_FullStack(t *testing.T) {
	url := startRelay(t)

	alice := newParticipant(t, url, "screening", "alice")
	bob := newParticipant(t, url, "screening", "bob")
	alice.waitJoin(t, "bob")

	// Chat both ways.
	if err := alice.sess.SendChat("hello bob"); err != nil {
		t.Fatalf("alice SendChat: %v", err)
	}
	if err := bob.sess.SendChat("hi alice"); err != nil {
		t.Fatalf("bob SendChat: %v", err)
	}
	waitUntil(t, "bob to receive chat", func() bool {
		bob.mu.Lock()
		defer bob.mu.Unlock()
		return len(bob.chats) == 1 && bob.chats[0] == "alice: hello bob"
	})
	waitUntil(t, "alice to receive chat", func() bool {
		alice.mu.Lock()
		defer alice.mu.Unlock()
		return len(alice.chats) == 1 && alice.chats[0] == "bob: hi alice"
	})

	// Alice calls; bob's coordinator answers; media connects over loopback.
	if err := alice.sess.Call(); err != nil {
		t.Fatalf("Call: %v", err)
	}
	waitUntil(t, "bob to enter the call", bob.sess.InCall)

	for name, p := range map[string]*participant{"alice": alice, "bob": bob} {
		select {
		case <-p.mediaUp:
		case <-time.After(waitFor):
			t.Fatalf("%s's media never connected", name)
		}
	}

	// Hang up; the relay forwards the bye and bob's call ends.
	if err := alice.sess.HangUp(); err != nil {
		t.Fatalf("HangUp: %v", err)
	}
	waitUntil(t, "bob to leave the call", func() bool { return !bob.sess.InCall() })

	// Departure reaches the room.
	bob.sess.Close()
	waitUntil(t, "alice to see bob leave", func() bool {
		alice.mu.Lock()
		defer alice.mu.Unlock()
		for _, l := range alice.leaves {
			if l == "bob" {
				return true
			}
		}
		return false
	})
}
