package client

import (
	"sync"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/pion/transport/v4/vnet"
	"github.com/pion/webrtc/v4"

	"github.com/kcall/kcall/internal/protocol"
)

// envelopePipe is an in-process stand-in for the relay: it delivers one
// participant's outbound envelopes to the other coordinator, in order, off
// the sender's goroutine.
type envelopePipe struct {
	ch chan protocol.Envelope
}

func newEnvelopePipe(from string, to **Coordinator) *envelopePipe {
	p := &envelopePipe{ch: make(chan protocol.Envelope, 64)}
	go func() {
		for env := range p.ch {
			peer := *to
			switch env.Type {
			case protocol.TypeOffer:
				_ = peer.HandleOffer(from, *env.Offer)
			case protocol.TypeAnswer:
				_ = peer.HandleAnswer(from, *env.Answer)
			case protocol.TypeCandidate:
				_ = peer.HandleCandidate(from, *env.Candidate)
			case protocol.TypeBye:
				peer.HandleBye(from)
			}
		}
	}()
	return p
}

func (p *envelopePipe) send(env protocol.Envelope) error {
	p.ch <- env
	return nil
}

// TestNegotiation_EndToEndOverVNet runs a full offer/answer/candidate
// exchange between two pion-backed coordinators on a virtual network and
// waits for both peer connections to establish.
func TestNegotiation_EndToEndOverVNet(t *testing.T) {
	const (
		cidr = "10.0.0.0/24"
		ipA  = "10.0.0.1"
		ipB  = "10.0.0.2"
	)

	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          cidr,
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	t.Cleanup(func() {
		_ = router.Stop()
	})

	netA, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{ipA}})
	if err != nil {
		t.Fatalf("new net A: %v", err)
	}
	netB, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{ipB}})
	if err != nil {
		t.Fatalf("new net B: %v", err)
	}
	if err := router.AddNet(netA); err != nil {
		t.Fatalf("add net A: %v", err)
	}
	if err := router.AddNet(netB); err != nil {
		t.Fatalf("add net B: %v", err)
	}
	if err := router.Start(); err != nil {
		t.Fatalf("start router: %v", err)
	}

	connectedA := make(chan struct{})
	connectedB := make(chan struct{})
	factoryA := newVNetMediaFactory(t, netA, connectedA)
	factoryB := newVNetMediaFactory(t, netB, connectedB)

	var coA, coB *Coordinator
	pipeAB := newEnvelopePipe("alice", &coB)
	pipeBA := newEnvelopePipe("bob", &coA)
	coA = NewCoordinator(testLogger(), "alice", factoryA, pipeAB.send)
	coB = NewCoordinator(testLogger(), "bob", factoryB, pipeBA.send)
	t.Cleanup(coA.Reset)
	t.Cleanup(coB.Reset)

	if err := coA.StartCall(); err != nil {
		t.Fatalf("StartCall: %v", err)
	}

	for name, ch := range map[string]chan struct{}{"alice": connectedA, "bob": connectedB} {
		select {
		case <-ch:
		case <-time.After(15 * time.Second):
			t.Fatalf("timed out waiting for %s's peer connection to establish", name)
		}
	}

	if !coA.InCall() || !coB.InCall() {
		t.Fatalf("InCall: alice=%v bob=%v, want both true", coA.InCall(), coB.InCall())
	}
}

func newVNetMediaFactory(t *testing.T, n *vnet.Net, connected chan struct{}) MediaFactory {
	t.Helper()

	se := webrtc.SettingEngine{}
	se.SetNet(n)

	var once sync.Once
	factory, err := NewPionMediaFactory(PionMediaConfig{
		Log:           testLogger(),
		ICEServers:    []webrtc.ICEServer{}, // host candidates only
		SettingEngine: &se,
		OnConnectionState: func(state webrtc.PeerConnectionState) {
			if state == webrtc.PeerConnectionStateConnected {
				once.Do(func() { close(connected) })
			}
		},
	})
	if err != nil {
		t.Fatalf("new media factory: %v", err)
	}
	return factory
}
