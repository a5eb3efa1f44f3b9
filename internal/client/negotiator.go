package client

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/kcall/kcall/internal/protocol"
)

// MediaSession is one peer-to-peer media connection. The production
// implementation wraps a pion PeerConnection; tests substitute a scripted
// fake.
type MediaSession interface {
	// OnICECandidate registers the trickle callback. A nil candidate marks
	// the end of gathering and is not delivered.
	OnICECandidate(func(protocol.Candidate))

	// AttachAudio adds the local microphone track. It is idempotent: a
	// second call on the same session is a no-op.
	AttachAudio() error

	CreateOffer() (protocol.SessionDescription, error)
	CreateAnswer() (protocol.SessionDescription, error)
	SetRemoteDescription(desc protocol.SessionDescription) error
	AddICECandidate(cand protocol.Candidate) error
	Close() error
}

// MediaFactory builds a fresh MediaSession per call.
type MediaFactory func() (MediaSession, error)

var ErrCallInProgress = errors.New("client: call already in progress")

// Coordinator drives the offer/answer exchange for at most one call at a
// time. It buffers remote candidates that race ahead of the remote
// description, resolves offer glare by nickname, and tears the media session
// down whenever the control channel drops.
type Coordinator struct {
	log      *slog.Logger
	nickname string
	newMedia MediaFactory
	send     func(protocol.Envelope) error

	mu          sync.Mutex
	media       MediaSession
	makingOffer bool
	remoteSet   bool
	pending     []protocol.Candidate
}

func NewCoordinator(log *slog.Logger, nickname string, factory MediaFactory, send func(protocol.Envelope) error) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{
		log:      log,
		nickname: nickname,
		newMedia: factory,
		send:     send,
	}
}

// InCall reports whether a media session currently exists.
func (co *Coordinator) InCall() bool {
	co.mu.Lock()
	defer co.mu.Unlock()
	return co.media != nil
}

// StartCall creates a media session, attaches local audio, and sends an
// offer to the room. It fails if a call is already in progress.
func (co *Coordinator) StartCall() error {
	co.mu.Lock()
	defer co.mu.Unlock()

	if co.media != nil {
		return ErrCallInProgress
	}
	media, err := co.openSessionLocked()
	if err != nil {
		return err
	}

	offer, err := media.CreateOffer()
	if err != nil {
		co.teardownLocked()
		return err
	}
	co.makingOffer = true

	if err := co.send(protocol.Envelope{
		Type:  protocol.TypeOffer,
		Offer: &offer,
	}); err != nil {
		co.teardownLocked()
		return err
	}
	co.log.Info("sent call offer")
	return nil
}

// HandleOffer processes a remote offer: it answers, creating the media
// session on demand for incoming calls. When the offer collides with one of
// our own, the lexicographically smaller nickname is the polite side and
// abandons its offer; the other side ignores the colliding offer and keeps
// waiting for its answer.
func (co *Coordinator) HandleOffer(from string, offer protocol.SessionDescription) error {
	co.mu.Lock()
	defer co.mu.Unlock()

	if co.makingOffer {
		if !co.politeTo(from) {
			co.log.Info("ignoring colliding offer", "from", from)
			return nil
		}
		co.log.Info("abandoning local offer for colliding remote offer", "from", from)
		co.teardownLocked()
	}

	if co.media == nil {
		if _, err := co.openSessionLocked(); err != nil {
			return err
		}
	}

	if err := co.media.SetRemoteDescription(offer); err != nil {
		co.teardownLocked()
		return err
	}
	co.remoteSet = true
	if err := co.flushPendingLocked(); err != nil {
		co.teardownLocked()
		return err
	}

	answer, err := co.media.CreateAnswer()
	if err != nil {
		co.teardownLocked()
		return err
	}
	if err := co.send(protocol.Envelope{
		Type:   protocol.TypeAnswer,
		Answer: &answer,
	}); err != nil {
		co.teardownLocked()
		return err
	}
	co.log.Info("answered call offer", "from", from)
	return nil
}

// HandleAnswer completes our outstanding offer. An answer with no offer in
// flight is stale and dropped.
func (co *Coordinator) HandleAnswer(from string, answer protocol.SessionDescription) error {
	co.mu.Lock()
	defer co.mu.Unlock()

	if co.media == nil || !co.makingOffer {
		co.log.Warn("dropping answer with no offer in flight", "from", from)
		return nil
	}

	if err := co.media.SetRemoteDescription(answer); err != nil {
		co.teardownLocked()
		return err
	}
	co.makingOffer = false
	co.remoteSet = true
	if err := co.flushPendingLocked(); err != nil {
		co.teardownLocked()
		return err
	}
	co.log.Info("call answered", "from", from)
	return nil
}

// HandleCandidate applies a remote ICE candidate, buffering it in arrival
// order until the remote description lands.
func (co *Coordinator) HandleCandidate(from string, cand protocol.Candidate) error {
	co.mu.Lock()
	defer co.mu.Unlock()

	if co.media == nil {
		co.log.Warn("dropping candidate with no call in progress", "from", from)
		return nil
	}
	if !co.remoteSet {
		co.pending = append(co.pending, cand)
		return nil
	}
	return co.media.AddICECandidate(cand)
}

// HandleBye tears down the current call because the peer hung up.
func (co *Coordinator) HandleBye(from string) {
	co.mu.Lock()
	defer co.mu.Unlock()

	if co.media == nil {
		return
	}
	co.log.Info("peer hung up", "from", from)
	co.teardownLocked()
}

// EndCall hangs up: it signals bye to the room and releases the media
// session. Ending with no call in progress is a no-op.
func (co *Coordinator) EndCall() error {
	co.mu.Lock()
	defer co.mu.Unlock()

	if co.media == nil {
		return nil
	}
	co.teardownLocked()
	return co.send(protocol.Envelope{Type: protocol.TypeBye})
}

// Reset releases the media session without signaling. The session context
// calls it whenever the control channel goes down, since in-flight
// negotiation state cannot survive a resumed connection. Idempotent.
func (co *Coordinator) Reset() {
	co.mu.Lock()
	defer co.mu.Unlock()
	if co.media == nil {
		return
	}
	co.log.Info("control channel down, releasing call state")
	co.teardownLocked()
}

// politeTo decides who yields under glare: the lexicographically smaller
// nickname. An equal or empty nickname yields, so the last offer wins.
func (co *Coordinator) politeTo(peer string) bool {
	return co.nickname <= peer
}

func (co *Coordinator) openSessionLocked() (MediaSession, error) {
	media, err := co.newMedia()
	if err != nil {
		return nil, err
	}
	if err := media.AttachAudio(); err != nil {
		_ = media.Close()
		return nil, err
	}

	// Trickle candidates only belong to the session they were gathered for;
	// a teardown between gather and send must drop them.
	media.OnICECandidate(func(cand protocol.Candidate) {
		co.mu.Lock()
		current := co.media == media
		co.mu.Unlock()
		if !current {
			return
		}
		if err := co.send(protocol.Envelope{
			Type:      protocol.TypeCandidate,
			Candidate: &cand,
		}); err != nil {
			co.log.Warn("failed to send candidate", "err", err)
		}
	})

	co.media = media
	return media, nil
}

func (co *Coordinator) teardownLocked() {
	if co.media != nil {
		_ = co.media.Close()
	}
	co.media = nil
	co.makingOffer = false
	co.remoteSet = false
	co.pending = nil
}

func (co *Coordinator) flushPendingLocked() error {
	for _, cand := range co.pending {
		if err := co.media.AddICECandidate(cand); err != nil {
			return err
		}
	}
	co.pending = nil
	return nil
}
