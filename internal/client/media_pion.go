package client

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"

	"github.com/kcall/kcall/internal/protocol"
)

// DefaultICEServers is used when no ICE servers are configured.
var DefaultICEServers = []webrtc.ICEServer{
	{URLs: []string{"stun:stun.l.google.com:19302"}},
}

// PionMediaConfig configures the production media factory.
type PionMediaConfig struct {
	Log        *slog.Logger
	ICEServers []webrtc.ICEServer

	// LoggerFactory overrides pion's internal logging.
	LoggerFactory logging.LoggerFactory

	// SettingEngine customizes the pion API, e.g. for vnet-backed tests.
	SettingEngine *webrtc.SettingEngine

	// OnRemoteTrack observes inbound media. Fires on a pion goroutine.
	OnRemoteTrack func(track *webrtc.TrackRemote)

	// OnConnectionState observes peer connection state changes.
	OnConnectionState func(state webrtc.PeerConnectionState)
}

// NewPionMediaFactory builds the production MediaFactory on pion PeerConnections.
func NewPionMediaFactory(cfg PionMediaConfig) (MediaFactory, error) {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	// A nil slice means "use the default STUN server"; an explicit empty
	// slice disables ICE servers, e.g. for direct-path setups.
	iceServers := cfg.ICEServers
	if iceServers == nil {
		iceServers = DefaultICEServers
	}

	se := cfg.SettingEngine
	if se == nil {
		se = &webrtc.SettingEngine{}
	}
	if cfg.LoggerFactory != nil {
		se.LoggerFactory = cfg.LoggerFactory
	} else if se.LoggerFactory == nil {
		f := logging.NewDefaultLoggerFactory()
		f.DefaultLogLevel = logging.LogLevelWarn
		se.LoggerFactory = f
	}
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	api := webrtc.NewAPI(
		webrtc.WithSettingEngine(*se),
		webrtc.WithMediaEngine(mediaEngine),
	)

	return func() (MediaSession, error) {
		pc, err := api.NewPeerConnection(webrtc.Configuration{
			ICEServers: iceServers,
		})
		if err != nil {
			return nil, fmt.Errorf("new peer connection: %w", err)
		}

		m := &pionMedia{log: log, pc: pc}

		pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
			log.Info("remote track arrived",
				"kind", track.Kind().String(),
				"codec", track.Codec().MimeType,
			)
			if cfg.OnRemoteTrack != nil {
				cfg.OnRemoteTrack(track)
			}
		})
		pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
			log.Debug("peer connection state change", "state", state.String())
			if cfg.OnConnectionState != nil {
				cfg.OnConnectionState(state)
			}
		})

		return m, nil
	}, nil
}

// pionMedia adapts a pion PeerConnection to the MediaSession interface.
type pionMedia struct {
	log *slog.Logger
	pc  *webrtc.PeerConnection

	mu    sync.Mutex
	close sync.Once
}

func (m *pionMedia) OnICECandidate(fn func(protocol.Candidate)) {
	m.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			// End of gathering.
			return
		}
		fn(protocol.CandidateFromPion(cand.ToJSON()))
	})
}

// AttachAudio adds the local audio track once. Re-attaching the same session
// is a no-op, keyed off the senders already on the connection.
func (m *pionMedia) AttachAudio() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, sender := range m.pc.GetSenders() {
		if t := sender.Track(); t != nil && t.Kind() == webrtc.RTPCodecTypeAudio {
			return nil
		}
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio", "kcall",
	)
	if err != nil {
		return fmt.Errorf("new audio track: %w", err)
	}
	if _, err := m.pc.AddTrack(track); err != nil {
		return fmt.Errorf("add audio track: %w", err)
	}
	return nil
}

func (m *pionMedia) CreateOffer() (protocol.SessionDescription, error) {
	offer, err := m.pc.CreateOffer(nil)
	if err != nil {
		return protocol.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	if err := m.pc.SetLocalDescription(offer); err != nil {
		return protocol.SessionDescription{}, fmt.Errorf("set local description: %w", err)
	}
	return protocol.SDPFromPion(offer), nil
}

func (m *pionMedia) CreateAnswer() (protocol.SessionDescription, error) {
	answer, err := m.pc.CreateAnswer(nil)
	if err != nil {
		return protocol.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	if err := m.pc.SetLocalDescription(answer); err != nil {
		return protocol.SessionDescription{}, fmt.Errorf("set local description: %w", err)
	}
	return protocol.SDPFromPion(answer), nil
}

func (m *pionMedia) SetRemoteDescription(desc protocol.SessionDescription) error {
	pionDesc, err := desc.ToPion()
	if err != nil {
		return err
	}
	if err := m.pc.SetRemoteDescription(pionDesc); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	return nil
}

func (m *pionMedia) AddICECandidate(cand protocol.Candidate) error {
	if err := m.pc.AddICECandidate(cand.ToPion()); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

func (m *pionMedia) Close() error {
	var err error
	m.close.Do(func() {
		err = m.pc.Close()
	})
	return err
}
