// Package pionengine implements the media engine on pion/webrtc. It is the
// engine headless peers run with; browser clients bring their own WebRTC
// stack and only share the signaling contract.
package pionengine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/tariel-x/callbridge/internal/call"
	"github.com/tariel-x/callbridge/internal/models"
)

// ErrNoCamera is returned by SwitchCamera: this engine has no camera to
// switch between.
var ErrNoCamera = errors.New("no switchable camera")

// Engine builds pion peer connections with a shared ICE server list.
type Engine struct {
	iceServers []webrtc.ICEServer
	logger     *slog.Logger
}

func NewEngine(iceServers []webrtc.ICEServer, logger *slog.Logger) *Engine {
	return &Engine{iceServers: iceServers, logger: logger}
}

// NewSession opens a peer connection with a local Opus track, plus a VP8
// track for video calls.
func (e *Engine) NewSession(ctx context.Context, video bool, events call.MediaEvents) (call.MediaSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// The default disconnected timeout of 5s is too tight for relay paths;
	// give ICE room to recover before the call is torn down.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)
	api := webrtc.NewAPI(webrtc.WithSettingEngine(se))

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: e.iceServers})
	if err != nil {
		return nil, err
	}

	s := &Session{pc: pc, logger: e.logger}

	s.audioTrack, err = webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "callbridge")
	if err != nil {
		pc.Close()
		return nil, err
	}
	if _, err := pc.AddTrack(s.audioTrack); err != nil {
		pc.Close()
		return nil, err
	}
	s.audioEnabled = true

	if video {
		s.videoTrack, err = webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "callbridge")
		if err != nil {
			pc.Close()
			return nil, err
		}
		if _, err := pc.AddTrack(s.videoTrack); err != nil {
			pc.Close()
			return nil, err
		}
		s.videoEnabled = true
	} else {
		// Keep a video m-line in the SDP so a video-calling peer still gets
		// valid ICE credentials for it.
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			e.logger.Warn("add recvonly video transceiver", "error", err)
		}
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || events.OnICECandidate == nil {
			return
		}
		j := c.ToJSON()
		events.OnICECandidate(models.ICECandidate{
			Candidate:     j.Candidate,
			SDPMid:        j.SDPMid,
			SDPMLineIndex: j.SDPMLineIndex,
		})
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if events.OnTrack != nil {
			events.OnTrack(track.Kind().String())
		}
		// Drain the track so the jitter buffer does not back up; consumers
		// that want the media replace this by reading the track themselves.
		go func() {
			for {
				if _, _, err := track.ReadRTP(); err != nil {
					if !errors.Is(err, io.EOF) {
						e.logger.Debug("remote track read", "kind", track.Kind().String(), "error", err)
					}
					return
				}
			}
		}()
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if events.OnConnectionStateChange != nil {
			events.OnConnectionStateChange(mapConnectionState(state))
		}
	})

	return s, nil
}

// Session is one pion peer connection implementing call.MediaSession.
type Session struct {
	pc     *webrtc.PeerConnection
	logger *slog.Logger

	audioTrack *webrtc.TrackLocalStaticSample
	videoTrack *webrtc.TrackLocalStaticSample

	mu           sync.Mutex
	audioEnabled bool
	videoEnabled bool
	closed       bool
}

func (s *Session) CreateOffer(ctx context.Context) (models.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return models.SessionDescription{}, err
	}
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return models.SessionDescription{}, err
	}
	return models.SessionDescription{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

func (s *Session) CreateAnswer(ctx context.Context) (models.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return models.SessionDescription{}, err
	}
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return models.SessionDescription{}, err
	}
	return models.SessionDescription{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

func (s *Session) SetLocalDescription(sd models.SessionDescription) error {
	return s.pc.SetLocalDescription(webrtc.SessionDescription{
		Type: webrtc.NewSDPType(sd.Type),
		SDP:  sd.SDP,
	})
}

func (s *Session) SetRemoteDescription(sd models.SessionDescription) error {
	return s.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.NewSDPType(sd.Type),
		SDP:  sd.SDP,
	})
}

func (s *Session) AddICECandidate(c models.ICECandidate) error {
	return s.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	})
}

func (s *Session) SetAudioEnabled(enabled bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.audioTrack == nil {
		return false
	}
	s.audioEnabled = enabled
	return true
}

func (s *Session) SetVideoEnabled(enabled bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.videoTrack == nil {
		return false
	}
	s.videoEnabled = enabled
	return true
}

func (s *Session) SwitchCamera() error {
	return ErrNoCamera
}

// AudioEnabled reports whether sample writers should currently feed the
// audio track.
func (s *Session) AudioEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audioEnabled
}

// VideoEnabled is the video-side counterpart of AudioEnabled.
func (s *Session) VideoEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.videoEnabled
}

func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.pc.Close()
}

func mapConnectionState(state webrtc.PeerConnectionState) call.ConnectionState {
	switch state {
	case webrtc.PeerConnectionStateNew:
		return call.ConnectionNew
	case webrtc.PeerConnectionStateConnecting:
		return call.ConnectionConnecting
	case webrtc.PeerConnectionStateConnected:
		return call.ConnectionConnected
	case webrtc.PeerConnectionStateDisconnected:
		return call.ConnectionDisconnected
	case webrtc.PeerConnectionStateFailed:
		return call.ConnectionFailed
	default:
		return call.ConnectionClosed
	}
}
