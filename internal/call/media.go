// Package call owns the device-side call core: the negotiation engine that
// drives an injected media engine, the single-session state store, and the
// lifecycle orchestrator layered on top of the signaling channel.
package call

import (
	"context"

	"github.com/tariel-x/callbridge/internal/models"
)

// ConnectionState mirrors the media transport's connection lifecycle. The
// core only cares about Connected (call goes live), Failed (negotiation
// failure) and Closed.
type ConnectionState int

const (
	ConnectionNew ConnectionState = iota
	ConnectionConnecting
	ConnectionConnected
	ConnectionDisconnected
	ConnectionFailed
	ConnectionClosed
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionNew:
		return "new"
	case ConnectionConnecting:
		return "connecting"
	case ConnectionConnected:
		return "connected"
	case ConnectionDisconnected:
		return "disconnected"
	case ConnectionFailed:
		return "failed"
	case ConnectionClosed:
		return "closed"
	}
	return "unknown"
}

// MediaEvents are the transport callbacks the core consumes. All fields are
// optional; the engine invokes them from its own goroutines.
type MediaEvents struct {
	OnICECandidate          func(models.ICECandidate)
	OnTrack                 func(kind string)
	OnConnectionStateChange func(ConnectionState)
}

// MediaSession is one peer connection plus its local capture tracks. The
// core drives exactly this surface and nothing else; codec negotiation,
// jitter buffering and the rest stay behind the implementation.
type MediaSession interface {
	CreateOffer(ctx context.Context) (models.SessionDescription, error)
	CreateAnswer(ctx context.Context) (models.SessionDescription, error)
	SetLocalDescription(sd models.SessionDescription) error
	SetRemoteDescription(sd models.SessionDescription) error
	AddICECandidate(c models.ICECandidate) error

	// Local track controls. Enable toggles report the applied state; a
	// session without the matching track reports false without failing.
	SetAudioEnabled(enabled bool) bool
	SetVideoEnabled(enabled bool) bool
	SwitchCamera() error

	Close() error
}

// MediaEngine acquires local media and builds sessions. Acquisition failure
// (permission denied, device busy) must surface as an error here, before any
// signaling is attempted.
type MediaEngine interface {
	NewSession(ctx context.Context, video bool, events MediaEvents) (MediaSession, error)
}
