package call

import (
	"context"
	"log/slog"
	"sync"

	"github.com/tariel-x/callbridge/internal/models"
	"github.com/tariel-x/callbridge/internal/signaling"
)

// Negotiator owns the offer/answer exchange for one call. It applies the
// remote description exactly once, buffers candidates that trickle in before
// it, and exposes the local track controls. All methods are safe for
// concurrent use; the media engine's own callbacks land here too.
type Negotiator struct {
	callID  string
	selfID  string
	channel signaling.Channel
	media   MediaSession
	logger  *slog.Logger

	onConnectionState func(ConnectionState)

	mu            sync.Mutex
	remoteApplied bool
	pending       []models.ICECandidate
	muted         bool
	videoOff      bool
	hasVideo      bool
	closed        bool
}

// newNegotiator acquires local media (audio always, video for video calls)
// and wires the media engine's callbacks. A media acquisition error comes
// back as FailurePermissionDenied before anything touches the channel.
func newNegotiator(ctx context.Context, engine MediaEngine, channel signaling.Channel, callID, selfID string, video bool, logger *slog.Logger) (*Negotiator, error) {
	n := &Negotiator{
		callID:   callID,
		selfID:   selfID,
		channel:  channel,
		logger:   logger,
		hasVideo: video,
	}

	media, err := engine.NewSession(ctx, video, MediaEvents{
		OnICECandidate:          n.publishLocalCandidate,
		OnTrack:                 n.onRemoteTrack,
		OnConnectionStateChange: n.onConnectionStateChange,
	})
	if err != nil {
		return nil, newError(FailurePermissionDenied, "local media unavailable", err)
	}
	n.media = media
	return n, nil
}

// setConnectionStateHandler installs the orchestrator's transport-state hook.
// Must be called before any signaling starts.
func (n *Negotiator) setConnectionStateHandler(fn func(ConnectionState)) {
	n.onConnectionState = fn
}

// CreateOffer produces the local offer, applies it locally and publishes it.
func (n *Negotiator) CreateOffer(ctx context.Context) error {
	offer, err := n.media.CreateOffer(ctx)
	if err != nil {
		return newError(FailureNegotiation, "create offer", err)
	}
	if err := n.media.SetLocalDescription(offer); err != nil {
		return newError(FailureNegotiation, "set local offer", err)
	}
	if err := n.channel.PublishOffer(ctx, n.callID, offer); err != nil {
		return newError(FailureChannel, "publish offer", err)
	}
	return nil
}

// AcceptRemoteOffer applies the caller's offer and publishes the answer.
func (n *Negotiator) AcceptRemoteOffer(ctx context.Context, offer models.SessionDescription) error {
	if err := n.applyRemoteDescription(offer); err != nil {
		return err
	}
	answer, err := n.media.CreateAnswer(ctx)
	if err != nil {
		return newError(FailureNegotiation, "create answer", err)
	}
	if err := n.media.SetLocalDescription(answer); err != nil {
		return newError(FailureNegotiation, "set local answer", err)
	}
	if err := n.channel.PublishAnswer(ctx, n.callID, answer); err != nil {
		return newError(FailureChannel, "publish answer", err)
	}
	return nil
}

// AcceptRemoteAnswer applies the callee's answer on the offering side.
func (n *Negotiator) AcceptRemoteAnswer(ctx context.Context, answer models.SessionDescription) error {
	return n.applyRemoteDescription(answer)
}

// applyRemoteDescription applies the remote description at most once per
// call, then flushes candidates that arrived early, in arrival order.
// Duplicate deliveries from the at-least-once channel land here and turn
// into no-ops.
func (n *Negotiator) applyRemoteDescription(sd models.SessionDescription) error {
	n.mu.Lock()
	if n.closed || n.remoteApplied {
		n.mu.Unlock()
		return nil
	}
	n.remoteApplied = true
	pending := n.pending
	n.pending = nil
	n.mu.Unlock()

	if err := n.media.SetRemoteDescription(sd); err != nil {
		return newError(FailureNegotiation, "set remote description", err)
	}
	for _, c := range pending {
		if err := n.media.AddICECandidate(c); err != nil {
			n.logger.Warn("flush buffered candidate", "call_id", n.callID, "error", err)
		}
	}
	return nil
}

// AddRemoteCandidate feeds one trickled candidate to the media engine,
// buffering it when the remote description has not been applied yet.
func (n *Negotiator) AddRemoteCandidate(c models.ICECandidate) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	if !n.remoteApplied {
		n.pending = append(n.pending, c)
		n.mu.Unlock()
		return
	}
	n.mu.Unlock()

	if err := n.media.AddICECandidate(c); err != nil {
		n.logger.Warn("add remote candidate", "call_id", n.callID, "error", err)
	}
}

func (n *Negotiator) publishLocalCandidate(c models.ICECandidate) {
	if err := n.channel.PublishCandidate(context.Background(), n.callID, n.selfID, c); err != nil {
		n.logger.Warn("publish local candidate", "call_id", n.callID, "error", err)
	}
}

func (n *Negotiator) onRemoteTrack(kind string) {
	n.logger.Debug("remote track", "call_id", n.callID, "kind", kind)
}

func (n *Negotiator) onConnectionStateChange(state ConnectionState) {
	n.logger.Debug("connection state", "call_id", n.callID, "state", state.String())
	if n.onConnectionState != nil {
		n.onConnectionState(state)
	}
}

// ToggleMute flips the local audio track and returns the new muted state.
// Muting must never fail visibly; without an audio track the state simply
// does not change.
func (n *Negotiator) ToggleMute() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return n.muted
	}
	next := !n.muted
	if n.media.SetAudioEnabled(!next) {
		n.muted = next
	}
	return n.muted
}

// ToggleVideo flips the local video track and returns the new video-off
// state. Voice calls have no video track and always report true.
func (n *Negotiator) ToggleVideo() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed || !n.hasVideo {
		return true
	}
	next := !n.videoOff
	if n.media.SetVideoEnabled(!next) {
		n.videoOff = next
	}
	return n.videoOff
}

// SwitchCamera flips between front and back capture. Reports success;
// failures are logged, never surfaced to the user.
func (n *Negotiator) SwitchCamera() bool {
	n.mu.Lock()
	closed := n.closed
	hasVideo := n.hasVideo
	n.mu.Unlock()
	if closed || !hasVideo {
		return false
	}
	if err := n.media.SwitchCamera(); err != nil {
		n.logger.Warn("switch camera", "call_id", n.callID, "error", err)
		return false
	}
	return true
}

// Muted reports the current local mute state.
func (n *Negotiator) Muted() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.muted
}

// VideoOff reports whether the local video track is disabled.
func (n *Negotiator) VideoOff() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.videoOff || !n.hasVideo
}

// Close releases the media session. Idempotent.
func (n *Negotiator) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	n.mu.Unlock()

	if err := n.media.Close(); err != nil {
		n.logger.Warn("close media session", "call_id", n.callID, "error", err)
	}
}
