package call

import (
	"context"
	"log/slog"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/tariel-x/callbridge/internal/models"
	"github.com/tariel-x/callbridge/internal/signaling"
)

const (
	callIDLength       = 16
	defaultRingTimeout = 30 * time.Second
)

// Identity is the local device's user, injected once at construction.
type Identity struct {
	ID     string
	Name   string
	Avatar string
}

// HistoryLogger records one call-log row per (owner, call) pair. Re-logging
// the same pair must upsert, never duplicate.
type HistoryLogger interface {
	LogCall(ctx context.Context, ownerID string, call *models.Call) error
}

// BlockPolicy answers whether two users may communicate at all.
type BlockPolicy interface {
	CanCommunicate(ctx context.Context, userID, otherID string) (bool, error)
}

// Notifier wakes the remote device up. Best effort: the call proceeds whether
// or not the notification lands.
type Notifier interface {
	SendCallNotification(ctx context.Context, recipientID, callerName string, callType models.CallType, chatID, callerID string) error
}

// Config wires an Orchestrator. Push may be nil; everything else is required.
type Config struct {
	Self    Identity
	Bus     signaling.Bus
	Media   MediaEngine
	History HistoryLogger
	Policy  BlockPolicy
	Push    Notifier
	Logger  *slog.Logger

	// RingTimeout bounds how long a call may stay ringing before it is
	// recorded as missed. Zero means the default of 30s.
	RingTimeout time.Duration
}

// Orchestrator drives the full lifecycle of the single call this device may
// have at a time: placing, answering, declining and ending calls, and
// reacting to the remote side doing the same through the shared store.
//
// All state lives behind a serialized run loop: public methods and signaling
// events are turned into ops executed one at a time, so lifecycle logic never
// races with itself.
type Orchestrator struct {
	self    Identity
	bus     signaling.Bus
	media   MediaEngine
	history HistoryLogger
	policy  BlockPolicy
	push    Notifier
	logger  *slog.Logger

	ringTimeout time.Duration
	nowFn       func() time.Time

	sessions *SessionStore

	ops  chan func()
	done chan struct{}

	unwatchIncoming func()

	// Run-loop state. Only ops touch it.
	active *activeCall
}

type activeCall struct {
	call      models.Call
	direction models.CallDirection
	neg       *Negotiator

	unsubscribe func()
	unwatch     func()
	ringTimer   *time.Timer

	reachedConnecting bool
	finished          bool
}

func NewOrchestrator(cfg Config) *Orchestrator {
	timeout := cfg.RingTimeout
	if timeout <= 0 {
		timeout = defaultRingTimeout
	}
	o := &Orchestrator{
		self:        cfg.Self,
		bus:         cfg.Bus,
		media:       cfg.Media,
		history:     cfg.History,
		policy:      cfg.Policy,
		push:        cfg.Push,
		logger:      cfg.Logger,
		ringTimeout: timeout,
		nowFn:       time.Now,
		sessions:    NewSessionStore(),
		ops:         make(chan func()),
		done:        make(chan struct{}),
	}
	go o.run()
	return o
}

func (o *Orchestrator) run() {
	for {
		select {
		case op := <-o.ops:
			op()
		case <-o.done:
			return
		}
	}
}

// do executes fn on the run loop and waits for it.
func (o *Orchestrator) do(fn func()) {
	ran := make(chan struct{})
	select {
	case o.ops <- func() { fn(); close(ran) }:
		<-ran
	case <-o.done:
	}
}

// post hands fn to the run loop without waiting. Signaling and watcher
// callbacks use this so that tearing a subscription down from the run loop
// can never deadlock against a callback trying to get in.
func (o *Orchestrator) post(fn func()) {
	go func() {
		select {
		case o.ops <- fn:
		case <-o.done:
		}
	}()
}

// Start begins watching the shared store for incoming calls addressed to the
// local user. Call Close to stop.
func (o *Orchestrator) Start() error {
	unwatch, err := o.bus.WatchIncoming(o.self.ID, func(call *models.Call) {
		snapshot := *call
		o.post(func() { o.presentIncoming(&snapshot) })
	})
	if err != nil {
		return err
	}
	o.unwatchIncoming = unwatch
	return nil
}

// Close tears down the active call, if any, and stops the run loop.
func (o *Orchestrator) Close() {
	if o.unwatchIncoming != nil {
		o.unwatchIncoming()
	}
	o.do(func() {
		if o.active != nil {
			o.finish(context.Background(), models.CallStatusEnded, false)
		}
	})
	close(o.done)
}

// StartCall places an outgoing call to peer. It rejects a second concurrent
// call with ErrCallInProgress, checks the block policy before writing
// anything, acquires media, creates the shared record in ringing state and
// starts negotiation. The returned call is the local ringing snapshot.
func (o *Orchestrator) StartCall(ctx context.Context, peer Identity, callType models.CallType, chatID string) (*models.Call, error) {
	var (
		result *models.Call
		outErr error
	)
	o.do(func() { result, outErr = o.startCall(ctx, peer, callType, chatID) })
	return result, outErr
}

func (o *Orchestrator) startCall(ctx context.Context, peer Identity, callType models.CallType, chatID string) (*models.Call, error) {
	if o.active != nil {
		return nil, ErrCallInProgress
	}

	allowed, err := o.policy.CanCommunicate(ctx, o.self.ID, peer.ID)
	if err != nil {
		return nil, newError(FailureChannel, "block policy check", err)
	}
	if !allowed {
		// Deliberately the same shape whichever side placed the block, and
		// before any write: the blocked side must not learn it was blocked
		// from timing or stray records.
		return nil, newError(FailurePermissionDenied, "calling this user is not allowed", nil)
	}

	callID, err := gonanoid.New(callIDLength)
	if err != nil {
		return nil, newError(FailureChannel, "generate call id", err)
	}

	neg, err := newNegotiator(ctx, o.media, o.bus, callID, o.self.ID, callType == models.CallTypeVideo, o.logger)
	if err != nil {
		return nil, err
	}

	now := o.nowFn()
	call := models.Call{
		ID:             callID,
		CallerID:       o.self.ID,
		CallerName:     o.self.Name,
		CallerAvatar:   o.self.Avatar,
		ReceiverID:     peer.ID,
		ReceiverName:   peer.Name,
		ReceiverAvatar: peer.Avatar,
		Type:           callType,
		Status:         models.CallStatusRinging,
		StartTime:      now,
		ChatID:         chatID,
	}
	if err := o.bus.CreateCall(ctx, &call); err != nil {
		neg.Close()
		return nil, newError(FailureChannel, "create call record", err)
	}

	active := &activeCall{
		call:      call,
		direction: models.DirectionOutgoing,
		neg:       neg,
	}
	o.active = active
	o.attach(active, signaling.Callbacks{
		// The subscription replays our own offer; only the answer and the
		// peer's candidates matter on this side.
		OnAnswer: func(sd models.SessionDescription) {
			if err := neg.AcceptRemoteAnswer(ctx, sd); err != nil {
				o.post(func() { o.failIfCurrent(callID, err) })
			}
		},
		OnCandidate: neg.AddRemoteCandidate,
		OnError: func(err error) {
			o.logger.Warn("signaling subscription", "call_id", callID, "error", err)
		},
	})

	if err := neg.CreateOffer(ctx); err != nil {
		o.finish(ctx, models.CallStatusFailed, false)
		return nil, err
	}

	o.logHistory(ctx, &call)
	o.publishSession()

	if o.push != nil {
		go func() {
			pushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := o.push.SendCallNotification(pushCtx, peer.ID, o.self.Name, callType, chatID, o.self.ID); err != nil {
				o.logger.Warn("call notification", "call_id", callID, "error", err)
			}
		}()
	}

	snapshot := call
	return &snapshot, nil
}

// presentIncoming surfaces a ringing call addressed to the local user. Media
// is not touched until the user answers.
func (o *Orchestrator) presentIncoming(call *models.Call) {
	if o.active != nil {
		if o.active.call.ID != call.ID {
			// Busy. Leave the new call ringing; the caller's timeout will
			// record it as missed.
			o.logger.Info("incoming call while busy", "call_id", call.ID)
		}
		return
	}
	if call.Status.Terminal() {
		return
	}

	active := &activeCall{
		call:      *call,
		direction: models.DirectionIncoming,
	}
	o.active = active
	o.watchLifecycle(active)
	o.armRingTimer(active)
	o.logHistory(context.Background(), call)
	o.publishSession()
}

// AnswerCall accepts the ringing incoming call. It acquires media, marks the
// shared record connecting and completes the offer/answer exchange. Answering
// a call that no longer exists is a benign FailureNotFound.
func (o *Orchestrator) AnswerCall(ctx context.Context, callID string) error {
	var outErr error
	o.do(func() { outErr = o.answerCall(ctx, callID) })
	return outErr
}

func (o *Orchestrator) answerCall(ctx context.Context, callID string) error {
	if o.active != nil && o.active.call.ID != callID {
		return ErrCallInProgress
	}

	call, err := o.bus.GetCall(ctx, callID)
	if err != nil {
		o.abandonRinging(callID)
		if err == signaling.ErrCallNotFound {
			return newError(FailureNotFound, "call no longer exists", err)
		}
		return newError(FailureChannel, "load call record", err)
	}
	if call.Status.Terminal() {
		o.abandonRinging(callID)
		return newError(FailureNotFound, "call already over", nil)
	}

	neg, err := newNegotiator(ctx, o.media, o.bus, callID, o.self.ID, call.Type == models.CallTypeVideo, o.logger)
	if err != nil {
		return err
	}

	current, applied, err := o.bus.SetStatus(ctx, callID, models.CallStatusConnecting, nil, nil)
	if err != nil {
		neg.Close()
		if err == signaling.ErrCallNotFound {
			return newError(FailureNotFound, "call no longer exists", err)
		}
		return newError(FailureChannel, "mark call connecting", err)
	}
	if !applied && current != nil && current.Status.Terminal() {
		// The other side cancelled between the load and the connecting write.
		neg.Close()
		o.abandonRinging(callID)
		o.logHistory(ctx, current)
		return newError(FailureNotFound, "call already over", nil)
	}

	active := o.active
	if active == nil {
		active = &activeCall{call: *call, direction: models.DirectionIncoming}
		o.active = active
	}
	active.call = *call
	active.call.Status = models.CallStatusConnecting
	active.neg = neg
	active.reachedConnecting = true
	o.stopRingTimer(active)

	o.attach(active, signaling.Callbacks{
		// Mirror image of the outgoing side: consume the offer, ignore the
		// echo of our own answer.
		OnOffer: func(sd models.SessionDescription) {
			if err := neg.AcceptRemoteOffer(ctx, sd); err != nil {
				o.post(func() { o.failIfCurrent(callID, err) })
			}
		},
		OnCandidate: neg.AddRemoteCandidate,
		OnError: func(err error) {
			o.logger.Warn("signaling subscription", "call_id", callID, "error", err)
		},
	})

	o.logHistory(ctx, &active.call)
	o.publishSession()
	return nil
}

// DeclineCall rejects the ringing incoming call. The shared record moves to
// declined with no duration; the caller's watcher picks the change up.
func (o *Orchestrator) DeclineCall(ctx context.Context, callID string) error {
	var outErr error
	o.do(func() { outErr = o.declineCall(ctx, callID) })
	return outErr
}

func (o *Orchestrator) declineCall(ctx context.Context, callID string) error {
	if o.active != nil && o.active.call.ID == callID {
		o.finish(ctx, models.CallStatusDeclined, false)
		return nil
	}

	// Declining from a notification, without a presented session.
	now := o.nowFn()
	call, _, err := o.bus.SetStatus(ctx, callID, models.CallStatusDeclined, &now, nil)
	if err != nil {
		if err == signaling.ErrCallNotFound {
			return newError(FailureNotFound, "call no longer exists", err)
		}
		return newError(FailureChannel, "decline call", err)
	}
	o.logHistory(ctx, call)
	return nil
}

// EndCall hangs the current call up. Idempotent: with no active call it
// returns nil. The local side always ends cleanly even when the shared
// record write fails.
func (o *Orchestrator) EndCall(ctx context.Context) error {
	o.do(func() {
		if o.active == nil {
			return
		}
		o.finish(ctx, models.CallStatusEnded, false)
	})
	return nil
}

// failIfCurrent terminates the active call as failed when a negotiation error
// surfaces asynchronously. Stale errors from an already-finished call are
// dropped.
func (o *Orchestrator) failIfCurrent(callID string, cause error) {
	if o.active == nil || o.active.call.ID != callID || o.active.finished {
		return
	}
	o.logger.Warn("call failed", "call_id", callID, "error", cause)
	o.finish(context.Background(), models.CallStatusFailed, false)
}

// handleRemoteStatus reacts to the other side changing the shared record.
func (o *Orchestrator) handleRemoteStatus(call *models.Call) {
	active := o.active
	if active == nil || active.call.ID != call.ID || active.finished {
		return
	}

	active.call = *call
	switch call.Status {
	case models.CallStatusConnecting, models.CallStatusConnected:
		active.reachedConnecting = true
		o.stopRingTimer(active)
		o.publishSession()
	default:
		if call.Status.Terminal() {
			// The remote side already wrote the terminal state; only local
			// teardown is left.
			o.finish(context.Background(), call.Status, true)
		}
	}
}

// handleConnectionState reacts to the media transport, from the run loop.
func (o *Orchestrator) handleConnectionState(callID string, state ConnectionState) {
	active := o.active
	if active == nil || active.call.ID != callID || active.finished {
		return
	}

	switch state {
	case ConnectionConnected:
		active.reachedConnecting = true
		if _, applied, err := o.bus.SetStatus(context.Background(), callID, models.CallStatusConnected, nil, nil); err != nil {
			o.logger.Warn("mark call connected", "call_id", callID, "error", err)
		} else if applied {
			active.call.Status = models.CallStatusConnected
			o.publishSession()
		}
	case ConnectionFailed:
		o.failIfCurrent(callID, newError(FailureNegotiation, "media transport failed", nil))
	}
}

// ringTimedOut fires when the call stayed ringing past the timeout. Whoever
// gets the write in first records missed; the CAS in the store makes the
// race harmless.
func (o *Orchestrator) ringTimedOut(callID string) {
	active := o.active
	if active == nil || active.call.ID != callID || active.finished {
		return
	}
	if active.call.Status != models.CallStatusRinging {
		return
	}
	o.finish(context.Background(), models.CallStatusMissed, false)
}

// finish is the single exit path of a call. It is idempotent per call: the
// finished flag absorbs the second and later arrivals (local hangup racing a
// remote terminal write, transport failure racing a decline).
func (o *Orchestrator) finish(ctx context.Context, status models.CallStatus, viaRemote bool) {
	active := o.active
	if active == nil || active.finished {
		return
	}
	active.finished = true

	o.stopRingTimer(active)
	if active.unsubscribe != nil {
		active.unsubscribe()
	}
	if active.unwatch != nil {
		active.unwatch()
	}
	if active.neg != nil {
		active.neg.Close()
	}

	now := o.nowFn()
	var duration *int
	// Failed calls carry no duration even when they got past ringing: the
	// recorded talk time would be the time spent not talking.
	if active.reachedConnecting && status != models.CallStatusFailed {
		seconds := int(now.Sub(active.call.StartTime).Seconds())
		duration = &seconds
	}

	if !viaRemote {
		// Best effort: the local call is over regardless of whether the
		// shared record write lands.
		if call, _, err := o.bus.SetStatus(ctx, active.call.ID, status, &now, duration); err != nil {
			o.logger.Warn("record call end", "call_id", active.call.ID, "status", status, "error", err)
		} else if call != nil {
			active.call = *call
		}
	} else {
		active.call.Status = status
	}
	if active.call.EndTime == nil {
		active.call.EndTime = &now
		active.call.Duration = duration
	}

	if err := o.bus.DeleteSignalingData(ctx, active.call.ID); err != nil {
		o.logger.Warn("delete signaling data", "call_id", active.call.ID, "error", err)
	}

	o.logHistory(ctx, &active.call)

	o.active = nil
	o.sessions.Set(nil)

	o.logger.Info("call finished",
		"call_id", active.call.ID,
		"status", active.call.Status,
		"duration", duration != nil,
	)
}

// --- in-call controls ---

// ToggleMute flips the microphone and returns the new muted state. Never
// fails; with no active call it reports false.
func (o *Orchestrator) ToggleMute() bool {
	var muted bool
	o.do(func() {
		if o.active == nil || o.active.neg == nil {
			return
		}
		muted = o.active.neg.ToggleMute()
		o.publishSession()
	})
	return muted
}

// ToggleVideo flips the camera track and returns the new video-off state.
func (o *Orchestrator) ToggleVideo() bool {
	videoOff := true
	o.do(func() {
		if o.active == nil || o.active.neg == nil {
			return
		}
		videoOff = o.active.neg.ToggleVideo()
		o.publishSession()
	})
	return videoOff
}

// SwitchCamera flips between capture devices; reports success.
func (o *Orchestrator) SwitchCamera() bool {
	var ok bool
	o.do(func() {
		if o.active == nil || o.active.neg == nil {
			return
		}
		ok = o.active.neg.SwitchCamera()
	})
	return ok
}

// GetCurrentCall returns the active session snapshot, or nil.
func (o *Orchestrator) GetCurrentCall() *Session {
	return o.sessions.Get()
}

// AddCallListener observes session changes; see SessionStore.AddListener.
func (o *Orchestrator) AddCallListener(fn func(*Session)) func() {
	return o.sessions.AddListener(fn)
}

// --- run-loop helpers ---

// attach wires the channel subscription, lifecycle watcher, connection-state
// hook and ring timer of a freshly activated call.
func (o *Orchestrator) attach(active *activeCall, cb signaling.Callbacks) {
	callID := active.call.ID

	if active.neg != nil {
		active.neg.setConnectionStateHandler(func(state ConnectionState) {
			o.post(func() { o.handleConnectionState(callID, state) })
		})
	}

	unsubscribe, err := o.bus.Subscribe(callID, o.self.ID, cb)
	if err != nil {
		o.logger.Warn("subscribe signaling", "call_id", callID, "error", err)
	} else {
		active.unsubscribe = unsubscribe
	}

	o.watchLifecycle(active)
	if active.call.Status == models.CallStatusRinging {
		o.armRingTimer(active)
	}
}

func (o *Orchestrator) watchLifecycle(active *activeCall) {
	if active.unwatch != nil {
		return
	}
	callID := active.call.ID
	unwatch, err := o.bus.WatchCall(callID, func(call *models.Call) {
		snapshot := *call
		o.post(func() { o.handleRemoteStatus(&snapshot) })
	})
	if err != nil {
		o.logger.Warn("watch call", "call_id", callID, "error", err)
		return
	}
	active.unwatch = unwatch
}

func (o *Orchestrator) armRingTimer(active *activeCall) {
	callID := active.call.ID
	active.ringTimer = time.AfterFunc(o.ringTimeout, func() {
		o.post(func() { o.ringTimedOut(callID) })
	})
}

func (o *Orchestrator) stopRingTimer(active *activeCall) {
	if active.ringTimer != nil {
		active.ringTimer.Stop()
		active.ringTimer = nil
	}
}

// abandonRinging drops a presented incoming session whose record turned out
// to be gone, without writing anything.
func (o *Orchestrator) abandonRinging(callID string) {
	active := o.active
	if active == nil || active.call.ID != callID || active.neg != nil {
		return
	}
	active.finished = true
	o.stopRingTimer(active)
	if active.unwatch != nil {
		active.unwatch()
	}
	o.active = nil
	o.sessions.Set(nil)
}

// logHistory writes both participants' rows from whichever device acts, so
// the side whose device never observed the call still gets its row.
func (o *Orchestrator) logHistory(ctx context.Context, call *models.Call) {
	for _, owner := range []string{call.CallerID, call.ReceiverID} {
		if err := o.history.LogCall(ctx, owner, call); err != nil {
			o.logger.Warn("log call history", "call_id", call.ID, "owner_id", owner, "error", err)
		}
	}
}

func (o *Orchestrator) publishSession() {
	active := o.active
	if active == nil {
		o.sessions.Set(nil)
		return
	}
	session := &Session{
		Call:      active.call,
		Direction: active.direction,
	}
	if active.neg != nil {
		session.Muted = active.neg.Muted()
		session.VideoOff = active.neg.VideoOff()
	}
	o.sessions.Set(session)
}
