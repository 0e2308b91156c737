package handlers

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/tariel-x/callbridge/internal/models"
	"github.com/tariel-x/callbridge/internal/signaling"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 70 * time.Second
	wsPingPeriod = 30 * time.Second
)

// wsEnvelope is the single frame format in both directions. Client to
// server: offer, answer, ice-candidate, watch-call, unwatch-call. Server to
// client: incoming-call, offer, answer, ice-candidate, call-state, error.
type wsEnvelope struct {
	Type   string          `json:"type"`
	CallID string          `json:"call_id,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

type wsCandidateData struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdp_mid"`
	SDPMLineIndex *uint16 `json:"sdp_mline_index"`
}

// HandleWebSocket is the persistent per-user connection: it announces
// incoming calls and relays negotiation messages into and out of the shared
// store. The socket is a dumb pipe over the store, so a client falling back
// to polling the REST surface sees exactly the same data.
func (h *Handlers) HandleWebSocket(c *gin.Context) {
	userID := c.GetString("user_id")

	conn, err := h.wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("ws upgrade failed", "user_id", userID, "error", err)
		return
	}

	client := &wsClient{
		conn:   conn,
		send:   make(chan []byte, 32),
		userID: userID,
		subs:   make(map[string]func()),
	}
	h.hub.Add(client)
	h.logger.Debug("ws connected", "user_id", userID)

	unwatch, err := h.store.WatchIncoming(userID, func(call *models.Call) {
		h.sendEnvelope(client, wsEnvelope{
			Type:   "incoming-call",
			CallID: call.ID,
			Data:   mustMarshal(call),
		})
	})
	if err != nil {
		h.logger.Warn("watch incoming", "user_id", userID, "error", err)
	}

	go h.writePump(client)
	h.readPump(client)

	if unwatch != nil {
		unwatch()
	}
	client.dropAllSubs()
	h.hub.Remove(client)
	h.logger.Debug("ws disconnected", "user_id", userID)
}

func (h *Handlers) readPump(client *wsClient) {
	defer func() {
		_ = client.conn.Close()
	}()

	_ = client.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	client.conn.SetPongHandler(func(string) error {
		_ = client.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, payload, err := client.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg wsEnvelope
		if err := json.Unmarshal(payload, &msg); err != nil {
			h.logger.Debug("ws bad json", "user_id", client.userID, "error", err)
			continue
		}
		if msg.Type == "ping" {
			continue
		}
		if msg.CallID == "" {
			h.sendError(client, "", "call_id is required")
			continue
		}

		// SDP and candidate payloads can carry addresses; log type and size
		// only.
		h.logger.Debug("ws recv", "user_id", client.userID, "type", msg.Type, "call_id", msg.CallID, "data_bytes", len(msg.Data))

		h.handleWSMessage(client, msg)
	}
}

func (h *Handlers) handleWSMessage(client *wsClient, msg wsEnvelope) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch msg.Type {
	case "offer":
		var sd models.SessionDescription
		if err := json.Unmarshal(msg.Data, &sd); err != nil {
			h.sendError(client, msg.CallID, "bad offer payload")
			return
		}
		if err := h.store.PublishOffer(ctx, msg.CallID, sd); err != nil {
			h.sendError(client, msg.CallID, "publish offer failed")
		}
	case "answer":
		var sd models.SessionDescription
		if err := json.Unmarshal(msg.Data, &sd); err != nil {
			h.sendError(client, msg.CallID, "bad answer payload")
			return
		}
		if err := h.store.PublishAnswer(ctx, msg.CallID, sd); err != nil {
			h.sendError(client, msg.CallID, "publish answer failed")
		}
	case "ice-candidate":
		var data wsCandidateData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			h.sendError(client, msg.CallID, "bad candidate payload")
			return
		}
		err := h.store.PublishCandidate(ctx, msg.CallID, client.userID, models.ICECandidate{
			Candidate:     data.Candidate,
			SDPMid:        data.SDPMid,
			SDPMLineIndex: data.SDPMLineIndex,
		})
		if err != nil {
			h.sendError(client, msg.CallID, "publish candidate failed")
		}
	case "watch-call":
		h.watchCallForClient(client, msg.CallID)
	case "unwatch-call":
		client.dropSub(msg.CallID)
	default:
		h.sendError(client, msg.CallID, "unknown message type")
	}
}

// watchCallForClient bridges one call's negotiation messages and lifecycle
// changes onto the socket until unwatch-call or disconnect.
func (h *Handlers) watchCallForClient(client *wsClient, callID string) {
	unsubscribe, err := h.store.Subscribe(callID, client.userID, signaling.Callbacks{
		OnOffer: func(sd models.SessionDescription) {
			h.sendEnvelope(client, wsEnvelope{Type: "offer", CallID: callID, Data: mustMarshal(sd)})
		},
		OnAnswer: func(sd models.SessionDescription) {
			h.sendEnvelope(client, wsEnvelope{Type: "answer", CallID: callID, Data: mustMarshal(sd)})
		},
		OnCandidate: func(cand models.ICECandidate) {
			h.sendEnvelope(client, wsEnvelope{Type: "ice-candidate", CallID: callID, Data: mustMarshal(cand)})
		},
		OnError: func(err error) {
			h.logger.Warn("ws call subscription", "call_id", callID, "error", err)
		},
	})
	if err != nil {
		h.sendError(client, callID, "subscribe failed")
		return
	}

	unwatch, err := h.store.WatchCall(callID, func(call *models.Call) {
		h.sendEnvelope(client, wsEnvelope{Type: "call-state", CallID: callID, Data: mustMarshal(call)})
	})
	if err != nil {
		unsubscribe()
		h.sendError(client, callID, "watch failed")
		return
	}

	client.addSub(callID, func() {
		unsubscribe()
		unwatch()
	})
}

func (h *Handlers) writePump(client *wsClient) {
	defer func() {
		_ = client.conn.Close()
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-client.send:
			if !ok {
				return
			}
			_ = client.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := client.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = client.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// notifyIncoming pushes the ringing call straight to the receiver's socket,
// ahead of the store watcher's next poll.
func (h *Handlers) notifyIncoming(call *models.Call) {
	payload, _ := json.Marshal(wsEnvelope{
		Type:   "incoming-call",
		CallID: call.ID,
		Data:   mustMarshal(call),
	})
	if !h.hub.SendTo(call.ReceiverID, payload) {
		h.logger.Debug("incoming-call not delivered over ws", "call_id", call.ID)
	}
}

// broadcastCallState mirrors a lifecycle change to both participants.
func (h *Handlers) broadcastCallState(call *models.Call) {
	payload, _ := json.Marshal(wsEnvelope{
		Type:   "call-state",
		CallID: call.ID,
		Data:   mustMarshal(call),
	})
	h.hub.SendTo(call.CallerID, payload)
	h.hub.SendTo(call.ReceiverID, payload)
}

func (h *Handlers) sendEnvelope(client *wsClient, env wsEnvelope) {
	payload, err := json.Marshal(env)
	if err != nil {
		return
	}
	if !client.trySend(payload) {
		_ = client.conn.Close()
	}
}

func (h *Handlers) sendError(client *wsClient, callID, message string) {
	h.sendEnvelope(client, wsEnvelope{
		Type:   "error",
		CallID: callID,
		Data:   mustMarshal(gin.H{"message": message}),
	})
}

func mustMarshal(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}
