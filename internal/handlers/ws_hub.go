package handlers

import (
	"sync"

	"github.com/gorilla/websocket"
)

type wsClient struct {
	conn      *websocket.Conn
	send      chan []byte
	userID    string
	closeOnce sync.Once

	mu   sync.Mutex
	subs map[string]func() // callID -> teardown for signaling subscriptions
}

func (c *wsClient) trySend(payload []byte) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

func (c *wsClient) closeSend() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

// addSub registers the teardown of a per-call subscription, replacing (and
// tearing down) a previous subscription to the same call.
func (c *wsClient) addSub(callID string, teardown func()) {
	c.mu.Lock()
	old := c.subs[callID]
	c.subs[callID] = teardown
	c.mu.Unlock()
	if old != nil {
		old()
	}
}

func (c *wsClient) dropSub(callID string) {
	c.mu.Lock()
	teardown := c.subs[callID]
	delete(c.subs, callID)
	c.mu.Unlock()
	if teardown != nil {
		teardown()
	}
}

func (c *wsClient) dropAllSubs() {
	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[string]func())
	c.mu.Unlock()
	for _, teardown := range subs {
		teardown()
	}
}

// Hub tracks one socket per user. A device reconnecting replaces its old
// socket; there is no fan-out to multiple devices of the same user.
type Hub struct {
	mu    sync.Mutex
	users map[string]*wsClient
}

func NewHub() *Hub {
	return &Hub{users: make(map[string]*wsClient)}
}

func (h *Hub) Add(client *wsClient) {
	h.mu.Lock()
	old := h.users[client.userID]
	h.users[client.userID] = client
	h.mu.Unlock()

	if old != nil {
		_ = old.conn.Close()
		old.closeSend()
	}
}

// Remove drops the client if it is still the user's current socket.
func (h *Hub) Remove(client *wsClient) {
	h.mu.Lock()
	if h.users[client.userID] == client {
		delete(h.users, client.userID)
	}
	h.mu.Unlock()
	client.closeSend()
}

func (h *Hub) SendTo(userID string, payload []byte) bool {
	h.mu.Lock()
	client := h.users[userID]
	h.mu.Unlock()

	if client == nil {
		return false
	}
	if !client.trySend(payload) {
		_ = client.conn.Close()
		return false
	}
	return true
}
