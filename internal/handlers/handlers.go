// Package handlers is the HTTP and WebSocket surface of the call server:
// auth, call lifecycle, signaling relay, push subscriptions, block list and
// TURN configuration.
package handlers

import (
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
	"gorm.io/gorm"

	"github.com/tariel-x/callbridge/internal/config"
	"github.com/tariel-x/callbridge/internal/history"
	"github.com/tariel-x/callbridge/internal/policy"
	"github.com/tariel-x/callbridge/internal/push"
	"github.com/tariel-x/callbridge/internal/signaling"
	"github.com/tariel-x/callbridge/internal/turn"
)

type Handlers struct {
	config     *config.Config
	db         *gorm.DB
	store      *signaling.Store
	history    *history.Logger
	policy     *policy.BlockList
	push       *push.Gateway
	turnServer *turn.Server
	hub        *Hub
	wsUpgrader websocket.Upgrader
	logger     *slog.Logger
	nowFn      func() time.Time
}

type Deps struct {
	Config     *config.Config
	DB         *gorm.DB
	Store      *signaling.Store
	History    *history.Logger
	Policy     *policy.BlockList
	Push       *push.Gateway
	TURNServer *turn.Server
	Upgrader   websocket.Upgrader
	Logger     *slog.Logger
}

func New(deps Deps) *Handlers {
	return &Handlers{
		config:     deps.Config,
		db:         deps.DB,
		store:      deps.Store,
		history:    deps.History,
		policy:     deps.Policy,
		push:       deps.Push,
		turnServer: deps.TURNServer,
		hub:        NewHub(),
		wsUpgrader: deps.Upgrader,
		logger:     deps.Logger,
		nowFn:      time.Now,
	}
}
