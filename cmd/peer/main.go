// Command peer is a headless call endpoint. It shares the server's database
// file, answers incoming calls automatically and can place calls itself,
// which makes it useful as an always-on endpoint and for exercising the full
// signaling path without a browser.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"
	"gorm.io/gorm"

	"github.com/tariel-x/callbridge/internal/call"
	"github.com/tariel-x/callbridge/internal/database"
	"github.com/tariel-x/callbridge/internal/history"
	"github.com/tariel-x/callbridge/internal/media/pionengine"
	"github.com/tariel-x/callbridge/internal/models"
	"github.com/tariel-x/callbridge/internal/policy"
	"github.com/tariel-x/callbridge/internal/signaling"
)

func main() {
	dbPath := flag.String("db", "callbridge.db", "Path to the shared database file")
	username := flag.String("user", "", "Username to run as (created if missing)")
	callee := flag.String("call", "", "Username to call on startup; empty means wait for calls")
	video := flag.Bool("video", false, "Place a video call instead of voice")
	stunURL := flag.String("stun", "stun:stun.l.google.com:19302", "STUN/TURN server URL")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	if *username == "" {
		logger.Error("--user is required")
		os.Exit(1)
	}

	db, err := database.Initialize(*dbPath)
	if err != nil {
		logger.Error("failed to open database", "path", *dbPath, "error", err)
		os.Exit(1)
	}

	self, err := findOrCreateUser(db, *username)
	if err != nil {
		logger.Error("failed to resolve user", "username", *username, "error", err)
		os.Exit(1)
	}

	store := signaling.NewStore(db, logger)
	store.SetPollInterval(200 * time.Millisecond)

	engine := pionengine.NewEngine([]webrtc.ICEServer{
		{URLs: []string{*stunURL}},
	}, logger)

	orchestrator := call.NewOrchestrator(call.Config{
		Self:    call.Identity{ID: self.ID, Name: self.Username, Avatar: self.Avatar},
		Bus:     store,
		Media:   engine,
		History: history.NewLogger(db, logger),
		Policy:  policy.NewBlockList(db),
		Logger:  logger,
	})
	defer orchestrator.Close()

	// Auto-answer: the listener sees every session change, so a freshly
	// presented ringing incoming call is answered right here.
	removeListener := orchestrator.AddCallListener(func(session *call.Session) {
		if session == nil {
			logger.Info("idle")
			return
		}
		logger.Info("call session",
			"call_id", session.Call.ID,
			"status", session.Call.Status,
			"direction", session.Direction,
		)
		if session.Direction == models.DirectionIncoming && session.Call.Status == models.CallStatusRinging {
			go func(callID string) {
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := orchestrator.AnswerCall(ctx, callID); err != nil {
					logger.Warn("auto-answer failed", "call_id", callID, "error", err)
				}
			}(session.Call.ID)
		}
	})
	defer removeListener()

	if err := orchestrator.Start(); err != nil {
		logger.Error("failed to watch incoming calls", "error", err)
		os.Exit(1)
	}
	logger.Info("peer ready", "user_id", self.ID, "username", self.Username)

	if *callee != "" {
		peer, err := findUser(db, *callee)
		if err != nil {
			logger.Error("callee not found", "username", *callee, "error", err)
			os.Exit(1)
		}
		callType := models.CallTypeVoice
		if *video {
			callType = models.CallTypeVideo
		}
		placed, err := orchestrator.StartCall(context.Background(),
			call.Identity{ID: peer.ID, Name: peer.Username, Avatar: peer.Avatar},
			callType, "")
		if err != nil {
			logger.Error("failed to place call", "error", err)
			os.Exit(1)
		}
		logger.Info("calling", "call_id", placed.ID, "to", peer.Username)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := orchestrator.EndCall(ctx); err != nil {
		logger.Warn("end call on shutdown", "error", err)
	}
}

func findOrCreateUser(db *gorm.DB, username string) (*models.User, error) {
	var user models.User
	err := db.Where("username = ?", username).
		Attrs(models.User{Username: username}).
		FirstOrCreate(&user).Error
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func findUser(db *gorm.DB, username string) (*models.User, error) {
	var user models.User
	if err := db.First(&user, "username = ?", username).Error; err != nil {
		return nil, err
	}
	return &user, nil
}
