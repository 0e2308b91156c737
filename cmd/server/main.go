package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"golang.org/x/crypto/acme/autocert"

	"github.com/tariel-x/callbridge/internal/config"
	"github.com/tariel-x/callbridge/internal/database"
	"github.com/tariel-x/callbridge/internal/handlers"
	"github.com/tariel-x/callbridge/internal/history"
	"github.com/tariel-x/callbridge/internal/policy"
	"github.com/tariel-x/callbridge/internal/push"
	"github.com/tariel-x/callbridge/internal/signaling"
	"github.com/tariel-x/callbridge/internal/turn"
)

const AppVersion = "1.0.0"

func main() {
	httpOnly := flag.Bool("http-only", false, "Serve plain HTTP (no Let's Encrypt); for development or behind a TLS proxy")
	flag.Parse()

	cfg := config.Load(*httpOnly)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	logger.Info("callbridge server starting", "version", AppVersion)

	db, err := database.Initialize(cfg.DBPath)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.DBPath, "error", err)
		return
	}

	turnServer, err := turn.Initialize(cfg.TURNPort, cfg.TURNRealm, logger)
	if err != nil {
		logger.Error("failed to initialize TURN server", "error", err)
		return
	}
	defer turnServer.Close()

	h := handlers.New(handlers.Deps{
		Config:  cfg,
		DB:      db,
		Store:   signaling.NewStore(db, logger),
		History: history.NewLogger(db, logger),
		Policy:  policy.NewBlockList(db),
		Push: push.NewGateway(db, push.VAPIDKeys{
			PublicKey:  cfg.VAPIDKeys.PublicKey,
			PrivateKey: cfg.VAPIDKeys.PrivateKey,
			Subject:    cfg.VAPIDKeys.Subject,
		}, logger),
		TURNServer: turnServer,
		Upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		Logger: logger,
	})

	router := setupRouter(h, logger)
	startServer(router, cfg, logger)
}

func setupRouter(h *handlers.Handlers, logger *slog.Logger) *gin.Engine {
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(requestLog(logger), gin.Recovery())

	router.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	})

	api := router.Group("/api")
	{
		api.POST("/register", h.Register)
		api.POST("/login", h.Login)
		api.GET("/config", h.GetClientConfig)
		api.GET("/vapid-public-key", h.GetVAPIDPublicKey)
	}

	authed := api.Group("")
	authed.Use(h.AuthMiddleware())
	{
		authed.GET("/me", h.GetMe)
		authed.GET("/users", h.ListUsers)
		authed.GET("/turn-config", h.GetTURNConfig)

		authed.POST("/calls", h.CreateCall)
		authed.GET("/calls/history", h.GetCallHistory)
		authed.GET("/calls/:call_id", h.GetCall)
		authed.POST("/calls/:call_id/answer", h.AnswerCall)
		authed.POST("/calls/:call_id/decline", h.DeclineCall)
		authed.POST("/calls/:call_id/end", h.EndCall)

		authed.POST("/push/subscribe", h.SubscribePush)
		authed.POST("/push/unsubscribe", h.UnsubscribePush)

		authed.POST("/blocks", h.BlockUser)
		authed.DELETE("/blocks", h.UnblockUser)
		authed.GET("/blocks", h.ListBlockedUsers)

		authed.GET("/ws", h.HandleWebSocket)
	}

	return router
}

func startServer(router *gin.Engine, cfg *config.Config, logger *slog.Logger) {
	if cfg.HTTPOnly {
		startHTTP(router, cfg, logger)
		return
	}

	certsDir := getCertsDirectory()
	if err := os.MkdirAll(certsDir, 0700); err != nil {
		logger.Error("failed to create certs directory", "error", err)
		return
	}

	domain := normalizeDomain(cfg.Domain)
	logger.Info("serving HTTPS", "domain", domain, "port", cfg.HTTPSPort)

	m := &autocert.Manager{
		Prompt: autocert.AcceptTOS,
		HostPolicy: func(ctx context.Context, host string) error {
			if normalizeDomain(host) != domain {
				return fmt.Errorf("host %q not configured (expected %q)", host, domain)
			}
			return nil
		},
		Cache: autocert.DirCache(certsDir),
	}

	errorLog := log.New(serverErrorLog(logger), "", 0)

	// Port 80 answers ACME challenges and redirects everything else.
	httpServer := &http.Server{
		Addr: ":" + cfg.HTTPPort,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.HasPrefix(r.URL.Path, "/.well-known/acme-challenge/") {
				m.HTTPHandler(nil).ServeHTTP(w, r)
				return
			}
			http.Redirect(w, r, "https://"+r.Host+r.RequestURI, http.StatusMovedPermanently)
		}),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
		ErrorLog:     errorLog,
	}

	httpsServer := &http.Server{
		Addr:         ":" + cfg.HTTPSPort,
		Handler:      router,
		TLSConfig:    m.TLSConfig(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
		ErrorLog:     errorLog,
	}

	go func() {
		logger.Info("HTTP server (ACME and redirects) starting", "port", cfg.HTTPPort)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", "error", err)
			os.Exit(1)
		}
	}()

	if domain == "localhost" || domain == "127.0.0.1" {
		logger.Warn("Let's Encrypt will not work for localhost; use --http-only for development")
	}

	if err := httpsServer.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("HTTPS server failed", "error", err)
	}
}

func startHTTP(router *gin.Engine, cfg *config.Config, logger *slog.Logger) {
	httpServer := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	logger.Info("HTTP server starting", "port", cfg.HTTPPort)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("HTTP server failed", "error", err)
	}
}

func getCertsDirectory() string {
	execPath, err := os.Executable()
	if err != nil {
		return "certs"
	}
	return filepath.Join(filepath.Dir(execPath), "certs")
}

// normalizeDomain lowercases and strips a www. prefix so cert host checks
// treat www.example.com and example.com as the same site.
func normalizeDomain(domain string) string {
	domain = strings.ToLower(strings.TrimSpace(domain))
	return strings.TrimPrefix(domain, "www.")
}
