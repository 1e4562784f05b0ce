package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/estatechat/internal/attachment"
	"github.com/estatechat/internal/blobstore"
	"github.com/estatechat/internal/cache"
	cachememory "github.com/estatechat/internal/cache/memory"
	"github.com/estatechat/internal/config"
	"github.com/estatechat/internal/conversation"
	"github.com/estatechat/internal/event"
	"github.com/estatechat/internal/events"
	"github.com/estatechat/internal/handler"
	"github.com/estatechat/internal/logger"
	"github.com/estatechat/internal/message"
	"github.com/estatechat/internal/middleware"
	"github.com/estatechat/internal/model"
	"github.com/estatechat/internal/presence"
	"github.com/estatechat/internal/push"
	"github.com/estatechat/internal/repository"
	"github.com/estatechat/internal/startup"
	"github.com/estatechat/internal/unread"
	"github.com/estatechat/internal/ws"
)

func main() {
	logger.SetPrefix("api")
	migrateOnly := flag.Bool("migrate", false, "run database migrations and exit")
	dev := flag.Bool("dev", false, "start with embedded PostgreSQL and in-memory cache (no external deps required)")
	flag.Parse()

	logger.Info("starting conversation engine")
	cfg := config.Load()

	var embeddedDB *embeddedpostgres.EmbeddedPostgres
	if *dev {
		var err error
		embeddedDB, err = startEmbeddedPostgres(cfg)
		if err != nil {
			logger.Errorf("embedded postgres: %v", err)
			os.Exit(1)
		}
		defer func() {
			logger.Info("stopping embedded postgres...")
			if err := embeddedDB.Stop(); err != nil {
				logger.Errorf("embedded postgres stop: %v", err)
			}
		}()
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		logger.Errorf("parse db config: %v", err)
		os.Exit(1)
	}
	poolCfg.MaxConns = int32(cfg.Database.MaxConnections)
	poolCfg.MinConns = 4

	pool := startup.ConnectDBWithRetry(poolCfg, 60*time.Second, "")
	defer pool.Close()

	migCtx, migCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := startup.RunMigrations(migCtx, pool); err != nil {
		migCancel()
		os.Exit(1)
	}
	migCancel()
	if *migrateOnly && !*dev {
		return
	}

	// Кеш: Redis в проде, in-memory в dev-режиме или когда Redis не поднялся.
	var cc cache.Store
	if *dev {
		cc = cachememory.New()
	} else {
		redisClient := startup.ConnectRedisWithRetry(cfg.Redis.URL, 30*time.Second, "")
		if redisClient == nil {
			logger.Errorf("redis unavailable, falling back to in-memory cache")
			cc = cachememory.New()
		} else {
			cc = redisClient
		}
	}
	defer cc.Close()

	userRepo := repository.NewUserRepository(pool)
	convRepo := repository.NewConversationRepository(pool)
	partRepo := repository.NewParticipantRepository(pool)
	msgRepo := repository.NewMessageRepository(pool)
	readRepo := repository.NewReadRepository(pool)
	reactRepo := repository.NewReactionRepository(pool)
	attRepo := repository.NewAttachmentRepository(pool)
	presRepo := repository.NewPresenceRepository(pool)

	// После рестарта ни одно из «online» прошлого процесса не живо.
	bootCtx, bootCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := presRepo.MarkAllOffline(bootCtx); err != nil {
		logger.Errorf("reset presence: %v", err)
	}
	bootCancel()
	logger.Info("database connected, migrations applied")

	hub := ws.NewHub(partRepo, cfg.MaxWSConnections)

	tracker := presence.NewTracker(presRepo, cc, &presenceBroadcaster{hub: hub, partRepo: partRepo}, cfg.Engine)
	syncer := unread.NewSynchronizer(readRepo, hub)

	stream, err := events.NewPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
	if err != nil {
		logger.Errorf("kafka publisher: %v", err)
		os.Exit(1)
	}
	defer stream.Close()

	vapid, err := push.EnsureVAPIDKeys("")
	if err != nil {
		logger.Errorf("vapid keys: %v (push disabled)", err)
		vapid = &push.VAPIDKeys{}
	}
	pubKey, privKey := cfg.VAPIDPublicKey, cfg.VAPIDPrivateKey
	if pubKey == "" {
		pubKey, privKey = vapid.PublicKey, vapid.PrivateKey
	}
	sender := push.NewSender(cc, pubKey, privKey, cfg.PushSubject)

	var notifier message.Notifier
	if sender.Enabled() {
		notifier = sender
	}
	pipe := message.NewPipeline(msgRepo, partRepo, userRepo, reactRepo, syncer, cc, hub, notifier, stream, cfg.Engine)
	mgr := conversation.NewManager(convRepo, partRepo, userRepo, msgRepo, hub, stream)

	blobs := blobstore.New(cfg.UploadDir, cfg.MaxUploadSize)
	attPipe := attachment.NewPipeline(attRepo, partRepo, pipe, cc, hub, blobs, cfg.Engine)

	hub.SetSessionEvents(&sessionEvents{tracker: tracker, pipe: pipe})

	runCtx, runCancel := context.WithCancel(context.Background())
	var runWg sync.WaitGroup
	runWg.Add(3)
	go func() {
		defer runWg.Done()
		hub.Run(runCtx)
	}()
	go func() {
		defer runWg.Done()
		tracker.Run(runCtx)
	}()
	go func() {
		defer runWg.Done()
		attPipe.Run(runCtx)
	}()

	convH := handler.NewConversationHandler(mgr, pipe)
	msgH := handler.NewMessageHandler(pipe)
	attH := handler.NewAttachmentHandler(attPipe, blobs, cfg.MaxUploadSize)
	presH := handler.NewPresenceHandler(tracker, syncer)
	userH := handler.NewUserHandler(userRepo)
	adminH := handler.NewAdminHandler(convRepo, hub)
	configH := handler.NewConfigHandler(cfg, sender)
	pushH := handler.NewPushHandler(sender)
	wsH := handler.NewWSHandler(hub, cfg.CORSAllowedOrigins)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RecoverJSON)
	r.Use(middleware.SecureHeaders)
	// Не сжимать WebSocket — иначе ResponseWriter не реализует http.Hijacker и upgrade даёт 500.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if strings.EqualFold(req.Header.Get("Upgrade"), "websocket") {
				next.ServeHTTP(w, req)
				return
			}
			chimw.Compress(5)(next).ServeHTTP(w, req)
		})
	})
	r.Use(middleware.RequestLog)
	r.Use(middleware.RateLimitAPI)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{cfg.CORSAllowedOrigins},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK); w.Write([]byte("ok")) })
	r.Get("/api/config/client", configH.GetClientConfig)
	r.Get("/api/config/push", configH.GetPushConfig)

	r.Group(func(r chi.Router) {
		r.Use(middleware.IdentityValidate(cfg.IdentityServiceURL, userRepo, nil))

		r.Get("/api/users/search", userH.Search)
		r.Get("/api/users/{userID}", userH.Get)
		r.Get("/api/users/{userID}/presence", presH.Get)

		r.Get("/api/presence/me", presH.Me)
		r.Put("/api/presence/status", presH.SetStatus)
		r.Put("/api/presence/privacy", presH.SetPrivacy)
		r.Get("/api/unread/total", presH.UnreadTotal)

		r.Post("/api/conversations", convH.Create)
		r.Post("/api/conversations/property-inquiry", convH.PropertyInquiry)
		r.Get("/api/conversations", convH.List)
		r.Get("/api/conversations/{id}", convH.Get)
		r.Post("/api/conversations/{id}/participants", convH.AddParticipant)
		r.Delete("/api/conversations/{id}/participants/{userID}", convH.RemoveParticipant)
		r.Post("/api/conversations/{id}/leave", convH.Leave)
		r.Post("/api/conversations/{id}/archive", convH.Archive)
		r.Delete("/api/conversations/{id}/archive", convH.Unarchive)

		r.Post("/api/conversations/{id}/messages", msgH.Send)
		r.Get("/api/conversations/{id}/messages", msgH.History)
		r.Get("/api/messages/search", msgH.Search)
		r.Get("/api/messages/{messageID}", msgH.Get)
		r.Put("/api/messages/{messageID}", msgH.Edit)
		r.Delete("/api/messages/{messageID}", msgH.Delete)
		r.Post("/api/messages/{messageID}/reactions", msgH.AddReaction)
		r.Delete("/api/messages/{messageID}/reactions", msgH.RemoveReaction)
		r.Post("/api/messages/{messageID}/read", msgH.MarkRead)

		r.Post("/api/conversations/{id}/attachments", attH.RequestUpload)
		r.Get("/api/conversations/{id}/attachments", attH.ListForConversation)
		r.Post("/api/uploads/{handle}", attH.Upload)
		r.Get("/api/attachments/{id}", attH.Get)
		r.Get("/api/attachments/{id}/download", attH.Download)

		r.Post("/api/push/subscribe", pushH.Subscribe)
		r.Delete("/api/push/subscribe", pushH.Unsubscribe)

		r.Get("/ws", wsH.ServeWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.AdminOnly)
			r.Get("/api/admin/stats", adminH.Stats)
		})
	})

	srv := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	var srvWg sync.WaitGroup
	errCh := make(chan error, 1)
	srvWg.Add(1)
	go func() {
		defer srvWg.Done()
		logger.Infof("server listening on %s", cfg.ServerAddr)
		errCh <- srv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Errorf("server error: %v", err)
			os.Exit(1)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("server shutdown: %v", err)
	}
	logger.Info("server stopped accepting connections")
	runCancel()
	runWg.Wait()
	logger.Info("background workers stopped")
	srvWg.Wait()
	logger.Info("server goroutine exited")
}

// presenceBroadcaster доводит смену статуса до комнат всех диалогов пользователя.
// В typing исключается сам печатающий: его клиент и так знает, что он печатает.
type presenceBroadcaster struct {
	hub      *ws.Hub
	partRepo *repository.ParticipantRepository
}

func (b *presenceBroadcaster) PresenceChanged(userID string, p model.PresencePublic) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	ids, err := b.partRepo.ActiveConversationIDs(ctx, userID)
	if err != nil {
		logger.Errorf("presence broadcast lookup: %v", err)
		return
	}
	env := event.Envelope{Type: event.TypePresenceChanged, Payload: event.PresencePayload{UserID: userID, Presence: p}}
	for _, id := range ids {
		b.hub.BroadcastToConversation(id, env, userID)
	}
}

func (b *presenceBroadcaster) TypingChanged(conversationID, userID string, isTyping bool) {
	b.hub.BroadcastToConversation(conversationID, event.Envelope{
		Type:    event.TypeTyping,
		Payload: event.TypingPayload{ConversationID: conversationID, UserID: userID, IsTyping: isTyping},
	}, userID)
}

// sessionEvents связывает хаб с presence-трекером и пайплайном сообщений.
type sessionEvents struct {
	tracker *presence.Tracker
	pipe    *message.Pipeline
}

func (s *sessionEvents) Connected(userID, connID, device string) { s.tracker.Connect(userID, connID, device) }
func (s *sessionEvents) Disconnected(userID, connID string)      { s.tracker.Disconnect(userID, connID) }
func (s *sessionEvents) Heartbeat(userID, connID string)         { s.tracker.Heartbeat(userID, connID) }

func (s *sessionEvents) Typing(ctx context.Context, userID, conversationID string, isTyping bool) {
	s.tracker.Activity(userID)
	s.tracker.SetTyping(userID, conversationID, isTyping)
}

func (s *sessionEvents) MarkRead(ctx context.Context, userID, conversationID, messageID string) {
	s.tracker.Activity(userID)
	if err := s.pipe.MarkRead(ctx, messageID, userID); err != nil {
		logger.Errorf("ws mark read: %v", err)
	}
}

func startEmbeddedPostgres(cfg *config.Config) (*embeddedpostgres.EmbeddedPostgres, error) {
	const (
		port     = 5432
		user     = "estatechat"
		password = "estatechat_secret"
		database = "estatechat"
	)

	dataDir := filepath.Join(".", ".pgdata")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create pgdata dir: %w", err)
	}

	db := embeddedpostgres.NewDatabase(
		embeddedpostgres.DefaultConfig().
			Port(port).
			Username(user).
			Password(password).
			Database(database).
			DataPath(dataDir).
			RuntimePath(filepath.Join(os.TempDir(), "embedded-pg-runtime")),
	)

	logger.Info("starting embedded PostgreSQL...")
	if err := db.Start(); err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}

	cfg.Database.URL = fmt.Sprintf(
		"postgres://%s:%s@localhost:%d/%s?sslmode=disable",
		user, password, port, database,
	)
	logger.Infof("embedded PostgreSQL running on port %d", port)
	return db, nil
}
