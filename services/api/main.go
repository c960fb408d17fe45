package main

import (
	"context"
	"errors"
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

	"github.com/learnex/messaging/internal/config"
	"github.com/learnex/messaging/internal/handler"
	"github.com/learnex/messaging/internal/logger"
	"github.com/learnex/messaging/internal/middleware"
	"github.com/learnex/messaging/internal/model"
	"github.com/learnex/messaging/internal/notify"
	"github.com/learnex/messaging/internal/push"
	"github.com/learnex/messaging/internal/repository"
	"github.com/learnex/messaging/internal/service"
	"github.com/learnex/messaging/internal/startup"
	"github.com/learnex/messaging/internal/storage"
	"github.com/learnex/messaging/internal/storage/memory"
	"github.com/learnex/messaging/internal/ws"
	"github.com/learnex/messaging/migrations"
)

func main() {
	logger.SetPrefix("api")
	migrate := flag.Bool("migrate", false, "run database migrations and exit")
	dev := flag.Bool("dev", false, "start with embedded PostgreSQL and in-memory session store")
	flag.Parse()

	logger.Info("starting messaging API service")
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

	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL())
	if err != nil {
		logger.Errorf("parse db config: %v", err)
		os.Exit(1)
	}
	poolCfg.MaxConns = int32(cfg.DBMaxConnections())
	poolCfg.MinConns = 4

	pool := startup.ConnectDBWithRetry(poolCfg, 60*time.Second, "")
	defer pool.Close()

	runMigrations(pool)
	if *migrate && !*dev {
		return
	}

	resetCtx, resetCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if _, err := pool.Exec(resetCtx, "UPDATE users SET is_online = false"); err != nil {
		logger.Errorf("reset online status: %v", err)
	}
	resetCancel()
	logger.Info("database connected, migrations applied")

	var sessions storage.SessionStore
	if *dev {
		mem := memory.New()
		seedDevSession(mem)
		sessions = mem
	} else {
		redisClient := startup.ConnectRedisWithRetry(cfg.Redis.URL, 60*time.Second, "")
		defer redisClient.Close()
		sessions = redisClient
	}

	userRepo := repository.NewUserRepository(pool)
	convRepo := repository.NewConversationRepository(pool)
	msgRepo := repository.NewMessageRepository(pool)
	notifRepo := repository.NewNotificationRepository(pool)
	pushClient := push.NewClient(cfg.PushServiceURL)

	if *dev {
		seedDevUsers(userRepo)
	}

	hubCtx, hubCancel := context.WithCancel(context.Background())
	hub := ws.NewHub(convRepo, msgRepo, userRepo, cfg.MaxWSConnections)

	var hubWg sync.WaitGroup
	hubWg.Add(1)
	go func() {
		defer hubWg.Done()
		hub.Run(hubCtx)
	}()

	svc := service.NewMessaging(convRepo, msgRepo, userRepo, notifRepo, hub)

	outbox := notify.NewWorker(notifRepo, hub, pushClient, cfg.Outbox.PollInterval, cfg.Outbox.BatchSize)
	outboxCtx, outboxCancel := context.WithCancel(context.Background())
	var outboxWg sync.WaitGroup
	outboxWg.Add(1)
	go func() {
		defer outboxWg.Done()
		outbox.Run(outboxCtx)
	}()

	convH := handler.NewConversationHandler(svc)
	msgH := handler.NewMessageHandler(svc)
	notifH := handler.NewNotificationHandler(notifRepo)
	wsH := handler.NewWSHandler(hub, userRepo, cfg.CORSAllowedOrigins)
	configH := handler.NewConfigHandler(cfg)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RecoverJSON)
	// Do not compress WebSocket responses: a wrapped ResponseWriter loses
	// http.Hijacker and the upgrade fails with a 500.
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
	r.Use(middleware.SecureHeaders)
	r.Use(middleware.RateLimitAPI)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{cfg.CORSAllowedOrigins},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Session-Id", "X-Timestamp", "X-Signature"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK); w.Write([]byte("ok")) })
	r.Get("/api/config/push", configH.GetPushConfig)

	r.Group(func(r chi.Router) {
		r.Use(middleware.SessionAuth(sessions))
		r.Get("/api/conversations/user/{userId}", convH.ListForUser)
		r.Post("/api/conversations", convH.Create)
		r.Get("/api/conversations/{id}", convH.Get)
		r.Get("/api/conversations/{id}/messages", msgH.List)
		r.Post("/api/conversations/{id}/read", convH.MarkAsRead)
		r.Get("/api/conversations/{id}/participants", convH.GetParticipants)
		r.Post("/api/conversations/{id}/participants", convH.AddParticipant)
		r.Delete("/api/conversations/{id}/participants/{userId}", convH.RemoveParticipant)
		r.Post("/api/messages", msgH.Send)
		r.Get("/api/messages/search", msgH.Search)
		r.Get("/api/users/{id}/stats", msgH.Stats)
		r.Get("/api/notifications/user/{userId}", notifH.ListForUser)
		r.Post("/api/notifications/{id}/read", notifH.MarkRead)
		r.Get("/ws", wsH.ServeWS)
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
	outboxCancel()
	outboxWg.Wait()
	logger.Info("outbox worker stopped")
	hubCancel()
	hubWg.Wait()
	logger.Info("hub stopped")
	srvWg.Wait()
	logger.Info("server goroutine exited")
}

// seedDevUsers provisions a demo roster so dev mode satisfies the user
// foreign keys that production rows get from the Learnex platform. Idempotent:
// existing usernames are left alone.
func seedDevUsers(users *repository.UserRepository) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	roster := []model.User{
		{ID: "dev-teacher", Username: "dev_teacher", DisplayName: "Dev Teacher", Role: model.RoleTeacher, Email: "teacher@dev.local"},
		{ID: "dev-student", Username: "dev_student", DisplayName: "Dev Student", Role: model.RoleStudent, Email: "student@dev.local"},
		{ID: "dev-parent", Username: "dev_parent", DisplayName: "Dev Parent", Role: model.RoleParent, Email: "parent@dev.local"},
	}
	for _, u := range roster {
		if _, err := users.GetByUsername(ctx, u.Username); err == nil {
			continue
		} else if !errors.Is(err, repository.ErrNotFound) {
			logger.Errorf("dev users: lookup %s: %v", u.Username, err)
			return
		}
		u.CreatedAt = time.Now().UTC()
		if err := users.Create(ctx, &u); err != nil {
			logger.Errorf("dev users: create %s: %v", u.Username, err)
			return
		}
		logger.Infof("dev user %s seeded", u.Username)
	}
}

// seedDevSession installs a session from DEV_SESSION=session_id:user_id:secret_b64
// so signed requests work without the platform auth service.
func seedDevSession(store storage.SessionStore) {
	raw := os.Getenv("DEV_SESSION")
	if raw == "" {
		return
	}
	parts := strings.SplitN(raw, ":", 3)
	if len(parts) != 3 {
		logger.Errorf("DEV_SESSION: expected session_id:user_id:secret_b64")
		return
	}
	if err := store.SetSession(context.Background(), parts[0], parts[1], parts[2]); err != nil {
		logger.Errorf("DEV_SESSION: %v", err)
		return
	}
	logger.Infof("dev session seeded for user %s", parts[1])
}

func runMigrations(pool *pgxpool.Pool) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	entries, err := migrations.Files.ReadDir(".")
	if err != nil {
		logger.Errorf("read migrations: %v", err)
		os.Exit(1)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		data, err := migrations.Files.ReadFile(e.Name())
		if err != nil {
			logger.Errorf("read migration %s: %v", e.Name(), err)
			os.Exit(1)
		}
		if _, err := pool.Exec(ctx, string(data)); err != nil {
			logger.Errorf("run migration %s: %v", e.Name(), err)
			os.Exit(1)
		}
	}
	logger.Info("migrations applied")
}

func startEmbeddedPostgres(cfg *config.Config) (*embeddedpostgres.EmbeddedPostgres, error) {
	const (
		port     = 5432
		user     = "learnex"
		password = "learnex_secret"
		database = "learnex"
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
