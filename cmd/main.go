// cmd/main.go
package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"
	"github.com/rs/cors"

	"go_sarathi_progress/internal/config"
	"go_sarathi_progress/internal/handlers"
	"go_sarathi_progress/internal/middleware"
	"go_sarathi_progress/internal/remote"
	"go_sarathi_progress/internal/repository"
	"go_sarathi_progress/internal/service"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

func main() {
	// 設定ファイル読み込み用の一時的なロガー設定
	tempLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(tempLogger)
	log.Println("Log Config Loading...")

	if err := config.LoadConfig("./configs"); err != nil {
		slog.Error("Error loading configuration", slog.Any("error", err))
		os.Exit(1)
	}

	// === 設定に基づいて slog ロガーを初期化 ===
	logLevel := new(slog.LevelVar)
	switch strings.ToLower(config.Cfg.Log.Level) {
	case "debug":
		logLevel.Set(slog.LevelDebug)
	case "info":
		logLevel.Set(slog.LevelInfo)
	case "warn", "warning":
		logLevel.Set(slog.LevelWarn)
	case "error":
		logLevel.Set(slog.LevelError)
	default:
		logLevel.Set(slog.LevelInfo)
		slog.Warn("Unknown log level specified in config, defaulting to INFO", slog.String("level", config.Cfg.Log.Level))
	}

	var handler slog.Handler
	appEnv := os.Getenv("APP_ENV")
	if strings.ToLower(appEnv) == "dev" {
		tintOpts := &tint.Options{
			Level:      logLevel,
			TimeFormat: time.RFC3339,
		}
		handler = tint.NewHandler(os.Stderr, tintOpts)
		tempLogger.Info("Using TINT log handler", slog.String("APP_ENV", appEnv))
	} else {
		jsonOpts := &slog.HandlerOptions{
			Level:     logLevel,
			AddSource: true,
		}
		handler = slog.NewJSONHandler(os.Stderr, jsonOpts)
		tempLogger.Info("Using JSON log handler", slog.String("APP_ENV", appEnv))
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	slog.Info("Application starting...")

	// 端末IDの読み込み (初回起動時に生成して永続化)
	deviceID, err := loadOrCreateDeviceID(config.Cfg.Database.Path)
	if err != nil {
		slog.Error("Error loading device ID", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("Device identity loaded", slog.String("device_id", deviceID.String()))

	// ローカルキャッシュDB (SQLite)
	db, err := repository.NewDB(config.Cfg.Database.Path, logger)
	if err != nil {
		slog.Error("Error initializing local database", slog.Any("error", err))
		os.Exit(1)
	}
	sqlDB, err := db.DB()
	if err != nil {
		slog.Error("Error getting underlying sql.DB from GORM", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := sqlDB.Close(); err != nil {
			slog.Error("Error closing database connection", slog.Any("error", err))
		} else {
			slog.Info("Database connection closed.")
		}
	}()

	// リモートドキュメントストア。URL未設定ならインメモリ実装で起動する (完全オフライン開発用)。
	var store remote.Store
	if config.Cfg.Remote.URL != "" {
		store, err = remote.NewPostgresStore(config.Cfg.Remote.URL, logger)
		if err != nil {
			// リモートに繋がらなくてもローカル記録は動かす。接続は同期時に再試行される。
			slog.Warn("Remote store unreachable at startup, sync will retry", slog.Any("error", err))
		}
	}
	if store == nil {
		slog.Warn("No remote store configured, using in-memory store")
		store = remote.NewMemoryStore()
	}

	// 運用者通知。SESの設定があればメール、なければログのみ。
	var notifier service.Notifier
	if config.Cfg.SES.From != "" && config.Cfg.SES.OperatorTo != "" {
		notifier = service.NewSESNotifier(&config.Cfg)
	} else {
		notifier = service.NewLogNotifier()
	}

	// Dependency Injection
	progressRepo := repository.NewGormProgressRepository()
	queueRepo := repository.NewGormQueueRepository()
	achievementRepo := repository.NewGormAchievementRepository()
	missionRepo := repository.NewGormMissionRepository()

	bus := service.NewEventBus(logger)
	connectivity := service.NewConnectivityMonitor(
		config.Cfg.Remote.PollURL,
		time.Duration(config.Cfg.Sync.ConnectivityPollSeconds)*time.Second,
		logger,
	)
	resolver := service.NewConflictResolver(deviceID)

	missionService := service.NewMissionService(db, missionRepo, progressRepo, store, &config.Cfg)
	engine := service.NewSyncEngine(db, queueRepo, progressRepo, store, resolver, connectivity, bus, notifier, &config.Cfg, deviceID)
	achievementService := service.NewAchievementService(db, achievementRepo, progressRepo, queueRepo, missionService, bus, &config.Cfg, deviceID)
	recorderService := service.NewRecorderService(db, progressRepo, queueRepo, achievementService, engine, connectivity, bus, &config.Cfg, deviceID)

	progressHandler := handlers.NewProgressHandler(recorderService, logger)
	missionHandler := handlers.NewMissionHandler(missionService, recorderService, logger)
	achievementHandler := handlers.NewAchievementHandler(achievementService, logger)
	syncHandler := handlers.NewSyncHandler(engine, connectivity, logger)

	// バックグラウンド処理の起動
	rootCtx, rootCancel := context.WithCancel(middleware.WithLogger(context.Background(), logger))
	defer rootCancel()

	if err := missionService.Refresh(rootCtx); err != nil {
		slog.Warn("Initial mission catalog refresh failed, using local copy", slog.Any("error", err))
	}
	connectivity.StartPolling(rootCtx)
	engine.Start(rootCtx)

	// Setup Router
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.LoggingMiddleware(logger))

	corsOptions := cors.Options{
		AllowedOrigins:   config.Cfg.CORS.AllowedOrigins,
		AllowedMethods:   config.Cfg.CORS.AllowedMethods,
		AllowedHeaders:   config.Cfg.CORS.AllowedHeaders,
		ExposedHeaders:   config.Cfg.CORS.ExposedHeaders,
		AllowCredentials: config.Cfg.CORS.AllowCredentials,
		MaxAge:           config.Cfg.CORS.MaxAge,
		Debug:            false,
	}
	corsHandler := cors.New(corsOptions)
	r.Use(corsHandler.Handler)

	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(60 * time.Second))

	// API Routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			if config.Cfg.Auth.Enabled {
				slog.Info("Applying JWT authentication middleware")
				r.Use(middleware.JWTAuthMiddleware(&config.Cfg))
			} else {
				slog.Warn("Auth disabled, applying dev student context middleware")
				r.Use(middleware.DevStudentContextMiddleware)
			}

			r.Route("/progress", func(r chi.Router) {
				r.Post("/", progressHandler.PostProgress)
				r.Get("/", progressHandler.GetProgress)
				r.Post("/reset", progressHandler.PostReset)
			})

			r.Route("/missions", func(r chi.Router) {
				r.Get("/", missionHandler.GetMissions)
				r.Get("/{mission_id}/aggregate", missionHandler.GetMissionAggregate)
				r.Post("/{mission_id}/access", missionHandler.PostMissionAccess)
			})

			r.Get("/achievements", achievementHandler.GetAchievements)

			r.Route("/sync", func(r chi.Router) {
				r.Get("/status", syncHandler.GetSyncStatus)
				r.Post("/drain", syncHandler.PostSyncDrain)
				r.Put("/connectivity", syncHandler.PutConnectivity)
			})
		})
	})

	// Health Check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if err := sqlDB.PingContext(ctx); err != nil {
			slog.ErrorContext(ctx, "Health check failed: could not ping DB", slog.Any("error", err))
			http.Error(w, "Health check failed", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Start Server
	server := &http.Server{
		Addr:         config.Cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("Server listening", slog.String("port", config.Cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Could not listen on port", slog.String("port", config.Cfg.Server.Port), slog.Any("error", err))
			os.Exit(1)
		}
	}()

	// Graceful Shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("Shutting down server...")

	// 新規リクエストを止めてから同期ループを畳む
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		slog.Error("Server forced to shutdown", slog.Any("error", err))
	}
	connectivity.Stop()
	engine.Stop()
	rootCancel()

	log.Println("Server exiting")
}

// loadOrCreateDeviceID は端末固有のUUIDをDBファイルの隣に永続化します。
// 競合解決で「この端末の書き込みか」を判定するために再起動をまたいで安定している必要があります。
func loadOrCreateDeviceID(dbPath string) (uuid.UUID, error) {
	idPath := filepath.Join(filepath.Dir(dbPath), "device_id")

	data, err := os.ReadFile(idPath)
	if err == nil {
		if id, parseErr := uuid.Parse(strings.TrimSpace(string(data))); parseErr == nil {
			return id, nil
		}
		slog.Warn("Stored device ID is invalid, generating a new one", slog.String("path", idPath))
	}

	id := uuid.New()
	if err := os.MkdirAll(filepath.Dir(idPath), 0o755); err != nil {
		return uuid.Nil, err
	}
	if err := os.WriteFile(idPath, []byte(id.String()+"\n"), 0o644); err != nil {
		return uuid.Nil, err
	}
	return id, nil
}
