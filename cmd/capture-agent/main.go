// Точка входа Capture Agent — модуля записи и отправки видео броска.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/javelinlab/throwsight/capture-agent/internal/api/handlers"
	"github.com/javelinlab/throwsight/capture-agent/internal/api/middleware"
	"github.com/javelinlab/throwsight/capture-agent/internal/capture"
	"github.com/javelinlab/throwsight/capture-agent/internal/capture/devicesim"
	"github.com/javelinlab/throwsight/capture-agent/internal/config"
	"github.com/javelinlab/throwsight/capture-agent/internal/server"
	"github.com/javelinlab/throwsight/capture-agent/internal/service"
	"github.com/javelinlab/throwsight/capture-agent/internal/storage/assetstore"
)

func main() {
	// Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка конфигурации: %v\n", err)
		os.Exit(1)
	}

	// Настройка логгера
	logger := config.SetupLogger(cfg)
	logger.Info("Capture Agent запускается",
		slog.String("agent_id", cfg.AgentID),
		slog.String("version", config.Version),
		slog.String("analysis_url", cfg.AnalysisURL),
		slog.Int("port", cfg.Port),
	)

	// --- Инициализация компонентов ---

	// 1. Устройство захвата
	captureDir := cfg.CaptureDir
	if captureDir == "" {
		captureDir = filepath.Join(cfg.CacheDir, "capture")
	}
	device := devicesim.New(devicesim.Options{Dir: captureDir})

	// 2. Менеджер сессии захвата
	manager := capture.NewManager(device, cfg.MinRecording, cfg.MaxRecording, logger)

	// 3. Локальный кэш видео
	store, err := assetstore.New(cfg.CacheDir, cfg.LargeFileThreshold, cfg.MaxCachedAssets, logger)
	if err != nil {
		logger.Error("Ошибка инициализации кэша видео", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 4. Клиент отправки и поллер статуса
	submitClient := service.NewSubmitClient(cfg.AnalysisURL, cfg.UploadTimeout, logger)
	poller := service.NewPoller(cfg.PollInterval, cfg.PollTimeout, logger)

	// 5. Сервис задач анализа
	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()
	jobs := service.NewJobService(rootCtx, store, submitClient, poller, logger)

	// 6. topologymetrics — мониторинг доступности сервиса анализа
	var healthProvider handlers.DependencyHealthProvider
	dephealthSvc, dephealthErr := service.NewDephealthService(
		cfg.AgentID,
		cfg.DephealthGroup,
		cfg.DephealthDepName,
		cfg.AnalysisURL,
		cfg.DephealthCheckInterval,
		logger,
	)
	if dephealthErr != nil {
		logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
			slog.String("error", dephealthErr.Error()),
		)
	} else {
		if startErr := dephealthSvc.Start(rootCtx); startErr != nil {
			logger.Warn("Ошибка запуска topologymetrics",
				slog.String("error", startErr.Error()),
			)
		} else {
			healthProvider = dephealthSvc
			logger.Info("topologymetrics запущен",
				slog.String("analysis_url", cfg.AnalysisURL),
				slog.String("check_interval", cfg.DephealthCheckInterval.String()),
			)
		}
	}

	// 7. JWT middleware (опционально, по CA_JWKS_URL)
	var jwtAuth *middleware.JWTAuth
	if cfg.JWKSUrl != "" {
		auth, authErr := middleware.NewJWTAuth(middleware.JWTAuthConfig{
			JWKSURL:         cfg.JWKSUrl,
			CACertPath:      cfg.JWKSCACert,
			ClientTimeout:   10 * time.Second,
			RefreshInterval: 5 * time.Minute,
			JWTLeeway:       30 * time.Second,
			Issuer:          cfg.JWTIssuer,
		}, logger)
		if authErr != nil {
			// JWT недоступен — запускаем без аутентификации (для разработки)
			logger.Warn("JWT JWKS недоступен, запуск без аутентификации",
				slog.String("jwks_url", cfg.JWKSUrl),
				slog.String("error", authErr.Error()),
			)
		} else {
			jwtAuth = auth
			defer jwtAuth.Close()
			logger.Info("JWT аутентификация настроена",
				slog.String("jwks_url", cfg.JWKSUrl),
			)
		}
	}

	// 8. Handlers
	captureHandler := handlers.NewCaptureHandler(manager, store, logger)
	submissionsHandler := handlers.NewSubmissionsHandler(jobs, logger)
	systemHandler := handlers.NewSystemHandler(cfg, manager)
	healthHandler := handlers.NewHealthHandler(cfg.CacheDir, healthProvider)

	apiHandler := handlers.NewAPIHandler(
		captureHandler,
		submissionsHandler,
		systemHandler,
		healthHandler,
		jwtAuth,
	)

	// 9. Создание и запуск HTTP-сервера
	srv := server.New(cfg, logger, apiHandler.Routes())

	if err := srv.Run(); err != nil {
		logger.Error("Ошибка сервера", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// --- Graceful shutdown фоновых процессов ---
	logger.Info("Остановка фоновых процессов...")

	jobs.Shutdown()
	manager.Release()
	if dephealthErr == nil {
		dephealthSvc.Stop()
	}

	logger.Info("Capture Agent остановлен")
}
