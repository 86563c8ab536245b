// Точка входа Folio — REST-фасад генетического надзора AGARI.
// Загружает конфигурацию, применяет миграции, подключается к PostgreSQL,
// инициализирует клиенты Keycloak и SONG, собирает сервисный слой и API
// handlers, запускает topologymetrics и HTTP-сервер с graceful shutdown.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"github.com/jackc/pgx/v5/stdlib"

	"github.com/OpenUpSA/agari-folio/internal/api/handlers"
	"github.com/OpenUpSA/agari-folio/internal/api/middleware"
	"github.com/OpenUpSA/agari-folio/internal/config"
	"github.com/OpenUpSA/agari-folio/internal/database"
	"github.com/OpenUpSA/agari-folio/internal/keycloak"
	"github.com/OpenUpSA/agari-folio/internal/repository"
	"github.com/OpenUpSA/agari-folio/internal/server"
	"github.com/OpenUpSA/agari-folio/internal/service"
	"github.com/OpenUpSA/agari-folio/internal/songclient"
)

func main() {
	// 1. Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Ошибка загрузки конфигурации", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 2. Настройка логирования
	logger := config.SetupLogger(cfg)
	logger.Info("Folio запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
	)

	// Предупреждения о дефолтных значениях topologymetrics
	if os.Getenv("FOLIO_DEPHEALTH_GROUP") == "" {
		logger.Warn("FOLIO_DEPHEALTH_GROUP не задана, используется значение по умолчанию",
			slog.String("default", cfg.DephealthGroup),
		)
	}

	// 3. Применение миграций БД
	logger.Info("Применение миграций БД...")
	if err := database.Migrate(cfg, logger); err != nil {
		logger.Error("Ошибка миграций БД", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 4. Подключение к PostgreSQL (pgxpool)
	ctx := context.Background()
	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		logger.Error("Ошибка подключения к PostgreSQL", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer pool.Close()

	// 4.1 Адаптер pgxpool → *sql.DB для topologymetrics (connection pool mode).
	// Проверка здоровья PostgreSQL идёт через существующий пул соединений,
	// что позволяет обнаружить его исчерпание.
	pgDB := stdlib.OpenDBFromPool(pool)
	defer pgDB.Close()

	// 5. Keycloak клиент (UMA exchange + Admin API)
	kcClient := keycloak.New(
		cfg.KeycloakURL,
		cfg.KeycloakRealm,
		cfg.KeycloakClientID,
		cfg.KeycloakClientSecret,
		&http.Client{Timeout: cfg.KeycloakTimeout},
		logger,
	)
	logger.Info("Keycloak клиент создан",
		slog.String("url", cfg.KeycloakURL),
		slog.String("realm", cfg.KeycloakRealm),
	)

	// 6. SONG клиент — регистрация studies в metadata-сервисе
	songClient := songclient.New(
		cfg.SongURL,
		&http.Client{Timeout: cfg.SongTimeout},
		logger,
	)
	logger.Info("SONG клиент создан", slog.String("url", cfg.SongURL))

	// 7. Repositories
	pathogenRepo := repository.NewPathogenRepository(pool)
	projectRepo := repository.NewProjectRepository(pool)
	studyRepo := repository.NewStudyRepository(pool)

	// 8. Services
	provisioner := service.NewProvisioner(kcClient, logger)
	pathogensSvc := service.NewPathogenService(pathogenRepo, projectRepo, logger)
	projectsSvc := service.NewProjectService(projectRepo, studyRepo, kcClient, provisioner, logger)
	studiesSvc := service.NewStudyService(
		studyRepo, projectRepo,
		kcClient, songClient, provisioner,
		cfg.StudyCreatorAutojoin,
		logger,
	)

	// 9. Readiness checkers (PostgreSQL + Keycloak + SONG)
	pgChecker := database.NewReadinessChecker(pool)
	healthHandler := handlers.NewHealthHandler(pgChecker, kcClient, songClient)

	// 10. API handler
	apiHandler := handlers.NewAPIHandler(
		healthHandler,
		pathogensSvc,
		projectsSvc,
		studiesSvc,
		logger,
	)

	// 11. Auth middleware — обмен токена на RPT и проверка скоупов
	auth := middleware.NewAuthenticator(kcClient, cfg.ResourceName, logger)
	logger.Info("Auth middleware инициализирован",
		slog.String("token_endpoint", cfg.TokenEndpoint()),
		slog.String("default_resource", cfg.ResourceName),
	)

	// 12. topologymetrics — мониторинг зависимостей (PostgreSQL + Keycloak + SONG)
	var dephealthSvc *service.DephealthService
	dephealthSvc, dephealthErr := service.NewDephealthService(
		"folio",
		cfg.DephealthGroup,
		pgDB,
		cfg.DatabaseURL(),
		cfg.TokenEndpoint(),
		cfg.SongURL,
		cfg.DephealthCheckInterval,
		logger,
	)
	if dephealthErr != nil {
		logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
			slog.String("error", dephealthErr.Error()),
		)
	} else {
		if startErr := dephealthSvc.Start(ctx); startErr != nil {
			logger.Warn("Ошибка запуска topologymetrics",
				slog.String("error", startErr.Error()),
			)
		} else {
			logger.Info("topologymetrics запущен",
				slog.String("group", cfg.DephealthGroup),
				slog.String("check_interval", cfg.DephealthCheckInterval.String()),
			)
		}
	}

	// 13. Создание и запуск HTTP-сервера
	srv := server.New(cfg, logger, apiHandler, auth)
	if err := srv.Run(); err != nil {
		logger.Error("Ошибка сервера", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 14. Graceful shutdown фоновых задач
	if dephealthSvc != nil {
		dephealthSvc.Stop()
	}

	logger.Info("Folio остановлен")
}
