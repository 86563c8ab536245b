// Пакет server — HTTP-сервер Folio с graceful shutdown.
// Без TLS — HTTP внутри кластера, TLS termination на API Gateway.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/OpenUpSA/agari-folio/internal/api/handlers"
	"github.com/OpenUpSA/agari-folio/internal/api/middleware"
	"github.com/OpenUpSA/agari-folio/internal/config"
)

// Server — HTTP-сервер Folio.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	cfg        *config.Config
}

// New создаёт новый HTTP-сервер с настроенными routes и middleware.
// Health и metrics публичны: их проверяет Kubernetes напрямую, без токена.
// Все остальные маршруты проходят через обмен RPT и проверку скоупов.
func New(cfg *config.Config, logger *slog.Logger, handler *handlers.APIHandler, auth *middleware.Authenticator) *Server {
	router := NewRouter(logger, handler, auth)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return &Server{
		httpServer: srv,
		logger:     logger,
		cfg:        cfg,
	}
}

// NewRouter собирает chi-маршрутизатор с полной картой маршрутов и скоупов.
// Вынесен отдельно, чтобы тесты могли поднять маршруты без ListenAndServe.
func NewRouter(logger *slog.Logger, handler *handlers.APIHandler, auth *middleware.Authenticator) chi.Router {
	router := chi.NewRouter()

	// Глобальные middleware (применяются ко ВСЕМ маршрутам)
	router.Use(middleware.MetricsMiddleware())
	router.Use(middleware.RequestLogger(logger))

	// Публичные endpoints: health и metrics.
	router.Get("/health", handler.Health)
	router.Get("/health/live", handler.HealthLive)
	router.Get("/health/ready", handler.HealthReady)
	router.Get("/metrics", handler.GetMetrics)

	// Все прикладные маршруты требуют токен; скоупы указаны поверх.
	router.Group(func(r chi.Router) {
		r.Use(auth.Authenticate)

		read := auth.RequireScopes("READ")
		write := auth.RequireScopes("WRITE")
		admin := auth.RequireScopes("ADMIN")

		// Диагностика авторизации.
		r.Get("/auth/test", handler.AuthTest)
		r.With(read).Get("/auth/test/read", handler.AuthTestRead)
		r.With(write).Get("/auth/test/write", handler.AuthTestWrite)
		r.With(auth.RequireScopes("READ", "WRITE")).Post("/auth/test/admin", handler.AuthTestAdmin)

		// Pathogens: справочник без provisioning.
		r.Route("/pathogens", func(r chi.Router) {
			r.With(read).Get("/", handler.ListPathogens)
			r.With(write).Post("/", handler.CreatePathogen)
			r.With(read).Get("/{id}", handler.GetPathogen)
			r.With(write).Put("/{id}", handler.UpdatePathogen)
			r.With(write).Patch("/{id}", handler.PatchPathogen)
			r.With(admin).Delete("/{id}", handler.DeletePathogen)
		})

		// Projects: CRUD по UUID, объекты Keycloak по slug.
		// Сегмент {id} общий: CRUD трактует его как UUID, под-маршруты — как slug.
		r.Route("/projects", func(r chi.Router) {
			r.With(read).Get("/", handler.ListProjects)
			r.With(write).Post("/", handler.CreateProject)

			r.Route("/{id}", func(r chi.Router) {
				r.With(read).Get("/", handler.GetProject)
				r.With(write).Patch("/", handler.PatchProject)
				r.With(admin).Delete("/", handler.DeleteProject)

				r.With(read).Get("/studies", handler.ListProjectStudies)
				r.With(read).Get("/summary", handler.GetProjectSummary)
				r.With(read).Get("/users", handler.ListProjectUsers)
				r.With(read).Get("/resource", handler.GetProjectResource)
				r.With(write).Post("/resource", handler.CreateProjectResource)
				r.With(read).Get("/group", handler.GetProjectGroup)
				r.With(write).Post("/group", handler.CreateProjectGroup)
				r.With(read).Get("/group/members", handler.ListProjectMembers)
				r.With(write).Post("/group/members/{username}", handler.AddProjectMember)
				r.With(write).Delete("/group/members/{username}", handler.RemoveProjectMember)
			})
		})

		// Studies: CRUD по UUID, объекты Keycloak по study_id.
		r.Route("/studies", func(r chi.Router) {
			r.With(read).Get("/", handler.ListStudies)
			r.With(write).Post("/", handler.CreateStudy)

			r.Route("/{id}", func(r chi.Router) {
				r.With(read).Get("/", handler.GetStudy)
				r.With(write).Patch("/", handler.PatchStudy)
				r.With(admin).Delete("/", handler.DeleteStudy)

				r.With(read).Get("/resource", handler.GetStudyResource)
				r.With(write).Post("/resource", handler.CreateStudyResource)
				r.With(read).Get("/group", handler.GetStudyGroup)
				r.With(write).Post("/group", handler.CreateStudyGroup)
				r.With(read).Get("/group/members", handler.ListStudyMembers)
				r.With(write).Post("/group/members/{username}", handler.AddStudyMember)
				r.With(write).Delete("/group/members/{username}", handler.RemoveStudyMember)
			})
		})
	})

	return router
}

// Run запускает сервер и ожидает сигнала завершения (SIGINT, SIGTERM).
// При получении сигнала выполняется graceful shutdown.
func (s *Server) Run() error {
	// Канал для ошибок сервера
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("HTTP-сервер запущен",
			slog.String("addr", s.httpServer.Addr),
		)

		err := s.httpServer.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Ожидание сигнала завершения
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		s.logger.Info("Получен сигнал завершения", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("ошибка HTTP-сервера: %w", err)
		}
	}

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Выполняется graceful shutdown...")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("ошибка при graceful shutdown: %w", err)
	}

	s.logger.Info("HTTP-сервер остановлен")
	return nil
}
