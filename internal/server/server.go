// Пакет server — HTTP-сервер captionhub с graceful shutdown.
// Без TLS — HTTP внутри кластера, TLS termination на ingress.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	apierrors "github.com/bigkaa/captionhub/internal/api/errors"
	"github.com/bigkaa/captionhub/internal/api/generated"
	"github.com/bigkaa/captionhub/internal/api/middleware"
	"github.com/bigkaa/captionhub/internal/config"
	uihandlers "github.com/bigkaa/captionhub/internal/ui/handlers"
)

// Server — HTTP-сервер captionhub.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	cfg        *config.Config
}

// UIComponents — компоненты входа через браузер.
// nil — UI отключён (CH_UI_ENABLED=false).
type UIComponents struct {
	AuthHandler *uihandlers.AuthHandler
}

// Authenticator — источник JWT middleware (middleware.JWTAuth).
type Authenticator interface {
	Middleware() func(http.Handler) http.Handler
}

// New создаёт HTTP-сервер с настроенными routes и middleware.
// jwtAuth — может быть nil для тестирования без auth.
func New(
	cfg *config.Config,
	logger *slog.Logger,
	handler generated.ServerInterface,
	jwtAuth Authenticator,
	ui *UIComponents,
) (*Server, error) {
	router, err := newRouter(logger, handler, jwtAuth, ui)
	if err != nil {
		return nil, err
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		// Загрузка изображения включает генерацию подписей
		// (CH_CAPTION_API_UPLOAD_TIMEOUT + таймауты шагов).
		ReadTimeout:  cfg.CaptionAPIUploadTimeout + 30*time.Second,
		WriteTimeout: cfg.CaptionAPIUploadTimeout + 4*cfg.CaptionAPITimeout,
		IdleTimeout:  120 * time.Second,
	}

	return &Server{
		httpServer: srv,
		logger:     logger,
		cfg:        cfg,
	}, nil
}

// newRouter собирает chi-роутер: глобальные middleware, /auth/* и OpenAPI-маршруты.
func newRouter(
	logger *slog.Logger,
	handler generated.ServerInterface,
	jwtAuth Authenticator,
	ui *UIComponents,
) (chi.Router, error) {
	router := chi.NewRouter()

	// Глобальные middleware (применяются ко ВСЕМ маршрутам)
	router.Use(chimiddleware.RequestID)
	router.Use(chimiddleware.Recoverer)
	router.Use(middleware.MetricsMiddleware())
	router.Use(middleware.RequestLogger(logger))

	// Health и metrics проверяются Kubernetes напрямую.
	// /auth/* — вход пользователя, principal ещё не существует.
	// Аутентификация до валидации контракта.
	if jwtAuth != nil {
		router.Use(jwtAuthWithExclusions(jwtAuth, "/health/", "/metrics", "/auth/"))
	}

	swagger, err := generated.GetSwagger()
	if err != nil {
		return nil, fmt.Errorf("загрузка OpenAPI-спецификации: %w", err)
	}
	validator, err := middleware.RequestValidator(swagger, logger)
	if err != nil {
		return nil, err
	}
	router.Use(validator)

	if ui != nil && ui.AuthHandler != nil {
		router.Route("/auth", func(r chi.Router) {
			r.Get("/login", ui.AuthHandler.HandleLogin)
			r.Get("/callback", ui.AuthHandler.HandleCallback)
			r.Post("/logout", ui.AuthHandler.HandleLogout)
		})
	}

	// Все API-маршруты через oapi-codegen chi-server.
	generated.HandlerWithOptions(handler, generated.ChiServerOptions{
		BaseRouter: router,
		ErrorHandlerFunc: func(w http.ResponseWriter, _ *http.Request, err error) {
			apierrors.ValidationError(w, err.Error())
		},
	})

	return router, nil
}

// jwtAuthWithExclusions оборачивает Middleware(), пропуская указанные пути.
// Запросы к путям, начинающимся с любого из excludePrefixes, проходят без JWT.
func jwtAuthWithExclusions(jwtAuth Authenticator, excludePrefixes ...string) func(http.Handler) http.Handler {
	jwtMiddleware := jwtAuth.Middleware()

	return func(next http.Handler) http.Handler {
		protected := jwtMiddleware(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, prefix := range excludePrefixes {
				if strings.HasPrefix(r.URL.Path, prefix) {
					next.ServeHTTP(w, r)
					return
				}
			}
			protected.ServeHTTP(w, r)
		})
	}
}

// Run запускает сервер и ожидает сигнала завершения (SIGINT, SIGTERM).
// При получении сигнала выполняется graceful shutdown.
func (s *Server) Run() error {
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

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		s.logger.Info("Получен сигнал завершения", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("ошибка HTTP-сервера: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Выполняется graceful shutdown...")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("ошибка при graceful shutdown: %w", err)
	}

	s.logger.Info("HTTP-сервер остановлен")
	return nil
}
