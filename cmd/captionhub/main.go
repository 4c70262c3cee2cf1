// Точка входа captionhub — сервиса подписей к изображениям с голосованием.
// Загружает конфигурацию, применяет миграции, подключается к PostgreSQL,
// создаёт клиент Caption Service, сервисный слой и API handlers,
// запускает мониторинг зависимостей (topologymetrics),
// HTTP-сервер с JWT/session middleware и graceful shutdown.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/stdlib"

	"github.com/bigkaa/captionhub/internal/api/handlers"
	"github.com/bigkaa/captionhub/internal/api/middleware"
	"github.com/bigkaa/captionhub/internal/captionapi"
	"github.com/bigkaa/captionhub/internal/config"
	"github.com/bigkaa/captionhub/internal/database"
	"github.com/bigkaa/captionhub/internal/repository"
	"github.com/bigkaa/captionhub/internal/server"
	"github.com/bigkaa/captionhub/internal/service"
	"github.com/bigkaa/captionhub/internal/ui/auth"
	uihandlers "github.com/bigkaa/captionhub/internal/ui/handlers"
	uimiddleware "github.com/bigkaa/captionhub/internal/ui/middleware"
)

func main() {
	// 1. Загрузка конфигурации (.env + переменные окружения)
	envFile := os.Getenv("CH_ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	if err := config.LoadEnvFile(envFile); err != nil {
		slog.Error("Ошибка чтения env-файла", slog.String("path", envFile), slog.String("error", err.Error()))
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Ошибка загрузки конфигурации", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 2. Настройка логирования
	logger := config.SetupLogger(cfg)
	logger.Info("captionhub запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
	)

	if os.Getenv("CH_DEPHEALTH_GROUP") == "" {
		logger.Warn("CH_DEPHEALTH_GROUP не задана, используется значение по умолчанию",
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

	// 4.1 Адаптер pgxpool → *sql.DB для topologymetrics (connection pool mode)
	pgDB := stdlib.OpenDBFromPool(pool)
	defer pgDB.Close()

	// 5. HTTP-клиент с кастомным CA (для IdP)
	var httpClientCA *http.Client
	if cfg.CACertPath != "" {
		httpClientCA, err = buildHTTPClientWithCA(cfg.CACertPath)
		if err != nil {
			logger.Error("Ошибка загрузки CA-сертификата", slog.String("path", cfg.CACertPath), slog.String("error", err.Error()))
			os.Exit(1)
		}
		logger.Info("CA-сертификат загружен", slog.String("path", cfg.CACertPath))
	}

	// 6. Caption Service клиент
	captionClient, err := captionapi.New(captionapi.Options{
		BaseURL:       cfg.CaptionAPIURL,
		CACertPath:    cfg.CACertPath,
		Timeout:       cfg.CaptionAPITimeout,
		UploadTimeout: cfg.CaptionAPIUploadTimeout,
		MaxRetries:    cfg.CaptionAPIMaxRetries,
		RetryInterval: cfg.CaptionAPIRetryInterval,
	}, logger)
	if err != nil {
		logger.Error("Ошибка создания клиента Caption Service", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("Клиент Caption Service создан", slog.String("url", captionClient.BaseURL()))

	// 7. Repositories
	captionRepo := repository.NewCaptionRepository(pool)
	voteRepo := repository.NewVoteRepository(pool)

	// 8. Services
	captionSvc := service.NewCaptionService(
		captionRepo,
		cfg.CaptionPageLimit,
		cfg.CaptionCacheSize,
		cfg.CaptionCacheTTL,
		logger,
	)
	voteSvc := service.NewVoteRecorder(voteRepo, cfg.VoteMaxAttempts, logger)
	uploadSvc := service.NewOrchestrator(captionClient, captionSvc, logger)

	// 9. topologymetrics — мониторинг зависимностей
	var deps handlers.DependencyHealth
	dephealthSvc, dephealthErr := service.NewDephealthService(service.DephealthConfig{
		ServiceID:     "captionhub",
		Group:         cfg.DephealthGroup,
		DB:            pgDB,
		PgConnURL:     cfg.DatabaseURL(),
		JWKSURL:       cfg.JWTJWKSURL,
		CaptionAPIURL: cfg.CaptionAPIURL,
		CheckInterval: cfg.DephealthCheckInterval,
	}, logger)
	if dephealthErr != nil {
		logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
			slog.String("error", dephealthErr.Error()),
		)
		dephealthSvc = nil
	} else if startErr := dephealthSvc.Start(ctx); startErr != nil {
		logger.Warn("Ошибка запуска topologymetrics",
			slog.String("error", startErr.Error()),
		)
		dephealthSvc = nil
	} else {
		deps = dephealthSvc
		logger.Info("topologymetrics запущен",
			slog.String("group", cfg.DephealthGroup),
			slog.String("check_interval", cfg.DephealthCheckInterval.String()),
		)
	}

	// 10. Health + API handler (реализует generated.ServerInterface)
	healthHandler := handlers.NewHealthHandler(database.NewReadinessChecker(pool), deps)
	apiHandler := handlers.NewAPIHandler(
		healthHandler,
		captionSvc,
		voteSvc,
		uploadSvc,
		handlers.UploadLimits{
			MaxBytes:     cfg.UploadMaxBytes,
			AllowedTypes: cfg.UploadAllowedTypes,
		},
		logger,
	)

	// 11. JWT middleware
	jwtAuth, err := middleware.NewJWTAuth(
		cfg.JWTJWKSURL,
		cfg.CACertPath,
		cfg.JWTIssuer,
		cfg.JWKSRefreshInterval,
		cfg.JWTLeeway,
		logger,
	)
	if err != nil {
		logger.Error("Ошибка создания JWT middleware", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("JWT middleware инициализирован",
		slog.String("jwks_url", cfg.JWTJWKSURL),
		slog.String("issuer", cfg.JWTIssuer),
	)

	// 12. Вход через браузер (опционально, CH_UI_ENABLED=true)
	var uiComponents *server.UIComponents
	if cfg.UIEnabled {
		// Secure cookie, если IdP доступен по https
		secureCookie := strings.HasPrefix(cfg.IDPURL, "https")

		sessionMgr, sessionErr := auth.NewSessionManager(cfg.UISessionSecret, secureCookie)
		if sessionErr != nil {
			logger.Error("Ошибка создания Session Manager", slog.String("error", sessionErr.Error()))
			os.Exit(1)
		}
		if cfg.UISessionSecret == "" {
			logger.Warn("CH_UI_SESSION_SECRET не задан, сессии не сохраняются между рестартами")
		}

		oidcClient := auth.NewOIDCClient(auth.OIDCConfig{
			IDPURL:        cfg.IDPURL,
			BrowserIDPURL: cfg.IDPBrowserURL,
			Realm:         cfg.IDPRealm,
			ClientID:      cfg.UIOIDCClientID,
			IDPHint:       cfg.UIIDPHint,
			HTTPClient:    httpClientCA,
		})

		// Cookie-сессия — второй источник principal для /api/v1/*
		jwtAuth.WithSessions(uimiddleware.NewSessionPrincipals(sessionMgr, oidcClient, logger))

		uiComponents = &server.UIComponents{
			AuthHandler: uihandlers.NewAuthHandler(
				oidcClient, jwtAuth, sessionMgr,
				cfg.UIPostLoginRedirect,
				logger,
			),
		}

		logger.Info("Вход через браузер инициализирован",
			slog.String("oidc_client_id", cfg.UIOIDCClientID),
			slog.Bool("secure_cookie", secureCookie),
		)
	} else {
		logger.Info("Вход через браузер отключён (CH_UI_ENABLED=false)")
	}

	// 13. Создание и запуск HTTP-сервера
	srv, err := server.New(cfg, logger, apiHandler, jwtAuth, uiComponents)
	if err != nil {
		logger.Error("Ошибка создания HTTP-сервера", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if err := srv.Run(); err != nil {
		logger.Error("Ошибка сервера", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 14. Остановка фоновых задач
	if dephealthSvc != nil {
		dephealthSvc.Stop()
	}

	logger.Info("captionhub остановлен")
}

// buildHTTPClientWithCA создаёт HTTP-клиент с кастомным CA-сертификатом.
func buildHTTPClientWithCA(caCertPath string) (*http.Client, error) {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, err
	}

	caCertPool, err := x509.SystemCertPool()
	if err != nil {
		caCertPool = x509.NewCertPool()
	}
	caCertPool.AppendCertsFromPEM(caCert)

	return &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				RootCAs: caCertPool,
			},
		},
	}, nil
}
