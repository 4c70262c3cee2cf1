// Пакет config — загрузка и валидация конфигурации captionhub
// из переменных окружения (с опциональным .env файлом).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Config содержит все параметры конфигурации captionhub.
type Config struct {
	// --- Сервер ---

	// Порт HTTP-сервера
	Port int
	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string

	// --- PostgreSQL ---

	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string
	// Режим SSL: disable, require, verify-ca, verify-full
	DBSSLMode string
	// Максимальный размер пула соединений
	DBMaxConns int

	// --- Identity Provider (OIDC) ---

	// Базовый URL IdP для server-to-server запросов (token, JWKS)
	IDPURL string
	// Внешний URL IdP для browser redirects (пусто — IDPURL)
	IDPBrowserURL string
	// Имя realm
	IDPRealm string

	// --- JWT ---

	// Issuer JWT (авто-вычисляется из IDPURL, если не задан)
	JWTIssuer string
	// URL JWKS endpoint (авто-вычисляется из IDPURL, если не задан)
	JWTJWKSURL string
	// Допустимое отклонение часов при проверке exp/nbf
	JWTLeeway time.Duration
	// Интервал фонового обновления JWKS
	JWKSRefreshInterval time.Duration

	// --- UI-сессии ---

	// Включены ли маршруты /auth/* (login, callback, logout) и cookie-сессии
	UIEnabled bool
	// OIDC Client ID (public client, PKCE)
	UIOIDCClientID string
	// Подсказка IdP для федеративного входа (kc_idp_hint), например google
	UIIDPHint string
	// Ключ шифрования cookie-сессий (пусто — случайный ключ на процесс)
	UISessionSecret string
	// Куда перенаправлять после успешного входа
	UIPostLoginRedirect string

	// --- Caption Service ---

	// Базовый URL Caption Service
	CaptionAPIURL string
	// Таймаут одного вызова presign/register/generate
	CaptionAPITimeout time.Duration
	// Таймаут загрузки файла по presigned URL
	CaptionAPIUploadTimeout time.Duration
	// Количество повторов presign, register, generate после таймаута или сбоя соединения
	CaptionAPIMaxRetries int
	// Начальный интервал экспоненциального backoff
	CaptionAPIRetryInterval time.Duration

	// --- Загрузка изображений ---

	// Максимальный размер загружаемого файла в байтах
	UploadMaxBytes int64
	// Допустимые MIME-типы
	UploadAllowedTypes []string

	// --- Подписи и голоса ---

	// Размер страницы списка подписей по умолчанию
	CaptionPageLimit int
	// Максимальное количество страниц в LRU-кэше
	CaptionCacheSize int
	// TTL записи кэша
	CaptionCacheTTL time.Duration
	// Максимальное количество попыток записи голоса при конфликте уникальности
	VoteMaxAttempts int

	// --- Прочее ---

	// Путь к CA-сертификату для исходящих TLS-соединений (опционально)
	CACertPath string
	// Группа topologymetrics
	DephealthGroup string
	// Интервал проверки зависимостей topologymetrics
	DephealthCheckInterval time.Duration
	// Таймаут graceful shutdown HTTP-сервера
	ShutdownTimeout time.Duration
}

// LoadEnvFile загружает переменные из .env файла, не перезаписывая
// уже заданные переменные окружения. Отсутствие файла — не ошибка.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("загрузка %s: %w", path, err)
	}
	return nil
}

// Load загружает конфигурацию из переменных окружения, валидирует
// обязательные поля и возвращает Config или ошибку.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	// --- Сервер ---

	cfg.Port, err = getEnvInt("CH_PORT", 8020)
	if err != nil {
		return nil, fmt.Errorf("CH_PORT: %w", err)
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("CH_PORT: значение %d вне допустимого диапазона 1-65535", cfg.Port)
	}

	cfg.LogLevel, err = parseLogLevel(getEnvDefault("CH_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("CH_LOG_LEVEL: %w", err)
	}

	cfg.LogFormat = getEnvDefault("CH_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("CH_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	// --- PostgreSQL ---

	if cfg.DBHost, err = getEnvRequired("CH_DB_HOST"); err != nil {
		return nil, err
	}
	cfg.DBPort, err = getEnvInt("CH_DB_PORT", 5432)
	if err != nil {
		return nil, fmt.Errorf("CH_DB_PORT: %w", err)
	}
	if cfg.DBName, err = getEnvRequired("CH_DB_NAME"); err != nil {
		return nil, err
	}
	if cfg.DBUser, err = getEnvRequired("CH_DB_USER"); err != nil {
		return nil, err
	}
	if cfg.DBPassword, err = getEnvRequired("CH_DB_PASSWORD"); err != nil {
		return nil, err
	}

	cfg.DBSSLMode = getEnvDefault("CH_DB_SSL_MODE", "disable")
	validSSLModes := map[string]bool{
		"disable": true, "require": true, "verify-ca": true, "verify-full": true,
	}
	if !validSSLModes[cfg.DBSSLMode] {
		return nil, fmt.Errorf("CH_DB_SSL_MODE: недопустимое значение %q, допустимые: disable, require, verify-ca, verify-full", cfg.DBSSLMode)
	}

	cfg.DBMaxConns, err = getEnvInt("CH_DB_MAX_CONNS", 10)
	if err != nil {
		return nil, fmt.Errorf("CH_DB_MAX_CONNS: %w", err)
	}
	if cfg.DBMaxConns < 1 || cfg.DBMaxConns > 200 {
		return nil, fmt.Errorf("CH_DB_MAX_CONNS: значение %d вне допустимого диапазона 1-200", cfg.DBMaxConns)
	}

	// --- Identity Provider ---

	if cfg.IDPURL, err = getEnvRequired("CH_IDP_URL"); err != nil {
		return nil, err
	}
	cfg.IDPURL = strings.TrimRight(cfg.IDPURL, "/")
	cfg.IDPBrowserURL = strings.TrimRight(getEnvDefault("CH_IDP_BROWSER_URL", ""), "/")
	cfg.IDPRealm = getEnvDefault("CH_IDP_REALM", "captionhub")

	// --- JWT ---

	cfg.JWTIssuer = getEnvDefault("CH_JWT_ISSUER",
		fmt.Sprintf("%s/realms/%s", cfg.IDPURL, cfg.IDPRealm))
	cfg.JWTJWKSURL = getEnvDefault("CH_JWT_JWKS_URL",
		fmt.Sprintf("%s/realms/%s/protocol/openid-connect/certs", cfg.IDPURL, cfg.IDPRealm))

	cfg.JWTLeeway, err = getEnvDuration("CH_JWT_LEEWAY", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("CH_JWT_LEEWAY: %w", err)
	}
	cfg.JWKSRefreshInterval, err = getEnvDuration("CH_JWKS_REFRESH_INTERVAL", 15*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("CH_JWKS_REFRESH_INTERVAL: %w", err)
	}

	// --- UI-сессии ---

	cfg.UIEnabled, err = getEnvBool("CH_UI_ENABLED", true)
	if err != nil {
		return nil, fmt.Errorf("CH_UI_ENABLED: %w", err)
	}
	cfg.UIOIDCClientID = getEnvDefault("CH_UI_OIDC_CLIENT_ID", "captionhub-ui")
	cfg.UIIDPHint = getEnvDefault("CH_UI_IDP_HINT", "google")
	cfg.UISessionSecret = getEnvDefault("CH_UI_SESSION_SECRET", "")
	cfg.UIPostLoginRedirect = getEnvDefault("CH_UI_POST_LOGIN_REDIRECT", "/")
	if !strings.HasPrefix(cfg.UIPostLoginRedirect, "/") {
		return nil, fmt.Errorf("CH_UI_POST_LOGIN_REDIRECT: ожидается относительный путь, получено %q", cfg.UIPostLoginRedirect)
	}

	// --- Caption Service ---

	cfg.CaptionAPIURL = strings.TrimRight(getEnvDefault("CH_CAPTION_API_URL", "https://api.almostcrackd.ai"), "/")

	cfg.CaptionAPITimeout, err = getEnvDuration("CH_CAPTION_API_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("CH_CAPTION_API_TIMEOUT: %w", err)
	}
	cfg.CaptionAPIUploadTimeout, err = getEnvDuration("CH_CAPTION_API_UPLOAD_TIMEOUT", 2*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("CH_CAPTION_API_UPLOAD_TIMEOUT: %w", err)
	}

	cfg.CaptionAPIMaxRetries, err = getEnvInt("CH_CAPTION_API_MAX_RETRIES", 2)
	if err != nil {
		return nil, fmt.Errorf("CH_CAPTION_API_MAX_RETRIES: %w", err)
	}
	if cfg.CaptionAPIMaxRetries < 0 || cfg.CaptionAPIMaxRetries > 10 {
		return nil, fmt.Errorf("CH_CAPTION_API_MAX_RETRIES: значение %d вне допустимого диапазона 0-10", cfg.CaptionAPIMaxRetries)
	}

	cfg.CaptionAPIRetryInterval, err = getEnvDuration("CH_CAPTION_API_RETRY_INTERVAL", 500*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("CH_CAPTION_API_RETRY_INTERVAL: %w", err)
	}

	// --- Загрузка изображений ---

	maxBytes, err := getEnvInt("CH_UPLOAD_MAX_BYTES", 10*1024*1024)
	if err != nil {
		return nil, fmt.Errorf("CH_UPLOAD_MAX_BYTES: %w", err)
	}
	if maxBytes < 1 {
		return nil, fmt.Errorf("CH_UPLOAD_MAX_BYTES: значение %d должно быть положительным", maxBytes)
	}
	cfg.UploadMaxBytes = int64(maxBytes)

	cfg.UploadAllowedTypes = parseCSV(getEnvDefault("CH_UPLOAD_ALLOWED_TYPES",
		"image/jpeg,image/png,image/webp,image/gif,image/heic"))
	if len(cfg.UploadAllowedTypes) == 0 {
		return nil, errors.New("CH_UPLOAD_ALLOWED_TYPES: список MIME-типов пуст")
	}

	// --- Подписи и голоса ---

	cfg.CaptionPageLimit, err = getEnvInt("CH_CAPTION_PAGE_LIMIT", 20)
	if err != nil {
		return nil, fmt.Errorf("CH_CAPTION_PAGE_LIMIT: %w", err)
	}
	if cfg.CaptionPageLimit < 1 || cfg.CaptionPageLimit > 100 {
		return nil, fmt.Errorf("CH_CAPTION_PAGE_LIMIT: значение %d вне допустимого диапазона 1-100", cfg.CaptionPageLimit)
	}

	cfg.CaptionCacheSize, err = getEnvInt("CH_CAPTION_CACHE_SIZE", 128)
	if err != nil {
		return nil, fmt.Errorf("CH_CAPTION_CACHE_SIZE: %w", err)
	}
	if cfg.CaptionCacheSize < 1 {
		return nil, fmt.Errorf("CH_CAPTION_CACHE_SIZE: значение %d должно быть положительным", cfg.CaptionCacheSize)
	}

	cfg.CaptionCacheTTL, err = getEnvDuration("CH_CAPTION_CACHE_TTL", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("CH_CAPTION_CACHE_TTL: %w", err)
	}

	cfg.VoteMaxAttempts, err = getEnvInt("CH_VOTE_MAX_ATTEMPTS", 3)
	if err != nil {
		return nil, fmt.Errorf("CH_VOTE_MAX_ATTEMPTS: %w", err)
	}
	if cfg.VoteMaxAttempts < 1 || cfg.VoteMaxAttempts > 10 {
		return nil, fmt.Errorf("CH_VOTE_MAX_ATTEMPTS: значение %d вне допустимого диапазона 1-10", cfg.VoteMaxAttempts)
	}

	// --- Прочее ---

	cfg.CACertPath = getEnvDefault("CH_CA_CERT_PATH", "")
	cfg.DephealthGroup = getEnvDefault("CH_DEPHEALTH_GROUP", "captionhub")

	cfg.DephealthCheckInterval, err = getEnvDuration("CH_DEPHEALTH_CHECK_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("CH_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}

	cfg.ShutdownTimeout, err = getEnvDuration("CH_SHUTDOWN_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("CH_SHUTDOWN_TIMEOUT: %w", err)
	}

	return cfg, nil
}

// DatabaseDSN возвращает строку подключения к PostgreSQL для pgxpool.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s pool_max_conns=%d",
		c.DBHost, c.DBPort, c.DBName, c.DBUser, c.DBPassword, c.DBSSLMode, c.DBMaxConns,
	)
}

// DatabaseURL возвращает URL PostgreSQL без пароля (для лейблов topologymetrics).
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("postgres://%s@%s:%d/%s", c.DBUser, c.DBHost, c.DBPort, c.DBName)
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// --- Вспомогательные функции ---

// getEnvRequired возвращает значение переменной окружения или ошибку, если она не задана.
func getEnvRequired(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	return val, nil
}

// getEnvDefault возвращает значение переменной окружения или значение по умолчанию.
func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

func getEnvBool(key string, defaultVal bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("некорректное логическое значение: %q", val)
	}
	return b, nil
}

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h, 15m)", val)
	}
	return d, nil
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}

// parseCSV разбирает строку, разделённую запятыми, на срез строк.
// Пробелы вокруг элементов убираются, пустые элементы игнорируются.
func parseCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
