// auth.go — middleware аутентификации captionhub.
// Principal извлекается из Bearer JWT (подпись проверяется по JWKS IdP)
// или, при отсутствии заголовка Authorization, из cookie-сессии UI.
package middleware

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/MicahParks/jwkset"
	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	apierrors "github.com/bigkaa/captionhub/internal/api/errors"
	"github.com/bigkaa/captionhub/internal/domain/model"
)

// contextKey — тип для ключей контекста (избегаем коллизий).
type contextKey string

const (
	// ContextKeyPrincipal — аутентифицированный пользователь в контексте запроса.
	ContextKeyPrincipal contextKey = "principal"
)

// SessionAuthenticator — источник principal из cookie-сессии.
// Реализуется ui/middleware.SessionPrincipals.
type SessionAuthenticator interface {
	// Authenticate возвращает principal из сессии запроса.
	// nil, nil — сессии нет. Может обновить cookie в w.
	Authenticate(w http.ResponseWriter, r *http.Request) (*model.Principal, error)
}

// idpClaims — raw claims из JWT IdP.
type idpClaims struct {
	jwt.RegisteredClaims
	PreferredUsername string `json:"preferred_username"`
	Name              string `json:"name"`
	Email             string `json:"email"`
}

// JWTAuth — middleware аутентификации через JWKS IdP.
type JWTAuth struct {
	jwks      keyfunc.Keyfunc
	sessions  SessionAuthenticator
	logger    *slog.Logger
	issuer    string
	jwtLeeway time.Duration
}

// NewJWTAuth создаёт JWT middleware с JWKS из IdP.
// jwksURL — URL к JWKS endpoint.
// caCertPath — опциональный путь к CA-сертификату для TLS.
// issuer — ожидаемый issuer JWT (пусто — не проверяется).
// jwksRefreshInterval — интервал обновления JWKS-ключей (CH_JWKS_REFRESH_INTERVAL).
// jwtLeeway — допустимое отклонение времени при проверке JWT (CH_JWT_LEEWAY).
func NewJWTAuth(
	jwksURL string,
	caCertPath string,
	issuer string,
	jwksRefreshInterval time.Duration,
	jwtLeeway time.Duration,
	logger *slog.Logger,
) (*JWTAuth, error) {
	httpClient := http.DefaultClient
	if caCertPath != "" {
		var err error
		httpClient, err = httpClientWithCA(caCertPath, 10*time.Second)
		if err != nil {
			return nil, fmt.Errorf("загрузка CA-сертификата %s: %w", caCertPath, err)
		}
		logger.Info("CA-сертификат для JWKS добавлен в пул доверия",
			slog.String("ca_cert", caCertPath),
		)
	}

	// NoErrorReturnFirstHTTPReq — стартуем даже если IdP ещё недоступен.
	storage, err := jwkset.NewStorageFromHTTP(jwksURL, jwkset.HTTPClientStorageOptions{
		Client:                    httpClient,
		NoErrorReturnFirstHTTPReq: true,
		RefreshInterval:           jwksRefreshInterval,
		RefreshErrorHandler: func(_ context.Context, err error) {
			logger.Error("Ошибка обновления JWKS",
				slog.String("error", err.Error()),
				slog.String("url", jwksURL),
			)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("создание JWKS storage: %w", err)
	}

	k, err := keyfunc.New(keyfunc.Options{
		Storage: storage,
	})
	if err != nil {
		return nil, fmt.Errorf("создание keyfunc: %w", err)
	}

	return NewJWTAuthWithKeyfunc(k, issuer, jwtLeeway, logger), nil
}

// NewJWTAuthWithKeyfunc создаёт JWT middleware с предоставленной keyfunc.
// Используется в тестах для подстановки mock JWKS.
func NewJWTAuthWithKeyfunc(kf keyfunc.Keyfunc, issuer string, jwtLeeway time.Duration, logger *slog.Logger) *JWTAuth {
	return &JWTAuth{
		jwks:      kf,
		logger:    logger.With(slog.String("component", "jwt_auth")),
		issuer:    issuer,
		jwtLeeway: jwtLeeway,
	}
}

// WithSessions подключает cookie-сессии UI как второй источник principal.
func (j *JWTAuth) WithSessions(s SessionAuthenticator) *JWTAuth {
	j.sessions = s
	return j
}

// httpClientWithCA создаёт HTTP-клиент с кастомным CA-сертификатом.
func httpClientWithCA(caCertPath string, timeout time.Duration) (*http.Client, error) {
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
		Timeout: timeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				RootCAs: caCertPool,
			},
		},
	}, nil
}

// Middleware возвращает HTTP middleware аутентификации.
// Bearer token имеет приоритет над cookie-сессией.
func (j *JWTAuth) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				j.fromSession(w, r, next)
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				apierrors.Unauthorized(w, "Неверный формат Authorization: ожидается Bearer <token>")
				return
			}

			tokenString := strings.TrimSpace(parts[1])
			if tokenString == "" {
				apierrors.Unauthorized(w, "Пустой Bearer token")
				return
			}

			principal, err := j.ParseToken(r.Context(), tokenString)
			if err != nil {
				j.logger.Debug("JWT валидация не пройдена",
					slog.String("error", err.Error()),
					slog.String("remote_addr", r.RemoteAddr),
				)
				apierrors.Unauthorized(w, "Невалидный или просроченный токен")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
		})
	}
}

// fromSession аутентифицирует запрос по cookie-сессии.
func (j *JWTAuth) fromSession(w http.ResponseWriter, r *http.Request, next http.Handler) {
	if j.sessions == nil {
		apierrors.Unauthorized(w, "Отсутствует заголовок Authorization")
		return
	}

	principal, err := j.sessions.Authenticate(w, r)
	if err != nil {
		j.logger.Debug("Сессия не прошла проверку",
			slog.String("error", err.Error()),
			slog.String("remote_addr", r.RemoteAddr),
		)
		apierrors.Unauthorized(w, "Сессия недействительна, требуется повторный вход")
		return
	}
	if principal == nil {
		apierrors.Unauthorized(w, "Требуется аутентификация")
		return
	}

	next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
}

// ParseToken проверяет подпись и срок действия JWT и возвращает principal.
// Исходный токен сохраняется в Principal.AccessToken.
func (j *JWTAuth) ParseToken(ctx context.Context, tokenString string) (*model.Principal, error) {
	raw := &idpClaims{}
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(j.jwtLeeway),
	}
	if j.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(j.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, raw, j.jwks.KeyfuncCtx(ctx), parserOpts...)
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	if raw.Subject == "" {
		return nil, fmt.Errorf("%w: отсутствует sub", jwt.ErrTokenInvalidClaims)
	}

	return principalFromClaims(raw, tokenString), nil
}

// principalFromClaims формирует Principal из claims.
func principalFromClaims(raw *idpClaims, token string) *model.Principal {
	name := raw.PreferredUsername
	if name == "" {
		name = raw.Name
	}
	p := &model.Principal{
		Subject:     raw.Subject,
		Email:       raw.Email,
		Name:        name,
		AccessToken: token,
	}
	if raw.ExpiresAt != nil {
		p.ExpiresAt = raw.ExpiresAt.Time
	}
	return p
}

// --- Context helpers ---

// WithPrincipal помещает principal в контекст.
func WithPrincipal(ctx context.Context, p *model.Principal) context.Context {
	return context.WithValue(ctx, ContextKeyPrincipal, p)
}

// PrincipalFromContext извлекает Principal из контекста запроса.
// Возвращает nil, если principal не найден.
func PrincipalFromContext(ctx context.Context) *model.Principal {
	p, _ := ctx.Value(ContextKeyPrincipal).(*model.Principal)
	return p
}
