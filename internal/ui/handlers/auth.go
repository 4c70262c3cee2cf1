// Пакет handlers — HTTP-обработчики входа пользователей captionhub.
// auth.go — аутентификация через OIDC IdP (Authorization Code + PKCE).
//
//	GET  /auth/login    — redirect на страницу входа IdP
//	GET  /auth/callback — обмен code на токены, session cookie
//	POST /auth/logout   — очистка сессии, redirect на logout IdP
package handlers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	apierrors "github.com/bigkaa/captionhub/internal/api/errors"
	"github.com/bigkaa/captionhub/internal/domain/model"
	"github.com/bigkaa/captionhub/internal/ui/auth"
)

// Имя cookie для хранения PKCE state (code_verifier + state).
const stateCookieName = "captionhub_auth_state"

// stateCookieMaxAge — максимальный возраст state cookie (5 минут).
const stateCookieMaxAge = 5 * 60

// stateCookiePath — state cookie нужен только на /auth/callback.
const stateCookiePath = "/auth"

// OIDCProvider — операции OIDC-клиента (auth.OIDCClient).
type OIDCProvider interface {
	AuthorizeURL(redirectURI, state, codeChallenge string) string
	ExchangeCode(ctx context.Context, code, redirectURI, codeVerifier string) (*auth.TokenResponse, error)
	LogoutURL(postLogoutRedirectURI string) string
}

// TokenVerifier — проверка подписи access token (api/middleware.JWTAuth).
type TokenVerifier interface {
	ParseToken(ctx context.Context, token string) (*model.Principal, error)
}

// AuthHandler — обработчики входа и выхода.
type AuthHandler struct {
	oidc           OIDCProvider
	verifier       TokenVerifier
	sessionManager *auth.SessionManager
	postLoginPath  string
	logger         *slog.Logger
}

// NewAuthHandler создаёт AuthHandler.
// postLoginPath — локальный путь redirect после входа (CH_UI_POST_LOGIN_REDIRECT).
func NewAuthHandler(
	oidc OIDCProvider,
	verifier TokenVerifier,
	sessionManager *auth.SessionManager,
	postLoginPath string,
	logger *slog.Logger,
) *AuthHandler {
	if postLoginPath == "" {
		postLoginPath = "/"
	}
	return &AuthHandler{
		oidc:           oidc,
		verifier:       verifier,
		sessionManager: sessionManager,
		postLoginPath:  postLoginPath,
		logger:         logger.With(slog.String("component", "ui_auth")),
	}
}

// stateData — данные, сохраняемые в state cookie на время auth flow.
type stateData struct {
	State        string `json:"state"`
	CodeVerifier string `json:"code_verifier"`
}

// HandleLogin — GET /auth/login.
// Генерирует PKCE и state, сохраняет их в short-lived cookie и
// перенаправляет на authorize endpoint IdP.
func (h *AuthHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	pkce, err := auth.GeneratePKCE()
	if err != nil {
		h.logger.Error("Ошибка генерации PKCE", slog.String("error", err.Error()))
		apierrors.InternalError(w, "Внутренняя ошибка сервера")
		return
	}

	state, err := auth.GenerateState()
	if err != nil {
		h.logger.Error("Ошибка генерации state", slog.String("error", err.Error()))
		apierrors.InternalError(w, "Внутренняя ошибка сервера")
		return
	}

	sdJSON, _ := json.Marshal(&stateData{State: state, CodeVerifier: pkce.CodeVerifier})
	h.setStateCookie(w, base64.URLEncoding.EncodeToString(sdJSON), stateCookieMaxAge)

	authorizeURL := h.oidc.AuthorizeURL(h.redirectURI(r), state, pkce.CodeChallenge)
	h.logger.Debug("Redirect на страницу входа IdP", slog.String("authorize_url", authorizeURL))

	http.Redirect(w, r, authorizeURL, http.StatusFound)
}

// HandleCallback — GET /auth/callback.
// Обменивает authorization code на токены, проверяет подпись access token,
// создаёт session cookie и перенаправляет на postLoginPath.
func (h *AuthHandler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	if errCode := query.Get("error"); errCode != "" {
		h.logger.Warn("IdP вернул ошибку авторизации",
			slog.String("error", errCode),
			slog.String("description", query.Get("error_description")),
		)
		apierrors.ValidationError(w, "Ошибка авторизации: "+errCode)
		return
	}

	code := query.Get("code")
	state := query.Get("state")
	if code == "" || state == "" {
		apierrors.ValidationError(w, "Отсутствует code или state")
		return
	}

	sd, err := readStateCookie(r)
	if err != nil {
		h.logger.Warn("State cookie отсутствует или повреждён", slog.String("error", err.Error()))
		apierrors.ValidationError(w, "Сессия авторизации истекла, попробуйте ещё раз")
		return
	}
	if sd.State != state {
		h.logger.Warn("State mismatch, возможна CSRF-атака")
		apierrors.ValidationError(w, "State mismatch")
		return
	}

	// state cookie одноразовый
	h.setStateCookie(w, "", -1)

	tokens, err := h.oidc.ExchangeCode(r.Context(), code, h.redirectURI(r), sd.CodeVerifier)
	if err != nil {
		h.logger.Error("Ошибка обмена code на токены", slog.String("error", err.Error()))
		apierrors.Unauthorized(w, "Ошибка аутентификации")
		return
	}

	principal, err := h.verifier.ParseToken(r.Context(), tokens.AccessToken)
	if err != nil {
		h.logger.Error("Access token не прошёл проверку", slog.String("error", err.Error()))
		apierrors.Unauthorized(w, "Ошибка аутентификации")
		return
	}

	session := &auth.SessionData{
		Subject:      principal.Subject,
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(tokens.ExpiresIn) * time.Second).Unix(),
		Username:     principal.Name,
		Email:        principal.Email,
	}
	if err := h.sessionManager.SetSessionCookie(w, session); err != nil {
		h.logger.Error("Ошибка установки session cookie", slog.String("error", err.Error()))
		apierrors.InternalError(w, "Ошибка создания сессии")
		return
	}

	h.logger.Info("Пользователь аутентифицирован",
		slog.String("subject", principal.Subject),
		slog.String("username", principal.Name),
	)

	http.Redirect(w, r, h.postLoginPath, http.StatusFound)
}

// HandleLogout — POST /auth/logout.
// Очищает session cookie и перенаправляет на logout endpoint IdP.
func (h *AuthHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	h.sessionManager.ClearSessionCookie(w)

	logoutURL := h.oidc.LogoutURL(buildBaseURL(r) + "/")
	h.logger.Info("Пользователь выполняет logout")

	http.Redirect(w, r, logoutURL, http.StatusFound)
}

// setStateCookie записывает (maxAge > 0) или удаляет (maxAge < 0) state cookie.
func (h *AuthHandler) setStateCookie(w http.ResponseWriter, value string, maxAge int) {
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookieName,
		Value:    value,
		Path:     stateCookiePath,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   h.sessionManager.Secure(),
		SameSite: http.SameSiteLaxMode,
	})
}

// readStateCookie извлекает и декодирует state cookie.
func readStateCookie(r *http.Request) (*stateData, error) {
	c, err := r.Cookie(stateCookieName)
	if err != nil {
		return nil, err
	}
	raw, err := base64.URLEncoding.DecodeString(c.Value)
	if err != nil {
		return nil, err
	}
	var sd stateData
	if err := json.Unmarshal(raw, &sd); err != nil {
		return nil, err
	}
	return &sd, nil
}

// redirectURI формирует callback URI на основе текущего запроса.
func (h *AuthHandler) redirectURI(r *http.Request) string {
	return buildBaseURL(r) + "/auth/callback"
}

// buildBaseURL формирует базовый URL (scheme + host) из заголовков запроса.
// Учитывает X-Forwarded-* заголовки от reverse proxy.
func buildBaseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}

	host := r.Host
	if fwdHost := r.Header.Get("X-Forwarded-Host"); fwdHost != "" {
		host = fwdHost
	}

	return scheme + "://" + host
}
