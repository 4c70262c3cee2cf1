// Пакет middleware — cookie-сессии пользователей для API captionhub.
// session.go — извлечение principal из сессии, авто-refresh токенов.
package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/bigkaa/captionhub/internal/domain/model"
	"github.com/bigkaa/captionhub/internal/ui/auth"
)

// TokenRefresher — обновление токенов через refresh token (auth.OIDCClient).
type TokenRefresher interface {
	RefreshTokens(ctx context.Context, refreshToken string) (*auth.TokenResponse, error)
}

// SessionPrincipals извлекает principal из зашифрованного cookie и при
// необходимости обновляет access token через IdP.
// Реализует api/middleware.SessionAuthenticator.
type SessionPrincipals struct {
	sessionManager *auth.SessionManager
	refresher      TokenRefresher
	// Конкурентные запросы одной сессии обновляют токен один раз:
	// IdP может отзывать повторно использованный refresh token.
	refreshGroup singleflight.Group
	logger       *slog.Logger
}

// NewSessionPrincipals создаёт источник principal из cookie-сессий.
func NewSessionPrincipals(sessionManager *auth.SessionManager, refresher TokenRefresher, logger *slog.Logger) *SessionPrincipals {
	return &SessionPrincipals{
		sessionManager: sessionManager,
		refresher:      refresher,
		logger:         logger.With(slog.String("component", "ui_session")),
	}
}

// Authenticate возвращает principal из cookie-сессии запроса.
// nil, nil — cookie отсутствует. Повреждённый cookie очищается.
func (sp *SessionPrincipals) Authenticate(w http.ResponseWriter, r *http.Request) (*model.Principal, error) {
	session, err := sp.sessionManager.GetSessionFromRequest(r)
	if err != nil {
		sp.sessionManager.ClearSessionCookie(w)
		return nil, fmt.Errorf("чтение сессии: %w", err)
	}
	if session == nil {
		return nil, nil
	}

	if session.IsExpired() {
		refreshed, err := sp.refresh(r.Context(), session)
		if err != nil {
			sp.logger.Info("Не удалось обновить сессию",
				slog.String("username", session.Username),
				slog.String("error", err.Error()),
			)
			sp.sessionManager.ClearSessionCookie(w)
			return nil, fmt.Errorf("обновление сессии: %w", err)
		}

		if err := sp.sessionManager.SetSessionCookie(w, refreshed); err != nil {
			return nil, fmt.Errorf("запись session cookie: %w", err)
		}
		session = refreshed
		sp.logger.Debug("Сессия обновлена через refresh token",
			slog.String("username", session.Username),
		)
	}

	return session.Principal(), nil
}

// refresh обновляет токены сессии, сохраняя данные пользователя.
func (sp *SessionPrincipals) refresh(ctx context.Context, session *auth.SessionData) (*auth.SessionData, error) {
	if session.RefreshToken == "" {
		return nil, fmt.Errorf("refresh token отсутствует")
	}

	v, err, _ := sp.refreshGroup.Do(session.RefreshToken, func() (any, error) {
		return sp.refresher.RefreshTokens(context.WithoutCancel(ctx), session.RefreshToken)
	})
	if err != nil {
		return nil, err
	}
	tokens := v.(*auth.TokenResponse)

	refreshToken := tokens.RefreshToken
	if refreshToken == "" {
		refreshToken = session.RefreshToken
	}
	return &auth.SessionData{
		Subject:      session.Subject,
		AccessToken:  tokens.AccessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(tokens.ExpiresIn) * time.Second).Unix(),
		Username:     session.Username,
		Email:        session.Email,
	}, nil
}
