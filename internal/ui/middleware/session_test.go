package middleware

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bigkaa/captionhub/internal/ui/auth"
)

type mockRefresher struct {
	calls atomic.Int32
	delay time.Duration
	resp  *auth.TokenResponse
	err   error
}

func (m *mockRefresher) RefreshTokens(context.Context, string) (*auth.TokenResponse, error) {
	m.calls.Add(1)
	time.Sleep(m.delay)
	return m.resp, m.err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// requestWithSession шифрует сессию в cookie запроса.
func requestWithSession(t *testing.T, sm *auth.SessionManager, s *auth.SessionData) *http.Request {
	t.Helper()
	rec := httptest.NewRecorder()
	if err := sm.SetSessionCookie(rec, s); err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodGet, "/api/v1/captions", nil)
	for _, c := range rec.Result().Cookies() {
		req.AddCookie(c)
	}
	return req
}

func session(expiresIn time.Duration) *auth.SessionData {
	return &auth.SessionData{
		Subject:      "user-1",
		AccessToken:  "at-old",
		RefreshToken: "rt-old",
		ExpiresAt:    time.Now().Add(expiresIn).Unix(),
		Username:     "alice",
	}
}

func TestAuthenticate_NoCookie(t *testing.T) {
	sm, _ := auth.NewSessionManager("", false)
	sp := NewSessionPrincipals(sm, &mockRefresher{}, discardLogger())

	p, err := sp.Authenticate(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if p != nil || err != nil {
		t.Errorf("ожидается nil, nil; получено %+v, %v", p, err)
	}
}

func TestAuthenticate_ValidSession(t *testing.T) {
	sm, _ := auth.NewSessionManager("", false)
	refresher := &mockRefresher{}
	sp := NewSessionPrincipals(sm, refresher, discardLogger())

	p, err := sp.Authenticate(httptest.NewRecorder(), requestWithSession(t, sm, session(time.Hour)))
	if err != nil {
		t.Fatal(err)
	}
	if p.Subject != "user-1" || p.AccessToken != "at-old" {
		t.Errorf("principal = %+v", p)
	}
	if refresher.calls.Load() != 0 {
		t.Error("refresh не должен вызываться для действующей сессии")
	}
}

func TestAuthenticate_CorruptedCookie(t *testing.T) {
	sm, _ := auth.NewSessionManager("", false)
	sp := NewSessionPrincipals(sm, &mockRefresher{}, discardLogger())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: auth.SessionCookieName, Value: "garbage"})
	rec := httptest.NewRecorder()

	if _, err := sp.Authenticate(rec, req); err == nil {
		t.Fatal("ожидается ошибка")
	}
	cookies := rec.Result().Cookies()
	if len(cookies) != 1 || cookies[0].MaxAge >= 0 {
		t.Errorf("повреждённый cookie должен очищаться: %+v", cookies)
	}
}

func TestAuthenticate_Refresh(t *testing.T) {
	sm, _ := auth.NewSessionManager("", false)
	refresher := &mockRefresher{resp: &auth.TokenResponse{AccessToken: "at-new", RefreshToken: "rt-new", ExpiresIn: 300}}
	sp := NewSessionPrincipals(sm, refresher, discardLogger())

	rec := httptest.NewRecorder()
	p, err := sp.Authenticate(rec, requestWithSession(t, sm, session(-time.Minute)))
	if err != nil {
		t.Fatal(err)
	}
	if p.AccessToken != "at-new" || p.Subject != "user-1" {
		t.Errorf("principal = %+v", p)
	}

	// Обновлённая сессия записана в cookie
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	for _, c := range rec.Result().Cookies() {
		req.AddCookie(c)
	}
	stored, err := sm.GetSessionFromRequest(req)
	if err != nil || stored == nil {
		t.Fatalf("обновлённая сессия не записана: %v", err)
	}
	if stored.RefreshToken != "rt-new" || stored.AccessToken != "at-new" {
		t.Errorf("stored = %+v", stored)
	}
}

func TestAuthenticate_RefreshFailed(t *testing.T) {
	sm, _ := auth.NewSessionManager("", false)
	sp := NewSessionPrincipals(sm, &mockRefresher{err: errors.New("invalid_grant")}, discardLogger())

	rec := httptest.NewRecorder()
	if _, err := sp.Authenticate(rec, requestWithSession(t, sm, session(-time.Minute))); err == nil {
		t.Fatal("ожидается ошибка")
	}
	cookies := rec.Result().Cookies()
	if len(cookies) != 1 || cookies[0].MaxAge >= 0 {
		t.Errorf("сессия должна очищаться: %+v", cookies)
	}
}

func TestAuthenticate_ConcurrentRefreshCollapsed(t *testing.T) {
	sm, _ := auth.NewSessionManager("", false)
	refresher := &mockRefresher{
		delay: 200 * time.Millisecond,
		resp:  &auth.TokenResponse{AccessToken: "at-new", RefreshToken: "rt-new", ExpiresIn: 300},
	}
	sp := NewSessionPrincipals(sm, refresher, discardLogger())
	expired := session(-time.Minute)

	reqs := make([]*http.Request, 5)
	for i := range reqs {
		reqs[i] = requestWithSession(t, sm, expired)
	}

	var wg sync.WaitGroup
	for _, req := range reqs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := sp.Authenticate(httptest.NewRecorder(), req); err != nil {
				t.Errorf("Authenticate(): %v", err)
			}
		}()
	}
	wg.Wait()

	if refresher.calls.Load() != 1 {
		t.Errorf("RefreshTokens вызван %d раз, ожидается 1", refresher.calls.Load())
	}
}
