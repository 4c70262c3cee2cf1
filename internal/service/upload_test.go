package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bigkaa/captionhub/internal/captionapi"
	"github.com/bigkaa/captionhub/internal/domain/model"
	"github.com/bigkaa/captionhub/internal/domain/pipeline"
)

// --- Фейковый Caption Service ---

// fakeCaptionService — httptest-сервер, имитирующий Caption Service и Object Store.
// Обработчики шагов можно переопределить; по умолчанию все шаги успешны.
type fakeCaptionService struct {
	t   *testing.T
	srv *httptest.Server

	mu    sync.Mutex
	calls []string
	puts  []string

	presignSeq atomic.Int32

	presign  http.HandlerFunc
	upload   http.HandlerFunc
	register http.HandlerFunc
	generate http.HandlerFunc
}

func newFakeCaptionService(t *testing.T) *fakeCaptionService {
	t.Helper()
	f := &fakeCaptionService{t: t}

	f.presign = func(w http.ResponseWriter, _ *http.Request) {
		n := f.presignSeq.Add(1)
		writeJSON(w, map[string]string{
			"presignedUrl": fmt.Sprintf("%s/upload/%d?sig=abc", f.srv.URL, n),
			"cdnUrl":       fmt.Sprintf("https://cdn.example.com/img-%d.png", n),
		})
	}
	f.upload = func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}
	f.register = func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]string{"imageId": "img-1"})
	}
	f.generate = func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[
			{"id":"11111111-1111-1111-1111-111111111111","content":"c1","created_datetime_utc":"2025-03-01T12:00:00Z"},
			{"id":"22222222-2222-2222-2222-222222222222","content":"c2","created_datetime_utc":"2025-03-01T12:00:01Z"}
		]`))
	}

	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeCaptionService) serve(w http.ResponseWriter, r *http.Request) {
	var step string
	var h http.HandlerFunc
	switch {
	case r.Method == http.MethodPost && r.URL.Path == captionapi.PathPresign:
		step, h = "presign", f.presign
	case r.Method == http.MethodPut && strings.HasPrefix(r.URL.Path, "/upload/"):
		step, h = "upload", f.upload
		f.mu.Lock()
		f.puts = append(f.puts, r.URL.Path)
		f.mu.Unlock()
	case r.Method == http.MethodPost && r.URL.Path == captionapi.PathRegister:
		step, h = "register", f.register
	case r.Method == http.MethodPost && r.URL.Path == captionapi.PathGenerate:
		step, h = "generate", f.generate
	default:
		f.t.Errorf("неожиданный запрос %s %s", r.Method, r.URL.Path)
		w.WriteHeader(http.StatusNotFound)
		return
	}

	if step != "upload" && r.Header.Get("Authorization") != "Bearer access-token" {
		f.t.Errorf("%s: Authorization = %q", step, r.Header.Get("Authorization"))
	}

	f.mu.Lock()
	f.calls = append(f.calls, step)
	f.mu.Unlock()

	h(w, r)
}

func (f *fakeCaptionService) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeCaptionService) Puts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.puts...)
}

func (f *fakeCaptionService) client(t *testing.T, maxRetries int) *captionapi.Client {
	t.Helper()
	c, err := captionapi.New(captionapi.Options{
		BaseURL:       f.srv.URL,
		Timeout:       2 * time.Second,
		UploadTimeout: 2 * time.Second,
		MaxRetries:    maxRetries,
		RetryInterval: time.Millisecond,
	}, discardLogger())
	if err != nil {
		t.Fatalf("captionapi.New(): %v", err)
	}
	return c
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// countingInvalidator считает сбросы кэша.
type countingInvalidator struct {
	n atomic.Int32
}

func (c *countingInvalidator) Invalidate() { c.n.Add(1) }

func testPrincipal(subject string) *model.Principal {
	return &model.Principal{Subject: subject, AccessToken: "access-token"}
}

func pngUpload() UploadRequest {
	return UploadRequest{Body: strings.NewReader("png-bytes"), ContentType: "image/png", Size: 9, Filename: "cat.png"}
}

func equalCalls(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// --- Тесты Orchestrator ---

// TestOrchestrator_HappyPath: presign → upload → register → generate → [c1, c2].
func TestOrchestrator_HappyPath(t *testing.T) {
	fake := newFakeCaptionService(t)
	var gotBody, gotType string
	fake.upload = func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotBody, gotType = string(body), r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusOK)
	}
	fake.register = func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req["imageUrl"] != "https://cdn.example.com/img-1.png" || req["isCommonUse"] != false {
			t.Errorf("register: тело = %v", req)
		}
		writeJSON(w, map[string]string{"imageId": "img-1"})
	}

	inv := &countingInvalidator{}
	o := NewOrchestrator(fake.client(t, 0), inv, discardLogger())

	res, err := o.Run(context.Background(), testPrincipal("user-1"), pngUpload())
	if err != nil {
		t.Fatalf("Run(): %v", err)
	}

	if len(res.Captions) != 2 || res.Captions[0].Content != "c1" || res.Captions[1].Content != "c2" {
		t.Fatalf("Captions = %+v, ожидается [c1 c2]", res.Captions)
	}
	if res.ImageID != "img-1" {
		t.Errorf("ImageID = %q", res.ImageID)
	}
	if want := []string{"presign", "upload", "register", "generate"}; !equalCalls(fake.Calls(), want) {
		t.Errorf("вызовы = %v, ожидается %v", fake.Calls(), want)
	}
	if gotBody != "png-bytes" || gotType != "image/png" {
		t.Errorf("upload: тело %q, Content-Type %q", gotBody, gotType)
	}
	if inv.n.Load() != 1 {
		t.Errorf("Invalidate() вызван %d раз, ожидается 1", inv.n.Load())
	}
	if last := res.History[len(res.History)-1]; last.To != pipeline.StateDone {
		t.Errorf("последнее состояние = %s, ожидается done", last.To)
	}
	if o.inflight.active() != 0 {
		t.Errorf("после завершения активных загрузок: %d", o.inflight.active())
	}
}

// TestOrchestrator_EmptyCaptions: пустой ответ generate — успех с пустым списком.
func TestOrchestrator_EmptyCaptions(t *testing.T) {
	fake := newFakeCaptionService(t)
	fake.generate = func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	}

	res, err := NewOrchestrator(fake.client(t, 0), nil, discardLogger()).
		Run(context.Background(), testPrincipal("user-1"), pngUpload())
	if err != nil {
		t.Fatalf("Run(): %v", err)
	}
	if res.Captions == nil || len(res.Captions) != 0 {
		t.Errorf("Captions = %#v, ожидается пустой срез", res.Captions)
	}
}

// TestOrchestrator_StepFailureAborts: не-2xx на любом шаге прерывает конвейер
// с ошибкой этого шага, последующие шаги не вызываются.
func TestOrchestrator_StepFailureAborts(t *testing.T) {
	tests := []struct {
		step    string
		kind    error
		before  []string
		setFail func(f *fakeCaptionService, h http.HandlerFunc)
	}{
		{"presign", pipeline.ErrPresign, []string{"presign"},
			func(f *fakeCaptionService, h http.HandlerFunc) { f.presign = h }},
		{"upload", pipeline.ErrUpload, []string{"presign", "upload"},
			func(f *fakeCaptionService, h http.HandlerFunc) { f.upload = h }},
		{"register", pipeline.ErrRegistration, []string{"presign", "upload", "register"},
			func(f *fakeCaptionService, h http.HandlerFunc) { f.register = h }},
		{"generate", pipeline.ErrGeneration, []string{"presign", "upload", "register", "generate"},
			func(f *fakeCaptionService, h http.HandlerFunc) { f.generate = h }},
	}

	for _, tt := range tests {
		t.Run(tt.step, func(t *testing.T) {
			fake := newFakeCaptionService(t)
			tt.setFail(fake, func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				_, _ = w.Write([]byte(`{"message":"denied at ` + tt.step + `"}`))
			})
			inv := &countingInvalidator{}

			res, err := NewOrchestrator(fake.client(t, 2), inv, discardLogger()).
				Run(context.Background(), testPrincipal("user-1"), pngUpload())

			if res != nil {
				t.Errorf("при ошибке не должно быть частичного результата: %+v", res)
			}
			if !errors.Is(err, tt.kind) {
				t.Fatalf("ошибка = %v, ожидается %v", err, tt.kind)
			}
			for _, other := range tests {
				if other.step != tt.step && errors.Is(err, other.kind) {
					t.Errorf("ошибка не должна совпадать с %v", other.kind)
				}
			}

			var stepErr *pipeline.StepError
			if !errors.As(err, &stepErr) {
				t.Fatalf("ожидается *pipeline.StepError, получено %T", err)
			}
			if stepErr.StatusCode != http.StatusForbidden {
				t.Errorf("StatusCode = %d", stepErr.StatusCode)
			}
			if stepErr.Message != "denied at "+tt.step {
				t.Errorf("Message = %q", stepErr.Message)
			}
			if !equalCalls(fake.Calls(), tt.before) {
				t.Errorf("вызовы = %v, ожидается %v", fake.Calls(), tt.before)
			}
			if inv.n.Load() != 0 {
				t.Error("кэш не должен сбрасываться при ошибке")
			}
		})
	}
}

// TestOrchestrator_UploadErrorThenFreshRun: после UploadError новый запуск
// с новым presigned URL проходит независимо.
func TestOrchestrator_UploadErrorThenFreshRun(t *testing.T) {
	fake := newFakeCaptionService(t)
	var uploads atomic.Int32
	fake.upload = func(w http.ResponseWriter, _ *http.Request) {
		if uploads.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}

	o := NewOrchestrator(fake.client(t, 3), nil, discardLogger())

	_, err := o.Run(context.Background(), testPrincipal("user-1"), pngUpload())
	if !errors.Is(err, pipeline.ErrUpload) {
		t.Fatalf("первый запуск: %v, ожидается ErrUpload", err)
	}
	if want := []string{"presign", "upload"}; !equalCalls(fake.Calls(), want) {
		t.Fatalf("вызовы = %v, 503 на upload не должен повторяться", fake.Calls())
	}

	res, err := o.Run(context.Background(), testPrincipal("user-1"), pngUpload())
	if err != nil {
		t.Fatalf("второй запуск: %v", err)
	}
	if len(res.Captions) != 2 {
		t.Errorf("Captions = %d, ожидается 2", len(res.Captions))
	}

	puts := fake.Puts()
	if len(puts) != 2 || puts[0] == puts[1] {
		t.Errorf("каждый запуск должен загружать по своему presigned URL: %v", puts)
	}
}

// TestOrchestrator_StatusNotRetried: ответ 5xx завершает шаг с первой попытки.
func TestOrchestrator_StatusNotRetried(t *testing.T) {
	fake := newFakeCaptionService(t)
	fake.presign = func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	_, err := NewOrchestrator(fake.client(t, 2), nil, discardLogger()).
		Run(context.Background(), testPrincipal("user-1"), pngUpload())
	if !errors.Is(err, pipeline.ErrPresign) {
		t.Fatalf("ожидается ErrPresign, получено %v", err)
	}
	if want := []string{"presign"}; !equalCalls(fake.Calls(), want) {
		t.Errorf("вызовы = %v, ожидается %v", fake.Calls(), want)
	}
}

// TestOrchestrator_TimeoutRetried: таймаут попытки повторяется для шагов 1, 3, 4.
func TestOrchestrator_TimeoutRetried(t *testing.T) {
	fake := newFakeCaptionService(t)
	stallOnce := func(next http.HandlerFunc) http.HandlerFunc {
		var n atomic.Int32
		return func(w http.ResponseWriter, r *http.Request) {
			if n.Add(1) == 1 {
				select {
				case <-r.Context().Done():
				case <-time.After(time.Second):
				}
				return
			}
			next(w, r)
		}
	}
	fake.presign = stallOnce(fake.presign)
	fake.register = stallOnce(fake.register)
	fake.generate = stallOnce(fake.generate)

	client, err := captionapi.New(captionapi.Options{
		BaseURL:       fake.srv.URL,
		Timeout:       50 * time.Millisecond,
		UploadTimeout: 2 * time.Second,
		MaxRetries:    1,
		RetryInterval: time.Millisecond,
	}, discardLogger())
	if err != nil {
		t.Fatalf("captionapi.New(): %v", err)
	}

	res, err := NewOrchestrator(client, nil, discardLogger()).
		Run(context.Background(), testPrincipal("user-1"), pngUpload())
	if err != nil {
		t.Fatalf("Run(): %v", err)
	}
	if len(res.Captions) != 2 {
		t.Errorf("Captions = %d", len(res.Captions))
	}
	want := []string{"presign", "presign", "upload", "register", "register", "generate", "generate"}
	if !equalCalls(fake.Calls(), want) {
		t.Errorf("вызовы = %v, ожидается %v", fake.Calls(), want)
	}
}

func TestOrchestrator_InvalidInput(t *testing.T) {
	fake := newFakeCaptionService(t)
	o := NewOrchestrator(fake.client(t, 0), nil, discardLogger())

	tests := []struct {
		name      string
		principal *model.Principal
		req       UploadRequest
	}{
		{"нет файла", testPrincipal("u"), UploadRequest{ContentType: "image/png"}},
		{"нет MIME-типа", testPrincipal("u"), UploadRequest{Body: strings.NewReader("x")}},
		{"нет сессии", nil, pngUpload()},
		{"нет токена", &model.Principal{Subject: "u"}, pngUpload()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := o.Run(context.Background(), tt.principal, tt.req)
			if !errors.Is(err, ErrInvalidInput) {
				t.Errorf("ошибка = %v, ожидается ErrInvalidInput", err)
			}
		})
	}
	if len(fake.Calls()) != 0 {
		t.Errorf("вызовы = %v, ожидается ни одного", fake.Calls())
	}
}

// TestOrchestrator_Cancellation: отмена во время register останавливает конвейер,
// generate не вызывается.
func TestOrchestrator_Cancellation(t *testing.T) {
	fake := newFakeCaptionService(t)
	registerStarted := make(chan struct{})
	fake.register = func(_ http.ResponseWriter, r *http.Request) {
		close(registerStarted)
		_, _ = io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-registerStarted
		cancel()
	}()

	_, err := NewOrchestrator(fake.client(t, 3), nil, discardLogger()).
		Run(ctx, testPrincipal("user-1"), pngUpload())

	if !errors.Is(err, context.Canceled) {
		t.Errorf("ошибка = %v, ожидается context.Canceled", err)
	}
	if !errors.Is(err, pipeline.ErrRegistration) {
		t.Errorf("ошибка = %v, ожидается шаг register", err)
	}
	if errors.Is(err, ErrUploadSuperseded) {
		t.Error("обычная отмена не является вытеснением")
	}
	for _, c := range fake.Calls() {
		if c == "generate" {
			t.Error("generate не должен вызываться после отмены")
		}
	}
}

// TestOrchestrator_Superseded: новая загрузка пользователя отменяет предыдущую.
func TestOrchestrator_Superseded(t *testing.T) {
	fake := newFakeCaptionService(t)
	firstRegister := make(chan struct{})
	var registers atomic.Int32
	fake.register = func(w http.ResponseWriter, r *http.Request) {
		if registers.Add(1) == 1 {
			close(firstRegister)
			_, _ = io.Copy(io.Discard, r.Body)
			<-r.Context().Done()
			return
		}
		writeJSON(w, map[string]string{"imageId": "img-2"})
	}

	o := NewOrchestrator(fake.client(t, 0), nil, discardLogger())

	firstErr := make(chan error, 1)
	go func() {
		_, err := o.Run(context.Background(), testPrincipal("user-1"), pngUpload())
		firstErr <- err
	}()

	<-firstRegister
	res, err := o.Run(context.Background(), testPrincipal("user-1"), pngUpload())
	if err != nil {
		t.Fatalf("вторая загрузка: %v", err)
	}
	if res.ImageID != "img-2" {
		t.Errorf("ImageID = %q", res.ImageID)
	}

	select {
	case err := <-firstErr:
		if !errors.Is(err, ErrUploadSuperseded) {
			t.Errorf("первая загрузка: %v, ожидается ErrUploadSuperseded", err)
		}
		if !errors.Is(err, pipeline.ErrRegistration) {
			t.Errorf("первая загрузка: %v, ожидается шаг register", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("первая загрузка не завершилась")
	}
}

// TestOrchestrator_DifferentPrincipalsIndependent: загрузки разных
// пользователей не отменяют друг друга.
func TestOrchestrator_DifferentPrincipalsIndependent(t *testing.T) {
	fake := newFakeCaptionService(t)
	release := make(chan struct{})
	firstRegister := make(chan struct{})
	var registers atomic.Int32
	fake.register = func(w http.ResponseWriter, _ *http.Request) {
		if registers.Add(1) == 1 {
			close(firstRegister)
			<-release
		}
		writeJSON(w, map[string]string{"imageId": "img"})
	}

	o := NewOrchestrator(fake.client(t, 0), nil, discardLogger())

	firstErr := make(chan error, 1)
	go func() {
		_, err := o.Run(context.Background(), testPrincipal("user-1"), pngUpload())
		firstErr <- err
	}()

	<-firstRegister
	if _, err := o.Run(context.Background(), testPrincipal("user-2"), pngUpload()); err != nil {
		t.Fatalf("загрузка user-2: %v", err)
	}
	close(release)

	if err := <-firstErr; err != nil {
		t.Errorf("загрузка user-1: %v", err)
	}
}
