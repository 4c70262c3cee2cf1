package captionapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(t *testing.T, baseURL string, maxRetries int) *Client {
	t.Helper()
	c, err := New(Options{
		BaseURL:       baseURL,
		Timeout:       2 * time.Second,
		UploadTimeout: 2 * time.Second,
		MaxRetries:    maxRetries,
		RetryInterval: time.Millisecond,
	}, testLogger())
	if err != nil {
		t.Fatalf("New(): %v", err)
	}
	return c
}

func TestPresign_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != PathPresign {
			t.Errorf("неожиданный запрос %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q", got)
		}
		if got := r.Header.Get("Content-Type"); got != "application/json" {
			t.Errorf("Content-Type = %q", got)
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["contentType"] != "image/png" {
			t.Errorf("contentType = %v", body["contentType"])
		}
		_, _ = w.Write([]byte(`{"presignedUrl":"http://store/put","cdnUrl":"http://cdn/img.png"}`))
	}))
	defer srv.Close()

	target, err := newTestClient(t, srv.URL+"/", 0).Presign(context.Background(), "tok", "image/png")
	if err != nil {
		t.Fatalf("Presign(): %v", err)
	}
	if target.PresignedURL != "http://store/put" || target.CDNURL != "http://cdn/img.png" {
		t.Errorf("target = %+v", target)
	}
}

func TestPresign_MissingFields(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"presignedUrl":"http://store/put"}`))
	}))
	defer srv.Close()

	if _, err := newTestClient(t, srv.URL, 0).Presign(context.Background(), "tok", "image/png"); err == nil {
		t.Error("Presign() без cdnUrl должен вернуть ошибку")
	}
}

func TestPostJSON_NoRetryOnStatus(t *testing.T) {
	for _, status := range []int{http.StatusServiceUnavailable, http.StatusInternalServerError, http.StatusTooManyRequests} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				calls.Add(1)
				w.WriteHeader(status)
			}))
			defer srv.Close()

			c := newTestClient(t, srv.URL, 2)
			ctx := context.Background()

			_, err := c.Presign(ctx, "tok", "image/png")
			var apiErr *APIError
			if !errors.As(err, &apiErr) || apiErr.StatusCode != status {
				t.Fatalf("Presign(): ожидается APIError %d, получено %v", status, err)
			}
			if _, err := c.Register(ctx, "tok", "http://cdn/img.png"); !errors.As(err, &apiErr) {
				t.Fatalf("Register(): ожидается APIError, получено %v", err)
			}
			if _, err := c.GenerateCaptions(ctx, "tok", "img-1"); !errors.As(err, &apiErr) {
				t.Fatalf("GenerateCaptions(): ожидается APIError, получено %v", err)
			}
			if calls.Load() != 3 {
				t.Errorf("вызовов = %d, ожидается по одному на шаг (HTTP-статус не повторяется)", calls.Load())
			}
		})
	}
}

func TestPostJSON_TimeoutRetriesExhausted(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	c, _ := New(Options{BaseURL: srv.URL, Timeout: 30 * time.Millisecond, MaxRetries: 2, RetryInterval: time.Millisecond}, testLogger())
	_, err := c.Presign(context.Background(), "tok", "image/png")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("ожидается таймаут попытки, получено %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("вызовов = %d, ожидается 3 (1 + 2 повтора)", calls.Load())
	}
}

func TestPostJSON_TransportErrorRetried(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	url := srv.URL
	srv.Close()

	var attempts atomic.Int32
	c, _ := New(Options{
		BaseURL:       url,
		MaxRetries:    2,
		RetryInterval: time.Millisecond,
		HTTPClient: &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
			attempts.Add(1)
			return http.DefaultTransport.RoundTrip(r)
		})},
	}, testLogger())

	if _, err := c.Register(context.Background(), "tok", "http://cdn/img.png"); err == nil {
		t.Fatal("ожидается ошибка соединения")
	}
	if attempts.Load() != 3 {
		t.Errorf("попыток = %d, ожидается 3", attempts.Load())
	}
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func TestPostJSON_NoRetryOn4xx(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"unsupported content type"}}`))
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL, 3).Presign(context.Background(), "tok", "text/plain")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("ожидается APIError, получено %v", err)
	}
	if apiErr.Message != "unsupported content type" {
		t.Errorf("Message = %q", apiErr.Message)
	}
	if calls.Load() != 1 {
		t.Errorf("вызовов = %d, 4xx не повторяется", calls.Load())
	}
}

func TestPostJSON_TimeoutRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			select {
			case <-r.Context().Done():
			case <-time.After(time.Second):
			}
			return
		}
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	c, _ := New(Options{BaseURL: srv.URL, Timeout: 50 * time.Millisecond, MaxRetries: 1, RetryInterval: time.Millisecond}, testLogger())
	captions, err := c.GenerateCaptions(context.Background(), "tok", "img-1")
	if err != nil {
		t.Fatalf("GenerateCaptions(): %v", err)
	}
	if len(captions) != 0 {
		t.Errorf("ожидается пустой список, получено %d", len(captions))
	}
	if calls.Load() != 2 {
		t.Errorf("вызовов = %d, ожидается 2", calls.Load())
	}
}

func TestPostJSON_ParentCancelStopsRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestClient(t, srv.URL, 5).Register(ctx, "tok", "http://cdn/img.png")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("ожидается context.Canceled, получено %v", err)
	}
	if calls.Load() > 1 {
		t.Errorf("вызовов = %d, после отмены повторов быть не должно", calls.Load())
	}
}

func TestRegister_NumericImageID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["imageUrl"] != "http://cdn/img.png" || body["isCommonUse"] != false {
			t.Errorf("тело запроса = %v", body)
		}
		_, _ = w.Write([]byte(`{"imageId":42}`))
	}))
	defer srv.Close()

	id, err := newTestClient(t, srv.URL, 0).Register(context.Background(), "tok", "http://cdn/img.png")
	if err != nil {
		t.Fatalf("Register(): %v", err)
	}
	if id != "42" {
		t.Errorf("imageId = %q, ожидается 42", id)
	}
}

func TestGenerateCaptions_Formats(t *testing.T) {
	tests := []struct {
		name string
		body string
		want []string
	}{
		{"массив", `[{"id":"11111111-1111-1111-1111-111111111111","content":"c1","created_datetime_utc":"2025-01-01T10:00:00Z"},{"id":"22222222-2222-2222-2222-222222222222","content":"c2","created_datetime_utc":"2025-01-01T10:00:01Z"}]`, []string{"c1", "c2"}},
		{"конверт", `{"captions":[{"id":"11111111-1111-1111-1111-111111111111","content":"only"}]}`, []string{"only"}},
		{"пусто", `[]`, nil},
		{"null", `null`, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != PathGenerate {
					t.Errorf("path = %s", r.URL.Path)
				}
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			captions, err := newTestClient(t, srv.URL, 0).GenerateCaptions(context.Background(), "tok", "img-1")
			if err != nil {
				t.Fatalf("GenerateCaptions(): %v", err)
			}
			if len(captions) != len(tt.want) {
				t.Fatalf("получено %d подписей, ожидается %d", len(captions), len(tt.want))
			}
			for i, c := range captions {
				if c.Content != tt.want[i] {
					t.Errorf("captions[%d] = %q, ожидается %q", i, c.Content, tt.want[i])
				}
			}
		})
	}
}

func TestGenerateCaptions_Timestamps(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[
			{"id":"11111111-1111-1111-1111-111111111111","content":"без зоны","created_datetime_utc":"2025-03-01T12:00:00.123456"},
			{"id":"22222222-2222-2222-2222-222222222222","content":"postgres","created_datetime_utc":"2025-03-01 12:00:00.5+00"},
			{"id":"33333333-3333-3333-3333-333333333333","content":"мусор","created_datetime_utc":"вчера","image_id":7}
		]`))
	}))
	defer srv.Close()

	captions, err := newTestClient(t, srv.URL, 0).GenerateCaptions(context.Background(), "tok", "img-1")
	if err != nil {
		t.Fatalf("GenerateCaptions(): %v", err)
	}
	if len(captions) != 3 {
		t.Fatalf("получено %d подписей, ожидается 3", len(captions))
	}

	want := time.Date(2025, 3, 1, 12, 0, 0, 123456000, time.UTC)
	if !captions[0].CreatedAt.Equal(want) {
		t.Errorf("CreatedAt без зоны = %v, ожидается %v", captions[0].CreatedAt, want)
	}
	if want := time.Date(2025, 3, 1, 12, 0, 0, 500000000, time.UTC); !captions[1].CreatedAt.Equal(want) {
		t.Errorf("CreatedAt postgres = %v, ожидается %v", captions[1].CreatedAt, want)
	}
	if !captions[2].CreatedAt.IsZero() {
		t.Errorf("нераспознанное время должно давать нулевое значение: %v", captions[2].CreatedAt)
	}
	if captions[2].ImageID == nil || *captions[2].ImageID != "7" {
		t.Errorf("ImageID = %v, ожидается 7", captions[2].ImageID)
	}
}

func TestGenerateCaptions_NonUUIDMalformed(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`[{"id":"cap-1","content":"c1"}]`))
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL, 2).GenerateCaptions(context.Background(), "tok", "img-1")
	if !errors.Is(err, ErrMalformedResponse) {
		t.Fatalf("ожидается ErrMalformedResponse, получено %v", err)
	}
	if !strings.Contains(err.Error(), "cap-1") {
		t.Errorf("сообщение должно называть id: %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("вызовов = %d, некорректный ответ не повторяется", calls.Load())
	}
}

func TestGenerateCaptions_InvalidJSONNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"captions": "oops"`))
	}))
	defer srv.Close()

	if _, err := newTestClient(t, srv.URL, 3).GenerateCaptions(context.Background(), "tok", "img"); err == nil {
		t.Error("ожидается ошибка декодирования")
	}
	if calls.Load() != 1 {
		t.Errorf("вызовов = %d, некорректный JSON не повторяется", calls.Load())
	}
}

func TestUpload_SingleUse(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Method != http.MethodPut {
			t.Errorf("метод = %s", r.Method)
		}
		if r.Header.Get("Authorization") != "" {
			t.Error("Upload не должен передавать Authorization")
		}
		if got := r.Header.Get("Content-Type"); got != "image/jpeg" {
			t.Errorf("Content-Type = %q", got)
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != "jpeg-bytes" {
			t.Errorf("тело = %q", body)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(t, "http://unused", 3)
	target := &PresignedTarget{PresignedURL: srv.URL + "/bucket/key?sig=1", CDNURL: "http://cdn/key"}

	if err := c.Upload(context.Background(), target, "image/jpeg", strings.NewReader("jpeg-bytes"), 10); err != nil {
		t.Fatalf("Upload(): %v", err)
	}
	err := c.Upload(context.Background(), target, "image/jpeg", strings.NewReader("jpeg-bytes"), 10)
	if !errors.Is(err, ErrTargetConsumed) {
		t.Errorf("повторный Upload() = %v, ожидается ErrTargetConsumed", err)
	}
	if calls.Load() != 1 {
		t.Errorf("вызовов = %d, ожидается 1", calls.Load())
	}
}

func TestUpload_FailureNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("SlowDown"))
	}))
	defer srv.Close()

	c := newTestClient(t, "http://unused", 5)
	target := &PresignedTarget{PresignedURL: srv.URL, CDNURL: "http://cdn/key"}

	err := c.Upload(context.Background(), target, "image/png", strings.NewReader("x"), 1)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("ожидается APIError 503, получено %v", err)
	}
	if apiErr.Message != "SlowDown" {
		t.Errorf("Message = %q", apiErr.Message)
	}
	if calls.Load() != 1 {
		t.Errorf("вызовов = %d, загрузка не повторяется", calls.Load())
	}
	if err := c.Upload(context.Background(), target, "image/png", strings.NewReader("x"), 1); !errors.Is(err, ErrTargetConsumed) {
		t.Errorf("неудачная загрузка тоже расходует target: %v", err)
	}
}

func TestParseErrorMessage(t *testing.T) {
	tests := []struct {
		body string
		want string
	}{
		{`{"message":"bad token"}`, "bad token"},
		{`{"error":"forbidden"}`, "forbidden"},
		{`{"error":{"message":"nested"}}`, "nested"},
		{`{"detail":"not found"}`, "not found"},
		{`{"code":42}`, ""},
		{`plain text error`, "plain text error"},
		{`<html><body>502</body></html>`, ""},
		{``, ""},
		{strings.Repeat("a", 300), strings.Repeat("a", 200) + "..."},
	}

	for _, tt := range tests {
		if got := parseErrorMessage([]byte(tt.body)); got != tt.want {
			t.Errorf("parseErrorMessage(%.30q) = %q, ожидается %q", tt.body, got, tt.want)
		}
	}
}
