// Пакет captionapi — HTTP-клиент Caption Service.
//
// Четыре вызова конвейера загрузки:
//   - Presign: POST /pipeline/generate-presigned-url
//   - Upload: PUT по presigned URL (без авторизации, одна попытка)
//   - Register: POST /pipeline/upload-image-from-url
//   - GenerateCaptions: POST /pipeline/generate-captions
//
// Presign, Register и GenerateCaptions идемпотентны и повторяются с
// экспоненциальным backoff только при транспортных ошибках и таймауте попытки.
// Не-2xx ответ завершает шаг сразу.
package captionapi

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/captionhub/internal/domain/model"
)

// Пути Caption Service.
const (
	PathPresign  = "/pipeline/generate-presigned-url"
	PathRegister = "/pipeline/upload-image-from-url"
	PathGenerate = "/pipeline/generate-captions"
)

// maxErrorBody — сколько байт тела ответа читать для сообщения об ошибке.
const maxErrorBody = 4096

// ErrMalformedResponse — ответ 2xx, тело которого нельзя разобрать.
var ErrMalformedResponse = errors.New("некорректный ответ Caption Service")

// ErrTargetConsumed — PresignedTarget уже использован для загрузки.
var ErrTargetConsumed = errors.New("presigned URL уже использован")

var retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ch_caption_api_retries_total",
	Help: "Количество повторных запросов к Caption Service",
}, []string{"operation"})

// Options — параметры клиента.
type Options struct {
	// BaseURL — базовый URL Caption Service
	BaseURL string
	// CACertPath — путь к CA-сертификату (пусто — системный пул)
	CACertPath string
	// Timeout — таймаут одной попытки presign/register/generate
	Timeout time.Duration
	// UploadTimeout — таймаут загрузки файла
	UploadTimeout time.Duration
	// MaxRetries — количество повторов идемпотентных вызовов после таймаута или сбоя соединения
	MaxRetries int
	// RetryInterval — начальный интервал backoff
	RetryInterval time.Duration
	// HTTPClient — готовый HTTP-клиент (для тестов); CACertPath тогда игнорируется
	HTTPClient *http.Client
}

// Client — HTTP-клиент Caption Service. Безопасен для конкурентного использования.
type Client struct {
	httpClient    *http.Client
	baseURL       string
	timeout       time.Duration
	uploadTimeout time.Duration
	maxRetries    int
	retryInterval time.Duration
	logger        *slog.Logger
}

// New создаёт клиент Caption Service.
func New(opts Options, logger *slog.Logger) (*Client, error) {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		transport := &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConnsPerHost: 10,
		}
		if opts.CACertPath != "" {
			tlsConfig, err := buildTLSConfig(opts.CACertPath)
			if err != nil {
				return nil, fmt.Errorf("загрузка CA-сертификата Caption Service: %w", err)
			}
			transport.TLSClientConfig = tlsConfig
			logger.Info("CA-сертификат Caption Service добавлен в пул доверия",
				slog.String("ca_cert", opts.CACertPath),
			)
		}
		// Таймауты задаются на каждую попытку через context
		httpClient = &http.Client{Transport: transport}
	}

	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.UploadTimeout <= 0 {
		opts.UploadTimeout = 2 * time.Minute
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 500 * time.Millisecond
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}

	return &Client{
		httpClient:    httpClient,
		baseURL:       strings.TrimRight(opts.BaseURL, "/"),
		timeout:       opts.Timeout,
		uploadTimeout: opts.UploadTimeout,
		maxRetries:    opts.MaxRetries,
		retryInterval: opts.RetryInterval,
		logger:        logger.With(slog.String("component", "caption_api")),
	}, nil
}

// BaseURL возвращает базовый URL Caption Service.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// PresignedTarget — адрес однократной загрузки и постоянный CDN-адрес.
type PresignedTarget struct {
	// PresignedURL — URL для одного PUT (capability, без авторизации)
	PresignedURL string `json:"presignedUrl"`
	// CDNURL — постоянный адрес чтения
	CDNURL string `json:"cdnUrl"`

	consumed atomic.Bool
}

// Presign запрашивает presigned URL для загрузки файла типа contentType.
func (c *Client) Presign(ctx context.Context, token, contentType string) (*PresignedTarget, error) {
	req := struct {
		ContentType string `json:"contentType"`
	}{ContentType: contentType}

	target := &PresignedTarget{}
	if err := c.postJSON(ctx, "presign", PathPresign, token, req, target); err != nil {
		return nil, err
	}
	if target.PresignedURL == "" || target.CDNURL == "" {
		return nil, errors.New("ответ presign не содержит presignedUrl или cdnUrl")
	}
	return target, nil
}

// Upload загружает тело файла по presigned URL одним PUT-запросом.
// Повторная попытка по тому же target запрещена: ErrTargetConsumed.
func (c *Client) Upload(ctx context.Context, target *PresignedTarget, contentType string, body io.Reader, size int64) error {
	if target == nil || target.PresignedURL == "" {
		return errors.New("пустой presigned URL")
	}
	if !target.consumed.CompareAndSwap(false, true) {
		return ErrTargetConsumed
	}

	ctx, cancel := context.WithTimeout(ctx, c.uploadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target.PresignedURL, body)
	if err != nil {
		return fmt.Errorf("создание запроса Upload: %w", err)
	}
	if size > 0 {
		req.ContentLength = size
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.httpClient.Do(req) //nolint:gosec // G704: URL выдан Caption Service
	if err != nil {
		return fmt.Errorf("запрос Upload: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return newAPIError(resp)
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	return nil
}

// Register регистрирует загруженное изображение по CDN-адресу и возвращает imageId.
func (c *Client) Register(ctx context.Context, token, imageURL string) (string, error) {
	req := struct {
		ImageURL    string `json:"imageUrl"`
		IsCommonUse bool   `json:"isCommonUse"`
	}{ImageURL: imageURL, IsCommonUse: false}

	var resp struct {
		ImageID json.RawMessage `json:"imageId"`
	}
	if err := c.postJSON(ctx, "register", PathRegister, token, req, &resp); err != nil {
		return "", err
	}

	imageID := rawID(resp.ImageID)
	if imageID == "" {
		return "", errors.New("ответ register не содержит imageId")
	}
	return imageID, nil
}

// captionDTO — подпись в ответе Caption Service.
type captionDTO struct {
	ID        uuid.UUID
	Content   string
	ImageID   *string
	CreatedAt time.Time
}

// captionTimeLayouts — форматы created_datetime_utc. Время без зоны считается UTC.
var captionTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999Z07",
	"2006-01-02 15:04:05.999999999",
}

// UnmarshalJSON декодирует подпись. id обязан быть UUID (подписи хранятся
// в таблице captions с UUID-ключом). Нераспознанное время не отбрасывает
// подпись: CreatedAt остаётся нулевым.
func (d *captionDTO) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID        json.RawMessage `json:"id"`
		Content   string          `json:"content"`
		ImageID   json.RawMessage `json:"image_id"`
		CreatedAt string          `json:"created_datetime_utc"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	idText := rawID(raw.ID)
	id, err := uuid.Parse(idText)
	if err != nil {
		return fmt.Errorf("id подписи %q не является UUID", idText)
	}

	d.ID = id
	d.Content = raw.Content
	d.ImageID = nil
	if imageID := rawID(raw.ImageID); imageID != "" {
		d.ImageID = &imageID
	}
	d.CreatedAt = parseCaptionTime(raw.CreatedAt)
	return nil
}

// parseCaptionTime разбирает время подписи; пустая или нераспознанная строка — нулевое время.
func parseCaptionTime(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range captionTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// GenerateCaptions запускает генерацию подписей для imageID.
// Ответ — массив подписей или объект {"captions": [...]}; порядок сохраняется.
func (c *Client) GenerateCaptions(ctx context.Context, token, imageID string) ([]*model.Caption, error) {
	req := struct {
		ImageID string `json:"imageId"`
	}{ImageID: imageID}

	var raw json.RawMessage
	if err := c.postJSON(ctx, "generate", PathGenerate, token, req, &raw); err != nil {
		return nil, err
	}

	dtos, err := decodeCaptions(raw)
	if err != nil {
		return nil, err
	}

	result := make([]*model.Caption, 0, len(dtos))
	for _, d := range dtos {
		result = append(result, &model.Caption{
			ID:        d.ID,
			Content:   d.Content,
			ImageID:   d.ImageID,
			CreatedAt: d.CreatedAt,
		})
	}
	return result, nil
}

func decodeCaptions(raw json.RawMessage) ([]captionDTO, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}

	var list []captionDTO
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return nil, &decodeError{path: PathGenerate, err: err}
		}
		return list, nil
	}

	var envelope struct {
		Captions []captionDTO `json:"captions"`
	}
	if err := json.Unmarshal(trimmed, &envelope); err != nil {
		return nil, &decodeError{path: PathGenerate, err: err}
	}
	return envelope.Captions, nil
}

// postJSON выполняет авторизованный JSON POST с повторами.
func (c *Client) postJSON(ctx context.Context, op, path, token string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("сериализация запроса %s: %w", op, err)
	}

	attempt := 0
	operation := func() error {
		attempt++
		if attempt > 1 {
			retriesTotal.WithLabelValues(op).Inc()
		}
		err := c.doJSON(ctx, path, token, payload, out)
		if err == nil {
			return nil
		}
		if !isRetryable(ctx, err) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		c.logger.Warn("Повтор запроса к Caption Service",
			slog.String("operation", op),
			slog.Int("attempt", attempt),
			slog.Duration("wait", wait),
			slog.String("error", err.Error()),
		)
	}

	return backoff.RetryNotify(operation, c.newBackOff(ctx), notify)
}

// doJSON выполняет одну попытку запроса с собственным таймаутом.
func (c *Client) doJSON(ctx context.Context, path, token string, payload []byte, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("создание запроса %s: %w", path, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req) //nolint:gosec // G704: URL из конфигурации
	if err != nil {
		return fmt.Errorf("запрос %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return newAPIError(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			err = errors.New("пустое тело")
		}
		return &decodeError{path: path, err: err}
	}
	return nil
}

func (c *Client) newBackOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.retryInterval
	eb.MaxInterval = 10 * c.retryInterval
	eb.MaxElapsedTime = 0
	eb.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(c.maxRetries)), ctx)
}

// decodeError — ответ 2xx с некорректным JSON. Повторы не помогут.
type decodeError struct {
	path string
	err  error
}

func (e *decodeError) Error() string {
	return fmt.Sprintf("декодирование ответа %s: %v", e.path, e.err)
}

func (e *decodeError) Unwrap() error { return e.err }

// Is сопоставляет decodeError с ErrMalformedResponse.
func (e *decodeError) Is(target error) bool { return target == ErrMalformedResponse }

// isRetryable: только транспортные ошибки и таймаут попытки.
// Любой HTTP-ответ (в том числе 429 и 5xx) и некорректное тело окончательны.
// Отмена родительского контекста повтор прекращает.
func isRetryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return false
	}
	var decErr *decodeError
	return !errors.As(err, &decErr)
}

// rawID приводит imageId (строка или число) к строке.
func rawID(raw json.RawMessage) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(trimmed, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(trimmed, &n); err == nil {
		return n.String()
	}
	return ""
}

// buildTLSConfig создаёт TLS-конфигурацию с кастомным CA-сертификатом.
func buildTLSConfig(caCertPath string) (*tls.Config, error) {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, fmt.Errorf("чтение CA-сертификата: %w", err)
	}

	caCertPool, err := x509.SystemCertPool()
	if err != nil {
		caCertPool = x509.NewCertPool()
	}
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("файл %s не содержит PEM-сертификатов", caCertPath)
	}

	return &tls.Config{
		RootCAs:    caCertPool,
		MinVersion: tls.VersionTLS12,
	}, nil
}
