// handler.go — основной обработчик API, реализующий generated.ServerInterface.
// Объединяет доменные обработчики и делегирует запросы в сервисный слой.
package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/bigkaa/captionhub/internal/api/generated"
	"github.com/bigkaa/captionhub/internal/domain/model"
	"github.com/bigkaa/captionhub/internal/service"
)

// Проверка соответствия контракту на этапе компиляции.
var _ generated.ServerInterface = (*APIHandler)(nil)

// CaptionLister — чтение ленты и отдельных подписей (service.CaptionService).
type CaptionLister interface {
	List(ctx context.Context, limit, offset int) (*model.CaptionPage, error)
	Get(ctx context.Context, id uuid.UUID) (*model.Caption, error)
}

// VoteService — запись и чтение голосов (service.VoteRecorder).
type VoteService interface {
	Record(ctx context.Context, captionID uuid.UUID, principalID string, value model.VoteValue) (*service.VoteResult, error)
	ListByPrincipal(ctx context.Context, principalID string, limit, offset int) ([]*model.Vote, error)
}

// UploadRunner — конвейер загрузки (service.Orchestrator).
type UploadRunner interface {
	Run(ctx context.Context, principal *model.Principal, req service.UploadRequest) (*service.UploadResult, error)
}

// UploadLimits — ограничения на загружаемые файлы.
type UploadLimits struct {
	// MaxBytes — максимальный размер файла
	MaxBytes int64
	// AllowedTypes — допустимые MIME-типы
	AllowedTypes []string
}

// APIHandler — основной обработчик API captionhub.
type APIHandler struct {
	health   *HealthHandler
	captions CaptionLister
	votes    VoteService
	uploads  UploadRunner
	limits   UploadLimits
	logger   *slog.Logger
}

// NewAPIHandler создаёт основной обработчик API.
func NewAPIHandler(
	health *HealthHandler,
	captions CaptionLister,
	votes VoteService,
	uploads UploadRunner,
	limits UploadLimits,
	logger *slog.Logger,
) *APIHandler {
	return &APIHandler{
		health:   health,
		captions: captions,
		votes:    votes,
		uploads:  uploads,
		limits:   limits,
		logger:   logger.With(slog.String("component", "api_handler")),
	}
}

// HealthLive — liveness probe (делегируется в HealthHandler).
func (h *APIHandler) HealthLive(w http.ResponseWriter, r *http.Request) {
	h.health.HealthLive(w, r)
}

// HealthReady — readiness probe (делегируется в HealthHandler).
func (h *APIHandler) HealthReady(w http.ResponseWriter, r *http.Request) {
	h.health.HealthReady(w, r)
}

// GetMetrics — Prometheus метрики (делегируется в HealthHandler).
func (h *APIHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	h.health.GetMetrics(w, r)
}

// --- Вспомогательные функции ---

// writeJSON записывает JSON-ответ с указанным статусом.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// intOrZero разыменовывает необязательный параметр.
func intOrZero(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}

// mapCaption конвертирует domain model в generated API type.
func mapCaption(c *model.Caption) generated.Caption {
	return generated.Caption{
		Id:        c.ID,
		Content:   c.Content,
		ImageId:   c.ImageID,
		CreatedAt: c.CreatedAt,
	}
}

// mapCaptions конвертирует список подписей, nil превращается в пустой массив.
func mapCaptions(items []*model.Caption) []generated.Caption {
	out := make([]generated.Caption, len(items))
	for i, c := range items {
		out[i] = mapCaption(c)
	}
	return out
}

// mapVote конвертирует domain model голоса в generated API type.
func mapVote(v *model.Vote) generated.Vote {
	return generated.Vote{
		Id:         v.ID,
		CaptionId:  v.CaptionID,
		Value:      generated.VoteValue(v.Value),
		CreatedAt:  v.CreatedAt,
		ModifiedAt: v.ModifiedAt,
	}
}
