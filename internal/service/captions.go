// captions.go — список подписей с LRU-кэшем страниц.
// Кэш обёрнут в singleflight: конкурентные промахи по одной странице
// выполняют один запрос к PostgreSQL.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/singleflight"

	"github.com/bigkaa/captionhub/internal/domain/model"
	"github.com/bigkaa/captionhub/internal/repository"
)

// MaxPageLimit — верхняя граница размера страницы.
const MaxPageLimit = 100

// loadTimeout — таймаут загрузки страницы из PostgreSQL.
const loadTimeout = 10 * time.Second

// Prometheus-метрики кэша.
var (
	cacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ch_caption_cache_hits_total",
		Help: "Общее количество попаданий в кэш страниц подписей.",
	})
	cacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ch_caption_cache_misses_total",
		Help: "Общее количество промахов кэша страниц подписей.",
	})
	cacheInvalidationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ch_caption_cache_invalidations_total",
		Help: "Количество сбросов кэша страниц подписей.",
	})
)

type pageKey struct {
	limit  int
	offset int
}

// CaptionService — чтение подписей с кэшированием страниц.
type CaptionService struct {
	repo         repository.CaptionRepository
	cache        *expirable.LRU[pageKey, *model.CaptionPage]
	group        singleflight.Group
	generation   atomic.Uint64
	defaultLimit int
	logger       *slog.Logger
}

// NewCaptionService создаёт сервис подписей.
// cacheSize — максимальное количество страниц в кэше, ttl — время жизни страницы.
func NewCaptionService(
	repo repository.CaptionRepository,
	defaultLimit int,
	cacheSize int,
	ttl time.Duration,
	logger *slog.Logger,
) *CaptionService {
	return &CaptionService{
		repo:         repo,
		cache:        expirable.NewLRU[pageKey, *model.CaptionPage](cacheSize, nil, ttl),
		defaultLimit: defaultLimit,
		logger:       logger.With(slog.String("component", "caption_service")),
	}
}

// List возвращает страницу подписей, новые первыми.
// limit <= 0 — размер страницы по умолчанию; limit > MaxPageLimit урезается.
func (s *CaptionService) List(ctx context.Context, limit, offset int) (*model.CaptionPage, error) {
	if offset < 0 {
		return nil, fmt.Errorf("%w: offset %d не может быть отрицательным", ErrInvalidInput, offset)
	}
	if limit <= 0 {
		limit = s.defaultLimit
	}
	if limit > MaxPageLimit {
		limit = MaxPageLimit
	}

	key := pageKey{limit: limit, offset: offset}
	if page, ok := s.cache.Get(key); ok {
		cacheHitsTotal.Inc()
		return page, nil
	}
	cacheMissesTotal.Inc()

	sfKey := strconv.Itoa(limit) + ":" + strconv.Itoa(offset)
	v, err, _ := s.group.Do(sfKey, func() (any, error) {
		// Результатом пользуются все ожидающие, поэтому отмена
		// одного запроса загрузку не прерывает.
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), loadTimeout)
		defer cancel()

		gen := s.generation.Load()
		page, err := s.load(loadCtx, limit, offset)
		if err != nil {
			return nil, err
		}
		// Страница, загруженная до сброса кэша, не кэшируется
		if s.generation.Load() == gen {
			s.cache.Add(key, page)
		}
		return page, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.CaptionPage), nil
}

// Get возвращает подпись по ID.
func (s *CaptionService) Get(ctx context.Context, id uuid.UUID) (*model.Caption, error) {
	c, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("получение подписи: %w", err)
	}
	return c, nil
}

// Invalidate сбрасывает кэш страниц (после генерации новых подписей).
func (s *CaptionService) Invalidate() {
	s.generation.Add(1)
	s.cache.Purge()
	cacheInvalidationsTotal.Inc()
	s.logger.Debug("Кэш подписей сброшен")
}

func (s *CaptionService) load(ctx context.Context, limit, offset int) (*model.CaptionPage, error) {
	items, err := s.repo.List(ctx, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("список подписей: %w", err)
	}
	total, err := s.repo.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("количество подписей: %w", err)
	}
	return &model.CaptionPage{Items: items, Total: total, Limit: limit, Offset: offset}, nil
}
