// votes.go — запись голосов пользователей.
//
// Голос записывается по схеме check-then-act: поиск существующей записи,
// затем update или insert. Гонку двух конкурентных insert разрешает
// уникальный индекс (caption_id, profile_id): проигравший получает
// RetryConflict и на следующей попытке обновляет запись победителя.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/captionhub/internal/domain/model"
	"github.com/bigkaa/captionhub/internal/repository"
)

// VoteOutcome — результат одной попытки записи голоса.
type VoteOutcome string

const (
	// VoteInserted — создан новый голос.
	VoteInserted VoteOutcome = "inserted"
	// VoteUpdated — обновлён существующий голос.
	VoteUpdated VoteOutcome = "updated"
	// VoteRetryConflict — конкурентное изменение, требуется повтор.
	VoteRetryConflict VoteOutcome = "retry_conflict"
)

var votesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ch_votes_total",
	Help: "Результаты попыток записи голосов.",
}, []string{"outcome"})

// VoteResult — итог записи голоса.
type VoteResult struct {
	// Vote — сохранённый голос
	Vote *model.Vote
	// Outcome — Inserted или Updated (результат последней попытки)
	Outcome VoteOutcome
	// Attempts — количество выполненных попыток
	Attempts int
}

// VoteRecorder — сервис записи голосов.
type VoteRecorder struct {
	repo        repository.VoteRepository
	maxAttempts int
	logger      *slog.Logger
}

// NewVoteRecorder создаёт сервис записи голосов.
// maxAttempts — максимальное количество попыток при конфликтах (минимум 1).
func NewVoteRecorder(repo repository.VoteRepository, maxAttempts int, logger *slog.Logger) *VoteRecorder {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &VoteRecorder{
		repo:        repo,
		maxAttempts: maxAttempts,
		logger:      logger.With(slog.String("component", "vote_recorder")),
	}
}

// Record записывает голос principalID за подпись captionID.
// Ошибки: ErrInvalidInput (пустой пользователь, недопустимое значение),
// ErrNotFound (подпись не существует), ErrVoteConflict (попытки исчерпаны).
func (r *VoteRecorder) Record(ctx context.Context, captionID uuid.UUID, principalID string, value model.VoteValue) (*VoteResult, error) {
	if principalID == "" {
		return nil, fmt.Errorf("%w: не указан пользователь", ErrInvalidInput)
	}
	if captionID == uuid.Nil {
		return nil, fmt.Errorf("%w: не указана подпись", ErrInvalidInput)
	}
	if !value.Valid() {
		return nil, fmt.Errorf("%w: недопустимое значение голоса %d", ErrInvalidInput, value)
	}

	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		vote, outcome, err := r.attempt(ctx, captionID, principalID, value)
		if err != nil {
			votesTotal.WithLabelValues("error").Inc()
			return nil, err
		}
		votesTotal.WithLabelValues(string(outcome)).Inc()

		if outcome != VoteRetryConflict {
			r.logger.Debug("Голос записан",
				slog.String("caption_id", captionID.String()),
				slog.String("profile_id", principalID),
				slog.Int("value", int(value)),
				slog.String("outcome", string(outcome)),
				slog.Int("attempt", attempt),
			)
			return &VoteResult{Vote: vote, Outcome: outcome, Attempts: attempt}, nil
		}

		r.logger.Info("Конфликт записи голоса, повтор",
			slog.String("caption_id", captionID.String()),
			slog.String("profile_id", principalID),
			slog.Int("attempt", attempt),
		)
	}

	votesTotal.WithLabelValues("conflict").Inc()
	return nil, fmt.Errorf("%w: подпись %s, попыток %d", ErrVoteConflict, captionID, r.maxAttempts)
}

// attempt — одна попытка check-then-act.
func (r *VoteRecorder) attempt(ctx context.Context, captionID uuid.UUID, principalID string, value model.VoteValue) (*model.Vote, VoteOutcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}

	vote := &model.Vote{CaptionID: captionID, ProfileID: principalID, Value: value}

	_, err := r.repo.Get(ctx, captionID, principalID)
	switch {
	case err == nil:
		if err := r.repo.Update(ctx, vote); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				// Запись исчезла между чтением и обновлением
				return nil, VoteRetryConflict, nil
			}
			return nil, "", fmt.Errorf("обновление голоса: %w", err)
		}
		return vote, VoteUpdated, nil

	case errors.Is(err, repository.ErrNotFound):
		if err := r.repo.Insert(ctx, vote); err != nil {
			if errors.Is(err, repository.ErrConflict) {
				return nil, VoteRetryConflict, nil
			}
			if errors.Is(err, repository.ErrNotFound) {
				return nil, "", fmt.Errorf("%w: подпись %s", ErrNotFound, captionID)
			}
			return nil, "", fmt.Errorf("создание голоса: %w", err)
		}
		return vote, VoteInserted, nil

	default:
		return nil, "", fmt.Errorf("поиск голоса: %w", err)
	}
}

// ListByPrincipal возвращает голоса пользователя для восстановления карты голосов клиента.
func (r *VoteRecorder) ListByPrincipal(ctx context.Context, principalID string, limit, offset int) ([]*model.Vote, error) {
	if principalID == "" {
		return nil, fmt.Errorf("%w: не указан пользователь", ErrInvalidInput)
	}
	if offset < 0 {
		return nil, fmt.Errorf("%w: offset %d не может быть отрицательным", ErrInvalidInput, offset)
	}
	if limit <= 0 || limit > MaxPageLimit {
		limit = MaxPageLimit
	}

	votes, err := r.repo.ListByProfile(ctx, principalID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("список голосов: %w", err)
	}
	return votes, nil
}
