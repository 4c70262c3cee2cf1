// votes.go — обработчики голосования.
// POST /api/v1/captions/{captionId}/vote — голос +1 / -1.
// GET /api/v1/me/votes — голоса текущего пользователя.
package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	apierrors "github.com/bigkaa/captionhub/internal/api/errors"
	"github.com/bigkaa/captionhub/internal/api/generated"
	"github.com/bigkaa/captionhub/internal/api/middleware"
	"github.com/bigkaa/captionhub/internal/domain/model"
	"github.com/bigkaa/captionhub/internal/service"
)

// VoteCaption — POST /api/v1/captions/{captionId}/vote.
func (h *APIHandler) VoteCaption(w http.ResponseWriter, r *http.Request, captionID generated.CaptionId) {
	p := middleware.PrincipalFromContext(r.Context())
	if p == nil {
		apierrors.Unauthorized(w, "Требуется аутентификация")
		return
	}

	var req generated.VoteCaptionJSONRequestBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierrors.ValidationError(w, "Невалидный JSON в теле запроса")
		return
	}

	value, err := model.ParseVoteValue(int(req.Value))
	if err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}

	// Голос за несуществующую подпись отклоняется до записи.
	if _, err := h.captions.Get(r.Context(), captionID); err != nil {
		if errors.Is(err, service.ErrNotFound) {
			apierrors.NotFound(w, "Подпись не найдена")
			return
		}
		h.logger.Error("Ошибка получения подписи",
			slog.String("caption_id", captionID.String()),
			slog.String("error", err.Error()),
		)
		apierrors.InternalError(w, "Внутренняя ошибка сервера")
		return
	}

	res, err := h.votes.Record(r.Context(), captionID, p.Subject, value)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidInput):
			apierrors.ValidationError(w, err.Error())
		case errors.Is(err, service.ErrNotFound):
			apierrors.NotFound(w, "Подпись не найдена")
		case errors.Is(err, service.ErrVoteConflict):
			apierrors.VoteConflict(w, "Голос изменён конкурентно, повторите запрос")
		default:
			h.logger.Error("Ошибка записи голоса",
				slog.String("caption_id", captionID.String()),
				slog.String("error", err.Error()),
			)
			apierrors.InternalError(w, "Внутренняя ошибка сервера")
		}
		return
	}

	writeJSON(w, http.StatusOK, generated.VoteResponse{
		Vote:     mapVote(res.Vote),
		Outcome:  generated.VoteResponseOutcome(res.Outcome),
		Attempts: res.Attempts,
	})
}

// ListMyVotes — GET /api/v1/me/votes.
func (h *APIHandler) ListMyVotes(w http.ResponseWriter, r *http.Request, params generated.ListMyVotesParams) {
	p := middleware.PrincipalFromContext(r.Context())
	if p == nil {
		apierrors.Unauthorized(w, "Требуется аутентификация")
		return
	}

	votes, err := h.votes.ListByPrincipal(r.Context(), p.Subject, intOrZero(params.Limit), intOrZero(params.Offset))
	if err != nil {
		if errors.Is(err, service.ErrInvalidInput) {
			apierrors.ValidationError(w, err.Error())
			return
		}
		h.logger.Error("Ошибка получения голосов", slog.String("error", err.Error()))
		apierrors.InternalError(w, "Внутренняя ошибка сервера")
		return
	}

	items := make([]generated.Vote, len(votes))
	for i, v := range votes {
		items[i] = mapVote(v)
	}
	writeJSON(w, http.StatusOK, generated.VoteList{Items: items})
}
