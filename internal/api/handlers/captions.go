// captions.go — обработчик ленты подписей.
// GET /api/v1/captions — страница подписей, новые первыми.
package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	apierrors "github.com/bigkaa/captionhub/internal/api/errors"
	"github.com/bigkaa/captionhub/internal/api/generated"
	"github.com/bigkaa/captionhub/internal/service"
)

// ListCaptions — GET /api/v1/captions.
func (h *APIHandler) ListCaptions(w http.ResponseWriter, r *http.Request, params generated.ListCaptionsParams) {
	page, err := h.captions.List(r.Context(), intOrZero(params.Limit), intOrZero(params.Offset))
	if err != nil {
		if errors.Is(err, service.ErrInvalidInput) {
			apierrors.ValidationError(w, err.Error())
			return
		}
		h.logger.Error("Ошибка получения ленты подписей", slog.String("error", err.Error()))
		apierrors.InternalError(w, "Внутренняя ошибка сервера")
		return
	}

	writeJSON(w, http.StatusOK, generated.CaptionPage{
		Items:  mapCaptions(page.Items),
		Total:  page.Total,
		Limit:  page.Limit,
		Offset: page.Offset,
	})
}
