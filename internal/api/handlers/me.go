// me.go — обработчик GET /api/v1/me.
package handlers

import (
	"net/http"

	openapi_types "github.com/oapi-codegen/runtime/types"

	apierrors "github.com/bigkaa/captionhub/internal/api/errors"
	"github.com/bigkaa/captionhub/internal/api/generated"
	"github.com/bigkaa/captionhub/internal/api/middleware"
)

// GetCurrentUser — GET /api/v1/me.
// Возвращает данные текущего пользователя.
func (h *APIHandler) GetCurrentUser(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFromContext(r.Context())
	if p == nil {
		apierrors.Unauthorized(w, "Требуется аутентификация")
		return
	}

	resp := generated.CurrentUser{Id: p.Subject}
	if p.Email != "" {
		email := openapi_types.Email(p.Email)
		resp.Email = &email
	}
	if p.Name != "" {
		name := p.Name
		resp.Name = &name
	}

	writeJSON(w, http.StatusOK, resp)
}
